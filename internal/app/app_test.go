package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"offerwatch/internal/alerting"
	"offerwatch/internal/config"
	"offerwatch/internal/items"
	"offerwatch/internal/storage"
	"offerwatch/internal/watch"
)

func newTestApp(t *testing.T) (*App, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Scan:    config.ScanConfig{TLD: "com"},
		Items:   config.ItemsConfig{Path: filepath.Join(dir, "urls.txt")},
		Storage: config.StorageConfig{Path: filepath.Join(dir, "watch.json")},
		History: config.HistoryConfig{Enabled: true, KeepFullDays: 7, MaxPoints: 2000, NoiseProtection: true},
		Export:  config.ExportConfig{MaxDataPoints: 1000, ChartWidth: 600, ChartHeight: 300},
	}
	out := &bytes.Buffer{}
	a := NewApp(cfg, zerolog.Nop())
	a.Out = out
	return a, out
}

func seed(t *testing.T, a *App, asin string, rec *watch.WatchRecord) {
	t.Helper()
	ctx := context.Background()
	ov := watch.DefaultOverrides()
	ov.Group = "desk"
	if err := a.newListFile().Add(ctx, items.Entry{Value: asin, Overrides: ov}); err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		if err := storage.NewFileStore(a.Config.Storage.Path).Save(ctx, "https://www.amazon.com/dp/"+asin, rec); err != nil {
			t.Fatal(err)
		}
	}
}

func hourlyHistory(start time.Time, n int) []watch.HistoryPoint {
	out := make([]watch.HistoryPoint, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, watch.HistoryPoint{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Source:    watch.SourceMain,
			Price:     decimal.NewFromInt(int64(100 + i%7)),
		})
	}
	return out
}

func TestShowListsTrackedItems(t *testing.T) {
	a, out := newTestApp(t)
	seed(t, a, "B0ABCDEF12", &watch.WatchRecord{
		Title:     "Desk Lamp",
		Symbol:    "$",
		Main:      watch.Offer{Price: decimal.RequireFromString("19.99"), Available: true},
		UpdatedAt: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	})
	seed(t, a, "B0NEWITEM1", nil)

	if err := a.Show(context.Background(), ShowOptions{}); err != nil {
		t.Fatalf("show 失败: %v", err)
	}
	text := out.String()
	for _, want := range []string{"Desk Lamp", "$19.99", "in stock", "B0NEWITEM1", "never"} {
		if !strings.Contains(text, want) {
			t.Fatalf("输出缺少 %q:\n%s", want, text)
		}
	}

	out.Reset()
	if err := a.Show(context.Background(), ShowOptions{Group: "garden"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "no tracked items") {
		t.Fatalf("分组过滤不正确: %s", out.String())
	}
}

func TestHistoryCommand(t *testing.T) {
	a, out := newTestApp(t)
	seed(t, a, "B0ABCDEF12", &watch.WatchRecord{Title: "Lamp", Symbol: "€", History: hourlyHistory(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), 10)})

	if err := a.History(context.Background(), HistoryOptions{ASIN: "b0abcdef12", Limit: 3}); err != nil {
		t.Fatalf("history 失败: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 5 {
		t.Fatalf("应输出标题、表头与 3 行数据:\n%s", out.String())
	}
	if !strings.Contains(lines[4], "2026-05-01T09:00:00Z") || !strings.Contains(lines[4], "€102.00") {
		t.Fatalf("最后一行不正确: %s", lines[4])
	}

	if err := a.History(context.Background(), HistoryOptions{ASIN: "B0MISSING0"}); err == nil {
		t.Fatal("未跟踪的 ASIN 应报错")
	}
}

func TestExportCSV(t *testing.T) {
	a, _ := newTestApp(t)
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	seed(t, a, "B0ABCDEF12", &watch.WatchRecord{Title: "Lamp", Symbol: "$", History: hourlyHistory(start, 20)})

	path := filepath.Join(t.TempDir(), "out", "lamp.csv")
	from := start.Add(5 * time.Hour)
	if err := a.Export(context.Background(), ExportOptions{ASIN: "B0ABCDEF12", CSVPath: path, From: &from, MaxPoints: 4}); err != nil {
		t.Fatalf("导出失败: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 5 || rows[0][0] != "ts" {
		t.Fatalf("CSV 行数不正确: %v", rows)
	}
	if rows[1][0] != from.Format(time.RFC3339) || rows[4][0] != start.Add(19*time.Hour).Format(time.RFC3339) {
		t.Fatalf("降采样应保留首尾点: %v", rows)
	}
}

func TestExportPNG(t *testing.T) {
	a, _ := newTestApp(t)
	seed(t, a, "B0ABCDEF12", &watch.WatchRecord{Title: "Lamp", History: hourlyHistory(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), 6)})

	path := filepath.Join(t.TempDir(), "lamp.png")
	if err := a.Export(context.Background(), ExportOptions{ASIN: "B0ABCDEF12", PNGPath: path}); err != nil {
		t.Fatalf("PNG 导出失败: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil || !bytes.HasPrefix(data, []byte("\x89PNG")) {
		t.Fatalf("输出不是 PNG: %v", err)
	}
}

func TestExportRequiresTarget(t *testing.T) {
	a, _ := newTestApp(t)
	if err := a.Export(context.Background(), ExportOptions{ASIN: "B0ABCDEF12"}); err == nil {
		t.Fatal("未指定 --csv/--png 时应报错")
	}
}

func TestDownsamplePoints(t *testing.T) {
	points := hourlyHistory(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), 10)
	if got := downsamplePoints(points, 0); len(got) != 10 {
		t.Fatalf("max=0 不应降采样: %d", len(got))
	}
	got := downsamplePoints(points, 3)
	if len(got) != 3 || !got[0].Timestamp.Equal(points[0].Timestamp) || !got[2].Timestamp.Equal(points[9].Timestamp) {
		t.Fatalf("降采样结果不正确: %+v", got)
	}
	if got := downsamplePoints(points, 1); len(got) != 1 || !got[0].Timestamp.Equal(points[9].Timestamp) {
		t.Fatalf("max=1 应保留最新点: %+v", got)
	}
}

func TestCompact(t *testing.T) {
	a, out := newTestApp(t)
	old := time.Now().UTC().AddDate(0, 0, -30).Truncate(24 * time.Hour)
	seed(t, a, "B0ABCDEF12", &watch.WatchRecord{Title: "Lamp", History: hourlyHistory(old, 48)})

	if err := a.Compact(context.Background(), CompactOptions{DryRun: true}); err != nil {
		t.Fatalf("dry-run 失败: %v", err)
	}
	if !strings.Contains(out.String(), "points: 48 -> 7") {
		t.Fatalf("dry-run 汇总不正确: %s", out.String())
	}
	store := storage.NewFileStore(a.Config.Storage.Path)
	rec, _ := store.Get(context.Background(), "https://www.amazon.com/dp/B0ABCDEF12")
	if len(rec.History) != 48 {
		t.Fatalf("dry-run 不应写入: %d", len(rec.History))
	}

	if err := a.Compact(context.Background(), CompactOptions{}); err != nil {
		t.Fatalf("压缩失败: %v", err)
	}
	rec, _ = storage.NewFileStore(a.Config.Storage.Path).Get(context.Background(), "https://www.amazon.com/dp/B0ABCDEF12")
	if len(rec.History) != 7 {
		t.Fatalf("按天压缩后应剩 7 个点, 实际 %d", len(rec.History))
	}
}

func TestSimulatedEvent(t *testing.T) {
	a, _ := newTestApp(t)
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	ev := a.simulatedEvent(SimulateOptions{
		ASIN:     "B0ABCDEF12",
		Title:    "Lamp",
		Source:   watch.SourceWarehouse,
		OldPrice: decimal.RequireFromString("30"),
		NewPrice: decimal.RequireFromString("20"),
	}, now)

	if ev.Kind != alerting.KindPrice || ev.Symbol != "$" || ev.ID == "" {
		t.Fatalf("默认值不正确: %+v", ev)
	}
	if ev.ProductURL != "https://www.amazon.com/dp/B0ABCDEF12" || ev.OffersURL != "https://www.amazon.com/dp/B0ABCDEF12?aod=1&psc=1" {
		t.Fatalf("链接不正确: %+v", ev)
	}
	if ev.OldPrice == nil || !ev.MainPrice.Equal(decimal.RequireFromString("30")) {
		t.Fatalf("仓库告警应带主报价: %+v", ev)
	}
}

func TestSimulateAlertRequiresChannel(t *testing.T) {
	a, _ := newTestApp(t)
	a.Config.Alerting.Enabled = true
	err := a.SimulateAlert(context.Background(), SimulateOptions{NewPrice: decimal.NewFromInt(1)})
	if err == nil || !strings.Contains(err.Error(), "未配置") {
		t.Fatalf("无通道时应报错, 实际 %v", err)
	}
}
