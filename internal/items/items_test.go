package items

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"offerwatch/internal/watch"
)

func TestParseLineTokens(t *testing.T) {
	e, ok := ParseLine(`B0ABCDEF12 | threshold=49.99 | drop=10% | baseline=first-seen | warehouse=wh-only | alerts=price | label="Desk lamp" | group=home | notify=once | repeat=yes | webhook_id=deals | bogus=1`)
	if !ok {
		t.Fatal("应解析成功")
	}
	ov := e.Overrides
	if e.Value != "B0ABCDEF12" {
		t.Fatalf("value 不正确: %q", e.Value)
	}
	if ov.Threshold == nil || ov.Threshold.String() != "49.99" {
		t.Fatalf("threshold 不正确: %v", ov.Threshold)
	}
	if ov.DropPct == nil || ov.DropPct.String() != "10" {
		t.Fatalf("drop 不正确: %v", ov.DropPct)
	}
	if ov.Baseline != watch.BaselineStart {
		t.Fatalf("baseline 应为 start, 实际 %s", ov.Baseline)
	}
	if ov.Warehouse != watch.WarehouseOnly {
		t.Fatalf("warehouse 应为 only, 实际 %s", ov.Warehouse)
	}
	if ov.Alerts != watch.AlertPrice {
		t.Fatalf("alerts 应为 price, 实际 %s", ov.Alerts)
	}
	if ov.Label != "Desk lamp" || ov.Group != "home" || ov.Webhook != "deals" {
		t.Fatalf("label/group/webhook 不正确: %+v", ov)
	}
	if !ov.NotifyOnce || !ov.RepeatAlerts {
		t.Fatalf("notify/repeat 不正确: %+v", ov)
	}
}

func TestParseLineSkipsCommentsAndBlank(t *testing.T) {
	for _, line := range []string{"", "   ", "# B0ABCDEF12", "|threshold=1"} {
		if _, ok := ParseLine(line); ok {
			t.Fatalf("%q 不应解析为条目", line)
		}
	}
}

func TestParseLineDefaults(t *testing.T) {
	e, ok := ParseLine("https://www.amazon.ca/dp/B0ABCDEF12?ref=xyz|drop=-5|threshold=abc|warehouse=maybe")
	if !ok {
		t.Fatal("应解析成功")
	}
	ov := e.Overrides
	if ov.DropPct != nil || ov.Threshold != nil {
		t.Fatalf("非法数值应忽略: %+v", ov)
	}
	if ov.Warehouse != watch.WarehouseDefault || ov.Alerts != watch.AlertBoth || ov.NotifyOnce {
		t.Fatalf("默认值不正确: %+v", ov)
	}
}

func TestWarehouseOnlyAliases(t *testing.T) {
	for _, alias := range []string{"only", "strict", "wh-only", "warehouse-only", "onlywh", "only-warehouse"} {
		e, _ := ParseLine("B0ABCDEF12|warehouse=" + alias)
		if e.Overrides.Warehouse != watch.WarehouseOnly {
			t.Fatalf("%s 应解析为 only", alias)
		}
	}
	e, _ := ParseLine("B0ABCDEF12|warehouse=0")
	if e.Overrides.Warehouse != watch.WarehouseOff {
		t.Fatalf("0 应解析为 off")
	}
}

func TestFormatLineRoundTrip(t *testing.T) {
	in := `B0ABCDEF12|label="Desk lamp"|warehouse=only|alerts=stock|threshold=20.00|baseline=lowest|notify=once`
	e, _ := ParseLine(in)
	out := FormatLine(e)
	again, _ := ParseLine(out)
	if again.Overrides.Warehouse != watch.WarehouseOnly || again.Overrides.Alerts != watch.AlertStock ||
		again.Overrides.Baseline != watch.BaselineLowest || !again.Overrides.NotifyOnce ||
		again.Overrides.Label != "Desk lamp" || !again.Overrides.Threshold.Equal(*e.Overrides.Threshold) {
		t.Fatalf("格式化后重新解析不一致: %s", out)
	}
}

func TestResolverCanonicalKey(t *testing.T) {
	r := Resolver{TLD: "ca", URLParams: map[string]string{"th": "1", "language": "en_CA"}, DefaultWarehouse: true}

	a := r.Item(Entry{Value: "https://www.amazon.ca/Some-Thing/dp/b0abcdef12/ref=sr_1?keywords=x", Overrides: watch.DefaultOverrides()})
	b := r.Item(Entry{Value: "B0ABCDEF12", Overrides: watch.DefaultOverrides()})

	if a.Key != "https://www.amazon.ca/dp/B0ABCDEF12" || a.Key != b.Key {
		t.Fatalf("规范化 key 不一致: %q vs %q", a.Key, b.Key)
	}
	if a.ASIN != "B0ABCDEF12" {
		t.Fatalf("ASIN 提取错误: %q", a.ASIN)
	}
	if b.RequestURL != "https://www.amazon.ca/dp/B0ABCDEF12?language=en_CA&th=1" {
		t.Fatalf("请求 URL 不正确: %s", b.RequestURL)
	}
	if !strings.Contains(a.RequestURL, "keywords=x&language=en_CA&th=1") {
		t.Fatalf("应保留原查询参数: %s", a.RequestURL)
	}
	if a.Overrides.Warehouse != watch.WarehouseOn {
		t.Fatalf("默认 warehouse 应解析为 on")
	}

	resolved := r.Resolve([]Entry{{Value: "B0ABCDEF12"}, {Value: "https://www.amazon.ca/dp/B0ABCDEF12"}, {Value: "not-an-asin"}})
	if len(resolved) != 2 {
		t.Fatalf("重复条目应去重, 实际 %d", len(resolved))
	}
	if resolved[1].Key != "not-an-asin" || resolved[1].ASIN != "" {
		t.Fatalf("无 ASIN 时 key 应为原值: %+v", resolved[1])
	}
}

func TestExtractASINFromQuery(t *testing.T) {
	if got := ExtractASIN("https://www.amazon.com/gp/aod/ajax?asin=B0ABCDEF12", "com"); got != "B0ABCDEF12" {
		t.Fatalf("应从 query 提取 ASIN, 实际 %q", got)
	}
	if got := OffersURL("B0ABCDEF12", "de"); got != "https://www.amazon.de/dp/B0ABCDEF12?aod=1&psc=1" {
		t.Fatalf("offers 链接不正确: %s", got)
	}
}

func TestListFileCRUD(t *testing.T) {
	path := filepath.Join(t.TempDir(), "urls.txt")
	list := NewListFile(path, "com")
	ctx := context.Background()

	entries, err := list.Entries(ctx)
	if err != nil || len(entries) != 0 {
		t.Fatalf("文件不存在时应返回空列表: %v %d", err, len(entries))
	}

	if err := os.WriteFile(path, []byte("# watched\nB0ABCDEF12|threshold=10\n\nB0ZZZZZZZ9\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	label := watch.DefaultOverrides()
	label.Label = "Renamed"
	if err := list.Add(ctx, Entry{Value: "https://www.amazon.com/dp/B0ABCDEF12", Overrides: label}); err != nil {
		t.Fatalf("Add 失败: %v", err)
	}
	if err := list.Add(ctx, Entry{Value: "B0NEWNEW01", Overrides: watch.DefaultOverrides()}); err != nil {
		t.Fatalf("Add 失败: %v", err)
	}

	entries, _ = list.Entries(ctx)
	if len(entries) != 3 {
		t.Fatalf("应有 3 个条目, 实际 %d", len(entries))
	}
	if entries[0].Overrides.Label != "Renamed" {
		t.Fatalf("相同 ASIN 应替换原行: %+v", entries[0])
	}

	if err := list.Remove(ctx, "b0zzzzzzz9"); err != nil {
		t.Fatalf("Remove 失败: %v", err)
	}
	if err := list.Remove(ctx, "B0ZZZZZZZ9"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("重复删除应返回 ErrNotFound, 实际 %v", err)
	}

	raw, _ := os.ReadFile(path)
	if !strings.HasPrefix(string(raw), "# watched\n") {
		t.Fatalf("注释行应保留: %q", raw)
	}
}
