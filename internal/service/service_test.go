package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"offerwatch/internal/alerting"
	"offerwatch/internal/fetcher"
	"offerwatch/internal/history"
	"offerwatch/internal/items"
	"offerwatch/internal/parser"
	"offerwatch/internal/reconcile"
	"offerwatch/internal/storage"
	"offerwatch/internal/watch"
)

var testNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type staticItems struct {
	entries []items.Entry
}

func (s staticItems) Entries(context.Context) ([]items.Entry, error) {
	return s.entries, nil
}

type fakeFetcher struct {
	mu      sync.Mutex
	calls   []string
	softBan map[string]bool
	errs    map[string]error
	offers  map[string][][]byte
	block   chan struct{}
	started chan struct{}
}

func (f *fakeFetcher) FetchPage(ctx context.Context, item watch.TrackedItem) (fetcher.Page, error) {
	f.mu.Lock()
	f.calls = append(f.calls, item.ASIN)
	f.mu.Unlock()

	if f.block != nil {
		f.started <- struct{}{}
		<-f.block
	}
	if err := f.errs[item.ASIN]; err != nil {
		return fetcher.Page{}, err
	}
	if f.softBan[item.ASIN] {
		return fetcher.Page{StatusCode: 503, SoftBan: true, Reason: "status 503"}, nil
	}
	return fetcher.Page{StatusCode: 200, Body: []byte(item.ASIN)}, nil
}

func (f *fakeFetcher) FetchOffers(ctx context.Context, item watch.TrackedItem) [][]byte {
	return f.offers[item.ASIN]
}

func (f *fakeFetcher) fetched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// fakeParser keys snapshots by body, which the fake fetcher sets to the ASIN.
type fakeParser struct {
	pages  map[string]watch.Snapshot
	offers map[string]*watch.Offer
}

func (p fakeParser) Parse(body []byte) (watch.Snapshot, error) {
	snap, ok := p.pages[string(body)]
	if !ok {
		return watch.Snapshot{}, parser.ErrParseIncomplete
	}
	return snap, nil
}

func (p fakeParser) ParseOffers(body []byte, fallbackSymbol string) (*watch.Offer, error) {
	return p.offers[string(body)], nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []alerting.Event
	err    error
}

func (n *recordingNotifier) Notify(ctx context.Context, event alerting.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return n.err
}

type recordingRotator struct {
	keys []string
}

func (r *recordingRotator) Rotate(key string) {
	r.keys = append(r.keys, key)
}

type failingStore struct {
	storage.StateStore
}

func (failingStore) Save(context.Context, string, *watch.WatchRecord) error {
	return errors.New("disk full")
}

func offer(price string) watch.Offer {
	return watch.Offer{Price: decimal.RequireFromString(price), Symbol: "$", Available: true}
}

func asin(i int) string {
	return fmt.Sprintf("B00000000%d", i)
}

func keyOf(a string) string {
	return "https://www.amazon.com/dp/" + a
}

type fixture struct {
	svc      *Service
	fetcher  *fakeFetcher
	notifier *recordingNotifier
	rotator  *recordingRotator
	store    storage.StateStore
	pages    map[string]watch.Snapshot
}

func newFixture(t *testing.T, n int, mutate func(*Dependencies)) *fixture {
	t.Helper()

	entries := make([]items.Entry, 0, n)
	pages := make(map[string]watch.Snapshot, n)
	for i := 1; i <= n; i++ {
		ov := watch.DefaultOverrides()
		ov.Webhook = "deals"
		entries = append(entries, items.Entry{Value: asin(i), Overrides: ov})
		pages[asin(i)] = watch.Snapshot{Title: "Item " + asin(i), Main: offer(fmt.Sprintf("%d.00", 10+i))}
	}

	f := &fixture{
		fetcher:  &fakeFetcher{softBan: map[string]bool{}, errs: map[string]error{}, offers: map[string][][]byte{}},
		notifier: &recordingNotifier{},
		rotator:  &recordingRotator{},
		store:    storage.NewFileStore(filepath.Join(t.TempDir(), "watch.json")),
		pages:    pages,
	}
	deps := Dependencies{
		Items:    staticItems{entries: entries},
		Resolver: items.Resolver{TLD: "com"},
		Fetcher:  f.fetcher,
		Parser:   fakeParser{pages: pages, offers: map[string]*watch.Offer{}},
		Engine:   reconcile.New(reconcile.Options{TLD: "com", History: history.DefaultPolicy()}),
		Store:    f.store,
		Notifier: f.notifier,
		Identity: f.rotator,
	}
	if mutate != nil {
		mutate(&deps)
	}
	f.svc = New(Options{
		SoftBanCooldown: 30 * time.Minute,
		RotateOnSoftBan: true,
		AlertsEnabled:   true,
		Now:             func() time.Time { return testNow },
	}, deps, zerolog.Nop())
	return f
}

func TestSoftBanHaltsCycle(t *testing.T) {
	f := newFixture(t, 5, nil)
	f.fetcher.softBan[asin(3)] = true
	if err := f.store.Save(context.Background(), "https://www.amazon.com/dp/STALE00000", &watch.WatchRecord{}); err != nil {
		t.Fatal(err)
	}

	report, err := f.svc.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("软封禁不应返回错误: %v", err)
	}
	if got := f.fetcher.fetched(); len(got) != 3 {
		t.Fatalf("第 3 个商品触发软封禁后应停止, 实际请求 %v", got)
	}
	if !report.Halted || report.Processed != 3 || report.Pruned != 0 {
		t.Fatalf("报告不正确: %+v", report)
	}

	until, remaining := f.svc.CooldownStatus()
	if !until.Equal(testNow.Add(30*time.Minute)) || remaining != 30*time.Minute {
		t.Fatalf("冷却时间不正确: %s %s", until, remaining)
	}
	if len(f.rotator.keys) != 1 || f.rotator.keys[0] != keyOf(asin(3)) {
		t.Fatalf("软封禁后应轮换该商品的 UA: %v", f.rotator.keys)
	}

	all, _ := f.store.List(context.Background())
	if _, ok := all["https://www.amazon.com/dp/STALE00000"]; !ok {
		t.Fatal("中断的周期不应清理记录")
	}
	if len(all) != 3 {
		t.Fatalf("前两个商品应已保存, 实际 %d 条记录", len(all))
	}

	again, err := f.svc.RunCycle(context.Background())
	if err != nil || !again.Skipped || again.SkipReason != "soft-ban cooldown" {
		t.Fatalf("冷却期间应跳过扫描: %+v %v", again, err)
	}
	if len(f.fetcher.fetched()) != 3 {
		t.Fatal("冷却期间不应发出请求")
	}
	if st := f.svc.Status(); st.CooldownRemaining != 30*time.Minute || st.LastReport == nil || !st.LastReport.Skipped {
		t.Fatalf("状态不正确: %+v", st)
	}
}

func TestCycleNotifiesAndPrunes(t *testing.T) {
	f := newFixture(t, 2, nil)
	ctx := context.Background()
	if err := f.store.Save(ctx, "https://www.amazon.com/dp/STALE00000", &watch.WatchRecord{}); err != nil {
		t.Fatal(err)
	}

	report, err := f.svc.RunCycle(ctx)
	if err != nil {
		t.Fatalf("扫描失败: %v", err)
	}
	if report.Processed != 2 || report.Sent != 2 || report.Pruned != 1 || report.Errors != 0 {
		t.Fatalf("报告不正确: %+v", report)
	}
	if len(f.notifier.events) != 2 {
		t.Fatalf("首次发现应发送 2 条价格告警, 实际 %d", len(f.notifier.events))
	}
	ev := f.notifier.events[0]
	if ev.Kind != alerting.KindPrice || ev.Channel != "deals" || ev.ID == "" || ev.OldPrice != nil {
		t.Fatalf("事件映射不正确: %+v", ev)
	}
	if ev.OffersURL != keyOf(asin(1))+"?aod=1&psc=1" || ev.ProductURL != keyOf(asin(1)) {
		t.Fatalf("事件链接不正确: %+v", ev)
	}

	rec, err := f.svc.GetWatchRecord(ctx, keyOf(asin(2)))
	if err != nil {
		t.Fatalf("记录应已保存: %v", err)
	}
	if !rec.Main.Price.Equal(decimal.RequireFromString("12.00")) || len(rec.History) != 1 {
		t.Fatalf("记录内容不正确: %+v", rec)
	}
	if st := f.svc.Status(); !st.LastScanAt.Equal(testNow) || st.Running {
		t.Fatalf("状态不正确: %+v", st)
	}

	// 价格未变化时不再告警
	if _, err := f.svc.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	if len(f.notifier.events) != 2 {
		t.Fatalf("价格未变化不应重复告警, 实际 %d", len(f.notifier.events))
	}
}

func TestParseIncompleteKeepsPrior(t *testing.T) {
	f := newFixture(t, 2, nil)
	ctx := context.Background()
	if _, err := f.svc.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	before, _ := f.store.Get(ctx, keyOf(asin(1)))

	delete(f.pages, asin(1))
	report, err := f.svc.RunCycle(ctx)
	if err != nil {
		t.Fatalf("解析失败只应计为单项错误: %v", err)
	}
	if report.Errors != 1 || report.Processed != 2 {
		t.Fatalf("报告不正确: %+v", report)
	}
	after, _ := f.store.Get(ctx, keyOf(asin(1)))
	if !after.UpdatedAt.Equal(before.UpdatedAt) || len(after.History) != len(before.History) {
		t.Fatal("解析失败时应保留原记录")
	}
	if report.Pruned != 0 {
		t.Fatalf("仍在跟踪的商品不应被清理: %+v", report)
	}
}

func TestFetchErrorDoesNotStopCycle(t *testing.T) {
	f := newFixture(t, 3, nil)
	f.fetcher.errs[asin(2)] = &fetcher.FetchError{Kind: fetcher.KindStatus, StatusCode: 404}

	report, err := f.svc.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Errors != 1 || len(f.fetcher.fetched()) != 3 || report.Halted {
		t.Fatalf("单项错误后应继续后续商品: %+v", report)
	}
}

func TestPersistenceErrorAbortsCycle(t *testing.T) {
	f := newFixture(t, 3, func(d *Dependencies) {
		d.Store = failingStore{StateStore: d.Store}
	})

	_, err := f.svc.RunCycle(context.Background())
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("保存失败应返回 ErrPersistence, 实际 %v", err)
	}
	if len(f.fetcher.fetched()) != 1 {
		t.Fatalf("持久化失败后应中止周期: %v", f.fetcher.fetched())
	}
	if len(f.notifier.events) != 0 {
		t.Fatal("未持久化的结果不应告警")
	}
}

func TestNotifierFailureIsSwallowed(t *testing.T) {
	f := newFixture(t, 2, nil)
	f.notifier.err = errors.New("webhook down")

	report, err := f.svc.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("告警失败不应中断扫描: %v", err)
	}
	if report.Sent != 0 || report.Errors != 0 || len(f.notifier.events) != 2 {
		t.Fatalf("报告不正确: %+v", report)
	}
	rec, _ := f.store.Get(context.Background(), keyOf(asin(1)))
	if rec.LastNotified.Main == nil {
		t.Fatal("签名仍应记录")
	}
}

func TestWarehouseFallsBackToOffersEndpoint(t *testing.T) {
	f := newFixture(t, 1, nil)
	wh := watch.Offer{Price: decimal.RequireFromString("8.50"), Symbol: "$", Available: true, Seller: "Amazon Warehouse"}
	f.svc.deps.Parser = fakeParser{pages: f.pages, offers: map[string]*watch.Offer{"fragment": &wh}}
	f.fetcher.offers[asin(1)] = [][]byte{[]byte("empty"), []byte("fragment")}
	f.svc.deps.Items = staticItems{entries: []items.Entry{{
		Value:     asin(1),
		Overrides: watch.ItemOverrides{Alerts: watch.AlertBoth, Warehouse: watch.WarehouseOn},
	}}}

	if _, err := f.svc.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec, _ := f.store.Get(context.Background(), keyOf(asin(1)))
	if rec.Warehouse == nil || !rec.Warehouse.Price.Equal(wh.Price) {
		t.Fatalf("应通过 offers 接口补全仓库报价: %+v", rec.Warehouse)
	}
	if len(rec.History) != 1 || rec.History[0].Source != watch.SourceWarehouse {
		t.Fatalf("历史应记录更便宜的仓库价格: %+v", rec.History)
	}
}

func TestCyclesAreSerialised(t *testing.T) {
	f := newFixture(t, 1, nil)
	f.fetcher.block = make(chan struct{})
	f.fetcher.started = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.RunCycle(context.Background())
		done <- err
	}()
	<-f.fetcher.started

	if _, err := f.svc.RunCycle(context.Background()); !errors.Is(err, ErrScanInProgress) {
		t.Fatalf("并发扫描应返回 ErrScanInProgress, 实际 %v", err)
	}
	if f.svc.TriggerScanNow() {
		t.Fatal("扫描进行中时 TriggerScanNow 应返回 false")
	}
	if !f.svc.Status().Running {
		t.Fatal("状态应显示运行中")
	}

	close(f.fetcher.block)
	if err := <-done; err != nil {
		t.Fatalf("第一次扫描失败: %v", err)
	}
}

func TestTriggerScanNowRunsInBackground(t *testing.T) {
	f := newFixture(t, 1, nil)
	f.fetcher.block = make(chan struct{})
	f.fetcher.started = make(chan struct{}, 1)

	if !f.svc.TriggerScanNow() {
		t.Fatal("空闲时应启动扫描")
	}
	<-f.fetcher.started
	close(f.fetcher.block)

	deadline := time.After(2 * time.Second)
	for {
		if st := f.svc.Status(); st.LastReport != nil && !st.Running {
			break
		}
		select {
		case <-deadline:
			t.Fatal("后台扫描未完成")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestFindItemByASIN(t *testing.T) {
	f := newFixture(t, 2, nil)
	item, err := f.svc.FindItem(context.Background(), asin(2))
	if err != nil || item.Key != keyOf(asin(2)) {
		t.Fatalf("按 ASIN 查找失败: %+v %v", item, err)
	}
	if _, err := f.svc.FindItem(context.Background(), "B0MISSING0"); !errors.Is(err, items.ErrNotFound) {
		t.Fatalf("未知 ASIN 应返回 ErrNotFound, 实际 %v", err)
	}
}
