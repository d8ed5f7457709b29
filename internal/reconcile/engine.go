package reconcile

import (
	"time"

	"github.com/shopspring/decimal"

	"offerwatch/internal/history"
	"offerwatch/internal/items"
	"offerwatch/internal/watch"
)

// AlertKind classifies an emitted alert.
type AlertKind string

const (
	KindStock AlertKind = "stock"
	KindPrice AlertKind = "price"
)

// Alert is one notification decided by the engine.
type Alert struct {
	Kind       AlertKind
	Source     watch.Source
	Title      string
	OldPrice   *decimal.Decimal
	NewPrice   decimal.Decimal
	MainPrice  decimal.Decimal
	Symbol     string
	ProductURL string
	OffersURL  string
	Image      string
	Label      string
	Group      string
	Webhook    string
	Signature  string
}

// Outcome is the result of reconciling one snapshot.
type Outcome struct {
	Record          *watch.WatchRecord
	Alerts          []Alert
	HistoryAppended bool
}

// Options configures the engine.
type Options struct {
	TLD     string
	History history.Policy
}

// Engine applies a fresh snapshot to the prior watch record. It performs no I/O.
type Engine struct {
	tld     string
	history history.Policy
}

// New constructs an Engine.
func New(opts Options) *Engine {
	return &Engine{tld: opts.TLD, history: opts.History}
}

var hundred = decimal.NewFromInt(100)

// Reconcile evaluates alerts against prior and returns the updated record.
// prior is never modified; nil means the item is observed for the first time.
func (e *Engine) Reconcile(item watch.TrackedItem, prior *watch.WatchRecord, snap watch.Snapshot, now time.Time) Outcome {
	rec := prior.Clone()
	if rec == nil {
		rec = &watch.WatchRecord{}
	}

	mode := item.Overrides.Warehouse
	sources := evaluatedSources(mode, snap)

	out := Outcome{}
	for _, src := range sources {
		offer := snapshotOffer(snap, src)
		if alert, ok := e.evaluate(item, prior, rec, snap, src, offer); ok {
			out.Alerts = append(out.Alerts, alert)
		}
	}

	if snap.Title != "" {
		rec.Title = snap.Title
	}
	if snap.Image != "" {
		rec.Image = snap.Image
	}
	if sym := symbolOf(snap); sym != "" {
		rec.Symbol = sym
	}
	rec.Main = snap.Main
	switch {
	case snap.Warehouse != nil:
		wh := *snap.Warehouse
		rec.Warehouse = &wh
	case mode.Wants():
		rec.Warehouse = &watch.Offer{}
	default:
		rec.Warehouse = nil
	}

	for _, src := range sources {
		offer := snapshotOffer(snap, src)
		if !offer.Price.IsPositive() {
			continue
		}
		if rec.LowestSeen == nil || offer.Price.LessThan(rec.LowestSeen.Price) {
			rec.LowestSeen = &watch.LowestSeen{Source: src, Price: offer.Price, Timestamp: now}
		}
	}

	src, price := recordedPrice(mode, snap)
	rec.History, rec.Recent, out.HistoryAppended = e.history.Append(rec.History, rec.Recent,
		watch.HistoryPoint{Timestamp: now, Source: src, Price: price}, now)

	rec.UpdatedAt = now
	out.Record = rec
	return out
}

func (e *Engine) evaluate(item watch.TrackedItem, prior, rec *watch.WatchRecord, snap watch.Snapshot, src watch.Source, offer watch.Offer) (Alert, bool) {
	ov := item.Overrides
	before := prior.Offer(src)
	passes := e.passesThreshold(ov, prior, offer.Price, before.Price)

	stock := prior != nil && !before.Available && offer.Available && passes && ov.Alerts.Allows(watch.AlertStock)
	price := offer.Price.IsPositive() &&
		(prior == nil || !before.Price.IsPositive() || offer.Price.LessThan(before.Price)) &&
		passes && ov.Alerts.Allows(watch.AlertPrice)

	var kind AlertKind
	switch {
	case stock:
		kind = KindStock
	case price:
		kind = KindPrice
	default:
		return Alert{}, false
	}

	sig := watch.Signature(src, offer.Available, offer.Price)
	if !shouldNotify(ov, sig, rec.LastNotified.Get(src), offer.Available, passes) {
		return Alert{}, false
	}
	rec.LastNotified.Set(src, sig)

	title := snap.Title
	if title == "" && prior != nil {
		title = prior.Title
	}
	symbol := offer.Symbol
	if symbol == "" {
		symbol = symbolOf(snap)
	}
	if symbol == "" && prior != nil {
		symbol = prior.Symbol
	}

	alert := Alert{
		Kind:       kind,
		Source:     src,
		Title:      item.DisplayName(title),
		NewPrice:   offer.Price,
		MainPrice:  snap.Main.Price,
		Symbol:     symbol,
		ProductURL: item.Key,
		OffersURL:  items.OffersURL(item.ASIN, e.tld),
		Image:      snap.Image,
		Label:      ov.Label,
		Group:      ov.Group,
		Webhook:    ov.Webhook,
		Signature:  sig,
	}
	if kind == KindPrice && prior != nil && before.Price.IsPositive() {
		old := before.Price
		alert.OldPrice = &old
	}
	return alert, true
}

// shouldNotify applies the notify-once policy. Under notify-once a repeated
// signature is still sent when repeat alerts are enabled and the offer keeps qualifying.
func shouldNotify(ov watch.ItemOverrides, sig, lastSig string, available, passes bool) bool {
	if !ov.NotifyOnce {
		return true
	}
	if sig != lastSig {
		return true
	}
	return ov.RepeatAlerts && available && passes
}

func (e *Engine) passesThreshold(ov watch.ItemOverrides, prior *watch.WatchRecord, price, priorPrice decimal.Decimal) bool {
	if ov.Threshold != nil && !ov.Threshold.IsZero() {
		if !price.IsPositive() || price.GreaterThan(*ov.Threshold) {
			return false
		}
	}
	if ov.DropPct == nil || !ov.DropPct.IsPositive() {
		return true
	}

	base := priorPrice
	if !base.IsPositive() {
		base = price
	}
	switch ov.Baseline {
	case watch.BaselineLowest:
		if prior != nil && prior.LowestSeen != nil && prior.LowestSeen.Price.IsPositive() {
			base = prior.LowestSeen.Price
		}
	case watch.BaselineStart:
		if prior != nil && len(prior.History) > 0 && prior.History[0].Price.IsPositive() {
			base = prior.History[0].Price
		}
	}

	target := base.Mul(decimal.NewFromInt(1).Sub(ov.DropPct.Div(hundred)))
	return price.IsPositive() && price.LessThanOrEqual(target)
}

func evaluatedSources(mode watch.WarehouseMode, snap watch.Snapshot) []watch.Source {
	var out []watch.Source
	if mode != watch.WarehouseOnly {
		out = append(out, watch.SourceMain)
	}
	if mode.Wants() && snap.Warehouse != nil {
		out = append(out, watch.SourceWarehouse)
	}
	return out
}

func snapshotOffer(snap watch.Snapshot, src watch.Source) watch.Offer {
	if src == watch.SourceWarehouse {
		if snap.Warehouse == nil {
			return watch.Offer{}
		}
		return *snap.Warehouse
	}
	return snap.Main
}

// recordedPrice picks the history value: the cheaper positive offer when both
// sources are tracked, otherwise the single tracked source.
func recordedPrice(mode watch.WarehouseMode, snap watch.Snapshot) (watch.Source, decimal.Decimal) {
	switch mode {
	case watch.WarehouseOnly:
		return watch.SourceWarehouse, snapshotOffer(snap, watch.SourceWarehouse).Price
	case watch.WarehouseOn:
		wh := snapshotOffer(snap, watch.SourceWarehouse).Price
		main := snap.Main.Price
		if wh.IsPositive() && (!main.IsPositive() || wh.LessThan(main)) {
			return watch.SourceWarehouse, wh
		}
	}
	return watch.SourceMain, snap.Main.Price
}

func symbolOf(snap watch.Snapshot) string {
	if snap.Main.Symbol != "" {
		return snap.Main.Symbol
	}
	if snap.Warehouse != nil {
		return snap.Warehouse.Symbol
	}
	return ""
}
