package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Source identifies which offer of a product page a value belongs to.
type Source string

const (
	SourceMain      Source = "main"
	SourceWarehouse Source = "warehouse"
)

// Label returns the human facing name of the source.
func (s Source) Label() string {
	if s == SourceWarehouse {
		return "Amazon Warehouse"
	}
	return "Main offer"
}

// WarehouseMode controls whether the warehouse offer is fetched and evaluated.
type WarehouseMode int

const (
	WarehouseDefault WarehouseMode = iota
	WarehouseOn
	WarehouseOff
	WarehouseOnly
)

func (m WarehouseMode) String() string {
	switch m {
	case WarehouseOn:
		return "on"
	case WarehouseOff:
		return "off"
	case WarehouseOnly:
		return "only"
	default:
		return "default"
	}
}

// Resolve replaces WarehouseDefault with the configured global default.
func (m WarehouseMode) Resolve(defaultOn bool) WarehouseMode {
	if m != WarehouseDefault {
		return m
	}
	if defaultOn {
		return WarehouseOn
	}
	return WarehouseOff
}

// Wants reports whether the warehouse offer has to be extracted.
func (m WarehouseMode) Wants() bool {
	return m == WarehouseOn || m == WarehouseOnly
}

// Baseline selects the reference price of a percent-drop rule.
type Baseline int

const (
	BaselineLast Baseline = iota
	BaselineLowest
	BaselineStart
)

func (b Baseline) String() string {
	switch b {
	case BaselineLowest:
		return "lowest"
	case BaselineStart:
		return "start"
	default:
		return "last"
	}
}

// AlertClass is a bit mask of the alert kinds an item accepts.
type AlertClass uint8

const (
	AlertStock AlertClass = 1 << iota
	AlertPrice

	AlertNone AlertClass = 0
	AlertBoth            = AlertStock | AlertPrice
)

// Allows reports whether every bit of k is enabled.
func (c AlertClass) Allows(k AlertClass) bool {
	return c&k == k
}

func (c AlertClass) String() string {
	switch c {
	case AlertBoth:
		return "both"
	case AlertStock:
		return "stock"
	case AlertPrice:
		return "price"
	default:
		return "none"
	}
}

// ItemOverrides is the typed form of the per-line modifier tokens.
type ItemOverrides struct {
	Threshold    *decimal.Decimal
	DropPct      *decimal.Decimal
	Baseline     Baseline
	Warehouse    WarehouseMode
	Alerts       AlertClass
	NotifyOnce   bool
	RepeatAlerts bool
	Label        string
	Group        string
	Webhook      string
}

// DefaultOverrides returns the settings of a line without modifiers.
func DefaultOverrides() ItemOverrides {
	return ItemOverrides{Alerts: AlertBoth}
}

// TrackedItem is one entry of the tracked-item list, resolved for a scan cycle.
type TrackedItem struct {
	// Key is the canonical product URL and the state key.
	Key        string
	ASIN       string
	RequestURL string
	Overrides  ItemOverrides
}

// DisplayName prefers the user supplied label over the scraped title.
func (t TrackedItem) DisplayName(title string) string {
	if label := strings.TrimSpace(t.Overrides.Label); label != "" {
		return label
	}
	if title = strings.TrimSpace(title); title != "" {
		return title
	}
	return "N/A"
}

// Offer is the price and availability of one source.
type Offer struct {
	Price     decimal.Decimal `json:"price"`
	Symbol    string          `json:"symbol,omitempty"`
	Available bool            `json:"available"`
	Seller    string          `json:"seller,omitempty"`
}

// Snapshot is the structured output of the page parser.
type Snapshot struct {
	Title     string
	Image     string
	Main      Offer
	Warehouse *Offer
}

// HistoryPoint is a single stored price observation.
type HistoryPoint struct {
	Timestamp time.Time       `json:"ts"`
	Source    Source          `json:"source"`
	Price     decimal.Decimal `json:"price"`
}

// LowestSeen is the lowest positive price ever observed for an item.
type LowestSeen struct {
	Source    Source          `json:"source"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"ts"`
}

// Signatures stores the last notified signature per source.
type Signatures struct {
	Main      *string `json:"main,omitempty"`
	Warehouse *string `json:"warehouse,omitempty"`
}

// Get returns the stored signature for src, or "" when none.
func (s Signatures) Get(src Source) string {
	var p *string
	if src == SourceWarehouse {
		p = s.Warehouse
	} else {
		p = s.Main
	}
	if p == nil {
		return ""
	}
	return *p
}

// Set records sig as the last notified signature for src.
func (s *Signatures) Set(src Source, sig string) {
	v := sig
	if src == SourceWarehouse {
		s.Warehouse = &v
		return
	}
	s.Main = &v
}

// WatchRecord is the persisted state of one tracked item.
type WatchRecord struct {
	Title        string            `json:"title"`
	Image        string            `json:"image,omitempty"`
	Symbol       string            `json:"symbol,omitempty"`
	Main         Offer             `json:"main"`
	Warehouse    *Offer            `json:"warehouse,omitempty"`
	LowestSeen   *LowestSeen       `json:"lowest_seen,omitempty"`
	History      []HistoryPoint    `json:"history"`
	Recent       []decimal.Decimal `json:"recent,omitempty"`
	LastNotified Signatures        `json:"last_notified"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Offer returns the stored offer for src; the zero offer when absent.
func (r *WatchRecord) Offer(src Source) Offer {
	if r == nil {
		return Offer{}
	}
	if src == SourceWarehouse {
		if r.Warehouse == nil {
			return Offer{}
		}
		return *r.Warehouse
	}
	return r.Main
}

// Clone returns a deep copy so the engine never mutates the caller's record.
func (r *WatchRecord) Clone() *WatchRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.Warehouse != nil {
		wh := *r.Warehouse
		out.Warehouse = &wh
	}
	if r.LowestSeen != nil {
		ls := *r.LowestSeen
		out.LowestSeen = &ls
	}
	out.History = append([]HistoryPoint(nil), r.History...)
	out.Recent = append([]decimal.Decimal(nil), r.Recent...)
	if r.LastNotified.Main != nil {
		out.LastNotified.Set(SourceMain, *r.LastNotified.Main)
	}
	if r.LastNotified.Warehouse != nil {
		out.LastNotified.Set(SourceWarehouse, *r.LastNotified.Warehouse)
	}
	return &out
}

// Signature fingerprints (source, availability, price) for notify-once deduplication.
func Signature(src Source, available bool, price decimal.Decimal) string {
	avail := 0
	if available {
		avail = 1
	}
	return fmt.Sprintf("%s|avail:%d|price:%d", src, avail, MinorUnits(price))
}

// MinorUnits converts a price to integer cents, rounding half away from zero.
func MinorUnits(price decimal.Decimal) int64 {
	return price.Shift(2).Round(0).IntPart()
}
