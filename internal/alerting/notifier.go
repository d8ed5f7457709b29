package alerting

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"offerwatch/internal/watch"
)

// ErrNotConfigured 表示没有可用的告警通道。
var ErrNotConfigured = errors.New("no alert channel configured")

// Kind 区分库存与价格告警。
type Kind string

const (
	KindStock Kind = "stock"
	KindPrice Kind = "price"
)

// Event 封装一次告警上下文。
type Event struct {
	ID         string
	Kind       Kind
	Source     watch.Source
	Title      string
	OldPrice   *decimal.Decimal
	NewPrice   decimal.Decimal
	MainPrice  decimal.Decimal
	Symbol     string
	ProductURL string
	OffersURL  string
	ImageURL   string
	Label      string
	Group      string
	// Channel names a dedicated webhook; empty means the default route.
	Channel string
	At      time.Time
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// FirstDetection reports whether a price event has no previous price to compare against.
func (e Event) FirstDetection() bool {
	return e.OldPrice == nil || !e.OldPrice.IsPositive()
}

// Savings is the drop from the old price; zero on first detection.
func (e Event) Savings() decimal.Decimal {
	if e.FirstDetection() {
		return decimal.Zero
	}
	return e.OldPrice.Sub(e.NewPrice)
}

// SavingsPct is the drop as a percentage of the old price.
func (e Event) SavingsPct() decimal.Decimal {
	if e.FirstDetection() {
		return decimal.Zero
	}
	return e.Savings().Div(*e.OldPrice).Mul(decimal.NewFromInt(100))
}

// WarehouseDiscount is how much cheaper the warehouse offer is than the main one.
func (e Event) WarehouseDiscount() (decimal.Decimal, bool) {
	if e.Source != watch.SourceWarehouse || !e.MainPrice.IsPositive() || !e.NewPrice.LessThan(e.MainPrice) {
		return decimal.Zero, false
	}
	return e.MainPrice.Sub(e.NewPrice), true
}

func (e Event) titleSuffix() string {
	if e.Source == watch.SourceWarehouse {
		return " (Amazon Warehouse)"
	}
	return ""
}

func (e Event) displayTitle() string {
	if e.Title == "" {
		return "N/A"
	}
	return e.Title
}

func money(symbol string, v decimal.Decimal) string {
	return symbol + v.StringFixed(2)
}
