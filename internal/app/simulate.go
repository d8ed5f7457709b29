package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"offerwatch/internal/alerting"
	"offerwatch/internal/items"
	"offerwatch/internal/watch"
)

// SimulateOptions describe a synthetic alert.
type SimulateOptions struct {
	ASIN     string
	Title    string
	Kind     alerting.Kind
	Source   watch.Source
	OldPrice decimal.Decimal
	NewPrice decimal.Decimal
	Symbol   string
	Channel  string
}

// SimulateAlert 构造一条告警并通过已配置的通道发送, 用于验证 webhook 配置。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}
	if !opts.NewPrice.IsPositive() {
		return errors.New("--price 必须大于 0")
	}

	notifier, err := a.newNotifier()
	if err != nil {
		if errors.Is(err, alerting.ErrNotConfigured) {
			return errors.New("未配置任何告警通道")
		}
		return err
	}

	event := a.simulatedEvent(opts, time.Now().UTC())
	if err := notifier.Notify(ctx, event); err != nil {
		return fmt.Errorf("send simulated alert: %w", err)
	}
	fmt.Fprintf(a.Out, "simulated %s alert %s sent\n", event.Kind, event.ID)
	return nil
}

func (a *App) simulatedEvent(opts SimulateOptions, now time.Time) alerting.Event {
	tld := a.Config.Scan.TLD
	if opts.Kind == "" {
		opts.Kind = alerting.KindPrice
	}
	if opts.Source == "" {
		opts.Source = watch.SourceMain
	}
	if opts.Symbol == "" {
		opts.Symbol = "$"
	}

	event := alerting.Event{
		ID:         uuid.NewString(),
		Kind:       opts.Kind,
		Source:     opts.Source,
		Title:      opts.Title,
		NewPrice:   opts.NewPrice,
		MainPrice:  opts.NewPrice,
		Symbol:     opts.Symbol,
		ProductURL: items.CanonicalURL(items.ProductURL(opts.ASIN, tld), opts.ASIN, tld),
		OffersURL:  items.OffersURL(opts.ASIN, tld),
		Channel:    opts.Channel,
		At:         now,
	}
	if opts.Kind == alerting.KindPrice && opts.OldPrice.IsPositive() {
		old := opts.OldPrice
		event.OldPrice = &old
	}
	if opts.Source == watch.SourceWarehouse && opts.OldPrice.IsPositive() {
		event.MainPrice = opts.OldPrice
	}
	return event
}
