package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"offerwatch/internal/storage"
	"offerwatch/internal/watch"
)

// Show prints the tracked items with their last known offers.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	entries, err := a.newListFile().Entries(ctx)
	if err != nil {
		return err
	}
	tracked := a.newResolver().Resolve(entries)
	records, err := store.List(ctx)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ASIN\tTitle\tPrice\tStock\tWarehouse\tLowest\tGroup\tUpdated (UTC)")

	shown := 0
	for _, item := range tracked {
		if opts.Group != "" && !strings.EqualFold(item.Overrides.Group, opts.Group) {
			continue
		}
		shown++
		rec := records[item.Key]
		if rec == nil {
			fmt.Fprintf(writer, "%s\t%s\t-\t-\t-\t-\t%s\tnever\n",
				item.ASIN, sanitizeInline(item.DisplayName("")), item.Overrides.Group)
			continue
		}

		wh := "-"
		if rec.Warehouse != nil {
			wh = money(rec.Symbol, rec.Warehouse.Price)
		}
		lowest := "-"
		if rec.LowestSeen != nil {
			lowest = money(rec.Symbol, rec.LowestSeen.Price)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			item.ASIN,
			truncate(sanitizeInline(item.DisplayName(rec.Title)), 48),
			money(rec.Symbol, rec.Main.Price),
			stockLabel(rec.Main.Available),
			wh,
			lowest,
			item.Overrides.Group,
			rec.UpdatedAt.UTC().Format(time.RFC3339),
		)
	}
	if shown == 0 {
		fmt.Fprintln(a.Out, "no tracked items")
		return nil
	}

	return writer.Flush()
}

// History prints the stored price history of one item, newest last.
func (a *App) History(ctx context.Context, opts HistoryOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	item, rec, err := a.lookup(ctx, store, opts.ASIN)
	if err != nil {
		return err
	}

	points := rec.History
	if opts.Limit > 0 && len(points) > opts.Limit {
		points = points[len(points)-opts.Limit:]
	}
	if len(points) == 0 {
		fmt.Fprintln(a.Out, "no history recorded")
		return nil
	}

	fmt.Fprintf(a.Out, "%s (%s)\n", sanitizeInline(item.DisplayName(rec.Title)), item.Key)
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tSource\tPrice")
	for _, p := range points {
		fmt.Fprintf(writer, "%s\t%s\t%s\n", p.Timestamp.UTC().Format(time.RFC3339), p.Source, money(rec.Symbol, p.Price))
	}
	return writer.Flush()
}

// lookup resolves an ASIN against the tracked list and loads its record.
func (a *App) lookup(ctx context.Context, store storage.StateStore, asin string) (watch.TrackedItem, *watch.WatchRecord, error) {
	asin = strings.ToUpper(strings.TrimSpace(asin))
	entries, err := a.newListFile().Entries(ctx)
	if err != nil {
		return watch.TrackedItem{}, nil, err
	}
	for _, item := range a.newResolver().Resolve(entries) {
		if item.ASIN != asin {
			continue
		}
		rec, err := store.Get(ctx, item.Key)
		if errors.Is(err, storage.ErrNotFound) {
			return item, nil, fmt.Errorf("%s has not been scanned yet", asin)
		}
		return item, rec, err
	}
	return watch.TrackedItem{}, nil, fmt.Errorf("%s is not tracked", asin)
}

func money(symbol string, v decimal.Decimal) string {
	if !v.IsPositive() {
		return "-"
	}
	return symbol + v.StringFixed(2)
}

func stockLabel(available bool) string {
	if available {
		return "in stock"
	}
	return "out"
}

func truncate(v string, n int) string {
	r := []rune(v)
	if len(r) <= n {
		return v
	}
	return string(r[:n-1]) + "…"
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, "\t", " ")
	return cleaned
}
