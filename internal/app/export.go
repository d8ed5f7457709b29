package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"offerwatch/internal/watch"
)

// Export renders one item's price history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	item, rec, err := a.lookup(ctx, store, opts.ASIN)
	if err != nil {
		return err
	}

	points := filterWindow(rec.History, opts.From, opts.To)
	if len(points) == 0 {
		a.Logger.Info().Str("asin", item.ASIN).Msg("no history points in export window")
		return nil
	}

	downsampled := downsamplePoints(points, opts.MaxPoints)
	a.Logger.Info().Str("asin", item.ASIN).Int("total", len(points)).Int("exported", len(downsampled)).Msg("exporting history")

	if opts.CSVPath != "" {
		if err := writeHistoryCSV(opts.CSVPath, rec.Symbol, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		title := item.DisplayName(rec.Title)
		if err := writeHistoryPNG(opts.PNGPath, title, a.Config.Export.ChartWidth, a.Config.Export.ChartHeight, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func filterWindow(points []watch.HistoryPoint, from, to *time.Time) []watch.HistoryPoint {
	if from == nil && to == nil {
		return points
	}
	out := make([]watch.HistoryPoint, 0, len(points))
	for _, p := range points {
		if from != nil && p.Timestamp.Before(*from) {
			continue
		}
		if to != nil && !p.Timestamp.Before(*to) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func downsamplePoints(points []watch.HistoryPoint, max int) []watch.HistoryPoint {
	if max <= 0 || len(points) <= max {
		return points
	}
	if max == 1 {
		return points[len(points)-1:]
	}

	result := make([]watch.HistoryPoint, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func writeHistoryCSV(path, symbol string, points []watch.HistoryPoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write([]string{"ts", "source", "price", "symbol"}); err != nil {
		return err
	}
	for _, p := range points {
		record := []string{
			p.Timestamp.UTC().Format(time.RFC3339),
			string(p.Source),
			p.Price.StringFixed(2),
			symbol,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeHistoryPNG(path, title string, width, height int, points []watch.HistoryPoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	series := make(map[watch.Source]*chart.TimeSeries)
	order := []watch.Source{watch.SourceMain, watch.SourceWarehouse}
	for _, p := range points {
		if !p.Price.IsPositive() {
			continue
		}
		ts, ok := series[p.Source]
		if !ok {
			ts = &chart.TimeSeries{Name: p.Source.Label()}
			if p.Source == watch.SourceWarehouse {
				ts.Style = chart.Style{StrokeColor: chart.ColorGreen}
			}
			series[p.Source] = ts
		}
		ts.XValues = append(ts.XValues, p.Timestamp)
		ts.YValues = append(ts.YValues, p.Price.InexactFloat64())
	}
	if len(series) == 0 {
		return errors.New("no priced points to chart")
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Title:  title,
		Width:  width,
		Height: height,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price",
			ValueFormatter: priceFormatter,
		},
	}
	for _, src := range order {
		ts, ok := series[src]
		if !ok {
			continue
		}
		// go-chart needs at least two values per series
		if len(ts.XValues) == 1 {
			ts.XValues = append(ts.XValues, ts.XValues[0].Add(time.Minute))
			ts.YValues = append(ts.YValues, ts.YValues[0])
		}
		graph.Series = append(graph.Series, *ts)
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
