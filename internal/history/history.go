package history

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"offerwatch/internal/watch"
)

// Policy bounds and filters the per-item price history.
type Policy struct {
	Enabled     bool
	MaxPoints   int
	KeepFullFor time.Duration
	// OutlierJump is the relative change that triggers confirmation.
	OutlierJump decimal.Decimal
	// OutlierTolerance is how close earlier raw observations must be to confirm a jump.
	OutlierTolerance decimal.Decimal
	// ConfirmScans is the number of consecutive consistent scans needed; <=1 disables the gate.
	ConfirmScans int
}

// DefaultPolicy mirrors the configuration defaults.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:          true,
		MaxPoints:        2000,
		KeepFullFor:      7 * 24 * time.Hour,
		OutlierJump:      decimal.RequireFromString("0.25"),
		OutlierTolerance: decimal.RequireFromString("0.05"),
		ConfirmScans:     2,
	}
}

var one = decimal.NewFromInt(1)

// Append records p unless it repeats the last point or is an unconfirmed outlier.
// recent is the raw observation buffer carried between scans; the updated buffer is returned.
func (p Policy) Append(hist []watch.HistoryPoint, recent []decimal.Decimal, point watch.HistoryPoint, now time.Time) ([]watch.HistoryPoint, []decimal.Decimal, bool) {
	if !p.Enabled {
		return nil, nil, false
	}

	prior := recent
	recent = p.remember(recent, point.Price)

	if n := len(hist); n > 0 {
		last := hist[n-1]
		if last.Source == point.Source && last.Price.Equal(point.Price) {
			return hist, recent, false
		}
		if p.ConfirmScans > 1 && p.isJump(last.Price, point.Price) && !p.confirmed(prior, point.Price) {
			return hist, recent, false
		}
	}

	hist = append(hist, point)
	if p.MaxPoints > 0 && len(hist) > p.MaxPoints {
		hist = p.Compact(hist, now)
	}
	return hist, recent, true
}

func (p Policy) remember(recent []decimal.Decimal, price decimal.Decimal) []decimal.Decimal {
	limit := p.ConfirmScans
	if limit <= 1 {
		return nil
	}
	out := append(append([]decimal.Decimal(nil), recent...), price)
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func (p Policy) isJump(last, next decimal.Decimal) bool {
	return next.Sub(last).Abs().Div(decimal.Max(one, last)).GreaterThan(p.OutlierJump)
}

// confirmed checks the ConfirmScans-1 observations that preceded next.
func (p Policy) confirmed(prior []decimal.Decimal, next decimal.Decimal) bool {
	need := p.ConfirmScans - 1
	if len(prior) < need {
		return false
	}
	for _, r := range prior[len(prior)-need:] {
		if r.Sub(next).Abs().Div(decimal.Max(one, r)).GreaterThan(p.OutlierTolerance) {
			return false
		}
	}
	return true
}

// Compact keeps the KeepFullFor window verbatim and reduces older points to
// the first, min, max and last point of each UTC day, capped at MaxPoints.
func (p Policy) Compact(hist []watch.HistoryPoint, now time.Time) []watch.HistoryPoint {
	cutoff := now.Add(-p.KeepFullFor)

	var recentWin []watch.HistoryPoint
	days := make(map[time.Time][]watch.HistoryPoint)
	for _, h := range hist {
		if !h.Timestamp.Before(cutoff) {
			recentWin = append(recentWin, h)
			continue
		}
		day := h.Timestamp.UTC().Truncate(24 * time.Hour)
		days[day] = append(days[day], h)
	}

	out := make([]watch.HistoryPoint, 0, len(days)*4+len(recentWin))
	for _, bucket := range days {
		out = append(out, summarizeDay(bucket)...)
	}
	out = append(out, recentWin...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })

	if p.MaxPoints > 0 && len(out) > p.MaxPoints {
		out = out[len(out)-p.MaxPoints:]
	}
	return out
}

func summarizeDay(bucket []watch.HistoryPoint) []watch.HistoryPoint {
	sort.SliceStable(bucket, func(i, j int) bool { return bucket[i].Timestamp.Before(bucket[j].Timestamp) })

	first, last := 0, len(bucket)-1
	lo, hi := 0, 0
	for i, h := range bucket {
		if h.Price.LessThan(bucket[lo].Price) {
			lo = i
		}
		if h.Price.GreaterThan(bucket[hi].Price) {
			hi = i
		}
	}

	picked := []int{first, lo, hi, last}
	sort.Ints(picked)
	out := make([]watch.HistoryPoint, 0, 4)
	for i, idx := range picked {
		if i > 0 && idx == picked[i-1] {
			continue
		}
		out = append(out, bucket[idx])
	}
	return out
}
