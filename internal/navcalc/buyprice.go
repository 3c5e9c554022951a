package navcalc

import (
	"sort"
	"time"

	"navsync/internal/model"
)

// TimeframeStart is the beginning of tf's window for a basket with bounds b.
// MAX has no fixed start; it returns b.Earliest.
func TimeframeStart(tf model.Timeframe, b Bounds, now time.Time) time.Time {
	switch tf {
	case model.TimeframeDay:
		return b.Latest.Add(-DayLookback)
	case model.TimeframeWeek:
		return b.Latest.AddDate(0, 0, -WeekDays)
	case model.TimeframeMonth:
		return b.Latest.AddDate(0, 0, -MonthDays)
	case model.TimeframeYTD:
		return yearStart(now)
	default:
		return b.Earliest
	}
}

// ReferenceDate is the instant whose price serves as inst's baseline:
// the later of the timeframe start and the buy date, or for MAX the
// instrument's own first point.
func ReferenceDate(inst model.Instrument, tf model.Timeframe, b Bounds, now time.Time) (time.Time, bool) {
	if tf == model.TimeframeMax {
		first, ok := inst.Earliest()
		return first.Timestamp, ok
	}
	ref := TimeframeStart(tf, b, now)
	if inst.BuyDate.After(ref) {
		ref = inst.BuyDate
	}
	return ref, true
}

// CalculateDynamicBuyPrice resolves inst's baseline price for tf. ok is false
// when the instrument has no usable history.
func CalculateDynamicBuyPrice(inst model.Instrument, tf model.Timeframe, b Bounds, now time.Time) (float64, bool) {
	ref, ok := ReferenceDate(inst, tf, b, now)
	if !ok {
		return 0, false
	}
	p, ok := nearest(inst.HistoricalData, ref)
	if !ok || p.Price <= 0 {
		return 0, false
	}
	return p.Price, true
}

// nearest returns the point closest in time to ts; the earliest of equally
// close points wins. history must be sorted ascending.
func nearest(history []model.PricePoint, ts time.Time) (model.PricePoint, bool) {
	if len(history) == 0 {
		return model.PricePoint{}, false
	}
	best := 0
	bestDiff := absDur(history[0].Timestamp.Sub(ts))
	for i := 1; i < len(history); i++ {
		if d := absDur(history[i].Timestamp.Sub(ts)); d < bestDiff {
			best, bestDiff = i, d
		}
	}
	return history[best], true
}

// priceAt returns the last point at or before ts.
func priceAt(history []model.PricePoint, ts time.Time) (model.PricePoint, bool) {
	i := sort.Search(len(history), func(i int) bool {
		return history[i].Timestamp.After(ts)
	})
	if i == 0 {
		return model.PricePoint{}, false
	}
	return history[i-1], true
}

func absDur(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
