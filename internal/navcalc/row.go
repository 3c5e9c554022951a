package navcalc

import (
	"time"

	"navsync/internal/model"
)

// RowPerformance is the per-instrument view shown next to the NAV chart.
type RowPerformance struct {
	Symbol        string    `json:"symbol"`
	BaselinePrice float64   `json:"baseline_price"`
	BaselineAt    time.Time `json:"baseline_at"`
	CurrentPrice  float64   `json:"current_price"`
	ChangePercent float64   `json:"change_percent"`
	Resolved      bool      `json:"resolved"`
}

// CalculateRowPerformance uses the same baseline resolution as the NAV
// series, so a row and the basket never disagree on what "buy price" means.
func CalculateRowPerformance(inst model.Instrument, tf model.Timeframe, b Bounds, now time.Time) RowPerformance {
	row := RowPerformance{Symbol: inst.Symbol, CurrentPrice: inst.CurrentPrice}
	if last, ok := inst.Latest(); ok {
		row.CurrentPrice = last.Price
	}

	ref, ok := ReferenceDate(inst, tf, b, now)
	if !ok {
		return row
	}
	p, ok := nearest(inst.HistoricalData, ref)
	if !ok || p.Price <= 0 || row.CurrentPrice <= 0 {
		return row
	}
	row.BaselinePrice = p.Price
	row.BaselineAt = p.Timestamp
	row.ChangePercent = (row.CurrentPrice - p.Price) / p.Price * 100
	row.Resolved = true
	return row
}

// RowsPerformance computes every row against the basket's shared bounds.
func RowsPerformance(instruments []model.Instrument, tf model.Timeframe, now time.Time) []RowPerformance {
	b, _ := ObservedBounds(instruments)
	out := make([]RowPerformance, len(instruments))
	for i := range instruments {
		out[i] = CalculateRowPerformance(instruments[i], tf, b, now)
	}
	return out
}
