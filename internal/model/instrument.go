package model

import (
	"sort"
	"strings"
	"time"
)

// MaxHistoryPoints is the number of most recent price points retained per instrument.
const MaxHistoryPoints = 100

// PricePoint is a single observed price for an instrument.
type PricePoint struct {
	Timestamp time.Time `json:"timestamp" msgpack:"ts"`
	Price     float64   `json:"price" msgpack:"p"`
}

// Usable reports whether the point can take part in valuation.
func (p PricePoint) Usable() bool {
	return p.Price > 0 && !p.Timestamp.IsZero()
}

// BuyDateMetadata keeps the original buy date and price when the user
// overrides them from the UI.
type BuyDateMetadata struct {
	OriginalBuyDate  time.Time `json:"original_buy_date" msgpack:"obd"`
	OriginalBuyPrice float64   `json:"original_buy_price" msgpack:"obp"`
}

// Instrument is one slot of a watchlist.
// The scheduler only ever changes HistoricalData and CurrentPrice; buy fields
// belong to the host application.
type Instrument struct {
	Symbol          string           `json:"symbol" msgpack:"sym"`
	BuyPrice        float64          `json:"buy_price" msgpack:"bp"`
	BuyDate         time.Time        `json:"buy_date" msgpack:"bd"`
	CurrentPrice    float64          `json:"current_price" msgpack:"cp"`
	HistoricalData  []PricePoint     `json:"historical_data" msgpack:"hist"`
	BuyDateMetadata *BuyDateMetadata `json:"buy_date_metadata,omitempty" msgpack:"bdm,omitempty"`
}

// NormalizeSymbol trims and upper-cases a ticker symbol.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Latest returns the most recent price point.
func (i *Instrument) Latest() (PricePoint, bool) {
	if len(i.HistoricalData) == 0 {
		return PricePoint{}, false
	}
	return i.HistoricalData[len(i.HistoricalData)-1], true
}

// Earliest returns the oldest retained price point.
func (i *Instrument) Earliest() (PricePoint, bool) {
	if len(i.HistoricalData) == 0 {
		return PricePoint{}, false
	}
	return i.HistoricalData[0], true
}

// MergePrices folds incoming points into the instrument's history and
// refreshes CurrentPrice from the newest point. It reports whether anything
// changed. BuyPrice and BuyDate are never touched.
func (i *Instrument) MergePrices(incoming []PricePoint) bool {
	merged := MergeHistory(i.HistoricalData, incoming, MaxHistoryPoints)
	changed := !samePoints(i.HistoricalData, merged)
	i.HistoricalData = merged
	if last, ok := i.Latest(); ok && last.Price != i.CurrentPrice {
		i.CurrentPrice = last.Price
		changed = true
	}
	return changed
}

// Normalize brings a record read from storage into canonical shape.
func (i *Instrument) Normalize() {
	i.Symbol = NormalizeSymbol(i.Symbol)
	i.HistoricalData = MergeHistory(nil, i.HistoricalData, MaxHistoryPoints)
	if i.BuyDateMetadata != nil &&
		i.BuyDateMetadata.OriginalBuyDate.IsZero() && i.BuyDateMetadata.OriginalBuyPrice <= 0 {
		i.BuyDateMetadata = nil
	}
	if i.CurrentPrice <= 0 {
		if last, ok := i.Latest(); ok {
			i.CurrentPrice = last.Price
		}
	}
}

// MergeHistory returns the union of existing and incoming keyed by timestamp,
// sorted ascending and trimmed to the most recent limit points. On equal
// timestamps the incoming price wins. Unusable points are dropped.
func MergeHistory(existing, incoming []PricePoint, limit int) []PricePoint {
	byTS := make(map[int64]PricePoint, len(existing)+len(incoming))
	for _, p := range existing {
		if p.Usable() {
			byTS[p.Timestamp.UnixNano()] = p
		}
	}
	for _, p := range incoming {
		if p.Usable() {
			byTS[p.Timestamp.UnixNano()] = p
		}
	}

	out := make([]PricePoint, 0, len(byTS))
	for _, p := range byTS {
		out = append(out, p)
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].Timestamp.Before(out[b].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func samePoints(a, b []PricePoint) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Timestamp.Equal(b[i].Timestamp) || a[i].Price != b[i].Price {
			return false
		}
	}
	return true
}
