package model

import "time"

// Watchlist is a named basket of instruments.
type Watchlist struct {
	ID        string       `json:"id" msgpack:"id"`
	Slug      string       `json:"slug" msgpack:"slug"`
	Name      string       `json:"name" msgpack:"name"`
	Items     []Instrument `json:"items" msgpack:"items"`
	Version   int64        `json:"version" msgpack:"v"`
	UpdatedAt time.Time    `json:"updated_at" msgpack:"u"`
}

// Normalize canonicalizes every item. Stores call it on every read.
func (w *Watchlist) Normalize() {
	for i := range w.Items {
		w.Items[i].Normalize()
	}
}

// Symbols returns the distinct symbols of the watchlist in item order.
func (w *Watchlist) Symbols() []string {
	seen := make(map[string]bool, len(w.Items))
	out := make([]string, 0, len(w.Items))
	for _, it := range w.Items {
		if it.Symbol == "" || seen[it.Symbol] {
			continue
		}
		seen[it.Symbol] = true
		out = append(out, it.Symbol)
	}
	return out
}

// MergePrices merges points into every item holding symbol.
func (w *Watchlist) MergePrices(symbol string, points []PricePoint) bool {
	changed := false
	for i := range w.Items {
		if w.Items[i].Symbol == symbol && w.Items[i].MergePrices(points) {
			changed = true
		}
	}
	return changed
}

// Clone returns a deep copy so callers can mutate without aliasing store state.
func (w Watchlist) Clone() Watchlist {
	cp := w
	cp.Items = make([]Instrument, len(w.Items))
	for i, it := range w.Items {
		c := it
		c.HistoricalData = append([]PricePoint(nil), it.HistoricalData...)
		if it.BuyDateMetadata != nil {
			m := *it.BuyDateMetadata
			c.BuyDateMetadata = &m
		}
		cp.Items[i] = c
	}
	return cp
}

// NAVSnapshot is the per-watchlist record persisted by each sync completion.
type NAVSnapshot struct {
	WatchlistID   string    `json:"watchlist_id" msgpack:"wid"`
	Slug          string    `json:"slug" msgpack:"slug"`
	Timestamp     time.Time `json:"timestamp" msgpack:"ts"`
	AverageReturn float64   `json:"average_return" msgpack:"avg"`
	Instruments   int       `json:"instruments" msgpack:"n"`
	Source        string    `json:"source" msgpack:"src"`
}

// ActiveSetEntry is a watchlist currently open in the host application.
type ActiveSetEntry struct {
	Slug         string    `json:"slug"`
	LastOpenedAt time.Time `json:"last_opened_at"`
	Priority     int       `json:"priority"`
	Tickers      []string  `json:"tickers"`
}
