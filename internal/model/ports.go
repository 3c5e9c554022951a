package model

import (
	"context"
	"errors"
	"time"
)

// ── Port interfaces ──
// These decouple the sync engine from concrete providers and storage
// (SQLite, Redis, in-memory).

var (
	// ErrNotFound is returned by stores when no document matches.
	ErrNotFound = errors.New("watchlist not found")

	// ErrVersionConflict is returned by Save when the stored version moved on.
	ErrVersionConflict = errors.New("watchlist version conflict")
)

// HistoryRequest asks a provider for a window of price history.
type HistoryRequest struct {
	Symbol     string
	Start      time.Time
	End        time.Time
	Interval   string // e.g. "1min", "5min", "1h", "1day"
	OutputSize int
}

// HistoryResult is a provider's answer to a HistoryRequest.
type HistoryResult struct {
	Symbol         string
	HistoricalData []PricePoint
}

// Quote is a latest-price observation.
type Quote struct {
	Symbol    string
	Price     float64
	Timestamp time.Time
}

// QuoteProvider is the external market-data collaborator.
// A nil/empty result or an error both mean "nothing this round".
type QuoteProvider interface {
	FetchHistoricalData(ctx context.Context, req HistoryRequest) (*HistoryResult, error)
	FetchBatchQuotes(ctx context.Context, symbols []string, tf Timeframe) ([]Quote, error)
}

// WatchlistStore is a keyed document store of watchlists.
type WatchlistStore interface {
	// List returns every watchlist, normalized.
	List(ctx context.Context) ([]Watchlist, error)

	// Get returns the watchlist with the given id or ErrNotFound.
	Get(ctx context.Context, id string) (Watchlist, error)

	// GetBySlug returns the watchlist with the given slug or ErrNotFound.
	GetBySlug(ctx context.Context, slug string) (Watchlist, error)

	// Save writes wl if its Version matches the stored one (0 for a new
	// document) and returns the stored copy with the bumped Version.
	// Returns ErrVersionConflict otherwise.
	Save(ctx context.Context, wl Watchlist) (Watchlist, error)

	// Delete removes a watchlist. Missing ids are not an error.
	Delete(ctx context.Context, id string) error

	// Close releases underlying resources.
	Close() error
}

// SnapshotStore persists NAV snapshots written by the completion step.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap NAVSnapshot) error

	// LatestSnapshot returns nil, nil when no snapshot exists for slug.
	LatestSnapshot(ctx context.Context, slug string) (*NAVSnapshot, error)
}
