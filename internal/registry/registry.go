// Package registry tracks which watchlists are currently open and therefore
// need background price refreshes.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"navsync/internal/model"
)

// DefaultCapacity is the number of watchlists kept active at once.
const DefaultCapacity = 5

// Config configures a Registry.
type Config struct {
	Capacity  int
	ManualTTL time.Duration
	Now       func() time.Time
}

// Registry is the bounded set of active watchlists plus the manual-update
// queue for inactive ones. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	cap     int
	entries map[string]*model.ActiveSetEntry

	manual    map[string]*manualEntry
	manualTTL time.Duration

	onEvict []func(slug string)

	now func() time.Time
	log zerolog.Logger
}

// New creates an empty Registry.
func New(cfg Config, log zerolog.Logger) *Registry {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.ManualTTL <= 0 {
		cfg.ManualTTL = DefaultManualTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		cap:       cfg.Capacity,
		entries:   make(map[string]*model.ActiveSetEntry),
		manual:    make(map[string]*manualEntry),
		manualTTL: cfg.ManualTTL,
		now:       cfg.Now,
		log:       log.With().Str("component", "registry").Logger(),
	}
}

// OnEvict registers fn to be called (outside the lock) with the slug of every
// entry displaced by capacity.
func (r *Registry) OnEvict(fn func(slug string)) {
	r.mu.Lock()
	r.onEvict = append(r.onEvict, fn)
	r.mu.Unlock()
}

// RegisterActive marks slug as open with the given tickers. An existing entry
// is refreshed in place; otherwise, at capacity, the least recently opened
// entry is evicted first.
func (r *Registry) RegisterActive(slug string, tickers []string) {
	now := r.now()
	syms := normalizeTickers(tickers)

	r.mu.Lock()
	if e, ok := r.entries[slug]; ok {
		e.LastOpenedAt = now
		e.Tickers = syms
		r.mu.Unlock()
		return
	}

	evicted := ""
	if len(r.entries) >= r.cap {
		evicted = r.oldestLocked()
		delete(r.entries, evicted)
	}
	r.entries[slug] = &model.ActiveSetEntry{Slug: slug, LastOpenedAt: now, Tickers: syms}
	// an active slug no longer needs a manual refresh
	delete(r.manual, slug)
	hooks := r.onEvict
	r.mu.Unlock()

	if evicted != "" {
		r.log.Info().Str("slug", evicted).Str("by", slug).Msg("evicted least recently opened watchlist")
		for _, fn := range hooks {
			fn(evicted)
		}
	}
}

// Unregister removes slug. Unknown slugs are ignored.
func (r *Registry) Unregister(slug string) {
	r.mu.Lock()
	delete(r.entries, slug)
	r.mu.Unlock()
}

// SetPriority changes slug's fetch priority. It only affects the order of
// GetAllUniqueTickers; eviction stays purely recency based.
func (r *Registry) SetPriority(slug string, p int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[slug]
	if ok {
		e.Priority = p
	}
	return ok
}

// IsActive reports whether slug is registered.
func (r *Registry) IsActive(slug string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[slug]
	return ok
}

// Len returns the number of active entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Active returns copies of the active entries, highest priority and most
// recently opened first.
func (r *Registry) Active() []model.ActiveSetEntry {
	r.mu.RLock()
	out := make([]model.ActiveSetEntry, 0, len(r.entries))
	for _, e := range r.entries {
		c := *e
		c.Tickers = append([]string(nil), e.Tickers...)
		out = append(out, c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].LastOpenedAt.Equal(out[j].LastOpenedAt) {
			return out[i].LastOpenedAt.After(out[j].LastOpenedAt)
		}
		return out[i].Slug < out[j].Slug
	})
	return out
}

// Slugs returns the active slugs in Active order.
func (r *Registry) Slugs() []string {
	act := r.Active()
	out := make([]string, len(act))
	for i, e := range act {
		out[i] = e.Slug
	}
	return out
}

// GetAllUniqueTickers returns the union of every active entry's tickers.
// Symbols of higher-priority, more recently opened watchlists come first so
// batch truncation defers the rest.
func (r *Registry) GetAllUniqueTickers() []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range r.Active() {
		for _, s := range e.Tickers {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

// GetBurnlistsForTicker returns the active slugs holding symbol.
func (r *Registry) GetBurnlistsForTicker(symbol string) []string {
	symbol = model.NormalizeSymbol(symbol)
	var out []string
	for _, e := range r.Active() {
		for _, s := range e.Tickers {
			if s == symbol {
				out = append(out, e.Slug)
				break
			}
		}
	}
	return out
}

func (r *Registry) oldestLocked() string {
	var (
		slug   string
		oldest time.Time
	)
	for s, e := range r.entries {
		if slug == "" || e.LastOpenedAt.Before(oldest) ||
			(e.LastOpenedAt.Equal(oldest) && s < slug) {
			slug, oldest = s, e.LastOpenedAt
		}
	}
	return slug
}

func normalizeTickers(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, t := range in {
		s := model.NormalizeSymbol(t)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
