// Package store serializes read-modify-write cycles on watchlist documents.
// Backends live in the memory, sqlite and redis subpackages.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"navsync/internal/model"
)

// MaxAttempts bounds optimistic retries on version conflicts.
const MaxAttempts = 3

// MutateFunc edits wl in place and reports whether anything changed.
// Returning false skips the write.
type MutateFunc func(wl *model.Watchlist) (bool, error)

// Mutator applies edits to watchlists one at a time per ID, with an
// optimistic version check against writers outside this process.
type Mutator struct {
	store model.WatchlistStore

	mu    sync.Mutex
	locks map[string]*keyLock

	hooksMu  sync.RWMutex
	onChange []func(model.Watchlist)

	log zerolog.Logger
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewMutator wraps s.
func NewMutator(s model.WatchlistStore, log zerolog.Logger) *Mutator {
	return &Mutator{
		store: s,
		locks: make(map[string]*keyLock),
		log:   log.With().Str("component", "mutator").Logger(),
	}
}

// Store returns the wrapped store.
func (m *Mutator) Store() model.WatchlistStore { return m.store }

// OnChange registers fn to receive every watchlist written by Mutate.
func (m *Mutator) OnChange(fn func(model.Watchlist)) {
	m.hooksMu.Lock()
	m.onChange = append(m.onChange, fn)
	m.hooksMu.Unlock()
}

// Mutate loads id, applies fn and saves the result. On a version conflict
// the whole cycle is retried from a fresh read, up to MaxAttempts times.
func (m *Mutator) Mutate(ctx context.Context, id string, fn MutateFunc) (model.Watchlist, error) {
	unlock := m.lock(id)
	defer unlock()

	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return model.Watchlist{}, err
		}

		cur, err := m.store.Get(ctx, id)
		if err != nil {
			return model.Watchlist{}, err
		}
		wl := cur.Clone()
		changed, err := fn(&wl)
		if err != nil {
			return cur, err
		}
		if !changed {
			return cur, nil
		}

		saved, err := m.store.Save(ctx, wl)
		if errors.Is(err, model.ErrVersionConflict) {
			lastErr = err
			m.log.Debug().Str("watchlist", id).Int("attempt", attempt).Msg("version conflict, retrying")
			continue
		}
		if err != nil {
			return cur, err
		}

		m.notify(saved)
		return saved, nil
	}
	return model.Watchlist{}, fmt.Errorf("mutate %s: %w after %d attempts", id, lastErr, MaxAttempts)
}

func (m *Mutator) notify(wl model.Watchlist) {
	m.hooksMu.RLock()
	hooks := m.onChange
	m.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(wl)
	}
}

func (m *Mutator) lock(id string) func() {
	m.mu.Lock()
	kl, ok := m.locks[id]
	if !ok {
		kl = &keyLock{}
		m.locks[id] = kl
	}
	kl.refs++
	m.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		m.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(m.locks, id)
		}
		m.mu.Unlock()
	}
}
