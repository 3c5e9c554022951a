// Package memory is an in-process WatchlistStore and SnapshotStore.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"navsync/internal/model"
)

// Store keeps documents in maps. Safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	byID      map[string]model.Watchlist
	snapshots map[string][]model.NAVSnapshot
	now       func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		byID:      make(map[string]model.Watchlist),
		snapshots: make(map[string][]model.NAVSnapshot),
		now:       time.Now,
	}
}

func (s *Store) List(_ context.Context) ([]model.Watchlist, error) {
	s.mu.RLock()
	out := make([]model.Watchlist, 0, len(s.byID))
	for _, wl := range s.byID {
		out = append(out, s.read(wl))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Get(_ context.Context, id string) (model.Watchlist, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wl, ok := s.byID[id]
	if !ok {
		return model.Watchlist{}, model.ErrNotFound
	}
	return s.read(wl), nil
}

func (s *Store) GetBySlug(_ context.Context, slug string) (model.Watchlist, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, wl := range s.byID {
		if wl.Slug == slug {
			return s.read(wl), nil
		}
	}
	return model.Watchlist{}, model.ErrNotFound
}

func (s *Store) Save(_ context.Context, wl model.Watchlist) (model.Watchlist, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.byID[wl.ID]
	if (exists && cur.Version != wl.Version) || (!exists && wl.Version != 0) {
		return model.Watchlist{}, model.ErrVersionConflict
	}
	stored := wl.Clone()
	stored.Version++
	stored.UpdatedAt = s.now()
	s.byID[wl.ID] = stored
	return stored.Clone(), nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.byID, id)
	s.mu.Unlock()
	return nil
}

func (s *Store) SaveSnapshot(_ context.Context, snap model.NAVSnapshot) error {
	s.mu.Lock()
	s.snapshots[snap.Slug] = append(s.snapshots[snap.Slug], snap)
	s.mu.Unlock()
	return nil
}

func (s *Store) LatestSnapshot(_ context.Context, slug string) (*model.NAVSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.snapshots[slug]
	if len(list) == 0 {
		return nil, nil
	}
	snap := list[len(list)-1]
	return &snap, nil
}

// Snapshots returns every snapshot saved for slug, oldest first.
func (s *Store) Snapshots(slug string) []model.NAVSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.NAVSnapshot(nil), s.snapshots[slug]...)
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func (s *Store) read(wl model.Watchlist) model.Watchlist {
	cp := wl.Clone()
	cp.Normalize()
	return cp
}
