package navsync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"navsync/internal/model"
	"navsync/internal/navcalc"
	"navsync/internal/registry"
	"navsync/internal/scheduler"
)

// ErrInvalidWatchlist is returned by PutWatchlist for documents without a slug.
var ErrInvalidWatchlist = errors.New("watchlist needs a slug")

// OpenWatchlist marks slug active with the symbols currently stored for it.
func (s *Service) OpenWatchlist(ctx context.Context, slug string) error {
	wl, err := s.store.GetBySlug(ctx, slug)
	if err != nil {
		return err
	}
	s.registry.RegisterActive(slug, wl.Symbols())
	s.metrics.ActiveWatchlists.Set(float64(s.registry.Len()))
	return nil
}

// CloseWatchlist removes slug from the active set.
func (s *Service) CloseWatchlist(slug string) {
	s.registry.Unregister(slug)
	s.metrics.ActiveWatchlists.Set(float64(s.registry.Len()))
}

// RequestRefresh fetches slug now from the manual pool. If the pool is
// exhausted and slug is not active, the request is queued so the scheduler
// serves it when a slot frees up; the rate limit error is still returned.
func (s *Service) RequestRefresh(ctx context.Context, slug string) error {
	_, err := s.scheduler.RequestManualUpdate(ctx, slug)
	var rle *scheduler.RateLimitExceededError
	if errors.As(err, &rle) && !s.registry.IsActive(slug) {
		if qerr := s.registry.EnqueueManual(slug); qerr != nil && !errors.Is(qerr, registry.ErrAlreadyQueued) {
			s.log.Warn().Err(qerr).Str("slug", slug).Msg("manual enqueue failed")
		}
		s.metrics.ManualQueueLen.Set(float64(len(s.registry.ManualQueue())))
	}
	return err
}

// Series computes slug's NAV series for tf from stored data.
func (s *Service) Series(ctx context.Context, slug string, tf model.Timeframe) ([]model.NAVDataPoint, error) {
	wl, err := s.store.GetBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	return navcalc.CalculateNAVPerformance(wl.Items, tf, s.now()), nil
}

// Rows computes the per-instrument view of slug for tf.
func (s *Service) Rows(ctx context.Context, slug string, tf model.Timeframe) ([]navcalc.RowPerformance, error) {
	wl, err := s.store.GetBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	return navcalc.RowsPerformance(wl.Items, tf, s.now()), nil
}

// Active lists the active watchlists in fetch order.
func (s *Service) Active() []model.ActiveSetEntry {
	return s.registry.Active()
}

// IsActive reports whether slug is in the active set.
func (s *Service) IsActive(slug string) bool {
	return s.registry.IsActive(slug)
}

// LatestSnapshot returns the most recent NAV snapshot persisted for slug.
// It fails with model.ErrNotFound for an unknown slug or one that has not
// completed a refresh yet.
func (s *Service) LatestSnapshot(ctx context.Context, slug string) (*model.NAVSnapshot, error) {
	if _, err := s.store.GetBySlug(ctx, slug); err != nil {
		return nil, err
	}
	snap, err := s.store.LatestSnapshot(ctx, slug)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, fmt.Errorf("snapshot %s: %w", slug, model.ErrNotFound)
	}
	return snap, nil
}

// PutWatchlist creates or replaces a watchlist's definition. Price history
// already collected for a symbol is carried over; buy fields come from wl.
// An active watchlist is re-registered with its new symbols.
func (s *Service) PutWatchlist(ctx context.Context, wl model.Watchlist) (model.Watchlist, error) {
	wl.Slug = strings.TrimSpace(wl.Slug)
	if wl.Slug == "" {
		return model.Watchlist{}, ErrInvalidWatchlist
	}
	if wl.ID == "" {
		if cur, err := s.store.GetBySlug(ctx, wl.Slug); err == nil {
			wl.ID = cur.ID
		} else {
			wl.ID = uuid.NewString()
		}
	}
	wl.Normalize()

	saved, err := s.mutator.Mutate(ctx, wl.ID, func(cur *model.Watchlist) (bool, error) {
		history := make(map[string]model.Instrument, len(cur.Items))
		for _, it := range cur.Items {
			history[it.Symbol] = it
		}
		items := make([]model.Instrument, len(wl.Items))
		for i, it := range wl.Items {
			if prev, ok := history[it.Symbol]; ok {
				it.HistoricalData = model.MergeHistory(prev.HistoricalData, it.HistoricalData, model.MaxHistoryPoints)
				if it.CurrentPrice <= 0 {
					it.CurrentPrice = prev.CurrentPrice
				}
			}
			items[i] = it
		}
		cur.Slug = wl.Slug
		cur.Name = wl.Name
		cur.Items = items
		return true, nil
	})
	if errors.Is(err, model.ErrNotFound) {
		wl.Version = 0
		saved, err = s.store.Save(ctx, wl)
	}
	if err != nil {
		return model.Watchlist{}, fmt.Errorf("put watchlist %s: %w", wl.Slug, err)
	}

	if s.registry.IsActive(saved.Slug) {
		s.registry.RegisterActive(saved.Slug, saved.Symbols())
	}
	return saved, nil
}

// DeleteWatchlist removes the watchlist with id and drops it from the
// active set.
func (s *Service) DeleteWatchlist(ctx context.Context, id string) error {
	wl, err := s.store.Get(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.CloseWatchlist(wl.Slug)
	return nil
}
