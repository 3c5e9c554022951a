package scheduler

import (
	"context"
	"errors"
	"fmt"

	"navsync/internal/logger"
	"navsync/internal/model"
	"navsync/internal/navbus"
	"navsync/internal/notification"
	"navsync/internal/ratelimit"
)

// ManualResult reports a user-triggered refresh.
type ManualResult struct {
	Slug     string
	Fetched  int      // symbols that returned data
	Errors   int      // symbols whose fetch failed
	Deferred []string // symbols left unfetched for lack of manual slots
	Emitted  bool
}

// RequestManualUpdate refreshes one watchlist from the manual pool, outside
// the cycle and regardless of the session window. Each batch costs one
// manual slot. When not even the first batch can run it returns a
// *RateLimitExceededError.
func (s *Scheduler) RequestManualUpdate(ctx context.Context, slug string) (ManualResult, error) {
	res := ManualResult{Slug: slug}
	wl, err := s.mutator.Store().GetBySlug(ctx, slug)
	if err != nil {
		return res, fmt.Errorf("manual update %s: %w", slug, err)
	}

	ctx = logger.WithTraceID(ctx, s.traceID("manual"))
	log := logger.From(ctx, s.log).With().Str("slug", slug).Logger()
	pool := ratelimit.Manual.String()
	var fetched []symbolResult
	batches := Partition(wl.Symbols(), s.cfg.BatchSize)
	for i, batch := range batches {
		if !s.limiter.TryAcquire(ratelimit.Manual) {
			s.metrics.RateLimitDenials.WithLabelValues(pool).Inc()
			if i == 0 {
				return res, &RateLimitExceededError{
					Pool:       ratelimit.Manual,
					RetryAfter: s.limiter.NextAvailableTime(ratelimit.Manual),
				}
			}
			for _, rest := range batches[i:] {
				res.Deferred = append(res.Deferred, rest...)
			}
			break
		}
		for _, sym := range batch {
			points, err := s.fetchSymbol(ctx, sym, pool)
			if err != nil {
				if ctx.Err() != nil {
					return res, ctx.Err()
				}
				res.Errors++
				log.Warn().Err(err).Msg("symbol skipped")
				continue
			}
			if len(points) > 0 {
				fetched = append(fetched, symbolResult{Symbol: sym, Points: points})
				res.Fetched++
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}
	s.apply(ctx, log, fetched, func(string) []string { return []string{wl.ID} })
	if err := ctx.Err(); err != nil {
		return res, err
	}
	res.Emitted = s.complete(ctx, wl.ID, navbus.SourceManual)
	log.Info().
		Int("fetched", res.Fetched).
		Int("errors", res.Errors).
		Int("deferred", len(res.Deferred)).
		Msg("manual update done")
	return res, nil
}

// pollManual hands the oldest queued manual request to a goroutine. Only
// one runs at a time.
func (s *Scheduler) pollManual(ctx context.Context) {
	s.metrics.ManualQueueLen.Set(float64(len(s.registry.ManualQueue())))
	if s.draining.Load() || !s.limiter.CanMakeManualRequest() {
		return
	}
	slug, ok := s.registry.ClaimManual()
	if !ok {
		return
	}
	s.draining.Store(true)
	s.manual.Add(1)
	go func() {
		defer s.manual.Done()
		defer s.draining.Store(false)
		s.serveManual(ctx, slug)
	}()
}

func (s *Scheduler) serveManual(ctx context.Context, slug string) {
	res, err := s.RequestManualUpdate(ctx, slug)
	var rle *RateLimitExceededError
	switch {
	case errors.As(err, &rle):
		s.registry.ReleaseManual(slug)
		return
	case err != nil:
		s.registry.CompleteManual(slug)
		if ctx.Err() != nil {
			return
		}
		level := notification.AlertWarning
		if errors.Is(err, model.ErrNotFound) {
			level = notification.AlertInfo
		}
		s.alert(ctx, notification.Alert{
			Level:   level,
			Title:   "Manual refresh failed",
			Message: err.Error(),
			Slug:    slug,
		})
		return
	}

	s.registry.CompleteManual(slug)
	if len(res.Deferred) > 0 {
		s.alert(ctx, notification.Alert{
			Level:   notification.AlertInfo,
			Title:   "Manual refresh partial",
			Message: fmt.Sprintf("%d symbols refreshed, %d waiting for rate limit", res.Fetched, len(res.Deferred)),
			Slug:    slug,
		})
	}
}
