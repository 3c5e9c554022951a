package scheduler

import (
	"context"

	"github.com/shopspring/decimal"

	"navsync/internal/model"
	"navsync/internal/navcalc"
)

var hundred = decimal.NewFromInt(100)

// AverageReturn is the equal-weighted mean return of the watchlist's
// instruments, current price against the oldest retained price, in percent.
// Instruments without two usable prices are left out; n is how many counted.
func AverageReturn(wl model.Watchlist) (avg float64, n int) {
	sum := decimal.Zero
	for i := range wl.Items {
		it := &wl.Items[i]
		first, ok := it.Earliest()
		if !ok || first.Price <= 0 {
			continue
		}
		cur := it.CurrentPrice
		if cur <= 0 {
			last, _ := it.Latest()
			cur = last.Price
		}
		if cur <= 0 {
			continue
		}
		base := decimal.NewFromFloat(first.Price)
		r := decimal.NewFromFloat(cur).Sub(base).Div(base).Mul(hundred)
		sum = sum.Add(r)
		n++
	}
	if n == 0 {
		return 0, 0
	}
	return sum.Div(decimal.NewFromInt(int64(n))).Round(4).InexactFloat64(), n
}

// complete snapshots one watchlist, computes its NAV series and publishes
// it. It reports whether an event was emitted.
func (s *Scheduler) complete(ctx context.Context, id, source string) bool {
	if id == "" {
		return false
	}
	wl, err := s.mutator.Store().Get(ctx, id)
	if err != nil {
		s.log.Warn().Err(err).Str("watchlist", id).Msg("completion read failed")
		return false
	}
	return s.publish(ctx, wl, source)
}

func (s *Scheduler) publish(ctx context.Context, wl model.Watchlist, source string) bool {
	now := s.now()
	log := s.log.With().Str("slug", wl.Slug).Str("source", source).Logger()

	if s.snapshots != nil {
		avg, n := AverageReturn(wl)
		snap := model.NAVSnapshot{
			WatchlistID:   wl.ID,
			Slug:          wl.Slug,
			Timestamp:     now,
			AverageReturn: avg,
			Instruments:   n,
			Source:        source,
		}
		if err := s.snapshots.SaveSnapshot(ctx, snap); err != nil {
			log.Warn().Err(err).Msg("snapshot write failed")
		} else {
			s.metrics.SnapshotsTotal.Inc()
		}
	}

	series := navcalc.CalculateNAVPerformance(wl.Items, s.cfg.Timeframe, now)
	if _, err := s.bus.Emit(wl.Slug, series, source); err != nil {
		log.Warn().Err(err).Msg("publish failed")
		return false
	}
	s.metrics.EventsTotal.WithLabelValues(source).Inc()
	log.Debug().Int("points", len(series)).Msg("nav published")
	return true
}
