package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"navsync/internal/model"
	"navsync/internal/ratelimit"
)

// cycle is the state of one automatic run. Only the loop goroutine touches
// it; batch goroutines communicate through results.
type cycle struct {
	ctx         context.Context
	cancel      context.CancelFunc
	startedWall time.Time
	results     chan batchResult
	pending     int
	report      CycleReport
	log         zerolog.Logger

	s   *Scheduler
	ids map[string]string // slug -> watchlist ID
}

type symbolResult struct {
	Symbol string
	Points []model.PricePoint
}

type batchResult struct {
	Index    int
	Symbols  []symbolResult
	Errors   int
	Deferred bool
	Err      error
}

// Plan is the batch layout of one cycle.
type Plan struct {
	Batches   [][]string
	Truncated []string // symbols left for the next cycle
}

// PlanCycle splits universe into batches of batchSize and keeps the first
// maxBatches of them.
func PlanCycle(universe []string, batchSize, maxBatches int) Plan {
	batches := Partition(universe, batchSize)
	if maxBatches <= 0 || len(batches) <= maxBatches {
		return Plan{Batches: batches}
	}
	var rest []string
	for _, b := range batches[maxBatches:] {
		rest = append(rest, b...)
	}
	return Plan{Batches: batches[:maxBatches], Truncated: rest}
}

// Partition splits symbols into consecutive chunks of at most size.
func Partition(symbols []string, size int) [][]string {
	if size <= 0 {
		size = 1
	}
	out := make([][]string, 0, (len(symbols)+size-1)/size)
	for start := 0; start < len(symbols); start += size {
		end := start + size
		if end > len(symbols) {
			end = len(symbols)
		}
		out = append(out, symbols[start:end:end])
	}
	return out
}

// begin starts a cycle, or returns nil when the session gate is closed.
func (s *Scheduler) begin(ctx context.Context) *cycle {
	now := s.now()
	open := s.sessionOpen(now)
	if open {
		s.metrics.SessionOpen.Set(1)
	} else {
		s.metrics.SessionOpen.Set(0)
	}

	id := s.traceID("cycle")
	log := s.log.With().Str("cycle", id).Logger()
	if !open {
		log.Debug().Time("now", now).Msg("outside sync window, skipping fetch")
		s.record(CycleReport{ID: id, Started: now, Finished: now, Outcome: OutcomeMarketClosed}, 0)
		return nil
	}

	universe := s.registry.GetAllUniqueTickers()
	plan := PlanCycle(universe, s.cfg.BatchSize, s.cfg.MaxBatchesPerCycle)
	s.metrics.UniverseSize.Set(float64(len(universe)))

	cctx, cancel := context.WithTimeout(ctx, s.cfg.CyclePeriod)
	c := &cycle{
		ctx:         cctx,
		cancel:      cancel,
		startedWall: time.Now(),
		results:     make(chan batchResult, len(plan.Batches)),
		pending:     len(plan.Batches),
		log:         log,
		s:           s,
		ids:         make(map[string]string),
		report: CycleReport{
			ID:              id,
			Started:         now,
			Universe:        len(universe),
			Batches:         len(plan.Batches),
			TruncatedSymbol: plan.Truncated,
		},
	}
	for _, e := range s.registry.Active() {
		c.watchlistID(cctx, e.Slug)
	}

	if n := len(plan.Truncated); n > 0 {
		s.metrics.BatchesTotal.WithLabelValues("truncated").Add(float64((n + s.cfg.BatchSize - 1) / s.cfg.BatchSize))
		log.Warn().
			Int("universe", len(universe)).
			Int("deferred_symbols", n).
			Msg("universe exceeds per-cycle capacity, deferring tail")
	}

	for i, symbols := range plan.Batches {
		go s.runBatch(c, i, symbols)
	}
	log.Debug().Int("universe", len(universe)).Int("batches", len(plan.Batches)).Msg("cycle started")
	return c
}

// watchlistID resolves slug through the store once per cycle. An empty
// string means the slug has no stored watchlist.
func (c *cycle) watchlistID(ctx context.Context, slug string) string {
	if id, ok := c.ids[slug]; ok {
		return id
	}
	wl, err := c.s.mutator.Store().GetBySlug(ctx, slug)
	switch {
	case errors.Is(err, model.ErrNotFound):
		c.log.Debug().Str("slug", slug).Msg("active slug has no stored watchlist")
		c.ids[slug] = ""
	case err != nil:
		c.log.Warn().Err(err).Str("slug", slug).Msg("watchlist lookup failed")
		return ""
	default:
		c.ids[slug] = wl.ID
	}
	return c.ids[slug]
}

// runBatch waits for its dispatch offset and a rate-limit slot, then fetches.
// It always delivers exactly one result.
func (s *Scheduler) runBatch(c *cycle, index int, symbols []string) {
	res := batchResult{Index: index}
	defer func() {
		if p := recover(); p != nil {
			res = batchResult{Index: index, Err: &BatchError{Index: index, Err: fmt.Errorf("panic: %v", p)}}
		}
		c.results <- res
	}()

	if !sleepCtx(c.ctx, time.Duration(index)*s.cfg.BatchInterval) {
		res.Deferred = true
		return
	}
	if !s.acquireAutomatic(c) {
		res.Deferred = true
		return
	}
	res = s.fetchBatch(c.ctx, index, symbols)
}

// acquireAutomatic takes an automatic slot, waiting while the wait still
// fits inside the cycle.
func (s *Scheduler) acquireAutomatic(c *cycle) bool {
	for {
		if s.limiter.TryAcquire(ratelimit.Automatic) {
			return true
		}
		s.metrics.RateLimitDenials.WithLabelValues(ratelimit.Automatic.String()).Inc()
		wait := s.limiter.NextAvailableTime(ratelimit.Automatic)
		if dl, ok := c.ctx.Deadline(); ok && time.Until(dl) <= wait {
			return false
		}
		if !sleepCtx(c.ctx, wait) {
			return false
		}
	}
}

func (s *Scheduler) fetchBatch(ctx context.Context, index int, symbols []string) batchResult {
	res := batchResult{Index: index}
	pool := ratelimit.Automatic.String()
	var lastErr error
	for _, sym := range symbols {
		points, err := s.fetchSymbol(ctx, sym, pool)
		if err != nil {
			if ctx.Err() != nil {
				res.Err = &BatchError{Index: index, Err: ctx.Err()}
				return res
			}
			res.Errors++
			lastErr = err
			s.log.Warn().Err(err).Int("batch", index).Msg("symbol skipped")
			continue
		}
		if len(points) > 0 {
			res.Symbols = append(res.Symbols, symbolResult{Symbol: sym, Points: points})
		}
	}
	if len(symbols) > 0 && res.Errors == len(symbols) {
		res.Err = &BatchError{Index: index, Err: lastErr}
	}
	return res
}

func (s *Scheduler) fetchSymbol(ctx context.Context, symbol, pool string) ([]model.PricePoint, error) {
	end := s.now()
	out, err := s.history(ctx, model.HistoryRequest{
		Symbol:     symbol,
		Start:      end.Add(-s.cfg.HistoryHorizon),
		End:        end,
		Interval:   s.cfg.HistoryInterval,
		OutputSize: s.cfg.HistoryOutputSize,
	})
	if err != nil {
		s.metrics.ProviderCalls.WithLabelValues(pool, "error").Inc()
		return nil, &TransientFetchError{Symbol: symbol, Err: err}
	}
	if out == nil || len(out.HistoricalData) == 0 {
		s.metrics.ProviderCalls.WithLabelValues(pool, "empty").Inc()
		return nil, nil
	}
	s.metrics.ProviderCalls.WithLabelValues(pool, "ok").Inc()
	return out.HistoricalData, nil
}

// history calls the provider but stops waiting once ctx ends. A provider
// that ignores ctx finishes in the background and its result is dropped.
func (s *Scheduler) history(ctx context.Context, req model.HistoryRequest) (*model.HistoryResult, error) {
	type reply struct {
		res *model.HistoryResult
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		var r reply
		defer func() {
			if p := recover(); p != nil {
				r = reply{err: fmt.Errorf("provider panic: %v", p)}
			}
			ch <- r
		}()
		r.res, r.err = s.provider.FetchHistoricalData(ctx, req)
	}()
	select {
	case r := <-ch:
		return r.res, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// commit applies a batch result if its cycle is still live and reports
// whether every batch of the live cycle has now reported. Results of an
// expired cycle are dropped; the deadline path finishes it.
func (s *Scheduler) commit(c *cycle, r batchResult) bool {
	c.pending--
	if c.ctx.Err() != nil {
		return false
	}

	c.report.FetchErrors += r.Errors
	switch {
	case r.Deferred:
		c.report.RateDeferred++
		s.metrics.BatchesTotal.WithLabelValues("deferred").Inc()
	case r.Err != nil:
		c.report.FailedBatches++
		s.metrics.BatchesTotal.WithLabelValues("failed").Inc()
		c.log.Warn().Err(r.Err).Msg("batch abandoned")
	default:
		s.metrics.BatchesTotal.WithLabelValues("ok").Inc()
		c.report.Written += s.apply(c.ctx, c.log, r.Symbols, c.watchlistsFor)
	}
	return c.pending == 0
}

func (c *cycle) watchlistsFor(symbol string) []string {
	var ids []string
	for _, slug := range c.s.registry.GetBurnlistsForTicker(symbol) {
		if id := c.watchlistID(c.ctx, slug); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// apply merges fetched points into every watchlist lookup names, one write
// per watchlist, and returns the number of watchlists that changed.
func (s *Scheduler) apply(ctx context.Context, log zerolog.Logger, results []symbolResult, lookup func(symbol string) []string) int {
	byID := make(map[string][]symbolResult)
	for _, r := range results {
		for _, id := range lookup(r.Symbol) {
			byID[id] = append(byID[id], r)
		}
	}
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	written := 0
	for _, id := range ids {
		changed := false
		_, err := s.mutator.Mutate(ctx, id, func(wl *model.Watchlist) (bool, error) {
			changed = false
			for _, r := range byID[id] {
				if wl.MergePrices(r.Symbol, r.Points) {
					changed = true
				}
			}
			return changed, nil
		})
		if err != nil {
			log.Warn().Err(err).Str("watchlist", id).Msg("merge failed")
			continue
		}
		if changed {
			written++
		}
	}
	return written
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
