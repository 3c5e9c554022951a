// Package scheduler runs the batched watchlist price sync. One loop
// goroutine owns the cycle; fetch goroutines only report back to it.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"navsync/internal/logger"
	"navsync/internal/markethours"
	"navsync/internal/metrics"
	"navsync/internal/model"
	"navsync/internal/navbus"
	"navsync/internal/notification"
	"navsync/internal/ratelimit"
	"navsync/internal/registry"
	"navsync/internal/store"
)

// Cycle outcomes, also used as the cycles_total label.
const (
	OutcomeCompleted    = "completed"
	OutcomeDeadline     = "deadline"
	OutcomeSuperseded   = "superseded"
	OutcomeMarketClosed = "market_closed"
)

// Deps are the collaborators of a Scheduler. Provider, Limiter, Registry,
// Mutator and Bus are required.
type Deps struct {
	Provider  model.QuoteProvider
	Limiter   *ratelimit.Limiter
	Registry  *registry.Registry
	Mutator   *store.Mutator
	Snapshots model.SnapshotStore // optional
	Bus       *navbus.Bus
	Notifier  notification.Notifier // defaults to a log notifier
	Metrics   *metrics.Metrics      // defaults to an unregistered set

	Log zerolog.Logger

	// Now stamps requests, snapshots and NAV series. Defaults to time.Now.
	Now func() time.Time
	// SessionOpen gates automatic cycles. Defaults to markethours.IsSyncWindow.
	SessionOpen func(time.Time) bool
	// OnCycle is called from the loop after every cycle.
	OnCycle func(CycleReport)
}

// CycleReport summarizes one cycle.
type CycleReport struct {
	ID       string
	Started  time.Time
	Finished time.Time
	Outcome  string

	Universe        int
	Batches         int
	TruncatedSymbol []string // symbols beyond the per-cycle batch cap
	RateDeferred    int      // batches that found no rate-limit slot in time
	FailedBatches   int
	FetchErrors     int
	Written         int // watchlist writes that changed something
	Emitted         int
}

// Scheduler is the batched sync engine.
type Scheduler struct {
	cfg Config

	provider    model.QuoteProvider
	limiter     *ratelimit.Limiter
	registry    *registry.Registry
	mutator     *store.Mutator
	snapshots   model.SnapshotStore
	bus         *navbus.Bus
	notifier    notification.Notifier
	metrics     *metrics.Metrics
	now         func() time.Time
	sessionOpen func(time.Time) bool
	onCycle     func(CycleReport)
	log         zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	manual sync.WaitGroup // queued manual refreshes started by the loop

	running    atomic.Bool
	draining   atomic.Bool
	lastReport atomic.Pointer[CycleReport]
}

// New builds a stopped scheduler.
func New(cfg Config, d Deps) *Scheduler {
	cfg.withDefaults()
	s := &Scheduler{
		cfg:         cfg,
		provider:    d.Provider,
		limiter:     d.Limiter,
		registry:    d.Registry,
		mutator:     d.Mutator,
		snapshots:   d.Snapshots,
		bus:         d.Bus,
		notifier:    d.Notifier,
		metrics:     d.Metrics,
		now:         d.Now,
		sessionOpen: d.SessionOpen,
		onCycle:     d.OnCycle,
		log:         d.Log.With().Str("component", "scheduler").Logger(),
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.sessionOpen == nil {
		s.sessionOpen = markethours.IsSyncWindow
	}
	if s.notifier == nil {
		s.notifier = notification.NewLog(d.Log)
	}
	if s.metrics == nil {
		s.metrics = metrics.New(prometheus.NewRegistry())
	}
	return s
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config { return s.cfg }

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool { return s.running.Load() }

// LastReport returns the most recent cycle report, if any.
func (s *Scheduler) LastReport() (CycleReport, bool) {
	r := s.lastReport.Load()
	if r == nil {
		return CycleReport{}, false
	}
	return *r, true
}

// Start launches the loop. The first cycle runs immediately. Calling Start
// on a running scheduler does nothing and returns false.
func (s *Scheduler) Start(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running.Load() {
		return false
	}

	for _, v := range s.SelfCheck() {
		s.metrics.SelfCheckViolations.Inc()
		s.log.Warn().Str("rule", v.Rule).Msg(v.Detail)
		s.alert(ctx, notification.Alert{
			Level:   notification.AlertWarning,
			Title:   "Scheduler self-check",
			Message: v.Error(),
		})
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)
	go s.loop(runCtx, s.done)

	s.log.Info().
		Dur("cycle", s.cfg.CyclePeriod).
		Dur("batch_interval", s.cfg.BatchInterval).
		Int("max_batches", s.cfg.MaxBatchesPerCycle).
		Msg("scheduler started")
	return true
}

// Stop cancels the loop and waits for it and any queued manual refresh it
// started to exit. Batches still in flight are abandoned and their results
// discarded.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running.Load() {
		return
	}
	s.cancel()
	<-s.done
	s.manual.Wait()
	s.running.Store(false)
	s.log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(0)
	defer timer.Stop()
	poll := time.NewTicker(s.cfg.ManualPoll)
	defer poll.Stop()

	var cur *cycle
	for {
		var results <-chan batchResult
		var deadline <-chan struct{}
		if cur != nil {
			results = cur.results
			deadline = cur.ctx.Done()
		}

		select {
		case <-ctx.Done():
			if cur != nil {
				cur.cancel()
			}
			return

		case <-timer.C:
			if cur != nil {
				s.finish(ctx, cur, OutcomeSuperseded)
			}
			cur = s.begin(ctx)
			if cur != nil && cur.pending == 0 {
				s.finish(ctx, cur, OutcomeCompleted)
				cur = nil
			}
			timer.Reset(s.cfg.CyclePeriod)

		case r := <-results:
			if s.commit(cur, r) {
				s.finish(ctx, cur, OutcomeCompleted)
				cur = nil
			}

		case <-deadline:
			if ctx.Err() != nil {
				return
			}
			s.finish(ctx, cur, OutcomeDeadline)
			cur = nil

		case <-poll.C:
			s.pollManual(ctx)
		}
	}
}

// RunOnce runs a single cycle on the caller's goroutine, ignoring the
// loop. It is meant for tests and one-shot tools.
func (s *Scheduler) RunOnce(ctx context.Context) CycleReport {
	c := s.begin(ctx)
	if c == nil {
		r, _ := s.LastReport()
		return r
	}
	for c.pending > 0 {
		select {
		case r := <-c.results:
			if s.commit(c, r) {
				return s.finish(ctx, c, OutcomeCompleted)
			}
		case <-c.ctx.Done():
			if ctx.Err() != nil {
				c.cancel()
				return c.report
			}
			return s.finish(ctx, c, OutcomeDeadline)
		}
	}
	if c.ctx.Err() != nil {
		return s.finish(ctx, c, OutcomeDeadline)
	}
	return s.finish(ctx, c, OutcomeCompleted)
}

func (s *Scheduler) finish(ctx context.Context, c *cycle, outcome string) CycleReport {
	c.cancel()
	if ctx.Err() == nil {
		cctx, cancel := context.WithTimeout(ctx, s.cfg.CompletionTimeout)
		for _, e := range s.registry.Active() {
			if s.complete(cctx, c.watchlistID(cctx, e.Slug), navbus.SourceBatch) {
				c.report.Emitted++
			}
		}
		cancel()
	}

	c.report.Outcome = outcome
	c.report.Finished = s.now()
	s.record(c.report, time.Since(c.startedWall))

	c.log.Info().
		Str("outcome", outcome).
		Int("universe", c.report.Universe).
		Int("batches", c.report.Batches).
		Int("truncated_symbols", len(c.report.TruncatedSymbol)).
		Int("rate_deferred", c.report.RateDeferred).
		Int("failed_batches", c.report.FailedBatches).
		Int("written", c.report.Written).
		Int("emitted", c.report.Emitted).
		Msg("cycle finished")
	return c.report
}

func (s *Scheduler) record(r CycleReport, took time.Duration) {
	s.lastReport.Store(&r)
	s.metrics.CyclesTotal.WithLabelValues(r.Outcome).Inc()
	if r.Outcome != OutcomeMarketClosed {
		s.metrics.CycleDuration.Observe(took.Seconds())
	}
	u := s.limiter.Usage()
	s.metrics.LimiterInUse.WithLabelValues(ratelimit.Automatic.String()).Set(float64(u.Automatic))
	s.metrics.LimiterInUse.WithLabelValues(ratelimit.Manual.String()).Set(float64(u.Manual))
	s.metrics.ActiveWatchlists.Set(float64(s.registry.Len()))
	if s.onCycle != nil {
		s.onCycle(r)
	}
}

func (s *Scheduler) alert(ctx context.Context, a notification.Alert) {
	if err := s.notifier.Send(ctx, a); err != nil {
		s.log.Warn().Err(err).Str("title", a.Title).Msg("alert delivery failed")
	}
}

func (s *Scheduler) traceID(prefix string) string {
	return logger.GenerateTraceID(prefix, s.now())
}

func (r CycleReport) String() string {
	return fmt.Sprintf("%s %s: %d symbols in %d batches, %d written, %d emitted",
		r.ID, r.Outcome, r.Universe, r.Batches, r.Written, r.Emitted)
}
