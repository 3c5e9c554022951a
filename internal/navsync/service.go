// Package navsync assembles the sync engine from configuration and owns its
// lifecycle.
package navsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"navsync/config"
	"navsync/internal/gateway"
	"navsync/internal/metrics"
	"navsync/internal/model"
	"navsync/internal/navbus"
	"navsync/internal/notification"
	"navsync/internal/quotes"
	"navsync/internal/ratelimit"
	"navsync/internal/registry"
	"navsync/internal/scheduler"
	"navsync/internal/store"
	"navsync/internal/store/memory"
	redisstore "navsync/internal/store/redis"
	"navsync/internal/store/sqlite"
)

// SnapshotRetention is how long NAV snapshots are kept by the nightly prune.
const SnapshotRetention = 90 * 24 * time.Hour

type backend interface {
	model.WatchlistStore
	model.SnapshotStore
	metrics.Pinger
}

type pruner interface {
	PruneSnapshots(ctx context.Context, before time.Time) (int64, error)
}

// Option customizes New.
type Option func(*options)

type options struct {
	store    backend
	provider model.QuoteProvider
	now      func() time.Time
	session  func(time.Time) bool
}

// WithStore replaces the configured store.
func WithStore(s interface {
	model.WatchlistStore
	model.SnapshotStore
	metrics.Pinger
}) Option {
	return func(o *options) { o.store = s }
}

// WithProvider replaces the configured quote provider. It is still wrapped
// in the circuit breaker.
func WithProvider(p model.QuoteProvider) Option {
	return func(o *options) { o.provider = p }
}

// WithClock sets the time source for valuation and scheduling decisions.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithSessionGate overrides the exchange sync window check.
func WithSessionGate(open func(time.Time) bool) Option {
	return func(o *options) { o.session = open }
}

// Service is the assembled engine.
type Service struct {
	cfg *config.Config
	now func() time.Time

	store     backend
	mutator   *store.Mutator
	limiter   *ratelimit.Limiter
	registry  *registry.Registry
	bus       *navbus.Bus
	breaker   *quotes.Breaker
	provider  model.QuoteProvider
	notifier  notification.Notifier
	scheduler *scheduler.Scheduler
	mirror    *redisstore.Mirror
	hub       *gateway.Hub

	promReg *prometheus.Registry
	metrics *metrics.Metrics
	health  *metrics.HealthStatus

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	busDone  chan struct{}
	stopFns  []func()
	detachFn []func()

	log zerolog.Logger
}

// New builds a stopped Service.
func New(cfg *config.Config, log zerolog.Logger, opts ...Option) (*Service, error) {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}

	s := &Service{
		cfg:     cfg,
		now:     o.now,
		promReg: prometheus.NewRegistry(),
		log:     log.With().Str("component", "navsync").Logger(),
	}
	s.metrics = metrics.New(s.promReg)
	s.health = metrics.NewHealthStatus(cfg.Store.Kind)

	st := o.store
	if st == nil {
		var err error
		if st, err = openStore(cfg, log); err != nil {
			return nil, err
		}
	}
	s.store = st
	s.mutator = store.NewMutator(st, log)
	s.mutator.OnChange(func(model.Watchlist) { s.metrics.WatchlistWrites.Inc() })

	s.notifier = buildNotifier(cfg, log)

	s.limiter = ratelimit.New(ratelimit.Config{
		MaxPerMinute:      cfg.RateLimit.MaxPerMinute,
		ReservedForManual: cfg.RateLimit.ReservedForManual,
		BatchSize:         cfg.Scheduler.BatchSize,
	}, nil)

	s.registry = registry.New(registry.Config{
		Capacity:  cfg.Registry.Capacity,
		ManualTTL: cfg.Registry.ManualTTL.D(),
	}, log)
	s.registry.OnEvict(func(slug string) {
		s.metrics.Evictions.Inc()
		s.metrics.ActiveWatchlists.Set(float64(s.registry.Len()))
	})

	s.bus = navbus.New(log)
	s.bus.SetClock(o.now)
	s.bus.OnDeliver = func(slug string, err error) {
		if err != nil {
			s.metrics.ListenerFailures.Inc()
		}
	}

	provider := o.provider
	if provider == nil {
		provider = buildProvider(cfg)
	}
	s.breaker = quotes.NewBreaker(cfg.Provider.BreakerFailures, cfg.Provider.BreakerCooldown.D())
	s.breaker.OnStateChange = s.onBreakerChange
	s.provider = quotes.Guard(provider, s.breaker)
	s.health.SetBreakerState(s.breaker.State().String())

	if rs, ok := st.(*redisstore.Store); ok && cfg.Store.MirrorEvents {
		s.mirror = redisstore.NewMirror(rs.Client(), 0, log)
		s.mirror.OnBuffer = func() { s.metrics.MirrorBuffered.Inc() }
	}

	tf, err := model.ParseTimeframe(cfg.Scheduler.Timeframe)
	if err != nil {
		return nil, fmt.Errorf("navsync: %w", err)
	}
	schedCfg := scheduler.DefaultConfig()
	schedCfg.BatchSize = cfg.Scheduler.BatchSize
	schedCfg.BatchesPerMinute = cfg.Scheduler.BatchesPerMinute
	schedCfg.CreditsPerMinute = cfg.Scheduler.BatchesPerMinute * cfg.Scheduler.BatchSize
	schedCfg.MaxBatchesPerCycle = cfg.Scheduler.MaxBatchesPerCycle
	schedCfg.BatchInterval = cfg.Scheduler.BatchInterval.D()
	schedCfg.CyclePeriod = cfg.Scheduler.CyclePeriod.D()
	schedCfg.ManualPoll = cfg.Scheduler.ManualPoll.D()
	schedCfg.Timeframe = tf

	s.scheduler = scheduler.New(schedCfg, scheduler.Deps{
		Provider:    s.provider,
		Limiter:     s.limiter,
		Registry:    s.registry,
		Mutator:     s.mutator,
		Snapshots:   st,
		Bus:         s.bus,
		Notifier:    s.notifier,
		Metrics:     s.metrics,
		Log:         log,
		Now:         o.now,
		SessionOpen: o.session,
		OnCycle:     s.onCycle,
	})

	s.hub = gateway.NewHub(s.bus, s, log)
	s.hub.SetClientsGauge(s.metrics.GatewayClients)
	return s, nil
}

func openStore(cfg *config.Config, log zerolog.Logger) (backend, error) {
	switch cfg.Store.Kind {
	case "sqlite":
		return sqlite.New(sqlite.Config{DBPath: cfg.Store.SQLitePath}, log)
	case "redis":
		return redisstore.New(redisstore.Config{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		}, log)
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("navsync: unknown store kind %q", cfg.Store.Kind)
	}
}

func buildProvider(cfg *config.Config) model.QuoteProvider {
	if cfg.Provider.Kind != "alpaca" {
		return quotes.Nop{}
	}
	return quotes.NewAlpaca(quotes.AlpacaConfig{
		APIKey:    cfg.Provider.APIKey,
		APISecret: cfg.Provider.APISecret,
		BaseURL:   cfg.Provider.BaseURL,
		Timeout:   cfg.Provider.Timeout.D(),
	})
}

func buildNotifier(cfg *config.Config, log zerolog.Logger) notification.Notifier {
	sinks := notification.Multi{notification.NewLog(log)}
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != 0 {
		tg, err := notification.NewTelegram(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID)
		if err != nil {
			log.Warn().Err(err).Msg("telegram disabled")
		} else {
			sinks = append(sinks, tg)
		}
	}
	if cfg.Notify.WebhookURL != "" {
		sinks = append(sinks, notification.NewWebhook(cfg.Notify.WebhookURL))
	}
	return sinks
}

// Start runs the bus, the registry sweeper, the store health probe and the
// scheduler. Start on a started Service is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)

	stopSweep, err := s.registry.StartSweeper(s.cfg.Registry.SweepSpec)
	if err != nil {
		cancel()
		return fmt.Errorf("navsync: registry sweeper: %w", err)
	}
	s.stopFns = append(s.stopFns, stopSweep)

	if p, ok := s.store.(pruner); ok {
		c := cron.New()
		if _, err := c.AddFunc("@daily", func() { s.pruneSnapshots(runCtx, p) }); err != nil {
			stopSweep()
			cancel()
			return fmt.Errorf("navsync: snapshot prune: %w", err)
		}
		c.Start()
		s.stopFns = append(s.stopFns, func() { <-c.Stop().Done() })
	}

	s.busDone = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		s.bus.Run(runCtx)
	}(s.busDone)

	if s.mirror != nil {
		s.detachFn = append(s.detachFn, s.bus.SubscribeAll(s.mirror.Handle))
	}
	s.detachFn = append(s.detachFn, s.hub.Attach())

	s.health.StartLivenessChecker(runCtx, s.store, 15*time.Second)
	s.scheduler.Start(runCtx)
	s.health.SetSchedulerRunning(true)

	s.cancel = cancel
	s.started = true
	s.log.Info().Str("store", s.cfg.Store.Kind).Str("provider", s.cfg.Provider.Kind).Msg("service started")
	return nil
}

// Stop halts the scheduler, drains the bus and closes the store.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return s.store.Close()
	}

	s.scheduler.Stop()
	s.health.SetSchedulerRunning(false)
	for _, fn := range s.stopFns {
		fn()
	}
	s.stopFns = nil

	s.bus.Close()
	select {
	case <-s.busDone:
	case <-ctx.Done():
		s.log.Warn().Int("pending", s.bus.Pending()).Msg("bus drain interrupted")
	}
	for _, fn := range s.detachFn {
		fn()
	}
	s.detachFn = nil
	s.cancel()
	s.started = false

	s.log.Info().Msg("service stopped")
	return s.store.Close()
}

func (s *Service) onCycle(r scheduler.CycleReport) {
	s.health.RecordCycle(r.Finished, r.Outcome)
	s.health.SetLimiterUsage(s.limiter.Usage().String())
	s.health.SetActiveWatchlists(s.registry.Len())
}

func (s *Service) onBreakerChange(from, to quotes.State) {
	s.metrics.BreakerState.Set(float64(to))
	s.health.SetBreakerState(to.String())
	if to != quotes.StateOpen {
		return
	}
	s.metrics.BreakerTrips.Inc()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.notifier.Send(ctx, notification.Alert{
			Level:   notification.AlertCritical,
			Title:   "Quote provider unavailable",
			Message: fmt.Sprintf("circuit breaker %s -> %s after repeated fetch failures", from, to),
		}); err != nil {
			s.log.Warn().Err(err).Msg("breaker alert failed")
		}
	}()
}

func (s *Service) pruneSnapshots(ctx context.Context, p pruner) {
	n, err := p.PruneSnapshots(ctx, s.now().Add(-SnapshotRetention))
	if err != nil {
		s.log.Warn().Err(err).Msg("snapshot prune failed")
		return
	}
	s.log.Info().Int64("removed", n).Msg("snapshots pruned")
}

// Hub returns the WebSocket gateway.
func (s *Service) Hub() *gateway.Hub { return s.hub }

// Gatherer exposes the service's metrics registry.
func (s *Service) Gatherer() prometheus.Gatherer { return s.promReg }

// Health returns the health status served on /healthz.
func (s *Service) Health() *metrics.HealthStatus { return s.health }

// Scheduler returns the sync scheduler.
func (s *Service) Scheduler() *scheduler.Scheduler { return s.scheduler }

// Bus returns the NAV event bus for in-process subscribers.
func (s *Service) Bus() *navbus.Bus { return s.bus }
