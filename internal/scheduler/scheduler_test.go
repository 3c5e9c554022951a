package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"navsync/internal/model"
	"navsync/internal/navbus"
	"navsync/internal/ratelimit"
	"navsync/internal/registry"
	"navsync/internal/store"
	"navsync/internal/store/memory"
)

// Tuesday 10:00 New York.
var tradingNow = time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC)

type fakeProvider struct {
	mu      sync.Mutex
	calls   []string
	price   float64
	fail    map[string]error
	panicOn string

	gate    chan struct{}
	started chan struct{}
	once    sync.Once
}

func (p *fakeProvider) FetchHistoricalData(ctx context.Context, req model.HistoryRequest) (*model.HistoryResult, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req.Symbol)
	err := p.fail[req.Symbol]
	p.mu.Unlock()

	if p.started != nil {
		p.once.Do(func() { close(p.started) })
	}
	if p.gate != nil {
		<-p.gate
	}
	if req.Symbol == p.panicOn {
		panic("provider blew up")
	}
	if err != nil {
		return nil, err
	}
	return &model.HistoryResult{
		Symbol: req.Symbol,
		HistoricalData: []model.PricePoint{
			{Timestamp: req.End.Add(-5 * time.Minute), Price: p.price},
			{Timestamp: req.End, Price: p.price + 1},
		},
	}, nil
}

func (p *fakeProvider) FetchBatchQuotes(context.Context, []string, model.Timeframe) ([]model.Quote, error) {
	return nil, nil
}

func (p *fakeProvider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

type harness struct {
	store    *memory.Store
	provider *fakeProvider
	registry *registry.Registry
	limiter  *ratelimit.Limiter
	bus      *navbus.Bus
	sched    *Scheduler
}

type option func(*Config, *Deps)

func withNow(now time.Time) option {
	return func(_ *Config, d *Deps) { d.Now = func() time.Time { return now } }
}

func withLimiter(l *ratelimit.Limiter) option {
	return func(_ *Config, d *Deps) { d.Limiter = l }
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.BatchInterval = time.Millisecond
	cfg.CyclePeriod = 2 * time.Second
	cfg.ManualPoll = 5 * time.Millisecond
	return cfg
}

func newHarness(t *testing.T, cfg Config, opts ...option) *harness {
	t.Helper()
	log := zerolog.Nop()
	h := &harness{
		store:    memory.New(),
		provider: &fakeProvider{price: 100},
		registry: registry.New(registry.Config{}, log),
		limiter:  ratelimit.New(ratelimit.DefaultConfig(), nil),
		bus:      navbus.New(log),
	}
	h.bus.SetClock(func() time.Time { return tradingNow })

	d := Deps{
		Provider:  h.provider,
		Limiter:   h.limiter,
		Registry:  h.registry,
		Mutator:   store.NewMutator(h.store, log),
		Snapshots: h.store,
		Bus:       h.bus,
		Log:       log,
		Now:       func() time.Time { return tradingNow },
	}
	for _, o := range opts {
		o(&cfg, &d)
	}
	h.limiter = d.Limiter
	h.sched = New(cfg, d)
	return h
}

func (h *harness) addWatchlist(t *testing.T, slug string, active bool, symbols ...string) {
	t.Helper()
	items := make([]model.Instrument, len(symbols))
	for i, s := range symbols {
		items[i] = model.Instrument{Symbol: s, BuyPrice: 90, BuyDate: tradingNow.AddDate(0, 0, -3)}
	}
	_, err := h.store.Save(context.Background(), model.Watchlist{ID: "wl-" + slug, Slug: slug, Name: slug, Items: items})
	require.NoError(t, err)
	if active {
		h.registry.RegisterActive(slug, symbols)
	}
}

func symbols(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("S%03d", i)
	}
	return out
}

func TestPlanCycle_TruncatesToMaxBatches(t *testing.T) {
	universe := symbols(130)
	plan := PlanCycle(universe, 5, 20)

	require.Len(t, plan.Batches, 20)
	for _, b := range plan.Batches {
		assert.Len(t, b, 5)
	}
	assert.Len(t, plan.Truncated, 30)
	assert.Equal(t, "S100", plan.Truncated[0])
	assert.Equal(t, "S129", plan.Truncated[29])
}

func TestPartition(t *testing.T) {
	got := Partition(symbols(12), 5)
	require.Len(t, got, 3)
	assert.Len(t, got[2], 2)
	assert.Empty(t, Partition(nil, 5))
}

func TestRunOnce_MergesAndEmits(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.addWatchlist(t, "tech", true, "AAA", "BBB")
	h.addWatchlist(t, "growth", true, "BBB", "CCC")

	report := h.sched.RunOnce(context.Background())

	assert.Equal(t, OutcomeCompleted, report.Outcome)
	assert.Equal(t, 3, report.Universe)
	assert.Equal(t, 1, report.Batches)
	assert.Equal(t, 2, report.Written)
	assert.Equal(t, 2, report.Emitted)
	assert.ElementsMatch(t, []string{"AAA", "BBB", "CCC"}, h.provider.Calls())

	wl, err := h.store.GetBySlug(context.Background(), "growth")
	require.NoError(t, err)
	for _, it := range wl.Items {
		assert.Len(t, it.HistoricalData, 2, it.Symbol)
		assert.Equal(t, 101.0, it.CurrentPrice)
		assert.Equal(t, 90.0, it.BuyPrice)
	}

	ev, ok := h.bus.Last("tech")
	require.True(t, ok)
	assert.Equal(t, navbus.SourceBatch, ev.Source)
	assert.Len(t, h.store.Snapshots("tech"), 1)
	assert.Equal(t, 2, h.store.Snapshots("tech")[0].Instruments)
}

func TestRunOnce_MarketClosedSkipsFetch(t *testing.T) {
	saturday := time.Date(2024, 3, 9, 15, 0, 0, 0, time.UTC)
	h := newHarness(t, fastConfig(), withNow(saturday))
	h.addWatchlist(t, "tech", true, "AAA")

	report := h.sched.RunOnce(context.Background())

	assert.Equal(t, OutcomeMarketClosed, report.Outcome)
	assert.Empty(t, h.provider.Calls())
	_, ok := h.bus.Last("tech")
	assert.False(t, ok)
}

func TestRunOnce_DefersBatchesWithoutRateSlot(t *testing.T) {
	cfg := fastConfig()
	cfg.CyclePeriod = 500 * time.Millisecond
	lim := ratelimit.New(ratelimit.Config{MaxPerMinute: 4, ReservedForManual: 2, BatchSize: 5}, nil)
	h := newHarness(t, cfg, withLimiter(lim))
	h.addWatchlist(t, "big", true, symbols(20)...)

	report := h.sched.RunOnce(context.Background())

	assert.Equal(t, 4, report.Batches)
	assert.Equal(t, 2, report.RateDeferred)
	assert.Len(t, h.provider.Calls(), 10)
	assert.Equal(t, 1, report.Emitted)
}

func TestRunOnce_SkipsFailedSymbols(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.provider.fail = map[string]error{"BBB": errors.New("upstream 500")}
	h.addWatchlist(t, "tech", true, "AAA", "BBB")

	report := h.sched.RunOnce(context.Background())

	assert.Equal(t, 1, report.FetchErrors)
	assert.Zero(t, report.FailedBatches)
	wl, err := h.store.GetBySlug(context.Background(), "tech")
	require.NoError(t, err)
	assert.Len(t, wl.Items[0].HistoricalData, 2)
	assert.Empty(t, wl.Items[1].HistoricalData)
}

func TestRunOnce_AllFailuresAbandonBatch(t *testing.T) {
	h := newHarness(t, fastConfig())
	boom := errors.New("timeout")
	h.provider.fail = map[string]error{"AAA": boom, "BBB": boom}
	h.addWatchlist(t, "tech", true, "AAA", "BBB")

	report := h.sched.RunOnce(context.Background())

	assert.Equal(t, 1, report.FailedBatches)
	assert.Zero(t, report.Written)
	assert.Equal(t, 1, report.Emitted)
}

func TestRunOnce_RecoversBatchPanic(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.provider.panicOn = "AAA"
	h.addWatchlist(t, "tech", true, "AAA")

	report := h.sched.RunOnce(context.Background())

	assert.Equal(t, 1, report.FailedBatches)
	assert.Equal(t, OutcomeCompleted, report.Outcome)
}

func TestStart_IsIdempotent(t *testing.T) {
	h := newHarness(t, fastConfig())
	ctx := context.Background()

	assert.True(t, h.sched.Start(ctx))
	assert.False(t, h.sched.Start(ctx))
	assert.True(t, h.sched.Running())

	h.sched.Stop()
	assert.False(t, h.sched.Running())
	h.sched.Stop()

	assert.True(t, h.sched.Start(ctx))
	h.sched.Stop()
}

func TestStart_RunsFirstCycleImmediately(t *testing.T) {
	reports := make(chan CycleReport, 4)
	h := newHarness(t, fastConfig(), func(_ *Config, d *Deps) {
		d.OnCycle = func(r CycleReport) { reports <- r }
	})
	h.addWatchlist(t, "tech", true, "AAA")

	require.True(t, h.sched.Start(context.Background()))
	defer h.sched.Stop()

	select {
	case r := <-reports:
		assert.Equal(t, OutcomeCompleted, r.Outcome)
		assert.Equal(t, 1, r.Emitted)
	case <-time.After(2 * time.Second):
		t.Fatal("no cycle report")
	}
	last, ok := h.sched.LastReport()
	require.True(t, ok)
	assert.Equal(t, 1, last.Universe)
}

func TestStop_DiscardsInFlightResults(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.provider.gate = make(chan struct{})
	h.provider.started = make(chan struct{})
	h.addWatchlist(t, "tech", true, "AAA")

	require.True(t, h.sched.Start(context.Background()))
	select {
	case <-h.provider.started:
	case <-time.After(2 * time.Second):
		t.Fatal("batch never dispatched")
	}
	h.sched.Stop()
	close(h.provider.gate)
	time.Sleep(20 * time.Millisecond)

	wl, err := h.store.GetBySlug(context.Background(), "tech")
	require.NoError(t, err)
	assert.Empty(t, wl.Items[0].HistoricalData)
	assert.Equal(t, int64(1), wl.Version)
	_, ok := h.bus.Last("tech")
	assert.False(t, ok)
}

func TestRequestManualUpdate(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.addWatchlist(t, "idle", false, "AAA", "BBB")
	ctx := context.Background()

	res, err := h.sched.RequestManualUpdate(ctx, "idle")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Fetched)
	assert.True(t, res.Emitted)

	ev, ok := h.bus.Last("idle")
	require.True(t, ok)
	assert.Equal(t, navbus.SourceManual, ev.Source)

	_, err = h.sched.RequestManualUpdate(ctx, "idle")
	require.NoError(t, err)

	_, err = h.sched.RequestManualUpdate(ctx, "idle")
	var rle *RateLimitExceededError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, ratelimit.Manual, rle.Pool)
	assert.Greater(t, rle.RetryAfter, time.Duration(0))
	assert.Len(t, h.provider.Calls(), 4)
}

func TestRequestManualUpdate_IgnoresSessionGate(t *testing.T) {
	sunday := time.Date(2024, 3, 10, 3, 0, 0, 0, time.UTC)
	h := newHarness(t, fastConfig(), withNow(sunday))
	h.addWatchlist(t, "idle", false, "AAA")

	res, err := h.sched.RequestManualUpdate(context.Background(), "idle")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fetched)
}

func TestRequestManualUpdate_UnknownSlug(t *testing.T) {
	h := newHarness(t, fastConfig())
	_, err := h.sched.RequestManualUpdate(context.Background(), "nope")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestLoop_DrainsManualQueue(t *testing.T) {
	saturday := time.Date(2024, 3, 9, 15, 0, 0, 0, time.UTC)
	h := newHarness(t, fastConfig(), withNow(saturday))
	h.addWatchlist(t, "idle", false, "AAA")
	require.NoError(t, h.registry.EnqueueManual("idle"))

	require.True(t, h.sched.Start(context.Background()))
	defer h.sched.Stop()

	assert.Eventually(t, func() bool {
		ev, ok := h.bus.Last("idle")
		return ok && ev.Source == navbus.SourceManual && len(h.registry.ManualQueue()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStop_WaitsForQueuedManualRefresh(t *testing.T) {
	saturday := time.Date(2024, 3, 9, 15, 0, 0, 0, time.UTC)
	h := newHarness(t, fastConfig(), withNow(saturday))
	h.provider.gate = make(chan struct{})
	h.provider.started = make(chan struct{})
	h.addWatchlist(t, "idle", false, "AAA")
	require.NoError(t, h.registry.EnqueueManual("idle"))

	require.True(t, h.sched.Start(context.Background()))
	select {
	case <-h.provider.started:
	case <-time.After(2 * time.Second):
		t.Fatal("manual refresh never started")
	}

	stopped := make(chan struct{})
	go func() {
		h.sched.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on the provider")
	}
	close(h.provider.gate)
	time.Sleep(20 * time.Millisecond)

	_, ok := h.bus.Last("idle")
	assert.False(t, ok, "no event after Stop")
	assert.Empty(t, h.store.Snapshots("idle"))
	wl, err := h.store.GetBySlug(context.Background(), "idle")
	require.NoError(t, err)
	assert.Empty(t, wl.Items[0].HistoricalData)
}

func TestSelfCheck(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	assert.Empty(t, h.sched.SelfCheck())

	cfg := DefaultConfig()
	cfg.BatchInterval = 10 * time.Second
	lim := ratelimit.New(ratelimit.Config{MaxPerMinute: 10, ReservedForManual: 2, BatchSize: 5}, nil)
	h = newHarness(t, cfg, withLimiter(lim))

	rules := map[string]bool{}
	for _, v := range h.sched.SelfCheck() {
		rules[v.Rule] = true
	}
	assert.True(t, rules["dispatch_fits_cycle"])
	assert.True(t, rules["limiter_capacity"])
	assert.False(t, rules["credits_per_minute"])
}

func TestAverageReturn(t *testing.T) {
	base := tradingNow.Add(-time.Hour)
	item := func(sym string, first, last float64) model.Instrument {
		return model.Instrument{
			Symbol:       sym,
			CurrentPrice: last,
			HistoricalData: []model.PricePoint{
				{Timestamp: base, Price: first},
				{Timestamp: tradingNow, Price: last},
			},
		}
	}

	avg, n := AverageReturn(model.Watchlist{Items: []model.Instrument{
		item("AAA", 100, 110),
		item("BBB", 200, 230),
		{Symbol: "CCC"},
	}})
	assert.Equal(t, 2, n)
	assert.InDelta(t, 12.5, avg, 1e-9)

	avg, n = AverageReturn(model.Watchlist{})
	assert.Zero(t, n)
	assert.Zero(t, avg)
}
