package navsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"navsync/config"
	"navsync/internal/model"
	"navsync/internal/navbus"
	"navsync/internal/scheduler"
	"navsync/internal/store/memory"
)

// Tuesday 11:00 New York.
var now = time.Date(2024, 3, 5, 16, 0, 0, 0, time.UTC)

type stubProvider struct {
	calls atomic.Int32
}

func (p *stubProvider) FetchHistoricalData(_ context.Context, req model.HistoryRequest) (*model.HistoryResult, error) {
	p.calls.Add(1)
	return &model.HistoryResult{Symbol: req.Symbol, HistoricalData: []model.PricePoint{
		{Timestamp: req.End.Add(-10 * time.Minute), Price: 110},
		{Timestamp: req.End, Price: 111},
	}}, nil
}

func (p *stubProvider) FetchBatchQuotes(context.Context, []string, model.Timeframe) ([]model.Quote, error) {
	return nil, nil
}

func newService(t *testing.T) (*Service, *stubProvider) {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Kind = "memory"
	cfg.Provider.Kind = "none"

	p := &stubProvider{}
	svc, err := New(cfg, zerolog.Nop(),
		WithStore(memory.New()),
		WithProvider(p),
		WithClock(func() time.Time { return now }),
		WithSessionGate(func(time.Time) bool { return true }),
	)
	require.NoError(t, err)
	return svc, p
}

func basket(slug string, symbols ...string) model.Watchlist {
	items := make([]model.Instrument, len(symbols))
	for i, s := range symbols {
		items[i] = model.Instrument{Symbol: s, BuyPrice: 100, BuyDate: now.AddDate(0, 0, -2)}
	}
	return model.Watchlist{Slug: slug, Name: slug, Items: items}
}

func TestService_CycleUpdatesOpenWatchlist(t *testing.T) {
	svc, p := newService(t)
	ctx := context.Background()

	_, err := svc.PutWatchlist(ctx, basket("tech", "aapl", "msft"))
	require.NoError(t, err)
	require.NoError(t, svc.OpenWatchlist(ctx, "tech"))

	got := make(chan navbus.Event, 4)
	svc.Bus().Subscribe("tech", func(ev navbus.Event) error {
		got <- ev
		return nil
	})

	require.NoError(t, svc.Start(ctx))
	select {
	case ev := <-got:
		assert.Equal(t, navbus.SourceBatch, ev.Source)
		require.NotEmpty(t, ev.Data)
	case <-time.After(3 * time.Second):
		t.Fatal("no nav event")
	}
	require.NoError(t, svc.Stop(ctx))

	assert.Equal(t, int32(2), p.calls.Load())

	series, err := svc.Series(ctx, "tech", model.TimeframeDay)
	require.NoError(t, err)
	require.NotEmpty(t, series)
	last := series[len(series)-1]
	assert.Equal(t, 2, last.ValidTickers)
	assert.Equal(t, 2, last.TotalTickers)

	rows, err := svc.Rows(ctx, "tech", model.TimeframeDay)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "AAPL", rows[0].Symbol)
	assert.Equal(t, 111.0, rows[0].CurrentPrice)
}

func TestService_RefreshInactiveQueuesWhenLimited(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	_, err := svc.PutWatchlist(ctx, basket("idle", "AAA"))
	require.NoError(t, err)

	require.NoError(t, svc.RequestRefresh(ctx, "idle"))
	require.NoError(t, svc.RequestRefresh(ctx, "idle"))

	err = svc.RequestRefresh(ctx, "idle")
	var rle *scheduler.RateLimitExceededError
	require.ErrorAs(t, err, &rle)
	queue := svc.registry.ManualQueue()
	require.Len(t, queue, 1)
	assert.Equal(t, "idle", queue[0].Slug)

	ev, ok := svc.Bus().Last("idle")
	require.True(t, ok)
	assert.Equal(t, navbus.SourceManual, ev.Source)
}

func TestService_PutWatchlistKeepsHistory(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	first, err := svc.PutWatchlist(ctx, basket("tech", "AAA"))
	require.NoError(t, err)
	require.NoError(t, svc.RequestRefresh(ctx, "tech"))

	next := basket("tech", "AAA", "BBB")
	next.ID = first.ID
	saved, err := svc.PutWatchlist(ctx, next)
	require.NoError(t, err)

	require.Len(t, saved.Items, 2)
	assert.Len(t, saved.Items[0].HistoricalData, 2)
	assert.Equal(t, 111.0, saved.Items[0].CurrentPrice)
	assert.Empty(t, saved.Items[1].HistoricalData)

	_, err = svc.PutWatchlist(ctx, model.Watchlist{Name: "no slug"})
	assert.ErrorIs(t, err, ErrInvalidWatchlist)
}

func TestService_OpenCloseAndDelete(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	assert.ErrorIs(t, svc.OpenWatchlist(ctx, "missing"), model.ErrNotFound)

	wl, err := svc.PutWatchlist(ctx, basket("tech", "AAA"))
	require.NoError(t, err)
	require.NoError(t, svc.OpenWatchlist(ctx, "tech"))
	require.Len(t, svc.Active(), 1)

	require.NoError(t, svc.DeleteWatchlist(ctx, wl.ID))
	assert.Empty(t, svc.Active())
	require.NoError(t, svc.DeleteWatchlist(ctx, wl.ID))
}

func TestService_HealthAfterStart(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop(ctx)

	assert.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		svc.Health().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		return rec.Code == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, svc.Start(ctx))
	assert.True(t, svc.Scheduler().Running())
}

func TestService_LatestSnapshot(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.LatestSnapshot(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = svc.PutWatchlist(ctx, basket("tech", "AAA"))
	require.NoError(t, err)
	_, err = svc.LatestSnapshot(ctx, "tech")
	assert.ErrorIs(t, err, model.ErrNotFound, "no refresh yet")

	require.NoError(t, svc.RequestRefresh(ctx, "tech"))
	snap, err := svc.LatestSnapshot(ctx, "tech")
	require.NoError(t, err)
	assert.Equal(t, "tech", snap.Slug)
	assert.Equal(t, navbus.SourceManual, snap.Source)
	assert.Equal(t, 1, snap.Instruments)
	assert.False(t, svc.IsActive("tech"))
}

func TestService_LimiterFollowsConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Kind = "memory"
	cfg.Provider.Kind = "none"
	cfg.RateLimit.MaxPerMinute = 20
	cfg.RateLimit.ReservedForManual = 4

	svc, err := New(cfg, zerolog.Nop(), WithStore(memory.New()), WithProvider(&stubProvider{}))
	require.NoError(t, err)
	assert.Equal(t, 16, svc.limiter.AutomaticCapacity())
	assert.Equal(t, 4, svc.limiter.ManualCapacity())
}
