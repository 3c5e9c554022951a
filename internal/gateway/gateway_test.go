package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"navsync/internal/model"
	"navsync/internal/navbus"
	"navsync/internal/navcalc"
	"navsync/internal/ratelimit"
	"navsync/internal/scheduler"
)

type fakeHost struct {
	mu     sync.Mutex
	opened []string
	closed []string
	active map[string]bool // opened outside the gateway

	refreshErr error
}

func (f *fakeHost) OpenWatchlist(_ context.Context, slug string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if slug == "missing" {
		return model.ErrNotFound
	}
	f.opened = append(f.opened, slug)
	return nil
}

func (f *fakeHost) CloseWatchlist(slug string) {
	f.mu.Lock()
	f.closed = append(f.closed, slug)
	f.mu.Unlock()
}

func (f *fakeHost) Opened() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.opened...)
}

func (f *fakeHost) Closed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closed...)
}

func (f *fakeHost) RequestRefresh(context.Context, string) error { return f.refreshErr }

func (f *fakeHost) Series(_ context.Context, slug string, _ model.Timeframe) ([]model.NAVDataPoint, error) {
	if slug == "missing" {
		return nil, model.ErrNotFound
	}
	return []model.NAVDataPoint{{ReturnPercent: 1.5}}, nil
}

func (f *fakeHost) Rows(context.Context, string, model.Timeframe) ([]navcalc.RowPerformance, error) {
	return []navcalc.RowPerformance{{Symbol: "AAA", Resolved: true}}, nil
}

func (f *fakeHost) Active() []model.ActiveSetEntry {
	return []model.ActiveSetEntry{{Slug: "tech"}}
}

func (f *fakeHost) IsActive(slug string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[slug]
}

func (f *fakeHost) LatestSnapshot(_ context.Context, slug string) (*model.NAVSnapshot, error) {
	if slug != "tech" {
		return nil, model.ErrNotFound
	}
	return &model.NAVSnapshot{Slug: "tech", AverageReturn: 4.25, Instruments: 2, Source: navbus.SourceBatch}, nil
}

func newTestServer(t *testing.T, host Host) (*Hub, *navbus.Bus, *httptest.Server) {
	t.Helper()
	bus := navbus.New(zerolog.Nop())
	hub := NewHub(bus, host, zerolog.Nop())
	mux := http.NewServeMux()
	RegisterRoutes(mux, hub)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return hub, bus, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, v))
}

func TestHub_SubscribeReplaysLastAndStreams(t *testing.T) {
	host := &fakeHost{}
	hub, bus, srv := newTestServer(t, host)

	_, err := bus.Emit("tech", []model.NAVDataPoint{{ReturnPercent: 2}}, navbus.SourceBatch)
	require.NoError(t, err)

	conn := dial(t, srv)
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "SUBSCRIBE", "slug": "tech"}))

	var ack reply
	readJSON(t, conn, &ack)
	assert.Equal(t, "subscribed", ack.Type)

	var initial Envelope
	readJSON(t, conn, &initial)
	assert.True(t, initial.Initial)
	assert.Equal(t, 2.0, initial.Data[0].ReturnPercent)

	hub.Broadcast(navbus.Event{ID: "e2", Slug: "other", Source: navbus.SourceBatch})
	hub.Broadcast(navbus.Event{ID: "e3", Slug: "tech", Source: navbus.SourceManual})

	var live Envelope
	readJSON(t, conn, &live)
	assert.Equal(t, "e3", live.ID)
	assert.Equal(t, int64(1), live.Seq)
	assert.Equal(t, navbus.SourceManual, live.Source)

	assert.Equal(t, []string{"tech"}, host.Opened())
	assert.Equal(t, 1, hub.ClientCount())
}

func TestHub_UnsubscribeClosesOnLastViewer(t *testing.T) {
	host := &fakeHost{}
	hub, _, srv := newTestServer(t, host)

	a, b := dial(t, srv), dial(t, srv)
	var ack reply
	for _, c := range []*websocket.Conn{a, b} {
		require.NoError(t, c.WriteJSON(map[string]string{"type": "SUBSCRIBE", "slug": "tech"}))
		readJSON(t, c, &ack)
	}

	require.NoError(t, a.WriteJSON(map[string]string{"type": "UNSUBSCRIBE", "slug": "tech"}))
	require.NoError(t, a.WriteJSON(map[string]int64{"ping": 7}))
	var pong reply
	readJSON(t, a, &pong)
	assert.Equal(t, "pong", pong.Type)
	assert.Empty(t, host.Closed())

	b.Close()
	assert.Eventually(t, func() bool {
		return len(host.Closed()) == 1 && hub.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHub_LeavesExternallyOpenedSlugActive(t *testing.T) {
	host := &fakeHost{active: map[string]bool{"seeded": true}}
	hub, _, srv := newTestServer(t, host)

	conn := dial(t, srv)
	var ack reply
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "SUBSCRIBE", "slug": "seeded"}))
	readJSON(t, conn, &ack)
	require.Equal(t, "subscribed", ack.Type)
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "SUBSCRIBE", "slug": "tech"}))
	readJSON(t, conn, &ack)
	require.Equal(t, "subscribed", ack.Type)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return len(host.Closed()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"tech"}, host.Closed())
}

func TestHub_SubscribeUnknownSlug(t *testing.T) {
	_, _, srv := newTestServer(t, &fakeHost{})
	conn := dial(t, srv)
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "SUBSCRIBE", "slug": "missing"}))

	var r reply
	readJSON(t, conn, &r)
	assert.Equal(t, "error", r.Type)
}

func TestMissedEndpoint(t *testing.T) {
	hub, _, srv := newTestServer(t, &fakeHost{})
	for i := 0; i < 3; i++ {
		hub.Broadcast(navbus.Event{Slug: "tech"})
	}

	resp, err := http.Get(srv.URL + "/api/missed?slug=tech&from=2&to=3")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Seq      int64      `json:"seq"`
		Messages []Envelope `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, int64(3), body.Seq)
	require.Len(t, body.Messages, 2)
	assert.Equal(t, int64(2), body.Messages[0].Seq)
}

func TestRESTEndpoints(t *testing.T) {
	host := &fakeHost{refreshErr: &scheduler.RateLimitExceededError{Pool: ratelimit.Manual, RetryAfter: 1500 * time.Millisecond}}
	_, _, srv := newTestServer(t, host)

	resp, err := http.Get(srv.URL + "/api/nav?slug=tech&tf=w")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/nav?slug=missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/nav?slug=tech&tf=1Y")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/refresh?slug=tech", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "2", resp.Header.Get("Retry-After"))

	resp, err = http.Get(srv.URL + "/api/snapshot?slug=tech")
	require.NoError(t, err)
	var snap model.NAVSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 4.25, snap.AverageReturn)

	resp, err = http.Get(srv.URL + "/api/snapshot?slug=missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/refresh?slug=tech")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
