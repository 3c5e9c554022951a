// Package gateway bridges NAV events to browser clients over WebSocket and
// exposes the host operations over a small REST surface.
package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"navsync/internal/model"
	"navsync/internal/navbus"
	"navsync/internal/navcalc"
)

// ReplayDepth is the number of envelopes kept per slug for gap backfill.
const ReplayDepth = 50

// Host is the application side of the gateway.
type Host interface {
	OpenWatchlist(ctx context.Context, slug string) error
	CloseWatchlist(slug string)
	RequestRefresh(ctx context.Context, slug string) error
	Series(ctx context.Context, slug string, tf model.Timeframe) ([]model.NAVDataPoint, error)
	Rows(ctx context.Context, slug string, tf model.Timeframe) ([]navcalc.RowPerformance, error)
	Active() []model.ActiveSetEntry
	IsActive(slug string) bool
	LatestSnapshot(ctx context.Context, slug string) (*model.NAVSnapshot, error)
}

// Envelope is the wire form of a NAV event.
type Envelope struct {
	Type    string               `json:"type"`
	ID      string               `json:"id"`
	Slug    string               `json:"slug"`
	Source  string               `json:"source"`
	TS      time.Time            `json:"ts"`
	Seq     int64                `json:"seq"`
	Stale   bool                 `json:"stale,omitempty"`
	Initial bool                 `json:"initial,omitempty"`
	Data    []model.NAVDataPoint `json:"data"`
}

// Hub tracks WebSocket clients and fans bus events out to the clients
// subscribed to each slug.
type Hub struct {
	bus  *navbus.Bus
	host Host

	mu      sync.RWMutex
	clients map[*Client]bool
	viewers map[string]int  // slug -> subscribed clients
	opened  map[string]bool // slugs this hub made active
	seqs    map[string]int64
	replay  map[string]*ReplayBuffer

	clientsGauge prometheus.Gauge
	log          zerolog.Logger
}

// NewHub creates a Hub. host may be nil, in which case clients can only
// watch slugs, never open or refresh them.
func NewHub(bus *navbus.Bus, host Host, log zerolog.Logger) *Hub {
	return &Hub{
		bus:     bus,
		host:    host,
		clients: make(map[*Client]bool),
		viewers: make(map[string]int),
		opened:  make(map[string]bool),
		seqs:    make(map[string]int64),
		replay:  make(map[string]*ReplayBuffer),
		log:     log.With().Str("component", "gateway").Logger(),
	}
}

// SetClientsGauge reports the connected client count to g.
func (h *Hub) SetClientsGauge(g prometheus.Gauge) { h.clientsGauge = g }

// Attach subscribes the hub to every bus event. The returned function
// detaches it.
func (h *Hub) Attach() (detach func()) {
	return h.bus.SubscribeAll(func(ev navbus.Event) error {
		h.Broadcast(ev)
		return nil
	})
}

// Broadcast sequences ev, stores it for replay and queues it on every
// client subscribed to its slug. Slow clients drop messages.
func (h *Hub) Broadcast(ev navbus.Event) {
	h.mu.Lock()
	h.seqs[ev.Slug]++
	seq := h.seqs[ev.Slug]
	rb, ok := h.replay[ev.Slug]
	if !ok {
		rb = NewReplayBuffer(ReplayDepth)
		h.replay[ev.Slug] = rb
	}
	h.mu.Unlock()

	buf, err := json.Marshal(envelopeOf(ev, seq, false))
	if err != nil {
		h.log.Error().Err(err).Str("slug", ev.Slug).Msg("envelope encode failed")
		return
	}
	rb.Push(seq, buf)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.watching(ev.Slug) {
			continue
		}
		select {
		case c.send <- buf:
		default:
			h.log.Debug().Str("slug", ev.Slug).Msg("client queue full, dropping")
		}
	}
}

// Missed returns buffered envelopes for slug with seq in [from, to].
func (h *Hub) Missed(slug string, from, to int64) [][]byte {
	h.mu.RLock()
	rb, ok := h.replay[slug]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	entries := rb.Range(from, to)
	out := make([][]byte, len(entries))
	for i, e := range entries {
		out[i] = e.Data
	}
	return out
}

// Seq returns the last sequence number sent for slug.
func (h *Hub) Seq(slug string) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seqs[slug]
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Serve registers conn and starts its pumps.
func (h *Hub) Serve(conn *websocket.Conn) {
	c := newClient(h, conn)

	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	h.setGauge(n)

	h.log.Info().Int("clients", n).Msg("ws client connected")
	go c.writePump()
	go c.readPump()
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	h.setGauge(n)

	for _, slug := range c.slugs() {
		h.unwatch(slug)
	}
	close(c.send)
	h.log.Info().Int("clients", n).Msg("ws client disconnected")
}

// watch counts a viewer for slug and opens it on the host for the first one.
// A slug that was already active is left to whoever opened it.
func (h *Hub) watch(ctx context.Context, slug string) error {
	h.mu.Lock()
	h.viewers[slug]++
	first := h.viewers[slug] == 1
	h.mu.Unlock()

	if !first || h.host == nil {
		return nil
	}
	wasActive := h.host.IsActive(slug)
	if err := h.host.OpenWatchlist(ctx, slug); err != nil {
		h.unwatch(slug)
		return err
	}
	if !wasActive {
		h.mu.Lock()
		h.opened[slug] = true
		h.mu.Unlock()
	}
	return nil
}

func (h *Hub) unwatch(slug string) {
	h.mu.Lock()
	h.viewers[slug]--
	closeIt := false
	if h.viewers[slug] <= 0 {
		delete(h.viewers, slug)
		closeIt = h.opened[slug]
		delete(h.opened, slug)
	}
	h.mu.Unlock()

	if closeIt && h.host != nil {
		h.host.CloseWatchlist(slug)
	}
}

// initial returns the latest event for slug as an initial envelope.
func (h *Hub) initial(slug string) ([]byte, bool) {
	ev, ok := h.bus.Last(slug)
	if !ok {
		return nil, false
	}
	env := envelopeOf(ev, h.Seq(slug), true)
	env.Stale = h.bus.IsDataStale(slug)
	buf, err := json.Marshal(env)
	if err != nil {
		return nil, false
	}
	return buf, true
}

func (h *Hub) setGauge(n int) {
	if h.clientsGauge != nil {
		h.clientsGauge.Set(float64(n))
	}
}

func envelopeOf(ev navbus.Event, seq int64, initial bool) Envelope {
	return Envelope{
		Type:    "nav",
		ID:      ev.ID,
		Slug:    ev.Slug,
		Source:  ev.Source,
		TS:      ev.Timestamp,
		Seq:     seq,
		Initial: initial,
		Data:    ev.Data,
	}
}
