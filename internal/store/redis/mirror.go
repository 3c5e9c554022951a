package redis

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"navsync/internal/navbus"
)

const publishTimeout = 2 * time.Second

// ChannelFor is the Pub/Sub channel carrying slug's NAV events.
func ChannelFor(slug string) string { return "pub:nav:" + slug }

type pendingPublish struct {
	channel string
	payload []byte
}

// Mirror republishes bus events onto Redis Pub/Sub. Publishes that fail are
// buffered (oldest dropped beyond maxBuf) and retried ahead of the next
// event.
type Mirror struct {
	client *goredis.Client

	mu     sync.Mutex
	buffer []pendingPublish
	maxBuf int

	OnBuffer func()          // a publish was buffered
	OnFlush  func(count int) // buffered publishes were delivered

	log zerolog.Logger
}

// NewMirror creates a Mirror publishing through client.
func NewMirror(client *goredis.Client, maxBuf int, log zerolog.Logger) *Mirror {
	if maxBuf <= 0 {
		maxBuf = 1000
	}
	return &Mirror{
		client: client,
		maxBuf: maxBuf,
		log:    log.With().Str("component", "nav-mirror").Logger(),
	}
}

// Handle is a navbus.Listener.
func (m *Mirror) Handle(ev navbus.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	m.flush(ctx)

	ch := ChannelFor(ev.Slug)
	if err := m.client.Publish(ctx, ch, payload).Err(); err != nil {
		m.bufferPublish(pendingPublish{channel: ch, payload: payload})
		return err
	}
	return nil
}

// Subscribe opens a Pub/Sub subscription to slug's channel and waits for
// the confirmation.
func (m *Mirror) Subscribe(ctx context.Context, slug string) (*goredis.PubSub, error) {
	ps := m.client.Subscribe(ctx, ChannelFor(slug))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, err
	}
	return ps, nil
}

// PendingCount returns the number of buffered publishes.
func (m *Mirror) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buffer)
}

func (m *Mirror) bufferPublish(p pendingPublish) {
	m.mu.Lock()
	if len(m.buffer) >= m.maxBuf {
		m.buffer = m.buffer[1:]
	}
	m.buffer = append(m.buffer, p)
	m.mu.Unlock()

	if m.OnBuffer != nil {
		m.OnBuffer()
	}
}

func (m *Mirror) flush(ctx context.Context) {
	m.mu.Lock()
	if len(m.buffer) == 0 {
		m.mu.Unlock()
		return
	}
	toFlush := m.buffer
	m.buffer = nil
	m.mu.Unlock()

	flushed := 0
	for i, p := range toFlush {
		if err := m.client.Publish(ctx, p.channel, p.payload).Err(); err != nil {
			// put the rest back in order, ahead of anything buffered meanwhile
			m.mu.Lock()
			m.buffer = append(append([]pendingPublish(nil), toFlush[i:]...), m.buffer...)
			if over := len(m.buffer) - m.maxBuf; over > 0 {
				m.buffer = m.buffer[over:]
			}
			m.mu.Unlock()
			break
		}
		flushed++
	}

	if flushed > 0 {
		m.log.Info().Int("count", flushed).Msg("flushed buffered nav events")
		if m.OnFlush != nil {
			m.OnFlush(flushed)
		}
	}
}
