// Package navbus delivers NAV updates to per-watchlist listeners through a
// single FIFO queue. One event is fully delivered before the next is taken.
package navbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"navsync/internal/model"
)

// StaleAfter is how long a slug may go without an event before its data is
// considered stale.
const StaleAfter = 5 * time.Minute

// Sources of an event.
const (
	SourceBatch  = "batch"
	SourceManual = "manual"
)

// ErrClosed is returned by Emit after Close.
var ErrClosed = errors.New("navbus: closed")

// Event is one NAV update for a watchlist.
type Event struct {
	ID        string               `json:"id"`
	Slug      string               `json:"slug"`
	Source    string               `json:"source"`
	Timestamp time.Time            `json:"timestamp"`
	Data      []model.NAVDataPoint `json:"data"`
}

// Listener handles an event. Returned errors and panics are logged and do not
// affect other listeners.
type Listener func(Event) error

type subscriber struct {
	id uint64
	fn Listener
}

// Bus is a topic-per-slug event bus.
type Bus struct {
	mu     sync.Mutex
	subs   map[string][]subscriber
	all    []subscriber
	nextID uint64
	queue  []Event
	last   map[string]Event
	closed bool

	signal chan struct{}
	done   chan struct{}

	// OnDeliver, if set, is called after every listener invocation with the
	// listener's error (nil on success).
	OnDeliver func(slug string, err error)

	now func() time.Time
	log zerolog.Logger
}

// New creates a Bus. Call Run to start delivery.
func New(log zerolog.Logger) *Bus {
	return &Bus{
		subs:   make(map[string][]subscriber),
		last:   make(map[string]Event),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		now:    time.Now,
		log:    log.With().Str("component", "navbus").Logger(),
	}
}

// SetClock overrides the time source. Must be called before use.
func (b *Bus) SetClock(now func() time.Time) { b.now = now }

// Subscribe registers fn for slug and returns its unsubscribe function.
func (b *Bus) Subscribe(slug string, fn Listener) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[slug] = append(b.subs[slug], subscriber{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(slug, id) })
	}
}

// SubscribeAll registers fn for every slug. It runs after the slug's own
// listeners.
func (b *Bus) SubscribeAll(fn Listener) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.all = append(b.all, subscriber{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.all {
				if s.id == id {
					b.all = append(b.all[:i:i], b.all[i+1:]...)
					break
				}
			}
		})
	}
}

func (b *Bus) unsubscribe(slug string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[slug]
	for i, s := range subs {
		if s.id == id {
			b.subs[slug] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[slug]) == 0 {
		delete(b.subs, slug)
	}
}

// Emit stamps and enqueues an event for slug.
func (b *Bus) Emit(slug string, data []model.NAVDataPoint, source string) (Event, error) {
	ev := Event{
		ID:        uuid.NewString(),
		Slug:      slug,
		Source:    source,
		Timestamp: b.now(),
		Data:      data,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Event{}, ErrClosed
	}
	b.queue = append(b.queue, ev)
	b.last[slug] = ev
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
	return ev, nil
}

// Last returns the most recently emitted event for slug.
func (b *Bus) Last(slug string) (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev, ok := b.last[slug]
	return ev, ok
}

// IsDataStale reports whether no event for slug was emitted within StaleAfter.
func (b *Bus) IsDataStale(slug string) bool {
	b.mu.Lock()
	ev, ok := b.last[slug]
	b.mu.Unlock()
	return !ok || b.now().Sub(ev.Timestamp) > StaleAfter
}

// Pending returns the number of queued, undelivered events.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Run drains the queue until ctx is cancelled or Close is called. Events
// still queued at Close are delivered before Run returns.
func (b *Bus) Run(ctx context.Context) {
	for {
		for b.deliverNext() {
			if ctx.Err() != nil {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			for b.deliverNext() {
			}
			return
		case <-b.signal:
		}
	}
}

// Close stops accepting events and lets Run finish the backlog.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
}

func (b *Bus) deliverNext() bool {
	b.mu.Lock()
	if len(b.queue) == 0 {
		b.mu.Unlock()
		return false
	}
	ev := b.queue[0]
	b.queue[0] = Event{}
	b.queue = b.queue[1:]
	subs := append([]subscriber(nil), b.subs[ev.Slug]...)
	subs = append(subs, b.all...)
	b.mu.Unlock()

	for _, s := range subs {
		err := b.invoke(s.fn, ev)
		if err != nil {
			b.log.Warn().Err(err).Str("slug", ev.Slug).Str("event", ev.ID).Msg("listener failed")
		}
		if b.OnDeliver != nil {
			b.OnDeliver(ev.Slug, err)
		}
	}
	return true
}

func (b *Bus) invoke(fn Listener, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return fn(ev)
}
