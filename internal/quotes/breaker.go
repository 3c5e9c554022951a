package quotes

import (
	"context"
	"errors"
	"sync"
	"time"

	"navsync/internal/model"
)

// State is a circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls rejected until the cooldown ends
	StateHalfOpen              // one probe call allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("quote provider circuit open")

// Breaker opens after maxFailures consecutive provider failures so a broken
// provider stops consuming rate-limit slots. After cooldown a single probe
// is let through; its outcome closes or reopens the breaker.
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	maxFailures int
	cooldown    time.Duration
	openedAt    time.Time
	probing     bool

	now func() time.Time

	OnStateChange func(from, to State)
}

// NewBreaker creates a closed Breaker.
func NewBreaker(maxFailures int, cooldown time.Duration) *Breaker {
	if maxFailures <= 0 {
		maxFailures = 1
	}
	return &Breaker{maxFailures: maxFailures, cooldown: cooldown, now: time.Now}
}

// Execute runs fn unless the breaker is open. Context cancellation is not
// counted as a provider failure.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn()
	b.after(err)
	return err
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
		b.probing = true
	case StateHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasProbe := b.state == StateHalfOpen
	if wasProbe {
		b.probing = false
	}

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		b.failures++
		if wasProbe || b.failures >= b.maxFailures {
			b.openedAt = b.now()
			b.transition(StateOpen)
		}
		return
	}
	if err == nil {
		b.failures = 0
		if wasProbe {
			b.transition(StateClosed)
		}
	}
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to == StateClosed {
		b.failures = 0
	}
	if b.OnStateChange != nil {
		b.OnStateChange(from, to)
	}
}

// Guarded wraps a provider so every call goes through a Breaker.
type Guarded struct {
	next model.QuoteProvider
	cb   *Breaker
}

// Guard decorates p with cb.
func Guard(p model.QuoteProvider, cb *Breaker) *Guarded {
	return &Guarded{next: p, cb: cb}
}

// Breaker exposes the underlying breaker.
func (g *Guarded) Breaker() *Breaker { return g.cb }

func (g *Guarded) FetchHistoricalData(ctx context.Context, req model.HistoryRequest) (*model.HistoryResult, error) {
	var res *model.HistoryResult
	err := g.cb.Execute(func() error {
		var err error
		res, err = g.next.FetchHistoricalData(ctx, req)
		return err
	})
	return res, err
}

func (g *Guarded) FetchBatchQuotes(ctx context.Context, symbols []string, tf model.Timeframe) ([]model.Quote, error) {
	var out []model.Quote
	err := g.cb.Execute(func() error {
		var err error
		out, err = g.next.FetchBatchQuotes(ctx, symbols, tf)
		return err
	})
	return out, err
}
