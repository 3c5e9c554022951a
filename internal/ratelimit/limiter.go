// Package ratelimit tracks provider calls in a trailing 60-second window split
// into an automatic pool (background sync) and a reserved manual pool
// (user-triggered refreshes). It only answers admission questions; callers
// decide whether to wait, defer or give up.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Window is the trailing period over which calls are counted.
const Window = 60 * time.Second

// Pool identifies which budget a call draws from.
type Pool int

const (
	Automatic Pool = iota
	Manual
)

func (p Pool) String() string {
	switch p {
	case Automatic:
		return "automatic"
	case Manual:
		return "manual"
	default:
		return "unknown"
	}
}

// Config sizes the two pools. Capacities are counted in provider calls;
// BatchSize converts calls into instruments for refresh planning.
type Config struct {
	MaxPerMinute      int
	ReservedForManual int
	BatchSize         int
}

// DefaultConfig is 11 automatic batch calls (55 credits at 5 symbols per
// batch) plus 2 reserved for manual refreshes.
func DefaultConfig() Config {
	return Config{MaxPerMinute: 13, ReservedForManual: 2, BatchSize: 5}
}

// Limiter is a dual-pool sliding-window limiter. Safe for concurrent use.
type Limiter struct {
	mu        sync.Mutex
	cfg       Config
	automatic []time.Time
	manual    []time.Time

	now func() time.Time
}

// New creates a Limiter. A nil clock means time.Now.
func New(cfg Config, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	return &Limiter{cfg: cfg, now: now}
}

// AutomaticCapacity is MaxPerMinute minus the manual reservation.
func (l *Limiter) AutomaticCapacity() int {
	c := l.cfg.MaxPerMinute - l.cfg.ReservedForManual
	if c < 0 {
		return 0
	}
	return c
}

// ManualCapacity is the manual reservation.
func (l *Limiter) ManualCapacity() int {
	return l.cfg.ReservedForManual
}

// CanMakeAutomaticRequest reports whether the automatic pool has room.
func (l *Limiter) CanMakeAutomaticRequest() bool {
	return l.canMake(Automatic)
}

// CanMakeManualRequest reports whether the manual pool has room.
func (l *Limiter) CanMakeManualRequest() bool {
	return l.canMake(Manual)
}

// RecordAutomaticRequest records an automatic call at the current time.
func (l *Limiter) RecordAutomaticRequest() {
	l.record(Automatic)
}

// RecordManualRequest records a manual call at the current time.
func (l *Limiter) RecordManualRequest() {
	l.record(Manual)
}

// TryAcquire checks and records in one step so two callers cannot both take
// the last slot.
func (l *Limiter) TryAcquire(pool Pool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneLocked(now)
	if len(*l.window(pool)) >= l.capacity(pool) {
		return false
	}
	w := l.window(pool)
	*w = append(*w, now)
	return true
}

// NextAvailableTime returns 0 if the pool has room, otherwise how long until
// its oldest call leaves the window.
func (l *Limiter) NextAvailableTime(pool Pool) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneLocked(now)
	w := *l.window(pool)
	if len(w) < l.capacity(pool) {
		return 0
	}
	if len(w) == 0 {
		// zero-capacity pool never frees up; report a full window
		return Window
	}
	wait := w[0].Add(Window).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// CalculateRefreshInterval picks a cycle length for a universe of
// totalInstruments: 60s when one minute of automatic budget covers it,
// 90s for two, 120s beyond that.
func (l *Limiter) CalculateRefreshInterval(totalInstruments int) time.Duration {
	perMinute := l.AutomaticCapacity() * l.cfg.BatchSize
	if perMinute <= 0 {
		return 120 * time.Second
	}
	multiples := (totalInstruments + perMinute - 1) / perMinute
	switch {
	case multiples <= 1:
		return 60 * time.Second
	case multiples == 2:
		return 90 * time.Second
	default:
		return 120 * time.Second
	}
}

// Usage is a point-in-time view of both pools.
type Usage struct {
	Automatic         int
	AutomaticCapacity int
	Manual            int
	ManualCapacity    int
}

func (u Usage) String() string {
	return fmt.Sprintf("automatic %d/%d, manual %d/%d",
		u.Automatic, u.AutomaticCapacity, u.Manual, u.ManualCapacity)
}

// Usage returns current pool occupancy.
func (l *Limiter) Usage() Usage {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneLocked(l.now())
	return Usage{
		Automatic:         len(l.automatic),
		AutomaticCapacity: l.capacity(Automatic),
		Manual:            len(l.manual),
		ManualCapacity:    l.capacity(Manual),
	}
}

func (l *Limiter) canMake(pool Pool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneLocked(l.now())
	return len(*l.window(pool)) < l.capacity(pool)
}

func (l *Limiter) record(pool Pool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneLocked(now)
	w := l.window(pool)
	*w = append(*w, now)
}

func (l *Limiter) capacity(pool Pool) int {
	if pool == Manual {
		return l.ManualCapacity()
	}
	return l.AutomaticCapacity()
}

func (l *Limiter) window(pool Pool) *[]time.Time {
	if pool == Manual {
		return &l.manual
	}
	return &l.automatic
}

// pruneLocked drops entries that are at least Window old.
func (l *Limiter) pruneLocked(now time.Time) {
	l.automatic = prune(l.automatic, now)
	l.manual = prune(l.manual, now)
}

func prune(w []time.Time, now time.Time) []time.Time {
	cut := 0
	for cut < len(w) && now.Sub(w[cut]) >= Window {
		cut++
	}
	if cut == 0 {
		return w
	}
	return append(w[:0], w[cut:]...)
}
