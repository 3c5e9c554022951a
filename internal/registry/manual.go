package registry

import (
	"errors"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultManualTTL bounds how long a manual request may sit in the queue.
const DefaultManualTTL = 5 * time.Minute

var (
	ErrAlreadyActive = errors.New("watchlist is active; background sync covers it")
	ErrAlreadyQueued = errors.New("manual update already queued")
)

// ManualState is the lifecycle state of a queued manual update.
type ManualState string

const (
	ManualPending    ManualState = "pending"
	ManualProcessing ManualState = "processing"
)

type manualEntry struct {
	slug     string
	state    ManualState
	queuedAt time.Time
}

// ManualRequest is a read-only view of a queued entry.
type ManualRequest struct {
	Slug     string
	State    ManualState
	QueuedAt time.Time
}

// EnqueueManual queues a refresh for an inactive watchlist. At most one entry
// per slug exists at a time.
func (r *Registry) EnqueueManual(slug string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[slug]; ok {
		return ErrAlreadyActive
	}
	if _, ok := r.manual[slug]; ok {
		return ErrAlreadyQueued
	}
	r.manual[slug] = &manualEntry{slug: slug, state: ManualPending, queuedAt: r.now()}
	return nil
}

// ClaimManual moves the oldest pending entry to processing and returns its slug.
func (r *Registry) ClaimManual() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var pick *manualEntry
	for _, e := range r.manual {
		if e.state != ManualPending {
			continue
		}
		if pick == nil || e.queuedAt.Before(pick.queuedAt) ||
			(e.queuedAt.Equal(pick.queuedAt) && e.slug < pick.slug) {
			pick = e
		}
	}
	if pick == nil {
		return "", false
	}
	pick.state = ManualProcessing
	return pick.slug, true
}

// ReleaseManual returns a processing entry to pending, e.g. when the manual
// pool was exhausted.
func (r *Registry) ReleaseManual(slug string) {
	r.mu.Lock()
	if e, ok := r.manual[slug]; ok {
		e.state = ManualPending
	}
	r.mu.Unlock()
}

// CompleteManual removes slug from the queue.
func (r *Registry) CompleteManual(slug string) {
	r.mu.Lock()
	delete(r.manual, slug)
	r.mu.Unlock()
}

// ManualQueue lists queued entries, oldest first.
func (r *Registry) ManualQueue() []ManualRequest {
	r.mu.RLock()
	out := make([]ManualRequest, 0, len(r.manual))
	for _, e := range r.manual {
		out = append(out, ManualRequest{Slug: e.slug, State: e.state, QueuedAt: e.queuedAt})
	}
	r.mu.RUnlock()

	sortManual(out)
	return out
}

// PurgeStaleManual drops entries queued longer than the TTL, in any state,
// and returns how many were removed.
func (r *Registry) PurgeStaleManual() int {
	now := r.now()
	r.mu.Lock()
	n := 0
	for slug, e := range r.manual {
		if now.Sub(e.queuedAt) > r.manualTTL {
			delete(r.manual, slug)
			n++
		}
	}
	r.mu.Unlock()

	if n > 0 {
		r.log.Info().Int("purged", n).Msg("dropped stale manual updates")
	}
	return n
}

// StartSweeper runs PurgeStaleManual on spec (e.g. "@every 1m") until the
// returned stop function is called.
func (r *Registry) StartSweeper(spec string) (stop func(), err error) {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { r.PurgeStaleManual() }); err != nil {
		return nil, err
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}

func sortManual(in []ManualRequest) {
	sort.Slice(in, func(i, j int) bool {
		if !in[i].QueuedAt.Equal(in[j].QueuedAt) {
			return in[i].QueuedAt.Before(in[j].QueuedAt)
		}
		return in[i].Slug < in[j].Slug
	})
}
