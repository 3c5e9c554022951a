package gateway

import "sync"

type replayEntry struct {
	Seq  int64
	Data []byte
}

// ReplayBuffer keeps the last N envelopes of one slug so a client that
// noticed a seq gap can fetch what it missed. Safe for concurrent use.
type ReplayBuffer struct {
	mu      sync.RWMutex
	entries []replayEntry
	head    int // oldest entry
	size    int
}

// NewReplayBuffer creates a buffer holding up to capacity envelopes.
func NewReplayBuffer(capacity int) *ReplayBuffer {
	if capacity <= 0 {
		capacity = ReplayDepth
	}
	return &ReplayBuffer{entries: make([]replayEntry, capacity)}
}

// Push appends an envelope, overwriting the oldest one when full. data is
// copied.
func (rb *ReplayBuffer) Push(seq int64, data []byte) {
	e := replayEntry{Seq: seq, Data: append([]byte(nil), data...)}

	rb.mu.Lock()
	defer rb.mu.Unlock()
	n := len(rb.entries)
	if rb.size < n {
		rb.entries[(rb.head+rb.size)%n] = e
		rb.size++
		return
	}
	rb.entries[rb.head] = e
	rb.head = (rb.head + 1) % n
}

// Range returns the entries with seq in [from, to], oldest first.
func (rb *ReplayBuffer) Range(from, to int64) []replayEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	var out []replayEntry
	for i := 0; i < rb.size; i++ {
		e := rb.entries[(rb.head+i)%len(rb.entries)]
		if e.Seq >= from && e.Seq <= to {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of buffered entries.
func (rb *ReplayBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}
