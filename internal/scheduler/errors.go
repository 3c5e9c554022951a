package scheduler

import (
	"fmt"
	"time"

	"navsync/internal/ratelimit"
)

// TransientFetchError is a single symbol's fetch failure. The symbol is
// skipped for this round.
type TransientFetchError struct {
	Symbol string
	Err    error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Symbol, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// BatchError abandons a whole batch: every symbol failed, or the batch
// goroutine panicked.
type BatchError struct {
	Index int
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch %d: %v", e.Index, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// RateLimitExceededError is returned when a pool has no free slot.
type RateLimitExceededError struct {
	Pool       ratelimit.Pool
	RetryAfter time.Duration
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("%s rate limit exhausted, retry in %s", e.Pool, e.RetryAfter.Round(time.Second))
}

// Violation is an inconsistent combination of scheduler constants.
type Violation struct {
	Rule   string
	Detail string
}

func (v Violation) Error() string {
	return fmt.Sprintf("configuration invariant %q violated: %s", v.Rule, v.Detail)
}
