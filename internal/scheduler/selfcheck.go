package scheduler

import (
	"fmt"
	"time"
)

// SelfCheck validates the cycle constants against each other and against
// the limiter. It never fails the scheduler; Start logs and alerts on what
// it returns.
func (s *Scheduler) SelfCheck() []Violation {
	var out []Violation
	c := s.cfg

	if span := time.Duration(c.MaxBatchesPerCycle) * c.BatchInterval; span > c.CyclePeriod {
		out = append(out, Violation{
			Rule:   "dispatch_fits_cycle",
			Detail: fmt.Sprintf("%d batches every %s take %s, longer than the %s cycle", c.MaxBatchesPerCycle, c.BatchInterval, span, c.CyclePeriod),
		})
	}
	if got := c.BatchesPerMinute * c.BatchSize; got != c.CreditsPerMinute {
		out = append(out, Violation{
			Rule:   "credits_per_minute",
			Detail: fmt.Sprintf("%d batches of %d is %d credits, want %d", c.BatchesPerMinute, c.BatchSize, got, c.CreditsPerMinute),
		})
	}
	if c.BatchInterval > 0 {
		if perMin := int(time.Minute / c.BatchInterval); perMin > c.BatchesPerMinute {
			out = append(out, Violation{
				Rule:   "dispatch_rate",
				Detail: fmt.Sprintf("one batch every %s dispatches %d per minute, ceiling is %d", c.BatchInterval, perMin, c.BatchesPerMinute),
			})
		}
	}
	if s.limiter != nil {
		if capacity := s.limiter.AutomaticCapacity(); capacity != c.BatchesPerMinute {
			out = append(out, Violation{
				Rule:   "limiter_capacity",
				Detail: fmt.Sprintf("limiter allows %d automatic calls per minute, scheduler plans for %d", capacity, c.BatchesPerMinute),
			})
		}
	}
	return out
}
