package scheduler

import (
	"time"

	"navsync/internal/model"
)

// Config holds the cycle constants.
type Config struct {
	BatchSize          int           // symbols per provider batch
	MaxBatchesPerCycle int           // batches dispatched per cycle; the rest wait
	BatchesPerMinute   int           // provider ceiling, in batches
	CreditsPerMinute   int           // provider ceiling, in credits (one per symbol)
	BatchInterval      time.Duration // offset between consecutive dispatches
	CyclePeriod        time.Duration
	ManualPoll         time.Duration // how often the manual queue is drained

	Timeframe model.Timeframe // series published after each cycle

	HistoryInterval   string
	HistoryHorizon    time.Duration
	HistoryOutputSize int

	CompletionTimeout time.Duration
}

// DefaultConfig: 20 batches of 5 spread 9s apart over a 180s cycle, under
// an 11 batch (55 credit) per minute ceiling.
func DefaultConfig() Config {
	return Config{
		BatchSize:          5,
		MaxBatchesPerCycle: 20,
		BatchesPerMinute:   11,
		CreditsPerMinute:   55,
		BatchInterval:      9 * time.Second,
		CyclePeriod:        180 * time.Second,
		ManualPoll:         2 * time.Second,
		Timeframe:          model.TimeframeDay,
		HistoryInterval:    "5min",
		HistoryHorizon:     24 * time.Hour,
		HistoryOutputSize:  78,
		CompletionTimeout:  30 * time.Second,
	}
}

func (c *Config) withDefaults() {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxBatchesPerCycle <= 0 {
		c.MaxBatchesPerCycle = d.MaxBatchesPerCycle
	}
	if c.BatchesPerMinute <= 0 {
		c.BatchesPerMinute = d.BatchesPerMinute
	}
	if c.CreditsPerMinute <= 0 {
		c.CreditsPerMinute = c.BatchesPerMinute * c.BatchSize
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = d.BatchInterval
	}
	if c.CyclePeriod <= 0 {
		c.CyclePeriod = d.CyclePeriod
	}
	if c.ManualPoll <= 0 {
		c.ManualPoll = d.ManualPoll
	}
	if c.Timeframe == "" {
		c.Timeframe = d.Timeframe
	}
	if c.HistoryInterval == "" {
		c.HistoryInterval = d.HistoryInterval
	}
	if c.HistoryHorizon <= 0 {
		c.HistoryHorizon = d.HistoryHorizon
	}
	if c.HistoryOutputSize <= 0 {
		c.HistoryOutputSize = d.HistoryOutputSize
	}
	if c.CompletionTimeout <= 0 {
		c.CompletionTimeout = d.CompletionTimeout
	}
}
