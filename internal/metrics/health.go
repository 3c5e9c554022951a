package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Pinger is a dependency whose liveness can be probed.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	SchedulerRunning bool
	LastCycleAt      time.Time
	LastCycleOutcome string
	LimiterUsage     string
	BreakerState     string
	ActiveWatchlists int

	StoreKind      string
	StoreOK        bool
	StoreLatencyMs float64
	LastCheckAt    time.Time
	StartedAt      time.Time

	now func() time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus(storeKind string) *HealthStatus {
	return &HealthStatus{StoreKind: storeKind, StartedAt: time.Now(), now: time.Now}
}

func (h *HealthStatus) SetSchedulerRunning(v bool) {
	h.mu.Lock()
	h.SchedulerRunning = v
	h.mu.Unlock()
}

// RecordCycle notes a finished cycle.
func (h *HealthStatus) RecordCycle(at time.Time, outcome string) {
	h.mu.Lock()
	h.LastCycleAt = at
	h.LastCycleOutcome = outcome
	h.mu.Unlock()
}

func (h *HealthStatus) SetLimiterUsage(s string) {
	h.mu.Lock()
	h.LimiterUsage = s
	h.mu.Unlock()
}

func (h *HealthStatus) SetBreakerState(s string) {
	h.mu.Lock()
	h.BreakerState = s
	h.mu.Unlock()
}

func (h *HealthStatus) SetActiveWatchlists(n int) {
	h.mu.Lock()
	h.ActiveWatchlists = n
	h.mu.Unlock()
}

// CheckStore pings the store and records latency and reachability.
func (h *HealthStatus) CheckStore(ctx context.Context, p Pinger) {
	start := h.now()
	err := p.Ping(ctx)
	latency := h.now().Sub(start)

	h.mu.Lock()
	h.StoreOK = err == nil
	h.StoreLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = h.now()
	h.mu.Unlock()
}

// StartLivenessChecker probes p every interval until ctx is done.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, p Pinger, interval time.Duration) {
	go func() {
		probe := func() {
			probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			h.CheckStore(probeCtx, p)
			cancel()
		}
		probe()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probe()
			}
		}
	}()
}

type healthReport struct {
	Status           string  `json:"status"`
	Uptime           string  `json:"uptime"`
	SchedulerRunning bool    `json:"scheduler_running"`
	LastCycleAt      string  `json:"last_cycle_at,omitempty"`
	LastCycleOutcome string  `json:"last_cycle_outcome,omitempty"`
	LimiterUsage     string  `json:"limiter_usage"`
	BreakerState     string  `json:"breaker_state"`
	ActiveWatchlists int     `json:"active_watchlists"`
	StoreKind        string  `json:"store_kind"`
	StoreOK          bool    `json:"store_ok"`
	StoreLatencyMs   float64 `json:"store_latency_ms"`
	LastCheckAt      string  `json:"last_check_at,omitempty"`
}

// ServeHTTP handles the /healthz endpoint: 200 when the scheduler runs and
// the store answers, 503 otherwise.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	h.mu.RLock()
	rep := healthReport{
		Status:           "healthy",
		Uptime:           h.now().Sub(h.StartedAt).Round(time.Second).String(),
		SchedulerRunning: h.SchedulerRunning,
		LastCycleOutcome: h.LastCycleOutcome,
		LimiterUsage:     h.LimiterUsage,
		BreakerState:     h.BreakerState,
		ActiveWatchlists: h.ActiveWatchlists,
		StoreKind:        h.StoreKind,
		StoreOK:          h.StoreOK,
		StoreLatencyMs:   h.StoreLatencyMs,
	}
	if !h.LastCycleAt.IsZero() {
		rep.LastCycleAt = h.LastCycleAt.Format(time.RFC3339)
	}
	if !h.LastCheckAt.IsZero() {
		rep.LastCheckAt = h.LastCheckAt.Format(time.RFC3339)
	}
	h.mu.RUnlock()

	code := http.StatusOK
	switch {
	case !rep.StoreOK:
		rep.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	case !rep.SchedulerRunning || rep.BreakerState == "open":
		rep.Status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(rep)
}
