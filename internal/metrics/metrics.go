// Package metrics holds the Prometheus collectors of the sync engine and the
// HTTP server exposing /metrics and /healthz.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "navsync"

// Metrics holds all Prometheus metrics for the sync engine.
type Metrics struct {
	// Scheduler cycles
	CyclesTotal   *prometheus.CounterVec // labels: outcome=ran|market_closed
	CycleDuration prometheus.Histogram
	UniverseSize  prometheus.Gauge
	BatchesTotal  *prometheus.CounterVec // labels: outcome=ok|failed|deferred|truncated

	// Provider traffic
	ProviderCalls    *prometheus.CounterVec // labels: pool, outcome=ok|error|empty
	RateLimitDenials *prometheus.CounterVec // labels: pool
	LimiterInUse     *prometheus.GaugeVec   // labels: pool

	// Writes
	WatchlistWrites prometheus.Counter
	SnapshotsTotal  prometheus.Counter

	// Event bus
	EventsTotal      *prometheus.CounterVec // labels: source
	ListenerFailures prometheus.Counter
	MirrorBuffered   prometheus.Counter

	// Circuit breaker
	BreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	BreakerTrips prometheus.Counter

	// Registry
	ActiveWatchlists prometheus.Gauge
	ManualQueueLen   prometheus.Gauge
	Evictions        prometheus.Counter

	SelfCheckViolations prometheus.Counter
	SessionOpen         prometheus.Gauge // 1 inside the sync window
	GatewayClients      prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg means
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Scheduler cycles by outcome",
		}, []string{"outcome"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Time from cycle start to completion step",
			Buckets:   []float64{1, 5, 15, 30, 60, 90, 120, 180, 240},
		}),
		UniverseSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "universe_symbols",
			Help:      "Distinct symbols across active watchlists at cycle start",
		}),
		BatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Fetch batches by outcome",
		}, []string{"outcome"}),

		ProviderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Quote provider calls by rate-limit pool and outcome",
		}, []string{"pool", "outcome"}),
		RateLimitDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_denials_total",
			Help:      "Requests refused by the rate limiter",
		}, []string{"pool"}),
		LimiterInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rate_limit_in_use",
			Help:      "Calls counted in the trailing 60s window",
		}, []string{"pool"}),

		WatchlistWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watchlist_writes_total",
			Help:      "Watchlist documents written after a price merge",
		}),
		SnapshotsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nav_snapshots_total",
			Help:      "NAV snapshots persisted",
		}),

		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nav_events_total",
			Help:      "NAV events emitted on the bus",
		}, []string{"source"}),
		ListenerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_failures_total",
			Help:      "Bus listener invocations that errored or panicked",
		}),
		MirrorBuffered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_buffered_total",
			Help:      "NAV events buffered because Redis publish failed",
		}),

		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_breaker_state",
			Help:      "Provider circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		BreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_breaker_trips_total",
			Help:      "Times the provider circuit breaker tripped open",
		}),

		ActiveWatchlists: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_watchlists",
			Help:      "Watchlists in the active set",
		}),
		ManualQueueLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "manual_queue_length",
			Help:      "Queued manual updates",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "active_set_evictions_total",
			Help:      "Watchlists evicted from the active set by capacity",
		}),

		SelfCheckViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "self_check_violations_total",
			Help:      "Inconsistent scheduler constants found at startup",
		}),
		SessionOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_window_open",
			Help:      "1 while the exchange sync window is open",
		}),
		GatewayClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gateway_clients",
			Help:      "Connected WebSocket clients",
		}),
	}

	reg.MustRegister(
		m.CyclesTotal,
		m.CycleDuration,
		m.UniverseSize,
		m.BatchesTotal,
		m.ProviderCalls,
		m.RateLimitDenials,
		m.LimiterInUse,
		m.WatchlistWrites,
		m.SnapshotsTotal,
		m.EventsTotal,
		m.ListenerFailures,
		m.MirrorBuffered,
		m.BreakerState,
		m.BreakerTrips,
		m.ActiveWatchlists,
		m.ManualQueueLen,
		m.Evictions,
		m.SelfCheckViolations,
		m.SessionOpen,
		m.GatewayClients,
	)
	return m
}
