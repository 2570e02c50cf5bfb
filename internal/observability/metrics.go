package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors for the orchestration core.
type Metrics struct {
	RunsTotal     *prometheus.CounterVec
	TurnsTotal    prometheus.Counter
	TurnDuration  prometheus.Histogram
	ActionsTotal  *prometheus.CounterVec
	TokensTotal   *prometheus.CounterVec
	CostTotal     prometheus.Counter
	PoolInUse     prometheus.Gauge
	PoolCapacity  prometheus.Gauge
	SessionsAlive prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics builds and registers the collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cua",
			Name:      "runs_total",
			Help:      "Completed runs by terminal status.",
		}, []string{"status"}),
		TurnsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cua",
			Name:      "turns_total",
			Help:      "Model turns executed.",
		}),
		TurnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cua",
			Name:      "turn_duration_seconds",
			Help:      "Latency of one model round-trip.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		ActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cua",
			Name:      "actions_total",
			Help:      "Computer actions dispatched by type.",
		}, []string{"type"}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cua",
			Name:      "tokens_total",
			Help:      "Tokens consumed by direction.",
		}, []string{"direction"}),
		CostTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cua",
			Name:      "cost_usd_total",
			Help:      "Accumulated response cost in USD.",
		}),
		PoolInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cua",
			Name:      "pool_in_use",
			Help:      "Computer handles currently leased.",
		}),
		PoolCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cua",
			Name:      "pool_capacity",
			Help:      "Maximum computer handles.",
		}),
		SessionsAlive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cua",
			Name:      "sessions_alive",
			Help:      "Sessions currently tracked.",
		}),
		registry: prometheus.NewRegistry(),
	}
	m.registry.MustRegister(
		m.RunsTotal, m.TurnsTotal, m.TurnDuration, m.ActionsTotal,
		m.TokensTotal, m.CostTotal, m.PoolInUse, m.PoolCapacity, m.SessionsAlive,
	)
	return m
}

// Registry returns the registry backing the /metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
