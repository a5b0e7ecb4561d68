package agent

import (
	"math/big"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the agent's Prometheus collectors
type Metrics struct {
	calls        *prometheus.CounterVec
	spent        *prometheus.CounterVec
	refreshes    *prometheus.CounterVec
	qualityMarks prometheus.Counter
	catalogSize  prometheus.Gauge
	badResources prometheus.Gauge
	callLatency  *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg when it is non-nil
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_calls_total",
				Help: "Resource calls by outcome",
			},
			[]string{"outcome"},
		),
		spent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_spent_atomic_total",
				Help: "Atomic units transferred per asset",
			},
			[]string{"asset"},
		),
		refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_discovery_refreshes_total",
				Help: "Discovery refresh cycles by result",
			},
			[]string{"result"},
		),
		qualityMarks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "x402_quality_marks_total",
			Help: "Resources marked bad",
		}),
		catalogSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "x402_catalog_tools",
			Help: "Tools in the current snapshot",
		}),
		badResources: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "x402_bad_resources",
			Help: "Resources currently excluded by the quality tracker",
		}),
		callLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "x402_call_duration_seconds",
				Help:    "End-to-end duration of resource calls including settlement",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"strategy"},
		),
	}

	if reg != nil {
		reg.MustRegister(m.calls, m.spent, m.refreshes, m.qualityMarks, m.catalogSize, m.badResources, m.callLatency)
	}
	return m
}

func (m *Metrics) addSpend(asset string, amount *big.Int) {
	if amount == nil {
		return
	}
	f, _ := new(big.Float).SetInt(amount).Float64()
	m.spent.WithLabelValues(asset).Add(f)
}
