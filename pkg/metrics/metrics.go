// Package metrics exposes ledger and RPC metrics to prometheus.
package metrics

import (
	"math/big"
	"net/http"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stakingd"

// Metrics holds the collectors on a private registry. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	registry *prometheus.Registry

	ops         *prometheus.CounterVec
	staked      prometheus.Gauge
	rewards     prometheus.Gauge
	rpcRequests *prometheus.CounterVec
	rpcDuration *prometheus.HistogramVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger operations by name and outcome.",
		}, []string{"op", "outcome"}),
		staked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "staked_funds",
			Help:      "Sum of all staked amounts, in base units.",
		}),
		rewards: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "rewards_funds",
			Help:      "Reward pool balance, in base units.",
		}),
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "JSON-RPC requests by method and status.",
		}, []string{"method", "status"}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "duration_seconds",
			Help:      "JSON-RPC request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}

	m.registry.MustRegister(
		m.ops, m.staked, m.rewards, m.rpcRequests, m.rpcDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveOp counts one ledger operation.
func (m *Metrics) ObserveOp(op, outcome string) {
	if m == nil {
		return
	}
	m.ops.WithLabelValues(op, outcome).Inc()
}

// SetTotals records the fund totals.
func (m *Metrics) SetTotals(staked, rewards *uint256.Int) {
	if m == nil {
		return
	}
	m.staked.Set(toFloat(staked))
	m.rewards.Set(toFloat(rewards))
}

// ObserveRPC records one JSON-RPC call.
func (m *Metrics) ObserveRPC(method string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.rpcRequests.WithLabelValues(method, status).Inc()
	m.rpcDuration.WithLabelValues(method).Observe(d.Seconds())
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func toFloat(x *uint256.Int) float64 {
	if x == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(x.ToBig()).Float64()
	return f
}
