// Package metrics exposes Prometheus collectors for rebalance runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rebalance"

var (
	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orders_submitted_total",
		Help:      "Orders accepted by the broker.",
	}, []string{"broker", "side"})

	OrderOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "order_outcomes_total",
		Help:      "Symbols settled per terminal outcome.",
	}, []string{"outcome"})

	SubmissionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "submission_failures_total",
		Help:      "Order submissions that failed before reaching the broker.",
	}, []string{"stage"})

	OrderReprices = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "order_reprices_total",
		Help:      "Limit price modifications.",
	}, []string{"side", "urgent"})

	EffectiveSpread = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "effective_spread_percent",
		Help:      "Effective spread of executed orders in percent.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})

	CommissionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commissions_total",
		Help:      "Commissions paid.",
	})

	WatchPolls = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "watch_polls_total",
		Help:      "Order watch loop iterations.",
	})

	ActiveOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_orders",
		Help:      "Symbols with working orders.",
	})

	IntegrityViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "integrity_violations_total",
		Help:      "Post-run integrity check violations.",
	}, []string{"check"})

	PositionMismatches = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "position_mismatches",
		Help:      "Symbols whose position differs from target after the run.",
	})

	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_total",
		Help:      "Rebalance runs by outcome.",
	}, []string{"outcome"})

	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "run_duration_seconds",
		Help:      "Wall time of a rebalance run.",
		Buckets:   []float64{10, 60, 300, 900, 1800, 3600, 7200, 23400},
	})

	BrokerRequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "broker_request_seconds",
		Help:      "Broker request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"broker", "op", "result"})

	BrokerRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broker_retries_total",
		Help:      "Broker requests retried after throttling.",
	}, []string{"broker"})

	BrokerConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "broker_connected",
		Help:      "1 if the broker session is connected.",
	}, []string{"broker"})
)
