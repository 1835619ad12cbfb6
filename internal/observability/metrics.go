// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Transaction metrics
	TransactionsTotal  *prometheus.CounterVec
	TransactionLatency *prometheus.HistogramVec
	GasEstimated       *prometheus.HistogramVec
	NonceResyncs       *prometheus.CounterVec

	// Chain RPC metrics
	RPCCallLatency *prometheus.HistogramVec

	// Metadata metrics
	MetadataFetches      *prometheus.CounterVec
	MetadataFetchLatency prometheus.Histogram

	// Reveal metrics
	RevealTiers    *prometheus.CounterVec
	SequencerState prometheus.Gauge
	ItemsCommitted prometheus.Counter

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "gacha_exchange"
	}

	return &Metrics{
		TransactionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "txn",
			Name:      "transactions_total",
			Help:      "Total number of submitted operations by kind and outcome",
		}, []string{"operation", "status"}),
		TransactionLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "txn",
			Name:      "latency_seconds",
			Help:      "Time from fee resolution to confirmed receipt",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 15, 30, 60, 120},
		}, []string{"operation"}),
		GasEstimated: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "txn",
			Name:      "gas_estimated",
			Help:      "Gas estimates before margin, by operation",
			Buckets:   prometheus.ExponentialBuckets(21000, 2, 8),
		}, []string{"operation"}),
		NonceResyncs: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "nonce",
			Name:      "resyncs_total",
			Help:      "Nonce resynchronizations by outcome",
		}, []string{"status"}),

		RPCCallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "rpc_call_latency_seconds",
			Help:      "Chain RPC call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),

		MetadataFetches: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "metadata",
			Name:      "fetches_total",
			Help:      "Descriptor lookups by outcome (hit, miss, error)",
		}, []string{"outcome"}),
		MetadataFetchLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "metadata",
			Name:      "fetch_latency_seconds",
			Help:      "Gateway fetch latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		RevealTiers: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reveal",
			Name:      "tiers_total",
			Help:      "Reveal sequences started by tier",
		}, []string{"tier"}),
		SequencerState: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reveal",
			Name:      "sequencer_state",
			Help:      "Current sequencer state (0 idle, 1 submitting, 2 awaiting reveal, 3 revealed)",
		}),
		ItemsCommitted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reveal",
			Name:      "items_committed_total",
			Help:      "Items released into collection state after reveal",
		}),

		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordTransaction records the outcome and latency of one orchestrated operation.
func RecordTransaction(operation, status string, seconds float64) {
	DefaultMetrics.TransactionsTotal.WithLabelValues(operation, status).Inc()
	DefaultMetrics.TransactionLatency.WithLabelValues(operation).Observe(seconds)
}

// RecordGasEstimate records a raw gas estimate.
func RecordGasEstimate(operation string, gas uint64) {
	DefaultMetrics.GasEstimated.WithLabelValues(operation).Observe(float64(gas))
}

// RecordNonceResync records a nonce resynchronization.
func RecordNonceResync(err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	DefaultMetrics.NonceResyncs.WithLabelValues(status).Inc()
}

// RecordRPCLatency records chain RPC call latency.
func RecordRPCLatency(method string, seconds float64) {
	DefaultMetrics.RPCCallLatency.WithLabelValues(method).Observe(seconds)
}

// RecordMetadataLookup records a descriptor lookup outcome: hit, miss or error.
func RecordMetadataLookup(outcome string) {
	DefaultMetrics.MetadataFetches.WithLabelValues(outcome).Inc()
}

// RecordMetadataFetch records gateway fetch latency.
func RecordMetadataFetch(seconds float64) {
	DefaultMetrics.MetadataFetchLatency.Observe(seconds)
}

// RecordRevealTier increments the counter for the selected tier.
func RecordRevealTier(tier string) {
	DefaultMetrics.RevealTiers.WithLabelValues(tier).Inc()
}

// SetSequencerState updates the sequencer state gauge.
func SetSequencerState(state int) {
	DefaultMetrics.SequencerState.Set(float64(state))
}

// RecordItemsCommitted adds n committed items.
func RecordItemsCommitted(n int) {
	DefaultMetrics.ItemsCommitted.Add(float64(n))
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}
