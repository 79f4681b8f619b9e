// Package metrics exposes ticketchain's Prometheus collectors. Every
// method is safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ticketchain/chain"
)

const namespace = "ticketchain"

// Metrics owns a private registry so tests and multiple services in
// one process do not collide on the global one.
type Metrics struct {
	registry *prometheus.Registry

	blocksMined          prometheus.Counter
	transactionsMined    prometheus.Counter
	miningDuration       prometheus.Histogram
	miningAttempts       prometheus.Histogram
	chainHeight          prometheus.Gauge
	chainValid           prometheus.Gauge
	transactionsRecorded *prometheus.CounterVec
	tokenChecks          *prometheus.CounterVec
	historyLookups       *prometheus.CounterVec
	snapshotsPublished   prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		blocksMined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_mined_total",
			Help:      "Blocks mined and appended to the ledger.",
		}),
		transactionsMined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_mined_total",
			Help:      "Ticket transactions included in mined blocks.",
		}),
		miningDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mining_duration_seconds",
			Help:      "Wall time of the proof-of-work search per block.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		miningAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mining_attempts",
			Help:      "Hashes computed before a block met the difficulty.",
			Buckets:   prometheus.ExponentialBuckets(16, 4, 12),
		}),
		chainHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chain_height",
			Help:      "Index of the ledger head block.",
		}),
		chainValid: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chain_valid",
			Help:      "1 if the last integrity check passed, 0 otherwise.",
		}),
		transactionsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_recorded_total",
			Help:      "Signed ticket transactions added to the pending pool.",
		}, []string{"action"}),
		tokenChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_checks_total",
			Help:      "Dynamic ticket token verifications by outcome.",
		}, []string{"result"}),
		historyLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_lookups_total",
			Help:      "Ticket history lookups by the source that answered.",
		}, []string{"source"}),
		snapshotsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_published_total",
			Help:      "Ledger snapshots published to the archive.",
		}),
	}
	m.registry.MustRegister(
		m.blocksMined,
		m.transactionsMined,
		m.miningDuration,
		m.miningAttempts,
		m.chainHeight,
		m.chainValid,
		m.transactionsRecorded,
		m.tokenChecks,
		m.historyLookups,
		m.snapshotsPublished,
		prometheus.NewGoCollector(),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveMined implements chain.MineObserver.
func (m *Metrics) ObserveMined(block chain.Block, attempts int64, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.blocksMined.Inc()
	m.transactionsMined.Add(float64(len(block.Transactions)))
	m.miningDuration.Observe(elapsed.Seconds())
	m.miningAttempts.Observe(float64(attempts))
	m.chainHeight.Set(float64(block.Index))
}

func (m *Metrics) ObserveRecorded(action chain.Action) {
	if m == nil {
		return
	}
	m.transactionsRecorded.WithLabelValues(action.String()).Inc()
}

func (m *Metrics) ObserveTokenCheck(result string) {
	if m == nil {
		return
	}
	m.tokenChecks.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveHistory(source string) {
	if m == nil {
		return
	}
	m.historyLookups.WithLabelValues(source).Inc()
}

func (m *Metrics) ObserveSnapshot() {
	if m == nil {
		return
	}
	m.snapshotsPublished.Inc()
}

func (m *Metrics) SetChainValid(valid bool) {
	if m == nil {
		return
	}
	if valid {
		m.chainValid.Set(1)
		return
	}
	m.chainValid.Set(0)
}
