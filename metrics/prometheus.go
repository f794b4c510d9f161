package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics implements Metrics on a private prometheus registry.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Chain
	chainHeight     prometheus.Gauge
	finalizedHeight prometheus.Gauge
	blocksProcessed *prometheus.CounterVec
	blocksReverted  prometheus.Counter
	forksResolved   *prometheus.CounterVec
	blockApply      prometheus.Histogram

	// Pool
	poolSize    prometheus.Gauge
	txsAccepted prometheus.Counter
	txsRejected *prometheus.CounterVec

	// Sync
	syncRounds        *prometheus.CounterVec
	syncBlocksApplied prometheus.Counter
	syncDuration      prometheus.Histogram

	// Forging
	forgeAttempts *prometheus.CounterVec

	// Peers
	peersTotal    *prometheus.GaugeVec
	peerPenalties *prometheus.CounterVec

	// Transport
	messagesReceived *prometheus.CounterVec
	messagesSent     *prometheus.CounterVec
}

// NewPrometheusMetrics creates a PrometheusMetrics instance under the
// given namespace.
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	m := &PrometheusMetrics{
		registry: registry,

		chainHeight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "chain_height",
				Help:      "Current chain tip height",
			},
		),
		finalizedHeight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "finalized_height",
				Help:      "Highest finalized block height",
			},
		),
		blocksProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blocks_processed_total",
				Help:      "Total number of blocks committed to the chain",
			},
			[]string{"origin"},
		),
		blocksReverted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blocks_reverted_total",
				Help:      "Total number of blocks reverted from the tip",
			},
		),
		forksResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "forks_resolved_total",
				Help:      "Total number of resolved same-height forks",
			},
			[]string{"outcome"},
		),
		blockApply: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "block_apply_seconds",
				Help:      "Time spent validating and applying one block",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
		),

		poolSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_size",
				Help:      "Number of transactions in the pool",
			},
		),
		txsAccepted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "txs_accepted_total",
				Help:      "Total number of transactions accepted into the pool",
			},
		),
		txsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "txs_rejected_total",
				Help:      "Total number of rejected transactions",
			},
			[]string{"reason"},
		),

		syncRounds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_rounds_total",
				Help:      "Total number of sync runs per mechanism",
			},
			[]string{"mechanism"},
		),
		syncBlocksApplied: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_blocks_applied_total",
				Help:      "Total number of blocks applied during sync",
			},
		),
		syncDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sync_duration_seconds",
				Help:      "Wall time of one sync run",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),

		forgeAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "forge_attempts_total",
				Help:      "Total number of slot ticks per forge result",
			},
			[]string{"result"},
		),

		peersTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "peers_total",
				Help:      "Number of connected peers",
			},
			[]string{"direction"},
		),
		peerPenalties: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "peer_penalties_total",
				Help:      "Total number of peer penalty applications",
			},
			[]string{"reason"},
		),

		messagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_received_total",
				Help:      "Total number of messages received per stream",
			},
			[]string{"stream"},
		),
		messagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_sent_total",
				Help:      "Total number of messages sent per stream",
			},
			[]string{"stream"},
		),
	}

	m.registerMetrics()

	return m
}

func (m *PrometheusMetrics) registerMetrics() {
	m.registry.MustRegister(
		m.chainHeight,
		m.finalizedHeight,
		m.blocksProcessed,
		m.blocksReverted,
		m.forksResolved,
		m.blockApply,

		m.poolSize,
		m.txsAccepted,
		m.txsRejected,

		m.syncRounds,
		m.syncBlocksApplied,
		m.syncDuration,

		m.forgeAttempts,

		m.peersTotal,
		m.peerPenalties,

		m.messagesReceived,
		m.messagesSent,
	)
}

// Chain metrics implementation

func (m *PrometheusMetrics) SetChainHeight(height uint64) {
	m.chainHeight.Set(float64(height))
}

func (m *PrometheusMetrics) SetFinalizedHeight(height uint64) {
	m.finalizedHeight.Set(float64(height))
}

func (m *PrometheusMetrics) IncBlocksProcessed(origin string) {
	m.blocksProcessed.WithLabelValues(origin).Inc()
}

func (m *PrometheusMetrics) IncBlocksReverted() {
	m.blocksReverted.Inc()
}

func (m *PrometheusMetrics) IncForksResolved(outcome string) {
	m.forksResolved.WithLabelValues(outcome).Inc()
}

func (m *PrometheusMetrics) ObserveBlockApply(d time.Duration) {
	m.blockApply.Observe(d.Seconds())
}

// Pool metrics implementation

func (m *PrometheusMetrics) SetPoolSize(size int) {
	m.poolSize.Set(float64(size))
}

func (m *PrometheusMetrics) IncTxsAccepted() {
	m.txsAccepted.Inc()
}

func (m *PrometheusMetrics) IncTxsRejected(reason string) {
	m.txsRejected.WithLabelValues(reason).Inc()
}

// Sync metrics implementation

func (m *PrometheusMetrics) IncSyncRounds(mechanism string) {
	m.syncRounds.WithLabelValues(mechanism).Inc()
}

func (m *PrometheusMetrics) IncSyncBlocksApplied(count int) {
	m.syncBlocksApplied.Add(float64(count))
}

func (m *PrometheusMetrics) ObserveSyncDuration(d time.Duration) {
	m.syncDuration.Observe(d.Seconds())
}

// Forging metrics implementation

func (m *PrometheusMetrics) IncForgeAttempts(result string) {
	m.forgeAttempts.WithLabelValues(result).Inc()
}

// Peer metrics implementation

func (m *PrometheusMetrics) SetPeersTotal(direction string, count int) {
	m.peersTotal.WithLabelValues(direction).Set(float64(count))
}

func (m *PrometheusMetrics) IncPeerPenalties(reason string) {
	m.peerPenalties.WithLabelValues(reason).Inc()
}

// Transport metrics implementation

func (m *PrometheusMetrics) IncMessagesReceived(stream string) {
	m.messagesReceived.WithLabelValues(stream).Inc()
}

func (m *PrometheusMetrics) IncMessagesSent(stream string) {
	m.messagesSent.WithLabelValues(stream).Inc()
}

// Handler returns the scrape endpoint handler.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		Registry: m.registry,
	})
}

var _ Metrics = (*PrometheusMetrics)(nil)
