package metrics

import (
	"net/http"
	"time"
)

// NopMetrics discards every observation. Used when [metrics] is disabled.
type NopMetrics struct{}

// NewNopMetrics creates a NopMetrics instance.
func NewNopMetrics() *NopMetrics {
	return &NopMetrics{}
}

func (m *NopMetrics) SetChainHeight(height uint64)       {}
func (m *NopMetrics) SetFinalizedHeight(height uint64)   {}
func (m *NopMetrics) IncBlocksProcessed(origin string)   {}
func (m *NopMetrics) IncBlocksReverted()                 {}
func (m *NopMetrics) IncForksResolved(outcome string)    {}
func (m *NopMetrics) ObserveBlockApply(d time.Duration)  {}
func (m *NopMetrics) SetPoolSize(size int)               {}
func (m *NopMetrics) IncTxsAccepted()                    {}
func (m *NopMetrics) IncTxsRejected(reason string)       {}
func (m *NopMetrics) IncSyncRounds(mechanism string)     {}
func (m *NopMetrics) IncSyncBlocksApplied(count int)     {}
func (m *NopMetrics) ObserveSyncDuration(d time.Duration) {}
func (m *NopMetrics) IncForgeAttempts(result string)     {}
func (m *NopMetrics) SetPeersTotal(direction string, count int) {}
func (m *NopMetrics) IncPeerPenalties(reason string)     {}
func (m *NopMetrics) IncMessagesReceived(stream string)  {}
func (m *NopMetrics) IncMessagesSent(stream string)      {}

// Handler returns nil since there is nothing to serve.
func (m *NopMetrics) Handler() http.Handler {
	return nil
}

var _ Metrics = (*NopMetrics)(nil)
