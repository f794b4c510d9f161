// Package metrics defines the node's instrumentation surface. Components
// take the Metrics interface and stay agnostic of whether the prometheus
// or the nop implementation is behind it.
package metrics

import (
	"net/http"
	"time"
)

// Fork resolution outcomes.
const (
	ForkOutcomeKept      = "kept"
	ForkOutcomeSwitched  = "switched"
	ForkOutcomeDiscarded = "discarded"
)

// Forge attempt results.
const (
	ForgeResultForged  = "forged"
	ForgeResultMissed  = "missed"
	ForgeResultSkipped = "skipped"
)

// Metrics collects node-level counters, gauges and histograms.
type Metrics interface {
	// Chain
	SetChainHeight(height uint64)
	SetFinalizedHeight(height uint64)
	IncBlocksProcessed(origin string)
	IncBlocksReverted()
	IncForksResolved(outcome string)
	ObserveBlockApply(d time.Duration)

	// Pool
	SetPoolSize(size int)
	IncTxsAccepted()
	IncTxsRejected(reason string)

	// Sync
	IncSyncRounds(mechanism string)
	IncSyncBlocksApplied(count int)
	ObserveSyncDuration(d time.Duration)

	// Forging
	IncForgeAttempts(result string)

	// Peers
	SetPeersTotal(direction string, count int)
	IncPeerPenalties(reason string)

	// Transport
	IncMessagesReceived(stream string)
	IncMessagesSent(stream string)

	// Handler serves the scrape endpoint. The nop implementation
	// returns nil.
	Handler() http.Handler
}
