package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPrometheusMetricsScrape(t *testing.T) {
	m := NewPrometheusMetrics("valois")

	m.SetChainHeight(120)
	m.SetFinalizedHeight(118)
	m.IncBlocksProcessed("peer")
	m.IncBlocksProcessed("local")
	m.IncBlocksReverted()
	m.IncForksResolved(ForkOutcomeSwitched)
	m.ObserveBlockApply(12 * time.Millisecond)
	m.SetPoolSize(42)
	m.IncTxsAccepted()
	m.IncTxsRejected("nonce_gap")
	m.IncSyncRounds("block_sync")
	m.IncSyncBlocksApplied(100)
	m.ObserveSyncDuration(3 * time.Second)
	m.IncForgeAttempts(ForgeResultForged)
	m.SetPeersTotal("outbound", 8)
	m.IncPeerPenalties("malformed")
	m.IncMessagesReceived("blocks")
	m.IncMessagesSent("transactions")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)

	text := string(body)
	require.Contains(t, text, "valois_chain_height 120")
	require.Contains(t, text, "valois_finalized_height 118")
	require.Contains(t, text, `valois_blocks_processed_total{origin="peer"} 1`)
	require.Contains(t, text, `valois_forks_resolved_total{outcome="switched"} 1`)
	require.Contains(t, text, "valois_pool_size 42")
	require.Contains(t, text, `valois_sync_rounds_total{mechanism="block_sync"} 1`)
	require.Contains(t, text, "valois_sync_blocks_applied_total 100")
	require.Contains(t, text, `valois_forge_attempts_total{result="forged"} 1`)
	require.Contains(t, text, `valois_peers_total{direction="outbound"} 8`)
}

func TestNopMetricsHandler(t *testing.T) {
	m := NewNopMetrics()
	require.Nil(t, m.Handler())

	// Observations must be safe to call.
	m.SetChainHeight(1)
	m.IncBlocksProcessed("peer")
	m.ObserveSyncDuration(time.Second)
}
