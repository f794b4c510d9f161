package p2p

import (
	"testing"

	"github.com/blockberries/glueberry/pkg/streams"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/Demosthene27/valois-sdk/types"
)

func TestStreamRegistryRegisterAndLookup(t *testing.T) {
	reg := NewStreamRegistry()

	cfg := StreamConfig{Name: "test", Encrypted: true, Owner: "tester"}
	require.NoError(t, reg.Register(cfg))
	require.True(t, reg.Has("test"))
	require.Equal(t, 1, reg.Count())

	got := reg.Get("test")
	require.NotNil(t, got)
	require.Equal(t, "tester", got.Owner)

	require.ErrorIs(t, reg.Register(cfg), ErrStreamAlreadyRegistered)
	require.ErrorIs(t, reg.Register(StreamConfig{}), ErrInvalidStreamConfig)
}

func TestStreamRegistryUnregister(t *testing.T) {
	reg := NewStreamRegistry()
	require.NoError(t, reg.Register(StreamConfig{Name: "test"}))

	// A stream with a live handler cannot be removed.
	require.NoError(t, reg.RegisterHandler("test", func(peer.ID, []byte) error { return nil }))
	require.ErrorIs(t, reg.Unregister("test"), ErrStreamInUse)

	require.NoError(t, reg.RegisterHandler("test", nil))
	require.NoError(t, reg.Unregister("test"))
	require.False(t, reg.Has("test"))

	require.ErrorIs(t, reg.Unregister("missing"), ErrStreamNotFound)
}

func TestStreamRegistryByOwner(t *testing.T) {
	reg := NewStreamRegistry()
	require.NoError(t, reg.Register(StreamConfig{Name: "a", Owner: "x"}))
	require.NoError(t, reg.Register(StreamConfig{Name: "b", Owner: "x"}))
	require.NoError(t, reg.Register(StreamConfig{Name: "c", Owner: "y"}))

	require.Len(t, reg.ByOwner("x"), 2)

	require.Equal(t, 2, reg.UnregisterByOwner("x"))
	require.Equal(t, 1, reg.Count())
	require.True(t, reg.Has("c"))
}

func TestRegisterBuiltinStreams(t *testing.T) {
	reg := NewStreamRegistry()
	require.NoError(t, RegisterBuiltinStreams(reg))

	for _, name := range AllStreams() {
		cfg := reg.Get(name)
		require.NotNil(t, cfg, "stream %s", name)
		require.True(t, cfg.Encrypted, "stream %s", name)
	}
}

func TestStreamAdapterRouting(t *testing.T) {
	reg := NewStreamRegistry()
	adapter := NewStreamAdapter(reg)
	require.NoError(t, adapter.RegisterStream(StreamConfig{Name: "test", Encrypted: true}))

	msg := streams.IncomingMessage{PeerID: "peer-1", StreamName: "test", Data: []byte("hello")}
	require.ErrorIs(t, adapter.RouteMessage(msg), ErrStreamHandlerNotSet)

	msg.StreamName = "missing"
	require.ErrorIs(t, adapter.RouteMessage(msg), ErrStreamNotFound)

	var gotPeer peer.ID
	var gotData []byte
	require.NoError(t, adapter.SetHandler("test", func(p peer.ID, data []byte) error {
		gotPeer = p
		gotData = data
		return nil
	}))

	msg.StreamName = "test"
	require.NoError(t, adapter.RouteMessage(msg))
	require.Equal(t, peer.ID("peer-1"), gotPeer)
	require.Equal(t, []byte("hello"), gotData)

	require.ElementsMatch(t, []string{"test"}, adapter.EncryptedStreamNames())
}

func TestStreamRouterEnforcesLimits(t *testing.T) {
	reg := NewStreamRegistry()
	adapter := NewStreamAdapter(reg)
	require.NoError(t, adapter.RegisterStream(StreamConfig{Name: "test", MaxMessageSize: 8}))

	calls := 0
	require.NoError(t, adapter.SetHandler("test", func(peer.ID, []byte) error {
		calls++
		return nil
	}))

	rl := NewRateLimiter(RateLimiterConfig{Limits: RateLimits{
		MessagesPerSecond: map[string]float64{"test": 0.001},
		BurstSize:         2,
	}})
	defer rl.Stop()
	router := NewStreamRouter(adapter, rl)

	require.NoError(t, router.RouteWithPeer("peer-1", "test", []byte("ok")))

	err := router.RouteWithPeer("peer-1", "test", []byte("way too large"))
	require.ErrorIs(t, err, types.ErrMessageTooLarge)
	require.Equal(t, 1, calls)

	// Second message drains the burst, the third is throttled.
	require.NoError(t, router.RouteWithPeer("peer-1", "test", []byte("ok")))
	err = router.RouteWithPeer("peer-1", "test", []byte("ok"))
	require.ErrorContains(t, err, "rate limit")
	require.Equal(t, 2, calls)
}
