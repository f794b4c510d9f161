package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Demosthene27/valois-sdk/types"
)

func newRunningBus(t *testing.T) *Bus {
	t.Helper()
	bus := NewBus()
	require.NoError(t, bus.Start())
	t.Cleanup(func() { _ = bus.Stop() })
	return bus
}

func TestBusLifecycle(t *testing.T) {
	bus := NewBus()
	require.False(t, bus.IsRunning())

	require.NoError(t, bus.Start())
	require.True(t, bus.IsRunning())

	// Start is idempotent
	require.NoError(t, bus.Start())

	require.NoError(t, bus.Stop())
	require.False(t, bus.IsRunning())
}

func TestSubscribeRequiresRunning(t *testing.T) {
	bus := NewBus()
	_, err := bus.Subscribe(context.Background(), "test", QueryAll{})
	require.ErrorIs(t, err, ErrBusNotRunning)
}

func TestPublishDeliversToMatchingSubscriber(t *testing.T) {
	bus := newRunningBus(t)

	ch, err := bus.Subscribe(context.Background(), "processor", QueryKind{Kind: KindNewBlock})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(NewBlock(&types.Block{}, types.OriginPeer)))
	require.NoError(t, bus.Publish(BlockFinalized(42)))

	select {
	case ev := <-ch:
		assert.Equal(t, KindNewBlock, ev.Kind)
		data, ok := ev.Data.(NewBlockData)
		require.True(t, ok)
		assert.Equal(t, types.OriginPeer, data.Origin)
	case <-time.After(time.Second):
		t.Fatal("expected NewBlock event")
	}

	// The BlockFinalized event must not have been delivered
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %s", ev.Kind)
	default:
	}
}

func TestPublishMultipleKinds(t *testing.T) {
	bus := newRunningBus(t)

	query := QueryKinds{Kinds: []Kind{KindDeleteBlock, KindBlockFinalized}}
	ch, err := bus.Subscribe(context.Background(), "feed", query)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(DeleteBlock(&types.Block{})))
	require.NoError(t, bus.Publish(BlockFinalized(7)))
	require.NoError(t, bus.Publish(BroadcastBlock(&types.Block{})))

	require.Equal(t, KindDeleteBlock, (<-ch).Kind)

	ev := <-ch
	require.Equal(t, KindBlockFinalized, ev.Kind)
	data, ok := ev.Data.(BlockFinalizedData)
	require.True(t, ok)
	assert.Equal(t, types.Height(7), data.Height)

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %s", ev.Kind)
	default:
	}
}

func TestDuplicateSubscription(t *testing.T) {
	bus := newRunningBus(t)

	_, err := bus.Subscribe(context.Background(), "dup", QueryAll{})
	require.NoError(t, err)

	_, err = bus.Subscribe(context.Background(), "dup", QueryAll{})
	require.ErrorIs(t, err, ErrSubscriberExists)
}

func TestMaxSubscribers(t *testing.T) {
	cfg := DefaultBusConfig()
	cfg.MaxSubscribers = 1
	bus := NewBusWithConfig(cfg)
	require.NoError(t, bus.Start())
	defer bus.Stop()

	_, err := bus.Subscribe(context.Background(), "first", QueryAll{})
	require.NoError(t, err)

	_, err = bus.Subscribe(context.Background(), "second", QueryAll{})
	require.ErrorIs(t, err, ErrTooManySubscribers)
}

func TestUnsubscribe(t *testing.T) {
	bus := newRunningBus(t)

	ch, err := bus.Subscribe(context.Background(), "sub", QueryAll{})
	require.NoError(t, err)
	require.Equal(t, 1, bus.NumSubscribers())

	require.NoError(t, bus.Unsubscribe("sub", QueryAll{}))
	require.Equal(t, 0, bus.NumSubscribers())

	// Channel is closed after unsubscribe
	_, open := <-ch
	assert.False(t, open)

	require.ErrorIs(t, bus.Unsubscribe("sub", QueryAll{}), ErrSubscriberNotFound)
}

func TestUnsubscribeAll(t *testing.T) {
	bus := newRunningBus(t)

	_, err := bus.Subscribe(context.Background(), "multi", QueryKind{Kind: KindNewBlock})
	require.NoError(t, err)
	_, err = bus.Subscribe(context.Background(), "multi", QueryKind{Kind: KindDeleteBlock})
	require.NoError(t, err)
	_, err = bus.Subscribe(context.Background(), "other", QueryAll{})
	require.NoError(t, err)

	require.NoError(t, bus.UnsubscribeAll("multi"))
	assert.Equal(t, 1, bus.NumSubscribers())
}

func TestSubscribeContextCancellation(t *testing.T) {
	bus := newRunningBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := bus.Subscribe(ctx, "ctx-sub", QueryAll{})
	require.NoError(t, err)

	cancel()

	require.Eventually(t, func() bool {
		return bus.NumSubscribers() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	cfg := DefaultBusConfig()
	cfg.BufferSize = 1
	bus := NewBusWithConfig(cfg)
	require.NoError(t, bus.Start())
	defer bus.Stop()

	ch, err := bus.Subscribe(context.Background(), "slow", QueryAll{})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(BlockFinalized(1)))
	require.NoError(t, bus.Publish(BlockFinalized(2))) // dropped

	ev := <-ch
	assert.Equal(t, types.Height(1), ev.Data.(BlockFinalizedData).Height)

	select {
	case <-ch:
		t.Fatal("second event should have been dropped")
	default:
	}
}

func TestPublishWithTimeout(t *testing.T) {
	cfg := DefaultBusConfig()
	cfg.BufferSize = 1
	bus := NewBusWithConfig(cfg)
	require.NoError(t, bus.Start())
	defer bus.Stop()

	ch, err := bus.Subscribe(context.Background(), "slow", QueryAll{})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, bus.PublishWithTimeout(ctx, BlockFinalized(1), 50*time.Millisecond))

	// Buffer full: second publish times out instead of blocking forever
	start := time.Now()
	require.NoError(t, bus.PublishWithTimeout(ctx, BlockFinalized(2), 50*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	assert.Equal(t, types.Height(1), (<-ch).Data.(BlockFinalizedData).Height)
}

func TestStopClosesSubscriberChannels(t *testing.T) {
	bus := NewBus()
	require.NoError(t, bus.Start())

	ch, err := bus.Subscribe(context.Background(), "sub", QueryAll{})
	require.NoError(t, err)

	require.NoError(t, bus.Stop())

	_, open := <-ch
	assert.False(t, open)

	require.ErrorIs(t, bus.Publish(BlockFinalized(1)), ErrBusNotRunning)
}

func TestEventConstructors(t *testing.T) {
	block := &types.Block{}
	txID := types.HashBytes([]byte("tx"))

	tests := []struct {
		name string
		ev   Event
		kind Kind
	}{
		{"NewBlock", NewBlock(block, types.OriginLocal), KindNewBlock},
		{"DeleteBlock", DeleteBlock(block), KindDeleteBlock},
		{"ValidatorsChanged", ValidatorsChanged(&types.ValidatorSet{}, 3), KindValidatorsChanged},
		{"BlockFinalized", BlockFinalized(10), KindBlockFinalized},
		{"SyncRequired", SyncRequired(block, "peer1"), KindSyncRequired},
		{"BroadcastBlock", BroadcastBlock(block), KindBroadcastBlock},
		{"TransactionRemoved", TransactionRemoved(txID, "expired"), KindTransactionRemoved},
		{"PeerConnected", PeerConnected("peer1", true), KindPeerConnected},
		{"PeerDisconnected", PeerDisconnected("peer1"), KindPeerDisconnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, tt.ev.Kind)
			assert.NotNil(t, tt.ev.Data)
			assert.False(t, tt.ev.Time.IsZero())
		})
	}
}
