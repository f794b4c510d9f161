package bft

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Demosthene27/valois-sdk/events"
	"github.com/Demosthene27/valois-sdk/state"
	"github.com/Demosthene27/valois-sdk/types"
)

func newTestKV(t *testing.T) *state.IAVLStore {
	t.Helper()
	store, err := state.NewMemoryIAVLStore(100)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testPubKey(b byte) []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = b
	}
	return key
}

func makeHeader(pubKey []byte, height types.Height, previouslyForged, prevoted uint64) *types.BlockHeader {
	return &types.BlockHeader{
		Height:             height,
		GeneratorPublicKey: pubKey,
		Asset: types.BlockAsset{
			MaxHeightPreviouslyForged: previouslyForged,
			MaxHeightPrevoted:         prevoted,
		},
	}
}

func newTestManager(t *testing.T, kv KV, activeValidators int, finalityOffset uint64) *FinalityManager {
	t.Helper()
	manager, err := NewFinalityManager(kv, nil, nil, activeValidators, finalityOffset)
	require.NoError(t, err)
	return manager
}

func TestVerifyBlockHeaderContradiction(t *testing.T) {
	manager := newTestManager(t, newTestKV(t), 3, 3)

	// Claiming to have forged at or above the block's own height.
	err := manager.VerifyBlockHeader(makeHeader(testPubKey(1), 5, 5, 0))
	require.ErrorIs(t, err, types.ErrContradictingHeader)

	err = manager.VerifyBlockHeader(makeHeader(testPubKey(1), 5, 7, 0))
	require.ErrorIs(t, err, types.ErrContradictingHeader)

	require.NoError(t, manager.VerifyBlockHeader(makeHeader(testPubKey(1), 5, 4, 0)))
}

func TestVerifyBlockHeaderMonotonicity(t *testing.T) {
	manager := newTestManager(t, newTestKV(t), 3, 3)
	pubKey := testPubKey(2)

	_, err := manager.ProcessBlockHeader(makeHeader(pubKey, 10, 7, 0))
	require.NoError(t, err)

	// A later header must not regress the declared forging history.
	err = manager.VerifyBlockHeader(makeHeader(pubKey, 11, 6, 0))
	require.ErrorIs(t, err, types.ErrHeaderMonotonicity)

	_, err = manager.ProcessBlockHeader(makeHeader(pubKey, 11, 6, 0))
	require.ErrorIs(t, err, types.ErrHeaderMonotonicity)

	require.NoError(t, manager.VerifyBlockHeader(makeHeader(pubKey, 11, 10, 0)))
}

func TestPreVotedConfirmedHeight(t *testing.T) {
	manager := newTestManager(t, newTestKV(t), 3, 3)

	// With 3 active validators, confirmation needs all 3 (> 2/3).
	_, err := manager.ProcessBlockHeader(makeHeader(testPubKey(1), 10, 0, 7))
	require.NoError(t, err)
	require.Equal(t, types.Height(0), manager.PreVotedConfirmedHeight())

	_, err = manager.ProcessBlockHeader(makeHeader(testPubKey(2), 11, 0, 6))
	require.NoError(t, err)
	require.Equal(t, types.Height(0), manager.PreVotedConfirmedHeight())

	_, err = manager.ProcessBlockHeader(makeHeader(testPubKey(3), 12, 0, 5))
	require.NoError(t, err)
	require.Equal(t, types.Height(5), manager.PreVotedConfirmedHeight())

	// A higher prevote from one validator lifts the confirmed height only
	// up to what the slowest counted validator asserts.
	_, err = manager.ProcessBlockHeader(makeHeader(testPubKey(3), 13, 12, 9))
	require.NoError(t, err)
	require.Equal(t, types.Height(6), manager.PreVotedConfirmedHeight())
}

// forgeRound drives a 3-validator rotation where every header prevotes the
// previous height. Each header declares the previous-forged height read
// back from the ledger, as the forger does. The prevote-confirmed height
// trails the tip by 3, and with finalityOffset 3 the finalized height
// follows it exactly.
func forgeRound(t *testing.T, manager *FinalityManager, keys [][]byte, from, to uint64) {
	t.Helper()
	for h := from; h <= to; h++ {
		key := keys[(h-1)%3]
		record := manager.Record(types.AddressFromPublicKey(key))
		header := makeHeader(key, types.Height(h), record.MaxHeightPreviouslyForged, h-1)
		_, err := manager.ProcessBlockHeader(header)
		require.NoError(t, err)
	}
}

func TestFinalizedHeightAdvances(t *testing.T) {
	manager := newTestManager(t, newTestKV(t), 3, 3)
	keys := [][]byte{testPubKey(1), testPubKey(2), testPubKey(3)}

	forgeRound(t, manager, keys, 1, 2)
	require.Equal(t, types.Height(0), manager.FinalizedHeight())

	forgeRound(t, manager, keys, 3, 9)
	require.Equal(t, types.Height(6), manager.FinalizedHeight())
	require.Equal(t, types.Height(6), manager.PreVotedConfirmedHeight())
}

func TestFinalizedEventPublished(t *testing.T) {
	bus := events.NewBus()
	require.NoError(t, bus.Start())
	t.Cleanup(func() { _ = bus.Stop() })

	ch, err := bus.Subscribe(context.Background(), "test", events.QueryKind{Kind: events.KindBlockFinalized})
	require.NoError(t, err)

	kv := newTestKV(t)
	manager, err := NewFinalityManager(kv, bus, nil, 3, 3)
	require.NoError(t, err)

	keys := [][]byte{testPubKey(1), testPubKey(2), testPubKey(3)}
	forgeRound(t, manager, keys, 1, 6)

	select {
	case event := <-ch:
		data, ok := event.Data.(events.BlockFinalizedData)
		require.True(t, ok)
		// The first advance comes with block 4 and finalizes height 1.
		require.Equal(t, types.Height(1), data.Height)
	case <-time.After(time.Second):
		t.Fatal("no BlockFinalized event received")
	}
}

func TestPersistenceAcrossRestart(t *testing.T) {
	kv := newTestKV(t)

	manager := newTestManager(t, kv, 3, 3)
	keys := [][]byte{testPubKey(1), testPubKey(2), testPubKey(3)}
	forgeRound(t, manager, keys, 1, 9)

	require.Equal(t, types.Height(6), manager.FinalizedHeight())

	reopened := newTestManager(t, kv, 3, 3)
	require.Equal(t, types.Height(6), reopened.FinalizedHeight())
	require.Equal(t, types.Height(6), reopened.PreVotedConfirmedHeight())

	// Validator 3 forged heights 3, 6 and 9; the ledger records the last.
	record := reopened.Record(types.AddressFromPublicKey(testPubKey(3)))
	require.Equal(t, uint64(9), record.MaxHeightPreviouslyForged)
	require.Equal(t, uint64(8), record.MaxHeightPrevoted)
}

func TestReloadAfterRevert(t *testing.T) {
	kv := newTestKV(t)
	manager := newTestManager(t, kv, 3, 3)

	keys := [][]byte{testPubKey(1), testPubKey(2), testPubKey(3)}

	forgeRound(t, manager, keys, 1, 6)
	_, version, err := kv.Commit()
	require.NoError(t, err)
	require.Equal(t, types.Height(3), manager.FinalizedHeight())

	forgeRound(t, manager, keys, 7, 9)
	_, _, err = kv.Commit()
	require.NoError(t, err)
	require.Equal(t, types.Height(6), manager.FinalizedHeight())

	// Rolling back to the first commit brings the stored finalized height
	// back to 3, below the 6 the manager reached, so Reload refuses it.
	require.NoError(t, kv.Rollback(version))
	err = manager.Reload()
	require.ErrorIs(t, err, types.ErrFinalityViolation)
}

func TestUpdateActiveValidators(t *testing.T) {
	manager := newTestManager(t, newTestKV(t), 3, 3)

	for i, prevoted := range []uint64{7, 6, 5} {
		_, err := manager.ProcessBlockHeader(makeHeader(testPubKey(byte(i+1)), types.Height(10+i), 0, prevoted))
		require.NoError(t, err)
	}
	require.Equal(t, types.Height(5), manager.PreVotedConfirmedHeight())

	// Validator 3 leaves the set; its prevote no longer counts.
	set := &types.ValidatorSet{Validators: []types.Validator{
		{Address: types.AddressFromPublicKey(testPubKey(1))},
		{Address: types.AddressFromPublicKey(testPubKey(2))},
	}}
	require.NoError(t, manager.UpdateActiveValidators(set))
	require.Equal(t, types.Height(0), manager.PreVotedConfirmedHeight())

	record := manager.Record(types.AddressFromPublicKey(testPubKey(3)))
	require.Equal(t, ValidatorRecord{}, record)
}
