package kv

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Demosthene27/valois-sdk/types"
)

func testKey(t *testing.T, seed byte) ed25519.PrivateKey {
	t.Helper()
	seedBytes := make([]byte, ed25519.SeedSize)
	for i := range seedBytes {
		seedBytes[i] = seed + byte(i)
	}
	return ed25519.NewKeyFromSeed(seedBytes)
}

func testTransaction(t *testing.T, key ed25519.PrivateKey, nonce uint64) *types.Transaction {
	t.Helper()
	tx := &types.Transaction{
		ModuleID:        2,
		AssetID:         0,
		Nonce:           nonce,
		Fee:             200000,
		SenderPublicKey: key.Public().(ed25519.PublicKey),
		Asset:           []byte{0x01, 0x02},
	}
	require.NoError(t, tx.Sign(key))
	require.NoError(t, tx.Init())
	return tx
}

func testBlock(t *testing.T, height types.Height, payload []*types.Transaction) *types.Block {
	t.Helper()
	priv := testKey(t, 7)
	block := &types.Block{
		Header: types.BlockHeader{
			Version:            types.CurrentBlockVersion,
			Height:             height,
			Timestamp:          uint32(1000 + height*10),
			PreviousBlockID:    types.EmptyHash(),
			GeneratorPublicKey: priv.Public().(ed25519.PublicKey),
			TransactionRoot:    types.EmptyHash(),
		},
		Payload: payload,
	}
	require.NoError(t, block.Header.Sign(priv))
	return block
}

func newTestIndexer(t *testing.T) *Indexer {
	t.Helper()
	idx, err := NewIndexer(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestIndexAndGet(t *testing.T) {
	idx := newTestIndexer(t)
	key := testKey(t, 11)

	tx1 := testTransaction(t, key, 0)
	tx2 := testTransaction(t, key, 1)
	block := testBlock(t, 5, []*types.Transaction{tx1, tx2})

	require.NoError(t, idx.IndexBlock(block))

	entry, err := idx.Get(tx2.ID())
	require.NoError(t, err)
	require.Equal(t, types.Height(5), entry.Height)
	require.Equal(t, 1, entry.Index)
	require.Equal(t, block.Header.ID(), entry.BlockID)
	require.Equal(t, tx2.SenderAddress(), entry.Sender)

	require.True(t, idx.Has(tx1.ID()))
	require.False(t, idx.Has(types.Hash{0xde, 0xad}))
}

func TestGetMissing(t *testing.T) {
	idx := newTestIndexer(t)

	_, err := idx.Get(types.Hash{0x01})
	require.ErrorIs(t, err, types.ErrTxNotFound)

	_, err = idx.Get(nil)
	require.ErrorIs(t, err, types.ErrTxNotFound)
}

func TestByHeight(t *testing.T) {
	idx := newTestIndexer(t)
	key := testKey(t, 11)

	tx1 := testTransaction(t, key, 0)
	tx2 := testTransaction(t, key, 1)
	require.NoError(t, idx.IndexBlock(testBlock(t, 3, []*types.Transaction{tx1, tx2})))
	require.NoError(t, idx.IndexBlock(testBlock(t, 4, []*types.Transaction{testTransaction(t, key, 2)})))

	ids, err := idx.ByHeight(3)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	ids, err = idx.ByHeight(9)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestBySenderOrderedAndLimited(t *testing.T) {
	idx := newTestIndexer(t)
	alice := testKey(t, 11)
	bob := testKey(t, 42)

	require.NoError(t, idx.IndexBlock(testBlock(t, 1, []*types.Transaction{
		testTransaction(t, alice, 0),
		testTransaction(t, bob, 0),
	})))
	require.NoError(t, idx.IndexBlock(testBlock(t, 2, []*types.Transaction{
		testTransaction(t, alice, 1),
	})))

	entries, err := idx.BySender(testTransaction(t, alice, 0).SenderAddress(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, types.Height(1), entries[0].Height)
	require.Equal(t, types.Height(2), entries[1].Height)

	entries, err = idx.BySender(testTransaction(t, bob, 0).SenderAddress(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	entries, err = idx.BySender(testTransaction(t, alice, 0).SenderAddress(), 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, types.Height(1), entries[0].Height)
}

func TestDeleteBlockUnindexes(t *testing.T) {
	idx := newTestIndexer(t)
	key := testKey(t, 11)

	tx := testTransaction(t, key, 0)
	block := testBlock(t, 8, []*types.Transaction{tx})

	require.NoError(t, idx.IndexBlock(block))
	require.True(t, idx.Has(tx.ID()))

	require.NoError(t, idx.DeleteBlock(block))
	require.False(t, idx.Has(tx.ID()))

	ids, err := idx.ByHeight(8)
	require.NoError(t, err)
	require.Empty(t, ids)

	entries, err := idx.BySender(tx.SenderAddress(), 0)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestClosedIndexer(t *testing.T) {
	idx, err := NewIndexer(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, idx.Close())
	require.NoError(t, idx.Close())

	key := testKey(t, 11)
	block := testBlock(t, 1, []*types.Transaction{testTransaction(t, key, 0)})
	require.Error(t, idx.IndexBlock(block))

	_, err = idx.Get(types.Hash{0x01})
	require.Error(t, err)
	require.False(t, idx.Has(types.Hash{0x01}))
}
