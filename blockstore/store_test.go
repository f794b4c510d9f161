package blockstore

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Demosthene27/valois-sdk/types"
)

func testKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i + 7)
	}
	return ed25519.NewKeyFromSeed(seed)
}

func testBlock(t *testing.T, height types.Height, prev types.Hash) *types.Block {
	t.Helper()
	priv := testKey(t)
	block := &types.Block{
		Header: types.BlockHeader{
			Version:            types.CurrentBlockVersion,
			Height:             height,
			Timestamp:          uint32(1000 + height*10),
			PreviousBlockID:    prev,
			GeneratorPublicKey: priv.Public().(ed25519.PublicKey),
			TransactionRoot:    types.EmptyHash(),
		},
	}
	require.NoError(t, block.Header.Sign(priv))
	return block
}

// testChain builds n linked blocks starting at genesis height 0.
func testChain(t *testing.T, n int) []*types.Block {
	t.Helper()
	blocks := make([]*types.Block, 0, n)
	prev := types.EmptyHash()
	for i := 0; i < n; i++ {
		block := testBlock(t, types.Height(i), prev)
		prev = block.Header.ID()
		blocks = append(blocks, block)
	}
	return blocks
}

func openBackends(t *testing.T) map[string]Store {
	t.Helper()

	ldb, err := NewLevelDBStore(t.TempDir(), 10)
	require.NoError(t, err)
	t.Cleanup(func() { ldb.Close() })

	bdb, err := NewBadgerDBStore(t.TempDir(), 10)
	require.NoError(t, err)
	t.Cleanup(func() { bdb.Close() })

	return map[string]Store{
		"memory":   NewMemoryStore(10),
		"leveldb":  ldb,
		"badgerdb": bdb,
	}
}

func TestSaveAndLoadBlock(t *testing.T) {
	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			chain := testChain(t, 3)
			for _, block := range chain {
				require.NoError(t, store.SaveBlock(block))
			}

			byHeight, err := store.GetBlockByHeight(1)
			require.NoError(t, err)
			assert.True(t, chain[1].Header.ID().Equal(byHeight.Header.ID()))

			byID, err := store.GetBlockByID(chain[2].Header.ID())
			require.NoError(t, err)
			assert.Equal(t, types.Height(2), byID.Header.Height)

			assert.True(t, store.HasBlock(chain[0].Header.ID()))
			assert.True(t, store.HasHeight(2))
			assert.False(t, store.HasHeight(3))

			assert.Equal(t, types.Height(2), store.TipHeight())
			assert.Equal(t, types.Height(0), store.Base())

			tip, err := store.Tip()
			require.NoError(t, err)
			assert.True(t, chain[2].Header.ID().Equal(tip.Header.ID()))
		})
	}
}

func TestSaveBlockDuplicate(t *testing.T) {
	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			block := testBlock(t, 0, types.EmptyHash())
			require.NoError(t, store.SaveBlock(block))
			require.ErrorIs(t, store.SaveBlock(block), ErrBlockExists)
		})
	}
}

func TestLoadMissingBlock(t *testing.T) {
	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.GetBlockByHeight(99)
			require.ErrorIs(t, err, types.ErrBlockNotFound)

			_, err = store.GetBlockByID(types.HashBytes([]byte("missing")))
			require.ErrorIs(t, err, types.ErrBlockNotFound)

			_, err = store.Tip()
			require.ErrorIs(t, err, ErrEmptyStore)
		})
	}
}

func TestGetBlocksFromHeight(t *testing.T) {
	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			chain := testChain(t, 5)
			for _, block := range chain {
				require.NoError(t, store.SaveBlock(block))
			}

			blocks, err := store.GetBlocksFromHeight(1, 3)
			require.NoError(t, err)
			require.Len(t, blocks, 3)
			assert.Equal(t, types.Height(1), blocks[0].Header.Height)
			assert.Equal(t, types.Height(3), blocks[2].Header.Height)

			// Limit beyond the tip stops at the last stored block
			blocks, err = store.GetBlocksFromHeight(3, 10)
			require.NoError(t, err)
			require.Len(t, blocks, 2)

			blocks, err = store.GetBlocksFromHeight(10, 5)
			require.NoError(t, err)
			assert.Empty(t, blocks)
		})
	}
}

func TestDeleteTip(t *testing.T) {
	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			chain := testChain(t, 3)
			for _, block := range chain {
				require.NoError(t, store.SaveBlock(block))
			}

			removed, err := store.DeleteTip()
			require.NoError(t, err)
			assert.Equal(t, types.Height(2), removed.Header.Height)

			assert.Equal(t, types.Height(1), store.TipHeight())
			assert.False(t, store.HasHeight(2))
			assert.False(t, store.HasBlock(chain[2].Header.ID()))

			tip, err := store.Tip()
			require.NoError(t, err)
			assert.True(t, chain[1].Header.ID().Equal(tip.Header.ID()))
		})
	}
}

func TestDeleteTipGenesis(t *testing.T) {
	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.SaveBlock(testChain(t, 1)[0]))

			_, err := store.DeleteTip()
			require.ErrorIs(t, err, ErrDeleteGenesis)
		})
	}
}

func TestTempRegion(t *testing.T) {
	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			chain := testChain(t, 4)

			// Insert out of order; retrieval is height ordered
			require.NoError(t, store.SaveTempBlock(chain[2]))
			require.NoError(t, store.SaveTempBlock(chain[1]))
			require.NoError(t, store.SaveTempBlock(chain[3]))

			blocks, err := store.GetTempBlocks()
			require.NoError(t, err)
			require.Len(t, blocks, 3)
			assert.Equal(t, types.Height(1), blocks[0].Header.Height)
			assert.Equal(t, types.Height(3), blocks[2].Header.Height)

			require.NoError(t, store.ClearTempBlocks())
			blocks, err = store.GetTempBlocks()
			require.NoError(t, err)
			assert.Empty(t, blocks)
		})
	}
}

func TestTempRegionBound(t *testing.T) {
	store := NewMemoryStore(2)
	chain := testChain(t, 4)

	require.NoError(t, store.SaveTempBlock(chain[0]))
	require.NoError(t, store.SaveTempBlock(chain[1]))
	require.ErrorIs(t, store.SaveTempBlock(chain[2]), ErrTempRegionFull)

	// Overwriting an existing height does not count against the bound
	require.NoError(t, store.SaveTempBlock(chain[1]))
}

func TestLevelDBReopenRestoresMetadata(t *testing.T) {
	dir := t.TempDir()

	store, err := NewLevelDBStore(dir, 10)
	require.NoError(t, err)

	chain := testChain(t, 3)
	for _, block := range chain {
		require.NoError(t, store.SaveBlock(block))
	}
	require.NoError(t, store.SaveTempBlock(chain[1]))
	require.NoError(t, store.Close())

	reopened, err := NewLevelDBStore(dir, 10)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, types.Height(2), reopened.TipHeight())
	assert.Equal(t, types.Height(0), reopened.Base())

	tip, err := reopened.Tip()
	require.NoError(t, err)
	assert.True(t, chain[2].Header.ID().Equal(tip.Header.ID()))

	temps, err := reopened.GetTempBlocks()
	require.NoError(t, err)
	require.Len(t, temps, 1)
}

func TestNewFactory(t *testing.T) {
	store, err := New(Config{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	store, err = New(Config{Backend: "leveldb", Path: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &LevelDBStore{}, store)
	require.NoError(t, store.Close())

	_, err = New(Config{Backend: "bogus"})
	require.Error(t, err)
}
