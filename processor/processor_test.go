package processor

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/blockberries/cramberry/pkg/cramberry"
	"github.com/stretchr/testify/require"

	"github.com/Demosthene27/valois-sdk/bft"
	"github.com/Demosthene27/valois-sdk/blockstore"
	"github.com/Demosthene27/valois-sdk/consensus"
	"github.com/Demosthene27/valois-sdk/events"
	"github.com/Demosthene27/valois-sdk/modules"
	"github.com/Demosthene27/valois-sdk/state"
	"github.com/Demosthene27/valois-sdk/txpool"
	"github.com/Demosthene27/valois-sdk/types"
)

type staticValidators struct {
	set *types.ValidatorSet
}

func (s *staticValidators) ValidatorSet(modules.StateStore) (*types.ValidatorSet, error) {
	return s.set, nil
}

type procHarness struct {
	proc     *Processor
	blocks   blockstore.Store
	accounts *state.AccountStore
	finality *bft.FinalityManager
	bus      *events.Bus
	vals     *staticValidators

	key       ed25519.PrivateKey
	pub       ed25519.PublicKey
	addr      types.Address
	senderKey ed25519.PrivateKey
}

func testKey(seed byte) ed25519.PrivateKey {
	seedBytes := make([]byte, ed25519.SeedSize)
	for i := range seedBytes {
		seedBytes[i] = seed + byte(i)
	}
	return ed25519.NewKeyFromSeed(seedBytes)
}

func genesisBlock() *types.Block {
	return &types.Block{Header: types.BlockHeader{
		Version:         types.CurrentBlockVersion,
		TransactionRoot: txpool.TransactionRoot(nil),
	}}
}

// newHarness builds a processor over in-memory stores with one validator
// owning every slot and a funded sender account, and applies genesis.
// The clock is pinned to t=1000 so slots up to 100 are in the past.
func newHarness(t *testing.T) *procHarness {
	t.Helper()

	iavl, err := state.NewMemoryIAVLStore(100)
	require.NoError(t, err)
	t.Cleanup(func() { iavl.Close() })
	accounts := state.NewAccountStore(iavl)

	registry := modules.NewRegistry(0)
	require.NoError(t, registry.Register(modules.NewTokenModule(1)))

	slots, err := consensus.NewSlots(10 * time.Second)
	require.NoError(t, err)

	finality, err := bft.NewFinalityManager(iavl, nil, nil, 1, 2)
	require.NoError(t, err)

	bus := events.NewBus()
	require.NoError(t, bus.Start())
	t.Cleanup(func() { _ = bus.Stop() })

	key := testKey(1)
	pub := key.Public().(ed25519.PublicKey)
	addr := types.AddressFromPublicKey(pub)
	vals := &staticValidators{set: &types.ValidatorSet{
		Validators: []types.Validator{{Address: addr}},
	}}

	blocks := blockstore.NewMemoryStore(16)

	proc, err := New(Config{
		Blocks:           blocks,
		Accounts:         accounts,
		Registry:         registry,
		Finality:         finality,
		Slots:            slots,
		Validators:       vals,
		Bus:              bus,
		MaxPayloadLength: 15 * 1024,
		Now:              func() time.Time { return time.Unix(1000, 0) },
	})
	require.NoError(t, err)

	h := &procHarness{
		proc:      proc,
		blocks:    blocks,
		accounts:  accounts,
		finality:  finality,
		bus:       bus,
		vals:      vals,
		key:       key,
		pub:       pub,
		addr:      addr,
		senderKey: testKey(7),
	}

	sender := types.NewAccount(types.AddressFromPublicKey(h.senderKey.Public().(ed25519.PublicKey)))
	sender.Balance = 1_000_000
	require.NoError(t, accounts.SaveAccount(sender))

	require.NoError(t, proc.Init(genesisBlock()))
	return h
}

// forge builds a signed block at the given height. Timestamps place each
// height in its own slot; prevoted feeds the finality bookkeeping.
func (h *procHarness) forge(t *testing.T, height types.Height, prev types.Hash, prevoted uint64, txs ...*types.Transaction) *types.Block {
	t.Helper()
	block := &types.Block{
		Header: types.BlockHeader{
			Version:            types.CurrentBlockVersion,
			Height:             height,
			Timestamp:          uint32(900 + 10*uint64(height)),
			PreviousBlockID:    prev,
			GeneratorPublicKey: h.pub,
			TransactionRoot:    txpool.TransactionRoot(txs),
			Asset: types.BlockAsset{
				MaxHeightPreviouslyForged: uint64(height) - 1,
				MaxHeightPrevoted:         prevoted,
			},
		},
		Payload: txs,
	}
	require.NoError(t, block.Header.Sign(h.key))
	return block
}

func (h *procHarness) tip(t *testing.T) *types.Block {
	t.Helper()
	tip, err := h.blocks.Tip()
	require.NoError(t, err)
	return tip
}

// extend forges and applies count blocks on top of the tip, each declaring
// the previous height as prevoted.
func (h *procHarness) extend(t *testing.T, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		tip := h.tip(t)
		block := h.forge(t, tip.Header.Height+1, tip.Header.ID(), uint64(tip.Header.Height))
		require.NoError(t, h.proc.Process(block, types.OriginLocal, ""))
	}
}

func (h *procHarness) transfer(t *testing.T, nonce uint64, amount uint64, recipient types.Address) *types.Transaction {
	t.Helper()
	asset, err := cramberry.Marshal(&modules.TransferAsset{
		RecipientAddress: recipient,
		Amount:           amount,
	})
	require.NoError(t, err)

	tx := &types.Transaction{
		ModuleID:        modules.TokenModuleID,
		AssetID:         modules.TokenAssetTransfer,
		Nonce:           nonce,
		Fee:             10,
		SenderPublicKey: h.senderKey.Public().(ed25519.PublicKey),
		Asset:           asset,
	}
	require.NoError(t, tx.Sign(h.senderKey))
	return tx
}

func (h *procHarness) subscribe(t *testing.T, kinds ...events.Kind) <-chan events.Event {
	t.Helper()
	ch, err := h.bus.Subscribe(context.Background(), t.Name(), events.QueryKinds{Kinds: kinds})
	require.NoError(t, err)
	return ch
}

func waitEvent(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case event := <-ch:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return events.Event{}
	}
}

func testAddr(b byte) types.Address {
	addr := make(types.Address, types.AddressSize)
	for i := range addr {
		addr[i] = b
	}
	return addr
}

func TestInitGenesis(t *testing.T) {
	h := newHarness(t)

	require.Equal(t, types.Height(0), h.proc.TipHeight())
	require.True(t, h.tip(t).Header.IsGenesis())

	// Re-initializing against the same genesis is a no-op.
	require.NoError(t, h.proc.Init(genesisBlock()))

	other := genesisBlock()
	other.Header.Timestamp = 1
	require.ErrorIs(t, h.proc.Init(other), types.ErrGenesisMismatch)

	require.ErrorIs(t, h.proc.Init(nil), types.ErrNoGenesis)

	tall := genesisBlock()
	tall.Header.Height = 1
	tall.Header.PreviousBlockID = types.EmptyHash()
	require.ErrorIs(t, h.proc.Init(tall), types.ErrInvalidBlock)
}

func TestProcessExtendsChain(t *testing.T) {
	h := newHarness(t)
	applied := h.subscribe(t, events.KindNewBlock)
	broadcast := h.subscribe(t, events.KindBroadcastBlock)

	h.extend(t, 3)
	require.Equal(t, types.Height(3), h.proc.TipHeight())

	for want := types.Height(1); want <= 3; want++ {
		event := waitEvent(t, applied)
		data := event.Data.(events.NewBlockData)
		require.Equal(t, want, data.Block.Header.Height)
		require.Equal(t, types.OriginLocal, data.Origin)
	}
	waitEvent(t, broadcast)
}

func TestProcessValidationFailures(t *testing.T) {
	t.Run("wrong version", func(t *testing.T) {
		h := newHarness(t)
		block := h.forge(t, 1, h.tip(t).Header.ID(), 0)
		block.Header.Version = 9
		require.NoError(t, block.Header.Sign(h.key))
		require.ErrorIs(t, h.proc.Process(block, types.OriginPeer, "p1"), types.ErrInvalidBlock)
	})

	t.Run("tampered signature", func(t *testing.T) {
		h := newHarness(t)
		block := h.forge(t, 1, h.tip(t).Header.ID(), 0)
		block.Header.Timestamp++
		require.ErrorIs(t, h.proc.Process(block, types.OriginPeer, "p1"), types.ErrInvalidSignature)
	})

	t.Run("foreign slot", func(t *testing.T) {
		h := newHarness(t)
		h.vals.set = &types.ValidatorSet{Validators: []types.Validator{
			{Address: testAddr(9)},
			{Address: h.addr},
		}}
		// Height 2 forges at t=920, slot 92, owned by the foreign validator.
		block := h.forge(t, 2, h.tip(t).Header.ID(), 0)
		require.ErrorIs(t, h.proc.Process(block, types.OriginPeer, "p1"), types.ErrNotSlotOwner)
	})

	t.Run("payload too large", func(t *testing.T) {
		h := newHarness(t)
		tx := h.transfer(t, 0, 500, testAddr(2))
		tx.Asset = make([]byte, 20*1024)
		require.NoError(t, tx.Sign(h.senderKey))
		block := h.forge(t, 1, h.tip(t).Header.ID(), 0, tx)
		require.ErrorIs(t, h.proc.Process(block, types.OriginPeer, "p1"), types.ErrPayloadTooLarge)
	})

	t.Run("transaction root mismatch", func(t *testing.T) {
		h := newHarness(t)
		tx := h.transfer(t, 0, 500, testAddr(2))
		block := h.forge(t, 1, h.tip(t).Header.ID(), 0, tx)
		block.Header.TransactionRoot = types.EmptyHash()
		require.NoError(t, block.Header.Sign(h.key))
		require.ErrorIs(t, h.proc.Process(block, types.OriginPeer, "p1"), types.ErrInvalidTransactionRoot)
	})

	t.Run("statically invalid transaction", func(t *testing.T) {
		h := newHarness(t)
		tx := h.transfer(t, 0, 500, testAddr(2))
		asset, err := cramberry.Marshal(&modules.TransferAsset{RecipientAddress: testAddr(2)})
		require.NoError(t, err)
		tx.Asset = asset
		require.NoError(t, tx.Sign(h.senderKey))
		block := h.forge(t, 1, h.tip(t).Header.ID(), 0, tx)
		require.ErrorIs(t, h.proc.Process(block, types.OriginPeer, "p1"), types.ErrInvalidBlock)
	})
}

func TestProcessVerifyStageAborts(t *testing.T) {
	h := newHarness(t)

	// Nonce 5 against a fresh account: the whole block is rejected and the
	// tip does not move.
	tx := h.transfer(t, 5, 500, testAddr(2))
	block := h.forge(t, 1, h.tip(t).Header.ID(), 0, tx)
	require.ErrorIs(t, h.proc.Process(block, types.OriginPeer, "p1"), types.ErrBlockVerification)
	require.Equal(t, types.Height(0), h.proc.TipHeight())
}

func TestForkChoice(t *testing.T) {
	t.Run("stale duplicate discarded", func(t *testing.T) {
		h := newHarness(t)
		genesis := h.tip(t)
		block1 := h.forge(t, 1, genesis.Header.ID(), 0)
		require.NoError(t, h.proc.Process(block1, types.OriginLocal, ""))
		h.extend(t, 1)

		require.ErrorIs(t, h.proc.Process(block1, types.OriginPeer, "p1"), types.ErrStaleBlock)
	})

	t.Run("tiebreak replaces tip", func(t *testing.T) {
		h := newHarness(t)
		genesis := h.tip(t)
		resident := h.forge(t, 1, genesis.Header.ID(), 0)
		require.NoError(t, h.proc.Process(resident, types.OriginLocal, ""))

		// The sibling declares a higher prevoted height and wins the tie.
		winner := h.forge(t, 1, genesis.Header.ID(), 1)
		winner.Header.Timestamp += 5
		require.NoError(t, winner.Header.Sign(h.key))
		require.NoError(t, h.proc.Process(winner, types.OriginPeer, "p1"))

		tip := h.tip(t)
		require.Equal(t, types.Height(1), tip.Header.Height)
		require.True(t, tip.Header.ID().Equal(winner.Header.ID()))

		temp, err := h.blocks.GetTempBlocks()
		require.NoError(t, err)
		require.Len(t, temp, 1)
		require.True(t, temp[0].Header.ID().Equal(resident.Header.ID()))
	})

	t.Run("losing sibling discarded", func(t *testing.T) {
		h := newHarness(t)
		genesis := h.tip(t)
		resident := h.forge(t, 1, genesis.Header.ID(), 1)
		require.NoError(t, h.proc.Process(resident, types.OriginLocal, ""))

		loser := h.forge(t, 1, genesis.Header.ID(), 0)
		loser.Header.Timestamp += 5
		require.NoError(t, loser.Header.Sign(h.key))
		require.ErrorIs(t, h.proc.Process(loser, types.OriginPeer, "p1"), types.ErrStaleBlock)
		require.True(t, h.tip(t).Header.ID().Equal(resident.Header.ID()))
	})

	t.Run("one-block fork requests fast switch", func(t *testing.T) {
		h := newHarness(t)
		h.extend(t, 1)
		sync := h.subscribe(t, events.KindSyncRequired)

		fork := h.forge(t, 2, types.HashBytes([]byte("elsewhere")), 0)
		err := h.proc.Process(fork, types.OriginPeer, "p1")
		require.ErrorIs(t, err, types.ErrForkDetected)

		event := waitEvent(t, sync)
		data := event.Data.(events.SyncRequiredData)
		require.Equal(t, types.PeerID("p1"), data.PeerID)
		require.Equal(t, types.Height(2), data.Block.Header.Height)
	})

	t.Run("far-ahead block requests sync", func(t *testing.T) {
		h := newHarness(t)
		sync := h.subscribe(t, events.KindSyncRequired)

		ahead := h.forge(t, 5, types.HashBytes([]byte("unknown")), 0)
		require.ErrorIs(t, h.proc.Process(ahead, types.OriginPeer, "p1"), types.ErrForkDetected)
		waitEvent(t, sync)
	})

	t.Run("below finalized is irrecoverable", func(t *testing.T) {
		h := newHarness(t)
		h.extend(t, 5)
		require.Equal(t, types.Height(3), h.finality.FinalizedHeight())

		buried := h.forge(t, 2, types.HashBytes([]byte("rewrite")), 0)
		require.ErrorIs(t, h.proc.Process(buried, types.OriginPeer, "p1"), types.ErrIrrecoverableFork)
	})
}

func TestProcessValidated(t *testing.T) {
	h := newHarness(t)
	block1 := h.forge(t, 1, h.tip(t).Header.ID(), 0)
	require.NoError(t, h.proc.ProcessValidated(block1))
	require.Equal(t, types.Height(1), h.proc.TipHeight())

	gap := h.forge(t, 3, types.HashBytes([]byte("gap")), 0)
	require.ErrorIs(t, h.proc.ProcessValidated(gap), types.ErrNonContiguousBlock)
}

func TestDeleteLastBlock(t *testing.T) {
	h := newHarness(t)
	recipient := testAddr(2)
	senderAddr := types.AddressFromPublicKey(h.senderKey.Public().(ed25519.PublicKey))

	tx := h.transfer(t, 0, 500, recipient)
	block := h.forge(t, 1, h.tip(t).Header.ID(), 0, tx)
	require.NoError(t, h.proc.Process(block, types.OriginLocal, ""))

	account, err := h.accounts.GetAccount(recipient)
	require.NoError(t, err)
	require.Equal(t, uint64(500), account.Balance)

	deleted := h.subscribe(t, events.KindDeleteBlock)
	reverted, err := h.proc.DeleteLastBlock()
	require.NoError(t, err)
	require.Equal(t, types.Height(1), reverted.Header.Height)
	require.Equal(t, types.Height(0), h.proc.TipHeight())

	// Account state rolled back with the block.
	account, err = h.accounts.GetAccount(recipient)
	require.NoError(t, err)
	require.Zero(t, account.Balance)

	sender, err := h.accounts.GetAccount(senderAddr)
	require.NoError(t, err)
	require.Equal(t, uint64(1_000_000), sender.Balance)
	require.Zero(t, sender.Nonce)

	event := waitEvent(t, deleted)
	data := event.Data.(events.DeleteBlockData)
	require.Equal(t, types.Height(1), data.Block.Header.Height)

	_, err = h.proc.DeleteLastBlock()
	require.ErrorIs(t, err, blockstore.ErrDeleteGenesis)
}

func TestDeleteGuardsFinality(t *testing.T) {
	h := newHarness(t)
	h.extend(t, 5)
	require.Equal(t, types.Height(3), h.finality.FinalizedHeight())

	_, err := h.proc.DeleteLastBlock()
	require.NoError(t, err)
	_, err = h.proc.DeleteLastBlock()
	require.NoError(t, err)

	// The tip now sits on the finalized height and must not move back.
	_, err = h.proc.DeleteLastBlock()
	require.ErrorIs(t, err, types.ErrIrrecoverableFork)
	require.Equal(t, types.Height(3), h.proc.TipHeight())
}

func TestInitReplaysTempBlocks(t *testing.T) {
	h := newHarness(t)
	block1 := h.forge(t, 1, h.tip(t).Header.ID(), 0)
	require.NoError(t, h.blocks.SaveTempBlock(block1))

	require.NoError(t, h.proc.Init(genesisBlock()))
	require.Equal(t, types.Height(1), h.proc.TipHeight())

	temp, err := h.blocks.GetTempBlocks()
	require.NoError(t, err)
	require.Empty(t, temp)
}

func TestVerifyTransactions(t *testing.T) {
	h := newHarness(t)
	recipient := testAddr(2)

	run := []*types.Transaction{
		h.transfer(t, 0, 500, recipient),
		h.transfer(t, 1, 500, recipient),
	}
	require.NoError(t, h.proc.VerifyTransactions(run))

	// The dry run left no trace in persisted state.
	account, err := h.accounts.GetAccount(recipient)
	require.NoError(t, err)
	require.Zero(t, account.Balance)

	gapped := []*types.Transaction{
		h.transfer(t, 0, 500, recipient),
		h.transfer(t, 2, 500, recipient),
	}
	require.ErrorIs(t, h.proc.VerifyTransactions(gapped), types.ErrNonceGap)
}
