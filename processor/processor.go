// Package processor serializes every mutation of chain state. Exactly one
// block apply is in flight at any time; everything else in the node holds
// read-only views and reacts to the events the processor emits.
package processor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Demosthene27/valois-sdk/bft"
	"github.com/Demosthene27/valois-sdk/blockstore"
	"github.com/Demosthene27/valois-sdk/consensus"
	"github.com/Demosthene27/valois-sdk/events"
	"github.com/Demosthene27/valois-sdk/logging"
	"github.com/Demosthene27/valois-sdk/modules"
	"github.com/Demosthene27/valois-sdk/state"
	"github.com/Demosthene27/valois-sdk/txpool"
	"github.com/Demosthene27/valois-sdk/types"
)

// ValidatorSource resolves the active validator set from chain state.
type ValidatorSource interface {
	ValidatorSet(store modules.StateStore) (*types.ValidatorSet, error)
}

// Config collects the processor's collaborators and limits.
type Config struct {
	Blocks     blockstore.Store
	Accounts   *state.AccountStore
	Registry   *modules.Registry
	Finality   *bft.FinalityManager
	Slots      *consensus.Slots
	Validators ValidatorSource
	Bus        *events.Bus
	Logger     *logging.Logger

	// MaxPayloadLength is the block payload byte cap.
	MaxPayloadLength int

	// Now overrides the wall clock in tests. Nil means time.Now.
	Now func() time.Time
}

// Processor owns the chain state machine. A single mutex serializes block
// application. Process rejects a second concurrent apply with ErrBusy
// rather than queueing it, so callers can shed load at the network edge;
// ProcessValidated, DeleteLastBlock and Init wait for the mutex.
type Processor struct {
	mu sync.Mutex

	blocks     blockstore.Store
	accounts   *state.AccountStore
	registry   *modules.Registry
	finality   *bft.FinalityManager
	slots      *consensus.Slots
	validators ValidatorSource
	bus        *events.Bus
	logger     *logging.Logger

	maxPayloadLength int
	now              func() time.Time
}

// New creates a block processor.
func New(cfg Config) (*Processor, error) {
	if cfg.Blocks == nil || cfg.Accounts == nil || cfg.Registry == nil ||
		cfg.Finality == nil || cfg.Slots == nil || cfg.Validators == nil {
		return nil, errors.New("processor: missing collaborator")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Processor{
		blocks:           cfg.Blocks,
		accounts:         cfg.Accounts,
		registry:         cfg.Registry,
		finality:         cfg.Finality,
		slots:            cfg.Slots,
		validators:       cfg.Validators,
		bus:              cfg.Bus,
		logger:           logger.WithComponent("processor"),
		maxPayloadLength: cfg.MaxPayloadLength,
		now:              now,
	}, nil
}

// Init bootstraps the chain. An empty store persists and applies the given
// genesis block; a populated store is checked against it, failing with
// ErrGenesisMismatch when the stored genesis differs. Blocks left in the
// temporary region by an interrupted chain swap are replayed.
func (p *Processor) Init(genesis *types.Block) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if genesis == nil {
		return types.ErrNoGenesis
	}
	if err := p.initBlock(genesis); err != nil {
		return err
	}
	if !genesis.Header.IsGenesis() {
		return fmt.Errorf("%w: height %d with previous block", types.ErrInvalidBlock, genesis.Header.Height)
	}

	_, err := p.blocks.Tip()
	switch {
	case errors.Is(err, blockstore.ErrEmptyStore):
		if err := p.applyBlock(genesis, types.OriginGenesis); err != nil {
			return fmt.Errorf("applying genesis: %w", err)
		}
		p.logger.Info("genesis block applied", logging.Hash(genesis.Header.ID()))
	case err != nil:
		return err
	default:
		stored, err := p.blocks.GetBlockByHeight(genesis.Header.Height)
		if err != nil {
			return err
		}
		if !stored.Header.ID().Equal(genesis.Header.ID()) {
			return fmt.Errorf("%w: stored %s configured %s",
				types.ErrGenesisMismatch, stored.Header.ID(), genesis.Header.ID())
		}
	}

	return p.replayTempBlocks()
}

// replayTempBlocks drains the temporary region and re-applies any block
// that still extends the tip. Stale entries are dropped.
func (p *Processor) replayTempBlocks() error {
	temp, err := p.blocks.GetTempBlocks()
	if err != nil {
		return err
	}
	if len(temp) == 0 {
		return nil
	}
	if err := p.blocks.ClearTempBlocks(); err != nil {
		return err
	}

	for _, block := range temp {
		if err := p.initBlock(block); err != nil {
			p.logger.Warn("skipping undecodable temp block", logging.Error(err))
			continue
		}
		tip, err := p.blocks.Tip()
		if err != nil {
			return err
		}
		if block.Header.Height != tip.Header.Height+1 ||
			!block.Header.PreviousBlockID.Equal(tip.Header.ID()) {
			continue
		}
		if err := p.applyBlock(block, types.OriginPeer); err != nil {
			p.logger.Warn("temp block replay failed",
				logging.Height(uint64(block.Header.Height)), logging.Error(err))
			return nil
		}
		p.logger.Info("temp block replayed", logging.Height(uint64(block.Header.Height)))
	}
	return nil
}

// Process runs the full pipeline on a new block: validate, fork choice,
// verify, apply, broadcast. A concurrent apply in flight is rejected with
// ErrBusy. Fork-choice outcomes that hand control to the synchronizer
// surface as ErrForkDetected; an attempt to rewrite finalized history
// surfaces as ErrIrrecoverableFork so the transport can penalize the peer.
func (p *Processor) Process(block *types.Block, origin types.BlockOrigin, peer types.PeerID) error {
	if !p.mu.TryLock() {
		return types.ErrBusy
	}
	defer p.mu.Unlock()

	if err := p.initBlock(block); err != nil {
		return err
	}

	set, err := p.validators.ValidatorSet(state.NewOverlay(p.accounts))
	if err != nil {
		return err
	}
	if err := p.validateBlock(block, set); err != nil {
		return err
	}

	tip, err := p.blocks.Tip()
	if err != nil {
		return err
	}
	header := &block.Header

	if header.Height == tip.Header.Height+1 && header.PreviousBlockID.Equal(tip.Header.ID()) {
		if err := p.applyBlock(block, origin); err != nil {
			return err
		}
		p.publish(events.BroadcastBlock(block))
		return nil
	}

	return p.resolveFork(block, tip, origin, peer)
}

// resolveFork applies the ordered fork-choice rules for a block that does
// not directly extend the tip.
func (p *Processor) resolveFork(block, tip *types.Block, origin types.BlockOrigin, peer types.PeerID) error {
	header := &block.Header
	tipHeader := &tip.Header

	switch {
	case header.Height == tipHeader.Height &&
		header.PreviousBlockID.Equal(tipHeader.PreviousBlockID) &&
		tiebreakWins(header, tipHeader):
		return p.replaceTip(block, tip, origin)

	case header.Height == tipHeader.Height+1 &&
		!header.PreviousBlockID.Equal(tipHeader.ID()) &&
		header.GeneratorAddress().Equal(tipHeader.GeneratorAddress()):
		p.logger.Info("one-block fork detected, requesting fast chain switch",
			logging.Height(uint64(header.Height)), logging.PeerIDStr(string(peer)))
		p.publish(events.SyncRequired(block, peer))
		return types.ErrForkDetected

	case header.Height > tipHeader.Height+1:
		p.logger.Info("block beyond tip, requesting block sync",
			logging.Height(uint64(header.Height)), logging.PeerIDStr(string(peer)))
		p.publish(events.SyncRequired(block, peer))
		return types.ErrForkDetected

	case header.Height <= p.finality.FinalizedHeight():
		return fmt.Errorf("%w: height %d finalized %d",
			types.ErrIrrecoverableFork, header.Height, p.finality.FinalizedHeight())

	default:
		return fmt.Errorf("%w: height %d tip %d", types.ErrStaleBlock, header.Height, tipHeader.Height)
	}
}

// tiebreakWins reports whether the candidate beats the resident block at
// the same height: higher declared prevote height first, then the lower
// block id. The rule is a pure function of the two headers so every node
// resolves the tie identically.
func tiebreakWins(candidate, resident *types.BlockHeader) bool {
	if candidate.Asset.MaxHeightPrevoted != resident.Asset.MaxHeightPrevoted {
		return candidate.Asset.MaxHeightPrevoted > resident.Asset.MaxHeightPrevoted
	}
	return candidate.ID().Less(resident.ID())
}

// replaceTip swaps the tip for a tiebreak-winning sibling. The superseded
// block moves to the temporary region; if the replacement then fails to
// apply the old tip is restored.
func (p *Processor) replaceTip(block, tip *types.Block, origin types.BlockOrigin) error {
	if err := p.blocks.SaveTempBlock(tip); err != nil {
		return err
	}
	if _, err := p.deleteTipLocked(); err != nil {
		return err
	}

	if err := p.applyBlock(block, origin); err != nil {
		p.logger.Warn("tiebreak replacement failed, restoring previous tip",
			logging.Height(uint64(block.Header.Height)), logging.Error(err))
		if restoreErr := p.applyBlock(tip, types.OriginPeer); restoreErr != nil {
			return fmt.Errorf("restoring tip after failed replacement: %w", restoreErr)
		}
		return err
	}
	p.logger.Info("tip replaced by tiebreak winner",
		logging.Height(uint64(block.Header.Height)), logging.Hash(block.Header.ID()))
	p.publish(events.BroadcastBlock(block))
	return nil
}

// ProcessValidated applies a block that has already been validated, used
// by the synchronizer when replaying chains fetched from a peer. The block
// must directly extend the tip.
func (p *Processor) ProcessValidated(block *types.Block) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.initBlock(block); err != nil {
		return err
	}
	tip, err := p.blocks.Tip()
	if err != nil {
		return err
	}
	if block.Header.Height != tip.Header.Height+1 ||
		!block.Header.PreviousBlockID.Equal(tip.Header.ID()) {
		return fmt.Errorf("%w: height %d tip %d",
			types.ErrNonContiguousBlock, block.Header.Height, tip.Header.Height)
	}
	return p.applyBlock(block, types.OriginPeer)
}

// DeleteLastBlock reverts the tip block: the block leaves the store, the
// account tree rolls back one version, and a DeleteBlock event hands the
// reverted transactions back to the pool.
func (p *Processor) DeleteLastBlock() (*types.Block, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deleteTipLocked()
}

func (p *Processor) deleteTipLocked() (*types.Block, error) {
	tip, err := p.blocks.Tip()
	if err != nil {
		return nil, err
	}
	if tip.Header.Height == 0 {
		return nil, blockstore.ErrDeleteGenesis
	}
	if tip.Header.Height <= p.finality.FinalizedHeight() {
		return nil, fmt.Errorf("%w: tip %d finalized %d",
			types.ErrIrrecoverableFork, tip.Header.Height, p.finality.FinalizedHeight())
	}

	block, err := p.blocks.DeleteTip()
	if err != nil {
		return nil, err
	}
	if err := p.accounts.RevertToHeight(block.Header.Height - 1); err != nil {
		return nil, fmt.Errorf("%w: reverting state to height %d: %v",
			types.ErrCorruptJournal, block.Header.Height-1, err)
	}
	if err := p.finality.Reload(); err != nil {
		return nil, err
	}

	p.logger.Info("tip block deleted", logging.Height(uint64(block.Header.Height)))
	p.publish(events.DeleteBlock(block))
	return block, nil
}

// VerifyTransactions checks a transaction sequence against current state
// without persisting anything. Sequential transactions from one sender
// are verified as a run, each seeing the effects of those before it.
func (p *Processor) VerifyTransactions(txs []*types.Transaction) error {
	overlay := state.NewOverlay(p.accounts)
	defer overlay.Discard()

	for _, tx := range txs {
		if err := p.registry.VerifyTransaction(overlay, tx); err != nil {
			return err
		}
		if err := p.registry.ApplyTransaction(overlay, nil, tx, nil); err != nil {
			return err
		}
	}
	return nil
}

// TipHeight returns the current chain tip height.
func (p *Processor) TipHeight() types.Height {
	return p.blocks.TipHeight()
}

// initBlock recomputes the cached ids for a header and its payload.
func (p *Processor) initBlock(block *types.Block) error {
	if block == nil {
		return types.ErrInvalidBlock
	}
	if err := block.Header.Init(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidBlock, err)
	}
	for _, tx := range block.Payload {
		if err := tx.Init(); err != nil {
			return fmt.Errorf("%w: %v", types.ErrInvalidTx, err)
		}
	}
	return nil
}

// validateBlock runs the pure checks: header shape, generator signature,
// slot ownership, payload cap, transaction root, and per-transaction
// static validation. No state is read beyond the validator set.
func (p *Processor) validateBlock(block *types.Block, set *types.ValidatorSet) error {
	header := &block.Header

	if header.Version != types.CurrentBlockVersion {
		return fmt.Errorf("%w: version %d", types.ErrInvalidBlock, header.Version)
	}
	if err := header.VerifySignature(); err != nil {
		return err
	}
	if err := p.slots.VerifyTimestamp(set, header, p.now()); err != nil {
		return err
	}
	if size := block.PayloadSize(); size > p.maxPayloadLength {
		return fmt.Errorf("%w: %d bytes, cap %d", types.ErrPayloadTooLarge, size, p.maxPayloadLength)
	}
	if root := txpool.TransactionRoot(block.Payload); !root.Equal(header.TransactionRoot) {
		return fmt.Errorf("%w: computed %s header %s",
			types.ErrInvalidTransactionRoot, root, header.TransactionRoot)
	}
	for _, tx := range block.Payload {
		if err := p.registry.ValidateTransaction(tx); err != nil {
			return fmt.Errorf("%w: tx %s: %v", types.ErrInvalidBlock, tx.ID(), err)
		}
	}
	return nil
}

// applyBlock runs verify and apply on an overlay and commits state, block
// and finality bookkeeping together. Genesis skips signature and finality
// checks; there is no prior state for either.
func (p *Processor) applyBlock(block *types.Block, origin types.BlockOrigin) error {
	header := &block.Header
	genesis := origin == types.OriginGenesis

	if !genesis {
		if err := p.finality.VerifyBlockHeader(header); err != nil {
			return err
		}
	}

	overlay := state.NewOverlay(p.accounts)
	publisher := &busPublisher{bus: p.bus, logger: p.logger}

	for _, tx := range block.Payload {
		if err := p.registry.VerifyTransaction(overlay, tx); err != nil {
			overlay.Discard()
			return fmt.Errorf("%w: tx %s: %v", types.ErrBlockVerification, tx.ID(), err)
		}
		if err := p.registry.ApplyTransaction(overlay, header, tx, publisher); err != nil {
			overlay.Discard()
			return fmt.Errorf("applying tx %s: %w", tx.ID(), err)
		}
	}
	if err := p.registry.AfterBlockApply(overlay, block, publisher); err != nil {
		overlay.Discard()
		return err
	}

	if err := overlay.Commit(); err != nil {
		return err
	}
	// Finality bookkeeping is staged before the version commit so the bft
	// records land in the same tree version as the block's state and roll
	// back together on DeleteLastBlock.
	if !genesis {
		if _, err := p.finality.ProcessBlockHeader(header); err != nil {
			return err
		}
	}
	if _, _, err := p.accounts.CommitHeight(header.Height); err != nil {
		return fmt.Errorf("committing state at height %d: %w", header.Height, err)
	}
	if err := p.blocks.SaveBlock(block); err != nil {
		// State committed but the block write failed: roll the tree back
		// so store and state stay aligned.
		if header.Height > 0 {
			if revertErr := p.accounts.RevertToHeight(header.Height - 1); revertErr != nil {
				return fmt.Errorf("%w: %v after save failure: %v",
					types.ErrCorruptJournal, revertErr, err)
			}
		}
		return err
	}

	p.logger.Info("block applied",
		logging.Height(uint64(header.Height)),
		logging.Hash(header.ID()),
		logging.Count(len(block.Payload)))
	p.publish(events.NewBlock(block, origin))
	return nil
}

func (p *Processor) publish(event events.Event) {
	if p.bus == nil {
		return
	}
	if err := p.bus.Publish(event); err != nil {
		p.logger.Debug("publishing event", logging.Error(err))
	}
}

// busPublisher narrows the event bus to the Publisher handle modules see.
type busPublisher struct {
	bus    *events.Bus
	logger *logging.Logger
}

func (p *busPublisher) Publish(kind string, data any) {
	if p.bus == nil {
		return
	}
	event := events.Event{Kind: events.Kind(kind), Time: time.Now(), Data: data}
	if err := p.bus.Publish(event); err != nil {
		p.logger.Debug("publishing module event", logging.Error(err))
	}
}
