package sync

import (
	"context"
	"fmt"

	"github.com/Demosthene27/valois-sdk/blockstore"
	"github.com/Demosthene27/valois-sdk/config"
	"github.com/Demosthene27/valois-sdk/logging"
	"github.com/Demosthene27/valois-sdk/types"
)

// ValidatorsFunc resolves the current validator set.
type ValidatorsFunc func() (*types.ValidatorSet, error)

// FastChainSwitch moves the node onto a nearby competing fork without a
// full resync. It only engages for blocks signed by a current validator
// whose chain diverged at most two rounds ago.
type FastChainSwitch struct {
	chain       Chain
	blocks      blockstore.Store
	finality    Finality
	peers       Peers
	validators  ValidatorsFunc
	roundLength int
	cfg         config.SyncConfig
	logger      *logging.Logger
}

// NewFastChainSwitch creates the mechanism. roundLength is the number of
// forging slots per round.
func NewFastChainSwitch(chain Chain, blocks blockstore.Store, finality Finality, peers Peers, validators ValidatorsFunc, roundLength int, cfg config.SyncConfig, logger *logging.Logger) *FastChainSwitch {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &FastChainSwitch{
		chain:       chain,
		blocks:      blocks,
		finality:    finality,
		peers:       peers,
		validators:  validators,
		roundLength: roundLength,
		cfg:         cfg,
		logger:      logger.WithComponent("fastswitch"),
	}
}

// Name implements Mechanism.
func (f *FastChainSwitch) Name() string { return "fastChainSwitch" }

func (f *FastChainSwitch) maxDepth() types.Height {
	return types.Height(2 * f.roundLength)
}

// IsValidFor reports true when the block is within two rounds of the tip
// and its generator sits in the current validator set.
func (f *FastChainSwitch) IsValidFor(block *types.Block, _ types.PeerID) (bool, error) {
	tip := f.chain.TipHeight()
	height := block.Header.Height
	var distance types.Height
	if height > tip {
		distance = height - tip
	} else {
		distance = tip - height
	}
	if distance > f.maxDepth() {
		return false, nil
	}
	set, err := f.validators()
	if err != nil {
		return false, err
	}
	return set.Contains(block.Header.GeneratorAddress()), nil
}

// Run implements Mechanism.
func (f *FastChainSwitch) Run(ctx context.Context, block *types.Block, peer types.PeerID) error {
	common, err := f.findCommonBlock(ctx, peer)
	if err != nil {
		return err
	}

	tip := f.chain.TipHeight()
	tooDeep := tip-common.Height > f.maxDepth() ||
		block.Header.Height <= common.Height ||
		block.Header.Height-common.Height > f.maxDepth()
	if tooDeep {
		f.peers.Penalize(peer, penaltyBadChain, "divergence deeper than two rounds")
		return fmt.Errorf("common block at height %d: %w", common.Height, types.ErrSwitchTooFar)
	}
	if common.Height < f.finality.FinalizedHeight() {
		f.peers.Penalize(peer, penaltyBadChain, "common block below finalized height")
		return fmt.Errorf("common block at height %d: %w", common.Height, types.ErrIrrecoverableFork)
	}

	replacement, err := f.fetchFork(ctx, peer, common, block.Header.Height)
	if err != nil {
		return err
	}

	reverted, err := f.revertTo(common.Height)
	if err != nil {
		return err
	}

	for _, forkBlock := range replacement {
		if err := f.chain.ProcessValidated(forkBlock); err != nil {
			f.peers.Penalize(peer, penaltyBadChain, "invalid block during chain switch")
			if restoreErr := f.restore(common.Height, reverted); restoreErr != nil {
				return fmt.Errorf("restore after failed switch: %v: %w", restoreErr, err)
			}
			f.logger.Warn("chain switch aborted, original chain restored",
				logging.Height(uint64(forkBlock.Header.Height)),
				logging.Error(err))
			return err
		}
	}
	f.logger.Info("switched to fork",
		logging.Height(uint64(f.chain.TipHeight())),
		logging.PeerIDStr(string(peer)))
	return nil
}

// findCommonBlock probes the peer with the ids of the last two rounds of
// local blocks.
func (f *FastChainSwitch) findCommonBlock(ctx context.Context, peer types.PeerID) (*types.BlockHeader, error) {
	tip := f.chain.TipHeight()
	base, err := f.blocks.Base()
	if err != nil {
		return nil, err
	}
	baseHeight := base.Header.Height

	var ids []types.Hash
	h := tip
	for i := types.Height(0); i <= f.maxDepth(); i++ {
		blk, err := f.blocks.GetBlockByHeight(h)
		if err != nil {
			return nil, err
		}
		ids = append(ids, blk.Header.ID())
		if h == baseHeight {
			break
		}
		h--
	}

	reqCtx, cancel := context.WithTimeout(ctx, f.cfg.RequestTimeout.Duration())
	common, err := f.peers.HighestCommonBlock(reqCtx, peer, ids)
	cancel()
	if err != nil {
		return nil, err
	}
	if common == nil {
		f.peers.Penalize(peer, penaltyNoCommonBlock, "no common block within two rounds")
		return nil, types.ErrNoCommonBlock
	}
	return common, nil
}

// fetchFork downloads the peer's chain above the common block into memory
// before any local block is touched, so a dead peer cannot leave the node
// on a truncated chain.
func (f *FastChainSwitch) fetchFork(ctx context.Context, peer types.PeerID, common *types.BlockHeader, target types.Height) ([]*types.Block, error) {
	var fork []*types.Block
	from := common.ID()
	limit := int(f.maxDepth())
	for {
		reqCtx, cancel := context.WithTimeout(ctx, f.cfg.RequestTimeout.Duration())
		batch, err := f.peers.BlocksFromID(reqCtx, peer, from, f.cfg.ChunkSize)
		cancel()
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		fork = append(fork, batch...)
		if len(fork) > limit {
			f.peers.Penalize(peer, penaltyBadChain, "fork longer than advertised")
			return nil, fmt.Errorf("peer chain exceeds two rounds: %w", types.ErrSwitchTooFar)
		}
		if fork[len(fork)-1].Header.Height >= target {
			break
		}
		from = fork[len(fork)-1].Header.ID()
	}
	if len(fork) == 0 {
		return nil, fmt.Errorf("peer returned empty fork: %w", types.ErrSyncFailed)
	}
	return fork, nil
}

// revertTo deletes tip blocks down to the given height and returns them
// in ascending order for a potential restore.
func (f *FastChainSwitch) revertTo(height types.Height) ([]*types.Block, error) {
	var reverted []*types.Block
	for f.chain.TipHeight() > height {
		block, err := f.chain.DeleteLastBlock()
		if err != nil {
			return nil, err
		}
		reverted = append([]*types.Block{block}, reverted...)
	}
	return reverted, nil
}

// restore rolls the chain back to the common height and re-applies the
// blocks that were reverted for the switch.
func (f *FastChainSwitch) restore(height types.Height, reverted []*types.Block) error {
	for f.chain.TipHeight() > height {
		if _, err := f.chain.DeleteLastBlock(); err != nil {
			return err
		}
	}
	for _, block := range reverted {
		if err := f.chain.ProcessValidated(block); err != nil {
			return err
		}
	}
	return nil
}
