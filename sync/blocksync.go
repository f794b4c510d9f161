package sync

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Demosthene27/valois-sdk/blockstore"
	"github.com/Demosthene27/valois-sdk/config"
	"github.com/Demosthene27/valois-sdk/logging"
	"github.com/Demosthene27/valois-sdk/types"
)

// Penalty points applied to peers that misbehave during sync.
const (
	penaltyNoCommonBlock = 10
	penaltyBadChain      = 100
)

// BlockSync recovers a node that is far behind the canonical chain. It
// picks a reference peer from a tip sample, reverts to the highest block
// shared with that peer and downloads the rest in chunks.
type BlockSync struct {
	chain    Chain
	blocks   blockstore.Store
	finality Finality
	peers    Peers
	cfg      config.SyncConfig
	logger   *logging.Logger
}

// NewBlockSync creates the mechanism.
func NewBlockSync(chain Chain, blocks blockstore.Store, finality Finality, peers Peers, cfg config.SyncConfig, logger *logging.Logger) *BlockSync {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &BlockSync{
		chain:    chain,
		blocks:   blocks,
		finality: finality,
		peers:    peers,
		cfg:      cfg,
		logger:   logger.WithComponent("blocksync"),
	}
}

// Name implements Mechanism.
func (b *BlockSync) Name() string { return "blockSync" }

// IsValidFor reports true when the received block is more than one height
// ahead of the local tip.
func (b *BlockSync) IsValidFor(block *types.Block, _ types.PeerID) (bool, error) {
	return block.Header.Height > b.chain.TipHeight()+1, nil
}

// Run implements Mechanism.
func (b *BlockSync) Run(ctx context.Context, _ *types.Block, _ types.PeerID) error {
	reference, err := b.referencePeer(ctx)
	if err != nil {
		return err
	}
	b.logger.Info("selected reference peer",
		logging.PeerIDStr(string(reference.PeerID)),
		logging.Height(uint64(reference.Height)))

	common, err := b.findCommonBlock(ctx, reference.PeerID)
	if err != nil {
		return err
	}
	if common.Height < b.finality.FinalizedHeight() {
		b.peers.Penalize(reference.PeerID, penaltyBadChain, "common block below finalized height")
		return fmt.Errorf("common block at height %d: %w", common.Height, types.ErrIrrecoverableFork)
	}

	if err := b.revertTo(common.Height); err != nil {
		return err
	}
	return b.downloadChain(ctx, reference.PeerID, common, reference.Height)
}

// referencePeer samples peer tips and returns a peer from the largest
// group agreeing on the same tip. The member with the median prevoted
// height is chosen so an outlier cannot steer the download.
func (b *BlockSync) referencePeer(ctx context.Context) (TipReport, error) {
	tips, err := b.peers.SampleTips(ctx, b.cfg.SampleSize)
	if err != nil {
		return TipReport{}, err
	}

	groups := make(map[string][]TipReport)
	for _, tip := range tips {
		key := string(tip.TipID)
		groups[key] = append(groups[key], tip)
	}
	var best []TipReport
	for _, group := range groups {
		if len(group) > len(best) {
			best = group
		}
	}
	if len(best) < b.cfg.MinAgreeingPeers {
		return TipReport{}, fmt.Errorf("%d peers agree on a tip, need %d: %w",
			len(best), b.cfg.MinAgreeingPeers, types.ErrInsufficientPeers)
	}

	sort.Slice(best, func(i, j int) bool {
		return best[i].MaxHeightPrevoted < best[j].MaxHeightPrevoted
	})
	return best[len(best)/2], nil
}

// findCommonBlock asks the peer for the highest block it shares with the
// local chain. The probe list holds the last chunk of consecutive block
// ids and then every chunk-th id down to the store base, so a single
// round trip covers both recent forks and deep divergence.
func (b *BlockSync) findCommonBlock(ctx context.Context, peer types.PeerID) (*types.BlockHeader, error) {
	ids, err := b.probeIDs()
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout.Duration())
	common, err := b.peers.HighestCommonBlock(reqCtx, peer, ids)
	cancel()
	if err != nil {
		return nil, err
	}
	if common == nil {
		b.peers.Penalize(peer, penaltyNoCommonBlock, "no common block")
		return nil, types.ErrNoCommonBlock
	}
	return common, nil
}

func (b *BlockSync) probeIDs() ([]types.Hash, error) {
	tip := b.chain.TipHeight()
	base, err := b.blocks.Base()
	if err != nil {
		return nil, err
	}
	baseHeight := base.Header.Height

	chunk := types.Height(b.cfg.ChunkSize)
	var heights []types.Height
	h := tip
	for i := 0; i < b.cfg.ChunkSize && h > baseHeight; i++ {
		heights = append(heights, h)
		h--
	}
	for h > baseHeight {
		heights = append(heights, h)
		if h < baseHeight+chunk {
			break
		}
		h -= chunk
	}
	heights = append(heights, baseHeight)

	ids := make([]types.Hash, 0, len(heights))
	seen := make(map[types.Height]struct{}, len(heights))
	for _, h := range heights {
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		block, err := b.blocks.GetBlockByHeight(h)
		if err != nil {
			return nil, err
		}
		ids = append(ids, block.Header.ID())
	}
	return ids, nil
}

// revertTo deletes tip blocks until the chain ends at the given height.
// The processor refuses to delete finalized blocks, so a bad common
// height surfaces as ErrIrrecoverableFork here as well.
func (b *BlockSync) revertTo(height types.Height) error {
	for b.chain.TipHeight() > height {
		if _, err := b.chain.DeleteLastBlock(); err != nil {
			return err
		}
	}
	return nil
}

// downloadChain fetches blocks in chunks from the peer and applies them.
// Each chunk is retried with backoff before the sync is abandoned.
func (b *BlockSync) downloadChain(ctx context.Context, peer types.PeerID, common *types.BlockHeader, target types.Height) error {
	from := common.ID()
	for b.chain.TipHeight() < target {
		batch, err := b.fetchChunk(ctx, peer, from)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		for _, block := range batch {
			if err := b.chain.ProcessValidated(block); err != nil {
				b.peers.Penalize(peer, penaltyBadChain, "invalid block during sync")
				return fmt.Errorf("apply height %d: %w", block.Header.Height, err)
			}
		}
		from = batch[len(batch)-1].Header.ID()
	}
	return nil
}

func (b *BlockSync) fetchChunk(ctx context.Context, peer types.PeerID, from types.Hash) ([]*types.Block, error) {
	var lastErr error
	for attempt := 0; attempt < b.cfg.MaxChunkRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(b.cfg.RetryBackoff.Duration()):
			}
		}
		reqCtx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout.Duration())
		batch, err := b.peers.BlocksFromID(reqCtx, peer, from, b.cfg.ChunkSize)
		cancel()
		if err == nil {
			return batch, nil
		}
		lastErr = err
		b.logger.Debug("chunk fetch failed",
			logging.PeerIDStr(string(peer)),
			logging.Count(attempt+1),
			logging.Error(err))
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("%d chunk attempts: %w: %v", b.cfg.MaxChunkRetries, types.ErrSyncFailed, lastErr)
}
