package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/Demosthene27/valois-sdk/blockstore"
	"github.com/Demosthene27/valois-sdk/handlers"
	"github.com/Demosthene27/valois-sdk/rpc"
	"github.com/Demosthene27/valois-sdk/state"
	"github.com/Demosthene27/valois-sdk/types"
)

var (
	_ rpc.Backend          = (*Node)(nil)
	_ handlers.ChainStatus = (*Node)(nil)
)

// TipHeight implements handlers.ChainStatus.
func (n *Node) TipHeight() types.Height {
	return n.blocks.TipHeight()
}

// TipID implements handlers.ChainStatus.
func (n *Node) TipID() types.Hash {
	tip, err := n.blocks.Tip()
	if err != nil {
		return nil
	}
	return tip.Header.ID()
}

// MaxHeightPrevoted implements handlers.ChainStatus.
func (n *Node) MaxHeightPrevoted() types.Height {
	return n.finality.PreVotedConfirmedHeight()
}

// FinalizedHeight implements handlers.ChainStatus.
func (n *Node) FinalizedHeight() types.Height {
	return n.finality.FinalizedHeight()
}

// NodeInfo implements rpc.Backend.
func (n *Node) NodeInfo(ctx context.Context) (*rpc.NodeInfo, error) {
	return &rpc.NodeInfo{
		ChainID:         n.cfg.Node.ChainID,
		NetworkVersion:  n.cfg.Node.NetworkVersion,
		PeerID:          n.network.PeerID().String(),
		Height:          uint64(n.TipHeight()),
		TipID:           n.TipID(),
		FinalizedHeight: uint64(n.finality.FinalizedHeight()),
		Syncing:         n.synchronizer.IsActive(),
		PoolSize:        n.pool.Size(),
		PeerCount:       n.network.PeerCount(),
	}, nil
}

// Validators implements rpc.Backend.
func (n *Node) Validators(ctx context.Context) ([]rpc.ValidatorInfo, error) {
	overlay := state.NewOverlay(n.accounts)
	set, err := n.dpos.ValidatorSet(overlay)
	if err != nil {
		return nil, err
	}
	if set == nil {
		return nil, nil
	}

	infos := make([]rpc.ValidatorInfo, 0, set.Size())
	for _, validator := range set.Validators {
		info := rpc.ValidatorInfo{
			Address: validator.Address.String(),
			Weight:  validator.Weight,
		}
		account, err := overlay.GetAccount(validator.Address)
		if err == nil && account.Delegate != nil {
			info.Username = account.Delegate.Username
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Account implements rpc.Backend.
func (n *Node) Account(ctx context.Context, address types.Address) (*types.Account, error) {
	return n.accounts.GetAccount(address)
}

// BlockByID implements rpc.Backend.
func (n *Node) BlockByID(ctx context.Context, id types.Hash) (*types.Block, error) {
	return n.blocks.GetBlockByID(id)
}

// BlockByHeight implements rpc.Backend.
func (n *Node) BlockByHeight(ctx context.Context, height types.Height) (*types.Block, error) {
	return n.blocks.GetBlockByHeight(height)
}

// BlocksByHeightRange implements rpc.Backend.
func (n *Node) BlocksByHeightRange(ctx context.Context, from, to types.Height) ([]*types.Block, error) {
	limit := int(to-from) + 1
	blocks, err := n.blocks.GetBlocksFromHeight(from, limit)
	if err != nil {
		return nil, err
	}
	return blocks, nil
}

// LastBlock implements rpc.Backend.
func (n *Node) LastBlock(ctx context.Context) (*types.Block, error) {
	block, err := n.blocks.Tip()
	if errors.Is(err, blockstore.ErrEmptyStore) {
		return nil, types.ErrBlockNotFound
	}
	return block, err
}

// TransactionByID implements rpc.Backend. The pool is checked first,
// then the transaction index, then committed blocks.
func (n *Node) TransactionByID(ctx context.Context, id types.Hash) (*types.Transaction, error) {
	if tx, err := n.pool.Get(id); err == nil {
		return tx, nil
	}
	if n.txIndex != nil {
		entry, err := n.txIndex.Get(id)
		if err != nil {
			return nil, err
		}
		return n.transactionAt(entry.Height, entry.Index, id)
	}
	// Without an index, walk back from the tip.
	for h := n.blocks.TipHeight(); ; h-- {
		block, err := n.blocks.GetBlockByHeight(h)
		if err != nil {
			break
		}
		for _, tx := range block.Payload {
			if tx.ID().Equal(id) {
				return tx, nil
			}
		}
		if h == 0 {
			break
		}
	}
	return nil, types.ErrTxNotFound
}

// TransactionsByAddress implements rpc.Backend. Requires the transaction
// index; only committed transactions are returned.
func (n *Node) TransactionsByAddress(ctx context.Context, address types.Address, limit int) ([]*types.Transaction, error) {
	if n.txIndex == nil {
		return nil, types.ErrTxIndexDisabled
	}
	entries, err := n.txIndex.BySender(address, limit)
	if err != nil {
		return nil, err
	}
	txs := make([]*types.Transaction, 0, len(entries))
	for _, entry := range entries {
		tx, err := n.transactionAt(entry.Height, entry.Index, entry.ID)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

// transactionAt resolves an index entry against the block store.
func (n *Node) transactionAt(height types.Height, position int, id types.Hash) (*types.Transaction, error) {
	block, err := n.blocks.GetBlockByHeight(height)
	if err != nil {
		return nil, types.ErrTxNotFound
	}
	if position < 0 || position >= len(block.Payload) {
		return nil, types.ErrTxNotFound
	}
	tx := block.Payload[position]
	if !tx.ID().Equal(id) {
		return nil, types.ErrTxNotFound
	}
	return tx, nil
}

// PostTransaction implements rpc.Backend: decode, add to the pool, and
// announce to peers on success.
func (n *Node) PostTransaction(ctx context.Context, raw []byte) (types.Hash, error) {
	tx, err := types.DecodeTransaction(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidTx, err)
	}
	if err := n.pool.Add(tx); err != nil {
		return nil, err
	}
	n.txReactor.AnnounceTransactions([]types.Hash{tx.ID()})
	return tx.ID(), nil
}

// ConnectedPeers implements rpc.Backend.
func (n *Node) ConnectedPeers(ctx context.Context) ([]rpc.PeerInfo, error) {
	peers := n.network.PeerManager().AllPeers()
	infos := make([]rpc.PeerInfo, 0, len(peers))
	for _, peer := range peers {
		info := rpc.PeerInfo{
			PeerID:    peer.PeerID.String(),
			Outbound:  peer.IsOutbound,
			Penalty:   peer.PenaltyPoints(),
			Connected: int64(peer.ConnectionDuration().Seconds()),
		}
		if tip, ok := peer.Tip(); ok {
			info.Height = uint64(tip.Height)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// UpdateForgingStatus implements rpc.Backend.
func (n *Node) UpdateForgingStatus(ctx context.Context, address types.Address, password string, forging bool) (*rpc.ForgingStatus, error) {
	if err := n.forger.UpdateForgingStatus(address, password, forging); err != nil {
		return nil, err
	}
	return &rpc.ForgingStatus{Address: address.String(), Forging: forging}, nil
}

// CreateSnapshot implements rpc.Backend.
func (n *Node) CreateSnapshot(ctx context.Context, height types.Height) (*rpc.SnapshotInfo, error) {
	snapshot, err := n.snapshots.Create(height)
	if err != nil {
		return nil, err
	}
	return &rpc.SnapshotInfo{
		Height:    uint64(snapshot.Height),
		Hash:      snapshot.Hash,
		Chunks:    snapshot.Chunks,
		CreatedAt: snapshot.CreatedAt,
	}, nil
}

// ListSnapshots implements rpc.Backend.
func (n *Node) ListSnapshots(ctx context.Context) ([]rpc.SnapshotInfo, error) {
	list, err := n.snapshots.List()
	if err != nil {
		return nil, err
	}
	infos := make([]rpc.SnapshotInfo, 0, len(list))
	for _, entry := range list {
		infos = append(infos, rpc.SnapshotInfo{
			Height:    uint64(entry.Height),
			Hash:      entry.Hash,
			Chunks:    entry.Chunks,
			Size:      entry.Size,
			CreatedAt: entry.CreatedAt,
		})
	}
	return infos, nil
}
