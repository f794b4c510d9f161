package handlers

import (
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Demosthene27/valois-sdk/logging"
	"github.com/Demosthene27/valois-sdk/p2p"
	"github.com/Demosthene27/valois-sdk/schema"
	"github.com/Demosthene27/valois-sdk/types"
)

// recentBlocksCacheSize bounds the gossip dedup cache.
const recentBlocksCacheSize = 1024

// BlockProcessor consumes gossiped blocks. The block processor
// implements it.
type BlockProcessor interface {
	Process(block *types.Block, origin types.BlockOrigin, peer types.PeerID) error
}

// BlockReactor handles block gossip: incoming blocks are verified,
// handed to the processor and relayed to peers that have not seen
// them yet.
type BlockReactor struct {
	network     Transport
	peerManager *p2p.PeerManager
	processor   BlockProcessor
	logger      *logging.Logger

	// syncActive gates gossip while a recovery mechanism runs.
	syncActive func() bool

	recentSeen *lru.Cache[string, struct{}]

	mu sync.RWMutex
}

// NewBlockReactor creates a block reactor.
func NewBlockReactor(
	network Transport,
	peerManager *p2p.PeerManager,
	processor BlockProcessor,
	logger *logging.Logger,
) *BlockReactor {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	recentSeen, _ := lru.New[string, struct{}](recentBlocksCacheSize)
	return &BlockReactor{
		network:     network,
		peerManager: peerManager,
		processor:   processor,
		logger:      logger.WithComponent("blocks"),
		syncActive:  func() bool { return false },
		recentSeen:  recentSeen,
	}
}

// SetSyncActive installs the gate consulted before processing gossip.
func (r *BlockReactor) SetSyncActive(fn func() bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn != nil {
		r.syncActive = fn
	}
}

// HandleMessage dispatches one blocks-stream message.
func (r *BlockReactor) HandleMessage(peerID peer.ID, data []byte) error {
	typeID, payload, err := decodeFrame(data)
	if err != nil {
		return err
	}

	switch typeID {
	case schema.TypeIDBlockData:
		return r.handleBlockData(peerID, payload)
	default:
		return fmt.Errorf("%w: blocks type %d", types.ErrUnknownMessageType, typeID)
	}
}

func (r *BlockReactor) handleBlockData(peerID peer.ID, payload []byte) error {
	var msg schema.BlockData
	if err := msg.UnmarshalCramberry(payload); err != nil {
		_ = r.network.AddPenalty(peerID, p2p.PenaltyMalformed, p2p.ReasonMalformed, "undecodable block message")
		return fmt.Errorf("%w: decoding block data: %v", types.ErrInvalidMessage, err)
	}

	block, err := types.DecodeBlock(msg.Data)
	if err != nil {
		_ = r.network.AddPenalty(peerID, p2p.PenaltyMalformed, p2p.ReasonMalformed, "undecodable block payload")
		return fmt.Errorf("%w: decoding block: %v", types.ErrInvalidMessage, err)
	}

	// The advertised id and height must match the payload.
	blockID := block.Header.ID()
	if !blockID.Equal(msg.Hash) || uint64(block.Header.Height) != msg.Height {
		_ = r.network.AddPenalty(peerID, p2p.PenaltyMalformed, p2p.ReasonMalformed, "block id mismatch")
		return fmt.Errorf("%w: block id mismatch", types.ErrInvalidMessage)
	}

	if r.peerManager != nil {
		_ = r.peerManager.MarkBlockSeen(peerID, blockID)
	}

	if seen, _ := r.recentSeen.ContainsOrAdd(string(blockID), struct{}{}); seen {
		return nil
	}

	r.mu.RLock()
	syncActive := r.syncActive
	r.mu.RUnlock()
	if syncActive() {
		r.logger.Debug("dropping gossiped block during sync",
			logging.Height(msg.Height), logging.PeerID(peerID))
		return nil
	}

	if err := r.processor.Process(block, types.OriginPeer, types.PeerID(peerID)); err != nil {
		return r.handleProcessError(peerID, msg.Height, err)
	}

	r.relay(peerID, blockID, msg.Height, msg.Data)
	return nil
}

// handleProcessError maps processor failures onto peer penalties.
// Out-of-order blocks already triggered the synchronizer, they are not
// the peer's fault.
func (r *BlockReactor) handleProcessError(peerID peer.ID, height uint64, err error) error {
	switch {
	case errors.Is(err, types.ErrBlockAlreadyExists),
		errors.Is(err, types.ErrForkDetected),
		errors.Is(err, types.ErrBusy):
		return nil

	case errors.Is(err, types.ErrStaleBlock):
		_ = r.network.AddPenalty(peerID, p2p.PenaltyStaleBlock, p2p.ReasonStaleBlock, err.Error())
		return nil

	case errors.Is(err, types.ErrIrrecoverableFork):
		_ = r.network.AddPenalty(peerID, p2p.PenaltyIrrecoverable, p2p.ReasonIrrecoverable, err.Error())
		return nil

	case errors.Is(err, types.ErrInvalidBlock),
		errors.Is(err, types.ErrBlockVerification),
		errors.Is(err, types.ErrInvalidSignature),
		errors.Is(err, types.ErrInvalidTransactionRoot),
		errors.Is(err, types.ErrInvalidBlockHeight),
		errors.Is(err, types.ErrContradictingHeader):
		_ = r.network.AddPenalty(peerID, p2p.PenaltyInvalidBlock, p2p.ReasonInvalidBlock, err.Error())
		return nil

	default:
		r.logger.Warn("processing gossiped block",
			logging.Height(height), logging.PeerID(peerID), logging.Error(err))
		return nil
	}
}

func (r *BlockReactor) relay(fromPeer peer.ID, blockID types.Hash, height uint64, blockData []byte) {
	data, err := encodeFrame(schema.TypeIDBlockData, &schema.BlockData{
		Height: height,
		Hash:   blockID,
		Data:   blockData,
	})
	if err != nil {
		return
	}
	r.network.BroadcastBlock(blockID, data, fromPeer)
}

// BroadcastBlock announces a locally produced or adopted block.
func (r *BlockReactor) BroadcastBlock(block *types.Block) error {
	blockData, err := block.Encode()
	if err != nil {
		return fmt.Errorf("encoding block: %w", err)
	}
	blockID := block.Header.ID()

	data, err := encodeFrame(schema.TypeIDBlockData, &schema.BlockData{
		Height: uint64(block.Header.Height),
		Hash:   blockID,
		Data:   blockData,
	})
	if err != nil {
		return fmt.Errorf("encoding block message: %w", err)
	}

	r.recentSeen.Add(string(blockID), struct{}{})
	r.network.BroadcastBlock(blockID, data, "")
	return nil
}
