package handlers

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/blockberries/cramberry/pkg/cramberry"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Demosthene27/valois-sdk/blockstore"
	"github.com/Demosthene27/valois-sdk/logging"
	"github.com/Demosthene27/valois-sdk/p2p"
	"github.com/Demosthene27/valois-sdk/schema"
	chainsync "github.com/Demosthene27/valois-sdk/sync"
	"github.com/Demosthene27/valois-sdk/types"
)

// pendingKey correlates a response with its outstanding request. One
// outstanding request per peer and message type.
type pendingKey struct {
	peer   peer.ID
	typeID cramberry.TypeID
}

// SyncReactor serves the sync-stream request/response endpoints and
// implements the network surface the synchronizer drives: tip
// sampling, common-block probing and block fetching.
type SyncReactor struct {
	network     Transport
	peerManager *p2p.PeerManager
	chain       ChainStatus
	store       blockstore.Store
	logger      *logging.Logger

	pending map[pendingKey]chan any
	mu      sync.Mutex
}

var _ chainsync.Peers = (*SyncReactor)(nil)

// NewSyncReactor creates a sync reactor.
func NewSyncReactor(
	network Transport,
	peerManager *p2p.PeerManager,
	chain ChainStatus,
	store blockstore.Store,
	logger *logging.Logger,
) *SyncReactor {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &SyncReactor{
		network:     network,
		peerManager: peerManager,
		chain:       chain,
		store:       store,
		logger:      logger.WithComponent("sync-reactor"),
		pending:     make(map[pendingKey]chan any),
	}
}

// HandleMessage dispatches one sync-stream message.
func (r *SyncReactor) HandleMessage(peerID peer.ID, data []byte) error {
	typeID, payload, err := decodeFrame(data)
	if err != nil {
		return err
	}

	switch typeID {
	case schema.TypeIDStatusRequest:
		return r.handleStatusRequest(peerID, payload)
	case schema.TypeIDStatusResponse:
		return r.handleStatusResponse(peerID, payload)
	case schema.TypeIDBlocksRequest:
		return r.handleBlocksRequest(peerID, payload)
	case schema.TypeIDBlocksResponse:
		return r.handleResponse(peerID, schema.TypeIDBlocksResponse, payload)
	case schema.TypeIDCommonBlockRequest:
		return r.handleCommonBlockRequest(peerID, payload)
	case schema.TypeIDCommonBlockResponse:
		return r.handleResponse(peerID, schema.TypeIDCommonBlockResponse, payload)
	default:
		return fmt.Errorf("%w: sync type %d", types.ErrUnknownMessageType, typeID)
	}
}

// OnPeerDisconnected cancels any requests outstanding to the peer.
func (r *SyncReactor) OnPeerDisconnected(peerID peer.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, ch := range r.pending {
		if key.peer == peerID {
			close(ch)
			delete(r.pending, key)
		}
	}
}

// Server side.

func (r *SyncReactor) handleStatusRequest(peerID peer.ID, payload []byte) error {
	var req schema.StatusRequest
	if err := req.UnmarshalCramberry(payload); err != nil {
		_ = r.network.AddPenalty(peerID, p2p.PenaltyMalformed, p2p.ReasonMalformed, "undecodable status request")
		return fmt.Errorf("%w: decoding status request: %v", types.ErrInvalidMessage, err)
	}

	resp := &schema.StatusResponse{
		Height:            uint64(r.chain.TipHeight()),
		TipID:             r.chain.TipID(),
		MaxHeightPrevoted: uint64(r.chain.MaxHeightPrevoted()),
		FinalizedHeight:   uint64(r.chain.FinalizedHeight()),
	}
	data, err := encodeFrame(schema.TypeIDStatusResponse, resp)
	if err != nil {
		return fmt.Errorf("encoding status response: %w", err)
	}
	if err := r.network.Send(peerID, p2p.StreamSync, data); err != nil {
		return fmt.Errorf("sending status response: %w", err)
	}
	return nil
}

func (r *SyncReactor) handleStatusResponse(peerID peer.ID, payload []byte) error {
	var resp schema.StatusResponse
	if err := resp.UnmarshalCramberry(payload); err != nil {
		_ = r.network.AddPenalty(peerID, p2p.PenaltyMalformed, p2p.ReasonMalformed, "undecodable status response")
		return fmt.Errorf("%w: decoding status response: %v", types.ErrInvalidMessage, err)
	}

	// Every status refreshes the cached tip, solicited or not.
	if r.peerManager != nil {
		_ = r.peerManager.UpdateTip(peerID, p2p.TipReport{
			Height:            types.Height(resp.Height),
			TipID:             resp.TipID,
			MaxHeightPrevoted: types.Height(resp.MaxHeightPrevoted),
			FinalizedHeight:   types.Height(resp.FinalizedHeight),
		})
	}

	r.resolvePending(peerID, schema.TypeIDStatusResponse, &resp)
	return nil
}

func (r *SyncReactor) handleBlocksRequest(peerID peer.ID, payload []byte) error {
	var req schema.BlocksRequest
	if err := req.UnmarshalCramberry(payload); err != nil {
		_ = r.network.AddPenalty(peerID, p2p.PenaltyMalformed, p2p.ReasonMalformed, "undecodable blocks request")
		return fmt.Errorf("%w: decoding blocks request: %v", types.ErrInvalidMessage, err)
	}

	limit := int(req.Limit)
	if limit <= 0 || limit > MaxBlocksPerRequest {
		limit = MaxBlocksPerRequest
	}

	var blocks [][]byte
	if parent, err := r.store.GetBlockByID(req.BlockID); err == nil {
		stored, err := r.store.GetBlocksFromHeight(parent.Header.Height+1, limit)
		if err == nil {
			for _, block := range stored {
				raw, err := block.Encode()
				if err != nil {
					break
				}
				blocks = append(blocks, raw)
			}
		}
	}

	data, err := encodeFrame(schema.TypeIDBlocksResponse, &schema.BlocksResponse{Blocks: blocks})
	if err != nil {
		return fmt.Errorf("encoding blocks response: %w", err)
	}
	if err := r.network.Send(peerID, p2p.StreamSync, data); err != nil {
		return fmt.Errorf("sending blocks response: %w", err)
	}
	return nil
}

func (r *SyncReactor) handleCommonBlockRequest(peerID peer.ID, payload []byte) error {
	var req schema.CommonBlockRequest
	if err := req.UnmarshalCramberry(payload); err != nil {
		_ = r.network.AddPenalty(peerID, p2p.PenaltyMalformed, p2p.ReasonMalformed, "undecodable common block request")
		return fmt.Errorf("%w: decoding common block request: %v", types.ErrInvalidMessage, err)
	}
	if len(req.BlockIDs) > MaxCommonBlockProbes {
		_ = r.network.AddPenalty(peerID, p2p.PenaltyMalformed, p2p.ReasonMalformed,
			fmt.Sprintf("%d common block probes", len(req.BlockIDs)))
		return fmt.Errorf("%w: %d probes", types.ErrInvalidMessage, len(req.BlockIDs))
	}

	resp := &schema.CommonBlockResponse{}
	for _, id := range req.BlockIDs {
		block, err := r.store.GetBlockByID(id)
		if err != nil {
			continue
		}
		if !resp.Found || uint64(block.Header.Height) > resp.Height {
			resp.Found = true
			resp.BlockID = id
			resp.Height = uint64(block.Header.Height)
		}
	}

	data, err := encodeFrame(schema.TypeIDCommonBlockResponse, resp)
	if err != nil {
		return fmt.Errorf("encoding common block response: %w", err)
	}
	if err := r.network.Send(peerID, p2p.StreamSync, data); err != nil {
		return fmt.Errorf("sending common block response: %w", err)
	}
	return nil
}

// handleResponse decodes a reply and hands it to the waiting request.
func (r *SyncReactor) handleResponse(peerID peer.ID, typeID cramberry.TypeID, payload []byte) error {
	var msg any
	switch typeID {
	case schema.TypeIDBlocksResponse:
		var resp schema.BlocksResponse
		if err := resp.UnmarshalCramberry(payload); err != nil {
			_ = r.network.AddPenalty(peerID, p2p.PenaltyMalformed, p2p.ReasonMalformed, "undecodable blocks response")
			return fmt.Errorf("%w: decoding blocks response: %v", types.ErrInvalidMessage, err)
		}
		msg = &resp
	case schema.TypeIDCommonBlockResponse:
		var resp schema.CommonBlockResponse
		if err := resp.UnmarshalCramberry(payload); err != nil {
			_ = r.network.AddPenalty(peerID, p2p.PenaltyMalformed, p2p.ReasonMalformed, "undecodable common block response")
			return fmt.Errorf("%w: decoding common block response: %v", types.ErrInvalidMessage, err)
		}
		msg = &resp
	}

	if !r.resolvePending(peerID, typeID, msg) {
		_ = r.network.AddPenalty(peerID, p2p.PenaltyUnsolicited, p2p.ReasonUnsolicited,
			fmt.Sprintf("response type %d without request", typeID))
	}
	return nil
}

// Client side.

func (r *SyncReactor) resolvePending(peerID peer.ID, typeID cramberry.TypeID, msg any) bool {
	key := pendingKey{peer: peerID, typeID: typeID}

	r.mu.Lock()
	ch, ok := r.pending[key]
	if ok {
		delete(r.pending, key)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	ch <- msg
	close(ch)
	return true
}

// request sends one framed request and waits for its reply. The reply
// channel is buffered so a late response never blocks the router.
func (r *SyncReactor) request(
	ctx context.Context,
	peerID peer.ID,
	reqTypeID, respTypeID cramberry.TypeID,
	msg cramberryMarshaler,
) (any, error) {
	key := pendingKey{peer: peerID, typeID: respTypeID}
	ch := make(chan any, 1)

	r.mu.Lock()
	if _, exists := r.pending[key]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: request type %d to %s", types.ErrBusy, reqTypeID, peerID)
	}
	r.pending[key] = ch
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		if r.pending[key] == ch {
			delete(r.pending, key)
		}
		r.mu.Unlock()
	}

	data, err := encodeFrame(reqTypeID, msg)
	if err != nil {
		cancel()
		return nil, err
	}
	if err := r.network.Send(peerID, p2p.StreamSync, data); err != nil {
		cancel()
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, types.ErrPeerNotFound
		}
		return resp, nil
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}
}

// SampleTips queries up to n random peers for their chain view.
func (r *SyncReactor) SampleTips(ctx context.Context, n int) ([]chainsync.TipReport, error) {
	peers := r.peerManager.AllPeerIDs()
	rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
	if len(peers) > n {
		peers = peers[:n]
	}
	if len(peers) == 0 {
		return nil, types.ErrInsufficientPeers
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		reports []chainsync.TipReport
	)
	for _, peerID := range peers {
		wg.Add(1)
		go func(pid peer.ID) {
			defer wg.Done()
			resp, err := r.request(ctx, pid, schema.TypeIDStatusRequest, schema.TypeIDStatusResponse,
				&schema.StatusRequest{})
			if err != nil {
				return
			}
			status, ok := resp.(*schema.StatusResponse)
			if !ok {
				return
			}
			mu.Lock()
			reports = append(reports, chainsync.TipReport{
				PeerID:            types.PeerID(pid),
				Height:            types.Height(status.Height),
				TipID:             status.TipID,
				MaxHeightPrevoted: types.Height(status.MaxHeightPrevoted),
			})
			mu.Unlock()
		}(peerID)
	}
	wg.Wait()

	if len(reports) == 0 {
		return nil, types.ErrInsufficientPeers
	}
	return reports, nil
}

// HighestCommonBlock probes the peer with our block ids and returns
// the highest header it shares, or nil when it shares none. The probes
// are local chain ids, so a positive answer always resolves locally.
func (r *SyncReactor) HighestCommonBlock(ctx context.Context, p types.PeerID, ids []types.Hash) (*types.BlockHeader, error) {
	probes := make([][]byte, len(ids))
	for i, id := range ids {
		probes[i] = id
	}

	resp, err := r.request(ctx, peer.ID(p), schema.TypeIDCommonBlockRequest, schema.TypeIDCommonBlockResponse,
		&schema.CommonBlockRequest{BlockIDs: probes})
	if err != nil {
		return nil, err
	}
	common, ok := resp.(*schema.CommonBlockResponse)
	if !ok || !common.Found {
		return nil, nil
	}

	block, err := r.store.GetBlockByID(common.BlockID)
	if err != nil {
		r.logger.Warn("peer claimed unknown common block",
			logging.PeerIDStr(string(p)), logging.BlockHash(common.BlockID))
		return nil, nil
	}
	return &block.Header, nil
}

// BlocksFromID fetches up to limit blocks following the given id from
// the peer's chain.
func (r *SyncReactor) BlocksFromID(ctx context.Context, p types.PeerID, from types.Hash, limit int) ([]*types.Block, error) {
	if limit <= 0 || limit > MaxBlocksPerRequest {
		limit = MaxBlocksPerRequest
	}

	resp, err := r.request(ctx, peer.ID(p), schema.TypeIDBlocksRequest, schema.TypeIDBlocksResponse,
		&schema.BlocksRequest{BlockID: from, Limit: uint32(limit)})
	if err != nil {
		return nil, err
	}
	payload, ok := resp.(*schema.BlocksResponse)
	if !ok {
		return nil, types.ErrInvalidMessage
	}

	blocks := make([]*types.Block, 0, len(payload.Blocks))
	for _, raw := range payload.Blocks {
		block, err := types.DecodeBlock(raw)
		if err != nil {
			_ = r.network.AddPenalty(peer.ID(p), p2p.PenaltyMalformed, p2p.ReasonMalformed, "undecodable block in response")
			return nil, fmt.Errorf("%w: decoding block: %v", types.ErrInvalidMessage, err)
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// Penalize applies misbehaviour points observed by the synchronizer.
func (r *SyncReactor) Penalize(p types.PeerID, points int, reason string) {
	_ = r.network.AddPenalty(peer.ID(p), int64(points), p2p.PenaltyReason(reason), "")
}
