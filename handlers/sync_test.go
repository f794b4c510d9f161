package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/Demosthene27/valois-sdk/blockstore"
	"github.com/Demosthene27/valois-sdk/p2p"
	"github.com/Demosthene27/valois-sdk/schema"
	"github.com/Demosthene27/valois-sdk/types"
)

func newSyncFixture(t *testing.T, chainLen int) (*SyncReactor, *fakeTransport, *p2p.PeerManager, []*types.Block) {
	t.Helper()
	transport := newFakeTransport()
	pm := p2p.NewPeerManager()
	store := blockstore.NewMemoryStore(10)

	blocks := testChain(t, chainLen)
	for _, block := range blocks {
		require.NoError(t, store.SaveBlock(block))
	}

	tip := &fakeChain{height: 3, tipID: types.EmptyHash(), maxHeightPrevoted: 2, finalizedHeight: 1}
	if chainLen > 0 {
		last := blocks[chainLen-1]
		tip.height = last.Header.Height
		tip.tipID = last.Header.ID()
	}

	r := NewSyncReactor(transport, pm, tip, store, nil)
	return r, transport, pm, blocks
}

func TestStatusRequestServed(t *testing.T) {
	r, transport, _, blocks := newSyncFixture(t, 4)

	frame, err := encodeFrame(schema.TypeIDStatusRequest, &schema.StatusRequest{})
	require.NoError(t, err)
	require.NoError(t, r.HandleMessage(peer.ID("a"), frame))

	sent := transport.sentMessages()
	require.Len(t, sent, 1)
	require.Equal(t, p2p.StreamSync, sent[0].Stream)

	typeID, payload := decodeSent(t, sent[0].Data)
	require.Equal(t, schema.TypeIDStatusResponse, typeID)
	var resp schema.StatusResponse
	require.NoError(t, resp.UnmarshalCramberry(payload))
	require.Equal(t, uint64(3), resp.Height)
	require.Equal(t, []byte(blocks[3].Header.ID()), resp.TipID)
	require.Equal(t, uint64(2), resp.MaxHeightPrevoted)
	require.Equal(t, uint64(1), resp.FinalizedHeight)
}

func TestStatusResponseRefreshesTip(t *testing.T) {
	r, transport, pm, _ := newSyncFixture(t, 1)
	peerID := peer.ID("a")
	pm.AddPeer(peerID, false)

	frame, err := encodeFrame(schema.TypeIDStatusResponse, &schema.StatusResponse{
		Height:            77,
		TipID:             types.EmptyHash(),
		MaxHeightPrevoted: 70,
		FinalizedHeight:   60,
	})
	require.NoError(t, err)
	require.NoError(t, r.HandleMessage(peerID, frame))

	report, ok := pm.TipReports()[peerID]
	require.True(t, ok)
	require.Equal(t, types.Height(77), report.Height)
	require.Equal(t, types.Height(60), report.FinalizedHeight)

	// Unsolicited status is tolerated, no penalty.
	require.Empty(t, transport.penaltyRecords())
}

func TestBlocksRequestServed(t *testing.T) {
	r, transport, _, blocks := newSyncFixture(t, 6)

	frame, err := encodeFrame(schema.TypeIDBlocksRequest, &schema.BlocksRequest{
		BlockID: blocks[1].Header.ID(),
		Limit:   2,
	})
	require.NoError(t, err)
	require.NoError(t, r.HandleMessage(peer.ID("a"), frame))

	sent := transport.sentMessages()
	require.Len(t, sent, 1)
	typeID, payload := decodeSent(t, sent[0].Data)
	require.Equal(t, schema.TypeIDBlocksResponse, typeID)

	var resp schema.BlocksResponse
	require.NoError(t, resp.UnmarshalCramberry(payload))
	require.Len(t, resp.Blocks, 2)

	first, err := types.DecodeBlock(resp.Blocks[0])
	require.NoError(t, err)
	require.Equal(t, types.Height(2), first.Header.Height)
	second, err := types.DecodeBlock(resp.Blocks[1])
	require.NoError(t, err)
	require.Equal(t, types.Height(3), second.Header.Height)
}

func TestBlocksRequestUnknownParent(t *testing.T) {
	r, transport, _, _ := newSyncFixture(t, 3)

	unknown := make([]byte, types.HashSize)
	unknown[0] = 0xaa
	frame, err := encodeFrame(schema.TypeIDBlocksRequest, &schema.BlocksRequest{BlockID: unknown, Limit: 5})
	require.NoError(t, err)
	require.NoError(t, r.HandleMessage(peer.ID("a"), frame))

	sent := transport.sentMessages()
	require.Len(t, sent, 1)
	_, payload := decodeSent(t, sent[0].Data)
	var resp schema.BlocksResponse
	require.NoError(t, resp.UnmarshalCramberry(payload))
	require.Empty(t, resp.Blocks)
}

func TestBlocksRequestClampsLimit(t *testing.T) {
	r, transport, _, blocks := newSyncFixture(t, 40)

	frame, err := encodeFrame(schema.TypeIDBlocksRequest, &schema.BlocksRequest{
		BlockID: blocks[0].Header.ID(),
		Limit:   1000,
	})
	require.NoError(t, err)
	require.NoError(t, r.HandleMessage(peer.ID("a"), frame))

	sent := transport.sentMessages()
	require.Len(t, sent, 1)
	_, payload := decodeSent(t, sent[0].Data)
	var resp schema.BlocksResponse
	require.NoError(t, resp.UnmarshalCramberry(payload))
	require.Len(t, resp.Blocks, MaxBlocksPerRequest)
}

func TestCommonBlockRequestServed(t *testing.T) {
	r, transport, _, blocks := newSyncFixture(t, 5)

	unknown := make([]byte, types.HashSize)
	unknown[0] = 0xbb
	frame, err := encodeFrame(schema.TypeIDCommonBlockRequest, &schema.CommonBlockRequest{
		BlockIDs: [][]byte{unknown, blocks[1].Header.ID(), blocks[3].Header.ID()},
	})
	require.NoError(t, err)
	require.NoError(t, r.HandleMessage(peer.ID("a"), frame))

	sent := transport.sentMessages()
	require.Len(t, sent, 1)
	_, payload := decodeSent(t, sent[0].Data)
	var resp schema.CommonBlockResponse
	require.NoError(t, resp.UnmarshalCramberry(payload))
	require.True(t, resp.Found)
	require.Equal(t, []byte(blocks[3].Header.ID()), resp.BlockID)
	require.Equal(t, uint64(3), resp.Height)
}

func TestCommonBlockRequestNoneFound(t *testing.T) {
	r, transport, _, _ := newSyncFixture(t, 2)

	unknown := make([]byte, types.HashSize)
	unknown[0] = 0xcc
	frame, err := encodeFrame(schema.TypeIDCommonBlockRequest, &schema.CommonBlockRequest{
		BlockIDs: [][]byte{unknown},
	})
	require.NoError(t, err)
	require.NoError(t, r.HandleMessage(peer.ID("a"), frame))

	sent := transport.sentMessages()
	require.Len(t, sent, 1)
	_, payload := decodeSent(t, sent[0].Data)
	var resp schema.CommonBlockResponse
	require.NoError(t, resp.UnmarshalCramberry(payload))
	require.False(t, resp.Found)
}

func TestCommonBlockRequestOversized(t *testing.T) {
	r, transport, _, _ := newSyncFixture(t, 1)

	ids := make([][]byte, MaxCommonBlockProbes+1)
	for i := range ids {
		ids[i] = make([]byte, types.HashSize)
	}
	frame, err := encodeFrame(schema.TypeIDCommonBlockRequest, &schema.CommonBlockRequest{BlockIDs: ids})
	require.NoError(t, err)

	err = r.HandleMessage(peer.ID("a"), frame)
	require.ErrorIs(t, err, types.ErrInvalidMessage)
	penalties := transport.penaltyRecords()
	require.Len(t, penalties, 1)
	require.Equal(t, p2p.PenaltyMalformed, penalties[0].Points)
}

func TestUnsolicitedResponsePenalized(t *testing.T) {
	r, transport, _, _ := newSyncFixture(t, 1)

	frame, err := encodeFrame(schema.TypeIDBlocksResponse, &schema.BlocksResponse{})
	require.NoError(t, err)
	require.NoError(t, r.HandleMessage(peer.ID("a"), frame))

	penalties := transport.penaltyRecords()
	require.Len(t, penalties, 1)
	require.Equal(t, p2p.PenaltyUnsolicited, penalties[0].Points)
}

// loopback feeds everything the reactor sends back into itself, so the
// same instance plays both client and server.
func loopback(t *testing.T, r *SyncReactor, transport *fakeTransport) {
	t.Helper()
	transport.SendHook = func(peerID peer.ID, _ string, data []byte) {
		_ = r.HandleMessage(peerID, data)
	}
}

func TestSampleTips(t *testing.T) {
	r, transport, pm, _ := newSyncFixture(t, 4)
	pm.AddPeer(peer.ID("a"), true)
	pm.AddPeer(peer.ID("b"), false)
	loopback(t, r, transport)

	reports, err := r.SampleTips(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	for _, report := range reports {
		require.Equal(t, types.Height(3), report.Height)
	}
}

func TestSampleTipsNoPeers(t *testing.T) {
	r, _, _, _ := newSyncFixture(t, 1)

	_, err := r.SampleTips(context.Background(), 3)
	require.ErrorIs(t, err, types.ErrInsufficientPeers)
}

func TestHighestCommonBlock(t *testing.T) {
	r, transport, _, blocks := newSyncFixture(t, 5)
	loopback(t, r, transport)

	header, err := r.HighestCommonBlock(context.Background(), types.PeerID("a"), []types.Hash{
		blocks[1].Header.ID(), blocks[4].Header.ID(),
	})
	require.NoError(t, err)
	require.NotNil(t, header)
	require.Equal(t, types.Height(4), header.Height)
}

func TestHighestCommonBlockNoneShared(t *testing.T) {
	r, transport, _, _ := newSyncFixture(t, 2)
	loopback(t, r, transport)

	unknown := make(types.Hash, types.HashSize)
	unknown[0] = 0xdd
	header, err := r.HighestCommonBlock(context.Background(), types.PeerID("a"), []types.Hash{unknown})
	require.NoError(t, err)
	require.Nil(t, header)
}

func TestBlocksFromID(t *testing.T) {
	r, transport, _, blocks := newSyncFixture(t, 6)
	loopback(t, r, transport)

	fetched, err := r.BlocksFromID(context.Background(), types.PeerID("a"), blocks[2].Header.ID(), 3)
	require.NoError(t, err)
	require.Len(t, fetched, 3)
	require.Equal(t, types.Height(3), fetched[0].Header.Height)
	require.Equal(t, types.Height(5), fetched[2].Header.Height)
}

func TestRequestBusy(t *testing.T) {
	r, transport, _, _ := newSyncFixture(t, 1)
	peerID := types.PeerID("a")

	sentCh := make(chan struct{}, 1)
	transport.SendHook = func(peer.ID, string, []byte) {
		sentCh <- struct{}{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		_, err := r.HighestCommonBlock(ctx, peerID, []types.Hash{types.EmptyHash()})
		errCh <- err
	}()
	<-sentCh

	_, err := r.HighestCommonBlock(context.Background(), peerID, []types.Hash{types.EmptyHash()})
	require.ErrorIs(t, err, types.ErrBusy)

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
}

func TestRequestCancelledOnDisconnect(t *testing.T) {
	r, transport, _, _ := newSyncFixture(t, 1)
	peerID := peer.ID("a")

	sentCh := make(chan struct{}, 1)
	transport.SendHook = func(peer.ID, string, []byte) {
		sentCh <- struct{}{}
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := r.BlocksFromID(context.Background(), types.PeerID(peerID), types.EmptyHash(), 1)
		errCh <- err
	}()
	<-sentCh

	r.OnPeerDisconnected(peerID)

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, types.ErrPeerNotFound)
	case <-time.After(2 * time.Second):
		t.Fatal("request not cancelled by disconnect")
	}
}

func TestPenalizePassthrough(t *testing.T) {
	r, transport, _, _ := newSyncFixture(t, 1)

	r.Penalize(types.PeerID("a"), 10, "no common block")

	penalties := transport.penaltyRecords()
	require.Len(t, penalties, 1)
	require.Equal(t, int64(10), penalties[0].Points)
	require.Equal(t, "no common block", penalties[0].Reason)
}

func TestSyncStreamUnknownType(t *testing.T) {
	r, _, _, _ := newSyncFixture(t, 1)
	data, err := encodeFrame(schema.TypeIDBlockData, &schema.BlockData{})
	require.NoError(t, err)
	err = r.HandleMessage(peer.ID("a"), data)
	require.ErrorIs(t, err, types.ErrUnknownMessageType)
}
