package handlers

import (
	"crypto/ed25519"
	"sync"
	"testing"
	"time"

	"github.com/blockberries/cramberry/pkg/cramberry"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/Demosthene27/valois-sdk/p2p"
	"github.com/Demosthene27/valois-sdk/types"
)

var _ Transport = (*fakeTransport)(nil)

type sentMessage struct {
	PeerID  peer.ID
	Stream  string
	Data    []byte
	Exclude peer.ID
}

type penaltyRecord struct {
	PeerID  peer.ID
	Points  int64
	Reason  string
	Message string
}

// fakeTransport records every outbound action. An optional SendHook
// lets tests loop responses back into a reactor.
type fakeTransport struct {
	mu           sync.Mutex
	sent         []sentMessage
	broadcasts   []sentMessage
	penalties    []penaltyRecord
	tempBans     map[peer.ID]string
	disconnected []peer.ID
	prepared     map[peer.ID][]byte
	finalized    []peer.ID

	SendHook func(peerID peer.ID, stream string, data []byte)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		tempBans: make(map[peer.ID]string),
		prepared: make(map[peer.ID][]byte),
	}
}

func (f *fakeTransport) Send(peerID peer.ID, stream string, data []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, sentMessage{PeerID: peerID, Stream: stream, Data: data})
	hook := f.SendHook
	f.mu.Unlock()
	if hook != nil {
		hook(peerID, stream, data)
	}
	return nil
}

func (f *fakeTransport) Disconnect(peerID peer.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, peerID)
	return nil
}

func (f *fakeTransport) TempBanPeer(peerID peer.ID, _ time.Duration, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tempBans[peerID] = reason
	return nil
}

func (f *fakeTransport) AddPenalty(peerID peer.ID, points int64, reason p2p.PenaltyReason, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.penalties = append(f.penalties, penaltyRecord{
		PeerID: peerID, Points: points, Reason: string(reason), Message: message,
	})
	return nil
}

func (f *fakeTransport) PrepareStreams(peerID peer.ID, peerPubKey ed25519.PublicKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepared[peerID] = peerPubKey
	return nil
}

func (f *fakeTransport) FinalizeHandshake(peerID peer.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized = append(f.finalized, peerID)
	return nil
}

func (f *fakeTransport) BroadcastBlock(blockID types.Hash, data []byte, exclude peer.ID) []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, sentMessage{Data: data, Exclude: exclude})
	return nil
}

func (f *fakeTransport) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func (f *fakeTransport) broadcastMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.broadcasts...)
}

func (f *fakeTransport) penaltyRecords() []penaltyRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]penaltyRecord(nil), f.penalties...)
}

func (f *fakeTransport) tempBanReason(peerID peer.ID) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reason, ok := f.tempBans[peerID]
	return reason, ok
}

func (f *fakeTransport) preparedKey(peerID peer.ID) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, ok := f.prepared[peerID]
	return key, ok
}

func (f *fakeTransport) finalizedPeers() []peer.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]peer.ID(nil), f.finalized...)
}

// fakeChain is a fixed local chain view.
type fakeChain struct {
	height            types.Height
	tipID             types.Hash
	maxHeightPrevoted types.Height
	finalizedHeight   types.Height
}

func (c *fakeChain) TipHeight() types.Height         { return c.height }
func (c *fakeChain) TipID() types.Hash               { return c.tipID }
func (c *fakeChain) MaxHeightPrevoted() types.Height { return c.maxHeightPrevoted }
func (c *fakeChain) FinalizedHeight() types.Height   { return c.finalizedHeight }

func testKey(t *testing.T, seed byte) ed25519.PrivateKey {
	t.Helper()
	seedBytes := make([]byte, ed25519.SeedSize)
	for i := range seedBytes {
		seedBytes[i] = seed + byte(i)
	}
	return ed25519.NewKeyFromSeed(seedBytes)
}

func testBlock(t *testing.T, height types.Height, prev types.Hash) *types.Block {
	t.Helper()
	priv := testKey(t, 7)
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

// decodeSent splits a captured frame back into type ID and payload.
func decodeSent(t *testing.T, data []byte) (cramberry.TypeID, []byte) {
	t.Helper()
	typeID, payload, err := decodeFrame(data)
	require.NoError(t, err)
	return typeID, payload
}
