package handlers

import (
	"crypto/ed25519"
	"sync"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/Demosthene27/valois-sdk/p2p"
	"github.com/Demosthene27/valois-sdk/schema"
	"github.com/Demosthene27/valois-sdk/types"
)

type fakePool struct {
	mu     sync.Mutex
	txs    map[string]*types.Transaction
	addErr error
	added  []*types.Transaction
}

func newFakePool() *fakePool {
	return &fakePool{txs: make(map[string]*types.Transaction)}
}

func (p *fakePool) Add(tx *types.Transaction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.addErr != nil {
		return p.addErr
	}
	p.txs[string(tx.ID())] = tx
	p.added = append(p.added, tx)
	return nil
}

func (p *fakePool) Has(id types.Hash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.txs[string(id)]
	return ok
}

func (p *fakePool) Get(id types.Hash) (*types.Transaction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tx, ok := p.txs[string(id)]
	if !ok {
		return nil, types.ErrTxNotFound
	}
	return tx, nil
}

var _ TransactionPool = (*fakePool)(nil)

func testTransaction(t *testing.T, nonce uint64) *types.Transaction {
	t.Helper()
	priv := testKey(t, 11)
	tx := &types.Transaction{
		ModuleID:        2,
		AssetID:         0,
		Nonce:           nonce,
		Fee:             200000,
		SenderPublicKey: priv.Public().(ed25519.PublicKey),
		Asset:           []byte{0x01, 0x02},
	}
	require.NoError(t, tx.Sign(priv))
	require.NoError(t, tx.Init())
	return tx
}

func newTxFixture(t *testing.T) (*TransactionReactor, *fakeTransport, *fakePool, *p2p.PeerManager) {
	t.Helper()
	transport := newFakeTransport()
	pm := p2p.NewPeerManager()
	pool := newFakePool()
	r := NewTransactionReactor(transport, pm, pool, nil)
	return r, transport, pool, pm
}

func announcementFrame(t *testing.T, ids [][]byte) []byte {
	t.Helper()
	data, err := encodeFrame(schema.TypeIDTransactionsAnnouncement, &schema.TransactionsAnnouncement{
		TransactionIDs: ids,
	})
	require.NoError(t, err)
	return data
}

func TestAnnouncementFetchesUnknown(t *testing.T) {
	r, transport, pool, pm := newTxFixture(t)
	sender := peer.ID("sender")
	pm.AddPeer(sender, false)

	known := testTransaction(t, 1)
	require.NoError(t, pool.Add(known))
	unknown := testTransaction(t, 2)

	frame := announcementFrame(t, [][]byte{known.ID(), unknown.ID()})
	require.NoError(t, r.HandleMessage(sender, frame))

	sent := transport.sentMessages()
	require.Len(t, sent, 1)
	require.Equal(t, p2p.StreamTransactions, sent[0].Stream)

	typeID, payload := decodeSent(t, sent[0].Data)
	require.Equal(t, schema.TypeIDTransactionsRequest, typeID)
	var req schema.TransactionsRequest
	require.NoError(t, req.UnmarshalCramberry(payload))
	require.Len(t, req.TransactionIDs, 1)
	require.Equal(t, []byte(unknown.ID()), req.TransactionIDs[0])

	// Announcing again must not trigger a second fetch.
	require.NoError(t, r.HandleMessage(sender, frame))
	require.Len(t, transport.sentMessages(), 1)
}

func TestAnnouncementAllKnown(t *testing.T) {
	r, transport, pool, _ := newTxFixture(t)
	known := testTransaction(t, 1)
	require.NoError(t, pool.Add(known))

	require.NoError(t, r.HandleMessage(peer.ID("a"), announcementFrame(t, [][]byte{known.ID()})))
	require.Empty(t, transport.sentMessages())
}

func TestAnnouncementOversized(t *testing.T) {
	r, transport, _, _ := newTxFixture(t)

	ids := make([][]byte, MaxTransactionIDsPerMessage+1)
	for i := range ids {
		ids[i] = make([]byte, types.HashSize)
	}
	err := r.HandleMessage(peer.ID("a"), announcementFrame(t, ids))
	require.ErrorIs(t, err, types.ErrInvalidMessage)

	penalties := transport.penaltyRecords()
	require.Len(t, penalties, 1)
	require.Equal(t, p2p.PenaltyMalformed, penalties[0].Points)
}

func TestAnnouncementBadIDLength(t *testing.T) {
	r, transport, _, _ := newTxFixture(t)

	err := r.HandleMessage(peer.ID("a"), announcementFrame(t, [][]byte{{0x01, 0x02}}))
	require.ErrorIs(t, err, types.ErrInvalidMessage)
	require.Len(t, transport.penaltyRecords(), 1)
}

func TestTransactionRequestServed(t *testing.T) {
	r, transport, pool, pm := newTxFixture(t)
	requester := peer.ID("requester")
	pm.AddPeer(requester, false)

	tx := testTransaction(t, 3)
	require.NoError(t, pool.Add(tx))
	missing := testTransaction(t, 4)

	frame, err := encodeFrame(schema.TypeIDTransactionsRequest, &schema.TransactionsRequest{
		TransactionIDs: [][]byte{tx.ID(), missing.ID()},
	})
	require.NoError(t, err)
	require.NoError(t, r.HandleMessage(requester, frame))

	sent := transport.sentMessages()
	require.Len(t, sent, 1)
	typeID, payload := decodeSent(t, sent[0].Data)
	require.Equal(t, schema.TypeIDTransactionsResponse, typeID)

	var resp schema.TransactionsResponse
	require.NoError(t, resp.UnmarshalCramberry(payload))
	require.Len(t, resp.Transactions, 1)

	decoded, err := types.DecodeTransaction(resp.Transactions[0])
	require.NoError(t, err)
	require.True(t, decoded.ID().Equal(tx.ID()))

	// The served transaction is marked sent, so it is never announced back.
	state := pm.GetPeer(requester)
	require.NotNil(t, state)
	require.False(t, state.ShouldSendTx(tx.ID()))
}

func TestTransactionResponseAcceptedAndReannounced(t *testing.T) {
	r, transport, pool, pm := newTxFixture(t)
	sender := peer.ID("sender")
	other := peer.ID("other")
	pm.AddPeer(sender, false)
	pm.AddPeer(other, true)

	tx := testTransaction(t, 5)
	raw, err := tx.Bytes()
	require.NoError(t, err)

	frame, err := encodeFrame(schema.TypeIDTransactionsResponse, &schema.TransactionsResponse{
		Transactions: [][]byte{raw},
	})
	require.NoError(t, err)
	require.NoError(t, r.HandleMessage(sender, frame))

	require.True(t, pool.Has(tx.ID()))

	// Re-announced only to the peer that has not seen it.
	sent := transport.sentMessages()
	require.Len(t, sent, 1)
	require.Equal(t, other, sent[0].PeerID)
	typeID, payload := decodeSent(t, sent[0].Data)
	require.Equal(t, schema.TypeIDTransactionsAnnouncement, typeID)
	var ann schema.TransactionsAnnouncement
	require.NoError(t, ann.UnmarshalCramberry(payload))
	require.Len(t, ann.TransactionIDs, 1)
	require.Equal(t, []byte(tx.ID()), ann.TransactionIDs[0])
}

func TestTransactionResponseInvalidTx(t *testing.T) {
	r, transport, pool, _ := newTxFixture(t)
	pool.addErr = types.ErrInvalidTx

	tx := testTransaction(t, 6)
	raw, err := tx.Bytes()
	require.NoError(t, err)

	frame, err := encodeFrame(schema.TypeIDTransactionsResponse, &schema.TransactionsResponse{
		Transactions: [][]byte{raw},
	})
	require.NoError(t, err)
	require.NoError(t, r.HandleMessage(peer.ID("a"), frame))

	penalties := transport.penaltyRecords()
	require.Len(t, penalties, 1)
	require.Equal(t, p2p.PenaltyInvalidTx, penalties[0].Points)
	require.Empty(t, transport.sentMessages())
}

func TestTransactionResponsePoolFullIsBenign(t *testing.T) {
	r, transport, pool, _ := newTxFixture(t)
	pool.addErr = types.ErrPoolFull

	tx := testTransaction(t, 7)
	raw, err := tx.Bytes()
	require.NoError(t, err)

	frame, err := encodeFrame(schema.TypeIDTransactionsResponse, &schema.TransactionsResponse{
		Transactions: [][]byte{raw},
	})
	require.NoError(t, err)
	require.NoError(t, r.HandleMessage(peer.ID("a"), frame))
	require.Empty(t, transport.penaltyRecords())
}

func TestTransactionResponseUndecodable(t *testing.T) {
	r, transport, _, _ := newTxFixture(t)

	frame, err := encodeFrame(schema.TypeIDTransactionsResponse, &schema.TransactionsResponse{
		Transactions: [][]byte{{0xff, 0xfe, 0xfd}},
	})
	require.NoError(t, err)
	require.NoError(t, r.HandleMessage(peer.ID("a"), frame))

	penalties := transport.penaltyRecords()
	require.Len(t, penalties, 1)
	require.Equal(t, p2p.PenaltyMalformed, penalties[0].Points)
}

func TestPostTransaction(t *testing.T) {
	r, transport, pool, pm := newTxFixture(t)
	sender := peer.ID("sender")
	other := peer.ID("other")
	pm.AddPeer(sender, false)
	pm.AddPeer(other, true)

	tx := testTransaction(t, 8)
	raw, err := tx.Bytes()
	require.NoError(t, err)

	frame, err := encodeFrame(schema.TypeIDPostTransaction, &schema.PostTransaction{Transaction: raw})
	require.NoError(t, err)
	require.NoError(t, r.HandleMessage(sender, frame))

	require.True(t, pool.Has(tx.ID()))
	sent := transport.sentMessages()
	require.Len(t, sent, 1)
	require.Equal(t, other, sent[0].PeerID)
}

func TestAnnounceTransactionsSkipsSeenPeers(t *testing.T) {
	r, transport, _, pm := newTxFixture(t)
	seen := peer.ID("seen")
	fresh := peer.ID("fresh")
	pm.AddPeer(seen, false)
	pm.AddPeer(fresh, false)

	tx := testTransaction(t, 9)
	require.NoError(t, pm.MarkTxReceived(seen, tx.ID()))

	r.AnnounceTransactions([]types.Hash{tx.ID()})

	sent := transport.sentMessages()
	require.Len(t, sent, 1)
	require.Equal(t, fresh, sent[0].PeerID)

	// The announcement is recorded, so a repeat announce sends nothing.
	r.AnnounceTransactions([]types.Hash{tx.ID()})
	require.Len(t, transport.sentMessages(), 1)
}

func TestTransactionStreamUnknownType(t *testing.T) {
	r, _, _, _ := newTxFixture(t)
	data, err := encodeFrame(schema.TypeIDStatusRequest, &schema.StatusRequest{})
	require.NoError(t, err)
	err = r.HandleMessage(peer.ID("a"), data)
	require.ErrorIs(t, err, types.ErrUnknownMessageType)
}
