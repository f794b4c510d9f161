package handlers

import (
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Demosthene27/valois-sdk/logging"
	"github.com/Demosthene27/valois-sdk/p2p"
	"github.com/Demosthene27/valois-sdk/schema"
	"github.com/Demosthene27/valois-sdk/txpool"
	"github.com/Demosthene27/valois-sdk/types"
)

// recentRequestedCacheSize bounds the ids we asked peers for, so one
// announcement storm cannot trigger duplicate fetches.
const recentRequestedCacheSize = 8192

// TransactionPool is the pool surface the reactor needs. *txpool.Pool
// satisfies it.
type TransactionPool interface {
	Add(tx *types.Transaction) error
	Has(id types.Hash) bool
	Get(id types.Hash) (*types.Transaction, error)
}

var _ TransactionPool = (*txpool.Pool)(nil)

// TransactionReactor handles transaction gossip. Peers announce ids,
// the reactor fetches unknown ones, and accepted transactions are
// re-announced to peers that have not seen them.
type TransactionReactor struct {
	network     Transport
	peerManager *p2p.PeerManager
	pool        TransactionPool
	logger      *logging.Logger

	recentRequested *lru.Cache[string, struct{}]
}

// NewTransactionReactor creates a transaction reactor.
func NewTransactionReactor(
	network Transport,
	peerManager *p2p.PeerManager,
	pool TransactionPool,
	logger *logging.Logger,
) *TransactionReactor {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	recentRequested, _ := lru.New[string, struct{}](recentRequestedCacheSize)
	return &TransactionReactor{
		network:         network,
		peerManager:     peerManager,
		pool:            pool,
		logger:          logger.WithComponent("transactions"),
		recentRequested: recentRequested,
	}
}

// HandleMessage dispatches one transactions-stream message.
func (r *TransactionReactor) HandleMessage(peerID peer.ID, data []byte) error {
	typeID, payload, err := decodeFrame(data)
	if err != nil {
		return err
	}

	switch typeID {
	case schema.TypeIDTransactionsAnnouncement:
		return r.handleAnnouncement(peerID, payload)
	case schema.TypeIDTransactionsRequest:
		return r.handleRequest(peerID, payload)
	case schema.TypeIDTransactionsResponse:
		return r.handleResponse(peerID, payload)
	case schema.TypeIDPostTransaction:
		return r.handlePost(peerID, payload)
	default:
		return fmt.Errorf("%w: transactions type %d", types.ErrUnknownMessageType, typeID)
	}
}

// validateIDs rejects oversized batches and malformed hashes.
func (r *TransactionReactor) validateIDs(peerID peer.ID, ids [][]byte) error {
	if len(ids) > MaxTransactionIDsPerMessage {
		_ = r.network.AddPenalty(peerID, p2p.PenaltyMalformed, p2p.ReasonMalformed,
			fmt.Sprintf("%d transaction ids in one message", len(ids)))
		return fmt.Errorf("%w: %d transaction ids", types.ErrInvalidMessage, len(ids))
	}
	for _, id := range ids {
		if len(id) != types.HashSize {
			_ = r.network.AddPenalty(peerID, p2p.PenaltyMalformed, p2p.ReasonMalformed, "bad transaction id length")
			return fmt.Errorf("%w: transaction id length %d", types.ErrInvalidMessage, len(id))
		}
	}
	return nil
}

func (r *TransactionReactor) handleAnnouncement(peerID peer.ID, payload []byte) error {
	var msg schema.TransactionsAnnouncement
	if err := msg.UnmarshalCramberry(payload); err != nil {
		_ = r.network.AddPenalty(peerID, p2p.PenaltyMalformed, p2p.ReasonMalformed, "undecodable announcement")
		return fmt.Errorf("%w: decoding announcement: %v", types.ErrInvalidMessage, err)
	}
	if err := r.validateIDs(peerID, msg.TransactionIDs); err != nil {
		return err
	}

	var want [][]byte
	for _, id := range msg.TransactionIDs {
		txID := types.Hash(id)
		if r.peerManager != nil {
			_ = r.peerManager.MarkTxReceived(peerID, txID)
		}
		if r.pool.Has(txID) || r.recentRequested.Contains(string(id)) {
			continue
		}
		want = append(want, id)
	}
	if len(want) == 0 {
		return nil
	}
	for _, id := range want {
		r.recentRequested.Add(string(id), struct{}{})
	}

	data, err := encodeFrame(schema.TypeIDTransactionsRequest, &schema.TransactionsRequest{
		TransactionIDs: want,
	})
	if err != nil {
		return fmt.Errorf("encoding transactions request: %w", err)
	}
	if err := r.network.Send(peerID, p2p.StreamTransactions, data); err != nil {
		return fmt.Errorf("requesting transactions: %w", err)
	}
	return nil
}

func (r *TransactionReactor) handleRequest(peerID peer.ID, payload []byte) error {
	var msg schema.TransactionsRequest
	if err := msg.UnmarshalCramberry(payload); err != nil {
		_ = r.network.AddPenalty(peerID, p2p.PenaltyMalformed, p2p.ReasonMalformed, "undecodable request")
		return fmt.Errorf("%w: decoding request: %v", types.ErrInvalidMessage, err)
	}
	if err := r.validateIDs(peerID, msg.TransactionIDs); err != nil {
		return err
	}

	var txs [][]byte
	for _, id := range msg.TransactionIDs {
		tx, err := r.pool.Get(types.Hash(id))
		if err != nil {
			continue
		}
		raw, err := tx.Bytes()
		if err != nil {
			continue
		}
		txs = append(txs, raw)
		if r.peerManager != nil {
			_ = r.peerManager.MarkTxSent(peerID, types.Hash(id))
		}
	}

	data, err := encodeFrame(schema.TypeIDTransactionsResponse, &schema.TransactionsResponse{
		Transactions: txs,
	})
	if err != nil {
		return fmt.Errorf("encoding transactions response: %w", err)
	}
	if err := r.network.Send(peerID, p2p.StreamTransactions, data); err != nil {
		return fmt.Errorf("sending transactions: %w", err)
	}
	return nil
}

func (r *TransactionReactor) handleResponse(peerID peer.ID, payload []byte) error {
	var msg schema.TransactionsResponse
	if err := msg.UnmarshalCramberry(payload); err != nil {
		_ = r.network.AddPenalty(peerID, p2p.PenaltyMalformed, p2p.ReasonMalformed, "undecodable response")
		return fmt.Errorf("%w: decoding response: %v", types.ErrInvalidMessage, err)
	}
	if len(msg.Transactions) > MaxTransactionIDsPerMessage {
		_ = r.network.AddPenalty(peerID, p2p.PenaltyMalformed, p2p.ReasonMalformed,
			fmt.Sprintf("%d transactions in one response", len(msg.Transactions)))
		return fmt.Errorf("%w: %d transactions", types.ErrInvalidMessage, len(msg.Transactions))
	}

	var accepted []types.Hash
	for _, raw := range msg.Transactions {
		txID, err := r.acceptTransaction(peerID, raw)
		if err != nil {
			continue
		}
		if txID != nil {
			accepted = append(accepted, txID)
		}
	}

	if len(accepted) > 0 {
		r.AnnounceTransactions(accepted)
	}
	return nil
}

func (r *TransactionReactor) handlePost(peerID peer.ID, payload []byte) error {
	var msg schema.PostTransaction
	if err := msg.UnmarshalCramberry(payload); err != nil {
		_ = r.network.AddPenalty(peerID, p2p.PenaltyMalformed, p2p.ReasonMalformed, "undecodable post")
		return fmt.Errorf("%w: decoding post: %v", types.ErrInvalidMessage, err)
	}

	txID, err := r.acceptTransaction(peerID, msg.Transaction)
	if err != nil {
		return err
	}
	if txID != nil {
		r.AnnounceTransactions([]types.Hash{txID})
	}
	return nil
}

// acceptTransaction decodes one transaction and offers it to the pool.
// It returns the id when the transaction was accepted, nil on a benign
// duplicate or rejection.
func (r *TransactionReactor) acceptTransaction(peerID peer.ID, raw []byte) (types.Hash, error) {
	tx, err := types.DecodeTransaction(raw)
	if err != nil {
		_ = r.network.AddPenalty(peerID, p2p.PenaltyMalformed, p2p.ReasonMalformed, "undecodable transaction")
		return nil, fmt.Errorf("%w: decoding transaction: %v", types.ErrInvalidMessage, err)
	}

	txID := tx.ID()
	if r.peerManager != nil {
		_ = r.peerManager.MarkTxReceived(peerID, txID)
	}

	switch err := r.pool.Add(tx); {
	case err == nil:
		return txID, nil
	case errors.Is(err, types.ErrInvalidTx), errors.Is(err, types.ErrInvalidSignature):
		_ = r.network.AddPenalty(peerID, p2p.PenaltyInvalidTx, p2p.ReasonInvalidTx, err.Error())
		return nil, nil
	default:
		// Full pool, known transaction, low fee. Not the peer's fault.
		r.logger.Debug("transaction not accepted",
			logging.TxHash(txID), logging.PeerID(peerID), logging.Error(err))
		return nil, nil
	}
}

// AnnounceTransactions gossips transaction ids to every peer that has
// not seen them, one batched announcement per peer.
func (r *TransactionReactor) AnnounceTransactions(ids []types.Hash) {
	if r.peerManager == nil || len(ids) == 0 {
		return
	}

	for _, state := range r.peerManager.AllPeers() {
		var needed [][]byte
		for _, id := range ids {
			if state.ShouldSendTx(id) {
				needed = append(needed, id)
			}
		}
		if len(needed) == 0 {
			continue
		}

		data, err := encodeFrame(schema.TypeIDTransactionsAnnouncement, &schema.TransactionsAnnouncement{
			TransactionIDs: needed,
		})
		if err != nil {
			return
		}
		if err := r.network.Send(state.PeerID, p2p.StreamTransactions, data); err != nil {
			continue
		}
		for _, id := range needed {
			state.MarkTxSent(types.Hash(id))
		}
	}
}
