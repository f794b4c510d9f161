// Package p2p wraps the encrypted-stream transport with peer tracking,
// scoring and rate limiting for the node's gossip and sync protocols.
package p2p

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Demosthene27/valois-sdk/types"
)

// Per-peer exchange caches are bounded. Evicted entries may cause a
// duplicate send, never a missed one.
const (
	MaxKnownTxsPerPeer    = 4096
	MaxKnownBlocksPerPeer = 1024
)

// TipReport is a peer's last advertised chain view, captured from its
// handshake and refreshed by status exchanges.
type TipReport struct {
	Height            types.Height
	TipID             types.Hash
	MaxHeightPrevoted types.Height
	FinalizedHeight   types.Height
	ReportedAt        time.Time
}

// PeerState tracks one connected peer: which blocks and transactions
// have crossed the wire in either direction, the peer's advertised tip,
// and its penalty balance.
type PeerState struct {
	PeerID    peer.ID
	PublicKey []byte

	txsSent     *lru.Cache[string, struct{}]
	txsReceived *lru.Cache[string, struct{}]
	blocksSeen  *lru.Cache[string, struct{}]

	tip TipReport

	penaltyPoints int64

	lastSeen    time.Time
	connectedAt time.Time

	IsOutbound bool

	mu sync.RWMutex
}

// NewPeerState creates the state for a freshly connected peer.
func NewPeerState(peerID peer.ID, isOutbound bool) *PeerState {
	txsSent, _ := lru.New[string, struct{}](MaxKnownTxsPerPeer)
	txsReceived, _ := lru.New[string, struct{}](MaxKnownTxsPerPeer)
	blocksSeen, _ := lru.New[string, struct{}](MaxKnownBlocksPerPeer)

	now := time.Now()
	return &PeerState{
		PeerID:      peerID,
		txsSent:     txsSent,
		txsReceived: txsReceived,
		blocksSeen:  blocksSeen,
		lastSeen:    now,
		connectedAt: now,
		IsOutbound:  isOutbound,
	}
}

// SetPublicKey records the peer's key after the handshake.
func (ps *PeerState) SetPublicKey(pubKey []byte) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.PublicKey = pubKey
}

// MarkTxSent records that we sent the transaction to this peer.
func (ps *PeerState) MarkTxSent(txID types.Hash) {
	ps.txsSent.Add(string(txID), struct{}{})
}

// MarkTxReceived records that the peer sent or announced the transaction.
func (ps *PeerState) MarkTxReceived(txID types.Hash) {
	ps.txsReceived.Add(string(txID), struct{}{})
}

// MarkBlockSeen records a block exchanged with this peer in either
// direction. Gossip never re-sends a seen block.
func (ps *PeerState) MarkBlockSeen(blockID types.Hash) {
	ps.blocksSeen.Add(string(blockID), struct{}{})
}

// ShouldSendTx reports whether the peer still needs the transaction.
func (ps *PeerState) ShouldSendTx(txID types.Hash) bool {
	key := string(txID)
	return !ps.txsSent.Contains(key) && !ps.txsReceived.Contains(key)
}

// ShouldSendBlock reports whether the peer still needs the block.
func (ps *PeerState) ShouldSendBlock(blockID types.Hash) bool {
	return !ps.blocksSeen.Contains(string(blockID))
}

// HasTx reports whether the transaction was exchanged with this peer.
func (ps *PeerState) HasTx(txID types.Hash) bool {
	key := string(txID)
	return ps.txsSent.Contains(key) || ps.txsReceived.Contains(key)
}

// UpdateTip stores the peer's advertised chain view.
func (ps *PeerState) UpdateTip(report TipReport) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	report.ReportedAt = time.Now()
	ps.tip = report
	ps.lastSeen = report.ReportedAt
}

// Tip returns the last advertised chain view and whether one exists.
func (ps *PeerState) Tip() (TipReport, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.tip, ps.tip.TipID != nil
}

// UpdateLastSeen refreshes the activity timestamp.
func (ps *PeerState) UpdateLastSeen() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.lastSeen = time.Now()
}

// AddPenalty adds penalty points.
func (ps *PeerState) AddPenalty(points int64) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.penaltyPoints += points
}

// DecayPenalty reduces penalty points, flooring at zero.
func (ps *PeerState) DecayPenalty(points int64) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.penaltyPoints -= points
	if ps.penaltyPoints < 0 {
		ps.penaltyPoints = 0
	}
}

// PenaltyPoints returns the current penalty balance.
func (ps *PeerState) PenaltyPoints() int64 {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.penaltyPoints
}

// LastSeen returns the last activity timestamp.
func (ps *PeerState) LastSeen() time.Time {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.lastSeen
}

// ConnectionDuration returns how long the peer has been connected.
func (ps *PeerState) ConnectionDuration() time.Duration {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return time.Since(ps.connectedAt)
}

// TxsSentCount returns how many transactions were sent to this peer.
func (ps *PeerState) TxsSentCount() int {
	return ps.txsSent.Len()
}

// TxsReceivedCount returns how many transactions this peer delivered.
func (ps *PeerState) TxsReceivedCount() int {
	return ps.txsReceived.Len()
}

// BlocksSeenCount returns how many blocks were exchanged with this peer.
func (ps *PeerState) BlocksSeenCount() int {
	return ps.blocksSeen.Len()
}
