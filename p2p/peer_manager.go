package p2p

import (
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Demosthene27/valois-sdk/types"
)

// PeerManager tracks all connected peers. All methods are safe for
// concurrent use.
type PeerManager struct {
	peers map[peer.ID]*PeerState
	mu    sync.RWMutex
}

// NewPeerManager creates an empty peer manager.
func NewPeerManager() *PeerManager {
	return &PeerManager{
		peers: make(map[peer.ID]*PeerState),
	}
}

// AddPeer registers a peer and returns its state. Re-adding a connected
// peer returns the existing state.
func (pm *PeerManager) AddPeer(peerID peer.ID, isOutbound bool) *PeerState {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if state, exists := pm.peers[peerID]; exists {
		return state
	}
	state := NewPeerState(peerID, isOutbound)
	pm.peers[peerID] = state
	return state
}

// RemovePeer drops a peer and its exchange history.
func (pm *PeerManager) RemovePeer(peerID peer.ID) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.peers, peerID)
}

// GetPeer returns the peer's state, or nil when unknown.
func (pm *PeerManager) GetPeer(peerID peer.ID) *PeerState {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.peers[peerID]
}

// HasPeer reports whether the peer is connected.
func (pm *PeerManager) HasPeer(peerID peer.ID) bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	_, exists := pm.peers[peerID]
	return exists
}

// PeerCount returns the number of connected peers.
func (pm *PeerManager) PeerCount() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return len(pm.peers)
}

// AllPeers returns a snapshot of every peer state.
func (pm *PeerManager) AllPeers() []*PeerState {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	peers := make([]*PeerState, 0, len(pm.peers))
	for _, state := range pm.peers {
		peers = append(peers, state)
	}
	return peers
}

// AllPeerIDs returns the ids of every connected peer.
func (pm *PeerManager) AllPeerIDs() []peer.ID {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	ids := make([]peer.ID, 0, len(pm.peers))
	for id := range pm.peers {
		ids = append(ids, id)
	}
	return ids
}

// MarkTxSent records a transaction sent to the peer.
func (pm *PeerManager) MarkTxSent(peerID peer.ID, txID types.Hash) error {
	state := pm.GetPeer(peerID)
	if state == nil {
		return types.ErrPeerNotFound
	}
	state.MarkTxSent(txID)
	return nil
}

// MarkTxReceived records a transaction received or announced by the peer.
func (pm *PeerManager) MarkTxReceived(peerID peer.ID, txID types.Hash) error {
	state := pm.GetPeer(peerID)
	if state == nil {
		return types.ErrPeerNotFound
	}
	state.MarkTxReceived(txID)
	return nil
}

// MarkBlockSeen records a block exchanged with the peer.
func (pm *PeerManager) MarkBlockSeen(peerID peer.ID, blockID types.Hash) error {
	state := pm.GetPeer(peerID)
	if state == nil {
		return types.ErrPeerNotFound
	}
	state.MarkBlockSeen(blockID)
	return nil
}

// PeersToSendTx returns the peers that still need the transaction.
func (pm *PeerManager) PeersToSendTx(txID types.Hash) []peer.ID {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	var result []peer.ID
	for id, state := range pm.peers {
		if state.ShouldSendTx(txID) {
			result = append(result, id)
		}
	}
	return result
}

// PeersToSendBlock returns the peers that still need the block.
func (pm *PeerManager) PeersToSendBlock(blockID types.Hash) []peer.ID {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	var result []peer.ID
	for id, state := range pm.peers {
		if state.ShouldSendBlock(blockID) {
			result = append(result, id)
		}
	}
	return result
}

// UpdateTip stores a peer's advertised chain view.
func (pm *PeerManager) UpdateTip(peerID peer.ID, report TipReport) error {
	state := pm.GetPeer(peerID)
	if state == nil {
		return types.ErrPeerNotFound
	}
	state.UpdateTip(report)
	return nil
}

// TipReports returns the advertised chain view of every peer that has
// reported one, keyed by peer id.
func (pm *PeerManager) TipReports() map[peer.ID]TipReport {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	reports := make(map[peer.ID]TipReport, len(pm.peers))
	for id, state := range pm.peers {
		if tip, ok := state.Tip(); ok {
			reports[id] = tip
		}
	}
	return reports
}

// UpdateLastSeen refreshes a peer's activity timestamp.
func (pm *PeerManager) UpdateLastSeen(peerID peer.ID) {
	if state := pm.GetPeer(peerID); state != nil {
		state.UpdateLastSeen()
	}
}

// SetPublicKey records a peer's key after the handshake.
func (pm *PeerManager) SetPublicKey(peerID peer.ID, pubKey []byte) error {
	state := pm.GetPeer(peerID)
	if state == nil {
		return types.ErrPeerNotFound
	}
	state.SetPublicKey(pubKey)
	return nil
}
