package p2p

import (
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/blockberries/glueberry"
	"github.com/blockberries/glueberry/pkg/streams"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/Demosthene27/valois-sdk/types"
)

// Stream names. Handshake runs in the clear; everything else is
// negotiated encrypted during the handshake.
const (
	StreamHandshake    = "handshake"
	StreamPEX          = "pex"
	StreamTransactions = "transactions"
	StreamBlocks       = "blocks"
	StreamSync         = "sync"
)

// AllStreams returns the encrypted stream names.
func AllStreams() []string {
	return []string{
		StreamPEX,
		StreamTransactions,
		StreamBlocks,
		StreamSync,
	}
}

// TempBanEntry is a temporary ban on a peer.
type TempBanEntry struct {
	ExpiresAt time.Time
	Reason    string
}

// Network wraps the encrypted transport node with peer tracking,
// scoring and stream dispatch.
type Network struct {
	node        *glueberry.Node
	peerManager *PeerManager
	scorer      *PeerScorer

	streamAdapter *StreamAdapter

	messages <-chan streams.IncomingMessage
	events   <-chan glueberry.ConnectionEvent

	tempBans   map[peer.ID]*TempBanEntry
	tempBansMu sync.RWMutex

	started bool
	stopCh  chan struct{}
	mu      sync.RWMutex
}

// NewNetwork creates a network over the given transport node.
func NewNetwork(node *glueberry.Node) *Network {
	return NewNetworkWithRegistry(node, NewStreamRegistry())
}

// NewNetworkWithRegistry creates a network with a custom stream registry.
func NewNetworkWithRegistry(node *glueberry.Node, registry StreamRegistry) *Network {
	pm := NewPeerManager()
	return &Network{
		node:          node,
		peerManager:   pm,
		scorer:        NewPeerScorer(pm),
		streamAdapter: NewStreamAdapter(registry),
		tempBans:      make(map[peer.ID]*TempBanEntry),
		stopCh:        make(chan struct{}),
	}
}

// Start starts the transport node and the penalty decay loop.
func (n *Network) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.started {
		return types.ErrNodeAlreadyStarted
	}
	if err := n.node.Start(); err != nil {
		return fmt.Errorf("starting transport node: %w", err)
	}

	n.messages = n.node.Messages()
	n.events = n.node.Events()
	n.scorer.StartDecayLoop(n.stopCh)

	n.started = true
	return nil
}

// Stop stops the transport node.
func (n *Network) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.started {
		return types.ErrNodeNotStarted
	}
	close(n.stopCh)
	if err := n.node.Stop(); err != nil {
		return fmt.Errorf("stopping transport node: %w", err)
	}
	n.started = false
	return nil
}

// IsRunning reports whether the network is started.
func (n *Network) IsRunning() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.started
}

// PeerID returns the local peer id.
func (n *Network) PeerID() peer.ID {
	return n.node.PeerID()
}

// PublicKey returns the local Ed25519 public key.
func (n *Network) PublicKey() ed25519.PublicKey {
	return n.node.PublicKey()
}

// PeerManager returns the peer manager.
func (n *Network) PeerManager() *PeerManager {
	return n.peerManager
}

// Scorer returns the peer scorer.
func (n *Network) Scorer() *PeerScorer {
	return n.scorer
}

// Messages returns the incoming message channel.
func (n *Network) Messages() <-chan streams.IncomingMessage {
	return n.messages
}

// Events returns the connection event channel.
func (n *Network) Events() <-chan glueberry.ConnectionEvent {
	return n.events
}

// Connect dials a known peer.
func (n *Network) Connect(peerID peer.ID) error {
	return n.node.Connect(peerID)
}

// ConnectMultiaddr dials a peer given its multiaddr string.
func (n *Network) ConnectMultiaddr(addrStr string) error {
	maddr, err := multiaddr.NewMultiaddr(addrStr)
	if err != nil {
		return fmt.Errorf("parsing multiaddr: %w", err)
	}
	addrInfo, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return fmt.Errorf("extracting peer info from multiaddr: %w", err)
	}
	if err := n.node.AddPeer(addrInfo.ID, addrInfo.Addrs, nil); err != nil {
		return fmt.Errorf("adding peer: %w", err)
	}
	return nil
}

// Disconnect closes the connection to a peer.
func (n *Network) Disconnect(peerID peer.ID) error {
	return n.node.Disconnect(peerID)
}

// Send delivers data to one peer on one stream.
func (n *Network) Send(peerID peer.ID, streamName string, data []byte) error {
	if err := n.node.Send(peerID, streamName, data); err != nil {
		return fmt.Errorf("sending on %s: %w", streamName, err)
	}
	return nil
}

// Broadcast sends data to every connected peer on the stream.
func (n *Network) Broadcast(streamName string, data []byte) []error {
	var errs []error
	for _, peerID := range n.peerManager.AllPeerIDs() {
		if err := n.Send(peerID, streamName, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// BroadcastTx sends a transaction to the peers that still need it.
func (n *Network) BroadcastTx(txID types.Hash, data []byte) []error {
	var errs []error
	for _, peerID := range n.peerManager.PeersToSendTx(txID) {
		if err := n.Send(peerID, StreamTransactions, data); err != nil {
			errs = append(errs, err)
		} else {
			_ = n.peerManager.MarkTxSent(peerID, txID)
		}
	}
	return errs
}

// BroadcastBlock sends a block to the peers that still need it,
// excluding the peer it arrived from.
func (n *Network) BroadcastBlock(blockID types.Hash, data []byte, exclude peer.ID) []error {
	var errs []error
	for _, peerID := range n.peerManager.PeersToSendBlock(blockID) {
		if peerID == exclude {
			continue
		}
		if err := n.Send(peerID, StreamBlocks, data); err != nil {
			errs = append(errs, err)
		} else {
			_ = n.peerManager.MarkBlockSeen(peerID, blockID)
		}
	}
	return errs
}

// PrepareStreams negotiates encrypted streams with a peer.
func (n *Network) PrepareStreams(peerID peer.ID, peerPubKey ed25519.PublicKey) error {
	return n.node.PrepareStreams(peerID, peerPubKey, n.getStreamNames())
}

// FinalizeHandshake transitions the peer to the established state.
func (n *Network) FinalizeHandshake(peerID peer.ID) error {
	return n.node.FinalizeHandshake(peerID)
}

// CompleteHandshake prepares streams and finalizes in one step.
func (n *Network) CompleteHandshake(peerID peer.ID, peerPubKey ed25519.PublicKey) error {
	return n.node.CompleteHandshake(peerID, peerPubKey, n.getStreamNames())
}

func (n *Network) getStreamNames() []string {
	if names := n.streamAdapter.EncryptedStreamNames(); len(names) > 0 {
		return names
	}
	return AllStreams()
}

// BlacklistPeer permanently bans and disconnects a peer.
func (n *Network) BlacklistPeer(peerID peer.ID) error {
	n.peerManager.RemovePeer(peerID)
	n.scorer.RecordBan(peerID)
	return n.node.BlacklistPeer(peerID)
}

// TempBanPeer disconnects a peer and refuses it for the given duration.
// Used for recoverable mismatches where the peer may later be valid.
func (n *Network) TempBanPeer(peerID peer.ID, duration time.Duration, reason string) error {
	n.tempBansMu.Lock()
	n.tempBans[peerID] = &TempBanEntry{
		ExpiresAt: time.Now().Add(duration),
		Reason:    reason,
	}
	n.tempBansMu.Unlock()

	n.peerManager.RemovePeer(peerID)
	n.scorer.RecordBan(peerID)
	return n.node.Disconnect(peerID)
}

// IsTempBanned reports whether a peer is currently temp-banned.
func (n *Network) IsTempBanned(peerID peer.ID) bool {
	n.tempBansMu.RLock()
	defer n.tempBansMu.RUnlock()

	entry, ok := n.tempBans[peerID]
	return ok && time.Now().Before(entry.ExpiresAt)
}

// TempBanReason returns the active temp-ban reason, or "".
func (n *Network) TempBanReason(peerID peer.ID) string {
	n.tempBansMu.RLock()
	defer n.tempBansMu.RUnlock()

	entry, ok := n.tempBans[peerID]
	if !ok || time.Now().After(entry.ExpiresAt) {
		return ""
	}
	return entry.Reason
}

// CleanupExpiredTempBans drops expired entries and returns how many.
func (n *Network) CleanupExpiredTempBans() int {
	n.tempBansMu.Lock()
	defer n.tempBansMu.Unlock()

	now := time.Now()
	removed := 0
	for peerID, entry := range n.tempBans {
		if now.After(entry.ExpiresAt) {
			delete(n.tempBans, peerID)
			removed++
		}
	}
	return removed
}

// AddPenalty charges penalty points and blacklists the peer once its
// balance crosses the ban threshold.
func (n *Network) AddPenalty(peerID peer.ID, points int64, reason PenaltyReason, message string) error {
	n.scorer.AddPenalty(peerID, points, reason, message)
	if n.scorer.ShouldBan(peerID) {
		return n.BlacklistPeer(peerID)
	}
	return nil
}

// OnPeerConnected registers a newly connected peer.
func (n *Network) OnPeerConnected(peerID peer.ID, isOutbound bool) {
	n.peerManager.AddPeer(peerID, isOutbound)
}

// OnPeerDisconnected drops a disconnected peer.
func (n *Network) OnPeerDisconnected(peerID peer.ID) {
	n.peerManager.RemovePeer(peerID)
}

// ConnectionState returns the transport connection state for a peer.
func (n *Network) ConnectionState(peerID peer.ID) glueberry.ConnectionState {
	return n.node.ConnectionState(peerID)
}

// PeerCount returns the number of connected peers.
func (n *Network) PeerCount() int {
	return n.peerManager.PeerCount()
}

// ConnectedPeers returns the ids of every connected peer.
func (n *Network) ConnectedPeers() []peer.ID {
	return n.peerManager.AllPeerIDs()
}

// StreamRegistry returns the stream registry.
func (n *Network) StreamRegistry() StreamRegistry {
	return n.streamAdapter.Registry()
}

// RegisterStream registers a stream and, when non-nil, its handler.
func (n *Network) RegisterStream(cfg StreamConfig, handler StreamHandler) error {
	if err := n.streamAdapter.RegisterStream(cfg); err != nil {
		return err
	}
	if handler != nil {
		if err := n.streamAdapter.SetHandler(cfg.Name, handler); err != nil {
			_ = n.streamAdapter.UnregisterStream(cfg.Name)
			return err
		}
	}
	return nil
}

// SetStreamHandler sets the handler for a registered stream.
func (n *Network) SetStreamHandler(name string, handler StreamHandler) error {
	return n.streamAdapter.SetHandler(name, handler)
}

// HasStream reports whether the stream is registered.
func (n *Network) HasStream(name string) bool {
	return n.streamAdapter.HasStream(name)
}

// RouteMessage dispatches an incoming message to its stream handler.
func (n *Network) RouteMessage(msg streams.IncomingMessage) error {
	return n.streamAdapter.RouteMessage(msg)
}

// RegisterBuiltinStreams registers the node's protocol streams.
func (n *Network) RegisterBuiltinStreams() error {
	return RegisterBuiltinStreams(n.streamAdapter.Registry())
}
