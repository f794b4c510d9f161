package handlers

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Demosthene27/valois-sdk/logging"
	"github.com/Demosthene27/valois-sdk/p2p"
	"github.com/Demosthene27/valois-sdk/schema"
	"github.com/Demosthene27/valois-sdk/types"
)

// DefaultHandshakeTimeout bounds how long a handshake may stay open.
const DefaultHandshakeTimeout = 30 * time.Second

// DefaultHandshakeCheckInterval is the stale-handshake sweep interval.
const DefaultHandshakeCheckInterval = 5 * time.Second

// Mismatched peers are banned temporarily rather than blacklisted. A
// peer on the wrong network may reconfigure, an outdated one may
// upgrade.
const (
	TempBanDurationChainMismatch   = 1 * time.Hour
	TempBanDurationVersionMismatch = 30 * time.Minute
)

// HandshakeState is the lifecycle of one peer handshake.
type HandshakeState int

const (
	StateInit HandshakeState = iota
	StateComplete
)

// peerHandshake tracks the handshake with one peer. Independent flags
// rather than a linear state machine: both sides initiate on connect,
// so messages arrive in either order.
type peerHandshake struct {
	State     HandshakeState
	StartedAt time.Time

	PeerPubKey []byte

	SentRequest      bool
	ReceivedRequest  bool
	SentResponse     bool
	ReceivedResponse bool
	StreamsPrepared  bool
	SentFinalize     bool
	ReceivedFinalize bool
}

// HandshakeHandler negotiates new connections: chain and version
// checks, session key exchange for the encrypted streams, and the
// first tip report for each peer.
type HandshakeHandler struct {
	chainID        []byte
	networkVersion string
	publicKey      []byte
	timeout        time.Duration
	checkInterval  time.Duration

	network     Transport
	peerManager *p2p.PeerManager
	chain       ChainStatus
	logger      *logging.Logger

	states map[peer.ID]*peerHandshake
	mu     sync.RWMutex

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewHandshakeHandler creates a handshake handler.
func NewHandshakeHandler(
	chainID []byte,
	networkVersion string,
	publicKey []byte,
	network Transport,
	peerManager *p2p.PeerManager,
	chain ChainStatus,
	logger *logging.Logger,
) *HandshakeHandler {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &HandshakeHandler{
		chainID:        chainID,
		networkVersion: networkVersion,
		publicKey:      publicKey,
		timeout:        DefaultHandshakeTimeout,
		checkInterval:  DefaultHandshakeCheckInterval,
		network:        network,
		peerManager:    peerManager,
		chain:          chain,
		logger:         logger.WithComponent("handshake"),
		states:         make(map[peer.ID]*peerHandshake),
		stopCh:         make(chan struct{}),
	}
}

// Start begins the stale-handshake sweep loop.
func (h *HandshakeHandler) Start() error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = true
	h.stopCh = make(chan struct{})
	h.mu.Unlock()

	h.wg.Add(1)
	go h.timeoutLoop()
	return nil
}

// Stop halts the sweep loop.
func (h *HandshakeHandler) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	close(h.stopCh)
	h.mu.Unlock()

	h.wg.Wait()
	return nil
}

func (h *HandshakeHandler) timeoutLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.dropStaleHandshakes()
		}
	}
}

func (h *HandshakeHandler) dropStaleHandshakes() {
	now := time.Now()

	h.mu.Lock()
	defer h.mu.Unlock()

	for peerID, state := range h.states {
		if state.State != StateComplete && now.Sub(state.StartedAt) > h.timeout {
			delete(h.states, peerID)
			h.logger.Debug("handshake timed out", logging.PeerID(peerID))
			go func(pid peer.ID) {
				_ = h.network.Disconnect(pid)
			}(peerID)
		}
	}
}

// OnPeerConnected opens the handshake by sending a HelloRequest.
func (h *HandshakeHandler) OnPeerConnected(peerID peer.ID, isOutbound bool) error {
	h.getOrCreateState(peerID)
	return h.sendHelloRequest(peerID)
}

// OnPeerDisconnected discards any handshake state for the peer.
func (h *HandshakeHandler) OnPeerDisconnected(peerID peer.ID) {
	h.mu.Lock()
	delete(h.states, peerID)
	h.mu.Unlock()
}

// HandleMessage dispatches one handshake-stream message.
func (h *HandshakeHandler) HandleMessage(peerID peer.ID, data []byte) error {
	typeID, payload, err := decodeFrame(data)
	if err != nil {
		return err
	}

	switch typeID {
	case schema.TypeIDHelloRequest:
		return h.handleHelloRequest(peerID, payload)
	case schema.TypeIDHelloResponse:
		return h.handleHelloResponse(peerID, payload)
	case schema.TypeIDHelloFinalize:
		return h.handleHelloFinalize(peerID, payload)
	default:
		return fmt.Errorf("%w: handshake type %d", types.ErrUnknownMessageType, typeID)
	}
}

func (h *HandshakeHandler) getOrCreateState(peerID peer.ID) *peerHandshake {
	h.mu.Lock()
	defer h.mu.Unlock()

	state, ok := h.states[peerID]
	if !ok {
		state = &peerHandshake{State: StateInit, StartedAt: time.Now()}
		h.states[peerID] = state
	}
	return state
}

func (h *HandshakeHandler) sendHelloRequest(peerID peer.ID) error {
	h.mu.Lock()
	state := h.states[peerID]
	if state == nil || state.SentRequest {
		h.mu.Unlock()
		return nil
	}
	state.SentRequest = true
	h.mu.Unlock()

	nonce := make([]byte, 8)
	_, _ = rand.Read(nonce)

	req := &schema.HelloRequest{
		ChainID:        h.chainID,
		NetworkVersion: h.networkVersion,
		Height:         uint64(h.chain.TipHeight()),
		TipID:          h.chain.TipID(),
		Nonce:          nonce,
		PublicKey:      h.publicKey,
	}
	data, err := encodeFrame(schema.TypeIDHelloRequest, req)
	if err != nil {
		return fmt.Errorf("encoding hello request: %w", err)
	}
	if err := h.network.Send(peerID, p2p.StreamHandshake, data); err != nil {
		return fmt.Errorf("sending hello request: %w", err)
	}
	return nil
}

// checkCompatibility rejects peers on another chain or protocol
// version with a temporary ban.
func (h *HandshakeHandler) checkCompatibility(peerID peer.ID, chainID []byte, version string) error {
	if !bytes.Equal(chainID, h.chainID) {
		reason := fmt.Sprintf("chain ID mismatch: got %x", chainID)
		_ = h.network.TempBanPeer(peerID, TempBanDurationChainMismatch, reason)
		return fmt.Errorf("%w: got %x", types.ErrChainIDMismatch, chainID)
	}
	if version != h.networkVersion {
		reason := fmt.Sprintf("version mismatch: expected %s, got %s", h.networkVersion, version)
		_ = h.network.TempBanPeer(peerID, TempBanDurationVersionMismatch, reason)
		return fmt.Errorf("%w: expected %s, got %s", types.ErrVersionMismatch, h.networkVersion, version)
	}
	return nil
}

func (h *HandshakeHandler) handleHelloRequest(peerID peer.ID, payload []byte) error {
	var req schema.HelloRequest
	if err := req.UnmarshalCramberry(payload); err != nil {
		return fmt.Errorf("%w: decoding hello request: %v", types.ErrInvalidMessage, err)
	}
	if err := h.checkCompatibility(peerID, req.ChainID, req.NetworkVersion); err != nil {
		return err
	}

	state := h.getOrCreateState(peerID)
	h.mu.Lock()
	alreadyReceived := state.ReceivedRequest
	state.ReceivedRequest = true
	h.mu.Unlock()
	if alreadyReceived {
		return nil
	}

	if h.peerManager != nil {
		_ = h.peerManager.UpdateTip(peerID, p2p.TipReport{
			Height: types.Height(req.Height),
			TipID:  req.TipID,
		})
	}
	return h.sendHelloResponse(peerID)
}

func (h *HandshakeHandler) sendHelloResponse(peerID peer.ID) error {
	h.mu.Lock()
	state := h.states[peerID]
	if state == nil || state.SentResponse {
		h.mu.Unlock()
		return nil
	}
	state.SentResponse = true
	h.mu.Unlock()

	resp := &schema.HelloResponse{
		ChainID:         h.chainID,
		NetworkVersion:  h.networkVersion,
		Height:          uint64(h.chain.TipHeight()),
		TipID:           h.chain.TipID(),
		FinalizedHeight: uint64(h.chain.FinalizedHeight()),
		Accepted:        true,
		PublicKey:       h.publicKey,
	}
	data, err := encodeFrame(schema.TypeIDHelloResponse, resp)
	if err != nil {
		return fmt.Errorf("encoding hello response: %w", err)
	}
	if err := h.network.Send(peerID, p2p.StreamHandshake, data); err != nil {
		return fmt.Errorf("sending hello response: %w", err)
	}
	return nil
}

func (h *HandshakeHandler) handleHelloResponse(peerID peer.ID, payload []byte) error {
	var resp schema.HelloResponse
	if err := resp.UnmarshalCramberry(payload); err != nil {
		return fmt.Errorf("%w: decoding hello response: %v", types.ErrInvalidMessage, err)
	}

	if !resp.Accepted {
		_ = h.network.Disconnect(peerID)
		return fmt.Errorf("%w: peer rejected hello", types.ErrHandshakeFailed)
	}
	if err := h.checkCompatibility(peerID, resp.ChainID, resp.NetworkVersion); err != nil {
		return err
	}
	if len(resp.PublicKey) != ed25519.PublicKeySize {
		_ = h.network.Disconnect(peerID)
		return fmt.Errorf("%w: public key length %d", types.ErrHandshakeFailed, len(resp.PublicKey))
	}

	state := h.getOrCreateState(peerID)
	h.mu.Lock()
	alreadyReceived := state.ReceivedResponse
	if !alreadyReceived {
		state.ReceivedResponse = true
		state.PeerPubKey = resp.PublicKey
	}
	h.mu.Unlock()
	if alreadyReceived {
		return nil
	}

	if h.peerManager != nil {
		_ = h.peerManager.UpdateTip(peerID, p2p.TipReport{
			Height:          types.Height(resp.Height),
			TipID:           resp.TipID,
			FinalizedHeight: types.Height(resp.FinalizedHeight),
		})
	}

	if err := h.network.PrepareStreams(peerID, resp.PublicKey); err != nil {
		return fmt.Errorf("preparing streams: %w", err)
	}
	h.mu.Lock()
	state.StreamsPrepared = true
	h.mu.Unlock()

	if err := h.sendHelloFinalize(peerID); err != nil {
		return err
	}
	return h.tryComplete(peerID)
}

func (h *HandshakeHandler) sendHelloFinalize(peerID peer.ID) error {
	h.mu.Lock()
	state := h.states[peerID]
	if state == nil || state.SentFinalize {
		h.mu.Unlock()
		return nil
	}
	state.SentFinalize = true
	h.mu.Unlock()

	fin := &schema.HelloFinalize{Accepted: true}
	data, err := encodeFrame(schema.TypeIDHelloFinalize, fin)
	if err != nil {
		return fmt.Errorf("encoding hello finalize: %w", err)
	}
	if err := h.network.Send(peerID, p2p.StreamHandshake, data); err != nil {
		return fmt.Errorf("sending hello finalize: %w", err)
	}
	return nil
}

func (h *HandshakeHandler) handleHelloFinalize(peerID peer.ID, payload []byte) error {
	var fin schema.HelloFinalize
	if err := fin.UnmarshalCramberry(payload); err != nil {
		return fmt.Errorf("%w: decoding hello finalize: %v", types.ErrInvalidMessage, err)
	}
	if !fin.Accepted {
		_ = h.network.Disconnect(peerID)
		return fmt.Errorf("%w: %s", types.ErrHandshakeFailed, fin.Reason)
	}

	state := h.getOrCreateState(peerID)
	h.mu.Lock()
	state.ReceivedFinalize = true
	h.mu.Unlock()

	return h.tryComplete(peerID)
}

// tryComplete finalizes once our streams are prepared and the peer has
// confirmed. Order-independent, both sides converge here.
func (h *HandshakeHandler) tryComplete(peerID peer.ID) error {
	h.mu.Lock()
	state, ok := h.states[peerID]
	if !ok || !state.StreamsPrepared || !state.ReceivedFinalize || state.State == StateComplete {
		h.mu.Unlock()
		return nil
	}
	state.State = StateComplete
	pubKey := state.PeerPubKey
	h.mu.Unlock()

	if err := h.network.FinalizeHandshake(peerID); err != nil {
		return fmt.Errorf("finalizing handshake: %w", err)
	}
	if h.peerManager != nil {
		_ = h.peerManager.SetPublicKey(peerID, pubKey)
	}
	h.logger.Info("handshake complete", logging.PeerID(peerID))
	return nil
}

// IsHandshakeComplete reports whether the peer finished its handshake.
func (h *HandshakeHandler) IsHandshakeComplete(peerID peer.ID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	state, ok := h.states[peerID]
	return ok && state.State == StateComplete
}

// PendingCount returns how many handshakes are open.
func (h *HandshakeHandler) PendingCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, state := range h.states {
		if state.State != StateComplete {
			n++
		}
	}
	return n
}
