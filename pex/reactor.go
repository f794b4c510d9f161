package pex

import (
	"fmt"
	"sync"
	"time"

	"github.com/blockberries/cramberry/pkg/cramberry"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Demosthene27/valois-sdk/logging"
	"github.com/Demosthene27/valois-sdk/p2p"
	"github.com/Demosthene27/valois-sdk/schema"
	"github.com/Demosthene27/valois-sdk/types"
)

// pruneMaxAge is how long an address survives without being seen.
const pruneMaxAge = 72 * time.Hour

// Network is the surface the reactor dials and gossips through.
// *p2p.Network satisfies it.
type Network interface {
	Send(peerID peer.ID, streamName string, data []byte) error
	ConnectMultiaddr(addr string) error
	AddPenalty(peerID peer.ID, points int64, reason p2p.PenaltyReason, message string) error
}

var _ Network = (*p2p.Network)(nil)

// Reactor answers address requests from the book and keeps the
// outbound connection count topped up from exchanged addresses.
type Reactor struct {
	enabled         bool
	requestInterval time.Duration
	maxAddresses    int
	maxOutbound     int

	addressBook *AddressBook
	network     Network
	peerManager *p2p.PeerManager
	logger      *logging.Logger

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
}

// NewReactor creates a peer exchange reactor.
func NewReactor(
	enabled bool,
	requestInterval time.Duration,
	maxAddresses int,
	maxOutbound int,
	addressBook *AddressBook,
	network Network,
	peerManager *p2p.PeerManager,
	logger *logging.Logger,
) *Reactor {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Reactor{
		enabled:         enabled,
		requestInterval: requestInterval,
		maxAddresses:    maxAddresses,
		maxOutbound:     maxOutbound,
		addressBook:     addressBook,
		network:         network,
		peerManager:     peerManager,
		logger:          logger.WithComponent("pex"),
		stopCh:          make(chan struct{}),
	}
}

// Start begins the request and dial loops. A disabled reactor still
// answers requests, it just never asks.
func (r *Reactor) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running || !r.enabled {
		return nil
	}
	r.running = true
	r.stopCh = make(chan struct{})

	r.wg.Add(2)
	go r.requestLoop()
	go r.dialLoop()
	return nil
}

// Stop halts the loops and persists the address book.
func (r *Reactor) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return r.addressBook.Save()
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
	return r.addressBook.Save()
}

// IsRunning reports whether the loops are active.
func (r *Reactor) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// AddressBook returns the backing address book.
func (r *Reactor) AddressBook() *AddressBook {
	return r.addressBook
}

// Bootstrap seeds the book and dials the seed addresses.
func (r *Reactor) Bootstrap(seedAddrs []string) {
	for _, addr := range seedAddrs {
		peerID, err := r.addressBook.AddSeed(addr)
		if err != nil {
			r.logger.Warn("skipping invalid seed address", logging.Error(err))
			continue
		}
		r.addressBook.RecordAttempt(peerID)
		if err := r.network.ConnectMultiaddr(addr); err != nil {
			r.logger.Debug("dialing seed", logging.PeerID(peerID), logging.Error(err))
		}
	}
}

// HandleMessage dispatches one peer-exchange-stream message.
func (r *Reactor) HandleMessage(peerID peer.ID, data []byte) error {
	if len(data) == 0 {
		return types.ErrInvalidMessage
	}
	rd := cramberry.NewReader(data)
	typeID := rd.ReadTypeID()
	if rd.Err() != nil {
		return fmt.Errorf("%w: reading type id: %v", types.ErrInvalidMessage, rd.Err())
	}
	payload := rd.Remaining()

	switch typeID {
	case schema.TypeIDPexRequest:
		return r.handleRequest(peerID, payload)
	case schema.TypeIDPexResponse:
		return r.handleResponse(peerID, payload)
	default:
		return fmt.Errorf("%w: pex type %d", types.ErrUnknownMessageType, typeID)
	}
}

func (r *Reactor) handleRequest(peerID peer.ID, payload []byte) error {
	var req schema.PexRequest
	if err := req.UnmarshalCramberry(payload); err != nil {
		_ = r.network.AddPenalty(peerID, p2p.PenaltyMalformed, p2p.ReasonMalformed, "undecodable pex request")
		return fmt.Errorf("%w: decoding pex request: %v", types.ErrInvalidMessage, err)
	}

	max := r.maxAddresses
	if req.MaxAddresses > 0 && int(req.MaxAddresses) < max {
		max = int(req.MaxAddresses)
	}

	resp := &schema.PexResponse{Addresses: r.addressBook.AddressesForExchange(peerID, max)}
	data, err := encodeMessage(schema.TypeIDPexResponse, resp)
	if err != nil {
		return fmt.Errorf("encoding pex response: %w", err)
	}
	if err := r.network.Send(peerID, p2p.StreamPEX, data); err != nil {
		return fmt.Errorf("sending pex response: %w", err)
	}
	return nil
}

func (r *Reactor) handleResponse(peerID peer.ID, payload []byte) error {
	var resp schema.PexResponse
	if err := resp.UnmarshalCramberry(payload); err != nil {
		_ = r.network.AddPenalty(peerID, p2p.PenaltyMalformed, p2p.ReasonMalformed, "undecodable pex response")
		return fmt.Errorf("%w: decoding pex response: %v", types.ErrInvalidMessage, err)
	}
	if len(resp.Addresses) > r.maxAddresses {
		_ = r.network.AddPenalty(peerID, p2p.PenaltyMalformed, p2p.ReasonMalformed,
			fmt.Sprintf("%d addresses in one pex response", len(resp.Addresses)))
		return fmt.Errorf("%w: %d addresses", types.ErrInvalidMessage, len(resp.Addresses))
	}

	added := 0
	for _, addr := range resp.Addresses {
		if _, err := r.addressBook.AddAddress(addr); err != nil {
			continue
		}
		added++
	}
	if added > 0 {
		r.logger.Debug("learned addresses",
			logging.PeerID(peerID), logging.Count(added))
	}
	return nil
}

// RequestAddresses asks one peer for its known addresses.
func (r *Reactor) RequestAddresses(peerID peer.ID) error {
	req := &schema.PexRequest{MaxAddresses: uint32(r.maxAddresses)}
	data, err := encodeMessage(schema.TypeIDPexRequest, req)
	if err != nil {
		return fmt.Errorf("encoding pex request: %w", err)
	}
	if err := r.network.Send(peerID, p2p.StreamPEX, data); err != nil {
		return fmt.Errorf("sending pex request: %w", err)
	}
	return nil
}

// OnPeerConnected records the peer's address after its handshake.
func (r *Reactor) OnPeerConnected(peerID peer.ID, addr string) {
	if addr != "" {
		_, _ = r.addressBook.AddAddress(addr)
	}
	r.addressBook.MarkSeen(peerID)
}

// OnPeerDisconnected refreshes the last-seen timestamp so a recently
// connected peer stays a good dial candidate.
func (r *Reactor) OnPeerDisconnected(peerID peer.ID) {
	r.addressBook.MarkSeen(peerID)
}

func (r *Reactor) requestLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.requestInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			for _, peerID := range r.peerManager.AllPeerIDs() {
				_ = r.RequestAddresses(peerID)
			}
		}
	}
}

func (r *Reactor) dialLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(2 * r.requestInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.addressBook.Prune(pruneMaxAge)
			r.ensureOutbound()
		}
	}
}

// ensureOutbound dials book candidates until the outbound count
// reaches the target.
func (r *Reactor) ensureOutbound() {
	outbound := 0
	connected := make(map[peer.ID]bool)
	for _, state := range r.peerManager.AllPeers() {
		connected[state.PeerID] = true
		if state.IsOutbound {
			outbound++
		}
	}

	needed := r.maxOutbound - outbound
	if needed <= 0 {
		return
	}

	for _, entry := range r.addressBook.DialCandidates(connected, needed) {
		peerID, err := peerIDFromMultiaddr(entry.Multiaddr)
		if err != nil {
			continue
		}
		r.addressBook.RecordAttempt(peerID)
		if err := r.network.ConnectMultiaddr(entry.Multiaddr); err != nil {
			r.logger.Debug("dialing peer", logging.PeerID(peerID), logging.Error(err))
		}
	}
}

func encodeMessage(typeID cramberry.TypeID, msg interface {
	MarshalCramberry() ([]byte, error)
}) ([]byte, error) {
	payload, err := msg.MarshalCramberry()
	if err != nil {
		return nil, err
	}

	w := cramberry.GetWriter()
	defer cramberry.PutWriter(w)

	w.WriteTypeID(typeID)
	w.WriteRawBytes(payload)
	if w.Err() != nil {
		return nil, w.Err()
	}
	return w.BytesCopy(), nil
}
