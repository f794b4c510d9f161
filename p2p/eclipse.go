package p2p

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// EclipseGuardConfig bounds peer-set concentration.
type EclipseGuardConfig struct {
	// MaxPeersPerSubnet caps connections sharing an IPv4 /24 (IPv6 /48).
	MaxPeersPerSubnet int

	// MaxPeersFromSameSource caps peers learned from one PEX source.
	MaxPeersFromSameSource int

	// MinOutboundPercent is the outbound share below which new inbound
	// connections are refused.
	MinOutboundPercent int

	// TrustDuration is how long a peer stays exempt from the limits
	// after earning or being granted trust.
	TrustDuration time.Duration
}

// DefaultEclipseGuardConfig returns the limits the node ships with.
func DefaultEclipseGuardConfig() EclipseGuardConfig {
	return EclipseGuardConfig{
		MaxPeersPerSubnet:      3,
		MaxPeersFromSameSource: 10,
		MinOutboundPercent:     20,
		TrustDuration:          7 * 24 * time.Hour,
	}
}

type guardedPeer struct {
	addr        string
	subnet      string
	source      peer.ID
	inbound     bool
	connectedAt time.Time
	penalized   bool
}

// EclipseGuard tracks peer-set diversity and refuses connections that
// would concentrate the set in one subnet or starve outbound slots.
// Trusted peers bypass the limits until their trust expires.
type EclipseGuard struct {
	mu sync.RWMutex

	cfg EclipseGuardConfig

	peers       map[peer.ID]*guardedPeer
	bySubnet    map[string]int
	bySource    map[peer.ID]int
	trustedTill map[peer.ID]time.Time

	inbound  int
	outbound int
}

// NewEclipseGuard creates a guard. Zero-valued limits are replaced by
// the defaults.
func NewEclipseGuard(cfg EclipseGuardConfig) *EclipseGuard {
	def := DefaultEclipseGuardConfig()
	if cfg.MaxPeersPerSubnet <= 0 {
		cfg.MaxPeersPerSubnet = def.MaxPeersPerSubnet
	}
	if cfg.MaxPeersFromSameSource <= 0 {
		cfg.MaxPeersFromSameSource = def.MaxPeersFromSameSource
	}
	if cfg.MinOutboundPercent <= 0 {
		cfg.MinOutboundPercent = def.MinOutboundPercent
	}
	if cfg.TrustDuration <= 0 {
		cfg.TrustDuration = def.TrustDuration
	}
	return &EclipseGuard{
		cfg:         cfg,
		peers:       make(map[peer.ID]*guardedPeer),
		bySubnet:    make(map[string]int),
		bySource:    make(map[peer.ID]int),
		trustedTill: make(map[peer.ID]time.Time),
	}
}

// ShouldAcceptPeer reports whether a new connection keeps the peer set
// within the diversity limits.
func (g *EclipseGuard) ShouldAcceptPeer(peerID peer.ID, addr string, inbound bool) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.trustedLocked(peerID) {
		return true
	}

	if inbound {
		total := g.inbound + g.outbound
		if total > 0 && g.outbound*100 < g.cfg.MinOutboundPercent*total {
			return false
		}
	}

	if subnet := subnetOf(addr); subnet != "" {
		if g.bySubnet[subnet] >= g.cfg.MaxPeersPerSubnet {
			return false
		}
	}
	return true
}

// OnPeerConnected records an accepted connection.
func (g *EclipseGuard) OnPeerConnected(peerID peer.ID, addr string, inbound bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.peers[peerID]; ok {
		return
	}
	subnet := subnetOf(addr)
	g.peers[peerID] = &guardedPeer{
		addr:        addr,
		subnet:      subnet,
		inbound:     inbound,
		connectedAt: time.Now(),
	}
	if subnet != "" {
		g.bySubnet[subnet]++
	}
	if inbound {
		g.inbound++
	} else {
		g.outbound++
	}
}

// OnPeerDisconnected drops a peer from the tracking maps. A peer that
// stayed clean for a full day earns temporary trust.
func (g *EclipseGuard) OnPeerDisconnected(peerID peer.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.peers[peerID]
	if !ok {
		return
	}
	delete(g.peers, peerID)

	if p.inbound {
		g.inbound--
	} else {
		g.outbound--
	}
	if p.subnet != "" {
		if g.bySubnet[p.subnet]--; g.bySubnet[p.subnet] <= 0 {
			delete(g.bySubnet, p.subnet)
		}
	}
	if p.source != "" {
		if g.bySource[p.source]--; g.bySource[p.source] <= 0 {
			delete(g.bySource, p.source)
		}
	}

	if !p.penalized && time.Since(p.connectedAt) > 24*time.Hour {
		g.trustedTill[peerID] = time.Now().Add(g.cfg.TrustDuration)
	}
}

// RecordPeerSource attributes a connected peer to the PEX source that
// advertised it. Attribution is dropped once the source is saturated.
func (g *EclipseGuard) RecordPeerSource(peerID, source peer.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.peers[peerID]
	if !ok || p.source != "" {
		return
	}
	if g.bySource[source] >= g.cfg.MaxPeersFromSameSource {
		return
	}
	p.source = source
	g.bySource[source]++
}

// SourceSaturated reports whether a PEX source already accounts for the
// maximum number of connected peers.
func (g *EclipseGuard) SourceSaturated(source peer.ID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.bySource[source] >= g.cfg.MaxPeersFromSameSource
}

// OnPeerMisbehavior voids any trust the peer holds or would earn.
func (g *EclipseGuard) OnPeerMisbehavior(peerID peer.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if p, ok := g.peers[peerID]; ok {
		p.penalized = true
	}
	delete(g.trustedTill, peerID)
}

// TrustPeer grants a peer a trust window, exempting it from the limits.
func (g *EclipseGuard) TrustPeer(peerID peer.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.trustedTill[peerID] = time.Now().Add(g.cfg.TrustDuration)
}

// IsTrusted reports whether a peer currently holds trust.
func (g *EclipseGuard) IsTrusted(peerID peer.ID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.trustedLocked(peerID)
}

func (g *EclipseGuard) trustedLocked(peerID peer.ID) bool {
	expiry, ok := g.trustedTill[peerID]
	return ok && time.Now().Before(expiry)
}

// DiversityScore summarizes peer-set health as 0..100. Subnet and
// source concentration weigh 40% each, outbound balance 20%.
func (g *EclipseGuard) DiversityScore() int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	total := len(g.peers)
	if total == 0 {
		return 100
	}

	subnetScore := concentrationScore(maxCount(g.bySubnet), total)
	sourceScore := concentrationScore(maxCountPeers(g.bySource), total)

	balanceScore := 100
	if conns := g.inbound + g.outbound; conns > 0 {
		outboundPercent := g.outbound * 100 / conns
		if outboundPercent < g.cfg.MinOutboundPercent {
			balanceScore = outboundPercent * 100 / g.cfg.MinOutboundPercent
		}
	}

	return (subnetScore*40 + sourceScore*40 + balanceScore*20) / 100
}

// PeerCount returns the number of tracked peers.
func (g *EclipseGuard) PeerCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.peers)
}

// SubnetCount returns the number of distinct subnets in the peer set.
func (g *EclipseGuard) SubnetCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.bySubnet)
}

func concentrationScore(maxInGroup, total int) int {
	if maxInGroup == 0 {
		return 100
	}
	score := 100 - maxInGroup*100/total
	if score < 0 {
		return 0
	}
	return score
}

func maxCount(m map[string]int) int {
	max := 0
	for _, n := range m {
		if n > max {
			max = n
		}
	}
	return max
}

func maxCountPeers(m map[peer.ID]int) int {
	max := 0
	for _, n := range m {
		if n > max {
			max = n
		}
	}
	return max
}

// subnetOf maps an address to its IPv4 /24 (IPv6 /48) in CIDR form.
// Multiaddrs and host:port strings are both accepted; unparseable
// addresses map to "".
func subnetOf(addr string) string {
	host := addr
	if strings.HasPrefix(addr, "/") {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return ""
		}
		if v, err := ma.ValueForProtocol(multiaddr.P_IP4); err == nil {
			host = v
		} else if v, err := ma.ValueForProtocol(multiaddr.P_IP6); err == nil {
			host = v
		} else {
			return ""
		}
	} else if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return ""
	}
	if ip4 := ip.To4(); ip4 != nil {
		masked := &net.IPNet{IP: ip4.Mask(net.CIDRMask(24, 32)), Mask: net.CIDRMask(24, 32)}
		return masked.String()
	}
	masked := &net.IPNet{IP: ip.Mask(net.CIDRMask(48, 128)), Mask: net.CIDRMask(48, 128)}
	return masked.String()
}
