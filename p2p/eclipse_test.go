package p2p

import (
	"fmt"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

func testGuardConfig() EclipseGuardConfig {
	return EclipseGuardConfig{
		MaxPeersPerSubnet:      2,
		MaxPeersFromSameSource: 2,
		MinOutboundPercent:     20,
		TrustDuration:          time.Hour,
	}
}

func TestEclipseGuardEmpty(t *testing.T) {
	g := NewEclipseGuard(testGuardConfig())

	require.True(t, g.ShouldAcceptPeer("peer1", "192.168.1.1:7667", false))
	require.Equal(t, 0, g.PeerCount())
	require.Equal(t, 100, g.DiversityScore())
}

func TestEclipseGuardSubnetLimit(t *testing.T) {
	g := NewEclipseGuard(testGuardConfig())

	g.OnPeerConnected("peer1", "192.168.1.1:7667", false)
	g.OnPeerConnected("peer2", "192.168.1.2:7667", false)

	require.False(t, g.ShouldAcceptPeer("peer3", "192.168.1.3:7667", false))
	require.True(t, g.ShouldAcceptPeer("peer4", "192.168.2.1:7667", false))
	require.Equal(t, 1, g.SubnetCount())
}

func TestEclipseGuardSubnetFreesOnDisconnect(t *testing.T) {
	g := NewEclipseGuard(testGuardConfig())

	g.OnPeerConnected("peer1", "192.168.1.1:7667", false)
	g.OnPeerConnected("peer2", "192.168.1.2:7667", false)
	require.False(t, g.ShouldAcceptPeer("peer3", "192.168.1.3:7667", false))

	g.OnPeerDisconnected("peer1")

	require.Equal(t, 1, g.PeerCount())
	require.True(t, g.ShouldAcceptPeer("peer3", "192.168.1.3:7667", false))
}

func TestEclipseGuardOutboundShare(t *testing.T) {
	cfg := testGuardConfig()
	cfg.MaxPeersPerSubnet = 10
	g := NewEclipseGuard(cfg)

	for i := 0; i < 4; i++ {
		g.OnPeerConnected(peer.ID(fmt.Sprintf("in%d", i)), fmt.Sprintf("10.0.%d.1:7667", i), true)
	}

	// All inbound: new inbound refused, outbound still welcome.
	require.False(t, g.ShouldAcceptPeer("in5", "10.0.9.1:7667", true))
	require.True(t, g.ShouldAcceptPeer("out1", "10.0.9.2:7667", false))

	g.OnPeerConnected("out1", "10.0.8.1:7667", false)

	// 1 of 5 outbound meets the 20% floor.
	require.True(t, g.ShouldAcceptPeer("in5", "10.0.9.1:7667", true))
}

func TestEclipseGuardTrustBypassesLimits(t *testing.T) {
	cfg := testGuardConfig()
	cfg.MaxPeersPerSubnet = 1
	g := NewEclipseGuard(cfg)

	g.OnPeerConnected("peer1", "192.168.1.1:7667", false)
	g.TrustPeer("vip")

	require.True(t, g.IsTrusted("vip"))
	require.True(t, g.ShouldAcceptPeer("vip", "192.168.1.2:7667", false))
	require.False(t, g.ShouldAcceptPeer("stranger", "192.168.1.3:7667", false))
}

func TestEclipseGuardMisbehaviorRevokesTrust(t *testing.T) {
	g := NewEclipseGuard(testGuardConfig())

	g.OnPeerConnected("peer1", "192.168.1.1:7667", false)
	g.TrustPeer("peer1")
	require.True(t, g.IsTrusted("peer1"))

	g.OnPeerMisbehavior("peer1")

	require.False(t, g.IsTrusted("peer1"))
}

func TestEclipseGuardSourceAttribution(t *testing.T) {
	g := NewEclipseGuard(testGuardConfig())

	g.OnPeerConnected("peer1", "192.168.1.1:7667", false)
	g.OnPeerConnected("peer2", "192.168.2.1:7667", false)
	g.OnPeerConnected("peer3", "192.168.3.1:7667", false)

	g.RecordPeerSource("peer1", "gossiper")
	g.RecordPeerSource("peer2", "gossiper")
	require.True(t, g.SourceSaturated("gossiper"))

	// Saturated source gains no further attribution.
	g.RecordPeerSource("peer3", "gossiper")
	g.OnPeerDisconnected("peer1")
	require.False(t, g.SourceSaturated("gossiper"))
}

func TestEclipseGuardDiversityScore(t *testing.T) {
	cfg := testGuardConfig()
	cfg.MaxPeersPerSubnet = 10
	g := NewEclipseGuard(cfg)

	for i := 0; i < 4; i++ {
		g.OnPeerConnected(peer.ID(fmt.Sprintf("out%d", i)), fmt.Sprintf("192.168.%d.1:7667", i), false)
	}
	require.Greater(t, g.DiversityScore(), 50)

	concentrated := NewEclipseGuard(cfg)
	for i := 0; i < 4; i++ {
		concentrated.OnPeerConnected(peer.ID(fmt.Sprintf("in%d", i)), "192.168.1.1:7667", true)
	}
	require.Less(t, concentrated.DiversityScore(), g.DiversityScore())
}

func TestSubnetOf(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"192.168.1.100:7667", "192.168.1.0/24"},
		{"10.0.0.1:8080", "10.0.0.0/24"},
		{"/ip4/172.16.0.50/tcp/7667", "172.16.0.0/24"},
		{"/ip6/2001:db8:1::1/tcp/7667", "2001:db8:1::/48"},
		{"/dns4/seed.example.org/tcp/7667", ""},
		{"invalid", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			require.Equal(t, tt.want, subnetOf(tt.addr))
		})
	}
}
