// Package handlers implements the message reactors behind each gossip
// and sync stream: handshake negotiation, block propagation,
// transaction exchange and the request/response endpoints the
// synchronizer drives.
package handlers

import (
	"crypto/ed25519"
	"time"

	"github.com/blockberries/cramberry/pkg/cramberry"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Demosthene27/valois-sdk/p2p"
	"github.com/Demosthene27/valois-sdk/types"
)

// Request and payload bounds. A BlocksRequest limit above the bound is
// clamped; id and probe lists above their bounds are penalized.
const (
	// MaxBlocksPerRequest bounds one BlocksRequest reply.
	MaxBlocksPerRequest = 34

	// MaxTransactionIDsPerMessage bounds announcement and request batches.
	MaxTransactionIDsPerMessage = 100

	// MaxCommonBlockProbes bounds one CommonBlockRequest.
	MaxCommonBlockProbes = 64
)

// Transport is the network surface the reactors send through.
// *p2p.Network satisfies it.
type Transport interface {
	Send(peerID peer.ID, streamName string, data []byte) error
	Disconnect(peerID peer.ID) error
	TempBanPeer(peerID peer.ID, duration time.Duration, reason string) error
	AddPenalty(peerID peer.ID, points int64, reason p2p.PenaltyReason, message string) error
	PrepareStreams(peerID peer.ID, peerPubKey ed25519.PublicKey) error
	FinalizeHandshake(peerID peer.ID) error
	BroadcastBlock(blockID types.Hash, data []byte, exclude peer.ID) []error
}

var _ Transport = (*p2p.Network)(nil)

// ChainStatus is the local chain view advertised to peers.
type ChainStatus interface {
	TipHeight() types.Height
	TipID() types.Hash
	MaxHeightPrevoted() types.Height
	FinalizedHeight() types.Height
}

type cramberryMarshaler interface {
	MarshalCramberry() ([]byte, error)
}

// encodeFrame prefixes a message with its wire type ID.
func encodeFrame(typeID cramberry.TypeID, msg cramberryMarshaler) ([]byte, error) {
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

// decodeFrame splits a message into its type ID and payload.
func decodeFrame(data []byte) (cramberry.TypeID, []byte, error) {
	if len(data) == 0 {
		return 0, nil, types.ErrInvalidMessage
	}
	r := cramberry.NewReader(data)
	typeID := r.ReadTypeID()
	if r.Err() != nil {
		return 0, nil, types.ErrInvalidMessage
	}
	return typeID, r.Remaining(), nil
}
