// Package schema defines the peer-to-peer wire messages. Every message
// is framed as a cramberry TypeID followed by the canonical encoding of
// one of the structs below. Numeric field tags are part of the protocol
// and must never be renumbered.
package schema

import (
	"github.com/blockberries/cramberry/pkg/cramberry"
)

// Message type IDs. IDs below 128 are reserved.
const (
	TypeIDHelloRequest  cramberry.TypeID = 128
	TypeIDHelloResponse cramberry.TypeID = 129
	TypeIDHelloFinalize cramberry.TypeID = 130

	TypeIDStatusRequest  cramberry.TypeID = 131
	TypeIDStatusResponse cramberry.TypeID = 132

	TypeIDTransactionsAnnouncement cramberry.TypeID = 133
	TypeIDTransactionsRequest      cramberry.TypeID = 134
	TypeIDTransactionsResponse     cramberry.TypeID = 135
	TypeIDPostTransaction          cramberry.TypeID = 136

	TypeIDBlocksRequest  cramberry.TypeID = 137
	TypeIDBlocksResponse cramberry.TypeID = 138

	TypeIDBlockData cramberry.TypeID = 139

	TypeIDCommonBlockRequest  cramberry.TypeID = 140
	TypeIDCommonBlockResponse cramberry.TypeID = 141

	TypeIDPexRequest  cramberry.TypeID = 142
	TypeIDPexResponse cramberry.TypeID = 143
)

// HelloRequest opens the handshake on a new connection.
type HelloRequest struct {
	ChainID        []byte `cramberry:"1"`
	NetworkVersion string `cramberry:"2"`
	Height         uint64 `cramberry:"3"`
	TipID          []byte `cramberry:"4"`
	Nonce          []byte `cramberry:"5"`
	PublicKey      []byte `cramberry:"6"`
}

// HelloResponse answers a HelloRequest with the responder's view. The
// public key seeds the encrypted streams negotiated after finalize.
type HelloResponse struct {
	ChainID         []byte `cramberry:"1"`
	NetworkVersion  string `cramberry:"2"`
	Height          uint64 `cramberry:"3"`
	TipID           []byte `cramberry:"4"`
	FinalizedHeight uint64 `cramberry:"5"`
	Accepted        bool   `cramberry:"6"`
	PublicKey       []byte `cramberry:"7"`
}

// HelloFinalize completes the three-way handshake.
type HelloFinalize struct {
	Accepted bool   `cramberry:"1"`
	Reason   string `cramberry:"2"`
}

// StatusRequest asks a peer for its current chain view. Used by the
// synchronizer when sampling the network tip.
type StatusRequest struct {
	Nonce []byte `cramberry:"1"`
}

// StatusResponse reports a peer's tip and finality view.
type StatusResponse struct {
	Height            uint64 `cramberry:"1"`
	TipID             []byte `cramberry:"2"`
	MaxHeightPrevoted uint64 `cramberry:"3"`
	FinalizedHeight   uint64 `cramberry:"4"`
}

// BlockData carries one full block for gossip.
type BlockData struct {
	Height uint64 `cramberry:"1"`
	Hash   []byte `cramberry:"2"`
	Data   []byte `cramberry:"3"`
}

// TransactionsAnnouncement gossips transaction ids without payloads.
type TransactionsAnnouncement struct {
	TransactionIDs [][]byte `cramberry:"1"`
}

// TransactionsRequest fetches full transactions by id.
type TransactionsRequest struct {
	TransactionIDs [][]byte `cramberry:"1"`
}

// TransactionsResponse returns the encoded transactions a peer holds.
type TransactionsResponse struct {
	Transactions [][]byte `cramberry:"1"`
}

// PostTransaction pushes one full transaction to a peer.
type PostTransaction struct {
	Transaction []byte `cramberry:"1"`
}

// BlocksRequest asks for blocks following a known block id.
type BlocksRequest struct {
	BlockID []byte `cramberry:"1"`
	Limit   uint32 `cramberry:"2"`
}

// BlocksResponse returns encoded blocks in ascending height order.
type BlocksResponse struct {
	Blocks [][]byte `cramberry:"1"`
}

// CommonBlockRequest asks which of the listed block ids the peer has.
type CommonBlockRequest struct {
	BlockIDs [][]byte `cramberry:"1"`
}

// CommonBlockResponse names the highest listed block the peer has,
// or Found=false when it has none.
type CommonBlockResponse struct {
	Found   bool   `cramberry:"1"`
	BlockID []byte `cramberry:"2"`
	Height  uint64 `cramberry:"3"`
}

// PexRequest asks a peer for known addresses.
type PexRequest struct {
	MaxAddresses uint32 `cramberry:"1"`
}

// PexResponse returns known peer multiaddrs.
type PexResponse struct {
	Addresses []string `cramberry:"1"`
}
