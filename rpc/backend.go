// Package rpc defines the operator surface the node exposes over
// JSON-RPC and websocket. The Backend interface is implemented by the
// node; the transports under jsonrpc/ and websocket/ stay independent
// of node internals.
package rpc

import (
	"context"
	"time"

	"github.com/Demosthene27/valois-sdk/types"
)

// NodeInfo is the answer to getNodeInfo.
type NodeInfo struct {
	ChainID         string     `json:"chainId"`
	NetworkVersion  string     `json:"networkVersion"`
	PeerID          string     `json:"peerId"`
	Height          uint64     `json:"height"`
	TipID           types.Hash `json:"tipId"`
	FinalizedHeight uint64     `json:"finalizedHeight"`
	Syncing         bool       `json:"syncing"`
	PoolSize        int        `json:"poolSize"`
	PeerCount       int        `json:"peerCount"`
}

// PeerInfo describes one connected peer.
type PeerInfo struct {
	PeerID    string `json:"peerId"`
	Outbound  bool   `json:"outbound"`
	Height    uint64 `json:"height"`
	Penalty   int64  `json:"penalty"`
	Connected int64  `json:"connectedSeconds"`
}

// ValidatorInfo describes one active delegate.
type ValidatorInfo struct {
	Address  string `json:"address"`
	Username string `json:"username"`
	Weight   uint64 `json:"weight"`
}

// ForgingStatus is the answer to updateForgingStatus.
type ForgingStatus struct {
	Address string `json:"address"`
	Forging bool   `json:"forging"`
}

// SnapshotInfo describes one stored state snapshot.
type SnapshotInfo struct {
	Height    uint64    `json:"height"`
	Hash      []byte    `json:"hash"`
	Chunks    int       `json:"chunks"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

// Backend is the node surface the RPC transports query.
type Backend interface {
	NodeInfo(ctx context.Context) (*NodeInfo, error)
	Validators(ctx context.Context) ([]ValidatorInfo, error)
	Account(ctx context.Context, address types.Address) (*types.Account, error)

	BlockByID(ctx context.Context, id types.Hash) (*types.Block, error)
	BlockByHeight(ctx context.Context, height types.Height) (*types.Block, error)
	BlocksByHeightRange(ctx context.Context, from, to types.Height) ([]*types.Block, error)
	LastBlock(ctx context.Context) (*types.Block, error)

	TransactionByID(ctx context.Context, id types.Hash) (*types.Transaction, error)
	TransactionsByAddress(ctx context.Context, address types.Address, limit int) ([]*types.Transaction, error)
	PostTransaction(ctx context.Context, raw []byte) (types.Hash, error)

	ConnectedPeers(ctx context.Context) ([]PeerInfo, error)
	UpdateForgingStatus(ctx context.Context, address types.Address, password string, forging bool) (*ForgingStatus, error)

	CreateSnapshot(ctx context.Context, height types.Height) (*SnapshotInfo, error)
	ListSnapshots(ctx context.Context) ([]SnapshotInfo, error)
}
