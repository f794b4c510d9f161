// Package types provides the consensus object definitions for the valois
// node core: blocks, transactions, accounts, validators, and the common
// scalar types shared by every component.
package types

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// Height represents a block height in the chain. Heights start at 0
// (genesis) and increase strictly by one per applied block.
type Height uint64

// Hash represents a cryptographic hash (32 bytes, SHA-256).
type Hash []byte

// Address is a 20-byte account address derived from a public key.
type Address []byte

// AddressSize is the length of an account address in bytes.
const AddressSize = 20

// String returns the height as a string.
func (h Height) String() string {
	return fmt.Sprintf("%d", h)
}

// Uint64 returns the height as a uint64.
func (h Height) Uint64() uint64 {
	return uint64(h)
}

// String returns the hash as a hexadecimal string.
func (h Hash) String() string {
	return hex.EncodeToString(h)
}

// Bytes returns the raw bytes of the hash.
func (h Hash) Bytes() []byte {
	return []byte(h)
}

// IsEmpty returns true if the hash is nil or zero-length.
func (h Hash) IsEmpty() bool {
	return len(h) == 0
}

// Equal returns true if the hashes are equal.
func (h Hash) Equal(other Hash) bool {
	return bytes.Equal(h, other)
}

// Less returns true if h sorts lexicographically before other.
// Used as the deterministic fork tiebreak, so the comparison must be
// identical on every node.
func (h Hash) Less(other Hash) bool {
	return bytes.Compare(h, other) < 0
}

// HashFromHex parses a hexadecimal string into a Hash.
func HashFromHex(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex string: %w", err)
	}
	return Hash(b), nil
}

// String returns the address as a hexadecimal string.
func (a Address) String() string {
	return hex.EncodeToString(a)
}

// Bytes returns the raw bytes of the address.
func (a Address) Bytes() []byte {
	return []byte(a)
}

// Equal returns true if the addresses are equal.
func (a Address) Equal(other Address) bool {
	return bytes.Equal(a, other)
}

// AddressFromHex parses a hexadecimal string into an Address.
func AddressFromHex(s string) (Address, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex string: %w", err)
	}
	if len(b) != AddressSize {
		return nil, fmt.Errorf("address must be %d bytes, got %d", AddressSize, len(b))
	}
	return Address(b), nil
}

// PeerID is a type alias for peer identification.
// This is typically the libp2p peer ID string.
type PeerID string

// String returns the peer ID as a string.
func (p PeerID) String() string {
	return string(p)
}

// IsEmpty returns true if the peer ID is empty.
func (p PeerID) IsEmpty() bool {
	return p == ""
}

// BlockOrigin identifies where a block entered the node.
type BlockOrigin int

const (
	// OriginLocal marks a block forged by this node.
	OriginLocal BlockOrigin = iota

	// OriginPeer marks a block received from the network.
	OriginPeer

	// OriginGenesis marks the genesis block during bootstrap.
	OriginGenesis
)

// String returns a human-readable origin name.
func (o BlockOrigin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginPeer:
		return "peer"
	case OriginGenesis:
		return "genesis"
	default:
		return "unknown"
	}
}
