package types

import (
	"crypto/sha256"
)

const (
	// HashSize is the size of a SHA-256 hash in bytes.
	HashSize = sha256.Size // 32 bytes
)

// HashBytes computes the SHA-256 hash of arbitrary bytes.
func HashBytes(data []byte) Hash {
	if data == nil {
		return nil
	}
	h := sha256.Sum256(data)
	return h[:]
}

// HashConcat computes the SHA-256 hash of the concatenation of two hashes.
// This is useful for building merkle trees.
func HashConcat(left, right Hash) Hash {
	h := sha256.New()
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}

// HashOnionLayer computes the next layer of a hash onion from a pre-image.
// The onion chain is h_{i+1} = H(h_i); forging reveals layers in reverse.
func HashOnionLayer(preimage []byte) Hash {
	h := sha256.Sum256(preimage)
	return h[:]
}

// EmptyHash returns the hash of an empty byte slice.
func EmptyHash() Hash {
	h := sha256.Sum256([]byte{})
	return h[:]
}

// AddressFromPublicKey derives a 20-byte account address from an
// ed25519 public key: the first 20 bytes of its SHA-256 hash.
// The derivation is part of the consensus contract.
func AddressFromPublicKey(publicKey []byte) Address {
	if len(publicKey) == 0 {
		return nil
	}
	h := sha256.Sum256(publicKey)
	return Address(h[:AddressSize])
}
