package txpool

import (
	"github.com/Demosthene27/valois-sdk/types"
)

// MerkleTree is an in-memory merkle tree over transaction ids. It maintains
// a dynamic leaf set and recomputes the root bottom-up on demand, giving the
// pool a compact commitment to its contents for announcements.
type MerkleTree struct {
	leaves    []types.Hash
	leafIndex map[string]int
}

// NewMerkleTree creates a new empty merkle tree.
func NewMerkleTree() *MerkleTree {
	return &MerkleTree{
		leaves:    make([]types.Hash, 0),
		leafIndex: make(map[string]int),
	}
}

// Add inserts a hash into the tree.
// Returns false if the hash already exists.
func (t *MerkleTree) Add(hash types.Hash) bool {
	key := string(hash)
	if _, exists := t.leafIndex[key]; exists {
		return false
	}
	t.leafIndex[key] = len(t.leaves)
	t.leaves = append(t.leaves, hash)
	return true
}

// Remove deletes a hash from the tree.
// Returns false if the hash did not exist.
func (t *MerkleTree) Remove(hash types.Hash) bool {
	key := string(hash)
	idx, exists := t.leafIndex[key]
	if !exists {
		return false
	}

	// Swap with the last leaf and shrink.
	lastIdx := len(t.leaves) - 1
	if idx != lastIdx {
		t.leaves[idx] = t.leaves[lastIdx]
		t.leafIndex[string(t.leaves[idx])] = idx
	}
	t.leaves = t.leaves[:lastIdx]
	delete(t.leafIndex, key)
	return true
}

// Has checks if a hash exists in the tree.
func (t *MerkleTree) Has(hash types.Hash) bool {
	_, exists := t.leafIndex[string(hash)]
	return exists
}

// Size returns the number of leaves in the tree.
func (t *MerkleTree) Size() int {
	return len(t.leaves)
}

// RootHash computes the merkle root. Returns nil for an empty tree and the
// sole leaf for a single-leaf tree. Odd nodes are promoted unchanged.
func (t *MerkleTree) RootHash() types.Hash {
	return merkleRoot(t.leaves)
}

// Clear removes all hashes from the tree.
func (t *MerkleTree) Clear() {
	t.leaves = t.leaves[:0]
	t.leafIndex = make(map[string]int)
}

// Leaves returns a copy of all leaf hashes.
func (t *MerkleTree) Leaves() []types.Hash {
	result := make([]types.Hash, len(t.leaves))
	copy(result, t.leaves)
	return result
}

// TransactionRoot computes the merkle root over a block payload's
// transaction ids in payload order. An empty payload yields the empty hash.
func TransactionRoot(txs []*types.Transaction) types.Hash {
	if len(txs) == 0 {
		return types.EmptyHash()
	}
	leaves := make([]types.Hash, len(txs))
	for i, tx := range txs {
		leaves[i] = tx.ID()
	}
	return merkleRoot(leaves)
}

func merkleRoot(leaves []types.Hash) types.Hash {
	n := len(leaves)
	if n == 0 {
		return nil
	}
	if n == 1 {
		return leaves[0]
	}

	level := make([]types.Hash, n)
	copy(level, leaves)

	for len(level) > 1 {
		next := make([]types.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, types.HashConcat(level[i], level[i+1]))
			} else {
				next = append(next, level[i])
			}
		}
		level = next
	}
	return level[0]
}
