// Package blockstore persists the canonical chain and the temporary block
// region used during chain synchronization.
package blockstore

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Demosthene27/valois-sdk/types"
)

// Errors returned by block store implementations.
var (
	ErrBlockExists    = errors.New("block already exists")
	ErrEmptyStore     = errors.New("block store is empty")
	ErrTempRegionFull = errors.New("temporary block region is full")
	ErrDeleteGenesis  = errors.New("cannot delete the genesis block")
)

// Store is the persistence interface for blocks.
// Implementations must be safe for concurrent use.
type Store interface {
	// SaveBlock persists a block and advances the tip if the block is the
	// new highest. Returns ErrBlockExists if a block with the same ID or
	// height is already stored.
	SaveBlock(block *types.Block) error

	// GetBlockByID retrieves a block by its ID.
	// Returns types.ErrBlockNotFound if absent.
	GetBlockByID(id types.Hash) (*types.Block, error)

	// GetBlockByHeight retrieves a block by height.
	// Returns types.ErrBlockNotFound if absent.
	GetBlockByHeight(height types.Height) (*types.Block, error)

	// GetBlocksFromHeight returns up to limit consecutive blocks starting at
	// from, in ascending height order. Missing heights end the scan.
	GetBlocksFromHeight(from types.Height, limit int) ([]*types.Block, error)

	// HasBlock reports whether a block with the given ID is stored.
	HasBlock(id types.Hash) bool

	// HasHeight reports whether a block exists at the given height.
	HasHeight(height types.Height) bool

	// Tip returns the highest stored block.
	// Returns ErrEmptyStore if no blocks have been stored.
	Tip() (*types.Block, error)

	// TipHeight returns the height of the tip, or 0 for an empty store.
	TipHeight() types.Height

	// Base returns the earliest available height, or 0 for an empty store.
	Base() types.Height

	// DeleteTip removes the tip block and rewinds the tip to its parent.
	// The removed block is returned so its transactions can be recycled.
	DeleteTip() (*types.Block, error)

	// SaveTempBlock stores a block in the temporary region. The region is
	// bounded; ErrTempRegionFull is returned when the bound is reached.
	SaveTempBlock(block *types.Block) error

	// GetTempBlocks returns all blocks in the temporary region in ascending
	// height order.
	GetTempBlocks() ([]*types.Block, error)

	// ClearTempBlocks discards the temporary region.
	ClearTempBlocks() error

	// Close closes the store and releases resources.
	Close() error
}

// DefaultMaxTempBlocks bounds the temporary region when no explicit limit
// is configured.
const DefaultMaxTempBlocks = 500

// Key prefixes for the chain keyspace.
var (
	prefixBlockID     = []byte("blocks:id:")
	prefixBlockHeight = []byte("blocks:height:")
	prefixTemp        = []byte("temp:")
	keyChainTip       = []byte("chain:tip")
	keyChainBase      = []byte("chain:base")
)

func makeBlockIDKey(id types.Hash) []byte {
	key := make([]byte, len(prefixBlockID)+len(id))
	copy(key, prefixBlockID)
	copy(key[len(prefixBlockID):], id)
	return key
}

// makeHeightKey uses fixed-width big-endian heights so iteration order
// matches height order.
func makeHeightKey(height types.Height) []byte {
	key := make([]byte, len(prefixBlockHeight)+8)
	copy(key, prefixBlockHeight)
	binary.BigEndian.PutUint64(key[len(prefixBlockHeight):], uint64(height))
	return key
}

func makeTempKey(height types.Height) []byte {
	key := make([]byte, len(prefixTemp)+8)
	copy(key, prefixTemp)
	binary.BigEndian.PutUint64(key[len(prefixTemp):], uint64(height))
	return key
}

// makeTipValue packs the tip height and ID into a single meta value.
func makeTipValue(height types.Height, id types.Hash) []byte {
	value := make([]byte, 8+len(id))
	binary.BigEndian.PutUint64(value[:8], uint64(height))
	copy(value[8:], id)
	return value
}

func parseTipValue(value []byte) (types.Height, types.Hash) {
	if len(value) < 8 {
		return 0, nil
	}
	return types.Height(binary.BigEndian.Uint64(value[:8])), types.Hash(value[8:])
}

func encodeHeight(h types.Height) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(h))
	return buf
}

func decodeHeight(data []byte) types.Height {
	if len(data) < 8 {
		return 0
	}
	return types.Height(binary.BigEndian.Uint64(data))
}

// Config selects and tunes a store backend.
type Config struct {
	// Backend is "leveldb", "badgerdb" or "memory".
	Backend string

	// Path is the on-disk location for persistent backends.
	Path string

	// MaxTempBlocks bounds the temporary region. 0 means DefaultMaxTempBlocks.
	MaxTempBlocks int
}

// New opens a block store for the configured backend.
func New(cfg Config) (Store, error) {
	maxTemp := cfg.MaxTempBlocks
	if maxTemp <= 0 {
		maxTemp = DefaultMaxTempBlocks
	}

	switch cfg.Backend {
	case "leveldb", "":
		return NewLevelDBStore(cfg.Path, maxTemp)
	case "badgerdb":
		return NewBadgerDBStore(cfg.Path, maxTemp)
	case "memory":
		return NewMemoryStore(maxTemp), nil
	default:
		return nil, fmt.Errorf("unknown block store backend %q", cfg.Backend)
	}
}
