package blockstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/Demosthene27/valois-sdk/types"
)

// BadgerDBStore implements Store using BadgerDB. BadgerDB is optimized for
// SSDs and offers better write performance than LevelDB for some workloads.
type BadgerDBStore struct {
	db        *badger.DB
	path      string
	tipHeight types.Height
	tipID     types.Hash
	base      types.Height
	hasTip    bool
	tempCount int
	maxTemp   int
	mu        sync.RWMutex
}

// BadgerDBOptions contains configuration options for BadgerDB.
type BadgerDBOptions struct {
	// SyncWrites ensures durability by syncing writes to disk.
	SyncWrites bool

	// Compression enables Snappy compression for values.
	Compression bool

	// ValueLogFileSize is the maximum size of a single value log file.
	ValueLogFileSize int64

	// MemTableSize is the size of the memtable.
	MemTableSize int64

	// Logger is an optional logger for BadgerDB. If nil, logging is disabled.
	Logger badger.Logger
}

// DefaultBadgerDBOptions returns sensible default options.
func DefaultBadgerDBOptions() *BadgerDBOptions {
	return &BadgerDBOptions{
		SyncWrites:       true,
		Compression:      true,
		ValueLogFileSize: 1 << 30,  // 1GB
		MemTableSize:     64 << 20, // 64MB
	}
}

// NewBadgerDBStore opens a BadgerDB-backed block store at path.
func NewBadgerDBStore(path string, maxTempBlocks int) (*BadgerDBStore, error) {
	return NewBadgerDBStoreWithOptions(path, maxTempBlocks, DefaultBadgerDBOptions())
}

// NewBadgerDBStoreWithOptions opens a BadgerDB-backed block store with
// custom options.
func NewBadgerDBStoreWithOptions(path string, maxTempBlocks int, opts *BadgerDBOptions) (*BadgerDBStore, error) {
	if opts == nil {
		opts = DefaultBadgerDBOptions()
	}

	badgerOpts := badger.DefaultOptions(path)
	badgerOpts = badgerOpts.WithSyncWrites(opts.SyncWrites)
	badgerOpts = badgerOpts.WithValueLogFileSize(opts.ValueLogFileSize)
	badgerOpts = badgerOpts.WithMemTableSize(opts.MemTableSize)

	if opts.Compression {
		badgerOpts = badgerOpts.WithCompression(options.Snappy)
	} else {
		badgerOpts = badgerOpts.WithCompression(options.None)
	}
	badgerOpts = badgerOpts.WithLogger(opts.Logger)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("opening badgerdb: %w", err)
	}

	store := &BadgerDBStore{
		db:      db,
		path:    path,
		maxTemp: maxTempBlocks,
	}

	if err := store.loadMetadata(); err != nil {
		db.Close()
		return nil, fmt.Errorf("loading metadata: %w", err)
	}

	return store, nil
}

func (s *BadgerDBStore) loadMetadata() error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyChainTip)
		if err == nil {
			err = item.Value(func(val []byte) error {
				height, id := parseTipValue(val)
				s.tipHeight = height
				s.tipID = append(types.Hash(nil), id...)
				s.hasTip = true
				return nil
			})
			if err != nil {
				return err
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		item, err = txn.Get(keyChainBase)
		if err == nil {
			err = item.Value(func(val []byte) error {
				s.base = decodeHeight(val)
				return nil
			})
			if err != nil {
				return err
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefixTemp})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			s.tempCount++
		}
		return nil
	})
}

func hasKey(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return false, err
}

func getValue(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

// SaveBlock persists a block atomically and advances the tip if needed.
func (s *BadgerDBStore) SaveBlock(block *types.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	height := block.Header.Height
	id := block.Header.ID()

	data, err := block.Encode()
	if err != nil {
		return fmt.Errorf("encoding block: %w", err)
	}

	newTip := !s.hasTip || height > s.tipHeight
	newBase := !s.hasTip || height < s.base

	err = s.db.Update(func(txn *badger.Txn) error {
		exists, err := hasKey(txn, makeHeightKey(height))
		if err != nil {
			return err
		}
		if !exists {
			exists, err = hasKey(txn, makeBlockIDKey(id))
			if err != nil {
				return err
			}
		}
		if exists {
			return ErrBlockExists
		}

		if err := txn.Set(makeHeightKey(height), id.Bytes()); err != nil {
			return err
		}
		if err := txn.Set(makeBlockIDKey(id), data); err != nil {
			return err
		}
		if newTip {
			if err := txn.Set(keyChainTip, makeTipValue(height, id)); err != nil {
				return err
			}
		}
		if newBase {
			if err := txn.Set(keyChainBase, encodeHeight(height)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrBlockExists) {
			return ErrBlockExists
		}
		return fmt.Errorf("writing block: %w", err)
	}

	if newTip {
		s.tipHeight = height
		s.tipID = id
	}
	if newBase {
		s.base = height
	}
	s.hasTip = true

	return nil
}

// GetBlockByID retrieves a block by its ID.
func (s *BadgerDBStore) GetBlockByID(id types.Hash) (*types.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var block *types.Block
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		block, err = getBlockByIDTxn(txn, id)
		return err
	})
	return block, err
}

func getBlockByIDTxn(txn *badger.Txn, id types.Hash) (*types.Block, error) {
	data, err := getValue(txn, makeBlockIDKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, types.ErrBlockNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting block %s: %w", id, err)
	}
	return types.DecodeBlock(data)
}

func getBlockByHeightTxn(txn *badger.Txn, height types.Height) (*types.Block, error) {
	id, err := getValue(txn, makeHeightKey(height))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, types.ErrBlockNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting hash for height %d: %w", height, err)
	}
	return getBlockByIDTxn(txn, id)
}

// GetBlockByHeight retrieves a block by height.
func (s *BadgerDBStore) GetBlockByHeight(height types.Height) (*types.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var block *types.Block
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		block, err = getBlockByHeightTxn(txn, height)
		return err
	})
	return block, err
}

// GetBlocksFromHeight returns up to limit consecutive blocks starting at from.
func (s *BadgerDBStore) GetBlocksFromHeight(from types.Height, limit int) ([]*types.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blocks := make([]*types.Block, 0, limit)
	err := s.db.View(func(txn *badger.Txn) error {
		for h := from; len(blocks) < limit; h++ {
			block, err := getBlockByHeightTxn(txn, h)
			if errors.Is(err, types.ErrBlockNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			blocks = append(blocks, block)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blocks, nil
}

// HasBlock reports whether a block with the given ID is stored.
func (s *BadgerDBStore) HasBlock(id types.Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exists := false
	_ = s.db.View(func(txn *badger.Txn) error {
		var err error
		exists, err = hasKey(txn, makeBlockIDKey(id))
		return err
	})
	return exists
}

// HasHeight reports whether a block exists at the given height.
func (s *BadgerDBStore) HasHeight(height types.Height) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exists := false
	_ = s.db.View(func(txn *badger.Txn) error {
		var err error
		exists, err = hasKey(txn, makeHeightKey(height))
		return err
	})
	return exists
}

// Tip returns the highest stored block.
func (s *BadgerDBStore) Tip() (*types.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.hasTip {
		return nil, ErrEmptyStore
	}

	var block *types.Block
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		block, err = getBlockByIDTxn(txn, s.tipID)
		return err
	})
	return block, err
}

// TipHeight returns the height of the tip, or 0 for an empty store.
func (s *BadgerDBStore) TipHeight() types.Height {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tipHeight
}

// Base returns the earliest available height.
func (s *BadgerDBStore) Base() types.Height {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.base
}

// DeleteTip removes the tip block and rewinds to its parent.
func (s *BadgerDBStore) DeleteTip() (*types.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasTip {
		return nil, ErrEmptyStore
	}

	var tip *types.Block
	err := s.db.Update(func(txn *badger.Txn) error {
		var err error
		tip, err = getBlockByIDTxn(txn, s.tipID)
		if err != nil {
			return err
		}
		if tip.Header.IsGenesis() {
			return ErrDeleteGenesis
		}

		if err := txn.Delete(makeHeightKey(s.tipHeight)); err != nil {
			return err
		}
		if err := txn.Delete(makeBlockIDKey(s.tipID)); err != nil {
			return err
		}
		return txn.Set(keyChainTip, makeTipValue(s.tipHeight-1, tip.Header.PreviousBlockID))
	})
	if err != nil {
		return nil, err
	}

	s.tipHeight--
	s.tipID = tip.Header.PreviousBlockID

	return tip, nil
}

// SaveTempBlock stores a block in the temporary region.
func (s *BadgerDBStore) SaveTempBlock(block *types.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := makeTempKey(block.Header.Height)
	data, err := block.Encode()
	if err != nil {
		return fmt.Errorf("encoding temp block: %w", err)
	}

	existed := false
	err = s.db.Update(func(txn *badger.Txn) error {
		var err error
		existed, err = hasKey(txn, key)
		if err != nil {
			return err
		}
		if !existed && s.tempCount >= s.maxTemp {
			return ErrTempRegionFull
		}
		return txn.Set(key, data)
	})
	if err != nil {
		if errors.Is(err, ErrTempRegionFull) {
			return ErrTempRegionFull
		}
		return fmt.Errorf("writing temp block: %w", err)
	}
	if !existed {
		s.tempCount++
	}
	return nil
}

// GetTempBlocks returns all temporary blocks in ascending height order.
func (s *BadgerDBStore) GetTempBlocks() ([]*types.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var blocks []*types.Block
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefixTemp})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			block, err := types.DecodeBlock(data)
			if err != nil {
				return fmt.Errorf("decoding temp block: %w", err)
			}
			blocks = append(blocks, block)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blocks, nil
}

// ClearTempBlocks discards the temporary region.
func (s *BadgerDBStore) ClearTempBlocks() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefixTemp})
		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("clearing temp blocks: %w", err)
	}
	s.tempCount = 0
	return nil
}

// Close closes the database.
func (s *BadgerDBStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

var _ Store = (*BadgerDBStore)(nil)
