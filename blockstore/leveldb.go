package blockstore

import (
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/Demosthene27/valois-sdk/types"
)

// LevelDBStore implements Store using LevelDB.
type LevelDBStore struct {
	db        *leveldb.DB
	path      string
	tipHeight types.Height
	tipID     types.Hash
	base      types.Height
	hasTip    bool
	tempCount int
	maxTemp   int
	mu        sync.RWMutex
}

// NewLevelDBStore opens a LevelDB-backed block store at path.
func NewLevelDBStore(path string, maxTempBlocks int) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{
		NoSync: false, // Ensure durability
	})
	if err != nil {
		return nil, fmt.Errorf("opening leveldb: %w", err)
	}

	store := &LevelDBStore{
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

// loadMetadata restores the tip, base and temp region size from disk.
func (s *LevelDBStore) loadMetadata() error {
	data, err := s.db.Get(keyChainTip, nil)
	if err == nil {
		s.tipHeight, s.tipID = parseTipValue(data)
		s.hasTip = true
	} else if err != leveldb.ErrNotFound {
		return err
	}

	data, err = s.db.Get(keyChainBase, nil)
	if err == nil {
		s.base = decodeHeight(data)
	} else if err != leveldb.ErrNotFound {
		return err
	}

	iter := s.db.NewIterator(util.BytesPrefix(prefixTemp), nil)
	for iter.Next() {
		s.tempCount++
	}
	iter.Release()
	return iter.Error()
}

// SaveBlock persists a block atomically and advances the tip if needed.
func (s *LevelDBStore) SaveBlock(block *types.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	height := block.Header.Height
	id := block.Header.ID()

	heightKey := makeHeightKey(height)
	exists, err := s.db.Has(heightKey, nil)
	if err != nil {
		return fmt.Errorf("checking block existence: %w", err)
	}
	if !exists {
		exists, err = s.db.Has(makeBlockIDKey(id), nil)
		if err != nil {
			return fmt.Errorf("checking block existence: %w", err)
		}
	}
	if exists {
		return ErrBlockExists
	}

	data, err := block.Encode()
	if err != nil {
		return fmt.Errorf("encoding block: %w", err)
	}

	batch := new(leveldb.Batch)
	batch.Put(heightKey, id.Bytes())
	batch.Put(makeBlockIDKey(id), data)

	newTip := !s.hasTip || height > s.tipHeight
	if newTip {
		batch.Put(keyChainTip, makeTipValue(height, id))
	}
	newBase := !s.hasTip || height < s.base
	if newBase {
		batch.Put(keyChainBase, encodeHeight(height))
	}

	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
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
func (s *LevelDBStore) GetBlockByID(id types.Hash) (*types.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getBlockByIDUnlocked(id)
}

func (s *LevelDBStore) getBlockByIDUnlocked(id types.Hash) (*types.Block, error) {
	data, err := s.db.Get(makeBlockIDKey(id), nil)
	if err == leveldb.ErrNotFound {
		return nil, types.ErrBlockNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting block %s: %w", id, err)
	}
	return types.DecodeBlock(data)
}

// GetBlockByHeight retrieves a block by height.
func (s *LevelDBStore) GetBlockByHeight(height types.Height) (*types.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getBlockByHeightUnlocked(height)
}

func (s *LevelDBStore) getBlockByHeightUnlocked(height types.Height) (*types.Block, error) {
	id, err := s.db.Get(makeHeightKey(height), nil)
	if err == leveldb.ErrNotFound {
		return nil, types.ErrBlockNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting hash for height %d: %w", height, err)
	}
	return s.getBlockByIDUnlocked(id)
}

// GetBlocksFromHeight returns up to limit consecutive blocks starting at from.
func (s *LevelDBStore) GetBlocksFromHeight(from types.Height, limit int) ([]*types.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blocks := make([]*types.Block, 0, limit)
	for h := from; len(blocks) < limit; h++ {
		block, err := s.getBlockByHeightUnlocked(h)
		if err == types.ErrBlockNotFound {
			break
		}
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// HasBlock reports whether a block with the given ID is stored.
func (s *LevelDBStore) HasBlock(id types.Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exists, _ := s.db.Has(makeBlockIDKey(id), nil)
	return exists
}

// HasHeight reports whether a block exists at the given height.
func (s *LevelDBStore) HasHeight(height types.Height) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exists, _ := s.db.Has(makeHeightKey(height), nil)
	return exists
}

// Tip returns the highest stored block.
func (s *LevelDBStore) Tip() (*types.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.hasTip {
		return nil, ErrEmptyStore
	}
	return s.getBlockByIDUnlocked(s.tipID)
}

// TipHeight returns the height of the tip, or 0 for an empty store.
func (s *LevelDBStore) TipHeight() types.Height {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tipHeight
}

// Base returns the earliest available height.
func (s *LevelDBStore) Base() types.Height {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.base
}

// DeleteTip removes the tip block and rewinds to its parent.
func (s *LevelDBStore) DeleteTip() (*types.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasTip {
		return nil, ErrEmptyStore
	}

	tip, err := s.getBlockByIDUnlocked(s.tipID)
	if err != nil {
		return nil, err
	}
	if tip.Header.IsGenesis() {
		return nil, ErrDeleteGenesis
	}

	parentID := tip.Header.PreviousBlockID

	batch := new(leveldb.Batch)
	batch.Delete(makeHeightKey(s.tipHeight))
	batch.Delete(makeBlockIDKey(s.tipID))
	batch.Put(keyChainTip, makeTipValue(s.tipHeight-1, parentID))

	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return nil, fmt.Errorf("deleting tip: %w", err)
	}

	s.tipHeight--
	s.tipID = parentID

	return tip, nil
}

// SaveTempBlock stores a block in the temporary region.
func (s *LevelDBStore) SaveTempBlock(block *types.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := makeTempKey(block.Header.Height)
	exists, err := s.db.Has(key, nil)
	if err != nil {
		return fmt.Errorf("checking temp block: %w", err)
	}
	if !exists && s.tempCount >= s.maxTemp {
		return ErrTempRegionFull
	}

	data, err := block.Encode()
	if err != nil {
		return fmt.Errorf("encoding temp block: %w", err)
	}
	if err := s.db.Put(key, data, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("writing temp block: %w", err)
	}
	if !exists {
		s.tempCount++
	}
	return nil
}

// GetTempBlocks returns all temporary blocks in ascending height order.
func (s *LevelDBStore) GetTempBlocks() ([]*types.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	iter := s.db.NewIterator(util.BytesPrefix(prefixTemp), nil)
	defer iter.Release()

	var blocks []*types.Block
	for iter.Next() {
		block, err := types.DecodeBlock(append([]byte(nil), iter.Value()...))
		if err != nil {
			return nil, fmt.Errorf("decoding temp block: %w", err)
		}
		blocks = append(blocks, block)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterating temp blocks: %w", err)
	}
	return blocks, nil
}

// ClearTempBlocks discards the temporary region.
func (s *LevelDBStore) ClearTempBlocks() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	iter := s.db.NewIterator(util.BytesPrefix(prefixTemp), nil)
	batch := new(leveldb.Batch)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterating temp blocks: %w", err)
	}

	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("clearing temp blocks: %w", err)
	}
	s.tempCount = 0
	return nil
}

// Close closes the database.
func (s *LevelDBStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

var _ Store = (*LevelDBStore)(nil)
