package blockstore

import (
	"sort"
	"sync"

	"github.com/Demosthene27/valois-sdk/types"
)

// MemoryStore implements Store with in-memory storage.
// Primarily used for testing.
type MemoryStore struct {
	byID      map[string]*types.Block
	byHeight  map[types.Height]string
	temp      map[types.Height]*types.Block
	tipHeight types.Height
	tipID     types.Hash
	base      types.Height
	hasTip    bool
	maxTemp   int
	mu        sync.RWMutex
}

// NewMemoryStore creates an empty in-memory block store.
func NewMemoryStore(maxTempBlocks int) *MemoryStore {
	if maxTempBlocks <= 0 {
		maxTempBlocks = DefaultMaxTempBlocks
	}
	return &MemoryStore{
		byID:     make(map[string]*types.Block),
		byHeight: make(map[types.Height]string),
		temp:     make(map[types.Height]*types.Block),
		maxTemp:  maxTempBlocks,
	}
}

// SaveBlock stores a block and advances the tip if needed.
func (m *MemoryStore) SaveBlock(block *types.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	height := block.Header.Height
	id := block.Header.ID()

	if _, exists := m.byHeight[height]; exists {
		return ErrBlockExists
	}
	if _, exists := m.byID[string(id)]; exists {
		return ErrBlockExists
	}

	m.byID[string(id)] = block
	m.byHeight[height] = string(id)

	if !m.hasTip || height > m.tipHeight {
		m.tipHeight = height
		m.tipID = id
	}
	if !m.hasTip || height < m.base {
		m.base = height
	}
	m.hasTip = true

	return nil
}

// GetBlockByID retrieves a block by its ID.
func (m *MemoryStore) GetBlockByID(id types.Hash) (*types.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	block, exists := m.byID[string(id)]
	if !exists {
		return nil, types.ErrBlockNotFound
	}
	return block, nil
}

// GetBlockByHeight retrieves a block by height.
func (m *MemoryStore) GetBlockByHeight(height types.Height) (*types.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getByHeightUnlocked(height)
}

func (m *MemoryStore) getByHeightUnlocked(height types.Height) (*types.Block, error) {
	id, exists := m.byHeight[height]
	if !exists {
		return nil, types.ErrBlockNotFound
	}
	return m.byID[id], nil
}

// GetBlocksFromHeight returns up to limit consecutive blocks starting at from.
func (m *MemoryStore) GetBlocksFromHeight(from types.Height, limit int) ([]*types.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	blocks := make([]*types.Block, 0, limit)
	for h := from; len(blocks) < limit; h++ {
		block, err := m.getByHeightUnlocked(h)
		if err != nil {
			break
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// HasBlock reports whether a block with the given ID is stored.
func (m *MemoryStore) HasBlock(id types.Hash) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, exists := m.byID[string(id)]
	return exists
}

// HasHeight reports whether a block exists at the given height.
func (m *MemoryStore) HasHeight(height types.Height) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, exists := m.byHeight[height]
	return exists
}

// Tip returns the highest stored block.
func (m *MemoryStore) Tip() (*types.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.hasTip {
		return nil, ErrEmptyStore
	}
	return m.byID[string(m.tipID)], nil
}

// TipHeight returns the height of the tip, or 0 for an empty store.
func (m *MemoryStore) TipHeight() types.Height {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tipHeight
}

// Base returns the earliest available height.
func (m *MemoryStore) Base() types.Height {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.base
}

// DeleteTip removes the tip block and rewinds to its parent.
func (m *MemoryStore) DeleteTip() (*types.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.hasTip {
		return nil, ErrEmptyStore
	}

	tip := m.byID[string(m.tipID)]
	if tip.Header.IsGenesis() {
		return nil, ErrDeleteGenesis
	}

	delete(m.byID, string(m.tipID))
	delete(m.byHeight, m.tipHeight)

	m.tipHeight--
	m.tipID = tip.Header.PreviousBlockID

	return tip, nil
}

// SaveTempBlock stores a block in the temporary region.
func (m *MemoryStore) SaveTempBlock(block *types.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	height := block.Header.Height
	if _, exists := m.temp[height]; !exists && len(m.temp) >= m.maxTemp {
		return ErrTempRegionFull
	}
	m.temp[height] = block
	return nil
}

// GetTempBlocks returns all temporary blocks in ascending height order.
func (m *MemoryStore) GetTempBlocks() ([]*types.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	blocks := make([]*types.Block, 0, len(m.temp))
	for _, block := range m.temp {
		blocks = append(blocks, block)
	}
	sort.Slice(blocks, func(i, j int) bool {
		return blocks[i].Header.Height < blocks[j].Header.Height
	})
	return blocks, nil
}

// ClearTempBlocks discards the temporary region.
func (m *MemoryStore) ClearTempBlocks() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.temp = make(map[types.Height]*types.Block)
	return nil
}

// Close is a no-op for the memory store.
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
