// Package kv provides a LevelDB-based index over committed transactions.
package kv

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/Demosthene27/valois-sdk/types"
)

// Key prefixes for the index regions.
var (
	// Primary index: hash -> Entry
	prefixTxByHash = []byte("th/")

	// Height index: height+hash -> hash
	prefixTxByHeight = []byte("ht/")

	// Sender index: address+height+position -> hash
	prefixTxBySender = []byte("ad/")
)

// Entry records where a committed transaction lives on the chain.
type Entry struct {
	ID       types.Hash    `json:"id"`
	Height   types.Height  `json:"height"`
	BlockID  types.Hash    `json:"blockId"`
	Index    int           `json:"index"`
	Sender   types.Address `json:"sender"`
	ModuleID uint32        `json:"moduleId"`
	AssetID  uint32        `json:"assetId"`
	Fee      uint64        `json:"fee"`
}

// Indexer maintains a LevelDB index of committed transactions keyed by
// ID, height and sender. Blocks are indexed as they are committed and
// unindexed when they are reverted.
type Indexer struct {
	db     *leveldb.DB
	path   string
	closed bool
	mu     sync.RWMutex
}

// NewIndexer opens (or creates) the transaction index at path.
func NewIndexer(path string) (*Indexer, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("opening leveldb: %w", err)
	}
	return &Indexer{db: db, path: path}, nil
}

// IndexBlock records every transaction in the block payload.
func (idx *Indexer) IndexBlock(block *types.Block) error {
	if block == nil || len(block.Payload) == 0 {
		return nil
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return errClosed
	}

	batch := new(leveldb.Batch)
	blockID := block.Header.ID()
	for i, tx := range block.Payload {
		entry := &Entry{
			ID:       tx.ID(),
			Height:   block.Header.Height,
			BlockID:  blockID,
			Index:    i,
			Sender:   tx.SenderAddress(),
			ModuleID: tx.ModuleID,
			AssetID:  tx.AssetID,
			Fee:      tx.Fee,
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshaling entry: %w", err)
		}
		batch.Put(txHashKey(entry.ID), data)
		batch.Put(txHeightKey(entry.Height, entry.ID), entry.ID)
		batch.Put(txSenderKey(entry.Sender, entry.Height, i), entry.ID)
	}

	return idx.db.Write(batch, nil)
}

// DeleteBlock removes all index records for the block's transactions.
func (idx *Indexer) DeleteBlock(block *types.Block) error {
	if block == nil || len(block.Payload) == 0 {
		return nil
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return errClosed
	}

	batch := new(leveldb.Batch)
	for i, tx := range block.Payload {
		batch.Delete(txHashKey(tx.ID()))
		batch.Delete(txHeightKey(block.Header.Height, tx.ID()))
		batch.Delete(txSenderKey(tx.SenderAddress(), block.Header.Height, i))
	}

	return idx.db.Write(batch, nil)
}

// Get retrieves an entry by transaction ID.
func (idx *Indexer) Get(id types.Hash) (*Entry, error) {
	if len(id) == 0 {
		return nil, types.ErrTxNotFound
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.closed {
		return nil, errClosed
	}
	return idx.getUnlocked(id)
}

// Has reports whether the transaction is indexed.
func (idx *Indexer) Has(id types.Hash) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.closed {
		return false
	}
	ok, err := idx.db.Has(txHashKey(id), nil)
	return err == nil && ok
}

// ByHeight returns the IDs of all transactions committed at the height,
// in payload order.
func (idx *Indexer) ByHeight(height types.Height) ([]types.Hash, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.closed {
		return nil, errClosed
	}

	prefix := make([]byte, 0, len(prefixTxByHeight)+8)
	prefix = append(prefix, prefixTxByHeight...)
	prefix = append(prefix, encodeHeight(height)...)

	var ids []types.Hash
	iter := idx.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		ids = append(ids, copyBytes(iter.Value()))
	}
	return ids, iter.Error()
}

// BySender returns up to limit entries for transactions sent from the
// address, oldest first. A non-positive limit returns all entries.
func (idx *Indexer) BySender(sender types.Address, limit int) ([]*Entry, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.closed {
		return nil, errClosed
	}

	prefix := make([]byte, 0, len(prefixTxBySender)+len(sender))
	prefix = append(prefix, prefixTxBySender...)
	prefix = append(prefix, sender...)

	var entries []*Entry
	iter := idx.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		entry, err := idx.getUnlocked(copyBytes(iter.Value()))
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
		if limit > 0 && len(entries) >= limit {
			break
		}
	}
	return entries, iter.Error()
}

// Close releases the underlying database.
func (idx *Indexer) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return nil
	}
	idx.closed = true
	return idx.db.Close()
}

func (idx *Indexer) getUnlocked(id types.Hash) (*Entry, error) {
	data, err := idx.db.Get(txHashKey(id), nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return nil, types.ErrTxNotFound
		}
		return nil, fmt.Errorf("getting entry: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("unmarshaling entry: %w", err)
	}
	return &entry, nil
}

var errClosed = fmt.Errorf("transaction index is closed")

func txHashKey(id types.Hash) []byte {
	return append(append([]byte{}, prefixTxByHash...), id...)
}

func txHeightKey(height types.Height, id types.Hash) []byte {
	key := make([]byte, 0, len(prefixTxByHeight)+8+len(id))
	key = append(key, prefixTxByHeight...)
	key = append(key, encodeHeight(height)...)
	key = append(key, id...)
	return key
}

func txSenderKey(sender types.Address, height types.Height, position int) []byte {
	key := make([]byte, 0, len(prefixTxBySender)+len(sender)+12)
	key = append(key, prefixTxBySender...)
	key = append(key, sender...)
	key = append(key, encodeHeight(height)...)
	var pos [4]byte
	binary.BigEndian.PutUint32(pos[:], uint32(position))
	key = append(key, pos[:]...)
	return key
}

func encodeHeight(height types.Height) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(height))
	return buf[:]
}

func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
