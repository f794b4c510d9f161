package forger

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/blockberries/cramberry/pkg/cramberry"

	"github.com/Demosthene27/valois-sdk/types"
)

// ErrInvalidOnion is returned when an onion's shape or checkpoint chain
// is inconsistent.
var ErrInvalidOnion = errors.New("invalid hash onion")

// KV is the persistence surface for consumed onion indexes. The IAVL
// state store satisfies it.
type KV interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
}

const usedHashPrefix = "forger:used_hashes:"

// HashOnion is a delegate's precomputed reverse hash chain. Checkpoints
// hold every distance-th layer; intermediate layers are recomputed by
// hashing forward from the nearest checkpoint.
type HashOnion struct {
	count       uint32
	distance    uint32
	checkpoints []types.Hash
}

// ParseHashOnion validates and decodes an onion from its config form.
func ParseHashOnion(count, distance uint32, checkpoints []string) (*HashOnion, error) {
	if distance == 0 || count == 0 || count%distance != 0 {
		return nil, fmt.Errorf("count %d, distance %d: %w", count, distance, ErrInvalidOnion)
	}
	want := int(count/distance) + 1
	if len(checkpoints) != want {
		return nil, fmt.Errorf("%d checkpoints, want %d: %w", len(checkpoints), want, ErrInvalidOnion)
	}
	decoded := make([]types.Hash, 0, want)
	for _, checkpoint := range checkpoints {
		raw, err := hex.DecodeString(checkpoint)
		if err != nil {
			return nil, fmt.Errorf("decode checkpoint: %w", err)
		}
		if len(raw) != types.HashSize {
			return nil, fmt.Errorf("checkpoint size %d: %w", len(raw), ErrInvalidOnion)
		}
		decoded = append(decoded, raw)
	}
	onion := &HashOnion{count: count, distance: distance, checkpoints: decoded}
	if err := onion.verify(); err != nil {
		return nil, err
	}
	return onion, nil
}

// GenerateHashOnion builds a fresh onion of count layers from a random
// seed, keeping every distance-th layer as a checkpoint.
func GenerateHashOnion(seed []byte, count, distance uint32) (*HashOnion, error) {
	if distance == 0 || count == 0 || count%distance != 0 {
		return nil, fmt.Errorf("count %d, distance %d: %w", count, distance, ErrInvalidOnion)
	}
	layer := types.HashBytes(seed)
	checkpoints := make([]types.Hash, 0, count/distance+1)
	for i := uint32(0); i <= count; i++ {
		if i%distance == 0 {
			checkpoints = append(checkpoints, layer)
		}
		if i < count {
			layer = types.HashOnionLayer(layer)
		}
	}
	return &HashOnion{count: count, distance: distance, checkpoints: checkpoints}, nil
}

// verify checks that consecutive checkpoints are distance hashes apart.
func (o *HashOnion) verify() error {
	for i := 0; i+1 < len(o.checkpoints); i++ {
		layer := o.checkpoints[i]
		for j := uint32(0); j < o.distance; j++ {
			layer = types.HashOnionLayer(layer)
		}
		if !bytes.Equal(layer, o.checkpoints[i+1]) {
			return fmt.Errorf("checkpoint %d does not chain: %w", i+1, ErrInvalidOnion)
		}
	}
	return nil
}

// Count returns the number of usable layers.
func (o *HashOnion) Count() uint32 { return o.count }

// Layer returns the index-th layer of the chain, index 0 being the
// deepest pre-image.
func (o *HashOnion) Layer(index uint32) (types.Hash, error) {
	if index > o.count {
		return nil, types.ErrOnionExhausted
	}
	checkpoint := index / o.distance
	layer := o.checkpoints[checkpoint]
	for j := checkpoint * o.distance; j < index; j++ {
		layer = types.HashOnionLayer(layer)
	}
	return layer, nil
}

// Checkpoints returns the stored layers in hex for persisting to config.
func (o *HashOnion) Checkpoints() []string {
	out := make([]string, len(o.checkpoints))
	for i, checkpoint := range o.checkpoints {
		out[i] = hex.EncodeToString(checkpoint)
	}
	return out
}

type usedIndexRecord struct {
	Index uint32 `cramberry:"1"`
	Set   bool   `cramberry:"2"`
}

// onionLedger persists the highest consumed onion index per delegate so a
// restarted node never re-reveals a layer.
type onionLedger struct {
	kv KV
}

func (l *onionLedger) key(addr types.Address) []byte {
	return append([]byte(usedHashPrefix), addr...)
}

func (l *onionLedger) usedIndex(addr types.Address) (uint32, bool, error) {
	raw, err := l.kv.Get(l.key(addr))
	if err != nil {
		return 0, false, err
	}
	if raw == nil {
		return 0, false, nil
	}
	var record usedIndexRecord
	if err := cramberry.Unmarshal(raw, &record); err != nil {
		return 0, false, err
	}
	return record.Index, record.Set, nil
}

func (l *onionLedger) markUsed(addr types.Address, index uint32) error {
	raw, err := cramberry.Marshal(&usedIndexRecord{Index: index, Set: true})
	if err != nil {
		return err
	}
	return l.kv.Set(l.key(addr), raw)
}

// consume reserves reveal index for the delegate. Indexes are strictly
// increasing; the record is written before the caller signs anything.
func (l *onionLedger) consume(addr types.Address, index, count uint32) error {
	if index > count {
		return types.ErrOnionExhausted
	}
	used, set, err := l.usedIndex(addr)
	if err != nil {
		return err
	}
	if set && index <= used {
		return fmt.Errorf("index %d, highest used %d: %w", index, used, types.ErrOnionLayerUsed)
	}
	return l.markUsed(addr, index)
}
