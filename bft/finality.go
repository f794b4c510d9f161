// Package bft derives block finality from the consensus headers of the
// chain. Every validator's header declares maxHeightPreviouslyForged and
// maxHeightPrevoted; the manager maintains the per-validator ledger, the
// prevote-confirmed height, and the finalized height.
package bft

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/blockberries/cramberry/pkg/cramberry"

	"github.com/Demosthene27/valois-sdk/events"
	"github.com/Demosthene27/valois-sdk/logging"
	"github.com/Demosthene27/valois-sdk/types"
)

// Keys within the state tree. Living inside the tree means a state revert
// restores the finality ledger together with the accounts.
var (
	prefixRecord  = []byte("bft:")
	keyFinalized  = []byte("bft:finalized")
	keyValidators = []byte("bft:validators")
	keyPrevoted   = []byte("bft:prevoted")
)

// KV is the slice of the state store the manager persists through.
type KV interface {
	Get(key []byte) ([]byte, error)
	Set(key []byte, value []byte) error
	Delete(key []byte) error
}

// ValidatorRecord is the per-validator consensus ledger entry.
type ValidatorRecord struct {
	MaxHeightPrevoted         uint64 `cramberry:"1"`
	MaxHeightPreviouslyForged uint64 `cramberry:"2"`
}

// validatorIndex lists every address with a ledger record so the manager
// can reload without iterating the tree.
type validatorIndex struct {
	Addresses []types.Address `cramberry:"1"`
}

// prevotedEntry records the prevote-confirmed height observed at one block
// height. The finalization rule reads this history.
type prevotedEntry struct {
	Height   uint64 `cramberry:"1"`
	PreVoted uint64 `cramberry:"2"`
}

type prevotedHistory struct {
	Entries []prevotedEntry `cramberry:"1"`
}

// FinalityManager implements the header-driven finality derivation.
// ProcessBlockHeader is called under the processor's write gate; the
// manager's own lock only protects concurrent readers.
type FinalityManager struct {
	kv     KV
	bus    *events.Bus
	logger *logging.Logger

	// activeValidators is the slot count used for the > 2/3 rule.
	activeValidators int

	// finalityOffset is the distance in blocks between a height and the
	// block whose prevote confirmation finalizes it.
	finalityOffset uint64

	mu              sync.RWMutex
	ledger          map[string]*ValidatorRecord
	history         map[uint64]uint64
	preVotedHeight  types.Height
	finalizedHeight types.Height
}

// NewFinalityManager loads the persisted finality state. bus may be nil;
// then BlockFinalized events are not published.
func NewFinalityManager(kv KV, bus *events.Bus, logger *logging.Logger, activeValidators int, finalityOffset uint64) (*FinalityManager, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	m := &FinalityManager{
		kv:               kv,
		bus:              bus,
		logger:           logger.WithComponent("bft"),
		activeValidators: activeValidators,
		finalityOffset:   finalityOffset,
		ledger:           make(map[string]*ValidatorRecord),
		history:          make(map[uint64]uint64),
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func makeRecordKey(addr types.Address) []byte {
	key := make([]byte, len(prefixRecord)+len(addr))
	copy(key, prefixRecord)
	copy(key[len(prefixRecord):], addr)
	return key
}

func (m *FinalityManager) load() error {
	data, err := m.kv.Get(keyFinalized)
	if err != nil {
		return fmt.Errorf("loading finalized height: %w", err)
	}
	if len(data) >= 8 {
		m.finalizedHeight = types.Height(binary.BigEndian.Uint64(data))
	}

	data, err = m.kv.Get(keyValidators)
	if err != nil {
		return fmt.Errorf("loading validator index: %w", err)
	}
	if data != nil {
		var index validatorIndex
		if err := cramberry.Unmarshal(data, &index); err != nil {
			return fmt.Errorf("decoding validator index: %w", err)
		}
		for _, addr := range index.Addresses {
			recordData, err := m.kv.Get(makeRecordKey(addr))
			if err != nil {
				return fmt.Errorf("loading record for %s: %w", addr, err)
			}
			if recordData == nil {
				continue
			}
			var record ValidatorRecord
			if err := cramberry.Unmarshal(recordData, &record); err != nil {
				return fmt.Errorf("decoding record for %s: %w", addr, err)
			}
			m.ledger[string(addr)] = &record
		}
	}

	data, err = m.kv.Get(keyPrevoted)
	if err != nil {
		return fmt.Errorf("loading prevote history: %w", err)
	}
	if data != nil {
		var history prevotedHistory
		if err := cramberry.Unmarshal(data, &history); err != nil {
			return fmt.Errorf("decoding prevote history: %w", err)
		}
		for _, entry := range history.Entries {
			m.history[entry.Height] = entry.PreVoted
		}
	}

	m.preVotedHeight = m.derivePreVotedHeight()
	return nil
}

// Reload re-reads the persisted state. Called after a chain revert rolled
// the state tree back.
func (m *FinalityManager) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	previous := m.finalizedHeight
	m.ledger = make(map[string]*ValidatorRecord)
	m.history = make(map[uint64]uint64)
	m.finalizedHeight = 0
	m.preVotedHeight = 0
	if err := m.load(); err != nil {
		return err
	}
	if m.finalizedHeight < previous {
		return fmt.Errorf("%w: %d -> %d after reload", types.ErrFinalityViolation, previous, m.finalizedHeight)
	}
	return nil
}

// VerifyBlockHeader checks the contradiction and monotonicity rules
// without mutating the ledger. Used during the block verify stage.
func (m *FinalityManager) VerifyBlockHeader(header *types.BlockHeader) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.verifyHeader(header)
}

func (m *FinalityManager) verifyHeader(header *types.BlockHeader) error {
	if header.Asset.MaxHeightPreviouslyForged >= uint64(header.Height) {
		return fmt.Errorf("%w: maxHeightPreviouslyForged %d >= height %d",
			types.ErrContradictingHeader, header.Asset.MaxHeightPreviouslyForged, header.Height)
	}
	addr := types.AddressFromPublicKey(header.GeneratorPublicKey)
	if record, ok := m.ledger[string(addr)]; ok {
		if header.Asset.MaxHeightPreviouslyForged < record.MaxHeightPreviouslyForged {
			return fmt.Errorf("%w: maxHeightPreviouslyForged %d < recorded %d",
				types.ErrHeaderMonotonicity, header.Asset.MaxHeightPreviouslyForged, record.MaxHeightPreviouslyForged)
		}
	}
	return nil
}

// ProcessBlockHeader applies the update rule for one accepted block and
// persists the resulting state into the working tree. Returns whether the
// finalized height advanced.
func (m *FinalityManager) ProcessBlockHeader(header *types.BlockHeader) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.verifyHeader(header); err != nil {
		return false, err
	}

	addr := types.AddressFromPublicKey(header.GeneratorPublicKey)
	record, ok := m.ledger[string(addr)]
	if !ok {
		record = &ValidatorRecord{}
		m.ledger[string(addr)] = record
	}
	record.MaxHeightPreviouslyForged = uint64(header.Height)
	record.MaxHeightPrevoted = header.Asset.MaxHeightPrevoted

	m.preVotedHeight = m.derivePreVotedHeight()
	m.history[uint64(header.Height)] = uint64(m.preVotedHeight)

	newFinalized := m.deriveFinalizedHeight()
	if newFinalized < m.finalizedHeight {
		return false, fmt.Errorf("%w: %d -> %d", types.ErrFinalityViolation, m.finalizedHeight, newFinalized)
	}
	advanced := newFinalized > m.finalizedHeight
	if advanced {
		m.finalizedHeight = newFinalized
		m.pruneHistory()
	}

	if err := m.persist(addr, record); err != nil {
		return false, err
	}

	if advanced {
		m.logger.Info("finalized height advanced",
			logging.FinalizedHeight(uint64(m.finalizedHeight)),
			logging.Height(uint64(header.Height)))
		if m.bus != nil {
			if err := m.bus.Publish(events.BlockFinalized(m.finalizedHeight)); err != nil {
				m.logger.Warn("publishing BlockFinalized", logging.Error(err))
			}
		}
	}
	return advanced, nil
}

// derivePreVotedHeight returns the largest h such that more than 2/3 of
// the active validator set declares maxHeightPrevoted >= h.
func (m *FinalityManager) derivePreVotedHeight() types.Height {
	needed := (m.activeValidators*2)/3 + 1
	if len(m.ledger) < needed {
		return 0
	}
	heights := make([]uint64, 0, len(m.ledger))
	for _, record := range m.ledger {
		heights = append(heights, record.MaxHeightPrevoted)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] > heights[j] })
	return types.Height(heights[needed-1])
}

// deriveFinalizedHeight returns the largest h whose prevote confirmation
// at block h+finalityOffset reached h.
func (m *FinalityManager) deriveFinalizedHeight() types.Height {
	best := m.finalizedHeight
	for height, preVoted := range m.history {
		if height < m.finalityOffset {
			continue
		}
		candidate := height - m.finalityOffset
		if preVoted >= candidate && types.Height(candidate) > best {
			best = types.Height(candidate)
		}
	}
	return best
}

func (m *FinalityManager) pruneHistory() {
	for height := range m.history {
		if height < uint64(m.finalizedHeight) {
			delete(m.history, height)
		}
	}
}

func (m *FinalityManager) persist(addr types.Address, record *ValidatorRecord) error {
	recordData, err := cramberry.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	if err := m.kv.Set(makeRecordKey(addr), recordData); err != nil {
		return err
	}

	index := validatorIndex{Addresses: make([]types.Address, 0, len(m.ledger))}
	for key := range m.ledger {
		index.Addresses = append(index.Addresses, types.Address(key))
	}
	sort.Slice(index.Addresses, func(i, j int) bool {
		return string(index.Addresses[i]) < string(index.Addresses[j])
	})
	indexData, err := cramberry.Marshal(&index)
	if err != nil {
		return fmt.Errorf("encoding validator index: %w", err)
	}
	if err := m.kv.Set(keyValidators, indexData); err != nil {
		return err
	}

	history := prevotedHistory{Entries: make([]prevotedEntry, 0, len(m.history))}
	for height, preVoted := range m.history {
		history.Entries = append(history.Entries, prevotedEntry{Height: height, PreVoted: preVoted})
	}
	sort.Slice(history.Entries, func(i, j int) bool {
		return history.Entries[i].Height < history.Entries[j].Height
	})
	historyData, err := cramberry.Marshal(&history)
	if err != nil {
		return fmt.Errorf("encoding prevote history: %w", err)
	}
	if err := m.kv.Set(keyPrevoted, historyData); err != nil {
		return err
	}

	finalized := make([]byte, 8)
	binary.BigEndian.PutUint64(finalized, uint64(m.finalizedHeight))
	return m.kv.Set(keyFinalized, finalized)
}

// UpdateActiveValidators drops ledger records of validators that left the
// active set so stale prevotes cannot count toward confirmation.
func (m *FinalityManager) UpdateActiveValidators(set *types.ValidatorSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := make(map[string]struct{}, set.Size())
	for _, v := range set.Validators {
		active[string(v.Address)] = struct{}{}
	}
	for key := range m.ledger {
		if _, ok := active[key]; ok {
			continue
		}
		if err := m.kv.Delete(makeRecordKey(types.Address(key))); err != nil {
			return err
		}
		delete(m.ledger, key)
	}
	m.preVotedHeight = m.derivePreVotedHeight()
	return nil
}

// FinalizedHeight returns the current finalized height.
func (m *FinalityManager) FinalizedHeight() types.Height {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.finalizedHeight
}

// PreVotedConfirmedHeight returns the current prevote-confirmed height.
func (m *FinalityManager) PreVotedConfirmedHeight() types.Height {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.preVotedHeight
}

// Record returns the ledger entry for a validator, or a zero record if the
// validator never forged.
func (m *FinalityManager) Record(addr types.Address) ValidatorRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if record, ok := m.ledger[string(addr)]; ok {
		return *record
	}
	return ValidatorRecord{}
}
