// Package consensus provides the slot clock and forger assignment rules.
// Slot arithmetic is pure: a timestamp maps to a slot number and a slot
// number maps to one authorized forger in the active validator set.
package consensus

import (
	"errors"
	"time"

	"github.com/Demosthene27/valois-sdk/types"
)

// ErrInvalidSlotWidth is returned when the configured block time cannot
// express a whole positive number of seconds.
var ErrInvalidSlotWidth = errors.New("slot width must be a positive whole number of seconds")

// Slots maps wall-clock timestamps to forging slots. The slot width is the
// configured block time; slot numbers are absolute (epoch based), so every
// node derives the same assignment without shared state.
type Slots struct {
	blockTime int64
}

// NewSlots creates a slot clock with the given block time.
func NewSlots(blockTime time.Duration) (*Slots, error) {
	seconds := int64(blockTime / time.Second)
	if seconds <= 0 || blockTime%time.Second != 0 {
		return nil, ErrInvalidSlotWidth
	}
	return &Slots{blockTime: seconds}, nil
}

// BlockTime returns the slot width.
func (s *Slots) BlockTime() time.Duration {
	return time.Duration(s.blockTime) * time.Second
}

// Number returns the slot containing the given unix timestamp.
func (s *Slots) Number(timestamp int64) int64 {
	return timestamp / s.blockTime
}

// Start returns the unix timestamp at which the slot opens.
func (s *Slots) Start(slot int64) int64 {
	return slot * s.blockTime
}

// Within reports whether the timestamp falls inside the slot.
func (s *Slots) Within(slot int64, timestamp int64) bool {
	return s.Number(timestamp) == slot
}

// Current returns the slot containing now.
func (s *Slots) Current(now time.Time) int64 {
	return s.Number(now.Unix())
}

// Elapsed returns how far into its slot the given moment is.
func (s *Slots) Elapsed(now time.Time) time.Duration {
	start := s.Start(s.Current(now))
	return now.Sub(time.Unix(start, 0))
}

// ForgerAt resolves the validator authorized to forge at the timestamp.
func (s *Slots) ForgerAt(set *types.ValidatorSet, timestamp int64) (types.Validator, error) {
	return set.AtSlot(s.Number(timestamp))
}

// VerifyTimestamp checks that a block header's timestamp lies in a slot
// assigned to its generator and is not in the future.
func (s *Slots) VerifyTimestamp(set *types.ValidatorSet, header *types.BlockHeader, now time.Time) error {
	timestamp := int64(header.Timestamp)
	if timestamp > now.Unix() {
		return types.ErrFutureBlock
	}
	forger, err := s.ForgerAt(set, timestamp)
	if err != nil {
		return err
	}
	generator := types.AddressFromPublicKey(header.GeneratorPublicKey)
	if !forger.Address.Equal(generator) {
		return types.ErrNotSlotOwner
	}
	return nil
}
