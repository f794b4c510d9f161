package types

import (
	"fmt"

	"github.com/blockberries/cramberry/pkg/cramberry"
)

// Validator is one active delegate slot in a round.
type Validator struct {
	Address Address `cramberry:"1"`
	Weight  uint64  `cramberry:"2"`
}

// ValidatorSet is the ordered list of active delegates for a round.
// Position in the list determines slot assignment: the forger for slot s
// is Validators[s mod len(Validators)].
type ValidatorSet struct {
	Validators []Validator `cramberry:"1"`

	// RoundStart is the first height of the round this set is active for.
	RoundStart uint64 `cramberry:"2"`
}

// Size returns the number of active validators (the round length).
func (vs *ValidatorSet) Size() int {
	return len(vs.Validators)
}

// AtSlot returns the validator assigned to the given slot number.
func (vs *ValidatorSet) AtSlot(slot int64) (Validator, error) {
	n := int64(len(vs.Validators))
	if n == 0 {
		return Validator{}, ErrEmptyValidatorSet
	}
	idx := slot % n
	if idx < 0 {
		idx += n
	}
	return vs.Validators[idx], nil
}

// Contains reports whether the address is an active validator.
func (vs *ValidatorSet) Contains(address Address) bool {
	for _, v := range vs.Validators {
		if v.Address.Equal(address) {
			return true
		}
	}
	return false
}

// TotalWeight sums all validator weights.
func (vs *ValidatorSet) TotalWeight() uint64 {
	var total uint64
	for _, v := range vs.Validators {
		total += v.Weight
	}
	return total
}

// Encode returns the canonical encoding of the validator set.
func (vs *ValidatorSet) Encode() ([]byte, error) {
	data, err := cramberry.Marshal(vs)
	if err != nil {
		return nil, fmt.Errorf("encoding validator set: %w", err)
	}
	return data, nil
}

// DecodeValidatorSet decodes a validator set from its canonical encoding.
func DecodeValidatorSet(data []byte) (*ValidatorSet, error) {
	var vs ValidatorSet
	if err := cramberry.Unmarshal(data, &vs); err != nil {
		return nil, fmt.Errorf("decoding validator set: %w", err)
	}
	return &vs, nil
}
