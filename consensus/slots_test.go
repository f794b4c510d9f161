package consensus

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Demosthene27/valois-sdk/types"
)

func slotAddr(b byte) types.Address {
	addr := make(types.Address, types.AddressSize)
	for i := range addr {
		addr[i] = b
	}
	return addr
}

func threeValidators() *types.ValidatorSet {
	return &types.ValidatorSet{Validators: []types.Validator{
		{Address: slotAddr(1)},
		{Address: slotAddr(2)},
		{Address: slotAddr(3)},
	}}
}

func TestNewSlots(t *testing.T) {
	slots, err := NewSlots(10 * time.Second)
	require.NoError(t, err)
	require.Equal(t, 10*time.Second, slots.BlockTime())

	_, err = NewSlots(0)
	require.ErrorIs(t, err, ErrInvalidSlotWidth)

	_, err = NewSlots(500 * time.Millisecond)
	require.ErrorIs(t, err, ErrInvalidSlotWidth)
}

func TestSlotArithmetic(t *testing.T) {
	slots, err := NewSlots(10 * time.Second)
	require.NoError(t, err)

	require.Equal(t, int64(0), slots.Number(0))
	require.Equal(t, int64(0), slots.Number(9))
	require.Equal(t, int64(1), slots.Number(10))
	require.Equal(t, int64(100), slots.Number(1009))

	require.Equal(t, int64(1000), slots.Start(100))
	require.True(t, slots.Within(100, 1000))
	require.True(t, slots.Within(100, 1009))
	require.False(t, slots.Within(100, 1010))

	now := time.Unix(1007, 0)
	require.Equal(t, int64(100), slots.Current(now))
	require.Equal(t, 7*time.Second, slots.Elapsed(now))
}

func TestForgerRotation(t *testing.T) {
	slots, err := NewSlots(10 * time.Second)
	require.NoError(t, err)
	set := threeValidators()

	// Slots rotate through the set in order.
	for i := int64(0); i < 6; i++ {
		forger, err := slots.ForgerAt(set, i*10)
		require.NoError(t, err)
		require.Equal(t, slotAddr(byte(i%3+1)), forger.Address)
	}

	_, err = slots.ForgerAt(&types.ValidatorSet{}, 0)
	require.ErrorIs(t, err, types.ErrEmptyValidatorSet)
}

func TestVerifyTimestamp(t *testing.T) {
	slots, err := NewSlots(10 * time.Second)
	require.NoError(t, err)

	key := ed25519.NewKeyFromSeed(make([]byte, ed25519.SeedSize))
	pubKey := key.Public().(ed25519.PublicKey)
	generator := types.AddressFromPublicKey(pubKey)

	set := &types.ValidatorSet{Validators: []types.Validator{
		{Address: generator},
		{Address: slotAddr(2)},
	}}

	header := func(timestamp uint32) *types.BlockHeader {
		return &types.BlockHeader{Timestamp: timestamp, GeneratorPublicKey: pubKey}
	}
	now := time.Unix(100, 0)

	// Slot 0 (and every even slot) belongs to the generator.
	require.NoError(t, slots.VerifyTimestamp(set, header(5), now))
	require.NoError(t, slots.VerifyTimestamp(set, header(25), now))

	t.Run("foreign slot rejected", func(t *testing.T) {
		err := slots.VerifyTimestamp(set, header(15), now)
		require.ErrorIs(t, err, types.ErrNotSlotOwner)
	})

	t.Run("future timestamp rejected", func(t *testing.T) {
		err := slots.VerifyTimestamp(set, header(105), now)
		require.ErrorIs(t, err, types.ErrFutureBlock)
	})
}
