package consensus

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Demosthene27/valois-sdk/types"
)

func TestAddressDetector(t *testing.T) {
	set := threeValidators()
	detector := NewAddressDetector(slotAddr(2))

	require.True(t, detector.Has(slotAddr(2)))
	require.False(t, detector.Has(slotAddr(1)))

	// Slot 1 maps to validator 2, the only local address.
	require.False(t, detector.IsLocal(set, 0))
	require.True(t, detector.IsLocal(set, 1))
	require.False(t, detector.IsLocal(set, 2))

	addr, ok := detector.LocalForger(set, 4)
	require.True(t, ok)
	require.Equal(t, slotAddr(2), addr)

	_, ok = detector.LocalForger(set, 3)
	require.False(t, ok)
}

func TestAddressDetectorDynamicRoles(t *testing.T) {
	set := threeValidators()
	detector := NewAddressDetector()

	require.False(t, detector.IsLocal(set, 0))

	detector.Add(slotAddr(1))
	require.True(t, detector.IsLocal(set, 0))
	require.Len(t, detector.Addresses(), 1)

	detector.Remove(slotAddr(1))
	require.False(t, detector.IsLocal(set, 0))
	require.Empty(t, detector.Addresses())
}

func TestAddressDetectorEmptySet(t *testing.T) {
	detector := NewAddressDetector(slotAddr(1))
	require.False(t, detector.IsLocal(&types.ValidatorSet{}, 0))
}
