package consensus

import (
	"sync"

	"github.com/Demosthene27/valois-sdk/types"
)

// ForgerDetector decides whether a forging slot belongs to this node.
// Role switching is dynamic: delegates unlock and lock at runtime.
type ForgerDetector interface {
	// IsLocal reports whether the slot's assigned forger is managed locally.
	IsLocal(set *types.ValidatorSet, slot int64) bool

	// LocalForger returns the locally managed address assigned to the slot,
	// or false if the slot belongs to a foreign validator.
	LocalForger(set *types.ValidatorSet, slot int64) (types.Address, bool)
}

// AddressDetector matches slot assignments against the set of locally
// unlocked delegate addresses.
type AddressDetector struct {
	mu        sync.RWMutex
	addresses map[string]struct{}
}

// NewAddressDetector creates a detector over the given addresses.
func NewAddressDetector(addresses ...types.Address) *AddressDetector {
	d := &AddressDetector{addresses: make(map[string]struct{})}
	for _, addr := range addresses {
		d.addresses[string(addr)] = struct{}{}
	}
	return d
}

// Add marks an address as locally managed.
func (d *AddressDetector) Add(addr types.Address) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addresses[string(addr)] = struct{}{}
}

// Remove unmarks an address.
func (d *AddressDetector) Remove(addr types.Address) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.addresses, string(addr))
}

// Has reports whether the address is locally managed.
func (d *AddressDetector) Has(addr types.Address) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.addresses[string(addr)]
	return ok
}

// IsLocal reports whether the slot's forger is managed locally.
func (d *AddressDetector) IsLocal(set *types.ValidatorSet, slot int64) bool {
	_, ok := d.LocalForger(set, slot)
	return ok
}

// LocalForger resolves the slot's forger and checks local ownership.
func (d *AddressDetector) LocalForger(set *types.ValidatorSet, slot int64) (types.Address, bool) {
	validator, err := set.AtSlot(slot)
	if err != nil {
		return nil, false
	}
	if !d.Has(validator.Address) {
		return nil, false
	}
	return validator.Address, true
}

// Addresses returns a copy of the locally managed address set.
func (d *AddressDetector) Addresses() []types.Address {
	d.mu.RLock()
	defer d.mu.RUnlock()
	result := make([]types.Address, 0, len(d.addresses))
	for addr := range d.addresses {
		result = append(result, types.Address(addr))
	}
	return result
}
