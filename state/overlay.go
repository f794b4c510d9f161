package state

import (
	"sync"

	"github.com/Demosthene27/valois-sdk/types"
)

// Overlay is an in-memory account view layered over an AccountStore.
// Accounts are cloned on first access, so mutations never leak into the
// backing store until Commit. Discarding an overlay costs nothing, which
// makes it the vehicle for speculative transaction application.
type Overlay struct {
	backing *AccountStore
	cache   map[string]*types.Account
	state   map[string][]byte
	mu      sync.Mutex
}

// NewOverlay creates an empty overlay over the given account store.
func NewOverlay(backing *AccountStore) *Overlay {
	return &Overlay{
		backing: backing,
		cache:   make(map[string]*types.Account),
		state:   make(map[string][]byte),
	}
}

// GetAccount returns the overlay's copy of an account, loading and cloning
// it from the backing store on first access. Unknown addresses yield a fresh
// zero account.
func (o *Overlay) GetAccount(addr types.Address) (*types.Account, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if account, ok := o.cache[string(addr)]; ok {
		return account, nil
	}

	account, err := o.backing.GetOrCreateAccount(addr)
	if err != nil {
		return nil, err
	}
	clone := account.Clone()
	o.cache[string(addr)] = clone
	return clone, nil
}

// SetAccount replaces the overlay's copy of an account.
func (o *Overlay) SetAccount(account *types.Account) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cache[string(account.Address)] = account
}

// Touched returns every account the overlay has loaded or set.
func (o *Overlay) Touched() []*types.Account {
	o.mu.Lock()
	defer o.mu.Unlock()

	accounts := make([]*types.Account, 0, len(o.cache))
	for _, account := range o.cache {
		accounts = append(accounts, account)
	}
	return accounts
}

// GetState returns a module state blob, reading through to the backing
// store on first access. Returns nil, nil for unknown keys.
func (o *Overlay) GetState(key []byte) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if value, ok := o.state[string(key)]; ok {
		return value, nil
	}
	value, err := o.backing.GetChainState(key)
	if err != nil {
		return nil, err
	}
	o.state[string(key)] = value
	return value, nil
}

// SetState stages a module state blob.
func (o *Overlay) SetState(key, value []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state[string(key)] = value
}

// Commit writes every touched account and state blob into the backing
// working tree. The tree itself is not committed; that is the caller's
// decision.
func (o *Overlay) Commit() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, account := range o.cache {
		if err := o.backing.SaveAccount(account); err != nil {
			return err
		}
	}
	for key, value := range o.state {
		if value == nil {
			continue
		}
		if err := o.backing.SetChainState([]byte(key), value); err != nil {
			return err
		}
	}
	return nil
}

// Discard drops all overlay changes.
func (o *Overlay) Discard() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cache = make(map[string]*types.Account)
	o.state = make(map[string][]byte)
}
