package state

import (
	"encoding/binary"
	"fmt"

	"github.com/Demosthene27/valois-sdk/types"
)

// Key prefixes within the state tree.
var (
	prefixAccounts   = []byte("accounts:")
	prefixChainState = []byte("chain:state:")
)

func makeAccountKey(addr types.Address) []byte {
	key := make([]byte, len(prefixAccounts)+len(addr))
	copy(key, prefixAccounts)
	copy(key[len(prefixAccounts):], addr)
	return key
}

func makeChainStateKey(height types.Height) []byte {
	key := make([]byte, len(prefixChainState)+8)
	copy(key, prefixChainState)
	binary.BigEndian.PutUint64(key[len(prefixChainState):], uint64(height))
	return key
}

// makeModuleStateKey places module blobs under the chain:state: prefix next
// to the height bindings. Module keys are textual, height bindings are raw
// 8-byte values, so the keyspaces cannot collide.
func makeModuleStateKey(key []byte) []byte {
	out := make([]byte, len(prefixChainState)+len(key))
	copy(out, prefixChainState)
	copy(out[len(prefixChainState):], key)
	return out
}

// AccountStore provides typed account access over the merkleized state tree
// and keeps the height-to-version bookkeeping that block reverts rely on.
type AccountStore struct {
	store Store
}

// NewAccountStore wraps a state store.
func NewAccountStore(store Store) *AccountStore {
	return &AccountStore{store: store}
}

// Store exposes the underlying state store.
func (a *AccountStore) Store() Store {
	return a.store
}

// GetAccount loads an account by address.
// Returns types.ErrKeyNotFound if the account does not exist.
func (a *AccountStore) GetAccount(addr types.Address) (*types.Account, error) {
	data, err := a.store.Get(makeAccountKey(addr))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, types.ErrKeyNotFound
	}
	return types.DecodeAccount(data)
}

// GetOrCreateAccount loads an account, or returns a fresh zero account for
// unknown addresses. The fresh account is not persisted until SaveAccount.
func (a *AccountStore) GetOrCreateAccount(addr types.Address) (*types.Account, error) {
	account, err := a.GetAccount(addr)
	if err == types.ErrKeyNotFound {
		return types.NewAccount(addr), nil
	}
	return account, err
}

// HasAccount reports whether an account exists.
func (a *AccountStore) HasAccount(addr types.Address) (bool, error) {
	return a.store.Has(makeAccountKey(addr))
}

// SaveAccount writes an account into the working tree.
func (a *AccountStore) SaveAccount(account *types.Account) error {
	data, err := account.Encode()
	if err != nil {
		return fmt.Errorf("encoding account: %w", err)
	}
	return a.store.Set(makeAccountKey(account.Address), data)
}

// GetChainState loads a module-defined state blob.
// Returns nil, nil if the key was never written.
func (a *AccountStore) GetChainState(key []byte) ([]byte, error) {
	return a.store.Get(makeModuleStateKey(key))
}

// SetChainState writes a module-defined state blob into the working tree.
func (a *AccountStore) SetChainState(key, value []byte) error {
	return a.store.Set(makeModuleStateKey(key), value)
}

// CommitHeight binds the given block height to the version about to be
// written and commits the working tree. The binding lives inside the tree so
// rollbacks restore it together with the state.
func (a *AccountStore) CommitHeight(height types.Height) (root []byte, version int64, err error) {
	next := a.store.Version() + 1
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, uint64(next))
	if err := a.store.Set(makeChainStateKey(height), value); err != nil {
		return nil, 0, fmt.Errorf("binding height %d: %w", height, err)
	}
	return a.store.Commit()
}

// VersionForHeight returns the state version committed for a block height.
// Returns types.ErrKeyNotFound if the height was never committed.
func (a *AccountStore) VersionForHeight(height types.Height) (int64, error) {
	data, err := a.store.Get(makeChainStateKey(height))
	if err != nil {
		return 0, err
	}
	if len(data) < 8 {
		return 0, types.ErrKeyNotFound
	}
	return int64(binary.BigEndian.Uint64(data)), nil
}

// RevertToHeight rolls the state tree back to the version committed for the
// given height, discarding every later version.
func (a *AccountStore) RevertToHeight(height types.Height) error {
	version, err := a.VersionForHeight(height)
	if err != nil {
		return fmt.Errorf("no state version for height %d: %w", height, err)
	}
	if !a.store.VersionExists(version) {
		return fmt.Errorf("%w: version %d for height %d missing", types.ErrCorruptJournal, version, height)
	}
	return a.store.Rollback(version)
}

// RootHash returns the working root hash of the state tree.
func (a *AccountStore) RootHash() []byte {
	return a.store.RootHash()
}

// Version returns the latest committed version.
func (a *AccountStore) Version() int64 {
	return a.store.Version()
}

// GetAccountProof returns a merkle proof for an account.
func (a *AccountStore) GetAccountProof(addr types.Address) (*Proof, error) {
	return a.store.GetProof(makeAccountKey(addr))
}
