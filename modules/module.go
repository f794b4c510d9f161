// Package modules implements the static application module table. The
// module set is fixed at boot; transaction dispatch is a lookup in a
// (moduleID, assetID) map, never runtime registration.
package modules

import (
	"github.com/Demosthene27/valois-sdk/types"
)

// StateStore is the state view handed to module handlers during verify and
// apply. During verification it is a discardable overlay; during apply the
// mutations become part of the block's atomic batch.
type StateStore interface {
	// GetAccount returns the account for an address, creating a zero
	// account view for unknown addresses.
	GetAccount(addr types.Address) (*types.Account, error)

	// SetAccount stages an updated account.
	SetAccount(account *types.Account)

	// GetState returns a module-defined state blob, nil if never written.
	GetState(key []byte) ([]byte, error)

	// SetState stages a module-defined state blob.
	SetState(key, value []byte)
}

// Publisher is the narrow event-emission handle given to modules. Modules
// never hold the processor or the full bus.
type Publisher interface {
	Publish(kind string, data any)
}

// NopPublisher discards every event.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(string, any) {}

// ApplyContext carries everything a handler may read while verifying or
// applying one transaction.
type ApplyContext struct {
	// Store is the state view for this block application.
	Store StateStore

	// Header is the block being applied. Nil during pool admission checks,
	// where no block exists yet.
	Header *types.BlockHeader

	// Tx is the transaction being dispatched.
	Tx *types.Transaction

	// SenderAccount is the sender's account as loaded by the registry
	// before dispatch. Handlers may mutate and re-stage it.
	SenderAccount *types.Account

	// Publisher emits module events.
	Publisher Publisher
}

// BlockContext carries the per-block information for AfterBlockApply.
type BlockContext struct {
	Store     StateStore
	Block     *types.Block
	Publisher Publisher
}

// AssetHandler verifies and applies one (moduleID, assetID) transaction
// asset.
type AssetHandler interface {
	// AssetID returns the asset identifier within the owning module.
	AssetID() uint32

	// Name returns the asset name for logging and the operator surface.
	Name() string

	// Validate performs static checks on the decoded asset. No state access.
	Validate(tx *types.Transaction) error

	// Verify performs state-dependent precondition checks. Must not mutate.
	Verify(ctx *ApplyContext) error

	// Apply executes the asset against the state store.
	Apply(ctx *ApplyContext) error
}

// Module is one application module contributing assets and block hooks.
type Module interface {
	// ID returns the module identifier. Part of the consensus contract.
	ID() uint32

	// Name returns the module name.
	Name() string

	// TransactionAssets returns the asset handlers this module contributes.
	TransactionAssets() []AssetHandler

	// AfterBlockApply runs after every transaction in a block has been
	// applied and before the block commits.
	AfterBlockApply(ctx *BlockContext) error
}
