package modules

import (
	"fmt"
	"sort"

	"github.com/Demosthene27/valois-sdk/types"
)

func handlerKey(moduleID, assetID uint32) uint64 {
	return uint64(moduleID)<<32 | uint64(assetID)
}

// Registry is the boot-time composition of application modules. After
// Register calls complete it is read-only and safe for concurrent use.
type Registry struct {
	modules       []Module
	handlers      map[uint64]AssetHandler
	baseFees      map[uint64]uint64
	minFeePerByte uint64
}

// NewRegistry creates an empty registry with the protocol fee floor.
func NewRegistry(minFeePerByte uint64) *Registry {
	return &Registry{
		handlers:      make(map[uint64]AssetHandler),
		baseFees:      make(map[uint64]uint64),
		minFeePerByte: minFeePerByte,
	}
}

// Register adds a module and all its asset handlers. Duplicate module ids
// or (moduleID, assetID) pairs are a boot error.
func (r *Registry) Register(module Module) error {
	for _, existing := range r.modules {
		if existing.ID() == module.ID() {
			return fmt.Errorf("module id %d registered twice", module.ID())
		}
	}
	for _, handler := range module.TransactionAssets() {
		key := handlerKey(module.ID(), handler.AssetID())
		if _, ok := r.handlers[key]; ok {
			return fmt.Errorf("asset %d:%d registered twice", module.ID(), handler.AssetID())
		}
		r.handlers[key] = handler
	}
	r.modules = append(r.modules, module)
	return nil
}

// SetBaseFee sets the flat fee component for one asset.
func (r *Registry) SetBaseFee(moduleID, assetID uint32, fee uint64) {
	r.baseFees[handlerKey(moduleID, assetID)] = fee
}

// Lookup returns the handler for a (moduleID, assetID) pair.
func (r *Registry) Lookup(moduleID, assetID uint32) (AssetHandler, error) {
	handler, ok := r.handlers[handlerKey(moduleID, assetID)]
	if !ok {
		return nil, fmt.Errorf("%w: %d:%d", types.ErrUnknownModuleAsset, moduleID, assetID)
	}
	return handler, nil
}

// Modules returns the registered modules in registration order.
func (r *Registry) Modules() []Module {
	return r.modules
}

// MinFee computes the protocol-minimum fee for a transaction.
func (r *Registry) MinFee(tx *types.Transaction) uint64 {
	return types.MinFee(tx, r.minFeePerByte, r.baseFees[handlerKey(tx.ModuleID, tx.AssetID)])
}

// ValidateTransaction performs the static (state-free) checks: a handler
// exists, signatures verify, and the asset decodes and validates.
func (r *Registry) ValidateTransaction(tx *types.Transaction) error {
	handler, err := r.Lookup(tx.ModuleID, tx.AssetID)
	if err != nil {
		return err
	}
	if err := tx.VerifySignatures(); err != nil {
		return err
	}
	return handler.Validate(tx)
}

// VerifyTransaction performs the state-dependent checks against the given
// store: exact nonce match, fee at or above the protocol minimum, balance
// covering the fee, and the handler's own preconditions.
func (r *Registry) VerifyTransaction(store StateStore, tx *types.Transaction) error {
	handler, err := r.Lookup(tx.ModuleID, tx.AssetID)
	if err != nil {
		return err
	}

	sender, err := store.GetAccount(tx.SenderAddress())
	if err != nil {
		return err
	}
	if tx.Nonce != sender.Nonce {
		if tx.Nonce < sender.Nonce {
			return fmt.Errorf("%w: tx %d account %d", types.ErrNonceTooLow, tx.Nonce, sender.Nonce)
		}
		return fmt.Errorf("%w: tx %d account %d", types.ErrNonceGap, tx.Nonce, sender.Nonce)
	}
	if minFee := r.MinFee(tx); tx.Fee < minFee {
		return fmt.Errorf("%w: fee %d min %d", types.ErrFeeTooLow, tx.Fee, minFee)
	}
	if sender.Balance < tx.Fee {
		return fmt.Errorf("%w: balance %d fee %d", types.ErrInsufficientBalance, sender.Balance, tx.Fee)
	}

	return handler.Verify(&ApplyContext{
		Store:         store,
		Tx:            tx,
		SenderAccount: sender,
	})
}

// ApplyTransaction executes one transaction: debits the fee, advances the
// sender nonce, and dispatches to the asset handler. The caller is
// responsible for running VerifyTransaction first; a nonce mismatch here
// indicates a processor bug and surfaces as ErrNonceGap.
func (r *Registry) ApplyTransaction(store StateStore, header *types.BlockHeader, tx *types.Transaction, publisher Publisher) error {
	handler, err := r.Lookup(tx.ModuleID, tx.AssetID)
	if err != nil {
		return err
	}

	sender, err := store.GetAccount(tx.SenderAddress())
	if err != nil {
		return err
	}
	if tx.Nonce != sender.Nonce {
		return fmt.Errorf("%w: tx %d account %d", types.ErrNonceGap, tx.Nonce, sender.Nonce)
	}
	if sender.Balance < tx.Fee {
		return fmt.Errorf("%w: balance %d fee %d", types.ErrInsufficientBalance, sender.Balance, tx.Fee)
	}
	sender.Balance -= tx.Fee
	sender.Nonce++
	store.SetAccount(sender)

	if publisher == nil {
		publisher = NopPublisher{}
	}
	return handler.Apply(&ApplyContext{
		Store:         store,
		Header:        header,
		Tx:            tx,
		SenderAccount: sender,
		Publisher:     publisher,
	})
}

// AfterBlockApply runs every module's block hook in registration order.
func (r *Registry) AfterBlockApply(store StateStore, block *types.Block, publisher Publisher) error {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	ctx := &BlockContext{
		Store:     store,
		Block:     block,
		Publisher: publisher,
	}
	for _, module := range r.modules {
		if err := module.AfterBlockApply(ctx); err != nil {
			return fmt.Errorf("module %s afterBlockApply: %w", module.Name(), err)
		}
	}
	return nil
}

// AssetNames returns "module:asset" names for the operator surface, sorted.
func (r *Registry) AssetNames() []string {
	names := make([]string, 0, len(r.handlers))
	for _, module := range r.modules {
		for _, handler := range module.TransactionAssets() {
			names = append(names, fmt.Sprintf("%s:%s", module.Name(), handler.Name()))
		}
	}
	sort.Strings(names)
	return names
}
