package modules

import (
	"fmt"

	"github.com/blockberries/cramberry/pkg/cramberry"

	"github.com/Demosthene27/valois-sdk/types"
)

// Token module identifiers.
const (
	TokenModuleID       = 2
	TokenAssetTransfer  = 0
	maxTransferDataSize = 64
)

// DefaultMinRemainingBalance is the balance an account must retain after
// any transfer, keeping dust accounts off the state tree.
const DefaultMinRemainingBalance uint64 = 5_000_000

// TransferAsset moves balance between two accounts.
type TransferAsset struct {
	RecipientAddress types.Address `cramberry:"1"`
	Amount           uint64        `cramberry:"2"`
	Data             string        `cramberry:"3"`
}

// TokenModule implements balance transfers with a minimum-remaining-balance
// rule.
type TokenModule struct {
	minRemainingBalance uint64
}

// NewTokenModule creates the token module. A zero minRemainingBalance
// selects the default.
func NewTokenModule(minRemainingBalance uint64) *TokenModule {
	if minRemainingBalance == 0 {
		minRemainingBalance = DefaultMinRemainingBalance
	}
	return &TokenModule{minRemainingBalance: minRemainingBalance}
}

// ID implements Module.
func (m *TokenModule) ID() uint32 { return TokenModuleID }

// Name implements Module.
func (m *TokenModule) Name() string { return "token" }

// TransactionAssets implements Module.
func (m *TokenModule) TransactionAssets() []AssetHandler {
	return []AssetHandler{&transferHandler{module: m}}
}

// AfterBlockApply implements Module. The token module has no block hook.
func (m *TokenModule) AfterBlockApply(*BlockContext) error { return nil }

type transferHandler struct {
	module *TokenModule
}

func (h *transferHandler) AssetID() uint32 { return TokenAssetTransfer }
func (h *transferHandler) Name() string    { return "transfer" }

func decodeTransferAsset(tx *types.Transaction) (*TransferAsset, error) {
	var asset TransferAsset
	if err := cramberry.Unmarshal(tx.Asset, &asset); err != nil {
		return nil, fmt.Errorf("%w: transfer asset: %v", types.ErrInvalidTx, err)
	}
	return &asset, nil
}

func (h *transferHandler) Validate(tx *types.Transaction) error {
	asset, err := decodeTransferAsset(tx)
	if err != nil {
		return err
	}
	if len(asset.RecipientAddress) != types.AddressSize {
		return types.WrapValidationError(types.ErrInvalidTx, "recipientAddress")
	}
	if asset.Amount == 0 {
		return types.WrapValidationError(types.ErrInvalidTx, "amount")
	}
	if len(asset.Data) > maxTransferDataSize {
		return types.WrapValidationError(types.ErrInvalidTx, "data")
	}
	return nil
}

func (h *transferHandler) Verify(ctx *ApplyContext) error {
	asset, err := decodeTransferAsset(ctx.Tx)
	if err != nil {
		return err
	}

	sender := ctx.SenderAccount
	total := asset.Amount + ctx.Tx.Fee
	if total < asset.Amount {
		return types.WrapValidationError(types.ErrInvalidTx, "amount")
	}
	if sender.Balance < total {
		return fmt.Errorf("%w: balance %d needed %d", types.ErrInsufficientBalance, sender.Balance, total)
	}
	if sender.Balance-total < h.module.minRemainingBalance {
		return fmt.Errorf("%w: remaining balance below minimum %d",
			types.ErrInsufficientBalance, h.module.minRemainingBalance)
	}
	return nil
}

func (h *transferHandler) Apply(ctx *ApplyContext) error {
	asset, err := decodeTransferAsset(ctx.Tx)
	if err != nil {
		return err
	}

	// The registry already debited the fee and advanced the nonce.
	sender := ctx.SenderAccount
	if sender.Balance < asset.Amount {
		return fmt.Errorf("%w: balance %d amount %d", types.ErrInsufficientBalance, sender.Balance, asset.Amount)
	}
	if sender.Balance-asset.Amount < h.module.minRemainingBalance {
		return fmt.Errorf("%w: remaining balance below minimum %d",
			types.ErrInsufficientBalance, h.module.minRemainingBalance)
	}
	sender.Balance -= asset.Amount
	ctx.Store.SetAccount(sender)

	recipient, err := ctx.Store.GetAccount(asset.RecipientAddress)
	if err != nil {
		return err
	}
	recipient.Balance += asset.Amount
	ctx.Store.SetAccount(recipient)
	return nil
}
