package modules

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/blockberries/cramberry/pkg/cramberry"

	"github.com/Demosthene27/valois-sdk/types"
)

// DPoS module identifiers.
const (
	DPoSModuleID              = 5
	DPoSAssetRegisterDelegate = 0
	DPoSAssetVoteDelegate     = 1
)

// Delegate registration and voting bounds.
const (
	maxUsernameLength = 20
	maxVotesPerTx     = 20

	// VoteAmountStep is the granularity of vote amounts.
	VoteAmountStep uint64 = 1_000_000_000
)

// Module state keys under the chain:state: prefix.
var (
	keyValidatorSet    = []byte("dpos:validators")
	prefixDelegateName = []byte("dpos:name:")
)

// RewardSchedule defines the per-block minting amounts. The reward at
// height h is Milestones[(h-Offset)/Distance], clamped to the last
// milestone. Heights below Offset mint nothing.
type RewardSchedule struct {
	Milestones []uint64
	Offset     uint64
	Distance   uint64
}

// RewardAt returns the minted amount for a block height.
func (r RewardSchedule) RewardAt(height types.Height) uint64 {
	if len(r.Milestones) == 0 || uint64(height) < r.Offset || r.Distance == 0 {
		return 0
	}
	idx := (uint64(height) - r.Offset) / r.Distance
	if idx >= uint64(len(r.Milestones)) {
		idx = uint64(len(r.Milestones)) - 1
	}
	return r.Milestones[idx]
}

// RegisterDelegateAsset registers the sender as a forging delegate.
type RegisterDelegateAsset struct {
	Username string `cramberry:"1"`
}

// VoteAmount is one stake adjustment inside a vote transaction. Negative
// amounts withdraw previously cast votes.
type VoteAmount struct {
	DelegateAddress types.Address `cramberry:"1"`
	Amount          int64         `cramberry:"2"`
}

// VoteDelegateAsset adjusts the sender's stake assignments.
type VoteDelegateAsset struct {
	Votes []VoteAmount `cramberry:"1"`
}

// DPoSModule implements delegate registration, voting, the validator-set
// computation at round boundaries, and block reward minting.
type DPoSModule struct {
	roundLength int
	rewards     RewardSchedule
}

// NewDPoSModule creates the dpos module. roundLength is the number of
// active delegate slots per round.
func NewDPoSModule(roundLength int, rewards RewardSchedule) *DPoSModule {
	return &DPoSModule{
		roundLength: roundLength,
		rewards:     rewards,
	}
}

// ID implements Module.
func (m *DPoSModule) ID() uint32 { return DPoSModuleID }

// Name implements Module.
func (m *DPoSModule) Name() string { return "dpos" }

// TransactionAssets implements Module.
func (m *DPoSModule) TransactionAssets() []AssetHandler {
	return []AssetHandler{
		&registerDelegateHandler{},
		&voteDelegateHandler{},
	}
}

// ValidatorSet loads the active validator set from module state.
// Returns nil if no set was ever computed (pre-genesis boot).
func (m *DPoSModule) ValidatorSet(store StateStore) (*types.ValidatorSet, error) {
	data, err := store.GetState(keyValidatorSet)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	return types.DecodeValidatorSet(data)
}

// SetGenesisValidators stores the initial validator set before any block
// is applied.
func (m *DPoSModule) SetGenesisValidators(store StateStore, set *types.ValidatorSet) error {
	data, err := set.Encode()
	if err != nil {
		return err
	}
	store.SetState(keyValidatorSet, data)
	return nil
}

// SeedGenesisDelegate registers a delegate directly in state, bypassing
// the transaction path. Used once when bootstrapping an empty chain.
func (m *DPoSModule) SeedGenesisDelegate(store StateStore, addr types.Address, username string, votes uint64) error {
	if !validUsername(username) {
		return fmt.Errorf("%w: genesis delegate username %q", types.ErrInvalidBlock, username)
	}
	taken, err := store.GetState(makeDelegateNameKey(username))
	if err != nil {
		return err
	}
	if taken != nil {
		return fmt.Errorf("%w: genesis delegate username %q already registered", types.ErrInvalidBlock, username)
	}

	account, err := store.GetAccount(addr)
	if err != nil {
		return err
	}
	if account.IsDelegate() {
		return fmt.Errorf("%w: genesis account %s is already a delegate", types.ErrInvalidBlock, addr)
	}
	account.Delegate = &types.DelegateData{
		Username:           username,
		TotalVotesReceived: votes,
	}
	store.SetAccount(account)
	store.SetState(makeDelegateNameKey(username), account.Address)

	data, err := store.GetState(keyDelegateList())
	if err != nil {
		return err
	}
	var addresses addressList
	if data != nil {
		if err := cramberry.Unmarshal(data, &addresses); err != nil {
			return fmt.Errorf("decoding delegate list: %w", err)
		}
	}
	addresses.Addresses = append(addresses.Addresses, account.Address)
	encoded, err := cramberry.Marshal(&addresses)
	if err != nil {
		return err
	}
	store.SetState(keyDelegateList(), encoded)
	return nil
}

// AfterBlockApply implements Module: mints the block reward, updates the
// generator's forging bookkeeping, and recomputes the validator set at
// round boundaries.
func (m *DPoSModule) AfterBlockApply(ctx *BlockContext) error {
	header := &ctx.Block.Header
	if header.Height == 0 {
		return nil
	}

	generatorAddr := types.AddressFromPublicKey(header.GeneratorPublicKey)
	generator, err := ctx.Store.GetAccount(generatorAddr)
	if err != nil {
		return err
	}
	if reward := m.rewards.RewardAt(header.Height); reward > 0 {
		generator.Balance += reward
	}
	if generator.Delegate != nil {
		generator.Delegate.LastForgedHeight = uint64(header.Height)
		generator.Delegate.ConsecutiveMissedBlocks = 0
	}
	ctx.Store.SetAccount(generator)

	if m.roundLength > 0 && uint64(header.Height)%uint64(m.roundLength) == 0 {
		return m.recomputeValidators(ctx, header.Height)
	}
	return nil
}

// recomputeValidators selects the top delegates by received votes for the
// round starting after height. Ties break on lower address so every node
// derives the identical set.
func (m *DPoSModule) recomputeValidators(ctx *BlockContext, height types.Height) error {
	delegates, err := m.eligibleDelegates(ctx.Store)
	if err != nil {
		return err
	}

	sort.Slice(delegates, func(i, j int) bool {
		if delegates[i].Weight != delegates[j].Weight {
			return delegates[i].Weight > delegates[j].Weight
		}
		return bytes.Compare(delegates[i].Address, delegates[j].Address) < 0
	})
	if len(delegates) > m.roundLength {
		delegates = delegates[:m.roundLength]
	}

	set := &types.ValidatorSet{
		Validators: delegates,
		RoundStart: uint64(height) + 1,
	}
	data, err := set.Encode()
	if err != nil {
		return err
	}
	ctx.Store.SetState(keyValidatorSet, data)

	ctx.Publisher.Publish("ValidatorsChanged", set)
	return nil
}

// eligibleDelegates walks the delegate address list and loads every
// registered, unbanned delegate.
func (m *DPoSModule) eligibleDelegates(store StateStore) ([]types.Validator, error) {
	data, err := store.GetState(keyDelegateList())
	if err != nil {
		return nil, err
	}
	var addresses addressList
	if data != nil {
		if err := cramberry.Unmarshal(data, &addresses); err != nil {
			return nil, fmt.Errorf("decoding delegate list: %w", err)
		}
	}

	validators := make([]types.Validator, 0, len(addresses.Addresses))
	for _, addr := range addresses.Addresses {
		account, err := store.GetAccount(addr)
		if err != nil {
			return nil, err
		}
		if account.Delegate == nil || account.Delegate.IsBanned {
			continue
		}
		validators = append(validators, types.Validator{
			Address: addr,
			Weight:  account.Delegate.TotalVotesReceived,
		})
	}
	return validators, nil
}

// addressList is the encoded registry of all delegate addresses.
type addressList struct {
	Addresses []types.Address `cramberry:"1"`
}

func keyDelegateList() []byte {
	return []byte("dpos:delegates")
}

func makeDelegateNameKey(username string) []byte {
	key := make([]byte, len(prefixDelegateName)+len(username))
	copy(key, prefixDelegateName)
	copy(key[len(prefixDelegateName):], username)
	return key
}

type registerDelegateHandler struct{}

func (h *registerDelegateHandler) AssetID() uint32 { return DPoSAssetRegisterDelegate }
func (h *registerDelegateHandler) Name() string    { return "registerDelegate" }

func decodeRegisterAsset(tx *types.Transaction) (*RegisterDelegateAsset, error) {
	var asset RegisterDelegateAsset
	if err := cramberry.Unmarshal(tx.Asset, &asset); err != nil {
		return nil, fmt.Errorf("%w: registerDelegate asset: %v", types.ErrInvalidTx, err)
	}
	return &asset, nil
}

func validUsername(name string) bool {
	if len(name) == 0 || len(name) > maxUsernameLength {
		return false
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '!' || c == '@' || c == '$' || c == '&':
		default:
			return false
		}
	}
	return true
}

func (h *registerDelegateHandler) Validate(tx *types.Transaction) error {
	asset, err := decodeRegisterAsset(tx)
	if err != nil {
		return err
	}
	if !validUsername(asset.Username) {
		return types.WrapValidationError(types.ErrInvalidTx, "username")
	}
	return nil
}

func (h *registerDelegateHandler) Verify(ctx *ApplyContext) error {
	asset, err := decodeRegisterAsset(ctx.Tx)
	if err != nil {
		return err
	}
	if ctx.SenderAccount.IsDelegate() {
		return fmt.Errorf("%w: account is already a delegate", types.ErrInvalidTx)
	}
	taken, err := ctx.Store.GetState(makeDelegateNameKey(asset.Username))
	if err != nil {
		return err
	}
	if taken != nil {
		return fmt.Errorf("%w: username %q already registered", types.ErrInvalidTx, asset.Username)
	}
	return nil
}

func (h *registerDelegateHandler) Apply(ctx *ApplyContext) error {
	asset, err := decodeRegisterAsset(ctx.Tx)
	if err != nil {
		return err
	}
	sender := ctx.SenderAccount
	if sender.IsDelegate() {
		return fmt.Errorf("%w: account is already a delegate", types.ErrInvalidTx)
	}

	sender.Delegate = &types.DelegateData{Username: asset.Username}
	ctx.Store.SetAccount(sender)
	ctx.Store.SetState(makeDelegateNameKey(asset.Username), sender.Address)

	data, err := ctx.Store.GetState(keyDelegateList())
	if err != nil {
		return err
	}
	var addresses addressList
	if data != nil {
		if err := cramberry.Unmarshal(data, &addresses); err != nil {
			return fmt.Errorf("decoding delegate list: %w", err)
		}
	}
	addresses.Addresses = append(addresses.Addresses, sender.Address)
	encoded, err := cramberry.Marshal(&addresses)
	if err != nil {
		return fmt.Errorf("encoding delegate list: %w", err)
	}
	ctx.Store.SetState(keyDelegateList(), encoded)
	return nil
}

type voteDelegateHandler struct{}

func (h *voteDelegateHandler) AssetID() uint32 { return DPoSAssetVoteDelegate }
func (h *voteDelegateHandler) Name() string    { return "voteDelegate" }

func decodeVoteAsset(tx *types.Transaction) (*VoteDelegateAsset, error) {
	var asset VoteDelegateAsset
	if err := cramberry.Unmarshal(tx.Asset, &asset); err != nil {
		return nil, fmt.Errorf("%w: voteDelegate asset: %v", types.ErrInvalidTx, err)
	}
	return &asset, nil
}

func (h *voteDelegateHandler) Validate(tx *types.Transaction) error {
	asset, err := decodeVoteAsset(tx)
	if err != nil {
		return err
	}
	if len(asset.Votes) == 0 || len(asset.Votes) > maxVotesPerTx {
		return types.WrapValidationError(types.ErrInvalidTx, "votes")
	}
	seen := make(map[string]struct{}, len(asset.Votes))
	for _, vote := range asset.Votes {
		if len(vote.DelegateAddress) != types.AddressSize {
			return types.WrapValidationError(types.ErrInvalidTx, "delegateAddress")
		}
		if vote.Amount == 0 {
			return types.WrapValidationError(types.ErrInvalidTx, "amount")
		}
		amount := vote.Amount
		if amount < 0 {
			amount = -amount
		}
		if uint64(amount)%VoteAmountStep != 0 {
			return types.WrapValidationError(types.ErrInvalidTx, "amount")
		}
		if _, dup := seen[string(vote.DelegateAddress)]; dup {
			return types.WrapValidationError(types.ErrInvalidTx, "votes")
		}
		seen[string(vote.DelegateAddress)] = struct{}{}
	}
	return nil
}

func (h *voteDelegateHandler) Verify(ctx *ApplyContext) error {
	asset, err := decodeVoteAsset(ctx.Tx)
	if err != nil {
		return err
	}

	var upvoteTotal uint64
	for _, vote := range asset.Votes {
		target, err := ctx.Store.GetAccount(vote.DelegateAddress)
		if err != nil {
			return err
		}
		if !target.IsDelegate() {
			return fmt.Errorf("%w: vote target is not a delegate", types.ErrInvalidTx)
		}
		if vote.Amount > 0 {
			upvoteTotal += uint64(vote.Amount)
			continue
		}
		staked := stakedAmount(ctx.SenderAccount, vote.DelegateAddress)
		if uint64(-vote.Amount) > staked {
			return fmt.Errorf("%w: unvote exceeds staked amount", types.ErrInvalidTx)
		}
	}

	available := ctx.SenderAccount.Balance
	if available < ctx.Tx.Fee || available-ctx.Tx.Fee < upvoteTotal {
		return fmt.Errorf("%w: balance %d for votes %d", types.ErrInsufficientBalance, available, upvoteTotal)
	}
	return nil
}

func (h *voteDelegateHandler) Apply(ctx *ApplyContext) error {
	asset, err := decodeVoteAsset(ctx.Tx)
	if err != nil {
		return err
	}
	sender := ctx.SenderAccount

	for _, vote := range asset.Votes {
		target, err := ctx.Store.GetAccount(vote.DelegateAddress)
		if err != nil {
			return err
		}
		if !target.IsDelegate() {
			return fmt.Errorf("%w: vote target is not a delegate", types.ErrInvalidTx)
		}

		if vote.Amount > 0 {
			amount := uint64(vote.Amount)
			if sender.Balance < amount {
				return fmt.Errorf("%w: balance %d vote %d", types.ErrInsufficientBalance, sender.Balance, amount)
			}
			sender.Balance -= amount
			target.Delegate.TotalVotesReceived += amount
			addVote(sender, vote.DelegateAddress, amount)
		} else {
			amount := uint64(-vote.Amount)
			if stakedAmount(sender, vote.DelegateAddress) < amount {
				return fmt.Errorf("%w: unvote exceeds staked amount", types.ErrInvalidTx)
			}
			if target.Delegate.TotalVotesReceived < amount {
				return fmt.Errorf("%w: delegate vote underflow", types.ErrInvalidTx)
			}
			sender.Balance += amount
			target.Delegate.TotalVotesReceived -= amount
			removeVote(sender, vote.DelegateAddress, amount)
		}
		ctx.Store.SetAccount(target)
	}

	ctx.Store.SetAccount(sender)
	return nil
}

func stakedAmount(account *types.Account, delegate types.Address) uint64 {
	for _, vote := range account.Votes {
		if vote.DelegateAddress.Equal(delegate) {
			return vote.Amount
		}
	}
	return 0
}

func addVote(account *types.Account, delegate types.Address, amount uint64) {
	for i := range account.Votes {
		if account.Votes[i].DelegateAddress.Equal(delegate) {
			account.Votes[i].Amount += amount
			return
		}
	}
	account.Votes = append(account.Votes, types.Vote{
		DelegateAddress: delegate,
		Amount:          amount,
	})
}

func removeVote(account *types.Account, delegate types.Address, amount uint64) {
	for i := range account.Votes {
		if !account.Votes[i].DelegateAddress.Equal(delegate) {
			continue
		}
		account.Votes[i].Amount -= amount
		if account.Votes[i].Amount == 0 {
			account.Votes = append(account.Votes[:i], account.Votes[i+1:]...)
		}
		return
	}
}
