package node

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/Demosthene27/valois-sdk/modules"
	"github.com/Demosthene27/valois-sdk/state"
	"github.com/Demosthene27/valois-sdk/types"
)

// GenesisAccount is one pre-funded balance in the genesis document.
type GenesisAccount struct {
	Address string `json:"address"`
	Balance uint64 `json:"balance"`
}

// GenesisDelegate is one forging delegate active from the first round.
// Votes is the delegate's starting vote weight; it determines the initial
// slot ordering and survives the first round recomputation.
type GenesisDelegate struct {
	Address  string `json:"address"`
	Username string `json:"username"`
	Votes    uint64 `json:"votes"`
}

// GenesisDoc describes the chain's height-zero state. Every node on a
// network must boot from a byte-identical document: the genesis block id
// derives from it and peers with a different id are rejected during
// handshake.
type GenesisDoc struct {
	ChainID   string            `json:"chainId"`
	Timestamp uint32            `json:"timestamp"`
	Accounts  []GenesisAccount  `json:"accounts"`
	Delegates []GenesisDelegate `json:"delegates"`
}

// LoadGenesisDoc reads and validates a genesis document from disk.
func LoadGenesisDoc(path string) (*GenesisDoc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading genesis document: %w", err)
	}
	var doc GenesisDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing genesis document: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Save writes the document as indented JSON.
func (d *GenesisDoc) Save(path string) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// Validate checks internal consistency: parseable addresses, unique
// delegate usernames and addresses, at least one delegate to forge the
// first round.
func (d *GenesisDoc) Validate() error {
	if d.ChainID == "" {
		return fmt.Errorf("%w: empty chain id", types.ErrInvalidBlock)
	}
	if len(d.Delegates) == 0 {
		return fmt.Errorf("%w: no genesis delegates", types.ErrInvalidBlock)
	}
	for _, account := range d.Accounts {
		if _, err := types.AddressFromHex(account.Address); err != nil {
			return fmt.Errorf("genesis account %q: %w", account.Address, err)
		}
	}
	usernames := make(map[string]struct{}, len(d.Delegates))
	addresses := make(map[string]struct{}, len(d.Delegates))
	for _, delegate := range d.Delegates {
		if _, err := types.AddressFromHex(delegate.Address); err != nil {
			return fmt.Errorf("genesis delegate %q: %w", delegate.Address, err)
		}
		if _, ok := usernames[delegate.Username]; ok {
			return fmt.Errorf("%w: duplicate genesis username %q", types.ErrInvalidBlock, delegate.Username)
		}
		if _, ok := addresses[delegate.Address]; ok {
			return fmt.Errorf("%w: duplicate genesis delegate %q", types.ErrInvalidBlock, delegate.Address)
		}
		usernames[delegate.Username] = struct{}{}
		addresses[delegate.Address] = struct{}{}
	}
	return nil
}

// Block builds the deterministic genesis block. The header carries no
// generator, signature or payload; its id is the network identity every
// peer must agree on.
func (d *GenesisDoc) Block() (*types.Block, error) {
	block := &types.Block{
		Header: types.BlockHeader{
			Version:         types.CurrentBlockVersion,
			Height:          0,
			Timestamp:       d.Timestamp,
			TransactionRoot: types.EmptyHash(),
		},
	}
	if err := block.Header.Init(); err != nil {
		return nil, err
	}
	return block, nil
}

// SeedState writes the document's balances, delegate registrations and
// the first-round validator set into the working tree. The caller commits
// the tree by applying the genesis block; nothing is persisted here.
func (d *GenesisDoc) SeedState(accounts *state.AccountStore, dpos *modules.DPoSModule, roundLength int) error {
	overlay := state.NewOverlay(accounts)

	for _, entry := range d.Accounts {
		addr, err := types.AddressFromHex(entry.Address)
		if err != nil {
			return err
		}
		account, err := overlay.GetAccount(addr)
		if err != nil {
			return err
		}
		account.Balance += entry.Balance
		overlay.SetAccount(account)
	}

	validators := make([]types.Validator, 0, len(d.Delegates))
	for _, entry := range d.Delegates {
		addr, err := types.AddressFromHex(entry.Address)
		if err != nil {
			return err
		}
		if err := dpos.SeedGenesisDelegate(overlay, addr, entry.Username, entry.Votes); err != nil {
			return err
		}
		validators = append(validators, types.Validator{Address: addr, Weight: entry.Votes})
	}

	// Same ordering as the round-boundary recomputation so the set does
	// not shuffle at the end of round one.
	sort.Slice(validators, func(i, j int) bool {
		if validators[i].Weight != validators[j].Weight {
			return validators[i].Weight > validators[j].Weight
		}
		return bytes.Compare(validators[i].Address, validators[j].Address) < 0
	})
	if roundLength > 0 && len(validators) > roundLength {
		validators = validators[:roundLength]
	}
	set := &types.ValidatorSet{Validators: validators, RoundStart: 1}
	if err := dpos.SetGenesisValidators(overlay, set); err != nil {
		return err
	}

	return overlay.Commit()
}
