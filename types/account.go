package types

import (
	"fmt"

	"github.com/blockberries/cramberry/pkg/cramberry"
)

// Vote is a stake assignment from an account to a delegate.
type Vote struct {
	DelegateAddress Address `cramberry:"1"`
	Amount          uint64  `cramberry:"2"`
}

// DelegateData is present on accounts registered as delegates.
type DelegateData struct {
	Username                string   `cramberry:"1"`
	TotalVotesReceived      uint64   `cramberry:"2"`
	LastForgedHeight        uint64   `cramberry:"3"`
	ConsecutiveMissedBlocks uint32   `cramberry:"4"`
	IsBanned                bool     `cramberry:"5"`
	PomHeights              []uint64 `cramberry:"6"`
}

// AccountKeys holds the multisignature configuration of an account.
// An account with no entries is a simple single-signature account.
type AccountKeys struct {
	NumberOfSignatures uint32   `cramberry:"1"`
	MandatoryKeys      [][]byte `cramberry:"2"`
	OptionalKeys       [][]byte `cramberry:"3"`
}

// Account is the materialized per-address state. The schema is composed
// from module contributions at boot; the fields below are the composition
// of the base, token, and dpos schemas.
type Account struct {
	Address  Address       `cramberry:"1"`
	Balance  uint64        `cramberry:"2"`
	Nonce    uint64        `cramberry:"3"`
	Keys     AccountKeys   `cramberry:"4"`
	Delegate *DelegateData `cramberry:"5"`
	Votes    []Vote        `cramberry:"6"`
}

// NewAccount returns an empty account for the address.
func NewAccount(address Address) *Account {
	return &Account{Address: address}
}

// IsDelegate reports whether the account registered as a delegate.
func (a *Account) IsDelegate() bool {
	return a.Delegate != nil && a.Delegate.Username != ""
}

// Clone returns a deep copy. The state Overlay clones every account it
// loads, so its mutations never reach the backing store before Commit.
func (a *Account) Clone() *Account {
	c := *a
	c.Address = append(Address(nil), a.Address...)
	if a.Delegate != nil {
		d := *a.Delegate
		d.PomHeights = append([]uint64(nil), a.Delegate.PomHeights...)
		c.Delegate = &d
	}
	if a.Votes != nil {
		c.Votes = make([]Vote, len(a.Votes))
		for i, v := range a.Votes {
			c.Votes[i] = Vote{
				DelegateAddress: append(Address(nil), v.DelegateAddress...),
				Amount:          v.Amount,
			}
		}
	}
	c.Keys.MandatoryKeys = cloneByteSlices(a.Keys.MandatoryKeys)
	c.Keys.OptionalKeys = cloneByteSlices(a.Keys.OptionalKeys)
	return &c
}

func cloneByteSlices(in [][]byte) [][]byte {
	if in == nil {
		return nil
	}
	out := make([][]byte, len(in))
	for i, b := range in {
		out[i] = append([]byte(nil), b...)
	}
	return out
}

// Encode returns the canonical encoding of the account.
func (a *Account) Encode() ([]byte, error) {
	data, err := cramberry.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encoding account: %w", err)
	}
	return data, nil
}

// DecodeAccount decodes an account from its canonical encoding.
func DecodeAccount(data []byte) (*Account, error) {
	var a Account
	if err := cramberry.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decoding account: %w", err)
	}
	return &a, nil
}
