package modules

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Demosthene27/valois-sdk/types"
)

func registerDelegate(t *testing.T, registry *Registry, overlay StateStore, key ed25519.PrivateKey, nonce uint64, username string) {
	t.Helper()
	tx := signedTx(t, key, DPoSModuleID, DPoSAssetRegisterDelegate, nonce, 10, &RegisterDelegateAsset{
		Username: username,
	})
	require.NoError(t, registry.VerifyTransaction(overlay, tx))
	require.NoError(t, registry.ApplyTransaction(overlay, nil, tx, nil))
}

func TestRegisterDelegate(t *testing.T) {
	registry := newTestRegistry(t)
	overlay := newTestOverlay(t)

	key := newTestKey(t, 10)
	addr := types.AddressFromPublicKey(key.Public().(ed25519.PublicKey))
	fundAccount(t, overlay, key, 100_000)

	registerDelegate(t, registry, overlay, key, 0, "genesis.1")

	account, err := overlay.GetAccount(addr)
	require.NoError(t, err)
	require.True(t, account.IsDelegate())
	require.Equal(t, "genesis.1", account.Delegate.Username)

	t.Run("second registration rejected", func(t *testing.T) {
		tx := signedTx(t, key, DPoSModuleID, DPoSAssetRegisterDelegate, 1, 10, &RegisterDelegateAsset{
			Username: "other",
		})
		require.ErrorIs(t, registry.VerifyTransaction(overlay, tx), types.ErrInvalidTx)
	})

	t.Run("username collision rejected", func(t *testing.T) {
		other := newTestKey(t, 11)
		fundAccount(t, overlay, other, 100_000)

		tx := signedTx(t, other, DPoSModuleID, DPoSAssetRegisterDelegate, 0, 10, &RegisterDelegateAsset{
			Username: "genesis.1",
		})
		require.ErrorIs(t, registry.VerifyTransaction(overlay, tx), types.ErrInvalidTx)
	})
}

func TestUsernameValidation(t *testing.T) {
	registry := newTestRegistry(t)
	key := newTestKey(t, 12)

	cases := []struct {
		username string
		valid    bool
	}{
		{"alice", true},
		{"a1.b_c!", true},
		{"", false},
		{"UPPER", false},
		{"with space", false},
		{"waytoolongusernamefield", false},
	}
	for _, tc := range cases {
		tx := signedTx(t, key, DPoSModuleID, DPoSAssetRegisterDelegate, 0, 10, &RegisterDelegateAsset{
			Username: tc.username,
		})
		err := registry.ValidateTransaction(tx)
		if tc.valid {
			require.NoError(t, err, "username %q", tc.username)
		} else {
			require.ErrorIs(t, err, types.ErrInvalidTx, "username %q", tc.username)
		}
	}
}

func TestVoteDelegate(t *testing.T) {
	registry := newTestRegistry(t)
	overlay := newTestOverlay(t)

	delegateKey := newTestKey(t, 13)
	delegateAddr := types.AddressFromPublicKey(delegateKey.Public().(ed25519.PublicKey))
	fundAccount(t, overlay, delegateKey, 100_000)
	registerDelegate(t, registry, overlay, delegateKey, 0, "validator.a")

	voterKey := newTestKey(t, 14)
	voterAddr := types.AddressFromPublicKey(voterKey.Public().(ed25519.PublicKey))
	fundAccount(t, overlay, voterKey, 10*VoteAmountStep)

	vote := func(nonce uint64, amount int64) error {
		tx := signedTx(t, voterKey, DPoSModuleID, DPoSAssetVoteDelegate, nonce, 10, &VoteDelegateAsset{
			Votes: []VoteAmount{{DelegateAddress: delegateAddr, Amount: amount}},
		})
		if err := registry.VerifyTransaction(overlay, tx); err != nil {
			return err
		}
		return registry.ApplyTransaction(overlay, nil, tx, nil)
	}

	require.NoError(t, vote(0, int64(3*VoteAmountStep)))

	voter, err := overlay.GetAccount(voterAddr)
	require.NoError(t, err)
	require.Equal(t, 7*VoteAmountStep-10, voter.Balance)
	require.Len(t, voter.Votes, 1)
	require.Equal(t, 3*VoteAmountStep, voter.Votes[0].Amount)

	delegate, err := overlay.GetAccount(delegateAddr)
	require.NoError(t, err)
	require.Equal(t, 3*VoteAmountStep, delegate.Delegate.TotalVotesReceived)

	t.Run("unvote returns stake", func(t *testing.T) {
		require.NoError(t, vote(1, -int64(VoteAmountStep)))

		voter, err := overlay.GetAccount(voterAddr)
		require.NoError(t, err)
		require.Equal(t, 8*VoteAmountStep-20, voter.Balance)
		require.Equal(t, 2*VoteAmountStep, voter.Votes[0].Amount)

		delegate, err := overlay.GetAccount(delegateAddr)
		require.NoError(t, err)
		require.Equal(t, 2*VoteAmountStep, delegate.Delegate.TotalVotesReceived)
	})

	t.Run("unvote beyond stake rejected", func(t *testing.T) {
		require.ErrorIs(t, vote(2, -int64(5*VoteAmountStep)), types.ErrInvalidTx)
	})

	t.Run("full unvote removes entry", func(t *testing.T) {
		require.NoError(t, vote(2, -int64(2*VoteAmountStep)))

		voter, err := overlay.GetAccount(voterAddr)
		require.NoError(t, err)
		require.Empty(t, voter.Votes)
	})

	t.Run("vote for non-delegate rejected", func(t *testing.T) {
		stranger := newTestKey(t, 15)
		strangerAddr := types.AddressFromPublicKey(stranger.Public().(ed25519.PublicKey))

		tx := signedTx(t, voterKey, DPoSModuleID, DPoSAssetVoteDelegate, 3, 10, &VoteDelegateAsset{
			Votes: []VoteAmount{{DelegateAddress: strangerAddr, Amount: int64(VoteAmountStep)}},
		})
		require.ErrorIs(t, registry.VerifyTransaction(overlay, tx), types.ErrInvalidTx)
	})

	t.Run("amount not a step multiple rejected", func(t *testing.T) {
		tx := signedTx(t, voterKey, DPoSModuleID, DPoSAssetVoteDelegate, 3, 10, &VoteDelegateAsset{
			Votes: []VoteAmount{{DelegateAddress: delegateAddr, Amount: 12345}},
		})
		require.ErrorIs(t, registry.ValidateTransaction(tx), types.ErrInvalidTx)
	})
}

func TestRewardSchedule(t *testing.T) {
	schedule := RewardSchedule{
		Milestones: []uint64{500, 400, 300},
		Offset:     10,
		Distance:   100,
	}

	require.Equal(t, uint64(0), schedule.RewardAt(0))
	require.Equal(t, uint64(0), schedule.RewardAt(9))
	require.Equal(t, uint64(500), schedule.RewardAt(10))
	require.Equal(t, uint64(500), schedule.RewardAt(109))
	require.Equal(t, uint64(400), schedule.RewardAt(110))
	require.Equal(t, uint64(300), schedule.RewardAt(210))
	// Clamped to the last milestone.
	require.Equal(t, uint64(300), schedule.RewardAt(1_000_000))

	require.Equal(t, uint64(0), RewardSchedule{}.RewardAt(100))
}

type capturePublisher struct {
	kinds []string
	data  []any
}

func (p *capturePublisher) Publish(kind string, data any) {
	p.kinds = append(p.kinds, kind)
	p.data = append(p.data, data)
}

func TestAfterBlockApply(t *testing.T) {
	rewards := RewardSchedule{Milestones: []uint64{1000}, Offset: 1, Distance: 1}
	dpos := NewDPoSModule(2, rewards)

	registry := NewRegistry(0)
	require.NoError(t, registry.Register(NewTokenModule(0)))
	require.NoError(t, registry.Register(dpos))

	overlay := newTestOverlay(t)

	keyA := newTestKey(t, 20)
	keyB := newTestKey(t, 21)
	keyC := newTestKey(t, 22)
	addrA := types.AddressFromPublicKey(keyA.Public().(ed25519.PublicKey))

	for i, key := range []ed25519.PrivateKey{keyA, keyB, keyC} {
		fundAccount(t, overlay, key, 100_000)
		registerDelegate(t, registry, overlay, key, 0, []string{"del.a", "del.b", "del.c"}[i])
	}

	// Give del.b and del.c more votes than del.a.
	voter := newTestKey(t, 23)
	fundAccount(t, overlay, voter, 100*VoteAmountStep)
	for i, key := range []ed25519.PrivateKey{keyB, keyC} {
		addr := types.AddressFromPublicKey(key.Public().(ed25519.PublicKey))
		tx := signedTx(t, voter, DPoSModuleID, DPoSAssetVoteDelegate, uint64(i), 10, &VoteDelegateAsset{
			Votes: []VoteAmount{{DelegateAddress: addr, Amount: int64(5 * VoteAmountStep)}},
		})
		require.NoError(t, registry.VerifyTransaction(overlay, tx))
		require.NoError(t, registry.ApplyTransaction(overlay, nil, tx, nil))
	}

	publisher := &capturePublisher{}

	makeBlock := func(height types.Height) *types.Block {
		return &types.Block{
			Header: types.BlockHeader{
				Height:             height,
				GeneratorPublicKey: keyA.Public().(ed25519.PublicKey),
			},
		}
	}

	t.Run("reward minted and forging recorded", func(t *testing.T) {
		before, err := overlay.GetAccount(addrA)
		require.NoError(t, err)

		require.NoError(t, registry.AfterBlockApply(overlay, makeBlock(1), publisher))

		after, err := overlay.GetAccount(addrA)
		require.NoError(t, err)
		require.Equal(t, before.Balance+1000, after.Balance)
		require.Equal(t, uint64(1), after.Delegate.LastForgedHeight)
		require.Empty(t, publisher.kinds)
	})

	t.Run("round boundary recomputes validators", func(t *testing.T) {
		require.NoError(t, registry.AfterBlockApply(overlay, makeBlock(2), publisher))
		require.Equal(t, []string{"ValidatorsChanged"}, publisher.kinds)

		set, err := dpos.ValidatorSet(overlay)
		require.NoError(t, err)
		require.NotNil(t, set)
		require.Equal(t, 2, set.Size())
		require.Equal(t, uint64(3), set.RoundStart)

		// The two voted delegates hold the slots; del.a is left out.
		for _, v := range set.Validators {
			require.Equal(t, 5*VoteAmountStep, v.Weight)
			require.False(t, v.Address.Equal(addrA))
		}
	})

	t.Run("genesis block mints nothing", func(t *testing.T) {
		before, err := overlay.GetAccount(addrA)
		require.NoError(t, err)

		require.NoError(t, registry.AfterBlockApply(overlay, makeBlock(0), publisher))

		after, err := overlay.GetAccount(addrA)
		require.NoError(t, err)
		require.Equal(t, before.Balance, after.Balance)
	})
}

func TestSetGenesisValidators(t *testing.T) {
	dpos := NewDPoSModule(3, RewardSchedule{})
	overlay := newTestOverlay(t)

	set, err := dpos.ValidatorSet(overlay)
	require.NoError(t, err)
	require.Nil(t, set)

	genesis := &types.ValidatorSet{
		Validators: []types.Validator{{Address: testModuleAddr(1), Weight: 0}},
		RoundStart: 1,
	}
	require.NoError(t, dpos.SetGenesisValidators(overlay, genesis))

	loaded, err := dpos.ValidatorSet(overlay)
	require.NoError(t, err)
	require.Equal(t, 1, loaded.Size())
	require.Equal(t, uint64(1), loaded.RoundStart)
}

func testModuleAddr(b byte) types.Address {
	addr := make(types.Address, types.AddressSize)
	for i := range addr {
		addr[i] = b
	}
	return addr
}
