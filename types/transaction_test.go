package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionSignAndVerify(t *testing.T) {
	pub, priv := testKeyPair(t)

	tx := &Transaction{
		ModuleID:        2,
		AssetID:         0,
		Nonce:           1,
		Fee:             500,
		SenderPublicKey: pub,
		Asset:           []byte{0xaa},
	}
	require.NoError(t, tx.Sign(priv))
	require.NotNil(t, tx.ID())
	require.Positive(t, tx.Size())

	assert.NoError(t, tx.VerifySignatures())

	tx.Nonce = 2
	assert.Error(t, tx.VerifySignatures())
}

func TestTransactionRoundTrip(t *testing.T) {
	pub, priv := testKeyPair(t)

	tx := &Transaction{
		ModuleID:        4,
		AssetID:         1,
		Nonce:           42,
		Fee:             12345,
		SenderPublicKey: pub,
		Asset:           []byte("vote payload"),
	}
	require.NoError(t, tx.Sign(priv))

	data, err := tx.Bytes()
	require.NoError(t, err)

	decoded, err := DecodeTransaction(data)
	require.NoError(t, err)

	assert.Equal(t, tx.Nonce, decoded.Nonce)
	assert.Equal(t, tx.Fee, decoded.Fee)
	assert.True(t, tx.ID().Equal(decoded.ID()))
	assert.Equal(t, tx.Size(), decoded.Size())
}

func TestSenderAddress(t *testing.T) {
	pub, _ := testKeyPair(t)
	tx := &Transaction{SenderPublicKey: pub}

	addr := tx.SenderAddress()
	require.Len(t, addr, AddressSize)
	assert.True(t, addr.Equal(AddressFromPublicKey(pub)))
}

func TestMinFee(t *testing.T) {
	pub, priv := testKeyPair(t)
	tx := &Transaction{
		ModuleID:        2,
		SenderPublicKey: pub,
		Fee:             1,
	}
	require.NoError(t, tx.Sign(priv))

	min := MinFee(tx, 10, 100)
	assert.Equal(t, uint64(tx.Size())*10+100, min)
}

func TestFeePerByte(t *testing.T) {
	pub, priv := testKeyPair(t)
	tx := &Transaction{
		ModuleID:        2,
		Fee:             100000,
		SenderPublicKey: pub,
	}
	require.NoError(t, tx.Sign(priv))

	assert.Equal(t, tx.Fee/uint64(tx.Size()), tx.FeePerByte())

	// Uninitialized transaction has no size
	raw := &Transaction{Fee: 10}
	assert.Zero(t, raw.FeePerByte())
}
