package types

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyPair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return priv.Public().(ed25519.PublicKey), priv
}

func testHeader(t *testing.T, height Height, prev Hash) *BlockHeader {
	t.Helper()
	pub, _ := testKeyPair(t)
	return &BlockHeader{
		Version:            CurrentBlockVersion,
		Height:             height,
		Timestamp:          1000 + uint32(height)*10,
		PreviousBlockID:    prev,
		GeneratorPublicKey: pub,
		TransactionRoot:    EmptyHash(),
		Asset: BlockAsset{
			MaxHeightPreviouslyForged: uint64(height) - 1,
			MaxHeightPrevoted:         uint64(height) - 1,
		},
	}
}

func TestBlockHeaderSignAndVerify(t *testing.T) {
	_, priv := testKeyPair(t)
	header := testHeader(t, 5, HashBytes([]byte("parent")))

	require.NoError(t, header.Sign(priv))
	require.Len(t, header.Signature, SignatureSize)
	require.NotNil(t, header.ID())

	assert.NoError(t, header.VerifySignature())

	// Tampering invalidates the signature
	header.Height = 6
	assert.Error(t, header.VerifySignature())
}

func TestBlockHeaderIDStable(t *testing.T) {
	_, priv := testKeyPair(t)
	header := testHeader(t, 3, HashBytes([]byte("parent")))
	require.NoError(t, header.Sign(priv))

	id1 := header.ID()
	require.NoError(t, header.Init())
	id2 := header.ID()

	assert.True(t, id1.Equal(id2))
	assert.Len(t, id1, HashSize)
}

func TestBlockEncodeDecodeRoundTrip(t *testing.T) {
	pub, priv := testKeyPair(t)

	tx := &Transaction{
		ModuleID:        2,
		AssetID:         0,
		Nonce:           7,
		Fee:             1000,
		SenderPublicKey: pub,
		Asset:           []byte{0x01, 0x02},
	}
	require.NoError(t, tx.Sign(priv))

	block := &Block{
		Header:  *testHeader(t, 9, HashBytes([]byte("parent"))),
		Payload: []*Transaction{tx},
	}
	require.NoError(t, block.Header.Sign(priv))

	data, err := block.Encode()
	require.NoError(t, err)

	decoded, err := DecodeBlock(data)
	require.NoError(t, err)

	assert.Equal(t, block.Header.Height, decoded.Header.Height)
	assert.True(t, block.Header.ID().Equal(decoded.Header.ID()))
	require.Len(t, decoded.Payload, 1)
	assert.True(t, tx.ID().Equal(decoded.Payload[0].ID()))
}

func TestDecodeBlockRejectsGarbage(t *testing.T) {
	_, err := DecodeBlock([]byte{0xff, 0xfe, 0xfd})
	assert.ErrorIs(t, err, ErrInvalidBlock)
}

func TestIsGenesis(t *testing.T) {
	genesis := &BlockHeader{Height: 0}
	assert.True(t, genesis.IsGenesis())

	nonGenesis := &BlockHeader{Height: 1, PreviousBlockID: EmptyHash()}
	assert.False(t, nonGenesis.IsGenesis())
}
