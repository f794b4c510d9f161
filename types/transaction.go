package types

import (
	"crypto/ed25519"
	"fmt"

	"github.com/blockberries/cramberry/pkg/cramberry"
)

// Transaction is a signed state transition submitted by an account.
// Numeric tags are part of the consensus contract.
type Transaction struct {
	ModuleID        uint32   `cramberry:"1"`
	AssetID         uint32   `cramberry:"2"`
	Nonce           uint64   `cramberry:"3"`
	Fee             uint64   `cramberry:"4"`
	SenderPublicKey []byte   `cramberry:"5"`
	Asset           []byte   `cramberry:"6"`
	Signatures      [][]byte `cramberry:"7"`

	// Derived fields, filled by Init. Never serialized.
	id   Hash
	size int
}

// Bytes returns the canonical encoding of the full transaction.
func (tx *Transaction) Bytes() ([]byte, error) {
	data, err := cramberry.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("encoding transaction: %w", err)
	}
	return data, nil
}

// SigningBytes returns the canonical encoding with signatures empty.
func (tx *Transaction) SigningBytes() ([]byte, error) {
	unsigned := *tx
	unsigned.Signatures = nil
	data, err := cramberry.Marshal(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("encoding unsigned transaction: %w", err)
	}
	return data, nil
}

// Init computes and caches the transaction id and encoded size.
func (tx *Transaction) Init() error {
	data, err := tx.Bytes()
	if err != nil {
		return err
	}
	tx.id = HashBytes(data)
	tx.size = len(data)
	return nil
}

// ID returns the cached transaction id. Returns nil if Init was never
// called.
func (tx *Transaction) ID() Hash {
	return tx.id
}

// Size returns the cached encoded size in bytes.
func (tx *Transaction) Size() int {
	return tx.size
}

// SenderAddress derives the sender's account address.
func (tx *Transaction) SenderAddress() Address {
	return AddressFromPublicKey(tx.SenderPublicKey)
}

// FeePerByte returns the fee density used for pool prioritization.
func (tx *Transaction) FeePerByte() uint64 {
	if tx.size == 0 {
		return 0
	}
	return tx.Fee / uint64(tx.size)
}

// Sign fills the single-signature slot over SigningBytes and
// recomputes the id.
func (tx *Transaction) Sign(privateKey ed25519.PrivateKey) error {
	signing, err := tx.SigningBytes()
	if err != nil {
		return err
	}
	tx.Signatures = [][]byte{ed25519.Sign(privateKey, signing)}
	return tx.Init()
}

// VerifySignatures checks every signature under SenderPublicKey.
// Multisignature membership rules are enforced by the registered module;
// this only checks cryptographic validity.
func (tx *Transaction) VerifySignatures() error {
	if len(tx.SenderPublicKey) != ed25519.PublicKeySize {
		return WrapValidationError(ErrInvalidSignature, "senderPublicKey")
	}
	if len(tx.Signatures) == 0 {
		return WrapValidationError(ErrInvalidSignature, "signatures")
	}
	signing, err := tx.SigningBytes()
	if err != nil {
		return err
	}
	for _, sig := range tx.Signatures {
		if len(sig) == 0 {
			continue // empty slots are allowed in multisig layouts
		}
		if !ed25519.Verify(ed25519.PublicKey(tx.SenderPublicKey), signing, sig) {
			return ErrInvalidSignature
		}
	}
	return nil
}

// DecodeTransaction decodes a transaction and initializes its id.
func DecodeTransaction(data []byte) (*Transaction, error) {
	var tx Transaction
	if err := cramberry.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("decoding transaction: %w", ErrInvalidTx)
	}
	if err := tx.Init(); err != nil {
		return nil, err
	}
	return &tx, nil
}

// MinFee computes the protocol-minimum fee for a transaction of the
// given size: minFeePerByte * size + the module/asset base fee.
func MinFee(tx *Transaction, minFeePerByte uint64, baseFee uint64) uint64 {
	return minFeePerByte*uint64(tx.Size()) + baseFee
}

// String returns a short description for logging.
func (tx *Transaction) String() string {
	return fmt.Sprintf("tx{id=%s module=%d asset=%d nonce=%d}", tx.id, tx.ModuleID, tx.AssetID, tx.Nonce)
}
