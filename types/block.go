package types

import (
	"crypto/ed25519"
	"fmt"

	"github.com/blockberries/cramberry/pkg/cramberry"
)

// BlockAsset carries the consensus metadata every generator declares in
// its header. The fields feed the finality ledger.
type BlockAsset struct {
	// MaxHeightPreviouslyForged is the largest height the generator has
	// forged at before this block.
	MaxHeightPreviouslyForged uint64 `cramberry:"1"`

	// MaxHeightPrevoted is the height the generator asserts as prevoted.
	MaxHeightPrevoted uint64 `cramberry:"2"`

	// SeedReveal is the next hash-onion layer revealed by the generator.
	SeedReveal []byte `cramberry:"3"`
}

// BlockHeader is the signed portion of a block. Field order and numeric
// tags are part of the consensus contract: the encoding must be
// bit-identical across implementations.
type BlockHeader struct {
	Version            uint32     `cramberry:"1"`
	Height             Height     `cramberry:"2"`
	Timestamp          uint32     `cramberry:"3"`
	PreviousBlockID    Hash       `cramberry:"4"`
	GeneratorPublicKey []byte     `cramberry:"5"`
	TransactionRoot    Hash       `cramberry:"6"`
	Asset              BlockAsset `cramberry:"7"`
	Signature          []byte     `cramberry:"8"`

	// id caches the header hash. Filled by Init; never serialized.
	id Hash
}

// Block is a header plus an ordered transaction payload.
type Block struct {
	Header  BlockHeader    `cramberry:"1"`
	Payload []*Transaction `cramberry:"2"`
}

// CurrentBlockVersion is the header version produced by this node.
const CurrentBlockVersion uint32 = 2

// SignatureSize is the length of an ed25519 block signature.
const SignatureSize = ed25519.SignatureSize

// Bytes returns the canonical encoding of the full header.
func (h *BlockHeader) Bytes() ([]byte, error) {
	data, err := cramberry.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encoding header: %w", err)
	}
	return data, nil
}

// SigningBytes returns the canonical encoding of the header with the
// signature field empty. This is what the generator signs.
func (h *BlockHeader) SigningBytes() ([]byte, error) {
	unsigned := *h
	unsigned.Signature = nil
	data, err := cramberry.Marshal(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("encoding unsigned header: %w", err)
	}
	return data, nil
}

// Init computes and caches the block id from the encoded header.
// Must be called after decoding or signing and before ID is used.
func (h *BlockHeader) Init() error {
	data, err := h.Bytes()
	if err != nil {
		return err
	}
	h.id = HashBytes(data)
	return nil
}

// ID returns the cached block id. Returns nil if Init was never called.
func (h *BlockHeader) ID() Hash {
	return h.id
}

// Sign fills the signature over SigningBytes and recomputes the id.
func (h *BlockHeader) Sign(privateKey ed25519.PrivateKey) error {
	signing, err := h.SigningBytes()
	if err != nil {
		return err
	}
	h.Signature = ed25519.Sign(privateKey, signing)
	return h.Init()
}

// VerifySignature checks the header signature under GeneratorPublicKey.
func (h *BlockHeader) VerifySignature() error {
	if len(h.GeneratorPublicKey) != ed25519.PublicKeySize {
		return WrapValidationError(ErrInvalidSignature, "generatorPublicKey")
	}
	if len(h.Signature) != SignatureSize {
		return WrapValidationError(ErrInvalidSignature, "signature")
	}
	signing, err := h.SigningBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(h.GeneratorPublicKey), signing, h.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

// GeneratorAddress derives the forger's account address.
func (h *BlockHeader) GeneratorAddress() Address {
	return AddressFromPublicKey(h.GeneratorPublicKey)
}

// IsGenesis reports whether this header is a genesis header.
func (h *BlockHeader) IsGenesis() bool {
	return h.Height == 0 && len(h.PreviousBlockID) == 0
}

// Encode returns the canonical encoding of the full block.
func (b *Block) Encode() ([]byte, error) {
	data, err := cramberry.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encoding block: %w", err)
	}
	return data, nil
}

// DecodeBlock decodes a block from its canonical encoding and initializes
// the header and transaction ids.
func DecodeBlock(data []byte) (*Block, error) {
	var b Block
	if err := cramberry.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decoding block: %w", ErrInvalidBlock)
	}
	if err := b.Header.Init(); err != nil {
		return nil, err
	}
	for _, tx := range b.Payload {
		if err := tx.Init(); err != nil {
			return nil, err
		}
	}
	return &b, nil
}

// PayloadSize returns the total encoded size of the payload in bytes.
func (b *Block) PayloadSize() int {
	size := 0
	for _, tx := range b.Payload {
		size += tx.Size()
	}
	return size
}

// String returns a short description for logging.
func (b *Block) String() string {
	return fmt.Sprintf("block{height=%d id=%s txs=%d}", b.Header.Height, b.Header.ID(), len(b.Payload))
}
