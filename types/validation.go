package types

import (
	"fmt"
)

// Validation limits for input parameters.
const (
	// MaxBlocksPerChunk is the number of blocks served per sync request.
	MaxBlocksPerChunk = 34

	// MaxBatchSize is the maximum allowed batch size for block/tx requests.
	MaxBatchSize = 1000

	// MinBatchSize is the minimum allowed batch size.
	MinBatchSize = 1

	// MaxBlockHeight is the maximum allowed block height.
	// This is set to a practical limit for uint64 values used in arithmetic.
	MaxBlockHeight = 1<<62 - 1

	// MaxMessageSize is the maximum allowed message size in bytes (10 MB).
	MaxMessageSize = 10 * 1024 * 1024

	// MaxTransactionSize is the maximum allowed transaction size in bytes (1 MB).
	MaxTransactionSize = 1 * 1024 * 1024

	// MaxAddressesPerResponse is the maximum addresses in a PEX response.
	MaxAddressesPerResponse = 100

	// MaxTxIDsPerAnnouncement is the maximum transaction ids in one
	// gossip announcement.
	MaxTxIDsPerAnnouncement = 100
)

// ValidateHeight validates a block height.
func ValidateHeight(height Height) error {
	if uint64(height) > MaxBlockHeight {
		return fmt.Errorf("%w: %d exceeds maximum", ErrInvalidHeight, height)
	}
	return nil
}

// ErrInvalidHeight is returned when a block height is invalid.
var ErrInvalidHeight = ErrInvalidBlockHeight

// ClampBatchSize clamps a requested batch size into the allowed range.
func ClampBatchSize(n int) int {
	if n < MinBatchSize {
		return MinBatchSize
	}
	if n > MaxBatchSize {
		return MaxBatchSize
	}
	return n
}

// ValidateTransactionSize checks a transaction against the size cap.
func ValidateTransactionSize(tx *Transaction) error {
	if tx.Size() > MaxTransactionSize {
		return fmt.Errorf("%w: %d bytes", ErrTxTooLarge, tx.Size())
	}
	return nil
}
