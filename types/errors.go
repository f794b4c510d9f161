package types

import (
	"errors"
	"fmt"
)

// WrapMessageError wraps an error with message context (stream name and message type).
func WrapMessageError(err error, stream string, msgType string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s/%s: %w", stream, msgType, err)
}

// WrapValidationError wraps a validation error with field context.
func WrapValidationError(err error, field string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("invalid %s: %w", field, err)
}

// Block-related errors.
var (
	// ErrBlockNotFound is returned when a block cannot be found.
	ErrBlockNotFound = errors.New("block not found")

	// ErrBlockAlreadyExists is returned when attempting to store a block that already exists.
	ErrBlockAlreadyExists = errors.New("block already exists")

	// ErrInvalidBlock is returned when a block fails static validation.
	ErrInvalidBlock = errors.New("invalid block")

	// ErrBlockVerification is returned when a block fails state-dependent verification.
	ErrBlockVerification = errors.New("block verification failed")

	// ErrInvalidBlockHeight is returned when a block height is not contiguous.
	ErrInvalidBlockHeight = errors.New("invalid block height")

	// ErrInvalidSignature is returned when a block or transaction signature is invalid.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrInvalidTransactionRoot is returned when the payload does not match the header root.
	ErrInvalidTransactionRoot = errors.New("transaction root mismatch")

	// ErrPayloadTooLarge is returned when a block payload exceeds maxPayloadLength.
	ErrPayloadTooLarge = errors.New("block payload too large")

	// ErrGenesisMismatch is returned when the stored genesis differs from the configured one.
	ErrGenesisMismatch = errors.New("genesis block mismatch")

	// ErrStaleBlock is returned for a duplicate or outdated block.
	ErrStaleBlock = errors.New("stale block")

	// ErrFutureBlock is returned when a header timestamp is ahead of local time.
	ErrFutureBlock = errors.New("block timestamp in the future")
)

// Fork-related errors.
var (
	// ErrForkDetected is returned when a received block does not extend the tip.
	// Recoverable: the synchronizer takes over.
	ErrForkDetected = errors.New("fork detected")

	// ErrIrrecoverableFork is returned when resolving a fork would require
	// deleting finalized blocks. The peer is penalized and disconnected.
	ErrIrrecoverableFork = errors.New("irrecoverable fork")

	// ErrFinalityViolation is returned on any attempt to regress the
	// finalized height. Process-fatal.
	ErrFinalityViolation = errors.New("finalized height regression")
)

// Transaction-related errors.
var (
	// ErrTxNotFound is returned when a transaction cannot be found.
	ErrTxNotFound = errors.New("transaction not found")

	// ErrTxAlreadyExists is returned when a transaction already exists in the pool.
	ErrTxAlreadyExists = errors.New("transaction already exists")

	// ErrTxIndexDisabled is returned by lookups that need the
	// transaction index when it is not configured.
	ErrTxIndexDisabled = errors.New("transaction index disabled")

	// ErrInvalidTx is returned when a transaction is invalid.
	ErrInvalidTx = errors.New("invalid transaction")

	// ErrTxTooLarge is returned when a transaction exceeds size limits.
	ErrTxTooLarge = errors.New("transaction too large")

	// ErrNonceTooLow is returned when a transaction nonce is below the account nonce.
	ErrNonceTooLow = errors.New("nonce too low")

	// ErrNonceGap is returned when applying a transaction whose nonce is not
	// the account's next nonce.
	ErrNonceGap = errors.New("nonce gap")

	// ErrFeeTooLow is returned when a transaction pays less than the protocol minimum.
	ErrFeeTooLow = errors.New("fee below minimum")

	// ErrUnknownModuleAsset is returned when no registered handler matches
	// a transaction's (moduleID, assetID) pair.
	ErrUnknownModuleAsset = errors.New("unknown module/asset pair")

	// ErrInsufficientBalance is returned when an account cannot cover fee plus amount.
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// Pool-related errors.
var (
	// ErrPoolFull is returned when the pool has reached capacity and the
	// candidate does not beat the cheapest resident transaction.
	ErrPoolFull = errors.New("transaction pool is full")

	// ErrSenderQuotaExceeded is returned when a sender already holds the
	// maximum number of pending transactions.
	ErrSenderQuotaExceeded = errors.New("sender transaction quota exceeded")

	// ErrReplacementUnderpriced is returned when a same-nonce replacement
	// does not pay the required fee bump.
	ErrReplacementUnderpriced = errors.New("replacement fee too low")

	// ErrPoolClosed is returned when operations are attempted on a stopped pool.
	ErrPoolClosed = errors.New("transaction pool is closed")
)

// Processor-related errors.
var (
	// ErrBusy is returned when a block apply is already in flight.
	ErrBusy = errors.New("processor busy")

	// ErrNoGenesis is returned when the store is empty and no genesis was supplied.
	ErrNoGenesis = errors.New("genesis block required")
)

// Forging-related errors.
var (
	// ErrDelegateNotFound is returned when no local delegate matches the address.
	ErrDelegateNotFound = errors.New("delegate not found")

	// ErrWrongPassword is returned when a delegate passphrase fails to decrypt.
	ErrWrongPassword = errors.New("invalid delegate password")

	// ErrOnionExhausted is returned when a delegate has consumed every hash-onion layer.
	ErrOnionExhausted = errors.New("hash onion exhausted")

	// ErrOnionLayerUsed is returned when forging would reuse a consumed onion layer.
	ErrOnionLayerUsed = errors.New("hash onion layer already used")

	// ErrNotForging is returned when an operation requires an unlocked delegate.
	ErrNotForging = errors.New("forging not enabled for delegate")

	// ErrKeyMismatch is returned when a decrypted forging key does not derive
	// the delegate's address.
	ErrKeyMismatch = errors.New("forging key does not match delegate address")
)

// Validator-related errors.
var (
	// ErrEmptyValidatorSet is returned when slot resolution runs against an empty set.
	ErrEmptyValidatorSet = errors.New("empty validator set")

	// ErrNotSlotOwner is returned when a block generator does not own the block's slot.
	ErrNotSlotOwner = errors.New("generator does not own slot")

	// ErrContradictingHeader is returned when a header declares
	// maxHeightPreviouslyForged at or above its own height.
	ErrContradictingHeader = errors.New("contradicting consensus header")

	// ErrHeaderMonotonicity is returned when a header regresses a
	// validator's declared forging history.
	ErrHeaderMonotonicity = errors.New("non-monotonic consensus header")
)

// Sync-related errors.
var (
	// ErrAlreadySyncing is returned when sync is already in progress.
	ErrAlreadySyncing = errors.New("already syncing")

	// ErrSyncFailed is returned when synchronization exhausts its retries.
	ErrSyncFailed = errors.New("sync failed")

	// ErrNoCommonBlock is returned when no common ancestor could be located.
	ErrNoCommonBlock = errors.New("no common block with peer")

	// ErrNoSyncMechanism is returned when no registered mechanism accepts the trigger.
	ErrNoSyncMechanism = errors.New("no sync mechanism applicable")

	// ErrSwitchTooFar is returned when a fast chain switch exceeds the
	// two-round distance bound.
	ErrSwitchTooFar = errors.New("chain switch distance exceeds bound")

	// ErrNonContiguousBlock is returned when received blocks are not contiguous.
	// This prevents gaps in the chain and detects misbehaving peers.
	ErrNonContiguousBlock = errors.New("non-contiguous block")

	// ErrInsufficientPeers is returned when too few peers agree on a network tip.
	ErrInsufficientPeers = errors.New("insufficient agreeing peers")
)

// Peer-related errors.
var (
	// ErrPeerNotFound is returned when a peer cannot be found.
	ErrPeerNotFound = errors.New("peer not found")

	// ErrPeerBlacklisted is returned when attempting to connect to a blacklisted peer.
	ErrPeerBlacklisted = errors.New("peer is blacklisted")

	// ErrChainIDMismatch is returned when a peer has a different chain ID.
	ErrChainIDMismatch = errors.New("chain ID mismatch")

	// ErrVersionMismatch is returned when a peer has an incompatible protocol version.
	ErrVersionMismatch = errors.New("protocol version mismatch")

	// ErrHandshakeFailed is returned when a peer rejects or aborts the handshake.
	ErrHandshakeFailed = errors.New("handshake failed")
)

// Message-related errors.
var (
	// ErrInvalidMessage is returned when a message is malformed or invalid.
	ErrInvalidMessage = errors.New("invalid message format")

	// ErrUnknownMessageType is returned when a message type is not recognized.
	ErrUnknownMessageType = errors.New("unknown message type")

	// ErrMessageTooLarge is returned when a message exceeds size limits.
	ErrMessageTooLarge = errors.New("message too large")
)

// Storage-related errors.
var (
	// ErrKeyNotFound is returned when a key cannot be found in the state store.
	ErrKeyNotFound = errors.New("key not found")

	// ErrStoreClosed is returned when operations are attempted on a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrCorruptJournal is returned when the undo journal cannot restore a
	// consistent state. Process-fatal.
	ErrCorruptJournal = errors.New("undo journal corrupt")

	// ErrInvalidProof is returned when a state proof fails verification.
	ErrInvalidProof = errors.New("invalid state proof")
)

// Node lifecycle errors.
var (
	// ErrNodeNotStarted is returned when operations are attempted before the node starts.
	ErrNodeNotStarted = errors.New("node not started")

	// ErrNodeAlreadyStarted is returned when attempting to start an already running node.
	ErrNodeAlreadyStarted = errors.New("node already started")

	// ErrNodeStopped is returned when operations are attempted after the node stops.
	ErrNodeStopped = errors.New("node stopped")
)
