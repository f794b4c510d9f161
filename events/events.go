// Package events provides the in-process pub/sub bus that connects the
// block processor, synchronizer, forger, pool and RPC event feed.
package events

import (
	"time"

	"github.com/Demosthene27/valois-sdk/types"
)

// Kind identifies an event category on the bus.
type Kind string

// Event kinds published by the node core.
const (
	// KindNewBlock fires after a block is committed to the canonical chain.
	KindNewBlock Kind = "NewBlock"

	// KindDeleteBlock fires after a block is reverted from the tip.
	KindDeleteBlock Kind = "DeleteBlock"

	// KindValidatorsChanged fires when the active validator set rotates.
	KindValidatorsChanged Kind = "ValidatorsChanged"

	// KindBlockFinalized fires when the finalized height advances.
	KindBlockFinalized Kind = "BlockFinalized"

	// KindSyncRequired fires when a received block implies the local chain
	// is behind and a sync mechanism should take over.
	KindSyncRequired Kind = "SyncRequired"

	// KindBroadcastBlock asks the network layer to announce a block.
	KindBroadcastBlock Kind = "BroadcastBlock"

	// KindTransactionRemoved fires when the pool drops a transaction.
	KindTransactionRemoved Kind = "TransactionRemoved"

	// KindPeerConnected and KindPeerDisconnected track connection churn.
	KindPeerConnected    Kind = "PeerConnected"
	KindPeerDisconnected Kind = "PeerDisconnected"
)

// Event is a single bus message. Data holds one of the typed payloads below.
type Event struct {
	Kind Kind
	Time time.Time
	Data any
}

// NewBlockData accompanies KindNewBlock.
type NewBlockData struct {
	Block  *types.Block
	Origin types.BlockOrigin
}

// DeleteBlockData accompanies KindDeleteBlock. The block has already been
// removed from the store; its transactions should return to the pool.
type DeleteBlockData struct {
	Block *types.Block
}

// ValidatorsChangedData accompanies KindValidatorsChanged.
type ValidatorsChangedData struct {
	Set   *types.ValidatorSet
	Round uint64
}

// BlockFinalizedData accompanies KindBlockFinalized.
type BlockFinalizedData struct {
	Height types.Height
}

// SyncRequiredData accompanies KindSyncRequired. Block is the out-of-order
// block that triggered the decision, PeerID the peer that sent it.
type SyncRequiredData struct {
	Block  *types.Block
	PeerID types.PeerID
}

// BroadcastBlockData accompanies KindBroadcastBlock.
type BroadcastBlockData struct {
	Block *types.Block
}

// TransactionRemovedData accompanies KindTransactionRemoved.
type TransactionRemovedData struct {
	TxID   types.Hash
	Reason string
}

// PeerData accompanies KindPeerConnected and KindPeerDisconnected.
type PeerData struct {
	PeerID   types.PeerID
	Outbound bool
}

// NewBlock builds a KindNewBlock event.
func NewBlock(block *types.Block, origin types.BlockOrigin) Event {
	return Event{Kind: KindNewBlock, Time: time.Now(), Data: NewBlockData{Block: block, Origin: origin}}
}

// DeleteBlock builds a KindDeleteBlock event.
func DeleteBlock(block *types.Block) Event {
	return Event{Kind: KindDeleteBlock, Time: time.Now(), Data: DeleteBlockData{Block: block}}
}

// ValidatorsChanged builds a KindValidatorsChanged event.
func ValidatorsChanged(set *types.ValidatorSet, round uint64) Event {
	return Event{Kind: KindValidatorsChanged, Time: time.Now(), Data: ValidatorsChangedData{Set: set, Round: round}}
}

// BlockFinalized builds a KindBlockFinalized event.
func BlockFinalized(height types.Height) Event {
	return Event{Kind: KindBlockFinalized, Time: time.Now(), Data: BlockFinalizedData{Height: height}}
}

// SyncRequired builds a KindSyncRequired event.
func SyncRequired(block *types.Block, peerID types.PeerID) Event {
	return Event{Kind: KindSyncRequired, Time: time.Now(), Data: SyncRequiredData{Block: block, PeerID: peerID}}
}

// BroadcastBlock builds a KindBroadcastBlock event.
func BroadcastBlock(block *types.Block) Event {
	return Event{Kind: KindBroadcastBlock, Time: time.Now(), Data: BroadcastBlockData{Block: block}}
}

// TransactionRemoved builds a KindTransactionRemoved event.
func TransactionRemoved(txID types.Hash, reason string) Event {
	return Event{Kind: KindTransactionRemoved, Time: time.Now(), Data: TransactionRemovedData{TxID: txID, Reason: reason}}
}

// PeerConnected builds a KindPeerConnected event.
func PeerConnected(peerID types.PeerID, outbound bool) Event {
	return Event{Kind: KindPeerConnected, Time: time.Now(), Data: PeerData{PeerID: peerID, Outbound: outbound}}
}

// PeerDisconnected builds a KindPeerDisconnected event.
func PeerDisconnected(peerID types.PeerID) Event {
	return Event{Kind: KindPeerDisconnected, Time: time.Now(), Data: PeerData{PeerID: peerID}}
}

// Query filters events for subscription matching.
type Query interface {
	// Matches returns true if the event should be delivered to this subscriber.
	Matches(event Event) bool

	// String returns a stable representation used to key subscriptions.
	String() string
}

// QueryAll matches every event.
type QueryAll struct{}

func (QueryAll) Matches(Event) bool { return true }
func (QueryAll) String() string     { return "all" }

// QueryKind matches events of a single kind.
type QueryKind struct {
	Kind Kind
}

func (q QueryKind) Matches(event Event) bool { return event.Kind == q.Kind }
func (q QueryKind) String() string           { return "kind=" + string(q.Kind) }

// QueryKinds matches events of any of the listed kinds.
type QueryKinds struct {
	Kinds []Kind
}

func (q QueryKinds) Matches(event Event) bool {
	for _, k := range q.Kinds {
		if event.Kind == k {
			return true
		}
	}
	return false
}

func (q QueryKinds) String() string {
	s := "kinds=["
	for i, k := range q.Kinds {
		if i > 0 {
			s += ","
		}
		s += string(k)
	}
	return s + "]"
}
