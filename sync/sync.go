// Package sync recovers a node that has fallen behind or onto a minority
// fork. Mechanisms are tried in registration order and at most one runs
// at a time; while a mechanism is active the rest of the node treats the
// chain tip as unstable.
package sync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/Demosthene27/valois-sdk/events"
	"github.com/Demosthene27/valois-sdk/logging"
	"github.com/Demosthene27/valois-sdk/types"
)

// TipReport is a peer's view of its own chain tip.
type TipReport struct {
	PeerID            types.PeerID
	Height            types.Height
	TipID             types.Hash
	MaxHeightPrevoted types.Height
}

// Peers is the network surface a mechanism needs. The transport layer
// implements it on top of the request/response endpoints.
type Peers interface {
	// SampleTips asks up to n random peers for their current tip.
	SampleTips(ctx context.Context, n int) ([]TipReport, error)

	// HighestCommonBlock returns the highest header among ids that the
	// peer has in its chain, or nil when the peer shares none of them.
	HighestCommonBlock(ctx context.Context, peer types.PeerID, ids []types.Hash) (*types.BlockHeader, error)

	// BlocksFromID returns up to limit blocks following the given block id
	// on the peer's chain, in ascending height order.
	BlocksFromID(ctx context.Context, peer types.PeerID, from types.Hash, limit int) ([]*types.Block, error)

	// Penalize applies misbehaviour points to a peer.
	Penalize(peer types.PeerID, points int, reason string)
}

// Chain is the mutation surface a mechanism drives. The block processor
// implements it.
type Chain interface {
	TipHeight() types.Height
	ProcessValidated(block *types.Block) error
	DeleteLastBlock() (*types.Block, error)
}

// Finality exposes the finalized height mechanisms must never revert past.
type Finality interface {
	FinalizedHeight() types.Height
}

// Mechanism is a single recovery strategy.
type Mechanism interface {
	Name() string

	// IsValidFor reports whether the mechanism can handle the received
	// block given the current local chain.
	IsValidFor(block *types.Block, peer types.PeerID) (bool, error)

	// Run performs the recovery. It must leave the chain in a consistent
	// state even when it fails or the context is cancelled.
	Run(ctx context.Context, block *types.Block, peer types.PeerID) error
}

// Synchronizer selects and runs recovery mechanisms, one at a time.
type Synchronizer struct {
	mechanisms []Mechanism
	bus        *events.Bus
	logger     *logging.Logger

	active atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSynchronizer creates a synchronizer over the given mechanisms.
// Registration order is selection order.
func NewSynchronizer(bus *events.Bus, logger *logging.Logger, mechanisms ...Mechanism) *Synchronizer {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Synchronizer{
		mechanisms: mechanisms,
		bus:        bus,
		logger:     logger.WithComponent("sync"),
	}
}

// IsActive reports whether a mechanism is currently running.
func (s *Synchronizer) IsActive() bool {
	return s.active.Load()
}

// Sync picks the first applicable mechanism for the block and runs it.
// A second call while one is in flight returns ErrAlreadySyncing.
func (s *Synchronizer) Sync(ctx context.Context, block *types.Block, peer types.PeerID) error {
	if !s.active.CompareAndSwap(false, true) {
		return types.ErrAlreadySyncing
	}
	defer s.active.Store(false)

	for _, mechanism := range s.mechanisms {
		ok, err := mechanism.IsValidFor(block, peer)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		s.logger.Info("starting sync",
			logging.Component(mechanism.Name()),
			logging.Height(uint64(block.Header.Height)),
			logging.PeerIDStr(string(peer)))
		if err := mechanism.Run(ctx, block, peer); err != nil {
			s.logger.Warn("sync failed",
				logging.Component(mechanism.Name()),
				logging.Error(err))
			return err
		}
		s.logger.Info("sync finished", logging.Component(mechanism.Name()))
		return nil
	}
	return types.ErrNoSyncMechanism
}

// Start subscribes to sync-required events and dispatches them to Sync.
func (s *Synchronizer) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	ch, err := s.bus.Subscribe(ctx, "synchronizer", events.QueryKind{Kind: events.KindSyncRequired})
	if err != nil {
		cancel()
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-ch:
				if !ok {
					return
				}
				data, ok := event.Data.(events.SyncRequiredData)
				if !ok {
					continue
				}
				err := s.Sync(ctx, data.Block, data.PeerID)
				switch {
				case err == nil:
				case errors.Is(err, types.ErrAlreadySyncing):
					s.logger.Debug("sync request dropped, already syncing")
				default:
					s.logger.Warn("sync request failed", logging.Error(err))
				}
			}
		}
	}()
	return nil
}

// Stop cancels any running mechanism and waits for the event loop.
func (s *Synchronizer) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
