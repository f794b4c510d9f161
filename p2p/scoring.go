package p2p

import (
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Penalty thresholds and decay.
const (
	// PenaltyThresholdBan is the balance at which a peer is banned.
	PenaltyThresholdBan = 100

	// PenaltyDecayRate is how many points decay per hour.
	PenaltyDecayRate = 1

	// BanDurationBase is the first ban duration; repeat offenders double
	// it up to BanDurationMax.
	BanDurationBase = 1 * time.Hour
	BanDurationMax  = 24 * time.Hour
)

// Penalty point values. A malformed payload or an irrecoverable fork
// reaches the ban threshold in one strike.
const (
	PenaltyMalformed       = 100
	PenaltyInvalidBlock    = 20
	PenaltyInvalidTx       = 5
	PenaltyStaleBlock      = 10
	PenaltyNoCommonBlock   = 10
	PenaltyIrrecoverable   = 100
	PenaltyTimeout         = 2
	PenaltyUnsolicited     = 5
	PenaltyChainMismatch   = 100
	PenaltyVersionMismatch = 100
)

// PenaltyReason labels why a penalty was applied.
type PenaltyReason string

const (
	ReasonMalformed       PenaltyReason = "malformed_message"
	ReasonInvalidBlock    PenaltyReason = "invalid_block"
	ReasonInvalidTx       PenaltyReason = "invalid_tx"
	ReasonStaleBlock      PenaltyReason = "stale_block"
	ReasonNoCommonBlock   PenaltyReason = "no_common_block"
	ReasonIrrecoverable   PenaltyReason = "irrecoverable_fork"
	ReasonTimeout         PenaltyReason = "timeout"
	ReasonUnsolicited     PenaltyReason = "unsolicited_response"
	ReasonChainMismatch   PenaltyReason = "chain_mismatch"
	ReasonVersionMismatch PenaltyReason = "version_mismatch"
)

// PenaltyEvent records one applied penalty.
type PenaltyEvent struct {
	PeerID    peer.ID
	Points    int64
	Reason    PenaltyReason
	Message   string
	Timestamp time.Time
}

// PeerScorer keeps the penalty ledger and ban history.
type PeerScorer struct {
	peerManager *PeerManager

	banCounts map[peer.ID]int

	events     []PenaltyEvent
	maxEvents  int
	eventsLock sync.Mutex

	mu sync.RWMutex
}

// NewPeerScorer creates a scorer over the given peer manager.
func NewPeerScorer(pm *PeerManager) *PeerScorer {
	return &PeerScorer{
		peerManager: pm,
		banCounts:   make(map[peer.ID]int),
		events:      make([]PenaltyEvent, 0),
		maxEvents:   1000,
	}
}

// AddPenalty charges points to a peer and records the event. Unknown
// peers are ignored.
func (ps *PeerScorer) AddPenalty(peerID peer.ID, points int64, reason PenaltyReason, message string) {
	state := ps.peerManager.GetPeer(peerID)
	if state == nil {
		return
	}
	state.AddPenalty(points)

	ps.logEvent(PenaltyEvent{
		PeerID:    peerID,
		Points:    points,
		Reason:    reason,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// PenaltyPoints returns a peer's current balance.
func (ps *PeerScorer) PenaltyPoints(peerID peer.ID) int64 {
	state := ps.peerManager.GetPeer(peerID)
	if state == nil {
		return 0
	}
	return state.PenaltyPoints()
}

// ShouldBan reports whether the peer crossed the ban threshold.
func (ps *PeerScorer) ShouldBan(peerID peer.ID) bool {
	return ps.PenaltyPoints(peerID) >= PenaltyThresholdBan
}

// GetBanDuration returns the escalating ban duration for a peer.
func (ps *PeerScorer) GetBanDuration(peerID peer.ID) time.Duration {
	ps.mu.RLock()
	banCount := ps.banCounts[peerID]
	ps.mu.RUnlock()

	shift := max(0, min(banCount, 5))
	duration := BanDurationBase * time.Duration(1<<shift)
	if duration > BanDurationMax {
		duration = BanDurationMax
	}
	return duration
}

// RecordBan bumps the peer's ban count for future escalation.
func (ps *PeerScorer) RecordBan(peerID peer.ID) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.banCounts[peerID]++
}

// ResetBanCount clears a peer's ban history.
func (ps *PeerScorer) ResetBanCount(peerID peer.ID) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	delete(ps.banCounts, peerID)
}

// DecayPenalties reduces every peer's balance by the given points.
func (ps *PeerScorer) DecayPenalties(points int64) {
	for _, state := range ps.peerManager.AllPeers() {
		state.DecayPenalty(points)
	}
}

// StartDecayLoop decays penalties hourly until stop is closed.
func (ps *PeerScorer) StartDecayLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(1 * time.Hour)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ps.DecayPenalties(PenaltyDecayRate)
			case <-stop:
				return
			}
		}
	}()
}

func (ps *PeerScorer) logEvent(event PenaltyEvent) {
	ps.eventsLock.Lock()
	defer ps.eventsLock.Unlock()

	ps.events = append(ps.events, event)
	if len(ps.events) > ps.maxEvents {
		ps.events = ps.events[len(ps.events)-ps.maxEvents:]
	}
}

// RecentEvents returns up to count most recent penalty events.
func (ps *PeerScorer) RecentEvents(count int) []PenaltyEvent {
	ps.eventsLock.Lock()
	defer ps.eventsLock.Unlock()

	if count > len(ps.events) {
		count = len(ps.events)
	}
	result := make([]PenaltyEvent, count)
	copy(result, ps.events[len(ps.events)-count:])
	return result
}

// PeerEventsCount returns how many penalty events a peer accumulated.
func (ps *PeerScorer) PeerEventsCount(peerID peer.ID) int {
	ps.eventsLock.Lock()
	defer ps.eventsLock.Unlock()

	count := 0
	for _, event := range ps.events {
		if event.PeerID == peerID {
			count++
		}
	}
	return count
}
