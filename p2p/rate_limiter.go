package p2p

import (
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// RateLimits defines per-stream message rates and an overall byte rate.
type RateLimits struct {
	// MessagesPerSecond limits by stream name.
	MessagesPerSecond map[string]float64

	// BytesPerSecond caps overall bandwidth per peer (0 = unlimited).
	BytesPerSecond int64

	// BurstSize is how many messages a peer may send in a burst.
	BurstSize int
}

// DefaultRateLimits returns the node's default limits. Announcement
// traffic over the limit is dropped rather than fetched.
func DefaultRateLimits() RateLimits {
	return RateLimits{
		MessagesPerSecond: map[string]float64{
			StreamHandshake:    1,
			StreamPEX:          0.5,
			StreamTransactions: 100,
			StreamBlocks:       10,
			StreamSync:         10,
		},
		BytesPerSecond: 10 * 1024 * 1024,
		BurstSize:      10,
	}
}

type peerLimiter struct {
	mu sync.Mutex

	buckets    map[string]*tokenBucket
	byteBucket *tokenBucket

	lastActivity time.Time
}

type tokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	maxTokens := float64(burst)
	if maxTokens < 1 {
		maxTokens = 1
	}
	return &tokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: rate,
		lastRefill: time.Now(),
	}
}

func (b *tokenBucket) allow(n float64) bool {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now

	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	if b.tokens >= n {
		b.tokens -= n
		return true
	}
	return false
}

// RateLimiter applies per-peer token-bucket limits.
type RateLimiter struct {
	mu sync.RWMutex

	peers  map[peer.ID]*peerLimiter
	limits RateLimits

	cleanupInterval time.Duration
	peerIdleTimeout time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// RateLimiterConfig configures the limiter.
type RateLimiterConfig struct {
	Limits          RateLimits
	CleanupInterval time.Duration
	PeerIdleTimeout time.Duration
}

// NewRateLimiter creates a limiter and starts its cleanup loop.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	limits := cfg.Limits
	if limits.MessagesPerSecond == nil {
		limits = DefaultRateLimits()
	}
	cleanupInterval := cfg.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	peerIdleTimeout := cfg.PeerIdleTimeout
	if peerIdleTimeout <= 0 {
		peerIdleTimeout = 30 * time.Minute
	}

	rl := &RateLimiter{
		peers:           make(map[peer.ID]*peerLimiter),
		limits:          limits,
		cleanupInterval: cleanupInterval,
		peerIdleTimeout: peerIdleTimeout,
		stopCh:          make(chan struct{}),
	}
	rl.wg.Add(1)
	go rl.cleanupLoop()
	return rl
}

func (rl *RateLimiter) cleanupLoop() {
	defer rl.wg.Done()

	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.cleanupIdlePeers()
		}
	}
}

func (rl *RateLimiter) cleanupIdlePeers() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for peerID, limiter := range rl.peers {
		limiter.mu.Lock()
		if now.Sub(limiter.lastActivity) > rl.peerIdleTimeout {
			delete(rl.peers, peerID)
		}
		limiter.mu.Unlock()
	}
}

// Stop halts the cleanup loop.
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
	rl.wg.Wait()
}

// Allow reports whether one message of the given size is within limits.
func (rl *RateLimiter) Allow(peerID peer.ID, stream string, messageSize int) bool {
	return rl.AllowN(peerID, stream, 1, messageSize)
}

// AllowN reports whether n messages totalling totalSize bytes are
// within limits.
func (rl *RateLimiter) AllowN(peerID peer.ID, stream string, n int, totalSize int) bool {
	limiter := rl.getOrCreateLimiter(peerID)

	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	limiter.lastActivity = time.Now()

	if bucket, exists := limiter.buckets[stream]; exists {
		if !bucket.allow(float64(n)) {
			return false
		}
	}
	if limiter.byteBucket != nil && totalSize > 0 {
		if !limiter.byteBucket.allow(float64(totalSize)) {
			return false
		}
	}
	return true
}

func (rl *RateLimiter) getOrCreateLimiter(peerID peer.ID) *peerLimiter {
	rl.mu.RLock()
	limiter, exists := rl.peers[peerID]
	rl.mu.RUnlock()
	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if limiter, exists = rl.peers[peerID]; exists {
		return limiter
	}

	limiter = &peerLimiter{
		buckets:      make(map[string]*tokenBucket),
		lastActivity: time.Now(),
	}
	for stream, rate := range rl.limits.MessagesPerSecond {
		limiter.buckets[stream] = newTokenBucket(rate, rl.limits.BurstSize)
	}
	if rl.limits.BytesPerSecond > 0 {
		limiter.byteBucket = newTokenBucket(float64(rl.limits.BytesPerSecond), int(rl.limits.BytesPerSecond))
	}
	rl.peers[peerID] = limiter
	return limiter
}

// RemovePeer drops a peer's limiter state.
func (rl *RateLimiter) RemovePeer(peerID peer.ID) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.peers, peerID)
}

// PeerCount returns the number of tracked peers.
func (rl *RateLimiter) PeerCount() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.peers)
}
