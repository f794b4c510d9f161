package p2p

import (
	"fmt"
	"sync"

	"github.com/blockberries/glueberry/pkg/streams"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Demosthene27/valois-sdk/types"
)

// StreamAdapter bridges the stream registry with the transport's
// incoming message channel.
type StreamAdapter struct {
	registry StreamRegistry
	mu       sync.RWMutex
}

// NewStreamAdapter creates an adapter over the given registry.
func NewStreamAdapter(registry StreamRegistry) *StreamAdapter {
	return &StreamAdapter{registry: registry}
}

// Registry returns the underlying registry.
func (a *StreamAdapter) Registry() StreamRegistry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.registry
}

// EncryptedStreamNames returns the names to negotiate during handshake.
func (a *StreamAdapter) EncryptedStreamNames() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	all := a.registry.All()
	names := make([]string, 0, len(all))
	for _, cfg := range all {
		if cfg.Encrypted {
			names = append(names, cfg.Name)
		}
	}
	return names
}

// RouteMessage dispatches one incoming message to its stream handler.
func (a *StreamAdapter) RouteMessage(msg streams.IncomingMessage) error {
	a.mu.RLock()
	handler := a.registry.GetHandler(msg.StreamName)
	streamExists := a.registry.Has(msg.StreamName)
	a.mu.RUnlock()

	if handler == nil {
		if streamExists {
			return fmt.Errorf("%w: %s", ErrStreamHandlerNotSet, msg.StreamName)
		}
		return fmt.Errorf("%w: %s", ErrStreamNotFound, msg.StreamName)
	}
	return handler(msg.PeerID, msg.Data)
}

// RegisterStream registers a stream configuration.
func (a *StreamAdapter) RegisterStream(cfg StreamConfig) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.registry.Register(cfg)
}

// UnregisterStream removes a stream.
func (a *StreamAdapter) UnregisterStream(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.registry.Unregister(name)
}

// SetHandler sets the message handler for a stream.
func (a *StreamAdapter) SetHandler(name string, handler StreamHandler) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.registry.RegisterHandler(name, handler)
}

// HasStream reports whether the stream is registered.
func (a *StreamAdapter) HasStream(name string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.registry.Has(name)
}

// GetStreamConfig returns the configuration for a stream.
func (a *StreamAdapter) GetStreamConfig(name string) *StreamConfig {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.registry.Get(name)
}

// StreamRouter routes incoming messages through size validation and the
// per-peer rate limiter before handler dispatch.
type StreamRouter struct {
	adapter     *StreamAdapter
	rateLimiter *RateLimiter
}

// NewStreamRouter creates a router. The rate limiter may be nil.
func NewStreamRouter(adapter *StreamAdapter, rateLimiter *RateLimiter) *StreamRouter {
	return &StreamRouter{
		adapter:     adapter,
		rateLimiter: rateLimiter,
	}
}

// Route validates and dispatches one incoming message.
func (r *StreamRouter) Route(msg streams.IncomingMessage) error {
	cfg := r.adapter.GetStreamConfig(msg.StreamName)
	if cfg != nil && cfg.MaxMessageSize > 0 && len(msg.Data) > cfg.MaxMessageSize {
		return fmt.Errorf("stream %s: %d bytes: %w",
			msg.StreamName, len(msg.Data), types.ErrMessageTooLarge)
	}
	if r.rateLimiter != nil && !r.rateLimiter.Allow(msg.PeerID, msg.StreamName, len(msg.Data)) {
		return fmt.Errorf("stream %s: rate limit exceeded", msg.StreamName)
	}
	return r.adapter.RouteMessage(msg)
}

// RouteWithPeer routes a message given its parts.
func (r *StreamRouter) RouteWithPeer(peerID peer.ID, streamName string, data []byte) error {
	return r.Route(streams.IncomingMessage{
		PeerID:     peerID,
		StreamName: streamName,
		Data:       data,
	})
}
