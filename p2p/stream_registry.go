package p2p

import (
	"errors"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Stream registry errors.
var (
	ErrStreamAlreadyRegistered = errors.New("stream already registered")
	ErrStreamNotFound          = errors.New("stream not found")
	ErrStreamHandlerNotSet     = errors.New("stream handler not set")
	ErrInvalidStreamConfig     = errors.New("invalid stream configuration")
	ErrStreamInUse             = errors.New("stream is in use and cannot be unregistered")
)

// StreamConfig describes one protocol stream.
type StreamConfig struct {
	// Name is the unique stream identifier.
	Name string

	// Encrypted streams are negotiated during the handshake; only the
	// handshake stream itself runs in the clear.
	Encrypted bool

	// RateLimit is the maximum messages per second (0 = unlimited).
	RateLimit int

	// MaxMessageSize is the maximum message size in bytes (0 = default).
	MaxMessageSize int

	// Owner names the reactor that registered the stream.
	Owner string
}

// Validate checks the stream configuration.
func (c *StreamConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidStreamConfig)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("%w: rate limit cannot be negative", ErrInvalidStreamConfig)
	}
	if c.MaxMessageSize < 0 {
		return fmt.Errorf("%w: max message size cannot be negative", ErrInvalidStreamConfig)
	}
	return nil
}

// StreamHandler processes one message received on a stream.
type StreamHandler func(peerID peer.ID, data []byte) error

// StreamRegistry manages stream registration and handler dispatch.
type StreamRegistry interface {
	// Register adds a stream configuration.
	Register(cfg StreamConfig) error

	// Unregister removes a stream. Streams with an active handler
	// return ErrStreamInUse.
	Unregister(name string) error

	// Get returns a copy of the configuration, or nil when unknown.
	Get(name string) *StreamConfig

	// All returns copies of every registered configuration.
	All() []StreamConfig

	// Names returns all registered stream names.
	Names() []string

	// Has reports whether the stream is registered.
	Has(name string) bool

	// RegisterHandler sets the message handler for a stream. A nil
	// handler clears it.
	RegisterHandler(name string, handler StreamHandler) error

	// GetHandler returns the handler, or nil when none is set.
	GetHandler(name string) StreamHandler

	// ByOwner returns the configurations registered by one owner.
	ByOwner(owner string) []StreamConfig

	// UnregisterByOwner removes an owner's handler-free streams and
	// returns how many were removed.
	UnregisterByOwner(owner string) int
}

type streamEntry struct {
	config  StreamConfig
	handler StreamHandler
}

// InMemoryStreamRegistry is the thread-safe StreamRegistry used by the
// node.
type InMemoryStreamRegistry struct {
	streams map[string]*streamEntry
	mu      sync.RWMutex
}

// NewStreamRegistry creates an empty registry.
func NewStreamRegistry() *InMemoryStreamRegistry {
	return &InMemoryStreamRegistry{
		streams: make(map[string]*streamEntry),
	}
}

// Register implements StreamRegistry.
func (r *InMemoryStreamRegistry) Register(cfg StreamConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.streams[cfg.Name]; exists {
		return fmt.Errorf("%w: %s", ErrStreamAlreadyRegistered, cfg.Name)
	}
	r.streams[cfg.Name] = &streamEntry{config: cfg}
	return nil
}

// Unregister implements StreamRegistry.
func (r *InMemoryStreamRegistry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.streams[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrStreamNotFound, name)
	}
	if entry.handler != nil {
		return fmt.Errorf("%w: %s has an active handler", ErrStreamInUse, name)
	}
	delete(r.streams, name)
	return nil
}

// Get implements StreamRegistry.
func (r *InMemoryStreamRegistry) Get(name string) *StreamConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry, exists := r.streams[name]; exists {
		cfg := entry.config
		return &cfg
	}
	return nil
}

// All implements StreamRegistry.
func (r *InMemoryStreamRegistry) All() []StreamConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	configs := make([]StreamConfig, 0, len(r.streams))
	for _, entry := range r.streams {
		configs = append(configs, entry.config)
	}
	return configs
}

// Names implements StreamRegistry.
func (r *InMemoryStreamRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.streams))
	for name := range r.streams {
		names = append(names, name)
	}
	return names
}

// Has implements StreamRegistry.
func (r *InMemoryStreamRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.streams[name]
	return exists
}

// RegisterHandler implements StreamRegistry.
func (r *InMemoryStreamRegistry) RegisterHandler(name string, handler StreamHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.streams[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrStreamNotFound, name)
	}
	entry.handler = handler
	return nil
}

// GetHandler implements StreamRegistry.
func (r *InMemoryStreamRegistry) GetHandler(name string) StreamHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry, exists := r.streams[name]; exists {
		return entry.handler
	}
	return nil
}

// ByOwner implements StreamRegistry.
func (r *InMemoryStreamRegistry) ByOwner(owner string) []StreamConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	configs := make([]StreamConfig, 0)
	for _, entry := range r.streams {
		if entry.config.Owner == owner {
			configs = append(configs, entry.config)
		}
	}
	return configs
}

// UnregisterByOwner implements StreamRegistry.
func (r *InMemoryStreamRegistry) UnregisterByOwner(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var count int
	for name, entry := range r.streams {
		if entry.config.Owner == owner && entry.handler == nil {
			delete(r.streams, name)
			count++
		}
	}
	return count
}

// Count returns the number of registered streams.
func (r *InMemoryStreamRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}

var _ StreamRegistry = (*InMemoryStreamRegistry)(nil)

// RegisterBuiltinStreams registers the node's protocol streams.
func RegisterBuiltinStreams(registry StreamRegistry) error {
	builtinStreams := []StreamConfig{
		{Name: StreamPEX, Encrypted: true, Owner: "pex", RateLimit: 1, MaxMessageSize: 1024 * 1024},
		{Name: StreamTransactions, Encrypted: true, Owner: "transactions", RateLimit: 100, MaxMessageSize: 10 * 1024 * 1024},
		{Name: StreamBlocks, Encrypted: true, Owner: "blocks", RateLimit: 10, MaxMessageSize: 10 * 1024 * 1024},
		{Name: StreamSync, Encrypted: true, Owner: "sync", RateLimit: 10, MaxMessageSize: 50 * 1024 * 1024},
	}

	for _, cfg := range builtinStreams {
		if err := registry.Register(cfg); err != nil {
			return fmt.Errorf("registering built-in stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}
