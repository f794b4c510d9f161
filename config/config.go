// Package config loads and validates the node configuration from TOML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the main configuration for a valois node.
type Config struct {
	Node       NodeConfig       `toml:"node"`
	Genesis    GenesisConfig    `toml:"genesis"`
	Network    NetworkConfig    `toml:"network"`
	Forging    ForgingConfig    `toml:"forging"`
	Pool       PoolConfig       `toml:"pool"`
	Sync       SyncConfig       `toml:"sync"`
	PEX        PEXConfig        `toml:"pex"`
	BlockStore BlockStoreConfig `toml:"blockstore"`
	StateStore StateStoreConfig `toml:"statestore"`
	Indexer    IndexerConfig    `toml:"indexer"`
	RPC        RPCConfig        `toml:"rpc"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Tracing    TracingConfig    `toml:"tracing"`
	Logging    LoggingConfig    `toml:"logging"`
}

// NodeConfig contains node identity and chain configuration.
type NodeConfig struct {
	// ChainID is the unique identifier for the blockchain network.
	ChainID string `toml:"chain_id"`

	// NetworkVersion is the protocol version advertised in handshakes.
	NetworkVersion string `toml:"network_version"`

	// PrivateKeyPath is the path to the node's Ed25519 private key file.
	PrivateKeyPath string `toml:"private_key_path"`
}

// GenesisConfig contains the consensus parameters fixed at genesis.
type GenesisConfig struct {
	// BlockTime is the slot width.
	BlockTime Duration `toml:"block_time"`

	// ActiveValidators is the number of delegate slots per round.
	ActiveValidators int `toml:"active_validators"`

	// BFTThreshold must be positive and at most ActiveValidators
	// (typically 68 of 103). The finality manager does not read it: a
	// height is prevote-confirmed once 2N/3+1 of the N active validators
	// have prevoted it.
	BFTThreshold uint32 `toml:"bft_threshold"`

	// MaxPayloadLength is the block payload byte cap.
	MaxPayloadLength int `toml:"max_payload_length"`

	// MinFeePerByte is the protocol fee floor per transaction byte.
	MinFeePerByte uint64 `toml:"min_fee_per_byte"`

	// BaseFees are per-asset flat fee components.
	BaseFees []BaseFee `toml:"base_fees"`

	// Rewards is the per-block reward schedule.
	Rewards RewardsConfig `toml:"rewards"`
}

// BaseFee is the flat fee component for one transaction asset.
type BaseFee struct {
	ModuleID uint32 `toml:"module_id"`
	AssetID  uint32 `toml:"asset_id"`
	BaseFee  uint64 `toml:"base_fee"`
}

// RewardsConfig defines the block reward milestones. The reward at
// height h is Milestones[i] where i = (h - Offset) / Distance, clamped
// to the last milestone. Heights below Offset mint nothing.
type RewardsConfig struct {
	Milestones []uint64 `toml:"milestones"`
	Offset     uint64   `toml:"offset"`
	Distance   uint64   `toml:"distance"`
}

// NetworkConfig contains P2P networking configuration.
type NetworkConfig struct {
	// ListenAddrs are the multiaddrs to listen on for incoming connections.
	ListenAddrs []string `toml:"listen_addrs"`

	// MaxInboundPeers is the maximum number of inbound peer connections.
	MaxInboundPeers int `toml:"max_inbound_peers"`

	// MaxOutboundPeers is the maximum number of outbound peer connections.
	MaxOutboundPeers int `toml:"max_outbound_peers"`

	// HandshakeTimeout is the maximum time allowed to complete a handshake.
	HandshakeTimeout Duration `toml:"handshake_timeout"`

	// DialTimeout is the maximum time allowed for dialing a peer.
	DialTimeout Duration `toml:"dial_timeout"`

	// AddressBookPath is the path to persist the address book.
	AddressBookPath string `toml:"address_book_path"`

	// Seeds contains seed node configuration.
	Seeds SeedsConfig `toml:"seeds"`
}

// SeedsConfig contains seed node configuration.
type SeedsConfig struct {
	// Addrs are the multiaddrs of seed nodes for bootstrap.
	Addrs []string `toml:"addrs"`
}

// ForgingConfig controls local block production.
type ForgingConfig struct {
	// ForgeInterval is the scheduler tick period.
	ForgeInterval Duration `toml:"forge_interval"`

	// WaitThreshold is how long into a slot the forger waits for more
	// transactions before building a block. Must be below the block time.
	WaitThreshold Duration `toml:"wait_threshold"`

	// MinPoolTransactions is the payload floor the forger waits for
	// inside the wait threshold window.
	MinPoolTransactions int `toml:"min_pool_transactions"`

	// Force skips the wait heuristics. Test networks only.
	Force bool `toml:"force"`

	// DefaultPassword decrypts delegate passphrases at boot when set.
	DefaultPassword string `toml:"default_password"`

	// Delegates are the locally managed forging identities.
	Delegates []DelegateConfig `toml:"delegates"`
}

// DelegateConfig is one locally managed delegate.
type DelegateConfig struct {
	// Address is the hex-encoded delegate account address.
	Address string `toml:"address"`

	// EncryptedPassphrase holds the delegate signing passphrase,
	// encrypted under the forging password.
	EncryptedPassphrase string `toml:"encrypted_passphrase"`

	// HashOnion is the precomputed onion chain for this delegate.
	HashOnion HashOnionConfig `toml:"hash_onion"`
}

// HashOnionConfig describes a delegate's precomputed hash onion.
// Checkpoints stores every Distance-th layer (hex); intermediate layers
// are recomputed on demand.
type HashOnionConfig struct {
	Count       uint32   `toml:"count"`
	Distance    uint32   `toml:"distance"`
	Checkpoints []string `toml:"checkpoints"`
}

// PoolConfig contains transaction pool configuration.
type PoolConfig struct {
	// MaxTransactions is the global pool capacity.
	MaxTransactions int `toml:"max_transactions"`

	// MaxPerSender bounds pending transactions per sender.
	MaxPerSender int `toml:"max_per_sender"`

	// ReplaceFactor is the fee multiplier a same-nonce replacement
	// must pay over the resident transaction.
	ReplaceFactor float64 `toml:"replace_factor"`

	// ExpiryInterval is the maximum age of a pooled transaction.
	ExpiryInterval Duration `toml:"expiry_interval"`

	// SweepInterval is the period of the expiry sweep.
	SweepInterval Duration `toml:"sweep_interval"`
}

// SyncConfig contains synchronizer configuration.
type SyncConfig struct {
	// ChunkSize is the number of blocks requested per sync round trip.
	ChunkSize int `toml:"chunk_size"`

	// MaxChunkRetries bounds per-chunk retry attempts.
	MaxChunkRetries int `toml:"max_chunk_retries"`

	// RetryBackoff is the delay between chunk retries.
	RetryBackoff Duration `toml:"retry_backoff"`

	// MinAgreeingPeers is the minimum number of sampled peers that must
	// report the same network tip before block sync trusts it.
	MinAgreeingPeers int `toml:"min_agreeing_peers"`

	// SampleSize is how many peers to sample when picking a reference peer.
	SampleSize int `toml:"sample_size"`

	// RequestTimeout is the per-RPC deadline during sync.
	RequestTimeout Duration `toml:"request_timeout"`
}

// PEXConfig contains peer exchange configuration.
type PEXConfig struct {
	// Enabled determines whether peer exchange is active.
	Enabled bool `toml:"enabled"`

	// RequestInterval is the time between peer exchange requests.
	RequestInterval Duration `toml:"request_interval"`

	// MaxAddressesPerResponse is the maximum addresses to return in a PEX response.
	MaxAddressesPerResponse int `toml:"max_addresses_per_response"`
}

// BlockStoreConfig contains block storage configuration.
type BlockStoreConfig struct {
	// Backend is the storage backend to use ("leveldb" or "badgerdb").
	Backend string `toml:"backend"`

	// Path is the directory path for block storage.
	Path string `toml:"path"`

	// MaxTempBlocks bounds the temp region of superseded blocks.
	MaxTempBlocks int `toml:"max_temp_blocks"`
}

// StateStoreConfig contains state storage configuration.
type StateStoreConfig struct {
	// Path is the directory path for state storage.
	Path string `toml:"path"`

	// CacheSize is the IAVL node cache size.
	CacheSize int `toml:"cache_size"`
}

// IndexerConfig contains transaction index configuration.
type IndexerConfig struct {
	// Enabled determines whether committed transactions are indexed.
	Enabled bool `toml:"enabled"`

	// Path is the directory path for the transaction index.
	Path string `toml:"path"`
}

// RPCConfig contains the operator RPC surface configuration.
type RPCConfig struct {
	// Enabled determines whether the JSON-RPC server runs.
	Enabled bool `toml:"enabled"`

	// ListenAddr is the HTTP listen address (e.g., "127.0.0.1:7887").
	ListenAddr string `toml:"listen_addr"`

	// WSEnabled exposes the websocket event feed.
	WSEnabled bool `toml:"ws_enabled"`
}

// MetricsConfig contains metrics configuration.
type MetricsConfig struct {
	// Enabled determines whether metrics collection is active.
	Enabled bool `toml:"enabled"`

	// Namespace is the Prometheus metrics namespace prefix.
	Namespace string `toml:"namespace"`

	// ListenAddr is the address to serve metrics on (e.g., ":9090").
	ListenAddr string `toml:"listen_addr"`
}

// TracingConfig contains OpenTelemetry tracing configuration.
type TracingConfig struct {
	// Enabled determines whether tracing is active.
	Enabled bool `toml:"enabled"`

	// Exporter is one of "stdout", "otlp-http", "otlp-grpc", "zipkin".
	Exporter string `toml:"exporter"`

	// Endpoint is the collector endpoint for otlp/zipkin exporters.
	Endpoint string `toml:"endpoint"`

	// SampleRatio is the trace sampling ratio in [0, 1].
	SampleRatio float64 `toml:"sample_ratio"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level ("debug", "info", "warn", "error").
	Level string `toml:"level"`

	// Format is the log output format ("text" or "json").
	Format string `toml:"format"`

	// Output is the log output destination ("stdout", "stderr", or a file path).
	Output string `toml:"output"`
}

// Duration is a wrapper around time.Duration for TOML unmarshaling.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// MarshalText implements encoding.TextMarshaler for Duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			ChainID:        "valois-testnet-1",
			NetworkVersion: "2.0",
			PrivateKeyPath: "node_key.json",
		},
		Genesis: GenesisConfig{
			BlockTime:        Duration(10 * time.Second),
			ActiveValidators: 103,
			BFTThreshold:     68,
			MaxPayloadLength: 15 * 1024,
			MinFeePerByte:    1000,
			BaseFees:         []BaseFee{},
			Rewards: RewardsConfig{
				Milestones: []uint64{500000000, 400000000, 300000000, 200000000, 100000000},
				Offset:     2160,
				Distance:   3000000,
			},
		},
		Network: NetworkConfig{
			ListenAddrs:      []string{"/ip4/0.0.0.0/tcp/7667"},
			MaxInboundPeers:  40,
			MaxOutboundPeers: 20,
			HandshakeTimeout: Duration(30 * time.Second),
			DialTimeout:      Duration(3 * time.Second),
			AddressBookPath:  "addrbook.json",
			Seeds: SeedsConfig{
				Addrs: []string{},
			},
		},
		Forging: ForgingConfig{
			ForgeInterval:       Duration(1 * time.Second),
			WaitThreshold:       Duration(2 * time.Second),
			MinPoolTransactions: 0,
			Force:               false,
			Delegates:           []DelegateConfig{},
		},
		Pool: PoolConfig{
			MaxTransactions: 4096,
			MaxPerSender:    64,
			ReplaceFactor:   1.1,
			ExpiryInterval:  Duration(3 * time.Hour),
			SweepInterval:   Duration(60 * time.Second),
		},
		Sync: SyncConfig{
			ChunkSize:        34,
			MaxChunkRetries:  5,
			RetryBackoff:     Duration(2 * time.Second),
			MinAgreeingPeers: 3,
			SampleSize:       10,
			RequestTimeout:   Duration(10 * time.Second),
		},
		PEX: PEXConfig{
			Enabled:                 true,
			RequestInterval:         Duration(30 * time.Second),
			MaxAddressesPerResponse: 100,
		},
		BlockStore: BlockStoreConfig{
			Backend:       "leveldb",
			Path:          "data/blockstore",
			MaxTempBlocks: 500,
		},
		StateStore: StateStoreConfig{
			Path:      "data/state",
			CacheSize: 10000,
		},
		Indexer: IndexerConfig{
			Enabled: true,
			Path:    "data/txindex",
		},
		RPC: RPCConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:7887",
			WSEnabled:  true,
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			Namespace:  "valois",
			ListenAddr: ":9090",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    "stdout",
			SampleRatio: 1.0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// LoadConfig loads configuration from a TOML file.
// Missing values are filled with defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validation errors.
var (
	ErrEmptyChainID             = errors.New("chain_id cannot be empty")
	ErrEmptyNetworkVersion      = errors.New("network_version cannot be empty")
	ErrEmptyPrivateKeyPath      = errors.New("private_key_path cannot be empty")
	ErrInvalidBlockTime         = errors.New("block_time must be positive")
	ErrInvalidActiveValidators  = errors.New("active_validators must be positive")
	ErrInvalidBFTThreshold      = errors.New("bft_threshold must be positive and at most active_validators")
	ErrInvalidMaxPayloadLength  = errors.New("max_payload_length must be positive")
	ErrEmptyRewardMilestones    = errors.New("rewards milestones cannot be empty")
	ErrInvalidRewardDistance    = errors.New("rewards distance must be positive")
	ErrNoListenAddrs            = errors.New("at least one listen address is required")
	ErrInvalidMaxInboundPeers   = errors.New("max_inbound_peers must be non-negative")
	ErrInvalidMaxOutboundPeers  = errors.New("max_outbound_peers must be non-negative")
	ErrInvalidHandshakeTimeout  = errors.New("handshake_timeout must be positive")
	ErrInvalidDialTimeout       = errors.New("dial_timeout must be positive")
	ErrEmptyAddressBookPath     = errors.New("address_book_path cannot be empty")
	ErrInvalidForgeInterval     = errors.New("forge_interval must be positive")
	ErrInvalidWaitThreshold     = errors.New("wait_threshold must be positive and below block_time")
	ErrInvalidDelegateAddress   = errors.New("delegate address must be 40 hex characters")
	ErrInvalidOnionCount        = errors.New("hash_onion count must be positive")
	ErrInvalidOnionDistance     = errors.New("hash_onion distance must be positive and divide count")
	ErrInvalidMaxTransactions   = errors.New("max_transactions must be positive")
	ErrInvalidMaxPerSender      = errors.New("max_per_sender must be positive")
	ErrInvalidReplaceFactor     = errors.New("replace_factor must be greater than 1.0")
	ErrInvalidExpiryInterval    = errors.New("expiry_interval must be positive")
	ErrInvalidSweepInterval     = errors.New("sweep_interval must be positive")
	ErrInvalidChunkSize         = errors.New("chunk_size must be positive")
	ErrInvalidChunkRetries      = errors.New("max_chunk_retries must be positive")
	ErrInvalidRetryBackoff      = errors.New("retry_backoff must be positive")
	ErrInvalidMinAgreeingPeers  = errors.New("min_agreeing_peers must be positive")
	ErrInvalidSampleSize        = errors.New("sample_size must be at least min_agreeing_peers")
	ErrInvalidRequestTimeout    = errors.New("request_timeout must be positive")
	ErrInvalidRequestInterval   = errors.New("request_interval must be positive when pex is enabled")
	ErrInvalidMaxAddresses      = errors.New("max_addresses_per_response must be positive when pex is enabled")
	ErrInvalidBlockStoreBackend = errors.New("blockstore backend must be 'leveldb' or 'badgerdb'")
	ErrEmptyBlockStorePath      = errors.New("blockstore path cannot be empty")
	ErrInvalidMaxTempBlocks     = errors.New("max_temp_blocks must be positive")
	ErrEmptyStateStorePath      = errors.New("statestore path cannot be empty")
	ErrEmptyIndexerPath         = errors.New("indexer path cannot be empty when enabled")
	ErrInvalidStateCacheSize    = errors.New("statestore cache_size must be non-negative")
	ErrEmptyRPCListenAddr       = errors.New("rpc listen_addr cannot be empty when enabled")
	ErrEmptyMetricsNamespace    = errors.New("metrics namespace cannot be empty when enabled")
	ErrEmptyMetricsListenAddr   = errors.New("metrics listen_addr cannot be empty when enabled")
	ErrInvalidTracingExporter   = errors.New("tracing exporter must be one of: stdout, otlp-http, otlp-grpc, zipkin")
	ErrInvalidSampleRatio       = errors.New("tracing sample_ratio must be in [0, 1]")
	ErrInvalidLogLevel          = errors.New("log level must be one of: debug, info, warn, error")
	ErrInvalidLogFormat         = errors.New("log format must be 'text' or 'json'")
	ErrEmptyLogOutput           = errors.New("log output cannot be empty")
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := c.Node.Validate(); err != nil {
		return fmt.Errorf("node config: %w", err)
	}
	if err := c.Genesis.Validate(); err != nil {
		return fmt.Errorf("genesis config: %w", err)
	}
	if err := c.Network.Validate(); err != nil {
		return fmt.Errorf("network config: %w", err)
	}
	if err := c.Forging.Validate(); err != nil {
		return fmt.Errorf("forging config: %w", err)
	}
	// The forger must leave room in the slot to build and broadcast.
	if c.Forging.WaitThreshold.Duration() >= c.Genesis.BlockTime.Duration() {
		return fmt.Errorf("forging config: %w", ErrInvalidWaitThreshold)
	}
	if err := c.Pool.Validate(); err != nil {
		return fmt.Errorf("pool config: %w", err)
	}
	if err := c.Sync.Validate(); err != nil {
		return fmt.Errorf("sync config: %w", err)
	}
	if err := c.PEX.Validate(); err != nil {
		return fmt.Errorf("pex config: %w", err)
	}
	if err := c.BlockStore.Validate(); err != nil {
		return fmt.Errorf("blockstore config: %w", err)
	}
	if err := c.StateStore.Validate(); err != nil {
		return fmt.Errorf("statestore config: %w", err)
	}
	if err := c.Indexer.Validate(); err != nil {
		return fmt.Errorf("indexer config: %w", err)
	}
	if err := c.RPC.Validate(); err != nil {
		return fmt.Errorf("rpc config: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}
	if err := c.Tracing.Validate(); err != nil {
		return fmt.Errorf("tracing config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

// Validate checks the node configuration for errors.
func (c *NodeConfig) Validate() error {
	if c.ChainID == "" {
		return ErrEmptyChainID
	}
	if c.NetworkVersion == "" {
		return ErrEmptyNetworkVersion
	}
	if c.PrivateKeyPath == "" {
		return ErrEmptyPrivateKeyPath
	}
	return nil
}

// Validate checks the genesis configuration for errors.
func (c *GenesisConfig) Validate() error {
	if c.BlockTime.Duration() <= 0 {
		return ErrInvalidBlockTime
	}
	if c.ActiveValidators <= 0 {
		return ErrInvalidActiveValidators
	}
	if c.BFTThreshold == 0 || int(c.BFTThreshold) > c.ActiveValidators {
		return ErrInvalidBFTThreshold
	}
	if c.MaxPayloadLength <= 0 {
		return ErrInvalidMaxPayloadLength
	}
	if len(c.Rewards.Milestones) == 0 {
		return ErrEmptyRewardMilestones
	}
	if c.Rewards.Distance == 0 {
		return ErrInvalidRewardDistance
	}
	return nil
}

// Validate checks the network configuration for errors.
func (c *NetworkConfig) Validate() error {
	if len(c.ListenAddrs) == 0 {
		return ErrNoListenAddrs
	}
	if c.MaxInboundPeers < 0 {
		return ErrInvalidMaxInboundPeers
	}
	if c.MaxOutboundPeers < 0 {
		return ErrInvalidMaxOutboundPeers
	}
	if c.HandshakeTimeout.Duration() <= 0 {
		return ErrInvalidHandshakeTimeout
	}
	if c.DialTimeout.Duration() <= 0 {
		return ErrInvalidDialTimeout
	}
	if c.AddressBookPath == "" {
		return ErrEmptyAddressBookPath
	}
	return nil
}

// Validate checks the forging configuration for errors.
func (c *ForgingConfig) Validate() error {
	if c.ForgeInterval.Duration() <= 0 {
		return ErrInvalidForgeInterval
	}
	if c.WaitThreshold.Duration() <= 0 {
		return ErrInvalidWaitThreshold
	}
	for _, d := range c.Delegates {
		if len(d.Address) != 40 {
			return ErrInvalidDelegateAddress
		}
		if err := d.HashOnion.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks a hash onion configuration for errors.
func (c *HashOnionConfig) Validate() error {
	if c.Count == 0 {
		return ErrInvalidOnionCount
	}
	if c.Distance == 0 || c.Count%c.Distance != 0 {
		return ErrInvalidOnionDistance
	}
	return nil
}

// Validate checks the pool configuration for errors.
func (c *PoolConfig) Validate() error {
	if c.MaxTransactions <= 0 {
		return ErrInvalidMaxTransactions
	}
	if c.MaxPerSender <= 0 {
		return ErrInvalidMaxPerSender
	}
	if c.ReplaceFactor <= 1.0 {
		return ErrInvalidReplaceFactor
	}
	if c.ExpiryInterval.Duration() <= 0 {
		return ErrInvalidExpiryInterval
	}
	if c.SweepInterval.Duration() <= 0 {
		return ErrInvalidSweepInterval
	}
	return nil
}

// Validate checks the sync configuration for errors.
func (c *SyncConfig) Validate() error {
	if c.ChunkSize <= 0 {
		return ErrInvalidChunkSize
	}
	if c.MaxChunkRetries <= 0 {
		return ErrInvalidChunkRetries
	}
	if c.RetryBackoff.Duration() <= 0 {
		return ErrInvalidRetryBackoff
	}
	if c.MinAgreeingPeers <= 0 {
		return ErrInvalidMinAgreeingPeers
	}
	if c.SampleSize < c.MinAgreeingPeers {
		return ErrInvalidSampleSize
	}
	if c.RequestTimeout.Duration() <= 0 {
		return ErrInvalidRequestTimeout
	}
	return nil
}

// Validate checks the PEX configuration for errors.
func (c *PEXConfig) Validate() error {
	if c.Enabled {
		if c.RequestInterval.Duration() <= 0 {
			return ErrInvalidRequestInterval
		}
		if c.MaxAddressesPerResponse <= 0 {
			return ErrInvalidMaxAddresses
		}
	}
	return nil
}

// Validate checks the block store configuration for errors.
func (c *BlockStoreConfig) Validate() error {
	if c.Backend != "leveldb" && c.Backend != "badgerdb" {
		return ErrInvalidBlockStoreBackend
	}
	if c.Path == "" {
		return ErrEmptyBlockStorePath
	}
	if c.MaxTempBlocks <= 0 {
		return ErrInvalidMaxTempBlocks
	}
	return nil
}

// Validate checks the state store configuration for errors.
func (c *StateStoreConfig) Validate() error {
	if c.Path == "" {
		return ErrEmptyStateStorePath
	}
	if c.CacheSize < 0 {
		return ErrInvalidStateCacheSize
	}
	return nil
}

// Validate checks the indexer configuration for errors.
func (c *IndexerConfig) Validate() error {
	if c.Enabled && c.Path == "" {
		return ErrEmptyIndexerPath
	}
	return nil
}

// Validate checks the RPC configuration for errors.
func (c *RPCConfig) Validate() error {
	if c.Enabled && c.ListenAddr == "" {
		return ErrEmptyRPCListenAddr
	}
	return nil
}

// Validate checks the metrics configuration for errors.
func (c *MetricsConfig) Validate() error {
	if c.Enabled {
		if c.Namespace == "" {
			return ErrEmptyMetricsNamespace
		}
		if c.ListenAddr == "" {
			return ErrEmptyMetricsListenAddr
		}
	}
	return nil
}

// Validate checks the tracing configuration for errors.
func (c *TracingConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch c.Exporter {
	case "stdout", "otlp-http", "otlp-grpc", "zipkin":
	default:
		return ErrInvalidTracingExporter
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return ErrInvalidSampleRatio
	}
	return nil
}

// Validate checks the logging configuration for errors.
func (c *LoggingConfig) Validate() error {
	switch c.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		return ErrInvalidLogLevel
	}

	switch c.Format {
	case "text", "json":
		// Valid formats
	default:
		return ErrInvalidLogFormat
	}

	if c.Output == "" {
		return ErrEmptyLogOutput
	}

	return nil
}

// WriteConfigFile writes the configuration to a TOML file.
func WriteConfigFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	return nil
}

// EnsureDataDirs creates the data directories specified in the configuration.
func (c *Config) EnsureDataDirs() error {
	dirs := []string{
		filepath.Dir(c.Node.PrivateKeyPath),
		filepath.Dir(c.Network.AddressBookPath),
		c.BlockStore.Path,
		c.StateStore.Path,
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	return nil
}
