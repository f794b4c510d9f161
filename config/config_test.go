package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.NotNil(t, cfg)

	// Node defaults
	require.Equal(t, "valois-testnet-1", cfg.Node.ChainID)
	require.Equal(t, "2.0", cfg.Node.NetworkVersion)
	require.Equal(t, "node_key.json", cfg.Node.PrivateKeyPath)

	// Genesis defaults
	require.Equal(t, 10*time.Second, cfg.Genesis.BlockTime.Duration())
	require.Equal(t, 103, cfg.Genesis.ActiveValidators)
	require.Equal(t, uint32(68), cfg.Genesis.BFTThreshold)
	require.Equal(t, 15*1024, cfg.Genesis.MaxPayloadLength)
	require.Equal(t, uint64(1000), cfg.Genesis.MinFeePerByte)
	require.Len(t, cfg.Genesis.Rewards.Milestones, 5)

	// Network defaults
	require.Equal(t, []string{"/ip4/0.0.0.0/tcp/7667"}, cfg.Network.ListenAddrs)
	require.Equal(t, 40, cfg.Network.MaxInboundPeers)
	require.Equal(t, 20, cfg.Network.MaxOutboundPeers)

	// Forging defaults
	require.Equal(t, 1*time.Second, cfg.Forging.ForgeInterval.Duration())
	require.Equal(t, 2*time.Second, cfg.Forging.WaitThreshold.Duration())
	require.False(t, cfg.Forging.Force)
	require.Empty(t, cfg.Forging.Delegates)

	// Pool defaults
	require.Equal(t, 4096, cfg.Pool.MaxTransactions)
	require.Equal(t, 64, cfg.Pool.MaxPerSender)
	require.Equal(t, 1.1, cfg.Pool.ReplaceFactor)

	// Sync defaults
	require.Equal(t, 34, cfg.Sync.ChunkSize)
	require.Equal(t, 5, cfg.Sync.MaxChunkRetries)
	require.Equal(t, 3, cfg.Sync.MinAgreeingPeers)

	// Store defaults
	require.Equal(t, "leveldb", cfg.BlockStore.Backend)
	require.Equal(t, 500, cfg.BlockStore.MaxTempBlocks)
	require.Equal(t, "data/state", cfg.StateStore.Path)
}

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	configContent := `
[node]
chain_id = "valois-mainnet"
network_version = "2.1"

[genesis]
block_time = "8s"
active_validators = 51
bft_threshold = 35

[forging]
wait_threshold = "2s"

[pool]
max_transactions = 1000
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)

	// Overridden values
	require.Equal(t, "valois-mainnet", cfg.Node.ChainID)
	require.Equal(t, "2.1", cfg.Node.NetworkVersion)
	require.Equal(t, 8*time.Second, cfg.Genesis.BlockTime.Duration())
	require.Equal(t, 51, cfg.Genesis.ActiveValidators)
	require.Equal(t, uint32(35), cfg.Genesis.BFTThreshold)
	require.Equal(t, 1000, cfg.Pool.MaxTransactions)

	// Defaults preserved
	require.Equal(t, 34, cfg.Sync.ChunkSize)
	require.Equal(t, 1.1, cfg.Pool.ReplaceFactor)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/config.toml")
	require.Error(t, err)
}

func TestValidateWaitThresholdBelowBlockTime(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Forging.WaitThreshold = cfg.Genesis.BlockTime

	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidWaitThreshold)

	cfg.Forging.WaitThreshold = Duration(cfg.Genesis.BlockTime.Duration() - time.Second)
	require.NoError(t, cfg.Validate())
}

func TestValidateGenesis(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"zero block time", func(c *Config) { c.Genesis.BlockTime = 0 }, ErrInvalidBlockTime},
		{"zero validators", func(c *Config) { c.Genesis.ActiveValidators = 0 }, ErrInvalidActiveValidators},
		{"threshold above set", func(c *Config) { c.Genesis.BFTThreshold = 104 }, ErrInvalidBFTThreshold},
		{"zero threshold", func(c *Config) { c.Genesis.BFTThreshold = 0 }, ErrInvalidBFTThreshold},
		{"zero payload cap", func(c *Config) { c.Genesis.MaxPayloadLength = 0 }, ErrInvalidMaxPayloadLength},
		{"no milestones", func(c *Config) { c.Genesis.Rewards.Milestones = nil }, ErrEmptyRewardMilestones},
		{"zero distance", func(c *Config) { c.Genesis.Rewards.Distance = 0 }, ErrInvalidRewardDistance},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			require.ErrorIs(t, cfg.Validate(), tc.wantErr)
		})
	}
}

func TestValidatePool(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pool.ReplaceFactor = 1.0
	require.ErrorIs(t, cfg.Validate(), ErrInvalidReplaceFactor)

	cfg = DefaultConfig()
	cfg.Pool.MaxPerSender = 0
	require.ErrorIs(t, cfg.Validate(), ErrInvalidMaxPerSender)
}

func TestValidateSync(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sync.SampleSize = cfg.Sync.MinAgreeingPeers - 1
	require.ErrorIs(t, cfg.Validate(), ErrInvalidSampleSize)
}

func TestValidateDelegates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Forging.Delegates = []DelegateConfig{{
		Address: "abcd",
		HashOnion: HashOnionConfig{
			Count:    1000,
			Distance: 10,
		},
	}}
	require.ErrorIs(t, cfg.Validate(), ErrInvalidDelegateAddress)

	cfg.Forging.Delegates[0].Address = "0123456789abcdef0123456789abcdef01234567"
	require.NoError(t, cfg.Validate())

	cfg.Forging.Delegates[0].HashOnion.Distance = 7 // does not divide 1000
	require.ErrorIs(t, cfg.Validate(), ErrInvalidOnionDistance)
}

func TestWriteConfigRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "out", "config.toml")

	cfg := DefaultConfig()
	cfg.Node.ChainID = "roundtrip-net"
	require.NoError(t, WriteConfigFile(configPath, cfg))

	loaded, err := LoadConfig(configPath)
	require.NoError(t, err)
	require.Equal(t, "roundtrip-net", loaded.Node.ChainID)
	require.Equal(t, cfg.Genesis.BlockTime.Duration(), loaded.Genesis.BlockTime.Duration())
}

func TestEnsureDataDirs(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := DefaultConfig()
	cfg.BlockStore.Path = filepath.Join(tmpDir, "blocks")
	cfg.StateStore.Path = filepath.Join(tmpDir, "state")
	cfg.Node.PrivateKeyPath = filepath.Join(tmpDir, "keys", "node_key.json")
	cfg.Network.AddressBookPath = filepath.Join(tmpDir, "addrbook.json")

	require.NoError(t, cfg.EnsureDataDirs())

	for _, dir := range []string{cfg.BlockStore.Path, cfg.StateStore.Path, filepath.Join(tmpDir, "keys")} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		require.True(t, info.IsDir())
	}
}
