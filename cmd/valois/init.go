package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/Demosthene27/valois-sdk/config"
	"github.com/Demosthene27/valois-sdk/node"
	"github.com/Demosthene27/valois-sdk/types"
)

var (
	initChainID string
	initDataDir string
	initForce   bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new node",
	Long: `Initialize a new Valois node configuration.

Creates a config file, a node identity key and a single-delegate
genesis document in the data directory.

Example:
  valois init --chain-id my-chain
  valois init --chain-id my-chain --data-dir /var/lib/valois`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initChainID, "chain-id", "valois-testnet-1", "chain identifier")
	initCmd.Flags().StringVar(&initDataDir, "data-dir", ".", "data directory")
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite existing configuration")
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := filepath.Join(initDataDir, "config.toml")
	if _, err := os.Stat(configPath); err == nil && !initForce {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", configPath)
	}

	if err := os.MkdirAll(initDataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	cfg := config.DefaultConfig()
	cfg.Node.ChainID = initChainID
	cfg.Node.PrivateKeyPath = filepath.Join(initDataDir, "node_key")
	cfg.Network.AddressBookPath = filepath.Join(initDataDir, "addrbook.json")
	cfg.BlockStore.Path = filepath.Join(initDataDir, "data", "blockstore")
	cfg.StateStore.Path = filepath.Join(initDataDir, "data", "state")
	cfg.Indexer.Path = filepath.Join(initDataDir, "data", "txindex")

	for _, dir := range []string{cfg.BlockStore.Path, filepath.Dir(cfg.StateStore.Path)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	publicKey, err := generateNodeKey(cfg.Node.PrivateKeyPath)
	if err != nil {
		return fmt.Errorf("generating node key: %w", err)
	}

	genesisPath := filepath.Join(initDataDir, "genesis.json")
	if err := writeGenesis(genesisPath, initChainID, publicKey); err != nil {
		return fmt.Errorf("writing genesis: %w", err)
	}

	if err := config.WriteConfigFile(configPath, cfg); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	address := types.AddressFromPublicKey(publicKey)
	fmt.Printf("Initialized node in %s\n", initDataDir)
	fmt.Printf("  Chain ID: %s\n", initChainID)
	fmt.Printf("  Config:   %s\n", configPath)
	fmt.Printf("  Genesis:  %s\n", genesisPath)
	fmt.Printf("  Node key: %s\n", cfg.Node.PrivateKeyPath)
	fmt.Printf("  Address:  %s\n", address.String())
	return nil
}

// generateNodeKey writes a fresh Ed25519 private key as hex and returns
// the public key.
func generateNodeKey(path string) (ed25519.PublicKey, error) {
	if _, err := os.Stat(path); err == nil {
		if !initForce {
			return nil, fmt.Errorf("key file already exists: %s", path)
		}
	}

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	data := []byte(hex.EncodeToString(privateKey))
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, err
	}
	return publicKey, nil
}

// writeGenesis creates a single-delegate genesis document where the node
// key is the sole registered delegate. Operators of multi-validator
// networks replace this file with the shared network genesis.
func writeGenesis(path, chainID string, publicKey ed25519.PublicKey) error {
	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("genesis already exists: %s", path)
	}

	address := types.AddressFromPublicKey(publicKey)
	doc := &node.GenesisDoc{
		ChainID:   chainID,
		Timestamp: uint32(time.Now().Unix()),
		Accounts: []node.GenesisAccount{
			{Address: address.String(), Balance: 100_000_000_000_000},
		},
		Delegates: []node.GenesisDelegate{
			{Address: address.String(), Username: "genesis", Votes: 1_000_000_000_000},
		},
	}
	return doc.Save(path)
}
