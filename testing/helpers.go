// Package testing provides multi-node harnesses for integration tests.
// A TestNode is a full node on an ephemeral loopback port with in-memory
// stores; a Cluster wires several of them to one genesis document.
package testing

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/blockberries/cramberry/pkg/cramberry"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Demosthene27/valois-sdk/blockstore"
	"github.com/Demosthene27/valois-sdk/config"
	"github.com/Demosthene27/valois-sdk/modules"
	"github.com/Demosthene27/valois-sdk/node"
	"github.com/Demosthene27/valois-sdk/state"
	"github.com/Demosthene27/valois-sdk/types"
)

// DelegateKey derives the deterministic key for one genesis delegate.
// Every node built from the same genesis agrees on these identities.
func DelegateKey(seed byte) ed25519.PrivateKey {
	seedBytes := make([]byte, ed25519.SeedSize)
	for i := range seedBytes {
		seedBytes[i] = seed
	}
	return ed25519.NewKeyFromSeed(seedBytes)
}

// DelegateAddress returns the address DelegateKey(seed) controls.
func DelegateAddress(seed byte) types.Address {
	key := DelegateKey(seed)
	return types.AddressFromPublicKey(key.Public().(ed25519.PublicKey))
}

// NewTestGenesis builds a two-delegate genesis document funded for
// transfer tests. Delegate seeds are 1 and 2.
func NewTestGenesis(chainID string) *node.GenesisDoc {
	alice := DelegateAddress(1)
	bob := DelegateAddress(2)
	return &node.GenesisDoc{
		ChainID:   chainID,
		Timestamp: 1700000000,
		Accounts: []node.GenesisAccount{
			{Address: alice.String(), Balance: 100_000_000_000},
			{Address: bob.String(), Balance: 50_000_000_000},
		},
		Delegates: []node.GenesisDelegate{
			{Address: alice.String(), Username: "alice", Votes: 2_000_000_000},
			{Address: bob.String(), Username: "bob", Votes: 1_000_000_000},
		},
	}
}

// TestNodeConfig holds the knobs a test can turn before building a node.
type TestNodeConfig struct {
	// ChainID identifies the chain (default "valois-test").
	ChainID string

	// Genesis is the shared genesis document. Defaults to
	// NewTestGenesis(ChainID).
	Genesis *node.GenesisDoc

	// Seeds are multiaddrs dialed on start.
	Seeds []string
}

// TestNode wraps a running node with connection helpers.
type TestNode struct {
	*node.Node

	cfg     *config.Config
	dataDir string
}

// NewTestNode builds an unstarted node with a random identity, an
// ephemeral loopback port and in-memory block and state stores. Call
// Cleanup when done.
func NewTestNode(tc *TestNodeConfig) (*TestNode, error) {
	if tc == nil {
		tc = &TestNodeConfig{}
	}
	chainID := tc.ChainID
	if chainID == "" {
		chainID = "valois-test"
	}
	genesis := tc.Genesis
	if genesis == nil {
		genesis = NewTestGenesis(chainID)
	}

	dataDir, err := os.MkdirTemp("", "valois-test-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp dir: %w", err)
	}

	cfg := config.DefaultConfig()
	cfg.Node.ChainID = chainID
	cfg.Node.PrivateKeyPath = filepath.Join(dataDir, "node.key")
	cfg.Network.ListenAddrs = []string{"/ip4/127.0.0.1/tcp/0"}
	cfg.Network.AddressBookPath = filepath.Join(dataDir, "addrbook.json")
	cfg.Network.Seeds.Addrs = tc.Seeds
	cfg.StateStore.Path = filepath.Join(dataDir, "state")
	cfg.Indexer.Enabled = false
	cfg.Genesis.ActiveValidators = 2
	cfg.Genesis.BFTThreshold = 2
	cfg.PEX.Enabled = false
	cfg.RPC.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.Tracing.Enabled = false

	iavl, err := state.NewMemoryIAVLStore(0)
	if err != nil {
		os.RemoveAll(dataDir)
		return nil, fmt.Errorf("creating state store: %w", err)
	}

	n, err := node.NewNode(cfg, genesis,
		node.WithBlockStore(blockstore.NewMemoryStore(0)),
		node.WithStateStore(iavl))
	if err != nil {
		os.RemoveAll(dataDir)
		return nil, err
	}

	return &TestNode{Node: n, cfg: cfg, dataDir: dataDir}, nil
}

// Cleanup stops the node if needed and removes its temp directory.
func (tn *TestNode) Cleanup() {
	if tn.IsRunning() {
		_ = tn.Stop()
	}
	_ = os.RemoveAll(tn.dataDir)
}

// PeerID returns the node's network identity.
func (tn *TestNode) PeerID() peer.ID {
	return tn.Network().PeerID()
}

// ConnectTo dials another test node.
func (tn *TestNode) ConnectTo(other *TestNode) error {
	addr := other.Multiaddr()
	if addr == "" {
		return fmt.Errorf("peer has no listen address")
	}
	return tn.Network().ConnectMultiaddr(addr)
}

// WaitForPeerCount blocks until the node sees count connected peers.
func (tn *TestNode) WaitForPeerCount(count int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if tn.Network().PeerCount() == count {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("peer count %d not reached within %s (have %d)",
		count, timeout, tn.Network().PeerCount())
}

// SubmitTransfer signs, encodes and posts a token transfer from the
// given key. The id of the pooled transaction is returned.
func (tn *TestNode) SubmitTransfer(key ed25519.PrivateKey, nonce uint64, recipient types.Address, amount uint64) (types.Hash, error) {
	asset, err := cramberry.Marshal(&modules.TransferAsset{
		RecipientAddress: recipient,
		Amount:           amount,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding transfer: %w", err)
	}

	tx := &types.Transaction{
		ModuleID:        modules.TokenModuleID,
		AssetID:         modules.TokenAssetTransfer,
		Nonce:           nonce,
		Fee:             1_000_000,
		SenderPublicKey: key.Public().(ed25519.PublicKey),
		Asset:           asset,
	}
	if err := tx.Sign(key); err != nil {
		return nil, fmt.Errorf("signing transfer: %w", err)
	}
	raw, err := tx.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encoding transfer: %w", err)
	}
	return tn.PostTransaction(context.Background(), raw)
}

// Cluster is a set of test nodes sharing one genesis.
type Cluster struct {
	Nodes []*TestNode
}

// NewCluster builds size unstarted nodes on one genesis document.
func NewCluster(size int) (*Cluster, error) {
	genesis := NewTestGenesis("valois-test")
	c := &Cluster{}
	for i := 0; i < size; i++ {
		tn, err := NewTestNode(&TestNodeConfig{Genesis: genesis})
		if err != nil {
			c.Cleanup()
			return nil, err
		}
		c.Nodes = append(c.Nodes, tn)
	}
	return c, nil
}

// Start boots every node.
func (c *Cluster) Start() error {
	for _, tn := range c.Nodes {
		if err := tn.Start(); err != nil {
			return err
		}
	}
	return nil
}

// ConnectAll dials every node pair once and waits for the mesh.
func (c *Cluster) ConnectAll(timeout time.Duration) error {
	for i, a := range c.Nodes {
		for _, b := range c.Nodes[i+1:] {
			if err := a.ConnectTo(b); err != nil {
				return err
			}
		}
	}
	for _, tn := range c.Nodes {
		if err := tn.WaitForPeerCount(len(c.Nodes)-1, timeout); err != nil {
			return err
		}
	}
	return nil
}

// Cleanup stops and removes every node.
func (c *Cluster) Cleanup() {
	for _, tn := range c.Nodes {
		tn.Cleanup()
	}
}
