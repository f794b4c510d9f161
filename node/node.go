// Package node assembles the full validator node: stores, state machine,
// networking, recovery, forging and the operator surface, with one
// lifecycle owner for all of them.
package node

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/blockberries/glueberry"
	"github.com/blockberries/glueberry/pkg/streams"
	"github.com/multiformats/go-multiaddr"

	"github.com/Demosthene27/valois-sdk/bft"
	"github.com/Demosthene27/valois-sdk/blockstore"
	"github.com/Demosthene27/valois-sdk/config"
	"github.com/Demosthene27/valois-sdk/consensus"
	"github.com/Demosthene27/valois-sdk/events"
	"github.com/Demosthene27/valois-sdk/forger"
	"github.com/Demosthene27/valois-sdk/handlers"
	"github.com/Demosthene27/valois-sdk/indexer/kv"
	"github.com/Demosthene27/valois-sdk/logging"
	"github.com/Demosthene27/valois-sdk/metrics"
	"github.com/Demosthene27/valois-sdk/modules"
	"github.com/Demosthene27/valois-sdk/p2p"
	"github.com/Demosthene27/valois-sdk/pex"
	"github.com/Demosthene27/valois-sdk/processor"
	"github.com/Demosthene27/valois-sdk/rpc/jsonrpc"
	"github.com/Demosthene27/valois-sdk/rpc/websocket"
	"github.com/Demosthene27/valois-sdk/state"
	chainsync "github.com/Demosthene27/valois-sdk/sync"
	"github.com/Demosthene27/valois-sdk/tracing/otel"
	"github.com/Demosthene27/valois-sdk/txpool"
	"github.com/Demosthene27/valois-sdk/types"
)

// Version is the node software version advertised over RPC and tracing.
// Overridden at build time.
var Version = "dev"

// maxAddressBookSize bounds the PEX address book.
const maxAddressBookSize = 1000

// Node owns every component of a running chain participant and manages
// their lifecycle. Construction wires, Start boots, Stop unwinds in
// reverse order.
type Node struct {
	cfg        *config.Config
	genesis    *GenesisDoc
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	logger     *logging.Logger

	glueNode *glueberry.Node
	network  *p2p.Network
	eclipse  *p2p.EclipseGuard

	blocks    blockstore.Store
	iavl      *state.IAVLStore
	accounts  *state.AccountStore
	snapshots *state.SnapshotManager
	txIndex   *kv.Indexer

	registry *modules.Registry
	dpos     *modules.DPoSModule

	bus          *events.Bus
	finality     *bft.FinalityManager
	slots        *consensus.Slots
	pool         *txpool.Pool
	processor    *processor.Processor
	synchronizer *chainsync.Synchronizer
	forger       *forger.Forger

	handshakeHandler *handlers.HandshakeHandler
	blocksReactor    *handlers.BlockReactor
	txReactor        *handlers.TransactionReactor
	syncReactor      *handlers.SyncReactor
	pexReactor       *pex.Reactor

	metrics       metrics.Metrics
	metricsServer *http.Server
	tracer        *otel.Tracer
	traceShutdown func(context.Context) error

	rpcServer *jsonrpc.Server
	wsServer  *websocket.Server

	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.RWMutex
}

// Option adjusts construction, mainly for tests.
type Option func(*options)

type options struct {
	logger *logging.Logger
	blocks blockstore.Store
	iavl   *state.IAVLStore
}

// WithLogger sets the node logger. Defaults to a nop logger.
func WithLogger(logger *logging.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithBlockStore overrides the configured block store backend.
func WithBlockStore(store blockstore.Store) Option {
	return func(o *options) { o.blocks = store }
}

// WithStateStore overrides the configured state tree.
func WithStateStore(store *state.IAVLStore) Option {
	return func(o *options) { o.iavl = store }
}

// NewNode wires a node from configuration and a genesis document. Nothing
// runs until Start.
func NewNode(cfg *config.Config, genesis *GenesisDoc, opts ...Option) (*Node, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	if genesis == nil {
		return nil, types.ErrNoGenesis
	}
	if err := genesis.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	privateKey, err := loadOrGenerateKey(cfg.Node.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading private key: %w", err)
	}
	publicKey := privateKey.Public().(ed25519.PublicKey)

	listenAddrs, err := parseMultiaddrs(cfg.Network.ListenAddrs)
	if err != nil {
		return nil, fmt.Errorf("parsing listen addresses: %w", err)
	}

	glueCfg := glueberry.NewConfig(
		privateKey,
		cfg.Network.AddressBookPath,
		listenAddrs,
		glueberry.WithHandshakeTimeout(cfg.Network.HandshakeTimeout.Duration()),
	)
	glueNode, err := glueberry.New(glueCfg)
	if err != nil {
		return nil, fmt.Errorf("creating network node: %w", err)
	}
	network := p2p.NewNetwork(glueNode)
	eclipse := p2p.NewEclipseGuard(p2p.DefaultEclipseGuardConfig())

	blocks := o.blocks
	if blocks == nil {
		blocks, err = blockstore.New(blockstore.Config{
			Backend:       cfg.BlockStore.Backend,
			Path:          cfg.BlockStore.Path,
			MaxTempBlocks: cfg.BlockStore.MaxTempBlocks,
		})
		if err != nil {
			return nil, fmt.Errorf("opening block store: %w", err)
		}
	}

	iavl := o.iavl
	if iavl == nil {
		iavl, err = state.NewIAVLStore(cfg.StateStore.Path, cfg.StateStore.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("opening state store: %w", err)
		}
	}
	accounts := state.NewAccountStore(iavl)

	snapshotPath := filepath.Join(filepath.Dir(cfg.StateStore.Path), "snapshots")
	snapshots, err := state.NewSnapshotManager(snapshotPath, iavl)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot directory: %w", err)
	}

	var txIndex *kv.Indexer
	if cfg.Indexer.Enabled {
		txIndex, err = kv.NewIndexer(cfg.Indexer.Path)
		if err != nil {
			return nil, fmt.Errorf("opening transaction index: %w", err)
		}
	}

	registry := modules.NewRegistry(cfg.Genesis.MinFeePerByte)
	token := modules.NewTokenModule(0)
	dpos := modules.NewDPoSModule(cfg.Genesis.ActiveValidators, modules.RewardSchedule{
		Milestones: cfg.Genesis.Rewards.Milestones,
		Offset:     cfg.Genesis.Rewards.Offset,
		Distance:   cfg.Genesis.Rewards.Distance,
	})
	if err := registry.Register(token); err != nil {
		return nil, err
	}
	if err := registry.Register(dpos); err != nil {
		return nil, err
	}
	for _, fee := range cfg.Genesis.BaseFees {
		registry.SetBaseFee(fee.ModuleID, fee.AssetID, fee.BaseFee)
	}

	bus := events.NewBus()

	finality, err := bft.NewFinalityManager(iavl, bus, logger,
		cfg.Genesis.ActiveValidators, uint64(cfg.Genesis.ActiveValidators))
	if err != nil {
		return nil, fmt.Errorf("loading finality state: %w", err)
	}

	slots, err := consensus.NewSlots(cfg.Genesis.BlockTime.Duration())
	if err != nil {
		return nil, err
	}

	pool := txpool.NewPool(cfg.Pool, accounts, registry.ValidateTransaction, bus, logger)

	proc, err := processor.New(processor.Config{
		Blocks:           blocks,
		Accounts:         accounts,
		Registry:         registry,
		Finality:         finality,
		Slots:            slots,
		Validators:       dpos,
		Bus:              bus,
		Logger:           logger,
		MaxPayloadLength: cfg.Genesis.MaxPayloadLength,
	})
	if err != nil {
		return nil, err
	}
	pool.SetApplyCheck(proc.VerifyTransactions)

	validatorsFn := func() (*types.ValidatorSet, error) {
		return dpos.ValidatorSet(state.NewOverlay(accounts))
	}

	n := &Node{
		cfg:        cfg,
		genesis:    genesis,
		privateKey: privateKey,
		publicKey:  publicKey,
		logger:     logger.WithComponent("node"),
		glueNode:   glueNode,
		network:    network,
		eclipse:    eclipse,
		blocks:     blocks,
		iavl:       iavl,
		accounts:   accounts,
		snapshots:  snapshots,
		txIndex:    txIndex,
		registry:   registry,
		dpos:       dpos,
		bus:        bus,
		finality:   finality,
		slots:      slots,
		pool:       pool,
		processor:  proc,
		stopCh:     make(chan struct{}),
	}

	peerManager := network.PeerManager()

	n.syncReactor = handlers.NewSyncReactor(network, peerManager, n, blocks, logger)

	blockSync := chainsync.NewBlockSync(proc, blocks, finality, n.syncReactor, cfg.Sync, logger)
	fastSwitch := chainsync.NewFastChainSwitch(proc, blocks, finality, n.syncReactor,
		validatorsFn, cfg.Genesis.ActiveValidators, cfg.Sync, logger)
	n.synchronizer = chainsync.NewSynchronizer(bus, logger, blockSync, fastSwitch)

	detector := consensus.NewAddressDetector()
	for _, entry := range cfg.Forging.Delegates {
		raw, err := hex.DecodeString(entry.Address)
		if err != nil {
			return nil, fmt.Errorf("parsing delegate address %q: %w", entry.Address, err)
		}
		detector.Add(types.Address(raw))
	}

	n.forger, err = forger.NewForger(forger.Config{
		Forging:          cfg.Forging,
		Blocks:           blocks,
		Chain:            proc,
		Pool:             pool,
		Slots:            slots,
		Detector:         detector,
		Validators:       validatorsFn,
		Finality:         finality,
		Sync:             n.synchronizer,
		KV:               iavl,
		RoundLength:      cfg.Genesis.ActiveValidators,
		MaxPayloadLength: cfg.Genesis.MaxPayloadLength,
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating forger: %w", err)
	}

	n.handshakeHandler = handlers.NewHandshakeHandler(
		[]byte(cfg.Node.ChainID),
		cfg.Node.NetworkVersion,
		publicKey,
		network,
		peerManager,
		n,
		logger,
	)
	n.blocksReactor = handlers.NewBlockReactor(network, peerManager, proc, logger)
	n.blocksReactor.SetSyncActive(n.synchronizer.IsActive)
	n.txReactor = handlers.NewTransactionReactor(network, peerManager, pool, logger)

	addressBook := pex.NewAddressBook(cfg.Network.AddressBookPath, maxAddressBookSize)
	n.pexReactor = pex.NewReactor(
		cfg.PEX.Enabled,
		cfg.PEX.RequestInterval.Duration(),
		cfg.PEX.MaxAddressesPerResponse,
		cfg.Network.MaxOutboundPeers,
		addressBook,
		network,
		peerManager,
		logger,
	)

	if cfg.Metrics.Enabled {
		n.metrics = metrics.NewPrometheusMetrics(cfg.Metrics.Namespace)
	} else {
		n.metrics = metrics.NewNopMetrics()
	}

	n.tracer, n.traceShutdown, err = otel.Setup(cfg.Tracing, Version)
	if err != nil {
		return nil, fmt.Errorf("setting up tracing: %w", err)
	}

	if cfg.RPC.Enabled {
		var wsHandler http.Handler
		if cfg.RPC.WSEnabled {
			n.wsServer = websocket.NewServer(bus, websocket.DefaultConfig(), logger)
			wsHandler = n.wsServer.Handler()
		}
		n.rpcServer = jsonrpc.NewServer(n, cfg.RPC, wsHandler, logger)
	}

	return n, nil
}

// Start boots the node: event bus, genesis bootstrap, network, reactors,
// pool, recovery, forging and the operator surface.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.started {
		return types.ErrNodeAlreadyStarted
	}

	if err := n.bus.Start(); err != nil {
		return fmt.Errorf("starting event bus: %w", err)
	}

	if err := n.bootstrapChain(); err != nil {
		n.bus.Stop()
		return err
	}

	if err := n.network.Start(); err != nil {
		n.bus.Stop()
		return fmt.Errorf("starting network: %w", err)
	}
	if err := n.handshakeHandler.Start(); err != nil {
		_ = n.network.Stop()
		n.bus.Stop()
		return fmt.Errorf("starting handshake handler: %w", err)
	}
	if err := n.pexReactor.Start(); err != nil {
		_ = n.handshakeHandler.Stop()
		_ = n.network.Stop()
		n.bus.Stop()
		return fmt.Errorf("starting pex reactor: %w", err)
	}

	n.pool.Start()
	if err := n.synchronizer.Start(); err != nil {
		n.pool.Stop()
		_ = n.pexReactor.Stop()
		_ = n.handshakeHandler.Stop()
		_ = n.network.Stop()
		n.bus.Stop()
		return fmt.Errorf("starting synchronizer: %w", err)
	}
	n.forger.Start()

	n.stopCh = make(chan struct{})
	n.wg.Add(2)
	go n.eventLoop()
	go n.busLoop()

	if n.rpcServer != nil {
		if n.wsServer != nil {
			if err := n.wsServer.Start(); err != nil {
				n.logger.Warn("starting websocket server", logging.Error(err))
			}
		}
		if err := n.rpcServer.Start(); err != nil {
			n.logger.Warn("starting rpc server", logging.Error(err))
		}
	}
	n.startMetricsServer()

	n.pexReactor.Bootstrap(n.cfg.Network.Seeds.Addrs)
	n.connectToSeeds()

	n.started = true
	n.logger.Info("node started",
		logging.Height(uint64(n.processor.TipHeight())),
		logging.PeerIDStr(n.network.PeerID().String()))
	return nil
}

// bootstrapChain seeds genesis state on an empty store and verifies the
// stored genesis otherwise, then refreshes the finality validator view.
func (n *Node) bootstrapChain() error {
	genesisBlock, err := n.genesis.Block()
	if err != nil {
		return fmt.Errorf("building genesis block: %w", err)
	}

	_, err = n.blocks.Tip()
	if err == blockstore.ErrEmptyStore {
		if err := n.genesis.SeedState(n.accounts, n.dpos, n.cfg.Genesis.ActiveValidators); err != nil {
			return fmt.Errorf("seeding genesis state: %w", err)
		}
	} else if err != nil {
		return err
	}

	if err := n.processor.Init(genesisBlock); err != nil {
		return err
	}

	set, err := n.dpos.ValidatorSet(state.NewOverlay(n.accounts))
	if err != nil {
		return err
	}
	if set != nil {
		if err := n.finality.UpdateActiveValidators(set); err != nil {
			return err
		}
	}
	return nil
}

// Stop unwinds everything Start brought up, in reverse order.
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.started {
		return types.ErrNodeNotStarted
	}

	if n.rpcServer != nil {
		_ = n.rpcServer.Stop()
	}
	if n.wsServer != nil {
		_ = n.wsServer.Stop()
	}
	n.stopMetricsServer()

	n.forger.Stop()
	n.synchronizer.Stop()
	n.pool.Stop()

	close(n.stopCh)
	n.wg.Wait()

	_ = n.pexReactor.Stop()
	_ = n.handshakeHandler.Stop()
	if err := n.network.Stop(); err != nil {
		n.logger.Warn("stopping network", logging.Error(err))
	}

	n.bus.Stop()

	if n.traceShutdown != nil {
		_ = n.traceShutdown(context.Background())
	}

	if n.txIndex != nil {
		if err := n.txIndex.Close(); err != nil {
			n.logger.Warn("closing transaction index", logging.Error(err))
		}
	}
	if err := n.blocks.Close(); err != nil {
		return fmt.Errorf("closing block store: %w", err)
	}
	if err := n.iavl.Close(); err != nil {
		return fmt.Errorf("closing state store: %w", err)
	}

	n.started = false
	n.logger.Info("node stopped")
	return nil
}

// IsRunning reports whether Start has completed and Stop has not.
func (n *Node) IsRunning() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.started
}

// Network returns the p2p layer.
func (n *Node) Network() *p2p.Network { return n.network }

// Blocks returns the block store.
func (n *Node) Blocks() blockstore.Store { return n.blocks }

// Pool returns the transaction pool.
func (n *Node) Pool() *txpool.Pool { return n.pool }

// Processor returns the chain state machine.
func (n *Node) Processor() *processor.Processor { return n.processor }

// Bus returns the event bus.
func (n *Node) Bus() *events.Bus { return n.bus }

// Multiaddr returns the node's first listen address with its peer id
// appended, suitable for other nodes to dial.
func (n *Node) Multiaddr() string {
	addrs := n.glueNode.Addrs()
	if len(addrs) == 0 {
		return ""
	}
	return addrs[0].String() + "/p2p/" + n.network.PeerID().String()
}

// eventLoop routes connection events and stream messages to handlers.
func (n *Node) eventLoop() {
	defer n.wg.Done()

	connEvents := n.network.Events()
	messages := n.network.Messages()

	for {
		select {
		case <-n.stopCh:
			return
		case event, ok := <-connEvents:
			if !ok {
				return
			}
			n.handleConnectionEvent(event)
		case msg, ok := <-messages:
			if !ok {
				return
			}
			n.handleMessage(msg)
		}
	}
}

func (n *Node) handleConnectionEvent(event glueberry.ConnectionEvent) {
	peerID := event.PeerID

	switch event.State {
	case glueberry.StateConnected:
		var addr string
		if addrs := n.glueNode.PeerAddrs(peerID); len(addrs) > 0 {
			addr = addrs[0].String()
		}
		if !n.eclipse.ShouldAcceptPeer(peerID, addr, false) {
			n.logger.Debug("rejecting peer for diversity limits",
				logging.PeerID(peerID), "addr", addr)
			_ = n.network.Disconnect(peerID)
			return
		}
		n.eclipse.OnPeerConnected(peerID, addr, false)
		n.network.OnPeerConnected(peerID, true)
		if err := n.handshakeHandler.OnPeerConnected(peerID, true); err != nil {
			n.logger.Debug("handshake initiation failed",
				logging.PeerID(peerID), logging.Error(err))
		}
		n.bus.Publish(events.PeerConnected(types.PeerID(peerID.String()), true))

	case glueberry.StateEstablished:
		var addr string
		if addrs := n.glueNode.PeerAddrs(peerID); len(addrs) > 0 {
			addr = addrs[0].String()
		}
		n.pexReactor.OnPeerConnected(peerID, addr)

	case glueberry.StateDisconnected:
		n.eclipse.OnPeerDisconnected(peerID)
		n.network.OnPeerDisconnected(peerID)
		n.handshakeHandler.OnPeerDisconnected(peerID)
		n.syncReactor.OnPeerDisconnected(peerID)
		n.pexReactor.OnPeerDisconnected(peerID)
		n.bus.Publish(events.PeerDisconnected(types.PeerID(peerID.String())))
	}
}

func (n *Node) handleMessage(msg streams.IncomingMessage) {
	n.metrics.IncMessagesReceived(msg.StreamName)

	var err error
	switch msg.StreamName {
	case p2p.StreamHandshake:
		err = n.handshakeHandler.HandleMessage(msg.PeerID, msg.Data)
	case p2p.StreamPEX:
		err = n.pexReactor.HandleMessage(msg.PeerID, msg.Data)
	case p2p.StreamTransactions:
		err = n.txReactor.HandleMessage(msg.PeerID, msg.Data)
	case p2p.StreamBlocks:
		err = n.blocksReactor.HandleMessage(msg.PeerID, msg.Data)
	case p2p.StreamSync:
		err = n.syncReactor.HandleMessage(msg.PeerID, msg.Data)
	}
	if err != nil {
		n.eclipse.OnPeerMisbehavior(msg.PeerID)
		_ = n.network.AddPenalty(msg.PeerID, p2p.PenaltyMalformed, p2p.ReasonMalformed,
			fmt.Sprintf("handling %s message: %v", msg.StreamName, err))
		n.metrics.IncPeerPenalties(msg.StreamName)
	}
}

// busLoop reacts to chain events: pool maintenance, validator rotation,
// block gossip and gauge updates.
func (n *Node) busLoop() {
	defer n.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := n.bus.Subscribe(ctx, "node", events.QueryKinds{Kinds: []events.Kind{
		events.KindNewBlock,
		events.KindDeleteBlock,
		events.KindValidatorsChanged,
		events.KindBroadcastBlock,
		events.KindBlockFinalized,
	}})
	if err != nil {
		n.logger.Warn("subscribing to chain events", logging.Error(err))
		return
	}

	for {
		select {
		case <-n.stopCh:
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			n.handleChainEvent(event)
		}
	}
}

func (n *Node) handleChainEvent(event events.Event) {
	switch data := event.Data.(type) {
	case events.NewBlockData:
		n.pool.OnNewBlock(data.Block)
		if n.txIndex != nil {
			if err := n.txIndex.IndexBlock(data.Block); err != nil {
				n.logger.Warn("indexing block transactions", logging.Error(err))
			}
		}
		n.metrics.SetChainHeight(uint64(data.Block.Header.Height))
		n.metrics.IncBlocksProcessed(data.Origin.String())
		n.metrics.SetPoolSize(n.pool.Size())

	case events.DeleteBlockData:
		n.pool.OnDeleteBlock(data.Block)
		if n.txIndex != nil {
			if err := n.txIndex.DeleteBlock(data.Block); err != nil {
				n.logger.Warn("unindexing block transactions", logging.Error(err))
			}
		}
		n.metrics.IncBlocksReverted()

	case *types.ValidatorSet:
		if err := n.finality.UpdateActiveValidators(data); err != nil {
			n.logger.Warn("updating finality validators", logging.Error(err))
		}

	case events.BroadcastBlockData:
		if err := n.blocksReactor.BroadcastBlock(data.Block); err != nil {
			n.logger.Debug("broadcasting block", logging.Error(err))
		}

	case events.BlockFinalizedData:
		n.metrics.SetFinalizedHeight(uint64(data.Height))
	}
}

func (n *Node) startMetricsServer() {
	prom, ok := n.metrics.(*metrics.PrometheusMetrics)
	if !ok || n.cfg.Metrics.ListenAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", prom.Handler())
	n.metricsServer = &http.Server{Addr: n.cfg.Metrics.ListenAddr, Handler: mux}
	go func() {
		if err := n.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			n.logger.Warn("metrics server", logging.Error(err))
		}
	}()
}

func (n *Node) stopMetricsServer() {
	if n.metricsServer != nil {
		_ = n.metricsServer.Close()
	}
}

func (n *Node) connectToSeeds() {
	for _, addr := range n.cfg.Network.Seeds.Addrs {
		if err := n.network.ConnectMultiaddr(addr); err != nil {
			n.logger.Debug("seed dial failed", logging.Address(addr), logging.Error(err))
		}
	}
}

// loadOrGenerateKey reads an ed25519 private key from path, accepting
// raw or hex encoding, and generates one on first boot.
func loadOrGenerateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) == ed25519.PrivateKeySize {
			return ed25519.PrivateKey(data), nil
		}
		decoded, decodeErr := hex.DecodeString(string(data))
		if decodeErr == nil && len(decoded) == ed25519.PrivateKeySize {
			return ed25519.PrivateKey(decoded), nil
		}
		return nil, fmt.Errorf("invalid key file: expected %d bytes", ed25519.PrivateKeySize)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	_, privateKey, genErr := ed25519.GenerateKey(nil)
	if genErr != nil {
		return nil, fmt.Errorf("generating key: %w", genErr)
	}
	if writeErr := os.WriteFile(path, []byte(privateKey), 0o600); writeErr != nil {
		return nil, fmt.Errorf("saving key: %w", writeErr)
	}
	return privateKey, nil
}

func parseMultiaddrs(addrs []string) ([]multiaddr.Multiaddr, error) {
	result := make([]multiaddr.Multiaddr, 0, len(addrs))
	for _, addr := range addrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("parsing multiaddr %q: %w", addr, err)
		}
		result = append(result, ma)
	}
	return result, nil
}
