// Package forger produces blocks during slots assigned to locally
// unlocked delegates. Delegate keys live only in memory after
// decryption; every forged block reveals one hash-onion layer whose
// index is persisted before the block is signed.
package forger

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"sync"
	"time"

	"github.com/Demosthene27/valois-sdk/bft"
	"github.com/Demosthene27/valois-sdk/blockstore"
	"github.com/Demosthene27/valois-sdk/config"
	"github.com/Demosthene27/valois-sdk/consensus"
	"github.com/Demosthene27/valois-sdk/logging"
	"github.com/Demosthene27/valois-sdk/txpool"
	"github.com/Demosthene27/valois-sdk/types"
)

// Chain accepts locally forged blocks. The block processor implements it.
type Chain interface {
	Process(block *types.Block, origin types.BlockOrigin, peer types.PeerID) error
}

// Finality exposes the consensus ledger entries a forged header declares.
type Finality interface {
	PreVotedConfirmedHeight() types.Height
	Record(addr types.Address) bft.ValidatorRecord
}

// SyncStatus reports whether a chain recovery is in flight. Forging
// pauses while it is.
type SyncStatus interface {
	IsActive() bool
}

// ValidatorsFunc resolves the current validator set.
type ValidatorsFunc func() (*types.ValidatorSet, error)

// Config collects the forger's collaborators.
type Config struct {
	Forging          config.ForgingConfig
	Blocks           blockstore.Store
	Chain            Chain
	Pool             *txpool.Pool
	Slots            *consensus.Slots
	Detector         *consensus.AddressDetector
	Validators       ValidatorsFunc
	Finality         Finality
	Sync             SyncStatus
	KV               KV
	RoundLength      int
	MaxPayloadLength int
	Logger           *logging.Logger
	Now              func() time.Time
}

type delegate struct {
	address    types.Address
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	onion      *HashOnion
}

// DelegateStatus describes one unlocked delegate.
type DelegateStatus struct {
	Address   types.Address
	UsedIndex uint32
	Layers    uint32
}

// Forger drives the block production tick loop.
type Forger struct {
	cfg         config.ForgingConfig
	blocks      blockstore.Store
	chain       Chain
	pool        *txpool.Pool
	slots       *consensus.Slots
	detector    *consensus.AddressDetector
	validators  ValidatorsFunc
	finality    Finality
	sync        SyncStatus
	ledger      *onionLedger
	roundLength int
	maxPayload  int
	logger      *logging.Logger
	now         func() time.Time

	mu        sync.Mutex
	delegates map[string]*delegate
	lastSlot  int64

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewForger creates the forger. Delegates configured with an encrypted
// passphrase are unlocked at boot when a default password is set.
func NewForger(cfg Config) (*Forger, error) {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNopLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	f := &Forger{
		cfg:         cfg.Forging,
		blocks:      cfg.Blocks,
		chain:       cfg.Chain,
		pool:        cfg.Pool,
		slots:       cfg.Slots,
		detector:    cfg.Detector,
		validators:  cfg.Validators,
		finality:    cfg.Finality,
		sync:        cfg.Sync,
		ledger:      &onionLedger{kv: cfg.KV},
		roundLength: cfg.RoundLength,
		maxPayload:  cfg.MaxPayloadLength,
		logger:      cfg.Logger.WithComponent("forger"),
		now:         cfg.Now,
		delegates:   make(map[string]*delegate),
		lastSlot:    -1,
	}
	if cfg.Forging.DefaultPassword != "" {
		for _, entry := range cfg.Forging.Delegates {
			addr, err := hex.DecodeString(entry.Address)
			if err != nil {
				return nil, err
			}
			if err := f.UpdateForgingStatus(addr, cfg.Forging.DefaultPassword, true); err != nil {
				return nil, err
			}
		}
	}
	return f, nil
}

// UpdateForgingStatus unlocks or locks a delegate. Enabling decrypts the
// configured passphrase, derives the signing key and checks it against
// the delegate address; disabling wipes the key material.
func (f *Forger) UpdateForgingStatus(address types.Address, password string, forging bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !forging {
		d, ok := f.delegates[string(address)]
		if !ok {
			return types.ErrNotForging
		}
		for i := range d.privateKey {
			d.privateKey[i] = 0
		}
		delete(f.delegates, string(address))
		f.detector.Remove(address)
		f.logger.Info("forging disabled", logging.Hash(address))
		return nil
	}

	entry, err := f.delegateConfig(address)
	if err != nil {
		return err
	}
	passphrase, err := DecryptPassphrase(password, entry.EncryptedPassphrase)
	if err != nil {
		return err
	}
	privateKey := KeyFromPassphrase(passphrase)
	publicKey := privateKey.Public().(ed25519.PublicKey)
	if !types.AddressFromPublicKey(publicKey).Equal(address) {
		return types.ErrKeyMismatch
	}
	onion, err := ParseHashOnion(entry.HashOnion.Count, entry.HashOnion.Distance, entry.HashOnion.Checkpoints)
	if err != nil {
		return err
	}

	f.delegates[string(address)] = &delegate{
		address:    address,
		privateKey: privateKey,
		publicKey:  publicKey,
		onion:      onion,
	}
	f.detector.Add(address)
	f.logger.Info("forging enabled", logging.Hash(address))
	return nil
}

func (f *Forger) delegateConfig(address types.Address) (config.DelegateConfig, error) {
	for _, entry := range f.cfg.Delegates {
		raw, err := hex.DecodeString(entry.Address)
		if err != nil {
			continue
		}
		if bytes.Equal(raw, address) {
			return entry, nil
		}
	}
	return config.DelegateConfig{}, types.ErrDelegateNotFound
}

// Status lists the unlocked delegates and their onion consumption.
func (f *Forger) Status() ([]DelegateStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]DelegateStatus, 0, len(f.delegates))
	for _, d := range f.delegates {
		used, _, err := f.ledger.usedIndex(d.address)
		if err != nil {
			return nil, err
		}
		out = append(out, DelegateStatus{
			Address:   d.address,
			UsedIndex: used,
			Layers:    d.onion.Count(),
		})
	}
	return out, nil
}

// Start launches the tick loop.
func (f *Forger) Start() {
	f.stop = make(chan struct{})
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ticker := time.NewTicker(f.cfg.ForgeInterval.Duration())
		defer ticker.Stop()
		for {
			select {
			case <-f.stop:
				return
			case <-ticker.C:
				f.Tick(f.now())
			}
		}
	}()
}

// Stop halts the tick loop and waits for any in-flight attempt.
func (f *Forger) Stop() {
	if f.stop != nil {
		close(f.stop)
	}
	f.wg.Wait()
}

// Tick runs one forge attempt. It returns silently in every skip case;
// failures never escalate past a log line.
func (f *Forger) Tick(now time.Time) {
	if f.sync != nil && f.sync.IsActive() {
		return
	}
	set, err := f.validators()
	if err != nil {
		f.logger.Warn("validator set unavailable", logging.Error(err))
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	slot := f.slots.Current(now)
	if slot == f.lastSlot {
		return
	}
	address, ok := f.detector.LocalForger(set, slot)
	if !ok {
		return
	}
	d, ok := f.delegates[string(address)]
	if !ok {
		return
	}
	if !f.cfg.Force &&
		f.slots.Elapsed(now) < f.cfg.WaitThreshold.Duration() &&
		f.pool.Size() < f.cfg.MinPoolTransactions {
		return
	}
	f.lastSlot = slot

	block, err := f.buildBlock(d, slot)
	if err != nil {
		f.logger.Warn("forge attempt failed",
			logging.Hash(address),
			logging.Slot(slot),
			logging.Error(err))
		return
	}
	if err := f.chain.Process(block, types.OriginLocal, ""); err != nil {
		f.logger.Warn("forged block rejected",
			logging.Height(uint64(block.Header.Height)),
			logging.Error(err))
		return
	}
	f.logger.Info("block forged",
		logging.Height(uint64(block.Header.Height)),
		logging.Slot(slot),
		logging.Count(len(block.Payload)))
}

// buildBlock assembles, reserves an onion layer for, and signs the next
// block. The consumed index is durable before the signature exists.
func (f *Forger) buildBlock(d *delegate, slot int64) (*types.Block, error) {
	tip, err := f.blocks.Tip()
	if err != nil {
		return nil, err
	}
	height := tip.Header.Height + 1
	round := roundNumber(height, f.roundLength)

	if err := f.ledger.consume(d.address, round, d.onion.Count()); err != nil {
		return nil, err
	}
	reveal, err := d.onion.Layer(d.onion.Count() - round)
	if err != nil {
		return nil, err
	}

	record := f.finality.Record(d.address)
	payload := f.pool.Select(f.maxPayload)
	header := &types.BlockHeader{
		Version:            types.CurrentBlockVersion,
		Height:             height,
		Timestamp:          uint32(f.slots.Start(slot)),
		PreviousBlockID:    tip.Header.ID(),
		GeneratorPublicKey: d.publicKey,
		TransactionRoot:    txpool.TransactionRoot(payload),
		Asset: types.BlockAsset{
			MaxHeightPreviouslyForged: record.MaxHeightPreviouslyForged,
			MaxHeightPrevoted:         uint64(f.finality.PreVotedConfirmedHeight()),
			SeedReveal:                reveal,
		},
	}
	if err := header.Sign(d.privateKey); err != nil {
		return nil, err
	}
	return &types.Block{Header: header, Payload: payload}, nil
}

// roundNumber maps a height to its 1-based forging round.
func roundNumber(height types.Height, roundLength int) uint32 {
	if roundLength <= 0 {
		return uint32(height)
	}
	return uint32((uint64(height) + uint64(roundLength) - 1) / uint64(roundLength))
}
