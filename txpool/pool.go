// Package txpool holds unconfirmed transactions organized for fast
// admission and fair selection. For every sender the pool keeps a gap-free
// ascending nonce run starting at the on-chain nonce, so any selected
// prefix applies cleanly.
package txpool

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"github.com/Demosthene27/valois-sdk/config"
	"github.com/Demosthene27/valois-sdk/events"
	"github.com/Demosthene27/valois-sdk/logging"
	"github.com/Demosthene27/valois-sdk/types"
)

// AccountReader resolves confirmed account state for nonce floors.
type AccountReader interface {
	GetAccount(addr types.Address) (*types.Account, error)
}

// ValidateFunc performs stateless transaction validation (schema,
// signatures, per-asset static rules).
type ValidateFunc func(tx *types.Transaction) error

// ApplyFunc speculatively applies a sender's pending run on a fresh state
// snapshot. The processor supplies it so admission catches semantic
// failures that depend on accumulated pool state.
type ApplyFunc func(txs []*types.Transaction) error

// poolTx wraps a resident transaction with its admission metadata.
type poolTx struct {
	tx        *types.Transaction
	addedAt   time.Time
	heapIndex int
}

// feeHeap is a min-heap over fee density. The root is the cheapest
// resident, the first eviction candidate when the pool is full.
type feeHeap []*poolTx

func (h feeHeap) Len() int           { return len(h) }
func (h feeHeap) Less(i, j int) bool { return h[i].tx.FeePerByte() < h[j].tx.FeePerByte() }
func (h feeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *feeHeap) Push(x any) {
	item := x.(*poolTx)
	item.heapIndex = len(*h)
	*h = append(*h, item)
}

func (h *feeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.heapIndex = -1
	*h = old[:n-1]
	return item
}

// Pool is the unconfirmed transaction pool. Safe for concurrent use.
type Pool struct {
	mu sync.RWMutex

	cfg      config.PoolConfig
	accounts AccountReader
	validate ValidateFunc
	apply    ApplyFunc

	bus    *events.Bus
	logger *logging.Logger

	byID     map[string]*poolTx
	bySender map[string][]*poolTx
	fees     feeHeap
	tree     *MerkleTree

	closed bool
	quit   chan struct{}
	done   chan struct{}
}

// NewPool creates a transaction pool. The bus may be nil; removal events
// are then not published. The apply check is installed later by the
// processor via SetApplyCheck.
func NewPool(cfg config.PoolConfig, accounts AccountReader, validate ValidateFunc, bus *events.Bus, logger *logging.Logger) *Pool {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	p := &Pool{
		cfg:      cfg,
		accounts: accounts,
		validate: validate,
		bus:      bus,
		logger:   logger.WithComponent("txpool"),
		byID:     make(map[string]*poolTx),
		bySender: make(map[string][]*poolTx),
		fees:     make(feeHeap, 0),
		tree:     NewMerkleTree(),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	heap.Init(&p.fees)
	return p
}

// SetApplyCheck installs the speculative apply callback used as the final
// admission step.
func (p *Pool) SetApplyCheck(fn ApplyFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.apply = fn
}

// Start launches the periodic expiry sweep.
func (p *Pool) Start() {
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.cfg.SweepInterval.Duration())
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.Sweep()
			case <-p.quit:
				return
			}
		}
	}()
}

// Stop terminates the sweep loop and rejects further admissions.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.quit)
	<-p.done
}

// Add admits a transaction into the pool.
//
// The pipeline is: dedup by id, stateless validation, nonce floor against
// the confirmed account, per-sender quota with same-nonce fee-bump
// replacement, global capacity with cheapest-first eviction, then the
// processor's speculative apply check over the sender's whole run.
func (p *Pool) Add(tx *types.Transaction) error {
	if tx == nil {
		return types.ErrInvalidTx
	}
	if err := tx.Init(); err != nil {
		return err
	}

	p.mu.RLock()
	closed := p.closed
	_, exists := p.byID[string(tx.ID())]
	p.mu.RUnlock()
	if closed {
		return types.ErrPoolClosed
	}
	if exists {
		return types.ErrTxAlreadyExists
	}

	// Signature verification is CPU-bound; keep it outside the lock.
	if err := p.validate(tx); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return types.ErrPoolClosed
	}
	if _, exists := p.byID[string(tx.ID())]; exists {
		return types.ErrTxAlreadyExists
	}

	account, err := p.accounts.GetAccount(tx.SenderAddress())
	if err != nil {
		return err
	}
	if tx.Nonce < account.Nonce {
		return types.ErrNonceTooLow
	}

	sender := string(tx.SenderAddress())
	pending := p.bySender[sender]
	expected := account.Nonce + uint64(len(pending))

	switch {
	case tx.Nonce > expected:
		return types.ErrNonceGap

	case tx.Nonce < expected:
		// Same-nonce replacement. The resident only yields to a fee bump.
		old := pending[tx.Nonce-account.Nonce]
		required := uint64(float64(old.tx.Fee) * p.cfg.ReplaceFactor)
		if tx.Fee < required {
			return types.ErrReplacementUnderpriced
		}
		run := p.candidateRun(pending, tx, int(tx.Nonce-account.Nonce))
		if err := p.applyCheck(run); err != nil {
			return err
		}
		p.removeLocked(old, "replaced")
		p.insertLocked(tx, int(tx.Nonce-account.Nonce))
		return nil

	default:
		// Appending at the tail of the run.
		if len(pending) >= p.cfg.MaxPerSender {
			return types.ErrSenderQuotaExceeded
		}
		if p.cfg.MaxTransactions > 0 && len(p.byID) >= p.cfg.MaxTransactions {
			if err := p.evictCheapestLocked(tx); err != nil {
				return err
			}
		}
		run := p.candidateRun(p.bySender[sender], tx, len(p.bySender[sender]))
		if err := p.applyCheck(run); err != nil {
			return err
		}
		p.insertLocked(tx, len(p.bySender[sender]))
		return nil
	}
}

// candidateRun builds the sender's run with the candidate placed at pos.
func (p *Pool) candidateRun(pending []*poolTx, tx *types.Transaction, pos int) []*types.Transaction {
	run := make([]*types.Transaction, 0, len(pending)+1)
	for i, ptx := range pending {
		if i == pos {
			run = append(run, tx)
			continue
		}
		run = append(run, ptx.tx)
	}
	if pos >= len(pending) {
		run = append(run, tx)
	}
	return run
}

func (p *Pool) applyCheck(run []*types.Transaction) error {
	if p.apply == nil {
		return nil
	}
	return p.apply(run)
}

// evictCheapestLocked makes room for tx by evicting the cheapest resident
// of another sender. Evicting a mid-run transaction would leave a nonce
// gap, so the victim's higher-nonce followers go with it.
//
// The minimum of a min-heap is at the root, but the cheapest tx of a
// different sender can sit anywhere, so this is a full scan.
func (p *Pool) evictCheapestLocked(tx *types.Transaction) error {
	sender := string(tx.SenderAddress())

	var cheapest *poolTx
	for _, ptx := range p.fees {
		if string(ptx.tx.SenderAddress()) == sender {
			continue
		}
		if cheapest == nil || ptx.tx.FeePerByte() < cheapest.tx.FeePerByte() {
			cheapest = ptx
		}
	}
	if cheapest == nil || tx.FeePerByte() <= cheapest.tx.FeePerByte() {
		return types.ErrPoolFull
	}
	p.evictFromLocked(cheapest, "evicted")
	return nil
}

// evictFromLocked removes victim and every higher-nonce resident of the
// same sender.
func (p *Pool) evictFromLocked(victim *poolTx, reason string) {
	sender := string(victim.tx.SenderAddress())
	pending := p.bySender[sender]
	for i, ptx := range pending {
		if ptx.tx.Nonce >= victim.tx.Nonce {
			drops := append([]*poolTx(nil), pending[i:]...)
			for _, drop := range drops {
				p.removeLocked(drop, reason)
			}
			return
		}
	}
}

// insertLocked places tx at position pos in its sender's run and updates
// every index.
func (p *Pool) insertLocked(tx *types.Transaction, pos int) {
	ptx := &poolTx{tx: tx, addedAt: time.Now()}
	sender := string(tx.SenderAddress())
	pending := p.bySender[sender]

	pending = append(pending, nil)
	copy(pending[pos+1:], pending[pos:])
	pending[pos] = ptx
	p.bySender[sender] = pending

	p.byID[string(tx.ID())] = ptx
	heap.Push(&p.fees, ptx)
	p.tree.Add(tx.ID())
}

// removeLocked drops a single resident from every index and publishes the
// removal.
func (p *Pool) removeLocked(ptx *poolTx, reason string) {
	id := string(ptx.tx.ID())
	if _, exists := p.byID[id]; !exists {
		return
	}
	delete(p.byID, id)
	heap.Remove(&p.fees, ptx.heapIndex)
	p.tree.Remove(ptx.tx.ID())

	sender := string(ptx.tx.SenderAddress())
	pending := p.bySender[sender]
	for i, resident := range pending {
		if resident == ptx {
			p.bySender[sender] = append(pending[:i], pending[i+1:]...)
			break
		}
	}
	if len(p.bySender[sender]) == 0 {
		delete(p.bySender, sender)
	}

	if p.bus != nil {
		if err := p.bus.Publish(events.TransactionRemoved(ptx.tx.ID(), reason)); err != nil {
			p.logger.Debug("publishing TransactionRemoved", logging.Error(err))
		}
	}
}

// Select picks transactions for a block payload. Senders are ordered by
// the fee density of their run head, and within a sender transactions come
// out in nonce order. Selection stops at the byte budget; a truncated run
// is still a valid gap-free prefix.
func (p *Pool) Select(maxBytes int) []*types.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()

	type senderRun struct {
		head    uint64
		pending []*poolTx
	}
	runs := make([]senderRun, 0, len(p.bySender))
	for _, pending := range p.bySender {
		runs = append(runs, senderRun{head: pending[0].tx.FeePerByte(), pending: pending})
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].head > runs[j].head })

	var selected []*types.Transaction
	total := 0
	for _, run := range runs {
		for _, ptx := range run.pending {
			size := ptx.tx.Size()
			if maxBytes > 0 && total+size > maxBytes {
				return selected
			}
			selected = append(selected, ptx.tx)
			total += size
		}
	}
	return selected
}

// OnNewBlock reconciles the pool after a block lands on the canonical
// chain: included transactions leave, and every resident made stale by an
// advanced account nonce leaves with them.
func (p *Pool) OnNewBlock(block *types.Block) {
	p.mu.Lock()
	defer p.mu.Unlock()

	senders := make(map[string]struct{})
	for _, tx := range block.Payload {
		if ptx, exists := p.byID[string(tx.ID())]; exists {
			p.removeLocked(ptx, "included")
		}
		senders[string(tx.SenderAddress())] = struct{}{}
	}

	for sender := range senders {
		pending := p.bySender[sender]
		if len(pending) == 0 {
			continue
		}
		account, err := p.accounts.GetAccount(pending[0].tx.SenderAddress())
		if err != nil {
			p.logger.Warn("reading account during pool reconciliation", logging.Error(err))
			continue
		}
		var stale []*poolTx
		for _, ptx := range pending {
			if ptx.tx.Nonce < account.Nonce {
				stale = append(stale, ptx)
			}
		}
		for _, ptx := range stale {
			p.removeLocked(ptx, "stale")
		}
	}
}

// OnDeleteBlock re-admits the transactions of a reverted block. Already
// present ids are ignored and admissions that now fail are dropped.
func (p *Pool) OnDeleteBlock(block *types.Block) {
	for _, tx := range block.Payload {
		if err := p.Add(tx); err != nil {
			p.logger.Debug("dropping reverted transaction",
				logging.Hash(tx.ID()), logging.Error(err))
		}
	}
}

// Sweep evicts every resident older than the expiry interval. An expired
// mid-run transaction takes its higher-nonce followers with it.
func (p *Pool) Sweep() {
	cutoff := time.Now().Add(-p.cfg.ExpiryInterval.Duration())

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, pending := range p.bySender {
		for _, ptx := range pending {
			if ptx.addedAt.Before(cutoff) {
				p.evictFromLocked(ptx, "expired")
				break
			}
		}
	}
}

// Has checks if a transaction id is resident.
func (p *Pool) Has(id types.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, exists := p.byID[string(id)]
	return exists
}

// Get retrieves a resident transaction by id.
func (p *Pool) Get(id types.Hash) (*types.Transaction, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ptx, exists := p.byID[string(id)]
	if !exists {
		return nil, types.ErrTxNotFound
	}
	return ptx.tx, nil
}

// IDs returns the ids of all resident transactions.
func (p *Pool) IDs() []types.Hash {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tree.Leaves()
}

// Size returns the number of resident transactions.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byID)
}

// RootHash returns the merkle root over resident transaction ids.
func (p *Pool) RootHash() types.Hash {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tree.RootHash()
}

// Flush removes all residents without publishing removal events.
func (p *Pool) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.byID = make(map[string]*poolTx)
	p.bySender = make(map[string][]*poolTx)
	p.fees = make(feeHeap, 0)
	heap.Init(&p.fees)
	p.tree.Clear()
}
