// Package pex implements peer exchange: a persistent address book of
// known peer multiaddrs and a reactor that trades addresses with
// connected peers to keep the outbound connection count topped up.
package pex

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/Demosthene27/valois-sdk/types"
)

// maxDialBackoff caps the exponential backoff between attempts to an
// unresponsive address.
const maxDialBackoff = time.Hour

// AddressEntry is one known peer address.
type AddressEntry struct {
	Multiaddr string `json:"multiaddr"`
	LastSeen  int64  `json:"last_seen"`
	IsSeed    bool   `json:"is_seed"`

	LastAttempt  int64 `json:"last_attempt"`
	AttemptCount int   `json:"attempt_count"`
}

type addressBookFile struct {
	Addresses []AddressEntry `json:"addresses"`
}

// AddressBook holds known peer multiaddrs, keyed by the peer identity
// embedded in the address. It persists to a JSON file.
type AddressBook struct {
	path    string
	maxSize int

	entries map[peer.ID]*AddressEntry
	mu      sync.RWMutex
}

// NewAddressBook creates an address book backed by the given file. A
// maxSize of 0 means unbounded.
func NewAddressBook(path string, maxSize int) *AddressBook {
	return &AddressBook{
		path:    path,
		maxSize: maxSize,
		entries: make(map[peer.ID]*AddressEntry),
	}
}

// peerIDFromMultiaddr extracts the peer identity from the /p2p/
// component of an address.
func peerIDFromMultiaddr(addr string) (peer.ID, error) {
	maddr, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return "", fmt.Errorf("parsing multiaddr: %w", err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return "", fmt.Errorf("extracting peer info: %w", err)
	}
	return info.ID, nil
}

// Load reads the address book file. A missing file is not an error.
func (ab *AddressBook) Load() error {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	if ab.path == "" {
		return nil
	}

	data, err := os.ReadFile(ab.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading address book: %w", err)
	}

	var file addressBookFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing address book: %w", err)
	}

	ab.entries = make(map[peer.ID]*AddressEntry, len(file.Addresses))
	for i := range file.Addresses {
		entry := file.Addresses[i]
		peerID, err := peerIDFromMultiaddr(entry.Multiaddr)
		if err != nil {
			continue
		}
		ab.entries[peerID] = &entry
	}
	return nil
}

// Save writes the address book atomically.
func (ab *AddressBook) Save() error {
	ab.mu.RLock()
	defer ab.mu.RUnlock()

	if ab.path == "" {
		return nil
	}

	var file addressBookFile
	for _, entry := range ab.entries {
		file.Addresses = append(file.Addresses, *entry)
	}
	sort.Slice(file.Addresses, func(i, j int) bool {
		return file.Addresses[i].Multiaddr < file.Addresses[j].Multiaddr
	})

	data, err := json.MarshalIndent(&file, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding address book: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(ab.path), 0o755); err != nil {
		return fmt.Errorf("creating address book directory: %w", err)
	}
	tmpPath := ab.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("writing address book: %w", err)
	}
	if err := os.Rename(tmpPath, ab.path); err != nil {
		return fmt.Errorf("replacing address book: %w", err)
	}
	return nil
}

// AddAddress records a multiaddr, returning the peer identity it
// carries. Known peers are refreshed, new ones may evict the oldest
// entry when the book is full.
func (ab *AddressBook) AddAddress(addr string) (peer.ID, error) {
	peerID, err := peerIDFromMultiaddr(addr)
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrInvalidMessage, err)
	}

	ab.mu.Lock()
	defer ab.mu.Unlock()

	now := time.Now().Unix()
	if entry, ok := ab.entries[peerID]; ok {
		entry.Multiaddr = addr
		entry.LastSeen = now
		entry.AttemptCount = 0
		return peerID, nil
	}

	if ab.maxSize > 0 && len(ab.entries) >= ab.maxSize {
		ab.evictOldestLocked()
	}
	ab.entries[peerID] = &AddressEntry{Multiaddr: addr, LastSeen: now}
	return peerID, nil
}

// AddSeed records a seed address. Seeds survive pruning and eviction.
func (ab *AddressBook) AddSeed(addr string) (peer.ID, error) {
	peerID, err := ab.AddAddress(addr)
	if err != nil {
		return "", err
	}

	ab.mu.Lock()
	defer ab.mu.Unlock()
	if entry, ok := ab.entries[peerID]; ok {
		entry.IsSeed = true
	}
	return peerID, nil
}

func (ab *AddressBook) evictOldestLocked() {
	var (
		oldestID   peer.ID
		oldestSeen int64 = 1<<63 - 1
	)
	for id, entry := range ab.entries {
		if entry.IsSeed {
			continue
		}
		if entry.LastSeen < oldestSeen {
			oldestSeen = entry.LastSeen
			oldestID = id
		}
	}
	if oldestID != "" {
		delete(ab.entries, oldestID)
	}
}

// Remove drops a peer from the book.
func (ab *AddressBook) Remove(peerID peer.ID) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	delete(ab.entries, peerID)
}

// Get returns a copy of the entry for the peer.
func (ab *AddressBook) Get(peerID peer.ID) (AddressEntry, bool) {
	ab.mu.RLock()
	defer ab.mu.RUnlock()
	entry, ok := ab.entries[peerID]
	if !ok {
		return AddressEntry{}, false
	}
	return *entry, true
}

// Has reports whether the peer is known.
func (ab *AddressBook) Has(peerID peer.ID) bool {
	ab.mu.RLock()
	defer ab.mu.RUnlock()
	_, ok := ab.entries[peerID]
	return ok
}

// Size returns the number of known addresses.
func (ab *AddressBook) Size() int {
	ab.mu.RLock()
	defer ab.mu.RUnlock()
	return len(ab.entries)
}

// MarkSeen refreshes the last-seen timestamp and clears the dial
// backoff for a peer we heard from.
func (ab *AddressBook) MarkSeen(peerID peer.ID) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	if entry, ok := ab.entries[peerID]; ok {
		entry.LastSeen = time.Now().Unix()
		entry.AttemptCount = 0
	}
}

// RecordAttempt notes a dial attempt, growing the backoff.
func (ab *AddressBook) RecordAttempt(peerID peer.ID) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	if entry, ok := ab.entries[peerID]; ok {
		entry.LastAttempt = time.Now().Unix()
		entry.AttemptCount++
	}
}

// AddressesForExchange returns up to max multiaddrs, most recently
// seen first. The excluded peer never receives its own address.
func (ab *AddressBook) AddressesForExchange(exclude peer.ID, max int) []string {
	ab.mu.RLock()
	defer ab.mu.RUnlock()

	entries := make([]*AddressEntry, 0, len(ab.entries))
	for peerID, entry := range ab.entries {
		if peerID == exclude {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastSeen > entries[j].LastSeen
	})

	if max > 0 && len(entries) > max {
		entries = entries[:max]
	}
	addrs := make([]string, len(entries))
	for i, entry := range entries {
		addrs[i] = entry.Multiaddr
	}
	return addrs
}

// DialCandidates returns up to max entries worth dialing, excluding
// connected peers and addresses still in backoff. Seeds and recently
// seen peers sort first.
func (ab *AddressBook) DialCandidates(exclude map[peer.ID]bool, max int) []AddressEntry {
	ab.mu.RLock()
	defer ab.mu.RUnlock()

	now := time.Now().Unix()
	candidates := make([]AddressEntry, 0, len(ab.entries))
	for peerID, entry := range ab.entries {
		if exclude[peerID] {
			continue
		}
		if entry.AttemptCount > 0 {
			backoff := int64(1) << min(entry.AttemptCount, 62)
			if backoff > int64(maxDialBackoff/time.Second) {
				backoff = int64(maxDialBackoff / time.Second)
			}
			if now-entry.LastAttempt < backoff {
				continue
			}
		}
		candidates = append(candidates, *entry)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].IsSeed != candidates[j].IsSeed {
			return candidates[i].IsSeed
		}
		return candidates[i].LastSeen > candidates[j].LastSeen
	})

	if max > 0 && len(candidates) > max {
		candidates = candidates[:max]
	}
	return candidates
}

// Prune drops non-seed entries not seen within maxAge and returns how
// many were removed.
func (ab *AddressBook) Prune(maxAge time.Duration) int {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	cutoff := time.Now().Add(-maxAge).Unix()
	pruned := 0
	for peerID, entry := range ab.entries {
		if entry.IsSeed {
			continue
		}
		if entry.LastSeen < cutoff {
			delete(ab.entries, peerID)
			pruned++
		}
	}
	return pruned
}
