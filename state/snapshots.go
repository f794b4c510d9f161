package state

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cosmos/iavl"

	"github.com/Demosthene27/valois-sdk/types"
)

// Snapshot errors.
var (
	ErrSnapshotNotFound      = errors.New("snapshot not found")
	ErrSnapshotChunkNotFound = errors.New("snapshot chunk not found")
	ErrSnapshotCorrupt       = errors.New("snapshot is corrupt")
)

// Default snapshot configuration.
const (
	DefaultChunkSize = 10 * 1024 * 1024 // 10 MB per chunk
	SnapshotVersion  = 1
)

// Snapshot describes a full state export taken at a block height.
type Snapshot struct {
	// Version is the snapshot format version.
	Version uint32

	// Height is the block height this snapshot was taken at.
	Height types.Height

	// Hash is the unique identifier for this snapshot.
	Hash []byte

	// ChunkSize is the maximum size of each chunk in bytes.
	ChunkSize int

	// Chunks is the total number of chunks in this snapshot.
	Chunks int

	// StateRoot is the state tree root hash at this height.
	StateRoot []byte

	// CreatedAt is when this snapshot was created.
	CreatedAt time.Time
}

// SnapshotInfo contains summary information about a snapshot.
type SnapshotInfo struct {
	Height    types.Height
	Hash      []byte
	Chunks    int
	Size      int64
	CreatedAt time.Time
}

// SnapshotChunk is a single chunk of a snapshot.
type SnapshotChunk struct {
	Index int
	Hash  []byte
	Data  []byte
}

// ChunkProvider provides chunks for snapshot import.
type ChunkProvider interface {
	// GetChunk returns the chunk at the given index.
	GetChunk(index int) ([]byte, error)

	// ChunkCount returns the total number of chunks.
	ChunkCount() int
}

// SnapshotManager exports and imports full state snapshots through the
// filesystem. Exports are gzip-compressed IAVL node streams split into
// fixed-size chunks.
type SnapshotManager struct {
	path      string
	store     *IAVLStore
	chunkSize int
	mu        sync.RWMutex
}

// NewSnapshotManager creates a snapshot manager rooted at path.
func NewSnapshotManager(path string, store *IAVLStore) (*SnapshotManager, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}

	return &SnapshotManager{
		path:      path,
		store:     store,
		chunkSize: DefaultChunkSize,
	}, nil
}

// SetChunkSize sets the chunk size for new snapshots.
func (s *SnapshotManager) SetChunkSize(size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunkSize = size
}

// Create exports the current state tree as a snapshot for the given height.
func (s *SnapshotManager) Create(height types.Height) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exporter, err := s.store.tree.Export()
	if err != nil {
		return nil, fmt.Errorf("exporting state tree: %w", err)
	}

	var buffer bytes.Buffer
	gzWriter := gzip.NewWriter(&buffer)

	for {
		node, err := exporter.Next()
		if errors.Is(err, iavl.ErrorExportDone) {
			break
		}
		if err != nil {
			exporter.Close()
			return nil, fmt.Errorf("exporting node: %w", err)
		}

		if err := writeExportNode(gzWriter, node); err != nil {
			exporter.Close()
			return nil, fmt.Errorf("encoding node: %w", err)
		}
	}
	exporter.Close()

	if err := gzWriter.Close(); err != nil {
		return nil, fmt.Errorf("closing gzip writer: %w", err)
	}

	chunks := splitIntoChunks(buffer.Bytes(), s.chunkSize)

	h := sha256.New()
	heightBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(heightBuf, uint64(height))
	h.Write(heightBuf)
	for _, chunk := range chunks {
		h.Write(chunk)
	}
	hash := h.Sum(nil)

	snapshotDir := filepath.Join(s.path, fmt.Sprintf("%x", hash[:8]))
	if err := os.MkdirAll(snapshotDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}

	for i, chunk := range chunks {
		chunkPath := filepath.Join(snapshotDir, fmt.Sprintf("chunk_%d", i))
		if err := os.WriteFile(chunkPath, chunk, 0o644); err != nil {
			return nil, fmt.Errorf("writing chunk %d: %w", i, err)
		}
	}

	snapshot := &Snapshot{
		Version:   SnapshotVersion,
		Height:    height,
		Hash:      hash,
		ChunkSize: s.chunkSize,
		Chunks:    len(chunks),
		StateRoot: s.store.RootHash(),
		CreatedAt: time.Now(),
	}

	metadata, err := encodeSnapshotMetadata(snapshot)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	metadataPath := filepath.Join(snapshotDir, "metadata")
	if err := os.WriteFile(metadataPath, metadata, 0o644); err != nil {
		return nil, fmt.Errorf("writing metadata: %w", err)
	}

	return snapshot, nil
}

// List returns information about all available snapshots, newest first.
func (s *SnapshotManager) List() ([]*SnapshotInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading snapshot directory: %w", err)
	}

	var snapshots []*SnapshotInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		metadata, err := os.ReadFile(filepath.Join(s.path, entry.Name(), "metadata"))
		if err != nil {
			continue // Skip invalid snapshots
		}

		snapshot, err := decodeSnapshotMetadata(metadata)
		if err != nil {
			continue
		}

		var totalSize int64
		for i := 0; i < snapshot.Chunks; i++ {
			info, err := os.Stat(filepath.Join(s.path, entry.Name(), fmt.Sprintf("chunk_%d", i)))
			if err == nil {
				totalSize += info.Size()
			}
		}

		snapshots = append(snapshots, &SnapshotInfo{
			Height:    snapshot.Height,
			Hash:      snapshot.Hash,
			Chunks:    snapshot.Chunks,
			Size:      totalSize,
			CreatedAt: snapshot.CreatedAt,
		})
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Height > snapshots[j].Height
	})

	return snapshots, nil
}

// Load loads a snapshot by hash.
func (s *SnapshotManager) Load(hash []byte) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	metadataPath := filepath.Join(s.path, fmt.Sprintf("%x", hash[:8]), "metadata")
	metadata, err := os.ReadFile(metadataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("reading metadata: %w", err)
	}

	snapshot, err := decodeSnapshotMetadata(metadata)
	if err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}

	if !bytes.Equal(snapshot.Hash, hash) {
		return nil, ErrSnapshotCorrupt
	}

	return snapshot, nil
}

// LoadChunk loads a specific chunk of a snapshot.
func (s *SnapshotManager) LoadChunk(hash []byte, index int) (*SnapshotChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chunkPath := filepath.Join(s.path, fmt.Sprintf("%x", hash[:8]), fmt.Sprintf("chunk_%d", index))
	data, err := os.ReadFile(chunkPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSnapshotChunkNotFound
		}
		return nil, fmt.Errorf("reading chunk: %w", err)
	}

	chunkHash := sha256.Sum256(data)
	return &SnapshotChunk{
		Index: index,
		Hash:  chunkHash[:],
		Data:  data,
	}, nil
}

// Delete removes a snapshot and all its chunks.
func (s *SnapshotManager) Delete(hash []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshotDir := filepath.Join(s.path, fmt.Sprintf("%x", hash[:8]))
	if _, err := os.Stat(snapshotDir); os.IsNotExist(err) {
		return ErrSnapshotNotFound
	}

	return os.RemoveAll(snapshotDir)
}

// Prune removes old snapshots, keeping only the most recent ones.
func (s *SnapshotManager) Prune(keepRecent int) error {
	snapshots, err := s.List()
	if err != nil {
		return err
	}

	if len(snapshots) <= keepRecent {
		return nil
	}

	for _, snapshot := range snapshots[keepRecent:] {
		if err := s.Delete(snapshot.Hash); err != nil {
			return err
		}
	}

	return nil
}

// Has checks if a snapshot exists.
func (s *SnapshotManager) Has(hash []byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := os.Stat(filepath.Join(s.path, fmt.Sprintf("%x", hash[:8])))
	return err == nil
}

// Import restores a snapshot into the state tree.
func (s *SnapshotManager) Import(snapshot *Snapshot, chunks ChunkProvider) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var buffer bytes.Buffer
	for i := 0; i < chunks.ChunkCount(); i++ {
		chunk, err := chunks.GetChunk(i)
		if err != nil {
			return fmt.Errorf("getting chunk %d: %w", i, err)
		}
		buffer.Write(chunk)
	}

	gzReader, err := gzip.NewReader(&buffer)
	if err != nil {
		return fmt.Errorf("creating gzip reader: %w", err)
	}

	importer, err := s.store.tree.Import(int64(snapshot.Height))
	if err != nil {
		return fmt.Errorf("creating importer: %w", err)
	}

	for {
		node, err := readExportNode(gzReader)
		if err == io.EOF {
			break
		}
		if err != nil {
			importer.Close()
			return fmt.Errorf("decoding node: %w", err)
		}

		if err := importer.Add(node); err != nil {
			importer.Close()
			return fmt.Errorf("adding node: %w", err)
		}
	}

	if err := importer.Commit(); err != nil {
		return fmt.Errorf("committing import: %w", err)
	}

	return nil
}

func splitIntoChunks(data []byte, chunkSize int) [][]byte {
	if len(data) == 0 {
		return nil
	}

	var chunks [][]byte
	for i := 0; i < len(data); i += chunkSize {
		end := i + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[i:end])
	}
	return chunks
}

func encodeSnapshotMetadata(s *Snapshot) ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.BigEndian, s.Version); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, uint64(s.Height)); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(s.Hash))); err != nil {
		return nil, err
	}
	buf.Write(s.Hash)
	if err := binary.Write(&buf, binary.BigEndian, uint32(s.ChunkSize)); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, uint32(s.Chunks)); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(s.StateRoot))); err != nil {
		return nil, err
	}
	buf.Write(s.StateRoot)
	if err := binary.Write(&buf, binary.BigEndian, s.CreatedAt.UnixNano()); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func decodeSnapshotMetadata(data []byte) (*Snapshot, error) {
	r := bytes.NewReader(data)
	s := &Snapshot{}

	if err := binary.Read(r, binary.BigEndian, &s.Version); err != nil {
		return nil, err
	}
	var height uint64
	if err := binary.Read(r, binary.BigEndian, &height); err != nil {
		return nil, err
	}
	s.Height = types.Height(height)

	var hashLen uint32
	if err := binary.Read(r, binary.BigEndian, &hashLen); err != nil {
		return nil, err
	}
	s.Hash = make([]byte, hashLen)
	if _, err := io.ReadFull(r, s.Hash); err != nil {
		return nil, err
	}

	var chunkSize uint32
	if err := binary.Read(r, binary.BigEndian, &chunkSize); err != nil {
		return nil, err
	}
	s.ChunkSize = int(chunkSize)

	var chunks uint32
	if err := binary.Read(r, binary.BigEndian, &chunks); err != nil {
		return nil, err
	}
	s.Chunks = int(chunks)

	var rootLen uint32
	if err := binary.Read(r, binary.BigEndian, &rootLen); err != nil {
		return nil, err
	}
	s.StateRoot = make([]byte, rootLen)
	if _, err := io.ReadFull(r, s.StateRoot); err != nil {
		return nil, err
	}

	var createdAt int64
	if err := binary.Read(r, binary.BigEndian, &createdAt); err != nil {
		return nil, err
	}
	s.CreatedAt = time.Unix(0, createdAt)

	return s, nil
}

// Export node framing: key_len + key + value_len + value + height + version.

func writeExportNode(w io.Writer, node *iavl.ExportNode) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(node.Key))); err != nil {
		return err
	}
	if _, err := w.Write(node.Key); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(node.Value))); err != nil {
		return err
	}
	if _, err := w.Write(node.Value); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, node.Height); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, node.Version)
}

func readExportNode(r io.Reader) (*iavl.ExportNode, error) {
	node := &iavl.ExportNode{}

	var keyLen uint32
	if err := binary.Read(r, binary.BigEndian, &keyLen); err != nil {
		return nil, err
	}
	node.Key = make([]byte, keyLen)
	if _, err := io.ReadFull(r, node.Key); err != nil {
		return nil, err
	}

	// nil value indicates an inner node; an empty slice would fail import
	var valueLen uint32
	if err := binary.Read(r, binary.BigEndian, &valueLen); err != nil {
		return nil, err
	}
	if valueLen > 0 {
		node.Value = make([]byte, valueLen)
		if _, err := io.ReadFull(r, node.Value); err != nil {
			return nil, err
		}
	}

	if err := binary.Read(r, binary.BigEndian, &node.Height); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &node.Version); err != nil {
		return nil, err
	}

	return node, nil
}

// MemoryChunkProvider provides chunks from memory.
type MemoryChunkProvider struct {
	chunks [][]byte
}

// NewMemoryChunkProvider creates a new memory-based chunk provider.
func NewMemoryChunkProvider(chunks [][]byte) *MemoryChunkProvider {
	return &MemoryChunkProvider{chunks: chunks}
}

// GetChunk returns the chunk at the given index.
func (p *MemoryChunkProvider) GetChunk(index int) ([]byte, error) {
	if index < 0 || index >= len(p.chunks) {
		return nil, ErrSnapshotChunkNotFound
	}
	return p.chunks[index], nil
}

// ChunkCount returns the total number of chunks.
func (p *MemoryChunkProvider) ChunkCount() int {
	return len(p.chunks)
}
