// Package progstore provides persistent storage for program sources.
//
// Programs are addressed by content: the catalog key is the ProgramID
// hash of the source, so storing the same source twice is idempotent.
// An optional name index maps human-readable names to IDs. Source is
// validated at ingest, so everything in the catalog is loadable.
package progstore

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/RoeeJ/zbf/internal/types"
	"github.com/RoeeJ/zbf/pkg/bfvm"
	bolt "go.etcd.io/bbolt"
)

var (
	// ErrProgramNotFound is returned when a program doesn't exist.
	ErrProgramNotFound = errors.New("program not found")

	// ErrNameTaken is returned when a name already maps to a different program.
	ErrNameTaken = errors.New("program name already taken")

	// ErrEmptySource is returned when storing a zero-length program.
	ErrEmptySource = errors.New("empty program source")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("progstore closed")
)

// Bucket names for BoltDB.
var (
	// bucketPrograms stores program entries keyed by program ID.
	bucketPrograms = []byte("programs")

	// bucketNames indexes program IDs by name.
	bucketNames = []byte("names")

	// bucketMetadata stores catalog metadata.
	bucketMetadata = []byte("metadata")
)

// Metadata keys.
var (
	keyProgramCount = []byte("program_count")
	keySourceBytes  = []byte("source_bytes")
)

// StoredProgram is one catalog entry: validated source plus metadata.
type StoredProgram struct {
	// ID is the content address of Source.
	ID types.ProgramID

	// Name is the optional human-readable name. Empty means unnamed.
	Name string

	// Source is the raw program text, comments included.
	Source []byte

	// AddedAt is when the program entered the catalog.
	AddedAt time.Time
}

// Summary is the listing view of a stored program.
type Summary struct {
	ID      types.ProgramID
	Name    string
	Size    int
	AddedAt time.Time
}

// Config holds progstore configuration options.
type Config struct {
	// Path is the file path for the catalog database.
	Path string

	// NoSync disables fsync after each write (faster but less durable).
	NoSync bool

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool
}

// DefaultConfig returns the default progstore configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:     path,
		NoSync:   false,
		ReadOnly: false,
	}
}

// Store is the program catalog interface.
type Store interface {
	// Put validates source, computes its ID and stores it under name.
	Put(name string, source []byte) (*StoredProgram, error)

	// Get retrieves a program by ID.
	Get(id types.ProgramID) (*StoredProgram, error)

	// GetByName retrieves a program through the name index.
	GetByName(name string) (*StoredProgram, error)

	// Has checks whether a program exists.
	Has(id types.ProgramID) bool

	// Delete removes a program and its name index entry.
	Delete(id types.ProgramID) error

	// List iterates stored programs in ID order until fn returns false.
	List(fn func(*Summary) bool) error

	// Count returns the number of stored programs.
	Count() uint64

	// Maintenance
	Stats() (*Stats, error)
	Sync() error
	Close() error
}

// Stats contains catalog statistics.
type Stats struct {
	// ProgramCount is the number of programs stored.
	ProgramCount uint64

	// SourceBytes is the total size of stored source text.
	SourceBytes uint64

	// DatabaseSize is the size of the database file in bytes.
	DatabaseSize int64
}

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db     *bolt.DB
	config Config

	// Cached counters for fast reads.
	mu           sync.RWMutex
	programCount uint64
	sourceBytes  uint64

	closed bool
}

// Open creates or opens a program catalog at the given path.
func Open(config Config) (*BoltStore, error) {
	// Ensure directory exists.
	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	opts := &bolt.Options{
		Timeout:  5 * time.Second,
		NoSync:   config.NoSync,
		ReadOnly: config.ReadOnly,
	}

	db, err := bolt.Open(config.Path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &BoltStore{
		db:     db,
		config: config,
	}

	// Initialize buckets (skip in read-only mode).
	if !config.ReadOnly {
		if err := store.initBuckets(); err != nil {
			db.Close()
			return nil, fmt.Errorf("init buckets: %w", err)
		}
	}

	// Load cached counters.
	if err := store.loadCachedValues(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load cached values: %w", err)
	}

	return store, nil
}

// initBuckets creates all required buckets.
func (s *BoltStore) initBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketPrograms,
			bucketNames,
			bucketMetadata,
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// loadCachedValues loads the counters into memory.
func (s *BoltStore) loadCachedValues() error {
	return s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMetadata)
		if meta == nil {
			return nil // Empty database, no values to load.
		}

		if v := meta.Get(keyProgramCount); v != nil {
			s.programCount = decodeCount(v)
		}
		if v := meta.Get(keySourceBytes); v != nil {
			s.sourceBytes = decodeCount(v)
		}
		return nil
	})
}

// Put validates source, computes its content ID and stores it.
//
// Putting identical source twice is idempotent. A name that already maps
// to a different program fails with ErrNameTaken; unbalanced source fails
// with the loader's ErrUnbalancedBrackets.
func (s *BoltStore) Put(name string, source []byte) (*StoredProgram, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	s.mu.RUnlock()

	if len(source) == 0 {
		return nil, ErrEmptySource
	}

	// Everything in the catalog must load; reject unbalanced source here.
	if _, err := bfvm.Load(source); err != nil {
		return nil, fmt.Errorf("validate program: %w", err)
	}

	program := &StoredProgram{
		ID:      types.ComputeProgramID(source),
		Name:    name,
		Source:  source,
		AddedAt: time.Now().UTC(),
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(program); err != nil {
		return nil, fmt.Errorf("encode program: %w", err)
	}

	var isNew bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		programs := tx.Bucket(bucketPrograms)
		names := tx.Bucket(bucketNames)

		if name != "" {
			if existing := names.Get([]byte(name)); existing != nil && !bytes.Equal(existing, program.ID.Bytes()) {
				return fmt.Errorf("%w: %q", ErrNameTaken, name)
			}
		}

		isNew = programs.Get(program.ID.Bytes()) == nil
		if err := programs.Put(program.ID.Bytes(), buf.Bytes()); err != nil {
			return err
		}

		if name != "" {
			if err := names.Put([]byte(name), program.ID.Bytes()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if isNew {
		s.mu.Lock()
		s.programCount++
		s.sourceBytes += uint64(len(source))
		s.mu.Unlock()
	}

	return program, nil
}

// Get retrieves a program by ID.
func (s *BoltStore) Get(id types.ProgramID) (*StoredProgram, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	s.mu.RUnlock()

	var program StoredProgram
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPrograms)
		if b == nil {
			return ErrProgramNotFound
		}

		data := b.Get(id.Bytes())
		if data == nil {
			return ErrProgramNotFound
		}

		return gob.NewDecoder(bytes.NewReader(data)).Decode(&program)
	})

	if err != nil {
		return nil, err
	}
	return &program, nil
}

// GetByName retrieves a program through the name index.
func (s *BoltStore) GetByName(name string) (*StoredProgram, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	s.mu.RUnlock()

	var id types.ProgramID
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNames)
		if b == nil {
			return ErrProgramNotFound
		}

		data := b.Get([]byte(name))
		if data == nil {
			return ErrProgramNotFound
		}

		parsed, err := types.ProgramIDFromBytes(data)
		if err != nil {
			return fmt.Errorf("corrupt name index: %w", err)
		}
		id = parsed
		return nil
	})

	if err != nil {
		return nil, err
	}
	return s.Get(id)
}

// Has checks whether a program exists.
func (s *BoltStore) Has(id types.ProgramID) bool {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return false
	}
	s.mu.RUnlock()

	exists := false
	s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPrograms)
		if b != nil && b.Get(id.Bytes()) != nil {
			exists = true
		}
		return nil
	})
	return exists
}

// Delete removes a program and its name index entry.
func (s *BoltStore) Delete(id types.ProgramID) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	s.mu.RUnlock()

	// Fetch first so the name index and counters can be maintained.
	program, err := s.Get(id)
	if err != nil {
		if errors.Is(err, ErrProgramNotFound) {
			return nil // Already deleted.
		}
		return err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketPrograms).Delete(id.Bytes()); err != nil {
			return err
		}

		if program.Name != "" {
			names := tx.Bucket(bucketNames)
			if existing := names.Get([]byte(program.Name)); bytes.Equal(existing, id.Bytes()) {
				if err := names.Delete([]byte(program.Name)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.programCount > 0 {
		s.programCount--
	}
	if s.sourceBytes >= uint64(len(program.Source)) {
		s.sourceBytes -= uint64(len(program.Source))
	}
	s.mu.Unlock()

	return nil
}

// List iterates stored programs in ID order until fn returns false.
func (s *BoltStore) List(fn func(*Summary) bool) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	s.mu.RUnlock()

	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPrograms)
		if b == nil {
			return nil
		}

		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var program StoredProgram
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&program); err != nil {
				continue // Skip corrupted entries.
			}

			summary := &Summary{
				ID:      program.ID,
				Name:    program.Name,
				Size:    len(program.Source),
				AddedAt: program.AddedAt,
			}
			if !fn(summary) {
				return nil
			}
		}
		return nil
	})
}

// Count returns the number of stored programs.
func (s *BoltStore) Count() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.programCount
}

// Stats returns catalog statistics.
func (s *BoltStore) Stats() (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	stats := &Stats{
		ProgramCount: s.programCount,
		SourceBytes:  s.sourceBytes,
	}

	// Get database size.
	info, err := os.Stat(s.config.Path)
	if err == nil {
		stats.DatabaseSize = info.Size()
	}

	return stats, nil
}

// Sync forces a sync of the database to disk.
func (s *BoltStore) Sync() error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	s.mu.RUnlock()

	return s.db.Sync()
}

// Close shuts down the catalog, persisting the cached counters.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	programCount := s.programCount
	sourceBytes := s.sourceBytes
	s.mu.Unlock()

	if !s.config.ReadOnly {
		s.db.Update(func(tx *bolt.Tx) error {
			meta := tx.Bucket(bucketMetadata)
			meta.Put(keyProgramCount, encodeCount(programCount))
			meta.Put(keySourceBytes, encodeCount(sourceBytes))
			return nil
		})
	}

	return s.db.Close()
}

// encodeCount encodes a counter as a big-endian key value.
func encodeCount(n uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return buf
}

// decodeCount decodes a big-endian counter value.
func decodeCount(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// Verify interface compliance.
var _ Store = (*BoltStore)(nil)
