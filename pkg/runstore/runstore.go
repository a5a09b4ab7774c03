// Package runstore provides the BadgerDB-backed run record log.
//
// Every finished execution appends one RunRecord keyed by program ID and
// a per-program sequence number. Records are never rewritten; the only
// deletion is purging a whole program's history when the program leaves
// the catalog.
package runstore

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/RoeeJ/zbf/internal/types"
)

var (
	// ErrRecordNotFound is returned when a run record doesn't exist.
	ErrRecordNotFound = errors.New("run record not found")

	// ErrNilRecord is returned when appending a nil record.
	ErrNilRecord = errors.New("nil run record")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("runstore closed")
)

// Key prefixes for BadgerDB storage.
// Using prefixes allows efficient iteration over specific data types.
var (
	// prefixRecord is the prefix for run records.
	// Key format: prefixRecord + program ID (32 bytes) + seq (8 bytes, big-endian)
	prefixRecord = []byte{0x01}

	// prefixSeq is the prefix for per-program sequence counters.
	// Key format: prefixSeq + program ID (32 bytes)
	prefixSeq = []byte{0x02}

	// prefixMeta is the prefix for metadata.
	prefixMeta = []byte{0x03}

	// metaRecordCount is the key for the total record count.
	metaRecordCount = append(prefixMeta, []byte("count")...)
)

// Config contains configuration for the record log.
type Config struct {
	// Path is the directory path for the database.
	Path string

	// InMemory runs the database in memory (for testing).
	InMemory bool

	// SyncWrites ensures writes are synced to disk.
	// Setting to false improves performance but risks data loss on crash.
	SyncWrites bool

	// NumCompactors is the number of compaction workers.
	NumCompactors int

	// NumMemtables is the number of memtables.
	NumMemtables int

	// ValueLogFileSize is the size of each value log file.
	ValueLogFileSize int64

	// Logger is an optional logger. Set to nil to disable logging.
	Logger badger.Logger
}

// DefaultConfig returns default configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:             path,
		InMemory:         false,
		SyncWrites:       false, // Async for performance
		NumCompactors:    4,
		NumMemtables:     5,
		ValueLogFileSize: 64 << 20, // 64MB
		Logger:           nil,      // Disable logging by default
	}
}

// Store is the run record log interface.
type Store interface {
	// Append stores a record, assigning its sequence number.
	Append(rec *RunRecord) error

	// Get retrieves one record by program and sequence number.
	Get(program types.ProgramID, seq uint64) (*RunRecord, error)

	// Latest retrieves a program's most recent record.
	Latest(program types.ProgramID) (*RunRecord, error)

	// IterateByProgram walks a program's records in sequence order.
	IterateByProgram(program types.ProgramID, fn func(*RunRecord) error) error

	// CountByProgram returns the number of records for one program.
	CountByProgram(program types.ProgramID) (uint64, error)

	// PurgeProgram deletes all records for a program.
	PurgeProgram(program types.ProgramID) (uint64, error)

	// Count returns the total number of records stored.
	Count() uint64

	// Maintenance
	RunGC() error
	Sync() error
	Size() (lsm, vlog int64)
	Close() error
}

// BadgerStore is the BadgerDB-backed implementation of the record log.
//
// Run records are small and written once, which fits Badger's LSM layout:
// the hot path is a single Set per finished run plus a sequence counter
// bump, both inside one transaction.
type BadgerStore struct {
	db *badger.DB

	// recordCount is cached in memory.
	recordCount atomic.Uint64

	// mu serializes writers so sequence allocation never conflicts.
	mu sync.Mutex

	// closed indicates if the database is closed.
	closed atomic.Bool
}

// Open creates or opens a run record log.
func Open(cfg Config) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
		opts.Dir = ""
		opts.ValueDir = ""
	}

	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumCompactors(cfg.NumCompactors).
		WithNumMemtables(cfg.NumMemtables).
		WithValueLogFileSize(cfg.ValueLogFileSize).
		WithLogger(cfg.Logger)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	store := &BadgerStore{
		db: db,
	}

	if err := store.loadMetadata(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load metadata: %w", err)
	}

	return store, nil
}

// loadMetadata loads the record count from disk.
func (b *BadgerStore) loadMetadata() error {
	return b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaRecordCount)
		if err == badger.ErrKeyNotFound {
			b.recordCount.Store(0)
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) >= 8 {
				b.recordCount.Store(binary.LittleEndian.Uint64(val))
			}
			return nil
		})
	})
}

// recordKey returns the BadgerDB key for a run record.
func recordKey(program types.ProgramID, seq uint64) []byte {
	key := make([]byte, 1+32+8)
	key[0] = prefixRecord[0]
	copy(key[1:33], program[:])
	binary.BigEndian.PutUint64(key[33:], seq)
	return key
}

// seqKey returns the BadgerDB key for a program's sequence counter.
func seqKey(program types.ProgramID) []byte {
	key := make([]byte, 1+32)
	key[0] = prefixSeq[0]
	copy(key[1:], program[:])
	return key
}

// recordPrefix returns the iteration prefix for one program's records.
func recordPrefix(program types.ProgramID) []byte {
	prefix := make([]byte, 1+32)
	prefix[0] = prefixRecord[0]
	copy(prefix[1:], program[:])
	return prefix
}

// Append stores a record and assigns its per-program sequence number.
// Sequence numbers start at 1 and never repeat for a program.
func (b *BadgerStore) Append(rec *RunRecord) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if rec == nil {
		return ErrNilRecord
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.db.Update(func(txn *badger.Txn) error {
		// Allocate the next sequence number.
		var seq uint64
		item, err := txn.Get(seqKey(rec.Program))
		if err == nil {
			verr := item.Value(func(val []byte) error {
				if len(val) >= 8 {
					seq = binary.LittleEndian.Uint64(val)
				}
				return nil
			})
			if verr != nil {
				return verr
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		seq++
		rec.Seq = seq

		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		if err := txn.Set(recordKey(rec.Program, seq), buf.Bytes()); err != nil {
			return err
		}

		seqBuf := make([]byte, 8)
		binary.LittleEndian.PutUint64(seqBuf, seq)
		return txn.Set(seqKey(rec.Program), seqBuf)
	})
	if err != nil {
		return err
	}

	b.recordCount.Add(1)
	return nil
}

// Get retrieves one record by program and sequence number.
func (b *BadgerStore) Get(program types.ProgramID, seq uint64) (*RunRecord, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	var rec *RunRecord
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(program, seq))
		if err == badger.ErrKeyNotFound {
			return ErrRecordNotFound
		}
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			var r RunRecord
			if err := gob.NewDecoder(bytes.NewReader(val)).Decode(&r); err != nil {
				return fmt.Errorf("decode record: %w", err)
			}
			rec = &r
			return nil
		})
	})

	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Latest retrieves a program's most recent record.
func (b *BadgerStore) Latest(program types.ProgramID) (*RunRecord, error) {
	last, err := b.CountByProgram(program)
	if err != nil {
		return nil, err
	}
	if last == 0 {
		return nil, ErrRecordNotFound
	}
	return b.Get(program, last)
}

// IterateByProgram walks a program's records in sequence order.
// Return an error from the callback to stop iteration.
func (b *BadgerStore) IterateByProgram(program types.ProgramID, fn func(*RunRecord) error) error {
	if b.closed.Load() {
		return ErrClosed
	}

	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = recordPrefix(program)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			if len(item.Key()) != 41 { // 1 prefix + 32 id + 8 seq
				continue
			}

			err := item.Value(func(val []byte) error {
				var r RunRecord
				if err := gob.NewDecoder(bytes.NewReader(val)).Decode(&r); err != nil {
					return fmt.Errorf("decode record: %w", err)
				}
				return fn(&r)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// CountByProgram returns the number of records for one program. Records
// are append-only, so the count equals the last assigned sequence number.
func (b *BadgerStore) CountByProgram(program types.ProgramID) (uint64, error) {
	if b.closed.Load() {
		return 0, ErrClosed
	}

	var count uint64
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(seqKey(program))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) >= 8 {
				count = binary.LittleEndian.Uint64(val)
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// PurgeProgram deletes all records for a program and returns how many
// were removed.
func (b *BadgerStore) PurgeProgram(program types.ProgramID) (uint64, error) {
	if b.closed.Load() {
		return 0, ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Collect keys first; values are not needed.
	var keys [][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = recordPrefix(program)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return txn.Delete(seqKey(program))
	})
	if err != nil {
		return 0, err
	}

	purged := uint64(len(keys))
	if purged > 0 {
		b.recordCount.Add(^(purged - 1)) // Decrement by purged.
	}
	return purged, nil
}

// Count returns the total number of records stored.
func (b *BadgerStore) Count() uint64 {
	return b.recordCount.Load()
}

// commitMetadata persists the cached record count.
func (b *BadgerStore) commitMetadata() error {
	return b.db.Update(func(txn *badger.Txn) error {
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, b.recordCount.Load())
		return txn.Set(metaRecordCount, buf)
	})
}

// RunGC runs garbage collection on the value log.
// This should be called periodically to reclaim space.
func (b *BadgerStore) RunGC() error {
	if b.closed.Load() {
		return ErrClosed
	}
	err := b.db.RunValueLogGC(0.5)
	if err == badger.ErrNoRewrite {
		return nil // Nothing to collect.
	}
	return err
}

// Sync ensures all writes are persisted to disk.
func (b *BadgerStore) Sync() error {
	if b.closed.Load() {
		return ErrClosed
	}
	return b.db.Sync()
}

// Size returns the LSM and value log sizes in bytes.
func (b *BadgerStore) Size() (lsm, vlog int64) {
	if b.closed.Load() {
		return 0, 0
	}
	return b.db.Size()
}

// Close persists metadata and closes the database.
func (b *BadgerStore) Close() error {
	if b.closed.Swap(true) {
		return ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// The count is recomputable from the log, so a failed commit does
	// not block the close.
	_ = b.commitMetadata()
	return b.db.Close()
}

// Verify interface compliance.
var _ Store = (*BadgerStore)(nil)
