package runstore

import (
	"errors"
	"testing"
	"time"

	"github.com/RoeeJ/zbf/internal/types"
	"github.com/RoeeJ/zbf/pkg/bfvm"
)

func openTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	cfg := DefaultConfig("")
	cfg.InMemory = true
	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("failed to open runstore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testRecord(t *testing.T, src string) *RunRecord {
	t.Helper()
	res, err := bfvm.Execute([]byte(src), bfvm.DefaultConfig())
	if err != nil {
		t.Fatalf("Execute(%q) failed: %v", src, err)
	}
	started := time.Now().Add(-time.Millisecond)
	return RecordFromResult(types.ComputeProgramID([]byte(src)), res, started, time.Now())
}

func TestRecordFromResult(t *testing.T) {
	t.Run("clean run", func(t *testing.T) {
		rec := testRecord(t, "+++.")
		if rec.Status != RunClean {
			t.Errorf("Status = %v, want RunClean", rec.Status)
		}
		if rec.Fault != "" {
			t.Errorf("Fault = %q, want empty", rec.Fault)
		}
		if rec.Steps != 4 {
			t.Errorf("Steps = %d, want 4", rec.Steps)
		}
		if rec.OutputLen != 1 {
			t.Errorf("OutputLen = %d, want 1", rec.OutputLen)
		}
		if rec.Digest != types.ComputeOutputDigest([]byte{3}) {
			t.Error("Digest does not match the emitted output")
		}
		if got := rec.OpCounts[bfvm.OpIndex('+')]; got != 3 {
			t.Errorf("OpCounts['+'] = %d, want 3", got)
		}
	})

	t.Run("faulted run", func(t *testing.T) {
		rec := testRecord(t, "+<")
		if rec.Status != RunFaulted {
			t.Errorf("Status = %v, want RunFaulted", rec.Status)
		}
		if rec.Fault == "" {
			t.Error("Fault is empty for a faulted run")
		}
		if rec.Snapshot.Op != '<' {
			t.Errorf("Snapshot.Op = %q, want '<'", rec.Snapshot.Op)
		}
	})
}

func TestRunstore(t *testing.T) {
	store := openTestStore(t)

	program := types.ComputeProgramID([]byte("+++."))

	t.Run("Append", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			rec := testRecord(t, "+++.")
			if err := store.Append(rec); err != nil {
				t.Fatalf("failed to append record %d: %v", i, err)
			}
			if rec.Seq != uint64(i+1) {
				t.Errorf("Seq = %d, want %d", rec.Seq, i+1)
			}
		}
		if got := store.Count(); got != 3 {
			t.Errorf("Count() = %d, want 3", got)
		}
	})

	t.Run("Get", func(t *testing.T) {
		rec, err := store.Get(program, 2)
		if err != nil {
			t.Fatalf("failed to get record: %v", err)
		}
		if rec.Seq != 2 {
			t.Errorf("Seq = %d, want 2", rec.Seq)
		}
		if rec.Program != program {
			t.Errorf("Program = %v, want %v", rec.Program, program)
		}
		if rec.Status != RunClean {
			t.Errorf("Status = %v, want RunClean", rec.Status)
		}

		if _, err := store.Get(program, 99); !errors.Is(err, ErrRecordNotFound) {
			t.Errorf("Get(missing) = %v, want ErrRecordNotFound", err)
		}
	})

	t.Run("Latest", func(t *testing.T) {
		rec, err := store.Latest(program)
		if err != nil {
			t.Fatalf("failed to get latest record: %v", err)
		}
		if rec.Seq != 3 {
			t.Errorf("Seq = %d, want 3", rec.Seq)
		}

		other := types.ComputeProgramID([]byte("never ran"))
		if _, err := store.Latest(other); !errors.Is(err, ErrRecordNotFound) {
			t.Errorf("Latest(missing) = %v, want ErrRecordNotFound", err)
		}
	})

	t.Run("IterateByProgram", func(t *testing.T) {
		// A second program's records stay out of the iteration.
		if err := store.Append(testRecord(t, ",.")); err != nil {
			t.Fatalf("failed to append other record: %v", err)
		}

		var seqs []uint64
		err := store.IterateByProgram(program, func(rec *RunRecord) error {
			seqs = append(seqs, rec.Seq)
			return nil
		})
		if err != nil {
			t.Fatalf("IterateByProgram failed: %v", err)
		}
		if len(seqs) != 3 {
			t.Fatalf("iterated %d records, want 3", len(seqs))
		}
		for i, seq := range seqs {
			if seq != uint64(i+1) {
				t.Errorf("seqs[%d] = %d, want %d", i, seq, i+1)
			}
		}

		// Stopping early via callback error.
		stop := errors.New("stop")
		var seen int
		err = store.IterateByProgram(program, func(*RunRecord) error {
			seen++
			return stop
		})
		if !errors.Is(err, stop) {
			t.Errorf("IterateByProgram = %v, want stop error", err)
		}
		if seen != 1 {
			t.Errorf("callback ran %d times, want 1", seen)
		}
	})

	t.Run("CountByProgram", func(t *testing.T) {
		count, err := store.CountByProgram(program)
		if err != nil {
			t.Fatalf("CountByProgram failed: %v", err)
		}
		if count != 3 {
			t.Errorf("CountByProgram = %d, want 3", count)
		}
	})

	t.Run("PurgeProgram", func(t *testing.T) {
		purged, err := store.PurgeProgram(program)
		if err != nil {
			t.Fatalf("PurgeProgram failed: %v", err)
		}
		if purged != 3 {
			t.Errorf("purged %d records, want 3", purged)
		}

		count, err := store.CountByProgram(program)
		if err != nil {
			t.Fatalf("CountByProgram failed: %v", err)
		}
		if count != 0 {
			t.Errorf("CountByProgram after purge = %d, want 0", count)
		}

		// The other program survives.
		other := types.ComputeProgramID([]byte(",."))
		if _, err := store.Latest(other); err != nil {
			t.Errorf("other program's records were purged: %v", err)
		}
		if got := store.Count(); got != 1 {
			t.Errorf("Count() = %d, want 1", got)
		}

		// Sequence numbers restart after a purge.
		rec := testRecord(t, "+++.")
		if err := store.Append(rec); err != nil {
			t.Fatalf("append after purge failed: %v", err)
		}
		if rec.Seq != 1 {
			t.Errorf("Seq after purge = %d, want 1", rec.Seq)
		}
	})
}

func TestRunstoreClosed(t *testing.T) {
	store := openTestStore(t)
	if err := store.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	if err := store.Append(&RunRecord{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Append on closed store = %v, want ErrClosed", err)
	}
	if _, err := store.Get(types.ProgramID{}, 1); !errors.Is(err, ErrClosed) {
		t.Errorf("Get on closed store = %v, want ErrClosed", err)
	}
	if err := store.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second close = %v, want ErrClosed", err)
	}
}
