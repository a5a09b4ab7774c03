package runstore

import (
	"time"

	"github.com/RoeeJ/zbf/internal/types"
	"github.com/RoeeJ/zbf/pkg/bfvm"
)

// RunStatus classifies how a run ended.
type RunStatus uint8

const (
	// RunClean is a run that halted by running off the end of the program.
	RunClean RunStatus = iota

	// RunFaulted is a run terminated by a fault.
	RunFaulted
)

// String returns the status name.
func (s RunStatus) String() string {
	switch s {
	case RunClean:
		return "clean"
	case RunFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// RunRecord describes one finished execution of a program.
//
// Records are append-only: Seq is assigned by the store when the record
// is appended and counts up from 1 per program.
type RunRecord struct {
	// Program is the content address of the executed program.
	Program types.ProgramID

	// Seq is the per-program sequence number, assigned on append.
	Seq uint64

	// Status says whether the run halted cleanly or faulted.
	Status RunStatus

	// Fault is the fault message for faulted runs, empty otherwise.
	Fault string

	// StartedAt and FinishedAt bracket the execution wall-clock time.
	StartedAt  time.Time
	FinishedAt time.Time

	// Steps is the number of fetch-execute cycles performed.
	Steps uint64

	// OpCounts holds per-instruction execution counts in bfvm.Ops order.
	OpCounts [bfvm.NumOps]uint64

	// OutputLen is the number of bytes the run emitted.
	OutputLen int

	// Digest fingerprints the emitted output.
	Digest types.OutputDigest

	// Snapshot is the terminal VM state. After a fault it identifies the
	// faulting instruction and cell.
	Snapshot bfvm.Snapshot
}

// RecordFromResult builds a run record from an execution result.
func RecordFromResult(program types.ProgramID, res *bfvm.Result, startedAt, finishedAt time.Time) *RunRecord {
	rec := &RunRecord{
		Program:    program,
		Status:     RunClean,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
		Steps:      res.Steps,
		OpCounts:   res.OpCounts,
		OutputLen:  len(res.Output),
		Digest:     types.ComputeOutputDigest(res.Output),
		Snapshot:   res.Snapshot,
	}
	if res.Fault != nil {
		rec.Status = RunFaulted
		rec.Fault = res.Fault.Error()
	}
	return rec
}
