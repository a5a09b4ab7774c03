package remote

import (
	"time"

	"github.com/RoeeJ/zbf/internal/types"
	"github.com/RoeeJ/zbf/pkg/bfvm"
	"github.com/RoeeJ/zbf/pkg/runstore"
)

// SubmitRequest carries program source for the catalog.
type SubmitRequest struct {
	// Source is the program text. Required.
	Source string

	// Name is an optional unique alias for the program.
	Name string
}

// SubmitReply reports the stored program.
type SubmitReply struct {
	ID     types.ProgramID
	Length int
	Ops    int
}

// RunOptions selects the execution environment for one run. The zero
// value asks for the canonical machine.
type RunOptions struct {
	// TapeSize is the tape length in cells. Zero means the default.
	TapeSize int

	// CellWidth is the cell size in bits: 0 (default), 8, 16 or 32.
	CellWidth int

	// TrapArith faults on '+' and '-' overflow instead of wrapping.
	TrapArith bool

	// EOF is the end-of-input policy: "" or "zero", or "trap".
	EOF string

	// StepLimit bounds the run. The server clamps it to its own cap.
	StepLimit uint64

	// Input supplies the bytes read by ','.
	Input []byte
}

// RunRequest names a program and how to run it. Source and Ref are
// mutually exclusive: Source runs inline without touching the catalog,
// Ref runs a stored program and appends a run record.
type RunRequest struct {
	Source  string
	Ref     string
	Options RunOptions
}

// RunReply reports one finished run. Faults are part of the reply, not
// transport errors: Status, Fault and Snapshot describe them.
type RunReply struct {
	ID     types.ProgramID
	Seq    uint64 // nonzero when the run was recorded
	Status string
	Fault  string

	Output   []byte
	Digest   types.OutputDigest
	Steps    uint64
	OpCounts [bfvm.NumOps]uint64

	// Snapshot is the terminal VM state, set on faulted runs.
	Snapshot *bfvm.Snapshot
}

// GetRequest names a stored program by base58 ID or by name.
type GetRequest struct {
	Ref string
}

// GetReply returns a stored program with its source.
type GetReply struct {
	ID      types.ProgramID
	Name    string
	Source  string
	AddedAt time.Time
}

// WatchRequest subscribes to a program's run records. Records with
// sequence numbers above FromSeq are streamed in order, stored history
// first, then live appends.
type WatchRequest struct {
	Ref     string
	FromSeq uint64
}

// RecordEvent is one stored run record delivered on a Watch stream.
type RecordEvent struct {
	Program    types.ProgramID
	Seq        uint64
	Status     string
	Fault      string
	StartedAt  time.Time
	FinishedAt time.Time
	Steps      uint64
	OpCounts   [bfvm.NumOps]uint64
	OutputLen  int
	Digest     types.OutputDigest

	// Snapshot is the terminal VM state, set on faulted runs.
	Snapshot *bfvm.Snapshot
}

// newRunReply converts an execution result into its wire form. The
// caller fills ID and Seq.
func newRunReply(res *bfvm.Result) *RunReply {
	reply := &RunReply{
		Status:   runstore.RunClean.String(),
		Output:   res.Output,
		Digest:   types.ComputeOutputDigest(res.Output),
		Steps:    res.Steps,
		OpCounts: res.OpCounts,
	}
	if res.Fault != nil {
		reply.Status = runstore.RunFaulted.String()
		reply.Fault = res.Fault.Error()
		snap := res.Snapshot
		reply.Snapshot = &snap
	}
	return reply
}

// newRecordEvent converts a stored record into its wire form.
func newRecordEvent(rec *runstore.RunRecord) *RecordEvent {
	ev := &RecordEvent{
		Program:    rec.Program,
		Seq:        rec.Seq,
		Status:     rec.Status.String(),
		Fault:      rec.Fault,
		StartedAt:  rec.StartedAt,
		FinishedAt: rec.FinishedAt,
		Steps:      rec.Steps,
		OpCounts:   rec.OpCounts,
		OutputLen:  rec.OutputLen,
		Digest:     rec.Digest,
	}
	if rec.Status == runstore.RunFaulted {
		snap := rec.Snapshot
		ev.Snapshot = &snap
	}
	return ev
}
