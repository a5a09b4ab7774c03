package bfvm

import "bytes"

// Result captures everything a finished execution produced.
type Result struct {
	// Output is the byte sequence emitted by '.', in execution order.
	Output []byte

	// Steps is the number of fetch-execute cycles performed.
	Steps uint64

	// OpCounts holds per-instruction execution counts in Ops order.
	OpCounts [NumOps]uint64

	// Snapshot is the terminal VM state. After a fault it identifies the
	// faulting instruction and cell.
	Snapshot Snapshot

	// Fault is the fault that terminated the run, or nil on a clean halt.
	Fault error
}

// Execute loads src and runs it to completion in one call, buffering
// output in memory. cfg.Output is ignored; the collected output comes
// back in the Result.
//
// The returned error covers load and construction failures only. A run
// that faults still returns a Result, with the fault in Result.Fault, so
// callers can tell unloadable programs from programs that ran and
// faulted.
func Execute(src []byte, cfg Config) (*Result, error) {
	program, err := Load(src)
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	cfg.Output = &out

	m, err := New(program, cfg)
	if err != nil {
		return nil, err
	}

	fault := m.Run()
	return &Result{
		Output:   out.Bytes(),
		Steps:    m.Steps(),
		OpCounts: m.OpCounts(),
		Snapshot: m.Snapshot(),
		Fault:    fault,
	}, nil
}
