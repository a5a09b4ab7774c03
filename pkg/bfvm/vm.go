// Package bfvm implements a virtual machine for the canonical
// eight-instruction tape language.
//
// Execution happens in two phases:
//   - Load scans the program text once and precomputes the bracket jump
//     table, failing on unbalanced brackets.
//   - A VM owns a zero-initialized fixed-size tape, a head index and an
//     instruction pointer, and drives the fetch-decode-execute loop until
//     the pointer runs off the end of the program (clean halt) or a fault
//     terminates the run.
//
// The run loop is a tight sequential state machine: no locking, no
// suspension points, no timeouts. A non-halting program is valid input,
// so callers that need an upper bound set Config.StepLimit. Faults are
// returned as wrapped sentinel errors and leave the VM frozen in the
// faulting state for diagnostic inspection; a VM is never resumed and
// never terminates the process.
package bfvm

import (
	"errors"
	"fmt"
	"io"
)

// DefaultTapeSize is the canonical tape length in cells.
const DefaultTapeSize = 30000

// Runtime faults.
var (
	ErrEmptyProgram   = errors.New("empty program")
	ErrHeadOverflow   = errors.New("head overflow")
	ErrHeadUnderflow  = errors.New("head underflow")
	ErrDataOverflow   = errors.New("cell overflow")
	ErrDataUnderflow  = errors.New("cell underflow")
	ErrInputExhausted = errors.New("input exhausted")
	ErrInputFailed    = errors.New("input read failed")
	ErrOutputFailed   = errors.New("output write failed")
	ErrStepLimit      = errors.New("step limit exceeded")
	ErrHalted         = errors.New("vm already halted")
	ErrInvalidConfig  = errors.New("invalid vm configuration")
)

// CellWidth is the cell size in bits.
type CellWidth uint8

// Supported cell widths. Cell8 is the canonical dialect.
const (
	Cell8  CellWidth = 8
	Cell16 CellWidth = 16
	Cell32 CellWidth = 32
)

// mask returns the largest value a cell of this width can hold.
func (w CellWidth) mask() uint32 {
	return uint32(1)<<w - 1
}

// ArithPolicy selects what '+' and '-' do at the cell width boundary.
type ArithPolicy uint8

const (
	// ArithWrap wraps cell arithmetic modulo 2^width. Canonical dialect.
	ArithWrap ArithPolicy = iota

	// ArithTrap faults with ErrDataOverflow or ErrDataUnderflow instead
	// of wrapping, surfacing programmer errors that wrapping hides.
	ArithTrap
)

// EOFPolicy selects what ',' does once input is exhausted.
type EOFPolicy uint8

const (
	// EOFZero writes a zero into the current cell at end of input.
	EOFZero EOFPolicy = iota

	// EOFTrap faults with ErrInputExhausted at end of input.
	EOFTrap
)

// Config configures a VM.
type Config struct {
	// TapeSize is the tape length in cells. Must be positive.
	TapeSize int

	// CellWidth is the cell size in bits: Cell8, Cell16 or Cell32.
	CellWidth CellWidth

	// Arith is the wrap/trap policy for '+' and '-'.
	Arith ArithPolicy

	// EOF is the end-of-input policy for ','.
	EOF EOFPolicy

	// Input supplies bytes for ','. A nil Input means input is exhausted
	// from the first read on.
	Input io.Reader

	// Output receives one byte per '.'. A nil Output discards output.
	Output io.Writer

	// StepLimit faults the run with ErrStepLimit after this many
	// fetch-execute cycles. Zero means no limit.
	StepLimit uint64
}

// DefaultConfig returns the canonical configuration: 30000 eight-bit
// cells, wrap-around arithmetic, zero on end of input, no step limit.
func DefaultConfig() Config {
	return Config{
		TapeSize:  DefaultTapeSize,
		CellWidth: Cell8,
		Arith:     ArithWrap,
		EOF:       EOFZero,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.TapeSize <= 0 {
		return fmt.Errorf("%w: tape size %d", ErrInvalidConfig, c.TapeSize)
	}
	switch c.CellWidth {
	case Cell8, Cell16, Cell32:
	default:
		return fmt.Errorf("%w: cell width %d", ErrInvalidConfig, c.CellWidth)
	}
	switch c.Arith {
	case ArithWrap, ArithTrap:
	default:
		return fmt.Errorf("%w: arith policy %d", ErrInvalidConfig, c.Arith)
	}
	switch c.EOF {
	case EOFZero, EOFTrap:
	default:
		return fmt.Errorf("%w: eof policy %d", ErrInvalidConfig, c.EOF)
	}
	return nil
}

// VM executes one loaded program against a zeroed tape.
//
// A VM is single use and exclusively owned by one logical execution:
// Run drives the program to a clean halt or a fault, after which further
// Run calls return ErrHalted. Nothing in a VM is safe for concurrent use.
type VM struct {
	// Program
	text []byte
	jump []int32

	// Runtime state. head stays inside [0, len(tape)) at all times, so
	// tape[head] never needs its own bounds check.
	tape []uint32
	head int
	ip   int

	// I/O
	in    io.Reader
	out   io.Writer
	rbuf  [1]byte
	wbuf  [1]byte
	inEOF bool

	// Configuration
	mask  uint32
	arith ArithPolicy
	eof   EOFPolicy
	limit uint64

	// Execution accounting
	steps  uint64
	counts [NumOps]uint64

	halted bool
	fault  error
}

// New creates a VM for a loaded program. The tape is allocated here,
// zero-initialized, and never resized.
func New(program *Program, cfg Config) (*VM, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &VM{
		text:  program.Text,
		jump:  program.Jump,
		tape:  make([]uint32, cfg.TapeSize),
		in:    cfg.Input,
		out:   cfg.Output,
		mask:  cfg.CellWidth.mask(),
		arith: cfg.Arith,
		eof:   cfg.EOF,
		limit: cfg.StepLimit,
	}, nil
}

// Run executes the program until it halts or faults.
//
// A clean halt returns nil. A fault returns a wrapped sentinel error and
// freezes the VM in the faulting configuration: ip and head keep the
// values they had when the fault hit, readable through Snapshot. Either
// way the VM is spent and a second Run returns ErrHalted.
func (m *VM) Run() error {
	if m.halted {
		return ErrHalted
	}
	if len(m.text) == 0 {
		return m.fail(ErrEmptyProgram)
	}

	for m.ip < len(m.text) {
		if m.limit != 0 && m.steps >= m.limit {
			return m.fail(fmt.Errorf("%w: %d steps", ErrStepLimit, m.steps))
		}
		m.steps++

		switch op := m.text[m.ip]; op {
		case OpRight:
			m.counts[ixRight]++
			if err := m.moveHead(1); err != nil {
				return m.fail(err)
			}

		case OpLeft:
			m.counts[ixLeft]++
			if err := m.moveHead(-1); err != nil {
				return m.fail(err)
			}

		case OpInc:
			m.counts[ixInc]++
			cell := m.tape[m.head]
			if cell == m.mask {
				if m.arith == ArithTrap {
					return m.fail(fmt.Errorf("%w: cell %d at head %d", ErrDataOverflow, cell, m.head))
				}
				m.tape[m.head] = 0
			} else {
				m.tape[m.head] = cell + 1
			}

		case OpDec:
			m.counts[ixDec]++
			cell := m.tape[m.head]
			if cell == 0 {
				if m.arith == ArithTrap {
					return m.fail(fmt.Errorf("%w: cell 0 at head %d", ErrDataUnderflow, m.head))
				}
				m.tape[m.head] = m.mask
			} else {
				m.tape[m.head] = cell - 1
			}

		case OpOut:
			m.counts[ixOut]++
			if err := m.emit(byte(m.tape[m.head])); err != nil {
				return m.fail(err)
			}

		case OpIn:
			m.counts[ixIn]++
			v, err := m.readByte()
			if err != nil {
				return m.fail(err)
			}
			m.tape[m.head] = v

		case OpOpen:
			m.counts[ixOpen]++
			if m.tape[m.head] == 0 {
				m.ip = int(m.jump[m.ip]) + 1
				continue
			}

		case OpClose:
			m.counts[ixClose]++
			if m.tape[m.head] != 0 {
				m.ip = int(m.jump[m.ip]) + 1
				continue
			}

		default:
			// Comment byte.
		}

		m.ip++
	}

	m.halted = true
	return nil
}

// fail freezes the VM in the faulting state and returns the fault.
// ip is not advanced past the faulting instruction.
func (m *VM) fail(err error) error {
	m.halted = true
	m.fault = err
	return err
}

// moveHead is the single bounds-checked accessor for head movement. Both
// tape bound faults live here, which is what keeps the head invariant
// that makes direct tape[head] indexing safe everywhere else.
func (m *VM) moveHead(delta int) error {
	next := m.head + delta
	if next < 0 {
		return fmt.Errorf("%w: head at %d", ErrHeadUnderflow, m.head)
	}
	if next >= len(m.tape) {
		return fmt.Errorf("%w: head at %d, tape size %d", ErrHeadOverflow, m.head, len(m.tape))
	}
	m.head = next
	return nil
}

// emit writes one output byte. Cells wider than eight bits emit their low
// eight bits.
func (m *VM) emit(b byte) error {
	if m.out == nil {
		return nil
	}
	m.wbuf[0] = b
	if _, err := m.out.Write(m.wbuf[:1]); err != nil {
		return fmt.Errorf("%w: %v", ErrOutputFailed, err)
	}
	return nil
}

// readByte reads one input byte for ',', applying the configured
// end-of-input policy.
func (m *VM) readByte() (uint32, error) {
	if m.in == nil || m.inEOF {
		return m.inputEOF()
	}
	for {
		n, err := m.in.Read(m.rbuf[:1])
		if n > 0 {
			return uint32(m.rbuf[0]), nil
		}
		if errors.Is(err, io.EOF) {
			m.inEOF = true
			return m.inputEOF()
		}
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInputFailed, err)
		}
	}
}

func (m *VM) inputEOF() (uint32, error) {
	if m.eof == EOFTrap {
		return 0, fmt.Errorf("%w: ',' at position %d", ErrInputExhausted, m.ip)
	}
	return 0, nil
}

// Snapshot is the diagnostic state of a VM: the instruction pointer, the
// head, the instruction byte under the pointer and the cell under the
// head. After a fault it identifies the faulting configuration.
type Snapshot struct {
	IP   int    `json:"ip"`
	Head int    `json:"head"`
	Op   byte   `json:"op"`
	Cell uint32 `json:"cell"`
}

// Snapshot captures the VM's current diagnostic state. Op is zero when
// the instruction pointer sits past the end of the program.
func (m *VM) Snapshot() Snapshot {
	s := Snapshot{IP: m.ip, Head: m.head, Cell: m.tape[m.head]}
	if m.ip < len(m.text) {
		s.Op = m.text[m.ip]
	}
	return s
}

// Steps returns the number of fetch-execute cycles performed so far.
// Comment bytes count; they take a cycle like everything else.
func (m *VM) Steps() uint64 {
	return m.steps
}

// OpCounts returns per-instruction execution counts, indexed in Ops
// order.
func (m *VM) OpCounts() [NumOps]uint64 {
	return m.counts
}

// Halted reports whether the VM reached a terminal state.
func (m *VM) Halted() bool {
	return m.halted
}

// Fault returns the fault that terminated the run, or nil.
func (m *VM) Fault() error {
	return m.fault
}
