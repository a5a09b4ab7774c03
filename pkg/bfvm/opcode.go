package bfvm

// Instruction bytes. Every other byte in a program is a comment and
// executes as a no-op.
const (
	OpRight = byte('>') // move head one cell right
	OpLeft  = byte('<') // move head one cell left
	OpInc   = byte('+') // increment current cell
	OpDec   = byte('-') // decrement current cell
	OpOut   = byte('.') // emit current cell as one output byte
	OpIn    = byte(',') // read one input byte into current cell
	OpOpen  = byte('[') // jump past matching ] when current cell is zero
	OpClose = byte(']') // jump back past matching [ when current cell is nonzero
)

// Counter slots for per-instruction accounting.
const (
	ixRight = iota
	ixLeft
	ixInc
	ixDec
	ixOut
	ixIn
	ixOpen
	ixClose

	// NumOps is the number of distinct instructions.
	NumOps
)

// Ops lists the instruction bytes in counter-slot order, so
// Ops[i] names the instruction counted in slot i of an op-count array.
var Ops = [NumOps]byte{OpRight, OpLeft, OpInc, OpDec, OpOut, OpIn, OpOpen, OpClose}

// OpIndex returns the counter slot for an instruction byte, or -1 for a
// comment byte.
func OpIndex(b byte) int {
	switch b {
	case OpRight:
		return ixRight
	case OpLeft:
		return ixLeft
	case OpInc:
		return ixInc
	case OpDec:
		return ixDec
	case OpOut:
		return ixOut
	case OpIn:
		return ixIn
	case OpOpen:
		return ixOpen
	case OpClose:
		return ixClose
	default:
		return -1
	}
}

// IsOp reports whether b is one of the eight instruction bytes.
func IsOp(b byte) bool {
	return OpIndex(b) >= 0
}
