package bfvm

import (
	"errors"
	"fmt"
	"math"
)

// Load errors.
var (
	ErrUnbalancedBrackets = errors.New("unbalanced brackets")
	ErrProgramTooLarge    = errors.New("program too large")
)

// NoJump is the jump table sentinel for positions that hold no bracket.
// A successful load guarantees it is never used as a jump target.
const NoJump = int32(-1)

// Program is a loaded program: the instruction bytes and the bracket jump
// table, built together by Load and immutable afterwards.
type Program struct {
	// Text holds the program bytes, comments included.
	Text []byte

	// Jump maps each bracket position to its matching partner and every
	// other position to NoJump. len(Jump) == len(Text), and
	// Jump[Jump[i]] == i for every bracket position i.
	Jump []int32
}

// Load scans src once, left to right, and builds the bracket jump table.
//
// A ']' with no unmatched '[' before it fails immediately, and any '['
// still unmatched at the end of the scan fails after it; both return
// ErrUnbalancedBrackets. Nested and adjacent pairs match LIFO, so each
// ']' pairs with the most recent open bracket. src is copied, and an
// empty src loads successfully; emptiness is rejected by the VM at run
// entry, not here.
func Load(src []byte) (*Program, error) {
	if len(src) > math.MaxInt32 {
		return nil, fmt.Errorf("%w: %d bytes", ErrProgramTooLarge, len(src))
	}

	jump := make([]int32, len(src))
	for i := range jump {
		jump[i] = NoJump
	}

	// Positions of '[' still waiting for their ']'.
	var open []int32

	for pos, b := range src {
		switch b {
		case OpOpen:
			open = append(open, int32(pos))
		case OpClose:
			if len(open) == 0 {
				return nil, fmt.Errorf("%w: ']' at position %d has no opener", ErrUnbalancedBrackets, pos)
			}
			p := open[len(open)-1]
			open = open[:len(open)-1]
			jump[pos] = p
			jump[p] = int32(pos)
		}
	}

	if len(open) != 0 {
		return nil, fmt.Errorf("%w: '[' at position %d has no closer", ErrUnbalancedBrackets, open[len(open)-1])
	}

	text := make([]byte, len(src))
	copy(text, src)

	return &Program{Text: text, Jump: jump}, nil
}

// Len returns the program length in bytes.
func (p *Program) Len() int {
	return len(p.Text)
}

// ListEntry describes one instruction in a program listing.
type ListEntry struct {
	Pos  int  // position in the program text
	Op   byte // instruction byte
	Jump int  // matching bracket position, or -1 for non-brackets
}

// Listing returns one entry per instruction byte in program order,
// skipping comment bytes.
func (p *Program) Listing() []ListEntry {
	entries := make([]ListEntry, 0, len(p.Text))
	for pos, b := range p.Text {
		if !IsOp(b) {
			continue
		}
		entries = append(entries, ListEntry{
			Pos:  pos,
			Op:   b,
			Jump: int(p.Jump[pos]),
		})
	}
	return entries
}
