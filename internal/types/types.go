// Package types defines the identity types shared across the zbf stores
// and services.
//
// Programs are addressed by content: a ProgramID is the BLAKE3-256 hash
// of the program source, so identical source always maps to the same ID.
// Run output is fingerprinted with an OutputDigest, the SHA3-256 hash of
// the emitted byte sequence. Both render as base58 strings.
package types

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"
)

// Size constants for core types.
const (
	ProgramIDSize    = 32
	OutputDigestSize = 32
)

var (
	// ErrInvalidProgramID is returned when a program ID has invalid length.
	ErrInvalidProgramID = errors.New("invalid program id: must be 32 bytes")

	// ErrInvalidDigest is returned when an output digest has invalid length.
	ErrInvalidDigest = errors.New("invalid output digest: must be 32 bytes")
)

// ProgramID is the 32-byte BLAKE3-256 hash of a program's source bytes.
type ProgramID [ProgramIDSize]byte

// ComputeProgramID hashes program source into its content address.
func ComputeProgramID(src []byte) ProgramID {
	var id ProgramID
	h := blake3.New()
	h.Write(src)
	copy(id[:], h.Sum(nil))
	return id
}

// ProgramIDFromBase58 parses a base58-encoded program ID.
func ProgramIDFromBase58(s string) (ProgramID, error) {
	var id ProgramID
	data, err := base58.Decode(s)
	if err != nil {
		return id, fmt.Errorf("base58 decode: %w", err)
	}
	if len(data) != ProgramIDSize {
		return id, ErrInvalidProgramID
	}
	copy(id[:], data)
	return id, nil
}

// ProgramIDFromBytes creates a ProgramID from a byte slice.
func ProgramIDFromBytes(b []byte) (ProgramID, error) {
	var id ProgramID
	if len(b) != ProgramIDSize {
		return id, ErrInvalidProgramID
	}
	copy(id[:], b)
	return id, nil
}

// String returns the base58-encoded representation.
func (id ProgramID) String() string {
	return base58.Encode(id[:])
}

// IsZero returns true if the ID is all zeros.
func (id ProgramID) IsZero() bool {
	for _, b := range id {
		if b != 0 {
			return false
		}
	}
	return true
}

// Equals returns true if two IDs are equal.
func (id ProgramID) Equals(other ProgramID) bool {
	return id == other
}

// Bytes returns the ID as a byte slice.
func (id ProgramID) Bytes() []byte {
	return id[:]
}

// MarshalText implements encoding.TextMarshaler.
func (id ProgramID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ProgramID) UnmarshalText(text []byte) error {
	parsed, err := ProgramIDFromBase58(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// OutputDigest is the 32-byte SHA3-256 hash of a run's output bytes.
type OutputDigest [OutputDigestSize]byte

// ComputeOutputDigest hashes run output into its digest.
func ComputeOutputDigest(output []byte) OutputDigest {
	var d OutputDigest
	h := sha3.New256()
	h.Write(output)
	copy(d[:], h.Sum(nil))
	return d
}

// DigestFromBase58 parses a base58-encoded output digest.
func DigestFromBase58(s string) (OutputDigest, error) {
	var d OutputDigest
	data, err := base58.Decode(s)
	if err != nil {
		return d, fmt.Errorf("base58 decode: %w", err)
	}
	if len(data) != OutputDigestSize {
		return d, ErrInvalidDigest
	}
	copy(d[:], data)
	return d, nil
}

// DigestFromBytes creates an OutputDigest from a byte slice.
func DigestFromBytes(b []byte) (OutputDigest, error) {
	var d OutputDigest
	if len(b) != OutputDigestSize {
		return d, ErrInvalidDigest
	}
	copy(d[:], b)
	return d, nil
}

// String returns the base58-encoded representation.
func (d OutputDigest) String() string {
	return base58.Encode(d[:])
}

// Hex returns the hex-encoded representation.
func (d OutputDigest) Hex() string {
	return hex.EncodeToString(d[:])
}

// IsZero returns true if the digest is all zeros.
func (d OutputDigest) IsZero() bool {
	for _, b := range d {
		if b != 0 {
			return false
		}
	}
	return true
}

// Equals returns true if two digests are equal.
func (d OutputDigest) Equals(other OutputDigest) bool {
	return d == other
}

// Bytes returns the digest as a byte slice.
func (d OutputDigest) Bytes() []byte {
	return d[:]
}

// MarshalText implements encoding.TextMarshaler.
func (d OutputDigest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *OutputDigest) UnmarshalText(text []byte) error {
	parsed, err := DigestFromBase58(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
