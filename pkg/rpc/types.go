package rpc

import (
	"encoding/json"
	"time"

	"github.com/RoeeJ/zbf/pkg/bfvm"
)

// JSON-RPC 2.0 constants.
const (
	JSONRPCVersion = "2.0"
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Encoding types for run output.
type Encoding string

const (
	EncodingBase58     Encoding = "base58"
	EncodingBase64     Encoding = "base64"
	EncodingBase64Zstd Encoding = "base64+zstd"
)

// SubmitConfig configures bfSubmitProgram requests.
type SubmitConfig struct {
	// Name optionally registers the program in the name index.
	Name string `json:"name,omitempty"`
}

// RunConfig configures bfRunProgram and bfRunStored requests.
type RunConfig struct {
	// TapeSize is the tape length in cells (default 30000).
	TapeSize int `json:"tapeSize,omitempty"`

	// CellWidth is the cell size in bits: 8, 16 or 32 (default 8).
	CellWidth int `json:"cellWidth,omitempty"`

	// TrapArith faults on cell overflow and underflow instead of wrapping.
	TrapArith bool `json:"trapArith,omitempty"`

	// EOF selects the end-of-input policy: "zero" (default) or "trap".
	EOF string `json:"eof,omitempty"`

	// StepLimit bounds the run. Zero and anything above the server cap
	// are clamped to the cap.
	StepLimit uint64 `json:"stepLimit,omitempty"`

	// Input is the base64-encoded input stream for ','.
	Input string `json:"input,omitempty"`

	// Encoding selects the output encoding (default base64).
	Encoding Encoding `json:"encoding,omitempty"`
}

// ListConfig bounds list responses.
type ListConfig struct {
	Limit int `json:"limit,omitempty"`
}

// ProgramInfo describes a stored program.
type ProgramInfo struct {
	ID      string    `json:"id"`
	Name    string    `json:"name,omitempty"`
	Length  int       `json:"length"`
	AddedAt time.Time `json:"addedAt"`
}

// ProgramDetail is ProgramInfo plus the program text.
type ProgramDetail struct {
	ProgramInfo
	Source string `json:"source"`
	Ops    int    `json:"ops"`
}

// RunReport is the result of running a program over RPC.
type RunReport struct {
	// ID is the content address of the executed source.
	ID string `json:"id"`

	// Seq is the run record sequence number for recorded runs.
	Seq uint64 `json:"seq,omitempty"`

	// Status is "clean" or "faulted".
	Status string `json:"status"`

	// Output is the encoded output as a [data, encoding] pair.
	Output interface{} `json:"output"`

	OutputLen int               `json:"outputLen"`
	Digest    string            `json:"digest"`
	Steps     uint64            `json:"steps"`
	OpCounts  map[string]uint64 `json:"opCounts"`

	// Fault and Snapshot are set when the run faulted.
	Fault    string         `json:"fault,omitempty"`
	Snapshot *bfvm.Snapshot `json:"snapshot,omitempty"`
}

// ListingEntry is one instruction in a program listing.
type ListingEntry struct {
	Pos  int    `json:"pos"`
	Op   string `json:"op"`
	Jump int    `json:"jump"`
}

// InspectResult is the result of bfInspectProgram.
type InspectResult struct {
	ID       string         `json:"id"`
	Name     string         `json:"name,omitempty"`
	Length   int            `json:"length"`
	Ops      int            `json:"ops"`
	Comments int            `json:"comments"`
	Loops    int            `json:"loops"`
	Listing  []ListingEntry `json:"listing"`
}

// RecordInfo describes one stored run record.
type RecordInfo struct {
	Program    string            `json:"program"`
	Seq        uint64            `json:"seq"`
	Status     string            `json:"status"`
	Fault      string            `json:"fault,omitempty"`
	StartedAt  time.Time         `json:"startedAt"`
	FinishedAt time.Time         `json:"finishedAt"`
	Steps      uint64            `json:"steps"`
	OpCounts   map[string]uint64 `json:"opCounts"`
	OutputLen  int               `json:"outputLen"`
	Digest     string            `json:"digest"`
	Snapshot   *bfvm.Snapshot    `json:"snapshot,omitempty"`
}

// DeleteResult is the result of bfDeleteProgram.
type DeleteResult struct {
	ID         string `json:"id"`
	PurgedRuns uint64 `json:"purgedRuns"`
}

// ProgramStats summarizes the program catalog.
type ProgramStats struct {
	Count        uint64 `json:"count"`
	SourceBytes  uint64 `json:"sourceBytes"`
	DatabaseSize int64  `json:"databaseSize"`
}

// RunStats summarizes the run record log.
type RunStats struct {
	Count    uint64 `json:"count"`
	LSMSize  int64  `json:"lsmSize"`
	VLogSize int64  `json:"vlogSize"`
}

// StatsResult is the result of bfGetStats.
type StatsResult struct {
	Programs ProgramStats `json:"programs"`
	Runs     RunStats     `json:"runs"`
}
