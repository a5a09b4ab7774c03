// Package node provides the orchestrator for a zbf daemon.
//
// The Node ties together all components:
// - Program catalog for validated, content-addressed source
// - Run record store for execution history
// - JSON-RPC server for the HTTP API
// - gRPC runner for remote execution and record streaming
//
// The node manages the lifecycle of these components, seeds the catalog
// from program bundles, and reports health and storage statistics.
package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoeeJ/zbf/internal/types"
	"github.com/RoeeJ/zbf/pkg/archive"
	"github.com/RoeeJ/zbf/pkg/progstore"
	"github.com/RoeeJ/zbf/pkg/remote"
	"github.com/RoeeJ/zbf/pkg/rpc"
	"github.com/RoeeJ/zbf/pkg/runstore"
)

// Node errors.
var (
	ErrAlreadyRunning = errors.New("node is already running")
	ErrNotRunning     = errors.New("node is not running")
	ErrConfigInvalid  = errors.New("invalid node configuration")
	ErrInitFailed     = errors.New("node initialization failed")
)

// Config holds node configuration.
type Config struct {
	// DataDir is the root directory for all node data.
	// Subdirectories will be created for the catalog and the records.
	DataDir string

	// RPCEnabled enables the JSON-RPC server.
	RPCEnabled bool

	// RPCAddr is the listen address for the JSON-RPC server
	// (default ":8599").
	RPCAddr string

	// RPCLogRequests enables logging of RPC requests.
	RPCLogRequests bool

	// GRPCEnabled enables the gRPC runner service.
	GRPCEnabled bool

	// GRPCAddr is the listen address for the gRPC runner
	// (default ":8600").
	GRPCAddr string

	// MaxStepLimit clamps every hosted run on both serving surfaces.
	MaxStepLimit uint64

	// MaxTapeSize bounds requested tape sizes, in cells.
	MaxTapeSize int

	// BundleDir is the directory for program bundles. Empty disables
	// bundle handling.
	BundleDir string

	// ImportLatestBundle seeds an empty catalog from the newest bundle
	// in BundleDir at startup.
	ImportLatestBundle bool

	// GCInterval is how often the record store reclaims value-log
	// space.
	GCInterval time.Duration

	// OnError is called with background failures (optional).
	OnError func(err error)
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DataDir:      "./data",
		RPCEnabled:   true,
		RPCAddr:      ":8599",
		GRPCEnabled:  true,
		GRPCAddr:     ":8600",
		MaxStepLimit: rpc.DefaultMaxStepLimit,
		MaxTapeSize:  rpc.DefaultMaxTapeSize,
		GCInterval:   1 * time.Hour,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("%w: data directory is required", ErrConfigInvalid)
	}
	if c.MaxStepLimit == 0 {
		return fmt.Errorf("%w: max step limit must be positive", ErrConfigInvalid)
	}
	if c.MaxTapeSize <= 0 {
		return fmt.Errorf("%w: max tape size must be positive", ErrConfigInvalid)
	}
	if c.ImportLatestBundle && c.BundleDir == "" {
		return fmt.Errorf("%w: bundle import requires a bundle directory", ErrConfigInvalid)
	}
	return nil
}

// Node is a complete zbf daemon. It manages the lifecycle of the stores
// and the serving surfaces.
type Node struct {
	config Config

	// Core components
	programs   progstore.Store
	records    runstore.Store
	rpcServer  *rpc.Server
	grpcServer *remote.Server

	// State management
	running      atomic.Bool
	shuttingDown atomic.Bool
	startTime    time.Time
	lastError    error
	lastErrorMu  sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new node with the given configuration.
// The node is not started until Start() is called.
func New(config *Config) (*Node, error) {
	if config == nil {
		config = &Config{}
	}

	// Apply defaults
	defaults := DefaultConfig()
	if config.DataDir == "" {
		config.DataDir = defaults.DataDir
	}
	if config.RPCAddr == "" {
		config.RPCAddr = defaults.RPCAddr
	}
	if config.GRPCAddr == "" {
		config.GRPCAddr = defaults.GRPCAddr
	}
	if config.MaxStepLimit == 0 {
		config.MaxStepLimit = defaults.MaxStepLimit
	}
	if config.MaxTapeSize == 0 {
		config.MaxTapeSize = defaults.MaxTapeSize
	}
	if config.GCInterval == 0 {
		config.GCInterval = defaults.GCInterval
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Node{config: *config}, nil
}

// Start initializes all components and begins serving. The serving
// loops run in the background; Start returns once they are launched.
func (n *Node) Start(ctx context.Context) error {
	if n.running.Load() {
		return ErrAlreadyRunning
	}

	n.ctx, n.cancel = context.WithCancel(ctx)
	n.startTime = time.Now()
	n.running.Store(true)

	if err := n.initialize(); err != nil {
		n.running.Store(false)
		return fmt.Errorf("%w: %v", ErrInitFailed, err)
	}

	// Start the record store GC loop
	n.wg.Add(1)
	go n.gcLoop()

	// Start RPC server if enabled
	if n.rpcServer != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.rpcServer.Start(n.ctx); err != nil {
				n.reportError(fmt.Errorf("rpc server: %w", err))
			}
		}()
	}

	// Start gRPC runner if enabled
	if n.grpcServer != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.grpcServer.Start(n.ctx); err != nil {
				n.reportError(fmt.Errorf("grpc runner: %w", err))
			}
		}()
	}

	return nil
}

// initialize sets up the storage backends and the serving surfaces.
func (n *Node) initialize() error {
	// Create data directories
	if err := os.MkdirAll(n.config.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	// Initialize the program catalog
	catalogPath := filepath.Join(n.config.DataDir, "programs", "programs.db")
	programs, err := progstore.Open(progstore.DefaultConfig(catalogPath))
	if err != nil {
		return fmt.Errorf("open program catalog: %w", err)
	}
	n.programs = programs

	// Initialize the run record store
	recordsPath := filepath.Join(n.config.DataDir, "runs")
	records, err := runstore.Open(runstore.DefaultConfig(recordsPath))
	if err != nil {
		programs.Close()
		return fmt.Errorf("open run record store: %w", err)
	}
	n.records = records

	// Seed the catalog from a bundle if configured
	if err := n.importInitialBundle(); err != nil {
		n.closeStorage()
		return fmt.Errorf("import bundle: %w", err)
	}

	// Initialize RPC server if enabled
	if n.config.RPCEnabled {
		rpcConfig := rpc.DefaultConfig()
		rpcConfig.Addr = n.config.RPCAddr
		rpcConfig.LogRequests = n.config.RPCLogRequests
		rpcConfig.MaxStepLimit = n.config.MaxStepLimit
		rpcConfig.MaxTapeSize = n.config.MaxTapeSize

		n.rpcServer = rpc.New(rpcConfig, programs, records)
	}

	// Initialize gRPC runner if enabled
	if n.config.GRPCEnabled {
		grpcConfig := remote.DefaultServerConfig()
		grpcConfig.Addr = n.config.GRPCAddr
		grpcConfig.MaxStepLimit = n.config.MaxStepLimit
		grpcConfig.MaxTapeSize = n.config.MaxTapeSize

		n.grpcServer = remote.NewServer(grpcConfig, programs, records)
	}

	return nil
}

// importInitialBundle seeds an empty catalog from the newest bundle in
// the bundle directory. A populated catalog is left alone.
func (n *Node) importInitialBundle() error {
	if !n.config.ImportLatestBundle {
		return nil
	}
	if n.programs.Count() > 0 {
		return nil
	}

	info, err := archive.FindLatestBundle(n.config.BundleDir)
	if err != nil {
		if errors.Is(err, archive.ErrBundleNotFound) {
			// Nothing to seed from.
			return nil
		}
		return fmt.Errorf("find bundle: %w", err)
	}

	if _, err := archive.ImportBundleFile(n.programs, info.Path); err != nil {
		return fmt.Errorf("import %s: %w", info.Path, err)
	}
	return nil
}

// ExportBundle writes the whole catalog to a new bundle file in the
// bundle directory.
func (n *Node) ExportBundle() (string, *archive.ExportResult, error) {
	if !n.running.Load() {
		return "", nil, ErrNotRunning
	}
	if n.config.BundleDir == "" {
		return "", nil, fmt.Errorf("%w: bundle directory is not configured", ErrConfigInvalid)
	}
	return archive.WriteBundleFile(n.programs, n.config.BundleDir)
}

// gcLoop periodically reclaims record store value-log space.
func (n *Node) gcLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if err := n.records.RunGC(); err != nil && !errors.Is(err, runstore.ErrClosed) {
				n.reportError(fmt.Errorf("record store gc: %w", err))
			}
		}
	}
}

// closeStorage closes all storage backends.
func (n *Node) closeStorage() {
	if n.records != nil {
		n.records.Close()
	}
	if n.programs != nil {
		n.programs.Close()
	}
}

// Stop gracefully stops the node.
func (n *Node) Stop() error {
	if !n.running.Load() {
		return ErrNotRunning
	}

	n.shuttingDown.Store(true)
	defer n.shuttingDown.Store(false)

	// Cancel context to stop all goroutines
	if n.cancel != nil {
		n.cancel()
	}

	// Wait for the serving loops to drain
	n.wg.Wait()

	if n.rpcServer != nil {
		n.rpcServer.Stop()
	}
	if n.grpcServer != nil {
		n.grpcServer.Stop()
	}

	// Flush pending writes
	if n.records != nil {
		n.records.Sync()
	}
	if n.programs != nil {
		n.programs.Sync()
	}

	n.closeStorage()

	n.running.Store(false)
	return nil
}

// Status returns the current node status.
func (n *Node) Status() *Status {
	status := &Status{
		IsRunning: n.running.Load(),
		DataDir:   n.config.DataDir,
		LastError: n.getLastError(),
	}
	if status.IsRunning {
		status.Uptime = time.Since(n.startTime)
	}
	if n.rpcServer != nil {
		status.RPCAddr = n.config.RPCAddr
	}
	if n.grpcServer != nil {
		status.GRPCAddr = n.config.GRPCAddr
	}

	if n.programs != nil {
		status.ProgramCount = n.programs.Count()
		if stats, err := n.programs.Stats(); err == nil {
			status.CatalogSize = stats.DatabaseSize
		}
	}
	if n.records != nil {
		status.RunCount = n.records.Count()
		status.RecordLSMSize, status.RecordVLogSize = n.records.Size()
	}

	return status
}

// Status contains the current node status.
type Status struct {
	// IsRunning indicates if the node is running.
	IsRunning bool

	// Uptime is how long the node has been running.
	Uptime time.Duration

	// DataDir is the root data directory.
	DataDir string

	// RPCAddr is the JSON-RPC address, empty when disabled.
	RPCAddr string

	// GRPCAddr is the gRPC runner address, empty when disabled.
	GRPCAddr string

	// ProgramCount is the number of programs in the catalog.
	ProgramCount uint64

	// RunCount is the total number of stored run records.
	RunCount uint64

	// CatalogSize is the catalog database size in bytes.
	CatalogSize int64

	// RecordLSMSize and RecordVLogSize are the record store sizes in
	// bytes.
	RecordLSMSize  int64
	RecordVLogSize int64

	// LastError is the most recent background error.
	LastError error
}

// GetProgram retrieves a program by ID from the catalog.
func (n *Node) GetProgram(id types.ProgramID) (*progstore.StoredProgram, error) {
	if n.programs == nil {
		return nil, ErrNotRunning
	}
	return n.programs.Get(id)
}

// GetRunRecord retrieves a run record by program and sequence number.
func (n *Node) GetRunRecord(id types.ProgramID, seq uint64) (*runstore.RunRecord, error) {
	if n.records == nil {
		return nil, ErrNotRunning
	}
	return n.records.Get(id, seq)
}

// reportError records a background failure.
func (n *Node) reportError(err error) {
	n.setLastError(err)
	if n.config.OnError != nil {
		n.config.OnError(err)
	}
}

// setLastError safely sets the last error.
func (n *Node) setLastError(err error) {
	n.lastErrorMu.Lock()
	n.lastError = err
	n.lastErrorMu.Unlock()
}

// getLastError safely gets the last error.
func (n *Node) getLastError() error {
	n.lastErrorMu.RLock()
	defer n.lastErrorMu.RUnlock()
	return n.lastError
}
