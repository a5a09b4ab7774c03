package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/RoeeJ/zbf/internal/types"
	"github.com/RoeeJ/zbf/pkg/bfvm"
	"github.com/RoeeJ/zbf/pkg/progstore"
	"github.com/RoeeJ/zbf/pkg/runstore"
)

// Default server configuration values. The execution caps match the
// JSON-RPC server defaults.
const (
	// DefaultAddr is the default gRPC listen address.
	DefaultAddr = ":8600"

	// DefaultMaxStepLimit clamps every hosted run, requested limits
	// included.
	DefaultMaxStepLimit = 100_000_000

	// DefaultMaxTapeSize bounds requested tape sizes, in cells.
	DefaultMaxTapeSize = 1 << 24

	// DefaultWatchPollInterval is how often Watch streams look for
	// newly appended records.
	DefaultWatchPollInterval = 500 * time.Millisecond
)

// ServerConfig holds the settings for the runner service.
type ServerConfig struct {
	// Addr is the listen address.
	Addr string

	// MaxMessageSize caps gRPC messages in both directions, in bytes.
	MaxMessageSize int

	// MaxStepLimit clamps every run executed by the service.
	MaxStepLimit uint64

	// MaxTapeSize bounds requested tape sizes, in cells.
	MaxTapeSize int

	// WatchPollInterval is the poll interval of Watch streams.
	WatchPollInterval time.Duration
}

// DefaultServerConfig returns the default runner service settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:              DefaultAddr,
		MaxMessageSize:    DefaultMaxMessageSize,
		MaxStepLimit:      DefaultMaxStepLimit,
		MaxTapeSize:       DefaultMaxTapeSize,
		WatchPollInterval: DefaultWatchPollInterval,
	}
}

// Server hosts the zbf.Runner service over a program catalog and a run
// record store.
type Server struct {
	config   ServerConfig
	programs progstore.Store
	records  runstore.Store

	grpcServer *grpc.Server

	mu      sync.Mutex
	running bool
}

var _ RunnerServer = (*Server)(nil)

// NewServer creates a runner service over the given stores.
func NewServer(config ServerConfig, programs progstore.Store, records runstore.Store) *Server {
	return &Server{
		config:   config,
		programs: programs,
		records:  records,
	}
}

// Start listens on the configured address and serves until ctx is
// canceled.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.mu.Unlock()

	lis, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}

	s.grpcServer = grpc.NewServer(
		grpc.MaxRecvMsgSize(s.config.MaxMessageSize),
		grpc.MaxSendMsgSize(s.config.MaxMessageSize),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             DefaultKeepaliveTime / 2,
			PermitWithoutStream: true,
		}),
	)
	s.grpcServer.RegisterService(&runnerServiceDesc, s)

	// Handle graceful shutdown. Open Watch streams only end when their
	// client goes away, so graceful draining gets a deadline.
	go func() {
		<-ctx.Done()
		done := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			s.grpcServer.Stop()
		}
	}()

	return s.grpcServer.Serve(lis)
}

// Stop immediately terminates the service.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}
}

// Submit stores a program in the catalog.
func (s *Server) Submit(ctx context.Context, req *SubmitRequest) (*SubmitReply, error) {
	source := []byte(req.Source)

	program, err := s.programs.Put(req.Name, source)
	if err != nil {
		switch {
		case errors.Is(err, bfvm.ErrUnbalancedBrackets),
			errors.Is(err, bfvm.ErrProgramTooLarge),
			errors.Is(err, progstore.ErrEmptySource):
			return nil, status.Errorf(codes.InvalidArgument, "program rejected: %v", err)
		case errors.Is(err, progstore.ErrNameTaken):
			return nil, status.Errorf(codes.AlreadyExists, "%v", err)
		default:
			return nil, status.Errorf(codes.Internal, "failed to store program: %v", err)
		}
	}

	return &SubmitReply{
		ID:     program.ID,
		Length: len(program.Source),
		Ops:    countOps(program.Source),
	}, nil
}

// Run executes a program. Inline source leaves no trace; a stored ref
// appends a run record. Faults are reported in the reply.
func (s *Server) Run(ctx context.Context, req *RunRequest) (*RunReply, error) {
	if (req.Source == "") == (req.Ref == "") {
		return nil, status.Error(codes.InvalidArgument, "exactly one of source and ref is required")
	}

	cfg, err := s.vmConfig(req.Options)
	if err != nil {
		return nil, err
	}

	if req.Source != "" {
		source := []byte(req.Source)
		res, execErr := bfvm.Execute(source, cfg)
		if execErr != nil {
			return nil, status.Errorf(codes.InvalidArgument, "program rejected: %v", execErr)
		}
		reply := newRunReply(res)
		reply.ID = types.ComputeProgramID(source)
		return reply, nil
	}

	program, err := s.resolve(req.Ref)
	if err != nil {
		return nil, err
	}

	startedAt := time.Now()
	res, execErr := bfvm.Execute(program.Source, cfg)
	finishedAt := time.Now()
	if execErr != nil {
		// Stored source was validated on submit; this is machinery
		// failure.
		return nil, status.Errorf(codes.Internal, "run failed: %v", execErr)
	}

	rec := runstore.RecordFromResult(program.ID, res, startedAt, finishedAt)
	if err := s.records.Append(rec); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to record run: %v", err)
	}

	reply := newRunReply(res)
	reply.ID = program.ID
	reply.Seq = rec.Seq
	return reply, nil
}

// Get fetches a stored program.
func (s *Server) Get(ctx context.Context, req *GetRequest) (*GetReply, error) {
	if req.Ref == "" {
		return nil, status.Error(codes.InvalidArgument, "empty program reference")
	}

	program, err := s.resolve(req.Ref)
	if err != nil {
		return nil, err
	}

	return &GetReply{
		ID:      program.ID,
		Name:    program.Name,
		Source:  string(program.Source),
		AddedAt: program.AddedAt,
	}, nil
}

// Watch streams a program's run records: stored history above FromSeq
// first, then live appends, until the client goes away. Sequence
// numbers are dense, so the per-program record count doubles as the
// high-water mark.
func (s *Server) Watch(req *WatchRequest, stream RunnerWatchServer) error {
	if req.Ref == "" {
		return status.Error(codes.InvalidArgument, "empty program reference")
	}

	program, err := s.resolve(req.Ref)
	if err != nil {
		return err
	}

	interval := s.config.WatchPollInterval
	if interval <= 0 {
		interval = DefaultWatchPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ctx := stream.Context()
	last := req.FromSeq
	for {
		high, err := s.records.CountByProgram(program.ID)
		if err != nil {
			return status.Errorf(codes.Internal, "failed to count records: %v", err)
		}

		for seq := last + 1; seq <= high; seq++ {
			rec, err := s.records.Get(program.ID, seq)
			if errors.Is(err, runstore.ErrRecordNotFound) {
				// Purged between the counter read and the fetch.
				break
			}
			if err != nil {
				return status.Errorf(codes.Internal, "failed to read record: %v", err)
			}
			if err := stream.Send(newRecordEvent(rec)); err != nil {
				return err
			}
			last = seq
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// resolve finds a stored program by base58 ID or by name.
func (s *Server) resolve(ref string) (*progstore.StoredProgram, error) {
	if id, err := types.ProgramIDFromBase58(ref); err == nil {
		program, err := s.programs.Get(id)
		if err == nil {
			return program, nil
		}
		if !errors.Is(err, progstore.ErrProgramNotFound) {
			return nil, status.Errorf(codes.Internal, "failed to get program: %v", err)
		}
		// Fall through to the name index; a name can be valid base58.
	}

	program, err := s.programs.GetByName(ref)
	if err != nil {
		if errors.Is(err, progstore.ErrProgramNotFound) {
			return nil, status.Errorf(codes.NotFound, "program not found: %s", ref)
		}
		return nil, status.Errorf(codes.Internal, "failed to get program: %v", err)
	}
	return program, nil
}

// vmConfig translates run options into a VM configuration, applying
// the server-side caps.
func (s *Server) vmConfig(opts RunOptions) (bfvm.Config, error) {
	cfg := bfvm.DefaultConfig()

	if opts.TapeSize < 0 {
		return cfg, status.Errorf(codes.InvalidArgument, "invalid tape size: %d", opts.TapeSize)
	}
	if opts.TapeSize > 0 {
		if opts.TapeSize > s.config.MaxTapeSize {
			return cfg, status.Errorf(codes.InvalidArgument, "tape size %d exceeds cap %d", opts.TapeSize, s.config.MaxTapeSize)
		}
		cfg.TapeSize = opts.TapeSize
	}

	switch opts.CellWidth {
	case 0:
		// Default width.
	case 8:
		cfg.CellWidth = bfvm.Cell8
	case 16:
		cfg.CellWidth = bfvm.Cell16
	case 32:
		cfg.CellWidth = bfvm.Cell32
	default:
		return cfg, status.Errorf(codes.InvalidArgument, "invalid cell width: %d", opts.CellWidth)
	}

	if opts.TrapArith {
		cfg.Arith = bfvm.ArithTrap
	}

	switch opts.EOF {
	case "", "zero":
		cfg.EOF = bfvm.EOFZero
	case "trap":
		cfg.EOF = bfvm.EOFTrap
	default:
		return cfg, status.Errorf(codes.InvalidArgument, "invalid eof policy: %q", opts.EOF)
	}

	// Every run is capped, including "unlimited" requests.
	cfg.StepLimit = s.config.MaxStepLimit
	if opts.StepLimit > 0 && opts.StepLimit < cfg.StepLimit {
		cfg.StepLimit = opts.StepLimit
	}

	if len(opts.Input) > 0 {
		cfg.Input = bytes.NewReader(opts.Input)
	}
	return cfg, nil
}

// countOps counts instruction bytes in source.
func countOps(source []byte) int {
	n := 0
	for _, b := range source {
		if bfvm.IsOp(b) {
			n++
		}
	}
	return n
}
