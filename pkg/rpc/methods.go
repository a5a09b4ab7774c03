package rpc

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/RoeeJ/zbf/internal/types"
	"github.com/RoeeJ/zbf/pkg/bfvm"
	"github.com/RoeeJ/zbf/pkg/progstore"
	"github.com/RoeeJ/zbf/pkg/runstore"
)

// Version information.
const (
	ZbfCore    = "zbf-1.0.0"
	FeatureSet = 0
)

// maxListLimit bounds list responses.
const maxListLimit = 1000

// Catalog Methods

// bfSubmitProgram validates and stores a program.
func (s *Server) bfSubmitProgram(params json.RawMessage) (interface{}, *RPCError) {
	// Parse params: [source, config?]
	var args []json.RawMessage
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, InvalidParamsError("invalid params")
	}

	if len(args) < 1 {
		return nil, InvalidParamsError("missing source parameter")
	}

	var source string
	if err := json.Unmarshal(args[0], &source); err != nil {
		return nil, InvalidParamsError("invalid source")
	}

	// Parse optional config
	var config SubmitConfig
	if len(args) > 1 {
		if err := json.Unmarshal(args[1], &config); err != nil {
			return nil, InvalidParamsError("invalid config")
		}
	}

	program, err := s.programs.Put(config.Name, []byte(source))
	if err != nil {
		switch {
		case errors.Is(err, bfvm.ErrUnbalancedBrackets),
			errors.Is(err, bfvm.ErrProgramTooLarge),
			errors.Is(err, progstore.ErrEmptySource):
			return nil, ProgramRejectedError(err)
		case errors.Is(err, progstore.ErrNameTaken):
			return nil, InvalidParamsErrorf("name already taken: %q", config.Name)
		default:
			return nil, InternalServerErrorf("failed to store program: %v", err)
		}
	}

	return programInfo(program), nil
}

// bfGetProgram retrieves a stored program by ID or name.
func (s *Server) bfGetProgram(params json.RawMessage) (interface{}, *RPCError) {
	ref, rpcErr := parseRef(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	program, rpcErr := s.resolveProgram(ref)
	if rpcErr != nil {
		return nil, rpcErr
	}

	return ProgramDetail{
		ProgramInfo: programInfo(program),
		Source:      string(program.Source),
		Ops:         countOps(program.Source),
	}, nil
}

// bfListPrograms lists stored programs.
func (s *Server) bfListPrograms(params json.RawMessage) (interface{}, *RPCError) {
	limit, rpcErr := parseListLimit(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	infos := make([]ProgramInfo, 0, 16)
	err := s.programs.List(func(sum *progstore.Summary) bool {
		infos = append(infos, ProgramInfo{
			ID:      sum.ID.String(),
			Name:    sum.Name,
			Length:  sum.Size,
			AddedAt: sum.AddedAt,
		})
		return len(infos) < limit
	})
	if err != nil {
		return nil, InternalServerErrorf("failed to list programs: %v", err)
	}

	return infos, nil
}

// bfDeleteProgram removes a program and purges its run records.
func (s *Server) bfDeleteProgram(params json.RawMessage) (interface{}, *RPCError) {
	ref, rpcErr := parseRef(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	program, rpcErr := s.resolveProgram(ref)
	if rpcErr != nil {
		return nil, rpcErr
	}

	if err := s.programs.Delete(program.ID); err != nil {
		return nil, InternalServerErrorf("failed to delete program: %v", err)
	}

	purged, err := s.records.PurgeProgram(program.ID)
	if err != nil {
		return nil, InternalServerErrorf("failed to purge run records: %v", err)
	}

	return DeleteResult{
		ID:         program.ID.String(),
		PurgedRuns: purged,
	}, nil
}

// Execution Methods

// bfRunProgram executes inline source without recording the run.
func (s *Server) bfRunProgram(params json.RawMessage) (interface{}, *RPCError) {
	// Parse params: [source, config?]
	var args []json.RawMessage
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, InvalidParamsError("invalid params")
	}

	if len(args) < 1 {
		return nil, InvalidParamsError("missing source parameter")
	}

	var source string
	if err := json.Unmarshal(args[0], &source); err != nil {
		return nil, InvalidParamsError("invalid source")
	}

	config, rpcErr := parseRunConfig(args)
	if rpcErr != nil {
		return nil, rpcErr
	}

	cfg, encoding, rpcErr := s.vmConfig(config)
	if rpcErr != nil {
		return nil, rpcErr
	}

	res, err := bfvm.Execute([]byte(source), cfg)
	if err != nil {
		if errors.Is(err, bfvm.ErrUnbalancedBrackets) || errors.Is(err, bfvm.ErrProgramTooLarge) {
			return nil, ProgramRejectedError(err)
		}
		return nil, RunFailedErrorf("failed to run program: %v", err)
	}

	report, rpcErr := runReport(res, encoding)
	if rpcErr != nil {
		return nil, rpcErr
	}
	report.ID = types.ComputeProgramID([]byte(source)).String()
	return report, nil
}

// bfRunStored executes a stored program and appends a run record.
func (s *Server) bfRunStored(params json.RawMessage) (interface{}, *RPCError) {
	// Parse params: [ref, config?]
	var args []json.RawMessage
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, InvalidParamsError("invalid params")
	}

	if len(args) < 1 {
		return nil, InvalidParamsError("missing program parameter")
	}

	var ref string
	if err := json.Unmarshal(args[0], &ref); err != nil {
		return nil, InvalidParamsError("invalid program reference")
	}

	config, rpcErr := parseRunConfig(args)
	if rpcErr != nil {
		return nil, rpcErr
	}

	program, rpcErr := s.resolveProgram(ref)
	if rpcErr != nil {
		return nil, rpcErr
	}

	cfg, encoding, rpcErr := s.vmConfig(config)
	if rpcErr != nil {
		return nil, rpcErr
	}

	startedAt := time.Now().UTC()
	res, err := bfvm.Execute(program.Source, cfg)
	if err != nil {
		// Stored source was validated on submit; this is machinery failure.
		return nil, RunFailedErrorf("failed to run program: %v", err)
	}
	finishedAt := time.Now().UTC()

	rec := runstore.RecordFromResult(program.ID, res, startedAt, finishedAt)
	if err := s.records.Append(rec); err != nil {
		return nil, RunFailedErrorf("failed to record run: %v", err)
	}

	report, rpcErr := runReport(res, encoding)
	if rpcErr != nil {
		return nil, rpcErr
	}
	report.ID = program.ID.String()
	report.Seq = rec.Seq
	return report, nil
}

// bfInspectProgram returns the instruction listing of a stored program.
func (s *Server) bfInspectProgram(params json.RawMessage) (interface{}, *RPCError) {
	ref, rpcErr := parseRef(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	program, rpcErr := s.resolveProgram(ref)
	if rpcErr != nil {
		return nil, rpcErr
	}

	loaded, err := bfvm.Load(program.Source)
	if err != nil {
		// The catalog only holds loadable programs.
		return nil, InternalServerErrorf("failed to load program: %v", err)
	}

	entries := loaded.Listing()
	listing := make([]ListingEntry, len(entries))
	loops := 0
	for i, entry := range entries {
		listing[i] = ListingEntry{
			Pos:  entry.Pos,
			Op:   string(entry.Op),
			Jump: entry.Jump,
		}
		if entry.Op == bfvm.OpOpen {
			loops++
		}
	}

	return InspectResult{
		ID:       program.ID.String(),
		Name:     program.Name,
		Length:   len(program.Source),
		Ops:      len(entries),
		Comments: len(program.Source) - len(entries),
		Loops:    loops,
		Listing:  listing,
	}, nil
}

// Record Methods

// bfGetRunRecord retrieves one run record by program and sequence number.
func (s *Server) bfGetRunRecord(params json.RawMessage) (interface{}, *RPCError) {
	var args []json.RawMessage
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, InvalidParamsError("invalid params")
	}

	if len(args) < 2 {
		return nil, InvalidParamsError("missing program or seq parameter")
	}

	var ref string
	if err := json.Unmarshal(args[0], &ref); err != nil {
		return nil, InvalidParamsError("invalid program reference")
	}

	var seq uint64
	if err := json.Unmarshal(args[1], &seq); err != nil {
		return nil, InvalidParamsError("invalid seq")
	}

	program, rpcErr := s.resolveProgram(ref)
	if rpcErr != nil {
		return nil, rpcErr
	}

	rec, err := s.records.Get(program.ID, seq)
	if err != nil {
		if errors.Is(err, runstore.ErrRecordNotFound) {
			return nil, RecordNotFoundError(ref, seq)
		}
		return nil, InternalServerErrorf("failed to get run record: %v", err)
	}

	return recordInfo(rec), nil
}

// bfListRunRecords lists a program's run records, newest first.
func (s *Server) bfListRunRecords(params json.RawMessage) (interface{}, *RPCError) {
	var args []json.RawMessage
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, InvalidParamsError("invalid params")
	}

	if len(args) < 1 {
		return nil, InvalidParamsError("missing program parameter")
	}

	var ref string
	if err := json.Unmarshal(args[0], &ref); err != nil {
		return nil, InvalidParamsError("invalid program reference")
	}

	limit := maxListLimit
	if len(args) > 1 {
		var config ListConfig
		if err := json.Unmarshal(args[1], &config); err != nil {
			return nil, InvalidParamsError("invalid config")
		}
		if config.Limit > 0 && config.Limit < limit {
			limit = config.Limit
		}
	}

	program, rpcErr := s.resolveProgram(ref)
	if rpcErr != nil {
		return nil, rpcErr
	}

	var records []*runstore.RunRecord
	err := s.records.IterateByProgram(program.ID, func(rec *runstore.RunRecord) error {
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, InternalServerErrorf("failed to list run records: %v", err)
	}

	// Keep the newest records and return them newest first.
	if len(records) > limit {
		records = records[len(records)-limit:]
	}
	infos := make([]RecordInfo, len(records))
	for i, rec := range records {
		infos[len(records)-1-i] = recordInfo(rec)
	}

	return infos, nil
}

// Node Methods

// getHealth returns the node health status.
func (s *Server) getHealth(params json.RawMessage) (interface{}, *RPCError) {
	if !s.IsHealthy() {
		return nil, ErrNodeUnhealthy
	}
	return "ok", nil
}

// getVersion returns the node version.
func (s *Server) getVersion(params json.RawMessage) (interface{}, *RPCError) {
	return map[string]interface{}{
		"zbf-core":    ZbfCore,
		"feature-set": FeatureSet,
	}, nil
}

// bfGetStats returns catalog and record log statistics.
func (s *Server) bfGetStats(params json.RawMessage) (interface{}, *RPCError) {
	pstats, err := s.programs.Stats()
	if err != nil {
		return nil, InternalServerErrorf("failed to read catalog stats: %v", err)
	}

	lsm, vlog := s.records.Size()
	return StatsResult{
		Programs: ProgramStats{
			Count:        pstats.ProgramCount,
			SourceBytes:  pstats.SourceBytes,
			DatabaseSize: pstats.DatabaseSize,
		},
		Runs: RunStats{
			Count:    s.records.Count(),
			LSMSize:  lsm,
			VLogSize: vlog,
		},
	}, nil
}

// Helpers

// parseRef extracts a single program reference parameter.
func parseRef(params json.RawMessage) (string, *RPCError) {
	var args []json.RawMessage
	if err := json.Unmarshal(params, &args); err != nil {
		return "", InvalidParamsError("invalid params")
	}

	if len(args) < 1 {
		return "", InvalidParamsError("missing program parameter")
	}

	var ref string
	if err := json.Unmarshal(args[0], &ref); err != nil {
		return "", InvalidParamsError("invalid program reference")
	}
	if ref == "" {
		return "", InvalidParamsError("empty program reference")
	}
	return ref, nil
}

// parseListLimit extracts an optional [config{limit}] parameter.
func parseListLimit(params json.RawMessage) (int, *RPCError) {
	limit := maxListLimit
	if len(params) == 0 {
		return limit, nil
	}

	var args []json.RawMessage
	if err := json.Unmarshal(params, &args); err != nil {
		return 0, InvalidParamsError("invalid params")
	}
	if len(args) == 0 {
		return limit, nil
	}

	var config ListConfig
	if err := json.Unmarshal(args[0], &config); err != nil {
		return 0, InvalidParamsError("invalid config")
	}
	if config.Limit > 0 && config.Limit < limit {
		limit = config.Limit
	}
	return limit, nil
}

// parseRunConfig extracts the optional second run-config parameter.
func parseRunConfig(args []json.RawMessage) (RunConfig, *RPCError) {
	var config RunConfig
	if len(args) > 1 {
		if err := json.Unmarshal(args[1], &config); err != nil {
			return config, InvalidParamsError("invalid config")
		}
	}
	return config, nil
}

// resolveProgram finds a stored program by base58 ID or by name.
func (s *Server) resolveProgram(ref string) (*progstore.StoredProgram, *RPCError) {
	if id, err := types.ProgramIDFromBase58(ref); err == nil {
		program, err := s.programs.Get(id)
		if err == nil {
			return program, nil
		}
		if !errors.Is(err, progstore.ErrProgramNotFound) {
			return nil, InternalServerErrorf("failed to get program: %v", err)
		}
		// Fall through to the name index; a name can be valid base58.
	}

	program, err := s.programs.GetByName(ref)
	if err != nil {
		if errors.Is(err, progstore.ErrProgramNotFound) {
			return nil, ProgramNotFoundError(ref)
		}
		return nil, InternalServerErrorf("failed to get program: %v", err)
	}
	return program, nil
}

// vmConfig translates a RunConfig into a VM configuration, applying the
// server-side caps.
func (s *Server) vmConfig(rc RunConfig) (bfvm.Config, Encoding, *RPCError) {
	cfg := bfvm.DefaultConfig()

	if rc.TapeSize < 0 {
		return cfg, "", InvalidParamsErrorf("invalid tapeSize: %d", rc.TapeSize)
	}
	if rc.TapeSize > 0 {
		if rc.TapeSize > s.config.MaxTapeSize {
			return cfg, "", InvalidParamsErrorf("tapeSize %d exceeds cap %d", rc.TapeSize, s.config.MaxTapeSize)
		}
		cfg.TapeSize = rc.TapeSize
	}

	switch rc.CellWidth {
	case 0:
		// Default width.
	case 8:
		cfg.CellWidth = bfvm.Cell8
	case 16:
		cfg.CellWidth = bfvm.Cell16
	case 32:
		cfg.CellWidth = bfvm.Cell32
	default:
		return cfg, "", InvalidParamsErrorf("invalid cellWidth: %d", rc.CellWidth)
	}

	if rc.TrapArith {
		cfg.Arith = bfvm.ArithTrap
	}

	switch rc.EOF {
	case "", "zero":
		cfg.EOF = bfvm.EOFZero
	case "trap":
		cfg.EOF = bfvm.EOFTrap
	default:
		return cfg, "", InvalidParamsErrorf("invalid eof policy: %q", rc.EOF)
	}

	// Every run is capped, including "unlimited" requests.
	cfg.StepLimit = s.config.MaxStepLimit
	if rc.StepLimit > 0 && rc.StepLimit < cfg.StepLimit {
		cfg.StepLimit = rc.StepLimit
	}

	if rc.Input != "" {
		input, err := base64.StdEncoding.DecodeString(rc.Input)
		if err != nil {
			return cfg, "", InvalidParamsError("invalid input encoding")
		}
		cfg.Input = bytes.NewReader(input)
	}

	encoding := rc.Encoding
	if encoding == "" {
		encoding = EncodingBase64
	}
	return cfg, encoding, nil
}

// runReport converts an execution result into the wire report.
func runReport(res *bfvm.Result, encoding Encoding) (*RunReport, *RPCError) {
	output, err := EncodeOutput(res.Output, encoding)
	if err != nil {
		return nil, InternalServerErrorf("failed to encode output: %v", err)
	}

	report := &RunReport{
		Status:    runstore.RunClean.String(),
		Output:    output,
		OutputLen: len(res.Output),
		Digest:    types.ComputeOutputDigest(res.Output).String(),
		Steps:     res.Steps,
		OpCounts:  opCountsMap(res.OpCounts),
	}
	if res.Fault != nil {
		report.Status = runstore.RunFaulted.String()
		report.Fault = res.Fault.Error()
		snap := res.Snapshot
		report.Snapshot = &snap
	}
	return report, nil
}

// recordInfo converts a stored run record into the wire form.
func recordInfo(rec *runstore.RunRecord) RecordInfo {
	info := RecordInfo{
		Program:    rec.Program.String(),
		Seq:        rec.Seq,
		Status:     rec.Status.String(),
		Fault:      rec.Fault,
		StartedAt:  rec.StartedAt,
		FinishedAt: rec.FinishedAt,
		Steps:      rec.Steps,
		OpCounts:   opCountsMap(rec.OpCounts),
		OutputLen:  rec.OutputLen,
		Digest:     rec.Digest.String(),
	}
	if rec.Status == runstore.RunFaulted {
		snap := rec.Snapshot
		info.Snapshot = &snap
	}
	return info
}

// programInfo converts a stored program into the wire form.
func programInfo(p *progstore.StoredProgram) ProgramInfo {
	return ProgramInfo{
		ID:      p.ID.String(),
		Name:    p.Name,
		Length:  len(p.Source),
		AddedAt: p.AddedAt,
	}
}

// opCountsMap keys per-instruction counts by instruction byte.
func opCountsMap(counts [bfvm.NumOps]uint64) map[string]uint64 {
	m := make(map[string]uint64, bfvm.NumOps)
	for i, op := range bfvm.Ops {
		m[string(op)] = counts[i]
	}
	return m
}

// countOps counts the instruction bytes in source, comments excluded.
func countOps(source []byte) int {
	n := 0
	for _, b := range source {
		if bfvm.IsOp(b) {
			n++
		}
	}
	return n
}
