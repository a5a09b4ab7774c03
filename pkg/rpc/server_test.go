package rpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/RoeeJ/zbf/internal/types"
	"github.com/RoeeJ/zbf/pkg/bfvm"
	"github.com/RoeeJ/zbf/pkg/progstore"
	"github.com/RoeeJ/zbf/pkg/runstore"
)

const helloWorld = "++++++++[>++++[>++>+++>+++>+<<<<-]>+>+>->>+[<]<-]>>.>---.+++++++..+++.>>.<-.<.+++.------.--------.>>+.>++."

// mockProgramStore implements progstore.Store for testing.
type mockProgramStore struct {
	programs map[types.ProgramID]*progstore.StoredProgram
	names    map[string]types.ProgramID
}

func newMockProgramStore() *mockProgramStore {
	return &mockProgramStore{
		programs: make(map[types.ProgramID]*progstore.StoredProgram),
		names:    make(map[string]types.ProgramID),
	}
}

func (m *mockProgramStore) Put(name string, source []byte) (*progstore.StoredProgram, error) {
	if len(source) == 0 {
		return nil, progstore.ErrEmptySource
	}
	if _, err := bfvm.Load(source); err != nil {
		return nil, err
	}

	program := &progstore.StoredProgram{
		ID:      types.ComputeProgramID(source),
		Name:    name,
		Source:  source,
		AddedAt: time.Now().UTC(),
	}
	if name != "" {
		if existing, ok := m.names[name]; ok && existing != program.ID {
			return nil, progstore.ErrNameTaken
		}
		m.names[name] = program.ID
	}
	m.programs[program.ID] = program
	return program, nil
}

func (m *mockProgramStore) Get(id types.ProgramID) (*progstore.StoredProgram, error) {
	program, ok := m.programs[id]
	if !ok {
		return nil, progstore.ErrProgramNotFound
	}
	return program, nil
}

func (m *mockProgramStore) GetByName(name string) (*progstore.StoredProgram, error) {
	id, ok := m.names[name]
	if !ok {
		return nil, progstore.ErrProgramNotFound
	}
	return m.Get(id)
}

func (m *mockProgramStore) Has(id types.ProgramID) bool {
	_, ok := m.programs[id]
	return ok
}

func (m *mockProgramStore) Delete(id types.ProgramID) error {
	program, ok := m.programs[id]
	if !ok {
		return nil
	}
	if program.Name != "" {
		delete(m.names, program.Name)
	}
	delete(m.programs, id)
	return nil
}

func (m *mockProgramStore) List(fn func(*progstore.Summary) bool) error {
	for _, program := range m.programs {
		sum := &progstore.Summary{
			ID:      program.ID,
			Name:    program.Name,
			Size:    len(program.Source),
			AddedAt: program.AddedAt,
		}
		if !fn(sum) {
			return nil
		}
	}
	return nil
}

func (m *mockProgramStore) Count() uint64 { return uint64(len(m.programs)) }

func (m *mockProgramStore) Stats() (*progstore.Stats, error) {
	var sourceBytes uint64
	for _, program := range m.programs {
		sourceBytes += uint64(len(program.Source))
	}
	return &progstore.Stats{
		ProgramCount: uint64(len(m.programs)),
		SourceBytes:  sourceBytes,
		DatabaseSize: 4096,
	}, nil
}

func (m *mockProgramStore) Sync() error  { return nil }
func (m *mockProgramStore) Close() error { return nil }

// mockRecordStore implements runstore.Store for testing.
type mockRecordStore struct {
	records map[types.ProgramID][]*runstore.RunRecord
}

func newMockRecordStore() *mockRecordStore {
	return &mockRecordStore{
		records: make(map[types.ProgramID][]*runstore.RunRecord),
	}
}

func (m *mockRecordStore) Append(rec *runstore.RunRecord) error {
	rec.Seq = uint64(len(m.records[rec.Program])) + 1
	m.records[rec.Program] = append(m.records[rec.Program], rec)
	return nil
}

func (m *mockRecordStore) Get(program types.ProgramID, seq uint64) (*runstore.RunRecord, error) {
	for _, rec := range m.records[program] {
		if rec.Seq == seq {
			return rec, nil
		}
	}
	return nil, runstore.ErrRecordNotFound
}

func (m *mockRecordStore) Latest(program types.ProgramID) (*runstore.RunRecord, error) {
	recs := m.records[program]
	if len(recs) == 0 {
		return nil, runstore.ErrRecordNotFound
	}
	return recs[len(recs)-1], nil
}

func (m *mockRecordStore) IterateByProgram(program types.ProgramID, fn func(*runstore.RunRecord) error) error {
	for _, rec := range m.records[program] {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (m *mockRecordStore) CountByProgram(program types.ProgramID) (uint64, error) {
	return uint64(len(m.records[program])), nil
}

func (m *mockRecordStore) PurgeProgram(program types.ProgramID) (uint64, error) {
	purged := uint64(len(m.records[program]))
	delete(m.records, program)
	return purged, nil
}

func (m *mockRecordStore) Count() uint64 {
	var n uint64
	for _, recs := range m.records {
		n += uint64(len(recs))
	}
	return n
}

func (m *mockRecordStore) RunGC() error            { return nil }
func (m *mockRecordStore) Sync() error             { return nil }
func (m *mockRecordStore) Size() (lsm, vlog int64) { return 0, 0 }
func (m *mockRecordStore) Close() error            { return nil }

// Helper function to create a test server with mock dependencies.
func newTestServer() (*Server, *mockProgramStore, *mockRecordStore) {
	programs := newMockProgramStore()
	records := newMockRecordStore()

	config := DefaultConfig()
	config.Addr = ":0" // Random port for testing

	server := New(config, programs, records)
	return server, programs, records
}

// Helper function to make an RPC request.
func makeRPCRequest(t *testing.T, server *Server, method string, params interface{}) *Response {
	t.Helper()

	var paramsRaw json.RawMessage
	if params != nil {
		var err error
		paramsRaw, err = json.Marshal(params)
		if err != nil {
			t.Fatalf("Failed to marshal params: %v", err)
		}
	}

	req := Request{
		JSONRPC: JSONRPCVersion,
		ID:      1,
		Method:  method,
		Params:  paramsRaw,
	}

	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	httpReq := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	server.handleRPC(rr, httpReq)

	var resp Response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}

	return &resp
}

// decodeRunOutput pulls the raw bytes out of a run report result.
func decodeRunOutput(t *testing.T, result map[string]interface{}) []byte {
	t.Helper()

	pair, ok := result["output"].([]interface{})
	if !ok || len(pair) != 2 {
		t.Fatalf("Expected [data, encoding] output, got: %v", result["output"])
	}

	data, err := DecodeOutput(pair[0].(string), Encoding(pair[1].(string)))
	if err != nil {
		t.Fatalf("Failed to decode output: %v", err)
	}
	return data
}

// Test getHealth
func TestGetHealth(t *testing.T) {
	server, _, _ := newTestServer()

	resp := makeRPCRequest(t, server, "getHealth", nil)
	if resp.Error != nil {
		t.Fatalf("Expected no error, got: %v", resp.Error)
	}

	result, ok := resp.Result.(string)
	if !ok {
		t.Fatalf("Expected string result, got: %T", resp.Result)
	}

	if result != "ok" {
		t.Errorf("Expected 'ok', got: %s", result)
	}

	// Unhealthy nodes report it
	server.SetHealthy(false)
	resp = makeRPCRequest(t, server, "getHealth", nil)
	if resp.Error == nil {
		t.Fatal("Expected error for unhealthy node")
	}
	if resp.Error.Code != NodeUnhealthy {
		t.Errorf("Expected error code %d, got: %d", NodeUnhealthy, resp.Error.Code)
	}
}

// Test getVersion
func TestGetVersion(t *testing.T) {
	server, _, _ := newTestServer()

	resp := makeRPCRequest(t, server, "getVersion", nil)
	if resp.Error != nil {
		t.Fatalf("Expected no error, got: %v", resp.Error)
	}

	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("Expected map result, got: %T", resp.Result)
	}

	if _, ok := result["zbf-core"]; !ok {
		t.Error("Expected 'zbf-core' in version response")
	}
}

// Test bfSubmitProgram
func TestSubmitProgram(t *testing.T) {
	server, programs, _ := newTestServer()

	resp := makeRPCRequest(t, server, "bfSubmitProgram", []interface{}{
		helloWorld,
		map[string]string{"name": "hello"},
	})
	if resp.Error != nil {
		t.Fatalf("Expected no error, got: %v", resp.Error)
	}

	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("Expected map result, got: %T", resp.Result)
	}

	wantID := types.ComputeProgramID([]byte(helloWorld))
	if result["id"] != wantID.String() {
		t.Errorf("Expected id %s, got: %v", wantID, result["id"])
	}
	if result["name"] != "hello" {
		t.Errorf("Expected name 'hello', got: %v", result["name"])
	}

	length, ok := result["length"].(float64)
	if !ok || int(length) != len(helloWorld) {
		t.Errorf("Expected length %d, got: %v", len(helloWorld), result["length"])
	}

	if !programs.Has(wantID) {
		t.Error("Program was not stored")
	}
}

// Test bfSubmitProgram with unbalanced source
func TestSubmitProgramRejected(t *testing.T) {
	server, _, _ := newTestServer()

	resp := makeRPCRequest(t, server, "bfSubmitProgram", []interface{}{"+["})
	if resp.Error == nil {
		t.Fatal("Expected error for unbalanced source")
	}

	if resp.Error.Code != ProgramRejected {
		t.Errorf("Expected error code %d, got: %d", ProgramRejected, resp.Error.Code)
	}
}

// Test bfGetProgram by ID and by name
func TestGetProgram(t *testing.T) {
	server, programs, _ := newTestServer()

	program, err := programs.Put("hello", []byte(helloWorld))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	for _, ref := range []string{program.ID.String(), "hello"} {
		resp := makeRPCRequest(t, server, "bfGetProgram", []interface{}{ref})
		if resp.Error != nil {
			t.Fatalf("Expected no error for ref %q, got: %v", ref, resp.Error)
		}

		result, ok := resp.Result.(map[string]interface{})
		if !ok {
			t.Fatalf("Expected map result, got: %T", resp.Result)
		}

		if result["source"] != helloWorld {
			t.Errorf("ref %q: source does not match", ref)
		}

		ops, ok := result["ops"].(float64)
		if !ok || int(ops) != len(helloWorld) {
			// Every byte of this program is an instruction.
			t.Errorf("ref %q: expected ops %d, got: %v", ref, len(helloWorld), result["ops"])
		}
	}
}

// Test bfGetProgram for a missing program
func TestGetProgramNotFound(t *testing.T) {
	server, _, _ := newTestServer()

	resp := makeRPCRequest(t, server, "bfGetProgram", []interface{}{"no-such-program"})
	if resp.Error == nil {
		t.Fatal("Expected error for missing program")
	}

	if resp.Error.Code != ProgramNotFound {
		t.Errorf("Expected error code %d, got: %d", ProgramNotFound, resp.Error.Code)
	}
}

// Test bfListPrograms
func TestListPrograms(t *testing.T) {
	server, programs, _ := newTestServer()

	sources := map[string]string{"inc": "+.", "dec": "-.", "echo": ",[.,]"}
	for name, source := range sources {
		if _, err := programs.Put(name, []byte(source)); err != nil {
			t.Fatalf("Put(%q) error = %v", name, err)
		}
	}

	resp := makeRPCRequest(t, server, "bfListPrograms", nil)
	if resp.Error != nil {
		t.Fatalf("Expected no error, got: %v", resp.Error)
	}

	list, ok := resp.Result.([]interface{})
	if !ok {
		t.Fatalf("Expected array result, got: %T", resp.Result)
	}
	if len(list) != 3 {
		t.Fatalf("Expected 3 programs, got: %d", len(list))
	}

	var names []string
	for _, item := range list {
		info := item.(map[string]interface{})
		names = append(names, info["name"].(string))
	}
	sort.Strings(names)
	if names[0] != "dec" || names[1] != "echo" || names[2] != "inc" {
		t.Errorf("Unexpected names: %v", names)
	}

	// Limit caps the response
	resp = makeRPCRequest(t, server, "bfListPrograms", []interface{}{
		map[string]int{"limit": 1},
	})
	if resp.Error != nil {
		t.Fatalf("Expected no error, got: %v", resp.Error)
	}
	list, ok = resp.Result.([]interface{})
	if !ok || len(list) != 1 {
		t.Errorf("Expected 1 program with limit 1, got: %v", resp.Result)
	}
}

// Test bfRunProgram with inline source
func TestRunProgram(t *testing.T) {
	server, _, _ := newTestServer()

	resp := makeRPCRequest(t, server, "bfRunProgram", []interface{}{helloWorld})
	if resp.Error != nil {
		t.Fatalf("Expected no error, got: %v", resp.Error)
	}

	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("Expected map result, got: %T", resp.Result)
	}

	if result["status"] != "clean" {
		t.Errorf("Expected status 'clean', got: %v", result["status"])
	}

	output := decodeRunOutput(t, result)
	if string(output) != "Hello World!\n" {
		t.Errorf("Expected 'Hello World!\\n', got: %q", output)
	}

	steps, ok := result["steps"].(float64)
	if !ok || steps == 0 {
		t.Errorf("Expected nonzero steps, got: %v", result["steps"])
	}

	if _, ok := result["snapshot"]; ok {
		t.Error("Clean run should not carry a snapshot")
	}
}

// Test bfRunProgram with input
func TestRunProgramInput(t *testing.T) {
	server, _, _ := newTestServer()

	resp := makeRPCRequest(t, server, "bfRunProgram", []interface{}{
		",[.,]",
		map[string]string{"input": base64.StdEncoding.EncodeToString([]byte("Hi"))},
	})
	if resp.Error != nil {
		t.Fatalf("Expected no error, got: %v", resp.Error)
	}

	result := resp.Result.(map[string]interface{})
	output := decodeRunOutput(t, result)
	if string(output) != "Hi" {
		t.Errorf("Expected 'Hi', got: %q", output)
	}
}

// Test bfRunProgram fault reporting
func TestRunProgramFault(t *testing.T) {
	server, _, _ := newTestServer()

	resp := makeRPCRequest(t, server, "bfRunProgram", []interface{}{"<"})
	if resp.Error != nil {
		t.Fatalf("Faults are reported in the result, got error: %v", resp.Error)
	}

	result := resp.Result.(map[string]interface{})
	if result["status"] != "faulted" {
		t.Fatalf("Expected status 'faulted', got: %v", result["status"])
	}
	if result["fault"] == "" {
		t.Error("Expected fault message")
	}

	snapshot, ok := result["snapshot"].(map[string]interface{})
	if !ok {
		t.Fatal("Expected snapshot in faulted report")
	}
	if ip, _ := snapshot["ip"].(float64); int(ip) != 0 {
		t.Errorf("Expected snapshot ip 0, got: %v", snapshot["ip"])
	}
}

// Test server-side step limit cap
func TestRunProgramStepLimitCap(t *testing.T) {
	programs := newMockProgramStore()
	records := newMockRecordStore()

	config := DefaultConfig()
	config.Addr = ":0"
	config.MaxStepLimit = 1000

	server := New(config, programs, records)

	// A requested limit above the cap is clamped to it.
	resp := makeRPCRequest(t, server, "bfRunProgram", []interface{}{
		"+[]",
		map[string]uint64{"stepLimit": 999999},
	})
	if resp.Error != nil {
		t.Fatalf("Expected no error, got: %v", resp.Error)
	}

	result := resp.Result.(map[string]interface{})
	if result["status"] != "faulted" {
		t.Fatalf("Expected status 'faulted', got: %v", result["status"])
	}

	steps, _ := result["steps"].(float64)
	if uint64(steps) != 1000 {
		t.Errorf("Expected run capped at 1000 steps, got: %v", steps)
	}
}

// Test bfRunProgram config validation
func TestRunProgramInvalidConfig(t *testing.T) {
	server, _, _ := newTestServer()

	tests := []struct {
		name   string
		config map[string]interface{}
	}{
		{"bad cell width", map[string]interface{}{"cellWidth": 12}},
		{"bad eof policy", map[string]interface{}{"eof": "explode"}},
		{"bad input encoding", map[string]interface{}{"input": "not base64!!!"}},
		{"oversized tape", map[string]interface{}{"tapeSize": DefaultMaxTapeSize + 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := makeRPCRequest(t, server, "bfRunProgram", []interface{}{"+.", tt.config})
			if resp.Error == nil {
				t.Fatal("Expected error")
			}
			if resp.Error.Code != InvalidParams {
				t.Errorf("Expected error code %d, got: %d", InvalidParams, resp.Error.Code)
			}
		})
	}
}

// Test bfRunStored records runs
func TestRunStored(t *testing.T) {
	server, programs, records := newTestServer()

	program, err := programs.Put("hello", []byte(helloWorld))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	for want := uint64(1); want <= 2; want++ {
		resp := makeRPCRequest(t, server, "bfRunStored", []interface{}{"hello"})
		if resp.Error != nil {
			t.Fatalf("Expected no error, got: %v", resp.Error)
		}

		result := resp.Result.(map[string]interface{})
		if result["status"] != "clean" {
			t.Errorf("Expected status 'clean', got: %v", result["status"])
		}

		seq, _ := result["seq"].(float64)
		if uint64(seq) != want {
			t.Errorf("Expected seq %d, got: %v", want, seq)
		}
	}

	count, _ := records.CountByProgram(program.ID)
	if count != 2 {
		t.Errorf("Expected 2 records, got: %d", count)
	}

	rec, err := records.Get(program.ID, 1)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.OutputLen != len("Hello World!\n") {
		t.Errorf("Expected output length %d, got: %d", len("Hello World!\n"), rec.OutputLen)
	}
}

// Test bfInspectProgram
func TestInspectProgram(t *testing.T) {
	server, programs, _ := newTestServer()

	// Two comment bytes, five instructions, one loop.
	if _, err := programs.Put("clear", []byte("+[ - ].")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	resp := makeRPCRequest(t, server, "bfInspectProgram", []interface{}{"clear"})
	if resp.Error != nil {
		t.Fatalf("Expected no error, got: %v", resp.Error)
	}

	result := resp.Result.(map[string]interface{})

	checks := map[string]int{"length": 7, "ops": 5, "comments": 2, "loops": 1}
	for key, want := range checks {
		got, ok := result[key].(float64)
		if !ok || int(got) != want {
			t.Errorf("Expected %s %d, got: %v", key, want, result[key])
		}
	}

	listing, ok := result["listing"].([]interface{})
	if !ok || len(listing) != 5 {
		t.Fatalf("Expected 5 listing entries, got: %v", result["listing"])
	}

	// '[' at position 1 jumps to ']' at position 5.
	open := listing[1].(map[string]interface{})
	if open["op"] != "[" {
		t.Errorf("Expected op '[', got: %v", open["op"])
	}
	if jump, _ := open["jump"].(float64); int(jump) != 5 {
		t.Errorf("Expected jump 5, got: %v", open["jump"])
	}
}

// Test bfGetRunRecord
func TestGetRunRecord(t *testing.T) {
	server, programs, _ := newTestServer()

	if _, err := programs.Put("hello", []byte(helloWorld)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if resp := makeRPCRequest(t, server, "bfRunStored", []interface{}{"hello"}); resp.Error != nil {
		t.Fatalf("bfRunStored error: %v", resp.Error)
	}

	resp := makeRPCRequest(t, server, "bfGetRunRecord", []interface{}{"hello", 1})
	if resp.Error != nil {
		t.Fatalf("Expected no error, got: %v", resp.Error)
	}

	result := resp.Result.(map[string]interface{})
	if seq, _ := result["seq"].(float64); uint64(seq) != 1 {
		t.Errorf("Expected seq 1, got: %v", result["seq"])
	}
	if result["status"] != "clean" {
		t.Errorf("Expected status 'clean', got: %v", result["status"])
	}
	if result["digest"] == "" {
		t.Error("Expected output digest")
	}

	// Missing records report their own code
	resp = makeRPCRequest(t, server, "bfGetRunRecord", []interface{}{"hello", 99})
	if resp.Error == nil {
		t.Fatal("Expected error for missing record")
	}
	if resp.Error.Code != RecordNotFound {
		t.Errorf("Expected error code %d, got: %d", RecordNotFound, resp.Error.Code)
	}
}

// Test bfListRunRecords ordering and limit
func TestListRunRecords(t *testing.T) {
	server, programs, _ := newTestServer()

	if _, err := programs.Put("inc", []byte("+.")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if resp := makeRPCRequest(t, server, "bfRunStored", []interface{}{"inc"}); resp.Error != nil {
			t.Fatalf("bfRunStored error: %v", resp.Error)
		}
	}

	resp := makeRPCRequest(t, server, "bfListRunRecords", []interface{}{
		"inc",
		map[string]int{"limit": 2},
	})
	if resp.Error != nil {
		t.Fatalf("Expected no error, got: %v", resp.Error)
	}

	list, ok := resp.Result.([]interface{})
	if !ok {
		t.Fatalf("Expected array result, got: %T", resp.Result)
	}
	if len(list) != 2 {
		t.Fatalf("Expected 2 records, got: %d", len(list))
	}

	// Newest first.
	wantSeqs := []uint64{3, 2}
	for i, item := range list {
		rec := item.(map[string]interface{})
		if seq, _ := rec["seq"].(float64); uint64(seq) != wantSeqs[i] {
			t.Errorf("records[%d].seq = %v, want %d", i, rec["seq"], wantSeqs[i])
		}
	}
}

// Test bfDeleteProgram
func TestDeleteProgram(t *testing.T) {
	server, programs, records := newTestServer()

	program, err := programs.Put("inc", []byte("+."))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		if resp := makeRPCRequest(t, server, "bfRunStored", []interface{}{"inc"}); resp.Error != nil {
			t.Fatalf("bfRunStored error: %v", resp.Error)
		}
	}

	resp := makeRPCRequest(t, server, "bfDeleteProgram", []interface{}{"inc"})
	if resp.Error != nil {
		t.Fatalf("Expected no error, got: %v", resp.Error)
	}

	result := resp.Result.(map[string]interface{})
	if purged, _ := result["purgedRuns"].(float64); uint64(purged) != 2 {
		t.Errorf("Expected 2 purged runs, got: %v", result["purgedRuns"])
	}

	if programs.Has(program.ID) {
		t.Error("Program still stored after delete")
	}
	if count, _ := records.CountByProgram(program.ID); count != 0 {
		t.Errorf("Expected 0 records after delete, got: %d", count)
	}
}

// Test bfGetStats
func TestGetStats(t *testing.T) {
	server, programs, _ := newTestServer()

	if _, err := programs.Put("inc", []byte("+.")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if resp := makeRPCRequest(t, server, "bfRunStored", []interface{}{"inc"}); resp.Error != nil {
		t.Fatalf("bfRunStored error: %v", resp.Error)
	}

	resp := makeRPCRequest(t, server, "bfGetStats", nil)
	if resp.Error != nil {
		t.Fatalf("Expected no error, got: %v", resp.Error)
	}

	result := resp.Result.(map[string]interface{})
	progStats := result["programs"].(map[string]interface{})
	runStats := result["runs"].(map[string]interface{})

	if count, _ := progStats["count"].(float64); uint64(count) != 1 {
		t.Errorf("Expected 1 program, got: %v", progStats["count"])
	}
	if count, _ := runStats["count"].(float64); uint64(count) != 1 {
		t.Errorf("Expected 1 run, got: %v", runStats["count"])
	}
}

// Test method not found
func TestMethodNotFound(t *testing.T) {
	server, _, _ := newTestServer()

	resp := makeRPCRequest(t, server, "nonExistentMethod", nil)
	if resp.Error == nil {
		t.Fatal("Expected error for non-existent method")
	}

	if resp.Error.Code != MethodNotFound {
		t.Errorf("Expected error code %d, got: %d", MethodNotFound, resp.Error.Code)
	}
}

// Test invalid params
func TestInvalidParams(t *testing.T) {
	server, _, _ := newTestServer()

	// bfGetProgram requires a reference
	resp := makeRPCRequest(t, server, "bfGetProgram", []interface{}{})
	if resp.Error == nil {
		t.Fatal("Expected error for missing params")
	}

	if resp.Error.Code != InvalidParams {
		t.Errorf("Expected error code %d, got: %d", InvalidParams, resp.Error.Code)
	}
}

// Test batch request
func TestBatchRequest(t *testing.T) {
	server, _, _ := newTestServer()

	requests := []Request{
		{JSONRPC: JSONRPCVersion, ID: 1, Method: "getHealth"},
		{JSONRPC: JSONRPCVersion, ID: 2, Method: "getVersion"},
	}

	body, _ := json.Marshal(requests)
	httpReq := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	server.handleRPC(rr, httpReq)

	var responses []Response
	if err := json.Unmarshal(rr.Body.Bytes(), &responses); err != nil {
		t.Fatalf("Failed to unmarshal batch response: %v", err)
	}

	if len(responses) != 2 {
		t.Errorf("Expected 2 responses, got: %d", len(responses))
	}

	for _, resp := range responses {
		if resp.Error != nil {
			t.Errorf("Unexpected error in batch response: %v", resp.Error)
		}
	}
}

// Test CORS headers
func TestCORSHeaders(t *testing.T) {
	server, _, _ := newTestServer()

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "http://example.com")

	rr := httptest.NewRecorder()
	handler := server.corsMiddleware(http.HandlerFunc(server.handleRPC))
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("Expected status %d for OPTIONS, got: %d", http.StatusNoContent, rr.Code)
	}

	if rr.Header().Get("Access-Control-Allow-Origin") != "http://example.com" {
		t.Error("Expected CORS Allow-Origin header")
	}
}

// Test server lifecycle
func TestServerLifecycle(t *testing.T) {
	server, _, _ := newTestServer()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	// Wait for context to timeout
	<-ctx.Done()

	// Wait for server to stop
	select {
	case err := <-errCh:
		if err != nil && err != context.DeadlineExceeded {
			t.Errorf("Unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Error("Server did not stop in time")
	}
}

// Test output encodings
func TestOutputEncodings(t *testing.T) {
	data := []byte("Hello World!\n")

	for _, encoding := range []Encoding{EncodingBase58, EncodingBase64, EncodingBase64Zstd} {
		encoded, err := EncodeOutput(data, encoding)
		if err != nil {
			t.Fatalf("EncodeOutput(%s) error = %v", encoding, err)
		}

		pair, ok := encoded.([]string)
		if !ok || len(pair) != 2 {
			t.Fatalf("Expected [data, encoding] pair for %s", encoding)
		}
		if pair[1] != string(encoding) {
			t.Errorf("Expected encoding tag %q, got: %q", encoding, pair[1])
		}

		decoded, err := DecodeOutput(pair[0], encoding)
		if err != nil {
			t.Fatalf("DecodeOutput(%s) error = %v", encoding, err)
		}
		if !bytes.Equal(decoded, data) {
			t.Errorf("%s round trip mismatch: %q", encoding, decoded)
		}
	}
}
