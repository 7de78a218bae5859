package ingest_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/xeipuuv/gojsonschema"

	"github.com/ferryhq/ferry/internal/ingest"
	"github.com/ferryhq/ferry/internal/store"
)

type fakeTrigger struct {
	mu       sync.Mutex
	launches []string
}

func (f *fakeTrigger) Launch(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launches = append(f.launches, jobID)
}

func (f *fakeTrigger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.launches)
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir(), store.Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func objs(n int) []json.RawMessage {
	out := make([]json.RawMessage, n)
	for i := range out {
		out[i] = json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))
	}
	return out
}

func chunkReq(index, totalChunks int, objects []json.RawMessage, session string) *ingest.ChunkRequest {
	return &ingest.ChunkRequest{
		Objects:      objects,
		OwnerID:      "user-1",
		TotalObjects: 10 * totalChunks,
		ChunkIndex:   index,
		TotalChunks:  totalChunks,
		SessionID:    session,
	}
}

func TestAcceptSingleChunkCompletes(t *testing.T) {
	s := testStore(t)
	trig := &fakeTrigger{}
	svc := ingest.New(s, trig, ingest.Config{})

	resp, err := svc.Accept(context.Background(), chunkReq(0, 1, objs(10), ""))
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if resp.JobID == "" || !resp.Accepted {
		t.Fatalf("bad response: %+v", resp)
	}
	if !resp.Complete {
		t.Error("single chunk submission should complete reception")
	}
	if resp.Progress != "1/1" {
		t.Errorf("progress = %q, want 1/1", resp.Progress)
	}
	if trig.count() != 1 {
		t.Errorf("launches = %d, want 1", trig.count())
	}

	job, err := s.GetJob(resp.JobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != store.StatusPending {
		t.Errorf("status = %q, want pending", job.Status)
	}
	if job.OwnerID != "user-1" {
		t.Errorf("owner = %q", job.OwnerID)
	}
}

func TestAcceptMultiChunk(t *testing.T) {
	s := testStore(t)
	trig := &fakeTrigger{}
	svc := ingest.New(s, trig, ingest.Config{})

	first, err := svc.Accept(context.Background(), chunkReq(0, 3, objs(10), ""))
	if err != nil {
		t.Fatalf("Accept chunk 0: %v", err)
	}
	if first.Complete {
		t.Error("chunk 0 of 3 must not complete reception")
	}
	if trig.count() != 0 {
		t.Error("triggered before all chunks received")
	}

	for i := 1; i < 3; i++ {
		resp, err := svc.Accept(context.Background(), chunkReq(i, 3, objs(10), first.JobID))
		if err != nil {
			t.Fatalf("Accept chunk %d: %v", i, err)
		}
		wantComplete := i == 2
		if resp.Complete != wantComplete {
			t.Errorf("chunk %d complete = %v, want %v", i, resp.Complete, wantComplete)
		}
	}
	if trig.count() != 1 {
		t.Errorf("launches = %d, want 1", trig.count())
	}

	// all three chunks durable
	for i := 0; i < 3; i++ {
		if _, err := s.GetChunk(first.JobID, i); err != nil {
			t.Errorf("chunk %d not persisted: %v", i, err)
		}
	}
}

func TestAcceptConcurrentChunksTriggerOnce(t *testing.T) {
	s := testStore(t)
	trig := &fakeTrigger{}
	svc := ingest.New(s, trig, ingest.Config{})

	const chunks = 16
	first, err := svc.Accept(context.Background(), &ingest.ChunkRequest{
		Objects:      objs(10),
		OwnerID:      "user-1",
		TotalObjects: 10 * chunks,
		ChunkIndex:   0,
		TotalChunks:  chunks,
	})
	if err != nil {
		t.Fatalf("Accept chunk 0: %v", err)
	}

	var wg sync.WaitGroup
	for i := 1; i < chunks; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := &ingest.ChunkRequest{
				Objects:      objs(10),
				OwnerID:      "user-1",
				TotalObjects: 10 * chunks,
				ChunkIndex:   i,
				TotalChunks:  chunks,
				SessionID:    first.JobID,
			}
			if _, err := svc.Accept(context.Background(), req); err != nil {
				t.Errorf("Accept chunk %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if trig.count() != 1 {
		t.Errorf("launches = %d, want exactly 1 for any interleaving", trig.count())
	}
}

func TestAcceptValidation(t *testing.T) {
	s := testStore(t)
	trig := &fakeTrigger{}
	svc := ingest.New(s, trig, ingest.Config{MaxObjectsPerChunk: 100})

	cases := []struct {
		name string
		req  *ingest.ChunkRequest
	}{
		{"empty objects", &ingest.ChunkRequest{OwnerID: "u", TotalObjects: 1, TotalChunks: 1}},
		{"missing owner", &ingest.ChunkRequest{Objects: objs(1), TotalObjects: 1, TotalChunks: 1}},
		{"zero total objects", &ingest.ChunkRequest{Objects: objs(1), OwnerID: "u", TotalChunks: 1}},
		{"zero total chunks", &ingest.ChunkRequest{Objects: objs(1), OwnerID: "u", TotalObjects: 1}},
		{"chunk index out of range", &ingest.ChunkRequest{Objects: objs(1), OwnerID: "u", TotalObjects: 1, TotalChunks: 2, ChunkIndex: 2}},
		{"negative chunk index", &ingest.ChunkRequest{Objects: objs(1), OwnerID: "u", TotalObjects: 1, TotalChunks: 1, ChunkIndex: -1}},
		{"second chunk without session", &ingest.ChunkRequest{Objects: objs(1), OwnerID: "u", TotalObjects: 20, TotalChunks: 2, ChunkIndex: 1}},
	}
	for _, tc := range cases {
		_, err := svc.Accept(context.Background(), tc.req)
		var verr *ingest.ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("%s: err = %v, want ValidationError", tc.name, err)
		}
	}

	// A rejected submission mutates nothing.
	found := 0
	s.EachJob(func(*store.ImportJob) error { found++; return nil })
	if found != 0 {
		t.Errorf("%d jobs created by rejected submissions", found)
	}
	if trig.count() != 0 {
		t.Error("rejected submission fired the engine")
	}
}

func TestAcceptObjectCountCeiling(t *testing.T) {
	s := testStore(t)
	svc := ingest.New(s, &fakeTrigger{}, ingest.Config{MaxObjectsPerChunk: 5})

	_, err := svc.Accept(context.Background(), chunkReq(0, 1, objs(6), ""))
	var terr *ingest.TooLargeError
	if !errors.As(err, &terr) {
		t.Errorf("err = %v, want TooLargeError", err)
	}
}

func TestAcceptUnknownSession(t *testing.T) {
	s := testStore(t)
	svc := ingest.New(s, &fakeTrigger{}, ingest.Config{})

	_, err := svc.Accept(context.Background(), chunkReq(1, 2, objs(1), "imp_nope"))
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAcceptSchemaGate(t *testing.T) {
	s := testStore(t)
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(
		`{"type":"object","required":["n"],"properties":{"n":{"type":"number"}}}`))
	if err != nil {
		t.Fatalf("compile schema: %v", err)
	}
	svc := ingest.New(s, &fakeTrigger{}, ingest.Config{ObjectSchema: schema})

	// conforming objects pass
	if _, err := svc.Accept(context.Background(), chunkReq(0, 1, objs(3), "")); err != nil {
		t.Fatalf("Accept valid objects: %v", err)
	}

	// a single bad object rejects the chunk
	bad := []json.RawMessage{json.RawMessage(`{"n":1}`), json.RawMessage(`{"x":true}`)}
	_, err = svc.Accept(context.Background(), chunkReq(0, 1, bad, ""))
	var verr *ingest.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestCompileSchemaFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "object.schema.json")
	if err := os.WriteFile(path, []byte(`{"type":"object"}`), 0o644); err != nil {
		t.Fatalf("write schema: %v", err)
	}
	if _, err := ingest.CompileSchemaFile(path); err != nil {
		t.Fatalf("CompileSchemaFile: %v", err)
	}
	if _, err := ingest.CompileSchemaFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("missing schema file should fail")
	}
}
