package retry_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ferryhq/ferry/internal/retry"
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

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir(), store.Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seedFinishedJob writes a completed job with nFail failure records.
func seedFinishedJob(t *testing.T, s *store.Store, id string, nFail int) {
	t.Helper()
	now := time.Now().UTC()
	job := &store.ImportJob{
		ID:             id,
		Status:         store.StatusCompleted,
		OwnerID:        "user-1",
		TotalObjects:   nFail * 2,
		TotalChunks:    1,
		ReceivedChunks: 1,
		Processed:      nFail,
		Failed:         nFail,
		CompletedAt:    &now,
	}
	if err := s.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	records := make([]store.FailureRecord, nFail)
	for i := range records {
		records[i] = store.FailureRecord{
			Batch:        i / 10,
			IndexInBatch: i % 10,
			Object:       json.RawMessage(fmt.Sprintf(`{"id":%d}`, i)),
			Error:        "backend returned 503",
			Kind:         store.FailureHTTP,
		}
	}
	if err := s.AppendFailures(id, records); err != nil {
		t.Fatalf("AppendFailures: %v", err)
	}
}

func TestRetryBuildsNewJob(t *testing.T) {
	s := testStore(t)
	trig := &fakeTrigger{}
	c := retry.New(s, trig, 10)

	seedFinishedJob(t, s, "imp_src", 25)
	res, err := c.Retry(context.Background(), "imp_src")
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if res.OriginalJobID != "imp_src" {
		t.Errorf("original = %q", res.OriginalJobID)
	}
	if res.ObjectCount != 25 {
		t.Errorf("object count = %d, want 25", res.ObjectCount)
	}

	job, err := s.GetJob(res.NewJobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.RetryOf != "imp_src" {
		t.Errorf("retry_of = %q, want imp_src", job.RetryOf)
	}
	if job.TotalObjects != 25 {
		t.Errorf("total_objects = %d, want failure count 25", job.TotalObjects)
	}
	if job.Status != store.StatusPending {
		t.Errorf("status = %q, want pending", job.Status)
	}
	// ceil(25/10) chunks, all pre-received: no re-upload needed.
	if job.TotalChunks != 3 || job.ReceivedChunks != 3 {
		t.Errorf("chunks = (%d, %d), want (3, 3)", job.TotalChunks, job.ReceivedChunks)
	}
	if job.OwnerID != "user-1" {
		t.Errorf("owner = %q", job.OwnerID)
	}

	// chunk payloads carry the failed objects in log order
	chunk, err := s.GetChunk(res.NewJobID, 0)
	if err != nil {
		t.Fatalf("GetChunk: %v", err)
	}
	if string(chunk[0]) != `{"id":0}` {
		t.Errorf("first retried object = %s", chunk[0])
	}

	if len(trig.launches) != 1 || trig.launches[0] != res.NewJobID {
		t.Errorf("launches = %v, want [%s]", trig.launches, res.NewJobID)
	}
}

func TestRetryLeavesSourceUntouched(t *testing.T) {
	s := testStore(t)
	c := retry.New(s, &fakeTrigger{}, 10)

	seedFinishedJob(t, s, "imp_src", 5)
	before, _ := s.GetJob("imp_src")

	if _, err := c.Retry(context.Background(), "imp_src"); err != nil {
		t.Fatalf("Retry: %v", err)
	}

	after, _ := s.GetJob("imp_src")
	if after.Status != before.Status || after.Failed != before.Failed {
		t.Error("retry mutated the source job")
	}
	if n, _ := s.CountFailures("imp_src"); n != 5 {
		t.Errorf("source failure log = %d records, want 5", n)
	}
}

func TestRetryNoFailures(t *testing.T) {
	s := testStore(t)
	c := retry.New(s, &fakeTrigger{}, 10)

	now := time.Now().UTC()
	job := &store.ImportJob{
		ID: "imp_clean", Status: store.StatusCompleted, OwnerID: "user-1",
		TotalObjects: 10, TotalChunks: 1, ReceivedChunks: 1, Processed: 10,
		CompletedAt: &now,
	}
	if err := s.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	_, err := c.Retry(context.Background(), "imp_clean")
	if !errors.Is(err, store.ErrNoFailures) {
		t.Errorf("err = %v, want ErrNoFailures", err)
	}
}

func TestRetryUnknownJob(t *testing.T) {
	s := testStore(t)
	c := retry.New(s, &fakeTrigger{}, 10)
	_, err := c.Retry(context.Background(), "imp_ghost")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
