package store_test

import (
	"errors"
	"testing"
	"time"

	"github.com/ferryhq/ferry/internal/store"
)

func TestSweepExpired(t *testing.T) {
	s, err := store.Open(t.TempDir(), store.Config{RetentionTTL: time.Hour})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	now := time.Now().UTC()

	old := newJob("imp_old", 10, 1)
	old.CreatedAt = now.Add(-2 * time.Hour)
	if err := s.CreateJob(old); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.PutChunk("imp_old", 0, objects(10)); err != nil {
		t.Fatalf("PutChunk: %v", err)
	}
	if err := s.AppendFailures("imp_old", failRecords(0, 3)); err != nil {
		t.Fatalf("AppendFailures: %v", err)
	}

	fresh := newJob("imp_fresh", 10, 1)
	if err := s.CreateJob(fresh); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.PutChunk("imp_fresh", 0, objects(10)); err != nil {
		t.Fatalf("PutChunk: %v", err)
	}

	res, err := s.SweepExpired(now)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if res.JobsDeleted != 1 {
		t.Errorf("jobs deleted = %d, want 1", res.JobsDeleted)
	}
	if res.ChunksDeleted != 1 {
		t.Errorf("chunks deleted = %d, want 1", res.ChunksDeleted)
	}
	if res.FailuresDeleted != 3 {
		t.Errorf("failures deleted = %d, want 3", res.FailuresDeleted)
	}

	if _, err := s.GetJob("imp_old"); !errors.Is(err, store.ErrNotFound) {
		t.Error("expired job still present")
	}
	if _, err := s.GetJob("imp_fresh"); err != nil {
		t.Errorf("fresh job swept: %v", err)
	}
	if _, err := s.GetChunk("imp_fresh", 0); err != nil {
		t.Errorf("fresh chunk swept: %v", err)
	}
}

func TestSweepUsesTerminalTimestamp(t *testing.T) {
	s, err := store.Open(t.TempDir(), store.Config{RetentionTTL: time.Hour})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	now := time.Now().UTC()

	// Created long ago but completed just now: terminal timestamp wins,
	// record stays.
	job := newJob("imp_done", 10, 1)
	job.CreatedAt = now.Add(-48 * time.Hour)
	job.Status = store.StatusProcessing
	if err := s.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.MarkCompleted("imp_done"); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	res, err := s.SweepExpired(now)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if res.JobsDeleted != 0 {
		t.Errorf("jobs deleted = %d, want 0", res.JobsDeleted)
	}
}
