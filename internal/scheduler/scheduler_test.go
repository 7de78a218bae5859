package scheduler_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ferryhq/ferry/internal/scheduler"
	"github.com/ferryhq/ferry/internal/store"
)

func TestSchedulerSweeps(t *testing.T) {
	s, err := store.Open(t.TempDir(), store.Config{RetentionTTL: time.Hour})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	job := &store.ImportJob{
		ID: "imp_old", Status: store.StatusReceiving, OwnerID: "u",
		TotalObjects: 1, TotalChunks: 1,
		CreatedAt: time.Now().UTC().Add(-2 * time.Hour),
	}
	if err := s.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched := scheduler.New(s, scheduler.Config{Interval: 20 * time.Millisecond})
	go sched.Run(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := s.GetJob("imp_old"); errors.Is(err, store.ErrNotFound) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("expired job never swept")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
