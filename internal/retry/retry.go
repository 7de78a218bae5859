// Package retry builds a fresh import job out of a prior job's failure log.
// Retries are additive: the source job and its failures stay untouched, so the
// audit trail survives any number of retry generations.
package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ferryhq/ferry/internal/engine"
	"github.com/ferryhq/ferry/internal/store"
)

// Trigger starts background processing of the new job. Satisfied by
// *engine.Engine.
type Trigger interface {
	Launch(jobID string)
}

// Coordinator mints retry jobs.
type Coordinator struct {
	store     *store.Store
	trigger   Trigger
	chunkSize int
}

// New creates a Coordinator. chunkSize follows the ingestion chunking
// convention so retry jobs look like any other job to the engine.
func New(s *store.Store, trigger Trigger, chunkSize int) *Coordinator {
	if chunkSize <= 0 {
		chunkSize = 100
	}
	return &Coordinator{store: s, trigger: trigger, chunkSize: chunkSize}
}

// Result describes the minted retry job.
type Result struct {
	NewJobID      string `json:"newJobId"`
	OriginalJobID string `json:"originalJobId"`
	ObjectCount   int    `json:"objectCount"`
}

// Retry reads jobID's failure log and re-enters the pipeline with a new job
// carrying exactly the failed objects. The data is already durable, so the
// new job is born with all chunks received and goes straight to pending; no
// network re-upload happens.
func (c *Coordinator) Retry(ctx context.Context, jobID string) (*Result, error) {
	orig, err := c.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if orig.OwnerID == "" {
		return nil, fmt.Errorf("job %s has no owner to retry as", jobID)
	}

	failures, err := c.store.AllFailures(jobID)
	if err != nil {
		return nil, fmt.Errorf("read failure log: %w", err)
	}
	if len(failures) == 0 {
		return nil, store.ErrNoFailures
	}

	objects := make([]json.RawMessage, len(failures))
	for i, rec := range failures {
		objects[i] = rec.Object
	}
	chunks := engine.Partition(objects, c.chunkSize)

	newID := store.NewImportID()
	job := &store.ImportJob{
		ID:             newID,
		Status:         store.StatusPending,
		OwnerID:        orig.OwnerID,
		TotalObjects:   len(objects),
		TotalChunks:    len(chunks),
		ReceivedChunks: len(chunks),
		RetryOf:        jobID,
	}
	if err := c.store.CreateJob(job); err != nil {
		return nil, fmt.Errorf("create retry job: %w", err)
	}
	for i, chunk := range chunks {
		if err := c.store.PutChunk(newID, i, chunk); err != nil {
			return nil, fmt.Errorf("persist retry chunk %d: %w", i, err)
		}
	}

	slog.Info("retry job created",
		"job_id", newID, "retry_of", jobID, "objects", len(objects), "chunks", len(chunks))
	c.trigger.Launch(newID)

	return &Result{
		NewJobID:      newID,
		OriginalJobID: jobID,
		ObjectCount:   len(objects),
	}, nil
}
