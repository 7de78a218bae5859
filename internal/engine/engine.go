// Package engine drives a received import job to the backend: it rebuilds the
// object list from chunks, partitions it into batches, and pushes the batches
// through a bounded rolling window of concurrent requests, reconciling
// progress and failures into the store as each batch lands.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/ferryhq/ferry/internal/backend"
	"github.com/ferryhq/ferry/internal/store"
)

// Config holds engine tuning.
type Config struct {
	// BatchSize is the number of objects per backend request. Independent of
	// the ingestion chunk size.
	BatchSize int
	// MaxInFlight caps concurrently outstanding batch requests.
	MaxInFlight int
	// StartDelay is the pause between successive batch starts, smoothing the
	// outbound request rate.
	StartDelay time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:   50,
		MaxInFlight: 4,
		StartDelay:  100 * time.Millisecond,
	}
}

// Engine executes import jobs. It holds no per-job state: every run
// reconstructs what it needs from the store, so any number of jobs can run
// concurrently.
type Engine struct {
	store    *store.Store
	importer backend.Importer
	cfg      Config
	tracer   trace.Tracer
}

// New creates an Engine.
func New(s *store.Store, importer backend.Importer, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = def.MaxInFlight
	}
	if cfg.StartDelay < 0 {
		cfg.StartDelay = 0
	}
	return &Engine{
		store:    s,
		importer: importer,
		cfg:      cfg,
		tracer:   otel.Tracer("ferry/engine"),
	}
}

// Launch starts Run in a detached goroutine. The trigger is fire-and-forget:
// nothing awaits the run, so every failure path must land in the job record
// rather than escape. Panics are captured for the same reason.
func (e *Engine) Launch(jobID string) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("import run panicked", "job_id", jobID, "panic", r)
				if err := e.store.MarkFailed(jobID, fmt.Errorf("internal panic: %v", r)); err != nil {
					slog.Error("record panic failure", "job_id", jobID, "error", err)
				}
			}
		}()
		if err := e.Run(context.Background(), jobID); err != nil {
			slog.Error("import run failed", "job_id", jobID, "error", err)
		}
	}()
}

// Run executes one job to completion. It is idempotent against duplicate
// triggers: the pending -> processing transition is the entry guard, and a
// job that is already running or finished is a no-op.
//
// Batch failures are recorded and counted but never abort the run; only
// orchestration-level errors (store unreachable, missing owner) do, and those
// leave chunks in place so a re-trigger can still attempt them.
func (e *Engine) Run(ctx context.Context, jobID string) error {
	err := e.store.MarkProcessing(jobID)
	switch {
	case errors.Is(err, store.ErrNotPending), errors.Is(err, store.ErrTerminal):
		slog.Debug("duplicate trigger ignored", "job_id", jobID)
		return nil
	case err != nil:
		return fmt.Errorf("mark processing: %w", err)
	}

	ctx, span := e.tracer.Start(ctx, "engine.run",
		trace.WithAttributes(attribute.String("job_id", jobID)))
	defer span.End()

	job, err := e.store.GetJob(jobID)
	if err != nil {
		return e.fail(jobID, fmt.Errorf("load job: %w", err))
	}
	if job.OwnerID == "" {
		return e.fail(jobID, fmt.Errorf("job has no owner"))
	}

	objects, err := e.assemble(job)
	if err != nil {
		return e.fail(jobID, err)
	}

	batches := Partition(objects, e.cfg.BatchSize)
	slog.Info("import run started",
		"job_id", jobID, "objects", len(objects), "batches", len(batches),
		"batch_size", e.cfg.BatchSize, "max_in_flight", e.cfg.MaxInFlight)

	if err := e.dispatch(ctx, job, batches); err != nil {
		return e.fail(jobID, err)
	}

	// No more work remains: drop the consumed chunks and finalize. Completed
	// says nothing about success; the counters carry the outcome.
	if _, err := e.store.DeleteChunks(jobID); err != nil {
		return e.fail(jobID, fmt.Errorf("delete chunks: %w", err))
	}
	if err := e.store.MarkCompleted(jobID); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}

	final, err := e.store.GetJob(jobID)
	if err == nil {
		slog.Info("import run finished",
			"job_id", jobID, "processed", final.Processed, "failed", final.Failed)
	}
	return nil
}

// assemble concatenates the job's chunks in index order. A missing chunk
// (expired or never written) is logged and skipped; its objects are simply
// absent from processing.
func (e *Engine) assemble(job *store.ImportJob) ([]json.RawMessage, error) {
	objects := make([]json.RawMessage, 0, job.TotalObjects)
	for i := 0; i < job.TotalChunks; i++ {
		chunk, err := e.store.GetChunk(job.ID, i)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				slog.Warn("chunk missing, skipping", "job_id", job.ID, "chunk", i)
				continue
			}
			return nil, fmt.Errorf("read chunk %d: %w", i, err)
		}
		objects = append(objects, chunk...)
	}
	return objects, nil
}

// dispatch runs batches through the rolling window: at most MaxInFlight
// outstanding, a new batch started whenever a permit frees, StartDelay
// between successive starts. Batches complete in any order; the progress
// counters are commutative deltas, so order does not matter.
func (e *Engine) dispatch(ctx context.Context, job *store.ImportJob, batches [][]json.RawMessage) error {
	sem := semaphore.NewWeighted(int64(e.cfg.MaxInFlight))
	var wg sync.WaitGroup
	var firstErr orchError

	for i, batch := range batches {
		if i > 0 && e.cfg.StartDelay > 0 {
			time.Sleep(e.cfg.StartDelay)
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			firstErr.record(fmt.Errorf("acquire batch slot: %w", err))
			break
		}
		wg.Add(1)
		go func(num int, objects []json.RawMessage) {
			defer wg.Done()
			defer sem.Release(1)
			if err := e.runBatch(ctx, job, num, objects); err != nil {
				firstErr.record(err)
			}
		}(i, batch)
	}

	wg.Wait()
	return firstErr.get()
}

// runBatch issues one backend request and reconciles its outcome. A backend
// failure marks every object in the batch failed and is not an error here;
// only store trouble is.
func (e *Engine) runBatch(ctx context.Context, job *store.ImportJob, num int, objects []json.RawMessage) error {
	ctx, span := e.tracer.Start(ctx, "engine.batch",
		trace.WithAttributes(
			attribute.String("job_id", job.ID),
			attribute.Int("batch", num),
			attribute.Int("objects", len(objects)),
		))
	defer span.End()

	err := e.importer.ImportBatch(ctx, job.OwnerID, objects)
	if err == nil {
		if err := e.store.AddProgress(job.ID, len(objects), 0); err != nil {
			return fmt.Errorf("record batch %d progress: %w", num, err)
		}
		return nil
	}

	kind, msg := classify(err)
	span.SetAttributes(attribute.String("failure_kind", string(kind)))
	slog.Warn("batch failed", "job_id", job.ID, "batch", num, "kind", kind, "error", msg)

	records := make([]store.FailureRecord, len(objects))
	for i, obj := range objects {
		records[i] = store.FailureRecord{
			Batch:        num,
			IndexInBatch: i,
			Object:       obj,
			Error:        msg,
			Kind:         kind,
		}
	}
	if err := e.store.AppendFailures(job.ID, records); err != nil {
		return fmt.Errorf("record batch %d failures: %w", num, err)
	}
	if err := e.store.AddProgress(job.ID, 0, len(objects)); err != nil {
		return fmt.Errorf("record batch %d progress: %w", num, err)
	}
	return nil
}

// fail finalizes a job after an orchestration error. Chunks are kept so a
// future re-trigger can still attempt them.
func (e *Engine) fail(jobID string, cause error) error {
	if err := e.store.MarkFailed(jobID, cause); err != nil && !errors.Is(err, store.ErrTerminal) {
		slog.Error("mark failed", "job_id", jobID, "error", err)
	}
	return cause
}

func classify(err error) (store.FailureKind, string) {
	var berr *backend.BatchError
	if errors.As(err, &berr) {
		return berr.Kind, berr.Message
	}
	return store.FailureUnknown, err.Error()
}

// Partition splits objects into consecutive groups of at most size. The same
// convention re-chunks failed objects on retry.
func Partition(objects []json.RawMessage, size int) [][]json.RawMessage {
	if size <= 0 || len(objects) == 0 {
		if len(objects) == 0 {
			return nil
		}
		size = len(objects)
	}
	out := make([][]json.RawMessage, 0, (len(objects)+size-1)/size)
	for start := 0; start < len(objects); start += size {
		end := start + size
		if end > len(objects) {
			end = len(objects)
		}
		out = append(out, objects[start:end])
	}
	return out
}

// orchError keeps the first orchestration error seen across batch goroutines.
type orchError struct {
	mu  sync.Mutex
	err error
}

func (o *orchError) record(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err == nil {
		o.err = err
	}
}

func (o *orchError) get() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}
