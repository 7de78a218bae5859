package store

import "errors"

var (
	// ErrNotFound is returned when a job, chunk, or failure log does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotPending is returned by MarkProcessing when the job is not in the
	// pending state. Duplicate engine triggers land here and back off.
	ErrNotPending = errors.New("job is not pending")

	// ErrTerminal is returned when a mutation targets a completed or failed job.
	ErrTerminal = errors.New("job already reached a terminal status")

	// ErrChunkOverflow is returned when more chunks arrive than the job declared.
	ErrChunkOverflow = errors.New("received more chunks than declared")

	// ErrNoFailures is returned when a retry is requested for a job without
	// recorded failures.
	ErrNoFailures = errors.New("job has no recorded failures")
)
