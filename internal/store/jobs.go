package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/ferryhq/ferry/internal/kv"
)

// CreateJob persists a fresh job record. The record carries the retention TTL
// so abandoned submissions self-expire even if the sweep never runs.
func (s *Store) CreateJob(job *ImportJob) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	return s.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(kv.JobKey(job.ID)); err == nil {
			return fmt.Errorf("job %s already exists", job.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return s.putJobTxn(txn, job)
	})
}

// GetJob loads one job record. Returns ErrNotFound for unknown ids.
func (s *Store) GetJob(jobID string) (*ImportJob, error) {
	var job *ImportJob
	err := s.view(func(txn *badger.Txn) error {
		var err error
		job, err = getJobTxn(txn, jobID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// IncrReceivedChunks atomically increments the received-chunk counter and
// returns the new count alongside the declared total. The returned count is
// the sole arbiter of "this call completed reception": two racing chunk
// arrivals cannot both observe count == total, so only one caller triggers
// processing.
func (s *Store) IncrReceivedChunks(jobID string) (received, total int, err error) {
	err = s.update(func(txn *badger.Txn) error {
		job, err := getJobTxn(txn, jobID)
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			return ErrTerminal
		}
		if job.ReceivedChunks >= job.TotalChunks {
			return ErrChunkOverflow
		}
		job.ReceivedChunks++
		received = job.ReceivedChunks
		total = job.TotalChunks
		return s.putJobTxn(txn, job)
	})
	return received, total, err
}

// MarkPending records that all chunks have been received.
func (s *Store) MarkPending(jobID string) error {
	return s.transition(jobID, func(job *ImportJob) error {
		if job.Status != StatusReceiving {
			// Retry jobs are created pending; a repeated mark is a no-op.
			if job.Status == StatusPending {
				return nil
			}
			return ErrTerminal
		}
		job.Status = StatusPending
		return nil
	})
}

// MarkProcessing is the engine's entry guard: it succeeds exactly once per
// job, moving pending -> processing as the engine's first durable write.
// Duplicate triggers get ErrNotPending (already running) or ErrTerminal
// (already finished) and back off without touching anything.
func (s *Store) MarkProcessing(jobID string) error {
	return s.transition(jobID, func(job *ImportJob) error {
		switch job.Status {
		case StatusPending:
			job.Status = StatusProcessing
			return nil
		case StatusCompleted, StatusFailed:
			return ErrTerminal
		default:
			return ErrNotPending
		}
	})
}

// AddProgress applies per-batch counter deltas. Deltas are commutative, so
// batches may reconcile in any completion order.
func (s *Store) AddProgress(jobID string, processedDelta, failedDelta int) error {
	return s.transition(jobID, func(job *ImportJob) error {
		job.Processed += processedDelta
		job.Failed += failedDelta
		if job.Processed+job.Failed > job.TotalObjects {
			return fmt.Errorf("progress overflow: %d processed + %d failed > %d total",
				job.Processed, job.Failed, job.TotalObjects)
		}
		return nil
	})
}

// MarkCompleted finalizes a job normally. Completed does not imply success;
// it means no work remains, and the processed/failed counts stand as the
// outcome.
func (s *Store) MarkCompleted(jobID string) error {
	return s.transition(jobID, func(job *ImportJob) error {
		if job.Status.Terminal() {
			return ErrTerminal
		}
		now := time.Now().UTC()
		job.Status = StatusCompleted
		job.CompletedAt = &now
		return nil
	})
}

// MarkFailed finalizes a job after an orchestration-level error.
func (s *Store) MarkFailed(jobID string, cause error) error {
	return s.transition(jobID, func(job *ImportJob) error {
		if job.Status.Terminal() {
			return ErrTerminal
		}
		now := time.Now().UTC()
		job.Status = StatusFailed
		job.FailedAt = &now
		if cause != nil {
			job.Error = cause.Error()
		}
		return nil
	})
}

// transition applies fn to the job record under the conflict-retried update
// loop. fn mutates the record in place; returning an error aborts the write.
func (s *Store) transition(jobID string, fn func(job *ImportJob) error) error {
	return s.update(func(txn *badger.Txn) error {
		job, err := getJobTxn(txn, jobID)
		if err != nil {
			return err
		}
		if err := fn(job); err != nil {
			return err
		}
		return s.putJobTxn(txn, job)
	})
}

// EachJob iterates all job records in key order. Used by the retention sweep.
func (s *Store) EachJob(fn func(job *ImportJob) error) error {
	return s.view(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := kv.JobScanPrefix()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var job ImportJob
			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &job)
			})
			if err != nil {
				return err
			}
			if err := fn(&job); err != nil {
				return err
			}
		}
		return nil
	})
}

func getJobTxn(txn *badger.Txn, jobID string) (*ImportJob, error) {
	item, err := txn.Get(kv.JobKey(jobID))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var job ImportJob
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &job) }); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *Store) putJobTxn(txn *badger.Txn, job *ImportJob) error {
	enc, err := json.Marshal(job)
	if err != nil {
		return err
	}
	entry := badger.NewEntry(kv.JobKey(job.ID), enc).WithTTL(s.cfg.RetentionTTL)
	return txn.SetEntry(entry)
}
