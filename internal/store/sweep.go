package store

import (
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/ferryhq/ferry/internal/kv"
)

// SweepResult reports what a retention sweep removed.
type SweepResult struct {
	JobsDeleted     int `json:"jobs_deleted"`
	ChunksDeleted   int `json:"chunks_deleted"`
	FailuresDeleted int `json:"failures_deleted"`
}

// SweepExpired deletes jobs whose age exceeds the retention TTL, together
// with any remaining chunks and failure records. Age is measured from the
// terminal timestamp when one exists, otherwise from creation, so a job stuck
// in receiving or processing is reaped once it is old enough. Key-level TTLs
// remain the backstop for state the sweep never sees.
func (s *Store) SweepExpired(now time.Time) (SweepResult, error) {
	var res SweepResult
	cutoff := now.Add(-s.cfg.RetentionTTL)

	var expired []string
	err := s.EachJob(func(job *ImportJob) error {
		ref := job.CreatedAt
		if job.CompletedAt != nil {
			ref = *job.CompletedAt
		} else if job.FailedAt != nil {
			ref = *job.FailedAt
		}
		if ref.Before(cutoff) {
			expired = append(expired, job.ID)
		}
		return nil
	})
	if err != nil {
		return res, err
	}

	for _, id := range expired {
		chunks, err := s.DeleteChunks(id)
		if err != nil {
			return res, err
		}
		failures, err := s.DeleteFailures(id)
		if err != nil {
			return res, err
		}
		err = s.update(func(txn *badger.Txn) error {
			return txn.Delete(kv.JobKey(id))
		})
		if err != nil {
			return res, err
		}
		res.JobsDeleted++
		res.ChunksDeleted += chunks
		res.FailuresDeleted += failures
		slog.Debug("swept expired job", "job_id", id, "chunks", chunks, "failures", failures)
	}
	return res, nil
}
