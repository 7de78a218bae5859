package store

import (
	"encoding/json"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/ferryhq/ferry/internal/kv"
)

// AppendFailures records one FailureRecord per object of a failed batch.
// Records are keyed by (batch, index-in-batch), so the log is append-only and
// naturally ordered; re-appending the same batch overwrites identically.
func (s *Store) AppendFailures(jobID string, records []FailureRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.update(func(txn *badger.Txn) error {
		for i := range records {
			rec := &records[i]
			rec.JobID = jobID
			if rec.At.IsZero() {
				rec.At = time.Now().UTC()
			}
			enc, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			key := kv.FailureKey(jobID, uint32(rec.Batch), uint32(rec.IndexInBatch))
			if err := txn.SetEntry(badger.NewEntry(key, enc).WithTTL(s.cfg.RetentionTTL)); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListFailures returns a page of a job's failure log in (batch, index) order,
// along with the total record count.
func (s *Store) ListFailures(jobID string, offset, limit int) ([]FailureRecord, int, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = 100
	}
	var out []FailureRecord
	total := 0
	err := s.view(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := kv.FailurePrefix(jobID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if total >= offset && len(out) < limit {
				var rec FailureRecord
				err := it.Item().Value(func(v []byte) error {
					return json.Unmarshal(v, &rec)
				})
				if err != nil {
					return err
				}
				out = append(out, rec)
			}
			total++
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// AllFailures returns the complete failure log for a job in order. Used by the
// retry coordinator, which needs every failed object's payload.
func (s *Store) AllFailures(jobID string) ([]FailureRecord, error) {
	records, _, err := s.ListFailures(jobID, 0, int(^uint(0)>>1))
	return records, err
}

// CountFailures returns the number of failure records for a job.
func (s *Store) CountFailures(jobID string) (int, error) {
	count := 0
	err := s.view(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := kv.FailurePrefix(jobID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// DeleteFailures removes a job's failure log. Administrative; retries never
// touch the source log.
func (s *Store) DeleteFailures(jobID string) (int, error) {
	return s.deletePrefix(kv.FailurePrefix(jobID))
}
