package store

import (
	"encoding/json"
	"errors"

	"github.com/dgraph-io/badger/v4"

	"github.com/ferryhq/ferry/internal/kv"
)

// PutChunk persists one chunk's object slice under (jobID, index). Chunks are
// written once by ingestion and never mutated; a rewrite of the same index
// (client retry) overwrites with identical content.
func (s *Store) PutChunk(jobID string, index int, objects []json.RawMessage) error {
	enc, err := json.Marshal(objects)
	if err != nil {
		return err
	}
	return s.update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(kv.ChunkKey(jobID, uint32(index)), enc).WithTTL(s.cfg.ChunkTTL)
		return txn.SetEntry(entry)
	})
}

// GetChunk loads one chunk's objects. Returns ErrNotFound when the chunk is
// absent (expired or never written).
func (s *Store) GetChunk(jobID string, index int) ([]json.RawMessage, error) {
	var objects []json.RawMessage
	err := s.view(func(txn *badger.Txn) error {
		item, err := txn.Get(kv.ChunkKey(jobID, uint32(index)))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &objects)
		})
	})
	if err != nil {
		return nil, err
	}
	return objects, nil
}

// DeleteChunks removes every chunk belonging to a job and reports how many
// keys were deleted.
func (s *Store) DeleteChunks(jobID string) (int, error) {
	return s.deletePrefix(kv.ChunkPrefix(jobID))
}

// deletePrefix collects all keys under prefix and deletes them. Collection
// happens inside the same transaction as the deletes; badger transactions are
// size-bounded, so very large jobs delete in multiple passes.
func (s *Store) deletePrefix(prefix []byte) (int, error) {
	deleted := 0
	for {
		n := 0
		err := s.update(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			defer it.Close()
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				key := it.Item().KeyCopy(nil)
				if err := txn.Delete(key); err != nil {
					if errors.Is(err, badger.ErrTxnTooBig) {
						return nil
					}
					return err
				}
				n++
			}
			return nil
		})
		if err != nil {
			return deleted, err
		}
		deleted += n
		if n == 0 {
			return deleted, nil
		}
		// A full transaction may have stopped early; loop until a pass
		// deletes nothing.
		remaining := false
		err = s.view(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			defer it.Close()
			it.Seek(prefix)
			remaining = it.ValidForPrefix(prefix)
			return nil
		})
		if err != nil || !remaining {
			return deleted, err
		}
	}
}
