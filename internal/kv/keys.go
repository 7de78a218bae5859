package kv

import "bytes"

// Key prefixes. Each prefix ends with '|' as a separator.
const (
	PrefixJob     = "j|" // j|{job_id}
	PrefixChunk   = "c|" // c|{job_id}\x00{chunk_index:4BE}
	PrefixFailure = "f|" // f|{job_id}\x00{batch:4BE}{index:4BE}
)

const sep = '\x00'

// JobKey returns the badger key for a job record: j|{job_id}
func JobKey(jobID string) []byte {
	return append([]byte(PrefixJob), jobID...)
}

// JobIDFromKey extracts the job id from a job record key.
func JobIDFromKey(k []byte) (string, bool) {
	if !bytes.HasPrefix(k, []byte(PrefixJob)) {
		return "", false
	}
	return string(k[len(PrefixJob):]), true
}

// JobScanPrefix returns the scan prefix covering all job records.
func JobScanPrefix() []byte {
	return []byte(PrefixJob)
}

// ChunkKey returns the badger key for one chunk: c|{job_id}\x00{chunk_index:4BE}
func ChunkKey(jobID string, chunkIndex uint32) []byte {
	k := append([]byte(PrefixChunk), jobID...)
	k = append(k, sep)
	return PutUint32BE(k, chunkIndex)
}

// ChunkPrefix returns the scan prefix for all chunks of a job: c|{job_id}\x00
func ChunkPrefix(jobID string) []byte {
	k := append([]byte(PrefixChunk), jobID...)
	return append(k, sep)
}

// FailureKey returns the badger key for one failure record:
// f|{job_id}\x00{batch:4BE}{index:4BE}
// Keys sort by (batch, index), which fixes the listing order.
func FailureKey(jobID string, batch, index uint32) []byte {
	k := append([]byte(PrefixFailure), jobID...)
	k = append(k, sep)
	k = PutUint32BE(k, batch)
	return PutUint32BE(k, index)
}

// FailurePrefix returns the scan prefix for all failures of a job: f|{job_id}\x00
func FailurePrefix(jobID string) []byte {
	k := append([]byte(PrefixFailure), jobID...)
	return append(k, sep)
}
