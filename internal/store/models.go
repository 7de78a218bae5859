package store

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of an import job. Progression is strictly
// forward: receiving -> pending -> processing -> completed | failed.
type Status string

const (
	StatusReceiving  Status = "receiving"
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ImportJob is the durable record for one import submission.
type ImportJob struct {
	ID             string     `json:"id"`
	Status         Status     `json:"status"`
	OwnerID        string     `json:"owner_id"`
	TotalObjects   int        `json:"total_objects"`
	TotalChunks    int        `json:"total_chunks"`
	ReceivedChunks int        `json:"received_chunks"`
	Processed      int        `json:"processed"`
	Failed         int        `json:"failed"`
	RetryOf        string     `json:"retry_of,omitempty"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	FailedAt       *time.Time `json:"failed_at,omitempty"`
}

// FailureKind classifies why a batch did not get confirmed.
type FailureKind string

const (
	// FailureTimeout means the request exceeded its deadline. The backend may
	// have applied the write anyway; the outcome is ambiguous, not a clean
	// failure.
	FailureTimeout FailureKind = "timeout"
	// FailureHTTP means a non-2xx response was received.
	FailureHTTP FailureKind = "httpError"
	// FailureNetwork means no response was received at all.
	FailureNetwork FailureKind = "networkError"
	// FailureUnknown covers everything else.
	FailureUnknown FailureKind = "unknown"
)

// FailureRecord is one object of one batch that was not confirmed as written.
type FailureRecord struct {
	JobID        string          `json:"job_id"`
	Batch        int             `json:"batch"`
	IndexInBatch int             `json:"index_in_batch"`
	Object       json.RawMessage `json:"object"`
	Error        string          `json:"error"`
	Kind         FailureKind     `json:"kind"`
	At           time.Time       `json:"at"`
}
