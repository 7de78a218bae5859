// Package ingest implements the chunked submission protocol: it validates one
// chunk at a time, creates and advances the job record, and decides — via the
// store's atomic received-counter — which call completes reception and fires
// the execution engine.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/xeipuuv/gojsonschema"

	"github.com/ferryhq/ferry/internal/store"
)

// Trigger starts background processing of a fully received job. Satisfied by
// *engine.Engine; tests substitute a recorder.
type Trigger interface {
	Launch(jobID string)
}

// Config holds ingestion ceilings and the optional object schema gate.
type Config struct {
	// MaxObjectsPerChunk rejects chunks above this object count. Zero means
	// no ceiling.
	MaxObjectsPerChunk int
	// ObjectSchema, when set, validates every submitted object. Compile with
	// CompileSchemaFile.
	ObjectSchema *gojsonschema.Schema
}

// Service accepts chunks.
type Service struct {
	store   *store.Store
	trigger Trigger
	cfg     Config
}

// New creates a Service.
func New(s *store.Store, trigger Trigger, cfg Config) *Service {
	return &Service{store: s, trigger: trigger, cfg: cfg}
}

// ChunkRequest is one piece of a job's object list as submitted by a client.
type ChunkRequest struct {
	Objects      []json.RawMessage `json:"objects"`
	OwnerID      string            `json:"ownerId"`
	TotalObjects int               `json:"totalObjects"`
	ChunkIndex   int               `json:"chunkIndex"`
	TotalChunks  int               `json:"totalChunks"`
	SessionID    string            `json:"sessionId,omitempty"`
}

// ChunkResponse reports acceptance of one chunk.
type ChunkResponse struct {
	JobID          string `json:"jobId"`
	Accepted       bool   `json:"accepted"`
	ReceivedChunks int    `json:"receivedChunks"`
	TotalChunks    int    `json:"totalChunks"`
	Complete       bool   `json:"complete"`
	Progress       string `json:"progress"`
}

// Accept handles one chunk submission. The first chunk of a new session mints
// the job; every call persists its chunk and advances the received counter.
// The call whose increment reaches the declared total marks the job pending
// and fires the engine without waiting for it.
func (s *Service) Accept(ctx context.Context, req *ChunkRequest) (*ChunkResponse, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	jobID := req.SessionID
	if req.ChunkIndex == 0 && jobID == "" {
		jobID = store.NewImportID()
		job := &store.ImportJob{
			ID:           jobID,
			Status:       store.StatusReceiving,
			OwnerID:      req.OwnerID,
			TotalObjects: req.TotalObjects,
			TotalChunks:  req.TotalChunks,
		}
		if err := s.store.CreateJob(job); err != nil {
			return nil, fmt.Errorf("create job: %w", err)
		}
		slog.Info("import job created",
			"job_id", jobID, "owner", req.OwnerID,
			"total_objects", req.TotalObjects, "total_chunks", req.TotalChunks)
	} else {
		if jobID == "" {
			return nil, &ValidationError{Msg: "sessionId is required for chunks after the first"}
		}
		if _, err := s.store.GetJob(jobID); err != nil {
			return nil, err
		}
	}

	if err := s.store.PutChunk(jobID, req.ChunkIndex, req.Objects); err != nil {
		return nil, fmt.Errorf("persist chunk: %w", err)
	}

	// The increment's return value is the only basis for the completion
	// decision: two racing arrivals cannot both see received == total, so the
	// engine is triggered exactly once per job without a lock.
	received, total, err := s.store.IncrReceivedChunks(jobID)
	if err != nil {
		return nil, err
	}

	complete := received == total
	if complete {
		if err := s.store.MarkPending(jobID); err != nil {
			return nil, err
		}
		slog.Info("all chunks received, triggering import", "job_id", jobID, "chunks", total)
		s.trigger.Launch(jobID)
	}

	return &ChunkResponse{
		JobID:          jobID,
		Accepted:       true,
		ReceivedChunks: received,
		TotalChunks:    total,
		Complete:       complete,
		Progress:       fmt.Sprintf("%d/%d", received, total),
	}, nil
}

func (s *Service) validate(req *ChunkRequest) error {
	if len(req.Objects) == 0 {
		return &ValidationError{Msg: "objects must be a non-empty array"}
	}
	if req.OwnerID == "" {
		return &ValidationError{Msg: "ownerId is required"}
	}
	if req.TotalObjects <= 0 {
		return &ValidationError{Msg: "totalObjects must be a positive number"}
	}
	if req.TotalChunks <= 0 {
		return &ValidationError{Msg: "totalChunks must be a positive number"}
	}
	if req.ChunkIndex < 0 || req.ChunkIndex >= req.TotalChunks {
		return &ValidationError{Msg: fmt.Sprintf("chunkIndex %d out of range [0, %d)", req.ChunkIndex, req.TotalChunks)}
	}
	if s.cfg.MaxObjectsPerChunk > 0 && len(req.Objects) > s.cfg.MaxObjectsPerChunk {
		return &TooLargeError{Msg: fmt.Sprintf("chunk carries %d objects, limit is %d", len(req.Objects), s.cfg.MaxObjectsPerChunk)}
	}
	if s.cfg.ObjectSchema != nil {
		for i, obj := range req.Objects {
			result, err := s.cfg.ObjectSchema.Validate(gojsonschema.NewBytesLoader(obj))
			if err != nil {
				return &ValidationError{Msg: fmt.Sprintf("object %d is not valid JSON: %v", i, err)}
			}
			if !result.Valid() {
				return &ValidationError{Msg: fmt.Sprintf("object %d fails schema: %s", i, result.Errors()[0])}
			}
		}
	}
	return nil
}

// CompileSchemaFile compiles the optional per-object JSON schema.
func CompileSchemaFile(path string) (*gojsonschema.Schema, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewReferenceLoader("file://" + path))
	if err != nil {
		return nil, fmt.Errorf("compile object schema %s: %w", path, err)
	}
	return schema, nil
}
