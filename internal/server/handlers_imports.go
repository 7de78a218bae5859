package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ferryhq/ferry/internal/ingest"
	"github.com/ferryhq/ferry/internal/store"
)

func (s *Server) handleSubmitChunk(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxChunkBytes)

	var req ingest.ChunkRequest
	if err := decodeJSON(r, &req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge,
				"chunk payload exceeds "+strconv.FormatInt(s.cfg.MaxChunkBytes, 10)+" bytes", "PAYLOAD_TOO_LARGE")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return
	}

	v := s.limiter.allow(req.OwnerID, time.Now())
	if !v.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(v.ResetAt).Seconds())+1))
		writeErrorDetails(w, http.StatusTooManyRequests, "chunk submission rate limit exceeded", "RATE_LIMITED",
			map[string]interface{}{
				"count":   v.Count,
				"limit":   v.Limit,
				"resetAt": v.ResetAt.UTC().Format(time.RFC3339),
			})
		return
	}

	resp, err := s.ingest.Accept(r.Context(), &req)
	if err != nil {
		s.writeIngestError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeIngestError(w http.ResponseWriter, err error) {
	var verr *ingest.ValidationError
	var terr *ingest.TooLargeError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Msg, "VALIDATION_ERROR")
	case errors.As(err, &terr):
		writeError(w, http.StatusRequestEntityTooLarge, terr.Msg, "PAYLOAD_TOO_LARGE")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "unknown import session", "NOT_FOUND")
	case errors.Is(err, store.ErrChunkOverflow):
		writeError(w, http.StatusBadRequest, "job already received all declared chunks", "VALIDATION_ERROR")
	default:
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
	}
}

// statusResponse is the external view of a job record.
type statusResponse struct {
	JobID       string     `json:"jobId"`
	Status      string     `json:"status"`
	Total       int        `json:"total"`
	Processed   int        `json:"processed"`
	Failed      int        `json:"failed"`
	RetryOf     string     `json:"retryOf,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.store.GetJob(jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown import job", "NOT_FOUND")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
		return
	}

	resp := statusResponse{
		JobID:       job.ID,
		Status:      string(job.Status),
		Total:       job.TotalObjects,
		Processed:   job.Processed,
		Failed:      job.Failed,
		RetryOf:     job.RetryOf,
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
		Error:       job.Error,
	}
	if job.CompletedAt == nil && job.FailedAt != nil {
		resp.CompletedAt = job.FailedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	result, err := s.retry.Retry(r.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "unknown import job", "NOT_FOUND")
		case errors.Is(err, store.ErrNoFailures):
			writeError(w, http.StatusNotFound, "job has no failed objects to retry", "NO_FAILURES")
		default:
			writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
		}
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// failureView matches the documented failure listing shape.
type failureView struct {
	BatchNumber      int         `json:"batchNumber"`
	IndexWithinBatch int         `json:"indexWithinBatch"`
	Object           interface{} `json:"object"`
	ErrorMessage     string      `json:"errorMessage"`
	ErrorKind        string      `json:"errorKind"`
	Timestamp        time.Time   `json:"timestamp"`
}

func (s *Server) handleListFailures(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if _, err := s.store.GetJob(jobID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown import job", "NOT_FOUND")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
		return
	}

	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 100)
	if limit > 1000 {
		limit = 1000
	}

	records, total, err := s.store.ListFailures(jobID, offset, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
		return
	}

	views := make([]failureView, len(records))
	for i, rec := range records {
		views[i] = failureView{
			BatchNumber:      rec.Batch,
			IndexWithinBatch: rec.IndexInBatch,
			Object:           rec.Object,
			ErrorMessage:     rec.Error,
			ErrorKind:        string(rec.Kind),
			Timestamp:        rec.At,
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"failures": views,
		"total":    total,
		"hasMore":  offset+len(records) < total,
	})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	res, err := s.store.SweepExpired(time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"jobsDeleted":     res.JobsDeleted,
		"chunksDeleted":   res.ChunksDeleted,
		"failuresDeleted": res.FailuresDeleted,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
