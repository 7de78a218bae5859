package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ferryhq/ferry/internal/ingest"
	"github.com/ferryhq/ferry/internal/retry"
	"github.com/ferryhq/ferry/internal/store"
)

// Config holds HTTP-facing limits.
type Config struct {
	// MaxChunkBytes caps the chunk submission request body.
	MaxChunkBytes int64
	RateLimit     RateLimitConfig
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxChunkBytes: 8 << 20, // 8MB
		RateLimit: RateLimitConfig{
			Enabled: true,
			Limit:   120,
			Window:  time.Minute,
		},
	}
}

// Server is the HTTP server for the import pipeline.
type Server struct {
	store      *store.Store
	ingest     *ingest.Service
	retry      *retry.Coordinator
	limiter    *rateLimiter
	cfg        Config
	httpServer *http.Server
	router     chi.Router
}

// New creates a new Server.
func New(s *store.Store, ing *ingest.Service, rc *retry.Coordinator, bindAddr string, cfg Config) *Server {
	def := DefaultConfig()
	if cfg.MaxChunkBytes <= 0 {
		cfg.MaxChunkBytes = def.MaxChunkBytes
	}
	srv := &Server{
		store:   s,
		ingest:  ing,
		retry:   rc,
		limiter: newRateLimiter(cfg.RateLimit),
		cfg:     cfg,
	}
	srv.router = srv.buildRouter()
	srv.httpServer = &http.Server{
		Addr:    bindAddr,
		Handler: srv.router,
	}
	return srv
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(structuredLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/imports/chunks", s.handleSubmitChunk)
		r.Get("/imports/{job_id}", s.handleGetStatus)
		r.Post("/imports/{job_id}/retry", s.handleRetry)
		r.Get("/imports/{job_id}/failures", s.handleListFailures)

		r.Post("/admin/cleanup", s.handleCleanup)
	})

	r.Get("/healthz", s.handleHealthz)

	return r
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	slog.Info("HTTP server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("HTTP server shutting down")
	s.limiter.close()
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

// JSON response helpers

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, code string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

func writeErrorDetails(w http.ResponseWriter, status int, msg, code string, details interface{}) {
	writeJSON(w, status, map[string]interface{}{"error": msg, "code": code, "details": details})
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// Middleware

func structuredLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
