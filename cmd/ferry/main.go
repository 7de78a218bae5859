package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ferryhq/ferry/internal/backend"
	"github.com/ferryhq/ferry/internal/config"
	"github.com/ferryhq/ferry/internal/engine"
	"github.com/ferryhq/ferry/internal/ingest"
	"github.com/ferryhq/ferry/internal/observability"
	"github.com/ferryhq/ferry/internal/retry"
	"github.com/ferryhq/ferry/internal/scheduler"
	"github.com/ferryhq/ferry/internal/server"
	"github.com/ferryhq/ferry/internal/store"
)

var (
	logLevel   string
	configPath string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ferry",
	Short: "Ferry — chunked bulk import pipeline",
	Long:  "Accepts large imports in chunks, replays them against a backend in bounded-concurrency batches, and tracks per-object failures for retry.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the ferry server",
	RunE:  runServer,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one retention sweep against the data directory and exit",
	RunE:  runSweep,
}

var (
	bindAddr           string
	dataDir            string
	importURL          string
	backendTimeout     = 30 * time.Second
	certFile           string
	keyFile            string
	caFile             string
	insecureSkipVerify bool
	batchSize          = 50
	maxInFlight        = 4
	startDelay         = 100 * time.Millisecond
	maxObjectsPerChunk = 10000
	objectSchemaPath   string
	retryChunkSize     = 500
	maxChunkBytes      int64 = 8 << 20
	rateLimitEnabled         = true
	rateLimit                = 120
	rateLimitWindow          = time.Minute
	retentionTTL             = 7 * 24 * time.Hour
	chunkTTL                 = 24 * time.Hour
	sweepInterval            = time.Hour
	syncWrites         bool
	shutdownTimeout    = 5 * time.Second
	otelEnabled        bool
	otelEndpoint       string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (flags override file values)")

	serverCmd.Flags().StringVar(&bindAddr, "bind", ":8080", "HTTP server bind address")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "data", "Directory for the job state database")
	serverCmd.Flags().StringVar(&importURL, "import-url", "", "Backend bulk import endpoint (required)")
	serverCmd.Flags().DurationVar(&backendTimeout, "backend-timeout", 30*time.Second, "Per-batch backend request timeout")
	serverCmd.Flags().StringVar(&certFile, "cert-file", "", "Client TLS certificate for the backend connection")
	serverCmd.Flags().StringVar(&keyFile, "key-file", "", "Client TLS key for the backend connection")
	serverCmd.Flags().StringVar(&caFile, "ca-file", "", "CA bundle for verifying the backend")
	serverCmd.Flags().BoolVar(&insecureSkipVerify, "insecure-skip-verify", false, "Skip backend TLS verification (testing only)")
	serverCmd.Flags().IntVar(&batchSize, "batch-size", 50, "Objects per backend batch request")
	serverCmd.Flags().IntVar(&maxInFlight, "max-in-flight", 4, "Max concurrently outstanding batch requests per job")
	serverCmd.Flags().DurationVar(&startDelay, "start-delay", 100*time.Millisecond, "Pause between successive batch starts")
	serverCmd.Flags().IntVar(&maxObjectsPerChunk, "max-objects-per-chunk", 10000, "Reject chunks above this object count (0 = no ceiling)")
	serverCmd.Flags().StringVar(&objectSchemaPath, "object-schema", "", "JSON Schema file validated against every submitted object")
	serverCmd.Flags().IntVar(&retryChunkSize, "retry-chunk-size", 500, "Objects per stored chunk when building a retry job")
	serverCmd.Flags().Int64Var(&maxChunkBytes, "max-chunk-bytes", 8<<20, "Maximum chunk submission body size in bytes")
	serverCmd.Flags().BoolVar(&rateLimitEnabled, "rate-limit-enabled", true, "Enable per-owner chunk submission rate limiting")
	serverCmd.Flags().IntVar(&rateLimit, "rate-limit", 120, "Chunk submissions allowed per owner per window")
	serverCmd.Flags().DurationVar(&rateLimitWindow, "rate-limit-window", time.Minute, "Rate limit window")
	serverCmd.Flags().DurationVar(&retentionTTL, "retention", 7*24*time.Hour, "How long to keep finished jobs and failure logs")
	serverCmd.Flags().DurationVar(&chunkTTL, "chunk-ttl", 24*time.Hour, "How long unprocessed chunk payloads may sit in the store")
	serverCmd.Flags().DurationVar(&sweepInterval, "sweep-interval", time.Hour, "How often to run the retention sweep")
	serverCmd.Flags().BoolVar(&syncWrites, "sync-writes", false, "fsync every store commit")
	serverCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 5*time.Second, "Graceful HTTP shutdown timeout")
	serverCmd.Flags().BoolVar(&otelEnabled, "otel-enabled", false, "Enable OpenTelemetry tracing")
	serverCmd.Flags().StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP HTTP endpoint (host:port) for traces; if empty uses stdout exporter")

	sweepCmd.Flags().StringVar(&dataDir, "data-dir", "data", "Directory for the job state database")
	sweepCmd.Flags().DurationVar(&retentionTTL, "retention", 7*24*time.Hour, "How long to keep finished jobs and failure logs")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(sweepCmd)
}

func setupLogging() {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// applyConfigFile overlays file values onto flag variables that were not set
// on the command line.
func applyConfigFile(cmd *cobra.Command, f *config.File) {
	set := func(name string) bool { return cmd.Flags().Changed(name) }

	if f.Server.Bind != "" && !set("bind") {
		bindAddr = f.Server.Bind
	}
	if f.Server.MaxChunkBytes > 0 && !set("max-chunk-bytes") {
		maxChunkBytes = f.Server.MaxChunkBytes
	}
	if f.Server.RateLimitEnabled != nil && !set("rate-limit-enabled") {
		rateLimitEnabled = *f.Server.RateLimitEnabled
	}
	if f.Server.RateLimit > 0 && !set("rate-limit") {
		rateLimit = f.Server.RateLimit
	}
	if f.Server.RateLimitWindow > 0 && !set("rate-limit-window") {
		rateLimitWindow = f.Server.RateLimitWindow.Std()
	}
	if f.Store.DataDir != "" && !set("data-dir") {
		dataDir = f.Store.DataDir
	}
	if f.Store.RetentionTTL > 0 && !set("retention") {
		retentionTTL = f.Store.RetentionTTL.Std()
	}
	if f.Store.ChunkTTL > 0 && !set("chunk-ttl") {
		chunkTTL = f.Store.ChunkTTL.Std()
	}
	if f.Store.SweepInterval > 0 && !set("sweep-interval") {
		sweepInterval = f.Store.SweepInterval.Std()
	}
	if f.Store.SyncWrites != nil && !set("sync-writes") {
		syncWrites = *f.Store.SyncWrites
	}
	if f.Backend.ImportURL != "" && !set("import-url") {
		importURL = f.Backend.ImportURL
	}
	if f.Backend.Timeout > 0 && !set("backend-timeout") {
		backendTimeout = f.Backend.Timeout.Std()
	}
	if f.Backend.CertFile != "" && !set("cert-file") {
		certFile = f.Backend.CertFile
	}
	if f.Backend.KeyFile != "" && !set("key-file") {
		keyFile = f.Backend.KeyFile
	}
	if f.Backend.CAFile != "" && !set("ca-file") {
		caFile = f.Backend.CAFile
	}
	if f.Backend.InsecureSkipVerify && !set("insecure-skip-verify") {
		insecureSkipVerify = true
	}
	if f.Engine.BatchSize > 0 && !set("batch-size") {
		batchSize = f.Engine.BatchSize
	}
	if f.Engine.MaxInFlight > 0 && !set("max-in-flight") {
		maxInFlight = f.Engine.MaxInFlight
	}
	if f.Engine.StartDelay > 0 && !set("start-delay") {
		startDelay = f.Engine.StartDelay.Std()
	}
	if f.Ingest.MaxObjectsPerChunk > 0 && !set("max-objects-per-chunk") {
		maxObjectsPerChunk = f.Ingest.MaxObjectsPerChunk
	}
	if f.Ingest.ObjectSchema != "" && !set("object-schema") {
		objectSchemaPath = f.Ingest.ObjectSchema
	}
	if f.Tracing.Enabled && !set("otel-enabled") {
		otelEnabled = true
	}
	if f.Tracing.Endpoint != "" && !set("otel-endpoint") {
		otelEndpoint = f.Tracing.Endpoint
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	if configPath != "" {
		f, err := config.Load(configPath)
		if err != nil {
			return err
		}
		applyConfigFile(cmd, f)
	}
	if importURL == "" {
		return fmt.Errorf("--import-url is required (or backend.importURL in the config file)")
	}

	slog.Info("starting ferry server",
		"bind", bindAddr,
		"data_dir", dataDir,
		"import_url", importURL,
		"batch_size", batchSize,
		"max_in_flight", maxInFlight,
		"start_delay", startDelay,
		"retention", retentionTTL,
		"sweep_interval", sweepInterval,
		"rate_limit_enabled", rateLimitEnabled,
		"otel_enabled", otelEnabled,
	)

	otelShutdown, err := observability.SetupTracing("ferry-server", observability.TracingConfig{
		Enabled:  otelEnabled,
		Endpoint: otelEndpoint,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Warn("trace exporter shutdown error", "error", err)
		}
	}()

	s, err := store.Open(dataDir, store.Config{
		RetentionTTL: retentionTTL,
		ChunkTTL:     chunkTTL,
		SyncWrites:   syncWrites,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	httpClient, err := backend.NewHTTPClient(backend.TransportConfig{
		CertFile:           certFile,
		KeyFile:            keyFile,
		CAFile:             caFile,
		InsecureSkipVerify: insecureSkipVerify,
	})
	if err != nil {
		return fmt.Errorf("build backend transport: %w", err)
	}
	importer := backend.New(importURL, httpClient, backendTimeout)

	eng := engine.New(s, importer, engine.Config{
		BatchSize:   batchSize,
		MaxInFlight: maxInFlight,
		StartDelay:  startDelay,
	})

	ingestCfg := ingest.Config{MaxObjectsPerChunk: maxObjectsPerChunk}
	if objectSchemaPath != "" {
		schema, err := ingest.CompileSchemaFile(objectSchemaPath)
		if err != nil {
			return err
		}
		ingestCfg.ObjectSchema = schema
		slog.Info("object schema gate enabled", "schema", objectSchemaPath)
	}
	ing := ingest.New(s, eng, ingestCfg)
	rc := retry.New(s, eng, retryChunkSize)

	srv := server.New(s, ing, rc, bindAddr, server.Config{
		MaxChunkBytes: maxChunkBytes,
		RateLimit: server.RateLimitConfig{
			Enabled: rateLimitEnabled,
			Limit:   rateLimit,
			Window:  rateLimitWindow,
		},
	})

	schedCtx, schedCancel := context.WithCancel(context.Background())
	defer schedCancel()
	sched := scheduler.New(s, scheduler.Config{Interval: sweepInterval})
	go sched.Run(schedCtx)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("ferry server ready", "bind", bindAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("received shutdown signal", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown error", "error", err)
	}

	slog.Info("stopping retention sweeper")
	schedCancel()

	slog.Info("ferry server stopped")
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	if configPath != "" {
		f, err := config.Load(configPath)
		if err != nil {
			return err
		}
		applyConfigFile(cmd, f)
	}

	s, err := store.Open(dataDir, store.Config{RetentionTTL: retentionTTL})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	res, err := s.SweepExpired(time.Now().UTC())
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	out, _ := json.MarshalIndent(map[string]int{
		"jobsDeleted":     res.JobsDeleted,
		"chunksDeleted":   res.ChunksDeleted,
		"failuresDeleted": res.FailuresDeleted,
	}, "", "  ")
	fmt.Println(string(out))
	return nil
}
