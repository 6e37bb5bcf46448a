package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/dunamismax/backdrop/internal/config"
	"github.com/dunamismax/backdrop/internal/pipeline"
	"github.com/dunamismax/backdrop/internal/removal"
	"github.com/dunamismax/backdrop/internal/storage"
	"github.com/dunamismax/backdrop/internal/store"
	"github.com/dunamismax/backdrop/internal/telemetry"
	"github.com/dunamismax/backdrop/internal/webhook"
	"github.com/dunamismax/backdrop/internal/worker"
)

func main() {
	cfg := config.Load()
	logger, logCloser := telemetry.NewLogger("worker", cfg.Log)
	defer logCloser.Close()

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelStartup()

	shutdownTracing, err := telemetry.SetupTracing(startupCtx, telemetry.TraceConfigFrom("backdrop-worker", cfg.Telemetry), logger)
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Printf("tracing shutdown error: %v", err)
		}
	}()

	logger.Printf(
		"starting worker concurrency=%d max_active_jobs=%d queue=%s redis=%s webp=%t removal_disabled=%t",
		cfg.Worker.Concurrency,
		cfg.Worker.MaxActiveJobs,
		cfg.Queue.Name,
		cfg.Queue.RedisAddr,
		pipeline.SupportsWebP(),
		cfg.Removal.Disabled,
	)

	storageClient, err := storage.NewClient(cfg.Storage)
	if err != nil {
		logger.Fatalf("storage client init failed: %v", err)
	}
	if err := storageClient.EnsureBucket(startupCtx); err != nil {
		logger.Fatalf("ensure bucket failed: %v", err)
	}

	var jobStore interface {
		store.JobStore
		store.UsageStore
	}
	if cfg.Database.DSN != "" {
		pg, err := store.NewPostgresJobStore(startupCtx, cfg.Database.DSN)
		if err != nil {
			logger.Fatalf("postgres job store init failed: %v", err)
		}
		defer pg.Close()
		jobStore = pg
	} else {
		logger.Printf("POSTGRES_DSN not set, job status and usage stay in memory")
		jobStore = store.NewMemoryJobStore()
	}

	var remover removal.Remover = removal.NewClient(cfg.Removal)
	if cfg.Removal.Disabled {
		remover = removal.Passthrough{}
	}

	srv, err := worker.NewServer(
		logger,
		cfg.Queue,
		cfg.Worker,
		storageClient,
		remover,
		webhook.NewClient(cfg.Webhook),
		jobStore,
		jobStore,
	)
	if err != nil {
		logger.Fatalf("worker init failed: %v", err)
	}
	defer pipeline.Shutdown()

	go serveMetrics(logger, cfg.Worker.MetricsAddr, srv.MetricsHandler())

	if err := srv.Run(); err != nil {
		logger.Fatalf("worker failed: %v", err)
	}
}

func serveMetrics(logger *log.Logger, addr string, handler http.Handler) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", handler)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Printf("metrics listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Printf("metrics server failed: %v", err)
	}
}
