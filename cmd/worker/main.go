package main

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"experiment-worker/cmd"
	"experiment-worker/internal/config"
	"experiment-worker/internal/database"
	"experiment-worker/internal/experiment"
	"experiment-worker/internal/pipeline"
	"experiment-worker/internal/runners"
	"experiment-worker/internal/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func startMetricsServer(addr string, logger *slog.Logger) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("metrics server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()

	return server
}

func main() {
	log.Println("Starting Experiment Worker...")

	cmd.LoadEnvFile()

	cfg, err := config.LoadWorkerConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := telemetry.SetupLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	queue, err := cmd.NewQueue(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to connect to queue: %v", err)
	}
	defer queue.Close()

	objects, err := cmd.NewObjectStore(cfg)
	if err != nil {
		log.Fatalf("Failed to create object store: %v", err)
	}

	provider, err := experiment.NewQueueStorageProvider(experiment.ProviderConfig{
		Queue:        queue,
		Objects:      objects,
		InputBucket:  cfg.InputBucket,
		OutputBucket: cfg.OutputBucket,
		Visibility:   cfg.VisibilityTimeout,
		ScratchDir:   cfg.ScratchDir,
		Logger:       logger,
	})
	if err != nil {
		log.Fatalf("Failed to create storage provider: %v", err)
	}

	runner, err := runners.New(cfg.ExperimentRunner, runners.Options{
		PluginPath:  cfg.ExperimentPluginPath,
		HTTPURL:     cfg.ExperimentHTTPURL,
		HTTPTimeout: cfg.ExperimentTimeout,
		Logger:      logger,
	})
	if err != nil {
		log.Fatalf("Failed to load experiment runner: %v", err)
	}
	if closer, ok := runner.(io.Closer); ok {
		defer closer.Close()
	}

	metrics, err := telemetry.NewMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatalf("Failed to register metrics: %v", err)
	}

	pipelineCfg := pipeline.Config{
		OutputLabel:     cfg.OutputLabel,
		PollInterval:    cfg.PollInterval,
		MaxDeliveries:   cfg.MaxDeliveries,
		DeadLetterLabel: cfg.DeadLetterLabel,
		RunTimeout:      cfg.ExperimentTimeout,
		CleanupInputs:   cfg.CleanupInputs,
		Metrics:         metrics,
		Logger:          logger,
	}

	if cfg.LedgerDatabaseURL != "" {
		db, err := database.NewDatabase(cfg.LedgerDatabaseURL)
		if err != nil {
			log.Fatalf("Failed to open ledger database: %v", err)
		}
		pipelineCfg.Recorder = database.NewLedger(db)
	}

	if cfg.MetricsAddr != "" {
		server := startMetricsServer(cfg.MetricsAddr, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("metrics server forced to shutdown", "error", err)
			}
		}()
	}

	logger.Info("worker configured",
		"queue_backend", cfg.QueueBackend,
		"queue", cfg.QueueName,
		"blob_backend", cfg.BlobBackend,
		"input_bucket", cfg.InputBucket,
		"output_bucket", cfg.OutputBucket,
		"runner", cfg.ExperimentRunner,
	)

	if err := pipeline.New(provider, runner, pipelineCfg).Run(ctx); err != nil {
		logger.Error("worker exited with error", "error", err)
		os.Exit(1)
	}

	log.Println("Worker process stopped.")
}
