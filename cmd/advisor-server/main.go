// Command advisor-server serves the correlation index, kill chain summary and
// recommendations over HTTP, and accepts case submissions.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"killchain-advisor/internal/analysis"
	"killchain-advisor/internal/api"
	"killchain-advisor/internal/config"
	apierrors "killchain-advisor/internal/errors"
	"killchain-advisor/internal/ingest"
	"killchain-advisor/internal/logging"
	"killchain-advisor/internal/middleware"
	"killchain-advisor/internal/notify"
	"killchain-advisor/internal/queue"
	"killchain-advisor/internal/schema"
	"killchain-advisor/internal/startup"
	"killchain-advisor/internal/storage"
	"killchain-advisor/internal/storage/s3"
)

var version = "dev"

func main() {
	var (
		configPath  string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", config.Path(), "Path to the YAML config file")
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("advisor-server %s\n", version)
		return
	}

	if err := run(configPath); err != nil {
		slog.Error("advisor-server failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.Setup(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}

	startup.PrintBanner(version)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	diag := startup.NewDiagnostics(cfg, configPath, logger)
	diag.RunAll(ctx)

	stores, err := storage.Open(ctx, cfg.StoreOptions(), logger)
	if err != nil {
		return fmt.Errorf("open stores: %w", err)
	}
	defer stores.Close()

	pipeline := analysis.NewPipeline(stores.Cases, stores.Entities, analysis.Config{
		Correlation: cfg.Analysis.CorrelationOptions(),
		Metrics:     analysis.NewMetrics(nil),
	})

	apiServer, err := api.NewServer(pipeline, api.Options{
		CacheSize: cfg.Analysis.CacheSize,
		Sanitizer: apierrors.NewSanitizer(cfg.Server.Production),
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("create api server: %w", err)
	}

	recorder := ingest.NewRecorder(stores.Cases, stores.Entities, schema.NewValidator(), logger).
		WithIPCap(cfg.Analysis.IPCap)
	caseQueue := queue.NewRingBuffer[*schema.Case](cfg.Ingest.QueueSize)
	workers := ingest.NewWorkers(caseQueue, recorder, ingest.WorkerConfig{
		Workers:      cfg.Ingest.Workers,
		PollInterval: cfg.Ingest.PollInterval,
		ShutdownWait: cfg.Ingest.ShutdownWait,
	})
	workers.Start(ctx)

	handler := ingest.NewHandler(recorder, caseQueue).
		WithMaxPayload(cfg.Ingest.MaxPayloadSize).
		WithMaxBatch(cfg.Ingest.MaxBatchSize)

	mux := http.NewServeMux()
	apiServer.RegisterRoutes(mux)
	handler.Routes(mux)
	wrapped, limiter := middleware.Standard(mux, cfg, logger)

	sinks, closeSinks, err := reportSinks(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSinks()
	if len(sinks) > 0 && cfg.Analysis.Interval > 0 {
		logger.Info("scheduled analysis enabled", "interval", cfg.Analysis.Interval, "sinks", len(sinks))
		go pipeline.Watch(ctx, cfg.Analysis.Interval, sinks...)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      wrapped,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting advisor server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	// Drain queued submissions before the stores close.
	workers.Stop()
	cancel()
	if limiter != nil {
		limiter.Stop()
	}

	qm := caseQueue.Metrics()
	wm := workers.Metrics()
	logger.Info("shutdown complete",
		"cases_pushed", qm.Pushed,
		"cases_dropped", qm.Dropped,
		"cases_recorded", wm.Recorded,
		"cases_failed", wm.Failed,
	)
	return nil
}

// reportSinks builds the destinations for scheduled reports: a NATS digest
// and an S3 archive, each only when configured.
func reportSinks(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]analysis.Sink, func(), error) {
	var sinks []analysis.Sink
	closers := []func(){}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	if cfg.NATS.Enabled {
		pub, err := notify.Connect(cfg.NATS, logger)
		if err != nil {
			return nil, closeAll, fmt.Errorf("connect nats: %w", err)
		}
		closers = append(closers, pub.Close)
		sinks = append(sinks, analysis.SinkFunc(func(ctx context.Context, r *analysis.Report) error {
			_, err := pub.Publish(ctx, r)
			return err
		}))
	}

	if cfg.S3.Bucket != "" {
		client, err := s3.NewClient(ctx, &cfg.S3, logger)
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("create s3 client: %w", err)
		}
		archiver := s3.NewArchiver(client, nil, logger)
		sinks = append(sinks, analysis.OnChange(analysis.SinkFunc(func(ctx context.Context, r *analysis.Report) error {
			_, err := archiver.Archive(ctx, analysis.ArchiveObject(r))
			return err
		})))
	}

	return sinks, closeAll, nil
}
