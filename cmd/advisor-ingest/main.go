// Command advisor-ingest consumes case records from Kafka, writes them to the
// case store and records the entity observations they imply.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"killchain-advisor/internal/config"
	"killchain-advisor/internal/ingest"
	"killchain-advisor/internal/kafka"
	"killchain-advisor/internal/logging"
	"killchain-advisor/internal/schema"
	"killchain-advisor/internal/startup"
	"killchain-advisor/internal/storage"
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
		fmt.Printf("advisor-ingest %s\n", version)
		return
	}

	if err := run(configPath); err != nil {
		slog.Error("advisor-ingest failed", "error", err)
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
	if !cfg.Kafka.Enabled {
		return errors.New("kafka is disabled; set kafka.enabled or ADVISOR_KAFKA_BROKERS")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startup.NewDiagnostics(cfg, configPath, logger).SkipPortCheck().RunAll(ctx)

	stores, err := storage.Open(ctx, cfg.StoreOptions(), logger)
	if err != nil {
		return fmt.Errorf("open stores: %w", err)
	}
	defer stores.Close()

	recorder := ingest.NewRecorder(stores.Cases, stores.Entities, schema.NewValidator(), logger).
		WithIPCap(cfg.Analysis.IPCap)

	consumer, err := kafka.NewConsumer(&cfg.Kafka.Config, ingest.MessageHandler(recorder, logger), logger)
	if err != nil {
		return fmt.Errorf("create kafka consumer: %w", err)
	}
	defer consumer.Close()

	logger.Info("consuming cases",
		"brokers", cfg.Kafka.Brokers,
		"topic", cfg.Kafka.Topic,
		"group", cfg.Kafka.Consumer.Group,
	)
	err = consumer.Run(ctx)

	m := consumer.Stats()
	logger.Info("consumer stopped",
		"messages", m.Consumed,
		"bytes", m.Bytes,
		"rejected", m.Rejected,
		"errors", m.Errors,
		"retries", m.Retries,
	)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
