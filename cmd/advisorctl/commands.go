package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"killchain-advisor/internal/analysis"
	"killchain-advisor/internal/config"
	"killchain-advisor/internal/correlation"
	"killchain-advisor/internal/detection/lateral"
	"killchain-advisor/internal/kafka"
	"killchain-advisor/internal/schema"
	"killchain-advisor/internal/storage"
	"killchain-advisor/internal/storage/s3"
)

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parse(fs *flag.FlagSet, args []string) (string, error) {
	if err := fs.Parse(args); err != nil {
		return "", fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() != 1 {
		return "", fmt.Errorf("%w: expected one snapshot file", errUsage)
	}
	return fs.Arg(0), nil
}

// loadValid reads a snapshot and drops invalid records, logging each one.
func loadValid(path string, logger *slog.Logger) (*storage.Snapshot, []error, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, nil, err
	}
	snap, err := storage.LoadSnapshot(path)
	if err != nil {
		return nil, nil, err
	}
	errs := storage.ValidateSnapshot(schema.NewValidator(), snap)
	for _, e := range errs {
		logger.Warn("skipping invalid record", "error", e)
	}
	return snap, errs, nil
}

// loadOrEmpty reads a snapshot for analysis. A missing or unreadable file
// degrades to an empty snapshot and a warning for the report.
func loadOrEmpty(path string, logger *slog.Logger) (*storage.Snapshot, []string) {
	snap, _, err := loadValid(path, logger)
	if err != nil {
		logger.Warn("snapshot unreadable, analyzing an empty snapshot", "path", path, "error", err)
		return &storage.Snapshot{}, []string{fmt.Sprintf("snapshot unavailable: %v", err)}
	}
	return snap, nil
}

// analyzeSnapshot runs the pipeline over snap. Warnings mark the report
// degraded.
func analyzeSnapshot(snap *storage.Snapshot, warnings []string, campaign string, opts correlation.Options) (*analysis.Report, error) {
	store := storage.NewMemoryStoreFromSnapshot(snap)
	p := analysis.NewPipeline(store, store, analysis.Config{Correlation: opts})
	read := p.Read(context.Background())
	read.Warnings = append(read.Warnings, warnings...)
	return p.Analyze(read, campaign)
}

func runAnalyze(args []string, stdout io.Writer, cfg *config.Config, logger *slog.Logger) error {
	fs := newFlagSet("analyze")
	campaign := fs.String("campaign", "", "Scope the kill chain and recommendations to one campaign id")
	format := fs.String("format", "text", "Output format: text or json")
	exampleCap := fs.Int("example-cap", cfg.Analysis.ExampleCap, "Case ids kept per correlation edge (5-10)")
	path, err := parse(fs, args)
	if err != nil {
		return err
	}
	if *format != "text" && *format != "json" {
		return fmt.Errorf("%w: unknown format %q", errUsage, *format)
	}

	snap, warnings := loadOrEmpty(path, logger)
	opts := cfg.Analysis.CorrelationOptions()
	opts.ExampleCap = *exampleCap
	r, err := analyzeSnapshot(snap, warnings, *campaign, opts)
	if err != nil {
		return err
	}

	if *format == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	return renderReport(stdout, r)
}

func runValidate(args []string, stdout io.Writer, _ *config.Config, _ *slog.Logger) error {
	fs := newFlagSet("validate")
	path, err := parse(fs, args)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		return err
	}
	snap, err := storage.LoadSnapshot(path)
	if err != nil {
		return err
	}
	total := len(snap.Cases) + len(snap.Entities)
	badCases, badEntities, errs := storage.LintSnapshot(schema.NewValidator(), snap)

	for _, e := range errs {
		fmt.Fprintf(stdout, "invalid: %v\n", e)
	}
	fmt.Fprintf(stdout, "%d cases, %d entities valid; %d of %d records invalid\n",
		len(snap.Cases)-badCases, len(snap.Entities)-badEntities, len(errs), total)
	if len(errs) > 0 {
		return fmt.Errorf("%w: %d", errInvalid, len(errs))
	}
	return nil
}

func runArchive(args []string, stdout io.Writer, cfg *config.Config, logger *slog.Logger) error {
	s3cfg := cfg.S3
	fs := newFlagSet("archive")
	fs.StringVar(&s3cfg.Bucket, "bucket", s3cfg.Bucket, "S3 bucket")
	fs.StringVar(&s3cfg.Region, "region", s3cfg.Region, "AWS region")
	fs.StringVar(&s3cfg.Prefix, "prefix", s3cfg.Prefix, "Key prefix")
	fs.StringVar(&s3cfg.Endpoint, "endpoint", s3cfg.Endpoint, "S3-compatible endpoint")
	campaign := fs.String("campaign", "", "Scope the report to one campaign id")
	path, err := parse(fs, args)
	if err != nil {
		return err
	}
	if err := s3cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	snap, _, err := loadValid(path, logger)
	if err != nil {
		return err
	}
	r, err := analyzeSnapshot(snap, nil, *campaign, cfg.Analysis.CorrelationOptions())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	client, err := s3.NewClient(ctx, &s3cfg, logger)
	if err != nil {
		return err
	}
	receipt, err := s3.NewArchiver(client, nil, logger).Archive(ctx, analysis.ArchiveObject(r))
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "archived report %s (%s) to %s\n", r.ID, shortFingerprint(r.Fingerprint), receipt.Location)
	return nil
}

func runSubmit(args []string, stdout io.Writer, cfg *config.Config, logger *slog.Logger) error {
	kcfg := cfg.Kafka.Config
	brokers := strings.Join(kcfg.Brokers, ",")
	fs := newFlagSet("submit")
	fs.StringVar(&brokers, "brokers", brokers, "Comma separated Kafka brokers")
	fs.StringVar(&kcfg.Topic, "topic", kcfg.Topic, "Case topic")
	timeout := fs.Duration("timeout", 30*time.Second, "Overall submit timeout")
	path, err := parse(fs, args)
	if err != nil {
		return err
	}
	kcfg.Brokers = nil
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			kcfg.Brokers = append(kcfg.Brokers, b)
		}
	}
	if err := kcfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	snap, _, err := loadValid(path, logger)
	if err != nil {
		return err
	}

	producer, err := kafka.NewProducer(&kcfg, logger)
	if err != nil {
		return err
	}
	defer producer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	sent := 0
	for _, c := range lateral.Chronological(snap.Cases) {
		if err := producer.PublishCase(ctx, c); err != nil {
			return fmt.Errorf("submitted %d of %d cases: %w", sent, len(snap.Cases), err)
		}
		sent++
	}
	fmt.Fprintf(stdout, "submitted %d cases to %s\n", sent, kcfg.Topic)
	return nil
}
