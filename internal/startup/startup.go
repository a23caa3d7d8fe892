// Package startup runs the diagnostics the advisor logs before serving.
package startup

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"killchain-advisor/internal/config"
)

// DialTimeout bounds each reachability probe.
const DialTimeout = 3 * time.Second

// DiagnosticResult represents the result of a diagnostic check
type DiagnosticResult struct {
	Name    string
	Status  Status
	Message string
	Details map[string]string
}

// Status represents the status of a diagnostic check
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return "WARNING"
	case StatusError:
		return "ERROR"
	case StatusSkipped:
		return "SKIPPED"
	default:
		return "UNKNOWN"
	}
}

// Diagnostics runs all startup diagnostics
type Diagnostics struct {
	cfg        *config.Config
	configPath string
	results    []DiagnosticResult
	logger     *slog.Logger
	dial       func(ctx context.Context, network, addr string) (net.Conn, error)
	checkPorts bool
}

// NewDiagnostics creates a diagnostics runner for cfg loaded from configPath.
func NewDiagnostics(cfg *config.Config, configPath string, logger *slog.Logger) *Diagnostics {
	d := &net.Dialer{Timeout: DialTimeout}
	return &Diagnostics{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		dial:       d.DialContext,
		checkPorts: true,
	}
}

// SkipPortCheck disables the listen probe, for callers that do not serve HTTP.
func (d *Diagnostics) SkipPortCheck() *Diagnostics {
	d.checkPorts = false
	return d
}

// RunAll runs all diagnostic checks
func (d *Diagnostics) RunAll(ctx context.Context) []DiagnosticResult {
	d.logger.Info("running startup diagnostics")

	d.checkSystem()
	d.checkConfiguration()
	if d.checkPorts {
		d.checkPort()
	}
	d.checkSecurityConfiguration()
	d.checkStores(ctx)
	d.checkIntegrations(ctx)

	d.printSummary()
	return d.results
}

func (d *Diagnostics) addResult(result DiagnosticResult) {
	d.results = append(d.results, result)

	attrs := []any{
		"check", result.Name,
		"status", result.Status.String(),
	}
	if result.Message != "" {
		attrs = append(attrs, "message", result.Message)
	}
	for k, v := range result.Details {
		attrs = append(attrs, k, v)
	}

	switch result.Status {
	case StatusOK:
		d.logger.Info("diagnostic check passed", attrs...)
	case StatusWarning:
		d.logger.Warn("diagnostic check warning", attrs...)
	case StatusError:
		d.logger.Error("diagnostic check failed", attrs...)
	case StatusSkipped:
		d.logger.Debug("diagnostic check skipped", attrs...)
	}
}

func (d *Diagnostics) checkSystem() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	d.addResult(DiagnosticResult{
		Name:    "runtime",
		Status:  StatusOK,
		Message: "Go runtime detected",
		Details: map[string]string{
			"go_version": runtime.Version(),
			"os":         runtime.GOOS,
			"arch":       runtime.GOARCH,
			"cpus":       fmt.Sprintf("%d", runtime.NumCPU()),
			"alloc_mb":   fmt.Sprintf("%.2f", float64(m.Alloc)/1024/1024),
		},
	})
}

func (d *Diagnostics) checkConfiguration() {
	if d.configPath == "" || !fileExists(d.configPath) {
		d.addResult(DiagnosticResult{
			Name:    "config_file",
			Status:  StatusWarning,
			Message: "Config file not found, using defaults",
			Details: map[string]string{"path": d.configPath},
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "config_file",
			Status:  StatusOK,
			Message: "Config file found",
			Details: map[string]string{"path": d.configPath},
		})
	}

	if err := d.cfg.Validate(); err != nil {
		d.addResult(DiagnosticResult{
			Name:    "config_validation",
			Status:  StatusError,
			Message: fmt.Sprintf("Configuration validation failed: %s", err),
		})
		return
	}
	d.addResult(DiagnosticResult{
		Name:    "config_validation",
		Status:  StatusOK,
		Message: "Configuration is valid",
	})
}

func (d *Diagnostics) checkPort() {
	port := d.cfg.Server.HTTPPort
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		d.addResult(DiagnosticResult{
			Name:    "port_http",
			Status:  StatusError,
			Message: fmt.Sprintf("Port %d is not available: %s", port, err),
			Details: map[string]string{"port": fmt.Sprintf("%d", port)},
		})
		return
	}
	listener.Close()
	d.addResult(DiagnosticResult{
		Name:    "port_http",
		Status:  StatusOK,
		Message: fmt.Sprintf("Port %d is available", port),
		Details: map[string]string{"port": fmt.Sprintf("%d", port)},
	})
}

func (d *Diagnostics) checkSecurityConfiguration() {
	toggle := func(name string, enabled bool, off, on string) {
		if enabled {
			d.addResult(DiagnosticResult{Name: name, Status: StatusOK, Message: on})
			return
		}
		d.addResult(DiagnosticResult{Name: name, Status: StatusWarning, Message: off})
	}

	toggle("auth", d.cfg.Auth.Enabled,
		"API key authentication is DISABLED - case submission is open",
		"API key authentication is enabled")
	toggle("rate_limiting", d.cfg.RateLimit.Enabled,
		"Rate limiting is DISABLED",
		"Rate limiting is enabled")
	toggle("security_headers", d.cfg.SecurityHeaders.Enabled,
		"Security headers are DISABLED",
		"Security headers are enabled")
	toggle("production_errors", d.cfg.Server.Production,
		"Production mode is off - API errors may include internal detail",
		"API errors are sanitized")
}

func (d *Diagnostics) checkStores(ctx context.Context) {
	st := d.cfg.Store
	if st.CaseBackend == config.BackendMemory || st.EntityBackend == config.BackendMemory {
		d.addResult(DiagnosticResult{
			Name:    "store_persistence",
			Status:  StatusWarning,
			Message: "An in-memory store is configured - records are lost on restart",
			Details: map[string]string{"cases": st.CaseBackend, "entities": st.EntityBackend},
		})
	}

	if st.CaseBackend == config.BackendFile || st.EntityBackend == config.BackendFile {
		dir := filepath.Dir(st.SnapshotPath)
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			d.addResult(DiagnosticResult{
				Name:    "snapshot_dir",
				Status:  StatusError,
				Message: "Snapshot directory does not exist",
				Details: map[string]string{"path": dir},
			})
		} else {
			d.addResult(DiagnosticResult{
				Name:    "snapshot_dir",
				Status:  StatusOK,
				Message: "Snapshot directory exists",
				Details: map[string]string{"path": dir},
			})
		}
	}

	if st.CaseBackend == config.BackendClickHouse {
		host := "localhost:9000"
		if len(d.cfg.ClickHouse.Hosts) > 0 {
			host = d.cfg.ClickHouse.Hosts[0]
		}
		d.probe(ctx, "clickhouse_connectivity", "ClickHouse", host)
	}
	if st.EntityBackend == config.BackendRedis {
		d.probe(ctx, "redis_connectivity", "Redis", d.cfg.Redis.Addr)
	}
}

func (d *Diagnostics) checkIntegrations(ctx context.Context) {
	if d.cfg.Kafka.Enabled && len(d.cfg.Kafka.Brokers) > 0 {
		d.probe(ctx, "kafka_connectivity", "Kafka", d.cfg.Kafka.Brokers[0])
	} else {
		d.addResult(DiagnosticResult{Name: "kafka_connectivity", Status: StatusSkipped, Message: "Kafka disabled"})
	}

	if d.cfg.NATS.Enabled {
		addr := d.cfg.NATS.URL
		if u, err := url.Parse(addr); err == nil && u.Host != "" {
			addr = u.Host
		}
		d.probe(ctx, "nats_connectivity", "NATS", addr)
	} else {
		d.addResult(DiagnosticResult{Name: "nats_connectivity", Status: StatusSkipped, Message: "NATS digests disabled"})
	}
}

// probe dials addr once. Reachability failures are errors because the
// configured backend will not work without it.
func (d *Diagnostics) probe(ctx context.Context, name, label, addr string) {
	probeCtx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()

	conn, err := d.dial(probeCtx, "tcp", addr)
	if err != nil {
		d.addResult(DiagnosticResult{
			Name:    name,
			Status:  StatusError,
			Message: fmt.Sprintf("Cannot connect to %s: %s", label, err),
			Details: map[string]string{"host": addr},
		})
		return
	}
	conn.Close()
	d.addResult(DiagnosticResult{
		Name:    name,
		Status:  StatusOK,
		Message: label + " is reachable",
		Details: map[string]string{"host": addr},
	})
}

func (d *Diagnostics) printSummary() {
	var ok, warnings, errors, skipped int
	for _, r := range d.results {
		switch r.Status {
		case StatusOK:
			ok++
		case StatusWarning:
			warnings++
		case StatusError:
			errors++
		case StatusSkipped:
			skipped++
		}
	}

	d.logger.Info("diagnostics summary",
		"passed", ok,
		"warnings", warnings,
		"errors", errors,
		"skipped", skipped,
	)

	if errors > 0 {
		d.logger.Error("startup diagnostics found errors - the advisor may run degraded")
	} else if warnings > 0 {
		d.logger.Warn("startup diagnostics found warnings - review before production use")
	}
}

// HasErrors returns true if any diagnostic check failed
func (d *Diagnostics) HasErrors() bool {
	for _, r := range d.results {
		if r.Status == StatusError {
			return true
		}
	}
	return false
}

// HasWarnings returns true if any diagnostic check has warnings
func (d *Diagnostics) HasWarnings() bool {
	for _, r := range d.results {
		if r.Status == StatusWarning {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// PrintBanner prints the startup banner.
func PrintBanner(version string) {
	fmt.Println()
	fmt.Println("  killchain-advisor  correlated campaigns, kill chain stage, advisory recommendations")
	fmt.Printf("  Version: %s\n\n", version)
}
