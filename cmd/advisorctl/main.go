// Command advisorctl analyzes and validates snapshot files offline, archives
// reports to S3 and submits cases to the Kafka case topic.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"killchain-advisor/internal/config"
	"killchain-advisor/internal/logging"
)

var version = "dev"

// errUsage is returned for malformed invocations; main exits 2 for it.
var errUsage = errors.New("usage")

// errInvalid reports a snapshot that failed validation; main exits 1.
var errInvalid = errors.New("snapshot has invalid records")

const usage = `advisorctl - killchain-advisor command line

Usage:
  advisorctl analyze  [-campaign id] [-format text|json] [-example-cap n] <snapshot>
  advisorctl validate <snapshot>
  advisorctl archive  [-bucket b] [-region r] [-prefix p] [-endpoint url] [-campaign id] <snapshot>
  advisorctl submit   [-brokers a,b] [-topic t] <snapshot>
  advisorctl version

Snapshots are JSON, or YAML when the file ends in .yaml or .yml.
Defaults for archive and submit come from the advisor config file.
`

type command func(args []string, stdout io.Writer, cfg *config.Config, logger *slog.Logger) error

var commands = map[string]command{
	"analyze":  runAnalyze,
	"validate": runValidate,
	"archive":  runArchive,
	"submit":   runSubmit,
}

func main() {
	os.Exit(realMain(os.Args[1:], os.Stdout, os.Stderr))
}

func realMain(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}
	switch args[0] {
	case "version", "-version", "--version":
		fmt.Fprintf(stdout, "advisorctl %s\n", version)
		return 0
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return 0
	}

	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "advisorctl: %v\n", err)
		return 1
	}
	// Logs go to stderr so command output stays machine readable.
	logger, err := logging.New(stderr, cfg.Logging.Level, "text")
	if err != nil {
		fmt.Fprintf(stderr, "advisorctl: %v\n", err)
		return 1
	}

	if err := cmd(args[1:], stdout, cfg, logger); err != nil {
		switch {
		case errors.Is(err, errUsage):
			fmt.Fprintf(stderr, "advisorctl %s: %v\n\n%s", args[0], err, usage)
			return 2
		case errors.Is(err, errInvalid):
			fmt.Fprintf(stderr, "advisorctl %s: %v\n", args[0], err)
			return 1
		default:
			fmt.Fprintf(stderr, "advisorctl %s: %v\n", args[0], err)
			return 1
		}
	}
	return 0
}
