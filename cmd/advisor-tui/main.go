// Package main provides the terminal dashboard for killchain-advisor.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"killchain-advisor/internal/tui"
	"killchain-advisor/internal/tui/scenes"
)

var (
	version = "dev"
)

func main() {
	var (
		showVersion bool
		serverURL   string
		apiKey      string
		refresh     time.Duration
	)

	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.BoolVar(&showVersion, "v", false, "Show version and exit (shorthand)")
	flag.StringVar(&serverURL, "server", "http://localhost:8080", "advisor-server URL")
	flag.StringVar(&serverURL, "s", "http://localhost:8080", "advisor-server URL (shorthand)")
	flag.StringVar(&apiKey, "api-key", os.Getenv("ADVISOR_API_KEY"), "API key sent in the X-API-Key header")
	flag.DurationVar(&refresh, "refresh", scenes.DefaultRefresh, "Refresh interval")
	flag.Parse()

	if showVersion {
		fmt.Printf("advisor-tui %s\n", version)
		os.Exit(0)
	}
	if refresh < time.Second {
		fmt.Fprintln(os.Stderr, "Error: -refresh must be at least 1s")
		os.Exit(2)
	}

	fmt.Println("Starting killchain-advisor TUI...")
	fmt.Printf("Connecting to: %s\n", serverURL)

	if err := tui.Run(tui.Options{BaseURL: serverURL, APIKey: apiKey, Refresh: refresh}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
