package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pullstream/pullstream/internal/agent"
	"github.com/pullstream/pullstream/internal/config"
	"github.com/pullstream/pullstream/internal/logging"
	"github.com/pullstream/pullstream/internal/termio"
)

const agentVersion = "v0.1.0"

func main() {
	if hasHelpFlag(os.Args[1:]) {
		printAgentUsage()
		return
	}
	if hasVersionFlag(os.Args[1:]) {
		fmt.Fprintln(termio.Stdout(), agentVersion)
		return
	}

	cfg, err := config.ParseAgentConfig()
	if err != nil {
		fmt.Fprintf(termio.Stderr(), "pullagent: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New("pullagent", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(termio.Stdout(), "pullagent connecting server=%s client_id=%s transport=%s\n",
		cfg.ServerURL, cfg.ClientID, cfg.Transport)

	a := agent.New(cfg, logger)
	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("agent stopped", "error", err)
		os.Exit(1)
	}
}

func printAgentUsage() {
	fmt.Fprintln(termio.Stderr(), "usage: pullagent --client-id ID [--server URL]")
	fmt.Fprintln(termio.Stderr(), "  --client-id ID               unique client identifier, e.g. restaurant-001 (required)")
	fmt.Fprintln(termio.Stderr(), "  --server URL                 server URL (default http://localhost:8080)")
	fmt.Fprintln(termio.Stderr(), "  --transport NAME             ws or quic (default ws)")
	fmt.Fprintln(termio.Stderr(), "  --chunk-size N               chunk size in bytes (default 1048576)")
	fmt.Fprintln(termio.Stderr(), "  --reconnect-delay DUR        delay between reconnect attempts (default 5s)")
	fmt.Fprintln(termio.Stderr(), "  --insecure                   skip TLS verification on the QUIC transport")
	fmt.Fprintln(termio.Stderr(), "  --log-level LEVEL            debug, info, warn or error (default info)")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
