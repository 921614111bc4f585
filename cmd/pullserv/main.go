package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pullstream/pullstream/internal/config"
	"github.com/pullstream/pullstream/internal/journal"
	"github.com/pullstream/pullstream/internal/logging"
	"github.com/pullstream/pullstream/internal/orchestrator"
	"github.com/pullstream/pullstream/internal/registry"
	"github.com/pullstream/pullstream/internal/server"
	"github.com/pullstream/pullstream/internal/termio"
)

const serverVersion = "v0.1.0"

func main() {
	if hasHelpFlag(os.Args[1:]) {
		printServerUsage()
		return
	}
	if hasVersionFlag(os.Args[1:]) {
		fmt.Fprintln(termio.Stdout(), serverVersion)
		return
	}

	cfg, err := config.ParseServerConfig()
	if err != nil {
		fmt.Fprintf(termio.Stderr(), "pullserv: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New("pullserv", cfg.LogLevel)

	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		logger.Error("creating download directory", "error", err, "dir", cfg.DownloadDir)
		os.Exit(1)
	}

	var j *journal.Journal
	if cfg.JournalPath != "" {
		j, err = journal.Open(cfg.JournalPath, logger)
		if err != nil {
			logger.Error("opening journal", "error", err, "path", cfg.JournalPath)
			os.Exit(1)
		}
		defer j.Close()
	}

	reg := registry.New(logger)
	orch := orchestrator.New(orchestrator.Config{
		DownloadDir:        cfg.DownloadDir,
		InactivityTimeout:  cfg.InactivityTimeout,
		SerializeTransfers: cfg.SerializeTransfers,
	}, reg, journalRecorder(j), logger)
	defer orch.Close()

	srv := server.New(cfg, reg, orch, j, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpSrv := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 2)
	go func() {
		fmt.Fprintf(termio.Stdout(), "pullserv listening addr=%s download_dir=%s\n", cfg.Addr, cfg.DownloadDir)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if cfg.QUICAddr != "" {
		go func() {
			if err := srv.ServeQUIC(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		fmt.Fprintln(termio.Stdout(), "shutting down")
	case err := <-errCh:
		logger.Error("server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
}

// journalRecorder adapts a possibly-nil journal to the orchestrator's
// Recorder interface without passing a non-nil interface holding a nil
// pointer.
func journalRecorder(j *journal.Journal) orchestrator.Recorder {
	if j == nil {
		return nil
	}
	return j
}

func printServerUsage() {
	fmt.Fprintln(termio.Stderr(), "usage: pullserv [--addr HOST:PORT] [--download-dir DIR]")
	fmt.Fprintln(termio.Stderr(), "  --addr HOST:PORT             HTTP listen address (default :8080)")
	fmt.Fprintln(termio.Stderr(), "  --quic-addr HOST:PORT        QUIC listen address (empty disables QUIC)")
	fmt.Fprintln(termio.Stderr(), "  --tls-cert FILE              TLS certificate for the QUIC listener")
	fmt.Fprintln(termio.Stderr(), "  --tls-key FILE               TLS key for the QUIC listener")
	fmt.Fprintln(termio.Stderr(), "  --download-dir DIR           directory for received files (default ./downloads)")
	fmt.Fprintln(termio.Stderr(), "  --journal-path FILE          SQLite journal path (empty disables the journal)")
	fmt.Fprintln(termio.Stderr(), "  --chunk-size N               expected chunk size in bytes (default 1048576)")
	fmt.Fprintln(termio.Stderr(), "  --inactivity-timeout DUR     fail a transfer after this long without a chunk (default 30s)")
	fmt.Fprintln(termio.Stderr(), "  --serialize-transfers        allow at most one active transfer per agent")
	fmt.Fprintln(termio.Stderr(), "  --log-level LEVEL            debug, info, warn or error (default info)")
	fmt.Fprintln(termio.Stderr(), "  --config FILE                TOML config file")
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
