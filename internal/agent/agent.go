// Package agent implements the on-premise side: it keeps one outbound
// connection to the server alive, answers download requests by streaming the
// requested file in order, and reconnects after any failure.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pullstream/pullstream/internal/bufpool"
	"github.com/pullstream/pullstream/internal/config"
	"github.com/pullstream/pullstream/internal/progress"
	"github.com/pullstream/pullstream/internal/quictransport"
	"github.com/pullstream/pullstream/internal/wsclient"
	"github.com/pullstream/pullstream/pkg/protocol"
)

// ServerConn is one live connection to the server, regardless of transport.
type ServerConn interface {
	Send(env protocol.Envelope) error
	ReadLoop(ctx context.Context, onEnv func(env protocol.Envelope)) error
	Close() error
}

// Dialer establishes a new ServerConn.
type Dialer func(ctx context.Context) (ServerConn, error)

// Agent runs the connect/serve/reconnect loop for one client id.
type Agent struct {
	cfg    config.AgentConfig
	logger *slog.Logger
	dial   Dialer
	pool   *bufpool.Pool
}

// New creates an agent using the transport named in the configuration.
func New(cfg config.AgentConfig, logger *slog.Logger) *Agent {
	var dial Dialer
	switch cfg.Transport {
	case "quic":
		dial = func(ctx context.Context) (ServerConn, error) {
			return quictransport.DialAgent(ctx, cfg.ServerURL, cfg.ClientID, cfg.Insecure, logger)
		}
	default:
		dial = func(ctx context.Context) (ServerConn, error) {
			return wsclient.Dial(ctx, cfg.ServerURL, cfg.ClientID, logger)
		}
	}
	return NewWithDialer(cfg, logger, dial)
}

// NewWithDialer creates an agent with an explicit dialer. Used by tests to
// substitute an in-memory connection.
func NewWithDialer(cfg config.AgentConfig, logger *slog.Logger, dial Dialer) *Agent {
	return &Agent{
		cfg:    cfg,
		logger: logger,
		dial:   dial,
		pool:   bufpool.New(cfg.ChunkSize),
	}
}

// Run connects and serves until ctx is cancelled, redialing after
// ReconnectDelay whenever the connection drops.
func (a *Agent) Run(ctx context.Context) error {
	for {
		conn, err := a.dial(ctx)
		if err != nil {
			a.logger.Warn("connect failed", "error", err, "server", a.cfg.ServerURL)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.cfg.ReconnectDelay):
				continue
			}
		}

		err = a.serve(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.logger.Warn("connection lost, reconnecting", "error", err, "delay", a.cfg.ReconnectDelay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.cfg.ReconnectDelay):
		}
	}
}

// serve runs one connection's read loop and waits for in-flight uploads to
// wind down before closing the connection.
func (a *Agent) serve(ctx context.Context, conn ServerConn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	err := conn.ReadLoop(connCtx, func(env protocol.Envelope) {
		a.handle(connCtx, conn, env, &wg)
	})

	cancel()
	wg.Wait()
	conn.Close()
	return err
}

func (a *Agent) handle(ctx context.Context, conn ServerConn, env protocol.Envelope, wg *sync.WaitGroup) {
	if err := env.ValidateBasic(); err != nil {
		a.logger.Warn("invalid envelope from server", "error", err)
		return
	}

	switch env.Type {
	case protocol.TypeRegistered:
		var reg protocol.Registered
		if err := env.DecodePayload(&reg); err == nil {
			a.logger.Info("registered with server", "message", reg.Message)
		}

	case protocol.TypeDownloadRequest:
		var req protocol.DownloadRequest
		if err := env.DecodePayload(&req); err != nil {
			a.logger.Warn("malformed download request", "error", err)
			return
		}
		// Uploads run concurrently so one large file does not block
		// requests for others.
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.sendFile(ctx, conn, req.DownloadID, req.FilePath)
		}()

	case protocol.TypeError:
		var srvErr protocol.Error
		if err := env.DecodePayload(&srvErr); err == nil {
			a.logger.Warn("server error", "code", srvErr.Code, "message", srvErr.Message)
		}

	default:
		a.logger.Warn("unexpected message type from server", "type", env.Type)
	}
}

// sendFile streams one file to the server as ordered chunks. Any failure is
// reported back with a transfer_error so the server can fail the transfer
// immediately instead of waiting for its inactivity timeout.
func (a *Agent) sendFile(ctx context.Context, conn ServerConn, downloadID, path string) {
	resolved := ExpandPath(path)

	f, err := os.Open(resolved)
	if err != nil {
		a.abort(conn, downloadID, fmt.Sprintf("opening %s: %v", resolved, err))
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		a.abort(conn, downloadID, fmt.Sprintf("stat %s: %v", resolved, err))
		return
	}
	if info.IsDir() {
		a.abort(conn, downloadID, fmt.Sprintf("%s is a directory", resolved))
		return
	}
	totalSize := info.Size()

	a.logger.Info("upload starting",
		"download_id", downloadID,
		"path", resolved,
		"size", progress.FormatBytes(totalSize),
	)

	meter := progress.NewMeter()
	meter.Start(totalSize)
	lastLog := time.Now()

	sendChunk := func(seq uint64, data []byte, last bool) error {
		chunk := protocol.FileChunk{
			DownloadID: downloadID,
			Seq:        seq,
			Data:       data,
			Last:       last,
		}
		if last {
			chunk.TotalSize = totalSize
		}
		env, err := protocol.NewEnvelope(protocol.TypeFileChunk, protocol.NewMsgID(), chunk)
		if err != nil {
			return err
		}
		return conn.Send(env)
	}

	var seq uint64
	var pending []byte // read but not yet sent; becomes the last chunk at EOF
	var pendingBuf []byte

	release := func(buf []byte) {
		if buf != nil {
			a.pool.Put(buf)
		}
	}
	defer func() { release(pendingBuf) }()

	for {
		if ctx.Err() != nil {
			return
		}

		buf := a.pool.Get()
		n, readErr := f.Read(buf)

		if n > 0 {
			if pending != nil {
				seq++
				if err := sendChunk(seq, pending, false); err != nil {
					release(buf)
					a.logger.Warn("upload interrupted", "download_id", downloadID, "error", err)
					return
				}
				meter.Add(len(pending))
				release(pendingBuf)
			}
			pending, pendingBuf = buf[:n], buf
		} else {
			release(buf)
		}

		if readErr == io.EOF {
			seq++
			if err := sendChunk(seq, pending, true); err != nil {
				a.logger.Warn("upload interrupted", "download_id", downloadID, "error", err)
				return
			}
			meter.Add(len(pending))
			stats := meter.Snapshot()
			a.logger.Info("upload complete",
				"download_id", downloadID,
				"path", resolved,
				"chunks", seq,
				"bytes", stats.BytesDone,
				"rate", progress.FormatBytes(int64(stats.RateBps))+"/s",
			)
			return
		}
		if readErr != nil {
			a.abort(conn, downloadID, fmt.Sprintf("reading %s: %v", resolved, readErr))
			return
		}

		if time.Since(lastLog) >= 2*time.Second {
			lastLog = time.Now()
			stats := meter.Snapshot()
			a.logger.Info("upload progress",
				"download_id", downloadID,
				"percent", fmt.Sprintf("%.1f", stats.Percent),
				"rate", progress.FormatBytes(int64(stats.RateBps))+"/s",
			)
		}
	}
}

func (a *Agent) abort(conn ServerConn, downloadID, message string) {
	a.logger.Error("upload failed", "download_id", downloadID, "message", message)
	env, err := protocol.NewEnvelope(protocol.TypeTransferError, protocol.NewMsgID(), protocol.TransferError{
		DownloadID: downloadID,
		Message:    message,
	})
	if err != nil {
		return
	}
	if err := conn.Send(env); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Warn("sending transfer error", "download_id", downloadID, "error", err)
	}
}

// ExpandPath resolves environment variables and a leading ~ in a requested
// path, so operators can ask for $POS_DATA_DIR/export.csv or ~/logs/app.log.
func ExpandPath(path string) string {
	expanded := os.ExpandEnv(path)
	if expanded == "~" || strings.HasPrefix(expanded, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			expanded = filepath.Join(home, strings.TrimPrefix(expanded, "~"))
		}
	}
	return expanded
}
