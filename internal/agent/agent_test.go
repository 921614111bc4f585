package agent

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pullstream/pullstream/internal/config"
	"github.com/pullstream/pullstream/pkg/protocol"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, nil))
}

// fakeConn is an in-memory ServerConn: envelopes pushed into incoming appear
// in the agent's read loop, and everything the agent sends is captured.
type fakeConn struct {
	incoming chan protocol.Envelope

	mu   sync.Mutex
	sent []protocol.Envelope
}

func newFakeConn() *fakeConn {
	return &fakeConn{incoming: make(chan protocol.Envelope, 16)}
}

func (c *fakeConn) Send(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) ReadLoop(ctx context.Context, onEnv func(env protocol.Envelope)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-c.incoming:
			if !ok {
				return io.EOF
			}
			onEnv(env)
		}
	}
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) sentEnvelopes() []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Envelope, len(c.sent))
	copy(out, c.sent)
	return out
}

func testAgentConfig(chunkSize int) config.AgentConfig {
	return config.AgentConfig{
		ServerURL:      "http://test.invalid",
		ClientID:       "restaurant-001",
		Transport:      "ws",
		ChunkSize:      chunkSize,
		ReconnectDelay: 10 * time.Millisecond,
	}
}

// runAgent starts the agent against conn and returns a cancel func.
func runAgent(t *testing.T, a *Agent) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("agent did not stop after cancel")
		}
	})
	return cancel
}

func pushDownloadRequest(t *testing.T, conn *fakeConn, downloadID, path string) {
	t.Helper()
	env, err := protocol.NewEnvelope(protocol.TypeDownloadRequest, protocol.NewMsgID(), protocol.DownloadRequest{
		DownloadID: downloadID,
		FilePath:   path,
	})
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	conn.incoming <- env
}

// waitForLast polls until an envelope stream for downloadID ends with a last
// chunk or a transfer error, and returns everything sent for it.
func waitForLast(t *testing.T, conn *fakeConn, downloadID string) []protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		var matched []protocol.Envelope
		for _, env := range conn.sentEnvelopes() {
			switch env.Type {
			case protocol.TypeFileChunk:
				var chunk protocol.FileChunk
				if env.DecodePayload(&chunk) == nil && chunk.DownloadID == downloadID {
					matched = append(matched, env)
					if chunk.Last {
						return matched
					}
				}
			case protocol.TypeTransferError:
				var abort protocol.TransferError
				if env.DecodePayload(&abort) == nil && abort.DownloadID == downloadID {
					return append(matched, env)
				}
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("no terminal envelope for %s; sent so far: %d", downloadID, len(conn.sentEnvelopes()))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAgent_StreamsRequestedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "export.csv")
	content := bytes.Repeat([]byte("pos-row;"), 100) // 800 bytes
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	conn := newFakeConn()
	a := NewWithDialer(testAgentConfig(256), testLogger(), func(context.Context) (ServerConn, error) {
		return conn, nil
	})
	runAgent(t, a)

	pushDownloadRequest(t, conn, "d-1", path)
	envs := waitForLast(t, conn, "d-1")

	var got []byte
	for i, env := range envs {
		if env.Type != protocol.TypeFileChunk {
			t.Fatalf("envelope %d type = %q, want file_chunk", i, env.Type)
		}
		var chunk protocol.FileChunk
		if err := env.DecodePayload(&chunk); err != nil {
			t.Fatalf("decoding chunk %d: %v", i, err)
		}
		if chunk.Seq != uint64(i+1) {
			t.Errorf("chunk %d seq = %d, want %d", i, chunk.Seq, i+1)
		}
		if chunk.Last != (i == len(envs)-1) {
			t.Errorf("chunk %d last = %v", i, chunk.Last)
		}
		if chunk.Last && chunk.TotalSize != int64(len(content)) {
			t.Errorf("last chunk total_size = %d, want %d", chunk.TotalSize, len(content))
		}
		if !chunk.Last && len(chunk.Data) != 256 {
			t.Errorf("chunk %d size = %d, want the full 256-byte chunk", i, len(chunk.Data))
		}
		got = append(got, chunk.Data...)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("reassembled %d bytes, want %d matching the fixture", len(got), len(content))
	}
}

func TestAgent_EmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.log")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	conn := newFakeConn()
	a := NewWithDialer(testAgentConfig(256), testLogger(), func(context.Context) (ServerConn, error) {
		return conn, nil
	})
	runAgent(t, a)

	pushDownloadRequest(t, conn, "d-empty", path)
	envs := waitForLast(t, conn, "d-empty")

	if len(envs) != 1 {
		t.Fatalf("got %d envelopes for an empty file, want 1", len(envs))
	}
	var chunk protocol.FileChunk
	if err := envs[0].DecodePayload(&chunk); err != nil {
		t.Fatalf("decoding chunk: %v", err)
	}
	if !chunk.Last || chunk.Seq != 1 || len(chunk.Data) != 0 || chunk.TotalSize != 0 {
		t.Errorf("empty-file chunk = %+v, want seq 1, last, no data", chunk)
	}
}

func TestAgent_ReportsMissingFile(t *testing.T) {
	conn := newFakeConn()
	a := NewWithDialer(testAgentConfig(256), testLogger(), func(context.Context) (ServerConn, error) {
		return conn, nil
	})
	runAgent(t, a)

	pushDownloadRequest(t, conn, "d-missing", "/no/such/file/anywhere")
	envs := waitForLast(t, conn, "d-missing")

	last := envs[len(envs)-1]
	if last.Type != protocol.TypeTransferError {
		t.Fatalf("terminal envelope type = %q, want transfer_error", last.Type)
	}
	var abort protocol.TransferError
	if err := last.DecodePayload(&abort); err != nil {
		t.Fatalf("decoding transfer error: %v", err)
	}
	if !strings.Contains(abort.Message, "/no/such/file/anywhere") {
		t.Errorf("message = %q, want the failing path", abort.Message)
	}
}

func TestAgent_ReportsDirectory(t *testing.T) {
	dir := t.TempDir()

	conn := newFakeConn()
	a := NewWithDialer(testAgentConfig(256), testLogger(), func(context.Context) (ServerConn, error) {
		return conn, nil
	})
	runAgent(t, a)

	pushDownloadRequest(t, conn, "d-dir", dir)
	envs := waitForLast(t, conn, "d-dir")
	if envs[len(envs)-1].Type != protocol.TypeTransferError {
		t.Fatalf("requesting a directory did not produce a transfer_error")
	}
}

func TestAgent_RedialsAfterFailure(t *testing.T) {
	var dials atomic.Int32
	a := NewWithDialer(testAgentConfig(256), testLogger(), func(context.Context) (ServerConn, error) {
		dials.Add(1)
		conn := newFakeConn()
		close(conn.incoming) // read loop ends immediately, simulating a drop
		return conn, nil
	})
	runAgent(t, a)

	deadline := time.Now().Add(2 * time.Second)
	for dials.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("dial count = %d, want at least 3", dials.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestExpandPath(t *testing.T) {
	t.Setenv("POS_DATA_DIR", "/srv/pos")

	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}

	tests := []struct {
		in   string
		want string
	}{
		{"/plain/path.txt", "/plain/path.txt"},
		{"$POS_DATA_DIR/export.csv", "/srv/pos/export.csv"},
		{"~/logs/app.log", filepath.Join(home, "logs/app.log")},
		{"~", home},
	}
	for _, tt := range tests {
		if got := ExpandPath(tt.in); got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
