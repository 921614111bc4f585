package wsclient

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pullstream/pullstream/pkg/protocol"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, nil))
}

// newEchoServer upgrades /ws and echoes every text message back, recording
// the client_id it saw.
func newEchoServer(t *testing.T) (*httptest.Server, func() string) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	var clientID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		clientID = r.URL.Query().Get("client_id")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, func() string { return clientID }
}

func TestConn_DialAndRoundTrip(t *testing.T) {
	srv, gotClientID := newEchoServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The http scheme must map to ws and the client id must ride the query.
	conn, err := Dial(ctx, srv.URL, "restaurant-001", testLogger())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	received := make(chan protocol.Envelope, 1)
	go conn.ReadLoop(ctx, func(env protocol.Envelope) { received <- env })

	out, err := protocol.NewEnvelope(protocol.TypeHello, protocol.NewMsgID(), protocol.Hello{ClientID: "restaurant-001"})
	if err != nil {
		t.Fatalf("building envelope: %v", err)
	}
	if err := conn.Send(out); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case env := <-received:
		if env.Type != protocol.TypeHello || env.MsgID != out.MsgID {
			t.Errorf("echoed envelope = %+v, want the sent one", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("echoed envelope never arrived")
	}

	if id := gotClientID(); id != "restaurant-001" {
		t.Errorf("server saw client_id %q, want restaurant-001", id)
	}
}

func TestConn_CloseTwice(t *testing.T) {
	srv, _ := newEchoServer(t)

	conn, err := Dial(context.Background(), srv.URL, "restaurant-002", testLogger())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	// A repeated Close must be a no-op, not a panic on the send channel.
	if err := conn.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestDial_RejectsUnknownScheme(t *testing.T) {
	_, err := Dial(context.Background(), "ftp://example.com", "restaurant-003", testLogger())
	if err == nil || !strings.Contains(err.Error(), "scheme") {
		t.Fatalf("Dial() error = %v, want an unsupported scheme error", err)
	}
}
