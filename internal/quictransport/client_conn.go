package quictransport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/pullstream/pullstream/pkg/protocol"
)

// ClientConn is the agent side of a QUIC connection: one bidirectional
// stream carrying newline-delimited JSON envelopes, opened with a hello that
// identifies the agent.
type ClientConn struct {
	conn   *quic.Conn
	stream *quic.Stream
	logger *slog.Logger

	sendChan  chan protocol.Envelope
	done      chan struct{}
	closeOnce sync.Once

	writeMu sync.Mutex
	enc     *json.Encoder
	dec     *json.Decoder
}

// DialAgent connects to the server's QUIC endpoint and identifies as
// clientID. Insecure mode accepts the server's self-signed certificate.
func DialAgent(ctx context.Context, addr, clientID string, insecure bool, logger *slog.Logger) (*ClientConn, error) {
	conn, err := Dial(ctx, addr, ClientTLSConfig(insecure))
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", addr, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "no stream")
		return nil, fmt.Errorf("opening stream: %w", err)
	}

	c := &ClientConn{
		conn:     conn,
		stream:   stream,
		logger:   logger,
		sendChan: make(chan protocol.Envelope, 256),
		done:     make(chan struct{}),
		enc:      json.NewEncoder(stream),
		dec:      json.NewDecoder(stream),
	}

	hello, err := protocol.NewEnvelope(protocol.TypeHello, protocol.NewMsgID(), protocol.Hello{ClientID: clientID})
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	if err := c.enc.Encode(hello); err != nil {
		conn.CloseWithError(0, "")
		return nil, fmt.Errorf("sending hello: %w", err)
	}

	go c.writeLoop()
	return c, nil
}

// ReadLoop reads envelopes until the connection drops or ctx is cancelled.
func (c *ClientConn) ReadLoop(ctx context.Context, onEnv func(env protocol.Envelope)) error {
	go func() {
		<-ctx.Done()
		c.conn.CloseWithError(0, "shutdown")
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var env protocol.Envelope
		if err := c.dec.Decode(&env); err != nil {
			return err
		}
		onEnv(env)
	}
}

// Send queues an envelope for delivery.
func (c *ClientConn) Send(env protocol.Envelope) error {
	select {
	case c.sendChan <- env:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed")
	}
}

func (c *ClientConn) writeLoop() {
	defer close(c.done)
	for env := range c.sendChan {
		c.writeMu.Lock()
		err := c.enc.Encode(env)
		c.writeMu.Unlock()
		if err != nil {
			c.logger.Error("quic write error", "error", err)
			return
		}
	}
}

// Close closes the connection after draining queued sends. Safe to call
// more than once.
func (c *ClientConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.sendChan)
		<-c.done
		err = c.conn.CloseWithError(0, "")
	})
	return err
}
