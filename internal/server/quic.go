package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/pullstream/pullstream/internal/quictransport"
	"github.com/pullstream/pullstream/pkg/protocol"
)

const quicHelloTimeout = 10 * time.Second

// ServeQUIC runs the optional QUIC agent endpoint until ctx is cancelled.
// Each agent opens one bidirectional stream and carries newline-delimited
// JSON envelopes over it; identity comes from the first envelope, which must
// be a hello.
func (s *Server) ServeQUIC(ctx context.Context) error {
	tlsConf, err := quictransport.ServerTLSConfig(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	if err != nil {
		return err
	}

	listener, err := quictransport.Listen(s.cfg.QUICAddr, tlsConf)
	if err != nil {
		return fmt.Errorf("quic listen on %s: %w", s.cfg.QUICAddr, err)
	}
	defer listener.Close()

	s.logger.Info("quic listener started", "addr", s.cfg.QUICAddr)

	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("quic accept: %w", err)
		}
		go s.handleQUICConn(ctx, conn)
	}
}

func (s *Server) handleQUICConn(ctx context.Context, conn *quic.Conn) {
	defer conn.CloseWithError(0, "")

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		s.logger.Warn("quic stream accept failed", "error", err, "remote_addr", conn.RemoteAddr())
		return
	}

	dec := json.NewDecoder(stream)

	// The agent must identify itself before anything else flows.
	stream.SetReadDeadline(time.Now().Add(quicHelloTimeout))
	var first protocol.Envelope
	if err := dec.Decode(&first); err != nil {
		s.logger.Warn("quic hello read failed", "error", err, "remote_addr", conn.RemoteAddr())
		return
	}
	stream.SetReadDeadline(time.Time{})

	var hello protocol.Hello
	if first.Type != protocol.TypeHello || first.DecodePayload(&hello) != nil || hello.ClientID == "" {
		s.logger.Warn("quic connection without valid hello", "type", first.Type, "remote_addr", conn.RemoteAddr())
		return
	}
	clientID := hello.ClientID

	var writeMu sync.Mutex
	enc := json.NewEncoder(stream)
	sendFunc := func(env protocol.Envelope) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return enc.Encode(env)
	}

	connID := s.reg.Register(clientID, sendFunc, func() { _ = conn.CloseWithError(0, "replaced") })
	defer s.reg.Deregister(clientID, connID)

	s.logger.Info("agent connected", "client_id", clientID, "conn_id", connID, "transport", "quic", "remote_addr", conn.RemoteAddr())

	registered, err := protocol.NewEnvelope(protocol.TypeRegistered, protocol.NewMsgID(), protocol.Registered{
		Message: "registered as " + clientID,
	})
	if err == nil {
		err = sendFunc(registered)
	}
	if err != nil {
		s.logger.Error("sending registration ack", "error", err, "client_id", clientID)
		return
	}

	for {
		var env protocol.Envelope
		if err := dec.Decode(&env); err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Info("agent disconnected", "client_id", clientID, "conn_id", connID, "transport", "quic")
			}
			return
		}
		s.dispatch(clientID, env, sendFunc)
	}
}
