package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pullstream/pullstream/pkg/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Agents dial from arbitrary restaurant networks.
	},
}

const (
	wsIdleTimeout  = 90 * time.Second
	wsPingInterval = 30 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// handleWS upgrades an agent's persistent connection and runs its read loop
// until the socket drops. The agent identifies itself with the client_id
// query parameter; a second connection for the same id displaces the first.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		sendError(w, http.StatusBadRequest, "client_id query parameter is required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err, "client_id", clientID)
		return
	}
	defer conn.Close()

	// Chunk payloads are base64 inside the JSON envelope, so allow for the
	// 4/3 expansion plus envelope framing.
	conn.SetReadLimit(int64(s.cfg.ChunkSize/3*4) + 4096)

	var writeMu sync.Mutex
	conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		return nil
	})
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		writeMu.Lock()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(wsWriteTimeout))
		writeMu.Unlock()
		return err
	})

	sendFunc := func(env protocol.Envelope) error {
		writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		err := conn.WriteJSON(env)
		writeMu.Unlock()
		return err
	}

	connID := s.reg.Register(clientID, sendFunc, func() { _ = conn.Close() })
	defer s.reg.Deregister(clientID, connID)

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-ticker.C:
				writeMu.Lock()
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
				writeMu.Unlock()
			}
		}
	}()

	s.logger.Info("agent connected", "client_id", clientID, "conn_id", connID, "remote_addr", r.RemoteAddr)

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
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error("websocket read error", "error", err, "client_id", clientID)
			}
			s.logger.Info("agent disconnected", "client_id", clientID, "conn_id", connID)
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		s.dispatch(clientID, env, sendFunc)
	}
}

// dispatch applies one inbound envelope from an agent connection. Shared by
// the WebSocket and QUIC read loops.
func (s *Server) dispatch(clientID string, env protocol.Envelope, sendFunc func(protocol.Envelope) error) {
	if err := env.ValidateBasic(); err != nil {
		s.logger.Warn("invalid envelope", "error", err, "client_id", clientID)
		return
	}
	s.reg.Touch(clientID)

	switch env.Type {
	case protocol.TypeFileChunk:
		var chunk protocol.FileChunk
		if err := env.DecodePayload(&chunk); err != nil {
			s.logger.Warn("malformed chunk payload", "error", err, "client_id", clientID)
			return
		}
		s.orch.HandleChunk(clientID, chunk)

	case protocol.TypeTransferError:
		var abort protocol.TransferError
		if err := env.DecodePayload(&abort); err != nil {
			s.logger.Warn("malformed transfer error payload", "error", err, "client_id", clientID)
			return
		}
		s.orch.HandleAbort(clientID, abort)

	case protocol.TypeHello:
		// Identity already established at connection time; treat as a keepalive.

	default:
		s.logger.Warn("unexpected message type", "type", env.Type, "client_id", clientID)
		errEnv, err := protocol.NewEnvelope(protocol.TypeError, protocol.NewMsgID(), protocol.Error{
			Code:    "unexpected_type",
			Message: "unexpected message type: " + env.Type,
		})
		if err == nil {
			_ = sendFunc(errEnv)
		}
	}
}
