// Package registry tracks the single live data-plane connection per agent.
// The registry owns each connection handle for the agent's lifetime: all
// writes go through a per-connection send queue drained by one writer
// goroutine, and replacement or disconnect closes the handle exactly once.
package registry

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pullstream/pullstream/pkg/protocol"
)

// ErrAgentNotConnected indicates no live connection exists for the agent.
var ErrAgentNotConnected = errors.New("agent not connected")

// ErrSendQueueFull indicates the agent's send queue is saturated.
var ErrSendQueueFull = errors.New("agent send queue full")

// EventKind classifies a liveness change.
type EventKind int

const (
	// EventConnected fires when an agent registers a fresh connection.
	EventConnected EventKind = iota
	// EventDisconnected fires when an agent's connection is deregistered.
	EventDisconnected
	// EventReplaced fires when a new connection displaces an existing one
	// for the same agent id. Transfers in flight on the old connection are
	// no longer deliverable.
	EventReplaced
)

// Event is a liveness change notification consumed by the orchestrator.
type Event struct {
	AgentID string
	Kind    EventKind
}

// AgentStatus is a read-only snapshot row for the control-plane client list.
type AgentStatus struct {
	AgentID   string
	Connected bool
	LastSeen  time.Time
}

// connection holds one agent's live connection and its send queue.
type connection struct {
	connID   string
	send     chan protocol.Envelope
	done     chan struct{}
	closeRaw func()
	lastSeen time.Time
}

// Registry maps agent ids to their single live connection.
// Duplicate agent ids use last-write-wins: the most recent connection
// replaces any previous one.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*connection
	events chan Event
	logger *slog.Logger
	now    func() time.Time
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*connection),
		events: make(chan Event, 64),
		logger: logger,
		now:    time.Now,
	}
}

// Events returns the liveness event stream. The orchestrator must drain it.
func (r *Registry) Events() <-chan Event {
	return r.events
}

// emit publishes a liveness event without ever blocking connection
// handling: once the consumer has stopped (process shutdown) or falls far
// behind, events are dropped and logged rather than wedging Register or
// Deregister.
func (r *Registry) emit(ev Event) {
	select {
	case r.events <- ev:
	default:
		r.logger.Warn("liveness event dropped", "agent_id", ev.AgentID, "kind", ev.Kind)
	}
}

// Register inserts or replaces the connection for agentID. sendRaw performs
// the transport write; closeRaw force-closes the underlying connection.
// Returns a connection id to pass back to Deregister.
func (r *Registry) Register(agentID string, sendRaw func(protocol.Envelope) error, closeRaw func()) string {
	conn := &connection{
		connID:   protocol.NewMsgID(),
		send:     make(chan protocol.Envelope, 256),
		done:     make(chan struct{}),
		closeRaw: closeRaw,
		lastSeen: r.now(),
	}

	// One writer goroutine per connection serializes transport writes.
	go func() {
		defer close(conn.done)
		for env := range conn.send {
			if err := sendRaw(env); err != nil {
				return
			}
		}
	}()

	r.mu.Lock()
	old, replaced := r.agents[agentID]
	r.agents[agentID] = conn
	r.mu.Unlock()

	if replaced {
		close(old.send)
		if old.closeRaw != nil {
			old.closeRaw()
		}
		r.logger.Info("agent connection replaced", "agent_id", agentID, "old_conn_id", old.connID, "conn_id", conn.connID)
		r.emit(Event{AgentID: agentID, Kind: EventReplaced})
	} else {
		r.logger.Info("agent connected", "agent_id", agentID, "conn_id", conn.connID)
	}
	r.emit(Event{AgentID: agentID, Kind: EventConnected})

	return conn.connID
}

// Deregister removes the entry for agentID if connID still identifies its
// live connection. A stale connID (the connection was already replaced) is a
// no-op, so a replaced connection's cleanup never tears down its successor.
func (r *Registry) Deregister(agentID, connID string) {
	r.mu.Lock()
	conn, ok := r.agents[agentID]
	if !ok || conn.connID != connID {
		r.mu.Unlock()
		return
	}
	delete(r.agents, agentID)
	r.mu.Unlock()

	close(conn.send)
	select {
	case <-conn.done:
	case <-time.After(1 * time.Second):
	}

	r.logger.Info("agent disconnected", "agent_id", agentID, "conn_id", connID)
	r.emit(Event{AgentID: agentID, Kind: EventDisconnected})
}

// Send queues an envelope for delivery to the agent. It never blocks on a
// slow connection: a saturated queue returns ErrSendQueueFull.
func (r *Registry) Send(agentID string, env protocol.Envelope) error {
	r.mu.RLock()
	conn, ok := r.agents[agentID]
	r.mu.RUnlock()
	if !ok {
		return ErrAgentNotConnected
	}

	select {
	case conn.send <- env:
		return nil
	case <-conn.done:
		return ErrAgentNotConnected
	default:
		return ErrSendQueueFull
	}
}

// IsConnected reports whether a live connection exists for agentID.
func (r *Registry) IsConnected(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[agentID]
	return ok
}

// Touch refreshes the agent's last-activity timestamp. Called by the
// connection read loop on every inbound message.
func (r *Registry) Touch(agentID string) {
	r.mu.Lock()
	if conn, ok := r.agents[agentID]; ok {
		conn.lastSeen = r.now()
	}
	r.mu.Unlock()
}

// List returns a snapshot of all connected agents. It holds only a read
// lock, so it never blocks connection registration.
func (r *Registry) List() []AgentStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AgentStatus, 0, len(r.agents))
	for id, conn := range r.agents {
		out = append(out, AgentStatus{
			AgentID:   id,
			Connected: true,
			LastSeen:  conn.lastSeen,
		})
	}
	return out
}

// Count returns the number of connected agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
