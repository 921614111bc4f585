// Package orchestrator owns the lifecycle of every transfer: creation,
// dispatch to the agent's connection, state transitions driven by inbound
// chunk messages, and timeout detection. Each transfer record has a single
// logical writer (the orchestrator, acting for the reassembly sink), so
// status reads always observe a consistent snapshot without touching the
// chunk-ingest path's locks for longer than a map lookup and a field copy.
package orchestrator

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pullstream/pullstream/internal/reassembly"
	"github.com/pullstream/pullstream/internal/registry"
	"github.com/pullstream/pullstream/pkg/protocol"
)

// Status is a transfer's position in its state machine. Transitions only
// move forward; Completed and Failed are terminal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusDispatched Status = "dispatched"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further mutation is accepted for this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Snapshot is an immutable copy of a transfer record.
type Snapshot struct {
	ID             string
	AgentID        string
	RemotePath     string
	LocalPath      string
	Status         Status
	ChunksReceived uint64
	BytesReceived  int64
	CreatedAt      time.Time
	CompletedAt    *time.Time
	Error          string
}

// transfer is the mutable record behind a Snapshot. Identifier, agent, paths
// and creation time never change after Create.
type transfer struct {
	Snapshot
	deadline time.Time
	sink     *reassembly.Sink
}

// Recorder persists terminal transfer records. Implemented by the journal;
// a nil Recorder disables persistence.
type Recorder interface {
	Record(Snapshot) error
}

// Config holds the orchestrator's immutable process-lifetime settings.
type Config struct {
	DownloadDir        string
	InactivityTimeout  time.Duration
	SerializeTransfers bool
}

// Orchestrator coordinates the registry, the per-transfer reassembly sinks,
// and the transfer table.
type Orchestrator struct {
	cfg     Config
	reg     *registry.Registry
	journal Recorder
	logger  *slog.Logger

	mu        sync.Mutex
	transfers map[string]*transfer

	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// New creates an orchestrator and starts its liveness-event consumer and
// deadline sweep. Call Close to stop both.
func New(cfg Config, reg *registry.Registry, journal Recorder, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		reg:       reg,
		journal:   journal,
		logger:    logger,
		transfers: make(map[string]*transfer),
		now:       time.Now,
		stop:      make(chan struct{}),
	}
	go o.consumeLivenessEvents()
	go o.sweepLoop()
	return o
}

// Close stops the background goroutines. Transfer records stay readable.
func (o *Orchestrator) Close() {
	o.stopOnce.Do(func() { close(o.stop) })
}

// Create allocates a transfer for agentID pulling remotePath and dispatches
// the request over the agent's connection. Returns ErrAgentNotConnected
// without creating any record when the agent has no live connection, and
// ErrAgentBusy under the serialize-transfers policy.
func (o *Orchestrator) Create(agentID, remotePath string) (Snapshot, error) {
	if !o.reg.IsConnected(agentID) {
		return Snapshot{}, ErrAgentNotConnected
	}

	now := o.now()
	id := uuid.New().String()
	localPath := filepath.Join(o.cfg.DownloadDir, localName(agentID, remotePath, now))

	t := &transfer{
		Snapshot: Snapshot{
			ID:         id,
			AgentID:    agentID,
			RemotePath: remotePath,
			LocalPath:  localPath,
			Status:     StatusPending,
			CreatedAt:  now,
		},
	}
	t.sink = reassembly.NewSink(id, localPath, o.logger, func(err error) {
		o.onSinkTerminal(id, err)
	})

	o.mu.Lock()
	if o.cfg.SerializeTransfers {
		for _, other := range o.transfers {
			if other.AgentID == agentID && !other.Status.Terminal() {
				o.mu.Unlock()
				t.sink.Close()
				return Snapshot{}, ErrAgentBusy
			}
		}
	}
	o.transfers[id] = t
	o.mu.Unlock()

	env, err := protocol.NewEnvelope(protocol.TypeDownloadRequest, protocol.NewMsgID(), protocol.DownloadRequest{
		DownloadID: id,
		FilePath:   remotePath,
	})
	if err != nil {
		o.fail(id, fmt.Sprintf("encode request: %v", err))
		return o.snapshot(id)
	}

	if err := o.reg.Send(agentID, env); err != nil {
		if errors.Is(err, registry.ErrAgentNotConnected) {
			// The agent vanished between the connectivity check and the
			// dispatch. The record exists, so fail it rather than lose it.
			o.fail(id, ReasonAgentDisconnected)
		} else {
			o.fail(id, fmt.Sprintf("dispatch failed: %v", err))
		}
		return o.snapshot(id)
	}

	o.mu.Lock()
	if t.Status == StatusPending {
		t.Status = StatusDispatched
		t.deadline = o.now().Add(o.cfg.InactivityTimeout)
	}
	snap := t.Snapshot
	o.mu.Unlock()

	o.logger.Info("transfer dispatched",
		"transfer_id", id,
		"agent_id", agentID,
		"remote_path", remotePath,
		"local_path", localPath,
	)
	return snap, nil
}

// Status returns an immutable copy of the transfer record.
func (o *Orchestrator) Status(id string) (Snapshot, error) {
	return o.snapshot(id)
}

// List returns snapshots of every transfer the process has tracked.
func (o *Orchestrator) List() []Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Snapshot, 0, len(o.transfers))
	for _, t := range o.transfers {
		out = append(out, t.Snapshot)
	}
	return out
}

// ActiveCount returns the number of non-terminal transfers.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, t := range o.transfers {
		if !t.Status.Terminal() {
			n++
		}
	}
	return n
}

// HandleChunk applies one chunk message received from agentID's connection.
// The sequence number must be exactly chunks_received+1; anything else is a
// protocol violation that fails the transfer without touching bytes already
// on disk. Chunks for unknown or terminal transfers are ignored.
func (o *Orchestrator) HandleChunk(agentID string, chunk protocol.FileChunk) {
	o.mu.Lock()
	t, ok := o.transfers[chunk.DownloadID]
	if !ok {
		o.mu.Unlock()
		o.logger.Warn("chunk for unknown transfer", "transfer_id", chunk.DownloadID, "agent_id", agentID)
		return
	}
	if t.AgentID != agentID {
		o.mu.Unlock()
		// A replaced session's connection may still be flushing messages.
		o.logger.Warn("chunk from wrong agent",
			"transfer_id", chunk.DownloadID,
			"agent_id", agentID,
			"owner", t.AgentID,
		)
		return
	}
	if t.Status.Terminal() {
		o.mu.Unlock()
		return
	}

	// Counters are committed before the chunk is handed to the sink: the
	// sink's terminal report can mark the transfer completed the moment the
	// last chunk hits disk, and the completed snapshot must already include
	// that chunk. The record and the sink validate the same sequence, so
	// they stay in lockstep.
	if want := t.ChunksReceived + 1; chunk.Seq != want {
		o.mu.Unlock()
		o.fail(chunk.DownloadID, fmt.Sprintf("protocol violation: %v", &reassembly.SeqError{Want: want, Got: chunk.Seq}))
		return
	}
	t.ChunksReceived++
	t.BytesReceived += int64(len(chunk.Data))
	t.Status = StatusInProgress
	t.deadline = o.now().Add(o.cfg.InactivityTimeout)
	chunks := t.ChunksReceived
	sink := t.sink
	o.mu.Unlock()

	// The sink write queue can block while the previous chunk is persisted;
	// never hold the table lock across it.
	if err := sink.Accept(chunk.Seq, chunk.Data, chunk.Last, chunk.TotalSize); err != nil {
		var seqErr *reassembly.SeqError
		if errors.As(err, &seqErr) {
			o.fail(chunk.DownloadID, fmt.Sprintf("protocol violation: %v", seqErr))
		}
		return
	}

	o.logger.Debug("chunk accepted",
		"transfer_id", chunk.DownloadID,
		"seq", chunk.Seq,
		"chunks_received", chunks,
		"last", chunk.Last,
	)
}

// HandleAbort applies an explicit abort message from the agent.
func (o *Orchestrator) HandleAbort(agentID string, abort protocol.TransferError) {
	o.mu.Lock()
	t, ok := o.transfers[abort.DownloadID]
	if !ok || t.AgentID != agentID {
		o.mu.Unlock()
		o.logger.Warn("abort for unknown transfer", "transfer_id", abort.DownloadID, "agent_id", agentID)
		return
	}
	o.mu.Unlock()

	o.fail(abort.DownloadID, abort.Message)
}

// SweepExpired fails every dispatched or in-progress transfer whose
// inactivity deadline has elapsed. Returns the number of transfers failed.
// Called periodically by the sweep loop; exported for deterministic tests.
func (o *Orchestrator) SweepExpired(now time.Time) int {
	o.mu.Lock()
	var expired []string
	for id, t := range o.transfers {
		if !t.Status.Terminal() && t.Status != StatusPending && now.After(t.deadline) {
			expired = append(expired, id)
		}
	}
	o.mu.Unlock()

	for _, id := range expired {
		o.fail(id, ReasonInactivityTimeout)
	}
	return len(expired)
}

func (o *Orchestrator) sweepLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
			o.SweepExpired(o.now())
		}
	}
}

func (o *Orchestrator) consumeLivenessEvents() {
	for {
		select {
		case <-o.stop:
			return
		case ev := <-o.reg.Events():
			switch ev.Kind {
			case registry.EventDisconnected:
				o.failAgentTransfers(ev.AgentID, ReasonAgentDisconnected)
			case registry.EventReplaced:
				o.failAgentTransfers(ev.AgentID, ReasonConnectionReplaced)
			}
		}
	}
}

// failAgentTransfers fails every non-terminal transfer owned by agentID.
func (o *Orchestrator) failAgentTransfers(agentID, reason string) {
	o.mu.Lock()
	var ids []string
	for id, t := range o.transfers {
		if t.AgentID == agentID && !t.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	o.mu.Unlock()

	for _, id := range ids {
		o.fail(id, reason)
	}
}

// onSinkTerminal receives the reassembly sink's one-shot completion report.
func (o *Orchestrator) onSinkTerminal(id string, err error) {
	if err != nil {
		o.fail(id, err.Error())
		return
	}

	o.mu.Lock()
	t, ok := o.transfers[id]
	if !ok || t.Status.Terminal() {
		o.mu.Unlock()
		return
	}
	t.Status = StatusCompleted
	completed := o.now()
	t.CompletedAt = &completed
	snap := t.Snapshot
	o.mu.Unlock()

	t.sink.Close()
	o.record(snap)
	o.logger.Info("transfer completed",
		"transfer_id", id,
		"agent_id", snap.AgentID,
		"chunks", snap.ChunksReceived,
		"bytes", snap.BytesReceived,
	)
}

// fail moves a transfer to its failed terminal state. Later calls for the
// same id are no-ops, so the first recorded reason wins.
func (o *Orchestrator) fail(id, reason string) {
	o.mu.Lock()
	t, ok := o.transfers[id]
	if !ok || t.Status.Terminal() {
		o.mu.Unlock()
		return
	}
	t.Status = StatusFailed
	t.Error = reason
	completed := o.now()
	t.CompletedAt = &completed
	snap := t.Snapshot
	o.mu.Unlock()

	t.sink.Close()
	o.record(snap)
	o.logger.Warn("transfer failed",
		"transfer_id", id,
		"agent_id", snap.AgentID,
		"reason", reason,
		"chunks_received", snap.ChunksReceived,
	)
}

func (o *Orchestrator) record(snap Snapshot) {
	if o.journal == nil {
		return
	}
	if err := o.journal.Record(snap); err != nil {
		o.logger.Error("journal record failed", "transfer_id", snap.ID, "error", err)
	}
}

func (o *Orchestrator) snapshot(id string) (Snapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.transfers[id]
	if !ok {
		return Snapshot{}, ErrTransferNotFound
	}
	return t.Snapshot, nil
}

// localName builds the destination file name: agent id, UTC timestamp, and
// the sanitized base name of the requested path.
func localName(agentID, remotePath string, now time.Time) string {
	base := filepath.Base(strings.ReplaceAll(remotePath, "\\", "/"))
	if base == "" || base == "." || base == ".." || base == "/" {
		base = "artifact"
	}
	return fmt.Sprintf("%s_%s_%s", agentID, now.UTC().Format("20060102_150405"), base)
}
