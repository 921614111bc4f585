package orchestrator

import "errors"

// Control-plane errors, returned synchronously to the caller. They carry no
// side effects on transfer or agent state.
var (
	// ErrAgentNotConnected indicates the registry has no live entry for the
	// requested agent.
	ErrAgentNotConnected = errors.New("agent not connected")

	// ErrAgentBusy indicates another transfer for the agent is still active
	// and the server is configured to serialize transfers per agent.
	ErrAgentBusy = errors.New("agent busy")

	// ErrTransferNotFound indicates the transfer id is unknown.
	ErrTransferNotFound = errors.New("transfer not found")
)

// Failure reasons recorded on a transfer's terminal state. Data-path
// failures never propagate as errors to control-plane callers; they land
// here instead.
const (
	ReasonAgentDisconnected  = "agent disconnected"
	ReasonConnectionReplaced = "connection replaced"
	ReasonInactivityTimeout  = "inactivity timeout"
)
