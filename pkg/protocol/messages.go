package protocol

// Hello identifies an agent on a freshly opened connection.
// WebSocket connections carry the client id in the upgrade request instead,
// so Hello is only exchanged on QUIC streams.
type Hello struct {
	ClientID string `json:"client_id"`
}

// Registered acknowledges a successful agent registration.
type Registered struct {
	Message string `json:"message"`
}

// Error represents a server-side protocol error sent to an agent.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DownloadRequest asks an agent to stream a file back to the server.
// Sent server to agent over the persistent connection.
type DownloadRequest struct {
	DownloadID string `json:"download_id"`
	FilePath   string `json:"file_path"`
}

// FileChunk carries one ordered unit of a transfer's payload, agent to server.
// Seq is 1-based and must increase by exactly one per chunk of a transfer.
// TotalSize is set only on the final chunk (Last true) and states the full
// source size so the server can detect a short or long stream.
type FileChunk struct {
	DownloadID string `json:"download_id"`
	Seq        uint64 `json:"seq"`
	Data       []byte `json:"data"`
	Last       bool   `json:"last"`
	TotalSize  int64  `json:"total_size,omitempty"`
}

// TransferError aborts a transfer, agent to server. The agent sends this
// instead of silently dropping the connection when it cannot complete a read.
type TransferError struct {
	DownloadID string `json:"download_id"`
	Message    string `json:"message"`
}
