package protocol

// Message type constants for protocol envelopes.
const (
	TypeHello           = "hello"
	TypeRegistered      = "registered"
	TypeError           = "error"
	TypeDownloadRequest = "download_request"
	TypeFileChunk       = "file_chunk"
	TypeTransferError   = "transfer_error"
)
