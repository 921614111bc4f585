package protocol

import (
	"encoding/json"
	"testing"
)

func TestNewEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		msgType string
		msgID   string
		payload any
		wantErr bool
	}{
		{
			name:    "DownloadRequest message",
			msgType: TypeDownloadRequest,
			msgID:   "test123",
			payload: DownloadRequest{
				DownloadID: "d-1",
				FilePath:   "/var/data/export.bin",
			},
			wantErr: false,
		},
		{
			name:    "FileChunk message",
			msgType: TypeFileChunk,
			msgID:   "test456",
			payload: FileChunk{
				DownloadID: "d-1",
				Seq:        7,
				Data:       []byte("chunk bytes"),
				Last:       false,
			},
			wantErr: false,
		},
		{
			name:    "TransferError message",
			msgType: TypeTransferError,
			msgID:   "test789",
			payload: TransferError{
				DownloadID: "d-1",
				Message:    "file not found",
			},
			wantErr: false,
		},
		{
			name:    "nil payload",
			msgType: TypeRegistered,
			msgID:   "test000",
			payload: nil,
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := NewEnvelope(tt.msgType, tt.msgID, tt.payload)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewEnvelope() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err != nil {
				return
			}

			if env.V != ProtocolVersion {
				t.Errorf("NewEnvelope() V = %d, want %d", env.V, ProtocolVersion)
			}
			if env.Type != tt.msgType {
				t.Errorf("NewEnvelope() Type = %s, want %s", env.Type, tt.msgType)
			}
			if env.MsgID != tt.msgID {
				t.Errorf("NewEnvelope() MsgID = %s, want %s", env.MsgID, tt.msgID)
			}
			if tt.payload == nil && len(env.Payload) != 0 {
				t.Errorf("NewEnvelope() Payload = %s, want empty", env.Payload)
			}
		})
	}
}

func TestEnvelope_JSONRoundTrip(t *testing.T) {
	chunk := FileChunk{
		DownloadID: "d-42",
		Seq:        3,
		Data:       []byte{0x00, 0x01, 0xff, 0xfe},
		Last:       true,
		TotalSize:  12345,
	}
	env, err := NewEnvelope(TypeFileChunk, NewMsgID(), chunk)
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var decoded Envelope
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if err := decoded.ValidateBasic(); err != nil {
		t.Fatalf("ValidateBasic() error = %v", err)
	}

	var got FileChunk
	if err := decoded.DecodePayload(&got); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if got.DownloadID != chunk.DownloadID {
		t.Errorf("DownloadID = %s, want %s", got.DownloadID, chunk.DownloadID)
	}
	if got.Seq != chunk.Seq {
		t.Errorf("Seq = %d, want %d", got.Seq, chunk.Seq)
	}
	if string(got.Data) != string(chunk.Data) {
		t.Errorf("Data = %v, want %v", got.Data, chunk.Data)
	}
	if !got.Last {
		t.Error("Last = false, want true")
	}
	if got.TotalSize != chunk.TotalSize {
		t.Errorf("TotalSize = %d, want %d", got.TotalSize, chunk.TotalSize)
	}
}

func TestEnvelope_ValidateBasic(t *testing.T) {
	tests := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{
			name:    "valid",
			env:     Envelope{V: ProtocolVersion, Type: TypeFileChunk, MsgID: "abc"},
			wantErr: false,
		},
		{
			name:    "wrong version",
			env:     Envelope{V: 99, Type: TypeFileChunk, MsgID: "abc"},
			wantErr: true,
		},
		{
			name:    "missing type",
			env:     Envelope{V: ProtocolVersion, MsgID: "abc"},
			wantErr: true,
		},
		{
			name:    "missing msg_id",
			env:     Envelope{V: ProtocolVersion, Type: TypeFileChunk},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.ValidateBasic()
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateBasic() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDecodePayload_Empty(t *testing.T) {
	env := Envelope{V: ProtocolVersion, Type: TypeRegistered, MsgID: "abc"}
	var out Registered
	if err := env.DecodePayload(&out); err == nil {
		t.Error("DecodePayload() on empty payload should fail")
	}
}

func TestNewMsgID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewMsgID()
		if len(id) != 16 {
			t.Fatalf("NewMsgID() length = %d, want 16", len(id))
		}
		if seen[id] {
			t.Fatalf("NewMsgID() produced duplicate: %s", id)
		}
		seen[id] = true
	}
}
