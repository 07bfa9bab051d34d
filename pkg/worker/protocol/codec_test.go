package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/openfroyo/provision/pkg/actions"
	"github.com/openfroyo/provision/pkg/engine"
)

func TestEncoder(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		data    interface{}
		wantErr bool
	}{
		{
			name:    "encode ready message",
			msgType: MessageTypeReady,
			data: &ReadyMessage{
				Version:  Version,
				Platform: "linux",
				Arch:     "amd64",
				PID:      1234,
				Actions:  []string{"copy", "noop"},
			},
		},
		{
			name:    "encode file request",
			msgType: MessageTypeFileRequest,
			data:    &FileRequestMessage{RequestID: "req-1", Path: "/srv/motd"},
		},
		{
			name:    "encode file data",
			msgType: MessageTypeFileData,
			data: &FileDataMessage{
				RequestID: "req-1",
				Data:      []byte("hello\n"),
				EOF:       true,
				OK:        true,
				Meta:      &FileMeta{Size: 6, Mode: 0o644},
			},
		},
		{
			name:    "encode error message",
			msgType: MessageTypeError,
			data: &ErrorMessage{
				CommandID: "cmd-123",
				Class:     "execution",
				Code:      "COMMAND_FAILED",
				Message:   "false exited with status 1",
			},
		},
		{
			name:    "encode exit message",
			msgType: MessageTypeExit,
			data:    &ExitMessage{Reason: "stdin closed", CommandsTotal: 5},
		},
		{
			name:    "invalid message type",
			msgType: MessageType("INVALID"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			enc := NewEncoder(&buf)

			err := enc.Encode(tt.msgType, tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("Encode() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr {
				line := strings.TrimSpace(buf.String())
				var msg Message
				if err := json.Unmarshal([]byte(line), &msg); err != nil {
					t.Errorf("Output is not valid JSON: %v", err)
				}
				if msg.Type != tt.msgType {
					t.Errorf("Message type = %v, want %v", msg.Type, tt.msgType)
				}
			}
		})
	}
}

func TestDecoder(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		msgType MessageType
	}{
		{
			name:    "decode ready message",
			input:   `{"type":"READY","timestamp":"2024-01-01T00:00:00Z","data":{"version":"1","platform":"linux","arch":"amd64","pid":1234,"actions":["noop"]}}`,
			msgType: MessageTypeReady,
		},
		{
			name:    "decode command message",
			input:   `{"type":"CMD","timestamp":"2024-01-01T00:00:00Z","data":{"id":"cmd-123","type":"actions.run","params":{"actions":[]}}}`,
			msgType: MessageTypeCommand,
		},
		{
			name:    "decode file data",
			input:   `{"type":"FILE_DATA","timestamp":"2024-01-01T00:00:00Z","data":{"request_id":"r","eof":true,"ok":false}}`,
			msgType: MessageTypeFileData,
		},
		{
			name:    "unknown message type",
			input:   `{"type":"PING","timestamp":"2024-01-01T00:00:00Z"}`,
			wantErr: true,
		},
		{
			name:    "invalid json",
			input:   `{invalid json`,
			wantErr: true,
		},
		{
			name:    "empty line",
			input:   ``,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder(strings.NewReader(tt.input + "\n"))
			msg, err := dec.Decode()

			if (err != nil) != tt.wantErr {
				t.Errorf("Decode() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr && msg.Type != tt.msgType {
				t.Errorf("Message type = %v, want %v", msg.Type, tt.msgType)
			}
		})
	}
}

func TestDecoderEOF(t *testing.T) {
	dec := NewDecoder(strings.NewReader(""))
	if _, err := dec.Decode(); !errors.Is(err, io.EOF) {
		t.Errorf("Decode() on empty stream error = %v, want io.EOF", err)
	}
}

func TestDecodeCommand(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		cmdType CommandType
	}{
		{
			name:    "valid actions.run command",
			input:   `{"type":"CMD","timestamp":"2024-01-01T00:00:00Z","data":{"id":"cmd-123","type":"actions.run","params":{"actions":[{"type":"noop","fields":{}}]}}}`,
			cmdType: CommandTypeRunActions,
		},
		{
			name:    "shutdown needs no params",
			input:   `{"type":"CMD","timestamp":"2024-01-01T00:00:00Z","data":{"id":"cmd-124","type":"shutdown"}}`,
			cmdType: CommandTypeShutdown,
		},
		{
			name:    "wrong message type",
			input:   `{"type":"EVENT","timestamp":"2024-01-01T00:00:00Z","data":{}}`,
			wantErr: true,
		},
		{
			name:    "missing command id",
			input:   `{"type":"CMD","timestamp":"2024-01-01T00:00:00Z","data":{"type":"actions.run","params":{}}}`,
			wantErr: true,
		},
		{
			name:    "missing params",
			input:   `{"type":"CMD","timestamp":"2024-01-01T00:00:00Z","data":{"id":"cmd-125","type":"pipeline.add"}}`,
			wantErr: true,
		},
		{
			name:    "unknown command type",
			input:   `{"type":"CMD","timestamp":"2024-01-01T00:00:00Z","data":{"id":"cmd-126","type":"exec","params":{}}}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder(strings.NewReader(tt.input + "\n"))
			cmd, err := dec.DecodeCommand()

			if (err != nil) != tt.wantErr {
				t.Errorf("DecodeCommand() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr && cmd.Type != tt.cmdType {
				t.Errorf("Command type = %v, want %v", cmd.Type, tt.cmdType)
			}
		})
	}
}

func TestNewCommandCarriesRecords(t *testing.T) {
	params := &RunActionsParams{Actions: []actions.Record{
		{Type: "noop", Fields: json.RawMessage(`{"change":true}`)},
		{Type: "fail", Fields: json.RawMessage(`{"message":"boom"}`)},
	}}
	cmd, err := NewCommand(CommandTypeRunActions, params)
	if err != nil {
		t.Fatalf("NewCommand() error = %v", err)
	}
	if cmd.ID == "" {
		t.Error("NewCommand() left the id empty")
	}

	var buf bytes.Buffer
	if err := NewEncoder(&buf).EncodeCommand(cmd); err != nil {
		t.Fatalf("EncodeCommand() error = %v", err)
	}
	got, err := NewDecoder(&buf).DecodeCommand()
	if err != nil {
		t.Fatalf("DecodeCommand() error = %v", err)
	}

	var decoded RunActionsParams
	if err := ParseParams(got.Params, &decoded); err != nil {
		t.Fatalf("ParseParams() error = %v", err)
	}
	if len(decoded.Actions) != 2 {
		t.Fatalf("decoded %d records, want 2", len(decoded.Actions))
	}
	for i, rec := range decoded.Actions {
		if rec.Type != params.Actions[i].Type {
			t.Errorf("record %d type = %q, want %q", i, rec.Type, params.Actions[i].Type)
		}
	}
}

func TestFileRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     FileRequestMessage
		wantErr bool
	}{
		{"valid", FileRequestMessage{RequestID: "r", Path: "/etc/motd"}, false},
		{"missing id", FileRequestMessage{Path: "/etc/motd"}, true},
		{"missing path", FileRequestMessage{RequestID: "r"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEventValidateDefaultsLevel(t *testing.T) {
	evt := &EventMessage{CommandID: "cmd", Message: "running"}
	if err := evt.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if evt.Level != "info" {
		t.Errorf("Level = %q, want info", evt.Level)
	}

	bad := &EventMessage{CommandID: "cmd", Level: "trace"}
	if err := bad.Validate(); err == nil {
		t.Error("Validate() accepted level trace")
	}
}

func TestDecoderFraming(t *testing.T) {
	t.Run("final line without newline", func(t *testing.T) {
		dec := NewDecoder(strings.NewReader(`{"type":"EXIT","timestamp":"2024-01-01T00:00:00Z"}`))
		msg, err := dec.Decode()
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if msg.Type != MessageTypeExit {
			t.Errorf("Message type = %v, want EXIT", msg.Type)
		}
		if _, err := dec.Decode(); !errors.Is(err, io.EOF) {
			t.Errorf("second Decode() error = %v, want io.EOF", err)
		}
	})

	t.Run("crlf terminated", func(t *testing.T) {
		dec := NewDecoder(strings.NewReader("{\"type\":\"DONE\",\"timestamp\":\"2024-01-01T00:00:00Z\"}\r\n"))
		if _, err := dec.Decode(); err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
	})

	t.Run("oversized line", func(t *testing.T) {
		dec := NewDecoder(strings.NewReader(strings.Repeat("x", MaxLineSize+1) + "\n"))
		_, err := dec.Decode()
		if engine.GetErrorCode(err) != engine.ErrCodeMalformedRecord {
			t.Errorf("Decode() error = %v, want %s", err, engine.ErrCodeMalformedRecord)
		}
	})

	t.Run("unknown type is unexpected", func(t *testing.T) {
		dec := NewDecoder(strings.NewReader(`{"type":"PING"}` + "\n"))
		_, err := dec.Decode()
		if !engine.IsProtocolError(err) || engine.GetErrorCode(err) != engine.ErrCodeUnexpectedMessage {
			t.Errorf("Decode() error = %v, want protocol %s", err, engine.ErrCodeUnexpectedMessage)
		}
	})
}

func TestEncoderRejectsInvalidPayload(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	err := enc.EncodeFileRequest(&FileRequestMessage{RequestID: "r"})
	if engine.GetErrorCode(err) != engine.ErrCodeMalformedRecord {
		t.Errorf("EncodeFileRequest() error = %v, want %s", err, engine.ErrCodeMalformedRecord)
	}
	if buf.Len() != 0 {
		t.Errorf("rejected message wrote %q", buf.String())
	}
}

func TestParseParamsEmpty(t *testing.T) {
	var out DoneMessage
	if err := ParseParams(nil, &out); err == nil {
		t.Error("ParseParams(nil) succeeded")
	}
}
