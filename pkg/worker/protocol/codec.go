package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/provision/pkg/engine"
)

// MaxLineSize bounds a single framed message. Batches carrying inline file
// content are the largest messages on the wire.
const MaxLineSize = 10 << 20

// payloadValidator is implemented by payloads that check themselves before
// they are written.
type payloadValidator interface {
	Validate() error
}

func malformed(message string, err error) *engine.EngineError {
	return engine.NewProtocolError(message, err).WithCode(engine.ErrCodeMalformedRecord)
}

// Encoder frames messages as one JSON document per line. Each message is
// written with a single Write call, so concurrent senders never interleave.
type Encoder struct {
	mu  sync.Mutex
	out io.Writer
	buf bytes.Buffer
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{out: w}
}

// Encode validates data when it knows how to, wraps it in an envelope of
// type msgType and writes the framed line.
func (e *Encoder) Encode(msgType MessageType, data interface{}) error {
	if err := msgType.Validate(); err != nil {
		return malformed("refusing to send message", err)
	}
	env := Message{Type: msgType, Timestamp: time.Now().UTC()}
	if data != nil {
		if v, ok := data.(payloadValidator); ok {
			if err := v.Validate(); err != nil {
				return malformed("refusing to send "+string(msgType), err)
			}
		}
		raw, err := json.Marshal(data)
		if err != nil {
			return malformed("cannot marshal "+string(msgType)+" payload", err)
		}
		env.Data = raw
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.buf.Reset()
	if err := json.NewEncoder(&e.buf).Encode(&env); err != nil {
		return malformed("cannot marshal envelope", err)
	}
	if _, err := e.out.Write(e.buf.Bytes()); err != nil {
		return engine.NewProtocolError("write to peer failed", err).WithOperation(string(msgType))
	}
	return nil
}

// EncodeReady sends READY.
func (e *Encoder) EncodeReady(ready *ReadyMessage) error { return e.Encode(MessageTypeReady, ready) }

// EncodeCommand sends CMD.
func (e *Encoder) EncodeCommand(cmd *CommandMessage) error {
	return e.Encode(MessageTypeCommand, cmd)
}

// EncodeEvent sends EVENT.
func (e *Encoder) EncodeEvent(event *EventMessage) error { return e.Encode(MessageTypeEvent, event) }

// EncodeFileRequest sends FILE_REQ.
func (e *Encoder) EncodeFileRequest(req *FileRequestMessage) error {
	return e.Encode(MessageTypeFileRequest, req)
}

// EncodeFileData sends one FILE_DATA chunk.
func (e *Encoder) EncodeFileData(chunk *FileDataMessage) error {
	return e.Encode(MessageTypeFileData, chunk)
}

// EncodeDone sends DONE.
func (e *Encoder) EncodeDone(done *DoneMessage) error { return e.Encode(MessageTypeDone, done) }

// EncodeError sends ERROR.
func (e *Encoder) EncodeError(msg *ErrorMessage) error { return e.Encode(MessageTypeError, msg) }

// EncodeExit sends EXIT.
func (e *Encoder) EncodeExit(exit *ExitMessage) error { return e.Encode(MessageTypeExit, exit) }

// Decoder reads framed messages. It is not safe for concurrent use.
type Decoder struct {
	in *bufio.Reader
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{in: bufio.NewReaderSize(r, 64<<10)}
}

// readLine returns the next line without its terminator. A final line with
// no newline is still returned; a clean end of stream yields io.EOF.
func (d *Decoder) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := d.in.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > MaxLineSize {
			return nil, malformed("message exceeds maximum line size", nil).
				WithDetail("limit", MaxLineSize)
		}
		switch {
		case err == nil:
			return line[:len(line)-1], nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(line) > 0:
			return line, nil
		default:
			return nil, err
		}
	}
}

// Decode reads the next message. It returns io.EOF unwrapped when the peer
// closed the stream between messages.
func (d *Decoder) Decode() (*Message, error) {
	line, err := d.readLine()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, engine.NewProtocolError("read from peer failed", err)
	}
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return nil, malformed("blank line on message stream", nil)
	}

	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, malformed("message is not valid JSON", err)
	}
	if err := msg.Type.Validate(); err != nil {
		return nil, engine.NewProtocolError("unknown message", err).WithCode(engine.ErrCodeUnexpectedMessage)
	}
	return &msg, nil
}

// DecodeCommand reads the next message and requires it to be a valid CMD.
func (d *Decoder) DecodeCommand() (*CommandMessage, error) {
	msg, err := d.Decode()
	if err != nil {
		return nil, err
	}
	if msg.Type != MessageTypeCommand {
		return nil, engine.NewProtocolError("expected CMD, got "+string(msg.Type), nil).
			WithCode(engine.ErrCodeUnexpectedMessage)
	}

	cmd := new(CommandMessage)
	if err := ParseParams(msg.Data, cmd); err != nil {
		return nil, err
	}
	if err := cmd.Validate(); err != nil {
		return nil, malformed("rejected command", err)
	}
	return cmd, nil
}

// NewCommand builds a command with a fresh id. A nil params leaves the
// payload empty, which only shutdown accepts.
func NewCommand(typ CommandType, params interface{}) (*CommandMessage, error) {
	cmd := &CommandMessage{ID: uuid.NewString(), Type: typ}
	if params == nil {
		return cmd, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, malformed("cannot marshal "+string(typ)+" params", err)
	}
	cmd.Params = raw
	return cmd, nil
}

// ParseParams decodes a raw payload into target.
func ParseParams(raw json.RawMessage, target interface{}) error {
	if len(raw) == 0 {
		return malformed("message has no payload", nil)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return malformed("cannot decode payload", err)
	}
	return nil
}
