// Package protocol defines the JSON-lines protocol spoken between the
// controller and a provision worker over a pair of byte streams.
//
// The worker announces itself with READY, then answers every CMD with DONE or
// ERROR. While a command runs the worker may send FILE_REQ, which the
// controller answers with one or more FILE_DATA chunks. EXIT is sent when the
// worker shuts down.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/provision/pkg/actions"
)

// Version is the protocol revision reported in READY.
const Version = "1"

// ChunkSize is the largest payload of a single FILE_DATA message.
const ChunkSize = 32 * 1024

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeReady indicates the worker is ready to receive commands
	MessageTypeReady MessageType = "READY"
	// MessageTypeCommand carries a command from the controller
	MessageTypeCommand MessageType = "CMD"
	// MessageTypeEvent carries a progress event from the worker
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeFileRequest asks the controller for a shared file
	MessageTypeFileRequest MessageType = "FILE_REQ"
	// MessageTypeFileData carries a chunk of a requested file
	MessageTypeFileData MessageType = "FILE_DATA"
	// MessageTypeDone indicates successful completion of a command
	MessageTypeDone MessageType = "DONE"
	// MessageTypeError indicates a command failed
	MessageTypeError MessageType = "ERROR"
	// MessageTypeExit indicates the worker is exiting
	MessageTypeExit MessageType = "EXIT"
)

// CommandType represents the type of command to execute.
type CommandType string

const (
	// CommandTypeRunActions runs an all-or-nothing batch of action records
	CommandTypeRunActions CommandType = "actions.run"
	// CommandTypePipelineAdd runs one action as part of a pipeline
	CommandTypePipelineAdd CommandType = "pipeline.add"
	// CommandTypePipelineReset clears the failed state of a pipeline
	CommandTypePipelineReset CommandType = "pipeline.reset"
	// CommandTypePipelineClose forgets a pipeline
	CommandTypePipelineClose CommandType = "pipeline.close"
	// CommandTypeShutdown asks the worker to exit
	CommandTypeShutdown CommandType = "shutdown"
)

// Message is the envelope of every protocol message.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is sent once when the worker is ready to receive commands.
type ReadyMessage struct {
	Version  string            `json:"version"`
	Platform string            `json:"platform"`
	Arch     string            `json:"arch"`
	PID      int               `json:"pid"`
	Actions  []string          `json:"actions"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// CommandMessage contains a command to execute.
type CommandMessage struct {
	ID     string          `json:"id"`
	Type   CommandType     `json:"type"`
	Params json.RawMessage `json:"params,omitempty"`
}

// EventMessage reports progress while a command runs.
type EventMessage struct {
	CommandID string `json:"command_id"`
	Level     string `json:"level"` // info, warn, debug
	Message   string `json:"message"`
	ActionID  string `json:"action_id,omitempty"`
	State     string `json:"state,omitempty"`
}

// FileRequestMessage asks the controller for the contents of Path.
type FileRequestMessage struct {
	RequestID string `json:"request_id"`
	Path      string `json:"path"`
}

// FileMeta describes a transferred file.
type FileMeta struct {
	Size int64  `json:"size"`
	Mode uint32 `json:"mode"`
}

// FileDataMessage is one chunk of a file transfer. The last chunk has EOF
// set; OK=false on that chunk means the transfer was refused or aborted.
type FileDataMessage struct {
	RequestID string    `json:"request_id"`
	Data      []byte    `json:"data,omitempty"`
	EOF       bool      `json:"eof"`
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
	Meta      *FileMeta `json:"meta,omitempty"`
}

// DoneMessage indicates successful command completion.
type DoneMessage struct {
	CommandID string          `json:"command_id"`
	Result    json.RawMessage `json:"result,omitempty"`
	Duration  float64         `json:"duration"` // seconds
}

// ErrorMessage indicates a command failed. Class and Code mirror the
// engine error taxonomy so the controller can rebuild the error.
type ErrorMessage struct {
	CommandID string `json:"command_id,omitempty"`
	Class     string `json:"class"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// ExitMessage is sent before the worker terminates.
type ExitMessage struct {
	Reason        string `json:"reason"`
	ExitCode      int    `json:"exit_code"`
	CommandsTotal int    `json:"commands_total"`
}

// Command parameter and result structures

// RunActionsParams is the payload of actions.run.
type RunActionsParams struct {
	Actions []actions.Record `json:"actions"`
}

// RunActionsResult holds the executed records, in input order.
type RunActionsResult struct {
	Actions []actions.Record `json:"actions"`
}

// PipelineAddParams is the payload of pipeline.add.
type PipelineAddParams struct {
	Pipeline string              `json:"pipeline"`
	When     map[string][]string `json:"when,omitempty"`
	Action   actions.Record      `json:"action"`
}

// PipelineAddResult holds the executed (or skipped) record.
type PipelineAddResult struct {
	Action actions.Record `json:"action"`
}

// PipelineParams is the payload of pipeline.reset and pipeline.close.
type PipelineParams struct {
	Pipeline string `json:"pipeline"`
}

// Validation methods

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeCommand, MessageTypeEvent,
		MessageTypeFileRequest, MessageTypeFileData,
		MessageTypeDone, MessageTypeError, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the command type is valid.
func (ct CommandType) Validate() error {
	switch ct {
	case CommandTypeRunActions, CommandTypePipelineAdd,
		CommandTypePipelineReset, CommandTypePipelineClose,
		CommandTypeShutdown:
		return nil
	default:
		return fmt.Errorf("invalid command type: %s", ct)
	}
}

// Validate checks if the command message is valid.
func (cmd *CommandMessage) Validate() error {
	if cmd.ID == "" {
		return fmt.Errorf("command ID is required")
	}
	if err := cmd.Type.Validate(); err != nil {
		return err
	}
	if cmd.Type != CommandTypeShutdown && len(cmd.Params) == 0 {
		return fmt.Errorf("command params are required")
	}
	return nil
}

// Validate checks if the file request is valid.
func (req *FileRequestMessage) Validate() error {
	if req.RequestID == "" {
		return fmt.Errorf("request ID is required")
	}
	if req.Path == "" {
		return fmt.Errorf("path is required")
	}
	return nil
}

// Validate checks if the event message is valid.
func (evt *EventMessage) Validate() error {
	if evt.CommandID == "" {
		return fmt.Errorf("command ID is required")
	}
	if evt.Level == "" {
		evt.Level = "info"
	}
	validLevels := map[string]bool{"info": true, "warn": true, "debug": true}
	if !validLevels[evt.Level] {
		return fmt.Errorf("invalid event level: %s", evt.Level)
	}
	return nil
}
