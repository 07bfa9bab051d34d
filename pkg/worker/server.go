// Package worker implements the execution side of the remote-delegate
// system: a JSON-lines command loop that decodes action records, runs them
// against this host and pulls controller files back over the same stream.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/provision/pkg/actions"
	"github.com/openfroyo/provision/pkg/engine"
	"github.com/openfroyo/provision/pkg/system"
	"github.com/openfroyo/provision/pkg/telemetry"
	"github.com/openfroyo/provision/pkg/worker/protocol"
)

// Config contains server options.
type Config struct {
	// Version is reported in the READY metadata.
	Version string
	// Exec runs commands for actions. Defaults to system.ExecCommand.
	Exec system.CommandExecutor
}

// Server serves one controller over a reader/writer pair, normally the
// process's stdin and stdout.
type Server struct {
	encoder   *protocol.Encoder
	decoder   *protocol.Decoder
	registry  *actions.Registry
	target    *system.Delegated
	pipelines *system.PipelineSet
	metrics   *telemetry.Metrics
	log       *telemetry.Logger
	version   string

	commandCount int
}

// NewServer creates a server reading commands from r and writing replies to w.
func NewServer(r io.Reader, w io.Writer, env *system.Environment, cfg Config) *Server {
	if env == nil {
		env = system.NewEnvironment(nil)
	}
	tel := env.Telemetry
	if tel == nil {
		tel = telemetry.Nop()
	}
	registry := env.Registry
	if registry == nil {
		registry = actions.Default
	}

	s := &Server{
		encoder:   protocol.NewEncoder(w),
		decoder:   protocol.NewDecoder(r),
		registry:  registry,
		pipelines: system.NewPipelineSet(tel.Metrics),
		metrics:   tel.Metrics,
		log:       tel.Logger.NewComponentLogger("worker"),
		version:   cfg.Version,
	}
	s.target = system.NewDelegated(s)
	if cfg.Exec != nil {
		s.target.Exec = cfg.Exec
	}
	return s
}

// Serve announces READY and processes commands until stdin closes, a
// shutdown command arrives or the stream breaks. It sends EXIT before
// returning.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.sendReady(); err != nil {
		return fmt.Errorf("failed to send ready: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			s.exit("cancelled", 1)
			return err
		}

		stop, err := s.processNextCommand(ctx)
		switch {
		case errors.Is(err, io.EOF):
			s.exit("stdin closed", 0)
			return nil
		case err != nil:
			s.log.WithError(err).Error("command loop failed")
			s.exit("error", 1)
			return err
		case stop:
			s.exit("shutdown", 0)
			return nil
		}
	}
}

func (s *Server) sendReady() error {
	meta := map[string]string{}
	if s.version != "" {
		meta["version"] = s.version
	}
	return s.encoder.EncodeReady(&protocol.ReadyMessage{
		Version:  protocol.Version,
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
		PID:      os.Getpid(),
		Actions:  s.registry.Tags(),
		Metadata: meta,
	})
}

// processNextCommand handles one CMD. Command failures are answered with
// ERROR and do not stop the loop; only stream failures are returned.
func (s *Server) processNextCommand(ctx context.Context) (stop bool, err error) {
	cmd, err := s.decoder.DecodeCommand()
	if err != nil {
		return false, err
	}

	s.commandCount++
	log := s.log.WithField("command_id", cmd.ID).WithField("command", string(cmd.Type))

	start := time.Now()
	result, err := s.handleCommand(ctx, cmd)
	duration := time.Since(start).Seconds()

	if err != nil {
		log.WithError(err).Debug("command failed")
		class, code, message := engine.ToWire(err)
		return false, s.encoder.EncodeError(&protocol.ErrorMessage{
			CommandID: cmd.ID,
			Class:     class,
			Code:      code,
			Message:   message,
		})
	}

	log.Debugf("command done in %.3fs", duration)
	if err := s.encoder.EncodeDone(&protocol.DoneMessage{
		CommandID: cmd.ID,
		Result:    result,
		Duration:  duration,
	}); err != nil {
		return false, err
	}
	return cmd.Type == protocol.CommandTypeShutdown, nil
}

func (s *Server) handleCommand(ctx context.Context, cmd *protocol.CommandMessage) (json.RawMessage, error) {
	switch cmd.Type {
	case protocol.CommandTypeRunActions:
		var params protocol.RunActionsParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, err
		}
		records, err := s.runActions(ctx, cmd.ID, params.Actions)
		if err != nil {
			return nil, err
		}
		return json.Marshal(&protocol.RunActionsResult{Actions: records})

	case protocol.CommandTypePipelineAdd:
		var params protocol.PipelineAddParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, err
		}
		rec, err := s.pipelineAdd(ctx, cmd.ID, &params)
		if err != nil {
			return nil, err
		}
		return json.Marshal(&protocol.PipelineAddResult{Action: rec})

	case protocol.CommandTypePipelineReset:
		var params protocol.PipelineParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, err
		}
		s.pipelines.Reset(params.Pipeline)
		return nil, nil

	case protocol.CommandTypePipelineClose:
		var params protocol.PipelineParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, err
		}
		s.pipelines.Close(params.Pipeline)
		return nil, nil

	case protocol.CommandTypeShutdown:
		return nil, nil

	default:
		return nil, engine.NewProtocolError(fmt.Sprintf("unsupported command type: %s", cmd.Type), nil).
			WithCode(engine.ErrCodeUnexpectedMessage)
	}
}

// runActions resolves every record before running any, then runs them in
// order. The first failure aborts the batch and no records are returned.
func (s *Server) runActions(ctx context.Context, cmdID string, records []actions.Record) ([]actions.Record, error) {
	batch, err := s.registry.DecodeAll(records)
	if err != nil {
		return nil, err
	}
	for _, a := range batch {
		if err := system.Execute(ctx, s.target, a, s.metrics); err != nil {
			return nil, err
		}
		s.emitExecuted(cmdID, a)
	}
	return s.registry.EncodeAll(batch)
}

func (s *Server) pipelineAdd(ctx context.Context, cmdID string, params *protocol.PipelineAddParams) (actions.Record, error) {
	a, err := s.registry.Decode(params.Action)
	if err != nil {
		return actions.Record{}, err
	}
	info := system.PipelineInfo{ID: params.Pipeline, When: params.When}
	if err := s.pipelines.Execute(ctx, s.target, a, info); err != nil {
		return actions.Record{}, err
	}
	s.emitExecuted(cmdID, a)
	return s.registry.Encode(a)
}

func (s *Server) emitExecuted(cmdID string, a actions.Action) {
	m := a.Meta()
	if err := s.encoder.EncodeEvent(&protocol.EventMessage{
		CommandID: cmdID,
		Level:     "debug",
		Message:   actions.DisplayName(a),
		ActionID:  m.ID,
		State:     string(m.State),
	}); err != nil {
		s.log.WithError(err).Warn("failed to send event")
	}
}

// PullFile implements system.FilePuller. It requests path from the
// controller and copies the streamed chunks into dst. The stream is always
// drained to the final chunk so the command loop stays in sync.
func (s *Server) PullFile(_ context.Context, path string, dst io.Writer) (system.FileMeta, bool, error) {
	reqID := uuid.NewString()
	if err := s.encoder.EncodeFileRequest(&protocol.FileRequestMessage{RequestID: reqID, Path: path}); err != nil {
		return system.FileMeta{}, false, err
	}

	var (
		written  int64
		writeErr error
	)
	for {
		msg, err := s.decoder.Decode()
		if err != nil {
			return system.FileMeta{}, false, fmt.Errorf("file transfer stream: %w", err)
		}
		if msg.Type != protocol.MessageTypeFileData {
			return system.FileMeta{}, false, engine.NewProtocolError(
				fmt.Sprintf("expected FILE_DATA, got %s", msg.Type), nil).
				WithCode(engine.ErrCodeUnexpectedMessage)
		}

		var chunk protocol.FileDataMessage
		if err := protocol.ParseParams(msg.Data, &chunk); err != nil {
			return system.FileMeta{}, false, err
		}
		if chunk.RequestID != reqID {
			return system.FileMeta{}, false, engine.NewProtocolError(
				fmt.Sprintf("file data for request %s, want %s", chunk.RequestID, reqID), nil).
				WithCode(engine.ErrCodeUnexpectedMessage)
		}

		if len(chunk.Data) > 0 && writeErr == nil {
			n, err := dst.Write(chunk.Data)
			written += int64(n)
			writeErr = err
		}
		if !chunk.EOF {
			continue
		}

		s.metrics.RecordFilePull(chunk.OK && writeErr == nil, written)
		if writeErr != nil {
			return system.FileMeta{}, false, writeErr
		}
		if !chunk.OK {
			if chunk.Error != "" {
				s.log.Warnf("controller refused %s: %s", path, chunk.Error)
			}
			return system.FileMeta{}, false, nil
		}
		meta := system.FileMeta{Size: written}
		if chunk.Meta != nil {
			meta = system.FileMeta{Size: chunk.Meta.Size, Mode: chunk.Meta.Mode}
		}
		return meta, true, nil
	}
}

func (s *Server) exit(reason string, code int) {
	if err := s.encoder.EncodeExit(&protocol.ExitMessage{
		Reason:        reason,
		ExitCode:      code,
		CommandsTotal: s.commandCount,
	}); err != nil {
		s.log.WithError(err).Debug("failed to send exit")
	}
}
