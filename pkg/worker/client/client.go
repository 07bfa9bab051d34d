// Package client drives a provision worker from the controller side: it
// starts the worker through a Transport, sends commands and serves the file
// pulls the worker makes while a command runs.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/openfroyo/provision/pkg/engine"
	"github.com/openfroyo/provision/pkg/telemetry"
	"github.com/openfroyo/provision/pkg/worker/protocol"
)

// Transport defines how the worker binary reaches its host and is started.
type Transport interface {
	// Upload copies the worker binary to the host
	Upload(ctx context.Context, localPath, remotePath string) error
	// Execute starts the worker process and returns its stdin/stdout
	Execute(ctx context.Context, remotePath string) (stdin io.WriteCloser, stdout io.ReadCloser, err error)
	// Cleanup waits for the worker to exit and removes what Upload created
	Cleanup(ctx context.Context, remotePath string) error
}

// FileSource opens controller-side files the worker asks for. Paths that were
// not shared must be refused.
type FileSource interface {
	Open(path string) (*os.File, error)
}

// Config contains client configuration options.
type Config struct {
	Transport      Transport
	WorkerPath     string // Path to local worker binary
	RemotePath     string // Path on the worker host
	StartupTimeout time.Duration
	Files          FileSource
	Logger         *telemetry.Logger
	Metrics        *telemetry.Metrics
	Tracer         *telemetry.Tracer
	// OnEvent receives progress events. It may be nil.
	OnEvent func(*protocol.EventMessage)
}

// Client manages communication with one worker instance. Commands are
// serialized: one runs at a time.
type Client struct {
	cfg     *Config
	log     *telemetry.Logger
	encoder *protocol.Encoder
	decoder *protocol.Decoder
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	ready   *protocol.ReadyMessage

	mu     sync.Mutex
	closed bool
}

// NewClient creates a new worker client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.WorkerPath == "" {
		return nil, fmt.Errorf("worker path is required")
	}
	if cfg.RemotePath == "" {
		cfg.RemotePath = cfg.WorkerPath
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 10 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = telemetry.NewNopLogger()
	}

	return &Client{
		cfg: cfg,
		log: log.NewComponentLogger("worker-client"),
	}, nil
}

// Start uploads the worker binary, starts it and waits for READY. On failure
// the streams are closed and the transport cleaned up; the client cannot be
// restarted.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("client is closed")
	}
	if err := c.start(ctx); err != nil {
		c.abort(ctx)
		return err
	}
	return nil
}

// abort tears down a worker that never became ready. Closing stdout
// unblocks the READY reader.
func (c *Client) abort(ctx context.Context) {
	c.closed = true
	if c.stdin != nil {
		_ = c.stdin.Close()
	}
	if c.stdout != nil {
		_ = c.stdout.Close()
	}
	if err := c.cfg.Transport.Cleanup(ctx, c.cfg.RemotePath); err != nil {
		c.log.Warnf("cleanup after failed start: %v", err)
	}
}

func (c *Client) start(ctx context.Context) error {
	if err := c.cfg.Transport.Upload(ctx, c.cfg.WorkerPath, c.cfg.RemotePath); err != nil {
		return fmt.Errorf("failed to upload worker: %w", err)
	}

	stdin, stdout, err := c.cfg.Transport.Execute(ctx, c.cfg.RemotePath)
	if err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}

	c.stdin = stdin
	c.stdout = stdout
	c.encoder = protocol.NewEncoder(stdin)
	c.decoder = protocol.NewDecoder(stdout)

	readyCtx, cancel := context.WithTimeout(ctx, c.cfg.StartupTimeout)
	defer cancel()

	readyCh := make(chan *protocol.ReadyMessage, 1)
	errCh := make(chan error, 1)

	go func() {
		msg, err := c.decoder.Decode()
		if err != nil {
			errCh <- err
			return
		}
		if msg.Type != protocol.MessageTypeReady {
			errCh <- fmt.Errorf("expected READY, got %s", msg.Type)
			return
		}
		var ready protocol.ReadyMessage
		if err := protocol.ParseParams(msg.Data, &ready); err != nil {
			errCh <- err
			return
		}
		readyCh <- &ready
	}()

	select {
	case <-readyCtx.Done():
		return engine.NewProtocolError("timeout waiting for READY message", readyCtx.Err()).
			WithCode(engine.ErrCodeWorkerFailed)
	case err := <-errCh:
		return engine.NewProtocolError("failed to receive READY", err).
			WithCode(engine.ErrCodeWorkerFailed)
	case ready := <-readyCh:
		if ready.Version != protocol.Version {
			return engine.NewProtocolError(
				fmt.Sprintf("worker speaks protocol %q, want %q", ready.Version, protocol.Version), nil).
				WithCode(engine.ErrCodeWorkerFailed)
		}
		c.ready = ready
		c.log.Debugf("worker ready: pid %d on %s/%s", ready.PID, ready.Platform, ready.Arch)
		return nil
	}
}

// Execute sends a command and waits for its DONE, serving file requests in
// the meantime. A worker ERROR is returned as the engine error it describes.
func (c *Client) Execute(ctx context.Context, cmd *protocol.CommandMessage) (*protocol.DoneMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("client is closed")
	}
	if c.encoder == nil {
		return nil, fmt.Errorf("client is not started")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := c.encoder.EncodeCommand(cmd); err != nil {
		return nil, engine.NewProtocolError("failed to send command", err).
			WithCode(engine.ErrCodeWorkerFailed)
	}

	for {
		msg, err := c.decoder.Decode()
		if err != nil {
			return nil, engine.NewProtocolError("failed to read response", err).
				WithCode(engine.ErrCodeWorkerFailed)
		}

		switch msg.Type {
		case protocol.MessageTypeEvent:
			var event protocol.EventMessage
			if err := protocol.ParseParams(msg.Data, &event); err != nil {
				return nil, fmt.Errorf("failed to parse event: %w", err)
			}
			if c.cfg.OnEvent != nil {
				c.cfg.OnEvent(&event)
			}

		case protocol.MessageTypeFileRequest:
			var req protocol.FileRequestMessage
			if err := protocol.ParseParams(msg.Data, &req); err != nil {
				return nil, fmt.Errorf("failed to parse file request: %w", err)
			}
			if err := c.serveFile(ctx, &req); err != nil {
				return nil, err
			}

		case protocol.MessageTypeDone:
			var done protocol.DoneMessage
			if err := protocol.ParseParams(msg.Data, &done); err != nil {
				return nil, fmt.Errorf("failed to parse done: %w", err)
			}
			if done.CommandID != cmd.ID {
				return nil, engine.NewProtocolError(
					fmt.Sprintf("command ID mismatch: expected %s, got %s", cmd.ID, done.CommandID), nil).
					WithCode(engine.ErrCodeUnexpectedMessage)
			}
			return &done, nil

		case protocol.MessageTypeError:
			var errMsg protocol.ErrorMessage
			if err := protocol.ParseParams(msg.Data, &errMsg); err != nil {
				return nil, fmt.Errorf("failed to parse error: %w", err)
			}
			if errMsg.CommandID != "" && errMsg.CommandID != cmd.ID {
				return nil, engine.NewProtocolError(
					fmt.Sprintf("command ID mismatch: expected %s, got %s", cmd.ID, errMsg.CommandID), nil).
					WithCode(engine.ErrCodeUnexpectedMessage)
			}
			return nil, engine.FromWire(errMsg.Class, errMsg.Code, errMsg.Message)

		case protocol.MessageTypeExit:
			return nil, engine.NewProtocolError("worker exited unexpectedly", nil).
				WithCode(engine.ErrCodeWorkerFailed)

		default:
			return nil, engine.NewProtocolError(fmt.Sprintf("unexpected message type: %s", msg.Type), nil).
				WithCode(engine.ErrCodeUnexpectedMessage)
		}
	}
}

// serveFile answers one FILE_REQ. Refusals and read failures are reported to
// the worker as a final chunk with ok=false; only write failures on the
// protocol stream are returned.
func (c *Client) serveFile(ctx context.Context, req *protocol.FileRequestMessage) error {
	_, span := c.cfg.Tracer.StartFilePullSpan(ctx, req.Path)
	defer span.End()

	sent, err := c.streamFile(req)
	c.cfg.Metrics.RecordFilePull(err == nil, sent)

	var wire *wireError
	switch {
	case err == nil:
		telemetry.RecordSuccess(span)
		return nil
	case errors.As(err, &wire):
		telemetry.RecordError(span, err)
		return wire.err
	default:
		telemetry.RecordError(span, err)
		c.log.WithError(err).Warnf("refused file request for %s", req.Path)
		return c.encoder.EncodeFileData(&protocol.FileDataMessage{
			RequestID: req.RequestID,
			EOF:       true,
			OK:        false,
			Error:     err.Error(),
		})
	}
}

// wireError marks a failure writing to the worker, as opposed to a failure
// reading the requested file.
type wireError struct{ err error }

func (w *wireError) Error() string { return w.err.Error() }

func (c *Client) streamFile(req *protocol.FileRequestMessage) (int64, error) {
	if c.cfg.Files == nil {
		return 0, engine.NewProtocolError(fmt.Sprintf("file %q is not shared", req.Path), nil).
			WithCode(engine.ErrCodeFileNotShared)
	}
	f, err := c.cfg.Files.Open(req.Path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return 0, err
	}

	var sent int64
	buf := make([]byte, protocol.ChunkSize)
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			chunk := &protocol.FileDataMessage{RequestID: req.RequestID, Data: buf[:n]}
			if err := c.encoder.EncodeFileData(chunk); err != nil {
				return sent, &wireError{err: err}
			}
			sent += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return sent, readErr
		}
	}

	last := &protocol.FileDataMessage{
		RequestID: req.RequestID,
		EOF:       true,
		OK:        true,
		Meta:      &protocol.FileMeta{Size: sent, Mode: uint32(st.Mode().Perm())},
	}
	if err := c.encoder.EncodeFileData(last); err != nil {
		return sent, &wireError{err: err}
	}
	return sent, nil
}

// Ready returns the READY message received during startup.
func (c *Client) Ready() *protocol.ReadyMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Close asks the worker to shut down, closes the streams and lets the
// transport clean up.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error

	if c.encoder != nil {
		if cmd, err := protocol.NewCommand(protocol.CommandTypeShutdown, nil); err == nil {
			// The worker may already be gone; EOF on stdin has the same effect.
			_ = c.encoder.EncodeCommand(cmd)
		}
	}

	if c.stdin != nil {
		if err := c.stdin.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close stdin: %w", err))
		}
	}

	if c.stdout != nil {
		// Drain until EXIT or EOF so the process can finish writing.
		for {
			msg, err := c.decoder.Decode()
			if err != nil || msg.Type == protocol.MessageTypeExit {
				break
			}
		}
		if err := c.stdout.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close stdout: %w", err))
		}
	}

	if err := c.cfg.Transport.Cleanup(ctx, c.cfg.RemotePath); err != nil {
		errs = append(errs, fmt.Errorf("failed to clean up worker: %w", err))
	}

	return errors.Join(errs...)
}
