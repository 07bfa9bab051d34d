package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/provision/pkg/telemetry"
)

// Client connects to one host and runs a worker there. It implements
// client.Transport: Upload copies the worker binary over SFTP, Execute
// starts it in a session, and Cleanup waits for it and removes the binary.
type Client struct {
	config *Config
	log    *telemetry.Logger

	mu          sync.Mutex
	conn        *ssh.Client
	closeAuth   func() error
	connectedAt time.Time
	session     *ssh.Session
	stopKeep    chan struct{}
}

// NewClient creates a client for config. The connection is opened lazily,
// or explicitly with Connect.
func NewClient(config *Config, logger *telemetry.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Client{
		config: config,
		log:    logger.NewComponentLogger("ssh").WithField("host", config.Address()),
	}, nil
}

// Connect establishes the SSH connection. It is a no-op when connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}

	clientConfig, closeAuth, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := c.config.Address()
	c.log.Debug("establishing SSH connection")

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		_ = closeAuth()
		return &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}

	ncc, chans, reqs, err := ssh.NewClientConn(netConn, address, clientConfig)
	if err != nil {
		_ = netConn.Close()
		_ = closeAuth()
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	c.conn = ssh.NewClient(ncc, chans, reqs)
	c.closeAuth = closeAuth
	c.connectedAt = time.Now()

	if c.config.KeepAliveInterval > 0 {
		c.stopKeep = make(chan struct{})
		go c.keepAlive(c.conn, c.stopKeep)
	}

	c.log.Info("SSH connection established")
	return nil
}

// Disconnect closes the connection and any running session.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnectLocked()
}

func (c *Client) disconnectLocked() error {
	if c.conn == nil {
		return nil
	}
	if c.stopKeep != nil {
		close(c.stopKeep)
		c.stopKeep = nil
	}
	if c.session != nil {
		_ = c.session.Close()
		c.session = nil
	}
	err := c.conn.Close()
	c.conn = nil
	if c.closeAuth != nil {
		_ = c.closeAuth()
		c.closeAuth = nil
	}
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// Info returns information about the current connection.
func (c *Client) Info() ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionInfo{
		Host:        c.config.Host,
		Port:        c.config.Port,
		User:        c.config.User,
		ConnectedAt: c.connectedAt,
		Connected:   c.conn != nil,
	}
}

func (c *Client) keepAlive(conn *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, _, err := conn.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				c.log.WithError(err).Warn("keep-alive failed")
				return
			}
		}
	}
}

// Upload copies the local worker binary to remotePath and makes it
// executable.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connectLocked(ctx); err != nil {
		return err
	}

	local, err := os.Open(localPath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to open local file: %w", err)}
	}
	defer local.Close()

	sftpClient, err := sftp.NewClient(c.conn)
	if err != nil {
		return &TransportError{Op: "sftp-init", Err: fmt.Errorf("failed to create SFTP client: %w", err), IsTemporary: true}
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}
	remote, err := sftpClient.Create(remotePath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote file: %w", err), IsTemporary: true}
	}
	defer remote.Close()

	n, err := copyWithContext(ctx, remote, local)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to copy file: %w", err), IsTemporary: true}
	}
	if err := sftpClient.Chmod(remotePath, 0o755); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to make worker executable: %w", err)}
	}

	c.log.WithField("remote", remotePath).WithField("bytes", n).Debug("worker uploaded")
	return nil
}

// Execute starts the worker at remotePath in a new session. Its stderr is
// forwarded to the log.
func (c *Client) Execute(ctx context.Context, remotePath string) (io.WriteCloser, io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connectLocked(ctx); err != nil {
		return nil, nil, err
	}
	if c.session != nil {
		return nil, nil, &TransportError{Op: "exec", Err: errors.New("worker already running")}
	}

	session, err := c.conn.NewSession()
	if err != nil {
		return nil, nil, &TransportError{Op: "exec", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, nil, &TransportError{Op: "exec", Err: fmt.Errorf("failed to create stdin pipe: %w", err)}
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, nil, &TransportError{Op: "exec", Err: fmt.Errorf("failed to create stdout pipe: %w", err)}
	}
	session.Stderr = &logWriter{log: c.log}

	command := WorkerCommand(remotePath, c.config.Sudo)
	if err := session.Start(command); err != nil {
		session.Close()
		return nil, nil, &TransportError{Op: "exec", Err: fmt.Errorf("failed to start worker: %w", err)}
	}
	c.session = session
	c.log.WithField("command", command).Debug("worker started")
	return stdin, io.NopCloser(stdout), nil
}

// Cleanup waits for the worker session to end, removes the uploaded binary
// and closes the connection.
func (c *Client) Cleanup(ctx context.Context, remotePath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if session := c.session; session != nil {
		done := make(chan error, 1)
		go func() { done <- session.Wait() }()
		select {
		case err := <-done:
			var exitErr *ssh.ExitError
			if err != nil && !errors.As(err, &exitErr) {
				errs = append(errs, &TransportError{Op: "wait", Err: err})
			}
		case <-ctx.Done():
			errs = append(errs, &TransportError{Op: "wait", Err: ctx.Err(), IsTemporary: true})
		}
		_ = session.Close()
		c.session = nil
	}

	if c.conn != nil {
		if sftpClient, err := sftp.NewClient(c.conn); err == nil {
			if err := sftpClient.Remove(remotePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, &TransportError{Op: "cleanup", Err: err})
			}
			_ = sftpClient.Close()
		}
	}

	if err := c.disconnectLocked(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// WorkerCommand returns the remote shell command starting the worker.
func WorkerCommand(remotePath string, sudo bool) string {
	cmd := shellQuote(remotePath)
	if sudo {
		cmd = "sudo -n " + cmd
	}
	return cmd
}

func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r == '/' || r == '.' || r == '-' || r == '_' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// copyWithContext copies data from src to dst while respecting context
// cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}

// logWriter forwards worker stderr to the log line by line.
type logWriter struct {
	log     *telemetry.Logger
	pending []byte
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		if line := strings.TrimSpace(string(w.pending[:i])); line != "" {
			w.log.WithField("stream", "stderr").Debug(line)
		}
		w.pending = w.pending[i+1:]
	}
	return len(p), nil
}
