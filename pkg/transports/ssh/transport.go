// Package ssh runs the provisioning worker on a remote host: the binary is
// uploaded over SFTP and started in an SSH session whose stdin and stdout
// carry the worker protocol.
package ssh

import (
	"errors"
	"time"

	"github.com/openfroyo/provision/pkg/worker/client"
)

var _ client.Transport = (*Client)(nil)

// ConnectionInfo is a snapshot of the client's connection state.
type ConnectionInfo struct {
	Host        string
	Port        int
	User        string
	ConnectedAt time.Time
	Connected   bool
}

// TransportError is returned for any failed SSH or SFTP step. Op names the
// step: connect, disconnect, upload, sftp-init, exec, wait or cleanup.
type TransportError struct {
	Op  string
	Err error

	// IsTemporary marks network-level failures worth a retry.
	IsTemporary bool
	// IsAuthError marks credential or host key rejections.
	IsAuthError bool
}

func (e *TransportError) Error() string { return "ssh " + e.Op + ": " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

// Temporary reports whether retrying the step may succeed.
func (e *TransportError) Temporary() bool { return e.IsTemporary }

// IsRetryable reports whether err carries a temporary transport failure.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.IsTemporary && !te.IsAuthError
}
