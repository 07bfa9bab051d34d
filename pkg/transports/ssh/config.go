package ssh

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/openfroyo/provision/pkg/engine"
)

// AuthMethod selects how the client authenticates.
type AuthMethod string

const (
	AuthMethodPassword AuthMethod = "password"
	AuthMethodKey      AuthMethod = "key"
	// AuthMethodAgent signs with the agent listening on SSH_AUTH_SOCK.
	AuthMethodAgent AuthMethod = "agent"
)

// identityFiles are tried in order when key auth names no key.
var identityFiles = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// Config describes how to reach the host a remote worker runs on.
type Config struct {
	Host string
	Port int
	User string

	AuthMethod           AuthMethod
	Password             string
	PrivateKeyPath       string
	PrivateKeyPassphrase string

	// KnownHostsPath is consulted when StrictHostKeyChecking is set.
	// Without strict checking any host key is accepted.
	KnownHostsPath        string
	StrictHostKeyChecking bool

	ConnectionTimeout time.Duration
	// KeepAliveInterval of zero disables keep-alive requests.
	KeepAliveInterval time.Duration

	// Sudo starts the worker through sudo -n.
	Sudo bool
}

// DefaultConfig returns key-authenticated, strictly checked settings for
// user@host on port 22.
func DefaultConfig(host, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        sshDir("known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
	}
}

func sshDir(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	return filepath.Join(home, ".ssh", name)
}

// Validate reports the first problem with c as a configuration error. Key
// auth without a key path adopts the first identity found in ~/.ssh.
func (c *Config) Validate() error {
	switch {
	case c.Host == "":
		return engine.Configf("ssh: host is required")
	case c.Port < 1 || c.Port > 65535:
		return engine.Configf("ssh: invalid port: %d", c.Port)
	case c.User == "":
		return engine.Configf("ssh: user is required")
	}

	if err := c.validateAuth(); err != nil {
		return err
	}

	if c.ConnectionTimeout <= 0 {
		return engine.Configf("ssh: connection timeout must be positive")
	}
	return nil
}

func (c *Config) validateAuth() error {
	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return engine.Configf("ssh: password is required for password authentication")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			c.PrivateKeyPath = firstIdentity()
		}
		if c.PrivateKeyPath == "" {
			return engine.Configf("ssh: no private key configured and none found in %s", sshDir(""))
		}
		if _, err := os.Stat(c.PrivateKeyPath); errors.Is(err, os.ErrNotExist) {
			return engine.Configf("ssh: private key file not found: %s", c.PrivateKeyPath)
		}
	case AuthMethodAgent:
		if os.Getenv("SSH_AUTH_SOCK") == "" {
			return engine.Configf("ssh: agent authentication needs SSH_AUTH_SOCK")
		}
	default:
		return engine.Configf("ssh: unsupported auth method: %q", c.AuthMethod)
	}
	return nil
}

func firstIdentity() string {
	for _, name := range identityFiles {
		if p := sshDir(name); fileExists(p) {
			return p
		}
	}
	return ""
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// BuildSSHClientConfig turns c into an ssh.ClientConfig. The closer releases
// the agent socket for agent auth and is a no-op otherwise.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, func() error, error) {
	auth, closer, err := c.authMethods()
	if err != nil {
		return nil, nil, err
	}
	hostKeys, err := c.hostKeyCallback()
	if err != nil {
		_ = closer()
		return nil, nil, err
	}
	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         c.ConnectionTimeout,
	}, closer, nil
}

func (c *Config) authMethods() ([]ssh.AuthMethod, func() error, error) {
	noop := func() error { return nil }

	switch c.AuthMethod {
	case AuthMethodPassword:
		// Servers that disable PasswordAuthentication still prompt through
		// keyboard-interactive.
		answer := func(_, _ string, questions []string, _ []bool) ([]string, error) {
			out := make([]string, len(questions))
			for i := range out {
				out[i] = c.Password
			}
			return out, nil
		}
		return []ssh.AuthMethod{ssh.Password(c.Password), ssh.KeyboardInteractive(answer)}, noop, nil

	case AuthMethodKey:
		signer, err := c.loadSigner()
		if err != nil {
			return nil, nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, noop, nil

	case AuthMethodAgent:
		sock, err := net.Dial("unix", os.Getenv("SSH_AUTH_SOCK"))
		if err != nil {
			return nil, nil, engine.NewConfigurationError("ssh: cannot reach agent", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(sock).Signers)}, sock.Close, nil
	}
	return nil, nil, engine.Configf("ssh: unsupported auth method: %q", c.AuthMethod)
}

func (c *Config) loadSigner() (ssh.Signer, error) {
	pem, err := os.ReadFile(c.PrivateKeyPath)
	if err != nil {
		return nil, engine.NewConfigurationError("ssh: cannot read private key", err)
	}
	var signer ssh.Signer
	if c.PrivateKeyPassphrase == "" {
		signer, err = ssh.ParsePrivateKey(pem)
	} else {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(c.PrivateKeyPassphrase))
	}
	if err != nil {
		return nil, engine.NewConfigurationError("ssh: cannot parse private key "+c.PrivateKeyPath, err)
	}
	return signer, nil
}

func (c *Config) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if !c.StrictHostKeyChecking || c.KnownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(c.KnownHostsPath)
	if err != nil {
		return nil, engine.NewConfigurationError("ssh: cannot load known_hosts", err)
	}
	return cb, nil
}

// Address returns host:port, bracketing IPv6 literals.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
