package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/tfbench/tf-bench-util/pkg/logging"
	"github.com/tfbench/tf-bench-util/pkg/retry"
)

var ErrNoAuth = errors.New("remote: no ssh authentication method available")

// Native talks SSH directly without an ssh binary on the operator machine
type Native struct {
	User                  string
	Port                  int
	IdentityFiles         []string
	UseAgent              bool
	KnownHostsFile        string
	InsecureIgnoreHostKey bool
	DialTimeout           time.Duration
	Retry                 retry.Config
	Logger                *logging.Logger
}

func (n *Native) logger() *logging.Logger {
	if n.Logger == nil {
		return logging.Discard()
	}
	return n.Logger
}

func (n *Native) authMethods() ([]ssh.AuthMethod, func(), error) {
	var methods []ssh.AuthMethod
	cleanup := func() {}

	if n.UseAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			conn, err := net.Dial("unix", sock)
			if err != nil {
				n.logger().Warn("ssh-agent unavailable", logging.Fields{"error": err.Error()})
			} else {
				cleanup = func() { conn.Close() }
				methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			}
		}
	}

	var signers []ssh.Signer
	for _, path := range n.IdentityFiles {
		key, err := os.ReadFile(path)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("failed to read identity %s: %w", path, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("failed to parse identity %s: %w", path, err)
		}
		signers = append(signers, signer)
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	if len(methods) == 0 {
		cleanup()
		return nil, nil, ErrNoAuth
	}
	return methods, cleanup, nil
}

func (n *Native) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if n.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := n.KnownHostsFile
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to locate known_hosts: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts %s: %w", path, err)
	}
	return cb, nil
}

func (n *Native) clientConfig(username string) (*ssh.ClientConfig, func(), error) {
	hostKey, err := n.hostKeyCallback()
	if err != nil {
		return nil, nil, err
	}
	auth, cleanup, err := n.authMethods()
	if err != nil {
		return nil, nil, err
	}
	timeout := n.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ssh.ClientConfig{
		User:            username,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}, cleanup, nil
}

func (n *Native) defaultUser() string {
	if n.User != "" {
		return n.User
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "root"
}

func (n *Native) dial(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// Exec runs argv on host over a fresh SSH connection. Dialing is retried on
// transient network errors; the command itself never is.
func (n *Native) Exec(ctx context.Context, host string, argv []string) (Output, error) {
	username, hostname := SplitUser(host, n.defaultUser())
	out := Output{Host: host}

	cfg, cleanup, err := n.clientConfig(username)
	if err != nil {
		return out, fmt.Errorf("%w: %s: %v", ErrTransport, host, err)
	}
	defer cleanup()

	port := n.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(hostname, strconv.Itoa(port))

	policy := n.Retry
	if policy.MaxRetries == 0 && policy.InitialBackoff == 0 {
		policy = retry.DefaultConfig()
	}
	policy.OnRetry = func(attempt int, err error, backoff time.Duration) {
		n.logger().Warn("SSH dial failed, retrying", logging.Fields{
			"host": host, "attempt": attempt, "backoff": backoff.String(), "error": err.Error(),
		})
	}

	var client *ssh.Client
	err = retry.Do(ctx, policy, func() error {
		c, err := n.dial(ctx, addr, cfg)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		return out, fmt.Errorf("%w: %s: %v", ErrTransport, host, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return out, fmt.Errorf("%w: %s: %v", ErrTransport, host, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(Command(argv)) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		client.Close()
		<-done
		return out, ctx.Err()
	case err = <-done:
	}

	out.Stdout = stdout.String()
	out.Stderr = stderr.String()

	if err == nil {
		return out, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitStatus()
		return out, &ExitError{Host: host, Code: out.ExitCode, Stderr: out.Stderr}
	}
	return out, fmt.Errorf("%w: %s: %v", ErrTransport, host, err)
}
