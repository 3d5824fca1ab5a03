package executor

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/cuemby/paddock/pkg/config"
	"github.com/cuemby/paddock/pkg/errdefs"
	"github.com/cuemby/paddock/pkg/keyvault"
	"github.com/cuemby/paddock/pkg/log"
	"github.com/cuemby/paddock/pkg/metrics"
	"github.com/cuemby/paddock/pkg/types"
)

// outputTailBytes bounds how much partial output a timeout error carries
const outputTailBytes = 2048

// Options adjusts a single Execute call
type Options struct {
	Timeout time.Duration // 0 falls back to the configured command timeout
	Stdin   []byte        // Optional stdin payload
}

// Executor runs commands on managed machines over pooled SSH connections
type Executor struct {
	cfg    config.ExecutorConfig
	vault  *keyvault.Vault
	pins   *HostKeyStore
	logger zerolog.Logger

	mu    sync.Mutex
	conns map[string]*conn
}

// conn is the pooled state for one machine
type conn struct {
	mu     sync.Mutex // guards client during (re)dial
	client *ssh.Client
	sem    chan struct{} // session slots
}

// New creates an executor. The host key pin database is opened (or created)
// at pinPath and closed again by Close.
func New(cfg config.ExecutorConfig, vault *keyvault.Vault, pinPath string) (*Executor, error) {
	pins, err := NewHostKeyStore(pinPath)
	if err != nil {
		return nil, err
	}

	return &Executor{
		cfg:    cfg,
		vault:  vault,
		pins:   pins,
		logger: log.WithComponent("executor"),
		conns:  make(map[string]*conn),
	}, nil
}

// Execute runs a command on the machine and returns its result. A non-zero
// exit status is reported in the result, not as an error; errors mean the
// command could not run (transport failure) or was killed at the deadline.
func (e *Executor) Execute(ctx context.Context, m *types.Machine, command string, opts Options) (*types.CommandResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.cfg.CommandTimeout()
	}

	c := e.pooled(m.ID)

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.sem }()

	client, err := e.ensureClient(ctx, c, m)
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		// The pooled transport likely died underneath us; dial fresh once
		c.drop(client)
		client, err = e.ensureClient(ctx, c, m)
		if err != nil {
			return nil, err
		}
		session, err = client.NewSession()
		if err != nil {
			c.drop(client)
			return nil, errdefs.Wrap(err, errdefs.CodeSSHConnectFailed, "failed to open session").
				WithDetail("machine_id", m.ID)
		}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if len(opts.Stdin) > 0 {
		session.Stdin = bytes.NewReader(opts.Stdin)
	}

	metrics.SSHSessionsActive.Inc()
	defer metrics.SSHSessionsActive.Dec()

	start := time.Now()
	if err := session.Start(command); err != nil {
		c.drop(client)
		metrics.RemoteCommandsTotal.WithLabelValues("error").Inc()
		return nil, errdefs.Wrap(err, errdefs.CodeSSHConnectFailed, "failed to start remote command").
			WithDetail("machine_id", m.ID)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-timer.C:
		// Closing the session tears down the remote channel, which is the
		// only way to stop the far side. Wait returns once that happens.
		session.Close()
		<-done
		metrics.RemoteCommandsTotal.WithLabelValues("timeout").Inc()
		return nil, errdefs.Newf(errdefs.CodeSSHCommandTimeout, "command exceeded %s on machine %s", timeout, m.Name).
			WithDetail("machine_id", m.ID).
			WithDetail("stdout_tail", tail(stdout.Bytes())).
			WithDetail("stderr_tail", tail(stderr.Bytes()))
	case <-ctx.Done():
		session.Close()
		<-done
		metrics.RemoteCommandsTotal.WithLabelValues("canceled").Inc()
		return nil, ctx.Err()
	}

	result := &types.CommandResult{
		MachineID:  m.ID,
		Command:    command,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMS: time.Since(start).Milliseconds(),
	}

	if waitErr != nil {
		var exitErr *ssh.ExitError
		if !errors.As(waitErr, &exitErr) {
			// Wait failed without an exit status: the transport is suspect
			c.drop(client)
			metrics.RemoteCommandsTotal.WithLabelValues("error").Inc()
			return nil, errdefs.Wrap(waitErr, errdefs.CodeSSHConnectFailed, "remote command transport failed").
				WithDetail("machine_id", m.ID)
		}
		result.ExitCode = exitErr.ExitStatus()
	}

	metrics.RemoteCommandsTotal.WithLabelValues("success").Inc()
	e.logger.Debug().
		Str("machine_id", m.ID).
		Int("exit_code", result.ExitCode).
		Int64("duration_ms", result.DurationMS).
		Msg("Remote command finished")

	return result, nil
}

// Upload writes data to remotePath on the machine via SFTP, creating parent
// directories as needed.
func (e *Executor) Upload(ctx context.Context, m *types.Machine, remotePath string, data []byte, mode os.FileMode) error {
	c := e.pooled(m.ID)

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.sem }()

	client, err := e.ensureClient(ctx, c, m)
	if err != nil {
		return err
	}

	sc, err := sftp.NewClient(client)
	if err != nil {
		c.drop(client)
		return errdefs.Wrap(err, errdefs.CodeSSHConnectFailed, "failed to open sftp session").
			WithDetail("machine_id", m.ID)
	}
	defer sc.Close()

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := sc.MkdirAll(dir); err != nil {
			return errdefs.Wrapf(err, errdefs.CodeInternal, "failed to create remote directory %s", dir).
				WithDetail("machine_id", m.ID)
		}
	}

	f, err := sc.Create(remotePath)
	if err != nil {
		return errdefs.Wrapf(err, errdefs.CodeInternal, "failed to create remote file %s", remotePath).
			WithDetail("machine_id", m.ID)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errdefs.Wrapf(err, errdefs.CodeInternal, "failed to write remote file %s", remotePath).
			WithDetail("machine_id", m.ID)
	}
	if err := f.Close(); err != nil {
		return errdefs.Wrapf(err, errdefs.CodeInternal, "failed to close remote file %s", remotePath).
			WithDetail("machine_id", m.ID)
	}
	if err := sc.Chmod(remotePath, mode); err != nil {
		return errdefs.Wrapf(err, errdefs.CodeInternal, "failed to chmod remote file %s", remotePath).
			WithDetail("machine_id", m.ID)
	}

	e.logger.Debug().
		Str("machine_id", m.ID).
		Str("path", remotePath).
		Int("bytes", len(data)).
		Msg("Uploaded file")

	return nil
}

// Evict closes and forgets the pooled connection for a machine. The next
// command dials fresh. Used when a machine is removed or its address changes.
func (e *Executor) Evict(machineID string) {
	e.mu.Lock()
	c, ok := e.conns[machineID]
	if ok {
		delete(e.conns, machineID)
	}
	e.mu.Unlock()

	if !ok {
		return
	}

	c.mu.Lock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
	c.mu.Unlock()
}

// ForgetHostKey clears the pinned host key for a machine so the next dial
// re-pins. Callers should Evict as well when the address changed.
func (e *Executor) ForgetHostKey(machineID string) error {
	return e.pins.Forget(machineID)
}

// Close tears down all pooled connections and the pin database
func (e *Executor) Close() error {
	e.mu.Lock()
	conns := e.conns
	e.conns = make(map[string]*conn)
	e.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		if c.client != nil {
			c.client.Close()
			c.client = nil
		}
		c.mu.Unlock()
	}

	return e.pins.Close()
}

// pooled returns the conn slot for a machine, creating it on first use
func (e *Executor) pooled(machineID string) *conn {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.conns[machineID]
	if !ok {
		c = &conn{sem: make(chan struct{}, e.cfg.MaxSessions)}
		e.conns[machineID] = c
	}
	return c
}

// ensureClient returns the pooled client, dialing under the per-machine lock
// when none exists yet.
func (e *Executor) ensureClient(ctx context.Context, c *conn, m *types.Machine) (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	client, err := e.dial(ctx, m)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

// dial opens a new SSH connection to the machine, decrypting its private key
// only for the duration of the parse.
func (e *Executor) dial(ctx context.Context, m *types.Machine) (*ssh.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var signer ssh.Signer
	err := e.vault.DecryptTo(m.KeyEnc, func(plaintext []byte) error {
		var perr error
		signer, perr = ssh.ParsePrivateKey(plaintext)
		return perr
	})
	if err != nil {
		metrics.SSHDialsTotal.WithLabelValues("error").Inc()
		return nil, errdefs.Wrap(err, errdefs.CodeSSHConnectFailed, "failed to load private key").
			WithDetail("machine_id", m.ID)
	}

	port := m.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(m.Host, strconv.Itoa(port))

	clientCfg := &ssh.ClientConfig{
		User:            m.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: e.pins.callback(m.ID),
		Timeout:         e.cfg.DialTimeout(),
	}

	client, err := ssh.Dial("tcp", addr, clientCfg)
	if err != nil {
		metrics.SSHDialsTotal.WithLabelValues("error").Inc()

		// A pin mismatch surfaces through the handshake; keep its code
		var coded *errdefs.Error
		if errors.As(err, &coded) {
			return nil, coded
		}
		return nil, errdefs.Wrapf(err, errdefs.CodeSSHConnectFailed, "failed to dial %s", addr).
			WithDetail("machine_id", m.ID)
	}

	metrics.SSHDialsTotal.WithLabelValues("success").Inc()
	e.logger.Debug().
		Str("machine_id", m.ID).
		Str("addr", addr).
		Msg("SSH connection established")

	return client, nil
}

// drop discards the pooled client if it is still the one the caller used,
// so a concurrent re-dial is not clobbered.
func (c *conn) drop(client *ssh.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == client && client != nil {
		c.client = nil
		client.Close()
	}
}

// IsTransportFailure reports whether the error means the machine could not
// be reached or the command was killed in flight, as opposed to the command
// running and failing.
func IsTransportFailure(err error) bool {
	switch errdefs.GetCode(err) {
	case errdefs.CodeSSHConnectFailed, errdefs.CodeHostKeyMismatch, errdefs.CodeSSHCommandTimeout:
		return true
	}
	return false
}

// tail returns the last outputTailBytes of b as a string
func tail(b []byte) string {
	if len(b) > outputTailBytes {
		b = b[len(b)-outputTailBytes:]
	}
	return string(b)
}
