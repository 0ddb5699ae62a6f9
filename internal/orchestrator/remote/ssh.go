package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	apperrors "github.com/chiquitav2/vnas-orchestrator/pkg/errors"
	applogger "github.com/chiquitav2/vnas-orchestrator/pkg/logger"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SSHDialer opens SSH connections with golang.org/x/crypto/ssh.
type SSHDialer struct {
	timeout time.Duration
	logger  *applogger.Logger
}

// NewSSHDialer creates a dialer whose TCP and handshake phases are bounded by timeout.
func NewSSHDialer(timeout time.Duration, logger *applogger.Logger) *SSHDialer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SSHDialer{
		timeout: timeout,
		logger:  logger.WithComponent("remote.ssh"),
	}
}

// Dial connects to target directly, or through jump when it is set. In jump
// mode the jump connection is fully established first and is closed as soon as
// the target connection closes or fails.
func (d *SSHDialer) Dial(ctx context.Context, target Endpoint, jump *Endpoint) (Conn, error) {
	if jump == nil {
		client, err := d.dialDirect(ctx, target)
		if err != nil {
			return nil, err
		}
		return &sshConn{client: client, logger: d.logger}, nil
	}

	targetConfig, err := d.clientConfig(target)
	if err != nil {
		return nil, err
	}

	jc, err := d.dialDirect(ctx, *jump)
	if err != nil {
		return nil, err
	}

	netConn, err := jc.DialContext(ctx, "tcp", target.Address())
	if err != nil {
		jc.Close()
		return nil, connectionError("failed to open forwarded channel", target, err).
			WithMetadata("jump_host", jump.Host)
	}

	client, err := d.handshake(netConn, target, targetConfig)
	if err != nil {
		jc.Close()
		return nil, err
	}

	go func() {
		_ = client.Wait()
		jc.Close()
	}()

	d.logger.Debug("connected through jump host",
		slog.String("host", target.Host),
		slog.String("jump_host", jump.Host))

	return &sshConn{client: client, jump: jc, logger: d.logger}, nil
}

func (d *SSHDialer) dialDirect(ctx context.Context, ep Endpoint) (*ssh.Client, error) {
	config, err := d.clientConfig(ep)
	if err != nil {
		return nil, err
	}

	netConn, err := (&net.Dialer{Timeout: d.timeout}).DialContext(ctx, "tcp", ep.Address())
	if err != nil {
		return nil, connectionError("failed to reach host", ep, err)
	}

	return d.handshake(netConn, ep, config)
}

func (d *SSHDialer) clientConfig(ep Endpoint) (*ssh.ClientConfig, error) {
	signer, err := ssh.ParsePrivateKey(ep.PrivateKey)
	if err != nil {
		return nil, apperrors.NewSystemError(
			apperrors.ErrCodeConfiguration,
			"failed to parse private key",
			false, err,
		).WithMetadata("host", ep.Host)
	}

	return &ssh.ClientConfig{
		User: ep.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		// Instances are freshly created, so there is no known host key to pin.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         d.timeout,
	}, nil
}

func (d *SSHDialer) handshake(netConn net.Conn, ep Endpoint, config *ssh.ClientConfig) (*ssh.Client, error) {
	_ = netConn.SetDeadline(time.Now().Add(d.timeout))
	c, chans, reqs, err := ssh.NewClientConn(netConn, ep.Address(), config)
	if err != nil {
		netConn.Close()
		return nil, connectionError("ssh handshake failed", ep, err)
	}
	_ = netConn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

func connectionError(msg string, ep Endpoint, cause error) apperrors.DomainError {
	return apperrors.NewInfrastructureError(apperrors.ErrCodeSSHConnection, msg, true, cause).
		WithMetadata("host", ep.Host)
}

type sshConn struct {
	client *ssh.Client
	jump   *ssh.Client
	logger *applogger.Logger
}

// Run executes a command and captures combined output
func (c *sshConn) Run(ctx context.Context, command string) (CommandResult, error) {
	result := CommandResult{Command: command}

	session, err := c.client.NewSession()
	if err != nil {
		return result, apperrors.NewInfrastructureError(apperrors.ErrCodeSSHConnection, "failed to create session", true, err)
	}
	defer session.Close()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = session.Signal(ssh.SIGKILL)
		case <-done:
		}
	}()

	output, err := session.CombinedOutput(command)
	close(done)
	result.Output = string(output)

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitStatus = exitErr.ExitStatus()
			return result, nil
		}
		return result, apperrors.NewInfrastructureError(apperrors.ErrCodeSSHCommand, "ssh command failed", true, err).
			WithMetadata("command", command)
	}

	return result, nil
}

// Upload copies a local file over SFTP
func (c *sshConn) Upload(ctx context.Context, localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return apperrors.NewSystemError(apperrors.ErrCodeFileTransfer, "failed to open local file", false, err).
			WithMetadata("local_path", localPath)
	}
	defer src.Close()

	client, err := sftp.NewClient(c.client)
	if err != nil {
		return apperrors.NewInfrastructureError(apperrors.ErrCodeFileTransfer, "failed to start sftp subsystem", true, err)
	}
	defer client.Close()

	dst, err := client.Create(remotePath)
	if err != nil {
		return apperrors.NewInfrastructureError(apperrors.ErrCodeFileTransfer, "failed to create remote file", false, err).
			WithMetadata("remote_path", remotePath)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, contextReader{ctx: ctx, r: src}); err != nil {
		return apperrors.NewInfrastructureError(apperrors.ErrCodeFileTransfer, "failed to copy file", true, err).
			WithMetadata("remote_path", remotePath)
	}

	return nil
}

// Close closes the target connection and, in jump mode, the jump connection
func (c *sshConn) Close() error {
	err := c.client.Close()
	if c.jump != nil {
		if jerr := c.jump.Close(); jerr != nil && !errors.Is(jerr, net.ErrClosed) {
			c.logger.Debug("error closing jump connection", slog.String("error", jerr.Error()))
		}
	}
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close ssh connection: %w", err)
	}
	return nil
}

// contextReader stops a copy once ctx is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (r contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
