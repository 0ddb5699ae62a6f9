package remote

import (
	"context"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/chiquitav2/vnas-orchestrator/pkg/errors"
	applogger "github.com/chiquitav2/vnas-orchestrator/pkg/logger"
)

// State is the connection state of a Session.
type State int

const (
	StateUnconnected State = iota
	StateConnecting
	StateConnected
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// RetryPolicy bounds connection attempts. The delay before attempt n+1 is n*BaseDelay.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

// DefaultRetryPolicy returns 10 attempts with a 1s linear backoff step.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 10, BaseDelay: time.Second}
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

type opKind int

const (
	opConnect opKind = iota
	opSendFile
	opCommand
	opDispose
)

func (k opKind) String() string {
	switch k {
	case opConnect:
		return "connect"
	case opSendFile:
		return "send_file"
	case opCommand:
		return "command"
	default:
		return "dispose"
	}
}

type operation struct {
	kind         opKind
	target       Endpoint
	localPath    string
	remotePath   string
	command      string
	allowFailure bool
}

// Option configures a Session.
type Option func(*Session)

// WithRetryPolicy overrides the connect retry budget.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Session) { s.retry = p }
}

// WithSleep replaces the backoff sleeper; tests use it to observe delays.
func WithSleep(fn SleepFunc) Option {
	return func(s *Session) { s.sleep = fn }
}

// Session is a single-use, ordered queue of remote operations against one
// host. Operations are only declared by the builder methods and execute when
// Run drains the queue.
type Session struct {
	dialer Dialer
	logger *applogger.Logger
	retry  RetryPolicy
	sleep  SleepFunc

	runMu sync.Mutex

	mu         sync.Mutex
	queue      []operation
	jump       *Endpoint
	target     *Endpoint
	conn       Conn
	state      State
	lastResult *CommandResult
	failure    error
}

// NewSession creates an unconnected session.
func NewSession(dialer Dialer, logger *applogger.Logger, opts ...Option) *Session {
	s := &Session{
		dialer: dialer,
		logger: logger.WithComponent("remote.session"),
		retry:  DefaultRetryPolicy(),
		sleep:  sleepCtx,
		state:  StateUnconnected,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithJumpHost routes the connection through jump.
func (s *Session) WithJumpHost(jump Endpoint) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jump = &jump
	return s
}

// Connect queues a connection to target.
func (s *Session) Connect(target Endpoint) *Session {
	return s.enqueue(operation{kind: opConnect, target: target})
}

// SendFile queues an upload of localPath to remotePath.
func (s *Session) SendFile(localPath, remotePath string) *Session {
	return s.enqueue(operation{kind: opSendFile, localPath: localPath, remotePath: remotePath})
}

// RunCommand queues a command that must exit with status 0.
func (s *Session) RunCommand(cmd string) *Session {
	return s.enqueue(operation{kind: opCommand, command: cmd})
}

// RunCommandAllowFailure queues a command whose exit status is recorded but not enforced.
func (s *Session) RunCommandAllowFailure(cmd string) *Session {
	return s.enqueue(operation{kind: opCommand, command: cmd, allowFailure: true})
}

// Dispose queues closing the connection. Nothing can run afterwards.
func (s *Session) Dispose() *Session {
	return s.enqueue(operation{kind: opDispose})
}

func (s *Session) enqueue(op operation) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, op)
	return s
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastResult returns the most recent command result, or nil if none ran.
func (s *Session) LastResult() *CommandResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastResult == nil {
		return nil
	}
	r := *s.lastResult
	return &r
}

// Pending returns the number of queued operations not yet executed.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Run drains the queue in order, including operations enqueued while Run is
// already executing, and returns the last command result. The first failing
// operation discards the rest of the queue and closes the connection.
func (s *Session) Run(ctx context.Context) (*CommandResult, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	op := s.logger.StartOp(ctx, "remote_session_run")

	for {
		next, ok, err := s.next()
		if err != nil {
			op.Fail(err, "")
			return s.LastResult(), err
		}
		if !ok {
			break
		}

		if err := s.execute(ctx, next); err != nil {
			s.abort()
			op.Fail(err, "remote operation failed", slog.String("step", next.kind.String()))
			return s.LastResult(), err
		}
	}

	op.Complete("")
	return s.LastResult(), nil
}

func (s *Session) next() (operation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return operation{}, false, nil
	}

	if s.state == StateDisposed {
		s.queue = nil
		return operation{}, false, apperrors.NewSessionClosedError("session is disposed")
	}
	if s.failure != nil {
		s.queue = nil
		return operation{}, false, s.failure
	}

	next := s.queue[0]
	s.queue = s.queue[1:]
	return next, true, nil
}

func (s *Session) execute(ctx context.Context, op operation) error {
	switch op.kind {
	case opConnect:
		return s.connect(ctx, op.target)

	case opSendFile:
		conn, err := s.activeConn()
		if err != nil {
			return err
		}
		s.logger.DebugContext(ctx, "sending file",
			slog.String("local_path", op.localPath),
			slog.String("remote_path", op.remotePath))
		return conn.Upload(ctx, op.localPath, op.remotePath)

	case opCommand:
		conn, err := s.activeConn()
		if err != nil {
			return err
		}
		result, err := conn.Run(ctx, op.command)

		s.mu.Lock()
		s.lastResult = &result
		s.mu.Unlock()

		if err != nil {
			return err
		}
		if result.ExitStatus != 0 && !op.allowFailure {
			return &CommandError{Result: result}
		}
		s.logger.DebugContext(ctx, "command finished",
			slog.String("command", op.command),
			slog.Int("exit_status", result.ExitStatus))
		return nil

	case opDispose:
		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.state = StateDisposed
		s.mu.Unlock()

		if conn != nil {
			if err := conn.Close(); err != nil {
				s.logger.WarnContext(ctx, "error closing connection", slog.String("error", err.Error()))
			}
		}
		return nil
	}

	return nil
}

func (s *Session) activeConn() (Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, apperrors.NewInfrastructureError(apperrors.ErrCodeSSHConnection,
			"session is not connected", false, nil).WithMetadata("state", s.state.String())
	}
	return s.conn, nil
}

// connect dials with linear backoff. The last attempt's error is returned
// unchanged; an exhausted budget leaves the session terminally unconnected.
func (s *Session) connect(ctx context.Context, target Endpoint) error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return apperrors.NewInfrastructureError(apperrors.ErrCodeSSHConnection,
			"session is already connected", false, nil)
	}
	s.state = StateConnecting
	s.target = &target
	jump := s.jump
	s.mu.Unlock()

	attempts := s.retry.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err := s.dialer.Dial(ctx, target, jump)
		if err == nil {
			s.mu.Lock()
			s.conn = conn
			s.state = StateConnected
			s.mu.Unlock()

			s.logger.InfoContext(ctx, "connected",
				slog.String("host", target.Host),
				slog.Int("attempt", attempt),
				slog.Bool("via_jump_host", jump != nil))
			return nil
		}
		lastErr = err

		s.logger.WarnContext(ctx, "connection attempt failed",
			slog.String("host", target.Host),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.String("error", err.Error()))

		if attempt == attempts {
			break
		}

		delay := time.Duration(attempt) * s.retry.BaseDelay
		if err := s.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}

	s.mu.Lock()
	s.state = StateUnconnected
	s.failure = lastErr
	s.mu.Unlock()

	return lastErr
}

// abort drops pending work and closes the connection after a failure.
func (s *Session) abort() {
	s.mu.Lock()
	s.queue = nil
	conn := s.conn
	s.conn = nil
	if conn != nil {
		s.state = StateDisposed
	}
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Debug("error closing connection after failure", slog.String("error", err.Error()))
		}
	}
}
