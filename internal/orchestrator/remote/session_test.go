package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	apperrors "github.com/chiquitav2/vnas-orchestrator/pkg/errors"
	applogger "github.com/chiquitav2/vnas-orchestrator/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu       sync.Mutex
	log      *[]string
	exitCode map[string]int
	runErr   error
	closed   bool
}

func (c *fakeConn) Run(ctx context.Context, cmd string) (CommandResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	*c.log = append(*c.log, "run:"+cmd)
	if c.runErr != nil {
		return CommandResult{Command: cmd}, c.runErr
	}
	return CommandResult{Command: cmd, Output: "ok " + cmd, ExitStatus: c.exitCode[cmd]}, nil
}

func (c *fakeConn) Upload(ctx context.Context, localPath, remotePath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	*c.log = append(*c.log, "upload:"+localPath+"->"+remotePath)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	*c.log = append(*c.log, "close")
	return nil
}

type fakeDialer struct {
	failures int
	attempts int
	jumps    []*Endpoint
	log      []string
	conn     *fakeConn
	onDial   func(attempt int)
}

func (d *fakeDialer) Dial(ctx context.Context, target Endpoint, jump *Endpoint) (Conn, error) {
	d.attempts++
	d.jumps = append(d.jumps, jump)
	if d.onDial != nil {
		d.onDial(d.attempts)
	}
	if d.attempts <= d.failures {
		return nil, fmt.Errorf("dial attempt %d refused", d.attempts)
	}
	if d.conn == nil {
		d.conn = &fakeConn{log: &d.log, exitCode: map[string]int{}}
	}
	return d.conn, nil
}

type recordedSleeps struct {
	delays []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func newTestSession(d *fakeDialer, sleeps *recordedSleeps) *Session {
	return NewSession(d, applogger.NewNop(),
		WithRetryPolicy(RetryPolicy{Attempts: 10, BaseDelay: time.Second}),
		WithSleep(sleeps.sleep))
}

var target = Endpoint{Host: "10.0.0.5", User: "root"}

func TestSession_ConnectSucceedsAfterFailures(t *testing.T) {
	d := &fakeDialer{failures: 3}
	sleeps := &recordedSleeps{}

	s := newTestSession(d, sleeps)
	_, err := s.Connect(target).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, d.attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, sleeps.delays)
	assert.Equal(t, StateConnected, s.State())
}

func TestSession_ConnectExhaustsBudget(t *testing.T) {
	d := &fakeDialer{failures: 100}
	sleeps := &recordedSleeps{}

	s := newTestSession(d, sleeps)
	_, err := s.Connect(target).RunCommand("uptime").Run(context.Background())

	require.Error(t, err)
	assert.Equal(t, "dial attempt 10 refused", err.Error())
	assert.Equal(t, 10, d.attempts)
	assert.Len(t, sleeps.delays, 9)
	assert.Equal(t, 9*time.Second, sleeps.delays[8])
	assert.Equal(t, StateUnconnected, s.State())
	assert.Zero(t, s.Pending())

	// Terminal: no further attempts on a later run.
	_, err = s.RunCommand("uptime").Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 10, d.attempts)
}

func TestSession_ExecutesInEnqueueOrder(t *testing.T) {
	d := &fakeDialer{}
	s := newTestSession(d, &recordedSleeps{})

	s.Connect(target).
		RunCommand("mkdir -p /srv").
		SendFile("/tmp/.env", "/srv/.env").
		RunCommand("/srv/start.sh").
		Dispose()

	assert.Empty(t, d.log, "nothing runs before Run")

	result, err := s.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "/srv/start.sh", result.Command)

	assert.Equal(t, []string{
		"run:mkdir -p /srv",
		"upload:/tmp/.env->/srv/.env",
		"run:/srv/start.sh",
		"close",
	}, d.log)
	assert.Equal(t, StateDisposed, s.State())
}

func TestSession_OperationsEnqueuedWhileConnectingStillRun(t *testing.T) {
	d := &fakeDialer{failures: 1}
	s := newTestSession(d, &recordedSleeps{})

	d.onDial = func(attempt int) {
		if attempt == 1 {
			s.RunCommand("echo late")
		}
	}

	s.Connect(target).RunCommand("echo early")
	_, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"run:echo early", "run:echo late"}, d.log)
}

func TestSession_DisposedRejectsFurtherWork(t *testing.T) {
	d := &fakeDialer{}
	s := newTestSession(d, &recordedSleeps{})

	_, err := s.Connect(target).Dispose().Run(context.Background())
	require.NoError(t, err)

	_, err = s.RunCommand("uptime").Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrSessionClosed))
	assert.NotContains(t, d.log, "run:uptime")
}

func TestSession_NonZeroExitAbortsQueue(t *testing.T) {
	d := &fakeDialer{}
	s := newTestSession(d, &recordedSleeps{})

	_, err := s.Connect(target).Run(context.Background())
	require.NoError(t, err)
	d.conn.exitCode["false"] = 1

	_, err = s.RunCommand("false").RunCommand("never").Run(context.Background())
	require.Error(t, err)

	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, 1, cmdErr.Result.ExitStatus)
	assert.NotContains(t, d.log, "run:never")
	assert.True(t, d.conn.closed)
	assert.Equal(t, 1, s.LastResult().ExitStatus)
}

func TestSession_AllowFailureRecordsExitStatus(t *testing.T) {
	d := &fakeDialer{}
	s := newTestSession(d, &recordedSleeps{})

	_, err := s.Connect(target).Run(context.Background())
	require.NoError(t, err)
	d.conn.exitCode["docker compose pull"] = 2

	result, err := s.RunCommandAllowFailure("docker compose pull").RunCommand("echo after").Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "echo after", result.Command)
	assert.Contains(t, d.log, "run:docker compose pull")
}

func TestSession_JumpHostPassedToDialer(t *testing.T) {
	d := &fakeDialer{}
	s := newTestSession(d, &recordedSleeps{})
	jump := Endpoint{Host: "pve-node-1", User: "root"}

	_, err := s.WithJumpHost(jump).Connect(target).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, d.jumps, 1)
	require.NotNil(t, d.jumps[0])
	assert.Equal(t, "pve-node-1", d.jumps[0].Host)
}

func TestSession_CommandBeforeConnectFails(t *testing.T) {
	d := &fakeDialer{}
	s := newTestSession(d, &recordedSleeps{})

	_, err := s.RunCommand("uptime").Run(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrCodeSSHConnection))
	assert.Zero(t, d.attempts)
}

func TestSession_CancelledBackoffStopsRetrying(t *testing.T) {
	d := &fakeDialer{failures: 100}
	s := NewSession(d, applogger.NewNop(), WithRetryPolicy(RetryPolicy{Attempts: 10, BaseDelay: time.Hour}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Connect(target).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, d.attempts)
}

func TestEndpoint_Address(t *testing.T) {
	assert.Equal(t, "10.0.0.5:22", Endpoint{Host: "10.0.0.5"}.Address())
	assert.Equal(t, "[fe80::1]:2222", Endpoint{Host: "fe80::1", Port: 2222}.Address())
}
