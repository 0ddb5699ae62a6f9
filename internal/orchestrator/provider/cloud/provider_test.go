package cloud

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chiquitav2/vnas-orchestrator/internal/orchestrator/bootstrap"
	orchevents "github.com/chiquitav2/vnas-orchestrator/internal/orchestrator/events"
	"github.com/chiquitav2/vnas-orchestrator/internal/orchestrator/identity"
	"github.com/chiquitav2/vnas-orchestrator/internal/orchestrator/instance"
	"github.com/chiquitav2/vnas-orchestrator/internal/orchestrator/remote"
	apperrors "github.com/chiquitav2/vnas-orchestrator/pkg/errors"
	applogger "github.com/chiquitav2/vnas-orchestrator/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	mu        sync.Mutex
	nextID    int64
	servers   map[int64]*Server
	calls     []string
	createErr error
	// addressAfter is how many Server lookups return no address.
	addressAfter int
	lookups      int
	deletedIPs   []int64
	deletedVols  []int64
	// labelled maps reserved primary IPs and volumes to their instance name.
	labelledIPs  map[int64]string
	labelledVols map[int64]string
	ipDeleteErrs int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		nextID:       100,
		servers:      map[int64]*Server{},
		labelledIPs:  map[int64]string{},
		labelledVols: map[int64]string{},
	}
}

func (f *fakeAPI) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeAPI) ServersByName(ctx context.Context, name string) ([]Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Server
	for _, s := range f.servers {
		if s.Name == name {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeAPI) Server(ctx context.Context, id int64) (*Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	s, ok := f.servers[id]
	if !ok {
		return nil, apperrors.NewNotFoundError(apperrors.DomainProvider, "gone")
	}
	out := *s
	if f.lookups <= f.addressAfter {
		out.IPv4 = ""
	}
	return &out, nil
}

func (f *fakeAPI) CreateServer(ctx context.Context, spec ServerSpec) (*Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create")
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	s := &Server{ID: f.nextID, Name: spec.Name, Status: "off", VolumeIDs: []int64{7}}
	f.servers[s.ID] = s
	return s, nil
}

func (f *fakeAPI) AssignPrimaryIP(ctx context.Context, name string, serverID int64, labels map[string]string) (*PrimaryIP, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("assign_ip")
	s := f.servers[serverID]
	s.IPv4 = "203.0.113.10"
	s.PrimaryIPIDs = []int64{serverID * 10}
	f.labelledIPs[serverID*10] = labels[LabelKey]
	return &PrimaryIP{ID: serverID * 10, Address: s.IPv4}, nil
}

func (f *fakeAPI) PowerOn(ctx context.Context, serverID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("power_on")
	f.servers[serverID].Status = "running"
	return nil
}

func (f *fakeAPI) Reboot(ctx context.Context, serverID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("reboot")
	return nil
}

func (f *fakeAPI) DeleteServer(ctx context.Context, serverID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("delete_server")
	delete(f.servers, serverID)
	return nil
}

func (f *fakeAPI) ResourcesByLabel(ctx context.Context, name string) ([]int64, []int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ips, vols []int64
	for id, n := range f.labelledIPs {
		if n == name {
			ips = append(ips, id)
		}
	}
	for id, n := range f.labelledVols {
		if n == name {
			vols = append(vols, id)
		}
	}
	return ips, vols, nil
}

func (f *fakeAPI) DeletePrimaryIP(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ipDeleteErrs > 0 {
		f.ipDeleteErrs--
		return apperrors.NewProviderError("hetzner: delete primary ip", true, nil)
	}
	delete(f.labelledIPs, id)
	f.deletedIPs = append(f.deletedIPs, id)
	return nil
}

func (f *fakeAPI) DeleteVolume(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.labelledVols, id)
	f.deletedVols = append(f.deletedVols, id)
	return nil
}

type fakeBinder struct {
	ensured    []string
	released   []string
	err        error
	releaseErr error
}

func (b *fakeBinder) Ensure(ctx context.Context, key string) (*identity.Binding, error) {
	b.ensured = append(b.ensured, key)
	if b.err != nil {
		return nil, b.err
	}
	return &identity.Binding{IdentityID: key + "@nasselle.com", DomainName: "alice", RoutingDomain: "nsl.sh"}, nil
}

func (b *fakeBinder) Release(ctx context.Context, key string) error {
	b.released = append(b.released, key)
	return b.releaseErr
}

type fakeBootstrapper struct {
	requests []bootstrap.Request
	err      error
}

func (b *fakeBootstrapper) Run(ctx context.Context, req bootstrap.Request) error {
	b.requests = append(b.requests, req)
	return b.err
}

type probeConn struct{ commands []string }

func (c *probeConn) Run(ctx context.Context, cmd string) (remote.CommandResult, error) {
	c.commands = append(c.commands, cmd)
	return remote.CommandResult{Command: cmd, Output: "up 1 min"}, nil
}
func (c *probeConn) Upload(ctx context.Context, l, r string) error { return nil }
func (c *probeConn) Close() error                                  { return nil }

type probeDialer struct {
	conn *probeConn
	fail bool
}

func (d *probeDialer) Dial(ctx context.Context, target remote.Endpoint, jump *remote.Endpoint) (remote.Conn, error) {
	if d.fail {
		return nil, errors.New("no route to host")
	}
	return d.conn, nil
}

type recordingPublisher struct{ anomalies []orchevents.Anomaly }

func (r *recordingPublisher) PublishAnomaly(ctx context.Context, a orchevents.Anomaly) error {
	r.anomalies = append(r.anomalies, a)
	return nil
}

type harness struct {
	api       *fakeAPI
	binder    *fakeBinder
	boot      *fakeBootstrapper
	dialer    *probeDialer
	published *recordingPublisher
	sleeps    []time.Duration
	provider  *Provider
}

func newHarness() *harness {
	h := &harness{
		api:       newFakeAPI(),
		binder:    &fakeBinder{},
		boot:      &fakeBootstrapper{},
		dialer:    &probeDialer{conn: &probeConn{}},
		published: &recordingPublisher{},
	}
	sleep := func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	h.provider = NewProvider(h.api, h.binder, h.boot, h.dialer, Config{
		AddressAttempts:    5,
		AddressInterval:    2 * time.Second,
		RebootSettleDelay:  20 * time.Second,
		RebootAddrAttempts: 3,
		RebootAddrInterval: time.Second,
		SSH:                remote.Endpoint{User: "root", Port: 22},
	}, applogger.NewNop(),
		WithSleep(sleep),
		WithAnomalyPublisher(h.published),
		WithSessionOptions(remote.WithRetryPolicy(remote.RetryPolicy{Attempts: 2, BaseDelay: time.Millisecond}), remote.WithSleep(sleep)))
	return h
}

func TestProvider_CreateProvisionsAndBootstraps(t *testing.T) {
	h := newHarness()
	h.api.addressAfter = 2

	info, err := h.provider.Create(context.Background(), "U1", instance.Options{
		Environment: instance.Environment{User: "admin:pw"},
	})
	require.NoError(t, err)

	assert.Equal(t, "101", info.InstanceID)
	assert.Equal(t, "203.0.113.10", info.HostAddress)
	assert.Equal(t, []string{"create", "assign_ip", "power_on"}, h.api.calls)
	assert.Equal(t, []string{"U1"}, h.binder.ensured)

	require.Len(t, h.boot.requests, 1)
	req := h.boot.requests[0]
	assert.Equal(t, "203.0.113.10", req.Target.Host)
	assert.Equal(t, "root", req.Target.User)
	assert.Nil(t, req.Jump)
	assert.Equal(t, "admin:pw", req.Environment.User)
	assert.Equal(t, "U1@nasselle.com", req.Binding.IdentityID)

	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, h.sleeps)

	id, ok, err := h.provider.Status(context.Background(), "U1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "101", id)
}

func TestProvider_CreateReplacesExisting(t *testing.T) {
	h := newHarness()
	_, err := h.provider.Create(context.Background(), "u1", instance.Options{})
	require.NoError(t, err)

	_, err = h.provider.Create(context.Background(), "u1", instance.Options{})
	require.NoError(t, err)

	servers, err := h.api.ServersByName(context.Background(), "vnas-u1")
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, int64(102), servers[0].ID)
	assert.Equal(t, []int64{1010}, h.api.deletedIPs)
	assert.Empty(t, h.binder.released, "replacement keeps the identity")
}

func TestProvider_CreateFailures(t *testing.T) {
	t.Run("invalid key", func(t *testing.T) {
		h := newHarness()
		_, err := h.provider.Create(context.Background(), "bad key!", instance.Options{})
		assert.True(t, errors.Is(err, apperrors.ErrValidation))
		assert.Empty(t, h.api.calls)
	})

	t.Run("invalid options", func(t *testing.T) {
		h := newHarness()
		_, err := h.provider.Create(context.Background(), "u1", instance.Options{Environment: instance.Environment{User: "nopass"}})
		assert.True(t, errors.Is(err, apperrors.ErrValidation))
	})

	t.Run("binding", func(t *testing.T) {
		h := newHarness()
		h.binder.err = apperrors.NewBindingError("mismatch", nil)
		_, err := h.provider.Create(context.Background(), "u1", instance.Options{})
		assert.True(t, errors.Is(err, apperrors.ErrBinding))
		assert.Empty(t, h.api.calls)
	})

	t.Run("backend", func(t *testing.T) {
		h := newHarness()
		h.api.createErr = apperrors.NewProviderError("hetzner: create server", false, errors.New("quota"))
		_, err := h.provider.Create(context.Background(), "u1", instance.Options{})
		assert.True(t, errors.Is(err, apperrors.ErrProvider))
		assert.Empty(t, h.boot.requests)
	})

	t.Run("no address", func(t *testing.T) {
		h := newHarness()
		h.api.addressAfter = 100
		_, err := h.provider.Create(context.Background(), "u1", instance.Options{})
		assert.True(t, errors.Is(err, apperrors.ErrConnectivity))
		assert.Len(t, h.sleeps, 4)
	})

	t.Run("bootstrap", func(t *testing.T) {
		h := newHarness()
		h.boot.err = apperrors.NewBootstrapError("remote automation failed", nil)
		_, err := h.provider.Create(context.Background(), "u1", instance.Options{})
		assert.True(t, errors.Is(err, apperrors.ErrBootstrap))

		outcome, err := h.provider.Delete(context.Background(), "u1")
		require.NoError(t, err, "a failed create can still be cleaned up")
		assert.Equal(t, instance.OutcomeDeletionInitiated, outcome)
	})
}

func TestProvider_Delete(t *testing.T) {
	h := newHarness()

	outcome, err := h.provider.Delete(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, instance.OutcomeNoInstance, outcome)

	_, err = h.provider.Create(context.Background(), "u1", instance.Options{})
	require.NoError(t, err)

	outcome, err = h.provider.Delete(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, instance.OutcomeDeletionInitiated, outcome)
	assert.Equal(t, []int64{1010}, h.api.deletedIPs)
	assert.Equal(t, []int64{7}, h.api.deletedVols)
	assert.Equal(t, []string{"u1", "u1"}, h.binder.released)
	assert.False(t, h.provider.Has(context.Background(), "u1"))
}

func TestProvider_DeleteNoInstanceIgnoresCleanupFailures(t *testing.T) {
	h := newHarness()
	h.binder.releaseErr = errors.New("keystore unavailable")
	h.api.labelledIPs[55] = "vnas-u1"
	h.api.ipDeleteErrs = 1

	outcome, err := h.provider.Delete(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, instance.OutcomeNoInstance, outcome)
	assert.Equal(t, []string{"u1"}, h.binder.released)
}

func TestProvider_DeleteRetriesLeftoverAddress(t *testing.T) {
	h := newHarness()
	_, err := h.provider.Create(context.Background(), "u1", instance.Options{})
	require.NoError(t, err)

	h.api.ipDeleteErrs = 1
	_, err = h.provider.Delete(context.Background(), "u1")
	require.ErrorIs(t, err, apperrors.ErrProvider)
	assert.Empty(t, h.api.servers)
	assert.Contains(t, h.api.labelledIPs, int64(1010))

	outcome, err := h.provider.Delete(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, instance.OutcomeNoInstance, outcome)
	assert.Empty(t, h.api.labelledIPs)
	assert.Equal(t, []int64{1010}, h.api.deletedIPs)
}

func TestProvider_DeleteSweepsLabelledVolumes(t *testing.T) {
	h := newHarness()
	h.api.servers[5] = &Server{ID: 5, Name: "vnas-u1", Status: "running", VolumeIDs: []int64{8}}
	h.api.labelledVols[8] = "vnas-u1"
	h.api.labelledVols[9] = "vnas-u1"
	h.api.labelledVols[10] = "vnas-u2"

	outcome, err := h.provider.Delete(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, instance.OutcomeDeletionInitiated, outcome)
	assert.ElementsMatch(t, []int64{8, 9}, h.api.deletedVols)
	assert.Equal(t, map[int64]string{10: "vnas-u2"}, h.api.labelledVols)
}

func TestProvider_DeleteIncludesStoppedServers(t *testing.T) {
	h := newHarness()
	h.api.servers[5] = &Server{ID: 5, Name: "vnas-u1", Status: "off"}

	assert.False(t, h.provider.Has(context.Background(), "u1"))

	outcome, err := h.provider.Delete(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, instance.OutcomeDeletionInitiated, outcome)
	assert.Empty(t, h.api.servers)
}

func TestProvider_Reboot(t *testing.T) {
	h := newHarness()

	_, err := h.provider.Reboot(context.Background(), "u1")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))

	_, err = h.provider.Create(context.Background(), "u1", instance.Options{})
	require.NoError(t, err)
	h.sleeps = nil

	outcome, err := h.provider.Reboot(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, instance.OutcomeRebootInitiated, outcome)
	assert.Equal(t, []time.Duration{20 * time.Second}, h.sleeps)
	assert.Equal(t, []string{"uptime"}, h.dialer.conn.commands)
}

func TestProvider_RebootUnreachable(t *testing.T) {
	h := newHarness()
	_, err := h.provider.Create(context.Background(), "u1", instance.Options{})
	require.NoError(t, err)

	h.dialer.fail = true
	_, err = h.provider.Reboot(context.Background(), "u1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrConnectivity))
	assert.Contains(t, err.Error(), "no route to host")
}

func TestProvider_MultipleLiveServersRaiseAnomaly(t *testing.T) {
	h := newHarness()
	h.api.servers[1] = &Server{ID: 1, Name: "vnas-u1", Status: "running"}
	h.api.servers[2] = &Server{ID: 2, Name: "vnas-u1", Status: "running"}

	_, ok, err := h.provider.Status(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, h.published.anomalies, 1)
	a := h.published.anomalies[0]
	assert.Equal(t, orchevents.AnomalyMultipleInstances, a.Kind)
	assert.Equal(t, BackendName, a.Backend)
	assert.ElementsMatch(t, []string{"1", "2"}, a.InstanceIDs)
}

func TestServer_Live(t *testing.T) {
	for status, want := range map[string]bool{
		"running": true, "starting": true, "initializing": true,
		"off": false, "stopping": false, "deleting": false, "unknown": false,
	} {
		assert.Equal(t, want, Server{Status: status}.Live(), status)
	}
}
