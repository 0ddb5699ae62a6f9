// Package cloud implements the instance lifecycle on a public cloud VM API.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/chiquitav2/vnas-orchestrator/internal/orchestrator/bootstrap"
	orchevents "github.com/chiquitav2/vnas-orchestrator/internal/orchestrator/events"
	"github.com/chiquitav2/vnas-orchestrator/internal/orchestrator/identity"
	"github.com/chiquitav2/vnas-orchestrator/internal/orchestrator/instance"
	"github.com/chiquitav2/vnas-orchestrator/internal/orchestrator/remote"
	apperrors "github.com/chiquitav2/vnas-orchestrator/pkg/errors"
	applogger "github.com/chiquitav2/vnas-orchestrator/pkg/logger"
)

// BackendName identifies this backend in logs and anomaly reports.
const BackendName = "hetzner"

// LabelKey labels every cloud resource with the instance name it belongs to.
const LabelKey = "vnas-key"

// Server is the subset of a cloud server the provider needs.
type Server struct {
	ID           int64
	Name         string
	Status       string
	IPv4         string
	PrimaryIPIDs []int64
	VolumeIDs    []int64
}

// Live reports whether the server counts as an existing instance.
func (s Server) Live() bool {
	switch s.Status {
	case "off", "stopping", "deleting", "unknown", "":
		return false
	}
	return true
}

// ServerSpec describes a server to create.
type ServerSpec struct {
	Name   string
	Labels map[string]string
}

// PrimaryIP is a reserved routable address.
type PrimaryIP struct {
	ID      int64
	Address string
}

// API is the cloud surface the provider drives. Every mutating call returns
// once the backend action has settled.
type API interface {
	ServersByName(ctx context.Context, name string) ([]Server, error)
	Server(ctx context.Context, id int64) (*Server, error)
	CreateServer(ctx context.Context, spec ServerSpec) (*Server, error)
	AssignPrimaryIP(ctx context.Context, name string, serverID int64, labels map[string]string) (*PrimaryIP, error)
	PowerOn(ctx context.Context, serverID int64) error
	Reboot(ctx context.Context, serverID int64) error
	DeleteServer(ctx context.Context, serverID int64) error
	ResourcesByLabel(ctx context.Context, name string) (ipIDs, volumeIDs []int64, err error)
	DeletePrimaryIP(ctx context.Context, id int64) error
	DeleteVolume(ctx context.Context, id int64) error
}

// IdentityBinder resolves and releases the identity of a resource key.
type IdentityBinder interface {
	Ensure(ctx context.Context, key string) (*identity.Binding, error)
	Release(ctx context.Context, key string) error
}

// Bootstrapper installs the workload on a reachable instance.
type Bootstrapper interface {
	Run(ctx context.Context, req bootstrap.Request) error
}

// AnomalyPublisher reports unexpected backend states.
type AnomalyPublisher interface {
	PublishAnomaly(ctx context.Context, a orchevents.Anomaly) error
}

// Config tunes the provider.
type Config struct {
	NamePrefix         string
	AddressAttempts    int
	AddressInterval    time.Duration
	RebootSettleDelay  time.Duration
	RebootAddrAttempts int
	RebootAddrInterval time.Duration
	// SSH is the endpoint template; Host is filled per instance.
	SSH remote.Endpoint
}

// Provider implements instance.Provider for the cloud backend.
type Provider struct {
	api       API
	binder    IdentityBinder
	bootstrap Bootstrapper
	dialer    remote.Dialer
	anomalies AnomalyPublisher
	config    Config
	sleep     remote.SleepFunc
	session   []remote.Option
	logger    *applogger.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithSleep replaces the delay function used between polls.
func WithSleep(fn remote.SleepFunc) Option {
	return func(p *Provider) { p.sleep = fn }
}

// WithSessionOptions are passed to the reboot reachability probe session.
func WithSessionOptions(opts ...remote.Option) Option {
	return func(p *Provider) { p.session = append(p.session, opts...) }
}

// WithAnomalyPublisher sets where anomalies are reported.
func WithAnomalyPublisher(pub AnomalyPublisher) Option {
	return func(p *Provider) { p.anomalies = pub }
}

// NewProvider creates a cloud provider.
func NewProvider(api API, binder IdentityBinder, boot Bootstrapper, dialer remote.Dialer, config Config, logger *applogger.Logger, opts ...Option) *Provider {
	if config.NamePrefix == "" {
		config.NamePrefix = "vnas-"
	}
	if config.AddressAttempts <= 0 {
		config.AddressAttempts = 30
	}
	if config.RebootAddrAttempts <= 0 {
		config.RebootAddrAttempts = config.AddressAttempts
	}
	p := &Provider{
		api:       api,
		binder:    binder,
		bootstrap: boot,
		dialer:    dialer,
		config:    config,
		sleep:     sleepCtx,
		logger:    logger.WithComponent("provider.cloud"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var _ instance.Provider = (*Provider)(nil)

// Create binds the identity, replaces any existing server, provisions a new
// one with a reserved address and bootstraps the workload on it.
func (p *Provider) Create(ctx context.Context, key instance.ResourceKey, opts instance.Options) (*instance.Information, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	op := p.logger.StartOp(ctx, "cloud_create", slog.String("resource_key", key.String()))

	binding, err := p.binder.Ensure(ctx, key.String())
	if err != nil {
		op.Fail(err, "identity binding failed")
		return nil, err
	}

	name := instance.Name(p.config.NamePrefix, key)
	previous, err := p.deleteServers(ctx, name)
	if err == nil {
		err = p.sweep(ctx, name, previous)
	}
	if err != nil {
		op.Progress("cleanup of previous instance failed, continuing", slog.String("error", err.Error()))
	}

	labels := map[string]string{LabelKey: name}
	srv, err := p.api.CreateServer(ctx, ServerSpec{Name: name, Labels: labels})
	if err != nil {
		op.Fail(err, "server create failed")
		return nil, err
	}
	instanceID := strconv.FormatInt(srv.ID, 10)
	op.With(slog.String("instance_id", instanceID))

	if _, err := p.api.AssignPrimaryIP(ctx, name, srv.ID, labels); err != nil {
		op.Fail(err, "primary ip assignment failed")
		return nil, err
	}
	if err := p.api.PowerOn(ctx, srv.ID); err != nil {
		op.Fail(err, "power on failed")
		return nil, err
	}

	addr, err := p.waitForAddress(ctx, srv.ID, p.config.AddressAttempts, p.config.AddressInterval)
	if err != nil {
		op.Fail(err, "instance address never appeared")
		return nil, err
	}
	op.Progress("instance addressed", slog.String("host_address", addr))

	if err := p.bootstrap.Run(ctx, bootstrap.Request{
		Binding:     binding,
		Environment: opts.Environment,
		Target:      p.endpoint(addr),
	}); err != nil {
		op.Fail(err, "bootstrap failed")
		return nil, err
	}

	op.Complete("instance created", slog.String("host_address", addr))
	return &instance.Information{InstanceID: instanceID, HostAddress: addr}, nil
}

// Delete removes every server for key together with its addresses and
// volumes, then releases the key pair. Addresses and volumes left behind by
// an earlier partial delete are swept even when no server remains.
func (p *Provider) Delete(ctx context.Context, key instance.ResourceKey) (instance.Outcome, error) {
	if err := key.Validate(); err != nil {
		return "", err
	}
	op := p.logger.StartOp(ctx, "cloud_delete", slog.String("resource_key", key.String()))

	name := instance.Name(p.config.NamePrefix, key)
	deleted, err := p.deleteServers(ctx, name)
	if err != nil {
		op.Fail(err, "server delete failed")
		return "", err
	}
	sweepErr := p.sweep(ctx, name, deleted)
	releaseErr := p.binder.Release(ctx, key.String())

	if len(deleted) == 0 {
		if err := errors.Join(sweepErr, releaseErr); err != nil {
			p.logger.WarnContext(ctx, "leftover cleanup incomplete", slog.String("error", err.Error()))
		}
		op.Complete("nothing to delete")
		return instance.OutcomeNoInstance, nil
	}
	if sweepErr != nil {
		op.Fail(sweepErr, "address or volume cleanup failed")
		return "", sweepErr
	}
	if releaseErr != nil {
		op.Fail(releaseErr, "key pair release failed")
		return "", releaseErr
	}
	op.Complete("instance deleted", slog.Int("servers", len(deleted)))
	return instance.OutcomeDeletionInitiated, nil
}

// Reboot restarts the live server and waits until it answers a remote command.
func (p *Provider) Reboot(ctx context.Context, key instance.ResourceKey) (instance.Outcome, error) {
	if err := key.Validate(); err != nil {
		return "", err
	}
	op := p.logger.StartOp(ctx, "cloud_reboot", slog.String("resource_key", key.String()))

	live, err := p.liveServers(ctx, key)
	if err != nil {
		op.Fail(err, "")
		return "", err
	}
	if len(live) == 0 {
		err := apperrors.NewNotFoundError(apperrors.DomainInstance, "no instance to reboot").
			WithMetadata("resource_key", key.String())
		op.Fail(err, "")
		return "", err
	}
	srv := live[0]

	if err := p.api.Reboot(ctx, srv.ID); err != nil {
		op.Fail(err, "reboot failed")
		return "", err
	}
	if err := p.sleep(ctx, p.config.RebootSettleDelay); err != nil {
		op.Fail(err, "")
		return "", err
	}

	addr, err := p.waitForAddress(ctx, srv.ID, p.config.RebootAddrAttempts, p.config.RebootAddrInterval)
	if err != nil {
		op.Fail(err, "")
		return "", err
	}

	probe := remote.NewSession(p.dialer, p.logger, p.session...)
	if _, err := probe.Connect(p.endpoint(addr)).RunCommand("uptime").Dispose().Run(ctx); err != nil {
		err := apperrors.NewConnectivityError("instance unreachable after reboot", err).
			WithMetadata("host_address", addr)
		op.Fail(err, "")
		return "", err
	}

	op.Complete("instance rebooted")
	return instance.OutcomeRebootInitiated, nil
}

// Status returns the id of the live server for key.
func (p *Provider) Status(ctx context.Context, key instance.ResourceKey) (string, bool, error) {
	if err := key.Validate(); err != nil {
		return "", false, err
	}
	live, err := p.liveServers(ctx, key)
	if err != nil {
		return "", false, err
	}
	if len(live) == 0 {
		return "", false, nil
	}
	return strconv.FormatInt(live[0].ID, 10), true, nil
}

// Has reports whether a live server exists. Errors read as false.
func (p *Provider) Has(ctx context.Context, key instance.ResourceKey) bool {
	_, ok, err := p.Status(ctx, key)
	if err != nil {
		p.logger.DebugContext(ctx, "status lookup failed", slog.String("error", err.Error()))
		return false
	}
	return ok
}

func (p *Provider) liveServers(ctx context.Context, key instance.ResourceKey) ([]Server, error) {
	servers, err := p.api.ServersByName(ctx, instance.Name(p.config.NamePrefix, key))
	if err != nil {
		return nil, err
	}
	var live []Server
	for _, s := range servers {
		if s.Live() {
			live = append(live, s)
		}
	}
	if len(live) > 1 {
		p.reportMultiple(ctx, key, live)
	}
	return live, nil
}

func (p *Provider) reportMultiple(ctx context.Context, key instance.ResourceKey, live []Server) {
	ids := make([]string, 0, len(live))
	for _, s := range live {
		ids = append(ids, strconv.FormatInt(s.ID, 10))
	}
	a := orchevents.Anomaly{
		Kind:        orchevents.AnomalyMultipleInstances,
		ResourceKey: key.String(),
		Backend:     BackendName,
		Detail:      fmt.Sprintf("%d live servers share one resource key", len(live)),
		InstanceIDs: ids,
	}
	if p.anomalies == nil {
		p.logger.WarnContext(ctx, "instance anomaly", slog.String("kind", a.Kind), slog.Any("instance_ids", ids))
		return
	}
	if err := p.anomalies.PublishAnomaly(ctx, a); err != nil {
		p.logger.ErrorCtx(ctx, "failed to publish anomaly", err)
	}
}

// deleteServers removes every server named name, including stopped ones,
// and returns the deleted servers.
func (p *Provider) deleteServers(ctx context.Context, name string) ([]Server, error) {
	servers, err := p.api.ServersByName(ctx, name)
	if err != nil {
		return nil, err
	}
	for i, s := range servers {
		if err := p.api.DeleteServer(ctx, s.ID); err != nil {
			return servers[:i], err
		}
		p.logger.InfoContext(ctx, "server deleted",
			slog.String("server_name", name),
			slog.Int64("server_id", s.ID))
	}
	return servers, nil
}

// sweep deletes the addresses and volumes of the deleted servers plus any
// still labelled for name. Every deletion is attempted; failures are joined.
func (p *Provider) sweep(ctx context.Context, name string, deleted []Server) error {
	ipIDs, volumeIDs, err := p.api.ResourcesByLabel(ctx, name)
	if err != nil {
		return err
	}
	for _, s := range deleted {
		ipIDs = append(ipIDs, s.PrimaryIPIDs...)
		volumeIDs = append(volumeIDs, s.VolumeIDs...)
	}

	var errs []error
	for _, id := range uniqueIDs(ipIDs) {
		if err := p.api.DeletePrimaryIP(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	for _, id := range uniqueIDs(volumeIDs) {
		if err := p.api.DeleteVolume(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (p *Provider) waitForAddress(ctx context.Context, serverID int64, attempts int, interval time.Duration) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		srv, err := p.api.Server(ctx, serverID)
		if err == nil && srv.IPv4 != "" {
			return srv.IPv4, nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		if err := p.sleep(ctx, interval); err != nil {
			return "", err
		}
	}
	return "", apperrors.NewConnectivityError(
		fmt.Sprintf("instance has no public address after %d attempts", attempts), lastErr).
		WithMetadata("instance_id", strconv.FormatInt(serverID, 10))
}

func (p *Provider) endpoint(host string) remote.Endpoint {
	ep := p.config.SSH
	ep.Host = host
	return ep
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
