// Package hypervisor implements the instance lifecycle on a hypervisor
// cluster fronted by a provisioning middleware.
package hypervisor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
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
const BackendName = "hypervisor"

const noVMFound = "No VM found"

// Middleware is the provisioning API surface the provider drives.
type Middleware interface {
	Find(ctx context.Context, key string) (Reply[FindResult], error)
	Create(ctx context.Context, key string, req CreateRequest) (Reply[CreateResult], error)
	Status(ctx context.Context, vmid int64) (Reply[StatusResult], error)
	Reboot(ctx context.Context, vmid int64) (Reply[TaskResult], error)
	Delete(ctx context.Context, vmid int64) (Reply[TaskResult], error)
	Task(ctx context.Context, upid string) (Reply[TaskResult], error)
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
	TemplateVMID int64
	VMTier       string
	PollInterval time.Duration
	// MaxPolls bounds every wait on the middleware.
	MaxPolls           int
	SettleDelay        time.Duration
	RebootPolls        int
	RebootPollInterval time.Duration
	// SSH is the instance endpoint template; Host is the VM hostname.
	SSH remote.Endpoint
	// Gateway is the jump host template; Host is the node hostname.
	Gateway remote.Endpoint
}

// Provider implements instance.Provider for the hypervisor backend.
type Provider struct {
	mw        Middleware
	binder    IdentityBinder
	bootstrap Bootstrapper
	anomalies AnomalyPublisher
	config    Config
	sleep     remote.SleepFunc
	logger    *applogger.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithSleep replaces the delay function used between polls.
func WithSleep(fn remote.SleepFunc) Option {
	return func(p *Provider) { p.sleep = fn }
}

// WithAnomalyPublisher sets where anomalies are reported.
func WithAnomalyPublisher(pub AnomalyPublisher) Option {
	return func(p *Provider) { p.anomalies = pub }
}

// NewProvider creates a hypervisor provider.
func NewProvider(mw Middleware, binder IdentityBinder, boot Bootstrapper, config Config, logger *applogger.Logger, opts ...Option) *Provider {
	if config.VMTier == "" {
		config.VMTier = "basic"
	}
	if config.MaxPolls <= 0 {
		config.MaxPolls = 600
	}
	if config.RebootPolls <= 0 {
		config.RebootPolls = 30
	}
	p := &Provider{
		mw:        mw,
		binder:    binder,
		bootstrap: boot,
		config:    config,
		sleep:     sleepCtx,
		logger:    logger.WithComponent("provider.hypervisor"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var _ instance.Provider = (*Provider)(nil)

// Create binds the identity, clones a VM, waits for it to be provisioned and
// bootstraps it through the hypervisor node.
func (p *Provider) Create(ctx context.Context, key instance.ResourceKey, opts instance.Options) (*instance.Information, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	op := p.logger.StartOp(ctx, "hypervisor_create", slog.String("resource_key", key.String()))

	binding, err := p.binder.Ensure(ctx, key.String())
	if err != nil {
		op.Fail(err, "identity binding failed")
		return nil, err
	}

	reply, err := p.mw.Create(ctx, key.String(), CreateRequest{
		TemplateVMID: p.config.TemplateVMID,
		VMTier:       p.config.VMTier,
	})
	if err != nil {
		op.Fail(err, "create call failed")
		return nil, err
	}
	var created CreateResult
	switch r := reply.(type) {
	case Failed[CreateResult]:
		err := apperrors.NewProviderError("failed to create instance: "+r.Message, false, nil)
		op.Fail(err, "")
		return nil, err
	case Processing[CreateResult]:
		created = r.Value
	case Completed[CreateResult]:
		created = r.Value
	}
	if created.VMID == 0 {
		err := apperrors.NewProviderError("instance creation did not return a vmid", false, nil)
		op.Fail(err, "")
		return nil, err
	}
	vmid := strconv.FormatInt(created.VMID, 10)
	op.With(slog.String("instance_id", vmid))

	if err := p.waitProvisioned(ctx, created.VMID); err != nil {
		op.Fail(err, "instance never became ready")
		return nil, err
	}

	op.Progress("instance provisioned, settling", slog.Duration("settle_delay", p.config.SettleDelay))
	if err := p.sleep(ctx, p.config.SettleDelay); err != nil {
		op.Fail(err, "")
		return nil, err
	}

	jump := p.config.Gateway
	jump.Host = created.NodeHostname
	target := p.config.SSH
	target.Host = created.VMHostname

	if err := p.bootstrap.Run(ctx, bootstrap.Request{
		Binding:     binding,
		Environment: opts.Environment,
		Target:      target,
		Jump:        &jump,
	}); err != nil {
		op.Fail(err, "bootstrap failed")
		return nil, err
	}

	op.Complete("instance created",
		slog.String("node_hostname", created.NodeHostname),
		slog.String("vm_hostname", created.VMHostname))
	return &instance.Information{
		InstanceID:       vmid,
		NodeHostname:     created.NodeHostname,
		InstanceHostname: created.VMHostname,
	}, nil
}

// Delete destroys the VM for key and releases the key pair. A key with no VM
// always yields OutcomeNoInstance; a failed release is only logged then.
func (p *Provider) Delete(ctx context.Context, key instance.ResourceKey) (instance.Outcome, error) {
	if err := key.Validate(); err != nil {
		return "", err
	}
	op := p.logger.StartOp(ctx, "hypervisor_delete", slog.String("resource_key", key.String()))

	vmids, err := p.find(ctx, key)
	if err != nil {
		op.Fail(err, "")
		return "", err
	}
	if len(vmids) == 0 {
		p.releaseQuietly(ctx, key)
		op.Complete("nothing to delete")
		return instance.OutcomeNoInstance, nil
	}

	reply, err := p.mw.Delete(ctx, vmids[0])
	if err != nil {
		op.Fail(err, "delete call failed")
		return "", err
	}

	outcome := instance.OutcomeDeletionInitiated
	switch r := reply.(type) {
	case Failed[TaskResult]:
		if !strings.Contains(r.Message, noVMFound) {
			err := apperrors.NewProviderError("failed to delete instance: "+r.Message, false, nil)
			op.Fail(err, "")
			return "", err
		}
		outcome = instance.OutcomeNoInstance
	case Processing[TaskResult], Completed[TaskResult]:
		if err := p.awaitTask(ctx, r.Payload().UPID); err != nil {
			op.Fail(err, "delete task failed")
			return "", err
		}
	}

	if outcome == instance.OutcomeNoInstance {
		p.releaseQuietly(ctx, key)
	} else if err := p.binder.Release(ctx, key.String()); err != nil {
		op.Fail(err, "key pair release failed")
		return "", err
	}

	op.Complete("delete finished", slog.String("outcome", string(outcome)))
	return outcome, nil
}

func (p *Provider) releaseQuietly(ctx context.Context, key instance.ResourceKey) {
	if err := p.binder.Release(ctx, key.String()); err != nil {
		p.logger.WarnContext(ctx, "key pair release failed",
			slog.String("resource_key", key.String()),
			slog.String("error", err.Error()))
	}
}

// Reboot restarts the VM and waits until the middleware reports it ready.
func (p *Provider) Reboot(ctx context.Context, key instance.ResourceKey) (instance.Outcome, error) {
	if err := key.Validate(); err != nil {
		return "", err
	}
	op := p.logger.StartOp(ctx, "hypervisor_reboot", slog.String("resource_key", key.String()))

	vmids, err := p.find(ctx, key)
	if err != nil {
		op.Fail(err, "")
		return "", err
	}
	if len(vmids) == 0 {
		err := apperrors.NewNotFoundError(apperrors.DomainInstance, "no instance to reboot").
			WithMetadata("resource_key", key.String())
		op.Fail(err, "")
		return "", err
	}
	vmid := vmids[0]

	reply, err := p.mw.Reboot(ctx, vmid)
	if err != nil {
		op.Fail(err, "reboot call failed")
		return "", err
	}
	switch r := reply.(type) {
	case Failed[TaskResult]:
		err := apperrors.NewProviderError("failed to reboot instance: "+r.Message, false, nil)
		op.Fail(err, "")
		return "", err
	case Processing[TaskResult], Completed[TaskResult]:
		if err := p.awaitTask(ctx, r.Payload().UPID); err != nil {
			op.Fail(err, "reboot task failed")
			return "", err
		}
	}

	for poll := 1; poll <= p.config.RebootPolls; poll++ {
		ready, err := p.ready(ctx, vmid)
		if err != nil {
			op.Fail(err, "")
			return "", err
		}
		if ready {
			op.Complete("instance rebooted")
			return instance.OutcomeRebootInitiated, nil
		}
		if poll < p.config.RebootPolls {
			if err := p.sleep(ctx, p.config.RebootPollInterval); err != nil {
				op.Fail(err, "")
				return "", err
			}
		}
	}

	err = apperrors.NewConnectivityError(
		fmt.Sprintf("instance not ready after %d status polls", p.config.RebootPolls), nil).
		WithMetadata("instance_id", strconv.FormatInt(vmid, 10))
	op.Fail(err, "")
	return "", err
}

// Status returns the first VM id for key.
func (p *Provider) Status(ctx context.Context, key instance.ResourceKey) (string, bool, error) {
	if err := key.Validate(); err != nil {
		return "", false, err
	}
	vmids, err := p.find(ctx, key)
	if err != nil {
		return "", false, err
	}
	if len(vmids) == 0 {
		return "", false, nil
	}
	return strconv.FormatInt(vmids[0], 10), true, nil
}

// Has reports whether a VM exists and is provisioned. Errors read as false.
func (p *Provider) Has(ctx context.Context, key instance.ResourceKey) bool {
	if key.Validate() != nil {
		return false
	}
	vmids, err := p.find(ctx, key)
	if err != nil || len(vmids) == 0 {
		return false
	}
	ready, err := p.ready(ctx, vmids[0])
	if err != nil {
		p.logger.DebugContext(ctx, "status lookup failed", slog.String("error", err.Error()))
		return false
	}
	return ready
}

func (p *Provider) find(ctx context.Context, key instance.ResourceKey) ([]int64, error) {
	reply, err := p.mw.Find(ctx, key.String())
	if err != nil {
		return nil, err
	}

	var vmids []int64
	switch r := reply.(type) {
	case Failed[FindResult]:
		if strings.Contains(r.Message, noVMFound) {
			return nil, nil
		}
		return nil, apperrors.NewProviderError("failed to find instance: "+r.Message, false, nil)
	case Processing[FindResult]:
		vmids = r.Value.VMIDs
	case Completed[FindResult]:
		vmids = r.Value.VMIDs
	}

	if len(vmids) > 1 {
		p.reportMultiple(ctx, key, vmids)
	}
	return vmids, nil
}

// ready reports whether the VM's provisioning has completed.
func (p *Provider) ready(ctx context.Context, vmid int64) (bool, error) {
	reply, err := p.mw.Status(ctx, vmid)
	if err != nil {
		return false, err
	}
	switch r := reply.(type) {
	case Failed[StatusResult]:
		return false, apperrors.NewProviderError("instance status failed: "+r.Message, false, nil).
			WithMetadata("instance_id", strconv.FormatInt(vmid, 10))
	case Completed[StatusResult]:
		return true, nil
	}
	return false, nil
}

func (p *Provider) waitProvisioned(ctx context.Context, vmid int64) error {
	for poll := 1; poll <= p.config.MaxPolls; poll++ {
		ready, err := p.ready(ctx, vmid)
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
		if poll < p.config.MaxPolls {
			if err := p.sleep(ctx, p.config.PollInterval); err != nil {
				return err
			}
		}
	}
	return apperrors.NewProviderError(
		fmt.Sprintf("instance still provisioning after %d polls", p.config.MaxPolls), true, nil).
		WithMetadata("polls", p.config.MaxPolls).
		WithMetadata("instance_id", strconv.FormatInt(vmid, 10))
}

// awaitTask follows a backend task until it settles or the poll budget runs
// out. A task still running at the end is left to finish on its own.
func (p *Provider) awaitTask(ctx context.Context, upid string) error {
	if upid == "" {
		return nil
	}
	for poll := 1; poll <= p.config.MaxPolls; poll++ {
		reply, err := p.mw.Task(ctx, upid)
		if err != nil {
			return err
		}
		switch r := reply.(type) {
		case Completed[TaskResult]:
			return nil
		case Failed[TaskResult]:
			return apperrors.NewProviderError("task failed: "+r.Message, false, nil).WithMetadata("upid", upid)
		}
		if poll < p.config.MaxPolls {
			if err := p.sleep(ctx, p.config.PollInterval); err != nil {
				return err
			}
		}
	}
	p.logger.WarnContext(ctx, "task still running after poll budget", slog.String("upid", upid))
	return nil
}

func (p *Provider) reportMultiple(ctx context.Context, key instance.ResourceKey, vmids []int64) {
	ids := make([]string, 0, len(vmids))
	for _, id := range vmids {
		ids = append(ids, strconv.FormatInt(id, 10))
	}
	a := orchevents.Anomaly{
		Kind:        orchevents.AnomalyMultipleInstances,
		ResourceKey: key.String(),
		Backend:     BackendName,
		Detail:      fmt.Sprintf("%d VMs share one resource key", len(vmids)),
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
