// Package instance defines the provider-agnostic lifecycle contract for
// per-user compute instances.
package instance

import (
	"context"
	"regexp"
	"strings"

	apperrors "github.com/chiquitav2/vnas-orchestrator/pkg/errors"
)

// ResourceKey identifies one user's resource. At most one live instance exists per key.
type ResourceKey string

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,63}$`)

// Validate rejects keys that cannot be embedded in backend names and URLs.
func (k ResourceKey) Validate() error {
	if !keyPattern.MatchString(string(k)) {
		return apperrors.NewValidationError(apperrors.DomainInstance,
			"resource key must be 1-63 characters of letters, digits, '-' or '_'", nil).
			WithMetadata("resource_key", string(k))
	}
	return nil
}

func (k ResourceKey) String() string { return string(k) }

// Outcome is a lifecycle result token.
type Outcome string

const (
	OutcomeNoInstance        Outcome = "no_instance"
	OutcomeDeletionInitiated Outcome = "deletion_initiated"
	OutcomeRebootInitiated   Outcome = "reboot_initiated"
)

// Information describes a freshly created instance. Cloud instances carry a
// HostAddress; hypervisor instances carry NodeHostname and InstanceHostname.
type Information struct {
	InstanceID       string `json:"instance_id"`
	HostAddress      string `json:"host_address,omitempty"`
	NodeHostname     string `json:"node_hostname,omitempty"`
	InstanceHostname string `json:"instance_hostname,omitempty"`
}

// Environment carries per-user settings rendered into the workload env file.
type Environment struct {
	// User is "username:password" for the workload's default account.
	User string `json:"user,omitempty"`
}

// Options tune a create request.
type Options struct {
	Environment Environment `json:"environment"`
}

// Validate checks the optional default user credentials.
func (o Options) Validate() error {
	if o.Environment.User == "" {
		return nil
	}
	name, pass, ok := strings.Cut(o.Environment.User, ":")
	if !ok || name == "" || pass == "" || strings.Contains(pass, ":") {
		return apperrors.NewValidationError(apperrors.DomainInstance,
			"environment.user must be formatted as username:password", nil)
	}
	return nil
}

// Provider is the lifecycle contract every backend implements.
type Provider interface {
	// Create provisions and bootstraps the instance for key.
	Create(ctx context.Context, key ResourceKey, opts Options) (*Information, error)

	// Delete removes the instance and its storage and address resources.
	// It returns OutcomeNoInstance when there is nothing to delete.
	Delete(ctx context.Context, key ResourceKey) (Outcome, error)

	// Reboot restarts the instance and waits until it responds again.
	Reboot(ctx context.Context, key ResourceKey) (Outcome, error)

	// Status returns the backend instance id, or ok=false when no instance exists.
	Status(ctx context.Context, key ResourceKey) (string, bool, error)

	// Has reports whether a running instance exists. Errors read as false.
	Has(ctx context.Context, key ResourceKey) bool
}

// Name returns the deterministic backend name for key.
func Name(prefix string, key ResourceKey) string {
	return prefix + strings.ToLower(string(key))
}
