// Package identity binds each resource key to a signed identity registered
// with the routing registry.
package identity

import (
	"context"
	"log/slog"

	"github.com/chiquitav2/vnas-orchestrator/pkg/crypto"
	apperrors "github.com/chiquitav2/vnas-orchestrator/pkg/errors"
	applogger "github.com/chiquitav2/vnas-orchestrator/pkg/logger"
)

// DefaultSuffix is appended to resource keys to form identity ids.
const DefaultSuffix = "nasselle.com"

// Registry stores identity records.
type Registry interface {
	GetIdentity(ctx context.Context, id string) (*Record, error)
	SetIdentity(ctx context.Context, id string, rec Record) error
}

// KeyStore persists one key pair per resource key.
type KeyStore interface {
	GetOrCreate(ctx context.Context, key string) (*crypto.KeyPair, error)
	Delete(ctx context.Context, key string) error
}

// Signer signs a message with a private key.
type Signer interface {
	Sign(privateKey, message string) (string, error)
}

// Binding is the verified identity of a resource key.
type Binding struct {
	KeyPair       *crypto.KeyPair
	IdentityID    string
	Signature     string
	DomainName    string
	RoutingDomain string
}

// Binder reconciles the registry with locally held key pairs.
type Binder struct {
	registry Registry
	keys     KeyStore
	signer   Signer
	suffix   string
	logger   *applogger.Logger
}

// NewBinder creates a binder. An empty suffix selects DefaultSuffix.
func NewBinder(registry Registry, keys KeyStore, signer Signer, suffix string, logger *applogger.Logger) *Binder {
	if suffix == "" {
		suffix = DefaultSuffix
	}
	return &Binder{
		registry: registry,
		keys:     keys,
		signer:   signer,
		suffix:   suffix,
		logger:   logger.WithComponent("identity.binder"),
	}
}

// IdentityID returns the identity id for key.
func (b *Binder) IdentityID(key string) string {
	return key + "@" + b.suffix
}

// Ensure makes the registry hold the local public key for key. A mismatch is
// fixed once; if the registry still disagrees a BindingError is returned.
func (b *Binder) Ensure(ctx context.Context, key string) (*Binding, error) {
	op := b.logger.StartOp(ctx, "identity_ensure", slog.String("resource_key", key))

	kp, err := b.keys.GetOrCreate(ctx, key)
	if err != nil {
		op.Fail(err, "failed to load key pair")
		return nil, err
	}

	id := b.IdentityID(key)
	signature, err := b.signer.Sign(kp.PrivateKey, id)
	if err != nil {
		err = apperrors.NewSystemError(apperrors.ErrCodeInternal, "failed to sign identity", false, err)
		op.Fail(err, "")
		return nil, err
	}

	rec, err := b.registry.GetIdentity(ctx, id)
	if err != nil {
		op.Fail(err, "failed to read identity")
		return nil, err
	}

	if rec.PublicKey == "" || rec.PublicKey != kp.PublicKey {
		op.Progress("registry key differs, updating", slog.Bool("registered", rec.PublicKey != ""))

		if err := b.registry.SetIdentity(ctx, id, Record{
			DomainName:    rec.DomainName,
			RoutingDomain: rec.RoutingDomain,
			PublicKey:     kp.PublicKey,
		}); err != nil {
			op.Fail(err, "failed to update identity")
			return nil, err
		}

		rec, err = b.registry.GetIdentity(ctx, id)
		if err != nil {
			op.Fail(err, "failed to re-read identity")
			return nil, err
		}
		if rec.PublicKey == "" || rec.PublicKey != kp.PublicKey {
			err := apperrors.NewBindingError("registry did not accept the local public key", nil).
				WithMetadata("identity_id", id)
			op.Fail(err, "")
			return nil, err
		}
	}

	op.Complete("identity bound", slog.String("identity_id", id))
	return &Binding{
		KeyPair:       kp,
		IdentityID:    id,
		Signature:     signature,
		DomainName:    rec.DomainName,
		RoutingDomain: rec.RoutingDomain,
	}, nil
}

// Release deletes the local key pair for key. The registry record keeps the
// domain and routing domain, so a later Ensure registers a fresh public key
// under the same names.
func (b *Binder) Release(ctx context.Context, key string) error {
	if err := b.keys.Delete(ctx, key); err != nil {
		b.logger.ErrorCtx(ctx, "failed to delete key pair", err, slog.String("resource_key", key))
		return err
	}
	b.logger.InfoContext(ctx, "key pair released", slog.String("identity_id", b.IdentityID(key)))
	return nil
}
