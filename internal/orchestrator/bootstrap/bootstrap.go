// Package bootstrap installs the workload on a freshly created instance over
// a remote automation session.
package bootstrap

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"text/template"

	"github.com/chiquitav2/vnas-orchestrator/internal/orchestrator/identity"
	"github.com/chiquitav2/vnas-orchestrator/internal/orchestrator/instance"
	"github.com/chiquitav2/vnas-orchestrator/internal/orchestrator/remote"
	apperrors "github.com/chiquitav2/vnas-orchestrator/pkg/errors"
	applogger "github.com/chiquitav2/vnas-orchestrator/pkg/logger"
)

//go:embed assets
var embedded embed.FS

const (
	envTemplateFile = "env.tmpl"
	startScriptFile = "start.sh"
	composeFile     = "compose-template.yml"
	envFile         = ".env"

	DefaultRemoteFolder = "/DATA/AppData/casaos/apps/yundera"
)

// Config controls what is installed and where.
type Config struct {
	RemoteFolder   string
	AssetsDir      string
	PasswordLength int
}

// EnvValues are the per-user values rendered into the workload env file.
type EnvValues struct {
	ProviderString  string
	IdentityID      string
	Domain          string
	DefaultPassword string
	DefaultUser     string
}

// Request describes one bootstrap run.
type Request struct {
	Binding     *identity.Binding
	Environment instance.Environment
	Target      remote.Endpoint
	// Jump is set when the target is only reachable through a gateway host.
	Jump *remote.Endpoint
}

// Option configures a Bootstrapper.
type Option func(*Bootstrapper)

// WithPasswordGenerator replaces the default password generator.
func WithPasswordGenerator(fn func(length int) (string, error)) Option {
	return func(b *Bootstrapper) { b.password = fn }
}

// WithSessionOptions are passed to every remote session.
func WithSessionOptions(opts ...remote.Option) Option {
	return func(b *Bootstrapper) { b.sessionOpts = append(b.sessionOpts, opts...) }
}

// Bootstrapper renders the workload assets and drives the install sequence.
type Bootstrapper struct {
	cfg         Config
	dialer      remote.Dialer
	assets      fs.FS
	envTemplate *template.Template
	password    func(length int) (string, error)
	sessionOpts []remote.Option
	logger      *applogger.Logger
}

// NewBootstrapper loads assets from cfg.AssetsDir, or the embedded defaults
// when it is empty, and validates that every asset is present.
func NewBootstrapper(cfg Config, dialer remote.Dialer, logger *applogger.Logger, opts ...Option) (*Bootstrapper, error) {
	if cfg.RemoteFolder == "" {
		cfg.RemoteFolder = DefaultRemoteFolder
	}
	if cfg.PasswordLength <= 0 {
		cfg.PasswordLength = 12
	}

	var assets fs.FS
	if cfg.AssetsDir != "" {
		assets = os.DirFS(cfg.AssetsDir)
	} else {
		sub, err := fs.Sub(embedded, "assets")
		if err != nil {
			return nil, apperrors.NewSystemError(apperrors.ErrCodeInternal, "failed to open embedded assets", false, err)
		}
		assets = sub
	}

	for _, name := range []string{envTemplateFile, startScriptFile, composeFile} {
		if _, err := fs.Stat(assets, name); err != nil {
			return nil, apperrors.NewSystemError(apperrors.ErrCodeConfiguration,
				fmt.Sprintf("bootstrap asset %s is missing", name), false, err)
		}
	}

	tmpl, err := template.New(envTemplateFile).Option("missingkey=error").ParseFS(assets, envTemplateFile)
	if err != nil {
		return nil, apperrors.NewSystemError(apperrors.ErrCodeConfiguration, "failed to parse env template", false, err)
	}

	b := &Bootstrapper{
		cfg:         cfg,
		dialer:      dialer,
		assets:      assets,
		envTemplate: tmpl,
		password:    GeneratePassword,
		logger:      logger.WithComponent("bootstrap"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Values derives the env file values for a binding.
func Values(binding *identity.Binding, env instance.Environment, password string) EnvValues {
	return EnvValues{
		ProviderString:  fmt.Sprintf("https://%s,%s,%s", binding.RoutingDomain, binding.IdentityID, binding.Signature),
		IdentityID:      binding.IdentityID,
		Domain:          binding.DomainName + "." + binding.RoutingDomain,
		DefaultPassword: password,
		DefaultUser:     env.User,
	}
}

// RenderEnv renders the env file.
func (b *Bootstrapper) RenderEnv(values EnvValues) ([]byte, error) {
	var buf bytes.Buffer
	if err := b.envTemplate.Execute(&buf, values); err != nil {
		return nil, apperrors.NewSystemError(apperrors.ErrCodeInternal, "failed to render env file", false, err)
	}
	return buf.Bytes(), nil
}

// Run installs the workload on req.Target. A target that never accepts a
// connection yields a ConnectivityError; any later failure a BootstrapError.
func (b *Bootstrapper) Run(ctx context.Context, req Request) error {
	op := b.logger.StartOp(ctx, "bootstrap",
		slog.String("host", req.Target.Host),
		slog.Bool("via_jump_host", req.Jump != nil))

	dir, err := b.stage(req)
	if err != nil {
		op.Fail(err, "failed to stage bootstrap files")
		return err
	}
	defer os.RemoveAll(dir)

	session := remote.NewSession(b.dialer, b.logger, b.sessionOpts...)
	if req.Jump != nil {
		session.WithJumpHost(*req.Jump)
	}
	b.plan(session.Connect(req.Target), dir)

	if _, err := session.Run(ctx); err != nil {
		if session.State() == remote.StateUnconnected {
			err = apperrors.NewConnectivityError("instance did not accept a remote session", err).
				WithMetadata("host", req.Target.Host)
		}
		wrapped := apperrors.NewBootstrapError("remote automation failed", err).
			WithMetadata("host", req.Target.Host)
		op.Fail(wrapped, "")
		return wrapped
	}

	op.Complete("workload installed")
	return nil
}

func (b *Bootstrapper) plan(s *remote.Session, dir string) {
	folder := b.cfg.RemoteFolder
	start := path.Join(folder, startScriptFile)
	compose := path.Join(folder, composeFile)

	s.RunCommand(fmt.Sprintf("mkdir -p %s", folder)).
		SendFile(filepath.Join(dir, envFile), path.Join(folder, envFile)).
		SendFile(filepath.Join(dir, startScriptFile), start).
		RunCommand(fmt.Sprintf("chmod +x %s", start)).
		SendFile(filepath.Join(dir, composeFile), compose).
		RunCommandAllowFailure(fmt.Sprintf("docker compose -f %s pull > /dev/null 2>&1", compose)).
		RunCommand(start).
		RunCommand(fmt.Sprintf(`(crontab -l 2>/dev/null || echo "") | grep -v "%s" | { cat; echo "@reboot %s"; } | crontab -`, start, start)).
		Dispose()
}

// stage writes the rendered env file and the static assets to a private temp dir.
func (b *Bootstrapper) stage(req Request) (string, error) {
	if req.Binding == nil {
		return "", apperrors.NewValidationError(apperrors.DomainBootstrap, "bootstrap requires an identity binding", nil)
	}

	password, err := b.password(b.cfg.PasswordLength)
	if err != nil {
		return "", apperrors.NewSystemError(apperrors.ErrCodeInternal, "failed to generate password", false, err)
	}
	env, err := b.RenderEnv(Values(req.Binding, req.Environment, password))
	if err != nil {
		return "", err
	}

	dir, err := os.MkdirTemp("", "vnas-bootstrap-*")
	if err != nil {
		return "", apperrors.NewSystemError(apperrors.ErrCodeInternal, "failed to create staging dir", false, err)
	}

	files := map[string][]byte{envFile: env}
	for _, name := range []string{startScriptFile, composeFile} {
		data, err := fs.ReadFile(b.assets, name)
		if err != nil {
			os.RemoveAll(dir)
			return "", apperrors.NewSystemError(apperrors.ErrCodeConfiguration, "failed to read asset "+name, false, err)
		}
		files[name] = data
	}
	for name, data := range files {
		mode := os.FileMode(0o600)
		if name == startScriptFile {
			mode = 0o700
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, mode); err != nil {
			os.RemoveAll(dir)
			return "", apperrors.NewSystemError(apperrors.ErrCodeInternal, "failed to stage "+name, false, err)
		}
	}
	return dir, nil
}
