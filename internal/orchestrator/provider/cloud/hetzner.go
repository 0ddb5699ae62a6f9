package cloud

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	apperrors "github.com/chiquitav2/vnas-orchestrator/pkg/errors"
	applogger "github.com/chiquitav2/vnas-orchestrator/pkg/logger"
)

// HetznerConfig contains configuration for the Hetzner Cloud API adapter.
type HetznerConfig struct {
	APIToken   string
	ServerType string
	Image      string
	Location   string
	// SSHKeys names the project keys installed on new servers. Empty selects all.
	SSHKeys []string
}

// HetznerAPI implements API on top of hcloud-go.
type HetznerAPI struct {
	client *hcloud.Client
	config HetznerConfig
	logger *applogger.Logger
}

var _ API = (*HetznerAPI)(nil)

// NewHetznerAPI creates the Hetzner adapter.
func NewHetznerAPI(config HetznerConfig, logger *applogger.Logger) (*HetznerAPI, error) {
	if config.APIToken == "" {
		return nil, apperrors.NewSystemError(apperrors.ErrCodeConfiguration, "hetzner API token is required", false, nil)
	}
	return &HetznerAPI{
		client: hcloud.NewClient(hcloud.WithToken(config.APIToken), hcloud.WithApplication("vnas-orchestrator", "")),
		config: config,
		logger: logger.WithComponent("cloud.hetzner"),
	}, nil
}

// ServersByName lists every server named name, whatever its status.
func (h *HetznerAPI) ServersByName(ctx context.Context, name string) ([]Server, error) {
	servers, err := h.client.Server.AllWithOpts(ctx, hcloud.ServerListOpts{Name: name})
	if err != nil {
		return nil, h.wrap("list servers", err)
	}
	out := make([]Server, 0, len(servers))
	for _, s := range servers {
		out = append(out, toServer(s))
	}
	return out, nil
}

// Server returns one server by id.
func (h *HetznerAPI) Server(ctx context.Context, id int64) (*Server, error) {
	s, _, err := h.client.Server.GetByID(ctx, id)
	if err != nil {
		return nil, h.wrap("get server", err)
	}
	if s == nil {
		return nil, apperrors.NewNotFoundError(apperrors.DomainProvider, fmt.Sprintf("server %d not found", id))
	}
	srv := toServer(s)
	return &srv, nil
}

// CreateServer creates a stopped server without a public IPv4 address.
func (h *HetznerAPI) CreateServer(ctx context.Context, spec ServerSpec) (*Server, error) {
	sshKeys, err := h.sshKeys(ctx)
	if err != nil {
		return nil, err
	}

	start := false
	result, _, err := h.client.Server.Create(ctx, hcloud.ServerCreateOpts{
		Name:       spec.Name,
		ServerType: &hcloud.ServerType{Name: h.config.ServerType},
		Image:      &hcloud.Image{Name: h.config.Image},
		Location:   &hcloud.Location{Name: h.config.Location},
		PublicNet: &hcloud.ServerCreatePublicNet{
			EnableIPv4: false,
			EnableIPv6: true,
		},
		SSHKeys:          sshKeys,
		Labels:           spec.Labels,
		StartAfterCreate: &start,
	})
	if err != nil {
		return nil, h.wrap("create server", err)
	}

	if err := h.client.Action.WaitFor(ctx, append([]*hcloud.Action{result.Action}, result.NextActions...)...); err != nil {
		return nil, h.wrap("wait for server create", err)
	}

	h.logger.InfoContext(ctx, "server created",
		slog.String("server_name", spec.Name),
		slog.Int64("server_id", result.Server.ID))

	srv := toServer(result.Server)
	return &srv, nil
}

// AssignPrimaryIP reserves an IPv4 primary IP and assigns it to the server.
func (h *HetznerAPI) AssignPrimaryIP(ctx context.Context, name string, serverID int64, labels map[string]string) (*PrimaryIP, error) {
	autoDelete := false
	result, _, err := h.client.PrimaryIP.Create(ctx, hcloud.PrimaryIPCreateOpts{
		Name:         name,
		Type:         hcloud.PrimaryIPTypeIPv4,
		AssigneeType: "server",
		AssigneeID:   &serverID,
		AutoDelete:   &autoDelete,
		Labels:       labels,
	})
	if err != nil {
		return nil, h.wrap("create primary ip", err)
	}
	if result.Action != nil {
		if err := h.client.Action.WaitFor(ctx, result.Action); err != nil {
			return nil, h.wrap("wait for primary ip", err)
		}
	}
	return &PrimaryIP{ID: result.PrimaryIP.ID, Address: result.PrimaryIP.IP.String()}, nil
}

// PowerOn starts the server and waits for the action to finish.
func (h *HetznerAPI) PowerOn(ctx context.Context, serverID int64) error {
	action, _, err := h.client.Server.Poweron(ctx, &hcloud.Server{ID: serverID})
	if err != nil {
		return h.wrap("power on", err)
	}
	return h.wait(ctx, "power on", action)
}

// Reboot resets the server and waits for the action to finish.
func (h *HetznerAPI) Reboot(ctx context.Context, serverID int64) error {
	action, _, err := h.client.Server.Reboot(ctx, &hcloud.Server{ID: serverID})
	if err != nil {
		return h.wrap("reboot", err)
	}
	return h.wait(ctx, "reboot", action)
}

// DeleteServer deletes the server. A missing server is not an error.
func (h *HetznerAPI) DeleteServer(ctx context.Context, serverID int64) error {
	result, _, err := h.client.Server.DeleteWithResult(ctx, &hcloud.Server{ID: serverID})
	if err != nil {
		if hcloud.IsError(err, hcloud.ErrorCodeNotFound) {
			return nil
		}
		return h.wrap("delete server", err)
	}
	return h.wait(ctx, "delete server", result.Action)
}

// ResourcesByLabel lists the primary IPs and volumes labelled for the
// instance named name, whether or not a server still holds them.
func (h *HetznerAPI) ResourcesByLabel(ctx context.Context, name string) ([]int64, []int64, error) {
	selector := hcloud.ListOpts{LabelSelector: LabelKey + "=" + name}

	ips, err := h.client.PrimaryIP.AllWithOpts(ctx, hcloud.PrimaryIPListOpts{ListOpts: selector})
	if err != nil {
		return nil, nil, h.wrap("list primary ips", err)
	}
	volumes, err := h.client.Volume.AllWithOpts(ctx, hcloud.VolumeListOpts{ListOpts: selector})
	if err != nil {
		return nil, nil, h.wrap("list volumes", err)
	}

	ipIDs := make([]int64, 0, len(ips))
	for _, ip := range ips {
		ipIDs = append(ipIDs, ip.ID)
	}
	volumeIDs := make([]int64, 0, len(volumes))
	for _, v := range volumes {
		volumeIDs = append(volumeIDs, v.ID)
	}
	return ipIDs, volumeIDs, nil
}

// DeletePrimaryIP deletes a primary IP. A missing IP is not an error.
func (h *HetznerAPI) DeletePrimaryIP(ctx context.Context, id int64) error {
	if _, err := h.client.PrimaryIP.Delete(ctx, &hcloud.PrimaryIP{ID: id}); err != nil && !hcloud.IsError(err, hcloud.ErrorCodeNotFound) {
		return h.wrap("delete primary ip", err)
	}
	return nil
}

// DeleteVolume deletes a volume. A missing volume is not an error.
func (h *HetznerAPI) DeleteVolume(ctx context.Context, id int64) error {
	if _, err := h.client.Volume.Delete(ctx, &hcloud.Volume{ID: id}); err != nil && !hcloud.IsError(err, hcloud.ErrorCodeNotFound) {
		return h.wrap("delete volume", err)
	}
	return nil
}

func (h *HetznerAPI) sshKeys(ctx context.Context) ([]*hcloud.SSHKey, error) {
	if len(h.config.SSHKeys) == 0 {
		keys, err := h.client.SSHKey.All(ctx)
		if err != nil {
			return nil, h.wrap("list ssh keys", err)
		}
		return keys, nil
	}

	keys := make([]*hcloud.SSHKey, 0, len(h.config.SSHKeys))
	for _, name := range h.config.SSHKeys {
		key, _, err := h.client.SSHKey.GetByName(ctx, name)
		if err != nil {
			return nil, h.wrap("get ssh key", err)
		}
		if key == nil {
			return nil, apperrors.NewSystemError(apperrors.ErrCodeConfiguration,
				fmt.Sprintf("ssh key %q does not exist in the project", name), false, nil)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (h *HetznerAPI) wait(ctx context.Context, what string, action *hcloud.Action) error {
	if action == nil {
		return nil
	}
	if err := h.client.Action.WaitFor(ctx, action); err != nil {
		return h.wrap("wait for "+what, err)
	}
	return nil
}

func (h *HetznerAPI) wrap(what string, err error) error {
	return apperrors.NewProviderError("hetzner: "+what, isTransientError(err), err)
}

func isTransientError(err error) bool {
	return hcloud.IsError(err, hcloud.ErrorCodeRateLimitExceeded) ||
		hcloud.IsError(err, hcloud.ErrorCodeResourceUnavailable) ||
		hcloud.IsError(err, hcloud.ErrorCodeConflict) ||
		hcloud.IsError(err, hcloud.ErrorCodeLocked)
}

func toServer(s *hcloud.Server) Server {
	srv := Server{
		ID:     s.ID,
		Name:   s.Name,
		Status: string(s.Status),
	}
	if !s.PublicNet.IPv4.IsUnspecified() {
		srv.IPv4 = s.PublicNet.IPv4.IP.String()
		srv.PrimaryIPIDs = append(srv.PrimaryIPIDs, s.PublicNet.IPv4.ID)
	}
	if s.PublicNet.IPv6.ID != 0 {
		srv.PrimaryIPIDs = append(srv.PrimaryIPIDs, s.PublicNet.IPv6.ID)
	}
	for _, v := range s.Volumes {
		if v != nil {
			srv.VolumeIDs = append(srv.VolumeIDs, v.ID)
		}
	}
	return srv
}
