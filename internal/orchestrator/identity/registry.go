package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	apperrors "github.com/chiquitav2/vnas-orchestrator/pkg/errors"
	applogger "github.com/chiquitav2/vnas-orchestrator/pkg/logger"
)

// Record is the routing registry's view of one identity.
type Record struct {
	DomainName    string `json:"domainName"`
	RoutingDomain string `json:"serverDomain"`
	PublicKey     string `json:"publicKey"`
}

// RegistryClientConfig configures RegistryClient.
type RegistryClientConfig struct {
	URL      string
	APIKey   string
	Timeout  time.Duration
	RetryMax int
}

// RegistryClient talks to the routing registry over HTTP.
type RegistryClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *applogger.Logger
}

// NewRegistryClient creates a registry client with bounded retries on
// transport errors and 5xx responses.
func NewRegistryClient(cfg RegistryClientConfig, logger *applogger.Logger) *RegistryClient {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.RetryMax
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Logger = nil
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	client := retryClient.StandardClient()
	if cfg.Timeout > 0 {
		client.Timeout = cfg.Timeout
	}

	return &RegistryClient{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		http:    client,
		logger:  logger.WithComponent("identity.registry"),
	}
}

// GetIdentity returns the registered record for id. An unknown id yields an
// empty record.
func (c *RegistryClient) GetIdentity(ctx context.Context, id string) (*Record, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/domain/"+url.PathEscape(id), id, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return &Record{}, nil
	}
	if err := c.checkStatus(ctx, http.MethodGet, status, body); err != nil {
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, apperrors.NewInfrastructureError(apperrors.ErrCodeRegistry, "unmarshal identity record", false, err)
	}
	return &rec, nil
}

// SetIdentity writes rec for id.
func (c *RegistryClient) SetIdentity(ctx context.Context, id string, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return apperrors.NewSystemError(apperrors.ErrCodeInternal, "marshal identity record", false, err)
	}
	status, body, err := c.do(ctx, http.MethodPost, "/domain", id, payload)
	if err != nil {
		return err
	}
	return c.checkStatus(ctx, http.MethodPost, status, body)
}

func (c *RegistryClient) do(ctx context.Context, method, path, id string, payload []byte) (int, []byte, error) {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return 0, nil, apperrors.NewSystemError(apperrors.ErrCodeInternal, "create registry request", false, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s;%s", c.apiKey, id))

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, apperrors.NewInfrastructureError(apperrors.ErrCodeNetworkError,
			fmt.Sprintf("registry %s %s", method, path), true, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, apperrors.NewInfrastructureError(apperrors.ErrCodeNetworkError, "read registry response", true, err)
	}
	return resp.StatusCode, body, nil
}

func (c *RegistryClient) checkStatus(ctx context.Context, method string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	c.logger.WarnContext(ctx, "registry error",
		slog.String("method", method),
		slog.Int("status", status),
		slog.String("body", string(body)))
	return apperrors.NewInfrastructureError(apperrors.ErrCodeRegistry,
		fmt.Sprintf("registry %s returned %d: %s", method, status, strings.TrimSpace(string(body))),
		status >= 500, nil).WithMetadata("status", status)
}
