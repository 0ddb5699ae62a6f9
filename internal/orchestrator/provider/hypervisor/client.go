package hypervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	apperrors "github.com/chiquitav2/vnas-orchestrator/pkg/errors"
	applogger "github.com/chiquitav2/vnas-orchestrator/pkg/logger"
)

// ClientConfig configures the middleware client.
type ClientConfig struct {
	URL       string
	AuthToken string
	Timeout   time.Duration
	RetryMax  int
}

// Client talks to the hypervisor middleware.
type Client struct {
	baseURL string
	token   string
	http    *retryablehttp.Client
	logger  *applogger.Logger
}

// NewClient creates a middleware client that retries transport errors and
// 5xx responses.
func NewClient(cfg ClientConfig, logger *applogger.Logger) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.RetryMax
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Logger = nil
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if cfg.Timeout > 0 {
		retryClient.HTTPClient.Timeout = cfg.Timeout
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		token:   cfg.AuthToken,
		http:    retryClient,
		logger:  logger.WithComponent("hypervisor.client"),
	}
}

// Find lists the VMs that belong to key.
func (c *Client) Find(ctx context.Context, key string) (Reply[FindResult], error) {
	return call[FindResult](ctx, c, http.MethodGet, "/find/"+url.PathEscape(strings.ToLower(key)), nil)
}

// Create clones a VM for key.
func (c *Client) Create(ctx context.Context, key string, req CreateRequest) (Reply[CreateResult], error) {
	return call[CreateResult](ctx, c, http.MethodPost, "/create/"+url.PathEscape(strings.ToLower(key)), req)
}

// Status returns the provisioning state of a VM.
func (c *Client) Status(ctx context.Context, vmid int64) (Reply[StatusResult], error) {
	return call[StatusResult](ctx, c, http.MethodGet, "/status/"+strconv.FormatInt(vmid, 10), nil)
}

// Reboot restarts a VM.
func (c *Client) Reboot(ctx context.Context, vmid int64) (Reply[TaskResult], error) {
	return call[TaskResult](ctx, c, http.MethodPost, "/reboot/"+strconv.FormatInt(vmid, 10), struct{}{})
}

// Delete destroys a VM.
func (c *Client) Delete(ctx context.Context, vmid int64) (Reply[TaskResult], error) {
	return call[TaskResult](ctx, c, http.MethodDelete, "/delete/"+strconv.FormatInt(vmid, 10), nil)
}

// Task returns the state of a backend task.
func (c *Client) Task(ctx context.Context, upid string) (Reply[TaskResult], error) {
	return call[TaskResult](ctx, c, http.MethodGet, "/job/"+url.PathEscape(upid), nil)
}

func call[T any](ctx context.Context, c *Client, method, path string, payload any) (Reply[T], error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, apperrors.NewSystemError(apperrors.ErrCodeInternal, "marshal middleware request", false, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, apperrors.NewSystemError(apperrors.ErrCodeInternal, "create middleware request", false, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.NewProviderError(fmt.Sprintf("middleware %s %s", method, path), true, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewProviderError("read middleware response", true, err)
	}

	reply, decodeErr := decodeReply[T](respBody)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Error statuses usually still carry a failed envelope.
		if decodeErr == nil {
			return reply, nil
		}
		c.logger.WarnContext(ctx, "middleware error",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(respBody)))
		return nil, apperrors.NewProviderError(
			fmt.Sprintf("middleware %s %s returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(respBody))),
			resp.StatusCode >= 500, nil)
	}
	if decodeErr != nil {
		return nil, apperrors.NewProviderError(fmt.Sprintf("middleware %s %s", method, path), false, decodeErr)
	}
	return reply, nil
}
