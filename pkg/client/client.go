package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// DefaultBaseURL matches the default server listen address.
const DefaultBaseURL = "http://127.0.0.1:10880/api"

// Client talks to the control API of a running coreshell.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: 10 * time.Second,
	}
}

// New creates a new API client.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

// IsConflict reports whether err means the request clashed with the current
// state, for example a start while one is already in progress.
func IsConflict(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == http.StatusConflict
}

// IsReachable checks if the shell is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Shell unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Start launches the core with the selected config.
func (c *Client) Start(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/start", nil, nil)
}

// Stop stops the core; wait bounds the graceful window when positive.
func (c *Client) Stop(ctx context.Context, wait time.Duration) error {
	path := "/stop"
	if wait > 0 {
		path += "?wait=" + url.QueryEscape(wait.String())
	}
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// Status returns the current run state.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/status", nil, &st)
	return st, err
}

// Logs returns lines with a sequence greater than since.
func (c *Client) Logs(ctx context.Context, since uint64) (Logs, error) {
	var out Logs
	err := c.do(ctx, http.MethodGet, "/logs?since="+strconv.FormatUint(since, 10), nil, &out)
	return out, err
}

// Tail returns the newest n lines.
func (c *Client) Tail(ctx context.Context, n int) (Logs, error) {
	var out Logs
	err := c.do(ctx, http.MethodGet, "/logs?tail="+strconv.Itoa(n), nil, &out)
	return out, err
}

// Config returns the active config, formatted.
func (c *Client) Config(ctx context.Context) ([]byte, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/config", nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// SaveConfig replaces the active config.
func (c *Client) SaveConfig(ctx context.Context, raw []byte) error {
	return c.do(ctx, http.MethodPut, "/config", json.RawMessage(raw), nil)
}

// SelectConfig makes the absolute path the active config.
func (c *Client) SelectConfig(ctx context.Context, path string) (string, error) {
	var out struct {
		Path string `json:"path"`
	}
	err := c.do(ctx, http.MethodPost, "/config/select", map[string]string{"path": path}, &out)
	return out.Path, err
}

// GenerateConfig creates a config in the shell's configs directory and
// selects it.
func (c *Client) GenerateConfig(ctx context.Context, req GenerateRequest) (string, error) {
	var out struct {
		Path string `json:"path"`
	}
	err := c.do(ctx, http.MethodPost, "/config/generate", req, &out)
	return out.Path, err
}

// Latency TCP-pings the configured server.
func (c *Client) Latency(ctx context.Context) (LatencyResult, error) {
	var out LatencyResult
	err := c.do(ctx, http.MethodPost, "/probe/latency", nil, &out)
	return out, err
}

// Speed measures download throughput through the running core.
func (c *Client) Speed(ctx context.Context) (SpeedResult, error) {
	var out SpeedResult
	err := c.do(ctx, http.MethodPost, "/probe/speed", nil, &out)
	return out, err
}

// SetProxy points the system proxy at addr, or the configured address when
// addr is empty.
func (c *Client) SetProxy(ctx context.Context, addr string) error {
	var body any
	if addr != "" {
		body = map[string]string{"address": addr}
	}
	return c.do(ctx, http.MethodPost, "/proxy", body, nil)
}

// ClearProxy disables the system proxy.
func (c *Client) ClearProxy(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/proxy", nil, nil)
}

// Settings returns the persisted preferences.
func (c *Client) Settings(ctx context.Context) (Settings, error) {
	var out Settings
	err := c.do(ctx, http.MethodGet, "/settings", nil, &out)
	return out, err
}

// UpdateSettings changes the keys present in patch.
func (c *Client) UpdateSettings(ctx context.Context, patch SettingsPatch) (Settings, error) {
	var out Settings
	err := c.do(ctx, http.MethodPut, "/settings", patch, &out)
	return out, err
}

// FireHotkey reports a pressed key combination and returns the action run.
func (c *Client) FireHotkey(ctx context.Context, combo string) (string, error) {
	var out struct {
		Action string `json:"action"`
	}
	err := c.do(ctx, http.MethodPost, "/hotkeys/fire", map[string]string{"combo": combo}, &out)
	return out.Action, err
}

// History returns up to limit lifecycle events, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]Event, error) {
	var out []Event
	err := c.do(ctx, http.MethodGet, "/history?limit="+strconv.Itoa(limit), nil, &out)
	return out, err
}

// do sends body as JSON (when non-nil) and decodes a 2xx answer into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "method", method, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse turns a non-2xx response into an *APIError.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		c.logger.Debug("Failed to decode error response", "status", resp.StatusCode)
		return &APIError{Status: resp.StatusCode}
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return &APIError{Status: resp.StatusCode, Message: errorResp.Error}
}
