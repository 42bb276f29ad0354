// Package feedclient talks to a vigil server. A Client supplies everything a
// feed.Coordinator consumes: inbox snapshots, ownership sets and live change
// feeds.
package feedclient

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
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hyperengineering/vigil/internal/feed"
	"github.com/hyperengineering/vigil/internal/types"
)

// ErrNotFound is returned when the server answers 404.
var ErrNotFound = errors.New("not found")

// Config configures a Client.
type Config struct {
	// BaseURL is the server root, e.g. http://localhost:8080.
	BaseURL string
	// APIKey is sent as a bearer token.
	APIKey string
	// Timeout bounds each HTTP request. Defaults to 30s.
	Timeout time.Duration
	// ReconnectBaseDelay and ReconnectMaxDelay bound change feed reconnects.
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Client is an HTTP and websocket client for the vigil API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	dialer  *websocket.Dialer
	logger  *slog.Logger

	reconnectBase time.Duration
	reconnectMax  time.Duration
}

var (
	_ feed.SnapshotFetcher = (*Client)(nil)
	_ feed.OwnershipLoader = (*Client)(nil)
	_ feed.ChangeFeed      = (*Client)(nil)
)

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("BaseURL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ReconnectBaseDelay == 0 {
		cfg.ReconnectBaseDelay = time.Second
	}
	if cfg.ReconnectMaxDelay < cfg.ReconnectBaseDelay {
		cfg.ReconnectMaxDelay = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.Timeout,
		},
		logger:        cfg.Logger,
		reconnectBase: cfg.ReconnectBaseDelay,
		reconnectMax:  cfg.ReconnectMaxDelay,
	}, nil
}

// APIError is a non-2xx answer carrying RFC 7807 problem details.
type APIError struct {
	StatusCode int
	Title      string
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("vigil API %d %s: %s", e.StatusCode, e.Title, e.Detail)
	}
	return fmt.Sprintf("vigil API %d %s", e.StatusCode, e.Title)
}

// Is matches ErrNotFound for 404 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Ping checks that the server is reachable and healthy.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Health(ctx)
	return err
}

// Health returns the server health report.
func (c *Client) Health(ctx context.Context) (*types.HealthResponse, error) {
	var out types.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchSnapshot returns the authoritative inbox for subject, newest first.
func (c *Client) FetchSnapshot(ctx context.Context, subject string) ([]types.Entity, error) {
	var out types.InboxResponse
	path := "/api/v1/users/" + url.PathEscape(subject) + "/inbox"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("fetch inbox: %w", err)
	}
	if out.Items == nil {
		out.Items = []types.Entity{}
	}
	return out.Items, nil
}

// LoadOwnership returns the ids of the prayers subject owns.
func (c *Client) LoadOwnership(ctx context.Context, subject string) ([]string, error) {
	var out types.OwnershipResponse
	path := "/api/v1/users/" + url.PathEscape(subject) + "/prayers/ids"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("load ownership: %w", err)
	}
	return out.IDs, nil
}

// CreatePrayer creates a prayer owned by req.UserID.
func (c *Client) CreatePrayer(ctx context.Context, req types.NewPrayerRequest) (*types.Prayer, error) {
	var out types.Prayer
	if err := c.do(ctx, http.MethodPost, "/api/v1/prayers", req, &out); err != nil {
		return nil, fmt.Errorf("create prayer: %w", err)
	}
	return &out, nil
}

// CreateResponse responds to a prayer.
func (c *Client) CreateResponse(ctx context.Context, prayerID string, req types.NewResponseRequest) (*types.PrayerResponse, error) {
	var out types.PrayerResponse
	path := "/api/v1/prayers/" + url.PathEscape(prayerID) + "/responses"
	if err := c.do(ctx, http.MethodPost, path, req, &out); err != nil {
		return nil, fmt.Errorf("create response: %w", err)
	}
	return &out, nil
}

// DeleteResponse deletes a response.
func (c *Client) DeleteResponse(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/api/v1/responses/"+url.PathEscape(id), nil, nil); err != nil {
		return fmt.Errorf("delete response: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeProblem(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeProblem(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode, Title: http.StatusText(resp.StatusCode)}
	var p struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &p); err == nil {
		if p.Title != "" {
			apiErr.Title = p.Title
		}
		apiErr.Detail = p.Detail
	}
	return apiErr
}
