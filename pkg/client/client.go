// Package client provides the Go SDK for the toolgate HTTP API: registering
// downstream servers, searching the aggregated tool catalog, and invoking
// tools by namespaced name.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// APIError is a failed gateway response. Code is the gateway's stable error
// code ("not_found", "unavailable", ...), HTTPStatus the response status.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway: %s: %s (HTTP %d)", e.Code, e.Message, e.HTTPStatus)
}

// ErrorCode extracts the gateway error code from err, or "" when err is not
// an APIError.
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// ServerRegistration describes a downstream server to register.
type ServerRegistration struct {
	Name           string            `json:"name"`
	Transport      string            `json:"transport"`
	URL            string            `json:"url,omitempty"`
	Command        string            `json:"command,omitempty"`
	Args           []string          `json:"args,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	ConnectionMode string            `json:"connection_mode,omitempty"`
	LoadingMode    string            `json:"loading_mode,omitempty"`

	// AuthHeaders are attached to every call the gateway forwards to this
	// server. They are stored server-side and never returned by listings.
	AuthHeaders map[string]string `json:"-"`

	// Overwrite replaces an existing registration with the same name.
	Overwrite bool `json:"-"`
}

// ServerInfo is the listing view of one registered server.
type ServerInfo struct {
	Name            string     `json:"name"`
	Transport       string     `json:"transport"`
	URL             string     `json:"url,omitempty"`
	LoadingMode     string     `json:"loading_mode"`
	Status          string     `json:"status"`
	RegisteredAt    time.Time  `json:"registered_at"`
	LastHealthCheck *time.Time `json:"last_health_check,omitempty"`
	ToolCount       int        `json:"tool_count"`
	ErrorMessage    string     `json:"error_message,omitempty"`
}

// ToolArgument is one parameter of a tool.
type ToolArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Tool is one entry of the aggregated catalog.
type Tool struct {
	NamespacedName string         `json:"namespaced_name"`
	ServerName     string         `json:"server_name"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Arguments      []ToolArgument `json:"arguments,omitempty"`
	State          string         `json:"state,omitempty"`
}

// SearchRequest selects tools from the catalog. With Pattern false, Query is
// ranked by relevance; with Pattern true, Query is a regular expression
// matched case-insensitively against tool names and descriptions. A nil
// MaxResults uses the gateway's default; explicit values are clamped
// server-side to the configured range.
type SearchRequest struct {
	Query      string `json:"query"`
	MaxResults *int   `json:"max_results,omitempty"`
	Pattern    bool   `json:"pattern,omitempty"`
}

// SearchResult holds the matching tools. Every returned tool is callable.
type SearchResult struct {
	Query          string   `json:"query"`
	ToolReferences []string `json:"tool_references"`
	Tools          []Tool   `json:"tools"`
	TotalMatches   int      `json:"total_matches"`
}

// Client talks to one toolgate instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
	headers    map[string]string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithHeader attaches a static header to every request, e.g. for an
// authenticating reverse proxy in front of the gateway.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.headers[key] = value }
}

// New creates a Client for the gateway at baseURL (e.g. "http://localhost:8080").
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", baseURL)
	}

	c := &Client{
		baseURL:    u.Scheme + "://" + u.Host,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		headers:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// envelope mirrors the gateway's response wrapper with data left raw so it
// can be decoded into the caller's type.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *APIError       `json:"error,omitempty"`
}

// do performs one request and decodes the envelope's data into out (when
// non-nil). A failure envelope becomes an *APIError.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		buf = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%s %s: HTTP %d: unexpected body", method, path, resp.StatusCode)
	}
	if !env.Success {
		if env.Error == nil {
			return &APIError{Code: "unavailable", Message: "malformed error response", HTTPStatus: resp.StatusCode}
		}
		env.Error.HTTPStatus = resp.StatusCode
		return env.Error
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}
	return nil
}

// authBody is the wire form of stored auth headers.
type authBody struct {
	Headers map[string]string `json:"headers"`
}

// registerBody is the wire form of a registration request.
type registerBody struct {
	ServerRegistration
	Auth      *authBody `json:"auth,omitempty"`
	Overwrite bool      `json:"overwrite,omitempty"`
}

// RegisterServer registers a downstream server and returns its record after
// discovery. Registering an existing name fails with code "already_exists"
// unless reg.Overwrite is set.
func (c *Client) RegisterServer(ctx context.Context, reg ServerRegistration) (*ServerInfo, error) {
	body := registerBody{ServerRegistration: reg, Overwrite: reg.Overwrite}
	if len(reg.AuthHeaders) > 0 {
		body.Auth = &authBody{Headers: reg.AuthHeaders}
	}

	var info ServerInfo
	if err := c.do(ctx, http.MethodPost, "/v1/servers", body, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ListServers returns every registered server.
func (c *Client) ListServers(ctx context.Context) ([]ServerInfo, error) {
	var out struct {
		Servers []ServerInfo `json:"servers"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/servers", nil, &out); err != nil {
		return nil, err
	}
	return out.Servers, nil
}

// GetServer returns one server's record, or an APIError with code
// "not_found".
func (c *Client) GetServer(ctx context.Context, name string) (*ServerInfo, error) {
	var info ServerInfo
	if err := c.do(ctx, http.MethodGet, "/v1/servers/"+url.PathEscape(name), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// UnregisterServer removes a server and everything derived from it: its
// tools leave the catalog, the search index, and the schema cache.
func (c *Client) UnregisterServer(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/v1/servers/"+url.PathEscape(name), nil, nil)
}

// RefreshServer re-runs tool discovery against a server.
func (c *Client) RefreshServer(ctx context.Context, name string) (*ServerInfo, error) {
	var info ServerInfo
	if err := c.do(ctx, http.MethodPost, "/v1/servers/"+url.PathEscape(name)+"/refresh", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ListTools returns the full aggregated catalog across all servers.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var out struct {
		Tools []Tool `json:"tools"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/tools", nil, &out); err != nil {
		return nil, err
	}
	return out.Tools, nil
}

// Search runs a catalog search. Tools returned by a search become callable,
// including deferred tools not exposed before.
func (c *Client) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	var result SearchResult
	if err := c.do(ctx, http.MethodPost, "/v1/search", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CallTool invokes a tool by namespaced name ("server__tool") and returns the
// downstream result verbatim. authOverride, when non-nil, replaces the
// server's stored auth headers for this call only.
func (c *Client) CallTool(ctx context.Context, namespacedName string, args map[string]any, authOverride map[string]string) (json.RawMessage, error) {
	body := map[string]any{"arguments": args}
	if authOverride != nil {
		body["auth_override"] = authOverride
	}

	var result json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/v1/tools/"+url.PathEscape(namespacedName)+"/call", body, &result); err != nil {
		return nil, err
	}
	return result, nil
}
