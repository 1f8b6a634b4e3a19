// Package transport reaches downstream servers over the Model Context
// Protocol. It is the only package that speaks the downstream wire protocol;
// everything above it works with registry types and raw JSON results.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/toolgate-io/toolgate/internal/gwerr"
	"github.com/toolgate-io/toolgate/internal/registry"
	"github.com/toolgate-io/toolgate/pkg/namespace"
)

// Client is the downstream transport consumed by discovery and the router.
type Client interface {
	// DiscoverTools connects to a server and lists its tools.
	DiscoverTools(ctx context.Context, reg registry.ServerRegistration, headers map[string]string) ([]registry.ToolDefinition, error)

	// CallTool invokes one tool and returns the raw downstream result. An
	// application-level failure reported by the tool surfaces as
	// remote_error; connectivity failures as unavailable or timeout.
	CallTool(ctx context.Context, reg registry.ServerRegistration, toolName string, args map[string]any, headers map[string]string) (json.RawMessage, error)
}

const (
	clientName    = "toolgate"
	clientVersion = "1.0.0"
)

// MCPClient implements Client over the official MCP Go SDK. Sessions are
// opened per operation, matching stateless downstream servers; stateful
// session reuse is a possible later addition behind the same interface.
type MCPClient struct {
	connectTimeout time.Duration
	logger         *zap.Logger
}

// NewMCPClient creates an MCPClient whose connection attempts are bounded by
// connectTimeout.
func NewMCPClient(connectTimeout time.Duration, logger *zap.Logger) *MCPClient {
	return &MCPClient{connectTimeout: connectTimeout, logger: logger}
}

// headerRoundTripper injects static headers into every outgoing request.
type headerRoundTripper struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	for k, v := range t.headers {
		r.Header.Set(k, v)
	}
	return t.base.RoundTrip(r)
}

func httpClientWith(headers map[string]string) *http.Client {
	if len(headers) == 0 {
		return http.DefaultClient
	}
	return &http.Client{
		Transport: &headerRoundTripper{base: http.DefaultTransport, headers: headers},
	}
}

func buildTransport(reg registry.ServerRegistration, headers map[string]string) (mcp.Transport, error) {
	switch reg.Transport {
	case registry.TransportHTTP:
		if reg.URL == "" {
			return nil, fmt.Errorf("server %q: url required for http transport", reg.Name)
		}
		return &mcp.StreamableClientTransport{
			Endpoint:   reg.URL,
			HTTPClient: httpClientWith(headers),
		}, nil
	case registry.TransportSSE:
		if reg.URL == "" {
			return nil, fmt.Errorf("server %q: url required for sse transport", reg.Name)
		}
		return &mcp.SSEClientTransport{
			Endpoint:   reg.URL,
			HTTPClient: httpClientWith(headers),
		}, nil
	case registry.TransportStdio:
		if reg.Command == "" {
			return nil, fmt.Errorf("server %q: command required for stdio transport", reg.Name)
		}
		cmd := exec.Command(reg.Command, reg.Args...)
		if len(reg.Env) > 0 {
			env := os.Environ()
			for k, v := range reg.Env {
				env = append(env, fmt.Sprintf("%s=%s", k, v))
			}
			cmd.Env = env
		}
		return &mcp.CommandTransport{Command: cmd}, nil
	default:
		return nil, fmt.Errorf("server %q: unsupported transport %q", reg.Name, reg.Transport)
	}
}

// connect opens a session against one server.
func (c *MCPClient) connect(ctx context.Context, reg registry.ServerRegistration, headers map[string]string) (*mcp.ClientSession, error) {
	// Misconfiguration is deterministic: coded so callers do not burn the
	// retry budget on it.
	t, err := buildTransport(reg, headers)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.CodeInvalidArgument, err, "server %q misconfigured", reg.Name)
	}

	connectCtx := ctx
	if c.connectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, c.connectTimeout)
		defer cancel()
	}

	client := mcp.NewClient(&mcp.Implementation{Name: clientName, Version: clientVersion}, nil)
	session, err := client.Connect(connectCtx, t, nil)
	if err != nil {
		return nil, classify(err, "connect to server %q", reg.Name)
	}
	return session, nil
}

// classify converts a downstream error into the gateway taxonomy: deadline
// expiry is timeout, everything else connectivity-level is unavailable.
func classify(err error, format string, args ...any) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return gwerr.Wrap(gwerr.CodeTimeout, err, format, args...)
	}
	return gwerr.Wrap(gwerr.CodeUnavailable, err, format, args...)
}

// DiscoverTools implements Client.
func (c *MCPClient) DiscoverTools(ctx context.Context, reg registry.ServerRegistration, headers map[string]string) ([]registry.ToolDefinition, error) {
	session, err := c.connect(ctx, reg, headers)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	res, err := session.ListTools(ctx, nil)
	if err != nil {
		return nil, classify(err, "list tools on %q", reg.Name)
	}

	defs := make([]registry.ToolDefinition, 0, len(res.Tools))
	for _, tool := range res.Tools {
		def := registry.ToolDefinition{
			NamespacedName: namespace.Join(reg.Name, tool.Name),
			Name:           tool.Name,
			Description:    tool.Description,
			Arguments:      extractArguments(tool.InputSchema),
		}
		if tool.InputSchema != nil {
			if raw, err := json.Marshal(tool.InputSchema); err == nil {
				def.InputSchema = raw
			}
		}
		defs = append(defs, def)
	}

	c.logger.Debug("tools discovered",
		zap.String("server", reg.Name),
		zap.Int("count", len(defs)),
	)
	return defs, nil
}

// extractArguments pulls parameter names and descriptions out of a JSON
// schema's properties block.
func extractArguments(schema any) []registry.ToolArgument {
	m, ok := schema.(map[string]any)
	if !ok {
		return nil
	}
	props, ok := m["properties"].(map[string]any)
	if !ok {
		return nil
	}
	args := make([]registry.ToolArgument, 0, len(props))
	for name, v := range props {
		arg := registry.ToolArgument{Name: name}
		if pm, ok := v.(map[string]any); ok {
			if desc, ok := pm["description"].(string); ok {
				arg.Description = desc
			}
		}
		args = append(args, arg)
	}
	// Map iteration is unordered; keep output stable.
	sort.Slice(args, func(i, j int) bool { return args[i].Name < args[j].Name })
	return args
}

// CallTool implements Client.
func (c *MCPClient) CallTool(ctx context.Context, reg registry.ServerRegistration, toolName string, args map[string]any, headers map[string]string) (json.RawMessage, error) {
	session, err := c.connect(ctx, reg, headers)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: toolName, Arguments: args})
	if err != nil {
		return nil, classify(err, "call %s on %q", toolName, reg.Name)
	}
	if res.IsError {
		return nil, gwerr.New(gwerr.CodeRemoteError, "%s", errorText(res))
	}

	raw, err := json.Marshal(res)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.CodeUnavailable, err, "encode result of %s", toolName)
	}
	return raw, nil
}

// errorText flattens the text content of a failed tool result.
func errorText(res *mcp.CallToolResult) string {
	var parts []string
	for _, content := range res.Content {
		if tc, ok := content.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	if len(parts) == 0 {
		return "tool reported an error"
	}
	return strings.Join(parts, "\n")
}
