package client_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/toolgate-io/toolgate/internal/config"
	"github.com/toolgate-io/toolgate/internal/gateway"
	"github.com/toolgate-io/toolgate/internal/gateway/handler"
	"github.com/toolgate-io/toolgate/internal/gwerr"
	"github.com/toolgate-io/toolgate/internal/registry"
	"github.com/toolgate-io/toolgate/internal/storage"
	"github.com/toolgate-io/toolgate/pkg/client"
)

// fakeDownstream serves a fixed tool set so the SDK can be exercised against
// the real HTTP surface without a live MCP server.
type fakeDownstream struct{}

func (fakeDownstream) DiscoverTools(ctx context.Context, reg registry.ServerRegistration, headers map[string]string) ([]registry.ToolDefinition, error) {
	if reg.Name == "dead" {
		return nil, gwerr.New(gwerr.CodeUnavailable, "connection refused")
	}
	return []registry.ToolDefinition{
		{
			NamespacedName: reg.Name + "__forecast",
			Name:           "forecast",
			Description:    "get the current weather forecast for a city",
			InputSchema:    json.RawMessage(`{"type":"object"}`),
			Arguments:      []registry.ToolArgument{{Name: "city", Description: "city name"}},
		},
	}, nil
}

func (fakeDownstream) CallTool(ctx context.Context, reg registry.ServerRegistration, toolName string, args map[string]any, headers map[string]string) (json.RawMessage, error) {
	return json.RawMessage(`{"content":[{"type":"text","text":"sunny"}]}`), nil
}

func newGatewayServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	cfg := &config.Config{
		CacheTTL:             5 * time.Minute,
		CacheMaxSize:         100,
		SearchMinResults:     1,
		SearchMaxResults:     10,
		SearchDefaultResults: 5,
		PatternMaxLength:     200,
		CallTimeout:          time.Second,
		MaxRetries:           1,
		DefaultLoadingMode:   registry.LoadingDeferred,
	}
	gw := gateway.New(cfg, registry.New(storage.NewMemoryStore(), 1, logger), fakeDownstream{}, logger)

	r := gin.New()
	handler.NewGatewayHandler(gw, logger).Register(r.Group("/v1"))

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestNew_invalidURL(t *testing.T) {
	if _, err := client.New("not-a-url"); err == nil {
		t.Error("expected error for invalid base URL")
	}
	if _, err := client.New("http://localhost:8080"); err != nil {
		t.Errorf("valid base URL rejected: %v", err)
	}
}

func TestRegisterAndListServers(t *testing.T) {
	srv := newGatewayServer(t)
	c, err := client.New(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	info, err := c.RegisterServer(ctx, client.ServerRegistration{
		Name:        "weather",
		Transport:   "http",
		URL:         "http://weather.internal/mcp",
		AuthHeaders: map[string]string{"Authorization": "Bearer k"},
	})
	if err != nil {
		t.Fatalf("RegisterServer: %v", err)
	}
	if info.ToolCount != 1 {
		t.Errorf("tool count: got %d, want 1", info.ToolCount)
	}

	servers, err := c.ListServers(ctx)
	if err != nil {
		t.Fatalf("ListServers: %v", err)
	}
	if len(servers) != 1 || servers[0].Name != "weather" {
		t.Errorf("servers: %+v", servers)
	}

	got, err := c.GetServer(ctx, "weather")
	if err != nil {
		t.Fatalf("GetServer: %v", err)
	}
	if got.Status != "healthy" {
		t.Errorf("status: got %q, want healthy", got.Status)
	}
}

func TestRegisterServer_duplicateCode(t *testing.T) {
	srv := newGatewayServer(t)
	c, _ := client.New(srv.URL)
	ctx := context.Background()

	reg := client.ServerRegistration{Name: "weather", Transport: "http", URL: "http://weather.internal/mcp"}
	if _, err := c.RegisterServer(ctx, reg); err != nil {
		t.Fatal(err)
	}

	_, err := c.RegisterServer(ctx, reg)
	if client.ErrorCode(err) != "already_exists" {
		t.Errorf("duplicate register: got %v, want already_exists", err)
	}

	reg.Overwrite = true
	if _, err := c.RegisterServer(ctx, reg); err != nil {
		t.Errorf("overwrite register: %v", err)
	}
}

func TestSearchActivatesDeferredTool(t *testing.T) {
	srv := newGatewayServer(t)
	c, _ := client.New(srv.URL)
	ctx := context.Background()

	if _, err := c.RegisterServer(ctx, client.ServerRegistration{
		Name: "weather", Transport: "http", URL: "http://weather.internal/mcp",
	}); err != nil {
		t.Fatal(err)
	}

	// Deferred tool is not callable before a search surfaces it.
	_, err := c.CallTool(ctx, "weather__forecast", nil, nil)
	if client.ErrorCode(err) != "not_found" {
		t.Fatalf("call before search: got %v, want not_found", err)
	}

	result, err := c.Search(ctx, client.SearchRequest{Query: "weather forecast"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if result.TotalMatches != 1 || len(result.Tools) != 1 {
		t.Fatalf("search result: %+v", result)
	}
	if result.Tools[0].NamespacedName != "weather__forecast" {
		t.Errorf("matched tool: %q", result.Tools[0].NamespacedName)
	}

	out, err := c.CallTool(ctx, "weather__forecast", map[string]any{"city": "oslo"}, nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	var payload struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(out, &payload); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(payload.Content) != 1 || payload.Content[0].Text != "sunny" {
		t.Errorf("call result: %s", out)
	}
}

func TestSearch_patternErrorCode(t *testing.T) {
	srv := newGatewayServer(t)
	c, _ := client.New(srv.URL)

	_, err := c.Search(context.Background(), client.SearchRequest{Query: "fore(cast", Pattern: true})
	if client.ErrorCode(err) != "invalid_pattern" {
		t.Errorf("invalid pattern: got %v", err)
	}
}

func TestUnregisterServer(t *testing.T) {
	srv := newGatewayServer(t)
	c, _ := client.New(srv.URL)
	ctx := context.Background()

	if _, err := c.RegisterServer(ctx, client.ServerRegistration{
		Name: "weather", Transport: "http", URL: "http://weather.internal/mcp",
	}); err != nil {
		t.Fatal(err)
	}

	if err := c.UnregisterServer(ctx, "weather"); err != nil {
		t.Fatalf("UnregisterServer: %v", err)
	}

	tools, err := c.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 0 {
		t.Errorf("tools after unregister: %+v", tools)
	}

	if err := c.UnregisterServer(ctx, "weather"); client.ErrorCode(err) != "not_found" {
		t.Errorf("double unregister: got %v, want not_found", err)
	}
}
