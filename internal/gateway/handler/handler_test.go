package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
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
)

type stubDownstream struct{}

func (stubDownstream) DiscoverTools(ctx context.Context, reg registry.ServerRegistration, headers map[string]string) ([]registry.ToolDefinition, error) {
	if reg.Name == "dead" {
		return nil, gwerr.New(gwerr.CodeUnavailable, "connection refused")
	}
	return []registry.ToolDefinition{
		{
			NamespacedName: reg.Name + "__forecast",
			Name:           "forecast",
			Description:    "get current weather forecast",
			InputSchema:    json.RawMessage(`{"type":"object"}`),
		},
	}, nil
}

func (stubDownstream) CallTool(ctx context.Context, reg registry.ServerRegistration, toolName string, args map[string]any, headers map[string]string) (json.RawMessage, error) {
	return json.RawMessage(`{"content":[{"type":"text","text":"sunny"}]}`), nil
}

func newRouter(t *testing.T) *gin.Engine {
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
	gw := gateway.New(cfg, registry.New(storage.NewMemoryStore(), 1, logger), stubDownstream{}, logger)

	r := gin.New()
	h := handler.NewGatewayHandler(gw, logger)
	h.Register(r.Group("/v1"))
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) (*httptest.ResponseRecorder, gwerr.Envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env gwerr.Envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope from %s %s: %v (body: %s)", method, path, err, w.Body.String())
	}
	return w, env
}

func registerWeather(t *testing.T, r *gin.Engine) {
	t.Helper()
	w, env := doJSON(t, r, http.MethodPost, "/v1/servers", map[string]any{
		"name":      "weather",
		"transport": "http",
		"url":       "http://weather.internal/mcp",
	})
	if w.Code != http.StatusCreated || !env.Success {
		t.Fatalf("register: status %d, env %+v", w.Code, env)
	}
}

func TestRegisterServer_conflict(t *testing.T) {
	r := newRouter(t)
	registerWeather(t, r)

	w, env := doJSON(t, r, http.MethodPost, "/v1/servers", map[string]any{
		"name":      "weather",
		"transport": "http",
		"url":       "http://weather.internal/mcp",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate register: status %d, want 409", w.Code)
	}
	if env.Success || env.Error == nil || env.Error.Code != gwerr.CodeAlreadyExists {
		t.Errorf("duplicate register envelope: %+v", env)
	}
}

func TestRegisterServer_invalidName(t *testing.T) {
	r := newRouter(t)

	w, env := doJSON(t, r, http.MethodPost, "/v1/servers", map[string]any{
		"name":      "bad__name",
		"transport": "http",
		"url":       "http://bad.internal/mcp",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid name: status %d, want 400", w.Code)
	}
	if env.Success || env.Error == nil || env.Error.Code != gwerr.CodeInvalidArgument {
		t.Errorf("invalid name envelope: %+v", env)
	}
}

func TestRegisterServer_unreachableDownstream(t *testing.T) {
	r := newRouter(t)

	w, env := doJSON(t, r, http.MethodPost, "/v1/servers", map[string]any{
		"name":      "dead",
		"transport": "http",
		"url":       "http://dead.internal/mcp",
	})
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status: %d, want 503", w.Code)
	}
	if env.Error == nil || env.Error.Code != gwerr.CodeUnavailable {
		t.Errorf("envelope: %+v", env)
	}
}

func TestSearchThenCall_flow(t *testing.T) {
	r := newRouter(t)
	registerWeather(t, r)

	// Deferred tool is not callable before search.
	w, env := doJSON(t, r, http.MethodPost, "/v1/tools/weather__forecast/call", map[string]any{
		"arguments": map[string]any{},
	})
	if w.Code != http.StatusNotFound || env.Error == nil || env.Error.Code != gwerr.CodeNotFound {
		t.Fatalf("call before search: status %d, env %+v", w.Code, env)
	}

	w, env = doJSON(t, r, http.MethodPost, "/v1/search", map[string]any{
		"query": "weather forecast",
	})
	if w.Code != http.StatusOK || !env.Success {
		t.Fatalf("search: status %d, env %+v", w.Code, env)
	}

	w, env = doJSON(t, r, http.MethodPost, "/v1/tools/weather__forecast/call", map[string]any{
		"arguments": map[string]any{"city": "oslo"},
	})
	if w.Code != http.StatusOK || !env.Success || env.Data == nil {
		t.Fatalf("call after search: status %d, env %+v", w.Code, env)
	}
}

func TestSearch_patternErrors(t *testing.T) {
	r := newRouter(t)
	registerWeather(t, r)

	w, env := doJSON(t, r, http.MethodPost, "/v1/search", map[string]any{
		"query":   "fore(cast",
		"pattern": true,
	})
	if w.Code != http.StatusBadRequest || env.Error == nil || env.Error.Code != gwerr.CodeInvalidPattern {
		t.Errorf("invalid pattern: status %d, env %+v", w.Code, env)
	}
}

func TestListServersAndTools(t *testing.T) {
	r := newRouter(t)
	registerWeather(t, r)

	w, env := doJSON(t, r, http.MethodGet, "/v1/servers", nil)
	if w.Code != http.StatusOK || !env.Success {
		t.Fatalf("list servers: status %d, env %+v", w.Code, env)
	}

	w, env = doJSON(t, r, http.MethodGet, "/v1/tools", nil)
	if w.Code != http.StatusOK || !env.Success {
		t.Fatalf("list tools: status %d, env %+v", w.Code, env)
	}

	w, env = doJSON(t, r, http.MethodGet, "/v1/servers/weather", nil)
	if w.Code != http.StatusOK || !env.Success {
		t.Errorf("get server: status %d, env %+v", w.Code, env)
	}
	w, env = doJSON(t, r, http.MethodGet, "/v1/servers/ghost", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get unknown server: status %d", w.Code)
	}
}

func TestUnregisterServer(t *testing.T) {
	r := newRouter(t)
	registerWeather(t, r)

	w, env := doJSON(t, r, http.MethodDelete, "/v1/servers/weather", nil)
	if w.Code != http.StatusOK || !env.Success {
		t.Fatalf("unregister: status %d, env %+v", w.Code, env)
	}

	w, _ = doJSON(t, r, http.MethodDelete, "/v1/servers/weather", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("double unregister: status %d, want 404", w.Code)
	}
}

func TestRateLimiter_surfacesRateLimited(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(handler.RateLimiter(1, 1))
	r.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gwerr.OK("pong")) })

	// First request passes, second exhausts the burst.
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("first request: status %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status %d, want 429", w.Code)
	}
	var env gwerr.Envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Error == nil || env.Error.Code != gwerr.CodeRateLimited {
		t.Errorf("rate limit envelope: %+v", env)
	}
}
