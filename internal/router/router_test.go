package router_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/toolgate-io/toolgate/internal/activation"
	"github.com/toolgate-io/toolgate/internal/gwerr"
	"github.com/toolgate-io/toolgate/internal/registry"
	"github.com/toolgate-io/toolgate/internal/router"
	"github.com/toolgate-io/toolgate/internal/schemacache"
	"github.com/toolgate-io/toolgate/internal/storage"
)

// fakeClient scripts downstream behavior per call.
type fakeClient struct {
	calls       int
	lastHeaders map[string]string
	lastTool    string
	failures    int   // fail this many calls before succeeding
	failWith    error // error used for scripted failures
}

func (f *fakeClient) DiscoverTools(ctx context.Context, reg registry.ServerRegistration, headers map[string]string) ([]registry.ToolDefinition, error) {
	return nil, nil
}

func (f *fakeClient) CallTool(ctx context.Context, reg registry.ServerRegistration, toolName string, args map[string]any, headers map[string]string) (json.RawMessage, error) {
	f.calls++
	f.lastHeaders = headers
	f.lastTool = toolName
	if f.failures > 0 {
		f.failures--
		return nil, f.failWith
	}
	return json.RawMessage(`{"content":[{"type":"text","text":"ok"}]}`), nil
}

type fixture struct {
	reg     *registry.Registry
	tracker *activation.Tracker
	router  *router.Router
	client  *fakeClient
}

func newFixture(t *testing.T, maxRetries int) *fixture {
	t.Helper()
	logger := zap.NewNop()
	reg := registry.New(storage.NewMemoryStore(), 1, logger)
	tracker := activation.NewTracker(func(registry.ToolDefinition) error { return nil }, logger)
	cache := schemacache.New(5*time.Minute, 100)
	client := &fakeClient{}
	rt := router.New(reg, tracker, cache, client, time.Second, maxRetries, logger)
	return &fixture{reg: reg, tracker: tracker, router: rt, client: client}
}

func (f *fixture) registerWeather(t *testing.T, activate bool) {
	t.Helper()
	ctx := context.Background()
	err := f.reg.Register(ctx, registry.ServerRegistration{
		Name:        "weather",
		Transport:   registry.TransportHTTP,
		URL:         "http://weather.internal/mcp",
		LoadingMode: registry.LoadingDeferred,
	}, false)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	def := registry.ToolDefinition{
		NamespacedName: "weather__forecast",
		Name:           "forecast",
		Description:    "get current weather forecast",
		InputSchema:    json.RawMessage(`{"type":"object"}`),
	}
	if err := f.reg.StoreTools(ctx, "weather", []registry.ToolDefinition{def}); err != nil {
		t.Fatalf("StoreTools: %v", err)
	}
	if err := f.tracker.Discover(def, registry.LoadingDeferred); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if activate {
		if err := f.tracker.Activate([]string{"weather__forecast"}); err != nil {
			t.Fatalf("Activate: %v", err)
		}
	}
}

func TestCall_inactiveToolIsNotFound(t *testing.T) {
	f := newFixture(t, 0)
	f.registerWeather(t, false)

	_, err := f.router.Call(context.Background(), "weather__forecast", nil, nil)
	if !gwerr.HasCode(err, gwerr.CodeNotFound) {
		t.Errorf("call before activation: got %v, want not_found", err)
	}
	if f.client.calls != 0 {
		t.Errorf("downstream called for inactive tool: %d calls", f.client.calls)
	}
}

func TestCall_unknownServerIsNotFound(t *testing.T) {
	f := newFixture(t, 0)

	_, err := f.router.Call(context.Background(), "ghost__tool", nil, nil)
	if !gwerr.HasCode(err, gwerr.CodeNotFound) {
		t.Errorf("call to unknown server: got %v, want not_found", err)
	}

	_, err = f.router.Call(context.Background(), "noseparator", nil, nil)
	if !gwerr.HasCode(err, gwerr.CodeNotFound) {
		t.Errorf("unparseable name: got %v, want not_found", err)
	}
}

func TestCall_authPrecedence(t *testing.T) {
	ctx := context.Background()

	// Scenario 1: override wins over configured server auth.
	f := newFixture(t, 0)
	f.registerWeather(t, true)
	if err := f.reg.SetAuth(ctx, "weather", registry.AuthConfig{
		Headers: map[string]string{"Authorization": "Bearer server-token"},
	}); err != nil {
		t.Fatalf("SetAuth: %v", err)
	}
	override := map[string]string{"Authorization": "Bearer override-token"}
	if _, err := f.router.Call(ctx, "weather__forecast", nil, override); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got := f.client.lastHeaders["Authorization"]; got != "Bearer override-token" {
		t.Errorf("override scenario: got %q", got)
	}

	// Scenario 2: no override falls back to server auth.
	if _, err := f.router.Call(ctx, "weather__forecast", nil, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got := f.client.lastHeaders["Authorization"]; got != "Bearer server-token" {
		t.Errorf("server-auth scenario: got %q", got)
	}

	// Scenario 3: neither present means no headers at all.
	f2 := newFixture(t, 0)
	f2.registerWeather(t, true)
	if _, err := f2.router.Call(ctx, "weather__forecast", nil, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if f2.client.lastHeaders != nil {
		t.Errorf("no-auth scenario: got %v, want nil", f2.client.lastHeaders)
	}
}

func TestCall_retriesTransientFailures(t *testing.T) {
	f := newFixture(t, 3)
	f.registerWeather(t, true)

	f.client.failures = 2
	f.client.failWith = gwerr.New(gwerr.CodeUnavailable, "connection refused")

	result, err := f.router.Call(context.Background(), "weather__forecast", map[string]any{"city": "oslo"}, nil)
	if err != nil {
		t.Fatalf("Call within retry budget: %v", err)
	}
	if result == nil {
		t.Error("expected a result")
	}
	if f.client.calls != 3 {
		t.Errorf("downstream attempts: got %d, want 3", f.client.calls)
	}
}

func TestCall_doesNotRetryRemoteErrors(t *testing.T) {
	f := newFixture(t, 3)
	f.registerWeather(t, true)

	f.client.failures = 1
	f.client.failWith = gwerr.New(gwerr.CodeRemoteError, "city not recognized")

	_, err := f.router.Call(context.Background(), "weather__forecast", nil, nil)
	if !gwerr.HasCode(err, gwerr.CodeRemoteError) {
		t.Fatalf("got %v, want remote_error", err)
	}
	if f.client.calls != 1 {
		t.Errorf("remote_error was retried: %d attempts", f.client.calls)
	}
}

func TestCall_doesNotRetryMisconfiguration(t *testing.T) {
	f := newFixture(t, 3)
	f.registerWeather(t, true)

	// Deterministic configuration failures must not burn the retry budget.
	f.client.failures = 1
	f.client.failWith = gwerr.New(gwerr.CodeInvalidArgument, "url required for http transport")

	_, err := f.router.Call(context.Background(), "weather__forecast", nil, nil)
	if !gwerr.HasCode(err, gwerr.CodeInvalidArgument) {
		t.Fatalf("got %v, want invalid_argument", err)
	}
	if f.client.calls != 1 {
		t.Errorf("invalid_argument was retried: %d attempts", f.client.calls)
	}
}

func TestCall_timeoutAfterRetryBudget(t *testing.T) {
	f := newFixture(t, 2)
	f.registerWeather(t, true)

	f.client.failures = 10
	f.client.failWith = gwerr.New(gwerr.CodeTimeout, "deadline exceeded")

	_, err := f.router.Call(context.Background(), "weather__forecast", nil, nil)
	if !gwerr.HasCode(err, gwerr.CodeTimeout) {
		t.Fatalf("got %v, want timeout", err)
	}
	if f.client.calls != 3 {
		t.Errorf("attempts: got %d, want 3 (1 + 2 retries)", f.client.calls)
	}
}

func TestSchema_cachesRegistryDefinition(t *testing.T) {
	f := newFixture(t, 0)
	f.registerWeather(t, true)

	ctx := context.Background()
	schema, err := f.router.Schema(ctx, "weather__forecast")
	if err != nil {
		t.Fatalf("Schema: %v", err)
	}
	if string(schema) != `{"type":"object"}` {
		t.Errorf("schema: got %s", schema)
	}

	// Second fetch is served from cache even if the registry entry vanishes.
	if err := f.reg.StoreTools(ctx, "weather", nil); err != nil {
		t.Fatalf("StoreTools: %v", err)
	}
	if _, err := f.router.Schema(ctx, "weather__forecast"); err != nil {
		t.Errorf("cached Schema after registry wipe: %v", err)
	}
}
