// Package router resolves namespaced tool calls to downstream servers,
// applying auth precedence and the retry/timeout policy.
package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/toolgate-io/toolgate/internal/activation"
	"github.com/toolgate-io/toolgate/internal/gwerr"
	"github.com/toolgate-io/toolgate/internal/registry"
	"github.com/toolgate-io/toolgate/internal/schemacache"
	"github.com/toolgate-io/toolgate/internal/transport"
	"github.com/toolgate-io/toolgate/pkg/namespace"
)

// Router forwards tool invocations. Calls to distinct servers run fully
// concurrently; the router itself holds no locks across downstream calls.
type Router struct {
	reg        *registry.Registry
	tracker    *activation.Tracker
	cache      *schemacache.Cache
	client     transport.Client
	timeout    time.Duration
	maxRetries int
	logger     *zap.Logger
}

// New creates a Router. timeout bounds each downstream attempt; maxRetries
// is the number of extra attempts allowed for transient failures.
func New(
	reg *registry.Registry,
	tracker *activation.Tracker,
	cache *schemacache.Cache,
	client transport.Client,
	timeout time.Duration,
	maxRetries int,
	logger *zap.Logger,
) *Router {
	return &Router{
		reg:        reg,
		tracker:    tracker,
		cache:      cache,
		client:     client,
		timeout:    timeout,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// Schema returns the input schema for an active tool, consulting the cache
// before falling back to the registry's stored definitions.
func (r *Router) Schema(ctx context.Context, namespacedName string) (json.RawMessage, error) {
	if schema, ok := r.cache.Get(namespacedName); ok {
		return schema, nil
	}

	serverName, _, err := namespace.Split(namespacedName)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.CodeNotFound, err, "bad tool name %q", namespacedName)
	}
	defs, err := r.reg.GetTools(ctx, serverName)
	if err != nil {
		return nil, err
	}
	for _, def := range defs {
		if def.NamespacedName == namespacedName {
			r.cache.Put(namespacedName, def.InputSchema)
			return def.InputSchema, nil
		}
	}
	return nil, gwerr.New(gwerr.CodeNotFound, "tool %q not found", namespacedName)
}

// resolveAuth applies the auth precedence: explicit override, else the
// server's configured static headers, else none.
func (r *Router) resolveAuth(ctx context.Context, serverName string, override map[string]string) (map[string]string, error) {
	if len(override) > 0 {
		return override, nil
	}
	auth, err := r.reg.GetAuth(ctx, serverName)
	if err != nil {
		return nil, err
	}
	if auth != nil && len(auth.Headers) > 0 {
		return auth.Headers, nil
	}
	return nil, nil
}

// retryable reports whether an attempt may be repeated. Only connectivity
// failures qualify; application failures from the tool pass through.
func retryable(err error) bool {
	switch gwerr.CodeOf(err) {
	case gwerr.CodeUnavailable, gwerr.CodeTimeout:
		return true
	default:
		return false
	}
}

// Call invokes an active tool. Fails not_found when the server is unknown
// or the tool is not active. The downstream result is returned unmodified.
func (r *Router) Call(ctx context.Context, namespacedName string, args map[string]any, authOverride map[string]string) (json.RawMessage, error) {
	serverName, toolName, err := namespace.Split(namespacedName)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.CodeNotFound, err, "bad tool name %q", namespacedName)
	}
	if !r.tracker.IsActive(namespacedName) {
		return nil, gwerr.New(gwerr.CodeNotFound, "tool %q is not active", namespacedName)
	}

	reg, err := r.reg.Get(ctx, serverName)
	if err != nil {
		return nil, err
	}
	headers, err := r.resolveAuth(ctx, serverName, authOverride)
	if err != nil {
		return nil, err
	}

	// Warm the schema cache; a miss here is not fatal to the call.
	if _, err := r.Schema(ctx, namespacedName); err != nil {
		r.logger.Debug("schema unavailable for active tool",
			zap.String("tool", namespacedName),
			zap.Error(err),
		)
	}

	callID := uuid.NewString()
	log := r.logger.With(
		zap.String("call_id", callID),
		zap.String("tool", namespacedName),
		zap.String("server", serverName),
	)

	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if r.timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, r.timeout)
		}
		result, err := r.client.CallTool(attemptCtx, *reg, toolName, args, headers)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			log.Info("tool call succeeded", zap.Int("attempt", attempt+1))
			return result, nil
		}
		lastErr = err
		if !retryable(err) {
			log.Warn("tool call failed", zap.Error(err))
			return nil, err
		}
		// Stop early when the gateway-level caller is gone.
		if ctx.Err() != nil {
			break
		}
		log.Warn("tool call attempt failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return nil, lastErr
}
