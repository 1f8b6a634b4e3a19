// Package gateway wires the registry, search index, activation tracker,
// schema cache, and router into the operations served to clients: register,
// unregister, search, call, and list.
package gateway

import (
	"context"
	"encoding/json"
	"sort"

	"go.uber.org/zap"

	"github.com/toolgate-io/toolgate/internal/activation"
	"github.com/toolgate-io/toolgate/internal/config"
	"github.com/toolgate-io/toolgate/internal/gwerr"
	"github.com/toolgate-io/toolgate/internal/registry"
	"github.com/toolgate-io/toolgate/internal/router"
	"github.com/toolgate-io/toolgate/internal/schemacache"
	"github.com/toolgate-io/toolgate/internal/search"
	"github.com/toolgate-io/toolgate/internal/transport"
	"github.com/toolgate-io/toolgate/pkg/namespace"
)

// Gateway is the aggregation engine behind the serving layer.
type Gateway struct {
	cfg     *config.Config
	reg     *registry.Registry
	idx     *search.Index
	cache   *schemacache.Cache
	table   *CapabilityTable
	tracker *activation.Tracker
	router  *router.Router
	client  transport.Client
	logger  *zap.Logger
}

// New assembles a Gateway from explicitly constructed parts. The activation
// tracker's expose side effect registers each activated tool in the
// capability table with a handler that routes through the gateway.
func New(cfg *config.Config, reg *registry.Registry, client transport.Client, logger *zap.Logger) *Gateway {
	g := &Gateway{
		cfg:    cfg,
		reg:    reg,
		client: client,
		logger: logger,
		table:  NewCapabilityTable(),
		cache:  schemacache.New(cfg.CacheTTL, cfg.CacheMaxSize),
		idx: search.NewIndex(search.Config{
			MinResults:       cfg.SearchMinResults,
			MaxResults:       cfg.SearchMaxResults,
			DefaultResults:   cfg.SearchDefaultResults,
			MaxPatternLength: cfg.PatternMaxLength,
		}, logger),
	}
	g.tracker = activation.NewTracker(g.expose, logger)
	g.router = router.New(reg, g.tracker, g.cache, client, cfg.CallTimeout, cfg.MaxRetries, logger)
	return g
}

// expose is the tracker's activation side effect: it publishes the tool in
// the capability table. Invoked exactly once per tool activation.
func (g *Gateway) expose(def registry.ToolDefinition) error {
	name := def.NamespacedName
	g.table.Register(name, def.InputSchema, func(ctx context.Context, args map[string]any) (json.RawMessage, error) {
		return g.router.Call(ctx, name, args, nil)
	})
	return nil
}

// Capabilities returns the exposed-tool surface, for the serving layer.
func (g *Gateway) Capabilities() *CapabilityTable { return g.table }

// RegisterServer registers a downstream server, discovers its tools, indexes
// them, and applies the loading mode. Discovery failure leaves the server
// registered with status unreachable so the operator can retry or remove it.
func (g *Gateway) RegisterServer(ctx context.Context, reg registry.ServerRegistration, auth *registry.AuthConfig, overwrite bool) (*registry.ServerInfo, error) {
	if reg.LoadingMode == "" {
		reg.LoadingMode = g.cfg.DefaultLoadingMode
	}
	if reg.ConnectionMode == "" {
		reg.ConnectionMode = registry.ConnectionStateless
	}

	if err := g.reg.Register(ctx, reg, overwrite); err != nil {
		return nil, err
	}
	if auth != nil {
		if err := g.reg.SetAuth(ctx, reg.Name, *auth); err != nil {
			return nil, err
		}
	}

	if err := g.discover(ctx, reg); err != nil {
		if statusErr := g.reg.UpdateStatus(ctx, reg.Name, registry.ServerStatusUnreachable, err.Error()); statusErr != nil {
			g.logger.Error("record discovery failure", zap.String("server", reg.Name), zap.Error(statusErr))
		}
		return nil, err
	}
	if err := g.reg.UpdateStatus(ctx, reg.Name, registry.ServerStatusHealthy, ""); err != nil {
		return nil, err
	}
	return g.reg.Info(ctx, reg.Name)
}

// discover lists the server's tools and feeds registry, index, and tracker.
func (g *Gateway) discover(ctx context.Context, reg registry.ServerRegistration) error {
	var headers map[string]string
	if auth, err := g.reg.GetAuth(ctx, reg.Name); err == nil && auth != nil {
		headers = auth.Headers
	}

	defs, err := g.client.DiscoverTools(ctx, reg, headers)
	if err != nil {
		return err
	}
	if err := g.reg.StoreTools(ctx, reg.Name, defs); err != nil {
		return err
	}
	for _, def := range defs {
		g.idx.Upsert(registry.MetadataOf(reg.Name, def))
		if err := g.tracker.Discover(def, reg.LoadingMode); err != nil {
			return err
		}
	}

	g.logger.Info("server discovered",
		zap.String("server", reg.Name),
		zap.Int("tools", len(defs)),
		zap.String("loading_mode", string(reg.LoadingMode)),
	)
	return nil
}

// RefreshServer re-discovers an already registered server's tools.
func (g *Gateway) RefreshServer(ctx context.Context, name string) (*registry.ServerInfo, error) {
	reg, err := g.reg.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := g.discover(ctx, *reg); err != nil {
		if statusErr := g.reg.UpdateStatus(ctx, name, registry.ServerStatusUnreachable, err.Error()); statusErr != nil {
			g.logger.Error("record discovery failure", zap.String("server", name), zap.Error(statusErr))
		}
		return nil, err
	}
	if err := g.reg.UpdateStatus(ctx, name, registry.ServerStatusHealthy, ""); err != nil {
		return nil, err
	}
	return g.reg.Info(ctx, name)
}

// UnregisterServer removes a server and purges every trace of its tools:
// definitions, metadata, index documents, activation state, cached schemas,
// and capability-table entries.
func (g *Gateway) UnregisterServer(ctx context.Context, name string) error {
	if err := g.reg.Remove(ctx, name); err != nil {
		return err
	}
	prefix := namespace.ServerPrefix(name)
	g.idx.RemoveServer(name)
	g.tracker.RemoveServer(name)
	g.cache.InvalidatePrefix(prefix)
	g.table.RemovePrefix(prefix)

	g.logger.Info("server unregistered", zap.String("server", name))
	return nil
}

// SearchRequest selects a query mode and result budget. A nil MaxResults
// means "use the configured default"; an explicit value is clamped to the
// configured range, so 0 becomes the floor rather than the default.
type SearchRequest struct {
	Query      string `json:"query"`
	MaxResults *int   `json:"max_results,omitempty"`
	Pattern    bool   `json:"pattern,omitempty"`
}

// SearchResponse lists matching tools. ToolReferences are the namespaced
// names in rank order; Tools carries their metadata for display.
type SearchResponse struct {
	Query          string                  `json:"query"`
	ToolReferences []string                `json:"tool_references"`
	Tools          []registry.ToolMetadata `json:"tools"`
	TotalMatches   int                     `json:"total_matches"`
}

// Search queries the index and activates any deferred tools it surfaces, so
// every returned reference is callable by the time the response is out.
func (g *Gateway) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	maxResults := g.idx.DefaultResults()
	if req.MaxResults != nil {
		maxResults = *req.MaxResults
	}

	var results []search.Result
	if req.Pattern {
		var err error
		results, err = g.idx.SearchPattern(req.Query, maxResults)
		if err != nil {
			return nil, err
		}
	} else {
		results = g.idx.SearchRelevant(req.Query, maxResults)
	}

	refs := make([]string, 0, len(results))
	for _, r := range results {
		refs = append(refs, r.NamespacedName)
	}
	if err := g.tracker.Activate(refs); err != nil {
		return nil, err
	}

	tools := make([]registry.ToolMetadata, 0, len(refs))
	for _, ref := range refs {
		meta, err := g.reg.GetToolMetadata(ctx, ref)
		if err != nil {
			// Index can trail the registry briefly; drop the orphan.
			if gwerr.HasCode(err, gwerr.CodeNotFound) {
				continue
			}
			return nil, err
		}
		tools = append(tools, *meta)
	}

	return &SearchResponse{
		Query:          req.Query,
		ToolReferences: refs,
		Tools:          tools,
		TotalMatches:   len(refs),
	}, nil
}

// CallTool invokes an active tool through the router.
func (g *Gateway) CallTool(ctx context.Context, namespacedName string, args map[string]any, authOverride map[string]string) (json.RawMessage, error) {
	return g.router.Call(ctx, namespacedName, args, authOverride)
}

// ListServers returns all registered servers.
func (g *Gateway) ListServers(ctx context.Context) ([]*registry.ServerInfo, error) {
	infos, err := g.reg.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// ListAllTools returns metadata for every known tool with its activation
// state, sorted by namespaced name.
func (g *Gateway) ListAllTools(ctx context.Context) ([]ToolListing, error) {
	metas, err := g.reg.GetAllToolMetadata(ctx)
	if err != nil {
		return nil, err
	}
	listings := make([]ToolListing, 0, len(metas))
	for _, meta := range metas {
		listings = append(listings, ToolListing{
			ToolMetadata: meta,
			State:        g.tracker.StateOf(meta.NamespacedName).String(),
		})
	}
	sort.Slice(listings, func(i, j int) bool {
		return listings[i].NamespacedName < listings[j].NamespacedName
	})
	return listings, nil
}

// ToolListing is one row of ListAllTools.
type ToolListing struct {
	registry.ToolMetadata
	State string `json:"state"`
}

// RebuildIndex reconstructs the search index from registry metadata, e.g.
// after a restart against a persistent backend. Activation state is restored
// per each server's loading mode: eager servers' tools reactivate, deferred
// servers' tools wait for search again.
func (g *Gateway) RebuildIndex(ctx context.Context) error {
	metas, err := g.reg.GetAllToolMetadata(ctx)
	if err != nil {
		return err
	}
	g.idx.Rebuild(metas)

	servers, err := g.reg.List(ctx)
	if err != nil {
		return err
	}
	for _, info := range servers {
		defs, err := g.reg.GetTools(ctx, info.Name)
		if err != nil {
			if gwerr.HasCode(err, gwerr.CodeNotFound) {
				continue
			}
			return err
		}
		for _, def := range defs {
			if err := g.tracker.Discover(def, info.LoadingMode); err != nil {
				return err
			}
		}
	}
	return nil
}
