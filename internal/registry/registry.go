// Package registry owns downstream server registrations and their discovered
// tool definitions and metadata, persisted through a storage.Backend.
//
// Mutations are linearizable per server name: concurrent writes for the same
// server serialize on a per-name lock, while operations on different servers
// proceed independently. Transient storage failures are retried a bounded
// number of times before surfacing as unavailable.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/toolgate-io/toolgate/internal/gwerr"
	"github.com/toolgate-io/toolgate/internal/storage"
	"github.com/toolgate-io/toolgate/pkg/namespace"
)

// serverRecord is the persisted form of a registration plus its runtime
// status fields.
type serverRecord struct {
	Registration    ServerRegistration `json:"registration"`
	Status          ServerStatus       `json:"status"`
	RegisteredAt    time.Time          `json:"registered_at"`
	LastHealthCheck *time.Time         `json:"last_health_check,omitempty"`
	ToolCount       int                `json:"tool_count"`
	ErrorMessage    string             `json:"error_message,omitempty"`
}

// Registry is the authoritative store of servers, tools, and tool metadata.
type Registry struct {
	store      storage.Backend
	logger     *zap.Logger
	maxRetries int
	retryDelay time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Registry on top of the given storage backend. maxRetries is
// the number of additional attempts made after a transient storage failure.
func New(store storage.Backend, maxRetries int, logger *zap.Logger) *Registry {
	return &Registry{
		store:      store,
		logger:     logger,
		maxRetries: maxRetries,
		retryDelay: 50 * time.Millisecond,
		locks:      make(map[string]*sync.Mutex),
	}
}

// lockFor returns the mutex serializing mutations for one server name.
func (r *Registry) lockFor(serverName string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[serverName]
	if !ok {
		l = &sync.Mutex{}
		r.locks[serverName] = l
	}
	return l
}

// withRetry runs fn, retrying on transient storage errors. ErrKeyNotFound is
// never transient. After the retry budget is exhausted the last error is
// wrapped as unavailable.
func (r *Registry) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return gwerr.Wrap(gwerr.CodeUnavailable, ctx.Err(), "%s interrupted", op)
			case <-time.After(r.retryDelay * time.Duration(attempt)):
			}
		}
		err = fn()
		if err == nil || errors.Is(err, storage.ErrKeyNotFound) {
			return err
		}
		r.logger.Warn("storage operation failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return gwerr.Wrap(gwerr.CodeUnavailable, err, "storage failed after %d attempts: %s", r.maxRetries+1, op)
}

func (r *Registry) getRecord(ctx context.Context, name string) (*serverRecord, error) {
	var raw []byte
	err := r.withRetry(ctx, "get server "+name, func() error {
		var e error
		raw, e = r.store.Get(ctx, serverKey(name))
		return e
	})
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, gwerr.New(gwerr.CodeNotFound, "server %q not registered", name)
	}
	if err != nil {
		return nil, err
	}
	rec := &serverRecord{}
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, gwerr.Wrap(gwerr.CodeUnavailable, err, "decode server record %q", name)
	}
	return rec, nil
}

func (r *Registry) putRecord(ctx context.Context, rec *serverRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return gwerr.Wrap(gwerr.CodeUnavailable, err, "encode server record %q", rec.Registration.Name)
	}
	return r.withRetry(ctx, "put server "+rec.Registration.Name, func() error {
		return r.store.Set(ctx, serverKey(rec.Registration.Name), raw)
	})
}

// Register stores a new server registration. When the name is already taken
// it fails with already_exists unless overwrite is set, in which case the
// registration is replaced but the original registration time is kept.
func (r *Registry) Register(ctx context.Context, reg ServerRegistration, overwrite bool) error {
	if err := namespace.ValidServerName(reg.Name); err != nil {
		return gwerr.Wrap(gwerr.CodeInvalidArgument, err, "invalid server name %q", reg.Name)
	}

	l := r.lockFor(reg.Name)
	l.Lock()
	defer l.Unlock()

	existing, err := r.getRecord(ctx, reg.Name)
	if err != nil && !gwerr.HasCode(err, gwerr.CodeNotFound) {
		return err
	}
	if existing != nil && !overwrite {
		return gwerr.New(gwerr.CodeAlreadyExists, "server %q already registered", reg.Name)
	}

	rec := &serverRecord{
		Registration: reg,
		Status:       ServerStatusRegistered,
		RegisteredAt: time.Now().UTC(),
	}
	if existing != nil {
		rec.RegisteredAt = existing.RegisteredAt
	}
	if err := r.putRecord(ctx, rec); err != nil {
		return err
	}

	r.logger.Info("server registered",
		zap.String("server", reg.Name),
		zap.String("transport", string(reg.Transport)),
		zap.String("loading_mode", string(reg.LoadingMode)),
		zap.Bool("overwrite", existing != nil),
	)
	return nil
}

// Get returns the registration for one server, or not_found.
func (r *Registry) Get(ctx context.Context, name string) (*ServerRegistration, error) {
	rec, err := r.getRecord(ctx, name)
	if err != nil {
		return nil, err
	}
	reg := rec.Registration
	return &reg, nil
}

// Info returns the listing view of one server.
func (r *Registry) Info(ctx context.Context, name string) (*ServerInfo, error) {
	rec, err := r.getRecord(ctx, name)
	if err != nil {
		return nil, err
	}
	return recordInfo(rec), nil
}

// List returns the listing view of every registered server.
func (r *Registry) List(ctx context.Context) ([]*ServerInfo, error) {
	var keys []string
	err := r.withRetry(ctx, "list servers", func() error {
		var e error
		keys, e = r.store.ListKeys(ctx, serverKeyPrefix)
		return e
	})
	if err != nil {
		return nil, err
	}

	infos := make([]*ServerInfo, 0, len(keys))
	for _, k := range keys {
		name := k[len(serverKeyPrefix):]
		rec, err := r.getRecord(ctx, name)
		if err != nil {
			// Record deleted between list and get; skip.
			if gwerr.HasCode(err, gwerr.CodeNotFound) {
				continue
			}
			return nil, err
		}
		infos = append(infos, recordInfo(rec))
	}
	return infos, nil
}

func recordInfo(rec *serverRecord) *ServerInfo {
	return &ServerInfo{
		Name:            rec.Registration.Name,
		Transport:       rec.Registration.Transport,
		URL:             rec.Registration.URL,
		LoadingMode:     rec.Registration.LoadingMode,
		Status:          rec.Status,
		RegisteredAt:    rec.RegisteredAt,
		LastHealthCheck: rec.LastHealthCheck,
		ToolCount:       rec.ToolCount,
		ErrorMessage:    rec.ErrorMessage,
	}
}

// UpdateStatus records the outcome of a health check against one server.
func (r *Registry) UpdateStatus(ctx context.Context, name string, status ServerStatus, errMsg string) error {
	l := r.lockFor(name)
	l.Lock()
	defer l.Unlock()

	rec, err := r.getRecord(ctx, name)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	rec.Status = status
	rec.LastHealthCheck = &now
	rec.ErrorMessage = errMsg
	return r.putRecord(ctx, rec)
}

// Remove deregisters a server and purges its tools, metadata, and auth
// config. Readers never observe a half-removed server: the server record is
// deleted first, so lookups fail not_found while the dependent keys drain.
func (r *Registry) Remove(ctx context.Context, name string) error {
	l := r.lockFor(name)
	l.Lock()
	defer l.Unlock()

	if _, err := r.getRecord(ctx, name); err != nil {
		return err
	}

	if err := r.withRetry(ctx, "delete server "+name, func() error {
		return r.store.Delete(ctx, serverKey(name))
	}); err != nil {
		return err
	}

	for _, key := range []string{toolsKey(name), authKey(name)} {
		if err := r.withRetry(ctx, "delete "+key, func() error {
			return r.store.Delete(ctx, key)
		}); err != nil {
			return err
		}
	}

	metaPrefix := toolMetaKeyPrefix + namespace.ServerPrefix(name)
	var metaKeys []string
	if err := r.withRetry(ctx, "list tool metadata "+name, func() error {
		var e error
		metaKeys, e = r.store.ListKeys(ctx, metaPrefix)
		return e
	}); err != nil {
		return err
	}
	for _, key := range metaKeys {
		key := key
		if err := r.withRetry(ctx, "delete "+key, func() error {
			return r.store.Delete(ctx, key)
		}); err != nil {
			return err
		}
	}

	r.logger.Info("server removed",
		zap.String("server", name),
		zap.Int("tool_meta_purged", len(metaKeys)),
	)
	return nil
}

// StoreTools replaces the full tool set for a server in one logical step and
// rewrites the per-tool metadata to match. Fails not_found when the server
// is not registered.
func (r *Registry) StoreTools(ctx context.Context, serverName string, defs []ToolDefinition) error {
	l := r.lockFor(serverName)
	l.Lock()
	defer l.Unlock()

	rec, err := r.getRecord(ctx, serverName)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(defs)
	if err != nil {
		return gwerr.Wrap(gwerr.CodeUnavailable, err, "encode tools for %q", serverName)
	}
	if err := r.withRetry(ctx, "put tools "+serverName, func() error {
		return r.store.Set(ctx, toolsKey(serverName), raw)
	}); err != nil {
		return err
	}

	// Rewrite metadata: drop entries for tools gone from the new set, then
	// write the current ones.
	current := make(map[string]bool, len(defs))
	for _, d := range defs {
		current[d.NamespacedName] = true
	}
	metaPrefix := toolMetaKeyPrefix + namespace.ServerPrefix(serverName)
	var staleKeys []string
	if err := r.withRetry(ctx, "list tool metadata "+serverName, func() error {
		var e error
		staleKeys, e = r.store.ListKeys(ctx, metaPrefix)
		return e
	}); err != nil {
		return err
	}
	for _, key := range staleKeys {
		if current[key[len(toolMetaKeyPrefix):]] {
			continue
		}
		key := key
		if err := r.withRetry(ctx, "delete "+key, func() error {
			return r.store.Delete(ctx, key)
		}); err != nil {
			return err
		}
	}
	for _, d := range defs {
		if err := r.storeToolMetadataLocked(ctx, MetadataOf(serverName, d)); err != nil {
			return err
		}
	}

	rec.ToolCount = len(defs)
	if err := r.putRecord(ctx, rec); err != nil {
		return err
	}

	r.logger.Info("tools stored",
		zap.String("server", serverName),
		zap.Int("count", len(defs)),
	)
	return nil
}

// GetTools returns the stored tool set for a server, or not_found.
func (r *Registry) GetTools(ctx context.Context, serverName string) ([]ToolDefinition, error) {
	if _, err := r.getRecord(ctx, serverName); err != nil {
		return nil, err
	}

	var raw []byte
	err := r.withRetry(ctx, "get tools "+serverName, func() error {
		var e error
		raw, e = r.store.Get(ctx, toolsKey(serverName))
		return e
	})
	if errors.Is(err, storage.ErrKeyNotFound) {
		// Registered but not yet discovered.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var defs []ToolDefinition
	if err := json.Unmarshal(raw, &defs); err != nil {
		return nil, gwerr.Wrap(gwerr.CodeUnavailable, err, "decode tools for %q", serverName)
	}
	return defs, nil
}

func (r *Registry) storeToolMetadataLocked(ctx context.Context, meta ToolMetadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return gwerr.Wrap(gwerr.CodeUnavailable, err, "encode tool metadata %q", meta.NamespacedName)
	}
	return r.withRetry(ctx, "put tool metadata "+meta.NamespacedName, func() error {
		return r.store.Set(ctx, toolMetaKey(meta.NamespacedName), raw)
	})
}

// StoreToolMetadata upserts the metadata record for one tool.
func (r *Registry) StoreToolMetadata(ctx context.Context, meta ToolMetadata) error {
	l := r.lockFor(meta.ServerName)
	l.Lock()
	defer l.Unlock()
	return r.storeToolMetadataLocked(ctx, meta)
}

// GetToolMetadata returns the metadata record for one namespaced tool name.
func (r *Registry) GetToolMetadata(ctx context.Context, namespacedName string) (*ToolMetadata, error) {
	var raw []byte
	err := r.withRetry(ctx, "get tool metadata "+namespacedName, func() error {
		var e error
		raw, e = r.store.Get(ctx, toolMetaKey(namespacedName))
		return e
	})
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, gwerr.New(gwerr.CodeNotFound, "tool %q not found", namespacedName)
	}
	if err != nil {
		return nil, err
	}
	meta := &ToolMetadata{}
	if err := json.Unmarshal(raw, meta); err != nil {
		return nil, gwerr.Wrap(gwerr.CodeUnavailable, err, "decode tool metadata %q", namespacedName)
	}
	return meta, nil
}

// GetAllToolMetadata returns every stored metadata record, for index
// rebuilds. Undecodable records are skipped with a warning rather than
// failing the whole listing.
func (r *Registry) GetAllToolMetadata(ctx context.Context) ([]ToolMetadata, error) {
	var keys []string
	err := r.withRetry(ctx, "list all tool metadata", func() error {
		var e error
		keys, e = r.store.ListKeys(ctx, toolMetaKeyPrefix)
		return e
	})
	if err != nil {
		return nil, err
	}

	metas := make([]ToolMetadata, 0, len(keys))
	for _, key := range keys {
		raw, err := r.store.Get(ctx, key)
		if errors.Is(err, storage.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, gwerr.Wrap(gwerr.CodeUnavailable, err, "get %s", key)
		}
		var meta ToolMetadata
		if err := json.Unmarshal(raw, &meta); err != nil {
			r.logger.Warn("skipping malformed tool metadata",
				zap.String("key", key),
				zap.Error(err),
			)
			continue
		}
		metas = append(metas, meta)
	}
	return metas, nil
}

// RemoveToolMetadata deletes the metadata record for one tool.
func (r *Registry) RemoveToolMetadata(ctx context.Context, namespacedName string) error {
	serverName, _, err := namespace.Split(namespacedName)
	if err != nil {
		return gwerr.Wrap(gwerr.CodeNotFound, err, "bad tool name %q", namespacedName)
	}
	l := r.lockFor(serverName)
	l.Lock()
	defer l.Unlock()
	return r.withRetry(ctx, "delete tool metadata "+namespacedName, func() error {
		return r.store.Delete(ctx, toolMetaKey(namespacedName))
	})
}

// SetAuth stores static auth headers for a server.
func (r *Registry) SetAuth(ctx context.Context, serverName string, auth AuthConfig) error {
	l := r.lockFor(serverName)
	l.Lock()
	defer l.Unlock()

	if _, err := r.getRecord(ctx, serverName); err != nil {
		return err
	}
	raw, err := json.Marshal(auth)
	if err != nil {
		return gwerr.Wrap(gwerr.CodeUnavailable, err, "encode auth for %q", serverName)
	}
	return r.withRetry(ctx, "put auth "+serverName, func() error {
		return r.store.Set(ctx, authKey(serverName), raw)
	})
}

// GetAuth returns the server's static auth headers, or nil when none are
// configured.
func (r *Registry) GetAuth(ctx context.Context, serverName string) (*AuthConfig, error) {
	var raw []byte
	err := r.withRetry(ctx, "get auth "+serverName, func() error {
		var e error
		raw, e = r.store.Get(ctx, authKey(serverName))
		return e
	})
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	auth := &AuthConfig{}
	if err := json.Unmarshal(raw, auth); err != nil {
		return nil, gwerr.Wrap(gwerr.CodeUnavailable, err, "decode auth for %q", serverName)
	}
	return auth, nil
}
