// ABOUTME: Registry of external tool servers and their discovered tool schemas
// ABOUTME: Aggregates tools/list results across a user's active servers with a TTL cache

package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/converse/internal/jsonrpc"
	"github.com/2389/converse/internal/store"
)

// Discoverer performs the wire-level tools/list call for one server.
// Implemented by mcpclient.Client.
type Discoverer interface {
	Discover(ctx context.Context, server *store.ToolServer, bearer string) ([]jsonrpc.ToolInfo, error)
}

// ServerLister is the slice of the store the registry needs.
type ServerLister interface {
	ListToolServers(ctx context.Context, userID string, activeOnly bool) ([]*store.ToolServer, error)
	GetToolServer(ctx context.Context, id string) (*store.ToolServer, error)
}

// BoundTool is a tool definition bound to the server that exposes it.
// QualifiedName is the routing label: the bare tool name, or name@serverID
// when the same name is exposed by more than one of the user's servers.
type BoundTool struct {
	ServerID      string
	ServerName    string
	QualifiedName string
	Definition    jsonrpc.ToolInfo
}

// cacheEntry holds one server's discovered tools with a fetch timestamp.
type cacheEntry struct {
	tools     []jsonrpc.ToolInfo
	fetchedAt time.Time
}

// Registry aggregates the active tool set for a user. Discovery results are
// cached per server with a TTL; the cache is read-mostly and guarded by a
// single RWMutex. The cache is never the source of truth: a stale or missing
// entry triggers a fresh tools/list call.
type Registry struct {
	servers          ServerLister
	discoverer       Discoverer
	discoveryTimeout time.Duration
	ttl              time.Duration

	mu    sync.RWMutex
	cache map[string]*cacheEntry // keyed by server ID

	logger *slog.Logger
}

// New creates a Registry. Pass nil logger for the default.
func New(servers ServerLister, discoverer Discoverer, discoveryTimeout, ttl time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		servers:          servers,
		discoverer:       discoverer,
		discoveryTimeout: discoveryTimeout,
		ttl:              ttl,
		cache:            make(map[string]*cacheEntry),
		logger:           logger.With("component", "registry"),
	}
}

// ListActiveTools returns the aggregate tool list across the user's active
// servers. A server that fails discovery is logged and excluded from the
// result for this call; it is never fatal. Set forceRefresh to bypass the
// discovery cache.
func (r *Registry) ListActiveTools(ctx context.Context, userID, bearer string, forceRefresh bool) ([]BoundTool, error) {
	servers, err := r.servers.ListToolServers(ctx, userID, true)
	if err != nil {
		return nil, err
	}

	var bound []BoundTool
	nameCount := make(map[string]int)

	for _, srv := range servers {
		tools, err := r.toolsFor(ctx, srv, bearer, forceRefresh)
		if err != nil {
			r.logger.Warn("tool discovery failed, excluding server",
				"server_id", srv.ID,
				"server_name", srv.Name,
				"error", err,
			)
			continue
		}
		for _, tool := range tools {
			nameCount[tool.Name]++
			bound = append(bound, BoundTool{
				ServerID:      srv.ID,
				ServerName:    srv.Name,
				QualifiedName: tool.Name,
				Definition:    tool,
			})
		}
	}

	// Disambiguate duplicate tool names by server identifier
	for i := range bound {
		if nameCount[bound[i].Definition.Name] > 1 {
			bound[i].QualifiedName = bound[i].Definition.Name + "@" + bound[i].ServerID
		}
	}

	r.logger.Debug("active tools listed",
		"user_id", userID,
		"servers", len(servers),
		"tools", len(bound),
	)
	return bound, nil
}

// ResolveServer returns the server for an ID if it exists and is active.
// Guards the invariant that invocations never target inactive servers.
func (r *Registry) ResolveServer(ctx context.Context, serverID string) (*store.ToolServer, error) {
	srv, err := r.servers.GetToolServer(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if !srv.Active {
		return nil, store.ErrNotFound
	}
	return srv, nil
}

// Invalidate drops the cached discovery result for a server.
func (r *Registry) Invalidate(serverID string) {
	r.mu.Lock()
	delete(r.cache, serverID)
	r.mu.Unlock()
}

// toolsFor returns a server's tools from cache or via a fresh discovery call.
func (r *Registry) toolsFor(ctx context.Context, srv *store.ToolServer, bearer string, forceRefresh bool) ([]jsonrpc.ToolInfo, error) {
	if !forceRefresh {
		r.mu.RLock()
		entry, ok := r.cache[srv.ID]
		r.mu.RUnlock()
		if ok && time.Since(entry.fetchedAt) < r.ttl {
			return entry.tools, nil
		}
	}

	discoverCtx, cancel := context.WithTimeout(ctx, r.discoveryTimeout)
	defer cancel()

	tools, err := r.discoverer.Discover(discoverCtx, srv, bearer)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[srv.ID] = &cacheEntry{tools: tools, fetchedAt: time.Now()}
	r.mu.Unlock()

	return tools, nil
}
