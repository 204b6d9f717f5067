// Package plugin implements the Plugin Host (C10): loading of
// externally-authored pre/post hook handlers from configured directories,
// and dispatching them around the Hook Pipeline's core decision with
// per-plugin panic recovery so one broken plugin cannot take the pipeline
// down with it.
package plugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gobby-dev/gobbyd/internal/async"
	"github.com/gobby-dev/gobbyd/internal/logging"
)

// Response is the shape a plugin handler returns; it mirrors the Hook
// Pipeline's own HookResponse closely enough that a pre-handler's
// {Decision: block|deny} can short-circuit the core pipeline.
type Response struct {
	Decision string
	Reason   string
	Context  string
}

// PreHandler runs before the core pipeline decision for a given event type.
// A non-nil, non-"allow" Decision short-circuits the pipeline.
type PreHandler func(ctx context.Context, eventType string, data map[string]any) (*Response, error)

// PostHandler runs after the core decision; it may augment but never block.
type PostHandler func(ctx context.Context, eventType string, data map[string]any, core *Response) (*Response, error)

// Plugin is one loaded unit, contributing handlers for zero or more event types.
type Plugin struct {
	Name string
	Pre  map[string]PreHandler
	Post map[string]PostHandler
}

// Host loads and runs plugins.
type Host struct {
	mu      sync.RWMutex
	plugins []*Plugin
	logger  logging.Logger
}

// NewHost returns an empty Host.
func NewHost(logger logging.Logger) *Host {
	return &Host{logger: logging.OrNop(logger)}
}

// Register adds a plugin to the host. Intended for in-process plugins
// registered at startup; directory-loaded plugins call this internally.
func (h *Host) Register(p *Plugin) {
	if p == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.plugins = append(h.plugins, p)
}

// Count returns the number of loaded plugins.
func (h *Host) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.plugins)
}

// LoaderFunc builds a Plugin from a discovered directory entry. The
// built-in directory loader only resolves paths; constructing the actual
// Plugin from a manifest is supplied by the caller since plugin formats
// are deployment-specific.
type LoaderFunc func(path string) (*Plugin, error)

// LoadDirs walks each configured directory (after `~` expansion),
// discovering immediate subdirectories as plugin candidates and handing
// each to load. Load errors are logged and do not abort the scan — a
// malformed plugin must never prevent the daemon from starting.
func (h *Host) LoadDirs(dirs []string, load LoaderFunc) {
	for _, dir := range dirs {
		expanded, err := expandHome(dir)
		if err != nil {
			h.logger.Warn("plugin: resolving directory %q: %v", dir, err)
			continue
		}
		entries, err := os.ReadDir(expanded)
		if err != nil {
			if !os.IsNotExist(err) {
				h.logger.Warn("plugin: reading directory %q: %v", expanded, err)
			}
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			path := filepath.Join(expanded, entry.Name())
			p, err := load(path)
			if err != nil {
				h.logger.Warn("plugin: loading %q: %v", path, err)
				continue
			}
			h.Register(p)
		}
	}
}

func expandHome(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// RunPreHandlers runs every registered plugin's pre-handler for eventType
// in registration order. The first Response with Decision block or deny
// short-circuits and is returned immediately. A handler panic or error is
// recovered/logged and treated as allow, so one broken plugin never takes
// down the pipeline.
func (h *Host) RunPreHandlers(ctx context.Context, eventType string, data map[string]any) *Response {
	h.mu.RLock()
	plugins := make([]*Plugin, len(h.plugins))
	copy(plugins, h.plugins)
	h.mu.RUnlock()

	for _, p := range plugins {
		handler, ok := p.Pre[eventType]
		if !ok {
			continue
		}
		resp := h.runPreSafely(ctx, p.Name, handler, eventType, data)
		if resp != nil && (resp.Decision == "block" || resp.Decision == "deny") {
			return resp
		}
	}
	return nil
}

func (h *Host) runPreSafely(ctx context.Context, name string, handler PreHandler, eventType string, data map[string]any) (resp *Response) {
	defer async.Recover(h.logger, "plugin.pre."+name)
	r, err := handler(ctx, eventType, data)
	if err != nil {
		h.logger.Warn("plugin %q pre-handler for %q failed: %v", name, eventType, err)
		return nil
	}
	return r
}

// RunPostHandlers runs every registered plugin's post-handler for
// eventType, threading the (possibly already-modified) response through
// each in turn. Post-handlers cannot block; their Decision field is
// ignored by the caller's pipeline and they may only enrich Context.
func (h *Host) RunPostHandlers(ctx context.Context, eventType string, data map[string]any, core *Response) *Response {
	h.mu.RLock()
	plugins := make([]*Plugin, len(h.plugins))
	copy(plugins, h.plugins)
	h.mu.RUnlock()

	current := core
	for _, p := range plugins {
		handler, ok := p.Post[eventType]
		if !ok {
			continue
		}
		current = h.runPostSafely(ctx, p.Name, handler, eventType, data, current)
	}
	return current
}

func (h *Host) runPostSafely(ctx context.Context, name string, handler PostHandler, eventType string, data map[string]any, core *Response) (resp *Response) {
	resp = core
	defer async.Recover(h.logger, "plugin.post."+name)
	r, err := handler(ctx, eventType, data, core)
	if err != nil {
		h.logger.Warn("plugin %q post-handler for %q failed: %v", name, eventType, err)
		return core
	}
	if r != nil {
		return r
	}
	return core
}
