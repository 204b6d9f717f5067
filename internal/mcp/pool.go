package mcp

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gobby-dev/gobbyd/internal/async"
	appErrors "github.com/gobby-dev/gobbyd/internal/errors"
	"github.com/gobby-dev/gobbyd/internal/logging"
	"github.com/gobby-dev/gobbyd/internal/store"
	"github.com/gobby-dev/gobbyd/internal/telemetry"
)

// tracerName scopes every span the pool starts around MCP calls.
const tracerName = "github.com/gobby-dev/gobbyd/internal/mcp"

func tracer() trace.Tracer { return otel.Tracer(tracerName) }

// DefaultHealthCheckInterval and DefaultHealthCheckTimeout bound the
// background health monitor's tick cadence and per-call budget.
const (
	DefaultHealthCheckInterval = 60 * time.Second
	DefaultHealthCheckTimeout  = 5 * time.Second
	maxConnectConcurrency      = 8
)

type serverEntry struct {
	config  ServerConfig
	conn    Connection
	session Session
	health  *ConnectionHealth
	breaker *appErrors.CircuitBreaker
}

// Pool manages every configured MCP server's connection lifecycle and
// routes tool calls / resource reads through the right one.
type Pool struct {
	store  *store.Store
	logger logging.Logger

	healthCheckInterval time.Duration
	healthCheckTimeout  time.Duration

	mu      sync.RWMutex
	servers map[string]*serverEntry

	ctx    context.Context
	cancel context.CancelFunc

	metrics *telemetry.Metrics
}

// SetMetrics wires a Metrics instance for circuit-breaker and health-report
// gauges. Safe to call once during bootstrap, any time before ConnectAll;
// nil (the default) disables metrics observation without affecting pool
// behavior.
func (p *Pool) SetMetrics(m *telemetry.Metrics) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = m
}

// New returns a Pool backed by s. Call ConnectAll to bring up configured
// servers, and DisconnectAll (or cancel the pool's context) to tear down.
func New(s *store.Store, logger logging.Logger) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		store:               s,
		logger:              logging.OrNop(logger),
		healthCheckInterval: DefaultHealthCheckInterval,
		healthCheckTimeout:  DefaultHealthCheckTimeout,
		servers:             make(map[string]*serverEntry),
		ctx:                 ctx,
		cancel:              cancel,
	}
}

// ConnectAll loads enabled server configs from the store and connects to
// each with bounded concurrency. A failure to connect one server never
// blocks the others — it's recorded as state=failed, health=unhealthy.
func (p *Pool) ConnectAll(ctx context.Context) error {
	configs, err := p.loadEnabledConfigs(ctx)
	if err != nil {
		return fmt.Errorf("mcp: load server configs: %w", err)
	}

	grp := pool.New().WithMaxGoroutines(maxConnectConcurrency)
	for _, cfg := range configs {
		cfg := cfg
		grp.Go(func() {
			p.connectOne(ctx, cfg)
		})
	}
	grp.Wait()

	async.Go(p.logger, "mcp.healthMonitor", p.monitorHealth)
	return nil
}

// breakerConfig returns a CircuitBreakerConfig whose OnStateChange mirrors
// every transition onto p.metrics, when set.
func (p *Pool) breakerConfig() appErrors.CircuitBreakerConfig {
	cfg := appErrors.DefaultCircuitBreakerConfig()
	cfg.OnStateChange = func(from, to appErrors.CircuitState, name string) {
		p.mu.RLock()
		m := p.metrics
		p.mu.RUnlock()
		if m != nil {
			m.CircuitBreakerCallback()(from, to, name)
		}
	}
	return cfg
}

func (p *Pool) connectOne(ctx context.Context, cfg ServerConfig) {
	entry := &serverEntry{
		config:  cfg,
		health:  &ConnectionHealth{Name: cfg.Name, State: StateConnecting},
		breaker: appErrors.NewCircuitBreaker("mcp."+cfg.Name, p.breakerConfig()),
	}

	p.mu.Lock()
	p.servers[cfg.Name] = entry
	p.mu.Unlock()

	conn, err := newConnection(cfg)
	if err != nil {
		p.logger.Error("mcp: %s: %v", cfg.Name, err)
		entry.health.State = StateFailed
		entry.health.RecordFailure(err)
		return
	}
	entry.conn = conn

	sess, err := conn.Connect(ctx)
	if err != nil {
		p.logger.Warn("mcp: failed to connect %s: %v", cfg.Name, err)
		entry.health.State = StateFailed
		entry.health.RecordFailure(err)
		return
	}

	p.mu.Lock()
	entry.session = sess
	entry.health.State = StateConnected
	entry.health.Health = HealthHealthy
	p.mu.Unlock()
}

// DisconnectAll tears down every connection concurrently and clears the
// pool's state.
func (p *Pool) DisconnectAll() {
	p.cancel()

	p.mu.Lock()
	entries := make([]*serverEntry, 0, len(p.servers))
	for _, e := range p.servers {
		entries = append(entries, e)
	}
	p.servers = make(map[string]*serverEntry)
	p.mu.Unlock()

	grp := pool.New().WithMaxGoroutines(maxConnectConcurrency)
	for _, e := range entries {
		e := e
		grp.Go(func() {
			if e.conn != nil {
				if err := e.conn.Disconnect(); err != nil {
					p.logger.Warn("mcp: disconnect %s: %v", e.config.Name, err)
				}
			}
		})
	}
	grp.Wait()
}

// AddServer validates and persists config, connects immediately, and
// returns the tool schemas fetched from the new server.
func (p *Pool) AddServer(ctx context.Context, cfg ServerConfig) ([]ToolSchema, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}

	if err := p.persistServer(ctx, cfg); err != nil {
		return nil, err
	}

	p.connectOne(ctx, cfg)

	tools, err := p.listTools(ctx, cfg.Name)
	if err != nil {
		return nil, err
	}
	if err := p.persistTools(ctx, cfg.ID, tools); err != nil {
		return nil, err
	}
	return tools, nil
}

// RemoveServer disconnects (best-effort), forgets the in-memory entry, and
// deletes the persisted config (cascading to its tools/embeddings).
func (p *Pool) RemoveServer(ctx context.Context, name, projectID string) error {
	p.mu.Lock()
	entry, exists := p.servers[name]
	delete(p.servers, name)
	p.mu.Unlock()

	if exists && entry.conn != nil {
		if err := entry.conn.Disconnect(); err != nil {
			p.logger.Warn("mcp: disconnect %s during removal: %v", name, err)
		}
	}

	_, err := p.store.Execute(ctx, `DELETE FROM mcp_servers WHERE name = ? AND project_id = ?`, name, projectID)
	return err
}

// CallTool routes a tool invocation to the named server, reconnecting
// once transparently if the underlying stream reports itself closed.
func (p *Pool) CallTool(ctx context.Context, server, tool string, args map[string]any, timeout time.Duration) (json.RawMessage, error) {
	entry, err := p.entryFor(server)
	if err != nil {
		return nil, err
	}

	if !entry.conn.IsConnected() {
		if err := p.reconnect(ctx, entry); err != nil {
			return nil, ErrNotConnected
		}
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := p.invoke(callCtx, entry, "tools/call", map[string]any{"name": tool, "arguments": args})
	if err != nil && isClosedStreamError(err) {
		entry.health.State = StateDisconnected
		if reconErr := p.reconnect(ctx, entry); reconErr == nil {
			result, err = p.invoke(callCtx, entry, "tools/call", map[string]any{"name": tool, "arguments": args})
		}
	}
	if err != nil {
		return nil, &CallFailedError{Server: server, Err: err}
	}
	return result, nil
}

// ReadResource follows the same routing and reconnect-retry pattern as
// CallTool for resource reads.
func (p *Pool) ReadResource(ctx context.Context, server, uri string) (json.RawMessage, error) {
	entry, err := p.entryFor(server)
	if err != nil {
		return nil, err
	}

	if !entry.conn.IsConnected() {
		if err := p.reconnect(ctx, entry); err != nil {
			return nil, ErrNotConnected
		}
	}

	result, err := p.invoke(ctx, entry, "resources/read", map[string]any{"uri": uri})
	if err != nil && isClosedStreamError(err) {
		entry.health.State = StateDisconnected
		if reconErr := p.reconnect(ctx, entry); reconErr == nil {
			result, err = p.invoke(ctx, entry, "resources/read", map[string]any{"uri": uri})
		}
	}
	if err != nil {
		return nil, &CallFailedError{Server: server, Err: err}
	}
	return result, nil
}

func (p *Pool) invoke(ctx context.Context, entry *serverEntry, method string, params any) (json.RawMessage, error) {
	ctx, span := tracer().Start(ctx, "mcp.invoke", trace.WithAttributes(
		attribute.String("mcp.server", entry.config.Name),
		attribute.String("mcp.method", method),
	))
	defer span.End()

	start := time.Now()
	result, err := appErrors.ExecuteFunc(entry.breaker, ctx, func(ctx context.Context) (json.RawMessage, error) {
		return entry.session.Call(ctx, method, params)
	})

	p.mu.Lock()
	if err != nil {
		entry.health.RecordFailure(err)
	} else {
		entry.health.RecordSuccess(float64(time.Since(start).Milliseconds()))
	}
	p.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return result, err
}

func (p *Pool) entryFor(server string) (*serverEntry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	entry, ok := p.servers[server]
	if !ok {
		return nil, ErrUnknownServer
	}
	return entry, nil
}

func (p *Pool) reconnect(ctx context.Context, entry *serverEntry) error {
	if entry.conn.IsConnected() {
		_ = entry.conn.Disconnect()
	}
	entry.health.State = StateConnecting
	sess, err := entry.conn.Connect(ctx)
	if err != nil {
		entry.health.State = StateFailed
		entry.health.RecordFailure(err)
		return err
	}

	p.mu.Lock()
	entry.session = sess
	entry.health.State = StateConnected
	p.mu.Unlock()
	return nil
}

// HealthReportEntry is one row of GetHealthReport's snapshot.
type HealthReportEntry struct {
	Server              string
	State               ConnectionState
	Health              HealthState
	ConsecutiveFailures int
	LastHealthCheck     time.Time
	LastError           string
	ResponseTimeMS      float64
}

// GetHealthReport snapshots every known server's connection/health state.
func (p *Pool) GetHealthReport() []HealthReportEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]HealthReportEntry, 0, len(p.servers))
	for name, entry := range p.servers {
		out = append(out, HealthReportEntry{
			Server:              name,
			State:               entry.health.State,
			Health:              entry.health.Health,
			ConsecutiveFailures: entry.health.ConsecutiveFailures,
			LastHealthCheck:     entry.health.LastHealthCheck,
			LastError:           entry.health.LastError,
			ResponseTimeMS:      entry.health.ResponseTimeMS,
		})
	}
	return out
}

func (p *Pool) monitorHealth() {
	ticker := time.NewTicker(p.healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.checkAllHealth()
		}
	}
}

func (p *Pool) checkAllHealth() {
	p.mu.RLock()
	entries := make([]*serverEntry, 0, len(p.servers))
	for _, e := range p.servers {
		entries = append(entries, e)
	}
	p.mu.RUnlock()

	for _, entry := range entries {
		ctx, cancel := context.WithTimeout(p.ctx, p.healthCheckTimeout)
		err := entry.conn.HealthCheck(ctx)
		cancel()

		p.mu.Lock()
		if err != nil {
			entry.health.RecordFailure(err)
		} else {
			entry.health.RecordSuccess(entry.health.ResponseTimeMS)
		}
		needsReconnect := entry.health.Health == HealthUnhealthy
		m := p.metrics
		p.mu.Unlock()

		if m != nil {
			m.ObserveMCPServerHealth(entry.config.Name, !needsReconnect)
		}

		if needsReconnect {
			p.logger.Warn("mcp: %s unhealthy, reconnecting", entry.config.Name)
			if err := p.reconnect(p.ctx, entry); err != nil {
				p.logger.Error("mcp: reconnect %s failed: %v", entry.config.Name, err)
			}
		}
	}
}

func (p *Pool) listTools(ctx context.Context, server string) ([]ToolSchema, error) {
	entry, err := p.entryFor(server)
	if err != nil {
		return nil, err
	}
	raw, err := p.invoke(ctx, entry, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("mcp: list tools for %s: %w", server, err)
	}

	var parsed struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("mcp: decode tool list: %w", err)
	}

	out := make([]ToolSchema, 0, len(parsed.Tools))
	for _, t := range parsed.Tools {
		out = append(out, ToolSchema{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return out, nil
}

// CachedTools returns the last tools/list result persisted for server,
// without issuing a live call. Used by the HTTP proxy's tool-list route.
func (p *Pool) CachedTools(ctx context.Context, server string) ([]ToolSchema, error) {
	rows, err := p.store.FetchAll(ctx, `
		SELECT t.name, t.description, t.input_schema
		FROM tools t
		JOIN mcp_servers s ON s.id = t.mcp_server_id
		WHERE s.name = ?
	`, server)
	if err != nil {
		return nil, fmt.Errorf("mcp: cached tools for %s: %w", server, err)
	}
	out := make([]ToolSchema, 0, len(rows))
	for _, row := range rows {
		out = append(out, ToolSchema{
			Name:        asString(row["name"]),
			Description: asString(row["description"]),
			InputSchema: json.RawMessage(asString(row["input_schema"])),
		})
	}
	return out, nil
}

func (p *Pool) loadEnabledConfigs(ctx context.Context) ([]ServerConfig, error) {
	rows, err := p.store.FetchAll(ctx, `SELECT * FROM mcp_servers WHERE enabled = 1`)
	if err != nil {
		return nil, err
	}
	out := make([]ServerConfig, 0, len(rows))
	for _, row := range rows {
		out = append(out, configFromRecord(row))
	}
	return out, nil
}

func (p *Pool) persistServer(ctx context.Context, cfg ServerConfig) error {
	argsJSON, _ := json.Marshal(cfg.Args)
	envJSON, _ := json.Marshal(cfg.Env)
	headersJSON, _ := json.Marshal(cfg.Headers)
	now := time.Now().UTC().Format(time.RFC3339)

	_, err := p.store.Execute(ctx, `
		INSERT INTO mcp_servers (id, name, project_id, transport, url, command, args, env, headers, enabled, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT (name, project_id) DO UPDATE SET
			transport = excluded.transport, url = excluded.url, command = excluded.command,
			args = excluded.args, env = excluded.env, headers = excluded.headers,
			description = excluded.description, updated_at = excluded.updated_at
	`, cfg.ID, cfg.Name, cfg.ProjectID, string(cfg.Transport), nullIfEmpty(cfg.URL), nullIfEmpty(cfg.Command),
		string(argsJSON), string(envJSON), string(headersJSON), nullIfEmpty(cfg.Description), now, now)
	return err
}

func (p *Pool) persistTools(ctx context.Context, serverID string, tools []ToolSchema) error {
	return p.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tools WHERE mcp_server_id = ?`, serverID); err != nil {
			return err
		}
		now := time.Now().UTC().Format(time.RFC3339)
		for _, t := range tools {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO tools (id, mcp_server_id, name, description, input_schema, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, uuid.New().String(), serverID, t.Name, nullIfEmpty(t.Description), string(t.InputSchema), now, now); err != nil {
				return err
			}
		}
		return nil
	})
}

func configFromRecord(row store.Record) ServerConfig {
	cfg := ServerConfig{
		ID:        asString(row["id"]),
		Name:      asString(row["name"]),
		ProjectID: asString(row["project_id"]),
		Transport: Transport(asString(row["transport"])),
		URL:       asString(row["url"]),
		Command:   asString(row["command"]),
	}
	if args := asString(row["args"]); args != "" {
		_ = json.Unmarshal([]byte(args), &cfg.Args)
	}
	if env := asString(row["env"]); env != "" {
		_ = json.Unmarshal([]byte(env), &cfg.Env)
	}
	if headers := asString(row["headers"]); headers != "" {
		_ = json.Unmarshal([]byte(headers), &cfg.Headers)
	}
	return cfg
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
