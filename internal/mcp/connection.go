package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// rpcRequest/rpcResponse are the minimal JSON-RPC 2.0 envelopes every
// transport speaks once a session is initialized.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("mcp rpc error %d: %s", e.Code, e.Message) }

// Session is an initialized MCP protocol session over any transport.
type Session interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Close() error
}

// Connection is the shared contract every transport implementation
// fulfils so the pool can treat them uniformly.
type Connection interface {
	Connect(ctx context.Context) (Session, error)
	Disconnect() error
	IsConnected() bool
	HealthCheck(ctx context.Context) error
}

// nextRequestID is shared across all connections in the process; the
// JSON-RPC spec only requires per-session uniqueness, a global atomic
// counter is simplest.
var nextRequestID int64

func newRequestID() int64 {
	return atomic.AddInt64(&nextRequestID, 1)
}

// --- HTTP streaming transport -------------------------------------------------

type httpConnection struct {
	cfg    ServerConfig
	client *http.Client

	mu        sync.Mutex
	connected bool
}

func newHTTPConnection(cfg ServerConfig) *httpConnection {
	return &httpConnection{cfg: cfg, client: &http.Client{Timeout: 30 * time.Second}}
}

func (c *httpConnection) Connect(ctx context.Context) (Session, error) {
	sess := &httpSession{cfg: c.cfg, client: c.client}
	if _, err := sess.Call(ctx, "initialize", map[string]any{"protocolVersion": "2024-11-05"}); err != nil {
		return nil, fmt.Errorf("mcp: http initialize: %w", err)
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return sess, nil
}

func (c *httpConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return nil
}

func (c *httpConnection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *httpConnection) HealthCheck(ctx context.Context) error {
	sess := &httpSession{cfg: c.cfg, client: c.client}
	_, err := sess.Call(ctx, "ping", nil)
	return err
}

type httpSession struct {
	cfg    ServerConfig
	client *http.Client
}

func (s *httpSession) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: newRequestID(), Method: method, Params: params})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("mcp: http %d from %s", resp.StatusCode, s.cfg.Name)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("mcp: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

func (s *httpSession) Close() error { return nil }

// --- stdio subprocess transport ----------------------------------------------

type stdioConnection struct {
	cfg ServerConfig

	mu        sync.Mutex
	cmd       *exec.Cmd
	connected bool
}

func newStdioConnection(cfg ServerConfig) *stdioConnection {
	return &stdioConnection{cfg: cfg}
}

func (c *stdioConnection) Connect(ctx context.Context) (Session, error) {
	cmd := exec.CommandContext(ctx, c.cfg.Command, c.cfg.Args...)
	for k, v := range c.cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("mcp: start stdio server %q: %w", c.cfg.Name, err)
	}

	c.mu.Lock()
	c.cmd = cmd
	c.connected = true
	c.mu.Unlock()

	sess := &stdioSession{stdin: stdin, stdout: bufio.NewReader(stdout)}
	if _, err := sess.Call(ctx, "initialize", map[string]any{"protocolVersion": "2024-11-05"}); err != nil {
		_ = c.Disconnect()
		return nil, fmt.Errorf("mcp: stdio initialize: %w", err)
	}
	return sess, nil
}

func (c *stdioConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	c.cmd = nil
	return nil
}

func (c *stdioConnection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *stdioConnection) HealthCheck(ctx context.Context) error {
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()
	if cmd == nil || cmd.ProcessState != nil {
		return fmt.Errorf("mcp: stdio process not running")
	}
	return nil
}

type stdioSession struct {
	mu     sync.Mutex
	stdin  io.WriteCloser
	stdout *bufio.Reader
}

func (s *stdioSession) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: newRequestID(), Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	if _, err := s.stdin.Write(append(body, '\n')); err != nil {
		return nil, fmt.Errorf("mcp: write stdio request: %w", err)
	}

	line, err := s.stdout.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("mcp: read stdio response: %w", err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(line, &rpcResp); err != nil {
		return nil, fmt.Errorf("mcp: decode stdio response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

func (s *stdioSession) Close() error { return s.stdin.Close() }

// --- WebSocket transport -------------------------------------------------

type websocketConnection struct {
	cfg ServerConfig

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
}

func newWebSocketConnection(cfg ServerConfig) *websocketConnection {
	return &websocketConnection{cfg: cfg}
}

func (c *websocketConnection) Connect(ctx context.Context) (Session, error) {
	header := http.Header{}
	for k, v := range c.cfg.Headers {
		header.Set(k, v)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("mcp: websocket dial %q: %w", c.cfg.Name, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	sess := &websocketSession{conn: conn}
	if _, err := sess.Call(ctx, "initialize", map[string]any{"protocolVersion": "2024-11-05"}); err != nil {
		_ = c.Disconnect()
		return nil, fmt.Errorf("mcp: websocket initialize: %w", err)
	}
	return sess, nil
}

func (c *websocketConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	return nil
}

func (c *websocketConnection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *websocketConnection) HealthCheck(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("mcp: websocket not connected")
	}
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

type websocketSession struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *websocketSession) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", ID: newRequestID(), Method: method, Params: params}
	if err := s.conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("mcp: websocket write: %w", err)
	}

	var rpcResp rpcResponse
	if err := s.conn.ReadJSON(&rpcResp); err != nil {
		return nil, fmt.Errorf("mcp: websocket read: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

func (s *websocketSession) Close() error { return s.conn.Close() }

func newConnection(cfg ServerConfig) (Connection, error) {
	switch cfg.Transport {
	case TransportHTTP:
		return newHTTPConnection(cfg), nil
	case TransportStdio:
		return newStdioConnection(cfg), nil
	case TransportWebSocket:
		return newWebSocketConnection(cfg), nil
	default:
		return nil, fmt.Errorf("mcp: unsupported transport %q", cfg.Transport)
	}
}
