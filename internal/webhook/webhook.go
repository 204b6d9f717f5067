// Package webhook implements the Webhook Dispatcher (C9): a configured list
// of outbound endpoints, each guarded by its own circuit breaker, dispatched
// synchronously (blocking) or asynchronously (fire-and-forget).
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/kaptinlin/jsonrepair"

	"github.com/gobby-dev/gobbyd/internal/async"
	appErrors "github.com/gobby-dev/gobbyd/internal/errors"
	"github.com/gobby-dev/gobbyd/internal/logging"
	"github.com/gobby-dev/gobbyd/internal/telemetry"
)

// EndpointConfig describes one configured outbound webhook.
type EndpointConfig struct {
	Name        string
	URL         string
	Events      []string // empty means "all events"
	Headers     map[string]string
	Timeout     time.Duration
	RetryCount  int
	RetryDelay  time.Duration
	CanBlock    bool
	Enabled     bool
	AllowPrivate bool // opt-in escape hatch for intentionally-local targets (e.g. test fixtures)
}

// Result is the outcome of dispatching one event to one endpoint.
type Result struct {
	EndpointName string
	Success      bool
	StatusCode   int
	ResponseBody string
	Error        string
	Headers      map[string]string
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(match string) string {
		name := envRef.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}

// Dispatcher holds a configured endpoint set and one circuit breaker per
// endpoint name, shared across DispatchSync and DispatchAsync calls.
type Dispatcher struct {
	mu        sync.RWMutex
	endpoints []EndpointConfig
	breakers  map[string]*appErrors.CircuitBreaker
	client    *http.Client
	logger    logging.Logger
	metrics   *telemetry.Metrics
}

// New returns a Dispatcher configured with endpoints.
func New(endpoints []EndpointConfig, logger logging.Logger) *Dispatcher {
	d := &Dispatcher{
		endpoints: endpoints,
		breakers:  make(map[string]*appErrors.CircuitBreaker, len(endpoints)),
		client:    &http.Client{},
		logger:    logging.OrNop(logger),
	}
	for _, ep := range endpoints {
		d.breakers[ep.Name] = appErrors.NewCircuitBreaker("webhook."+ep.Name, d.breakerConfig())
	}
	return d
}

// SetMetrics wires a Metrics instance for circuit-breaker-state gauges.
// Safe to call once during bootstrap; nil (the default) disables metrics
// observation without affecting dispatch behavior.
func (d *Dispatcher) SetMetrics(m *telemetry.Metrics) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.metrics = m
}

// breakerConfig returns a CircuitBreakerConfig whose OnStateChange mirrors
// every transition onto d.metrics, when set.
func (d *Dispatcher) breakerConfig() appErrors.CircuitBreakerConfig {
	cfg := appErrors.DefaultCircuitBreakerConfig()
	cfg.OnStateChange = func(from, to appErrors.CircuitState, name string) {
		d.mu.RLock()
		m := d.metrics
		d.mu.RUnlock()
		if m != nil {
			m.CircuitBreakerCallback()(from, to, name)
		}
	}
	return cfg
}

// Close releases the dispatcher's HTTP client resources.
func (d *Dispatcher) Close() {
	d.client.CloseIdleConnections()
}

func matchesEvent(ep EndpointConfig, eventType string) bool {
	if len(ep.Events) == 0 {
		return true
	}
	for _, e := range ep.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// DispatchSync dispatches event to every enabled, event-matching endpoint
// with CanBlock == blockingOnly, waiting for all responses.
func (d *Dispatcher) DispatchSync(ctx context.Context, eventType string, payload map[string]any, blockingOnly bool) []Result {
	d.mu.RLock()
	endpoints := make([]EndpointConfig, 0, len(d.endpoints))
	for _, ep := range d.endpoints {
		if !ep.Enabled || !matchesEvent(ep, eventType) {
			continue
		}
		if blockingOnly && !ep.CanBlock {
			continue
		}
		endpoints = append(endpoints, ep)
	}
	d.mu.RUnlock()

	if len(endpoints) == 0 {
		return nil
	}

	results := make([]Result, len(endpoints))
	var wg sync.WaitGroup
	for i, ep := range endpoints {
		wg.Add(1)
		go func(i int, ep EndpointConfig) {
			defer wg.Done()
			results[i] = d.deliver(ctx, ep, payload)
		}(i, ep)
	}
	wg.Wait()
	return results
}

// DispatchAsync schedules delivery to every enabled, non-blocking,
// event-matching endpoint without waiting for a result. It never panics
// into the caller.
func (d *Dispatcher) DispatchAsync(eventType string, payload map[string]any) {
	d.mu.RLock()
	endpoints := make([]EndpointConfig, 0, len(d.endpoints))
	for _, ep := range d.endpoints {
		if ep.Enabled && !ep.CanBlock && matchesEvent(ep, eventType) {
			endpoints = append(endpoints, ep)
		}
	}
	d.mu.RUnlock()

	for _, ep := range endpoints {
		ep := ep
		async.Go(d.logger, "webhook."+ep.Name, func() {
			ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout(ep))
			defer cancel()
			d.deliver(ctx, ep, payload)
		})
	}
}

func resolveTimeout(ep EndpointConfig) time.Duration {
	if ep.Timeout <= 0 {
		return 10 * time.Second
	}
	return ep.Timeout
}

func (d *Dispatcher) deliver(ctx context.Context, ep EndpointConfig, payload map[string]any) Result {
	rawURL := expandEnv(ep.URL)
	if err := validateOutboundURL(rawURL, ep.AllowPrivate); err != nil {
		return Result{EndpointName: ep.Name, Success: false, Error: err.Error()}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Result{EndpointName: ep.Name, Success: false, Error: err.Error()}
	}

	breaker := d.breakerFor(ep.Name)
	retryCount := ep.RetryCount
	retryDelay := ep.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 500 * time.Millisecond
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryDelay
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second

	attemptCtx, cancel := context.WithTimeout(ctx, resolveTimeout(ep))
	defer cancel()

	res, err := backoff.Retry(attemptCtx, func() (Result, error) {
		return appErrors.ExecuteFunc(breaker, attemptCtx, func(ctx context.Context) (Result, error) {
			return d.post(ctx, ep, rawURL, body)
		})
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(retryCount+1)))
	if err != nil {
		if res.EndpointName == "" {
			res = Result{EndpointName: ep.Name}
		}
		res.Success = false
		res.Error = err.Error()
		return res
	}
	return res
}

func (d *Dispatcher) post(ctx context.Context, ep EndpointConfig, rawURL string, body []byte) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return Result{EndpointName: ep.Name}, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range ep.Headers {
		req.Header.Set(k, expandEnv(v))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return Result{EndpointName: ep.Name}, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	headers := map[string]string{}
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	result := Result{
		EndpointName: ep.Name,
		StatusCode:   resp.StatusCode,
		ResponseBody: string(respBody),
		Headers:      headers,
		Success:      resp.StatusCode >= 200 && resp.StatusCode < 300,
	}
	if !result.Success {
		return result, fmt.Errorf("webhook %s: status %d", ep.Name, resp.StatusCode)
	}
	return result, nil
}

func (d *Dispatcher) breakerFor(name string) *appErrors.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.breakers[name]
	if !ok {
		b = appErrors.NewCircuitBreaker("webhook."+name, d.breakerConfig())
		d.breakers[name] = b
	}
	return b
}

// GetBlockingDecision reduces a set of results to a pipeline decision. Any
// endpoint whose response body parses (after jsonrepair recovery if needed)
// to {"decision": "block"} or {"decision": "ask"} wins; the first such
// result's reason is returned.
func GetBlockingDecision(results []Result) (string, string) {
	for _, r := range results {
		if !r.Success || r.ResponseBody == "" {
			continue
		}
		parsed, ok := parseDecisionBody(r.ResponseBody)
		if !ok {
			continue
		}
		decision, _ := parsed["decision"].(string)
		if decision == "block" || decision == "ask" {
			reason, _ := parsed["reason"].(string)
			if reason == "" {
				reason = fmt.Sprintf("webhook %s returned decision=%s", r.EndpointName, decision)
			}
			return decision, reason
		}
	}
	return "allow", ""
}

func parseDecisionBody(body string) (map[string]any, bool) {
	var out map[string]any
	if err := json.Unmarshal([]byte(body), &out); err == nil {
		return out, true
	}
	fixed, err := jsonrepair.JSONRepair(body)
	if err != nil {
		return nil, false
	}
	if err := json.Unmarshal([]byte(fixed), &out); err != nil {
		return nil, false
	}
	return out, true
}

// validateOutboundURL rejects non-http(s) schemes and, unless allowPrivate
// is set, loopback/private/link-local targets — a basic SSRF guard for
// user-configured endpoint URLs.
func validateOutboundURL(rawURL string, allowPrivate bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook url scheme %q not allowed", u.Scheme)
	}
	if allowPrivate {
		return nil
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("webhook url missing host")
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("webhook url targets a disallowed local host")
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		// Unresolvable hosts are rejected at dispatch time by the HTTP
		// client itself; nothing further to validate here.
		return nil
	}
	for _, ip := range ips {
		if isDisallowedIP(ip) {
			return fmt.Errorf("webhook url resolves to a disallowed address: %s", ip)
		}
	}
	return nil
}

func isDisallowedIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// Do implements workflow.WebhookExecutor, letting the action engine's
// webhook action reuse this dispatcher for one-off out-of-pipeline calls.
func (d *Dispatcher) Do(ctx context.Context, urlOrID, method string, payload map[string]any) (int, []byte, map[string]string, error) {
	target := urlOrID
	allowPrivate := false
	for _, ep := range d.endpoints {
		if ep.Name == urlOrID {
			target = expandEnv(ep.URL)
			allowPrivate = ep.AllowPrivate
			break
		}
	}
	if err := validateOutboundURL(target, allowPrivate); err != nil {
		return 0, nil, nil, err
	}

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, nil, err
		}
		body = bytes.NewReader(b)
	}
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	headers := map[string]string{}
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return resp.StatusCode, respBody, headers, nil
}
