package hooks

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gobby-dev/gobbyd/internal/async"
	"github.com/gobby-dev/gobbyd/internal/broadcast"
	"github.com/gobby-dev/gobbyd/internal/logging"
	"github.com/gobby-dev/gobbyd/internal/model"
	"github.com/gobby-dev/gobbyd/internal/plugin"
	"github.com/gobby-dev/gobbyd/internal/session"
	"github.com/gobby-dev/gobbyd/internal/task"
	"github.com/gobby-dev/gobbyd/internal/telemetry"
	"github.com/gobby-dev/gobbyd/internal/webhook"
	"github.com/gobby-dev/gobbyd/internal/workflow"
)

const externalIDCacheSize = 4096

// tracerName scopes every span the pipeline starts.
const tracerName = "github.com/gobby-dev/gobbyd/internal/hooks"

func tracer() trace.Tracer { return otel.Tracer(tracerName) }

// step starts a child span for one of the 11 ordered pipeline steps.
func step(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "hooks.step."+name)
}

// DaemonHealth reports whether the daemon is ready to serve hooks. Checked
// at the top of every Handle call; when not ready the pipeline fails open.
type DaemonHealth interface {
	Ready() (bool, string)
}

// SessionRegistry is the subset of session.Registry the pipeline drives.
type SessionRegistry interface {
	FindByExternalID(ctx context.Context, externalID, machineID, projectID, source string) (*model.Session, error)
	Register(ctx context.Context, p session.RegisterParams) (*model.Session, error)
	Get(ctx context.Context, id string) (*model.Session, error)
	UpdateStatus(ctx context.Context, id string, status model.SessionStatus) (*model.Session, error)
	FindParent(ctx context.Context, machineID, projectID, source, status string) (*model.Session, error)
}

// ProjectRegistry is the subset of project.Registry the pipeline drives.
type ProjectRegistry interface {
	EnsureForRepoPath(ctx context.Context, repoPath, defaultName string) (*model.Project, error)
}

// TaskLister is the subset of task.Registry used to resolve a session's
// active task.
type TaskLister interface {
	ListTasks(ctx context.Context, projectID string, filters task.ListFilters) ([]*model.Task, error)
}

// WorkflowEvaluator runs the workflow policy for one event and reports a
// pipeline decision plus any context to inject. Errors and panics inside
// an evaluator must never escape — Pipeline.Handle treats both as allow.
type WorkflowEvaluator interface {
	Evaluate(ctx context.Context, event Event, sess *model.Session, tsk *model.Task) (*Response, error)
}

// EventHandler implements the event-specific step (§4.8 step 9). Absence
// of a handler for an event type, or a handler error, is fail-open.
type EventHandler func(ctx context.Context, event Event, sess *model.Session, tsk *model.Task) (*Response, error)

// GitLinker attaches commits made during a session window to tasks
// mentioned by id in their commit messages. Used only on session_end.
type GitLinker interface {
	LinkCommits(ctx context.Context, tasks TaskLister, since interface{}, cwd string) error
}

// Pipeline is the Hook Pipeline (C8).
type Pipeline struct {
	logger logging.Logger

	health    DaemonHealth
	sessions  SessionRegistry
	projects  ProjectRegistry
	tasks     TaskLister
	workflow  WorkflowEvaluator
	webhooks  *webhook.Dispatcher
	plugins   *plugin.Host
	broadcast *broadcast.Broadcaster
	gitLinker GitLinker

	handlers map[string]EventHandler

	externalIDCache *lru.Cache[string, string]
	mu              sync.Mutex

	metrics *telemetry.Metrics
}

// SetMetrics wires a Metrics instance for hook-decision counters. Safe to
// call once during bootstrap; nil (the default) disables metrics
// observation without affecting pipeline behavior.
func (p *Pipeline) SetMetrics(m *telemetry.Metrics) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = m
}

// New constructs a Pipeline. Any dependency may be nil; missing
// dependencies degrade their pipeline step to a no-op allow, never an
// error.
func New(logger logging.Logger, health DaemonHealth, sessions SessionRegistry, projects ProjectRegistry, tasks TaskLister, wf WorkflowEvaluator, webhooks *webhook.Dispatcher, plugins *plugin.Host, bc *broadcast.Broadcaster, gitLinker GitLinker) *Pipeline {
	cache, _ := lru.New[string, string](externalIDCacheSize)
	return &Pipeline{
		logger:          logging.OrNop(logger),
		health:          health,
		sessions:        sessions,
		projects:        projects,
		tasks:           tasks,
		workflow:        wf,
		webhooks:        webhooks,
		plugins:         plugins,
		broadcast:       bc,
		gitLinker:       gitLinker,
		handlers:        make(map[string]EventHandler),
		externalIDCache: cache,
	}
}

// RegisterHandler wires an event-specific handler for eventType.
func (p *Pipeline) RegisterHandler(eventType string, h EventHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[eventType] = h
}

// Handle runs the full pipeline for event, in the strict step order
// described in §4.8.
func (p *Pipeline) Handle(ctx context.Context, event Event) (result *Response) {
	ctx, span := tracer().Start(ctx, "hooks.handle", trace.WithAttributes(attribute.String("event_type", event.EventType)))
	defer span.End()

	resp := &Response{Decision: Allow}
	defer func() {
		span.SetAttributes(attribute.String("decision", string(result.Decision)))
		p.mu.Lock()
		m := p.metrics
		p.mu.Unlock()
		if m != nil {
			m.ObserveHookDecision(event.EventType, string(result.Decision))
		}
	}()

	// Step 1: daemon readiness guard — fail open.
	readyCtx, readySpan := step(ctx, "daemon_readiness")
	if p.health != nil {
		if ready, status := p.health.Ready(); !ready {
			resp.Reason = fmt.Sprintf("daemon not ready: %s", status)
			readySpan.End()
			return resp
		}
	}
	readySpan.End()
	ctx = readyCtx

	// Step 2-3: session + project resolution.
	sessionCtx, sessionSpan := step(ctx, "session_resolution")
	sess, err := p.resolveSession(sessionCtx, event)
	if err != nil {
		p.logger.Warn("hooks: session resolution failed: %v", err)
	}
	sessionSpan.End()

	// Step 4: active task resolution — failures swallowed.
	_, taskSpan := step(ctx, "task_resolution")
	var tsk *model.Task
	if sess != nil && p.tasks != nil {
		tsk = p.resolveActiveTask(ctx, sess.ProjectID, sess.ID)
	}
	taskSpan.End()

	// Step 5: workflow step.
	_, workflowSpan := step(ctx, "workflow")
	if p.workflow != nil {
		wr, werr := p.safeEvaluateWorkflow(ctx, event, sess, tsk)
		if werr != nil {
			p.logger.Warn("hooks: workflow evaluation failed: %v", werr)
		} else if wr != nil {
			if wr.Decision != "" && wr.Decision != Allow {
				workflowSpan.End()
				return wr
			}
			resp.appendContext(wr.Context)
		}
	}
	workflowSpan.End()

	// Step 6: blocking webhooks.
	_, blockingWebhookSpan := step(ctx, "blocking_webhooks")
	if p.webhooks != nil {
		results := p.webhooks.DispatchSync(ctx, event.EventType, event.Data, true)
		decision, reason := webhook.GetBlockingDecision(results)
		if decision == "block" || decision == "ask" {
			resp.Decision = Decision(decision)
			resp.Reason = reason
			blockingWebhookSpan.End()
			return resp
		}
	}
	blockingWebhookSpan.End()

	// Step 7: plugin pre-handlers.
	_, pluginPreSpan := step(ctx, "plugin_pre_handlers")
	if p.plugins != nil {
		if pre := p.plugins.RunPreHandlers(ctx, event.EventType, event.Data); pre != nil {
			resp.Decision = Decision(pre.Decision)
			resp.Reason = pre.Reason
			resp.appendContext(pre.Context)
			pluginPreSpan.End()
			return resp
		}
	}
	pluginPreSpan.End()

	// Step 8: non-blocking webhooks — fire and forget.
	_, asyncWebhookSpan := step(ctx, "async_webhooks")
	if p.webhooks != nil {
		p.webhooks.DispatchAsync(event.EventType, event.Data)
	}
	asyncWebhookSpan.End()

	// Step 9: event-specific handler.
	_, handlerSpan := step(ctx, "event_handler")
	p.mu.Lock()
	handler := p.handlers[event.EventType]
	p.mu.Unlock()
	if handler != nil {
		hr, herr := p.safeRunHandler(ctx, handler, event, sess, tsk)
		if herr != nil {
			p.logger.Warn("hooks: event handler for %q failed: %v", event.EventType, herr)
		} else if hr != nil {
			resp.appendContext(hr.Context)
			if hr.SystemMessage != "" {
				resp.SystemMessage = hr.SystemMessage
			}
			if hr.Metadata != nil {
				resp.Metadata = hr.Metadata
			}
		}
	}
	handlerSpan.End()

	// Step 10: plugin post-handlers — may enrich, never block.
	_, pluginPostSpan := step(ctx, "plugin_post_handlers")
	if p.plugins != nil {
		coreForPlugins := &plugin.Response{Decision: string(resp.Decision), Reason: resp.Reason, Context: resp.Context}
		post := p.plugins.RunPostHandlers(ctx, event.EventType, event.Data, coreForPlugins)
		if post != nil {
			resp.Context = post.Context
		}
	}
	pluginPostSpan.End()

	// Step 11: broadcast — never affects the returned response.
	_, broadcastSpan := step(ctx, "broadcast")
	if p.broadcast != nil {
		evt := broadcast.Event{Type: event.EventType, Data: event.Data, At: event.Timestamp}
		if sess != nil {
			evt.SessionID = sess.ID
			evt.ProjectID = sess.ProjectID
		}
		_ = p.broadcast.BroadcastEvent(ctx, evt)
	}
	broadcastSpan.End()

	if event.EventType == "session_end" && sess != nil && p.gitLinker != nil {
		async.Go(p.logger, "hooks.gitlink", func() {
			if err := p.gitLinker.LinkCommits(context.Background(), p.tasks, sess.CreatedAt, event.CWD); err != nil {
				p.logger.Warn("hooks: git commit linking failed: %v", err)
			}
		})
	}

	return resp
}

func (p *Pipeline) resolveSession(ctx context.Context, event Event) (*model.Session, error) {
	if p.sessions == nil {
		return nil, nil
	}

	var projectID string
	if p.projects != nil && event.CWD != "" {
		proj, err := p.projects.EnsureForRepoPath(ctx, event.CWD, filepath.Base(event.CWD))
		if err == nil && proj != nil {
			projectID = proj.ID
		}
	}

	cacheKey := event.SessionID + "|" + event.MachineID + "|" + event.Source
	if internalID, ok := p.externalIDCache.Get(cacheKey); ok {
		sess, err := p.sessions.Get(ctx, internalID)
		if err == nil && sess != nil {
			return sess, nil
		}
	}

	sess, err := p.sessions.FindByExternalID(ctx, event.SessionID, event.MachineID, projectID, event.Source)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		if event.Source == "" || event.CWD == "" || event.MachineID == "" {
			return nil, nil
		}
		sess, err = p.sessions.Register(ctx, session.RegisterParams{
			ExternalID: event.SessionID,
			MachineID:  event.MachineID,
			Source:     event.Source,
			ProjectID:  projectID,
		})
		if err != nil {
			return nil, err
		}
	}

	p.externalIDCache.Add(cacheKey, sess.ID)
	return sess, nil
}

func (p *Pipeline) resolveActiveTask(ctx context.Context, projectID, sessionID string) *model.Task {
	tasks, err := p.tasks.ListTasks(ctx, projectID, task.ListFilters{Status: task.TaskStatusFilter(model.TaskInProgress)})
	if err != nil {
		return nil
	}
	var active *model.Task
	for _, t := range tasks {
		if t.CreatedInSessionID != nil && *t.CreatedInSessionID == sessionID {
			active = t
		}
	}
	return active
}

func (p *Pipeline) safeEvaluateWorkflow(ctx context.Context, event Event, sess *model.Session, tsk *model.Task) (resp *Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.workflow.Evaluate(ctx, event, sess, tsk)
}

func (p *Pipeline) safeRunHandler(ctx context.Context, h EventHandler, event Event, sess *model.Session, tsk *model.Task) (resp *Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, event, sess, tsk)
}

// defaultWorkflowEvaluator adapts the Workflow Action Engine's per-session
// state and action catalog into the coarse allow/block decision the
// pipeline steps expect. It loads (or starts) WorkflowState for the
// session, resolves the trigger list configured for this event type, and
// dispatches each action in turn, collecting injected context.
type defaultWorkflowEvaluator struct {
	engine   *workflow.Engine
	triggers map[string][]workflow.Trigger
	newCtx   func(sessionID string, state *model.WorkflowState, event Event) *workflow.ActionContext
}

// NewDefaultWorkflowEvaluator returns a WorkflowEvaluator backed by the
// Workflow Action Engine, firing triggers[event.EventType] in order.
func NewDefaultWorkflowEvaluator(engine *workflow.Engine, triggers map[string][]workflow.Trigger, newCtx func(sessionID string, state *model.WorkflowState, event Event) *workflow.ActionContext) WorkflowEvaluator {
	return &defaultWorkflowEvaluator{engine: engine, triggers: triggers, newCtx: newCtx}
}

func (e *defaultWorkflowEvaluator) Evaluate(ctx context.Context, event Event, sess *model.Session, tsk *model.Task) (*Response, error) {
	if sess == nil {
		return nil, nil
	}
	steps := e.triggers[event.EventType]
	if len(steps) == 0 {
		return nil, nil
	}

	state, err := e.engine.LoadWorkflowState(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = &model.WorkflowState{SessionID: sess.ID, WorkflowName: "default"}
	}

	actx := e.newCtx(sess.ID, state, event)
	resp := &Response{Decision: Allow}
	for _, step := range steps {
		result, err := e.engine.Dispatch(ctx, actx, step.Action, step.Params)
		if err != nil {
			continue
		}
		if result == nil {
			continue
		}
		if decision, ok := result["decision"].(string); ok && decision != "" && decision != string(Allow) {
			resp.Decision = Decision(decision)
			if reason, ok := result["reason"].(string); ok {
				resp.Reason = reason
			}
			return resp, nil
		}
		if injected, ok := result["inject_context"].(string); ok {
			resp.appendContext(injected)
		}
	}

	if err := e.engine.SaveWorkflowState(ctx, state); err != nil {
		return resp, err
	}
	return resp, nil
}
