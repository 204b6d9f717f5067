package hooks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gobby-dev/gobbyd/internal/model"
	"github.com/gobby-dev/gobbyd/internal/plugin"
	"github.com/gobby-dev/gobbyd/internal/session"
	"github.com/gobby-dev/gobbyd/internal/task"
)

type fakeHealth struct {
	ready  bool
	status string
}

func (f fakeHealth) Ready() (bool, string) { return f.ready, f.status }

type fakeSessions struct {
	byExternal map[string]*model.Session
	byID       map[string]*model.Session
	registered int
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{byExternal: map[string]*model.Session{}, byID: map[string]*model.Session{}}
}

func (f *fakeSessions) key(externalID, machineID, projectID, source string) string {
	return externalID + "|" + machineID + "|" + projectID + "|" + source
}

func (f *fakeSessions) FindByExternalID(ctx context.Context, externalID, machineID, projectID, source string) (*model.Session, error) {
	return f.byExternal[f.key(externalID, machineID, projectID, source)], nil
}

func (f *fakeSessions) Register(ctx context.Context, p session.RegisterParams) (*model.Session, error) {
	f.registered++
	sess := &model.Session{ID: "internal-" + p.ExternalID, ExternalID: p.ExternalID, MachineID: p.MachineID, Source: p.Source, ProjectID: p.ProjectID, Status: model.SessionActive, CreatedAt: time.Now()}
	f.byExternal[f.key(p.ExternalID, p.MachineID, p.ProjectID, p.Source)] = sess
	f.byID[sess.ID] = sess
	return sess, nil
}

func (f *fakeSessions) Get(ctx context.Context, id string) (*model.Session, error) {
	return f.byID[id], nil
}

func (f *fakeSessions) UpdateStatus(ctx context.Context, id string, status model.SessionStatus) (*model.Session, error) {
	sess := f.byID[id]
	if sess != nil {
		sess.Status = status
	}
	return sess, nil
}

func (f *fakeSessions) FindParent(ctx context.Context, machineID, projectID, source, status string) (*model.Session, error) {
	return nil, nil
}

type fakeProjects struct{}

func (fakeProjects) EnsureForRepoPath(ctx context.Context, repoPath, defaultName string) (*model.Project, error) {
	return &model.Project{ID: "proj-1", Name: defaultName, RepoPath: repoPath}, nil
}

type fakeTasks struct{}

func (fakeTasks) ListTasks(ctx context.Context, projectID string, filters task.ListFilters) ([]*model.Task, error) {
	return nil, nil
}

func baseEvent() Event {
	return Event{
		EventType: "before_tool",
		SessionID: "ext-1",
		Source:    "claude",
		CWD:       "/repo/gobby",
		MachineID: "m1",
		Timestamp: time.Now(),
	}
}

func TestHandleFailsOpenWhenDaemonNotReady(t *testing.T) {
	p := New(nil, fakeHealth{ready: false, status: "starting"}, newFakeSessions(), fakeProjects{}, fakeTasks{}, nil, nil, nil, nil, nil)
	resp := p.Handle(context.Background(), baseEvent())
	require.Equal(t, Allow, resp.Decision)
	require.Contains(t, resp.Reason, "starting")
}

func TestHandleAutoRegistersUnknownSession(t *testing.T) {
	sessions := newFakeSessions()
	p := New(nil, fakeHealth{ready: true}, sessions, fakeProjects{}, fakeTasks{}, nil, nil, nil, nil, nil)

	resp := p.Handle(context.Background(), baseEvent())
	require.Equal(t, Allow, resp.Decision)
	require.Equal(t, 1, sessions.registered)
}

func TestHandleReusesCachedSessionOnSecondCall(t *testing.T) {
	sessions := newFakeSessions()
	p := New(nil, fakeHealth{ready: true}, sessions, fakeProjects{}, fakeTasks{}, nil, nil, nil, nil, nil)

	p.Handle(context.Background(), baseEvent())
	p.Handle(context.Background(), baseEvent())
	require.Equal(t, 1, sessions.registered, "second call should hit the external-id cache, not re-register")
}

type blockingEvaluator struct{}

func (blockingEvaluator) Evaluate(ctx context.Context, event Event, sess *model.Session, tsk *model.Task) (*Response, error) {
	return &Response{Decision: Block, Reason: "workflow says no"}, nil
}

func TestHandleShortCircuitsOnWorkflowBlock(t *testing.T) {
	p := New(nil, fakeHealth{ready: true}, newFakeSessions(), fakeProjects{}, fakeTasks{}, blockingEvaluator{}, nil, nil, nil, nil)
	resp := p.Handle(context.Background(), baseEvent())
	require.Equal(t, Block, resp.Decision)
	require.Equal(t, "workflow says no", resp.Reason)
}

type panickingEvaluator struct{}

func (panickingEvaluator) Evaluate(ctx context.Context, event Event, sess *model.Session, tsk *model.Task) (*Response, error) {
	panic("workflow exploded")
}

func TestHandleFailsOpenWhenWorkflowPanics(t *testing.T) {
	p := New(nil, fakeHealth{ready: true}, newFakeSessions(), fakeProjects{}, fakeTasks{}, panickingEvaluator{}, nil, nil, nil, nil)
	resp := p.Handle(context.Background(), baseEvent())
	require.Equal(t, Allow, resp.Decision)
}

func TestHandleRunsRegisteredEventHandler(t *testing.T) {
	p := New(nil, fakeHealth{ready: true}, newFakeSessions(), fakeProjects{}, fakeTasks{}, nil, nil, nil, nil, nil)
	p.RegisterHandler("before_tool", func(ctx context.Context, event Event, sess *model.Session, tsk *model.Task) (*Response, error) {
		return &Response{Context: "handler context"}, nil
	})

	resp := p.Handle(context.Background(), baseEvent())
	require.Equal(t, Allow, resp.Decision)
	require.Equal(t, "handler context", resp.Context)
}

func TestHandleFailsOpenWhenEventHandlerPanics(t *testing.T) {
	p := New(nil, fakeHealth{ready: true}, newFakeSessions(), fakeProjects{}, fakeTasks{}, nil, nil, nil, nil, nil)
	p.RegisterHandler("before_tool", func(ctx context.Context, event Event, sess *model.Session, tsk *model.Task) (*Response, error) {
		panic("handler exploded")
	})

	resp := p.Handle(context.Background(), baseEvent())
	require.Equal(t, Allow, resp.Decision)
}

func TestHandlePluginPreBlockShortCircuitsBeforeEventHandler(t *testing.T) {
	host := plugin.NewHost(nil)
	host.Register(&plugin.Plugin{
		Name: "guard",
		Pre: map[string]plugin.PreHandler{
			"before_tool": func(ctx context.Context, eventType string, data map[string]any) (*plugin.Response, error) {
				return &plugin.Response{Decision: "deny", Reason: "plugin denied"}, nil
			},
		},
	})

	handlerRan := false
	p := New(nil, fakeHealth{ready: true}, newFakeSessions(), fakeProjects{}, fakeTasks{}, nil, nil, host, nil, nil)
	p.RegisterHandler("before_tool", func(ctx context.Context, event Event, sess *model.Session, tsk *model.Task) (*Response, error) {
		handlerRan = true
		return nil, nil
	})

	resp := p.Handle(context.Background(), baseEvent())
	require.Equal(t, Deny, resp.Decision)
	require.False(t, handlerRan)
}
