package workflow

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gobby-dev/gobbyd/internal/migrate"
	"github.com/gobby-dev/gobbyd/internal/model"
	"github.com/gobby-dev/gobbyd/internal/session"
	"github.com/gobby-dev/gobbyd/internal/store"
	"github.com/gobby-dev/gobbyd/internal/task"
)

func newTestEngine(t *testing.T) (*Engine, *session.Registry, string) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "gobby.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, migrate.New(nil).Run(context.Background(), s))
	return New(s, nil), session.New(s, nil), migrate.OrphanedProjectID
}

func newActionContext(sessionID string, sessions *session.Registry, engine *Engine) *ActionContext {
	return &ActionContext{
		SessionID: sessionID,
		State:     &model.WorkflowState{SessionID: sessionID, WorkflowName: "test"},
		Sessions:  sessions,
		States:    engine,
		EventData: map[string]any{},
	}
}

func TestDispatchUnknownActionReturnsNilWithoutError(t *testing.T) {
	engine, sessions, _ := newTestEngine(t)
	actx := newActionContext("s1", sessions, engine)

	result, err := engine.Dispatch(context.Background(), actx, "nonexistent_action", nil)
	require.NoError(t, err)
	require.Nil(t, result)
}

func TestDispatchSetAndIncrementVariable(t *testing.T) {
	engine, sessions, _ := newTestEngine(t)
	actx := newActionContext("s1", sessions, engine)
	ctx := context.Background()

	_, err := engine.Dispatch(ctx, actx, "set_variable", map[string]any{"name": "counter", "value": 0.0})
	require.NoError(t, err)

	result, err := engine.Dispatch(ctx, actx, "increment_variable", map[string]any{"name": "counter", "amount": 3.0})
	require.NoError(t, err)
	require.Equal(t, 3.0, result["value"])

	result, err = engine.Dispatch(ctx, actx, "increment_variable", map[string]any{"name": "counter"})
	require.NoError(t, err)
	require.Equal(t, 4.0, result["value"], "default increment amount is 1")
}

func TestDispatchSwitchMode(t *testing.T) {
	engine, sessions, _ := newTestEngine(t)
	actx := newActionContext("s1", sessions, engine)

	result, err := engine.Dispatch(context.Background(), actx, "switch_mode", map[string]any{"mode": "plan"})
	require.NoError(t, err)
	require.Equal(t, "SYSTEM: SWITCH MODE TO PLAN", result["inject_context"])
}

func TestDispatchInjectContextWithoutSourceReturnsNil(t *testing.T) {
	engine, sessions, _ := newTestEngine(t)
	actx := newActionContext("s1", sessions, engine)

	result, err := engine.Dispatch(context.Background(), actx, "inject_context", map[string]any{})
	require.NoError(t, err)
	require.Nil(t, result)
}

func TestDispatchMemorySaveWithoutManagerReportsDisabled(t *testing.T) {
	engine, sessions, _ := newTestEngine(t)
	actx := newActionContext("s1", sessions, engine)

	result, err := engine.Dispatch(context.Background(), actx, "memory_save", map[string]any{"content": "fact"})
	require.NoError(t, err)
	require.Equal(t, false, result["saved"])
	require.Equal(t, "disabled", result["reason"])
}

func TestDispatchPersistTasksThreadsWorkflowNameOntoCreatedTask(t *testing.T) {
	engine, sessions, projectID := newTestEngine(t)
	tasks := task.New(engine.store, nil)
	actx := newActionContext("s1", sessions, engine)
	actx.Tasks = tasks
	actx.EventData["project_id"] = projectID

	result, err := engine.Dispatch(context.Background(), actx, "persist_tasks", map[string]any{
		"workflow_name": "onboarding",
		"tasks":         []any{map[string]any{"title": "write docs"}},
	})
	require.NoError(t, err)
	ids, _ := result["task_ids"].([]string)
	require.Len(t, ids, 1)

	created, err := tasks.GetTask(context.Background(), ids[0])
	require.NoError(t, err)
	require.NotNil(t, created.WorkflowName)
	require.Equal(t, "onboarding", *created.WorkflowName)
}

func TestDispatchCallMCPToolMissingNames(t *testing.T) {
	engine, sessions, _ := newTestEngine(t)
	actx := newActionContext("s1", sessions, engine)

	result, err := engine.Dispatch(context.Background(), actx, "call_mcp_tool", map[string]any{})
	require.NoError(t, err)
	require.Equal(t, "Missing server_name or tool_name", result["error"])
}

func TestSaveAndLoadWorkflowStateRoundTrips(t *testing.T) {
	engine, sessions, project := newTestEngine(t)
	ctx := context.Background()

	sess, err := sessions.Register(ctx, session.RegisterParams{
		ExternalID: "ext-1", MachineID: "m1", Source: "claude", ProjectID: project,
	})
	require.NoError(t, err)

	state := &model.WorkflowState{
		SessionID:    sess.ID,
		WorkflowName: "feature-build",
		Step:         "implement",
		Variables:    map[string]any{"attempt": 1.0},
		Artifacts:    map[string]string{"diff": "/tmp/diff.patch"},
	}
	require.NoError(t, engine.SaveWorkflowState(ctx, state))

	loaded, err := engine.LoadWorkflowState(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, "implement", loaded.Step)
	require.Equal(t, "/tmp/diff.patch", loaded.Artifacts["diff"])
}

func TestTemplateEngineRendersKnownAndBlanksUnknown(t *testing.T) {
	engine, sessions, _ := newTestEngine(t)
	actx := newActionContext("s1", sessions, engine)
	actx.State.Variables = map[string]any{"name": "alex"}

	rendered := NewTemplateEngine().Render("hello {{name}}, missing={{nope}}", actx)
	require.Equal(t, "hello alex, missing=", rendered)
}

func TestGenerateSummaryRejectsUnknownMode(t *testing.T) {
	engine, sessions, _ := newTestEngine(t)
	actx := newActionContext("s1", sessions, engine)

	_, err := engine.Dispatch(context.Background(), actx, "generate_summary", map[string]any{"mode": "sideways"})
	require.NoError(t, err) // Dispatch itself never errors
	result, err := engine.Dispatch(context.Background(), actx, "generate_summary", map[string]any{"mode": "sideways"})
	require.NoError(t, err)
	require.Contains(t, result["error"], "unknown summary mode")
}
