package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gobby-dev/gobbyd/internal/logging"
	"github.com/gobby-dev/gobbyd/internal/model"
	"github.com/gobby-dev/gobbyd/internal/store"
)

// catalog maps every action name to its handler. Built once at init time;
// Engine.Dispatch looks names up here.
var catalog = map[string]ActionFunc{
	"inject_context":          actionInjectContext,
	"inject_message":          actionInjectMessage,
	"capture_artifact":        actionCaptureArtifact,
	"read_artifact":           actionReadArtifact,
	"generate_summary":        actionGenerateSummary,
	"generate_handoff":        actionGenerateHandoff,
	"synthesize_title":        actionSynthesizeTitle,
	"write_todos":             actionWriteTodos,
	"mark_todo_complete":      actionMarkTodoComplete,
	"persist_tasks":           actionPersistTasks,
	"update_workflow_task":    actionUpdateWorkflowTask,
	"set_variable":            actionSetVariable,
	"increment_variable":      actionIncrementVariable,
	"save_workflow_state":     actionSaveWorkflowState,
	"load_workflow_state":     actionLoadWorkflowState,
	"mark_session_status":     actionMarkSessionStatus,
	"switch_mode":             actionSwitchMode,
	"memory_save":             actionMemorySave,
	"memory_recall_relevant":  actionMemoryRecallRelevant,
	"memory_sync_import":      actionMemorySyncImport,
	"memory_sync_export":      actionMemorySyncExport,
	"call_mcp_tool":           actionCallMCPTool,
	"call_llm":                actionCallLLM,
	"start_new_session":       actionStartNewSession,
	"extract_handoff_context": actionExtractHandoffContext,
	"webhook":                 actionWebhook,
}

// Engine dispatches named actions against an ActionContext and persists
// WorkflowState to the store.
type Engine struct {
	store  *store.Store
	logger logging.Logger
}

// New returns an Engine backed by s.
func New(s *store.Store, logger logging.Logger) *Engine {
	return &Engine{store: s, logger: logging.OrNop(logger)}
}

// Dispatch runs the named action. An unknown action logs a warning and
// returns (nil, nil) rather than erroring — a workflow definition
// referencing a retired or typo'd action name must never crash the
// pipeline. A handler panic is recovered and surfaced as an "error" key
// in the result, same as a returned error, so the engine keeps running.
func (e *Engine) Dispatch(ctx context.Context, actx *ActionContext, name string, params map[string]any) (result Result, err error) {
	fn, ok := catalog[name]
	if !ok {
		e.logger.Warn("workflow: unknown action %q", name)
		return nil, nil
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("workflow: action %q panicked: %v", name, r)
			result = Result{"error": fmt.Sprintf("%v", r)}
			err = nil
		}
	}()

	actx.State.StepActionCount++
	actx.State.TotalActionCount++

	res, handlerErr := fn(ctx, actx, params)
	if handlerErr != nil {
		return Result{"error": handlerErr.Error()}, nil
	}
	return res, nil
}

// SaveWorkflowState upserts the full state for state.SessionID into
// workflow_states.
func (e *Engine) SaveWorkflowState(ctx context.Context, state *model.WorkflowState) error {
	artifacts, _ := json.Marshal(state.Artifacts)
	observations, _ := json.Marshal(state.Observations)
	variables, _ := json.Marshal(state.Variables)
	taskList, _ := json.Marshal(state.TaskList)
	filesModified, _ := json.Marshal(state.FilesModifiedThisTask)
	now := time.Now().UTC().Format(time.RFC3339)

	_, err := e.store.Execute(ctx, `
		INSERT INTO workflow_states (
			session_id, workflow_name, step, step_entered_at, step_action_count, total_action_count,
			artifacts, observations, reflection_pending, context_injected, variables,
			task_list, current_task_index, files_modified_this_task, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			workflow_name = excluded.workflow_name, step = excluded.step,
			step_entered_at = excluded.step_entered_at, step_action_count = excluded.step_action_count,
			total_action_count = excluded.total_action_count, artifacts = excluded.artifacts,
			observations = excluded.observations, reflection_pending = excluded.reflection_pending,
			context_injected = excluded.context_injected, variables = excluded.variables,
			task_list = excluded.task_list, current_task_index = excluded.current_task_index,
			files_modified_this_task = excluded.files_modified_this_task, updated_at = excluded.updated_at
	`, state.SessionID, state.WorkflowName, state.Step, state.StepEnteredAt.UTC().Format(time.RFC3339),
		state.StepActionCount, state.TotalActionCount, string(artifacts), string(observations),
		boolToInt(state.ReflectionPending), boolToInt(state.ContextInjected), string(variables),
		string(taskList), state.CurrentTaskIndex, string(filesModified), now, now)
	return err
}

// LoadWorkflowState returns the persisted state for sessionID, or nil if
// none has been saved yet.
func (e *Engine) LoadWorkflowState(ctx context.Context, sessionID string) (*model.WorkflowState, error) {
	row, err := e.store.FetchOne(ctx, `SELECT * FROM workflow_states WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	return stateFromRecord(row), nil
}

func stateFromRecord(row store.Record) *model.WorkflowState {
	s := &model.WorkflowState{
		SessionID:         asString(row["session_id"]),
		WorkflowName:      asString(row["workflow_name"]),
		Step:              asString(row["step"]),
		StepActionCount:   int(asInt64(row["step_action_count"])),
		TotalActionCount:  int(asInt64(row["total_action_count"])),
		ReflectionPending: asInt64(row["reflection_pending"]) != 0,
		ContextInjected:   asInt64(row["context_injected"]) != 0,
		CurrentTaskIndex:  int(asInt64(row["current_task_index"])),
	}
	if t, err := time.Parse(time.RFC3339, asString(row["step_entered_at"])); err == nil {
		s.StepEnteredAt = t
	}
	if raw := asString(row["artifacts"]); raw != "" {
		_ = json.Unmarshal([]byte(raw), &s.Artifacts)
	}
	if raw := asString(row["observations"]); raw != "" {
		_ = json.Unmarshal([]byte(raw), &s.Observations)
	}
	if raw := asString(row["variables"]); raw != "" {
		_ = json.Unmarshal([]byte(raw), &s.Variables)
	}
	if raw := asString(row["task_list"]); raw != "" {
		_ = json.Unmarshal([]byte(raw), &s.TaskList)
	}
	if raw := asString(row["files_modified_this_task"]); raw != "" {
		_ = json.Unmarshal([]byte(raw), &s.FilesModifiedThisTask)
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
