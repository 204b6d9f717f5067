// Package workflow implements the Workflow Action Engine (C7): one
// WorkflowState per session, an action registry keyed by name, and a
// template engine resolving references against state and event context.
package workflow

import (
	"context"
	"encoding/json"

	"github.com/gobby-dev/gobbyd/internal/memory"
	"github.com/gobby-dev/gobbyd/internal/model"
	"github.com/gobby-dev/gobbyd/internal/session"
	"github.com/gobby-dev/gobbyd/internal/task"
)

// SessionUpdater is the subset of the Session Registry the engine drives.
type SessionUpdater interface {
	Get(ctx context.Context, id string) (*model.Session, error)
	UpdateStatus(ctx context.Context, id string, status model.SessionStatus) (*model.Session, error)
	UpdateTitle(ctx context.Context, id, title string) (*model.Session, error)
	UpdateSummary(ctx context.Context, id string, summaryPath, summaryMarkdown *string) (*model.Session, error)
	UpdateCompactMarkdown(ctx context.Context, id, markdown string) (*model.Session, error)
}

// TaskPersister is the subset of the Task Registry persist_tasks and
// update_workflow_task drive.
type TaskPersister interface {
	CreateTask(ctx context.Context, p task.CreateParams) (*model.Task, error)
	UpdateTask(ctx context.Context, id string, p task.UpdateParams) (*model.Task, error)
}

// MemoryManager is the subset of the Memory Registry memory_* actions drive.
type MemoryManager interface {
	Remember(ctx context.Context, content string, memoryType model.MemoryType, projectID string, importance float64, tags []string) (*memory.RememberResult, error)
	Recall(ctx context.Context, projectID string, limit int, importanceFloor float64) ([]*model.Memory, error)
}

// MemorySyncer is the optional memory-sync delegate for memory_sync_import
// and memory_sync_export; nil when no sync backend is configured.
type MemorySyncer interface {
	Import(ctx context.Context, projectID string) (int, error)
	Export(ctx context.Context, projectID string) (int, error)
}

// ToolProxy routes call_mcp_tool through the Transport Pool.
type ToolProxy interface {
	CallTool(ctx context.Context, server, tool string, args map[string]any) (json.RawMessage, error)
}

// LLMService is the minimal text-generation surface call_llm, generate_summary,
// synthesize_title, and generate_handoff depend on.
type LLMService interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
}

// TranscriptProcessor extracts summarizable turns and handoff context from a
// session's recorded transcript.
type TranscriptProcessor interface {
	ExtractTurns(ctx context.Context, sessionID string, mode string) (string, error)
	ExtractHandoffContext(ctx context.Context, sessionID string) (string, error)
}

// Spawner launches a new front-end CLI process for start_new_session.
type Spawner interface {
	Spawn(ctx context.Context, command string, args []string, prompt string) (pid int, err error)
}

// WebhookExecutor performs a single outbound call for the webhook action.
type WebhookExecutor interface {
	Do(ctx context.Context, urlOrID, method string, payload map[string]any) (status int, body []byte, headers map[string]string, err error)
}

// ActionContext is the shared environment every action handler runs in.
type ActionContext struct {
	SessionID    string
	State        *model.WorkflowState
	Sessions     SessionUpdater
	Tasks        TaskPersister
	Memory       MemoryManager
	MemorySync   MemorySyncer
	Tools        ToolProxy
	LLM          LLMService
	Transcripts  TranscriptProcessor
	Spawner      Spawner
	Webhooks     WebhookExecutor
	States       *Engine
	TemplateData map[string]any
	EventData    map[string]any
}

// Result is the map every action handler returns to the caller.
type Result map[string]any

// Trigger is one configured (action, params) step fired for a given event
// type by a WorkflowEvaluator.
type Trigger struct {
	Action string
	Params map[string]any
}

// ActionFunc is the shared signature every registered action implements.
type ActionFunc func(ctx context.Context, actx *ActionContext, params map[string]any) (Result, error)
