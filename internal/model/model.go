// Package model holds the shared entity types described by the data model:
// Project, Session, Task, Memory, and WorkflowState. Registries translate
// between these and store.Record; nothing outside internal/store deals in
// raw rows.
package model

import "time"

// SessionStatus enumerates the lifecycle states of a Session.
type SessionStatus string

const (
	SessionActive       SessionStatus = "active"
	SessionPaused        SessionStatus = "paused"
	SessionHandoffReady  SessionStatus = "handoff_ready"
	SessionExpired       SessionStatus = "expired"
	SessionCompleted     SessionStatus = "completed"
	SessionArchived      SessionStatus = "archived"
)

// TaskStatus enumerates the lifecycle states of a Task.
type TaskStatus string

const (
	TaskOpen       TaskStatus = "open"
	TaskInProgress TaskStatus = "in_progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskCompleted  TaskStatus = "completed"
	TaskCancelled  TaskStatus = "cancelled"
)

// MemoryType enumerates the kind of content a Memory holds.
type MemoryType string

const (
	MemoryFact       MemoryType = "fact"
	MemoryPreference MemoryType = "preference"
	MemoryPattern    MemoryType = "pattern"
	MemoryContext    MemoryType = "context"
)

// Project is the root of scoping for sessions, tasks, and MCP servers.
type Project struct {
	ID           string
	Name         string
	RepoPath     string
	GithubRepo   *string
	LinearTeamID *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Session is one front-end conversation tracked by the daemon.
type Session struct {
	ID                       string
	ExternalID               string
	MachineID                string
	Source                   string
	ProjectID                string
	SeqNum                   int
	Title                    *string
	Status                   SessionStatus
	JSONLPath                *string
	SummaryPath              *string
	SummaryMarkdown          *string
	CompactMarkdown          *string
	GitBranch                *string
	ParentSessionID          *string
	AgentDepth               int
	SpawnedByAgentID         *string
	WorkflowName             *string
	AgentRunID               *string
	ContextInjected          bool
	OriginalPrompt           *string
	TranscriptProcessed      bool
	TerminalContext          *string
	UsageInputTokens         int64
	UsageOutputTokens        int64
	UsageCacheCreationTokens int64
	UsageCacheReadTokens     int64
	UsageTotalCostUSD        float64
	Model                    *string
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// Task is a unit of tracked work, arranged in a parent/child hierarchy.
type Task struct {
	ID                   string
	ProjectID            string
	ParentTaskID         *string
	CreatedInSessionID   *string
	ClosedInSessionID    *string
	ClosedCommitSHA      *string
	ClosedAt             *time.Time
	Title                string
	Description          *string
	Details              *string
	Status               TaskStatus
	Priority             int
	TaskType             string
	Assignee             *string
	Labels               []string
	ValidationStatus     *string
	ValidationFeedback   *string
	ValidationFailCount  int
	UseExternalValidator bool
	ComplexityScore      *float64
	EstimatedSubtasks    *int
	WorkflowName         *string
	SequenceOrder        *int
	Commits              []string
	SeqNum               int
	PathCache            string
	EscalatedAt          *time.Time
	EscalationReason     *string
	GithubIssueNumber    *int
	GithubPRNumber       *int
	LinearIssueID        *string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Memory is a content-addressed fact, preference, pattern, or context note.
type Memory struct {
	ID              string
	ProjectID       *string
	MemoryType      MemoryType
	Content         string
	SourceType      *string
	SourceSessionID *string
	Importance      float64
	AccessCount     int
	LastAccessedAt  *time.Time
	LastDecayAt     *time.Time
	Embedding       []byte
	Tags            []string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// WorkflowState is the one-per-session step machine state for the
// Workflow Action Engine.
type WorkflowState struct {
	SessionID              string
	WorkflowName           string
	Step                   string
	StepEnteredAt          time.Time
	StepActionCount        int
	TotalActionCount       int
	Artifacts              map[string]string
	Observations           []string
	ReflectionPending      bool
	ContextInjected        bool
	Variables              map[string]any
	TaskList               []string
	CurrentTaskIndex       int
	FilesModifiedThisTask  []string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}
