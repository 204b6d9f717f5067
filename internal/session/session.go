// Package session implements the Session Registry (C3): composite-key
// CRUD and lifecycle sweepers for Session entities.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gobby-dev/gobbyd/internal/logging"
	"github.com/gobby-dev/gobbyd/internal/model"
	"github.com/gobby-dev/gobbyd/internal/store"
)

// ErrConsistency is returned when a row cannot be read back immediately
// after being written — a storage-layer invariant violation, not a normal
// "not found".
var ErrConsistency = errors.New("session: row not found immediately after write")

// Registry is the Session Registry.
type Registry struct {
	store  *store.Store
	logger logging.Logger
}

// New returns a Registry backed by s.
func New(s *store.Store, logger logging.Logger) *Registry {
	return &Registry{store: s, logger: logging.OrNop(logger)}
}

// RegisterParams carries the fields accepted on Register; zero values mean
// "leave unset" for optional fields.
type RegisterParams struct {
	ExternalID string
	MachineID  string
	Source     string
	ProjectID  string
	Title      string
	JSONLPath  string
	GitBranch  string
}

// Register upserts a session by its composite key. On conflict it updates
// mutable fields, resets status to active, and touches updated_at; on
// insert it allocates the next project-scoped seq_num.
func (r *Registry) Register(ctx context.Context, p RegisterParams) (*model.Session, error) {
	existing, err := r.FindByExternalID(ctx, p.ExternalID, p.MachineID, p.ProjectID, p.Source)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if existing != nil {
		_, err := r.store.Execute(ctx, `
			UPDATE sessions
			SET title = COALESCE(NULLIF(?, ''), title),
			    status = 'active',
			    jsonl_path = COALESCE(NULLIF(?, ''), jsonl_path),
			    git_branch = COALESCE(NULLIF(?, ''), git_branch),
			    updated_at = ?
			WHERE id = ?
		`, p.Title, p.JSONLPath, p.GitBranch, now.Format(time.RFC3339), existing.ID)
		if err != nil {
			return nil, fmt.Errorf("session: update on register: %w", err)
		}
		return r.Get(ctx, existing.ID)
	}

	seq, err := r.nextSeqNum(ctx, p.ProjectID)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	_, err = r.store.Execute(ctx, `
		INSERT INTO sessions (
			id, external_id, machine_id, source, project_id, seq_num,
			title, status, jsonl_path, git_branch,
			agent_depth, context_injected, transcript_processed,
			usage_input_tokens, usage_output_tokens, usage_cache_creation_tokens, usage_cache_read_tokens,
			usage_total_cost_usd, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, 'active', ?, ?, 0, 0, 0, 0, 0, 0, 0, 0, ?, ?)
	`, id, p.ExternalID, p.MachineID, p.Source, p.ProjectID, seq,
		nullIfEmpty(p.Title), nullIfEmpty(p.JSONLPath), nullIfEmpty(p.GitBranch),
		now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("session: insert: %w", err)
	}

	created, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if created == nil {
		return nil, ErrConsistency
	}
	return created, nil
}

func (r *Registry) nextSeqNum(ctx context.Context, projectID string) (int, error) {
	row, err := r.store.FetchOne(ctx, `SELECT MAX(seq_num) AS max_seq FROM sessions WHERE project_id = ?`, projectID)
	if err != nil {
		return 0, err
	}
	if row == nil || row["max_seq"] == nil {
		return 1, nil
	}
	if v, ok := row["max_seq"].(int64); ok {
		return int(v) + 1, nil
	}
	return 1, nil
}

// Get returns the session by internal id, or nil if not found.
func (r *Registry) Get(ctx context.Context, id string) (*model.Session, error) {
	row, err := r.store.FetchOne(ctx, `SELECT * FROM sessions WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	return fromRecord(row), nil
}

// FindByExternalID looks up a session by its full composite key.
func (r *Registry) FindByExternalID(ctx context.Context, externalID, machineID, projectID, source string) (*model.Session, error) {
	row, err := r.store.FetchOne(ctx, `
		SELECT * FROM sessions
		WHERE external_id = ? AND machine_id = ? AND project_id = ? AND source = ?
	`, externalID, machineID, projectID, source)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	return fromRecord(row), nil
}

// FindCurrent looks up a session by (external_id, machine_id, source)
// without requiring a project — used when the caller hasn't resolved a
// project yet.
func (r *Registry) FindCurrent(ctx context.Context, externalID, machineID, source string) (*model.Session, error) {
	row, err := r.store.FetchOne(ctx, `
		SELECT * FROM sessions
		WHERE external_id = ? AND machine_id = ? AND source = ?
		ORDER BY updated_at DESC LIMIT 1
	`, externalID, machineID, source)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	return fromRecord(row), nil
}

// FindParent returns the most recently updated session in the same
// (machine_id, project_id) matching status, optionally filtered by source.
// Used only for session-handoff on "clear" events — never on "compact" or
// "resume", per the hook pipeline's self-parenting guard.
func (r *Registry) FindParent(ctx context.Context, machineID, projectID, source, status string) (*model.Session, error) {
	query := `
		SELECT * FROM sessions
		WHERE machine_id = ? AND project_id = ? AND status = ?
	`
	args := []any{machineID, projectID, status}
	if source != "" {
		query += ` AND source = ?`
		args = append(args, source)
	}
	query += ` ORDER BY updated_at DESC LIMIT 1`

	row, err := r.store.FetchOne(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	return fromRecord(row), nil
}

// FindChildren returns sessions whose parent_session_id is parentID.
func (r *Registry) FindChildren(ctx context.Context, parentID string) ([]*model.Session, error) {
	rows, err := r.store.FetchAll(ctx, `SELECT * FROM sessions WHERE parent_session_id = ?`, parentID)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Session, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRecord(row))
	}
	return out, nil
}

// UpdateStatus sets status and returns the mutated row, or nil if not found.
func (r *Registry) UpdateStatus(ctx context.Context, id string, status model.SessionStatus) (*model.Session, error) {
	return r.updateField(ctx, id, "status", string(status))
}

// UpdateTitle sets title and returns the mutated row, or nil if not found.
func (r *Registry) UpdateTitle(ctx context.Context, id, title string) (*model.Session, error) {
	return r.updateField(ctx, id, "title", title)
}

// UpdateModel sets model and returns the mutated row, or nil if not found.
func (r *Registry) UpdateModel(ctx context.Context, id, modelName string) (*model.Session, error) {
	return r.updateField(ctx, id, "model", modelName)
}

// UpdateCompactMarkdown sets compact_markdown and returns the mutated row.
func (r *Registry) UpdateCompactMarkdown(ctx context.Context, id, markdown string) (*model.Session, error) {
	return r.updateField(ctx, id, "compact_markdown", markdown)
}

// UpdateParentSessionID sets parent_session_id and returns the mutated row.
func (r *Registry) UpdateParentSessionID(ctx context.Context, id, parentID string) (*model.Session, error) {
	return r.updateField(ctx, id, "parent_session_id", parentID)
}

// UpdateSummary sets summary_path and/or summary_markdown.
func (r *Registry) UpdateSummary(ctx context.Context, id string, summaryPath, summaryMarkdown *string) (*model.Session, error) {
	_, err := r.store.Execute(ctx, `
		UPDATE sessions SET
			summary_path = COALESCE(?, summary_path),
			summary_markdown = COALESCE(?, summary_markdown),
			updated_at = ?
		WHERE id = ?
	`, summaryPath, summaryMarkdown, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, id)
}

// TerminalPickupMetadata is the patch set accepted by
// UpdateTerminalPickupMetadata; nil fields are left unchanged.
type TerminalPickupMetadata struct {
	WorkflowName    *string
	AgentRunID      *string
	ContextInjected *bool
	OriginalPrompt  *string
}

// UpdateTerminalPickupMetadata patches the subset of fields a spawned
// terminal agent cares about.
func (r *Registry) UpdateTerminalPickupMetadata(ctx context.Context, id string, m TerminalPickupMetadata) (*model.Session, error) {
	_, err := r.store.Execute(ctx, `
		UPDATE sessions SET
			workflow_name = COALESCE(?, workflow_name),
			agent_run_id = COALESCE(?, agent_run_id),
			context_injected = COALESCE(?, context_injected),
			original_prompt = COALESCE(?, original_prompt),
			updated_at = ?
		WHERE id = ?
	`, m.WorkflowName, m.AgentRunID, m.ContextInjected, m.OriginalPrompt, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, id)
}

func (r *Registry) updateField(ctx context.Context, id, column, value string) (*model.Session, error) {
	stmt := fmt.Sprintf(`UPDATE sessions SET %s = ?, updated_at = ? WHERE id = ?`, column)
	if _, err := r.store.Execute(ctx, stmt, value, time.Now().UTC().Format(time.RFC3339), id); err != nil {
		return nil, err
	}
	return r.Get(ctx, id)
}

// PauseInactiveActiveSessions transitions active -> paused for sessions
// untouched for timeoutMinutes, returning the number affected.
func (r *Registry) PauseInactiveActiveSessions(ctx context.Context, timeoutMinutes int) (int64, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(timeoutMinutes) * time.Minute).Format(time.RFC3339)
	return r.store.Execute(ctx, `
		UPDATE sessions SET status = 'paused', updated_at = updated_at
		WHERE status = 'active' AND updated_at < ?
	`, cutoff)
}

// ExpireStaleSessions transitions any non-terminal session to expired if
// untouched for timeoutHours, returning the number affected.
func (r *Registry) ExpireStaleSessions(ctx context.Context, timeoutHours int) (int64, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(timeoutHours) * time.Hour).Format(time.RFC3339)
	return r.store.Execute(ctx, `
		UPDATE sessions SET status = 'expired'
		WHERE status NOT IN ('expired', 'completed') AND updated_at < ?
	`, cutoff)
}

// GetPendingTranscriptSessions returns expired sessions with an
// unprocessed transcript, up to limit rows.
func (r *Registry) GetPendingTranscriptSessions(ctx context.Context, limit int) ([]*model.Session, error) {
	rows, err := r.store.FetchAll(ctx, `
		SELECT * FROM sessions
		WHERE status = 'expired' AND transcript_processed = 0 AND jsonl_path IS NOT NULL
		ORDER BY updated_at ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Session, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRecord(row))
	}
	return out, nil
}

// ResolveSessionReference resolves "#N" (per-project seq_num) or a raw
// UUID into a session.
func (r *Registry) ResolveSessionReference(ctx context.Context, ref, projectID string) (*model.Session, error) {
	if len(ref) > 1 && ref[0] == '#' {
		row, err := r.store.FetchOne(ctx, `SELECT * FROM sessions WHERE project_id = ? AND seq_num = ?`, projectID, ref[1:])
		if err != nil {
			return nil, err
		}
		if row == nil {
			return nil, nil
		}
		return fromRecord(row), nil
	}
	return r.Get(ctx, ref)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func fromRecord(row store.Record) *model.Session {
	s := &model.Session{
		ID:         asString(row["id"]),
		ExternalID: asString(row["external_id"]),
		MachineID:  asString(row["machine_id"]),
		Source:     asString(row["source"]),
		ProjectID:  asString(row["project_id"]),
		SeqNum:     int(asInt64(row["seq_num"])),
		Status:     model.SessionStatus(asString(row["status"])),
		AgentDepth: int(asInt64(row["agent_depth"])),
	}
	s.Title = asStringPtr(row["title"])
	s.JSONLPath = asStringPtr(row["jsonl_path"])
	s.SummaryPath = asStringPtr(row["summary_path"])
	s.SummaryMarkdown = asStringPtr(row["summary_markdown"])
	s.CompactMarkdown = asStringPtr(row["compact_markdown"])
	s.GitBranch = asStringPtr(row["git_branch"])
	s.ParentSessionID = asStringPtr(row["parent_session_id"])
	s.SpawnedByAgentID = asStringPtr(row["spawned_by_agent_id"])
	s.WorkflowName = asStringPtr(row["workflow_name"])
	s.AgentRunID = asStringPtr(row["agent_run_id"])
	s.ContextInjected = asInt64(row["context_injected"]) != 0
	s.OriginalPrompt = asStringPtr(row["original_prompt"])
	s.TranscriptProcessed = asInt64(row["transcript_processed"]) != 0
	s.TerminalContext = asStringPtr(row["terminal_context"])
	s.UsageInputTokens = asInt64(row["usage_input_tokens"])
	s.UsageOutputTokens = asInt64(row["usage_output_tokens"])
	s.UsageCacheCreationTokens = asInt64(row["usage_cache_creation_tokens"])
	s.UsageCacheReadTokens = asInt64(row["usage_cache_read_tokens"])
	s.Model = asStringPtr(row["model"])
	if t, ok := row["created_at"].(string); ok {
		s.CreatedAt, _ = time.Parse(time.RFC3339, t)
	}
	if t, ok := row["updated_at"].(string); ok {
		s.UpdatedAt, _ = time.Parse(time.RFC3339, t)
	}
	return s
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asStringPtr(v any) *string {
	if v == nil {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		return nil
	}
	return &s
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

// marshalJSON is a small helper kept for callers that store structured
// data (tags, variables) as JSON text columns.
func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
