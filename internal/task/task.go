// Package task implements the Task Registry (C4): CRUD plus the
// parent/child hierarchy (seq_num, path_cache), the dependency graph, and
// append-only validation history.
package task

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gobby-dev/gobbyd/internal/logging"
	"github.com/gobby-dev/gobbyd/internal/model"
	"github.com/gobby-dev/gobbyd/internal/store"
)

// Registry is the Task Registry.
type Registry struct {
	store  *store.Store
	logger logging.Logger
}

// New returns a Registry backed by s.
func New(s *store.Store, logger logging.Logger) *Registry {
	return &Registry{store: s, logger: logging.OrNop(logger)}
}

// CreateParams carries the fields accepted on CreateTask.
type CreateParams struct {
	ProjectID          string
	ParentTaskID       string
	Title              string
	Description        string
	Priority           int
	TaskType           string
	CreatedInSessionID string
	WorkflowName       string
}

// CreateTask inserts a new task, allocating the next project-scoped
// seq_num and (if parented) computing path_cache from the parent's path.
func (r *Registry) CreateTask(ctx context.Context, p CreateParams) (*model.Task, error) {
	seq, err := r.nextSeqNum(ctx, p.ProjectID)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	now := time.Now().UTC().Format(time.RFC3339)
	taskType := p.TaskType
	if taskType == "" {
		taskType = "task"
	}

	_, err = r.store.Execute(ctx, `
		INSERT INTO tasks (
			id, project_id, parent_task_id, created_in_session_id, title, description,
			status, priority, task_type, workflow_name, seq_num, path_cache, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, 'open', ?, ?, ?, ?, '', ?, ?)
	`, id, p.ProjectID, nullIfEmpty(p.ParentTaskID), nullIfEmpty(p.CreatedInSessionID),
		p.Title, nullIfEmpty(p.Description), p.Priority, taskType, nullIfEmpty(p.WorkflowName), seq, now, now)
	if err != nil {
		return nil, fmt.Errorf("task: insert: %w", err)
	}

	if err := r.UpdatePathCache(ctx, id); err != nil {
		return nil, err
	}
	return r.GetTask(ctx, id)
}

func (r *Registry) nextSeqNum(ctx context.Context, projectID string) (int, error) {
	row, err := r.store.FetchOne(ctx, `SELECT MAX(seq_num) AS max_seq FROM tasks WHERE project_id = ?`, projectID)
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

// GetTask returns a task by id, or nil if not found.
func (r *Registry) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row, err := r.store.FetchOne(ctx, `SELECT * FROM tasks WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	return fromRecord(row), nil
}

// ListFilters narrows ListTasks; zero values mean "no filter".
type ListFilters struct {
	Status TaskStatusFilter
}

// TaskStatusFilter optionally restricts ListTasks to one status.
type TaskStatusFilter string

// ListTasks returns tasks for a project, optionally filtered by status.
func (r *Registry) ListTasks(ctx context.Context, projectID string, filters ListFilters) ([]*model.Task, error) {
	query := `SELECT * FROM tasks WHERE project_id = ?`
	args := []any{projectID}
	if filters.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filters.Status))
	}
	query += ` ORDER BY seq_num ASC`

	rows, err := r.store.FetchAll(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Task, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRecord(row))
	}
	return out, nil
}

// UpdateParams carries the mutable subset of Task fields; nil means
// "leave unchanged".
type UpdateParams struct {
	ParentTaskID *string
	Title        *string
	Description  *string
	Status       *model.TaskStatus
	Priority     *int
}

// UpdateTask applies a partial patch and, if ParentTaskID changed,
// recomputes path_cache for the task's whole subtree.
func (r *Registry) UpdateTask(ctx context.Context, id string, p UpdateParams) (*model.Task, error) {
	_, err := r.store.Execute(ctx, `
		UPDATE tasks SET
			parent_task_id = COALESCE(?, parent_task_id),
			title = COALESCE(?, title),
			description = COALESCE(?, description),
			status = COALESCE(?, status),
			priority = COALESCE(?, priority),
			updated_at = ?
		WHERE id = ?
	`, p.ParentTaskID, p.Title, p.Description, statusOrNil(p.Status), p.Priority,
		time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return nil, fmt.Errorf("task: update: %w", err)
	}

	if p.ParentTaskID != nil {
		if err := r.rebuildSubtreePathCache(ctx, id); err != nil {
			return nil, err
		}
	}
	return r.GetTask(ctx, id)
}

// DeleteTask removes a task; FK cascades handle dependents and history.
func (r *Registry) DeleteTask(ctx context.Context, id string) error {
	_, err := r.store.Execute(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	return err
}

// AddDependency records that task depends on dependsOn with the given
// dependency type ("blocks" is the default convention).
func (r *Registry) AddDependency(ctx context.Context, taskID, dependsOn, depType string) error {
	if depType == "" {
		depType = "blocks"
	}
	_, err := r.store.Execute(ctx, `
		INSERT OR IGNORE INTO task_dependencies (task_id, depends_on, dep_type) VALUES (?, ?, ?)
	`, taskID, dependsOn, depType)
	return err
}

// RecordValidation appends to the validation history for a task.
func (r *Registry) RecordValidation(ctx context.Context, taskID, status, feedback string) error {
	_, err := r.store.Execute(ctx, `
		INSERT INTO task_validation_history (task_id, status, feedback, created_at) VALUES (?, ?, ?, ?)
	`, taskID, status, nullIfEmpty(feedback), time.Now().UTC().Format(time.RFC3339))
	return err
}

// UpdatePathCache recomputes the materialized hierarchy path for a single
// task by walking its parent chain.
func (r *Registry) UpdatePathCache(ctx context.Context, id string) error {
	var segments []string
	current := id
	seen := map[string]bool{}
	for current != "" {
		if seen[current] {
			break // defend against an accidental cycle
		}
		seen[current] = true

		row, err := r.store.FetchOne(ctx, `SELECT seq_num, parent_task_id FROM tasks WHERE id = ?`, current)
		if err != nil {
			return err
		}
		if row == nil {
			break
		}
		seq := "0"
		if v, ok := row["seq_num"].(int64); ok {
			seq = fmt.Sprintf("%d", v)
		}
		segments = append([]string{seq}, segments...)

		parent, _ := row["parent_task_id"].(string)
		current = parent
	}

	path := "/" + strings.Join(segments, "/")
	_, err := r.store.Execute(ctx, `UPDATE tasks SET path_cache = ? WHERE id = ?`, path, id)
	return err
}

// rebuildSubtreePathCache recomputes path_cache for rootID and every
// descendant, so a parent change never leaves stale paths downstream.
func (r *Registry) rebuildSubtreePathCache(ctx context.Context, rootID string) error {
	if err := r.UpdatePathCache(ctx, rootID); err != nil {
		return err
	}
	children, err := r.store.FetchAll(ctx, `SELECT id FROM tasks WHERE parent_task_id = ?`, rootID)
	if err != nil {
		return err
	}
	for _, c := range children {
		childID, _ := c["id"].(string)
		if err := r.rebuildSubtreePathCache(ctx, childID); err != nil {
			return err
		}
	}
	return nil
}

func statusOrNil(s *model.TaskStatus) any {
	if s == nil {
		return nil
	}
	return string(*s)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func fromRecord(row store.Record) *model.Task {
	t := &model.Task{
		ID:        asString(row["id"]),
		ProjectID: asString(row["project_id"]),
		Title:     asString(row["title"]),
		Status:    model.TaskStatus(asString(row["status"])),
		Priority:  int(asInt64(row["priority"])),
		TaskType:  asString(row["task_type"]),
		SeqNum:    int(asInt64(row["seq_num"])),
		PathCache: asString(row["path_cache"]),
	}
	t.ParentTaskID = asStringPtr(row["parent_task_id"])
	t.CreatedInSessionID = asStringPtr(row["created_in_session_id"])
	t.Description = asStringPtr(row["description"])
	t.Details = asStringPtr(row["details"])
	t.WorkflowName = asStringPtr(row["workflow_name"])
	if labels := asString(row["labels"]); labels != "" {
		_ = json.Unmarshal([]byte(labels), &t.Labels)
	}
	t.CreatedAt, _ = parseTime(row["created_at"])
	t.UpdatedAt, _ = parseTime(row["updated_at"])
	return t
}

func parseTime(v any) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("not a string")
	}
	return time.Parse(time.RFC3339, s)
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
