// Package project manages the Project row that scopes sessions, tasks, and
// MCP server configs to a repository checkout.
package project

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gobby-dev/gobbyd/internal/logging"
	"github.com/gobby-dev/gobbyd/internal/model"
	"github.com/gobby-dev/gobbyd/internal/store"
)

// Registry is the Project directory.
type Registry struct {
	store  *store.Store
	logger logging.Logger
}

// New returns a Registry backed by s.
func New(s *store.Store, logger logging.Logger) *Registry {
	return &Registry{store: s, logger: logging.OrNop(logger)}
}

// CreateParams carries the fields accepted on Create.
type CreateParams struct {
	Name       string
	RepoPath   string
	GithubRepo string
}

// Create inserts a new project.
func (r *Registry) Create(ctx context.Context, p CreateParams) (*model.Project, error) {
	id := uuid.New().String()
	now := time.Now().UTC().Format(time.RFC3339)

	_, err := r.store.Execute(ctx, `
		INSERT INTO projects (id, name, repo_path, github_repo, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, p.Name, p.RepoPath, nullIfEmpty(p.GithubRepo), now, now)
	if err != nil {
		return nil, fmt.Errorf("project: insert: %w", err)
	}
	return r.Get(ctx, id)
}

// Get returns a project by id, or nil if not found.
func (r *Registry) Get(ctx context.Context, id string) (*model.Project, error) {
	row, err := r.store.FetchOne(ctx, `SELECT * FROM projects WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	return fromRecord(row), nil
}

// FindByRepoPath returns the project rooted at repoPath, or nil if none exists.
func (r *Registry) FindByRepoPath(ctx context.Context, repoPath string) (*model.Project, error) {
	row, err := r.store.FetchOne(ctx, `SELECT * FROM projects WHERE repo_path = ?`, repoPath)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	return fromRecord(row), nil
}

// EnsureForRepoPath returns the existing project at repoPath, or creates one
// named after its base directory if none exists yet. This backs the Hook
// Pipeline's auto-initialize-a-project-for-this-directory step.
func (r *Registry) EnsureForRepoPath(ctx context.Context, repoPath, defaultName string) (*model.Project, error) {
	existing, err := r.FindByRepoPath(ctx, repoPath)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	return r.Create(ctx, CreateParams{Name: defaultName, RepoPath: repoPath})
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func fromRecord(row store.Record) *model.Project {
	p := &model.Project{
		ID:         asString(row["id"]),
		Name:       asString(row["name"]),
		RepoPath:   asString(row["repo_path"]),
		GithubRepo: asStringPtr(row["github_repo"]),
	}
	if t, err := parseTime(row["created_at"]); err == nil {
		p.CreatedAt = t
	}
	if t, err := parseTime(row["updated_at"]); err == nil {
		p.UpdatedAt = t
	}
	return p
}

func parseTime(v any) (time.Time, error) {
	s := asString(v)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
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
	if !ok || s == "" {
		return nil
	}
	return &s
}
