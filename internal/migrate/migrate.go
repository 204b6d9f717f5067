// Package migrate advances the embedded database through an ordered,
// idempotent chain of migrations. Each migration is either a SQL script
// (statements separated by ";", executed in order) or a Go function that
// rewrites data directly against the Store. The chain is append-only:
// never edit an already-shipped migration, only add new ones.
package migrate

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gobby-dev/gobbyd/internal/logging"
	"github.com/gobby-dev/gobbyd/internal/store"
)

// Action is either a ";"-separated SQL script or a data-rewrite function.
type Action struct {
	SQL  string
	Func func(ctx context.Context, s *store.Store) error
}

// Migration is one step in the chain.
type Migration struct {
	Version     int
	Description string
	Action      Action
}

// OrphanedProjectID is the fixed sentinel project that receives sessions
// whose original project no longer exists.
const OrphanedProjectID = "00000000-0000-0000-0000-000000000000"

// Migrations is the global, ordered migration chain.
var Migrations = []Migration{
	{
		Version:     1,
		Description: "initial schema",
		Action:      Action{SQL: initialSchemaSQL},
	},
	{
		Version:     2,
		Description: "seed orphaned project sentinel",
		Action:      Action{SQL: seedOrphanedProjectSQL},
	},
	{
		Version:     3,
		Description: "backfill task seq_num",
		Action:      Action{Func: backfillSeqNum},
	},
	{
		Version:     4,
		Description: "migrate gt-* task ids to UUIDs",
		Action:      Action{Func: migrateTaskIDsToUUID},
	},
	{
		Version:     5,
		Description: "backfill task path_cache",
		Action:      Action{Func: backfillPathCache},
	},
	{
		Version:     6,
		Description: "add memories.last_decay_at",
		Action:      Action{SQL: addMemoryLastDecayAtSQL},
	},
}

// Migrator runs the migration chain against a Store.
type Migrator struct {
	logger logging.Logger
}

// New returns a Migrator.
func New(logger logging.Logger) *Migrator {
	return &Migrator{logger: logging.OrNop(logger)}
}

// Run ensures the schema_version bookkeeping table exists and applies every
// migration whose version exceeds the current maximum. It is idempotent:
// calling it twice in a row applies zero migrations the second time.
func (m *Migrator) Run(ctx context.Context, s *store.Store) error {
	if _, err := s.Execute(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("migrate: ensure schema_version: %w", err)
	}

	current, err := currentVersion(ctx, s)
	if err != nil {
		return fmt.Errorf("migrate: read current version: %w", err)
	}

	for _, mig := range Migrations {
		if mig.Version <= current {
			continue
		}
		m.logger.Info("applying migration %d: %s", mig.Version, mig.Description)
		if err := mig.apply(ctx, s); err != nil {
			return fmt.Errorf("migrate: version %d (%s): %w", mig.Version, mig.Description, err)
		}
		if _, err := s.Execute(ctx, `INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`,
			mig.Version, time.Now().UTC().Format(time.RFC3339)); err != nil {
			return fmt.Errorf("migrate: record version %d: %w", mig.Version, err)
		}
	}
	return nil
}

func (mig Migration) apply(ctx context.Context, s *store.Store) error {
	if mig.Action.Func != nil {
		return mig.Action.Func(ctx, s)
	}
	for _, stmt := range splitStatements(mig.Action.SQL) {
		if _, err := s.Execute(ctx, stmt); err != nil {
			return fmt.Errorf("statement %q: %w", truncate(stmt, 80), err)
		}
	}
	return nil
}

// splitStatements splits a SQL script on ";" and trims empty statements.
func splitStatements(script string) []string {
	parts := strings.Split(script, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func currentVersion(ctx context.Context, s *store.Store) (int, error) {
	row, err := s.FetchOne(ctx, `SELECT MAX(version) AS max_version FROM schema_version`)
	if err != nil {
		return 0, err
	}
	if row == nil || row["max_version"] == nil {
		return 0, nil
	}
	switch v := row["max_version"].(type) {
	case int64:
		return int(v), nil
	case int:
		return v, nil
	default:
		return 0, fmt.Errorf("unexpected max_version type %T", v)
	}
}

// backfillSeqNum assigns dense, per-project seq_num values to tasks created
// before the column existed, ordered by (created_at, id) — grounded exactly
// on the original implementation's _backfill_seq_num.
func backfillSeqNum(ctx context.Context, s *store.Store) error {
	projects, err := s.FetchAll(ctx, `SELECT DISTINCT project_id FROM tasks WHERE seq_num IS NULL`)
	if err != nil {
		return err
	}

	for _, p := range projects {
		projectID := p["project_id"]

		tasks, err := s.FetchAll(ctx, `
			SELECT id FROM tasks
			WHERE project_id = ? AND seq_num IS NULL
			ORDER BY created_at ASC, id ASC
		`, projectID)
		if err != nil {
			return err
		}

		maxRow, err := s.FetchOne(ctx, `SELECT MAX(seq_num) AS max_seq FROM tasks WHERE project_id = ?`, projectID)
		if err != nil {
			return err
		}
		next := 1
		if maxRow != nil {
			if v, ok := maxRow["max_seq"].(int64); ok {
				next = int(v) + 1
			}
		}

		for _, task := range tasks {
			if _, err := s.Execute(ctx, `UPDATE tasks SET seq_num = ? WHERE id = ?`, next, task["id"]); err != nil {
				return err
			}
			next++
		}
	}
	return nil
}

// migrateTaskIDsToUUID converts legacy "gt-XXXXXX" task ids to version-4
// UUIDs, embedding the original 6-hex short hash at the start of the last
// UUID segment for traceability, and cascades the rewrite across every
// table that references tasks.id. Grounded exactly on
// _migrate_task_ids_to_uuid in the original storage migration module.
func migrateTaskIDsToUUID(ctx context.Context, s *store.Store) error {
	tasks, err := s.FetchAll(ctx, `SELECT id FROM tasks WHERE id LIKE 'gt-%'`)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}

	mapping := make(map[string]string, len(tasks))
	for _, t := range tasks {
		oldID, _ := t["id"].(string)
		shortHash := strings.TrimPrefix(oldID, "gt-")
		mapping[oldID] = embedShortHash(shortHash)
	}

	if _, err := s.Execute(ctx, `PRAGMA foreign_keys = OFF`); err != nil {
		return err
	}
	restore := func() error {
		_, err := s.Execute(ctx, `PRAGMA foreign_keys = ON`)
		return err
	}

	referringColumns := []struct{ table, column string }{
		{"tasks", "id"},
		{"tasks", "parent_task_id"},
		{"task_dependencies", "task_id"},
		{"task_dependencies", "depends_on"},
		{"session_tasks", "task_id"},
		{"task_validation_history", "task_id"},
		{"task_selection_history", "task_id"},
		{"worktrees", "task_id"},
	}

	for oldID, newID := range mapping {
		for _, ref := range referringColumns {
			stmt := fmt.Sprintf(`UPDATE %s SET %s = ? WHERE %s = ?`, ref.table, ref.column, ref.column)
			if _, err := s.Execute(ctx, stmt, newID, oldID); err != nil {
				_ = restore()
				return fmt.Errorf("rewrite %s.%s: %w", ref.table, ref.column, err)
			}
		}
	}

	return restore()
}

// embedShortHash generates a fresh UUIDv4 and splices the 6-hex legacy
// short hash into the first six characters of its last segment, matching
// the format "xxxxxxxx-xxxx-4xxx-yxxx-{shortHash}xxxxxx".
func embedShortHash(shortHash string) string {
	full := uuid.New().String()
	parts := strings.Split(full, "-")
	last := parts[4]
	if len(shortHash) > len(last) {
		shortHash = shortHash[:len(last)]
	}
	parts[4] = shortHash + last[len(shortHash):]
	return strings.Join(parts, "-")
}

// backfillPathCache computes materialized hierarchy paths for every task
// that has a seq_num but no path_cache yet, processing roots before
// children via a recursive CTE so parent paths always exist first.
func backfillPathCache(ctx context.Context, s *store.Store) error {
	rows, err := s.FetchAll(ctx, `
		WITH RECURSIVE task_depth AS (
			SELECT id, 0 AS depth
			FROM tasks
			WHERE parent_task_id IS NULL
			  AND seq_num IS NOT NULL
			  AND path_cache IS NULL

			UNION ALL

			SELECT t.id, td.depth + 1
			FROM tasks t
			JOIN task_depth td ON t.parent_task_id = td.id
			WHERE t.seq_num IS NOT NULL
			  AND t.path_cache IS NULL
		)
		SELECT id FROM task_depth ORDER BY depth ASC
	`)
	if err != nil {
		return err
	}

	for _, row := range rows {
		id, _ := row["id"].(string)
		if err := rebuildPathCache(ctx, s, id); err != nil {
			return err
		}
	}
	return nil
}

// rebuildPathCache walks id's parent chain (already-cached ancestors make
// this O(depth), not O(tree)) and stores the materialized "root/.../id"
// path of seq_num segments.
func rebuildPathCache(ctx context.Context, s *store.Store, taskID string) error {
	var segments []string
	current := taskID
	for current != "" {
		row, err := s.FetchOne(ctx, `SELECT seq_num, parent_task_id FROM tasks WHERE id = ?`, current)
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
	_, err := s.Execute(ctx, `UPDATE tasks SET path_cache = ? WHERE id = ?`, path, taskID)
	return err
}

// newRandomHex is kept for components that need a quick, non-UUID
// identifier (e.g. log correlation ids) without importing uuid directly.
func newRandomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	const hex = "0123456789abcdef"
	out := make([]byte, n*2)
	for i, c := range b {
		out[i*2] = hex[c>>4]
		out[i*2+1] = hex[c&0x0f]
	}
	return string(out)
}
