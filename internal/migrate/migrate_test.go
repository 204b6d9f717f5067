package migrate

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gobby-dev/gobbyd/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gobby.db")
	s, err := store.Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRunIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	m := New(nil)

	require.NoError(t, m.Run(ctx, s))

	rows, err := s.FetchAll(ctx, `SELECT version FROM schema_version`)
	require.NoError(t, err)
	require.Len(t, rows, len(Migrations))

	// Running again must apply zero further migrations.
	require.NoError(t, m.Run(ctx, s))
	rowsAgain, err := s.FetchAll(ctx, `SELECT version FROM schema_version`)
	require.NoError(t, err)
	require.Len(t, rowsAgain, len(Migrations))
}

func TestOrphanedProjectSeeded(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, New(nil).Run(ctx, s))

	row, err := s.FetchOne(ctx, `SELECT name FROM projects WHERE id = ?`, OrphanedProjectID)
	require.NoError(t, err)
	require.NotNil(t, row)
	require.Equal(t, "_orphaned", row["name"])
}

func TestMigrateTaskIDsToUUIDEmbedsShortHash(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	m := New(nil)
	require.NoError(t, m.Run(ctx, s))

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.Execute(ctx, `INSERT INTO tasks (id, project_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		"gt-abcdef", OrphanedProjectID, "legacy task", now, now)
	require.NoError(t, err)
	_, err = s.Execute(ctx, `INSERT INTO tasks (id, project_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		"child-of-legacy", OrphanedProjectID, "child", now, now)
	require.NoError(t, err)
	_, err = s.Execute(ctx, `UPDATE tasks SET parent_task_id = 'gt-abcdef' WHERE id = 'child-of-legacy'`)
	require.NoError(t, err)
	_, err = s.Execute(ctx, `INSERT INTO task_dependencies (task_id, depends_on) VALUES ('child-of-legacy', 'gt-abcdef')`)
	require.NoError(t, err)

	require.NoError(t, migrateTaskIDsToUUID(ctx, s))

	rows, err := s.FetchAll(ctx, `SELECT id FROM tasks WHERE id LIKE 'gt-%'`)
	require.NoError(t, err)
	require.Empty(t, rows, "no gt-* ids should remain")

	uuidPattern := regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-abcdef[0-9a-f]{6}$`)
	newRow, err := s.FetchOne(ctx, `SELECT id FROM tasks WHERE title = 'legacy task'`)
	require.NoError(t, err)
	newID, _ := newRow["id"].(string)
	require.Regexp(t, uuidPattern, newID)
	require.Len(t, newID, 36)

	childRow, err := s.FetchOne(ctx, `SELECT parent_task_id FROM tasks WHERE title = 'child'`)
	require.NoError(t, err)
	require.Equal(t, newID, childRow["parent_task_id"])

	depRow, err := s.FetchOne(ctx, `SELECT depends_on FROM task_dependencies WHERE task_id = 'child-of-legacy'`)
	require.NoError(t, err)
	require.Equal(t, newID, depRow["depends_on"])
}

func TestBackfillSeqNumIsDenseAndOrdered(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, New(nil).Run(ctx, s))

	base := time.Now().UTC()
	ids := []string{"t1", "t2", "t3"}
	for i, id := range ids {
		created := base.Add(time.Duration(i) * time.Minute).Format(time.RFC3339)
		_, err := s.Execute(ctx, `INSERT INTO tasks (id, project_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			id, OrphanedProjectID, id, created, created)
		require.NoError(t, err)
	}

	require.NoError(t, backfillSeqNum(ctx, s))

	for i, id := range ids {
		row, err := s.FetchOne(ctx, `SELECT seq_num FROM tasks WHERE id = ?`, id)
		require.NoError(t, err)
		require.EqualValues(t, i+1, row["seq_num"])
	}
}

func TestBackfillPathCacheOrdersRootsBeforeChildren(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, New(nil).Run(ctx, s))

	now := time.Now().UTC().Format(time.RFC3339)
	insert := func(id, parent string, seq int) {
		_, err := s.Execute(ctx, `INSERT INTO tasks (id, project_id, title, seq_num, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
			id, OrphanedProjectID, id, seq, now, now)
		require.NoError(t, err)
		if parent != "" {
			_, err := s.Execute(ctx, `UPDATE tasks SET parent_task_id = ? WHERE id = ?`, parent, id)
			require.NoError(t, err)
		}
	}
	insert("root", "", 1)
	insert("child", "root", 2)

	require.NoError(t, backfillPathCache(ctx, s))

	rootRow, err := s.FetchOne(ctx, `SELECT path_cache FROM tasks WHERE id = 'root'`)
	require.NoError(t, err)
	require.Equal(t, "/1", rootRow["path_cache"])

	childRow, err := s.FetchOne(ctx, `SELECT path_cache FROM tasks WHERE id = 'child'`)
	require.NoError(t, err)
	require.Equal(t, "/1/2", childRow["path_cache"])
}
