package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gobby.db")
	s, err := Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestExecuteAndFetch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Execute(ctx, `CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`)
	require.NoError(t, err)

	n, err := s.Execute(ctx, `INSERT INTO widgets (id, name) VALUES (?, ?)`, 1, "gizmo")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	row, err := s.FetchOne(ctx, `SELECT id, name FROM widgets WHERE id = ?`, 1)
	require.NoError(t, err)
	require.NotNil(t, row)
	require.Equal(t, "gizmo", row["name"])

	missing, err := s.FetchOne(ctx, `SELECT id, name FROM widgets WHERE id = ?`, 99)
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestFetchAll(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Execute(ctx, `CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`)
	require.NoError(t, err)
	for i, name := range []string{"a", "b", "c"} {
		_, err := s.Execute(ctx, `INSERT INTO widgets (id, name) VALUES (?, ?)`, i+1, name)
		require.NoError(t, err)
	}

	rows, err := s.FetchAll(ctx, `SELECT name FROM widgets ORDER BY id`)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "a", rows[0]["name"])
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Execute(ctx, `CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`)
	require.NoError(t, err)

	sentinel := errors.New("boom")
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, execErr := tx.ExecContext(ctx, `INSERT INTO widgets (id, name) VALUES (?, ?)`, 2, "rolled-back"); execErr != nil {
			return execErr
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	row, fetchErr := s.FetchOne(ctx, `SELECT id FROM widgets WHERE id = ?`, 2)
	require.NoError(t, fetchErr)
	require.Nil(t, row, "rolled back insert must not be visible")
}

func TestWithTxCommitsOnSuccess(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Execute(ctx, `CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`)
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		_, execErr := tx.ExecContext(ctx, `INSERT INTO widgets (id, name) VALUES (?, ?)`, 3, "committed")
		return execErr
	})
	require.NoError(t, err)

	row, fetchErr := s.FetchOne(ctx, `SELECT name FROM widgets WHERE id = ?`, 3)
	require.NoError(t, fetchErr)
	require.Equal(t, "committed", row["name"])
}
