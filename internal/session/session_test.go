package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gobby-dev/gobbyd/internal/migrate"
	"github.com/gobby-dev/gobbyd/internal/model"
	"github.com/gobby-dev/gobbyd/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "gobby.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, migrate.New(nil).Run(context.Background(), s))
	return New(s, nil), migrate.OrphanedProjectID
}

func TestRegisterIsIdempotentOnCompositeKey(t *testing.T) {
	reg, project := newTestRegistry(t)
	ctx := context.Background()

	first, err := reg.Register(ctx, RegisterParams{
		ExternalID: "ext-1", MachineID: "m1", Source: "claude", ProjectID: project, Title: "A",
	})
	require.NoError(t, err)
	require.Equal(t, 1, first.SeqNum)

	second, err := reg.Register(ctx, RegisterParams{
		ExternalID: "ext-1", MachineID: "m1", Source: "claude", ProjectID: project, Title: "B",
	})
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	require.Equal(t, "B", *second.Title)
	require.Equal(t, model.SessionActive, second.Status)
}

func TestRegisterAllocatesDenseSeqNumPerProject(t *testing.T) {
	reg, project := newTestRegistry(t)
	ctx := context.Background()

	a, err := reg.Register(ctx, RegisterParams{ExternalID: "a", MachineID: "m", Source: "claude", ProjectID: project})
	require.NoError(t, err)
	b, err := reg.Register(ctx, RegisterParams{ExternalID: "b", MachineID: "m", Source: "claude", ProjectID: project})
	require.NoError(t, err)

	require.Equal(t, 1, a.SeqNum)
	require.Equal(t, 2, b.SeqNum)
}

func TestFindParentScopesToMachineProjectStatus(t *testing.T) {
	reg, project := newTestRegistry(t)
	ctx := context.Background()

	s, err := reg.Register(ctx, RegisterParams{ExternalID: "a", MachineID: "m1", Source: "claude", ProjectID: project})
	require.NoError(t, err)
	_, err = reg.UpdateStatus(ctx, s.ID, model.SessionHandoffReady)
	require.NoError(t, err)

	parent, err := reg.FindParent(ctx, "m1", project, "", string(model.SessionHandoffReady))
	require.NoError(t, err)
	require.NotNil(t, parent)
	require.Equal(t, s.ID, parent.ID)

	none, err := reg.FindParent(ctx, "m-other", project, "", string(model.SessionHandoffReady))
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestExpireStaleSessions(t *testing.T) {
	reg, project := newTestRegistry(t)
	ctx := context.Background()

	s, err := reg.Register(ctx, RegisterParams{ExternalID: "a", MachineID: "m", Source: "claude", ProjectID: project})
	require.NoError(t, err)

	old := time.Now().UTC().Add(-48 * time.Hour).Format(time.RFC3339)
	_, err = reg.store.Execute(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, old, s.ID)
	require.NoError(t, err)

	n, err := reg.ExpireStaleSessions(ctx, 24)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	got, err := reg.Get(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, model.SessionExpired, got.Status)
}
