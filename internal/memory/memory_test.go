package memory

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
	reg, err := New(s, nil)
	require.NoError(t, err)
	return reg, migrate.OrphanedProjectID
}

func TestRememberIsIdempotentOnContent(t *testing.T) {
	reg, project := newTestRegistry(t)
	ctx := context.Background()

	first, err := reg.Remember(ctx, "prefers tabs over spaces", model.MemoryPreference, project, 0.8, []string{"style"})
	require.NoError(t, err)
	require.True(t, first.Saved)

	second, err := reg.Remember(ctx, "prefers tabs over spaces", model.MemoryPreference, project, 0.8, []string{"style"})
	require.NoError(t, err)
	require.False(t, second.Saved)
	require.Equal(t, "duplicate", second.Reason)
}

func TestRememberClampsImportance(t *testing.T) {
	reg, project := newTestRegistry(t)
	ctx := context.Background()

	res, err := reg.Remember(ctx, "over the top importance", model.MemoryFact, project, 5.0, nil)
	require.NoError(t, err)
	require.True(t, res.Saved)
	require.Equal(t, 1.0, res.Memory.Importance)
}

func TestRecallOrdersByImportanceAndFiltersFloor(t *testing.T) {
	reg, project := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Remember(ctx, "low importance fact", model.MemoryFact, project, 0.1, nil)
	require.NoError(t, err)
	_, err = reg.Remember(ctx, "high importance fact", model.MemoryFact, project, 0.9, nil)
	require.NoError(t, err)

	results, err := reg.Recall(ctx, project, 10, 0.5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "high importance fact", results[0].Content)
}

func TestRecallDebouncesAccessUpdates(t *testing.T) {
	reg, project := newTestRegistry(t)
	reg.debounceWindow = time.Hour
	ctx := context.Background()

	_, err := reg.Remember(ctx, "debounced fact", model.MemoryFact, project, 0.9, nil)
	require.NoError(t, err)

	first, err := reg.Recall(ctx, project, 10, 0)
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.Equal(t, 1, first[0].AccessCount)

	second, err := reg.Recall(ctx, project, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, second[0].AccessCount, "second access within debounce window must not bump access_count")
}

func TestDecayImportanceFloorsAtMinimumAfterElapsedMonth(t *testing.T) {
	reg, project := newTestRegistry(t)
	reg.decayRate = 1.0 // fully decay per elapsed month, to exercise the floor
	reg.minImportance = 0.05
	ctx := context.Background()

	res, err := reg.Remember(ctx, "will decay hard", model.MemoryFact, project, 0.9, nil)
	require.NoError(t, err)
	backdateLastDecay(t, reg, res.Memory.ID, 60*24*time.Hour)

	n, err := reg.DecayImportance(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	results, err := reg.Recall(ctx, project, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 0.05, results[0].Importance)
}

func TestDecayImportanceSkipsMemoriesDecayedWithinTheSameSweep(t *testing.T) {
	reg, project := newTestRegistry(t)
	reg.decayRate = 0.5
	ctx := context.Background()

	_, err := reg.Remember(ctx, "just created", model.MemoryFact, project, 0.9, nil)
	require.NoError(t, err)

	n, err := reg.DecayImportance(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), n, "a memory decayed moments ago shouldn't decay again this tick")

	results, err := reg.Recall(ctx, project, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 0.9, results[0].Importance)
}

func TestDecayImportanceProratesPartialMonth(t *testing.T) {
	reg, project := newTestRegistry(t)
	reg.decayRate = 0.5 // half the importance per full month
	ctx := context.Background()

	res, err := reg.Remember(ctx, "half decayed", model.MemoryFact, project, 0.8, nil)
	require.NoError(t, err)
	backdateLastDecay(t, reg, res.Memory.ID, 15*24*time.Hour) // roughly half a month

	n, err := reg.DecayImportance(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	results, err := reg.Recall(ctx, project, 10, 0)
	require.NoError(t, err)
	// half a month at a 0.5/month rate: 0.8 * 0.5^0.5 ~= 0.566, well short of
	// the 0.4 a full month's decay would produce.
	require.InDelta(t, 0.566, results[0].Importance, 0.02)
}

func backdateLastDecay(t *testing.T, reg *Registry, memoryID string, age time.Duration) {
	t.Helper()
	backdated := time.Now().UTC().Add(-age).Format(time.RFC3339)
	_, err := reg.store.Execute(context.Background(),
		`UPDATE memories SET last_decay_at = ? WHERE id = ?`, backdated, memoryID)
	require.NoError(t, err)
}

func TestAddCrossrefIsUpsertable(t *testing.T) {
	reg, project := newTestRegistry(t)
	ctx := context.Background()

	a, err := reg.Remember(ctx, "memory a", model.MemoryFact, project, 0.5, nil)
	require.NoError(t, err)
	b, err := reg.Remember(ctx, "memory b", model.MemoryFact, project, 0.5, nil)
	require.NoError(t, err)

	require.NoError(t, reg.AddCrossref(ctx, a.Memory.ID, b.Memory.ID, 0.42))
	require.NoError(t, reg.AddCrossref(ctx, a.Memory.ID, b.Memory.ID, 0.77))

	rows, err := reg.store.FetchAll(ctx, `SELECT * FROM memory_crossrefs WHERE source_id = ?`, a.Memory.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, 0.77, rows[0]["similarity"])
}
