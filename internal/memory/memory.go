// Package memory implements the Memory/Skill Registry (C5): content
// addressed memories with importance decay, access-debouncing, and
// crossrefs. Embedding blobs are handed to an embedded vector collection
// (philippgille/chromem-go) purely as opaque storage — no similarity
// search is performed here, matching the embedding-search Non-goal.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"

	"github.com/gobby-dev/gobbyd/internal/logging"
	"github.com/gobby-dev/gobbyd/internal/model"
	"github.com/gobby-dev/gobbyd/internal/store"
)

// DefaultDebounceWindow bounds how often a single memory's access_count /
// last_accessed_at may be bumped.
const DefaultDebounceWindow = 60 * time.Second

// DefaultDecayRatePerMonth is how much importance erodes per month,
// whether or not the memory is accessed; DefaultMinimumImportance is the
// floor it decays toward.
const (
	DefaultDecayRatePerMonth = 0.05
	DefaultMinimumImportance = 0.05
)

// Registry is the Memory/Skill Registry.
type Registry struct {
	store          *store.Store
	logger         logging.Logger
	debounceWindow time.Duration
	decayRate      float64
	minImportance  float64
	embeddingStore *chromem.DB
	embeddingCol   *chromem.Collection
}

// Option configures a Registry.
type Option func(*Registry)

// WithDebounceWindow overrides the access-update debounce window.
func WithDebounceWindow(d time.Duration) Option { return func(r *Registry) { r.debounceWindow = d } }

// WithDecay overrides the monthly decay rate and importance floor.
func WithDecay(ratePerMonth, floor float64) Option {
	return func(r *Registry) { r.decayRate = ratePerMonth; r.minImportance = floor }
}

// New returns a Registry backed by s, with an in-process chromem-go
// collection used as the embedding blob store.
func New(s *store.Store, logger logging.Logger, opts ...Option) (*Registry, error) {
	db := chromem.NewDB()
	col, err := db.CreateCollection("tool_embeddings", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("memory: create embedding collection: %w", err)
	}

	r := &Registry{
		store:          s,
		logger:         logging.OrNop(logger),
		debounceWindow: DefaultDebounceWindow,
		decayRate:      DefaultDecayRatePerMonth,
		minImportance:  DefaultMinimumImportance,
		embeddingStore: db,
		embeddingCol:   col,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// RememberResult is the outcome of Remember.
type RememberResult struct {
	Memory *model.Memory
	Saved  bool
	Reason string // set when Saved is false, e.g. "duplicate"
}

// Remember stores content if it isn't already present for the project
// (content-addressed idempotence); a duplicate call returns Saved=false.
func (r *Registry) Remember(ctx context.Context, content string, memoryType model.MemoryType, projectID string, importance float64, tags []string) (*RememberResult, error) {
	if content == "" {
		return &RememberResult{Saved: false, Reason: "missing content"}, nil
	}

	exists, err := r.ContentExists(ctx, content, projectID)
	if err != nil {
		return nil, err
	}
	if exists {
		return &RememberResult{Saved: false, Reason: "duplicate"}, nil
	}

	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.store.Execute(ctx, `
		INSERT INTO memories (id, project_id, memory_type, content, importance, access_count, tags, last_decay_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
	`, id, nullIfEmpty(projectID), string(memoryType), content, clampImportance(importance), string(tagsJSON), now, now, now)
	if err != nil {
		return nil, fmt.Errorf("memory: insert: %w", err)
	}

	m, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &RememberResult{Memory: m, Saved: true}, nil
}

// ContentExists reports whether a memory with this exact content already
// exists for the project.
func (r *Registry) ContentExists(ctx context.Context, content, projectID string) (bool, error) {
	row, err := r.store.FetchOne(ctx, `
		SELECT id FROM memories WHERE content = ? AND project_id IS ?
	`, content, nullIfEmpty(projectID))
	if err != nil {
		return false, err
	}
	return row != nil, nil
}

// Get returns a memory by id, or nil if not found.
func (r *Registry) Get(ctx context.Context, id string) (*model.Memory, error) {
	row, err := r.store.FetchOne(ctx, `SELECT * FROM memories WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	return fromRecord(row), nil
}

// Recall returns memories for a project ordered by importance, highest
// first, with ties broken by the most recent update. No combined score is
// computed: embeddings, similarity and recency of access are not
// consulted. limit bounds the result size; importanceFloor excludes
// memories below that importance.
func (r *Registry) Recall(ctx context.Context, projectID string, limit int, importanceFloor float64) ([]*model.Memory, error) {
	rows, err := r.store.FetchAll(ctx, `
		SELECT * FROM memories WHERE project_id IS ? AND importance >= ?
		ORDER BY importance DESC, updated_at DESC
		LIMIT ?
	`, nullIfEmpty(projectID), importanceFloor, limit)
	if err != nil {
		return nil, err
	}

	out := make([]*model.Memory, 0, len(rows))
	for _, row := range rows {
		m := fromRecord(row)
		if err := r.touchAccess(ctx, m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// touchAccess bumps access_count/last_accessed_at, debounced so a memory
// is updated at most once per debounceWindow.
func (r *Registry) touchAccess(ctx context.Context, m *model.Memory) error {
	now := time.Now().UTC()
	if m.LastAccessedAt != nil && now.Sub(*m.LastAccessedAt) < r.debounceWindow {
		return nil
	}
	_, err := r.store.Execute(ctx, `
		UPDATE memories SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ?
	`, now.Format(time.RFC3339), m.ID)
	if err != nil {
		return err
	}
	m.AccessCount++
	m.LastAccessedAt = &now
	return nil
}

// averageDaysPerMonth is the Gregorian mean month length, used to convert
// elapsed wall-clock time into fractional months for decay proration.
const averageDaysPerMonth = 365.2425 / 12

// DecayImportance prorates each memory's importance by the fraction of a
// month elapsed since its last decay pass (or creation, for a memory never
// decayed before), compounding at decayRate per full month. A maintenance
// sweep that runs every 15 minutes therefore erodes importance at the
// documented monthly rate instead of applying a full month's decay on
// every tick.
func (r *Registry) DecayImportance(ctx context.Context) (int64, error) {
	rows, err := r.store.FetchAll(ctx, `SELECT id, importance, last_decay_at, created_at FROM memories`)
	if err != nil {
		return 0, fmt.Errorf("memory: decay select: %w", err)
	}

	// Timestamps are stored at second precision, so compare at that
	// precision too: a row written earlier in this same second has not aged.
	now := time.Now().UTC().Truncate(time.Second)
	nowStr := now.Format(time.RFC3339)

	var decayed int64
	for _, row := range rows {
		last, err := parseTime(row["last_decay_at"])
		if err != nil {
			last, err = parseTime(row["created_at"])
			if err != nil {
				continue
			}
		}

		elapsedMonths := now.Sub(last).Hours() / (24 * averageDaysPerMonth)
		if elapsedMonths <= 0 {
			continue
		}

		importance := asFloat64(row["importance"])
		next := math.Max(r.minImportance, importance*math.Pow(1.0-r.decayRate, elapsedMonths))

		if _, err := r.store.Execute(ctx, `
			UPDATE memories SET importance = ?, last_decay_at = ? WHERE id = ?
		`, next, nowStr, asString(row["id"])); err != nil {
			return decayed, fmt.Errorf("memory: decay update %s: %w", asString(row["id"]), err)
		}
		decayed++
	}
	return decayed, nil
}

// AddCrossref records a similarity link between two memories.
func (r *Registry) AddCrossref(ctx context.Context, sourceID, targetID string, similarity float64) error {
	_, err := r.store.Execute(ctx, `
		INSERT OR REPLACE INTO memory_crossrefs (source_id, target_id, similarity) VALUES (?, ?, ?)
	`, sourceID, targetID, similarity)
	return err
}

// StoreToolEmbedding stashes a tool's embedding vector and change-detection
// hash in the chromem-go collection, purely as a blob store — this is
// deliberately not a similarity search index.
func (r *Registry) StoreToolEmbedding(ctx context.Context, toolID string, vector []float32, textHash string) error {
	return r.embeddingCol.AddDocuments(ctx, []chromem.Document{{
		ID:        toolID,
		Content:   textHash,
		Embedding: vector,
		Metadata:  map[string]string{"text_hash": textHash},
	}}, 1)
}

func clampImportance(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func fromRecord(row store.Record) *model.Memory {
	m := &model.Memory{
		ID:          asString(row["id"]),
		MemoryType:  model.MemoryType(asString(row["memory_type"])),
		Content:     asString(row["content"]),
		Importance:  asFloat64(row["importance"]),
		AccessCount: int(asInt64(row["access_count"])),
	}
	m.ProjectID = asStringPtr(row["project_id"])
	m.SourceType = asStringPtr(row["source_type"])
	m.SourceSessionID = asStringPtr(row["source_session_id"])
	if tags := asString(row["tags"]); tags != "" {
		_ = json.Unmarshal([]byte(tags), &m.Tags)
	}
	if s, ok := row["last_accessed_at"].(string); ok && s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			m.LastAccessedAt = &t
		}
	}
	if s, ok := row["last_decay_at"].(string); ok && s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			m.LastDecayAt = &t
		}
	}
	m.CreatedAt, _ = parseTime(row["created_at"])
	m.UpdatedAt, _ = parseTime(row["updated_at"])
	return m
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

func asFloat64(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	default:
		return 0
	}
}
