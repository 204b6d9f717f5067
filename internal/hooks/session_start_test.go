package hooks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gobby-dev/gobbyd/internal/model"
)

type fakeParentLookup struct {
	parent        *model.Session
	updatedParent string
}

func (f *fakeParentLookup) FindParent(ctx context.Context, machineID, projectID, source, status string) (*model.Session, error) {
	return f.parent, nil
}

func (f *fakeParentLookup) UpdateParentSessionID(ctx context.Context, id, parentID string) (*model.Session, error) {
	f.updatedParent = parentID
	return &model.Session{ID: id, ParentSessionID: &parentID}, nil
}

func TestSessionStartHandlerOnStartupEnhancesWithoutParentLookup(t *testing.T) {
	lookup := &fakeParentLookup{parent: &model.Session{ID: "parent-1"}}
	handler := NewSessionStartHandler(lookup)

	sess := &model.Session{ID: "int-1", ExternalID: "sess-ext-1", MachineID: "m1", ProjectID: "proj-1"}
	event := Event{EventType: "session_start", Source: "claude", MachineID: "m1", Timestamp: time.Now(), Data: map[string]any{"source": "startup"}}

	resp, err := handler(context.Background(), event, sess, nil)
	require.NoError(t, err)
	require.Contains(t, resp.SystemMessage, "Session enhanced by gobby")
	require.Equal(t, "sess-ext-1", resp.Metadata["external_id"])
	require.Empty(t, lookup.updatedParent)
}

func TestSessionStartHandlerOnResumeSkipsParentLookup(t *testing.T) {
	lookup := &fakeParentLookup{parent: &model.Session{ID: "parent-1"}}
	handler := NewSessionStartHandler(lookup)

	sess := &model.Session{ID: "int-1", ExternalID: "sess-ext-1", MachineID: "m1", ProjectID: "proj-1"}
	event := Event{EventType: "session_start", Source: "claude", MachineID: "m1", Timestamp: time.Now(), Data: map[string]any{"source": "resume"}}

	resp, err := handler(context.Background(), event, sess, nil)
	require.NoError(t, err)
	require.Equal(t, "Session enhanced by gobby", resp.SystemMessage)
	require.NotContains(t, resp.SystemMessage, "Context restored")
	require.Empty(t, lookup.updatedParent, "resume must never trigger a parent lookup")
}

func TestSessionStartHandlerOnClearRestoresParentContext(t *testing.T) {
	summary := "previous session summary"
	lookup := &fakeParentLookup{parent: &model.Session{ID: "parent-1", SummaryMarkdown: &summary}}
	handler := NewSessionStartHandler(lookup)

	sess := &model.Session{ID: "int-1", ExternalID: "sess-ext-1", MachineID: "m1", ProjectID: "proj-1"}
	event := Event{EventType: "session_start", Source: "claude", MachineID: "m1", Timestamp: time.Now(), Data: map[string]any{"source": "clear"}}

	resp, err := handler(context.Background(), event, sess, nil)
	require.NoError(t, err)
	require.Contains(t, resp.SystemMessage, "Context restored")
	require.Equal(t, "parent-1", resp.Metadata["parent_session_id"])
	require.Equal(t, summary, resp.Context)
	require.Equal(t, "parent-1", lookup.updatedParent)
}

func TestSessionStartHandlerOnClearWithNoParentFallsBackToEnhancement(t *testing.T) {
	lookup := &fakeParentLookup{}
	handler := NewSessionStartHandler(lookup)

	sess := &model.Session{ID: "int-1", ExternalID: "sess-ext-1", MachineID: "m1", ProjectID: "proj-1"}
	event := Event{EventType: "session_start", Source: "claude", MachineID: "m1", Timestamp: time.Now(), Data: map[string]any{"source": "clear"}}

	resp, err := handler(context.Background(), event, sess, nil)
	require.NoError(t, err)
	require.Equal(t, "Session enhanced by gobby", resp.SystemMessage)
}

func TestSessionStartHandlerNilSessionIsNoop(t *testing.T) {
	handler := NewSessionStartHandler(&fakeParentLookup{})
	resp, err := handler(context.Background(), Event{EventType: "session_start"}, nil, nil)
	require.NoError(t, err)
	require.Nil(t, resp)
}
