package hooks

import (
	"context"

	"github.com/gobby-dev/gobbyd/internal/model"
)

// sessionStartRegistry is the subset of the Session Registry the
// session-start handler drives: parent-session lookup for handoff and
// persisting the resolved parent onto the new session.
type sessionStartRegistry interface {
	FindParent(ctx context.Context, machineID, projectID, source, status string) (*model.Session, error)
	UpdateParentSessionID(ctx context.Context, id, parentID string) (*model.Session, error)
}

// NewSessionStartHandler returns the event-specific handler (§4.8 step 9)
// for "session_start". It implements the session-start specifics: on
// event.Data["source"]=="clear" it looks up a handoff-ready parent session
// in the same (machine_id, project_id) and, if found, restores its context;
// on "resume" it enhances the session without any parent lookup, to avoid
// self-parenting on compact/resume events; any other source (including a
// freshly registered "startup" session) gets a plain enhancement message.
func NewSessionStartHandler(sessions sessionStartRegistry) EventHandler {
	return func(ctx context.Context, event Event, sess *model.Session, tsk *model.Task) (*Response, error) {
		if sess == nil {
			return nil, nil
		}

		resp := &Response{
			Decision:      Allow,
			SystemMessage: "Session enhanced by gobby",
			Metadata:      map[string]any{"external_id": sess.ExternalID},
		}

		source, _ := event.Data["source"].(string)
		if source != "clear" {
			return resp, nil
		}

		parent, err := sessions.FindParent(ctx, sess.MachineID, sess.ProjectID, event.Source, string(model.SessionHandoffReady))
		if err != nil || parent == nil {
			return resp, nil
		}

		if _, err := sessions.UpdateParentSessionID(ctx, sess.ID, parent.ID); err != nil {
			return resp, nil
		}

		resp.SystemMessage = "Context restored from a previous session"
		resp.Metadata["parent_session_id"] = parent.ID
		if parent.CompactMarkdown != nil && *parent.CompactMarkdown != "" {
			resp.appendContext(*parent.CompactMarkdown)
		} else if parent.SummaryMarkdown != nil && *parent.SummaryMarkdown != "" {
			resp.appendContext(*parent.SummaryMarkdown)
		}
		return resp, nil
	}
}
