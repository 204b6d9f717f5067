// Package hooks implements the Hook Pipeline (C8): the per-event state
// machine that resolves session/project/task context, consults the
// Workflow Engine and registered webhooks/plugins, dispatches an
// event-specific handler, and broadcasts the outcome — all fail-open, so
// a broken downstream component degrades to "allow" rather than blocking
// the caller's front-end CLI.
package hooks

import (
	"time"

	"github.com/gobby-dev/gobbyd/internal/model"
)

// Decision is the pipeline's final verdict for one event.
type Decision string

const (
	Allow Decision = "allow"
	Block Decision = "block"
	Ask   Decision = "ask"
	Deny  Decision = "deny"
)

// Event is the inbound hook payload from a front-end CLI.
type Event struct {
	EventType string
	SessionID string // external id
	Source    string
	CWD       string
	MachineID string
	Timestamp time.Time
	Data      map[string]any
}

// Response is what Handle returns to the caller.
type Response struct {
	Decision      Decision
	Reason        string
	Context       string
	SystemMessage string
	Metadata      map[string]any
}

func (r *Response) appendContext(s string) {
	if s == "" {
		return
	}
	if r.Context == "" {
		r.Context = s
		return
	}
	r.Context = r.Context + "\n\n" + s
}

// sessionInfo and taskInfo wrap a resolved session and task. Event-specific
// handlers do not receive them: EventHandler is called with *model.Session
// and *model.Task directly.
type sessionInfo struct {
	*model.Session
}

type taskInfo struct {
	*model.Task
}
