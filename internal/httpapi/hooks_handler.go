package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gobby-dev/gobbyd/internal/hooks"
)

// hookEventBody matches the wire shape front-end CLIs post for every
// hook event type.
type hookEventBody struct {
	SessionID string         `json:"session_id"`
	Source    string         `json:"source"`
	CWD       string         `json:"cwd"`
	MachineID string         `json:"machine_id"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

type hookResponseBody struct {
	Decision      string         `json:"decision"`
	Reason        string         `json:"reason,omitempty"`
	Context       string         `json:"context,omitempty"`
	SystemMessage string         `json:"system_message,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// handleHook always returns 200, per the fail-open contract: the
// front-end CLI must never abort because the daemon errored.
func (s *Server) handleHook(c *gin.Context) {
	eventType := c.Param("event_type")

	var body hookEventBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusOK, gin.H{"status": "error", "message": err.Error(), "error_logged": true})
		return
	}

	ts := time.Now()
	if parsed, err := time.Parse(time.RFC3339, body.Timestamp); err == nil {
		ts = parsed
	}

	if s.pipeline == nil {
		c.JSON(http.StatusOK, hookResponseBody{Decision: string(hooks.Allow)})
		return
	}

	resp := s.pipeline.Handle(c.Request.Context(), hooks.Event{
		EventType: eventType,
		SessionID: body.SessionID,
		Source:    body.Source,
		CWD:       body.CWD,
		MachineID: body.MachineID,
		Timestamp: ts,
		Data:      body.Data,
	})

	c.JSON(http.StatusOK, hookResponseBody{
		Decision:      string(resp.Decision),
		Reason:        resp.Reason,
		Context:       resp.Context,
		SystemMessage: resp.SystemMessage,
		Metadata:      resp.Metadata,
	})
}
