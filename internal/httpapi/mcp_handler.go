package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const defaultToolCallTimeout = 30 * time.Second

type toolCallResponse struct {
	Status         string `json:"status"`
	Result         any    `json:"result,omitempty"`
	ResponseTimeMS int64  `json:"response_time_ms"`
	Error          string `json:"error,omitempty"`
}

func (s *Server) handleCallTool(c *gin.Context) {
	server := c.Param("server")
	tool := c.Param("tool")

	var args map[string]any
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&args); err != nil {
			c.JSON(http.StatusBadRequest, toolCallResponse{Status: "error", Error: err.Error()})
			return
		}
	}

	if s.mcpPool == nil {
		c.JSON(http.StatusServiceUnavailable, toolCallResponse{Status: "error", Error: "mcp pool not configured"})
		return
	}

	start := time.Now()
	raw, err := s.mcpPool.CallTool(c.Request.Context(), server, tool, args, defaultToolCallTimeout)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		c.JSON(http.StatusOK, toolCallResponse{Status: "error", Error: err.Error(), ResponseTimeMS: elapsed})
		return
	}

	c.JSON(http.StatusOK, toolCallResponse{Status: "ok", Result: rawJSON(raw), ResponseTimeMS: elapsed})
}

func (s *Server) handleListTools(c *gin.Context) {
	server := c.Param("server")

	if s.mcpPool == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "mcp pool not configured"})
		return
	}

	tools, err := s.mcpPool.CachedTools(c.Request.Context(), server)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]toolSchemaDTO, len(tools))
	for i, t := range tools {
		out[i] = toolSchemaDTO{Name: t.Name, Description: t.Description, InputSchema: rawJSON(t.InputSchema)}
	}
	c.JSON(http.StatusOK, gin.H{"tools": out})
}

type toolSchemaDTO struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	InputSchema rawJSON `json:"inputSchema,omitempty"`
}

// rawJSON lets json.RawMessage results pass through gin's encoder
// unmodified instead of being base64-encoded as a plain []byte would be.
type rawJSON []byte

func (r rawJSON) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}
