// Package httpapi is the thin gin-gonic/gin adapter the front-end CLIs
// and MCP clients talk to. It translates JSON hook events into
// hooks.Event/hooks.Response and proxies MCP tool calls through the
// Transport Pool; it defines no behavior of its own.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gobby-dev/gobbyd/internal/hooks"
	"github.com/gobby-dev/gobbyd/internal/logging"
	"github.com/gobby-dev/gobbyd/internal/mcp"
	"github.com/gobby-dev/gobbyd/internal/telemetry"
)

// Server wires the Hook Pipeline and MCP Pool behind a gin.Engine.
type Server struct {
	logger   logging.Logger
	pipeline *hooks.Pipeline
	mcpPool  *mcp.Pool
	metrics  *telemetry.Metrics
	engine   *gin.Engine
}

// Config controls CORS and the optional metrics route; the listen address
// is passed to Run.
type Config struct {
	AllowedOrigins []string
	Metrics        *telemetry.Metrics // nil disables GET /metrics
}

// New builds the router. Call Run(addr) or ServeHTTP directly (e.g. from
// httptest) to exercise it.
func New(pipeline *hooks.Pipeline, mcpPool *mcp.Pool, logger logging.Logger, cfg Config) *Server {
	logger = logging.OrNop(logger)
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(logger))

	corsCfg := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	corsCfg.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	engine.Use(cors.New(corsCfg))

	s := &Server{logger: logger, pipeline: pipeline, mcpPool: mcpPool, metrics: cfg.Metrics, engine: engine}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler, for httptest or a custom
// net/http.Server.
func (s *Server) Handler() http.Handler { return s.engine }

// Run blocks, serving on addr.
func (s *Server) Run(addr string) error {
	return s.engine.Run(addr)
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.POST("/hooks/:event_type", s.handleHook)
	s.engine.POST("/mcp/:server/tools/:tool", s.handleCallTool)
	s.engine.GET("/mcp/:server/tools", s.handleListTools)
	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))
	}
}

func requestLogger(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("httpapi: %s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
