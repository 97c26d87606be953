// Package http is the gin HTTP surface: workflow execution with SSE or
// NDJSON streaming, HITL endpoints (REST + websocket), session, workspace
// and tool passthrough, health and metrics.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"maestro/internal/logging"
	"maestro/internal/server/app"
)

// Options tune the HTTP server around the coordinator.
type Options struct {
	Addr         string
	Debug        bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server owns the gin engine and its http.Server.
type Server struct {
	coordinator *app.Coordinator
	engine      *gin.Engine
	httpServer  *http.Server
	upgrader    websocket.Upgrader
	logger      logging.Logger
}

// NewServer builds the router. Addr defaults to :8080.
func NewServer(coordinator *app.Coordinator, opts Options, logger logging.Logger) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	// Streaming responses stay open for the whole workflow; the write
	// timeout must cover the workflow deadline, so it is left unset.

	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Requested-With"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	s := &Server{
		coordinator: coordinator,
		engine:      engine,
		logger:      logging.OrNop(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	engine.Use(s.requestLog())
	engine.Use(s.requestMetrics())
	s.routes()

	s.httpServer = &http.Server{
		Addr:        opts.Addr,
		Handler:     engine,
		ReadTimeout: opts.ReadTimeout,
	}
	return s
}

func (s *Server) routes() {
	wf := &workflowHandler{coordinator: s.coordinator, logger: s.logger}
	hh := &hitlHandler{coordinator: s.coordinator, upgrader: &s.upgrader, logger: s.logger}
	sh := &sessionHandler{coordinator: s.coordinator}
	th := &toolsHandler{coordinator: s.coordinator}
	ws := &workspaceHandler{coordinator: s.coordinator}

	s.engine.POST("/workflow/execute", wf.execute)
	s.engine.POST("/workflow/pause/:workflow_id", wf.pause)
	s.engine.POST("/workflow/resume/:workflow_id", wf.resume)
	s.engine.POST("/workflow/cancel/:workflow_id", wf.cancel)
	s.engine.GET("/workflow/status/:workflow_id", wf.status)

	s.engine.GET("/hitl/pending", hh.pending)
	s.engine.POST("/hitl/respond/:request_id", hh.respond)
	s.engine.GET("/hitl/ws", hh.socket)
	s.engine.GET("/hitl/ws/:workflow_id", hh.socket)

	s.engine.GET("/sessions", sh.list)
	s.engine.GET("/sessions/:id", sh.get)
	s.engine.DELETE("/sessions/:id", sh.delete)

	s.engine.GET("/tools", th.list)
	s.engine.POST("/tools/execute", th.execute)

	s.engine.GET("/workspace/files", ws.files)
	s.engine.GET("/workspace/read", ws.read)
	s.engine.POST("/workspace/write", ws.write)
	s.engine.POST("/workspace/set", ws.set)

	s.engine.GET("/health", s.health)
	if m := s.coordinator.Metrics(); m != nil {
		s.engine.GET("/metrics", gin.WrapH(m.Handler()))
	}
}

func (s *Server) health(c *gin.Context) {
	respondOK(c, s.coordinator.HealthCheck())
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("%s %s -> %d (%s)",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Millisecond))
	}
}

func (s *Server) requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if m := s.coordinator.Metrics(); m != nil {
			route := c.FullPath()
			if route == "" {
				route = "unmatched"
			}
			m.ObserveHTTP(route, c.Writer.Status(), time.Since(start))
		}
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start blocks serving until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
