package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/miosa-osa/osa/internal/domain/agent"
	"github.com/miosa-osa/osa/internal/domain/entity"
	"github.com/miosa-osa/osa/internal/domain/memory"
	"github.com/miosa-osa/osa/internal/domain/service"
	"github.com/miosa-osa/osa/internal/domain/signal"
	domaintool "github.com/miosa-osa/osa/internal/domain/tool"
	"github.com/miosa-osa/osa/internal/infrastructure/eventbus"
	"github.com/miosa-osa/osa/internal/infrastructure/persistence"
)

// AgentService is the session surface the HTTP layer drives. The service
// registry satisfies it.
type AgentService interface {
	HandleMessage(ctx context.Context, sessionID, channel, input string) (*service.TurnResult, error)
	Cancel(sessionID string) bool
	Snapshot(ctx context.Context, sessionID string) (*entity.Session, error)
	Active() []string
}

// Config tunes the HTTP server.
type Config struct {
	Host        string
	Port        int
	Mode        string // debug, release
	RequireAuth bool
	Secret      string
}

// Deps carries everything the handlers need.
type Deps struct {
	Agent        AgentService
	Classifier   *signal.Classifier
	Orchestrator *agent.Orchestrator
	Swarms       *agent.SwarmManager
	Dispatcher   *domaintool.Dispatcher
	Tools        *domaintool.Registry
	Sessions     *persistence.GormSessionRepository
	Log          *persistence.SessionStore
	Memory       *memory.Manager
	Bus          *eventbus.Bus
	WS           http.HandlerFunc // websocket upgrade endpoint, nil disables /ws
	Version      string
	Provider     string
	Model        string
}

// Server is the gin HTTP surface.
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// NewServer builds the router and wraps it in an http.Server.
func NewServer(cfg Config, deps Deps, logger *zap.Logger) *Server {
	if cfg.Mode == "release" || cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.Port <= 0 {
		cfg.Port = 8089
	}

	router := NewRouter(cfg, deps, logger)
	return &Server{
		server: &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler: router,
		},
		logger: logger.With(zap.String("component", "http")),
	}
}

// NewRouter builds the gin engine with every route mounted. Split from
// NewServer so tests can drive it with httptest.
func NewRouter(cfg Config, deps Deps, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	h := &handler{deps: deps, logger: logger, commands: builtinCommands(deps)}

	router.GET("/health", h.health)
	if deps.WS != nil {
		router.GET("/ws", gin.WrapF(deps.WS))
	}

	v1 := router.Group("/api/v1")
	if cfg.RequireAuth {
		v1.Use(HMACAuth(cfg.Secret, NewNonceCache(nonceWindow), logger))
	}
	{
		v1.POST("/orchestrate", h.orchestrate)
		v1.POST("/classify", h.classify)
		v1.POST("/orchestrate/complex", h.orchestrateComplex)
		v1.GET("/orchestrate/:task_id/progress", h.orchestrateProgress)

		v1.POST("/swarm/launch", h.swarmLaunch)
		v1.GET("/swarm", h.swarmList)
		v1.GET("/swarm/:id", h.swarmGet)
		v1.DELETE("/swarm/:id", h.swarmCancel)

		v1.POST("/tools/:name/execute", h.toolExecute)

		v1.GET("/sessions", h.sessionList)
		v1.GET("/sessions/:id", h.sessionGet)
		v1.GET("/sessions/:id/messages", h.sessionMessages)

		v1.GET("/stream/:session_id", h.stream)

		v1.GET("/commands", h.commandList)
		v1.POST("/commands/execute", h.commandExecute)

		v1.POST("/memory", h.memorySave)
		v1.GET("/memory/recall", h.memoryRecall)
	}
	return router
}

// Start begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("HTTP server starting", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop drains and shuts down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("HTTP server stopping")
	return s.server.Shutdown(ctx)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		)
	}
}
