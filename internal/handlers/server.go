package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mossy-p/pantheon/config"
	"github.com/mossy-p/pantheon/internal/auth"
	"github.com/mossy-p/pantheon/internal/logger"
	"github.com/mossy-p/pantheon/internal/middleware"
	"github.com/mossy-p/pantheon/internal/signaling"
)

// Server exposes a Hub over HTTP and websockets
type Server struct {
	cfg      *config.Config
	hub      *signaling.Hub
	auth     *auth.Authenticator
	logger   *slog.Logger
	origins  *OriginPolicy
	upgrader websocket.Upgrader
	now      func() time.Time
}

func NewServer(cfg *config.Config, hub *signaling.Hub, a *auth.Authenticator) *Server {
	origins := NewOriginPolicy(cfg.AllowedOrigins)
	return &Server{
		cfg:     cfg,
		hub:     hub,
		auth:    a,
		logger:  logger.Logger("http"),
		origins: origins,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.CheckOrigin,
		},
		now: time.Now,
	}
}

// Router builds the gin engine serving every endpoint
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	if s.cfg.Environment != "production" {
		router.Use(gin.Logger())
	}

	// Global CORS middleware (runs before routing)
	router.Use(s.origins.Middleware())

	router.GET("/health", s.Health)
	router.POST("/turn-token", middleware.SharedSecretAuth(s.auth), s.TURNToken)
	router.GET("/turn-token", middleware.SharedSecretAuth(s.auth), s.TURNToken)

	apiGroup := router.Group("/api")
	{
		// Device token issuance, keyed by the shared secret itself
		apiGroup.POST("/auth/token", s.IssueToken)

		// Scope inspection
		apiGroup.GET("/scopes/:scopeId", middleware.SharedSecretAuth(s.auth), s.GetScope)
	}

	// WebSocket signaling endpoint
	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/signal", s.HandleSignaling)
	}

	return router
}

// Health reports liveness and registry counters
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"scopeCount":     s.hub.ScopeCount(),
		"connectedPeers": s.hub.ConnectedPeers(),
	})
}
