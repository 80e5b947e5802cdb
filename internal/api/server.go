package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"crypto-paper-trader/config"
	"crypto-paper-trader/internal/circuit"
	"crypto-paper-trader/internal/database"
	"crypto-paper-trader/internal/engine"
	"crypto-paper-trader/internal/events"
	"crypto-paper-trader/internal/logging"
)

// Server exposes the trading engine over HTTP and pushes events over
// WebSocket.
type Server struct {
	router   *gin.Engine
	engine   *engine.Engine
	repo     *database.Repository
	breakers *circuit.Registry
	hub      *Hub
	logger   *logging.Logger
	http     *http.Server
	config   config.ServerConfig
}

// NewServer wires the routes and the WebSocket hub.
func NewServer(cfg config.ServerConfig, eng *engine.Engine, repo *database.Repository, breakers *circuit.Registry, bus *events.Bus, logger *logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins == "*" || cfg.AllowedOrigins == "" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(cfg.AllowedOrigins, ",")
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:   router,
		engine:   eng,
		repo:     repo,
		breakers: breakers,
		hub:      NewHub(logger),
		logger:   logger.WithComponent("api"),
		config:   cfg,
	}
	s.setupRoutes()

	// Everything published on the bus reaches connected dashboards.
	bus.SubscribeAll(s.hub.BroadcastEvent)

	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ws", s.hub.HandleConnection)

	api := s.router.Group("/api")
	{
		api.GET("/opportunities", s.handleOpportunities)
		api.GET("/candidates", s.handleCandidates)
		api.GET("/recommendations", s.handleRecommendations)
		api.POST("/recommendations/generate", s.handleGenerateRecommendations)

		api.GET("/approvals", s.handleListApprovals)
		api.POST("/approvals/:id/approve", s.handleApprove)
		api.POST("/approvals/:id/reject", s.handleReject)

		api.GET("/positions", s.handlePositions)
		api.GET("/stats/execution", s.handleExecutionStats)
		api.GET("/stats/monitoring", s.handleMonitoringStats)
		api.GET("/circuit-breakers", s.handleBreakers)
	}
}

// Start runs the HTTP server and the WebSocket hub.
func (s *Server) Start() error {
	go s.hub.Run()

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
	}

	s.logger.Info("HTTP server listening", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
