// Package api serves the read-only status HTTP interface: engine health,
// open positions, regime and factor state, and recent trade history.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"coin-portfolio-bot/internal/analyzer"
	"coin-portfolio-bot/internal/factors"
	"coin-portfolio-bot/internal/ledger"
)

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int      `json:"port"`
	ProductionMode bool     `json:"production_mode"`
	AllowOrigins   []string `json:"allow_origins"`
}

// EngineAPI is the slice of the engine the status server reads.
type EngineAPI interface {
	Status() map[string]interface{}
	Regimes() map[string]analyzer.RegimeState
	Factors() map[string]factors.DynamicFactors
	Positions() map[string]ledger.Position
	RecentTrades(ctx context.Context, limit int) ([]ledger.ClosedTrade, error)
}

// BreakerAPI is the slice of the circuit breaker the server touches.
type BreakerAPI interface {
	GetStats() map[string]interface{}
	ForceReset()
}

// Server wraps the gin router and the HTTP listener.
type Server struct {
	router  *gin.Engine
	httpSrv *http.Server
	config  ServerConfig
	engine  EngineAPI
	breaker BreakerAPI
}

// NewServer creates the status API server
func NewServer(config ServerConfig, engine EngineAPI, breaker BreakerAPI) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(config.AllowOrigins) > 0 {
		corsConfig.AllowOrigins = config.AllowOrigins
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:5173"}
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:  router,
		config:  config,
		engine:  engine,
		breaker: breaker,
	}
	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/positions", s.handlePositions)
		api.GET("/regimes", s.handleRegimes)
		api.GET("/factors", s.handleFactors)
		api.GET("/trades", s.handleTrades)
		api.GET("/breaker", s.handleBreakerStats)
		api.POST("/breaker/reset", s.handleBreakerReset)
	}
}

// Start begins listening. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: s.router,
	}

	log.Printf("[API] Status server listening on :%d", s.config.Port)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router exposes the router for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Status())
}

func (s *Server) handlePositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"positions": s.engine.Positions()})
}

func (s *Server) handleRegimes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"regimes": s.engine.Regimes()})
}

func (s *Server) handleFactors(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"factors": s.engine.Factors()})
}

func (s *Server) handleTrades(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be 1-500"})
			return
		}
		limit = parsed
	}

	trades, err := s.engine.RecentTrades(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) handleBreakerStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.breaker.GetStats())
}

func (s *Server) handleBreakerReset(c *gin.Context) {
	s.breaker.ForceReset()
	log.Printf("[API] Circuit breaker manually reset")
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}
