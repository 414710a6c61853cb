// Package api serves the read-only operational status endpoints. This is
// the process's own health surface, not the dashboard API, which lives in a
// separate service.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"perp-trading-agent/internal/cache"
	"perp-trading-agent/internal/coordinator"
	"perp-trading-agent/internal/database"
	"perp-trading-agent/internal/exchange"
	"perp-trading-agent/internal/logging"
	"perp-trading-agent/internal/portfolio"
	"perp-trading-agent/internal/regime"
	"perp-trading-agent/internal/risk"
)

// Config holds server settings.
type Config struct {
	Host           string
	Port           string
	AllowedOrigins string
}

// Server exposes /healthz and /status.
type Server struct {
	engine *gin.Engine
	http   *http.Server

	client      exchange.Client
	db          *database.DB
	cacheSvc    *cache.Service
	store       *regime.Store
	riskMgr     *risk.Manager
	portfolioMgr *portfolio.Manager
	coord       *coordinator.Coordinator
	log         *logging.Logger
}

// New builds the server and its routes.
func New(cfg Config, client exchange.Client, db *database.DB, cacheSvc *cache.Service, store *regime.Store, riskMgr *risk.Manager, pm *portfolio.Manager, coord *coordinator.Coordinator) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins == "" || cfg.AllowedOrigins == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(cfg.AllowedOrigins, ",")
	}
	engine.Use(cors.New(corsConfig))

	s := &Server{
		engine:       engine,
		client:       client,
		db:           db,
		cacheSvc:     cacheSvc,
		store:        store,
		riskMgr:      riskMgr,
		portfolioMgr: pm,
		coord:        coord,
		log:          logging.New("api"),
	}

	engine.GET("/healthz", s.handleHealth)
	engine.GET("/status", s.handleStatus)

	s.http = &http.Server{
		Addr:         cfg.Host + ":" + cfg.Port,
		Handler:      engine,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() {
	s.log.Info().Str("addr", s.http.Addr).Msg("status server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.log.Error().Err(err).Msg("status server failed")
	}
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := gin.H{}
	healthy := true

	if err := s.client.HealthCheck(ctx); err != nil {
		checks["exchange"] = err.Error()
		healthy = false
	} else {
		checks["exchange"] = "ok"
	}

	if s.db != nil {
		if err := s.db.HealthCheck(ctx); err != nil {
			checks["database"] = err.Error()
			healthy = false
		} else {
			checks["database"] = "ok"
		}
	}

	if s.cacheSvc != nil {
		if s.cacheSvc.IsHealthy() {
			checks["redis"] = "ok"
		} else {
			checks["redis"] = "degraded"
		}
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"healthy": healthy, "checks": checks})
}

func (s *Server) handleStatus(c *gin.Context) {
	tripped, reason := s.riskMgr.BreakerTripped()

	status := gin.H{
		"time":          time.Now().UTC(),
		"regime":        s.store.Get(),
		"regime_valid":  s.store.IsValid(),
		"breaker":       gin.H{"tripped": tripped, "reason": reason},
		"rate_limiter":  s.client.Stats(),
		"portfolio":     s.portfolioMgr.Summarize(),
		"error_counts":  s.coord.ErrorCounts(),
	}
	c.JSON(http.StatusOK, status)
}
