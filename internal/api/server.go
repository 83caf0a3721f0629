package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/quantfabric/connmgr/internal/config"
	"github.com/quantfabric/connmgr/internal/logging"
	"github.com/quantfabric/connmgr/internal/manager"
)

// Server exposes the manager's health, stats, and metrics over HTTP.
type Server struct {
	cfg config.ServerConfig
	mgr *manager.Manager
	log *logging.Logger
	srv *http.Server
}

// NewServer builds the admin server around a started manager.
func NewServer(cfg config.ServerConfig, mgr *manager.Manager, log *logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg: cfg,
		mgr: mgr,
		log: log,
	}

	handlers := newHandlers(mgr)
	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)
	router.GET("/stats", handlers.Stats)
	router.GET("/endpoints", handlers.Endpoints)
	router.GET("/metrics", handlers.Metrics)

	s.srv = &http.Server{
		Addr:              cfg.Address(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.log.Info("admin server listening", zap.String("addr", s.cfg.Address()))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until the context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
