// Package api exposes the admin HTTP surface: health, stats, session
// inspection and control, scheduler status.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/common/config"
	"github.com/threadline/threadline/internal/common/logger"
	"github.com/threadline/threadline/internal/gateway"
	"github.com/threadline/threadline/internal/scheduler"
)

// SetupRoutes configures the admin API routes.
func SetupRoutes(router *gin.Engine, svc *gateway.Service, sched *scheduler.Scheduler, log *logger.Logger) {
	handler := NewHandler(svc, sched, log)

	router.GET("/healthz", handler.Health)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/stats", handler.GetStats)
		v1.GET("/sessions", handler.ListSessions)

		sessions := v1.Group("/sessions/:key")
		{
			sessions.GET("", handler.GetSessionStats)
			sessions.POST("/kill", handler.KillSession)
			sessions.POST("/stop", handler.StopSession)
			sessions.POST("/model", handler.OverrideModel)
		}

		v1.GET("/scheduler/status", handler.SchedulerStatus)
	}
}

// Server wraps the admin HTTP server lifecycle.
type Server struct {
	srv *http.Server
	log *logger.Logger
}

// NewServer builds the gin engine and binds it per the server config.
func NewServer(cfg config.ServerConfig, svc *gateway.Service, sched *scheduler.Scheduler, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	SetupRoutes(router, svc, sched, log)

	return &Server{
		srv: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeoutDuration(),
			WriteTimeout: cfg.WriteTimeoutDuration(),
		},
		log: log.WithFields(zap.String("component", "admin-api")),
	}
}

// Start serves until Shutdown. Blocks; run in a goroutine or errgroup.
func (s *Server) Start() error {
	s.log.Info("Admin API listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
