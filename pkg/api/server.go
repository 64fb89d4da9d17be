// Package api is the northbound HTTP surface of the fabric.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/streamplex/streamplex/pkg/cache"
	"github.com/streamplex/streamplex/pkg/config"
	"github.com/streamplex/streamplex/pkg/logclient"
	"github.com/streamplex/streamplex/pkg/metrics"
	"github.com/streamplex/streamplex/pkg/registry"
	"github.com/streamplex/streamplex/pkg/session"
)

// Server wires the HTTP routes to the fabric's components.
type Server struct {
	echo     *echo.Echo
	registry *registry.Registry
	sessions *session.Controller
	cache    *cache.Cache
	log      *logclient.Client
	sink     *metrics.Sink
	cfg      *config.Config

	httpServer *http.Server
}

// NewServer creates the API server and registers all routes.
func NewServer(cfg *config.Config, reg *registry.Registry, sessions *session.Controller, readCache *cache.Cache, log *logclient.Client, sink *metrics.Sink) *Server {
	e := echo.New()

	s := &Server{
		echo:     e,
		registry: reg,
		sessions: sessions,
		cache:    readCache,
		log:      log,
		sink:     sink,
		cfg:      cfg,
	}

	e.Use(securityHeaders())
	e.Use(corsMiddleware(cfg.CORSOrigins))
	e.Use(s.requestMetrics())
	if cfg.AuthToken != "" {
		e.Use(bearerAuth(cfg.AuthToken))
	}

	e.GET("/health", s.healthHandler)
	e.GET("/metrics", func(c *echo.Context) error {
		promhttp.Handler().ServeHTTP(c.Response(), c.Request())
		return nil
	})

	e.POST("/v1/subscribe", s.subscribeHandler)
	e.DELETE("/v1/unsubscribe", s.unsubscribeHandler)
	e.POST("/v1/publish/:streamId", s.publishHandler)
	e.GET("/v1/session/:sessionId", s.getSessionHandler)
	e.POST("/v1/session/:sessionId/touch", s.touchSessionHandler)
	e.DELETE("/v1/session/:sessionId", s.deleteSessionHandler)
	e.GET("/v1/streams/:streamId", s.readStreamHandler)
	e.HEAD("/v1/streams/:streamId", s.readStreamHandler)

	return s
}

// Echo exposes the underlying router for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start serves HTTP on addr and blocks until the listener fails.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
		// No write timeout: long-poll reads legitimately hold the
		// connection for the poll window.
	}
	slog.Info("HTTP server listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// project resolves the project for a request: explicit query parameter or
// body field first, then the configured default.
func (s *Server) project(explicit string) string {
	if explicit != "" {
		return explicit
	}
	return s.cfg.Project
}

func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
