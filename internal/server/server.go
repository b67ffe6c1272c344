// Package server assembles the stores, services and HTTP surface into one
// running registry.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"warehouse/internal/auth"
	"warehouse/internal/config"
	"warehouse/internal/crates"
	"warehouse/internal/registry"
	"warehouse/internal/storage"
)

// shutdownTimeout bounds how long in-flight requests may take on shutdown.
const shutdownTimeout = 10 * time.Second

// Server is the assembled registry application.
type Server struct {
	echo *echo.Echo
	cfg  *config.Config
	log  *log.Logger
}

// New builds the stores and wires every HTTP surface onto one echo instance.
func New(cfg *config.Config, logger *log.Logger) (*Server, error) {
	blobs, err := storage.NewCAS(filepath.Join(cfg.Storage.DockerRoot, "blobs"), logger)
	if err != nil {
		return nil, err
	}
	uploads, err := storage.NewUploadManager(filepath.Join(cfg.Storage.DockerRoot, "uploads"), logger)
	if err != nil {
		return nil, err
	}
	tags, err := storage.NewTagStore(filepath.Join(cfg.Storage.DockerRoot, "repositories"), logger)
	if err != nil {
		return nil, err
	}
	crateStore, err := crates.NewStore(cfg.Storage.CratesRoot, logger)
	if err != nil {
		return nil, err
	}

	authSvc, err := auth.NewService(auth.Config{
		Enabled:  cfg.Auth.Enabled,
		Realm:    cfg.Auth.Realm,
		Service:  cfg.Auth.Service,
		Username: cfg.Auth.Username,
		Password: cfg.Auth.Password,
		Secret:   cfg.Auth.Secret,
		TokenTTL: cfg.Auth.TokenTTL,
	}, logger)
	if err != nil {
		return nil, err
	}
	throttle := auth.NewThrottle(cfg.Auth.FailuresPerSec, cfg.Auth.FailureBurst)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger(logger))

	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})

	tokenHandler := auth.NewTokenHandler(authSvc, throttle, logger)
	e.GET("/token", tokenHandler.Issue)

	registryHandler := registry.NewHandler(blobs, uploads, tags, logger)
	registryHandler.Register(e.Group("/v2", authSvc.Middleware(throttle)))

	crateHandler := crates.NewHandler(crateStore, cfg.Server.BaseURL, logger)
	crateHandler.Register(
		e.Group("/api/v1/crates"),
		e.Group("/index"),
		authSvc.RequireToken(throttle),
	)

	collector := registry.NewCollector(blobs, tags, logger)
	e.POST("/admin/docker/gc", collector.Handle, authSvc.RequireToken(throttle))

	crateCollector := crates.NewCollector(crateStore, logger)
	e.POST("/admin/crates/gc", crateCollector.Handle, authSvc.RequireToken(throttle))

	return &Server{echo: e, cfg: cfg, log: logger}, nil
}

// Start serves until the context is cancelled, then drains connections.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server listening", "address", s.cfg.Server.Listen)
		if err := s.echo.Start(s.cfg.Server.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	s.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}

// Handler exposes the routing tree, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func requestLogger(logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Debug("request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", c.Response().Status,
				"duration", time.Since(start))
			return err
		}
	}
}
