// Package api hosts the HTTP surface of the relance service: health,
// Prometheus metrics and the /api/v2 query routes.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tourcraft/relances/internal/errors"
	"github.com/tourcraft/relances/internal/logger"
)

const defaultListen = ":8080"

// Config configures a Server.
type Config struct {
	Listen string
	// Gatherer backs /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer
	// Health is called by /healthz. A nil func always reports healthy.
	Health func(ctx context.Context) error
	Log    logger.Logger
}

// Server is the echo instance of the service.
type Server struct {
	echo   *echo.Echo
	listen string
	health func(ctx context.Context) error
	log    logger.Logger
}

// NewServer creates a Server with the base routes registered.
func NewServer(cfg Config) *Server {
	if cfg.Listen == "" {
		cfg.Listen = defaultListen
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Log == nil {
		cfg.Log = logger.NewNopLogger()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, listen: cfg.Listen, health: cfg.Health, log: cfg.Log.Named("http")}
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		HandleError: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			fields := []logger.Field{
				logger.String("method", v.Method),
				logger.String("uri", v.URI),
				logger.Int("status", v.Status),
				logger.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				s.log.Warn("request failed", append(fields, logger.Error(v.Error))...)
				return nil
			}
			s.log.Debug("request", fields...)
			return nil
		},
	}))

	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	return s
}

// Echo exposes the router so API groups can register on it.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) handleHealth(c echo.Context) error {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("http server listening", logger.String("listen", s.listen))
	if err := s.echo.Start(s.listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, errors.CategoryConfiguration, "failed to start http server")
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	return nil
}
