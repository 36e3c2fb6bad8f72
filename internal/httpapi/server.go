// Package httpapi exposes the run control surface over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rolloutd/internal/config"
	"github.com/fyrsmithlabs/rolloutd/internal/plan"
	"github.com/fyrsmithlabs/rolloutd/internal/run"
	"github.com/fyrsmithlabs/rolloutd/internal/scheduler"
)

// Server provides the rolloutd HTTP API.
type Server struct {
	echo   *echo.Echo
	runs   *run.Service
	logger *zap.Logger
	cfg    config.HTTPConfig
}

// NewServer creates the HTTP server. registry backs /metrics; pass the
// registry the orchestrator metrics were registered with.
func NewServer(runs *run.Service, registry *prometheus.Registry, logger *zap.Logger, cfg config.HTTPConfig) (*Server, error) {
	if runs == nil {
		return nil, fmt.Errorf("run service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:   e,
		runs:   runs,
		logger: logger,
		cfg:    cfg,
	}
	s.registerRoutes(registry)
	return s, nil
}

func (s *Server) registerRoutes(registry *prometheus.Registry) {
	s.echo.GET("/health", s.handleHealth)
	if registry != nil {
		s.echo.GET("/metrics", echo.WrapHandler(
			promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	v1 := s.echo.Group("/api/v1")
	v1.POST("/runs", s.handleStartRun)
	v1.GET("/runs", s.handleListRuns)
	v1.GET("/runs/:id", s.handleRunStatus)
	v1.POST("/runs/:id/cancel", s.handleCancelRun)
	v1.POST("/runs/:id/rollback", s.handleRollbackRun)
}

// StartRunRequest is the body for POST /api/v1/runs.
type StartRunRequest struct {
	Items []plan.Item `json:"items"`
}

// StartRunResponse is the response for POST /api/v1/runs.
type StartRunResponse struct {
	RunID string `json:"run_id"`
}

// ErrorResponse carries an error message and the run exit code the
// error maps to.
type ErrorResponse struct {
	Error    string `json:"error"`
	ExitCode int    `json:"exit_code"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStartRun(c echo.Context) error {
	var req StartRunRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid run request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	p := &plan.Plan{Items: req.Items}
	if err := p.Validate(); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:    err.Error(),
			ExitCode: scheduler.ExitValidationGate,
		})
	}

	runID, err := s.runs.Start(c.Request().Context(), p)
	if err != nil {
		// Graph errors fail fast before any dispatch.
		return c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error:    err.Error(),
			ExitCode: scheduler.ExitCode(err),
		})
	}
	return c.JSON(http.StatusAccepted, StartRunResponse{RunID: runID})
}

func (s *Server) handleListRuns(c echo.Context) error {
	return c.JSON(http.StatusOK, s.runs.List())
}

func (s *Server) handleRunStatus(c echo.Context) error {
	snap, err := s.runs.Status(c.Param("id"))
	if err != nil {
		return s.runError(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) handleCancelRun(c echo.Context) error {
	if err := s.runs.Cancel(c.Param("id")); err != nil {
		return s.runError(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleRollbackRun(c echo.Context) error {
	if err := s.runs.Rollback(c.Request().Context(), c.Param("id")); err != nil {
		return s.runError(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) runError(c echo.Context, err error) error {
	if errors.Is(err, run.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// Start begins serving and blocks until Shutdown or failure.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	return s.echo.Start(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler returns the underlying handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
