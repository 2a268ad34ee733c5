// Package api serves the current mission, its history and metrics over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aristath/nexus/internal/orchestrator"
	"github.com/aristath/nexus/internal/persistence"
	"github.com/aristath/nexus/internal/scheduler"
	"github.com/aristath/nexus/internal/vcs"
)

// MissionControl is the subset of the controller the API drives.
type MissionControl interface {
	Current() (*orchestrator.Mission, bool)
	Cancel() bool
	OpenPullRequest(ctx context.Context) (vcs.RequestRef, error)
}

// History is the read side of the mission store.
type History interface {
	GetMission(ctx context.Context, missionID string) (*persistence.MissionRecord, error)
	ListMissions(ctx context.Context, limit int) ([]persistence.MissionRecord, error)
	ListStatuses(ctx context.Context, missionID string) ([]scheduler.StatusRecord, error)
	ListFeedback(ctx context.Context, missionID, writerID string) ([]persistence.FeedbackEntry, error)
	ListPublications(ctx context.Context, missionID string) ([]persistence.Publication, error)
}

// Config holds the server's collaborators. History and Gatherer are optional.
type Config struct {
	Addr     string
	Control  MissionControl
	History  History
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// Server provides the HTTP endpoints.
type Server struct {
	echo   *echo.Echo
	cfg    Config
	logger *zap.Logger
}

// NewServer creates a server and registers its routes.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Control == nil {
		return nil, errors.New("api: mission control is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Debug("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{echo: e, cfg: cfg, logger: logger}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)

	if s.cfg.Gatherer != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	g := s.echo.Group("/api")
	g.GET("/mission", s.handleMission)
	g.POST("/mission/cancel", s.handleCancel)
	g.POST("/mission/pull-request", s.handlePullRequest)
	g.GET("/missions", s.handleListMissions)
	g.GET("/missions/:id", s.handleGetMission)
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// HealthResponse is the response body for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// CancelResponse is the response body for POST /api/mission/cancel.
type CancelResponse struct {
	Mission string             `json:"missionId"`
	Stage   orchestrator.Stage `json:"stage"`
}

// PullRequestResponse is the response body for POST /api/mission/pull-request.
type PullRequestResponse struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
}

// MissionDetail is the response body for GET /api/missions/:id.
type MissionDetail struct {
	Mission      persistence.MissionRecord   `json:"mission"`
	Statuses     []scheduler.StatusRecord    `json:"statuses"`
	Feedback     []persistence.FeedbackEntry `json:"feedback"`
	Publications []persistence.Publication   `json:"publications"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleMission(c echo.Context) error {
	m, ok := s.cfg.Control.Current()
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, orchestrator.ErrNoMission.Error())
	}
	return c.JSON(http.StatusOK, m.Snapshot())
}

func (s *Server) handleCancel(c echo.Context) error {
	m, ok := s.cfg.Control.Current()
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, orchestrator.ErrNoMission.Error())
	}
	if m.Stage() != orchestrator.StageExecuting {
		return echo.NewHTTPError(http.StatusConflict, "mission is not executing")
	}
	s.cfg.Control.Cancel()
	s.logger.Info("cancel requested over http", zap.String("mission", m.ID))
	return c.JSON(http.StatusAccepted, CancelResponse{Mission: m.ID, Stage: m.Stage()})
}

func (s *Server) handlePullRequest(c echo.Context) error {
	ref, err := s.cfg.Control.OpenPullRequest(c.Request().Context())
	switch {
	case errors.Is(err, orchestrator.ErrNoMission):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrNotReviewable), errors.Is(err, orchestrator.ErrNoBranch):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, orchestrator.ErrNoPublisher):
		return echo.NewHTTPError(http.StatusNotImplemented, err.Error())
	case err != nil:
		s.logger.Warn("open pull request failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusCreated, PullRequestResponse{Number: ref.Number, URL: ref.URL})
}

func (s *Server) handleListMissions(c echo.Context) error {
	if s.cfg.History == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "no mission store configured")
	}
	limit := 20
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		limit = n
	}
	missions, err := s.cfg.History.ListMissions(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	if missions == nil {
		missions = []persistence.MissionRecord{}
	}
	return c.JSON(http.StatusOK, missions)
}

func (s *Server) handleGetMission(c echo.Context) error {
	if s.cfg.History == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "no mission store configured")
	}
	ctx := c.Request().Context()
	id := c.Param("id")

	m, err := s.cfg.History.GetMission(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if err != nil {
		return err
	}
	detail := MissionDetail{Mission: *m}
	if detail.Statuses, err = s.cfg.History.ListStatuses(ctx, id); err != nil {
		return err
	}
	if detail.Feedback, err = s.cfg.History.ListFeedback(ctx, id, ""); err != nil {
		return err
	}
	if detail.Publications, err = s.cfg.History.ListPublications(ctx, id); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, detail)
}

// Start serves until Shutdown is called. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.cfg.Addr))
	if err := s.echo.Start(s.cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
