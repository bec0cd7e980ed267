// Package server exposes the health, stats, metrics and task cancellation
// endpoints.
//
// The server reports on the task registry it is given and does not run work
// itself. Host it in the process whose pipelines register tasks in that same
// registry; otherwise active_tasks stays 0 and every cancel is a 404.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammad-safakhou/pdfbot/internal/logging"
	"github.com/mohammad-safakhou/pdfbot/internal/metrics"
	"github.com/mohammad-safakhou/pdfbot/internal/ratelimit"
	"github.com/mohammad-safakhou/pdfbot/internal/tasks"
	"github.com/mohammad-safakhou/pdfbot/session"
)

// SessionBackend is the part of the session adapter the server reports on.
type SessionBackend interface {
	Kind() string
	GetStats(ctx context.Context) session.Stats
}

// Deps wires the server to the running components. Metrics, Limits and Logger are optional.
type Deps struct {
	Sessions SessionBackend
	Tasks    *tasks.Registry
	Limits   *ratelimit.Set
	Metrics  *metrics.Metrics
	Logger   *log.Logger
	// StatsTimeout bounds the backend stats call made by /health and /stats.
	StatsTimeout time.Duration
	Clock        func() time.Time
}

// Server is the operational HTTP surface.
type Server struct {
	e       *echo.Echo
	deps    Deps
	logger  *log.Logger
	started time.Time
}

func New(d Deps) *Server {
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.StatsTimeout <= 0 {
		d.StatsTimeout = 5 * time.Second
	}
	logger := logging.Discard()
	if d.Logger != nil {
		logger = logging.Component(d.Logger, "HTTP")
	}
	s := &Server{e: echo.New(), deps: d, logger: logger, started: d.Clock()}

	e := s.e
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = s.handleError

	e.GET("/", s.root)
	e.GET("/health", s.health)
	e.GET("/stats", s.stats)
	if d.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(d.Metrics.Registry, promhttp.HandlerOpts{})))
	}
	e.POST("/tasks/:id/cancel", s.cancelTask)
	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.e }

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errCh <- s.e.Start(addr)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

// handleError renders every error as {"error": msg}.
func (s *Server) handleError(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if he.Message != nil {
			msg = fmt.Sprint(he.Message)
		}
	}
	req := c.Request()
	s.logger.Warn("request failed", "code", code, "method", req.Method, "path", req.URL.Path, "remote", c.RealIP(), "err", err)
	if !c.Response().Committed {
		_ = c.JSON(code, map[string]string{"error": msg})
	}
}
