package server

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/pdfbot/session"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status           string `json:"status"`
	Timestamp        int64  `json:"timestamp"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
	BackendConnected bool   `json:"backend_connected"`
	ActiveSessions   int    `json:"active_sessions"`
	StorageType      string `json:"storage_type"`
	ActiveTasks      int    `json:"active_tasks"`
	Error            string `json:"error,omitempty"`
}

type limitInfo struct {
	MaxRequests   int     `json:"max_requests"`
	WindowSeconds float64 `json:"window_seconds"`
	TrackedUsers  int     `json:"tracked_users"`
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	Timestamp     int64                `json:"timestamp"`
	UptimeSeconds int64                `json:"uptime_seconds"`
	Storage       session.Stats        `json:"storage"`
	ActiveTasks   int                  `json:"active_tasks"`
	Limits        map[string]limitInfo `json:"limits"`
}

func (s *Server) uptime() int64 {
	return int64(s.deps.Clock().Sub(s.started).Seconds())
}

func (s *Server) backendStats(ctx context.Context) session.Stats {
	if s.deps.Sessions == nil {
		return session.Stats{Backend: "none", Error: "session backend not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, s.deps.StatsTimeout)
	defer cancel()
	return s.deps.Sessions.GetStats(ctx)
}

func (s *Server) activeTasks() int {
	if s.deps.Tasks == nil {
		return 0
	}
	return s.deps.Tasks.Len()
}

func (s *Server) root(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"service": "pdfbot",
		"status":  "running",
		"endpoints": map[string]string{
			"/health":           "Health check endpoint",
			"/stats":            "Session backend and limiter statistics",
			"/metrics":          "Prometheus metrics",
			"/tasks/:id/cancel": "Request cancellation of a running task",
		},
	})
}

// health returns 200 while the selected session backend answers, 503 otherwise.
func (s *Server) health(c echo.Context) error {
	st := s.backendStats(c.Request().Context())
	resp := HealthResponse{
		Status:           "healthy",
		Timestamp:        s.deps.Clock().Unix(),
		UptimeSeconds:    s.uptime(),
		BackendConnected: st.Connected,
		ActiveSessions:   st.ActiveSessions,
		StorageType:      st.Backend,
		ActiveTasks:      s.activeTasks(),
		Error:            st.Error,
	}
	code := http.StatusOK
	if !st.Connected {
		resp.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}

func (s *Server) stats(c echo.Context) error {
	resp := StatsResponse{
		Timestamp:     s.deps.Clock().Unix(),
		UptimeSeconds: s.uptime(),
		Storage:       s.backendStats(c.Request().Context()),
		ActiveTasks:   s.activeTasks(),
		Limits:        map[string]limitInfo{},
	}
	for _, class := range s.deps.Limits.Classes() {
		l := s.deps.Limits.Get(class)
		resp.Limits[class] = limitInfo{
			MaxRequests:   l.Max(),
			WindowSeconds: l.Window().Seconds(),
			TrackedUsers:  l.Users(),
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// cancelTask flags a running task. Unknown or finished tasks are a 404.
func (s *Server) cancelTask(c echo.Context) error {
	id := c.Param("id")
	if s.deps.Tasks == nil || !s.deps.Tasks.Cancel(id) {
		return echo.NewHTTPError(http.StatusNotFound, "task not found or already finished")
	}
	s.logger.Info("cancel requested", "task", id)
	return c.JSON(http.StatusOK, map[string]any{"cancelled": true, "task_id": id})
}
