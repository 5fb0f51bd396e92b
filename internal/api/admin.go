package api

import (
	"context"
	"crypto/subtle"
	"io"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/tphakala/offlinecache/internal/cachestorage"
	"github.com/tphakala/offlinecache/internal/lifecycle"
	"github.com/tphakala/offlinecache/internal/logger"
	"github.com/tphakala/offlinecache/internal/observability/metrics"
	"github.com/tphakala/offlinecache/internal/offline"
	"golang.org/x/crypto/bcrypt"
)

// HealthResponse is the body of GET /_worker/health.
type HealthResponse struct {
	Status        string             `json:"status"`
	Version       string             `json:"version"`
	State         offline.State      `json:"state"`
	ActiveVersion string             `json:"active_version"`
	Clients       int                `json:"clients"`
	Counters      map[string]float64 `json:"counters"`
	Process       *ProcessStats      `json:"process,omitempty"`
}

// ProcessStats is resource usage of the serving process.
type ProcessStats struct {
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
}

// CacheInfo describes one cache generation.
type CacheInfo struct {
	Name    string                   `json:"name"`
	Active  bool                     `json:"active"`
	Entries []cachestorage.EntryInfo `json:"entries"`
	Bytes   int64                    `json:"bytes"`
}

// LifecycleResponse is returned by the install and activate routes.
type LifecycleResponse struct {
	Version       string        `json:"version"`
	State         offline.State `json:"state"`
	ActiveVersion string        `json:"active_version"`
}

func (s *Server) registerAdminRoutes() {
	g := s.echo.Group(AdminPrefix)
	if s.settings.Admin.PasswordHash != "" {
		g.Use(middleware.BasicAuth(s.checkAdmin))
	}
	g.GET("/health", s.GetHealth)
	g.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	g.GET("/caches", s.GetCaches)
	g.POST("/install", s.PostInstall)
	g.POST("/activate", s.PostActivate)
	g.POST("/sync/:tag", s.PostSync)
	g.POST("/push", s.PostPush, middleware.BodyLimit(pushBodyLimit), s.pushRateLimiter())

	if s.notifications != nil {
		ng := g.Group("/notifications")
		ng.GET("", s.GetNotifications)
		ng.GET("/ws", s.StreamNotifications)
		ng.GET("/:id/click", s.ClickNotification)
	}
}

// GetHealth reports the lifecycle state and counter totals.
func (s *Server) GetHealth(c echo.Context) error {
	totals, err := metrics.Totals(s.metrics.Gatherer())
	if err != nil {
		s.log.Warn("failed to gather metrics", logger.Error(err))
		totals = map[string]float64{}
	}
	return c.JSON(http.StatusOK, HealthResponse{
		Status:        "ok",
		Version:       s.manager.Version(),
		State:         s.manager.State(),
		ActiveVersion: s.manager.ActiveVersion(),
		Clients:       len(s.clients.List()),
		Counters:      totals,
		Process:       processStats(c.Request().Context()),
	})
}

// checkAdmin compares basic auth credentials against the configured user and
// bcrypt hash.
func (s *Server) checkAdmin(user, password string, _ echo.Context) (bool, error) {
	if subtle.ConstantTimeCompare([]byte(user), []byte(s.settings.Admin.Username)) != 1 {
		return false, nil
	}
	err := bcrypt.CompareHashAndPassword([]byte(s.settings.Admin.PasswordHash), []byte(password))
	return err == nil, nil
}

// processStats returns nil when the platform does not expose the stats.
func processStats(ctx context.Context) *ProcessStats {
	p, err := process.NewProcessWithContext(ctx, int32(os.Getpid())) //nolint:gosec // pids fit in int32
	if err != nil {
		return nil
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return nil
	}
	cpu, err := p.CPUPercentWithContext(ctx)
	if err != nil {
		cpu = 0
	}
	return &ProcessStats{RSSBytes: mem.RSS, CPUPercent: cpu}
}

// GetCaches lists every cache generation with its entries.
func (s *Server) GetCaches(c echo.Context) error {
	ctx := c.Request().Context()
	names, err := s.storage.Names(ctx)
	if err != nil {
		return s.errorJSON(c, err)
	}
	active := s.manager.ActiveVersion()

	out := make([]CacheInfo, 0, len(names))
	for _, name := range names {
		cache, ok, err := s.storage.Lookup(ctx, name)
		if err != nil {
			return s.errorJSON(c, err)
		}
		if !ok {
			// deleted by an activation after Names
			continue
		}
		entries, err := cache.Keys(ctx)
		if err != nil {
			return s.errorJSON(c, err)
		}
		info := CacheInfo{Name: name, Active: name == active, Entries: entries}
		for _, e := range entries {
			info.Bytes += e.Size
		}
		out = append(out, info)
	}
	return c.JSON(http.StatusOK, out)
}

// PostInstall dispatches an install event for the configured version.
func (s *Server) PostInstall(c echo.Context) error {
	return s.lifecycleEvent(c, lifecycle.KindInstall)
}

// PostActivate dispatches an activate event. The version must be installed.
func (s *Server) PostActivate(c echo.Context) error {
	return s.lifecycleEvent(c, lifecycle.KindActivate)
}

func (s *Server) lifecycleEvent(c echo.Context, kind lifecycle.Kind) error {
	if err := s.dispatcher.Dispatch(c.Request().Context(), &lifecycle.Event{Kind: kind}); err != nil {
		return s.errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, LifecycleResponse{
		Version:       s.manager.Version(),
		State:         s.manager.State(),
		ActiveVersion: s.manager.ActiveVersion(),
	})
}

// PostSync dispatches a background sync event with the path tag.
func (s *Server) PostSync(c echo.Context) error {
	tag := c.Param("tag")
	if err := s.dispatcher.Dispatch(c.Request().Context(), lifecycle.NewSyncEvent(tag)); err != nil {
		return s.errorJSON(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"tag": tag})
}

// PostPush dispatches the request body as a push message.
func (s *Server) PostPush(c echo.Context) error {
	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "failed to read push data"})
	}
	if err := s.dispatcher.Dispatch(c.Request().Context(), lifecycle.NewPushEvent(data)); err != nil {
		return s.errorJSON(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "delivered"})
}

// GetNotifications lists displayed notifications.
func (s *Server) GetNotifications(c echo.Context) error {
	return c.JSON(http.StatusOK, s.notifications.List())
}

// ClickNotification dispatches a notification click and redirects to the
// window the worker opened.
func (s *Server) ClickNotification(c echo.Context) error {
	ev := lifecycle.NewNotificationClickEvent(c.Param("id"), c.QueryParam("action"))
	if err := s.dispatcher.Dispatch(c.Request().Context(), ev); err != nil {
		return s.errorJSON(c, err)
	}
	resp, ok := ev.Response()
	if !ok || resp == nil || resp.Header.Get("Location") == "" {
		return c.NoContent(http.StatusNoContent)
	}
	return c.Redirect(http.StatusSeeOther, resp.Header.Get("Location"))
}
