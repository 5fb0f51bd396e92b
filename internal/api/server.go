// Package api hosts the worker over HTTP: every request is dispatched as a
// fetch event, and an admin surface under /_worker drives the lifecycle,
// background sync, push and notifications.
package api

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/tphakala/offlinecache/internal/cachestorage"
	"github.com/tphakala/offlinecache/internal/clients"
	"github.com/tphakala/offlinecache/internal/conf"
	"github.com/tphakala/offlinecache/internal/errors"
	"github.com/tphakala/offlinecache/internal/lifecycle"
	"github.com/tphakala/offlinecache/internal/logger"
	"github.com/tphakala/offlinecache/internal/network"
	"github.com/tphakala/offlinecache/internal/notification"
	"github.com/tphakala/offlinecache/internal/observability/metrics"
	"github.com/tphakala/offlinecache/internal/offline"
	"golang.org/x/time/rate"
)

// AdminPrefix is the path prefix of the admin routes.
const AdminPrefix = "/_worker"

const (
	maxProxyBody    = 10 << 20
	pushBodyLimit   = "4K"
	rateLimitWindow = time.Minute
)

// Config holds the collaborators of a Server.
type Config struct {
	Settings      conf.ServerSettings
	Scope         *url.URL
	Dispatcher    *lifecycle.Dispatcher
	Manager       *offline.Manager
	Storage       cachestorage.Storage
	Clients       *clients.Registry
	Notifications *notification.Service // nil disables the notification routes
	Fetcher       network.Fetcher       // used for requests the worker does not intercept
	Metrics       *metrics.Metrics
	Logger        logger.Logger
}

// Server is the HTTP host of the worker.
type Server struct {
	echo          *echo.Echo
	settings      conf.ServerSettings
	scope         *url.URL
	dispatcher    *lifecycle.Dispatcher
	manager       *offline.Manager
	storage       cachestorage.Storage
	clients       *clients.Registry
	notifications *notification.Service
	fetcher       network.Fetcher
	metrics       *metrics.Metrics
	log           logger.Logger
}

// New creates the server and registers its routes.
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = logger.Global()
	}
	s := &Server{
		echo:          echo.New(),
		settings:      cfg.Settings,
		scope:         cfg.Scope,
		dispatcher:    cfg.Dispatcher,
		manager:       cfg.Manager,
		storage:       cfg.Storage,
		clients:       cfg.Clients,
		notifications: cfg.Notifications,
		fetcher:       cfg.Fetcher,
		metrics:       cfg.Metrics,
		log:           log.Module("api"),
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			fields := []logger.Field{
				logger.String("method", v.Method),
				logger.String("uri", v.URI),
				logger.Int("status", v.Status),
				logger.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, logger.Error(v.Error))
			}
			s.log.Debug("request", fields...)
			return nil
		},
	}))

	s.registerAdminRoutes()
	s.echo.Any("/*", s.handleFetch)
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// ListenAndServe serves until ctx ends, then shuts down gracefully within
// the configured shutdown timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.settings.Listen,
		Handler:      s.echo,
		ReadTimeout:  s.settings.ReadTimeout.Std(),
		WriteTimeout: s.settings.WriteTimeout.Std(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", logger.String("addr", s.settings.Listen), logger.String("scope", s.scope.String()))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.New(err).
			Component("api").
			Category(errors.CategorySystem).
			Context("listen", s.settings.Listen).
			Build()
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.settings.ShutdownTimeout.Std())
	defer cancel()
	s.log.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) pushRateLimiter() echo.MiddlewareFunc {
	limit := s.settings.PushRateLimit
	if limit <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	burst := max(int(limit), 1)
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Skipper: middleware.DefaultSkipper,
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(limit),
			Burst:     burst,
			ExpiresIn: rateLimitWindow,
		}),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return c.JSON(http.StatusForbidden, map[string]string{"error": err.Error()})
		},
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			return c.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "Too many push requests, please wait before trying again",
			})
		},
	})
}

// statusFor maps an error to an HTTP status by sentinel, then by category.
func statusFor(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrNoHandler):
		return http.StatusNotImplemented
	case errors.Is(err, lifecycle.ErrStopped), errors.Is(err, lifecycle.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, offline.ErrNotInstalled):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	switch errors.CategoryOf(err) {
	case errors.CategoryValidation:
		return http.StatusBadRequest
	case errors.CategoryNotFound:
		return http.StatusNotFound
	case errors.CategoryNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) errorJSON(c echo.Context, err error) error {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			logger.String("path", c.Request().URL.Path),
			logger.Int("status", status),
			logger.Error(err))
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}
