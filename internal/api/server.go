package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/thyrook/fenscan/internal/metrics"
	"github.com/thyrook/fenscan/internal/pipeline"
	"github.com/thyrook/fenscan/internal/storage"
)

// Options configures a Server
type Options struct {
	Runner *pipeline.Runner
	// Optional; finished scans and corrections are persisted when set
	Store *storage.ScanStore
	// Optional; active job gauge is updated when set
	Metrics *metrics.ScanMetrics
	// Optional; /metrics is only served when set
	Gatherer prometheus.Gatherer

	JobTTL      time.Duration
	MaxUploadMB int
	Version     string
	Logger      *zap.Logger
}

// Server exposes scans over HTTP
type Server struct {
	echo    *echo.Echo
	runner  *pipeline.Runner
	store   *storage.ScanStore
	metrics *metrics.ScanMetrics
	jobs    *cache.Cache
	version string
	logger  *zap.Logger

	// watchers release job resources once a run finishes
	watchers sync.WaitGroup
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// New creates a server and registers its routes
func New(opts Options) (*Server, error) {
	if opts.Runner == nil {
		return nil, errors.New("runner is required")
	}
	if opts.JobTTL <= 0 {
		opts.JobTTL = 30 * time.Minute
	}
	if opts.MaxUploadMB <= 0 {
		opts.MaxUploadMB = 20
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		runner:  opts.Runner,
		store:   opts.Store,
		metrics: opts.Metrics,
		jobs:    cache.New(opts.JobTTL, opts.JobTTL/2),
		version: opts.Version,
		logger:  opts.Logger.Named("api"),
	}

	e.Use(middleware.Recover())
	e.Use(s.loggingMiddleware())

	e.GET("/healthz", s.health)
	if opts.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := e.Group("/api/v1")
	v1.POST("/scans", s.createScan, middleware.BodyLimit(fmt.Sprintf("%dM", opts.MaxUploadMB)))
	v1.GET("/scans/:id", s.getScan)
	v1.DELETE("/scans/:id", s.cancelScan)
	v1.POST("/scans/:id/corrections", s.applyCorrections)

	return s, nil
}

// Handler returns the HTTP handler serving every route
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown is called
func (s *Server) Start(addr string) error {
	s.logger.Info("HTTP server listening", zap.String("address", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, cancels running scans and waits for
// them to release their images
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.echo.Shutdown(ctx)

	for _, item := range s.jobs.Items() {
		if entry, ok := item.Object.(*scanEntry); ok {
			entry.job.Cancel()
		}
	}
	s.Wait()

	s.logger.Info("HTTP server stopped")
	return err
}

// Wait blocks until every submitted scan has finished and released its image
func (s *Server) Wait() {
	s.watchers.Wait()
}

func (s *Server) updateActiveJobs() {
	if s.metrics != nil {
		s.metrics.SetActiveJobs(s.runner.Stats().Active)
	}
}

func (s *Server) loggingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			req := c.Request()
			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.String("path", req.URL.Path),
				zap.Int("status", c.Response().Status),
				zap.String("ip", c.RealIP()),
				zap.Duration("latency", time.Since(start)),
			}
			if err != nil {
				fields = append(fields, zap.Error(err))
			}
			s.logger.Debug("API request", fields...)
			return err
		}
	}
}

// handleError logs and writes an error response
func (s *Server) handleError(c echo.Context, err error, message string, code int) error {
	resp := ErrorResponse{Error: message, Message: message, Code: code}
	if err != nil {
		resp.Error = err.Error()
	}

	s.logger.Warn("API error",
		zap.String("path", c.Request().URL.Path),
		zap.String("message", message),
		zap.Int("code", code),
		zap.Error(err))

	return c.JSON(code, resp)
}

func (s *Server) health(c echo.Context) error {
	stats := s.runner.Stats()
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "healthy",
		"version":   s.version,
		"active":    stats.Active,
		"completed": stats.Completed,
		"failed":    stats.Failed,
		"storage":   s.store != nil,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}
