// Package api exposes the local control API.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/mohaanymo/m3u8keeper/internal/capture"
	"github.com/mohaanymo/m3u8keeper/internal/engine"
	"github.com/mohaanymo/m3u8keeper/internal/history"
	"github.com/mohaanymo/m3u8keeper/internal/logger"
	"github.com/mohaanymo/m3u8keeper/internal/models"
)

// Downloader is the part of the pipeline the API drives.
type Downloader interface {
	Start(ctx context.Context, manifestURL, name string, onProgress models.ProgressFunc, opts ...engine.JobOption) (models.DownloadJob, error)
	Status() engine.Status
}

// HistoryLister lists recorded jobs.
type HistoryLister interface {
	List(ctx context.Context, limit int) ([]history.Entry, error)
}

// Server serves the control API.
type Server struct {
	echo     *echo.Echo
	jobs     Downloader
	history  HistoryLister
	detected *capture.Registry
	log      logger.Logger

	// Jobs outlive the request that started them.
	jobCtx context.Context
}

// NewServer creates a server. history may be nil when history is disabled.
// Background jobs run under ctx.
func NewServer(ctx context.Context, jobs Downloader, hist HistoryLister, log logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}

	s := &Server{
		echo:     echo.New(),
		jobs:     jobs,
		history:  hist,
		detected: capture.NewRegistry(),
		log:      log,
		jobCtx:   ctx,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	e := s.echo

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c *echo.Context, v middleware.RequestLoggerValues) error {
			s.log.Infof("%s %s | %d | %s", v.Method, v.URI, v.Status, v.Latency)
			return nil
		},
	}))

	e.POST("/api/downloads", s.handleStartDownload)
	e.GET("/api/downloads/current", s.handleCurrent)
	e.GET("/api/jobs", s.handleJobs)
	e.POST("/api/observations", s.handleObservation)
	e.GET("/api/observations", s.handleDetected)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("API listening on http://%s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
