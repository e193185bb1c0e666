package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/labstack/echo/v5"

	"github.com/mohaanymo/m3u8keeper/internal/capture"
	"github.com/mohaanymo/m3u8keeper/internal/config"
	"github.com/mohaanymo/m3u8keeper/internal/engine"
	"github.com/mohaanymo/m3u8keeper/internal/models"
)

type downloadRequest struct {
	URL           string `json:"url"`
	Name          string `json:"name"`
	SkipTranscode *bool  `json:"skip_transcode,omitempty"`
}

type downloadResponse struct {
	JobID string `json:"job_id"`
}

type observationResponse struct {
	Playlist bool   `json:"playlist"`
	URL      string `json:"url,omitempty"`
	New      bool   `json:"new,omitempty"`
}

// handleStartDownload starts a background job. 409 when one is already running.
func (s *Server) handleStartDownload(c *echo.Context) error {
	var req downloadRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}

	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		return echo.NewHTTPError(http.StatusBadRequest, config.ErrMissingURL.Error())
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "url must be an absolute http(s) URL")
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = models.NameFromURL(req.URL)
	}

	var opts []engine.JobOption
	if req.SkipTranscode != nil {
		opts = append(opts, engine.WithSkipTranscode(*req.SkipTranscode))
	}

	job, err := s.jobs.Start(s.jobCtx, req.URL, name, s.logProgress, opts...)
	if errors.Is(err, models.ErrConcurrency) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusAccepted, downloadResponse{JobID: job.ID})
}

func (s *Server) handleCurrent(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.jobs.Status())
}

func (s *Server) handleJobs(c *echo.Context) error {
	if s.history == nil {
		return echo.NewHTTPError(http.StatusNotFound, "job history is disabled")
	}

	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		limit = n
	}

	entries, err := s.history.List(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, entries)
}

// handleObservation classifies one observation reported by a capture agent.
func (s *Server) handleObservation(c *echo.Context) error {
	var obs capture.Observation
	if err := json.NewDecoder(c.Request().Body).Decode(&obs); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}

	u, ok := capture.Detect(obs)
	if !ok {
		return c.JSON(http.StatusOK, observationResponse{})
	}

	added := s.detected.Add(u)
	if added {
		s.log.Infof("detected playlist %s", u)
	}
	return c.JSON(http.StatusOK, observationResponse{Playlist: true, URL: u, New: added})
}

func (s *Server) handleDetected(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string][]string{"urls": s.detected.URLs()})
}

func (s *Server) logProgress(ev models.ProgressEvent) {
	if ev.Stage == models.StageDownloading && ev.Total > 0 {
		s.log.Debugf("%s: %s (%d%%)", ev.Stage, ev.Message, ev.Percent)
		return
	}
	s.log.Debugf("%s: %s", ev.Stage, ev.Message)
}
