package handler

import (
	"errors"
	"io"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/mediagrab/internal/controller"
	"github.com/mediagrab/internal/executor"
	"github.com/mediagrab/internal/fileops"
	"github.com/mediagrab/internal/jobs"
	"github.com/mediagrab/internal/version"
	"github.com/mediagrab/pkg/logger"
)

// Handler handles HTTP requests.
type Handler struct {
	ctrl    *controller.Controller
	limiter *CreateLimiter
}

// New creates a new Handler.
func New(ctrl *controller.Controller, limiter *CreateLimiter) *Handler {
	if limiter == nil {
		limiter = NewCreateLimiter(0, 0)
	}
	return &Handler{
		ctrl:    ctrl,
		limiter: limiter,
	}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		api.GET("/health", h.Health)
		api.GET("/version", h.Version)

		// Probe and job lifecycle
		api.POST("/info", h.Info)
		api.POST("/download", h.limiter.Middleware(), h.CreateJob)
		api.POST("/cancel/:id", h.CancelJob)

		// Job inspection
		api.GET("/jobs", h.ListJobs)
		api.GET("/jobs/stats", h.JobStats)
		api.GET("/jobs/:id", h.GetJob)

		// Progress stream and artifact
		api.GET("/progress/:id", h.Progress)
		api.GET("/download/:id", h.DownloadArtifact)
	}
}

// Health returns service health status.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Version returns service version.
func (h *Handler) Version(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": version.Version})
}

// InfoRequest is the body of a probe request, as form fields or JSON.
type InfoRequest struct {
	URL     string `form:"url" json:"url"`
	Cookies string `form:"cookies" json:"cookies"`
}

// Info probes a URL for its available formats.
func (h *Handler) Info(c *gin.Context) {
	var req InfoRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	info, err := h.ctrl.Probe(c.Request.Context(), req.URL, req.Cookies)
	switch {
	case errors.Is(err, jobs.ErrInvalidRequest), errors.Is(err, executor.ErrUnsupportedURL):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		logger.Warnf("⚠️ Probe failed for %s: %v", req.URL, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, info)
}

// DownloadRequest is the body of a job creation request, as form fields or JSON.
type DownloadRequest struct {
	URL     string `form:"url" json:"url"`
	Type    string `form:"type" json:"type"`
	Quality string `form:"quality" json:"quality"`
	SubLang string `form:"sub_lang" json:"sub_lang"`
	Cookies string `form:"cookies" json:"cookies"`
}

// CreateJob registers an extraction job and starts it in the background.
func (h *Handler) CreateJob(c *gin.Context) {
	var req DownloadRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.ctrl.Start(c.Request.Context(), jobs.Request{
		URL:     req.URL,
		Type:    jobs.Type(req.Type),
		Quality: req.Quality,
		SubLang: req.SubLang,
		Cookies: req.Cookies,
	})
	switch {
	case errors.Is(err, jobs.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"job": job.ID})
}

// CancelJob requests cancellation of a job. It does not wait for the job
// to stop.
func (h *Handler) CancelJob(c *gin.Context) {
	job, err := h.ctrl.Cancel(c.Param("id"))
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case errors.Is(err, jobs.ErrTerminal):
		c.JSON(http.StatusOK, gin.H{"status": job.Status})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusAccepted, gin.H{"status": "cancel_requested"})
	}
}

// ListJobs returns all known jobs.
func (h *Handler) ListJobs(c *gin.Context) {
	c.JSON(http.StatusOK, h.ctrl.Registry().List())
}

// JobStats returns job counts per status.
func (h *Handler) JobStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.ctrl.Registry().Stats())
}

// GetJob returns a specific job by ID.
func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.ctrl.Registry().Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

// Progress streams a job's events as Server-Sent Events until the terminal
// event or until the client goes away.
func (h *Handler) Progress(c *gin.Context) {
	id := c.Param("id")
	sub, err := h.ctrl.Hub().Subscribe(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(io.Writer) bool {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), ev.Payload())
			return !ev.Terminal()
		case <-ctx.Done():
			logger.Job(id).Debugf("Progress subscriber went away")
			return false
		}
	})
}

// DownloadArtifact serves a finished job's file as an attachment.
func (h *Handler) DownloadArtifact(c *gin.Context) {
	job, err := h.ctrl.Registry().Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if job.Status != jobs.StatusSucceeded || job.ArtifactPath == "" || !fileops.Exists(job.ArtifactPath) {
		c.JSON(http.StatusNotFound, gin.H{"error": "artifact not available"})
		return
	}

	c.FileAttachment(job.ArtifactPath, filepath.Base(job.ArtifactPath))
}
