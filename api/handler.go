package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"c3d/jobs"
	"c3d/models"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Handler struct {
	submit   *jobs.SubmitService
	status   *jobs.StatusService
	download *jobs.DownloadService
	convert  *jobs.ConvertService
	checks   map[string]HealthCheck
	logger   *slog.Logger
}

func NewHandler(deps *Dependencies) *Handler {
	return &Handler{
		submit:   deps.Submit,
		status:   deps.Status,
		download: deps.Download,
		convert:  deps.Convert,
		checks:   deps.HealthChecks,
		logger:   deps.Logger,
	}
}

// UploadURL handles POST /upload-url
func (h *Handler) UploadURL(c *gin.Context) {
	var req jobs.SubmitRequest
	if !h.bind(c, &req) {
		return
	}

	res, err := h.submit.Submit(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

// Convert handles POST /convert
func (h *Handler) Convert(c *gin.Context) {
	var req jobs.ConvertRequest
	if !h.bind(c, &req) {
		return
	}

	res, err := h.convert.Convert(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

// Status handles GET /status/:jobId
func (h *Handler) Status(c *gin.Context) {
	view, err := h.status.Get(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, view)
}

// DownloadURL handles GET /download-url/:jobId
func (h *Handler) DownloadURL(c *gin.Context) {
	grant, err := h.download.Grant(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, grant)
}

// Health handles GET /health
func (h *Handler) Health(c *gin.Context) {
	services := gin.H{}
	healthy := true
	for name, check := range h.checks {
		if err := check(c.Request.Context()); err != nil {
			h.logger.Warn("health check failed", "dependency", name, "error", err)
			services[name] = "unavailable"
			healthy = false
			continue
		}
		services[name] = "ok"
	}

	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "services": services})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "services": services})
}

// bind decodes a JSON body. An empty body decodes to the zero request so
// that field validation reports what is missing.
func (h *Handler) bind(c *gin.Context, dst any) bool {
	err := c.ShouldBindJSON(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"message": "request body too large"})
		return false
	}

	c.JSON(http.StatusBadRequest, gin.H{"message": "invalid request body"})
	return false
}

// writeError maps service errors to status codes. Storage failures never
// expose their cause to the client.
func (h *Handler) writeError(c *gin.Context, err error) {
	status, message := http.StatusInternalServerError, "internal server error"

	switch {
	case errors.Is(err, models.ErrInvalidRequest):
		status, message = http.StatusBadRequest, validationMessage(err)
	case errors.Is(err, models.ErrJobNotFound):
		status, message = http.StatusNotFound, "Job not found"
	case errors.Is(err, models.ErrNotReady):
		status, message = http.StatusConflict, "File not ready"
	case errors.Is(err, models.ErrConversionInProgress):
		status, message = http.StatusConflict, "Conversion already in progress"
	}

	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(status, gin.H{"message": message})
}

// validationMessage strips the sentinel prefix from an ErrInvalidRequest chain.
func validationMessage(err error) string {
	return strings.TrimPrefix(err.Error(), models.ErrInvalidRequest.Error()+": ")
}
