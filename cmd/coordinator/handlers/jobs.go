package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/modelrelay/cmd/coordinator/coordinator"
	"github.com/lyzr/modelrelay/common/clients"
)

// JobHandler handles download, transfer and job requests
type JobHandler struct {
	coord *coordinator.Coordinator
}

// NewJobHandler creates a new job handler
func NewJobHandler(coord *coordinator.Coordinator) *JobHandler {
	return &JobHandler{coord: coord}
}

// StartDownload starts a download for the given or current repo
// POST /api/v1/downloads
func (h *JobHandler) StartDownload(c echo.Context) error {
	var req clients.StartDownloadRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
	}

	job, err := h.coord.StartDownload(c.Request().Context(), req.Repo, req.Options)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusAccepted, job)
}

// StartTransfer ships a finished download
// POST /api/v1/transfers
func (h *JobHandler) StartTransfer(c echo.Context) error {
	var req clients.StartTransferRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	job, err := h.coord.StartTransfer(c.Request().Context(), req.DownloadID, req.TargetPath)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusAccepted, job)
}

// ListJobs lists every job record
// GET /api/v1/jobs
func (h *JobHandler) ListJobs(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"jobs": h.coord.Jobs(),
	})
}

// GetJob returns one job record
// GET /api/v1/jobs/:id
func (h *JobHandler) GetJob(c echo.Context) error {
	job, err := h.coord.Job(c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, job)
}

// CancelJob cancels a job
// POST /api/v1/jobs/:id/cancel
func (h *JobHandler) CancelJob(c echo.Context) error {
	job, err := h.coord.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, job)
}

// ResumeJob makes sure a job is being polled
// POST /api/v1/jobs/:id/resume
func (h *JobHandler) ResumeJob(c echo.Context) error {
	job, err := h.coord.Resume(c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, job)
}
