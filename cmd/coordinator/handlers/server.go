package handlers

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"

	"github.com/lyzr/modelrelay/common/clients"
)

// JobLister reads the job server's own download and transfer tables
type JobLister interface {
	ListDownloads(ctx context.Context) ([]clients.JobSummary, error)
	ListTransfers(ctx context.Context) ([]clients.JobSummary, error)
}

// ServerJobsResponse mirrors what the job server knows, independent of the local store
type ServerJobsResponse struct {
	Downloads []clients.JobSummary `json:"downloads"`
	Transfers []clients.JobSummary `json:"transfers"`
}

// ServerHandler exposes the job server's listings
type ServerHandler struct {
	server JobLister
}

// NewServerHandler creates a new server handler
func NewServerHandler(server JobLister) *ServerHandler {
	return &ServerHandler{server: server}
}

// ServerJobs lists every job the server tracks, e.g. after a coordinator restart
// GET /api/v1/server/jobs
func (h *ServerHandler) ServerJobs(c echo.Context) error {
	var resp ServerJobsResponse

	g, ctx := errgroup.WithContext(c.Request().Context())
	g.Go(func() (err error) {
		resp.Downloads, err = h.server.ListDownloads(ctx)
		return err
	})
	g.Go(func() (err error) {
		resp.Transfers, err = h.server.ListTransfers(ctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}
