package handlers

import (
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/modelrelay/cmd/coordinator/coordinator"
	"github.com/lyzr/modelrelay/common/clients"
)

// RepoHandler handles page identification and view reconciliation
type RepoHandler struct {
	coord *coordinator.Coordinator
}

// NewRepoHandler creates a new repo handler
func NewRepoHandler(coord *coordinator.Coordinator) *RepoHandler {
	return &RepoHandler{coord: coord}
}

// Identify recognizes a repository page from its URL and an optional HTML snapshot
// POST /api/v1/repo/identify
func (h *RepoHandler) Identify(c echo.Context) error {
	var req clients.IdentifyRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if strings.TrimSpace(req.URL) == "" {
		return badRequest(c, "url is required")
	}

	var dom io.Reader
	if req.HTML != "" {
		dom = strings.NewReader(req.HTML)
	}

	repo, err := h.coord.IdentifyRepo(c.Request().Context(), req.URL, dom)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, repo)
}

// Current returns the last identified repository
// GET /api/v1/repo/current
func (h *RepoHandler) Current(c echo.Context) error {
	repo, err := h.coord.CurrentRepo(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, repo)
}

// State returns what a freshly opened view needs
// GET /api/v1/state
func (h *RepoHandler) State(c echo.Context) error {
	state, err := h.coord.State(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, state)
}

// ServerHealth reports whether the job server is reachable
// GET /api/v1/server/health
func (h *RepoHandler) ServerHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, clients.HealthResponse{
		Online: h.coord.ServerHealth(c.Request().Context()),
	})
}
