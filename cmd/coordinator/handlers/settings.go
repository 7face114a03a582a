package handlers

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/modelrelay/common/settings"
)

// SettingsHandler reads and edits the persisted job server settings
type SettingsHandler struct {
	store *settings.FileStore
}

// NewSettingsHandler creates a new settings handler
func NewSettingsHandler(store *settings.FileStore) *SettingsHandler {
	return &SettingsHandler{store: store}
}

// GetSettings returns the effective settings
// GET /api/v1/settings
func (h *SettingsHandler) GetSettings(c echo.Context) error {
	s, err := h.store.Load()
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, s)
}

// PatchSettings applies an RFC 7386 merge patch, e.g. {"port": 9000} or {"ip": null} to reset
// PATCH /api/v1/settings
func (h *SettingsHandler) PatchSettings(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, 64<<10))
	if err != nil {
		return badRequest(c, "failed to read request body")
	}

	s, err := h.store.Patch(body)
	if err != nil {
		return writeError(c, err)
	}

	c.Logger().Infof("settings updated: %s", s.BaseURL()+s.Endpoint)
	return c.JSON(http.StatusOK, s)
}
