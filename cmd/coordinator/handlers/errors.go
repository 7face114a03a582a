package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/modelrelay/cmd/coordinator/jobstore"
	"github.com/lyzr/modelrelay/common/clients"
	"github.com/lyzr/modelrelay/common/settings"
)

// writeError renders err as {error: kind, message} with the matching status
func writeError(c echo.Context, err error) error {
	if errors.Is(err, jobstore.ErrJobNotFound) {
		err = &notFound{err}
	}
	if errors.Is(err, settings.ErrInvalid) {
		return c.JSON(http.StatusBadRequest, clients.APIError{Kind: clients.KindValidation, Message: err.Error()})
	}

	body := clients.NewAPIError(err)
	switch body.Kind {
	case clients.KindNetwork, clients.KindServer:
		return c.JSON(http.StatusBadGateway, body)
	case clients.KindTimeout:
		return c.JSON(http.StatusGatewayTimeout, body)
	case clients.KindValidation:
		return c.JSON(http.StatusBadRequest, body)
	case clients.KindNotFound:
		return c.JSON(http.StatusNotFound, body)
	case clients.KindCancelled:
		return c.JSON(clients.StatusClientClosedRequest, body)
	}

	c.Logger().Errorf("unhandled error: %v", err)
	return c.JSON(http.StatusInternalServerError, clients.APIError{Kind: "internal", Message: err.Error()})
}

// notFound marks store misses as clients.ErrNotFound
type notFound struct {
	err error
}

func (e *notFound) Error() string { return e.err.Error() }

func (e *notFound) Is(target error) bool { return target == clients.ErrNotFound }

func (e *notFound) Unwrap() error { return e.err }

func badRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, clients.APIError{Kind: clients.KindValidation, Message: message})
}
