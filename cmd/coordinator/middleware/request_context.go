package middleware

import (
	"context"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/modelrelay/common/clients"
	"github.com/lyzr/modelrelay/common/logger"
)

// RequestContext copies the request id set by echo's RequestID middleware into
// the request context, so job server calls made for this request carry it.
//
// Usage:
//
//	e.Use(middleware.RequestID())
//	e.Use(RequestContext())
func RequestContext() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Response().Header().Get(echo.HeaderXRequestID)
			if id == "" {
				id = c.Request().Header.Get(echo.HeaderXRequestID)
			}

			if id != "" {
				ctx := clients.WithRequestID(c.Request().Context(), id)
				ctx = context.WithValue(ctx, logger.RequestIDKey, id)
				c.SetRequest(c.Request().WithContext(ctx))
			}

			return next(c)
		}
	}
}
