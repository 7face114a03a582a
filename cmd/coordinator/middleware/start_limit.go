package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/modelrelay/common/ratelimit"
)

// Allower is the part of ratelimit.Limiter the middleware needs
type Allower interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (*ratelimit.Result, error)
}

// StartLimit caps how many jobs one client may start per window. Each start
// reaches the job server, so this protects it from a runaway caller.
// Limiter errors let the request through.
func StartLimit(limiter Allower, limit int64, window time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			result, err := limiter.Allow(c.Request().Context(), "starts:"+c.RealIP(), limit, window)
			if err != nil {
				return next(c)
			}

			if !result.Allowed {
				c.Response().Header().Set("Retry-After", strconv.Itoa(int(result.RetryAfter/time.Second)))
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":      "rate_limited",
					"message":    "Too many jobs started. Please wait before trying again.",
					"statusCode": http.StatusTooManyRequests,
				})
			}

			return next(c)
		}
	}
}
