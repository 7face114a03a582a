package clients

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error kinds as reported over the coordinator API
const (
	KindNetwork    = "network"
	KindServer     = "server"
	KindTimeout    = "timeout"
	KindValidation = "validation"
	KindNotFound   = "not_found"
	KindCancelled  = "cancelled"
)

// StatusClientClosedRequest is answered when the caller gave up before the job server replied
const StatusClientClosedRequest = 499

// ErrServerOffline is wrapped by NetworkError when a health check failed before a start
var ErrServerOffline = errors.New("server offline")

// ErrNotFound is returned by the coordinator client for unknown jobs or repos
var ErrNotFound = errors.New("not found")

// NetworkError means the server could not be reached
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: server unreachable: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError means the server answered with a non-2xx status or an unusable body
type ServerError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: server returned status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: server returned status %d: %s", e.Op, e.StatusCode, e.Message)
}

// TimeoutError means a wall-clock cap passed without a terminal status
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: no terminal status after %s", e.Op, e.After)
}

// ValidationError means the request was rejected before anything was sent
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// ErrorKind classifies err into one of the Kind constants, or "" when unknown
func ErrorKind(err error) string {
	var (
		netErr        *NetworkError
		serverErr     *ServerError
		timeoutErr    *TimeoutError
		validationErr *ValidationError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &netErr):
		return KindNetwork
	case errors.As(err, &serverErr):
		return KindServer
	case errors.As(err, &timeoutErr):
		return KindTimeout
	case errors.As(err, &validationErr):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return ""
}

// IsOffline reports whether err means the server is unreachable
func IsOffline(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// transportError wraps a failed round trip. Cancellation by the caller is
// passed through unchanged so loops can tell it from an outage.
func transportError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}
	return &NetworkError{Op: op, Err: err}
}
