package view

import (
	"context"
	"errors"
	"fmt"

	"github.com/lyzr/modelrelay/common/clients"
	"github.com/lyzr/modelrelay/common/models"
)

// FailureMessage turns a failed call into text for the user
func FailureMessage(err error) string {
	if err == nil {
		return ""
	}

	var (
		serverErr     *clients.ServerError
		timeoutErr    *clients.TimeoutError
		validationErr *clients.ValidationError
	)
	switch {
	case errors.Is(err, clients.ErrServerOffline):
		return "The download server is offline. Check the server address in settings and try again."
	case clients.IsOffline(err):
		return "Cannot reach the download server. Check your network and the server settings."
	case errors.As(err, &timeoutErr):
		return "Timed out waiting for the server. The job may still be running; reopen to check on it."
	case errors.As(err, &serverErr):
		if serverErr.Message != "" {
			return fmt.Sprintf("The server rejected the request (status %d): %s", serverErr.StatusCode, serverErr.Message)
		}
		return fmt.Sprintf("The server rejected the request (status %d).", serverErr.StatusCode)
	case errors.As(err, &validationErr):
		return "Nothing to download: " + validationErr.Message
	case errors.Is(err, clients.ErrNotFound):
		return "This page is not a model, dataset or space repository."
	case errors.Is(err, context.Canceled):
		return "The request was cancelled before the server answered. Nothing was started; try again."
	}
	return "Something went wrong: " + err.Error()
}

// JobFailureMessage explains why a job ended failed; it is empty for other outcomes
func JobFailureMessage(job *models.Job) string {
	if job == nil || job.Status != models.StatusFailed {
		return ""
	}

	noun := "Download"
	if job.Kind == models.KindTransfer {
		noun = "Transfer"
	}

	switch job.Failure {
	case models.FailureTimeout:
		return fmt.Sprintf("%s did not finish in time and was marked failed.", noun)
	default:
		if job.Error == "" {
			return fmt.Sprintf("%s failed on the server.", noun)
		}
		return fmt.Sprintf("%s failed on the server: %s", noun, job.Error)
	}
}
