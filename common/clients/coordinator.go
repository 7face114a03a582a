package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lyzr/modelrelay/common/models"
)

// IdentifyRequest asks the coordinator to recognize a page
type IdentifyRequest struct {
	URL  string `json:"url"`
	HTML string `json:"html,omitempty"`
}

// StartDownloadRequest starts a download; a nil Repo means the current repo
type StartDownloadRequest struct {
	Repo    *models.RepoIdentity `json:"repo,omitempty"`
	Options map[string]any       `json:"options,omitempty"`
}

// StartTransferRequest ships a finished download
type StartTransferRequest struct {
	DownloadID string `json:"downloadId"`
	TargetPath string `json:"targetPath"`
}

// HealthResponse reports the job server's reachability
type HealthResponse struct {
	Online bool `json:"online"`
}

// APIError is the coordinator's error body
type APIError struct {
	Kind       string `json:"error"`
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode,omitempty"` // job server status for server errors
}

// NewAPIError builds the error body for err
func NewAPIError(err error) APIError {
	body := APIError{Kind: ErrorKind(err), Message: err.Error()}
	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		body.StatusCode = serverErr.StatusCode
		body.Message = serverErr.Message
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		body.Message = netErr.Err.Error()
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		body.Message = valErr.Message
	}
	return body
}

// Err rebuilds a typed error from the body
func (e APIError) Err(op string) error {
	switch e.Kind {
	case KindNetwork:
		return &NetworkError{Op: op, Err: errors.New(e.Message)}
	case KindServer:
		return &ServerError{Op: op, StatusCode: e.StatusCode, Message: e.Message}
	case KindTimeout:
		return &TimeoutError{Op: op}
	case KindValidation:
		return &ValidationError{Message: e.Message}
	case KindNotFound:
		return fmt.Errorf("%s: %s: %w", op, e.Message, ErrNotFound)
	case KindCancelled:
		return fmt.Errorf("%s: %s: %w", op, e.Message, context.Canceled)
	default:
		return fmt.Errorf("%s: %s", op, e.Message)
	}
}

// CoordinatorClient is how views talk to the coordinator
type CoordinatorClient struct {
	baseURL string
	http    *HTTPClient
	logger  Logger
}

// NewCoordinatorClient creates a new coordinator client
func NewCoordinatorClient(baseURL string, logger Logger) *CoordinatorClient {
	httpClient := &http.Client{
		Timeout: 30 * time.Second,
	}

	return &CoordinatorClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    NewHTTPClient(httpClient, logger),
		logger:  logger,
	}
}

// BaseURL returns the coordinator root
func (c *CoordinatorClient) BaseURL() string {
	return c.baseURL
}

// State fetches the reconciliation payload
// GET /api/v1/state
func (c *CoordinatorClient) State(ctx context.Context) (*models.State, error) {
	var state models.State
	if err := c.call(ctx, "get state", http.MethodGet, "/api/v1/state", nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// Identify submits a page for recognition; it fails with ErrNotFound for non-repository pages
// POST /api/v1/repo/identify
func (c *CoordinatorClient) Identify(ctx context.Context, pageURL, html string) (*models.RepoIdentity, error) {
	var repo models.RepoIdentity
	req := IdentifyRequest{URL: pageURL, HTML: html}
	if err := c.call(ctx, "identify repo", http.MethodPost, "/api/v1/repo/identify", req, &repo); err != nil {
		return nil, err
	}
	return &repo, nil
}

// CurrentRepo fetches the last identified repository
// GET /api/v1/repo/current
func (c *CoordinatorClient) CurrentRepo(ctx context.Context) (*models.RepoIdentity, error) {
	var repo models.RepoIdentity
	if err := c.call(ctx, "current repo", http.MethodGet, "/api/v1/repo/current", nil, &repo); err != nil {
		return nil, err
	}
	return &repo, nil
}

// StartDownload starts a download; repo may be nil to use the current repo
// POST /api/v1/downloads
func (c *CoordinatorClient) StartDownload(ctx context.Context, repo *models.RepoIdentity, options map[string]any) (*models.Job, error) {
	var job models.Job
	req := StartDownloadRequest{Repo: repo, Options: options}
	if err := c.call(ctx, "start download", http.MethodPost, "/api/v1/downloads", req, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// StartTransfer ships a finished download to targetPath
// POST /api/v1/transfers
func (c *CoordinatorClient) StartTransfer(ctx context.Context, downloadID, targetPath string) (*models.Job, error) {
	var job models.Job
	req := StartTransferRequest{DownloadID: downloadID, TargetPath: targetPath}
	if err := c.call(ctx, "start transfer", http.MethodPost, "/api/v1/transfers", req, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Job fetches one job record
// GET /api/v1/jobs/:id
func (c *CoordinatorClient) Job(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := c.call(ctx, "get job", http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Jobs lists all job records
// GET /api/v1/jobs
func (c *CoordinatorClient) Jobs(ctx context.Context) ([]*models.Job, error) {
	var resp struct {
		Jobs []*models.Job `json:"jobs"`
	}
	if err := c.call(ctx, "list jobs", http.MethodGet, "/api/v1/jobs", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// Cancel cancels a job
// POST /api/v1/jobs/:id/cancel
func (c *CoordinatorClient) Cancel(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := c.call(ctx, "cancel job", http.MethodPost, "/api/v1/jobs/"+url.PathEscape(id)+"/cancel", nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Resume makes sure a non-terminal job is being polled
// POST /api/v1/jobs/:id/resume
func (c *CoordinatorClient) Resume(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := c.call(ctx, "resume job", http.MethodPost, "/api/v1/jobs/"+url.PathEscape(id)+"/resume", nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ServerHealth reports whether the job server is reachable
// GET /api/v1/server/health
func (c *CoordinatorClient) ServerHealth(ctx context.Context) (bool, error) {
	var resp HealthResponse
	if err := c.call(ctx, "server health", http.MethodGet, "/api/v1/server/health", nil, &resp); err != nil {
		return false, err
	}
	return resp.Online, nil
}

func (c *CoordinatorClient) call(ctx context.Context, op, method, path string, payload, out any) error {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reqBody = bytes.NewReader(data)
	}

	resp, err := c.http.DoRequest(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("%s: coordinator unreachable: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		var apiErr APIError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Kind != "" {
			return apiErr.Err(op)
		}
		return fmt.Errorf("%s failed: status=%d, body=%s", op, resp.StatusCode, string(body))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}
