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

	"github.com/tidwall/gjson"

	"github.com/lyzr/modelrelay/common/models"
	"github.com/lyzr/modelrelay/common/settings"
)

const maxBodyBytes = 4 << 20

// DownloadRequest is the body of a start-download call
type DownloadRequest struct {
	DownloadID string
	Repo       *models.RepoIdentity
	Options    map[string]any
}

// JobSummary is one row of the server's job listings
type JobSummary struct {
	ID         string        `json:"id"`
	DownloadID string        `json:"downloadId,omitempty"`
	Repository string        `json:"repository,omitempty"`
	TargetPath string        `json:"targetPath,omitempty"`
	Status     models.Status `json:"status"`
	Progress   int           `json:"progress"`
	StartTime  string        `json:"startTime,omitempty"`
}

// JobServerClient talks to the external download/transfer server.
// Server settings are loaded from the source on every call.
type JobServerClient struct {
	settings      settings.Source
	http          *HTTPClient
	healthTimeout time.Duration
	logger        Logger
}

// JobServerOption configures a JobServerClient
type JobServerOption func(*JobServerClient)

// WithHTTPClient replaces the underlying http.Client
func WithHTTPClient(client *http.Client) JobServerOption {
	return func(c *JobServerClient) {
		c.http = NewHTTPClient(client, c.logger)
	}
}

// WithHealthTimeout bounds the health check
func WithHealthTimeout(d time.Duration) JobServerOption {
	return func(c *JobServerClient) {
		c.healthTimeout = d
	}
}

// NewJobServerClient creates a new job server client
func NewJobServerClient(source settings.Source, logger Logger, opts ...JobServerOption) *JobServerClient {
	c := &JobServerClient{
		settings:      source,
		http:          NewHTTPClient(&http.Client{Timeout: 30 * time.Second}, logger),
		healthTimeout: 5 * time.Second,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health reports whether the server answered GET /health with 2xx in time.
// Failures are logged, never returned.
func (c *JobServerClient) Health(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	_, err := c.do(ctx, "health", http.MethodGet, "/health", nil)
	if err != nil {
		c.logger.Debug("job server health check failed", "error", err)
		return false
	}
	return true
}

// StartDownload asks the server to fetch a repository and returns the server's download id
func (c *JobServerClient) StartDownload(ctx context.Context, req DownloadRequest) (string, error) {
	s, err := c.settings.Load()
	if err != nil {
		return "", fmt.Errorf("load settings: %w", err)
	}

	repo := req.Repo
	branch := repo.Branch
	if b, ok := req.Options["branch"].(string); ok && strings.TrimSpace(b) != "" {
		branch = strings.TrimSpace(b)
	}
	payload := map[string]any{
		"downloadId": req.DownloadID,
		"repository": repo.FullName,
		"author":     repo.Owner,
		"repo_name":  repo.Name,
		"url":        repo.URL,
		"branch":     branch,
		"repoType":   repo.RepoType,
		"options":    req.Options,
	}

	c.logger.Info("starting download on job server",
		"repo", repo.FullName,
		"download_id", req.DownloadID,
		"branch", branch,
		"server", s.BaseURL())

	body, err := c.doWith(ctx, s, "start download", http.MethodPost, s.Endpoint, payload)
	if err != nil {
		return "", err
	}

	id := gjson.GetBytes(body, "downloadId").String()
	if id == "" {
		id = req.DownloadID
	}
	return id, nil
}

// DownloadStatus fetches one status snapshot; an unknown id yields a not_found snapshot
func (c *JobServerClient) DownloadStatus(ctx context.Context, downloadID string) (*models.Snapshot, error) {
	return c.status(ctx, "download status", "/api/status/"+url.PathEscape(downloadID), models.KindDownload)
}

// CancelDownload asks the server to stop a download
func (c *JobServerClient) CancelDownload(ctx context.Context, downloadID string) error {
	_, err := c.do(ctx, "cancel download", http.MethodPost, "/api/cancel/"+url.PathEscape(downloadID), nil)
	return err
}

// StartTransfer ships a finished download to targetPath and returns the transfer id
func (c *JobServerClient) StartTransfer(ctx context.Context, downloadID, targetPath string) (string, error) {
	payload := map[string]any{
		"downloadId": downloadID,
		"targetPath": targetPath,
	}

	body, err := c.do(ctx, "start transfer", http.MethodPost, "/api/transfer", payload)
	if err != nil {
		return "", err
	}

	id := gjson.GetBytes(body, "transferId").String()
	if id == "" {
		return "", &ServerError{Op: "start transfer", StatusCode: http.StatusOK, Message: "response has no transferId"}
	}
	return id, nil
}

// TransferStatus fetches one transfer status snapshot
func (c *JobServerClient) TransferStatus(ctx context.Context, transferID string) (*models.Snapshot, error) {
	return c.status(ctx, "transfer status", "/api/transfer/status/"+url.PathEscape(transferID), models.KindTransfer)
}

// CancelTransfer asks the server to stop a transfer
func (c *JobServerClient) CancelTransfer(ctx context.Context, transferID string) error {
	_, err := c.do(ctx, "cancel transfer", http.MethodPost, "/api/transfer/cancel/"+url.PathEscape(transferID), nil)
	return err
}

// ListDownloads returns the server's download table
func (c *JobServerClient) ListDownloads(ctx context.Context) ([]JobSummary, error) {
	body, err := c.do(ctx, "list downloads", http.MethodGet, "/api/downloads", nil)
	if err != nil {
		return nil, err
	}
	return parseSummaries(gjson.GetBytes(body, "downloads"), "downloadId"), nil
}

// ListTransfers returns the server's transfer table
func (c *JobServerClient) ListTransfers(ctx context.Context) ([]JobSummary, error) {
	body, err := c.do(ctx, "list transfers", http.MethodGet, "/api/transfers", nil)
	if err != nil {
		return nil, err
	}
	return parseSummaries(gjson.GetBytes(body, "transfers"), "transferId"), nil
}

func (c *JobServerClient) status(ctx context.Context, op, path string, kind models.Kind) (*models.Snapshot, error) {
	body, err := c.do(ctx, op, http.MethodGet, path, nil)
	if err != nil {
		var serverErr *ServerError
		if errors.As(err, &serverErr) && serverErr.StatusCode == http.StatusNotFound {
			return models.NotFoundSnapshot(), nil
		}
		return nil, err
	}
	return parseSnapshot(body, kind), nil
}

func (c *JobServerClient) do(ctx context.Context, op, method, path string, payload any) ([]byte, error) {
	s, err := c.settings.Load()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	return c.doWith(ctx, s, op, method, path, payload)
}

func (c *JobServerClient) doWith(ctx context.Context, s settings.Settings, op, method, path string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%s: encode request: %w", op, err)
		}
		reqBody = bytes.NewReader(data)
	}

	resp, err := c.http.DoRequest(ctx, method, s.BaseURL()+path, reqBody)
	if err != nil {
		return nil, transportError(ctx, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, transportError(ctx, op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ServerError{Op: op, StatusCode: resp.StatusCode, Message: errorMessage(body)}
	}

	return body, nil
}

func parseSummaries(list gjson.Result, idField string) []JobSummary {
	out := []JobSummary{}
	list.ForEach(func(_, row gjson.Result) bool {
		out = append(out, JobSummary{
			ID:         row.Get(idField).String(),
			DownloadID: row.Get("downloadId").String(),
			Repository: row.Get("repository").String(),
			TargetPath: row.Get("targetPath").String(),
			Status:     models.ParseStatus(row.Get("status").String()),
			Progress:   int(row.Get("progress").Int()),
			StartTime:  row.Get("startTime").String(),
		})
		return true
	})
	return out
}
