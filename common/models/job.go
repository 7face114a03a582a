package models

import (
	"fmt"
	"strings"
	"time"
)

// Kind distinguishes download jobs from transfer jobs
type Kind string

const (
	KindDownload Kind = "download"
	KindTransfer Kind = "transfer"
)

// Status is the canonical job status vocabulary
type Status string

const (
	StatusInitiating    Status = "initiating"
	StatusStarted       Status = "started"
	StatusCloning       Status = "cloning"
	StatusCloneComplete Status = "clone_complete"
	StatusTransferring  Status = "transferring"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusCancelled     Status = "cancelled"
	StatusExists        Status = "exists"

	// StatusNotFound only appears in snapshots; the server has not registered the id yet
	StatusNotFound Status = "not_found"
)

// ParseStatus folds server status spellings into the canonical set
func ParseStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "initiating":
		return StatusInitiating
	case "started", "queued", "pending":
		return StatusStarted
	case "cloning", "downloading":
		return StatusCloning
	case "clone_complete":
		return StatusCloneComplete
	case "transferring":
		return StatusTransferring
	case "completed", "complete", "transfer_complete":
		return StatusCompleted
	case "failed", "error":
		return StatusFailed
	case "cancelled", "canceled":
		return StatusCancelled
	case "exists":
		return StatusExists
	case "not_found":
		return StatusNotFound
	default:
		return ""
	}
}

// IsTerminal reports whether polling stops at this status
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExists:
		return true
	}
	return false
}

// IsSuccess reports whether the job finished with its target in place
func (s Status) IsSuccess() bool {
	return s == StatusCompleted || s == StatusExists
}

// Severity of a log entry
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// LogEntry is one line of a job's log
type LogEntry struct {
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// SizeInfo carries byte counts; Done is downloaded or transferred bytes depending on kind
type SizeInfo struct {
	Done  int64 `json:"done"`
	Total int64 `json:"total"`
}

// FailureReason tells apart why a job ended failed
type FailureReason string

const (
	FailureServer  FailureReason = "server"
	FailureTimeout FailureReason = "timeout"
)

// Job is the coordinator's record of one download or transfer
type Job struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`

	Status   Status `json:"status"`
	Progress int    `json:"progress"` // 0..100

	StartTime time.Time `json:"startTime"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Set only once the job failed
	Error   string        `json:"error,omitempty"`
	Failure FailureReason `json:"failure,omitempty"`

	Size        *SizeInfo `json:"size,omitempty"`
	CurrentFile string    `json:"currentFile,omitempty"`
	TotalFiles  int       `json:"totalFiles,omitempty"`

	// Download jobs carry the repository, transfer jobs the download they ship
	Repo       *RepoIdentity `json:"repo,omitempty"`
	DownloadID string        `json:"downloadId,omitempty"`
	TargetPath string        `json:"targetPath,omitempty"`

	Log []LogEntry `json:"log"`

	// Count of server log entries already folded into Log
	LogCursor int `json:"-"`
}

// NewJob creates a job record in the initiating state
func NewJob(id string, kind Kind, now time.Time) *Job {
	return &Job{
		ID:        id,
		Kind:      kind,
		Status:    StatusInitiating,
		StartTime: now,
		UpdatedAt: now,
		Log:       []LogEntry{},
	}
}

// Clone returns a deep copy safe to hand to readers
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Size != nil {
		size := *j.Size
		c.Size = &size
	}
	c.Repo = j.Repo.Clone()
	c.Log = append(make([]LogEntry, 0, len(j.Log)), j.Log...)
	return &c
}

// Label is a short human name for log lines
func (j *Job) Label() string {
	if j.Kind == KindTransfer {
		return fmt.Sprintf("transfer of %s", j.DownloadID)
	}
	if j.Repo != nil {
		return j.Repo.FullName
	}
	return j.ID
}

// AppendLog adds a local log entry
func (j *Job) AppendLog(message string, severity Severity, at time.Time) {
	j.Log = append(j.Log, LogEntry{Message: message, Severity: severity, Timestamp: at})
}

// Acknowledge moves a freshly created job to started once the server accepted it
func (j *Job) Acknowledge(now time.Time) {
	if j.Status != StatusInitiating {
		return
	}
	j.Status = StatusStarted
	j.UpdatedAt = now
	j.AppendLog(statusMessage(j, StatusStarted), SeverityInfo, now)
}

// Apply folds one status snapshot into the record. It returns false when
// nothing changed, including every snapshot arriving after a terminal status.
func (j *Job) Apply(s *Snapshot, now time.Time) bool {
	if j.Status.IsTerminal() || s == nil {
		return false
	}

	changed := j.reconcileLog(s.Logs)

	if s.Status == StatusNotFound || s.Status == "" {
		if changed {
			j.UpdatedAt = now
		}
		return changed
	}

	if s.Status != j.Status {
		j.Status = s.Status
		changed = true
		if s.Status == StatusFailed {
			j.Error = s.Error
			if j.Error == "" {
				j.Error = "server reported failure"
			}
			j.Failure = FailureServer
		}
		j.AppendLog(statusMessage(j, s.Status), severityFor(s.Status), now)
	}

	progress := clampProgress(s.Progress)
	if s.Status.IsSuccess() {
		progress = 100
	}
	if progress > j.Progress {
		j.Progress = progress
		changed = true
	}

	if s.CurrentFile != "" && s.CurrentFile != j.CurrentFile {
		j.CurrentFile = s.CurrentFile
		changed = true
	}
	if s.TotalFiles > 0 && s.TotalFiles != j.TotalFiles {
		j.TotalFiles = s.TotalFiles
		changed = true
	}
	if s.Size != nil && (j.Size == nil || *s.Size != *j.Size) {
		size := *s.Size
		j.Size = &size
		changed = true
	}

	if changed {
		j.UpdatedAt = now
	}
	return changed
}

// Fail ends a non-terminal job with a locally synthesized failure
func (j *Job) Fail(reason FailureReason, message string, now time.Time) bool {
	if j.Status.IsTerminal() {
		return false
	}
	j.Status = StatusFailed
	j.Failure = reason
	j.Error = message
	j.UpdatedAt = now
	j.AppendLog(statusMessage(j, StatusFailed), SeverityError, now)
	return true
}

// Cancel marks a non-terminal job cancelled
func (j *Job) Cancel(now time.Time) bool {
	if j.Status.IsTerminal() {
		return false
	}
	j.Status = StatusCancelled
	j.UpdatedAt = now
	j.AppendLog(statusMessage(j, StatusCancelled), SeverityWarning, now)
	return true
}

// reconcileLog appends server log entries past the cursor. A list shorter
// than the cursor means the server lost its log, so it is replayed from zero.
func (j *Job) reconcileLog(entries []LogEntry) bool {
	if len(entries) < j.LogCursor {
		j.LogCursor = 0
	}
	if len(entries) == j.LogCursor {
		return false
	}
	j.Log = append(j.Log, entries[j.LogCursor:]...)
	j.LogCursor = len(entries)
	return true
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func severityFor(s Status) Severity {
	switch s {
	case StatusCompleted, StatusExists:
		return SeveritySuccess
	case StatusFailed:
		return SeverityError
	case StatusCancelled:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

func statusMessage(j *Job, s Status) string {
	noun := "Download"
	if j.Kind == KindTransfer {
		noun = "Transfer"
	}

	switch s {
	case StatusStarted:
		return fmt.Sprintf("%s started for %s", noun, j.Label())
	case StatusCloning:
		return "Cloning repository..."
	case StatusCloneComplete:
		return "Git clone completed, preparing transfer..."
	case StatusTransferring:
		return "Transferring files to target..."
	case StatusCompleted:
		return fmt.Sprintf("%s completed successfully", noun)
	case StatusExists:
		return "Repository already exists on server"
	case StatusCancelled:
		return fmt.Sprintf("%s cancelled", noun)
	case StatusFailed:
		return fmt.Sprintf("%s failed: %s", noun, j.Error)
	default:
		return fmt.Sprintf("Status changed to %s", s)
	}
}
