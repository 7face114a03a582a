package view

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lyzr/modelrelay/common/bus"
	"github.com/lyzr/modelrelay/common/clients"
	"github.com/lyzr/modelrelay/common/models"
)

// Logger interface for view logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Coordinator is what a view asks for state; satisfied by clients.CoordinatorClient
type Coordinator interface {
	State(ctx context.Context) (*models.State, error)
	Job(ctx context.Context, id string) (*models.Job, error)
	Resume(ctx context.Context, id string) (*models.Job, error)
	StartDownload(ctx context.Context, repo *models.RepoIdentity, options map[string]any) (*models.Job, error)
	StartTransfer(ctx context.Context, downloadID, targetPath string) (*models.Job, error)
	Cancel(ctx context.Context, id string) (*models.Job, error)
}

// Renderer draws a view
type Renderer interface {
	Progress(job *models.Job)
	Log(entry models.LogEntry)
	Message(text string, severity models.Severity)
}

// View follows one job on behalf of a short-lived UI. It holds no job state of its
// own beyond a log cursor; everything it shows comes from the coordinator.
type View struct {
	coord  Coordinator
	render Renderer
	logger Logger

	pullInterval time.Duration
	maxWait      time.Duration

	mu          sync.Mutex
	jobID       string
	cursor      int
	lastUpdated time.Time
	lastStatus  models.Status
}

// Option configures a View
type Option func(*View)

// WithPullInterval sets how often Watch re-reads the job to cover dropped broadcasts
func WithPullInterval(d time.Duration) Option {
	return func(v *View) {
		v.pullInterval = d
	}
}

// WithMaxWait bounds how long Watch follows a job
func WithMaxWait(d time.Duration) Option {
	return func(v *View) {
		v.maxWait = d
	}
}

// New creates a view
func New(coord Coordinator, render Renderer, logger Logger, opts ...Option) *View {
	v := &View{
		coord:        coord,
		render:       render,
		logger:       logger,
		pullInterval: 2 * time.Second,
		maxWait:      5 * time.Minute,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// JobID returns the followed job, or ""
func (v *View) JobID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.jobID
}

// Cursor returns how many log entries of the followed job were rendered
func (v *View) Cursor() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cursor
}

// Open reconciles a freshly opened view. An active job is re-rendered from its full
// log and resumed; a finished one is shown as it ended. It never starts a job.
func (v *View) Open(ctx context.Context) (*models.State, error) {
	state, err := v.coord.State(ctx)
	if err != nil {
		v.render.Message(FailureMessage(err), models.SeverityError)
		return nil, err
	}

	if !state.ServerOnline {
		v.render.Message(FailureMessage(&clients.NetworkError{Op: "open", Err: clients.ErrServerOffline}), models.SeverityWarning)
	}

	switch {
	case state.ActiveJob != nil:
		v.follow(state.ActiveJob.ID)
		v.Apply(state.ActiveJob)

		if _, err := v.coord.Resume(ctx, state.ActiveJob.ID); err != nil {
			v.logger.Warn("failed to resume job", "job_id", state.ActiveJob.ID, "error", err)
		}
	case state.LastJob != nil:
		v.follow(state.LastJob.ID)
		v.Apply(state.LastJob)
	}

	return state, nil
}

// StartDownload starts (or rejoins) a download and follows it
func (v *View) StartDownload(ctx context.Context, repo *models.RepoIdentity, options map[string]any) (*models.Job, error) {
	job, err := v.coord.StartDownload(ctx, repo, options)
	if err != nil {
		v.render.Message(FailureMessage(err), models.SeverityError)
		return nil, err
	}
	v.follow(job.ID)
	v.Apply(job)
	return job, nil
}

// StartTransfer ships a finished download and follows the transfer
func (v *View) StartTransfer(ctx context.Context, downloadID, targetPath string) (*models.Job, error) {
	job, err := v.coord.StartTransfer(ctx, downloadID, targetPath)
	if err != nil {
		v.render.Message(FailureMessage(err), models.SeverityError)
		return nil, err
	}
	v.follow(job.ID)
	v.Apply(job)
	return job, nil
}

// Cancel cancels the followed job
func (v *View) Cancel(ctx context.Context) (*models.Job, error) {
	id := v.JobID()
	if id == "" {
		return nil, &clients.ValidationError{Message: "no job to cancel"}
	}

	job, err := v.coord.Cancel(ctx, id)
	if err != nil {
		v.render.Message(FailureMessage(err), models.SeverityError)
		return nil, err
	}
	v.Apply(job)
	return job, nil
}

// Apply renders a job record: log entries past the cursor, then progress.
// Records for other jobs are ignored. It reports whether the job is terminal.
func (v *View) Apply(job *models.Job) bool {
	if job == nil {
		return false
	}

	v.mu.Lock()
	if job.ID != v.jobID {
		v.mu.Unlock()
		return false
	}

	// a shorter log means the coordinator restarted; replay from the top
	if len(job.Log) < v.cursor {
		v.cursor = 0
	}
	fresh := job.Log[v.cursor:]
	v.cursor = len(job.Log)

	repeated := job.UpdatedAt.Equal(v.lastUpdated) && job.Status == v.lastStatus && len(fresh) == 0
	statusChanged := job.Status != v.lastStatus
	v.lastUpdated = job.UpdatedAt
	v.lastStatus = job.Status
	v.mu.Unlock()

	for _, entry := range fresh {
		v.render.Log(entry)
	}
	if !repeated {
		v.render.Progress(job)
	}
	if statusChanged {
		if msg := JobFailureMessage(job); msg != "" {
			v.render.Message(msg, models.SeverityError)
		}
	}

	return job.Status.IsTerminal()
}

// Watch follows the job until it is terminal, ctx ends, or the wait cap passes.
// Broadcast events drive rendering; the job is also pulled periodically so a
// dropped event only delays the view. Hitting the cap ends this view's wait
// only; the job keeps running in the coordinator.
func (v *View) Watch(ctx context.Context, events <-chan bus.Event) (*models.Job, error) {
	id := v.JobID()
	if id == "" {
		return nil, &clients.ValidationError{Message: "no job to watch"}
	}

	ctx, cancel := context.WithTimeout(ctx, v.maxWait)
	defer cancel()

	ticker := time.NewTicker(v.pullInterval)
	defer ticker.Stop()

	var last *models.Job
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				err := &clients.TimeoutError{Op: "watch " + id, After: v.maxWait}
				v.render.Message(FailureMessage(err), models.SeverityWarning)
				return last, err
			}
			return last, ctx.Err()

		case e, ok := <-events:
			if !ok {
				// stream gone; keep going on pulls alone
				events = nil
				continue
			}
			if e.Job == nil || e.Job.ID != id {
				continue
			}
			last = e.Job
			if v.Apply(e.Job) {
				return last, nil
			}

		case <-ticker.C:
			job, err := v.coord.Job(ctx, id)
			if err != nil {
				if ctx.Err() == nil {
					v.logger.Debug("job pull failed", "job_id", id, "error", err)
				}
				continue
			}
			last = job
			if v.Apply(job) {
				return last, nil
			}
		}
	}
}

func (v *View) follow(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.jobID == id {
		return
	}
	v.jobID = id
	v.cursor = 0
	v.lastUpdated = time.Time{}
	v.lastStatus = ""
}
