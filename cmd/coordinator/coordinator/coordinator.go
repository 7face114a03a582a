package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/modelrelay/cmd/coordinator/jobstore"
	"github.com/lyzr/modelrelay/common/bus"
	"github.com/lyzr/modelrelay/common/clients"
	"github.com/lyzr/modelrelay/common/kv"
	"github.com/lyzr/modelrelay/common/locator"
	"github.com/lyzr/modelrelay/common/logger"
	"github.com/lyzr/modelrelay/common/metrics"
	"github.com/lyzr/modelrelay/common/models"
)

// Logger interface for coordinator logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// ErrNoCurrentRepo is returned when a start names no repository and none was identified yet
var ErrNoCurrentRepo error = &clients.ValidationError{Field: "repo", Message: "no repository page identified"}

// JobServer is the subset of the job server client the coordinator drives
type JobServer interface {
	Health(ctx context.Context) bool
	StartDownload(ctx context.Context, req clients.DownloadRequest) (string, error)
	DownloadStatus(ctx context.Context, downloadID string) (*models.Snapshot, error)
	CancelDownload(ctx context.Context, downloadID string) error
	StartTransfer(ctx context.Context, downloadID, targetPath string) (string, error)
	TransferStatus(ctx context.Context, transferID string) (*models.Snapshot, error)
	CancelTransfer(ctx context.Context, transferID string) error
}

// HistorySink records finished jobs
type HistorySink interface {
	Record(ctx context.Context, job *models.Job) error
}

// TransferRule picks a target path for a finished download, if any
type TransferRule interface {
	Evaluate(job *models.Job) (string, bool, error)
}

// Timing holds the polling cadence and caps
type Timing struct {
	DownloadInterval  time.Duration
	TransferInterval  time.Duration
	DownloadCap       time.Duration
	TransferCap       time.Duration
	NotFoundTolerance int
	GateOnHealth      bool
}

// DefaultTiming returns the stock cadence
func DefaultTiming() Timing {
	return Timing{
		DownloadInterval:  time.Second,
		TransferInterval:  1500 * time.Millisecond,
		DownloadCap:       time.Hour,
		TransferCap:       2 * time.Hour,
		NotFoundTolerance: 5,
		GateOnHealth:      true,
	}
}

func (t Timing) interval(kind models.Kind) time.Duration {
	if kind == models.KindTransfer {
		return t.TransferInterval
	}
	return t.DownloadInterval
}

func (t Timing) deadline(kind models.Kind) time.Duration {
	if kind == models.KindTransfer {
		return t.TransferCap
	}
	return t.DownloadCap
}

// Options wires a Coordinator
type Options struct {
	Server    JobServer
	Store     *jobstore.Store
	KV        kv.Store
	Locator   *locator.Locator
	Publisher bus.Publisher
	History   HistorySink  // optional
	Rule      TransferRule // optional
	Timing    Timing
	Logger    Logger

	// test hooks
	Now   func() time.Time
	NewID func() string
}

// Coordinator owns every job record and polling loop. Views only talk to it.
type Coordinator struct {
	server    JobServer
	store     *jobstore.Store
	kv        kv.Store
	locator   *locator.Locator
	publisher bus.Publisher
	history   HistorySink
	rule      TransferRule
	timing    Timing
	poller    *Poller
	logger    Logger
	now       func() time.Time
	newID     func() string

	ctx     context.Context
	cancel  context.CancelFunc
	startMu sync.Mutex

	bgMu    sync.Mutex
	closing bool
	bg      sync.WaitGroup
}

// New creates a coordinator. Loops and background work end when ctx is done or Close is called.
func New(ctx context.Context, opts Options) *Coordinator {
	ctx, cancel := context.WithCancel(ctx)

	c := &Coordinator{
		server:    opts.Server,
		store:     opts.Store,
		kv:        opts.KV,
		locator:   opts.Locator,
		publisher: opts.Publisher,
		history:   opts.History,
		rule:      opts.Rule,
		timing:    opts.Timing,
		logger:    opts.Logger,
		now:       opts.Now,
		newID:     opts.NewID,
		ctx:       ctx,
		cancel:    cancel,
	}
	if c.store == nil {
		c.store = jobstore.New()
	}
	if c.kv == nil {
		c.kv = kv.NewMemoryStore(opts.Logger)
	}
	if c.locator == nil {
		c.locator = locator.New("")
	}
	if c.publisher == nil {
		c.publisher = bus.Publishers{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	if c.timing == (Timing{}) {
		c.timing = DefaultTiming()
	}
	c.poller = NewPoller(ctx, opts.Logger)
	return c
}

// StartDownload asks the job server to fetch repo, or the current repo when repo is nil.
// An active job for the same repository is returned instead of starting a second one.
func (c *Coordinator) StartDownload(ctx context.Context, repo *models.RepoIdentity, options map[string]any) (*models.Job, error) {
	if repo == nil {
		current, err := c.CurrentRepo(ctx)
		if err != nil {
			if errors.Is(err, clients.ErrNotFound) {
				return nil, ErrNoCurrentRepo
			}
			return nil, err
		}
		repo = current
	}
	if err := repo.Validate(); err != nil {
		return nil, &clients.ValidationError{Field: "repo", Message: err.Error()}
	}

	c.startMu.Lock()
	defer c.startMu.Unlock()

	if active := c.activeJob(ctx, repo.FullName); active != nil {
		c.repoLogger(repo.FullName).Info("job already active for repo, resuming", "job_id", active.ID)
		c.ensureLoop(active)
		return active, nil
	}

	if err := c.gate(ctx, "start download"); err != nil {
		metrics.RecordStartFailure(string(models.KindDownload), clients.ErrorKind(err))
		return nil, err
	}

	id, err := c.server.StartDownload(ctx, clients.DownloadRequest{
		DownloadID: c.newID(),
		Repo:       repo,
		Options:    options,
	})
	if err != nil {
		metrics.RecordStartFailure(string(models.KindDownload), clients.ErrorKind(err))
		c.repoLogger(repo.FullName).Error("failed to start download", "error", err)
		return nil, err
	}

	now := c.now()
	job := models.NewJob(id, models.KindDownload, now)
	job.Repo = repo.Clone()
	job.Acknowledge(now)

	if err := c.store.Create(job); err != nil {
		return nil, fmt.Errorf("failed to record download: %w", err)
	}
	if err := c.kv.Set(ctx, kv.CurrentJobKey(repo.FullName), []byte(job.ID)); err != nil {
		c.logger.Warn("failed to remember current job", "job_id", job.ID, "error", err)
	}

	c.repoLogger(repo.FullName).Info("download started", "job_id", job.ID)
	c.launched(job)
	return job, nil
}

// StartTransfer ships a finished download to targetPath on the job server host
func (c *Coordinator) StartTransfer(ctx context.Context, downloadID, targetPath string) (*models.Job, error) {
	downloadID = strings.TrimSpace(downloadID)
	targetPath = strings.TrimSpace(targetPath)
	if downloadID == "" {
		return nil, &clients.ValidationError{Field: "downloadId", Message: "is required"}
	}
	if targetPath == "" {
		return nil, &clients.ValidationError{Field: "targetPath", Message: "is required"}
	}

	var repo *models.RepoIdentity
	if download, err := c.store.Get(downloadID); err == nil {
		if download.Kind != models.KindDownload {
			return nil, &clients.ValidationError{Field: "downloadId", Message: fmt.Sprintf("%s is not a download", downloadID)}
		}
		if !download.Status.IsSuccess() {
			return nil, &clients.ValidationError{Field: "downloadId", Message: fmt.Sprintf("download %s is %s, not completed", downloadID, download.Status)}
		}
		repo = download.Repo
	}

	if err := c.gate(ctx, "start transfer"); err != nil {
		metrics.RecordStartFailure(string(models.KindTransfer), clients.ErrorKind(err))
		return nil, err
	}

	id, err := c.server.StartTransfer(ctx, downloadID, targetPath)
	if err != nil {
		metrics.RecordStartFailure(string(models.KindTransfer), clients.ErrorKind(err))
		c.logger.Error("failed to start transfer", "download_id", downloadID, "error", err)
		return nil, err
	}

	now := c.now()
	job := models.NewJob(id, models.KindTransfer, now)
	job.DownloadID = downloadID
	job.TargetPath = targetPath
	job.Repo = repo
	job.Acknowledge(now)

	if err := c.store.Create(job); err != nil {
		return nil, fmt.Errorf("failed to record transfer: %w", err)
	}
	// the transfer is now what a reopened view of this repo follows
	if repo != nil {
		if err := c.kv.Set(ctx, kv.CurrentJobKey(repo.FullName), []byte(job.ID)); err != nil {
			c.logger.Warn("failed to remember current job", "job_id", job.ID, "error", err)
		}
	}

	c.logger.Info("transfer started", "job_id", job.ID, "download_id", downloadID, "target", targetPath)
	c.launched(job)
	return job, nil
}

// Cancel asks the server to stop a job. A terminal job is returned unchanged without
// contacting the server. When the server refuses, nothing is recorded or broadcast.
func (c *Coordinator) Cancel(ctx context.Context, id string) (*models.Job, error) {
	job, err := c.store.Get(id)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return job, nil
	}

	if job.Kind == models.KindTransfer {
		err = c.server.CancelTransfer(ctx, id)
	} else {
		err = c.server.CancelDownload(ctx, id)
	}
	if err != nil {
		c.logger.Warn("cancel rejected", "job_id", id, "error", err)
		return nil, err
	}

	updated, changed, err := c.store.Update(id, func(j *models.Job) bool {
		return j.Cancel(c.now())
	})
	if err != nil {
		return nil, err
	}
	if changed {
		c.finished(updated)
	}
	return updated, nil
}

// Resume makes sure a non-terminal job is being polled. Calling it repeatedly is harmless.
func (c *Coordinator) Resume(id string) (*models.Job, error) {
	job, err := c.store.Get(id)
	if err != nil {
		return nil, err
	}
	c.ensureLoop(job)
	return job, nil
}

// Job returns a copy of one record
func (c *Coordinator) Job(id string) (*models.Job, error) {
	return c.store.Get(id)
}

// Jobs returns copies of every record in creation order
func (c *Coordinator) Jobs() []*models.Job {
	return c.store.List()
}

// Polling reports whether a loop is running for id
func (c *Coordinator) Polling(id string) bool {
	return c.poller.Active(id)
}

// State is what a freshly opened view needs: the current repo, its job and server reachability
func (c *Coordinator) State(ctx context.Context) (*models.State, error) {
	state := &models.State{}

	repo, err := c.CurrentRepo(ctx)
	switch {
	case err == nil:
		state.Repo = repo
		if job := c.currentJob(ctx, repo.FullName); job != nil {
			if job.Status.IsTerminal() {
				state.LastJob = job
			} else {
				state.ActiveJob = job
			}
		}
	case !errors.Is(err, clients.ErrNotFound):
		return nil, err
	}

	state.ServerOnline = c.server.Health(ctx)
	return state, nil
}

// IdentifyRepo recognizes a repository page and makes it the current repo
func (c *Coordinator) IdentifyRepo(ctx context.Context, rawURL string, dom io.Reader) (*models.RepoIdentity, error) {
	repo, ok := c.locator.Identify(rawURL, dom)
	if !ok {
		return nil, fmt.Errorf("%w: not a repository page: %s", clients.ErrNotFound, rawURL)
	}

	if err := kv.SetJSON(ctx, c.kv, kv.KeyCurrentRepo, repo); err != nil {
		return nil, fmt.Errorf("failed to store current repo: %w", err)
	}

	c.logger.Debug("repository identified", "repo", repo.FullName, "files", len(repo.Files))
	c.publisher.Publish(bus.RepoEvent(repo))
	return repo, nil
}

// CurrentRepo returns the last identified repository
func (c *Coordinator) CurrentRepo(ctx context.Context) (*models.RepoIdentity, error) {
	var repo models.RepoIdentity
	ok, err := kv.GetJSON(ctx, c.kv, kv.KeyCurrentRepo, &repo)
	if err != nil {
		return nil, fmt.Errorf("failed to load current repo: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: no current repository", clients.ErrNotFound)
	}
	return &repo, nil
}

// ServerHealth reports whether the job server is reachable
func (c *Coordinator) ServerHealth(ctx context.Context) bool {
	return c.server.Health(ctx)
}

// Close stops every loop and waits for pending history writes. Transfers
// started while draining are not polled.
func (c *Coordinator) Close() {
	c.poller.Close()
	c.poller.Wait()

	c.bgMu.Lock()
	c.closing = true
	c.bgMu.Unlock()

	c.bg.Wait()
	c.cancel()
}

func (c *Coordinator) gate(ctx context.Context, op string) error {
	if !c.timing.GateOnHealth {
		return nil
	}
	if !c.server.Health(ctx) {
		return &clients.NetworkError{Op: op, Err: clients.ErrServerOffline}
	}
	return nil
}

// activeJob returns the non-terminal job recorded for a repository, if any
func (c *Coordinator) activeJob(ctx context.Context, fullName string) *models.Job {
	job := c.currentJob(ctx, fullName)
	if job == nil || job.Status.IsTerminal() {
		return nil
	}
	return job
}

func (c *Coordinator) currentJob(ctx context.Context, fullName string) *models.Job {
	id, ok, err := c.kv.Get(ctx, kv.CurrentJobKey(fullName))
	if err != nil {
		c.logger.Warn("failed to read current job", "repo", fullName, "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	job, err := c.store.Get(string(id))
	if err != nil {
		// recorded by an earlier process; the store does not survive restarts
		return nil
	}
	return job
}

func (c *Coordinator) launched(job *models.Job) {
	metrics.RecordJobStarted(string(job.Kind))
	c.publisher.Publish(bus.JobEvent(bus.EventJobCreated, job))
	c.ensureLoop(job)
}

func (c *Coordinator) ensureLoop(job *models.Job) {
	if job.Status.IsTerminal() {
		return
	}
	if c.poller.Start(job.ID, c.loopFor(job.ID, job.Kind)) {
		c.logger.Debug("polling started", "job_id", job.ID, "kind", job.Kind)
	}
}

func (c *Coordinator) loopFor(id string, kind models.Kind) LoopSpec {
	fetch := c.server.DownloadStatus
	if kind == models.KindTransfer {
		fetch = c.server.TransferStatus
	}

	log := c.jobLogger(id)
	misses := 0
	deadline := c.timing.deadline(kind)

	return LoopSpec{
		Interval: c.timing.interval(kind),
		Deadline: deadline,

		Fetch: func(ctx context.Context) (*models.Snapshot, error) {
			return fetch(ctx, id)
		},

		OnSnapshot: func(s *models.Snapshot) bool {
			if s.Status == models.StatusNotFound {
				misses++
				metrics.RecordPoll(string(kind), "not_found")
				if misses == c.timing.NotFoundTolerance {
					log.Warn("server still does not know the job", "polls", misses)
				}
			} else {
				misses = 0
				metrics.RecordPoll(string(kind), "ok")
			}
			return c.apply(id, s)
		},

		OnError: func(err error) bool {
			metrics.RecordPoll(string(kind), "error")
			log.Warn("status poll failed", "error", err)
			return false
		},

		OnTimeout: func() {
			reason := &clients.TimeoutError{Op: string(kind), After: deadline}
			updated, changed, err := c.store.Update(id, func(j *models.Job) bool {
				return j.Fail(models.FailureTimeout, reason.Error(), c.now())
			})
			if err == nil && changed {
				c.finished(updated)
			}
		},
	}
}

// jobLogger tags every line with job_id when running on the service logger
func (c *Coordinator) jobLogger(id string) Logger {
	if l, ok := c.logger.(*logger.Logger); ok {
		return l.WithJobID(id)
	}
	return c.logger
}

func (c *Coordinator) repoLogger(fullName string) Logger {
	if l, ok := c.logger.(*logger.Logger); ok {
		return l.WithRepo(fullName)
	}
	return c.logger
}

// apply folds a snapshot into the record and reports whether polling should stop
func (c *Coordinator) apply(id string, s *models.Snapshot) bool {
	updated, changed, err := c.store.Update(id, func(j *models.Job) bool {
		return j.Apply(s, c.now())
	})
	if err != nil {
		c.logger.Error("job vanished from store", "job_id", id, "error", err)
		return true
	}
	if updated.Status.IsTerminal() {
		if changed {
			c.finished(updated)
		}
		return true
	}
	if changed {
		c.publisher.Publish(bus.JobEvent(bus.EventJobUpdated, updated))
	}
	return false
}

// finished runs once per job, on its terminal transition
func (c *Coordinator) finished(job *models.Job) {
	c.poller.Stop(job.ID)
	c.publisher.Publish(bus.JobEvent(bus.EventJobTerminal, job))
	metrics.RecordJobFinished(string(job.Kind), string(job.Status), string(job.Failure),
		job.UpdatedAt.Sub(job.StartTime).Seconds())

	c.jobLogger(job.ID).Info("job finished",
		"kind", job.Kind,
		"status", job.Status,
		"error", job.Error)

	if c.history != nil {
		recorded := c.background(func(ctx context.Context) {
			if err := c.history.Record(ctx, job); err != nil {
				c.logger.Error("failed to record job history", "job_id", job.ID, "error", err)
			}
		})
		if !recorded {
			c.logger.Warn("coordinator closing, job history not recorded", "job_id", job.ID)
		}
	}

	if c.rule != nil {
		target, ok, err := c.rule.Evaluate(job)
		if err != nil {
			c.logger.Warn("auto-transfer rule failed", "job_id", job.ID, "error", err)
			return
		}
		if ok {
			c.background(func(ctx context.Context) {
				if _, err := c.StartTransfer(ctx, job.ID, target); err != nil {
					c.logger.Warn("auto-transfer failed to start", "job_id", job.ID, "error", err)
				}
			})
		}
	}
}

// background runs fn on its own goroutine; it is a no-op once Close began waiting
func (c *Coordinator) background(fn func(ctx context.Context)) bool {
	c.bgMu.Lock()
	defer c.bgMu.Unlock()
	if c.closing {
		return false
	}

	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, 30*time.Second)
		defer cancel()
		fn(ctx)
	}()
	return true
}
