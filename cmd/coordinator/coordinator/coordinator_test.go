package coordinator

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/modelrelay/cmd/coordinator/jobstore"
	"github.com/lyzr/modelrelay/common/bus"
	"github.com/lyzr/modelrelay/common/clients"
	"github.com/lyzr/modelrelay/common/kv"
	"github.com/lyzr/modelrelay/common/logger"
	"github.com/lyzr/modelrelay/common/models"
)

type testLogger struct {
	t *testing.T
}

func (l *testLogger) Info(msg string, keysAndValues ...interface{}) {
	l.t.Logf("[INFO] %s %v", msg, keysAndValues)
}

func (l *testLogger) Error(msg string, keysAndValues ...interface{}) {
	l.t.Logf("[ERROR] %s %v", msg, keysAndValues)
}

func (l *testLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.t.Logf("[WARN] %s %v", msg, keysAndValues)
}

func (l *testLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.t.Logf("[DEBUG] %s %v", msg, keysAndValues)
}

// fakeServer replays scripted snapshots; the last one repeats
type fakeServer struct {
	mu          sync.Mutex
	offline     bool
	startErr    error
	cancelErr   error
	scripts     map[string][]*models.Snapshot
	polls       map[string]int
	starts      int
	transfers   int
	cancels     int
	lastRequest clients.DownloadRequest
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		scripts: make(map[string][]*models.Snapshot),
		polls:   make(map[string]int),
	}
}

func (f *fakeServer) script(id string, snaps ...*models.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[id] = snaps
}

func (f *fakeServer) Health(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.offline
}

func (f *fakeServer) StartDownload(ctx context.Context, req clients.DownloadRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.lastRequest = req
	if f.startErr != nil {
		return "", f.startErr
	}
	return req.DownloadID, nil
}

func (f *fakeServer) next(id string) (*models.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	script := f.scripts[id]
	if len(script) == 0 {
		return &models.Snapshot{Status: models.StatusStarted}, nil
	}
	n := f.polls[id]
	f.polls[id]++
	if n >= len(script) {
		n = len(script) - 1
	}
	s := *script[n]
	return &s, nil
}

func (f *fakeServer) DownloadStatus(ctx context.Context, id string) (*models.Snapshot, error) {
	return f.next(id)
}

func (f *fakeServer) CancelDownload(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return f.cancelErr
}

func (f *fakeServer) StartTransfer(ctx context.Context, downloadID, targetPath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers++
	return "t-" + downloadID, nil
}

func (f *fakeServer) TransferStatus(ctx context.Context, id string) (*models.Snapshot, error) {
	return f.next(id)
}

func (f *fakeServer) CancelTransfer(ctx context.Context, id string) error {
	return f.CancelDownload(ctx, id)
}

func (f *fakeServer) counts() (starts, transfers, cancels int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.transfers, f.cancels
}

type recorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *recorder) Publish(e bus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types(jobID string) []bus.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bus.EventType
	for _, e := range r.events {
		if e.JobID() == jobID {
			out = append(out, e.Type)
		}
	}
	return out
}

func (r *recorder) count(t bus.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type fixture struct {
	c      *Coordinator
	server *fakeServer
	events *recorder
	kv     kv.Store
}

func fastTiming() Timing {
	return Timing{
		DownloadInterval:  5 * time.Millisecond,
		TransferInterval:  5 * time.Millisecond,
		DownloadCap:       5 * time.Second,
		TransferCap:       5 * time.Second,
		NotFoundTolerance: 5,
		GateOnHealth:      true,
	}
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	logger := &testLogger{t: t}
	f := &fixture{
		server: newFakeServer(),
		events: &recorder{},
		kv:     kv.NewMemoryStore(logger),
	}

	ids := 0
	var idMu sync.Mutex
	opts := Options{
		Server:    f.server,
		Store:     jobstore.New(),
		KV:        f.kv,
		Publisher: f.events,
		Timing:    fastTiming(),
		Logger:    logger,
		NewID: func() string {
			idMu.Lock()
			defer idMu.Unlock()
			ids++
			return "d" + string(rune('0'+ids))
		},
	}
	for _, m := range mutate {
		m(&opts)
	}

	f.c = New(context.Background(), opts)
	t.Cleanup(f.c.Close)
	return f
}

func bert() *models.RepoIdentity {
	return models.NewRepoIdentity("bert", "base-uncased", models.RepoTypeModel)
}

func waitStatus(t *testing.T, c *Coordinator, id string, want models.Status) *models.Job {
	t.Helper()
	var job *models.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = c.Job(id)
		return err == nil && job.Status == want
	}, 2*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

func TestCoordinator_DownloadCompletes(t *testing.T) {
	f := newFixture(t)
	f.server.script("d1",
		&models.Snapshot{Status: models.StatusStarted},
		&models.Snapshot{Status: models.StatusCloning, Progress: 40, CurrentFile: "model.safetensors"},
		&models.Snapshot{Status: models.StatusCloneComplete, Progress: 90},
		&models.Snapshot{Status: models.StatusCompleted, Progress: 100},
	)

	job, err := f.c.StartDownload(context.Background(), bert(), nil)
	require.NoError(t, err)
	assert.Equal(t, "d1", job.ID)
	assert.Equal(t, models.StatusStarted, job.Status)

	done := waitStatus(t, f.c, "d1", models.StatusCompleted)
	assert.Equal(t, 100, done.Progress)
	assert.Equal(t, "model.safetensors", done.CurrentFile)

	messages := make([]string, 0, len(done.Log))
	for _, e := range done.Log {
		messages = append(messages, e.Message)
	}
	assert.Contains(t, messages, "Git clone completed, preparing transfer...")

	require.Eventually(t, func() bool { return !f.c.Polling("d1") }, time.Second, 5*time.Millisecond)

	types := f.events.types("d1")
	require.NotEmpty(t, types)
	assert.Equal(t, bus.EventJobCreated, types[0])
	assert.Equal(t, bus.EventJobTerminal, types[len(types)-1])
	assert.Equal(t, 1, f.events.count(bus.EventJobTerminal))

	id, ok, err := f.kv.Get(context.Background(), kv.CurrentJobKey("bert/base-uncased"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "d1", string(id))
}

func TestCoordinator_StartGatedOnHealth(t *testing.T) {
	f := newFixture(t)
	f.server.offline = true

	_, err := f.c.StartDownload(context.Background(), bert(), nil)
	require.Error(t, err)
	assert.True(t, clients.IsOffline(err))
	assert.ErrorIs(t, err, clients.ErrServerOffline)

	starts, _, _ := f.server.counts()
	assert.Equal(t, 0, starts)
	assert.Empty(t, f.c.Jobs())
}

func TestCoordinator_StartFailureCreatesNothing(t *testing.T) {
	f := newFixture(t)
	f.server.startErr = &clients.ServerError{Op: "start download", StatusCode: 500, Message: "disk full"}

	_, err := f.c.StartDownload(context.Background(), bert(), nil)
	require.Error(t, err)
	assert.Equal(t, clients.KindServer, clients.ErrorKind(err))

	starts, _, _ := f.server.counts()
	assert.Equal(t, 1, starts)
	assert.Empty(t, f.c.Jobs())
	assert.Equal(t, 0, f.events.count(bus.EventJobCreated))
}

func TestCoordinator_StartValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.c.StartDownload(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrNoCurrentRepo)
	assert.Equal(t, clients.KindValidation, clients.ErrorKind(err))

	bad := bert()
	bad.Owner = ""
	_, err = f.c.StartDownload(context.Background(), bad, nil)
	assert.Equal(t, clients.KindValidation, clients.ErrorKind(err))

	starts, _, _ := f.server.counts()
	assert.Equal(t, 0, starts)
}

func TestCoordinator_StartUsesCurrentRepo(t *testing.T) {
	f := newFixture(t)

	repo, err := f.c.IdentifyRepo(context.Background(), "https://huggingface.co/bert/base-uncased/tree/dev", nil)
	require.NoError(t, err)
	assert.Equal(t, "dev", repo.Branch)
	assert.Equal(t, 1, f.events.count(bus.EventRepoCurrent))

	job, err := f.c.StartDownload(context.Background(), nil, map[string]any{"lfs": true})
	require.NoError(t, err)
	assert.Equal(t, "bert/base-uncased", job.Repo.FullName)
	assert.Equal(t, "dev", f.server.lastRequest.Repo.Branch)
	assert.Equal(t, true, f.server.lastRequest.Options["lfs"])
}

func TestCoordinator_IdentifyRejectsNonRepoPages(t *testing.T) {
	f := newFixture(t)
	_, err := f.c.IdentifyRepo(context.Background(), "https://huggingface.co/docs/hub", nil)
	assert.ErrorIs(t, err, clients.ErrNotFound)

	_, err = f.c.CurrentRepo(context.Background())
	assert.ErrorIs(t, err, clients.ErrNotFound)
}

func TestCoordinator_NotFoundIsTolerated(t *testing.T) {
	f := newFixture(t)
	notFound := models.NotFoundSnapshot()
	f.server.script("d1", notFound, notFound, notFound,
		&models.Snapshot{Status: models.StatusCloning, Progress: 10})

	_, err := f.c.StartDownload(context.Background(), bert(), nil)
	require.NoError(t, err)

	job := waitStatus(t, f.c, "d1", models.StatusCloning)
	assert.Equal(t, 10, job.Progress)
	assert.Empty(t, job.Error)
	assert.True(t, f.c.Polling("d1"))
}

func TestCoordinator_ServerFailure(t *testing.T) {
	f := newFixture(t)
	f.server.script("d1", &models.Snapshot{Status: models.StatusFailed, Error: "repository is gated"})

	_, err := f.c.StartDownload(context.Background(), bert(), nil)
	require.NoError(t, err)

	job := waitStatus(t, f.c, "d1", models.StatusFailed)
	assert.Equal(t, "repository is gated", job.Error)
	assert.Equal(t, models.FailureServer, job.Failure)
}

func TestCoordinator_ActiveJobIsReused(t *testing.T) {
	f := newFixture(t)

	first, err := f.c.StartDownload(context.Background(), bert(), nil)
	require.NoError(t, err)
	second, err := f.c.StartDownload(context.Background(), bert(), nil)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	starts, _, _ := f.server.counts()
	assert.Equal(t, 1, starts)
	assert.Len(t, f.c.Jobs(), 1)
}

func TestCoordinator_ResumeKeepsOneLoop(t *testing.T) {
	f := newFixture(t)
	_, err := f.c.StartDownload(context.Background(), bert(), nil)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := f.c.Resume("d1")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.c.poller.Count())

	_, err = f.c.Resume("missing")
	assert.ErrorIs(t, err, jobstore.ErrJobNotFound)
}

func TestCoordinator_CancelTerminalJobIsLocal(t *testing.T) {
	f := newFixture(t)
	f.server.script("d1", &models.Snapshot{Status: models.StatusCompleted})

	_, err := f.c.StartDownload(context.Background(), bert(), nil)
	require.NoError(t, err)
	waitStatus(t, f.c, "d1", models.StatusCompleted)

	job, err := f.c.Cancel(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, job.Status)

	_, _, cancels := f.server.counts()
	assert.Equal(t, 0, cancels)
}

func TestCoordinator_CancelDiscardsLaterSnapshots(t *testing.T) {
	f := newFixture(t)
	f.server.script("d1", &models.Snapshot{Status: models.StatusCloning, Progress: 20})

	_, err := f.c.StartDownload(context.Background(), bert(), nil)
	require.NoError(t, err)
	waitStatus(t, f.c, "d1", models.StatusCloning)

	job, err := f.c.Cancel(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, job.Status)
	assert.False(t, f.c.Polling("d1"))

	// a late response cannot resurrect the job
	applied := f.c.apply("d1", &models.Snapshot{Status: models.StatusCloning, Progress: 60})
	assert.True(t, applied)
	got, _ := f.c.Job("d1")
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, 20, got.Progress)
	assert.Equal(t, 1, f.events.count(bus.EventJobTerminal))
}

func TestCoordinator_CancelFailureIsNotBroadcast(t *testing.T) {
	f := newFixture(t)
	f.server.cancelErr = &clients.NetworkError{Op: "cancel download", Err: errors.New("connection refused")}

	_, err := f.c.StartDownload(context.Background(), bert(), nil)
	require.NoError(t, err)

	_, err = f.c.Cancel(context.Background(), "d1")
	require.Error(t, err)
	assert.True(t, clients.IsOffline(err))

	job, _ := f.c.Job("d1")
	assert.False(t, job.Status.IsTerminal())
	assert.True(t, f.c.Polling("d1"))
	assert.Equal(t, 0, f.events.count(bus.EventJobTerminal))
}

func TestCoordinator_Timeout(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Timing.DownloadCap = 50 * time.Millisecond
	})

	_, err := f.c.StartDownload(context.Background(), bert(), nil)
	require.NoError(t, err)

	job := waitStatus(t, f.c, "d1", models.StatusFailed)
	assert.Equal(t, models.FailureTimeout, job.Failure)
	assert.True(t, strings.Contains(job.Error, "no terminal status"))
	require.Eventually(t, func() bool { return !f.c.Polling("d1") }, time.Second, 5*time.Millisecond)
}

func TestCoordinator_StartTransfer(t *testing.T) {
	f := newFixture(t)
	f.server.script("d1", &models.Snapshot{Status: models.StatusCloning})

	_, err := f.c.StartDownload(context.Background(), bert(), nil)
	require.NoError(t, err)

	_, err = f.c.StartTransfer(context.Background(), "d1", "/opt/models/")
	assert.Equal(t, clients.KindValidation, clients.ErrorKind(err))

	_, err = f.c.StartTransfer(context.Background(), "d1", " ")
	assert.Equal(t, clients.KindValidation, clients.ErrorKind(err))

	f.server.script("d1", &models.Snapshot{Status: models.StatusCompleted})
	waitStatus(t, f.c, "d1", models.StatusCompleted)

	f.server.script("t-d1", &models.Snapshot{Status: models.StatusTransferring, Progress: 50})
	transfer, err := f.c.StartTransfer(context.Background(), "d1", "/opt/models/")
	require.NoError(t, err)
	assert.Equal(t, models.KindTransfer, transfer.Kind)
	assert.Equal(t, "d1", transfer.DownloadID)
	assert.Equal(t, "bert/base-uncased", transfer.Repo.FullName)

	got := waitStatus(t, f.c, "t-d1", models.StatusTransferring)
	assert.Equal(t, 50, got.Progress)
}

type alwaysRule struct{}

func (alwaysRule) Evaluate(job *models.Job) (string, bool, error) {
	return "/opt/models/", job.Status == models.StatusCompleted, nil
}

type historyRecorder struct {
	mu   sync.Mutex
	jobs []string
}

func (h *historyRecorder) Record(ctx context.Context, job *models.Job) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.jobs = append(h.jobs, job.ID)
	return nil
}

func (h *historyRecorder) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.jobs)
}

func TestCoordinator_AutoTransferAndHistory(t *testing.T) {
	history := &historyRecorder{}
	f := newFixture(t, func(o *Options) {
		o.Rule = alwaysRule{}
		o.History = history
	})
	f.server.script("d1", &models.Snapshot{Status: models.StatusCompleted})

	_, err := f.c.StartDownload(context.Background(), bert(), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, transfers, _ := f.server.counts()
		return transfers == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return history.len() >= 1 }, time.Second, 5*time.Millisecond)

	transfer, err := f.c.Job("t-d1")
	require.NoError(t, err)
	assert.Equal(t, "/opt/models/", transfer.TargetPath)
}

func TestCoordinator_State(t *testing.T) {
	f := newFixture(t)

	state, err := f.c.State(context.Background())
	require.NoError(t, err)
	assert.Nil(t, state.Repo)
	assert.True(t, state.ServerOnline)

	_, err = f.c.IdentifyRepo(context.Background(), "https://huggingface.co/bert/base-uncased", nil)
	require.NoError(t, err)
	f.server.script("d1", &models.Snapshot{Status: models.StatusCloning})
	_, err = f.c.StartDownload(context.Background(), nil, nil)
	require.NoError(t, err)

	state, err = f.c.State(context.Background())
	require.NoError(t, err)
	require.NotNil(t, state.ActiveJob)
	assert.Equal(t, "d1", state.ActiveJob.ID)
	assert.Nil(t, state.LastJob)

	f.server.script("d1", &models.Snapshot{Status: models.StatusCompleted})
	waitStatus(t, f.c, "d1", models.StatusCompleted)

	state, err = f.c.State(context.Background())
	require.NoError(t, err)
	assert.Nil(t, state.ActiveJob)
	require.NotNil(t, state.LastJob)
	assert.Equal(t, models.StatusCompleted, state.LastJob.Status)
}

func TestCoordinator_StateFollowsTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.c.IdentifyRepo(ctx, "https://huggingface.co/bert/base-uncased", nil)
	require.NoError(t, err)
	f.server.script("d1", &models.Snapshot{Status: models.StatusCompleted})
	_, err = f.c.StartDownload(ctx, nil, nil)
	require.NoError(t, err)
	waitStatus(t, f.c, "d1", models.StatusCompleted)

	f.server.script("t-d1", &models.Snapshot{Status: models.StatusTransferring, Progress: 30})
	_, err = f.c.StartTransfer(ctx, "d1", "/opt/models/")
	require.NoError(t, err)
	waitStatus(t, f.c, "t-d1", models.StatusTransferring)

	state, err := f.c.State(ctx)
	require.NoError(t, err)
	require.NotNil(t, state.ActiveJob)
	assert.Equal(t, "t-d1", state.ActiveJob.ID)
	assert.Equal(t, models.KindTransfer, state.ActiveJob.Kind)
	assert.Nil(t, state.LastJob)

	// a second start for the same repo follows the running transfer
	again, err := f.c.StartDownload(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "t-d1", again.ID)
	starts, _, _ := f.server.counts()
	assert.Equal(t, 1, starts)

	f.server.script("t-d1", &models.Snapshot{Status: models.StatusCompleted})
	waitStatus(t, f.c, "t-d1", models.StatusCompleted)

	state, err = f.c.State(ctx)
	require.NoError(t, err)
	assert.Nil(t, state.ActiveJob)
	require.NotNil(t, state.LastJob)
	assert.Equal(t, "t-d1", state.LastJob.ID)
}

func TestCoordinator_CancelAfterClose(t *testing.T) {
	history := &historyRecorder{}
	f := newFixture(t, func(o *Options) { o.History = history })
	f.server.script("d1", &models.Snapshot{Status: models.StatusCloning})

	_, err := f.c.StartDownload(context.Background(), bert(), nil)
	require.NoError(t, err)
	waitStatus(t, f.c, "d1", models.StatusCloning)

	f.c.Close()

	job, err := f.c.Cancel(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, job.Status)
	assert.False(t, f.c.Polling("d1"))
	assert.Equal(t, 0, history.len())
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) lines(msg string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, line := range strings.Split(b.buf.String(), "\n") {
		if strings.Contains(line, `"msg":"`+msg+`"`) {
			out = append(out, line)
		}
	}
	return out
}

func TestCoordinator_LogsCarryJobAndRepo(t *testing.T) {
	out := &lockedBuffer{}
	f := newFixture(t, func(o *Options) {
		o.Logger = logger.NewWithWriter(out, "debug", "json")
	})
	f.server.script("d1", &models.Snapshot{Status: models.StatusCompleted})

	_, err := f.c.StartDownload(context.Background(), bert(), nil)
	require.NoError(t, err)
	waitStatus(t, f.c, "d1", models.StatusCompleted)

	require.Eventually(t, func() bool { return len(out.lines("job finished")) == 1 },
		time.Second, 5*time.Millisecond)
	assert.Contains(t, out.lines("job finished")[0], `"job_id":"d1"`)

	started := out.lines("download started")
	require.Len(t, started, 1)
	assert.Contains(t, started[0], `"repo":"bert/base-uncased"`)
	assert.Contains(t, started[0], `"job_id":"d1"`)
}
