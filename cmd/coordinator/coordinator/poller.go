package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/lyzr/modelrelay/common/metrics"
	"github.com/lyzr/modelrelay/common/models"
)

// LoopSpec describes one polling loop.
//
// Ticks are strictly sequential: the next Fetch is scheduled only after the
// previous tick's handlers returned. OnSnapshot and OnError return true to stop.
type LoopSpec struct {
	Interval time.Duration
	Deadline time.Duration

	Fetch      func(ctx context.Context) (*models.Snapshot, error)
	OnSnapshot func(s *models.Snapshot) bool
	OnError    func(err error) bool
	OnTimeout  func()
}

type loop struct {
	cancel context.CancelFunc
}

// Poller runs at most one loop per job id
type Poller struct {
	ctx    context.Context
	mu     sync.Mutex
	loops  map[string]*loop
	closed bool
	wg     sync.WaitGroup
	logger Logger
}

// NewPoller creates a poller whose loops all end when ctx is done
func NewPoller(ctx context.Context, logger Logger) *Poller {
	return &Poller{
		ctx:    ctx,
		loops:  make(map[string]*loop),
		logger: logger,
	}
}

// Start begins polling id. It returns false if a loop for id is already running
// or the poller was closed.
func (p *Poller) Start(id string, spec LoopSpec) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}
	if _, running := p.loops[id]; running {
		return false
	}

	ctx, cancel := context.WithCancel(p.ctx)
	l := &loop{cancel: cancel}
	p.loops[id] = l

	p.wg.Add(1)
	metrics.LoopStarted()
	go p.run(ctx, id, l, spec)
	return true
}

// Stop cancels the loop for id; an in-flight fetch is abandoned
func (p *Poller) Stop(id string) {
	p.mu.Lock()
	l, ok := p.loops[id]
	if ok {
		delete(p.loops, id)
	}
	p.mu.Unlock()

	if ok {
		l.cancel()
	}
}

// Active reports whether a loop for id is running
func (p *Poller) Active(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.loops[id]
	return ok
}

// Count returns the number of running loops
func (p *Poller) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.loops)
}

// StopAll cancels every loop
func (p *Poller) StopAll() {
	p.mu.Lock()
	loops := p.loops
	p.loops = make(map[string]*loop)
	p.mu.Unlock()

	for _, l := range loops {
		l.cancel()
	}
}

// Close stops every loop and refuses new ones; Wait may follow safely
func (p *Poller) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.StopAll()
}

// Wait blocks until every loop goroutine has returned
func (p *Poller) Wait() {
	p.wg.Wait()
}

func (p *Poller) run(ctx context.Context, id string, l *loop, spec LoopSpec) {
	defer func() {
		p.release(id, l)
		metrics.LoopStopped()
		p.wg.Done()
	}()

	deadline := time.NewTimer(spec.Deadline)
	defer deadline.Stop()
	tick := time.NewTimer(spec.Interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("polling loop stopped", "job_id", id)
			return

		case <-deadline.C:
			p.logger.Warn("polling deadline reached", "job_id", id, "deadline", spec.Deadline)
			if ctx.Err() == nil && spec.OnTimeout != nil {
				spec.OnTimeout()
			}
			return

		case <-tick.C:
			snap, err := spec.Fetch(ctx)
			if ctx.Err() != nil {
				// stopped mid-request; the response is stale
				return
			}

			var stop bool
			if err != nil {
				stop = spec.OnError != nil && spec.OnError(err)
			} else {
				stop = spec.OnSnapshot(snap)
			}
			if stop {
				return
			}
			tick.Reset(spec.Interval)
		}
	}
}

// release drops id from the table unless a newer loop already took its place
func (p *Poller) release(id string, l *loop) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if current, ok := p.loops[id]; ok && current == l {
		delete(p.loops, id)
	}
	l.cancel()
}
