package coordinator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/modelrelay/common/models"
)

func TestPoller_AtMostOneLoopPerID(t *testing.T) {
	p := NewPoller(context.Background(), &testLogger{t: t})
	defer func() {
		p.StopAll()
		p.Wait()
	}()

	spec := LoopSpec{
		Interval: 10 * time.Millisecond,
		Deadline: time.Minute,
		Fetch: func(ctx context.Context) (*models.Snapshot, error) {
			return &models.Snapshot{Status: models.StatusCloning}, nil
		},
		OnSnapshot: func(*models.Snapshot) bool { return false },
	}

	assert.True(t, p.Start("a", spec))
	assert.False(t, p.Start("a", spec))
	assert.True(t, p.Start("b", spec))
	assert.Equal(t, 2, p.Count())
	assert.True(t, p.Active("a"))

	p.Stop("a")
	assert.False(t, p.Active("a"))
	assert.True(t, p.Start("a", spec))
}

func TestPoller_TicksAreSequential(t *testing.T) {
	p := NewPoller(context.Background(), &testLogger{t: t})

	var inFlight, overlaps, ticks atomic.Int32
	done := make(chan struct{})

	p.Start("a", LoopSpec{
		Interval: time.Millisecond,
		Deadline: time.Minute,
		Fetch: func(ctx context.Context) (*models.Snapshot, error) {
			if inFlight.Add(1) > 1 {
				overlaps.Add(1)
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return &models.Snapshot{}, nil
		},
		OnSnapshot: func(*models.Snapshot) bool {
			if ticks.Add(1) == 5 {
				close(done)
				return true
			}
			return false
		},
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not tick")
	}
	p.Wait()
	assert.Equal(t, int32(0), overlaps.Load())
	assert.Equal(t, 0, p.Count())
}

func TestPoller_ErrorsKeepPolling(t *testing.T) {
	p := NewPoller(context.Background(), &testLogger{t: t})

	var calls atomic.Int32
	p.Start("a", LoopSpec{
		Interval: time.Millisecond,
		Deadline: time.Minute,
		Fetch: func(ctx context.Context) (*models.Snapshot, error) {
			if calls.Add(1) < 3 {
				return nil, errors.New("connection refused")
			}
			return &models.Snapshot{Status: models.StatusCompleted}, nil
		},
		OnError:    func(error) bool { return false },
		OnSnapshot: func(s *models.Snapshot) bool { return s.Status.IsTerminal() },
	})

	p.Wait()
	assert.Equal(t, int32(3), calls.Load())
}

func TestPoller_Deadline(t *testing.T) {
	p := NewPoller(context.Background(), &testLogger{t: t})

	var timedOut atomic.Bool
	p.Start("a", LoopSpec{
		Interval: time.Millisecond,
		Deadline: 30 * time.Millisecond,
		Fetch: func(ctx context.Context) (*models.Snapshot, error) {
			return &models.Snapshot{Status: models.StatusCloning}, nil
		},
		OnSnapshot: func(*models.Snapshot) bool { return false },
		OnTimeout:  func() { timedOut.Store(true) },
	})

	p.Wait()
	assert.True(t, timedOut.Load())
	assert.False(t, p.Active("a"))
}

func TestPoller_StopAbandonsInFlightFetch(t *testing.T) {
	p := NewPoller(context.Background(), &testLogger{t: t})

	started := make(chan struct{})
	var handled atomic.Bool
	p.Start("a", LoopSpec{
		Interval: time.Millisecond,
		Deadline: time.Minute,
		Fetch: func(ctx context.Context) (*models.Snapshot, error) {
			close(started)
			<-ctx.Done()
			return &models.Snapshot{Status: models.StatusCompleted}, nil
		},
		OnSnapshot: func(*models.Snapshot) bool {
			handled.Store(true)
			return true
		},
	})

	<-started
	p.Stop("a")
	p.Wait()
	assert.False(t, handled.Load())
}

func TestPoller_ParentContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPoller(ctx, &testLogger{t: t})

	p.Start("a", LoopSpec{
		Interval: time.Millisecond,
		Deadline: time.Minute,
		Fetch: func(ctx context.Context) (*models.Snapshot, error) {
			return &models.Snapshot{}, nil
		},
		OnSnapshot: func(*models.Snapshot) bool { return false },
	})

	cancel()
	p.Wait()
	require.Equal(t, 0, p.Count())
}

func TestPoller_CloseRefusesNewLoops(t *testing.T) {
	p := NewPoller(context.Background(), &testLogger{t: t})

	spec := LoopSpec{
		Interval: 10 * time.Millisecond,
		Deadline: time.Minute,
		Fetch: func(ctx context.Context) (*models.Snapshot, error) {
			return &models.Snapshot{Status: models.StatusCloning}, nil
		},
		OnSnapshot: func(*models.Snapshot) bool { return false },
	}

	require.True(t, p.Start("a", spec))
	p.Close()
	p.Wait()

	assert.Equal(t, 0, p.Count())
	assert.False(t, p.Start("b", spec))
}
