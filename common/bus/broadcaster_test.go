package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func TestBroadcaster_DeliversToAllSubscribers(t *testing.T) {
	b := NewBroadcaster(4, &testLogger{t: t})
	a := b.Subscribe()
	c := b.Subscribe()
	assert.Equal(t, 2, b.Count())

	job := models.NewJob("d1", models.KindDownload, time.Now())
	b.Publish(JobEvent(EventJobUpdated, job))

	for _, ch := range []chan Event{a, c} {
		select {
		case e := <-ch:
			assert.Equal(t, EventJobUpdated, e.Type)
			assert.Equal(t, "d1", e.JobID())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}

	b.Unsubscribe(a)
	assert.Equal(t, 1, b.Count())
	_, open := <-a
	assert.False(t, open)

	// double unsubscribe is harmless
	b.Unsubscribe(a)
}

func TestBroadcaster_EventsAreCopies(t *testing.T) {
	b := NewBroadcaster(4, &testLogger{t: t})
	ch := b.Subscribe()

	job := models.NewJob("d1", models.KindDownload, time.Now())
	b.Publish(JobEvent(EventJobUpdated, job))
	job.Status = models.StatusFailed

	e := <-ch
	assert.Equal(t, models.StatusInitiating, e.Job.Status)
}

func TestBroadcaster_DropsForSlowSubscriber(t *testing.T) {
	b := NewBroadcaster(1, &testLogger{t: t})
	ch := b.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: EventJobUpdated})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, ch, 1)
}

func TestBroadcaster_NoSubscribers(t *testing.T) {
	b := NewBroadcaster(0, &testLogger{t: t})
	b.Publish(Event{Type: EventRepoCurrent})
	assert.Equal(t, 0, b.Count())
}

func TestBroadcaster_Close(t *testing.T) {
	b := NewBroadcaster(1, &testLogger{t: t})
	ch := b.Subscribe()
	b.Close()

	_, open := <-ch
	assert.False(t, open)

	late := b.Subscribe()
	_, open = <-late
	assert.False(t, open)
}

type fakeRedis struct {
	mu       sync.Mutex
	channel  string
	messages [][]byte
}

func (f *fakeRedis) PublishEvent(ctx context.Context, channel string, message []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channel = channel
	f.messages = append(f.messages, message)
	return nil
}

func (f *fakeRedis) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func TestRedisMirror(t *testing.T) {
	fake := &fakeRedis{}
	m := NewRedisMirror(fake, "modelrelay:events", &testLogger{t: t})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	job := models.NewJob("d1", models.KindDownload, time.Now())
	Publishers{m}.Publish(JobEvent(EventJobCreated, job))

	require.Eventually(t, func() bool { return fake.count() == 1 }, time.Second, 10*time.Millisecond)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, "modelrelay:events", fake.channel)

	var e Event
	require.NoError(t, json.Unmarshal(fake.messages[0], &e))
	assert.Equal(t, EventJobCreated, e.Type)
	assert.Equal(t, "d1", e.Job.ID)
}

func TestDecodeEvent(t *testing.T) {
	_, err := decodeEvent([]byte("{oops"))
	assert.Error(t, err)

	_, err = decodeEvent([]byte(`{"job":{"id":"d1"}}`))
	assert.Error(t, err)

	e, err := decodeEvent([]byte(`{"type":"job.updated","job":{"id":"d1","status":"cloning"}}`))
	require.NoError(t, err)
	assert.Equal(t, "d1", e.JobID())
	assert.Equal(t, models.StatusCloning, e.Job.Status)
}

// Requires redis on localhost:6379; skipped otherwise
func TestRedisFollower_ReceivesMirroredEvents(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rdb := goredis.NewClient(&goredis.Options{Addr: "localhost:6379", DB: 15})
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	defer rdb.Close()

	channel := "modelrelay-test:events"
	events, err := NewRedisFollower(rdb, channel, &testLogger{t: t}).Follow(ctx)
	require.NoError(t, err)

	job := models.NewJob("d1", models.KindDownload, time.Now())
	data, err := json.Marshal(JobEvent(EventJobUpdated, job))
	require.NoError(t, err)
	require.NoError(t, rdb.Publish(ctx, channel, "not json").Err())
	require.NoError(t, rdb.Publish(ctx, channel, data).Err())

	select {
	case e := <-events:
		assert.Equal(t, "d1", e.JobID())
	case <-ctx.Done():
		t.Fatal("no event received")
	}

	cancel()
	for range events {
	}
}
