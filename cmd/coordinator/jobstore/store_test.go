package jobstore

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/modelrelay/common/models"
)

func TestStore_CreateAndGet(t *testing.T) {
	s := New()
	job := models.NewJob("d1", models.KindDownload, time.Now())
	require.NoError(t, s.Create(job))

	got, err := s.Get("d1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInitiating, got.Status)

	// the store keeps its own copy
	job.Status = models.StatusFailed
	got, _ = s.Get("d1")
	assert.Equal(t, models.StatusInitiating, got.Status)

	// and hands out copies
	got.Progress = 99
	again, _ := s.Get("d1")
	assert.Equal(t, 0, again.Progress)
}

func TestStore_Errors(t *testing.T) {
	s := New()
	require.NoError(t, s.Create(models.NewJob("d1", models.KindDownload, time.Now())))

	err := s.Create(models.NewJob("d1", models.KindTransfer, time.Now()))
	assert.ErrorIs(t, err, ErrDuplicateJob)

	_, err = s.Get("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, _, err = s.Update("missing", func(*models.Job) bool { return true })
	assert.ErrorIs(t, err, ErrJobNotFound)

	assert.Error(t, s.Create(&models.Job{}))
}

func TestStore_ListInCreationOrder(t *testing.T) {
	s := New()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Create(models.NewJob(fmt.Sprintf("j%d", i), models.KindDownload, time.Now())))
	}

	jobs := s.List()
	require.Len(t, jobs, 5)
	for i, job := range jobs {
		assert.Equal(t, fmt.Sprintf("j%d", i), job.ID)
	}
	assert.Equal(t, 5, s.Len())
}

func TestStore_UpdateKeepsIdentity(t *testing.T) {
	s := New()
	require.NoError(t, s.Create(models.NewJob("d1", models.KindDownload, time.Now())))

	got, changed, err := s.Update("d1", func(j *models.Job) bool {
		j.ID = "other"
		j.Kind = models.KindTransfer
		j.Progress = 10
		return true
	})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "d1", got.ID)
	assert.Equal(t, models.KindDownload, got.Kind)
	assert.Equal(t, 10, got.Progress)
}

func TestStore_StaleSnapshotAfterTerminal(t *testing.T) {
	s := New()
	now := time.Now()
	job := models.NewJob("d1", models.KindDownload, now)
	job.Acknowledge(now)
	require.NoError(t, s.Create(job))

	_, changed, err := s.Update("d1", func(j *models.Job) bool { return j.Cancel(now) })
	require.NoError(t, err)
	assert.True(t, changed)

	stale := &models.Snapshot{Status: models.StatusCloning, Progress: 50}
	got, changed, err := s.Update("d1", func(j *models.Job) bool { return j.Apply(stale, now) })
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, models.StatusCancelled, got.Status)
}

func TestStore_ConcurrentUpdates(t *testing.T) {
	s := New()
	require.NoError(t, s.Create(models.NewJob("d1", models.KindDownload, time.Now())))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Update("d1", func(j *models.Job) bool {
				j.TotalFiles++
				return true
			})
			s.List()
		}()
	}
	wg.Wait()

	got, _ := s.Get("d1")
	assert.Equal(t, 50, got.TotalFiles)
}
