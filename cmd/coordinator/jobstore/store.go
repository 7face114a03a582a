package jobstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/lyzr/modelrelay/common/models"
)

var (
	// ErrJobNotFound is returned for ids the store never saw
	ErrJobNotFound = errors.New("job not found")

	// ErrDuplicateJob is returned when an id is reused
	ErrDuplicateJob = errors.New("job already exists")
)

// Store holds every job record for the lifetime of the process.
// Records are only mutated under the lock; callers always get copies.
type Store struct {
	mu    sync.RWMutex
	jobs  map[string]*models.Job
	order []string
}

// New creates an empty store
func New() *Store {
	return &Store{
		jobs: make(map[string]*models.Job),
	}
}

// Create inserts a new record
func (s *Store) Create(job *models.Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	s.order = append(s.order, job.ID)
	return nil
}

// Get returns a copy of one record
func (s *Store) Get(id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job.Clone(), nil
}

// List returns copies of all records in creation order
func (s *Store) List() []*models.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Job, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.jobs[id].Clone())
	}
	return out
}

// Update runs fn against the live record under the write lock and returns a copy of the result.
// fn reports whether it changed anything. ID and Kind are restored if fn touched them.
func (s *Store) Update(id string, fn func(*models.Job) bool) (*models.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	kind := job.Kind
	changed := fn(job)
	job.ID = id
	job.Kind = kind

	return job.Clone(), changed, nil
}

// Len returns the number of records
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}
