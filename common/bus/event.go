package bus

import (
	"time"

	"github.com/lyzr/modelrelay/common/models"
)

// EventType names a broadcast
type EventType string

const (
	EventJobCreated  EventType = "job.created"
	EventJobUpdated  EventType = "job.updated"
	EventJobTerminal EventType = "job.terminal"
	EventRepoCurrent EventType = "repo.current"
)

// Event is one broadcast to views. Job and Repo are copies owned by the receiver.
type Event struct {
	Type EventType            `json:"type"`
	Job  *models.Job          `json:"job,omitempty"`
	Repo *models.RepoIdentity `json:"repo,omitempty"`
	At   time.Time            `json:"at"`
}

// JobEvent builds a job event carrying a copy of job
func JobEvent(t EventType, job *models.Job) Event {
	return Event{Type: t, Job: job.Clone(), At: time.Now()}
}

// RepoEvent builds a current-repo event
func RepoEvent(repo *models.RepoIdentity) Event {
	return Event{Type: EventRepoCurrent, Repo: repo.Clone(), At: time.Now()}
}

// JobID returns the id of the job the event is about, or ""
func (e Event) JobID() string {
	if e.Job == nil {
		return ""
	}
	return e.Job.ID
}

// Publisher accepts broadcast events. Publish never blocks.
type Publisher interface {
	Publish(Event)
}

// Publishers fans one event out to several publishers
type Publishers []Publisher

// Publish sends the event to every publisher
func (p Publishers) Publish(e Event) {
	for _, pub := range p {
		pub.Publish(e)
	}
}
