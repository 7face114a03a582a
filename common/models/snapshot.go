package models

// Snapshot is one normalized status response from the job server.
// Every field is populated; absent wire values become zero values and a nil Size.
type Snapshot struct {
	Status      Status     `json:"status"`
	Progress    int        `json:"progress"`
	CurrentFile string     `json:"currentFile"`
	TotalFiles  int        `json:"totalFiles"`
	Size        *SizeInfo  `json:"size,omitempty"`
	Error       string     `json:"error,omitempty"`
	Message     string     `json:"message,omitempty"`
	Logs        []LogEntry `json:"logs"`
}

// NotFoundSnapshot is what a status lookup returns before the server registered the id
func NotFoundSnapshot() *Snapshot {
	return &Snapshot{Status: StatusNotFound, Logs: []LogEntry{}}
}

// State is what a view needs to reconcile itself when it opens
type State struct {
	Repo         *RepoIdentity `json:"repo,omitempty"`
	ActiveJob    *Job          `json:"activeJob,omitempty"`
	LastJob      *Job          `json:"lastJob,omitempty"`
	ServerOnline bool          `json:"serverOnline"`
}
