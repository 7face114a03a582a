package main

import (
	"fmt"
	"io"
	"time"

	"github.com/cheggaaa/pb/v3"

	"github.com/lyzr/modelrelay/common/models"
)

// barRenderer draws job progress as a terminal bar and log lines as plain text
type barRenderer struct {
	out    io.Writer
	barOut io.Writer
	bar    *pb.ProgressBar
	jobID  string
}

func newBarRenderer(out, barOut io.Writer) *barRenderer {
	return &barRenderer{out: out, barOut: barOut}
}

func (r *barRenderer) Progress(job *models.Job) {
	if r.bar == nil || r.jobID != job.ID {
		r.finish()
		r.jobID = job.ID
		r.bar = pb.Full.New(100).
			SetWriter(r.barOut).
			SetRefreshRate(250 * time.Millisecond)
		r.bar.Start()
	}

	r.bar.Set("prefix", label(job)+" ")
	r.bar.Set("suffix", " "+string(job.Status))
	r.bar.SetCurrent(int64(job.Progress))

	if job.Status.IsTerminal() {
		r.finish()
	}
}

func (r *barRenderer) Log(entry models.LogEntry) {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	fmt.Fprintf(r.out, "[%s] %-7s %s\n", ts.Format(time.TimeOnly), entry.Severity, entry.Message)
}

func (r *barRenderer) Message(text string, severity models.Severity) {
	fmt.Fprintf(r.out, "[-] %s: %s\n", severity, text)
}

func (r *barRenderer) finish() {
	if r.bar == nil {
		return
	}
	r.bar.Finish()
	r.bar = nil
}

func label(job *models.Job) string {
	if job.Kind == models.KindTransfer {
		return "transfer " + job.DownloadID
	}
	if job.Repo != nil {
		return job.Repo.FullName
	}
	return job.ID
}
