package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/lyzr/modelrelay/common/bus"
	"github.com/lyzr/modelrelay/common/clients"
	"github.com/lyzr/modelrelay/common/logger"
	"github.com/lyzr/modelrelay/common/models"
	"github.com/lyzr/modelrelay/common/view"
)

type options struct {
	coordinator  string
	pageURL      string
	download     bool
	branch       string
	transferTo   string
	downloadID   string
	cancel       bool
	watch        bool
	wait         time.Duration
	redisAddr    string
	redisChannel string
	logLevel     string
}

func main() {
	if err := run(); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Fatal(err)
	}
}

func parseFlags() options {
	var o options
	flag.StringVar(&o.coordinator, "coordinator", "http://localhost:7070", "coordinator base URL")
	flag.StringVar(&o.pageURL, "url", "", "repository page URL to identify before anything else")
	flag.BoolVar(&o.download, "download", false, "start a download of the current repository")
	flag.StringVar(&o.branch, "branch", "", "branch to download (defaults to the page's branch)")
	flag.StringVar(&o.transferTo, "transfer", "", "ship a finished download to this target path")
	flag.StringVar(&o.downloadID, "download-id", "", "download to transfer (defaults to the last finished one)")
	flag.BoolVar(&o.cancel, "cancel", false, "cancel the active job")
	flag.BoolVar(&o.watch, "watch", true, "follow the job until it finishes")
	flag.DurationVar(&o.wait, "wait", 5*time.Minute, "how long to follow a job")
	flag.StringVar(&o.redisAddr, "redis", "", "follow events from this redis address instead of the websocket")
	flag.StringVar(&o.redisChannel, "redis-channel", "modelrelay:events", "redis channel the coordinator mirrors events to")
	flag.StringVar(&o.logLevel, "log-level", "warn", "log level")
	flag.Parse()
	return o
}

func run() error {
	o := parseFlags()
	if o.download && o.transferTo != "" {
		flag.Usage()
		return flag.ErrHelp
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger.NewWithWriter(os.Stderr, o.logLevel, "text")
	client := clients.NewCoordinatorClient(o.coordinator, log)
	render := newBarRenderer(os.Stdout, os.Stderr)
	defer render.finish()

	v := view.New(client, render, log, view.WithMaxWait(o.wait))

	if o.pageURL != "" {
		repo, err := client.Identify(ctx, o.pageURL, "")
		if err != nil {
			render.Message(view.FailureMessage(err), models.SeverityError)
			return err
		}
		fmt.Printf("[-] Repository: %s (%s, branch %s)\n", repo.FullName, repo.RepoType, repo.Branch)
	}

	state, err := v.Open(ctx)
	if err != nil {
		return err
	}

	switch {
	case o.cancel:
		if state.ActiveJob == nil {
			render.Message("Nothing is running.", models.SeverityInfo)
			return nil
		}
		if _, err := v.Cancel(ctx); err != nil {
			return err
		}
		return nil

	case o.download:
		if _, err := v.StartDownload(ctx, nil, downloadOptions(o)); err != nil {
			return err
		}

	case o.transferTo != "":
		id := o.downloadID
		if id == "" {
			id = lastDownload(state)
		}
		if id == "" {
			render.Message("No finished download to transfer; pass -download-id.", models.SeverityError)
			return flag.ErrHelp
		}
		if _, err := v.StartTransfer(ctx, id, o.transferTo); err != nil {
			return err
		}
	}

	if !o.watch || v.JobID() == "" {
		return nil
	}

	events, err := subscribe(ctx, o, client, log)
	if err != nil {
		log.Warn("event stream unavailable, polling only", "error", err)
	}

	job, err := v.Watch(ctx, events)
	if err != nil {
		var timeoutErr *clients.TimeoutError
		if errors.As(err, &timeoutErr) || errors.Is(err, context.Canceled) {
			// the job keeps going in the coordinator
			return nil
		}
		return err
	}

	if job != nil && job.Status.IsSuccess() {
		fmt.Printf("[-] %s finished: %s\n", label(job), job.Status)
	}
	return nil
}

func downloadOptions(o options) map[string]any {
	if o.branch == "" {
		return nil
	}
	return map[string]any{"branch": o.branch}
}

func lastDownload(state *models.State) string {
	job := state.LastJob
	if job == nil || job.Kind != models.KindDownload || !job.Status.IsSuccess() {
		return ""
	}
	return job.ID
}

func subscribe(ctx context.Context, o options, client *clients.CoordinatorClient, log *logger.Logger) (<-chan bus.Event, error) {
	if o.redisAddr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: o.redisAddr})
		context.AfterFunc(ctx, func() { rdb.Close() })
		return bus.NewRedisFollower(rdb, o.redisChannel, log).Follow(ctx)
	}

	sub, err := clients.NewEventSubscriber(client.BaseURL(), log)
	if err != nil {
		return nil, err
	}
	return sub.Subscribe(ctx, nil), nil
}
