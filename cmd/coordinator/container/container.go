package container

import (
	"context"
	"fmt"
	"net/http"

	"github.com/lyzr/modelrelay/cmd/coordinator/coordinator"
	"github.com/lyzr/modelrelay/cmd/coordinator/fanout"
	"github.com/lyzr/modelrelay/cmd/coordinator/jobstore"
	"github.com/lyzr/modelrelay/cmd/coordinator/policy"
	"github.com/lyzr/modelrelay/common/bootstrap"
	"github.com/lyzr/modelrelay/common/bus"
	"github.com/lyzr/modelrelay/common/clients"
	"github.com/lyzr/modelrelay/common/locator"
	"github.com/lyzr/modelrelay/common/ratelimit"
	"github.com/lyzr/modelrelay/common/repository"
	"github.com/lyzr/modelrelay/common/settings"
)

// Container holds all initialized services (singleton pattern)
type Container struct {
	// Components
	Components *bootstrap.Components

	// Stores
	Settings *settings.FileStore
	Jobs     *jobstore.Store
	History  *repository.JobHistoryRepository // nil unless history is enabled

	// Services
	JobServer   *clients.JobServerClient
	Broadcaster *bus.Broadcaster
	Mirror      *bus.RedisMirror // nil unless EVENTS_REDIS_CHANNEL is set
	Coordinator *coordinator.Coordinator
	Fanout      *fanout.Server

	// StartLimiter caps job starts per client; nil without redis
	StartLimiter *ratelimit.Limiter
}

// NewContainer initializes all services once
func NewContainer(ctx context.Context, components *bootstrap.Components) (*Container, error) {
	cfg := components.Config
	log := components.Logger

	settingsStore := settings.NewFileStore(cfg.Settings.Path)
	current, err := settingsStore.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	log.Info("job server settings loaded", "path", settingsStore.Path(), "server", current.BaseURL())

	jobServer := clients.NewJobServerClient(settingsStore, log,
		clients.WithHTTPClient(&http.Client{Timeout: cfg.Polling.RequestTimeout}),
		clients.WithHealthTimeout(cfg.Polling.HealthTimeout),
	)

	broadcaster := bus.NewBroadcaster(cfg.Events.Buffer, log)
	publishers := bus.Publishers{broadcaster}

	var mirror *bus.RedisMirror
	if cfg.Events.RedisChannel != "" && components.Redis != nil {
		mirror = bus.NewRedisMirror(components.Redis, cfg.Events.RedisChannel, log)
		publishers = append(publishers, mirror)
	}

	var history *repository.JobHistoryRepository
	opts := coordinator.Options{
		Server:    jobServer,
		Store:     jobstore.New(),
		KV:        components.KV,
		Locator:   locator.New(cfg.Locator.Host),
		Publisher: publishers,
		Timing: coordinator.Timing{
			DownloadInterval:  cfg.Polling.DownloadInterval,
			TransferInterval:  cfg.Polling.TransferInterval,
			DownloadCap:       cfg.Polling.DownloadCap,
			TransferCap:       cfg.Polling.TransferCap,
			NotFoundTolerance: cfg.Polling.NotFoundTolerance,
			GateOnHealth:      cfg.Polling.GateOnHealth,
		},
		Logger: log.WithFields(map[string]any{"component": "coordinator"}),
	}

	if components.DB != nil {
		history = repository.NewJobHistoryRepository(components.DB)
		opts.History = history
	}

	rule, err := policy.New(cfg.Policy.AutoTransferRule, cfg.Policy.AutoTransferTarget)
	if err != nil {
		return nil, fmt.Errorf("invalid auto-transfer rule: %w", err)
	}
	if rule != nil {
		log.Info("auto-transfer enabled", "rule", rule.Rule(), "target", cfg.Policy.AutoTransferTarget)
		opts.Rule = rule
	}

	var limiter *ratelimit.Limiter
	if components.Redis != nil && cfg.Service.StartLimit > 0 {
		limiter = ratelimit.NewLimiter(components.Redis.GetUnderlying(), cfg.Store.KeyPrefix, log)
	}

	coord := coordinator.New(ctx, opts)

	return &Container{
		Components:  components,
		Settings:    settingsStore,
		Jobs:        opts.Store,
		History:     history,
		JobServer:   jobServer,
		Broadcaster: broadcaster,
		Mirror:      mirror,
		Coordinator: coord,
		Fanout:      fanout.NewServer(broadcaster, cfg.Service.CORSOrigins, log),

		StartLimiter: limiter,
	}, nil
}

// Close stops polling and the broadcast
func (c *Container) Close() {
	c.Coordinator.Close()
	c.Broadcaster.Close()
}
