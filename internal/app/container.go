package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/acme/outbound-orchestrator/internal/api"
	"github.com/acme/outbound-orchestrator/internal/api/handlers"
	"github.com/acme/outbound-orchestrator/internal/concurrency"
	"github.com/acme/outbound-orchestrator/internal/config"
	"github.com/acme/outbound-orchestrator/internal/dispatch"
	"github.com/acme/outbound-orchestrator/internal/events"
	"github.com/acme/outbound-orchestrator/internal/infra/db"
	"github.com/acme/outbound-orchestrator/internal/infra/redis"
	"github.com/acme/outbound-orchestrator/internal/metrics"
	"github.com/acme/outbound-orchestrator/internal/queue"
	"github.com/acme/outbound-orchestrator/internal/repository"
	"github.com/acme/outbound-orchestrator/internal/repository/memory"
	pgrepo "github.com/acme/outbound-orchestrator/internal/repository/postgres"
	scyllarepo "github.com/acme/outbound-orchestrator/internal/repository/scylla"
	"github.com/acme/outbound-orchestrator/internal/scheduler"
	callsvc "github.com/acme/outbound-orchestrator/internal/service/call"
	campaignsvc "github.com/acme/outbound-orchestrator/internal/service/campaign"
	"github.com/acme/outbound-orchestrator/internal/telephony"
	"github.com/acme/outbound-orchestrator/internal/telephony/httpgw"
	"github.com/acme/outbound-orchestrator/internal/telephony/mock"
	"github.com/acme/outbound-orchestrator/internal/webhook"
	"github.com/acme/outbound-orchestrator/internal/window"
	"github.com/acme/outbound-orchestrator/pkg/logger"
)

// Container wires together shared infrastructure and the orchestrator
// components built on it.
type Container struct {
	Config  *config.Config
	Logger  *logger.Logger
	Metrics *metrics.Metrics
	Clock   window.Clock

	// nil unless the postgres storage driver is selected
	Postgres *db.Postgres
	Scylla   *db.Scylla
	// nil unless rate limiting is enabled
	Redis *redis.Client
	// nil unless kafka is enabled
	Kafka *queue.Kafka

	Repositories Repositories

	Bus        *events.Bus
	Publisher  *queue.EventPublisher
	Gateway    telephony.Gateway
	Dispatcher *dispatch.Dispatcher
	Scheduler  *scheduler.Scheduler
	Deliverer  *webhook.Deliverer
	Limiter    *concurrency.Limiter

	Campaigns *campaignsvc.Service
	Calls     *callsvc.Service
	Webhooks  *webhook.Service
}

// Repositories groups the persistence ports.
type Repositories struct {
	Campaigns     repository.CampaignRepository
	Contacts      repository.ContactRepository
	Stats         repository.CampaignStatisticsRepository
	Calls         repository.CallStore
	Events        repository.EventLog
	Subscriptions repository.SubscriptionRepository
	Deliveries    repository.DeliveryRepository
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	c := &Container{
		Config:  cfg,
		Logger:  lg,
		Metrics: metrics.New(),
		Clock:   window.SystemClock{},
	}

	if err := c.openStores(ctx); err != nil {
		_ = c.Close(ctx)
		return nil, err
	}
	if err := c.openMessaging(ctx); err != nil {
		_ = c.Close(ctx)
		return nil, err
	}
	c.wire()
	return c, nil
}

func (c *Container) openStores(ctx context.Context) error {
	if c.Config.Storage.Driver != "postgres" {
		c.Repositories = Repositories{
			Campaigns:     memory.NewCampaignRepository(),
			Contacts:      memory.NewContactRepository(),
			Stats:         memory.NewStatisticsRepository(),
			Calls:         memory.NewCallStore(),
			Events:        memory.NewEventLog(),
			Subscriptions: memory.NewSubscriptionRepository(),
			Deliveries:    memory.NewDeliveryRepository(),
		}
		c.Logger.Warn("using in-memory storage; state is lost on restart")
		return nil
	}

	pg, err := db.NewPostgres(ctx, c.Config.Postgres)
	if err != nil {
		return fmt.Errorf("bootstrap postgres: %w", err)
	}
	c.Postgres = pg

	scylla, err := db.NewScylla(c.Config.Scylla)
	if err != nil {
		return fmt.Errorf("bootstrap scylla: %w", err)
	}
	c.Scylla = scylla

	c.Repositories = Repositories{
		Campaigns:     pgrepo.NewCampaignRepository(pg.DB()),
		Contacts:      pgrepo.NewContactRepository(pg.DB()),
		Stats:         pgrepo.NewCampaignStatisticsRepository(pg.DB()),
		Calls:         scyllarepo.NewCallStore(scylla.Session()),
		Events:        pgrepo.NewEventLog(pg.DB()),
		Subscriptions: pgrepo.NewSubscriptionRepository(pg.DB()),
		Deliveries:    pgrepo.NewDeliveryRepository(pg.DB()),
	}
	return nil
}

func (c *Container) openMessaging(ctx context.Context) error {
	if c.Config.RateLimit.Enabled {
		client, err := redis.NewClient(ctx, c.Config.Redis)
		if err != nil {
			return fmt.Errorf("bootstrap redis: %w", err)
		}
		c.Redis = client
		c.Limiter = concurrency.NewLimiter(client.Inner(), c.Config.RateLimit.Requests, c.Config.RateLimit.Window)
	}

	if c.Config.Kafka.Enabled {
		k, err := queue.NewKafka(c.Config.Kafka)
		if err != nil {
			return fmt.Errorf("bootstrap kafka: %w", err)
		}
		c.Kafka = k
		c.Publisher = queue.NewEventPublisher(k, c.Config.Kafka.EventTopic)
	}
	return nil
}

func (c *Container) wire() {
	cfg := c.Config
	repos := c.Repositories
	lg := c.Logger.Logger

	c.Deliverer = webhook.NewDeliverer(cfg.Webhook, repos.Deliveries, repos.Subscriptions, repos.Events,
		&http.Client{}, c.Clock, lg.Named("webhook"), c.Metrics)

	busOpts := []events.Option{
		events.WithNotify(c.Deliverer.Notify),
		events.WithReplayAfter(cfg.Webhook.ReplayAfter),
	}
	if c.Publisher != nil {
		busOpts = append(busOpts, events.WithMirror(c.Publisher))
	}
	c.Bus = events.NewBus(repos.Events, repos.Subscriptions, repos.Deliveries, c.Clock, lg.Named("events"), c.Metrics, busOpts...)

	var provider *mock.Provider
	switch cfg.Telephony.Provider {
	case "http":
		c.Gateway = httpgw.New(cfg.Telephony.HTTP)
	default:
		provider = mock.NewProvider(cfg.Telephony.Mock, lg.Named("telephony"))
		c.Gateway = provider
	}

	c.Dispatcher = dispatch.New(cfg.Dispatcher, dispatch.Deps{
		Gateway: c.Gateway,
		Calls:   repos.Calls,
		Stats:   repos.Stats,
		Events:  c.Bus,
		Clock:   c.Clock,
		Logger:  lg.Named("dispatcher"),
		Metrics: c.Metrics,
	})
	if provider != nil {
		provider.Bind(c.Dispatcher)
	}

	c.Scheduler = scheduler.New(cfg.Scheduler, repos.Campaigns, repos.Contacts, repos.Calls, c.Dispatcher,
		c.Bus, c.Clock, lg.Named("scheduler"), c.Metrics)

	c.Campaigns = campaignsvc.NewService(repos.Campaigns, repos.Contacts, repos.Stats, c.Scheduler,
		campaignsvc.DefaultsFromConfig(cfg), c.Clock, lg.Named("campaigns"))
	c.Calls = callsvc.NewService(repos.Calls, repos.Campaigns, c.Dispatcher, c.Campaigns)
	c.Webhooks = webhook.NewService(repos.Subscriptions, repos.Deliveries, c.Bus, c.Clock, lg.Named("webhooks"), c.Deliverer.Notify)
}

// HealthChecks lists probes for the backing services in use.
func (c *Container) HealthChecks() []handlers.HealthCheck {
	var checks []handlers.HealthCheck
	if c.Postgres != nil {
		checks = append(checks, handlers.HealthCheck{Name: "postgres", Check: c.Postgres.Ping})
	}
	if c.Scylla != nil {
		checks = append(checks, handlers.HealthCheck{Name: "scylla", Check: c.Scylla.Ping})
	}
	if c.Redis != nil {
		checks = append(checks, handlers.HealthCheck{Name: "redis", Check: c.Redis.Ping})
	}
	return checks
}

// HTTPServer builds the admin API server.
func (c *Container) HTTPServer() *api.Server {
	h := handlers.NewHandlerSet(handlers.Deps{
		Campaigns: c.Campaigns,
		Calls:     c.Calls,
		Webhooks:  c.Webhooks,
		Outcomes:  c.Dispatcher,
		Health:    c.HealthChecks(),
		Logger:    c.Logger.Named("api"),
	})

	opts := api.Options{Config: c.Config, Metrics: c.Metrics, Logger: c.Logger.Named("api")}
	if c.Limiter != nil {
		opts.Limiter = c.Limiter
	}
	return api.NewServer(h, opts)
}

// EnsureTopics creates the event mirror topic when Kafka is enabled.
func (c *Container) EnsureTopics(ctx context.Context) error {
	if c.Kafka == nil {
		return errors.New("kafka is not enabled")
	}
	created, err := c.Kafka.EnsureTopics(ctx, c.Kafka.Topics(), c.Config.Kafka.Partitions, c.Config.Kafka.ReplicationFactor)
	if err != nil {
		return err
	}
	for _, topic := range created {
		c.Logger.Info("kafka topic created", zap.String("topic", topic))
	}
	return nil
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if c.Publisher != nil {
		if err := c.Publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event publisher close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	return errors.Join(errs...)
}
