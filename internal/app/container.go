package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/ncecere/tabscribe/backend/internal/cache"
	"github.com/ncecere/tabscribe/backend/internal/capture"
	"github.com/ncecere/tabscribe/backend/internal/capture/relay"
	"github.com/ncecere/tabscribe/backend/internal/config"
	"github.com/ncecere/tabscribe/backend/internal/dispatch"
	"github.com/ncecere/tabscribe/backend/internal/gateway"
	"github.com/ncecere/tabscribe/backend/internal/health"
	"github.com/ncecere/tabscribe/backend/internal/limits"
	"github.com/ncecere/tabscribe/backend/internal/models"
	"github.com/ncecere/tabscribe/backend/internal/observability"
	"github.com/ncecere/tabscribe/backend/internal/providers"
	"github.com/ncecere/tabscribe/backend/internal/services/livecapture"
)

// Version is reported by the health endpoint; overridden at build time.
var Version = "dev"

// Container aggregates runtime dependencies for handlers and services.
type Container struct {
	Config        *config.Config
	Logger        *slog.Logger
	Redis         *redis.Client
	Engine        providers.Engine
	Gateway       *gateway.Client
	Dispatcher    *dispatch.Dispatcher
	RateLimiter   *limits.RateLimiter
	Idempotency   *cache.IdempotencyCache
	HealthMon     *health.Monitor
	Observability *observability.Provider
	Relay         *relay.Hub
	Capture       *livecapture.Service
}

// NewContainer builds the engine, the dispatch chain and the relay-backed
// capture service. redisClient may be nil, which disables upload limiting.
func NewContainer(ctx context.Context, cfg *config.Config, redisClient *redis.Client, logger *slog.Logger) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	obsProvider, err := observability.Setup(ctx, cfg.Observability)
	if err != nil {
		return nil, fmt.Errorf("setup observability: %w", err)
	}

	engine, err := providers.NewFactory(cfg.Engine).Build(ctx)
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}

	container := &Container{
		Config:        cfg,
		Logger:        logger,
		Redis:         redisClient,
		Engine:        engine,
		Observability: obsProvider,
		RateLimiter: limits.NewRateLimiter(redisClient, limits.LimitConfig{
			RequestsPerMinute: cfg.RateLimits.RequestsPerMinute,
			ParallelRequests:  cfg.RateLimits.ParallelRequests,
		}),
		Idempotency: cache.NewIdempotencyCache(redisClient, cfg.Transcription.IdempotencyTTL),
		HealthMon:   health.NewMonitor(engine.Health, cfg.Health, logger.With(slog.String("component", "health"))),
	}
	container.wireDispatch()
	container.wireCapture()

	container.HealthMon.Start(ctx)
	go func() {
		_ = container.Capture.Run(ctx)
	}()
	return container, nil
}

func (c *Container) wireDispatch() {
	c.Gateway = gateway.New(c.Engine, gateway.Options{
		Model:             c.Config.Engine.Model,
		TranslationTarget: c.Config.Engine.TranslationTarget,
		Logger:            c.Logger.With(slog.String("component", "gateway")),
		Metrics:           c.Observability,
	})
	c.Dispatcher = dispatch.New(c.Gateway, dispatch.Options{
		MaxUploadBytes: c.Config.Transcription.MaxUploadBytes(),
		Logger:         c.Logger.With(slog.String("component", "dispatch")),
		Metrics:        c.Observability,
	})
}

func (c *Container) wireCapture() {
	capCfg := c.Config.Capture
	c.Relay = relay.NewHub(relay.HubOptions{
		Wait:   capCfg.RelayWait,
		Logger: c.Logger.With(slog.String("component", "relay")),
	})
	ctrl := capture.NewController(capture.Options{
		Platform:      c.Relay,
		Dispatcher:    c.Dispatcher,
		Interval:      capCfg.ChunkInterval,
		Timeslice:     capCfg.Timeslice,
		MimeType:      capCfg.MimeType,
		MaxInFlight:   capCfg.MaxInFlight,
		StartSequence: capCfg.StartSequence,
		EventBuffer:   capCfg.EventBuffer,
		Logger:        c.Logger.With(slog.String("component", "capture")),
		Metrics:       c.Observability,
	})
	c.Capture = livecapture.New(ctrl, livecapture.Options{
		Defaults: models.SessionConfig{
			Language:    capCfg.Language,
			TranslateTo: models.StringPtr(capCfg.TranslateTo),
		},
		StartSequence: capCfg.StartSequence,
		StopTimeout:   capCfg.StopTimeout,
		Logger:        c.Logger.With(slog.String("component", "livecapture")),
	})
}

// Close stops capture, ends relay feeds and flushes telemetry.
func (c *Container) Close(ctx context.Context) error {
	var firstErr error
	if c.Capture != nil {
		if err := c.Capture.Close(ctx); err != nil {
			firstErr = err
		}
	}
	if c.Relay != nil {
		c.Relay.Close()
	}
	if c.Observability != nil {
		if err := c.Observability.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
