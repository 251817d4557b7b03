package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Tyrowin/chatboard/internal/attachment"
	"github.com/Tyrowin/chatboard/internal/message"
	"github.com/Tyrowin/chatboard/internal/query"
	"github.com/Tyrowin/chatboard/internal/realtime"
	"go.uber.org/zap"
)

const brokerPingTimeout = 3 * time.Second

// App is an assembled chatboard service.
type App struct {
	cfg       Config
	logger    *zap.Logger
	store     *message.Store
	metrics   *Metrics
	broker    realtime.Broker
	publisher realtime.Publisher
	hub       *realtime.Hub
	handler   http.Handler
	server    *http.Server

	relayCancel context.CancelFunc
	relayDone   chan struct{}
}

// New builds the service described by cfg. ctx bounds start-up work such
// as loading cloud credentials.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*App, error) {
	cfg = sanitizeConfig(cfg)
	if logger == nil {
		logger = zap.NewNop()
	}

	store := message.NewStore(message.WithMaxListLimit(cfg.MaxListLimit))
	metrics := NewMetrics(store.Len)

	broker, err := newBroker(ctx, cfg.Realtime, logger)
	if err != nil {
		return nil, err
	}
	publisher := realtime.NewPublisher(broker, logger.Named("publisher"), realtime.PublisherOptions{
		QueueSize:      cfg.Realtime.QueueSize,
		PublishTimeout: cfg.Realtime.PublishTimeout,
		OnOutcome:      metrics.publishOutcome,
	})

	app := &App{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		metrics:   metrics,
		broker:    broker,
		publisher: publisher,
	}

	if local, ok := broker.(*realtime.LocalBroker); ok {
		metrics.trackLocalDrops(local.Dropped)
	}
	if broker != nil {
		app.hub = realtime.NewHub(logger.Named("hub"), realtime.HubOptions{
			MaxMessageSize:  cfg.MaxMessageSize,
			InboundBurst:    cfg.RateLimit.Burst,
			InboundInterval: cfg.RateLimit.RefillInterval,
			OnClientCount:   metrics.setViewers,
		})
		go app.hub.Run()

		relayCtx, cancel := context.WithCancel(context.Background())
		app.relayCancel = cancel
		app.relayDone = make(chan struct{})
		go func() {
			defer close(app.relayDone)
			app.hub.Relay(relayCtx, broker)
		}()
	}

	storage, uploads, err := newStorage(ctx, cfg.Uploads)
	if err != nil {
		_ = publisher.Close(ctx)
		_ = app.closeRealtime(ctx)
		return nil, err
	}
	uploader := attachment.NewUploader(storage, cfg.Uploads.MaxBytes, logger.Named("attachment"))

	svc := query.NewService(store, publisher, logger.Named("query"))
	origins := newOriginPolicy(cfg.AllowedOrigins, logger)
	api := NewAPI(svc, uploader, app.hub, metrics, origins, logger.Named("api"))

	app.handler = SetupRoutes(RouterDeps{
		API:     api,
		Metrics: metrics,
		Origins: origins,
		Limiter: newIPRateLimiter(cfg.HTTPRateLimit),
		Uploads: uploads,
		Logger:  logger,
	})
	app.server = CreateServer(cfg, app.handler)
	return app, nil
}

// newBroker picks the first configured transport: Redis, then Kafka, then
// the in-process broker. It returns nil when realtime is disabled.
func newBroker(ctx context.Context, cfg RealtimeConfig, logger *zap.Logger) (realtime.Broker, error) {
	switch {
	case cfg.RedisAddr != "":
		b := realtime.NewRedisBroker(realtime.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Topic:    cfg.Topic,
		})
		pingCtx, cancel := context.WithTimeout(ctx, brokerPingTimeout)
		defer cancel()
		if err := b.Ping(pingCtx); err != nil {
			logger.Warn("redis not reachable yet, events will be retried through the breaker",
				zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		return b, nil
	case len(cfg.KafkaBrokers) > 0:
		return realtime.NewKafkaBroker(cfg.KafkaBrokers, cfg.Topic, logger.Named("kafka")), nil
	case cfg.Local:
		return realtime.NewLocalBroker(cfg.QueueSize, logger.Named("local-broker")), nil
	default:
		return nil, nil
	}
}

// newStorage returns the attachment backend and, for disk storage, the
// handler serving stored files.
func newStorage(ctx context.Context, cfg UploadConfig) (attachment.Storage, http.Handler, error) {
	if cfg.S3Bucket != "" {
		s3, err := attachment.NewS3Storage(ctx, attachment.S3Options{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Prefix:   cfg.S3Prefix,
			Endpoint: cfg.S3Endpoint,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("s3 storage: %w", err)
		}
		return s3, nil, nil
	}

	disk, err := attachment.NewDiskStorage(cfg.Dir)
	if err != nil {
		return nil, nil, fmt.Errorf("disk storage: %w", err)
	}
	return disk, disk.Handler(), nil
}

// Handler returns the application's root handler.
func (a *App) Handler() http.Handler { return a.handler }

// Config returns the effective configuration.
func (a *App) Config() Config { return a.cfg }

// RealtimeEnabled reports whether viewers can receive live events.
func (a *App) RealtimeEnabled() bool { return a.hub != nil }

// Run serves until ctx is cancelled or the listener fails, then shuts
// down within the configured timeout.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- StartServer(a.server, a.logger)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case serveErr = <-errCh:
		if serveErr != nil {
			a.logger.Error("server error", zap.Error(serveErr))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	return errors.Join(serveErr, a.Shutdown(shutdownCtx))
}

// Shutdown stops accepting requests, drains queued events, disconnects
// viewers and closes the store.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error

	if err := ShutdownServer(a.server, a.cfg.ShutdownTimeout, a.logger); err != nil {
		errs = append(errs, err)
	}
	if err := a.publisher.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("publisher: %w", err))
	}
	if err := a.closeRealtime(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}

	a.logger.Info("graceful shutdown completed")
	return errors.Join(errs...)
}

func (a *App) closeRealtime(ctx context.Context) error {
	if a.broker == nil {
		return nil
	}

	var errs []error
	a.relayCancel()
	select {
	case <-a.relayDone:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("relay: %w", ctx.Err()))
	}
	if err := a.hub.Shutdown(a.cfg.ShutdownTimeout); err != nil {
		errs = append(errs, fmt.Errorf("hub: %w", err))
	}
	if err := a.broker.Close(); err != nil {
		errs = append(errs, fmt.Errorf("broker: %w", err))
	}
	return errors.Join(errs...)
}
