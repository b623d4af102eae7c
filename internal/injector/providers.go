package injector

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/google/wire"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/zeusync/decksync/internal/config"
	"github.com/zeusync/decksync/internal/core/assets"
	"github.com/zeusync/decksync/internal/core/auth"
	"github.com/zeusync/decksync/internal/core/cache"
	"github.com/zeusync/decksync/internal/core/endpoint"
	"github.com/zeusync/decksync/internal/core/events/bus"
	"github.com/zeusync/decksync/internal/core/observability/log"
	"github.com/zeusync/decksync/internal/core/observability/metrics"
	"github.com/zeusync/decksync/internal/core/realtime"
	"github.com/zeusync/decksync/internal/core/store"
	"github.com/zeusync/decksync/internal/core/tracker"
	"github.com/zeusync/decksync/sdk/go/client"
)

// App is the assembled client side of the sync engine.
type App struct {
	Config   *config.Config
	Logger   log.Log
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
	Bus      bus.EventBus
	Cache    *cache.Store
	Auth     *auth.Notifier
	Pipeline *assets.Pipeline
	Store    *store.Store
	Realtime *realtime.Channel

	subscriptions []bus.Subscription
}

// Close stops the realtime channel and the open trackers.
func (a *App) Close(ctx context.Context) error {
	for _, sub := range a.subscriptions {
		_ = sub.Cancel()
	}
	return a.Store.Close(ctx)
}

// ProviderSet builds every component from a *config.Config.
var ProviderSet = wire.NewSet(
	ProvideLogger,
	ProvideRegistry,
	ProvideMetrics,
	ProvideBus,
	ProvideCacheBackend,
	ProvideCache,
	ProvideEndpoint,
	ProvideNotifier,
	ProvidePipeline,
	ProvideStore,
	ProvideRealtime,
	NewApp,
)

func ProvideLogger(cfg *config.Config) log.Log {
	logger := log.Provide()
	logger.SetLevel(log.ParseLevel(cfg.Log.Level))
	return logger
}

func ProvideRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

func ProvideMetrics(reg *prometheus.Registry) (*metrics.Metrics, error) {
	m := metrics.New()
	if err := m.Register(reg); err != nil {
		return nil, errors.Wrap(err, "register metrics")
	}
	return m, nil
}

func ProvideBus(logger log.Log) bus.EventBus {
	b := bus.New()
	b.AddObserver(bus.NewLogObserver(logger))
	return b
}

// ProvideCacheBackend opens the configured backend. The cleanup closes the
// redis connection.
func ProvideCacheBackend(cfg *config.Config) (cache.Backend, func(), error) {
	switch cfg.Cache.Backend {
	case config.CacheMemory:
		return cache.NewMemoryBackend(), func() {}, nil
	case config.CacheRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, errors.Wrapf(err, "connect redis %s", cfg.Cache.RedisAddr)
		}
		return cache.NewRedisBackend(rdb, cfg.Cache.RedisPrefix), func() { _ = rdb.Close() }, nil
	default:
		return cache.NewFileBackend(cfg.Cache.Dir), func() {}, nil
	}
}

func ProvideCache(backend cache.Backend, logger log.Log, m *metrics.Metrics) *cache.Store {
	return cache.New(backend, cache.WithLogger(logger), cache.WithMetrics(m))
}

// ProvideEndpoint returns the HTTP client when a token is configured and the
// local-only endpoint otherwise.
func ProvideEndpoint(cfg *config.Config, logger log.Log) (endpoint.Endpoint, error) {
	if cfg.Service.Token == "" {
		return endpoint.NewLocalOnly(), nil
	}
	clientConfig := client.DefaultClientConfig()
	clientConfig.BaseURL = cfg.Service.BaseURL
	clientConfig.Token = cfg.Service.Token
	clientConfig.Timeout = cfg.Service.Timeout
	clientConfig.MaxRetries = cfg.Service.MaxRetries
	clientConfig.BatchSize = cfg.Service.BatchSize
	c, err := client.NewClient(clientConfig, client.WithLogger(logger))
	if err != nil {
		return nil, errors.Wrap(err, "create service client")
	}
	return c, nil
}

func ProvideNotifier(b bus.EventBus, ep endpoint.Endpoint, logger log.Log) *auth.Notifier {
	return auth.NewNotifier(b, ep, logger)
}

// ProvidePipeline shares one pipeline, and so one fingerprint index, between
// all documents of the account.
func ProvidePipeline(cfg *config.Config, ep endpoint.Endpoint, logger log.Log, m *metrics.Metrics) *assets.Pipeline {
	assetConfig := assets.DefaultConfig()
	assetConfig.UploadsPerSecond = cfg.Sync.UploadsPerSecond
	assetConfig.UploadBurst = cfg.Sync.UploadBurst
	assetConfig.PartConcurrency = cfg.Sync.PartConcurrency
	return assets.New(ep, assets.WithConfig(assetConfig), assets.WithLogger(logger), assets.WithMetrics(m))
}

func ProvideStore(cfg *config.Config, ep endpoint.Endpoint, c *cache.Store, b bus.EventBus, p *assets.Pipeline, logger log.Log, m *metrics.Metrics) *store.Store {
	trackerConfig := tracker.DefaultConfig()
	trackerConfig.QuietPeriod = cfg.Sync.QuietPeriod
	trackerConfig.ThumbnailDelay = cfg.Sync.ThumbnailDelay
	return store.New(ep, c,
		store.WithBus(b),
		store.WithLogger(logger),
		store.WithMetrics(m),
		store.WithIDGenerator(uuid.NewString),
		store.WithTrackerOptions(
			tracker.WithConfig(trackerConfig),
			tracker.WithPipeline(p),
			tracker.WithErrorReporter(func(err error) {
				logger.Warn("Background persist failed", log.Error(err))
			}),
		),
	)
}

// ProvideRealtime returns nil when realtime updates are disabled.
func ProvideRealtime(cfg *config.Config, ep endpoint.Endpoint, s *store.Store, b bus.EventBus, logger log.Log, m *metrics.Metrics) *realtime.Channel {
	if !cfg.Realtime.Enabled {
		return nil
	}
	rtConfig := realtime.DefaultConfig()
	rtConfig.ReconnectInterval = cfg.Realtime.ReconnectInterval
	rtConfig.ReconnectBurst = cfg.Realtime.ReconnectBurst
	ch := realtime.New(ep, s,
		realtime.WithConfig(rtConfig),
		realtime.WithBus(b),
		realtime.WithLogger(logger),
		realtime.WithMetrics(m),
	)
	s.AttachRealtime(ch)
	return ch
}

// NewApp subscribes the store and the shared pipeline to account changes.
func NewApp(
	cfg *config.Config,
	logger log.Log,
	m *metrics.Metrics,
	reg *prometheus.Registry,
	b bus.EventBus,
	c *cache.Store,
	n *auth.Notifier,
	p *assets.Pipeline,
	s *store.Store,
	rt *realtime.Channel,
) (*App, error) {
	app := &App{
		Config:   cfg,
		Logger:   logger,
		Metrics:  m,
		Registry: reg,
		Bus:      b,
		Cache:    c,
		Auth:     n,
		Pipeline: p,
		Store:    s,
		Realtime: rt,
	}
	sub, err := n.OnChange(func(ep endpoint.Endpoint) { p.SetUploader(ep) })
	if err != nil {
		return nil, errors.Wrap(err, "watch account for uploads")
	}
	app.subscriptions = append(app.subscriptions, sub)
	sub, err = s.Watch(n)
	if err != nil {
		return nil, errors.Wrap(err, "watch account for documents")
	}
	app.subscriptions = append(app.subscriptions, sub)
	return app, nil
}
