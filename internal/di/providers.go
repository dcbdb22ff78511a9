package di

import (
	"context"
	"fmt"
	"time"

	"CandlePull/internal/domain/models"
	domrepo "CandlePull/internal/domain/repository"
	"CandlePull/internal/handler/api"
	"CandlePull/internal/repository"
	"CandlePull/internal/service/cache"
	"CandlePull/internal/service/exchange/binance"
	"CandlePull/internal/service/exchange/kucoin"
	"CandlePull/internal/service/ratelimit"
	"CandlePull/internal/usecase"
	pkgch "CandlePull/pkg/clickhouse"
	"CandlePull/pkg/config"
	xhttp "CandlePull/pkg/http"
	pkgkafka "CandlePull/pkg/kafka"
	applogger "CandlePull/pkg/logger"
	"CandlePull/pkg/metrics"
	"CandlePull/pkg/server"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// EventSinks are the notifier consumers attached for the lifetime of the app.
type EventSinks []domrepo.EventSink

// ProvideKafkaProducer creates a Kafka producer, or nil when Kafka is disabled.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithDelivery(cfg.Kafka.RequiredAcks, cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithBatching(cfg.Kafka.Producer.BatchSize, cfg.Kafka.Producer.BatchBytes, cfg.Kafka.Producer.Linger),
		pkgkafka.WithTimeouts(cfg.Kafka.Producer.WriteTimeout, cfg.Kafka.Producer.ReadTimeout),
		pkgkafka.WithAsync(cfg.Kafka.Producer.Async),
		pkgkafka.WithAutoCreateTopics(cfg.Kafka.Producer.CreateTopics),
		pkgkafka.WithKeyOrdering(true),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

// ProvideLogger builds the app logger. With a producer and the collector enabled,
// repeated log lines are aggregated and shipped to the ops topic.
func ProvideLogger(cfg *config.Config, producer *pkgkafka.Producer) (*applogger.Logger, error) {
	l, err := applogger.New(&applogger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	if producer != nil && cfg.Log.Collector.Enabled {
		l.AddCollector(&applogger.CollectionConfig{
			Service:        "candlepull/" + cfg.Environment,
			TimeInterval:   cfg.Log.Collector.Interval,
			CountThreshold: cfg.Log.Collector.Threshold,
			Topic:          cfg.Log.Collector.Topic,
			Publisher:      repository.NewKafkaLogPublisher(producer),
			Warnings:       cfg.Log.Collector.Warnings,
		})
	}
	return l.With(applogger.String("env", cfg.Environment)), nil
}

// ProvideMetrics registers the pipeline collectors on the default registry
// served at /metrics.
func ProvideMetrics() *metrics.Recorder {
	return metrics.New(prometheus.DefaultRegisterer)
}

// ProvideCandleStore opens the shard store selected by storage.type.
func ProvideCandleStore(cfg *config.Config, l *applogger.Logger) (domrepo.CandleStore, error) {
	switch cfg.Storage.Type {
	case "memory":
		return repository.NewMemoryStore(), nil
	case "sqlite":
		s, err := repository.NewSQLiteStore(cfg.Storage.SQLitePath, l)
		if err != nil {
			return nil, fmt.Errorf("sqlite store: %w", err)
		}
		return s, nil
	case "clickhouse":
		ch := cfg.Storage.ClickHouse
		client, err := pkgch.NewClient(
			pkgch.WithHost(ch.Host),
			pkgch.WithPort(ch.Port),
			pkgch.WithDatabase(ch.Database),
			pkgch.WithCredentials(ch.User, ch.Password),
			pkgch.WithMaxConnections(10, 5),
			pkgch.WithHTTP(ch.UseHTTP),
			pkgch.WithAsyncInsert(ch.AsyncInsert, ch.WaitForAsync),
			pkgch.WithTimeouts(ch.DialTimeout, ch.ReadTimeout, ch.WriteTimeout),
			pkgch.WithMaxExecutionTime(ch.MaxExecutionTime),
		)
		if err != nil {
			return nil, fmt.Errorf("clickhouse client: %w", err)
		}
		s := repository.NewCHCandleStore(client, l)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Init(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("clickhouse schema: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
}

// ProvideRedisClient connects to Redis, or returns nil when it is disabled.
func ProvideRedisClient(cfg *config.Config) (*redis.Client, error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cli, err := repository.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	return cli, nil
}

// ProvideWatchlistStore persists the watchlist in Redis when available.
func ProvideWatchlistStore(cfg *config.Config, cli *redis.Client) domrepo.WatchlistStore {
	if cli == nil {
		return nil
	}
	return repository.NewRedisWatchlistStore(cli, cfg.Redis.Key)
}

// ProvideOrderBookCache shares snapshots through Redis, falling back to an
// in-process cache.
func ProvideOrderBookCache(cli *redis.Client) cache.BytesCache {
	if cli == nil {
		return cache.NewTTLCache()
	}
	return cache.NewRedisCache(cli, "")
}

// ProvideHarvester registers the enabled exchange adapters, each behind its own
// concurrency and request-rate gate.
func ProvideHarvester(cfg *config.Config, m *metrics.Recorder) (*usecase.Harvester, error) {
	h := usecase.NewHarvester(m)
	limiter := ratelimit.New()

	if ex := cfg.Exchanges.Binance; ex.Enabled {
		h.Register(binance.New(ex.APIKey, ex.APISecret, ex.BaseURL),
			ratelimit.NewGate(binance.Name, ex.Concurrency, ex.RateBurst, ex.RatePerSec, limiter))
	}
	if ex := cfg.Exchanges.KuCoin; ex.Enabled {
		hc := xhttp.NewClient(xhttp.WithTimeout(cfg.Scheduler.FetchTimeout))
		h.Register(kucoin.New(ex.BaseURL, hc),
			ratelimit.NewGate(kucoin.Name, ex.Concurrency, ex.RateBurst, ex.RatePerSec, limiter))
	}
	if len(h.Exchanges()) == 0 {
		return nil, fmt.Errorf("no exchange enabled")
	}
	return h, nil
}

// ProvideWatchlistRegistry restores persisted watches and seeds the configured ones.
func ProvideWatchlistRegistry(cfg *config.Config, h *usecase.Harvester, store domrepo.WatchlistStore, l *applogger.Logger) (*usecase.WatchlistRegistry, error) {
	r := usecase.NewWatchlistRegistry(cfg.Exchanges.Default, h.Exchanges(), store, l)

	static := make([]models.WatchEntry, 0, len(cfg.Watchlist))
	for _, w := range cfg.Watchlist {
		static = append(static, models.WatchEntry{
			Pair:      w.Pair,
			Timeframe: models.Timeframe(w.Timeframe),
			Exchange:  w.Exchange,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Load(ctx, static...); err != nil {
		return nil, fmt.Errorf("load watchlist: %w", err)
	}
	return r, nil
}

func ProvideNotifier(cfg *config.Config, l *applogger.Logger, m *metrics.Recorder) *usecase.Notifier {
	return usecase.NewNotifier(cfg.Notifier.BufferSize, l, m)
}

// ProvideEventSinks returns the sinks enabled in config.
func ProvideEventSinks(cfg *config.Config, producer *pkgkafka.Producer) EventSinks {
	var sinks EventSinks
	if producer != nil && cfg.Notifier.KafkaSink {
		sinks = append(sinks, repository.NewKafkaEventSink(producer, cfg.Kafka.Topics.CandlesReady))
	}
	return sinks
}

func ProvideScheduler(
	cfg *config.Config,
	registry *usecase.WatchlistRegistry,
	h *usecase.Harvester,
	store domrepo.CandleStore,
	ledger *usecase.RetryLedger,
	notifier *usecase.Notifier,
	l *applogger.Logger,
	m *metrics.Recorder,
) *usecase.Scheduler {
	sc := cfg.Scheduler
	return usecase.NewScheduler(usecase.SchedulerConfig{
		Tick:              sc.Tick,
		FinalityDelay:     sc.FinalityDelay,
		RetryDelay:        sc.RetryDelay,
		RateLimitCooldown: sc.RateLimitCooldown,
		FetchTimeout:      sc.FetchTimeout,
		Workers:           sc.Workers,
		BootstrapLimit:    sc.BootstrapLimit,
	}, registry, h, store, ledger, notifier,
		usecase.WithSchedulerLogger(l),
		usecase.WithSchedulerMetrics(m),
	)
}

// ProvideKafkaConsumer creates the command consumer, or nil when Kafka is disabled.
func ProvideKafkaConsumer(cfg *config.Config, l *applogger.Logger) (*pkgkafka.Consumer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	consumer, err := pkgkafka.NewConsumer(
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(cfg.Kafka.Consumer.GroupID),
		pkgkafka.WithConsumerWorkers(cfg.Kafka.Consumer.Workers),
		pkgkafka.WithConsumerBufferSize(cfg.Kafka.Consumer.BufferSize),
		pkgkafka.WithConsumerRetry(cfg.Kafka.Consumer.RetryMax, cfg.Kafka.Consumer.BackoffMin, cfg.Kafka.Consumer.BackoffMax),
		pkgkafka.WithConsumerDLQ(cfg.Kafka.Consumer.DLQTopic),
		pkgkafka.WithConsumerFetch(cfg.Kafka.Consumer.MinBytes, cfg.Kafka.Consumer.MaxBytes),
		pkgkafka.WithConsumerLogger(l),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	consumer.WithConsumerHook(pkgkafka.NewHookChain(
		pkgkafka.LoggingHook(l),
		pkgkafka.EventFilterHook(repository.HeaderEvent, usecase.WatchlistCommandEvent),
	))
	return consumer, nil
}

func ProvideWatchlistCommandHandler(cfg *config.Config, registry *usecase.WatchlistRegistry, m *metrics.Recorder, l *applogger.Logger) *usecase.WatchlistCommandHandler {
	return usecase.NewWatchlistCommandHandler(cfg.Kafka.Topics.WatchlistCommands, registry, m, l)
}

func ProvideCandlesUseCase(cfg *config.Config, store domrepo.CandleStore, h *usecase.Harvester) *usecase.CandlesUseCase {
	return usecase.NewCandlesUseCase(store, h, cfg.Exchanges.Default)
}

// ProvideHTTPServer mounts the REST and stream handlers on the Echo server.
func ProvideHTTPServer(
	cfg *config.Config,
	l *applogger.Logger,
	registry *usecase.WatchlistRegistry,
	scheduler *usecase.Scheduler,
	candles *usecase.CandlesUseCase,
	books cache.BytesCache,
	notifier *usecase.Notifier,
	store domrepo.CandleStore,
) *xhttp.Server {
	handlers := xhttp.Handlers{
		api.NewWatchlistEchoHandler(l, registry, scheduler),
		api.NewCandlesEchoHandler(l, candles, books, cfg.Server.OrderBookTTL),
	}
	if cfg.Notifier.WebSocket {
		handlers = append(handlers, api.NewStreamHandler(l, notifier, api.DefaultStreamConfig()))
	}
	return xhttp.NewServer(handlers,
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		xhttp.WithSlowRequest(cfg.Server.SlowRequest),
		xhttp.WithLogger(l),
		xhttp.WithHealthCheck(store.Health),
	)
}

// ProvideApp creates the application server.
func ProvideApp(
	cfg *config.Config,
	l *applogger.Logger,
	scheduler *usecase.Scheduler,
	notifier *usecase.Notifier,
	sinks EventSinks,
	consumer *pkgkafka.Consumer,
	commands *usecase.WatchlistCommandHandler,
	producer *pkgkafka.Producer,
	httpServer *xhttp.Server,
	store domrepo.CandleStore,
	redisClient *redis.Client,
) *server.App {
	app := server.New(cfg, l, scheduler, notifier, httpServer, store)
	for _, s := range sinks {
		app.AttachSink(s)
	}
	if consumer != nil {
		app.SetConsumer(consumer, commands)
	}
	if producer != nil {
		app.OnClose("kafka producer", producer.Close)
	}
	if redisClient != nil {
		app.OnClose("redis", redisClient.Close)
	}
	return app
}
