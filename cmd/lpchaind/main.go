package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"OpenLP-Chain/internal/api"
	"OpenLP-Chain/internal/config"
	"OpenLP-Chain/internal/engine"
	"OpenLP-Chain/internal/ledger"
	"OpenLP-Chain/internal/ledger/solana"
	"OpenLP-Chain/internal/observability/alerting"
	"OpenLP-Chain/internal/observability/metrics"
	"OpenLP-Chain/internal/operation"
	"OpenLP-Chain/internal/plan"
	"OpenLP-Chain/internal/resilience"
	"OpenLP-Chain/internal/saga"
	"OpenLP-Chain/internal/statecache"
	"OpenLP-Chain/internal/submit"
	"OpenLP-Chain/internal/venue"
	"OpenLP-Chain/pkg/logger"
)

// main 是 OpenLP 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("lpchaind 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("LPCHAIN_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "lpchain.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	// 账本端点与钱包。
	endpoints, err := ledger.LoadEndpointDefinitions(cfg.Ledger.EndpointsFile)
	if err != nil {
		return err
	}
	endpoint, ok := endpoints.Ledgers[cfg.Ledger.Name]
	if !ok {
		return fmt.Errorf("账本端点未定义: %s", cfg.Ledger.Name)
	}

	chainClient, err := solana.NewClient(solana.ClientConfig{
		RPCURL:     endpoint.RPCURL,
		Commitment: endpoint.Commitment,
	})
	if err != nil {
		return err
	}
	relay, err := solana.NewRelay(solana.RelayConfig{URL: endpoint.RelayURL})
	if err != nil {
		return err
	}
	wallet, err := solana.NewKeypairSignerFromFile(cfg.Ledger.WalletKeyFile)
	if err != nil {
		return err
	}

	venueClient, err := venue.NewClient(venue.Config{BaseURL: endpoint.VenueURL})
	if err != nil {
		return err
	}

	// 仓位缓存。
	var cache statecache.Cache
	switch cfg.Storage.Cache.Driver {
	case "", "memory":
		cache = statecache.NewMemoryCache(cfg.Storage.Cache.CacheTTL())
	case "redis":
		redisCache, err := statecache.NewRedisCache(statecache.RedisCacheConfig{
			Address:  cfg.Storage.Cache.Address,
			Password: cfg.Storage.Cache.Password,
			DB:       cfg.Storage.Cache.DB,
			Prefix:   cfg.Storage.Cache.Prefix,
			TTL:      cfg.Storage.Cache.CacheTTL(),
		})
		if err != nil {
			return err
		}
		cache = redisCache
	default:
		return fmt.Errorf("未知的缓存驱动: %s", cfg.Storage.Cache.Driver)
	}

	// 操作存储。
	var store operation.Store
	switch cfg.Storage.OpStore.Driver {
	case "", "memory":
		store = operation.NewMemoryStore()
	case "mysql":
		mysqlStore, err := operation.NewMySQLStore(cfg.Storage.OpStore.DSN)
		if err != nil {
			return err
		}
		store = mysqlStore
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Storage.OpStore.Driver)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("关闭操作存储失败: %v", err)
		}
	}()

	// 操作队列。
	var queue operation.Queue
	switch cfg.Queue.Driver {
	case "", "memory":
		queue = operation.NewMemoryQueue(cfg.Queue.Buffer)
	case "redis":
		redisQueue, err := operation.NewRedisQueue(operation.RedisQueueConfig{
			Address:  cfg.Queue.Redis.Address,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
			Queue:    cfg.Queue.Redis.Queue,
		})
		if err != nil {
			return err
		}
		queue = redisQueue
	case "rabbitmq":
		rabbitQueue, err := operation.NewRabbitMQQueue(operation.RabbitMQConfig{
			URL:      cfg.Queue.RabbitMQ.URL,
			Queue:    cfg.Queue.RabbitMQ.Queue,
			Prefetch: cfg.Queue.RabbitMQ.Prefetch,
			Durable:  cfg.Queue.RabbitMQ.Durable,
		})
		if err != nil {
			return err
		}
		queue = rabbitQueue
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Printf("关闭操作队列失败: %v", err)
		}
	}()

	// 操作锁。
	var locks resilience.Locker
	switch cfg.Resilience.Lock.Driver {
	case "", "memory":
		locks = resilience.NewLockTable()
	case "redis":
		redisLocks, err := resilience.NewRedisLockTable(resilience.RedisLockConfig{
			Address:  cfg.Resilience.Lock.Address,
			Password: cfg.Resilience.Lock.Password,
			DB:       cfg.Resilience.Lock.DB,
			Prefix:   cfg.Resilience.Lock.Prefix,
			TTL:      cfg.Resilience.Lock.LockTTL(),
		})
		if err != nil {
			return err
		}
		locks = redisLocks
	default:
		return fmt.Errorf("未知的锁驱动: %s", cfg.Resilience.Lock.Driver)
	}

	// 计划构造与提交引擎。
	builder := plan.NewBuilder(venueClient, chainClient, venueClient, venueClient)
	retryPolicy := resilience.NewRetryPolicy(
		time.Duration(cfg.Resilience.Retry.BaseMS)*time.Millisecond,
		time.Duration(cfg.Resilience.Retry.CapMS)*time.Millisecond,
		cfg.Resilience.Retry.MaxAttempts,
	)
	breaker := resilience.NewBreaker("bundle-relay",
		cfg.Resilience.Breaker.Threshold,
		time.Duration(cfg.Resilience.Breaker.CooldownSeconds)*time.Second,
	)
	submitEngine := submit.NewEngine(wallet, chainClient, relay, chainClient, chainClient, cache,
		submit.WithConfig(submit.Config{
			SettleDelay:     time.Duration(cfg.Submission.SettleDelayMS) * time.Millisecond,
			ConfirmTimeout:  time.Duration(cfg.Submission.ConfirmTimeoutSeconds) * time.Second,
			SimulateTimeout: time.Duration(cfg.Submission.SimulateTimeoutSeconds) * time.Second,
			BundleTimeout:   time.Duration(cfg.Submission.BundleTimeoutSeconds) * time.Second,
			BundlePoll:      time.Duration(cfg.Submission.BundlePollMS) * time.Millisecond,
		}),
		submit.WithRetryPolicy(retryPolicy),
		submit.WithBreaker(breaker),
	)

	rebalancer := saga.NewRebalancer(builder, submitEngine, locks)
	executor := engine.New(builder, submitEngine, rebalancer)

	// 告警渠道。
	alerter := buildAlertDispatcher(cfg)

	service := operation.NewService(store, queue, cfg.Submission.MaxRetries)
	processor := operation.NewProcessor(executor, store, queue, queue,
		operation.WithWorkerCount(cfg.Submission.Workers),
		operation.WithAlertDispatcher(alerter),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("操作处理器异常退出: %v", err)
		}
	}()

	go func() {
		if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("指标服务异常退出: %v", err)
		}
	}()

	server := api.NewServer(cfg.Server.Address, service, executor)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildAlertDispatcher 按配置组装告警渠道，并统一套上去抖包装。
func buildAlertDispatcher(cfg *config.Config) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if cfg.Alerting.DingTalk.Enabled {
		notifiers = append(notifiers, &alerting.DingTalkNotifier{
			Sender: alerting.NewDingTalkWebhook(cfg.Alerting.DingTalk.URL, cfg.Alerting.DingTalk.Secret),
		})
	}
	if cfg.Alerting.Slack.Enabled {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    alerting.NewSlackWebhook(cfg.Alerting.Slack.Token),
			ChannelID: cfg.Alerting.Slack.ChannelID,
		})
	}
	if len(notifiers) == 0 {
		return nil
	}
	window := time.Duration(cfg.Alerting.DebounceSeconds) * time.Second
	return alerting.NewDebounced(alerting.NewFanout(notifiers...), resilience.NewDebouncer(window))
}
