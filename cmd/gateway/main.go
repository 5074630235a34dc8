package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/amqp"
	"github.com/lalithlochan/herald/internal/api"
	"github.com/lalithlochan/herald/internal/auth"
	"github.com/lalithlochan/herald/internal/circuitbreaker"
	"github.com/lalithlochan/herald/internal/config"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/delivery"
	"github.com/lalithlochan/herald/internal/email"
	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/notify"
	"github.com/lalithlochan/herald/internal/observ"
	"github.com/lalithlochan/herald/internal/outbox"
	"github.com/lalithlochan/herald/internal/queue"
	"github.com/lalithlochan/herald/internal/realtime"
	"github.com/lalithlochan/herald/internal/redis"
	"github.com/lalithlochan/herald/internal/render"
	"github.com/lalithlochan/herald/internal/sns"
	"github.com/lalithlochan/herald/internal/sqs"
	"github.com/lalithlochan/herald/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting herald gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("email_provider", cfg.EmailProvider),
		zap.String("queue_backend", cfg.QueueBackend),
	)

	// Initialize database connection
	ctx := context.Background()
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger.Named("db"))

	// Redis is optional unless realtime fan-out needs it.
	var redisClient *redis.Client
	if cfg.RedisAddr() != "" {
		redisClient, err = redis.New(ctx, redis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			if cfg.RealtimeFanout == config.FanoutRedis {
				return fmt.Errorf("failed to connect to redis: %w", err)
			}
			logger.Warn("redis unavailable, idempotency and rate limiting disabled",
				zap.Error(err),
				zap.String("addr", cfg.RedisAddr()),
			)
			redisClient = nil
		}
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	sender, err := newEmailSender(ctx, cfg, logger.Named("email"))
	if err != nil {
		return err
	}

	breakerCfg := circuitbreaker.DefaultConfig(sender.Name())
	breakerCfg.OnStateChange = func(name string, _, to circuitbreaker.State) {
		metrics.SetCircuitState(name, int(to))
	}
	breaker := circuitbreaker.New(breakerCfg, logger.Named("breaker"))
	protected := circuitbreaker.NewProtectedSender(sender, breaker, logger.Named("breaker"))

	deliverer := delivery.New(render.New(), protected)

	// Realtime: bell pushes go to local connections, or through Redis so
	// every instance sees them.
	registry := realtime.NewRegistry()
	var pusher realtime.Pusher = registry
	var fanout *redis.Fanout
	if cfg.RealtimeFanout == config.FanoutRedis {
		fanout = redis.NewFanout(redisClient, cfg.RealtimeChannel, logger.Named("fanout"))
		pusher = fanout
	}

	svc := notify.NewService(repo, realtime.NewDispatcher(pusher), notify.Config{
		QueueDispatch: cfg.QueueBackend != config.QueueNone,
	}, logger.Named("notify"))

	// Queue trigger and outbox relay.
	var closeBroker func() error
	var source queue.Source
	var publisher outbox.Publisher

	switch cfg.QueueBackend {
	case config.QueueSQS:
		client, err := sqs.NewClient(ctx, cfg.AWSRegion)
		if err != nil {
			return fmt.Errorf("failed to create sqs client: %w", err)
		}
		source = sqs.NewConsumer(client, sqs.Config{
			Region:      cfg.AWSRegion,
			QueueURL:    cfg.SQSQueueURL,
			Concurrency: cfg.QueueConcurrency,
		}, logger.Named("sqs"))
		publisher = sqs.NewProducer(client, cfg.SQSQueueURL, logger.Named("sqs"))

	case config.QueueRabbitMQ:
		client, err := amqp.Dial(amqp.Config{
			URL:         cfg.RabbitMQURL,
			Exchange:    cfg.RabbitMQExchange,
			Queue:       cfg.RabbitMQQueue,
			Concurrency: cfg.QueueConcurrency,
		}, logger.Named("amqp"))
		if err != nil {
			return fmt.Errorf("failed to connect to rabbitmq: %w", err)
		}
		closeBroker = client.Close

		consumer, err := client.Consumer()
		if err != nil {
			_ = client.Close()
			return fmt.Errorf("failed to open rabbitmq consumer: %w", err)
		}
		source = consumer

		amqpPublisher, err := client.Publisher()
		if err != nil {
			_ = client.Close()
			return fmt.Errorf("failed to open rabbitmq publisher: %w", err)
		}
		publisher = amqpPublisher
	}

	// With a topic configured the outbox fans out through SNS; the queue
	// subscribes to it with raw message delivery.
	if cfg.EmailTopicARN != "" {
		client, err := sns.NewClient(ctx, cfg.AWSRegion, "")
		if err != nil {
			if closeBroker != nil {
				_ = closeBroker()
			}
			return fmt.Errorf("failed to create sns client: %w", err)
		}
		publisher = sns.NewPublisher(client, cfg.EmailTopicARN, logger.Named("sns"))
	}

	if cfg.OutboxEnabled && publisher == nil {
		if closeBroker != nil {
			_ = closeBroker()
		}
		return fmt.Errorf("OUTBOX_ENABLED requires a queue backend or EMAIL_TOPIC_ARN")
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())
	defer loopCancel()
	var loops sync.WaitGroup

	goLoop := func(name string, fn func(ctx context.Context) error) {
		loops.Add(1)
		go func() {
			defer loops.Done()
			if err := fn(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("background loop exited", zap.String("loop", name), zap.Error(err))
			}
		}()
	}

	if fanout != nil {
		goLoop("fanout", func(ctx context.Context) error {
			return fanout.Run(ctx, registry, nil)
		})
	}

	if cfg.PollEnabled {
		w := worker.New(repo, deliverer, worker.Config{
			PollInterval: cfg.PollInterval,
			BatchSize:    cfg.PollBatchSize,
			ClaimLease:   cfg.ClaimLease,
		}, logger.Named("worker"))
		goLoop("worker", func(ctx context.Context) error {
			w.Start(ctx)
			return nil
		})
	}

	if source != nil {
		dispatcher := queue.NewDispatcher(repo, deliverer, cfg.ClaimLease, logger.Named("queue"))
		goLoop("queue", func(ctx context.Context) error {
			return source.Run(ctx, dispatcher.Handle)
		})
	}

	if cfg.OutboxEnabled {
		relay := outbox.NewRelay(repo, publisher, outbox.Config{
			Interval: cfg.OutboxInterval,
		}, logger.Named("outbox"))
		goLoop("outbox", func(ctx context.Context) error {
			relay.Start(ctx)
			return nil
		})
	}

	goLoop("stats", func(ctx context.Context) error {
		reportPoolStats(ctx, database, redisClient)
		return nil
	})

	// API
	handler := api.NewHandler(logger.Named("api"), svc, repo).WithRegistry(registry)
	routerCfg := api.RouterConfig{
		Authenticator: auth.NewVerifier(cfg.JWTSecret),
		Health:        database,
	}
	if redisClient != nil {
		handler.WithIdempotency(redis.NewIdempotencyService(redisClient, logger.Named("idempotency")))
		routerCfg.RateLimiter = redis.NewRateLimiter(redisClient, logger.Named("ratelimit"), redis.RateLimitConfig{
			Limit:  cfg.RateLimit,
			Window: cfg.RateLimitWindow,
		})
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, routerCfg, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	// Shutdown does not cancel handler contexts; closing the registry ends
	// open streams so they can drain.
	srv.RegisterOnShutdown(registry.Close)

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case err := <-serverErrors:
		runErr = fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
			runErr = fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}

	// In-flight batches and deliveries finish on their own detached context.
	loopCancel()
	loops.Wait()
	svc.Wait()

	if closeBroker != nil {
		if err := closeBroker(); err != nil {
			logger.Warn("failed to close broker connection", zap.Error(err))
		}
	}

	logger.Info("gateway stopped")
	return runErr
}

func newEmailSender(ctx context.Context, cfg *config.Config, logger *zap.Logger) (email.Sender, error) {
	switch cfg.EmailProvider {
	case config.ProviderSendGrid:
		s, err := email.NewHTTPSender(email.HTTPConfig{
			APIKey:    cfg.SendGridAPIKey,
			BaseURL:   cfg.SendGridBaseURL,
			FromEmail: cfg.EmailFrom,
			FromName:  cfg.EmailFromName,
			Timeout:   cfg.EmailTimeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create sendgrid sender: %w", err)
		}
		return s, nil
	case config.ProviderSES:
		s, err := email.NewSESSender(ctx, email.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.EmailFrom,
			FromName:  cfg.EmailFromName,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SES email sender: %w", err)
		}
		return s, nil
	default:
		logger.Warn("using log email sender, no mail will be delivered")
		return email.NewLogSender(logger), nil
	}
}

func reportPoolStats(ctx context.Context, database *db.DB, redisClient *redis.Client) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		metrics.SetDBConnections(int(database.Stats()))
		if redisClient != nil {
			metrics.SetRedisConnections(redisClient.Stats())
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
