// Package bootstrap builds the runtime graph shared by the api and worker
// services from configuration.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/pixelhive/internal/config"
	"github.com/cuongbtq/pixelhive/internal/queue"
	"github.com/cuongbtq/pixelhive/internal/storage"
	"github.com/cuongbtq/pixelhive/shared/postgresql"
	"github.com/cuongbtq/pixelhive/shared/rabbitmq"
	"github.com/cuongbtq/pixelhive/shared/redis"
	"github.com/hibiken/asynq"
)

// Backends are the record store and queue manager with the connections
// behind them
type Backends struct {
	Store  storage.Store
	Queues *queue.Manager

	closers []func() error
	checks  map[string]func(context.Context) error
}

// HealthChecks returns one check per external connection, keyed by
// component name. The memory drivers have none.
func (b *Backends) HealthChecks() map[string]func(context.Context) error {
	return b.checks
}

// OpenBackends connects the configured store and queue drivers. On error
// everything opened so far is closed.
func OpenBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Backends, error) {
	b := &Backends{checks: make(map[string]func(context.Context) error)}
	ready := false
	var redisClient *redis.Client
	defer func() {
		if !ready {
			b.Close()
		}
	}()

	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		dbClient, err := initPostgreSQL(ctx, &cfg.Database, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		b.closers = append(b.closers, dbClient.Close)
		b.checks["postgres"] = dbClient.HealthCheck
		if cfg.Storage.Migrate {
			if err := storage.Migrate(ctx, dbClient.DB().DB, logger); err != nil {
				return nil, err
			}
		}
		b.Store = storage.NewPostgresStore(dbClient, logger)
	case config.DriverRedis:
		client, err := b.openRedis(ctx, &cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		redisClient = client
		b.Store = storage.NewRedisStore(redisClient.Redis(), logger)
	case config.DriverMemory:
		b.Store = storage.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	var transport queue.Transport
	switch cfg.Queue.Driver {
	case config.DriverRabbitMQ:
		rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		b.checks["rabbitmq"] = func(context.Context) error {
			if !rabbitClient.IsConnected() {
				return errors.New("rabbitmq connection is closed")
			}
			return nil
		}
		transport = queue.NewRabbitMQTransport(rabbitClient, logger)
	case config.DriverAsynq:
		// asynq keeps its own pool; this client only answers health checks
		if redisClient == nil {
			if _, err := b.openRedis(ctx, &cfg.Redis, logger); err != nil {
				return nil, err
			}
		}
		transport = queue.NewAsynqTransport(queue.AsynqConfig{
			Redis: asynq.RedisClientOpt{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
				PoolSize: cfg.Redis.PoolSize,
			},
			RequeueDelay:    cfg.Queue.Asynq.RequeueDelay,
			MaxRedeliveries: cfg.Queue.Asynq.MaxRedeliveries,
			ShutdownTimeout: cfg.Queue.Asynq.ShutdownTimeout,
		}, logger)
	case config.DriverMemory:
		transport = queue.NewMemoryTransport()
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}
	b.Queues = queue.NewManager(transport, logger)

	// consumers stop before the store connections go away
	b.closers = append([]func() error{b.Queues.Close}, b.closers...)

	ready = true
	logger.Info("Backends ready",
		slog.String("storage", cfg.Storage.Driver),
		slog.String("queue", cfg.Queue.Driver),
	)
	return b, nil
}

// Close releases every connection, transport first
func (b *Backends) Close() error {
	var errs []error
	for _, closeFn := range b.closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

func (b *Backends) openRedis(ctx context.Context, cfg *config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	client, err := redis.NewClient(ctx, &redis.Config{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Redis: %w", err)
	}
	b.closers = append(b.closers, client.Close)
	b.checks["redis"] = client.HealthCheck
	return client, nil
}

func initPostgreSQL(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(ctx, dbConfig, logger)
}

func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
