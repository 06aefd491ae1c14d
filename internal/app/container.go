// internal/app/container.go
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"kitabu/internal/catalog"
	"kitabu/internal/circulation"
	"kitabu/internal/config"
	"kitabu/internal/eventstore"
	"kitabu/internal/ledger"
	"kitabu/internal/membership"
	"kitabu/internal/memdb"
	"kitabu/internal/notify"
	"kitabu/internal/observability"
	"kitabu/internal/storage/postgres"
)

// Container holds expensive-to-create singleton resources and dependencies
type Container struct {
	config            *config.Config
	logger            *zap.Logger
	db                *sqlx.DB
	stores            circulation.Stores
	hub               *notify.Hub
	kafka             *notify.KafkaPublisher
	service           circulation.Service
	handler           *circulation.Handler
	otelTraceShutdown func(context.Context) error
}

// NewContainer loads configuration from the environment and wires every
// component.
func NewContainer(ctx context.Context) (*Container, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return NewContainerWithConfig(ctx, cfg)
}

// NewContainerWithConfig wires every component from an already loaded
// configuration.
func NewContainerWithConfig(ctx context.Context, cfg *config.Config) (*Container, error) {
	c := &Container{config: cfg}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	c.logger = logger

	_, shutdown, err := observability.SetupTracingSDK(ctx, cfg)
	if err != nil {
		c.logger.Error("Failed to setup OpenTelemetry tracing", zap.Error(err))
	}
	c.otelTraceShutdown = shutdown

	if err := c.setupStores(ctx); err != nil {
		c.Shutdown(ctx)
		return nil, err
	}
	c.setupNotifications()

	opts := []circulation.Option{
		circulation.WithLogger(c.logger),
		circulation.WithPublisher(c.publisher()),
		circulation.WithMaxAttempts(cfg.RetryMaxAttempts),
	}
	if cfg.RegistrationRatePerMin > 0 {
		opts = append(opts, circulation.WithRegistrationLimit(cfg.RegistrationRatePerMin))
	}
	c.service = circulation.NewService(c.stores, opts...)
	c.handler = circulation.NewHandler(c.service, c.hub, c.logger)

	c.logger.Info("Container initialized",
		zap.String("store_backend", cfg.StoreBackend),
		zap.Bool("kafka", c.kafka != nil),
		zap.Bool("tracing", cfg.OtelEndpoint != ""),
	)
	return c, nil
}

func (c *Container) setupStores(ctx context.Context) error {
	switch c.config.StoreBackend {
	case config.BackendPostgres:
		db, err := postgres.Open(ctx, c.config.DBDriver, c.config.DatabaseURL)
		if err != nil {
			return err
		}
		c.db = db
		if err := postgres.Migrate(ctx, db); err != nil {
			return err
		}
		c.stores = PostgresStores(db)
	default:
		c.stores = MemoryStores(memdb.New(memdb.WithLockTimeout(c.config.LockTimeout)))
	}
	return nil
}

// MemoryStores binds every store to one in-memory database.
func MemoryStores(db *memdb.DB) circulation.Stores {
	return circulation.Stores{
		Books:   catalog.NewMemoryStore(db),
		Members: membership.NewMemoryStore(db),
		Ledger:  ledger.NewMemoryLedger(db),
		Events:  eventstore.NewMemoryStore(db),
		Tx:      db,
	}
}

// PostgresStores binds every store to one database and transactor.
func PostgresStores(db *sqlx.DB) circulation.Stores {
	tx := postgres.NewTransactor(db)
	return circulation.Stores{
		Books:   catalog.NewPostgresStore(db, tx),
		Members: membership.NewPostgresStore(db),
		Ledger:  ledger.NewPostgresLedger(db),
		Events:  eventstore.NewPostgresStore(db, tx),
		Tx:      tx,
	}
}

func (c *Container) setupNotifications() {
	c.hub = notify.NewHub()
	if c.config.KafkaBroker == "" {
		return
	}
	writer := notify.NewKafkaWriter(c.config.KafkaBroker, c.config.KafkaTopic)
	c.kafka = notify.NewKafkaPublisher(writer, c.logger)
}

func (c *Container) publisher() notify.Publisher {
	if c.kafka == nil {
		return c.hub
	}
	return notify.Multi{c.hub, c.kafka}
}

// Shutdown gracefully shuts down all infrastructure components
func (c *Container) Shutdown(ctx context.Context) {
	c.logger.Info("Shutting down infrastructure...")

	var errs []error
	if c.kafka != nil {
		if err := c.kafka.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close kafka publisher: %w", err))
		}
	}
	if c.otelTraceShutdown != nil {
		if err := c.otelTraceShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
		}
	}
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		c.logger.Error("Shutdown incomplete", zap.Error(err))
	}

	// stdout cannot always be synced; there is nowhere left to report it.
	_ = c.logger.Sync()
}

// Getters for accessing infrastructure components
func (c *Container) Config() *config.Config        { return c.config }
func (c *Container) Logger() *zap.Logger           { return c.logger }
func (c *Container) Stores() circulation.Stores    { return c.stores }
func (c *Container) Service() circulation.Service  { return c.service }
func (c *Container) Handler() *circulation.Handler { return c.handler }
