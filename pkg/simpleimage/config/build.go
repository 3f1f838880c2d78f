package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tendant/simple-image/pkg/simpleimage"
	"github.com/tendant/simple-image/pkg/simpleimage/batch"
	"github.com/tendant/simple-image/pkg/simpleimage/lock"
	"github.com/tendant/simple-image/pkg/simpleimage/metrics"
	"github.com/tendant/simple-image/pkg/simpleimage/objectkey"
	"github.com/tendant/simple-image/pkg/simpleimage/publisher"
	repobadger "github.com/tendant/simple-image/pkg/simpleimage/repo/badger"
	"github.com/tendant/simple-image/pkg/simpleimage/repo/memory"
	repopg "github.com/tendant/simple-image/pkg/simpleimage/repo/postgres"
	"github.com/tendant/simple-image/pkg/simpleimage/staging"
	fsstorage "github.com/tendant/simple-image/pkg/simpleimage/storage/fs"
	memorystorage "github.com/tendant/simple-image/pkg/simpleimage/storage/memory"
	s3storage "github.com/tendant/simple-image/pkg/simpleimage/storage/s3"
	"github.com/tendant/simple-image/pkg/simpleimage/urlstrategy"
	"github.com/tendant/simple-image/pkg/simpleimage/variants"
)

// Components is the wired pipeline built from a ServerConfig.
type Components struct {
	Service      simpleimage.Service
	Orchestrator *batch.Orchestrator
	Publisher    *publisher.Publisher
	BlobStore    simpleimage.BlobStore

	closers []func() error
}

// Close releases database handles and client connections, newest first.
func (c *Components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// Build wires the repository, lock, blob store, publisher, variant generator,
// staging store and orchestrator. m may be nil.
func (c *ServerConfig) Build(ctx context.Context, logger *slog.Logger, m *metrics.Metrics) (_ *Components, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	comp := &Components{}
	defer func() {
		if err != nil {
			_ = comp.Close()
		}
	}()

	svcOpts := []simpleimage.Option{simpleimage.WithLogger(logger)}

	repo, closeRepo, err := c.buildRepository(ctx, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build repository: %w", err)
	}
	if closeRepo != nil {
		comp.closers = append(comp.closers, closeRepo)
	}
	svcOpts = append(svcOpts, simpleimage.WithRepository(repo))

	if c.RedisURL != "" {
		locker, err := lock.NewRedisFromURL(c.RedisURL, lock.RedisConfig{})
		if err != nil {
			return nil, err
		}
		comp.closers = append(comp.closers, locker.Close)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := locker.Ping(pingCtx); err != nil {
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		svcOpts = append(svcOpts, simpleimage.WithLocker(locker))
	}

	if c.EnableEventLogging {
		svcOpts = append(svcOpts, simpleimage.WithEventSink(simpleimage.NewLogEventSink(logger)))
	}

	svc, err := simpleimage.New(svcOpts...)
	if err != nil {
		return nil, err
	}
	comp.Service = svc

	store, err := c.buildBlobStore()
	if err != nil {
		return nil, fmt.Errorf("failed to build storage backend %s: %w", c.Storage.Type, err)
	}
	comp.BlobStore = store

	urls, err := c.buildURLStrategy()
	if err != nil {
		return nil, err
	}

	pubOpts := []publisher.Option{
		publisher.WithTimeout(c.PublishTimeout),
		publisher.WithConcurrency(c.PublishConcurrency),
		publisher.WithCacheControl(c.cacheControl()),
		publisher.WithLogger(logger),
	}
	if m != nil {
		pubOpts = append(pubOpts, publisher.WithObserver(m))
	}
	pub, err := publisher.New(store, urls, pubOpts...)
	if err != nil {
		return nil, err
	}
	comp.Publisher = pub

	stage, err := c.buildStaging(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build staging store: %w", err)
	}

	keys, err := objectkey.New(c.KeyLayout, c.KeyPrefix)
	if err != nil {
		return nil, err
	}

	gen := variants.New(
		variants.WithWidths(c.VariantWidths...),
		variants.WithQuality(c.JPEGQuality),
		variants.WithLogger(logger),
	)

	batchOpts := []batch.Option{
		batch.WithKeyGenerator(keys),
		batch.WithConcurrency(c.BatchConcurrency),
		batch.WithMaxUploadBytes(c.MaxUploadBytes),
		batch.WithLogger(logger),
	}
	if m != nil {
		batchOpts = append(batchOpts, batch.WithObserver(m))
	}
	orch, err := batch.New(svc, gen, stage, pub, batchOpts...)
	if err != nil {
		return nil, err
	}
	comp.Orchestrator = orch

	return comp, nil
}

// buildRepository creates a Repository based on the configuration
func (c *ServerConfig) buildRepository(ctx context.Context, logger *slog.Logger) (simpleimage.Repository, func() error, error) {
	switch c.DatabaseType {
	case "memory":
		return memory.New(), nil, nil

	case "postgres":
		pool, err := NewPostgresPool(ctx, c.DatabaseURL, c.DBSchema)
		if err != nil {
			return nil, nil, err
		}
		closePool := func() error { pool.Close(); return nil }
		if c.AutoMigrate {
			if err := migratePostgres(ctx, pool, c.DBSchema); err != nil {
				pool.Close()
				return nil, nil, err
			}
		}
		return repopg.NewWithPool(pool), closePool, nil

	case "badger":
		repo, err := repobadger.Open(c.BadgerDir, logger)
		if err != nil {
			return nil, nil, err
		}
		return repo, repo.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported database type: %s", c.DatabaseType)
	}
}

// NewPostgresPool creates a pool whose sessions use schema as search_path.
func NewPostgresPool(ctx context.Context, databaseURL, schema string) (*pgxpool.Pool, error) {
	if databaseURL == "" {
		return nil, errors.New("database_url is required for postgres")
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
	}
	if schema != "" {
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, "SET search_path TO "+pgx.Identifier{schema}.Sanitize())
			return err
		}
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	return pool, nil
}

func migratePostgres(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if schema != "" {
		if _, err := pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{schema}.Sanitize()); err != nil {
			return fmt.Errorf("create schema %s: %w", schema, err)
		}
	}
	if err := repopg.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// PingPostgres verifies connectivity to Postgres with the configured schema.
func PingPostgres(ctx context.Context, databaseURL, schema string) error {
	pool, err := NewPostgresPool(ctx, databaseURL, schema)
	if err != nil {
		return err
	}
	defer pool.Close()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// buildBlobStore creates a BlobStore based on the storage configuration
func (c *ServerConfig) buildBlobStore() (simpleimage.BlobStore, error) {
	switch c.Storage.Type {
	case "memory":
		return memorystorage.New(), nil

	case "fs":
		return fsstorage.New(fsstorage.Config{BaseDir: c.Storage.BaseDir})

	case "s3":
		s := c.Storage
		return s3storage.New(s3storage.Config{
			Region:                 s.Region,
			Bucket:                 s.Bucket,
			AccessKeyID:            s.AccessKeyID,
			SecretAccessKey:        s.SecretAccessKey,
			Endpoint:               s.Endpoint,
			UsePathStyle:           s.UsePathStyle,
			EnableSSE:              s.EnableSSE,
			SSEAlgorithm:           s.SSEAlgorithm,
			SSEKMSKeyID:            s.SSEKMSKeyID,
			CacheControl:           c.cacheControl(),
			CreateBucketIfNotExist: s.CreateBucketIfNotExist,
		})

	default:
		return nil, fmt.Errorf("unsupported storage backend type: %s", c.Storage.Type)
	}
}

// buildURLStrategy picks how public URLs are formed. Memory and filesystem
// stores have no public host, so they are addressed through the server's
// own /objects route unless a base URL is configured.
func (c *ServerConfig) buildURLStrategy() (urlstrategy.URLStrategy, error) {
	if c.PublicBaseURL != "" {
		return urlstrategy.New(urlstrategy.Config{Type: urlstrategy.StrategyTypeCDN, BaseURL: c.PublicBaseURL})
	}
	switch c.Storage.Type {
	case "s3":
		if c.Storage.UsePathStyle && c.Storage.Endpoint != "" {
			return urlstrategy.New(urlstrategy.Config{
				Type:     urlstrategy.StrategyTypePathStyle,
				Endpoint: c.Storage.Endpoint,
				Bucket:   c.Storage.Bucket,
			})
		}
		return urlstrategy.New(urlstrategy.Config{
			Type:   urlstrategy.StrategyTypeVirtualHost,
			Bucket: c.Storage.Bucket,
			Host:   c.Storage.PublicHost,
			Region: c.Storage.Region,
		})
	default:
		return urlstrategy.New(urlstrategy.Config{
			Type:    urlstrategy.StrategyTypeCDN,
			BaseURL: "http://localhost:" + c.Port + "/objects",
		})
	}
}

func (c *ServerConfig) buildStaging(logger *slog.Logger) (*staging.Store, error) {
	if c.StagingDir == "memory" {
		return staging.NewMemory(staging.WithLogger(logger))
	}
	return staging.NewOS(c.StagingDir, staging.WithLogger(logger))
}

func (c *ServerConfig) cacheControl() string {
	if c.Storage.CacheControl != "" {
		return c.Storage.CacheControl
	}
	return s3storage.DefaultCacheControl
}
