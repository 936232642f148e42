package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/rbaliyan/mailbridge"
	"github.com/rbaliyan/mailbridge/bus"
	"github.com/rbaliyan/mailbridge/bus/breaker"
	redisbus "github.com/rbaliyan/mailbridge/bus/redis"
	"github.com/rbaliyan/mailbridge/internal/config"
	"github.com/rbaliyan/mailbridge/internal/credential"
	"github.com/rbaliyan/mailbridge/source"
	"github.com/rbaliyan/mailbridge/source/imap"
	"github.com/rbaliyan/mailbridge/store"
	"github.com/rbaliyan/mailbridge/store/attachment/cached"
	"github.com/rbaliyan/mailbridge/store/attachment/gcs"
	"github.com/rbaliyan/mailbridge/store/attachment/local"
	attachotel "github.com/rbaliyan/mailbridge/store/attachment/otel"
	"github.com/rbaliyan/mailbridge/store/attachment/s3"
	"github.com/rbaliyan/mailbridge/store/memory"
	"github.com/rbaliyan/mailbridge/store/mongo"
	"github.com/rbaliyan/mailbridge/store/postgres"
	redisstore "github.com/rbaliyan/mailbridge/store/redis"
)

// application holds the service and everything that must be released
// after it.
type application struct {
	svc     mailbridge.Service
	closers []func() error
}

func (a *application) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// close releases resources in reverse order of acquisition.
func (a *application) close(logger *slog.Logger) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warn("release failed", "error", err)
		}
	}
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (app *application, err error) {
	app = &application{}
	defer func() {
		if err != nil {
			app.close(logger)
		}
	}()

	password, err := imapPassword(cfg)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	app.onClose(rdb.Close)

	var b bus.Bus
	b, err = redisbus.New(rdb,
		redisbus.WithStreamPrefix(cfg.Redis.StreamPrefix),
		redisbus.WithMaxLen(cfg.Redis.MaxLen),
		redisbus.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("redis bus: %w", err)
	}
	if cfg.Breaker.Enabled {
		b = breaker.New(b, breaker.WithName("redis-bus"), breaker.WithLogger(logger))
	}

	attachments, err := attachmentStore(ctx, cfg, logger, app)
	if err != nil {
		return nil, err
	}

	cursors, err := cursorStore(cfg, rdb, logger, app)
	if err != nil {
		return nil, err
	}

	dialer := imap.New(
		imap.WithConnectTimeout(cfg.Timeouts.Connect),
		imap.WithCommandTimeout(cfg.Timeouts.Command),
	)

	opts := []mailbridge.Option{
		mailbridge.WithDialer(dialer),
		mailbridge.WithEndpoint(source.Endpoint{Host: cfg.IMAP.Host, Port: cfg.IMAP.Port, TLS: cfg.IMAP.TLS}),
		mailbridge.WithCredentials(cfg.IMAP.Username, password),
		mailbridge.WithTargetFolder(cfg.IMAP.Folder),
		mailbridge.WithBus(b),
		mailbridge.WithAttachmentStore(attachments),
		mailbridge.WithRedisClient(rdb),
		mailbridge.WithLogger(logger),
		mailbridge.WithConnectTimeout(cfg.Timeouts.Connect),
		mailbridge.WithShutdownTimeout(cfg.Timeouts.Shutdown),
		mailbridge.WithMaxConcurrentFetches(cfg.Fetch.Concurrency),
		mailbridge.WithOTel(cfg.Telemetry.Enabled),
	}
	if cursors != nil {
		opts = append(opts, mailbridge.WithCursorStore(cursors))
	}

	app.svc, err = mailbridge.NewService(opts...)
	if err != nil {
		return nil, err
	}
	return app, nil
}

func imapPassword(cfg *config.Config) (string, error) {
	if cfg.IMAP.Password != "" || !cfg.IMAP.PasswordFromKeyring {
		return cfg.IMAP.Password, nil
	}
	ring, err := credential.Open("")
	if err != nil {
		return "", err
	}
	return ring.Password(cfg.IMAP.Username)
}

func attachmentStore(ctx context.Context, cfg *config.Config, logger *slog.Logger, app *application) (store.AttachmentFileStore, error) {
	var (
		backend store.AttachmentFileStore
		err     error
	)
	switch cfg.Attachments.Backend {
	case config.BackendS3:
		opts := []s3.Option{
			s3.WithBucket(cfg.S3.Bucket),
			s3.WithPrefix(cfg.S3.Prefix),
			s3.WithRegion(cfg.S3.Region),
			s3.WithLogger(logger),
		}
		if cfg.S3.Endpoint != "" {
			opts = append(opts, s3.WithEndpoint(cfg.S3.Endpoint), s3.WithPathStyle(true))
		}
		if cfg.S3.RoleARN != "" {
			opts = append(opts, s3.WithAssumeRole(cfg.S3.RoleARN, ""))
		}
		backend, err = s3.New(ctx, opts...)
	case config.BackendGCS:
		opts := []gcs.Option{
			gcs.WithBucket(cfg.GCS.Bucket),
			gcs.WithPrefix(cfg.GCS.Prefix),
			gcs.WithLogger(logger),
		}
		if cfg.GCS.CredentialsFile != "" {
			opts = append(opts, gcs.WithCredentialsFile(cfg.GCS.CredentialsFile))
		}
		var g *gcs.Store
		g, err = gcs.New(ctx, opts...)
		if err == nil {
			app.onClose(g.Close)
			backend = g
		}
	default:
		backend, err = local.New(cfg.Attachments.Dir, local.WithLogger(logger))
	}
	if err != nil {
		return nil, fmt.Errorf("%s attachment store: %w", cfg.Attachments.Backend, err)
	}

	if cfg.Attachments.CacheDir != "" {
		c, err := cached.New(backend, cached.WithCacheDir(cfg.Attachments.CacheDir), cached.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("attachment cache: %w", err)
		}
		app.onClose(c.Close)
		backend = c
	}
	if cfg.Telemetry.Enabled {
		instrumented, err := attachotel.New(backend, attachotel.WithServiceName("mailbridge"))
		if err != nil {
			return nil, fmt.Errorf("attachment telemetry: %w", err)
		}
		backend = instrumented
	}
	return backend, nil
}

// cursorStore returns nil when replay cursors are disabled. The service
// connects and closes the store; the underlying clients are released here.
func cursorStore(cfg *config.Config, rdb redis.UniversalClient, logger *slog.Logger, app *application) (store.CursorStore, error) {
	switch cfg.Cursor.Backend {
	case config.CursorMemory:
		return memory.New(), nil
	case config.CursorRedis:
		return redisstore.New(rdb, redisstore.WithLogger(logger)), nil
	case config.CursorPostgres:
		s, db, err := postgres.Open(cfg.Postgres.DSN, postgres.WithTable(cfg.Postgres.Table), postgres.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		app.onClose(db.Close)
		return s, nil
	case config.CursorMongo:
		s, client, err := mongo.Dial(cfg.Mongo.URI, mongo.WithDatabase(cfg.Mongo.Database), mongo.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		app.onClose(func() error { return client.Disconnect(context.Background()) })
		return s, nil
	default:
		return nil, nil
	}
}
