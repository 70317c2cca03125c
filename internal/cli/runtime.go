package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ChuLiYu/postpilot/internal/controller"
	"github.com/ChuLiYu/postpilot/internal/dispatcher"
	"github.com/ChuLiYu/postpilot/internal/events"
	"github.com/ChuLiYu/postpilot/internal/metrics"
	"github.com/ChuLiYu/postpilot/internal/platform"
	"github.com/ChuLiYu/postpilot/internal/queue"
	"github.com/ChuLiYu/postpilot/internal/scheduler"
	"github.com/ChuLiYu/postpilot/internal/storage/wal"
	"github.com/ChuLiYu/postpilot/internal/store"
	"github.com/ChuLiYu/postpilot/internal/trends"
	"github.com/ChuLiYu/postpilot/pkg/types"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/twmb/franz-go/pkg/kgo"
)

// App holds every long-lived component of one process. Commands build it
// once with NewApp and release it with Close.
type App struct {
	Config     *Config
	Store      *store.Store
	Queue      queue.Queue
	Metrics    *metrics.Collector
	Events     events.Sink
	Platforms  *platform.Registry
	Dispatcher *dispatcher.Dispatcher
	Scheduler  *scheduler.Service
	Trends     *trends.Service
	Controller *controller.Controller

	log   *slog.Logger
	pools map[string]*pgxpool.Pool
	kafka *kgo.Client

	closeOnce sync.Once
	closeErr  error
}

// NewApp opens storage and the queue and wires the services over them. On
// error everything opened so far is closed again.
func NewApp(ctx context.Context, cfg *Config, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{Config: cfg, log: logger, pools: map[string]*pgxpool.Pool{}}
	defer func() {
		if err != nil {
			_ = app.Close(context.Background())
		}
	}()

	if cfg.Metrics.Enabled {
		app.Metrics = metrics.NewCollector()
	}

	if app.Store, err = app.openStore(ctx); err != nil {
		return nil, err
	}
	if app.Queue, err = app.openQueue(ctx); err != nil {
		return nil, err
	}

	sinks := events.Multi{events.NewLogSink(logger)}
	if len(cfg.Kafka.Brokers) > 0 {
		if app.kafka, err = events.NewKafkaClient(cfg.Kafka.Brokers, cfg.Kafka.Topic); err != nil {
			return nil, fmt.Errorf("kafka client: %w", err)
		}
		sinks = append(sinks, events.NewKafkaSink(app.kafka, cfg.Kafka.Topic))
	}
	app.Events = sinks

	client := &http.Client{Timeout: cfg.Worker.TaskTimeout}
	app.Platforms = platform.NewDefaultRegistry(cfg.Platforms, client, logger)
	app.Dispatcher = dispatcher.New(app.Store, app.Store, app.Platforms, app.Metrics, logger)

	app.Scheduler = scheduler.New(scheduler.Deps{
		Posts:     app.Store,
		Accounts:  app.Store,
		Queue:     app.Queue,
		Publisher: app.Dispatcher,
		Events:    app.Events,
		Metrics:   app.Metrics,
		Logger:    logger,
	})

	app.Trends = trends.NewService(app.Store, map[types.Platform]trends.Source{
		types.PlatformTwitter: &trends.TwitterSource{
			BaseURL:     cfg.Platforms.TwitterAPI,
			BearerToken: cfg.TwitterBearerToken,
			Client:      client,
			Log:         logger,
		},
	}, logger)

	app.Controller = controller.New(controller.Config{
		Workers:            cfg.Worker.Concurrency,
		RateLimit:          cfg.Worker.RateLimit,
		RateWindow:         cfg.Worker.RateWindow,
		TaskTimeout:        cfg.Worker.TaskTimeout,
		PollInterval:       cfg.Worker.PollInterval,
		JanitorInterval:    cfg.Queue.JanitorInterval,
		CheckpointInterval: cfg.Snapshot.Interval,
		StaleAfter:         cfg.Queue.StaleAfter,
		Shared:             cfg.Queue.Backend == "postgres",
	}, app.Queue, app.Dispatcher.Handle, app.Events, app.Metrics, logger)
	app.Controller.OnJanitor("trends", app.Trends.Cleanup)

	return app, nil
}

func (a *App) openStore(ctx context.Context) (*store.Store, error) {
	c := a.Config.Storage
	if c.Driver == "postgres" {
		pool, err := a.pgPool(ctx, c.DSN)
		if err != nil {
			return nil, err
		}
		return store.NewPostgres(ctx, pool, a.log)
	}
	return store.OpenSQLite(c.DSN, a.log)
}

func (a *App) openQueue(ctx context.Context) (queue.Queue, error) {
	c := a.Config
	opts := queue.Options{
		MaxAttempts: c.Queue.MaxAttempts,
		Backoff:     types.Backoff{Type: "exponential", Delay: c.Queue.BackoffBase},
		Retention:   c.Queue.Retention,
	}
	if c.Queue.Backend == "postgres" {
		pool, err := a.pgPool(ctx, c.Queue.DSN)
		if err != nil {
			return nil, err
		}
		q, err := queue.NewPostgres(ctx, pool, opts)
		if err != nil {
			return nil, err
		}
		return q, nil
	}
	q, err := queue.OpenFile(queue.FileConfig{
		WALPath:      c.WAL.Path,
		SnapshotPath: c.Snapshot.Path,
		WAL:          wal.Options{BufferSize: c.WAL.BufferSize, FlushInterval: c.WAL.FlushInterval},
	}, opts, a.log)
	if err != nil {
		return nil, err
	}
	return q, nil
}

// pgPool returns one pool per DSN so the store and the queue share a pool
// when they point at the same database.
func (a *App) pgPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if pool, ok := a.pools[dsn]; ok {
		return pool, nil
	}
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(pctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	a.pools[dsn] = pool
	return pool, nil
}

// Close stops the controller (which closes the queue) and releases storage.
// Calls after the first return the first result.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		var errs []error
		switch {
		case a.Controller != nil:
			errs = append(errs, a.Controller.Stop(ctx))
		case a.Queue != nil:
			errs = append(errs, a.Queue.Close())
		}
		if a.kafka != nil {
			a.kafka.Close()
		}
		if a.Store != nil {
			errs = append(errs, a.Store.Close())
		}
		for _, pool := range a.pools {
			pool.Close()
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}
