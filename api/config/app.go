package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/edumesones/executive-sql-to-text/agent/pkg/pipeline"
	"github.com/edumesones/executive-sql-to-text/agent/pkg/workflow"
	"github.com/edumesones/executive-sql-to-text/pkg/appdb"
	"github.com/edumesones/executive-sql-to-text/pkg/catalog"
	"github.com/edumesones/executive-sql-to-text/pkg/querier"
	"github.com/edumesones/executive-sql-to-text/pkg/querycache"
	"github.com/edumesones/executive-sql-to-text/pkg/session"
	"github.com/edumesones/executive-sql-to-text/pkg/turnlog"
)

const appPoolMaxConns = 8

// App is the set of wired components shared by the API server and the CLI.
type App struct {
	Log       *slog.Logger
	Config    *Config
	Datastore querier.Datastore
	Catalog   *catalog.Cached
	Pipeline  *pipeline.Pipeline
	Cache     *querycache.Cache
	Sessions  session.Store
	Publisher *turnlog.KafkaPublisher
	Workflow  *workflow.Workflow

	closers []func()
}

// Build validates cfg and wires every component it configures. Close
// releases them in reverse order.
func Build(ctx context.Context, log *slog.Logger, cfg *Config) (app *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	app = &App{Log: log, Config: cfg}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	fetcher, err := app.openDatastore(ctx)
	if err != nil {
		return nil, err
	}

	app.Catalog, err = catalog.NewCached(catalog.CachedConfig{
		Logger:       log,
		Fetcher:      fetcher,
		TTL:          cfg.CatalogTTL,
		Descriptions: catalog.LoansDescriptions,
	})
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, app.Catalog.Close)

	var cacheStore querycache.Store
	if cfg.AppDatabaseURL != "" {
		pool, err := querier.NewPool(ctx, cfg.AppDatabaseURL, appPoolMaxConns)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to application database: %w", err)
		}
		app.closers = append(app.closers, pool.Close)
		if err := appdb.Migrate(ctx, log, pool); err != nil {
			return nil, fmt.Errorf("failed to migrate application database: %w", err)
		}
		if app.Sessions, err = session.NewPostgresStore(session.PostgresStoreConfig{Logger: log, Pool: pool}); err != nil {
			return nil, err
		}
		if cacheStore, err = querycache.NewPostgresStore(querycache.PostgresStoreConfig{Logger: log, Pool: pool, MaxAge: cfg.CacheTTL}); err != nil {
			return nil, err
		}
	} else {
		log.Info("config: APP_DATABASE_URL not set, keeping sessions and cache in memory")
		app.Sessions = session.NewMemoryStore(nil)
	}

	app.Cache, err = querycache.New(querycache.Config{
		Logger:   log,
		TTL:      cfg.CacheTTL,
		Capacity: uint64(cfg.CacheCapacity),
		Store:    cacheStore,
	})
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, app.Cache.Close)

	if app.Pipeline, err = app.buildPipeline(); err != nil {
		return nil, err
	}

	var publisher workflow.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		app.Publisher, err = turnlog.NewKafkaPublisher(turnlog.Config{
			Logger:  log,
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, app.Publisher.Close)
		if err := app.Publisher.EnsureTopic(ctx, 1, 1); err != nil {
			log.Warn("config: failed to ensure turn log topic", "topic", cfg.KafkaTopic, "error", err)
		}
		publisher = app.Publisher
	}

	app.Workflow, err = workflow.New(workflow.Config{
		Logger:       log,
		Pipeline:     app.Pipeline,
		Catalog:      app.Catalog,
		Sessions:     app.Sessions,
		Cache:        app.Cache,
		Publisher:    publisher,
		HistoryTurns: cfg.HistoryTurns,
	})
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, app.Workflow.Close)

	log.Info("config: components ready",
		"driver", cfg.DatastoreDriver,
		"tables", cfg.Tables,
		"persistent_state", cfg.AppDatabaseURL != "",
		"turn_log", len(cfg.KafkaBrokers) > 0)
	return app, nil
}

// openDatastore connects to the analytical datastore and returns the
// catalog fetcher for it.
func (a *App) openDatastore(ctx context.Context) (catalog.Fetcher, error) {
	cfg := a.Config
	limits := querier.Limits{
		QueryTimeout:   cfg.QueryTimeout,
		AcquireTimeout: cfg.AcquireTimeout,
		MaxRows:        cfg.MaxRows,
	}

	if cfg.DatastoreDriver == querier.DriverPostgres {
		pool, err := querier.NewPool(ctx, cfg.DatastoreURL, int32(cfg.MaxConns))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		if a.Datastore, err = querier.NewPoolQuerier(querier.PoolConfig{Logger: a.Log, Pool: pool, Limits: limits}); err != nil {
			return nil, err
		}
		return catalog.NewPostgresFetcher(catalog.PostgresFetcherConfig{
			Logger:       a.Log,
			Pool:         pool,
			Tables:       cfg.Tables,
			SampleValues: true,
		})
	}

	db, err := querier.OpenDB(ctx, cfg.DatastoreDriver, cfg.DatastoreURL, cfg.MaxConns)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = db.Close() })
	if a.Datastore, err = querier.NewSQLQuerier(querier.SQLConfig{Logger: a.Log, DB: db, Driver: cfg.DatastoreDriver, Limits: limits}); err != nil {
		return nil, err
	}
	return catalog.NewSQLFetcher(catalog.SQLFetcherConfig{
		Logger:       a.Log,
		DB:           db,
		Driver:       cfg.DatastoreDriver,
		Tables:       cfg.Tables,
		SampleValues: true,
	})
}

func (a *App) buildPipeline() (*pipeline.Pipeline, error) {
	sqlAgent, insightAgent := a.Config.Agents.SQL(), a.Config.Agents.Insight()

	sqlLLM, err := pipeline.NewLLMClient(a.Log, sqlAgent.LLMConfig(a.Config.Keys))
	if err != nil {
		return nil, fmt.Errorf("failed to create sql agent client: %w", err)
	}
	insightLLM, err := pipeline.NewLLMClient(a.Log, insightAgent.LLMConfig(a.Config.Keys))
	if err != nil {
		return nil, fmt.Errorf("failed to create insight agent client: %w", err)
	}
	prompts, err := pipeline.LoadPrompts()
	if err != nil {
		return nil, fmt.Errorf("failed to load pipeline prompts: %w", err)
	}

	insightRetries := insightAgent.retries(pipeline.DefaultInsightRetries)
	if insightRetries == 0 {
		insightRetries = -1
	}
	return pipeline.New(pipeline.Config{
		Logger:         a.Log,
		SQLLLM:         sqlLLM,
		InsightLLM:     insightLLM,
		Querier:        a.Datastore,
		Prompts:        prompts,
		LLMTimeout:     sqlAgent.Timeout,
		InsightTimeout: insightAgent.Timeout,
		MaxRetries:     sqlAgent.retries(pipeline.DefaultMaxRetries),
		InsightRetries: insightRetries,
		RowCap:         a.Config.MaxRows,
	})
}

// Close releases every component opened by Build.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
