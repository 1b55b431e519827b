package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/geoplatform/arcgis-relay/pkg/access"
	"github.com/geoplatform/arcgis-relay/pkg/arcgis"
	"github.com/geoplatform/arcgis-relay/pkg/async"
	"github.com/geoplatform/arcgis-relay/pkg/config"
	"github.com/geoplatform/arcgis-relay/pkg/groups"
	"github.com/geoplatform/arcgis-relay/pkg/idp"
	"github.com/geoplatform/arcgis-relay/pkg/observability"
	"github.com/geoplatform/arcgis-relay/pkg/server"
	"github.com/geoplatform/arcgis-relay/pkg/storage"
	"github.com/geoplatform/arcgis-relay/pkg/tokens"
	"github.com/geoplatform/arcgis-relay/pkg/webhooks"
)

const syncTimeout = 5 * time.Minute

// app is everything built from configuration that more than one command uses
type app struct {
	cfg     *config.Config
	logger  *observability.Logger
	metrics *observability.Metrics
	store   *storage.Store
	portal  *arcgis.Client
}

func newApp(ctx context.Context, metrics *observability.Metrics) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := observability.NewLogger(cfg.LogLevel(), os.Stdout).WithField("service", "arcgis-relay")

	client, err := storage.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	portal, err := arcgis.NewClient(arcgis.OptionsFromConfig(cfg.ArcGIS), metrics)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("create portal client: %w", err)
	}

	return &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		store:   storage.NewStore(client),
		portal:  portal,
	}, nil
}

func (a *app) engine() *access.Engine {
	return access.NewEngine(access.PolicyFromConfig(a.cfg), access.URLsFromConfig(a.cfg), a.cfg.Orgs(), a.store, a.logger, a.metrics)
}

func (a *app) directorySync() *groups.DirectorySync {
	return groups.NewDirectorySync(a.portal, a.store, a.cfg.ArcGIS.GroupSyncQuery, a.logger, a.metrics)
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay HTTP server and webhook workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	a, err := newApp(ctx, metrics)
	if err != nil {
		return err
	}
	cfg, logger := a.cfg, a.logger

	for _, w := range cfg.Warnings() {
		logger.Warn(w)
	}

	otelProviders, err := observability.InitOTel(ctx, cfg.OTel(), logger)
	if err != nil {
		logger.WithError(err).Warn("Failed to initialize OpenTelemetry, continuing without it")
	}

	signer, err := tokens.NewSigner(cfg.SigningKey())
	if err != nil {
		return err
	}
	bridge, err := idp.NewBridge(idp.OptionsFromConfig(cfg), signer, a.store, metrics)
	if err != nil {
		return fmt.Errorf("create login bridge: %w", err)
	}

	engine := a.engine()
	assigner := groups.NewAssigner(a.portal, cfg.Orgs(), logger, metrics)
	lifecycle := groups.NewLifecycle(a.portal, a.store, assigner, cfg.Orgs(), logger)

	// The group directory is refreshed at startup and on a schedule.
	syncer := a.directorySync()
	async.SafeGo(ctx, logger, syncTimeout, "initial group sync", func(ctx context.Context) error {
		_, err := syncer.Run(ctx)
		return err
	})
	logWriter := logger.Writer()
	defer logWriter.Close()

	scheduler := cron.New(cron.WithLogger(cron.PrintfLogger(log.New(logWriter, "cron: ", 0))))
	if _, err := syncer.Schedule(ctx, scheduler, cfg.ArcGIS.GroupSyncCron, syncTimeout); err != nil {
		return fmt.Errorf("schedule group sync: %w", err)
	}
	scheduler.Start()

	queue := webhooks.NewQueue(a.store.Client())
	var processor webhooks.Processor = lifecycle
	if cfg.Webhooks.LoopbackURL != "" {
		processor = webhooks.NewHTTPProcessor(cfg.Webhooks.LoopbackURL, cfg.Webhooks.InternalToken, cfg.Webhooks.TaskTimeout)
	}
	retry := webhooks.DefaultRetryConfig()
	retry.MaxAttempts = cfg.Webhooks.MaxAttempts
	dispatcher := webhooks.NewDispatcher(queue, processor, webhooks.DispatcherConfig{
		Workers:     cfg.Webhooks.Workers,
		TaskTimeout: cfg.Webhooks.TaskTimeout,
		Retry:       retry,
	}, logger, metrics)

	health := observability.NewHealthChecker(a.store.Client(), version)
	health.AddCheck("group_directory", false, func(ctx context.Context) error {
		titles, err := a.store.GetGroupDirectory(ctx)
		if err == nil && len(titles) == 0 {
			err = errors.New("group directory has not been synced")
		}
		return err
	})

	srv, err := server.New(server.Deps{
		Config:    cfg,
		Bridge:    bridge,
		Signer:    signer,
		Engine:    engine,
		Store:     a.store,
		Queue:     queue,
		Processor: lifecycle,
		Redis:     a.store.Client(),
		Health:    health,
		Registry:  registry,
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		ErrorLog:     log.New(logWriter, "", 0),
	}

	workers, workersCtx := errgroup.WithContext(ctx)
	workers.Go(func() error {
		return dispatcher.Run(workersCtx)
	})

	shutdown := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc("scheduler", func(ctx context.Context) error {
		select {
		case <-scheduler.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	shutdown.RegisterShutdownFunc("webhook dispatcher", func(context.Context) error {
		cancel()
		return workers.Wait()
	})
	shutdown.RegisterShutdownFunc("redis", func(context.Context) error {
		return a.store.Close()
	})
	if otelProviders != nil {
		shutdown.RegisterShutdownFunc("opentelemetry", func(ctx context.Context) error {
			return observability.ShutdownOTel(ctx, otelProviders)
		})
	}

	go func() {
		defer observability.RecoverPanic(logger, "http server")
		logger.WithField("addr", httpServer.Addr).Info("Starting arcgis-relay")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("HTTP server failed")
			cancel()
		}
	}()

	return shutdown.WaitForShutdown(ctx)
}
