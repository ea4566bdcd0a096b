package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/fleet-core/internal/api"
	"github.com/nerrad567/fleet-core/internal/audit"
	"github.com/nerrad567/fleet-core/internal/fleet"
	"github.com/nerrad567/fleet-core/internal/history"
	"github.com/nerrad567/fleet-core/internal/infrastructure/config"
	"github.com/nerrad567/fleet-core/internal/infrastructure/database"
	"github.com/nerrad567/fleet-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/fleet-core/internal/infrastructure/logging"
	"github.com/nerrad567/fleet-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/fleet-core/internal/notify"
	"github.com/nerrad567/fleet-core/internal/reorder"
	"github.com/nerrad567/fleet-core/internal/task"
	"github.com/nerrad567/fleet-core/migrations"
)

// historyPruneInterval is how often expired task_history rows are deleted.
const historyPruneInterval = 6 * time.Hour

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - configPath: YAML configuration file
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, configPath string) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Fleet Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	defer log.Close() //nolint:errcheck // nothing left to report to
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(ctx, databaseConfig(cfg))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Connect to MQTT broker
	mqttClient, err := mqtt.Connect(ctx, cfg.MQTT, log)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT", "stats", mqttClient.Stats())
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// Scheduler and task history
	sched := task.NewScheduler(schedulerConfig(cfg))
	sched.SetLogger(log)

	historyRepo := history.NewSQLiteRepository(db.DB)
	recorder := history.NewRecorder(historyRepo, history.DefaultBuffer)
	recorder.SetLogger(log)
	recorder.Start()
	sched.AddObserver(recorder)

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB, cfg.Site.ID)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetLogger(log)
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		sched.AddObserver(history.NewMetricsObserver(influxClient))
		sampler := history.NewSampler(influxClient, sched,
			time.Duration(cfg.InfluxDB.StatsInterval)*time.Second)
		go sampler.Run(ctx)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Fleet inventory and task manager
	registry := fleet.NewRegistry(fleet.NewSQLiteRepository(db.DB), fleet.NewSQLiteGroupRepository(db.DB))
	registry.SetLogger(log)

	mgr := fleet.NewManager(registry, sched, notify.NewCommandPublisher(mqttClient), managerConfig(cfg))
	mgr.SetLogger(log)

	hub := api.NewHub(cfg.WebSocket, log)
	mgr.SetBroadcaster(hub)
	go hub.Run(ctx)

	sched.SetNotificationHandler(mgr.HandleNotification)
	if startErr := mgr.Start(ctx); startErr != nil {
		return fmt.Errorf("starting fleet manager: %w", startErr)
	}
	defer func() {
		log.Info("stopping scheduler")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GetShutdownTimeout())
		defer cancel()
		if shutdownErr := sched.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error("error stopping scheduler", "error", shutdownErr)
		}
		if closeErr := recorder.Close(shutdownCtx); closeErr != nil {
			log.Error("error flushing task history", "error", closeErr)
		}
	}()

	// Device notifications
	ingestor := notify.NewIngestor(mgr, cfg.Notifications)
	ingestor.SetLogger(log)
	if subErr := ingestor.Start(mqttClient); subErr != nil {
		return fmt.Errorf("starting notification ingestion: %w", subErr)
	}
	defer func() {
		if stopErr := ingestor.Stop(mqttClient); stopErr != nil {
			log.Warn("error stopping notification ingestion", "error", stopErr)
		}
	}()

	if days := cfg.Scheduler.HistoryRetentionDays; days > 0 {
		go pruneHistory(ctx, historyRepo, time.Duration(days)*24*time.Hour, log)
	}

	// HTTP API
	checks := map[string]api.HealthChecker{
		"database": db,
		"mqtt":     mqttClient,
	}
	if influxClient != nil {
		checks["influxdb"] = influxClient
	}
	apiServer, err := api.New(api.Deps{
		Config:      cfg.API,
		WS:          cfg.WebSocket,
		Security:    cfg.Security,
		Logger:      log,
		Manager:     mgr,
		Tasks:       sched,
		History:     historyRepo,
		Checks:      checks,
		Ingest:      ingestor,
		Transport:   mqttClient,
		Audit:       audit.NewSQLiteRepository(db.DB),
		ExternalHub: hub,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := apiServer.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, checks); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order: API, ingestion, scheduler and
	// history, InfluxDB, MQTT, database.
	return nil
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, checks map[string]api.HealthChecker) error {
	for name, c := range checks {
		if err := c.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// pruneHistory deletes task_history rows older than retention, once at
// start and then every historyPruneInterval.
func pruneHistory(ctx context.Context, repo history.Repository, retention time.Duration, log *logging.Logger) {
	ticker := time.NewTicker(historyPruneInterval)
	defer ticker.Stop()

	for {
		n, err := repo.Prune(ctx, time.Now().Add(-retention))
		switch {
		case err != nil && ctx.Err() == nil:
			log.Warn("pruning task history failed", "error", err)
		case n > 0:
			log.Info("pruned task history", "rows", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// schedulerConfig maps the scheduler section onto task.Config.
func schedulerConfig(cfg *config.Config) task.Config {
	return task.Config{
		Workers:       cfg.Scheduler.Workers,
		QueueCapacity: cfg.Scheduler.QueueCapacity,
		Reorder: reorder.Config{
			Window:   cfg.GetReorderWindow(),
			StartSeq: cfg.Scheduler.ReorderStartSeq,
		},
		Retention: cfg.Scheduler.TaskRetention,
	}
}

// managerConfig maps the scheduler and notifications sections onto the
// fleet manager's task settings.
func managerConfig(cfg *config.Config) fleet.ManagerConfig {
	mc := fleet.DefaultManagerConfig()
	r := cfg.Scheduler.BusyRetry
	mc.Retry = task.RetryPolicy{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   time.Duration(r.BaseDelayMS) * time.Millisecond,
		MaxDelay:    time.Duration(r.MaxDelayMS) * time.Millisecond,
		Multiplier:  r.Multiplier,
		Jitter:      r.Jitter,
	}
	mc.ResyncOnGap = cfg.Notifications.ResyncOnGap
	return mc
}
