// Gatelink - cloud integration gateway
//
// This is the main entry point for the gatelink application. Gatelink
// mediates between a cloud device platform and local consumers:
//   - Encrypted OAuth credential vault with coordinated auto-refresh
//   - Signed webhook intake feeding a durable processing queue
//   - Retained event log with gap-aware queries and live fan-out
//   - TTL/LRU device state cache with request coalescing
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/gatelink/migrations"

	"github.com/nerrad567/gatelink/internal/api"
	"github.com/nerrad567/gatelink/internal/cryptobox"
	"github.com/nerrad567/gatelink/internal/event"
	"github.com/nerrad567/gatelink/internal/infrastructure/config"
	"github.com/nerrad567/gatelink/internal/infrastructure/database"
	"github.com/nerrad567/gatelink/internal/infrastructure/logging"
	"github.com/nerrad567/gatelink/internal/infrastructure/mqtt"
	"github.com/nerrad567/gatelink/internal/infrastructure/tsdb"
	"github.com/nerrad567/gatelink/internal/queue"
	"github.com/nerrad567/gatelink/internal/scheduler"
	"github.com/nerrad567/gatelink/internal/statecache"
	"github.com/nerrad567/gatelink/internal/tokens"
	"github.com/nerrad567/gatelink/internal/vault"
	"github.com/nerrad567/gatelink/internal/webhook"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// queueJobRetention is how long terminal (done or dead-lettered) jobs are
// kept for inspection before the prune task removes them.
const queueJobRetention = 7 * 24 * time.Hour

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting gatelink",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
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

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Credential vault: encryption key derived from the master secret,
	// never persisted.
	box, err := cryptobox.New(cfg.Webhook.MasterSecret, cfg.Webhook.KeySalt)
	if err != nil {
		return fmt.Errorf("initialising credential encryption: %w", err)
	}
	credVault := vault.New(db.DB, box)
	credVault.SetLogger(log)

	// Token coordinator over the upstream OAuth issuer.
	issuer := tokens.NewIssuerClient(tokens.IssuerConfig{
		TokenURL:     cfg.OAuth.TokenURL,
		RevokeURL:    cfg.OAuth.RevokeURL,
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		RedirectURL:  cfg.OAuth.RedirectURL,
	})
	coordinator := tokens.NewCoordinator(credVault, issuer, tokens.Config{
		RefreshSkew:    time.Duration(cfg.OAuth.RefreshSkewSeconds) * time.Second,
		MaxAttempts:    cfg.OAuth.RefreshMaxAttempts,
		Backoff:        time.Duration(cfg.OAuth.RefreshBackoffSeconds) * time.Second,
		AttemptTimeout: time.Duration(cfg.OAuth.AttemptTimeoutSeconds) * time.Second,
		FallbackToken:  cfg.OAuth.FallbackToken,
	})
	coordinator.SetLogger(log)

	// Retained event log and live fan-out.
	store := event.NewStore(db.DB, event.StoreConfig{
		GapThreshold: time.Duration(cfg.Events.GapThresholdSeconds) * time.Second,
	})
	store.SetLogger(log)

	broadcaster := event.NewBroadcaster(event.BroadcasterConfig{
		BufferSize: cfg.WebSocket.SendBufferSize,
	})
	broadcaster.SetLogger(log)
	broadcaster.Start(ctx)
	defer broadcaster.Close()

	// Device state cache.
	cache := statecache.New(statecache.Config{
		TTL:      time.Duration(cfg.Cache.TTLSeconds) * time.Second,
		Capacity: cfg.Cache.Capacity,
	})
	cache.SetLogger(log)

	// Durable processing queue. Recover jobs orphaned by a previous crash
	// before the workers start claiming.
	jobQueue := queue.New(db.DB, queue.Config{
		Workers:      cfg.Queue.Workers,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		Backoff:      time.Duration(cfg.Queue.BackoffSeconds) * time.Second,
		PollInterval: time.Duration(cfg.Queue.PollIntervalSeconds) * time.Second,
		StaleAfter:   time.Duration(cfg.Queue.StaleAfterSeconds) * time.Second,
	})
	jobQueue.SetLogger(log)

	recovered, err := jobQueue.RecoverStale(ctx)
	if err != nil {
		return fmt.Errorf("recovering stale jobs: %w", err)
	}
	if recovered > 0 {
		log.Info("requeued stale jobs from previous run", "count", recovered)
	}

	// Optional egress sinks.
	var sinks []webhook.Egress

	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		mqttClient.SetLogger(log)
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Host, cfg.MQTT.Port),
			"client_id", cfg.MQTT.ClientID,
		)
		sinks = append(sinks, mqttClient)
	} else {
		log.Info("MQTT egress disabled")
	}

	var influxClient *tsdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = tsdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		influxClient.SetLogger(log)
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
		sinks = append(sinks, influxClient)
	} else {
		log.Info("InfluxDB telemetry disabled")
	}

	// Wire the job handlers, then start the workers.
	processor := webhook.NewProcessor(store, broadcaster, cache, coordinator, sinks...)
	processor.SetLogger(log)
	processor.Register(jobQueue)

	if startErr := jobQueue.Start(ctx); startErr != nil {
		return fmt.Errorf("starting queue workers: %w", startErr)
	}
	defer func() {
		log.Info("stopping queue workers")
		jobQueue.Stop()
	}()

	// Webhook intake gateway.
	gateway := webhook.New(cfg.Webhook.Secret, jobQueue)
	gateway.SetLogger(log)

	// Background maintenance tasks.
	sched := scheduler.New()
	sched.SetLogger(log)

	tasks := []scheduler.Task{
		{
			Name:     "token-refresh-sweep",
			Interval: time.Duration(cfg.OAuth.SweepIntervalSeconds) * time.Second,
			Run: func(ctx context.Context) error {
				refreshed, sweepErr := coordinator.SweepExpiring(ctx)
				if refreshed > 0 {
					log.Info("proactively refreshed credentials", "count", refreshed)
				}
				return sweepErr
			},
		},
		{
			Name:     "event-retention-sweep",
			Interval: time.Duration(cfg.Events.SweepIntervalSeconds) * time.Second,
			Run: func(ctx context.Context) error {
				retention := time.Duration(cfg.Events.RetentionDays) * 24 * time.Hour
				pruned, pruneErr := store.PruneOlderThan(ctx, retention)
				if pruned > 0 {
					log.Info("pruned events past retention", "count", pruned)
				}
				return pruneErr
			},
		},
		{
			Name:     "queue-stale-recovery",
			Interval: time.Duration(cfg.Queue.StaleAfterSeconds) * time.Second,
			Run: func(ctx context.Context) error {
				requeued, recoverErr := jobQueue.RecoverStale(ctx)
				if requeued > 0 {
					log.Warn("requeued stale in-flight jobs", "count", requeued)
				}
				return recoverErr
			},
		},
		{
			Name:     "queue-prune",
			Interval: time.Duration(cfg.Events.SweepIntervalSeconds) * time.Second,
			Run: func(ctx context.Context) error {
				pruned, pruneErr := jobQueue.PruneTerminal(ctx, queueJobRetention)
				if pruned > 0 {
					log.Info("pruned terminal queue jobs", "count", pruned)
				}
				return pruneErr
			},
		},
		{
			Name:     "cache-evict-expired",
			Interval: time.Duration(cfg.Cache.TTLSeconds) * time.Second,
			Run: func(_ context.Context) error {
				cache.EvictExpired()
				return nil
			},
		},
	}
	for _, task := range tasks {
		if addErr := sched.Add(task); addErr != nil {
			return fmt.Errorf("registering task %s: %w", task.Name, addErr)
		}
	}
	if startErr := sched.Start(ctx); startErr != nil {
		return fmt.Errorf("starting scheduler: %w", startErr)
	}
	defer func() {
		log.Info("stopping scheduler")
		sched.Stop()
	}()

	// HTTP and WebSocket surface.
	server, err := api.New(api.Deps{
		Config:      cfg.API,
		WS:          cfg.WebSocket,
		Security:    cfg.Security,
		Logger:      log,
		Gateway:     gateway,
		Coordinator: coordinator,
		Events:      store,
		Broadcaster: broadcaster,
		Database:    db,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// API server, scheduler, queue workers, sinks, broadcaster, database.

	log.Info("gatelink stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses GATELINK_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GATELINK_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check (may be nil if disabled)
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *tsdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
