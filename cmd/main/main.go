package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"gitlab.com/timkado/api/vapi-call-sync/internal/audio"
	"gitlab.com/timkado/api/vapi-call-sync/internal/command"
	"gitlab.com/timkado/api/vapi-call-sync/internal/config"
	"gitlab.com/timkado/api/vapi-call-sync/internal/healthcheck"
	"gitlab.com/timkado/api/vapi-call-sync/internal/jetstream"
	"gitlab.com/timkado/api/vapi-call-sync/internal/observer"
	"gitlab.com/timkado/api/vapi-call-sync/internal/scheduler"
	"gitlab.com/timkado/api/vapi-call-sync/internal/storage"
	"gitlab.com/timkado/api/vapi-call-sync/internal/syncer"
	"gitlab.com/timkado/api/vapi-call-sync/internal/vapi"
	"gitlab.com/timkado/api/vapi-call-sync/pkg/logger"
	"gitlab.com/timkado/api/vapi-call-sync/pkg/utils"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	// Set timezone to UTC
	time.Local = time.UTC

	// Load configuration
	cfg, err := config.LoadConfig("")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := logger.Initialize(cfg.LogLevel); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	metricsEnabled := cfg.Metrics.Enabled
	observer.InitMetrics(metricsEnabled)

	logger.Log.Info("Starting Vapi Call Sync",
		zap.String("environment", cfg.Environment),
		zap.String("version", version),
		zap.String("database_driver", cfg.Database.Driver),
		zap.String("audio_backend", cfg.Audio.Backend),
		zap.String("lock_backend", cfg.Locks.Backend),
	)

	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()

	// Shared database: registry, sync state, leases and shared call table
	db, err := storage.Open(cfg.Database)
	if err != nil {
		logger.Log.Fatal("Failed to initialize database", zap.Error(err))
	}
	orgRepo := storage.NewOrganizationRepo(db)
	stateRepo := storage.NewSyncStateRepo(db)
	router := storage.NewStorageRouter(db, orgRepo, cfg.Database.ExternalTimeout, logger.Log)

	locker, redisClient, err := initLocker(mainCtx, cfg, db)
	if err != nil {
		logger.Log.Fatal("Failed to initialize lease locker", zap.Error(err))
	}

	archiveStore, err := initAudioStorage(mainCtx, cfg.Audio)
	if err != nil {
		logger.Log.Fatal("Failed to initialize audio storage", zap.Error(err))
	}
	archiver := audio.NewArchiver(archiveStore, cfg.Audio, logger.Log)

	apiClient := vapi.NewClient(cfg.Vapi,
		vapi.WithChunkItemDelay(cfg.Sync.BulkDeleteDelay),
		vapi.WithLogger(logger.Log),
	)

	settings := config.NewSettingsHolder(cfg.Sync)

	// Sync events are optional: without a NATS URL runs are not published
	engineOpts := []syncer.Option{syncer.WithLogger(logger.Log)}
	var jsClient *jetstream.Client
	if cfg.NATS.URL != "" {
		jsClient, err = initJetStreamClient(mainCtx, cfg.NATS)
		if err != nil {
			logger.Log.Fatal("Failed to initialize JetStream client", zap.Error(err))
		}
		engineOpts = append(engineOpts, syncer.WithPublisher(jetstream.NewSyncEventPublisher(jsClient, cfg.NATS.SubjectPrefix)))
	} else {
		logger.Log.Info("NATS URL not configured, sync events disabled")
	}

	engine := syncer.NewEngine(orgRepo, router, stateRepo, locker, apiClient, archiver, settings, engineOpts...)
	cleaner := syncer.NewCleaner(orgRepo, router, archiver, settings, logger.Log)

	sched, err := scheduler.New(cfg.Scheduler, engine, orgRepo, stateRepo, locker, settings, logger.Log)
	if err != nil {
		logger.Log.Fatal("Failed to initialize scheduler", zap.Error(err))
	}
	sched.WithRetention(cleaner)
	if err := sched.Start(mainCtx); err != nil {
		logger.Log.Fatal("Failed to restore sync schedules", zap.Error(err))
	}

	service := command.NewService(command.Dependencies{
		Orgs:      orgRepo,
		Stores:    router,
		States:    stateRepo,
		Locker:    locker,
		API:       apiClient,
		Archiver:  archiver,
		Runner:    engine,
		Retention: cleaner,
		Scheduler: sched,
		Settings:  settings,
		Vapi:      cfg.Vapi,
	}, logger.Log)

	// Create health check server, which also serves the command API
	healthServer := healthcheck.NewServer(strconv.Itoa(cfg.Server.Port), version, logger.Log)
	healthServer.MountAPI(command.NewHandler(service, logger.Log).Routes())
	healthServer.AddReadinessCheck("database", func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	})
	if redisClient != nil {
		healthServer.AddReadinessCheck("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}
	if jsClient != nil {
		healthServer.AddReadinessCheck("nats", func(context.Context) error {
			if !jsClient.NatsConn().IsConnected() {
				return fmt.Errorf("nats: %s", jsClient.NatsConn().Status())
			}
			return nil
		})
	}

	// Register metrics handler if enabled BEFORE starting the server
	if metricsEnabled {
		healthServer.RegisterMetricsHandler(promhttp.Handler())
		logger.Log.Info("Metrics endpoint enabled", zap.String("path", "/metrics"), zap.Int("port", cfg.Server.Port))
	} else {
		logger.Log.Info("Metrics endpoint disabled for environment", zap.String("environment", cfg.Environment))
	}

	healthServer.Start()

	logger.Log.Info("HTTP endpoints available",
		zap.String("health", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("readiness", fmt.Sprintf("http://localhost:%d/ready", cfg.Server.Port)),
		zap.String("api", fmt.Sprintf("http://localhost:%d/api/v1", cfg.Server.Port)),
	)

	// Wait for termination signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Log.Info("Received termination signal", zap.String("signal", sig.String()))

	mainCancel()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	logger.Log.Info("Starting graceful shutdown", zap.Duration("timeout", shutdownTimeout))

	// The HTTP server stops first so no new commands arrive, then the
	// scheduler drains in-flight runs before connections are closed.
	var wg sync.WaitGroup
	wg.Add(1)
	shutdownStep(&wg, "health check server", func() {
		if err := healthServer.Stop(shutdownCtx); err != nil {
			logger.Log.Error("[shutdown] Error stopping health check server", zap.Error(err))
		}
	})
	wg.Wait()

	wg.Add(1)
	shutdownStep(&wg, "scheduler", func() {
		sched.Stop(shutdownTimeout / 2)
	})
	wg.Wait()

	wg.Add(1)
	shutdownStep(&wg, "connections", func() {
		router.Close(shutdownCtx)

		_ = storage.Close(shutdownCtx, db)
		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				logger.Log.Error("[shutdown] Failed to close redis connection", zap.Error(err))
			}
		}
		if jsClient != nil {
			jsClient.Close()
		}
	})

	// Wait with a timeout for all components to shut down
	waitCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		logger.Log.Info("[shutdown] All components stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Log.Warn("[shutdown] Graceful shutdown timed out, forcing exit")
	}

	logger.Log.Info("Vapi Call Sync shutdown complete")
}

// shutdownStep stops one component on its own goroutine, recovering panics
// so the WaitGroup is always released.
func shutdownStep(wg *sync.WaitGroup, name string, stop func()) {
	utils.SafeGo(func() {
		defer wg.Done()
		logger.Log.Info("[shutdown] Stopping " + name)
		start := time.Now()
		stop()
		logger.Log.Info("[shutdown] Stopped "+name, zap.Duration("duration", time.Since(start)))
	}, func(r interface{}, stack []byte) {
		logger.Log.Error("[shutdown] Panic while stopping "+name,
			zap.Any("panic", r),
			zap.ByteString("stack", stack),
		)
		wg.Done()
	})
}

// initLocker selects the lease backend. The redis client is returned so it
// can be probed and closed; it is nil for the database backend.
func initLocker(ctx context.Context, cfg *config.Config, db *gorm.DB) (storage.Locker, *redis.Client, error) {
	switch cfg.Locks.Backend {
	case "redis":
		client, err := storage.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.Log.Info("Using redis lease locks", zap.String("addr", cfg.Redis.Addr))
		return storage.NewRedisLocker(client), client, nil
	default:
		logger.Log.Info("Using database lease locks")
		return storage.NewDBLocker(db), nil, nil
	}
}

// initAudioStorage selects the recording archive backend.
func initAudioStorage(ctx context.Context, cfg config.AudioConfig) (audio.Storage, error) {
	switch cfg.Backend {
	case "s3":
		store, err := audio.NewS3Storage(ctx, cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize s3 audio storage: %w", err)
		}
		logger.Log.Info("Archiving recordings to S3", zap.String("bucket", cfg.S3.Bucket))
		return store, nil
	default:
		store, err := audio.NewLocalStorage(cfg.BaseDir)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize local audio storage: %w", err)
		}
		logger.Log.Info("Archiving recordings locally", zap.String("base_dir", cfg.BaseDir))
		return store, nil
	}
}

// initJetStreamClient connects to NATS and ensures the sync event stream.
func initJetStreamClient(ctx context.Context, cfg config.NATSConfig) (*jetstream.Client, error) {
	client, err := jetstream.NewClient(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream client: %w", err)
	}
	if err := client.SetupStream(ctx, jetstream.StreamConfig(cfg)); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set up sync event stream: %w", err)
	}
	return client, nil
}
