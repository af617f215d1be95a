// Package main is the entry point for the DiggerBot Go service.
// It wires the store, the economy engines, MQTT, the scheduler and the web API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/PancyStudios/DiggerBotGo/internal/aggregate"
	"github.com/PancyStudios/DiggerBotGo/internal/cooldown"
	"github.com/PancyStudios/DiggerBotGo/internal/events"
	"github.com/PancyStudios/DiggerBotGo/internal/game"
	"github.com/PancyStudios/DiggerBotGo/internal/jobs"
	"github.com/PancyStudios/DiggerBotGo/internal/ledger"
	"github.com/PancyStudios/DiggerBotGo/internal/migrations"
	"github.com/PancyStudios/DiggerBotGo/internal/promo"
	"github.com/PancyStudios/DiggerBotGo/pkg/cache"
	"github.com/PancyStudios/DiggerBotGo/pkg/config"
	"github.com/PancyStudios/DiggerBotGo/pkg/database"
	"github.com/PancyStudios/DiggerBotGo/pkg/errors"
	"github.com/PancyStudios/DiggerBotGo/pkg/keylock"
	"github.com/PancyStudios/DiggerBotGo/pkg/logger"
	"github.com/PancyStudios/DiggerBotGo/pkg/metrics"
	"github.com/PancyStudios/DiggerBotGo/pkg/mqtt"
	"github.com/PancyStudios/DiggerBotGo/pkg/postgres"
	"github.com/PancyStudios/DiggerBotGo/pkg/store"
	"github.com/PancyStudios/DiggerBotGo/pkg/web"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.Init(logger.Options{
		Dir:          cfg.LogDir,
		Level:        cfg.LogLevel,
		ErrorWebhook: cfg.ErrorWebhook,
		LogsWebhook:  cfg.LogsWebhook,
	})
	defer log.Close()

	logger.System(fmt.Sprintf("Iniciando DiggerBot Go %s (%s)...", config.Version, config.BuildTime), "Main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()

	// The error storm guard stops the process through the normal shutdown path.
	errors.Init(cfg.ErrorWebhook, stop)

	// Initialize store
	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Critical(fmt.Sprintf("Error conectando al almacén (%s): %v", cfg.StoreDriver, err), "Main")
		os.Exit(1)
	}
	if err := prepareStore(ctx, st, cfg.StoreDriver); err != nil {
		logger.Critical(fmt.Sprintf("Error preparando el esquema (%s): %v", cfg.StoreDriver, err), "Main")
		os.Exit(1)
	}

	// Initialize engines
	eco := cfg.Economy
	locks := keylock.New(eco.LockShards)
	metrics.TrackKeyLocks(locks.Len)

	cooldowns := cooldown.NewEngine(st, cooldown.Options{
		Grace:   eco.GraceWindow,
		Retries: eco.ClaimRetries,
		Locks:   locks,
	})
	balances := ledger.New(st, nil)
	promos := promo.New(st, nil)
	agg := aggregate.New(st, st, aggregate.Options{
		QueueSize: eco.PropagationQueue,
		Workers:   eco.PropagationWorkers,
	})

	// Run migrations before serving anything
	runner, err := migrations.NewRunner(st, eco.MigrationLockTTL, nil, migrations.Default(agg)...)
	if err != nil {
		logger.Critical(fmt.Sprintf("Migraciones inválidas: %v", err), "Main")
		os.Exit(1)
	}
	if _, err := runner.Run(ctx); err != nil {
		logger.Critical(fmt.Sprintf("Error aplicando migraciones: %v", err), "Main")
		_ = st.Close(context.Background())
		os.Exit(1)
	}

	// Initialize MQTT
	mqttClientID := "diggerbot"
	if !cfg.IsProd() {
		mqttClientID = "diggerbot_canary"
	}
	mqttClient := mqtt.NewMqttCommunicator(
		cfg.MQTTHost,
		cfg.MQTTPort,
		cfg.MQTTUser,
		cfg.MQTTPassword,
		mqttClientID,
	)

	opts := game.Options{
		DigCooldown: eco.DigCooldown,
		BoxCooldown: eco.BoxCooldown,
		Events:      events.NewBrokerPublisher(mqttClient),
	}

	// Initialize leaderboard cache
	var topCache *cache.RedisCache
	if cfg.RedisAddr != "" {
		topCache, err = cache.NewRedisCache(ctx, cache.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}, eco.TopCacheTTL)
		if err != nil {
			// The leaderboard works without the cache.
			logger.Warn(fmt.Sprintf("Caché de Redis no disponible: %v", err), "Main")
		} else {
			opts.TopCache = topCache
		}
	}

	svc := game.New(cooldowns, balances, promos, agg, opts)
	if err := events.Register(mqttClient, svc); err != nil {
		logger.Warn(fmt.Sprintf("Peticiones MQTT no disponibles: %v", err), "Main")
	}

	// Initialize scheduler
	scheduler, err := jobs.NewScheduler(svc, jobs.Schedules{
		Rebuild:      eco.RebuildSchedule,
		PromoCleanup: eco.PromoCleanupSchedule,
	}, 0)
	if err != nil {
		logger.Critical(fmt.Sprintf("Error configurando tareas: %v", err), "Main")
		os.Exit(1)
	}
	scheduler.Start()

	// Initialize web server
	webServer := web.NewServer(web.Options{LogsWebhook: cfg.LogsWebhook})
	web.SetupAPIRoutes(webServer, &web.API{
		Game:           svc,
		Store:          st,
		Driver:         cfg.StoreDriver,
		BrokerOnline:   mqttClient.IsConnected,
		AdminTokenHash: cfg.AdminTokenHash,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return webServer.Start(cfg.Port)
	})

	logger.Success("DiggerBot Go iniciado correctamente!", "Main")

	<-gctx.Done()
	logger.System("Apagando DiggerBot Go...", "Main")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := webServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(fmt.Sprintf("Error cerrando el servidor web: %v", err), "Main")
	}
	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("Servidor web detenido con error: %v", err), "Main")
	}
	scheduler.Stop(shutdownCtx)
	if err := agg.Close(shutdownCtx); err != nil {
		logger.Warn(fmt.Sprintf("Propagaciones pendientes descartadas: %v", err), "Main")
	}
	mqttClient.Destroy()
	if topCache != nil {
		_ = topCache.Close()
	}
	if err := st.Close(shutdownCtx); err != nil {
		logger.Error(fmt.Sprintf("Error cerrando el almacén: %v", err), "Main")
	}
	errors.Get().Stop()
}

// openStore connects the backend selected by STORE_DRIVER.
// prepareStore creates indexes. Postgres creates its tables in the same step,
// so only that driver fails on error; elsewhere indexes are an optimisation.
func prepareStore(ctx context.Context, st interface{ EnsureIndexes(context.Context) error }, driver string) error {
	err := st.EnsureIndexes(ctx)
	if err == nil {
		return nil
	}
	if driver == config.DriverPostgres {
		return err
	}
	logger.Warn(fmt.Sprintf("Error creando índices: %v", err), "Main")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := postgres.NewPool(connectCtx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return postgres.New(pool), nil
	case config.DriverMemory:
		logger.Warn("Usando almacén en memoria: los datos no sobreviven a un reinicio", "Main")
		return store.NewMemoryStore(), nil
	default:
		db := database.NewDatabase()
		if err := db.Connect(connectCtx, cfg.MongoDBURL, cfg.DBName); err != nil {
			logger.Debug(fmt.Sprintf("Error connecting to database: %v", cfg.MongoDBURL), "Main")
			return nil, err
		}
		return database.NewMongoStore(db), nil
	}
}
