package main

import (
	"context"
	"log"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	apiHandler "github.com/fastygo/taskboard/api/handler"
	"github.com/fastygo/taskboard/internal/config"
	"github.com/fastygo/taskboard/internal/infrastructure/boltdb"
	"github.com/fastygo/taskboard/internal/infrastructure/monitor"
	pgInfra "github.com/fastygo/taskboard/internal/infrastructure/postgres"
	redisInfra "github.com/fastygo/taskboard/internal/infrastructure/redis"
	"github.com/fastygo/taskboard/internal/middleware"
	"github.com/fastygo/taskboard/internal/router"
	"github.com/fastygo/taskboard/internal/services"
	"github.com/fastygo/taskboard/internal/services/lifecycle"
	"github.com/fastygo/taskboard/pkg/httpcontext"
	"github.com/fastygo/taskboard/pkg/logger"
	"github.com/fastygo/taskboard/repository"
	"github.com/fastygo/taskboard/repository/bolt"
	"github.com/fastygo/taskboard/repository/memory"
	pgRepo "github.com/fastygo/taskboard/repository/postgres"
	redisRepo "github.com/fastygo/taskboard/repository/redis"
	taskUC "github.com/fastygo/taskboard/usecase/task"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	zapLogger, err := logger.New(logger.Config{
		App:        cfg.AppName,
		Level:      cfg.Logger.Level,
		Encoding:   cfg.Logger.Encoding,
		File:       cfg.Logger.File,
		MaxSizeMB:  cfg.Logger.MaxSizeMB,
		MaxBackups: cfg.Logger.MaxBackups,
		MaxAgeDays: cfg.Logger.MaxAgeDays,
	})
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer zapLogger.Sync()

	manager := lifecycle.New(cfg.Context.ShutdownTimeout, zapLogger)
	manager.Listen()
	appCtx := manager.Context()

	db, err := boltdb.Open(cfg.Store, zapLogger)
	if err != nil {
		zapLogger.Fatal("failed to open local store", zap.Error(err))
	}
	tasks := bolt.NewTaskStore(db)
	queue := bolt.NewMutationQueue(db)
	manager.Register("local_store", func(ctx context.Context) error {
		tasks.Close()
		return boltdb.Close(db, zapLogger)
	})

	mon := monitor.New(cfg.Sync.ProbeInterval, queue, zapLogger)
	remote := buildRemote(appCtx, cfg, mon, manager, zapLogger)

	mon.Start()
	manager.Register("monitor", func(ctx context.Context) error {
		mon.Stop()
		return nil
	})

	engine := services.NewSyncEngine(tasks, queue, remote, mon, zapLogger, services.SyncConfig{
		Interval:       cfg.Sync.Interval,
		MaxRetries:     cfg.Sync.MaxRetries,
		InitialBackoff: cfg.Sync.InitialBackoff,
	})
	engine.Start()
	manager.Register("sync_engine", engine.Stop)

	taskUseCase := taskUC.New(tasks, engine, mon, zapLogger)
	ctxAdapter := httpcontext.NewAdapter(appCtx, cfg.Context.RequestTimeout)

	handlers := router.Handlers{
		Task:         apiHandler.NewTaskHandler(taskUseCase, ctxAdapter, zapLogger),
		Connectivity: apiHandler.NewConnectivityHandler(mon, ctxAdapter, zapLogger),
		Health:       apiHandler.NewHealthHandler(mon, ctxAdapter, zapLogger),
	}
	r := router.New(handlers, middleware.RequestLogger(zapLogger))

	server := &fasthttp.Server{
		Handler:      r.Handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
		Concurrency:  cfg.HTTP.MaxConn,
		Name:         cfg.AppName,
	}

	manager.Go("http_server", func() error {
		zapLogger.Info("server started",
			zap.String("address", cfg.Address()),
			zap.String("env", cfg.Environment),
			zap.String("remote", cfg.Sync.RemoteMode),
			zap.String("store", cfg.Store.Path))
		return server.ListenAndServe(cfg.Address())
	})
	manager.Register("http_server", server.ShutdownWithContext)

	if err := manager.Wait(); err != nil {
		zapLogger.Error("component failure", zap.Error(err))
	}
	if err := manager.Shutdown(context.Background()); err != nil {
		zapLogger.Error("graceful shutdown error", zap.Error(err))
	}
}

// buildRemote connects the authoritative store. Connection failures are logged and left to
// the monitor probes; the client keeps working against the local store.
func buildRemote(ctx context.Context, cfg *config.Config, mon *monitor.Monitor, manager *lifecycle.Manager, zapLogger *zap.Logger) repository.RemoteGateway {
	if cfg.Sync.RemoteMode != config.RemoteModePostgres {
		remote := memory.NewRemote()
		mon.AddProbe("remote", remote.Ping)
		zapLogger.Info("using in-memory remote store")
		return remote
	}

	if err := pgInfra.RunMigrations(cfg, zapLogger); err != nil {
		zapLogger.Warn("migrations not applied", zap.Error(err))
	}

	pool, err := pgInfra.NewPool(ctx, cfg.Database, zapLogger)
	if err != nil {
		zapLogger.Fatal("invalid postgres configuration", zap.Error(err))
	}
	manager.Register("postgres", func(context.Context) error {
		pgInfra.Close(pool, zapLogger)
		return nil
	})
	mon.AddProbe("postgres", monitor.PostgresProbe(pool))

	var feed repository.ChangeFeed
	redisClient, err := redisInfra.NewClient(cfg.Redis, zapLogger)
	if err != nil {
		zapLogger.Warn("change feed disabled", zap.Error(err))
	} else {
		manager.Register("redis", func(context.Context) error {
			return redisClient.Close()
		})
		mon.AddProbe("redis", monitor.RedisProbe(redisClient))
		feed = redisRepo.NewChangeFeed(redisClient, cfg.Redis.ChangesChannel, zapLogger)
	}

	return services.NewRemoteGateway(pgRepo.NewTaskRepository(pool), feed, zapLogger)
}
