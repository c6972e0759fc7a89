package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	infra "github.com/pot-code/progress-sync/internal/infrastructure"
	"github.com/pot-code/progress-sync/internal/infrastructure/changefeed"
	"github.com/pot-code/progress-sync/internal/infrastructure/connectivity"
	"github.com/pot-code/progress-sync/internal/infrastructure/driver"
	"github.com/pot-code/progress-sync/internal/infrastructure/logging"
	"github.com/pot-code/progress-sync/internal/infrastructure/uuid"
	"github.com/pot-code/progress-sync/internal/interfaces/rest"
	"github.com/pot-code/progress-sync/internal/remote"
	"github.com/pot-code/progress-sync/internal/session"
	"github.com/pot-code/progress-sync/internal/syncqueue"
	"github.com/pot-code/progress-sync/internal/tracker"
)

type pingFunc func() error

func (f pingFunc) Ping() error { return f() }

func main() {
	log.SetFlags(log.Lshortfile | log.Ldate | log.Ltime)
	option, err := infra.LoadConfig(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		FilePath: option.Logging.FilePath,
		Level:    option.Logging.Level,
		AppID:    option.AppID,
		Env:      option.Env,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %s\n", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.SetLoggerInContext(ctx, logger)

	var (
		persistence remote.Persistence
		outlines    tracker.OutlineProvider
		health      []rest.Pinger
		backend     connectivity.Pinger
	)
	if option.Database.Driver == "memory" {
		persistence = remote.NewMemory()
		outlines = remote.NewMemoryOutlines()
		backend = pingFunc(func() error { return nil })
		logger.Warn("using in-memory remote persistence, progress is lost on exit")
	} else {
		dbConn, err := driver.GetDBConnection(&driver.DBConfig{
			User:     option.Database.User,
			Password: option.Database.Password,
			MaxConn:  option.Database.MaxConn,
			Protocol: option.Database.Protocol,
			Driver:   option.Database.Driver,
			Host:     option.Database.Host,
			Port:     option.Database.Port,
			Query:    option.Database.Query,
			Schema:   option.Database.Schema,
		})
		if err != nil {
			logger.Fatal("Failed to create DB connection", zap.Error(err))
		}
		defer dbConn.Close(context.Background())
		logger.Debug("Create DB connection instance", zap.String("db.driver", option.Database.Driver),
			zap.String("db.schema", option.Database.Schema),
			zap.String("db.host", option.Database.Host),
		)
		if option.Database.Migrate {
			if err := remote.Migrate(ctx, dbConn); err != nil {
				logger.Fatal("Failed to migrate database", zap.Error(err))
			}
		}
		persistence = remote.NewProgressSQL(dbConn)
		outlines = remote.NewOutlineSQL(dbConn)
		backend = dbConn
		health = append(health, dbConn)
	}

	var (
		rdb  *driver.RedisClient
		feed changefeed.Feed = changefeed.NewMemory()
	)
	if option.KVStore.Enabled {
		rdb = driver.NewRedisClient(option.KVStore.Host, option.KVStore.Port, option.KVStore.Password)
		defer rdb.Close()
		feed = changefeed.NewRedis(rdb.Conn())
		health = append(health, rdb)
	}

	var local driver.KeyValueDB
	switch option.Local.Backend {
	case "sqlite":
		kv, err := driver.NewSQLiteKV(option.Local.Path)
		if err != nil {
			logger.Fatal("Failed to open local store", zap.String("local.path", option.Local.Path), zap.Error(err))
		}
		defer kv.Close()
		local = kv
	case "redis":
		local = rdb
	default:
		local = driver.NewMemoryKV()
	}
	var blacklist driver.KeyValueDB = local
	if rdb != nil {
		blacklist = rdb
	}

	sw := connectivity.NewSwitch(false)
	prober := connectivity.NewProber(backend, sw, option.Sync.ProbeInterval)
	prober.Probe(ctx)
	go prober.Run(ctx)

	sessions := session.NewManager(ctx, session.Config{
		Local:       local,
		Persistence: persistence,
		Outlines:    outlines,
		Online:      sw,
		Feed:        feed,
		IDs:         uuid.NewNanoIDGenerator(option.Security.IDLength),
		Policy: syncqueue.RetryPolicy{
			InitialInterval: option.Sync.InitialBackoff,
			MaxInterval:     option.Sync.MaxBackoff,
			Multiplier:      2,
			MaxAttempts:     option.Sync.MaxAttempts,
		},
		ConflictRetries: option.Sync.ConflictRetries,
		FetchTimeout:    option.Sync.FetchTimeout,
		Interval:        option.Sync.Interval,
	})
	defer sessions.CloseAll()

	app := rest.NewServer(&rest.ServerOption{
		Config:    option,
		Sessions:  sessions,
		Blacklist: blacklist,
		Health:    health,
		Logger:    logger,
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shut down server", zap.Error(err))
		}
	}()

	logger.Info("Server started", zap.String("host", option.Host), zap.Int("port", option.Port))
	if err := rest.Serve(app, option); err != nil {
		logger.Error("Server stopped", zap.Error(err))
	}
}
