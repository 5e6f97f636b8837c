package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	_ "github.com/mattn/go-sqlite3"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/3vilhamster/partition-placement/pkg/placement"
	"github.com/3vilhamster/partition-placement/pkg/server"
	"github.com/3vilhamster/partition-placement/pkg/server/config"
	"github.com/3vilhamster/partition-placement/pkg/server/health"
	"github.com/3vilhamster/partition-placement/pkg/server/leader"
	"github.com/3vilhamster/partition-placement/pkg/server/reconcile"
	"github.com/3vilhamster/partition-placement/pkg/server/store"
	"github.com/3vilhamster/partition-placement/pkg/server/tables"
)

func main() {
	// Parse command line flags, explicitly set flags win over the config file
	configPath := flag.String("config", "", "Path to a YAML config file")
	listenAddr := flag.String("listen", "", "Listen address")
	catalog := flag.String("catalog", "", "Catalog backend (sqlite, etcd, bolt, memory)")
	dsn := flag.String("dsn", "", "SQLite data source name")
	etcdAddr := flag.String("etcd", "", "Comma-separated etcd endpoints")
	etcdPrefix := flag.String("etcd-prefix", "", "etcd key prefix")
	boltPath := flag.String("bolt-path", "", "bbolt catalog file")
	defaultKind := flag.String("default-kind", "", "Kind used when a table names none (hash, replicated, roundrobin)")
	reloadInterval := flag.Duration("reload-interval", 0, "Catalog reload interval")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	flag.Parse()

	serverConfig, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			serverConfig.ListenAddr = *listenAddr
		case "catalog":
			serverConfig.Catalog.Backend = *catalog
		case "dsn":
			serverConfig.Catalog.DSN = *dsn
		case "etcd":
			serverConfig.Catalog.EtcdEndpoints = strings.Split(*etcdAddr, ",")
		case "etcd-prefix":
			serverConfig.Catalog.EtcdPrefix = *etcdPrefix
		case "bolt-path":
			serverConfig.Catalog.BoltPath = *boltPath
		case "default-kind":
			serverConfig.DefaultKind = *defaultKind
		case "reload-interval":
			serverConfig.ReloadInterval = *reloadInterval
		case "log-level":
			serverConfig.LogLevel = *logLevel
		}
	})
	if err := serverConfig.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// Start the fx application
	app := fx.New(
		// Provide logger
		fx.Provide(func() (*zap.Logger, error) {
			return newLogger(serverConfig.LogLevel)
		}),

		// Provide configuration
		fx.Provide(func() config.Config {
			return serverConfig
		}),

		// Provide clock
		fx.Provide(func() clockwork.Clock {
			return clockwork.NewRealClock()
		}),

		// Provide reload interval with name annotation
		fx.Provide(
			fx.Annotate(
				func() time.Duration { return serverConfig.ReloadInterval },
				fx.ResultTags(`name:"reloadInterval"`),
			),
		),

		// Provide catalog health checking
		fx.Provide(func() *health.CheckerConfig {
			return &health.CheckerConfig{Interval: serverConfig.HealthInterval}
		}),
		fx.Provide(health.NewChecker),

		// Provide the partition map registry
		fx.Provide(func() *placement.Registry {
			registry := placement.NewRegistry()
			if serverConfig.DefaultKind != "" {
				registry.SetDefaultKind(placement.Kind(serverConfig.DefaultKind))
			}
			return registry
		}),

		// Provide the catalog store
		catalogOptions(serverConfig),

		// Provide core components
		fx.Provide(tables.NewDirectory),
		fx.Provide(reconcile.NewReloader),

		// Provide the service
		fx.Provide(server.NewService),

		// Load configured tables, then make sure the service is built
		fx.Invoke(preloadTables),
		fx.Invoke(func(logger *zap.Logger, _ *server.Service) {
			logger.Info("Placement server initialized",
				zap.String("listen", serverConfig.ListenAddr),
				zap.String("catalog", serverConfig.Catalog.Backend),
				zap.Duration("reload_interval", serverConfig.ReloadInterval),
				zap.String("default_kind", serverConfig.DefaultKind))
		}),
	)

	// Start the application
	ctx, cancel := context.WithTimeout(context.Background(), fx.DefaultTimeout)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "failed to start:", err)
		os.Exit(1)
	}

	// Wait for a shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-app.Done():
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout+5*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		fmt.Fprintln(os.Stderr, "failed to stop:", err)
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	var logConfig zap.Config
	switch level {
	case "debug":
		logConfig = zap.NewDevelopmentConfig()
	case "warn":
		logConfig = zap.NewProductionConfig()
		logConfig.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		logConfig = zap.NewProductionConfig()
		logConfig.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		logConfig = zap.NewProductionConfig()
	}
	return logConfig.Build()
}

// catalogOptions provides the store of the configured backend. The etcd
// backend also provides the etcd client and, when a path is set, the leader
// election.
func catalogOptions(cfg config.Config) fx.Option {
	if cfg.Catalog.Backend != config.BackendEtcd {
		return fx.Provide(newLocalStore)
	}

	opts := []fx.Option{
		fx.Provide(newEtcdClient),
		fx.Provide(
			fx.Annotate(
				func() string { return cfg.Catalog.EtcdPrefix },
				fx.ResultTags(`name:"etcdPrefix"`),
			),
		),
		fx.Provide(
			fx.Annotate(
				store.NewEtcdStore,
				fx.As(new(store.Store)),
			),
		),
	}

	if cfg.Catalog.LeaderPath != "" {
		opts = append(opts,
			fx.Provide(
				fx.Annotate(
					func() string { return cfg.Catalog.LeaderPath },
					fx.ResultTags(`name:"leaderElectionPath"`),
				),
			),
			fx.Provide(leader.NewElection),
		)
	}

	return fx.Options(opts...)
}

func newEtcdClient(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*clientv3.Client, error) {
	etcdClient, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Catalog.EtcdEndpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		logger.Error("Failed to connect to etcd", zap.Error(err))
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			logger.Info("Closing etcd client")
			return etcdClient.Close()
		},
	})

	return etcdClient, nil
}

// newLocalStore opens a single-process catalog backend and closes it on stop
func newLocalStore(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.Catalog.Backend {
	case config.BackendSQLite:
		db, err := sql.Open("sqlite3", cfg.Catalog.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite catalog: %w", err)
		}
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				logger.Info("Closing sqlite catalog")
				return db.Close()
			},
		})

		s := store.NewSQLStore(db, logger)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return s, nil

	case config.BackendBolt:
		s, err := store.OpenBoltStore(cfg.Catalog.BoltPath, logger)
		if err != nil {
			return nil, err
		}
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				logger.Info("Closing bolt catalog")
				return s.Close()
			},
		})
		return s, nil

	case config.BackendMemory:
		logger.Warn("Using the in-memory catalog, mappings are lost on exit")
		return store.NewMemoryStore(), nil

	default:
		return nil, fmt.Errorf("unknown catalog backend %q", cfg.Catalog.Backend)
	}
}

// preloadTables loads the tables named in the config before serving starts
func preloadTables(lc fx.Lifecycle, cfg config.Config, directory *tables.Directory, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			for _, t := range cfg.Tables {
				_, err := directory.Load(ctx, tables.Table{
					ID:         placement.TableID(t.ID),
					DatabaseID: placement.DatabaseID(t.DatabaseID),
					Kind:       placement.Kind(t.Kind),
				})
				if err != nil {
					logger.Warn("Failed to preload table",
						zap.Int64("table", t.ID),
						zap.Error(err))
				}
			}
			return nil
		},
	})
}
