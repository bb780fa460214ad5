/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command platformd is the single daemon that runs the platform's
// authorization and continuous-deployment core: it loads
// configuration, wires the component graph, starts the deployment
// reconciler and the ops-repo synchronizer as background loops, and
// serves /health and /metrics. Routing the business API that calls
// into pkg/rbac, pkg/preview, and pkg/audit is out of scope here; this
// binary only owns the operational surface and the background loops.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/forgebase/platform/internal/config"
	"github.com/forgebase/platform/internal/database"
	"github.com/forgebase/platform/pkg/audit"
	"github.com/forgebase/platform/pkg/k8s"
	"github.com/forgebase/platform/pkg/manifest"
	"github.com/forgebase/platform/pkg/metrics"
	"github.com/forgebase/platform/pkg/notify"
	"github.com/forgebase/platform/pkg/opsrepo"
	"github.com/forgebase/platform/pkg/orchestrator"
	"github.com/forgebase/platform/pkg/preview"
	"github.com/forgebase/platform/pkg/rbac"
	"github.com/forgebase/platform/pkg/reconciler"
)

func main() {
	configPath := flag.String("config", "/etc/platformd/config.yaml", "path to the platformd YAML configuration file")
	migrateOnly := flag.Bool("migrate", false, "apply pending database migrations and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "platformd: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	logger.WithField("config_path", *configPath).Info("starting platformd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go watchLogLevel(ctx, *configPath, logger)

	dbCfg := &database.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Name,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
	db, err := database.Connect(dbCfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to database")
	}
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		logger.WithError(err).Fatal("failed to apply database migrations")
	}
	if *migrateOnly {
		logger.Info("migrations applied, exiting (--migrate)")
		return
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.WithError(err).Warn("redis unreachable at startup; permission cache will degrade to direct-compute")
	}

	k8sClient, err := k8s.NewClient(cfg.Kubernetes, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to build kubernetes client")
	}

	// The authorization core (components A-D) shares this same Postgres
	// pool and Redis client; its resolver, delegation manager, and cache
	// are constructed by the business-API server that calls into them,
	// which is out of scope for this daemon (see package doc above). The
	// one piece of authorization bootstrap this binary does own is
	// ensuring the built-in admin role exists, so a fresh deployment is
	// never left with no way to grant itself access.
	rbacRepo := rbac.NewPostgresRepository(db)
	if _, err := rbacRepo.EnsureAdminRole(ctx); err != nil {
		logger.WithError(err).Fatal("failed to ensure admin role exists")
	}

	auditStore := audit.NewStore(db, logger, 256, 2*time.Second, 64)
	go auditStore.Run(ctx)
	defer auditStore.Stop()

	// Preview environments (component I).
	previewRepo := preview.NewPostgresRepository(db)
	previews := preview.NewManager(previewRepo, auditStore)

	// Ops-repo sync (component E) and its periodic scheduler.
	opsRepoRepo := reconciler.NewPostgresRepository(db)
	synchronizer := opsrepo.New(cfg.OpsRepo.RootDir, cfg.OpsRepo.SyncTimeout, logger)
	go runOpsRepoScheduler(ctx, opsRepoRepo, synchronizer, cfg.OpsRepo.SyncInterval, logger)

	// Rendering and orchestration (components F, G).
	renderer := manifest.New()
	applier := orchestrator.New(k8sClient, logger)

	// Deployment reconciler (component H).
	notifier := notify.NewLoggingNotifier(logger)
	rc := reconciler.New(opsRepoRepo, renderer, applier, synchronizer, previews, notifier, cfg.Reconciler, logger)
	go rc.Run(ctx)

	metricsServer := metrics.NewServer(cfg.Server.MetricsPort, logger)
	metricsServer.StartAsync()
	logger.WithField("port", cfg.Server.MetricsPort).Info("metrics/health server listening")

	<-ctx.Done()
	logger.Info("shutdown signal received, draining background loops")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := metricsServer.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("metrics server shutdown did not complete cleanly")
	}
}

// runOpsRepoScheduler periodically lists every registered ops-repo and
// syncs each one. A repo whose sync fails is logged and retried on the
// next tick; one repo's failure never blocks the others.
func runOpsRepoScheduler(ctx context.Context, repo *reconciler.PostgresRepository, sync *opsrepo.Synchronizer, interval time.Duration, logger *logrus.Logger) {
	log := logger.WithField("component", "opsrepo_scheduler")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	syncAll := func() {
		repos, err := repo.ListOpsRepos(ctx)
		if err != nil {
			log.WithError(err).Error("failed to list ops repos")
			return
		}
		for _, r := range repos {
			if _, err := sync.Sync(ctx, r); err != nil {
				log.WithError(err).WithField("ops_repo", r.Name).Error("ops repo sync failed")
			}
		}
	}

	syncAll()
	for {
		select {
		case <-ctx.Done():
			log.Info("ops-repo scheduler stopping")
			return
		case <-ticker.C:
			syncAll()
		}
	}
}

// watchLogLevel re-reads configPath's logging.level on every write to
// it and applies the change to logger immediately, so an operator can
// turn on debug logging without restarting the daemon. Every other
// field in the file requires a restart; only the log level is live.
func watchLogLevel(ctx context.Context, configPath string, logger *logrus.Logger) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.WithError(err).Warn("config file watcher unavailable, log level changes require a restart")
		return
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(configPath)); err != nil {
		logger.WithError(err).Warn("failed to watch config directory")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Name != configPath || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				logger.WithError(err).Warn("config file changed but failed to reload")
				continue
			}
			level, err := logrus.ParseLevel(cfg.Logging.Level)
			if err != nil {
				continue
			}
			if level != logger.GetLevel() {
				logger.SetLevel(level)
				logger.WithField("level", level.String()).Info("log level updated from config file change")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.WithError(err).Warn("config file watcher error")
		}
	}
}

// newLogger builds the logrus logger every component derives its
// *logrus.Entry from, configured per cfg.
func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}
