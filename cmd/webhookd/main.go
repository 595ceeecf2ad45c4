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

// Command webhookd runs the change-data-capture and webhook delivery
// pipeline: it applies pending schema migrations, wires every collaborator
// described below, then serves the Pull API, the push dispatcher's
// retry sweep, and the rest of the maintenance schedule until interrupted.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/fluxgate/webhookd/internal/audit"
	"github.com/fluxgate/webhookd/internal/config"
	"github.com/fluxgate/webhookd/internal/database"
	"github.com/fluxgate/webhookd/internal/metrics"
	"github.com/fluxgate/webhookd/internal/refhost"
	"github.com/fluxgate/webhookd/migrations"
	"github.com/fluxgate/webhookd/pkg/api"
	"github.com/fluxgate/webhookd/pkg/delivery"
	"github.com/fluxgate/webhookd/pkg/dispatch"
	"github.com/fluxgate/webhookd/pkg/eventlog"
	"github.com/fluxgate/webhookd/pkg/intercept"
	"github.com/fluxgate/webhookd/pkg/maintenance"
	"github.com/fluxgate/webhookd/pkg/payload"
	"github.com/fluxgate/webhookd/pkg/ratelimit"
	"github.com/fluxgate/webhookd/pkg/rules"
	"github.com/fluxgate/webhookd/pkg/subscriber"
	"github.com/fluxgate/webhookd/pkg/syncstate"
)

// version is stamped into the Pull API's health response; overridden at
// build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Fatal("webhookd exited")
	}
}

func run() error {
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := newLogger(cfg.Logging)

	db, err := database.ConnectDSN(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime, log)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	goose.SetBaseFS(migrations.FS)
	if err := goose.Up(db.DB, "."); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	// Ambient collaborators shared across the pipeline.
	auditStore := audit.NewStore(db, log, 100, 2*time.Second)
	limiter := ratelimit.NewRedisLimiter(redisClient)

	// Rule Registry & Cache.
	ruleStore := rules.NewPostgresStore(db)
	registry := rules.NewRegistry(ruleStore, log)

	// Payload Builder. The host's ORM is out of scope
	// refhost.Accessor is a reference stand-in a real
	// deployment replaces with its own payload.EntityAccessor.
	accessor := refhost.NewAccessor()
	builder := payload.NewBuilder(accessor, payload.NoopTemplateRenderer{}, log)

	// Event Log / pull store.
	events := eventlog.NewStore(db, log)

	// Subscribers and the HTTP Delivery Client.
	subscribers := subscriber.NewPostgresStore(db)
	deliveryClient := delivery.NewClient(delivery.DefaultAuthApplier{}, log, auditStore)

	// Push Dispatch Queue & Delivery Engine.
	queue := dispatch.NewQueue(db)
	dispatcher := dispatch.NewDispatcher(queue, subscribers, deliveryClient, limiter, auditStore, log, dispatch.Config{
		Workers:    cfg.Dispatch.Workers,
		BatchSize:  cfg.Dispatch.BatchSize,
		BaseDelay:  cfg.Dispatch.BaseDelay,
		MaxRetries: cfg.Dispatch.MaxRetries,
	})

	// Interception Hook. refhost.AlwaysMatchDomain stands in
	// for the host's domain/filter-expression evaluator.
	engine := intercept.NewEngine(registry, builder, events, queue, refhost.AlwaysMatchDomain{}, dispatcher, cfg.Rules.DebounceWindow, log)

	// Sync state.
	syncStateStore := syncstate.NewStore(db)

	// Pull API Surface.
	handler := api.NewHandler(events, version, log)
	router := api.NewRouter(handler, cfg.Server.APIKey, log)
	// /debug/simulate drives the Interception Hook for local smoke testing
	// in the absence of a real host ORM (see cmd/webhookd/demo.go).
	router.Post("/debug/simulate", simulateHandler(engine, accessor, log))

	apiServer := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}
	metricsServer := metrics.NewServer(cfg.Server.MetricsPort, log)

	// Maintenance Workers.
	scheduler := maintenance.NewScheduler(db, log,
		maintenance.RetrySweepJob(dispatcher, cfg.Maintenance.RetrySweepInterval),
		maintenance.ArchiveDeleteJob(events, cfg.Maintenance.ArchiveAfter, cfg.Maintenance.DeleteAfter, 1*time.Hour, log),
		maintenance.AuditCleanupJob(auditStore, cfg.Maintenance.AuditRetention, 24*time.Hour),
		maintenance.SyncStateCleanupJob(syncStateStore, 90*24*time.Hour, 7*24*time.Hour),
		maintenance.OrphanCleanupJob(events, refhost.AlwaysExists{}, 24*time.Hour, log),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	metricsServer.StartAsync()

	g.Go(func() error {
		log.WithField("port", cfg.Server.Port).Info("pull api listening")
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("pull api server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return scheduler.Run(gctx)
	})

	<-gctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("pull api shutdown error")
	}
	if err := metricsServer.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("metrics server shutdown error")
	}
	if err := auditStore.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("audit store shutdown error")
	}

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		return err
	}
	return nil
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Format == "text" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}
