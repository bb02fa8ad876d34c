// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/commoners1/sf-job-engine/internal/api"
	"github.com/commoners1/sf-job-engine/internal/audit"
	"github.com/commoners1/sf-job-engine/internal/auditwriter"
	"github.com/commoners1/sf-job-engine/internal/cache"
	"github.com/commoners1/sf-job-engine/internal/collaborators"
	"github.com/commoners1/sf-job-engine/internal/config"
	"github.com/commoners1/sf-job-engine/internal/handoff"
	"github.com/commoners1/sf-job-engine/internal/monitor"
	"github.com/commoners1/sf-job-engine/internal/obs"
	"github.com/commoners1/sf-job-engine/internal/queue"
	"github.com/commoners1/sf-job-engine/internal/redisclient"
	"github.com/commoners1/sf-job-engine/internal/scheduler"
	"github.com/commoners1/sf-job-engine/internal/storage"
	"github.com/commoners1/sf-job-engine/internal/worker"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: worker|scheduler|api|all")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = obs.TracerShutdown(context.Background(), tp) }()
	}

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	db, err := storage.Open(cfg.Postgres)
	if err != nil {
		logger.Fatal("postgres connect failed", obs.Err(err))
	}
	defer db.Close()
	if err := db.Migrate(context.Background()); err != nil {
		logger.Fatal("schema migration failed", obs.Err(err))
	}

	broker := queue.New(rdb, cfg, logger)

	// StartHTTPServer already exposes /metrics alongside /healthz and /readyz.
	readyCheck := func(c context.Context) error {
		_, err := rdb.Ping(c).Result()
		return err
	}
	metricsSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = metricsSrv.Shutdown(context.Background()) }()

	settings := collaborators.NewSettingsSnapshot(cfg.CRM.BaseURL, time.Minute)
	// Batched Audit Writer (spec.md §4.5), shared between the worker pool and
	// the scheduler through the narrow audit.Writer interface, gated on the
	// CRM's live "is auditing enabled" setting.
	auditW := auditwriter.New(db, settings, cfg.AuditWriter, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The audit writer runs on its own context, cancelled only after the
	// worker pool and scheduler have returned, so its final force-flush sees
	// every update they appended while draining.
	writerCtx, stopWriter := context.WithCancel(context.Background())
	defer stopWriter()
	go auditW.Run(writerCtx)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(cfg.Worker.DrainGrace + 5*time.Second):
		}
	}()

	crmClient := collaborators.NewCRMClient(cfg.CRM)
	tokenProvider := collaborators.NewTokenProvider(cfg.CRM)
	errorLog := collaborators.NewErrorLog(cfg.CRM.BaseURL, logger)

	switch role {
	case "worker":
		runWorker(ctx, cfg, broker, db, auditW, crmClient, errorLog, logger)
	case "scheduler":
		sched := startScheduler(ctx, cfg, broker, db, auditW, tokenProvider, logger)
		<-ctx.Done()
		sched.Stop()
	case "api":
		mon := monitor.New(broker, cfg.Monitor, logger)
		go mon.Run(ctx)
		runAPI(ctx, cfg, broker, db, mon, auditW, nil, logger)
	case "all":
		mon := monitor.New(broker, cfg.Monitor, logger)
		go mon.Run(ctx)
		workerDone := make(chan struct{})
		go func() {
			defer close(workerDone)
			runWorker(ctx, cfg, broker, db, auditW, crmClient, errorLog, logger)
		}()
		sched := startScheduler(ctx, cfg, broker, db, auditW, tokenProvider, logger)
		runAPI(ctx, cfg, broker, db, mon, auditW, sched, logger)
		sched.Stop()
		<-workerDone
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}

	// Scheduler and worker have already stopped (runAPI blocks until ctx is
	// cancelled, role "all" then stops the scheduler and waits for the worker
	// pool, and the other two roles return on ctx.Done()); force-flush
	// whatever the audit writer still holds before the process exits.
	stopWriter()
	auditW.Wait()
}

func runWorker(ctx context.Context, cfg *config.Config, b *queue.Broker, db *storage.DB, auditW *auditwriter.Writer, crmClient worker.CRMClient, errorLog worker.ErrorLogger, logger *zap.Logger) {
	handlers := map[string]worker.Handler{
		"salesforce": &worker.CRMHandler{Updates: auditW, Audit: auditW, CRM: crmClient, ErrorLog: errorLog, QueueName: "salesforce"},
	}
	pool := worker.New(cfg, b, logger, handlers)
	if err := pool.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("worker pool exited", obs.Err(err))
	}
}

// startScheduler constructs and starts the Scheduler (C4) and returns it
// immediately so the caller can both share it with the API's cron-jobs
// routes and stop it once ctx is cancelled.
func startScheduler(ctx context.Context, cfg *config.Config, b *queue.Broker, db *storage.DB, auditW audit.Writer, token scheduler.TokenProvider, logger *zap.Logger) *scheduler.Scheduler {
	sched := scheduler.New(cfg.Scheduler.Jobs, b, db, db, token, auditW, logger)
	if err := sched.Start(); err != nil {
		logger.Error("scheduler start failed", obs.Err(err))
	}
	return sched
}

func runAPI(ctx context.Context, cfg *config.Config, b *queue.Broker, db *storage.DB, mon *monitor.Monitor, auditW *auditwriter.Writer, sched *scheduler.Scheduler, logger *zap.Logger) {
	hand := handoff.New(db, cfg.Handoff)
	c := cache.New(cfg.Cache.DefaultTTL)

	var cronRun api.CronRunner
	if sched != nil {
		cronRun = sched
	}
	h := api.New(b, mon, db, db, auditW, cfg.Scheduler.Jobs, cronRun, hand, c, logger)
	router := mux.NewRouter()
	h.RegisterRoutes(router)

	srv := &http.Server{Addr: cfg.Observability.APIAddr, Handler: router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server error", obs.Err(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.DrainGrace)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
