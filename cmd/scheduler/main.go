package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/dmq/internal/config"
	"github.com/SirClappington/dmq/internal/delivery"
	"github.com/SirClappington/dmq/internal/domain"
	"github.com/SirClappington/dmq/internal/jobs"
	"github.com/SirClappington/dmq/internal/logging"
	"github.com/SirClappington/dmq/internal/observability"
	"github.com/SirClappington/dmq/internal/queue"
	"github.com/SirClappington/dmq/internal/scheduler"
	"github.com/SirClappington/dmq/internal/storage"
	"github.com/SirClappington/dmq/internal/vault"
)

const refreshBatch = 100

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(2)
	}
	log, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(2)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("scheduler exited", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer db.Close()
	if cfg.Postgres.AutoMigrate {
		if err := storage.Migrate(db.DB, cfg.Postgres.MigrationsDir); err != nil {
			return err
		}
	}

	rdb := r.NewClient(&r.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()
	rq := queue.New(rdb)

	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		return err
	}
	defer shutdownMetrics(context.Background())
	m, err := observability.NewMetrics()
	if err != nil {
		return err
	}

	ids := domain.TenantIDs{StrictUUID: cfg.TenantStrictUUID}
	store := storage.NewJobs(db.DB)
	q := jobs.NewQueue(store, rq, ids, cfg.Worker.MaxAttempts, log)
	// The sweep only lists expiry metadata, so no cipher is needed here.
	creds := vault.New(storage.NewCredentials(db.DB), nil, ids, log, m)

	sched, err := scheduler.New(scheduler.Config{
		Leader:          storage.NewLeader(db.DB, cfg.Scheduler.LeaderLockKey),
		Reaper:          jobs.NewReaper(store, rq, rq, cfg.Scheduler.ReapBatch, log),
		Sweeper:         delivery.NewRefreshSweeper(creds, q, cfg.Scheduler.RefreshWindow, refreshBatch, log),
		Interval:        cfg.Scheduler.Interval,
		RefreshInterval: cfg.Scheduler.RefreshInterval,
		Log:             log,
	})
	if err != nil {
		return err
	}

	rtr := chi.NewRouter()
	rtr.Method(http.MethodGet, "/metrics", metricsHandler)
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: rtr, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server", zap.Error(err))
		}
	}()

	sched.Start(ctx)
	log.Info("scheduler started", zap.Duration("interval", cfg.Scheduler.Interval))
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = sched.Stop(shutdownCtx)
	_ = srv.Shutdown(shutdownCtx)
	return err
}
