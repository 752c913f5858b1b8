package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/dmq/internal/assistant"
	"github.com/SirClappington/dmq/internal/config"
	"github.com/SirClappington/dmq/internal/delivery"
	"github.com/SirClappington/dmq/internal/domain"
	"github.com/SirClappington/dmq/internal/jobs"
	"github.com/SirClappington/dmq/internal/logging"
	"github.com/SirClappington/dmq/internal/observability"
	"github.com/SirClappington/dmq/internal/platform"
	"github.com/SirClappington/dmq/internal/queue"
	"github.com/SirClappington/dmq/internal/ratelimit"
	"github.com/SirClappington/dmq/internal/storage"
	"github.com/SirClappington/dmq/internal/tenancy"
	"github.com/SirClappington/dmq/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err == nil {
		err = cfg.RequireVault()
	}
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
		log.Fatal("worker exited", zap.Error(err))
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
	scoper, err := tenancy.New(db.DB, ids, tenancy.Mode(cfg.TenantFallback), log)
	if err != nil {
		return err
	}
	cipher, err := vault.NewCipher(cfg.Vault.EncryptionKey)
	if err != nil {
		return err
	}
	mode, err := ratelimit.ParseFailureMode(cfg.RateLimit.FailureMode)
	if err != nil {
		return err
	}
	limiter, err := ratelimit.New(rdb, mode, map[string]ratelimit.Limit{
		delivery.ResourceSend:    {Max: cfg.RateLimit.SendLimit, Window: cfg.RateLimit.SendWindow},
		delivery.ResourceAIReply: {Max: cfg.RateLimit.AILimit, Window: cfg.RateLimit.AIWindow},
	}, log, m)
	if err != nil {
		return err
	}

	store := storage.NewJobs(db.DB)
	q := jobs.NewQueue(store, rq, ids, cfg.Worker.MaxAttempts, log)
	reg := jobs.NewRegistry()
	delivery.New(delivery.Config{
		Limiter:  limiter,
		Tokens:   vault.New(storage.NewCredentials(db.DB), cipher, ids, log, m),
		Platform: platform.NewClient(cfg.Graph, nil),
		Replier:  assistant.NewClient(cfg.OpenAI, nil),
		Queue:    q,
		MaxWait:  cfg.RateLimit.MaxWait,
		Log:      log,
	}).Register(reg)

	host, _ := os.Hostname()
	d, err := jobs.NewDispatcher(jobs.DispatcherConfig{
		Store:         store,
		Registry:      reg,
		Scoper:        scoper,
		Signal:        rq,
		DeadLetters:   rq,
		TenantIDs:     ids,
		Backoff:       jobs.NewBackoff(cfg.Worker.BackoffBase, cfg.Worker.BackoffMax, nil),
		Log:           log,
		Metrics:       m,
		WorkerID:      fmt.Sprintf("%s-%d", host, os.Getpid()),
		Concurrency:   cfg.Worker.Concurrency,
		PollInterval:  cfg.Worker.PollInterval,
		LeaseFor:      cfg.Worker.JobDeadline,
		ShutdownGrace: cfg.Worker.ShutdownGrace,
	})
	if err != nil {
		return err
	}

	srv := metricsServer(cfg.MetricsAddr, metricsHandler)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server", zap.Error(err))
		}
	}()

	// Jobs run detached from the signal; Stop decides when they are interrupted.
	d.Start(context.WithoutCancel(ctx))
	<-ctx.Done()
	log.Info("shutting down", zap.Duration("grace", cfg.Worker.ShutdownGrace))

	// In-flight jobs get the grace, then are released; outcome writes need a little more.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownGrace+15*time.Second)
	defer cancel()
	err = d.Stop(shutdownCtx)
	_ = srv.Shutdown(shutdownCtx)
	return err
}

func metricsServer(addr string, h http.Handler) *http.Server {
	rtr := chi.NewRouter()
	rtr.Method(http.MethodGet, "/metrics", h)
	rtr.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	return &http.Server{Addr: addr, Handler: rtr, ReadHeaderTimeout: 5 * time.Second}
}
