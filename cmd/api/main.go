package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/dmq/internal/config"
	"github.com/SirClappington/dmq/internal/domain"
	"github.com/SirClappington/dmq/internal/httpapi"
	"github.com/SirClappington/dmq/internal/intake"
	"github.com/SirClappington/dmq/internal/jobs"
	"github.com/SirClappington/dmq/internal/logging"
	"github.com/SirClappington/dmq/internal/observability"
	"github.com/SirClappington/dmq/internal/queue"
	"github.com/SirClappington/dmq/internal/storage"
	"github.com/SirClappington/dmq/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err == nil {
		err = cfg.RequireIntake()
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
		log.Fatal("api exited", zap.Error(err))
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
	gate := intake.NewGate(cfg.Webhook.AppSecret, ids, intake.NewDedupStore(rdb, cfg.Webhook.IdempotencyTTL), q, log, m)

	// Without a key the admin endpoints can still check validity and rotate, not store.
	var cipher *vault.Cipher
	if cfg.Vault.EncryptionKey != "" {
		if cipher, err = vault.NewCipher(cfg.Vault.EncryptionKey); err != nil {
			return err
		}
	}
	creds := vault.New(storage.NewCredentials(db.DB), cipher, ids, log, m)

	router := httpapi.NewRouter(httpapi.Config{
		Intake:       gate,
		Jobs:         q,
		Mirror:       rq,
		Credentials:  creds,
		VerifyToken:  cfg.Webhook.VerifyToken,
		AdminToken:   cfg.AdminToken,
		MaxBodyBytes: cfg.Webhook.MaxBodyBytes,
		Metrics:      metricsHandler,
		Checks: []httpapi.Check{
			{Name: "postgres", Probe: db.PingContext},
			{Name: "redis", Probe: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
		},
		Log: log,
	})

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("api listening", zap.String("addr", cfg.APIAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
