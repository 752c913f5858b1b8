// Package httpapi is the HTTP surface of the api process: webhook intake, admin reads,
// health and metrics.
package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	goerrors "github.com/goliatone/go-errors"
	"go.uber.org/zap"

	"github.com/SirClappington/dmq/internal/domain"
	"github.com/SirClappington/dmq/internal/intake"
	"github.com/SirClappington/dmq/internal/vault"
)

type Intake interface {
	Accept(ctx context.Context, d intake.Delivery) (intake.Result, error)
}

type Jobs interface {
	Get(ctx context.Context, id string) (*domain.Job, error)
	DeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error)
}

// Credentials is the admin view of the vault. Tokens go in, never out.
type Credentials interface {
	StoreToken(ctx context.Context, tenantID, platform, token string, md vault.Metadata) error
	IsValid(ctx context.Context, tenantID, platform string) (bool, error)
	Rotate(ctx context.Context, tenantID string) (int64, error)
}

// DeadLetterMirror serves recent dead letters when the job store is unreachable.
type DeadLetterMirror interface {
	RecentDeadLetters(ctx context.Context, limit int64) ([]domain.DeadLetter, error)
}

// Check is one dependency probe for /healthz.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

type Config struct {
	Intake Intake
	Jobs   Jobs
	// Mirror and Credentials are optional.
	Mirror       DeadLetterMirror
	Credentials  Credentials
	VerifyToken  string
	AdminToken   string
	MaxBodyBytes int64
	Metrics      http.Handler
	Checks       []Check
	Log          *zap.Logger
}

type handlers struct {
	cfg Config
	log *zap.Logger
}

func NewRouter(cfg Config) http.Handler {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	h := &handlers{cfg: cfg, log: cfg.Log}

	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID)
	rtr.Use(middleware.RealIP)
	rtr.Use(requestLogger(cfg.Log))
	rtr.Use(middleware.Recoverer)

	rtr.Get("/healthz", h.health)
	if cfg.Metrics != nil {
		rtr.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	rtr.Get("/webhooks/{platform}/{tenantID}", h.subscribe)
	rtr.Post("/webhooks/{platform}/{tenantID}", h.webhook)

	rtr.Group(func(r chi.Router) {
		r.Use(h.requireAdmin)
		r.Get("/v1/jobs/{id}", h.getJob)
		r.Get("/v1/dead-letters", h.deadLetters)
		if cfg.Credentials != nil {
			r.Put("/v1/tenants/{tenantID}/credentials/{platform}", h.putCredential)
			r.Get("/v1/tenants/{tenantID}/credentials/{platform}", h.getCredential)
			r.Post("/v1/tenants/{tenantID}/credentials/rotate", h.rotateCredentials)
		}
	})
	return rtr
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}

// requireAdmin guards admin reads with a static bearer token. An unset token disables them.
func (h *handlers) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := h.cfg.AdminToken
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if want == "" || !ok || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			writeError(w, envelope("unauthorized", goerrors.CategoryAuth, http.StatusUnauthorized, "UNAUTHORIZED"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
