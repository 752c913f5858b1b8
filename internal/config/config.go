package config

import (
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

type Config struct {
	AppEnv   string `env:"APP_ENV" envDefault:"production"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	APIAddr  string `env:"API_ADDR" envDefault:":8080"`
	// MetricsAddr serves /metrics for the worker and scheduler processes.
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`

	Postgres  Postgres
	Redis     Redis
	Webhook   Webhook
	Vault     Vault
	Graph     Graph
	OpenAI    OpenAI
	Worker    Worker
	RateLimit RateLimit
	Scheduler Scheduler

	AdminToken string `env:"ADMIN_API_TOKEN"`

	// TenantStrictUUID rejects slug-style tenant ids.
	TenantStrictUUID bool `env:"TENANT_ID_STRICT_UUID" envDefault:"false"`

	// TenantFallback=unscoped lets jobs run without a tenant session when scoping fails.
	TenantFallback string `env:"TENANT_SCOPE_FALLBACK" envDefault:"none"`
}

type Postgres struct {
	DSN           string `env:"POSTGRES_DSN,notEmpty"`
	MaxConns      int32  `env:"POSTGRES_MAX_CONNS" envDefault:"10"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`
	AutoMigrate   bool   `env:"AUTO_MIGRATE" envDefault:"false"`
}

type Redis struct {
	Addr     string `env:"REDIS_ADDR,notEmpty"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

type Webhook struct {
	AppSecret      string        `env:"WEBHOOK_APP_SECRET"`
	VerifyToken    string        `env:"WEBHOOK_VERIFY_TOKEN"`
	MaxBodyBytes   int64         `env:"WEBHOOK_MAX_BODY_BYTES" envDefault:"1048576"`
	IdempotencyTTL time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"72h"`
}

type Vault struct {
	EncryptionKey string `env:"ENCRYPTION_KEY"`
}

type Graph struct {
	BaseURL           string        `env:"GRAPH_API_BASE_URL" envDefault:"https://graph.instagram.com"`
	Version           string        `env:"GRAPH_API_VERSION" envDefault:"v21.0"`
	Timeout           time.Duration `env:"GRAPH_API_TIMEOUT" envDefault:"10s"`
	RetryServerErrors bool          `env:"DELIVERY_RETRY_SERVER_ERRORS" envDefault:"false"`
	RetryTimeouts     bool          `env:"DELIVERY_RETRY_TIMEOUTS" envDefault:"true"`
}

type OpenAI struct {
	APIKey       string        `env:"OPENAI_API_KEY"`
	BaseURL      string        `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1"`
	Model        string        `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	Timeout      time.Duration `env:"OPENAI_TIMEOUT" envDefault:"15s"`
	SystemPrompt string        `env:"AI_SYSTEM_PROMPT" envDefault:"You reply to customer direct messages on behalf of a merchant. Be brief and helpful."`
}

type Worker struct {
	Concurrency  int           `env:"WORKER_CONCURRENCY" envDefault:"4"`
	PollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"1s"`
	JobDeadline  time.Duration `env:"JOB_DEADLINE" envDefault:"60s"`
	MaxAttempts  int           `env:"JOB_MAX_ATTEMPTS" envDefault:"3"`
	BackoffBase  time.Duration `env:"BACKOFF_BASE" envDefault:"2s"`
	BackoffMax   time.Duration `env:"BACKOFF_MAX" envDefault:"5m"`
	// ShutdownGrace is how long in-flight jobs may keep running after SIGTERM.
	ShutdownGrace time.Duration `env:"WORKER_SHUTDOWN_GRACE" envDefault:"10s"`
}

type RateLimit struct {
	// FailureMode has no default: open or closed must be chosen explicitly.
	FailureMode string        `env:"RATE_LIMIT_FAILURE_MODE,notEmpty"`
	SendLimit   int           `env:"RATE_LIMIT_SEND_LIMIT" envDefault:"200"`
	SendWindow  time.Duration `env:"RATE_LIMIT_SEND_WINDOW" envDefault:"1h"`
	AILimit     int           `env:"RATE_LIMIT_AI_LIMIT" envDefault:"60"`
	AIWindow    time.Duration `env:"RATE_LIMIT_AI_WINDOW" envDefault:"1m"`
	MaxWait     time.Duration `env:"RATE_LIMIT_MAX_WAIT" envDefault:"2s"`
}

type Scheduler struct {
	Interval        time.Duration `env:"SCHED_INTERVAL" envDefault:"1s"`
	ReapBatch       int           `env:"SCHED_REAP_BATCH" envDefault:"500"`
	RefreshInterval time.Duration `env:"TOKEN_REFRESH_INTERVAL" envDefault:"1h"`
	RefreshWindow   time.Duration `env:"TOKEN_REFRESH_WINDOW" envDefault:"168h"`
	LeaderLockKey   int64         `env:"SCHED_LOCK_KEY" envDefault:"42"`
}

func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, errors.Wrap(err, "config: parse environment")
	}
	c.RateLimit.FailureMode = strings.ToLower(strings.TrimSpace(c.RateLimit.FailureMode))
	c.TenantFallback = strings.ToLower(strings.TrimSpace(c.TenantFallback))
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	switch c.RateLimit.FailureMode {
	case "open", "closed":
	default:
		return errors.Errorf("config: RATE_LIMIT_FAILURE_MODE must be open or closed, got %q", c.RateLimit.FailureMode)
	}
	switch c.TenantFallback {
	case "none", "unscoped":
	default:
		return errors.Errorf("config: TENANT_SCOPE_FALLBACK must be none or unscoped, got %q", c.TenantFallback)
	}
	if c.Worker.Concurrency < 1 {
		return errors.New("config: WORKER_CONCURRENCY must be at least 1")
	}
	if c.Worker.MaxAttempts < 1 {
		return errors.New("config: JOB_MAX_ATTEMPTS must be at least 1")
	}
	if c.Worker.JobDeadline <= 0 {
		return errors.New("config: JOB_DEADLINE must be positive")
	}
	return nil
}

// RequireIntake checks the settings only the api process needs.
func (c Config) RequireIntake() error {
	if strings.TrimSpace(c.Webhook.AppSecret) == "" {
		return errors.New("config: WEBHOOK_APP_SECRET is required")
	}
	return nil
}

// RequireVault checks the settings processes touching credentials need.
func (c Config) RequireVault() error {
	if len(strings.TrimSpace(c.Vault.EncryptionKey)) < 32 {
		return errors.New("config: ENCRYPTION_KEY must be at least 32 characters")
	}
	return nil
}
