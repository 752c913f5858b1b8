// Package delivery holds the job processors: drafting AI replies, sending messages through the
// platform and refreshing platform tokens.
package delivery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/dmq/internal/assistant"
	"github.com/SirClappington/dmq/internal/domain"
	"github.com/SirClappington/dmq/internal/jobs"
	"github.com/SirClappington/dmq/internal/logging"
	"github.com/SirClappington/dmq/internal/platform"
	"github.com/SirClappington/dmq/internal/ratelimit"
	"github.com/SirClappington/dmq/internal/vault"
)

const (
	ResourceSend    = "send_message"
	ResourceAIReply = "ai_reply"

	limitScope = "rl"
)

type Limiter interface {
	Wait(ctx context.Context, key ratelimit.Key, maxWait time.Duration) (ratelimit.Decision, error)
}

type Tokens interface {
	GetToken(ctx context.Context, tenantID, platform string) (string, bool, error)
	StoreToken(ctx context.Context, tenantID, platform, token string, md vault.Metadata) error
}

type Platform interface {
	SendMessage(ctx context.Context, token string, msg platform.Message, idempotencyKey string) (platform.SendResult, error)
	ValidateToken(ctx context.Context, token string) (platform.TokenInfo, error)
	RefreshToken(ctx context.Context, token string) (platform.Token, error)
}

type Replier interface {
	Reply(ctx context.Context, text string) (assistant.Reply, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, req jobs.EnqueueRequest) (string, error)
}

type Config struct {
	Limiter  Limiter
	Tokens   Tokens
	Platform Platform
	Replier  Replier
	Queue    Enqueuer
	// MaxWait bounds how long a processor sleeps on a short rate-limit hint before deferring.
	MaxWait time.Duration
	Log     *zap.Logger
}

type Processors struct {
	cfg Config
	log *zap.Logger
}

func New(cfg Config) *Processors {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Processors{cfg: cfg, log: cfg.Log}
}

// Register binds every processor to its job type.
func (p *Processors) Register(reg *jobs.Registry) {
	reg.Register(domain.MessageDelivery, jobs.ProcessorFunc(p.Deliver))
	reg.Register(domain.AIResponse, jobs.ProcessorFunc(p.Respond))
	reg.Register(domain.TokenRefresh, jobs.ProcessorFunc(p.Refresh))
}

type deliveryResult struct {
	ExternalMessageID string `json:"external_message_id"`
	RecipientID       string `json:"recipient_id"`
}

// Deliver sends one MESSAGE_DELIVERY job. The job id is the platform idempotency key, so a
// retry after a timeout repeats the same logical send.
func (p *Processors) Deliver(ctx context.Context, job *domain.Job, payload any) (json.RawMessage, error) {
	pl, ok := payload.(*domain.MessageDeliveryPayload)
	if !ok {
		return nil, domain.Permanent("delivery.send", "payload_type", nil)
	}
	if err := p.acquire(ctx, job.TenantID, ResourceSend); err != nil {
		return nil, err
	}
	plat := platformOf(pl.Platform)
	token, err := p.token(ctx, job.TenantID, plat)
	if err != nil {
		return nil, err
	}
	res, err := p.cfg.Platform.SendMessage(ctx, token, platform.Message{
		RecipientID: pl.RecipientID,
		Text:        pl.Text,
		ReplyTo:     pl.ReplyTo,
	}, job.ID)
	if err != nil {
		return nil, err
	}
	p.log.Info("message delivered", logging.Job(job.ID), logging.Tenant(job.TenantID), zap.String("external_message_id", res.MessageID))
	return marshal(deliveryResult{ExternalMessageID: res.MessageID, RecipientID: res.RecipientID})
}

type replyResult struct {
	Classification string `json:"classification"`
	DeliveryJobID  string `json:"delivery_job_id,omitempty"`
}

// Respond drafts a reply to an inbound message and queues its delivery. The delivery is keyed
// on the inbound message id, so a retried AI job never queues a second send.
func (p *Processors) Respond(ctx context.Context, job *domain.Job, payload any) (json.RawMessage, error) {
	pl, ok := payload.(*domain.AIResponsePayload)
	if !ok {
		return nil, domain.Permanent("delivery.reply", "payload_type", nil)
	}
	if err := p.acquire(ctx, job.TenantID, ResourceAIReply); err != nil {
		return nil, err
	}
	reply, err := p.cfg.Replier.Reply(ctx, pl.Text)
	if err != nil {
		return nil, err
	}
	if reply.Handoff() {
		p.log.Info("reply handed off", logging.Job(job.ID), logging.Tenant(job.TenantID))
		return marshal(replyResult{Classification: assistant.ClassHandoff})
	}

	raw, err := domain.EncodePayload(job.TenantID, domain.MessageDelivery, &domain.MessageDeliveryPayload{
		RecipientID: pl.SenderID,
		Text:        reply.Text,
		ReplyTo:     pl.MessageID,
		Platform:    platform.Instagram,
	})
	if err != nil {
		return nil, domain.Permanent("delivery.reply", "encode_failed", err)
	}
	id, err := p.cfg.Queue.Enqueue(ctx, jobs.EnqueueRequest{
		Type:      domain.MessageDelivery,
		TenantID:  job.TenantID,
		Payload:   raw,
		Priority:  job.Priority,
		DedupeKey: "reply:" + pl.MessageID,
	})
	if err != nil {
		return nil, err
	}
	return marshal(replyResult{Classification: reply.Classification, DeliveryJobID: id})
}

type refreshResult struct {
	Platform  string     `json:"platform"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Refresh renews the tenant's long-lived platform token and stores the new one.
func (p *Processors) Refresh(ctx context.Context, job *domain.Job, payload any) (json.RawMessage, error) {
	pl, ok := payload.(*domain.TokenRefreshPayload)
	if !ok {
		return nil, domain.Permanent("delivery.refresh", "payload_type", nil)
	}
	plat := platformOf(pl.Platform)
	current, err := p.token(ctx, job.TenantID, plat)
	if err != nil {
		return nil, err
	}
	fresh, err := p.cfg.Platform.RefreshToken(ctx, current)
	if err != nil {
		return nil, err
	}
	info, err := p.cfg.Platform.ValidateToken(ctx, fresh.AccessToken)
	if err != nil {
		return nil, err
	}
	if err := p.cfg.Tokens.StoreToken(ctx, job.TenantID, plat, fresh.AccessToken, vault.Metadata{
		Identifier: info.UserID,
		ExpiresAt:  fresh.ExpiresAt,
	}); err != nil {
		return nil, err
	}
	return marshal(refreshResult{Platform: plat, ExpiresAt: fresh.ExpiresAt})
}

func (p *Processors) acquire(ctx context.Context, tenantID, resource string) error {
	d, err := p.cfg.Limiter.Wait(ctx, ratelimit.Key{Scope: limitScope, TenantID: tenantID, Resource: resource}, p.cfg.MaxWait)
	if errors.Is(err, ratelimit.ErrUnknownResource) {
		return domain.Permanent("delivery."+resource, "limit_unconfigured", err)
	}
	if err != nil {
		return errors.Wrap(err, "rate limit")
	}
	if !d.Allowed {
		return domain.RateLimited("delivery."+resource, d.RetryAfter)
	}
	return nil
}

func (p *Processors) token(ctx context.Context, tenantID, plat string) (string, error) {
	token, ok, err := p.cfg.Tokens.GetToken(ctx, tenantID, plat)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", domain.Permanent("delivery", "token_missing", nil)
	}
	return token, nil
}

func platformOf(p string) string {
	if p == "" {
		return platform.Instagram
	}
	return p
}

func marshal(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, domain.Permanent("delivery", "encode_result", err)
	}
	return b, nil
}
