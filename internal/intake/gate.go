package intake

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/SirClappington/dmq/internal/domain"
	"github.com/SirClappington/dmq/internal/jobs"
	"github.com/SirClappington/dmq/internal/logging"
	"github.com/SirClappington/dmq/internal/observability"
)

// platformObjects maps a route platform to the webhook "object" it must carry.
var platformObjects = map[string]string{
	"instagram": "instagram",
	"messenger": "page",
}

type Enqueuer interface {
	Enqueue(ctx context.Context, req jobs.EnqueueRequest) (string, error)
}

type Delivery struct {
	Platform  string
	TenantID  string
	Body      []byte
	Signature string
}

type EventResult struct {
	Fingerprint string `json:"fingerprint"`
	JobID       string `json:"job_id,omitempty"`
	Duplicate   bool   `json:"duplicate"`
}

type Result struct {
	Accepted int           `json:"accepted"`
	Events   []EventResult `json:"events"`
}

type Gate struct {
	secret  string
	ids     domain.TenantIDs
	dedup   *DedupStore
	queue   Enqueuer
	log     *zap.Logger
	metrics *observability.Metrics
}

func NewGate(secret string, ids domain.TenantIDs, dedup *DedupStore, queue Enqueuer, log *zap.Logger, m *observability.Metrics) *Gate {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{secret: secret, ids: ids, dedup: dedup, queue: queue, log: log, metrics: m}
}

type webhookBody struct {
	Object string `json:"object"`
	Entry  []struct {
		ID        string           `json:"id"`
		Messaging []messagingEvent `json:"messaging"`
	} `json:"entry"`
}

type messagingEvent struct {
	Sender    struct{ ID string } `json:"sender"`
	Recipient struct{ ID string } `json:"recipient"`
	Timestamp int64               `json:"timestamp"`
	Message   *struct {
		MID    string `json:"mid"`
		Text   string `json:"text"`
		IsEcho bool   `json:"is_echo"`
	} `json:"message"`
}

// Accept verifies, parses and deduplicates one webhook delivery and enqueues an AI_RESPONSE
// job per new inbound message. Nothing is enqueued unless the signature and tenant check out.
func (g *Gate) Accept(ctx context.Context, d Delivery) (Result, error) {
	if !VerifySignature(d.Body, d.Signature, g.secret) {
		g.metrics.WebhookEvent(ctx, "rejected_signature")
		g.log.Warn("webhook signature rejected", logging.Security(), logging.Tenant(d.TenantID), zap.String("platform", d.Platform))
		return Result{}, domain.Validation("intake", "signature_invalid")
	}
	if err := g.ids.Validate(d.TenantID); err != nil {
		g.metrics.WebhookEvent(ctx, "rejected_tenant")
		return Result{}, err
	}
	object, ok := platformObjects[d.Platform]
	if !ok {
		return Result{}, domain.Validation("intake", "platform_unsupported")
	}

	var body webhookBody
	if err := json.Unmarshal(d.Body, &body); err != nil {
		g.metrics.WebhookEvent(ctx, "rejected_malformed")
		return Result{}, domain.Validationf("intake", "payload_malformed", "decode webhook: %v", err)
	}
	if !strings.EqualFold(body.Object, object) {
		return Result{}, domain.Validation("intake", "object_mismatch")
	}

	var events []messagingEvent
	for _, e := range body.Entry {
		for _, m := range e.Messaging {
			if m.Message == nil || m.Message.IsEcho || strings.TrimSpace(m.Message.Text) == "" || m.Sender.ID == "" {
				continue
			}
			events = append(events, m)
		}
	}

	res := Result{Events: make([]EventResult, 0, len(events))}
	for i, e := range events {
		eventID := e.Message.MID
		if eventID == "" {
			eventID = bodyDigest(d.Body)
			if len(events) > 1 {
				eventID += "#" + strconv.Itoa(i)
			}
		}
		er, err := g.acceptEvent(ctx, d, e, eventID)
		if err != nil {
			return res, err
		}
		res.Events = append(res.Events, er)
		if !er.Duplicate {
			res.Accepted++
		}
	}
	return res, nil
}

func (g *Gate) acceptEvent(ctx context.Context, d Delivery, e messagingEvent, eventID string) (EventResult, error) {
	fp := Fingerprint(d.TenantID, eventID)
	log := g.log.With(logging.Tenant(d.TenantID), zap.String("fingerprint", fp))

	rsv, err := g.dedup.CheckAndReserve(ctx, d.TenantID, fp)
	if err != nil {
		return EventResult{}, domain.Transient("intake", "dedup_unavailable", err)
	}
	if !rsv.Fresh {
		g.metrics.WebhookEvent(ctx, "duplicate")
		out := EventResult{Fingerprint: fp, Duplicate: true}
		if rsv.Record.Outcome != nil {
			out.JobID = rsv.Record.Outcome.JobID
		}
		log.Info("duplicate webhook event", logging.Job(out.JobID))
		return out, nil
	}

	id, err := g.enqueue(ctx, d, e, eventID, fp)
	if err != nil {
		if rerr := g.dedup.Release(ctx, d.TenantID, fp); rerr != nil {
			log.Error("release fingerprint after failed enqueue", zap.Error(rerr))
		}
		g.metrics.WebhookEvent(ctx, "enqueue_failed")
		return EventResult{}, err
	}
	if err := g.dedup.Commit(ctx, rsv.Record, Outcome{JobID: id}); err != nil {
		log.Warn("record webhook outcome", logging.Job(id), zap.Error(err))
	}
	g.metrics.WebhookEvent(ctx, "enqueued")
	log.Info("webhook event enqueued", logging.Job(id))
	return EventResult{Fingerprint: fp, JobID: id}, nil
}

func (g *Gate) enqueue(ctx context.Context, d Delivery, e messagingEvent, eventID, fp string) (string, error) {
	mid := e.Message.MID
	if mid == "" {
		mid = eventID
	}
	payload, err := domain.EncodePayload(d.TenantID, domain.AIResponse, &domain.AIResponsePayload{
		ConversationID: e.Sender.ID,
		SenderID:       e.Sender.ID,
		RecipientID:    e.Recipient.ID,
		MessageID:      mid,
		Text:           e.Message.Text,
	})
	if err != nil {
		return "", err
	}
	return g.queue.Enqueue(ctx, jobs.EnqueueRequest{
		Type:      domain.AIResponse,
		TenantID:  d.TenantID,
		Payload:   payload,
		DedupeKey: "event:" + fp,
	})
}
