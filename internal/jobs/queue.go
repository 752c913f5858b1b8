package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/dmq/internal/domain"
	"github.com/SirClappington/dmq/internal/logging"
)

type EnqueueRequest struct {
	Type     domain.JobType
	TenantID string
	// Payload is the flat envelope; its tenantId and type must match the request.
	Payload     json.RawMessage
	Priority    int
	MaxAttempts int
	// RunAt defaults to now.
	RunAt     time.Time
	DedupeKey string
}

type Queue struct {
	store       Store
	signal      Signal
	ids         domain.TenantIDs
	maxAttempts int
	log         *zap.Logger
	Now         func() time.Time
}

// NewQueue builds a queue over store. signal may be nil.
func NewQueue(store Store, signal Signal, ids domain.TenantIDs, maxAttempts int, log *zap.Logger) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	return &Queue{store: store, signal: signal, ids: ids, maxAttempts: maxAttempts, log: log, Now: time.Now}
}

// Enqueue validates and persists a job and returns its id. A repeated dedupe key for the
// same tenant returns the id of the job already stored.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if err := q.ids.Validate(req.TenantID); err != nil {
		return "", err
	}
	if !req.Type.Valid() {
		return "", domain.Validation("enqueue", "unknown_type")
	}
	h, _, err := domain.DecodePayload(req.Payload, q.ids)
	if err != nil {
		return "", err
	}
	if h.TenantID != req.TenantID || h.Type != req.Type {
		return "", domain.Validation("enqueue", "envelope_mismatch")
	}

	now := q.Now().UTC()
	j := &domain.Job{
		ID:          uuid.NewString(),
		TenantID:    req.TenantID,
		Type:        req.Type,
		Payload:     req.Payload,
		Priority:    req.Priority,
		Status:      domain.Pending,
		MaxAttempts: req.MaxAttempts,
		ScheduledAt: req.RunAt.UTC(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if j.MaxAttempts < 1 {
		j.MaxAttempts = q.maxAttempts
	}
	if req.RunAt.IsZero() {
		j.ScheduledAt = now
	}
	if req.DedupeKey != "" {
		key := req.DedupeKey
		j.DedupeKey = &key
	}

	id, created, err := q.store.InsertJob(ctx, j)
	if err != nil {
		return "", domain.Transient("enqueue", "store_unavailable", errors.Wrap(err, "insert job"))
	}
	if !created {
		q.log.Debug("enqueue deduplicated", logging.Job(id), logging.Tenant(req.TenantID))
		return id, nil
	}
	if q.signal != nil && !j.ScheduledAt.After(now) {
		if err := q.signal.Notify(ctx, id); err != nil {
			q.log.Warn("wake signal failed", logging.Job(id), zap.Error(err))
		}
	}
	return id, nil
}

func (q *Queue) Get(ctx context.Context, id string) (*domain.Job, error) {
	return q.store.GetJob(ctx, id)
}

func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	return q.store.DeadLetters(ctx, limit)
}
