// Package jobs is the typed job queue: enqueue, claim, process under a tenant scope, and
// record the outcome.
package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/SirClappington/dmq/internal/domain"
)

// Store is the durable job state. Implementations must make Claim atomic across processes and
// make every lease-bound write fail with domain.ErrLeaseLost when the token no longer matches.
type Store interface {
	// InsertJob returns created=false and the existing id when the dedupe key is taken.
	InsertJob(ctx context.Context, j *domain.Job) (id string, created bool, err error)
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	// Claim returns nil when nothing is runnable.
	Claim(ctx context.Context, workerID string, leaseFor time.Duration, now time.Time) (*domain.Job, error)
	Complete(ctx context.Context, l domain.Lease, result json.RawMessage, now time.Time) error
	Retry(ctx context.Context, l domain.Lease, runAt time.Time, reason string, refund bool, now time.Time) error
	Release(ctx context.Context, l domain.Lease, now time.Time) error
	Fail(ctx context.Context, l domain.Lease, kind, reason string, now time.Time) (domain.DeadLetter, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int) (int, []domain.DeadLetter, error)
	DeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error)
}

// Signal wakes idle workers. It is a hint only; workers also poll.
type Signal interface {
	Notify(ctx context.Context, jobID string) error
	Wait(ctx context.Context, block time.Duration) (string, error)
}

// DeadLetterSink receives a copy of every dead letter after it is durably recorded.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, dl domain.DeadLetter) error
}

// Scoper runs fn inside a tenant scope.
type Scoper interface {
	WithTenant(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error
}
