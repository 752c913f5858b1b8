package domain

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrLeaseLost means the job is no longer owned by the caller's lease.
	ErrLeaseLost = errors.New("job lease lost")
	ErrNotFound  = errors.New("job not found")
)

type Status string

const (
	Pending        Status = "PENDING"
	Processing     Status = "PROCESSING"
	RetryScheduled Status = "RETRY_SCHEDULED"
	Completed      Status = "COMPLETED"
	Failed         Status = "FAILED"
)

func (s Status) Valid() bool {
	switch s {
	case Pending, Processing, RetryScheduled, Completed, Failed:
		return true
	}
	return false
}

// Terminal rows are never mutated again.
func (s Status) Terminal() bool { return s == Completed || s == Failed }

type JobType string

const (
	AIResponse      JobType = "AI_RESPONSE"
	MessageDelivery JobType = "MESSAGE_DELIVERY"
	TokenRefresh    JobType = "TOKEN_REFRESH"
)

func (t JobType) Valid() bool {
	switch t {
	case AIResponse, MessageDelivery, TokenRefresh:
		return true
	}
	return false
}

type Job struct {
	ID             string
	TenantID       string
	Type           JobType
	Payload        json.RawMessage
	Priority       int
	Status         Status
	Attempts       int
	MaxAttempts    int
	DedupeKey      *string
	ScheduledAt    time.Time
	LeasedBy       *string
	LeaseToken     *string
	LeaseExpiresAt *time.Time
	LastError      *string
	Result         json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Lease identifies one claim of a job. Every post-claim mutation must present it.
type Lease struct {
	JobID     string
	Token     string
	ExpiresAt time.Time
}

func (j *Job) Lease() Lease {
	l := Lease{JobID: j.ID}
	if j.LeaseToken != nil {
		l.Token = *j.LeaseToken
	}
	if j.LeaseExpiresAt != nil {
		l.ExpiresAt = *j.LeaseExpiresAt
	}
	return l
}

type DeadLetter struct {
	JobID    string          `json:"job_id"`
	TenantID string          `json:"tenant_id"`
	Type     JobType         `json:"type"`
	Attempts int             `json:"attempts"`
	Kind     string          `json:"kind"`
	Reason   string          `json:"reason"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	FailedAt time.Time       `json:"failed_at"`
}
