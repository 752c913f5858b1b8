// Package jobstest provides an in-memory job store for tests of packages built on jobs.Queue
// and jobs.Dispatcher.
package jobstest

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SirClappington/dmq/internal/domain"
)

// MemoryStore implements jobs.Store in a single process. Lease writes follow the same rules as
// the Postgres store: matching token, PROCESSING status and an unexpired lease.
type MemoryStore struct {
	mu    sync.Mutex
	jobs  map[string]*domain.Job
	order []string
	dedup map[string]string
	dead  []domain.DeadLetter
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: map[string]*domain.Job{}, dedup: map[string]string{}}
}

func (m *MemoryStore) InsertJob(_ context.Context, j *domain.Job) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.DedupeKey != nil {
		if id, ok := m.dedup[j.TenantID+"\x00"+*j.DedupeKey]; ok {
			return id, false, nil
		}
	}
	c := copyJob(j)
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.Status = domain.Pending
	c.Attempts = 0
	m.jobs[c.ID] = c
	m.order = append(m.order, c.ID)
	if c.DedupeKey != nil {
		m.dedup[c.TenantID+"\x00"+*c.DedupeKey] = c.ID
	}
	return c.ID, true, nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyJob(j), nil
}

func (m *MemoryStore) Claim(_ context.Context, workerID string, leaseFor time.Duration, now time.Time) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var runnable []*domain.Job
	for _, id := range m.order {
		j := m.jobs[id]
		if j.Status == domain.RetryScheduled && !j.ScheduledAt.After(now) {
			j.Status = domain.Pending
			j.UpdatedAt = now
		}
		if j.Status == domain.Pending && !j.ScheduledAt.After(now) && j.Attempts < j.MaxAttempts {
			runnable = append(runnable, j)
		}
	}
	if len(runnable) == 0 {
		return nil, nil
	}
	sort.SliceStable(runnable, func(a, b int) bool {
		if runnable[a].Priority != runnable[b].Priority {
			return runnable[a].Priority > runnable[b].Priority
		}
		return runnable[a].ScheduledAt.Before(runnable[b].ScheduledAt)
	})

	j := runnable[0]
	token := uuid.NewString()
	expires := now.Add(leaseFor)
	worker := workerID
	j.Status = domain.Processing
	j.Attempts++
	j.LeasedBy = &worker
	j.LeaseToken = &token
	j.LeaseExpiresAt = &expires
	j.UpdatedAt = now
	return copyJob(j), nil
}

func (m *MemoryStore) Complete(_ context.Context, l domain.Lease, result json.RawMessage, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.leased(l, now)
	if err != nil {
		return err
	}
	j.Status = domain.Completed
	j.Result = append(json.RawMessage(nil), result...)
	j.LastError = nil
	clearLease(j, now)
	return nil
}

func (m *MemoryStore) Retry(_ context.Context, l domain.Lease, runAt time.Time, reason string, refund bool, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.leased(l, now)
	if err != nil {
		return err
	}
	j.Status = domain.RetryScheduled
	j.ScheduledAt = runAt
	j.LastError = &reason
	if refund && j.Attempts > 0 {
		j.Attempts--
	}
	clearLease(j, now)
	return nil
}

func (m *MemoryStore) Release(_ context.Context, l domain.Lease, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.leased(l, now)
	if err != nil {
		return err
	}
	reason := "shutdown"
	j.Status = domain.Pending
	j.LastError = &reason
	if j.Attempts > 0 {
		j.Attempts--
	}
	clearLease(j, now)
	return nil
}

func (m *MemoryStore) Fail(_ context.Context, l domain.Lease, kind, reason string, now time.Time) (domain.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.leased(l, now)
	if err != nil {
		return domain.DeadLetter{}, err
	}
	return m.fail(j, kind, reason, now), nil
}

func (m *MemoryStore) RequeueExpired(_ context.Context, now time.Time, limit int) (int, []domain.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		n    int
		dead []domain.DeadLetter
	)
	for _, id := range m.order {
		if n+len(dead) >= limit {
			break
		}
		j := m.jobs[id]
		if j.Status != domain.Processing || j.LeaseExpiresAt == nil || !j.LeaseExpiresAt.Before(now) {
			continue
		}
		if j.Attempts >= j.MaxAttempts {
			dead = append(dead, m.fail(j, domain.KindTransient.String(), "lease_expired", now))
			continue
		}
		reason := "lease_expired"
		j.Status = domain.Pending
		j.LastError = &reason
		clearLease(j, now)
		n++
	}
	return n, dead, nil
}

func (m *MemoryStore) DeadLetters(_ context.Context, limit int) ([]domain.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DeadLetter
	for i := len(m.dead) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.dead[i])
	}
	return out, nil
}

// Jobs returns a snapshot of every job in insertion order.
func (m *MemoryStore) Jobs() []domain.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Job, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *copyJob(m.jobs[id]))
	}
	return out
}

func (m *MemoryStore) leased(l domain.Lease, now time.Time) (*domain.Job, error) {
	j, ok := m.jobs[l.JobID]
	if !ok || j.Status != domain.Processing || j.LeaseToken == nil || *j.LeaseToken != l.Token {
		return nil, domain.ErrLeaseLost
	}
	if j.LeaseExpiresAt == nil || !j.LeaseExpiresAt.After(now) {
		return nil, domain.ErrLeaseLost
	}
	return j, nil
}

func (m *MemoryStore) fail(j *domain.Job, kind, reason string, now time.Time) domain.DeadLetter {
	j.Status = domain.Failed
	j.LastError = &reason
	clearLease(j, now)
	dl := domain.DeadLetter{
		JobID:    j.ID,
		TenantID: j.TenantID,
		Type:     j.Type,
		Attempts: j.Attempts,
		Kind:     kind,
		Reason:   reason,
		Payload:  append(json.RawMessage(nil), j.Payload...),
		FailedAt: now,
	}
	m.dead = append(m.dead, dl)
	return dl
}

func clearLease(j *domain.Job, now time.Time) {
	j.LeasedBy, j.LeaseToken, j.LeaseExpiresAt = nil, nil, nil
	j.UpdatedAt = now
}

func copyJob(j *domain.Job) *domain.Job {
	c := *j
	c.Payload = append(json.RawMessage(nil), j.Payload...)
	if j.Result != nil {
		c.Result = append(json.RawMessage(nil), j.Result...)
	}
	return &c
}
