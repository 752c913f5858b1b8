package jobs

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/SirClappington/dmq/internal/domain"
)

// Processor runs one job. payload is the decoded *domain.XxxPayload for the job's type. The
// returned error should be tagged with a domain kind; untagged errors are retried.
type Processor interface {
	Process(ctx context.Context, job *domain.Job, payload any) (json.RawMessage, error)
}

type ProcessorFunc func(ctx context.Context, job *domain.Job, payload any) (json.RawMessage, error)

func (f ProcessorFunc) Process(ctx context.Context, job *domain.Job, payload any) (json.RawMessage, error) {
	return f(ctx, job, payload)
}

type Registry struct {
	mu sync.RWMutex
	m  map[domain.JobType]Processor
}

func NewRegistry() *Registry { return &Registry{m: map[domain.JobType]Processor{}} }

func (r *Registry) Register(t domain.JobType, p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[t] = p
}

func (r *Registry) Lookup(t domain.JobType) (Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.m[t]
	return p, ok
}
