package jobs

import (
	"math/rand"
	"sync"
	"time"

	"github.com/SirClappington/dmq/internal/domain"
)

type Action int

const (
	// Retry reschedules with backoff; the attempt stays consumed.
	Retry Action = iota + 1
	// Defer reschedules after the limiter's hint and refunds the attempt.
	Defer
	// DeadLetter fails the job and records it.
	DeadLetter
)

func (a Action) String() string {
	switch a {
	case Retry:
		return "retry"
	case Defer:
		return "defer"
	case DeadLetter:
		return "dead_letter"
	}
	return "unknown"
}

// Decide maps a failed run to its outcome. attempts already includes the run that failed.
func Decide(kind domain.Kind, attempts, maxAttempts int) Action {
	switch kind {
	case domain.KindRateLimited:
		return Defer
	case domain.KindTransient, domain.KindUnknown:
		if attempts < maxAttempts {
			return Retry
		}
		return DeadLetter
	}
	return DeadLetter
}

// Backoff is exponential with full jitter: attempt n waits a uniform random duration in
// [0, min(Max, Base*2^(n-1))].
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

func NewBackoff(base, maxDelay time.Duration, rng *rand.Rand) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = time.Minute
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Backoff{Base: base, Max: maxDelay, rng: rng}
}

// Ceiling is the upper bound of the delay for attempt.
func (b *Backoff) Ceiling(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max || d <= 0 {
			return b.Max
		}
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}

func (b *Backoff) Delay(attempt int) time.Duration {
	ceil := b.Ceiling(attempt)
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Duration(b.rng.Int63n(int64(ceil) + 1))
}
