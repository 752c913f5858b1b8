package jobs

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/dmq/internal/logging"
)

// Reaper reclaims jobs whose lease expired because their worker died or overran the
// deadline. It must run on a single leader.
type Reaper struct {
	store  Store
	sink   DeadLetterSink
	signal Signal
	batch  int
	log    *zap.Logger
	Now    func() time.Time
}

// NewReaper builds a reaper. sink and signal may be nil.
func NewReaper(store Store, sink DeadLetterSink, signal Signal, batch int, log *zap.Logger) *Reaper {
	if batch < 1 {
		batch = 500
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reaper{store: store, sink: sink, signal: signal, batch: batch, log: log, Now: time.Now}
}

// RunOnce reclaims one batch and returns how many jobs went back to PENDING and how many were
// dead lettered.
func (r *Reaper) RunOnce(ctx context.Context) (requeued, failed int, err error) {
	n, dead, err := r.store.RequeueExpired(ctx, r.Now().UTC(), r.batch)
	if err != nil {
		return 0, 0, errors.Wrap(err, "jobs: requeue expired leases")
	}
	for _, dl := range dead {
		r.log.Error("job dead-lettered after lease expiry",
			logging.Job(dl.JobID), logging.Tenant(dl.TenantID), logging.Reason(dl.Reason), zap.Int("attempt", dl.Attempts))
		if r.sink != nil {
			if err := r.sink.DeadLetter(ctx, dl); err != nil {
				r.log.Warn("mirror dead letter", logging.Job(dl.JobID), zap.Error(err))
			}
		}
	}
	if n > 0 {
		r.log.Info("requeued expired leases", zap.Int("count", n))
		if r.signal != nil {
			for i := 0; i < n; i++ {
				if err := r.signal.Notify(ctx, ""); err != nil {
					r.log.Warn("wake signal failed", zap.Error(err))
					break
				}
			}
		}
	}
	return n, len(dead), nil
}
