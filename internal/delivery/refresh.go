package delivery

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/dmq/internal/domain"
	"github.com/SirClappington/dmq/internal/jobs"
	"github.com/SirClappington/dmq/internal/logging"
	"github.com/SirClappington/dmq/internal/vault"
)

type ExpiringLister interface {
	Expiring(ctx context.Context, within time.Duration, limit int) ([]vault.Ref, error)
}

// RefreshSweeper queues a TOKEN_REFRESH job for every credential close to expiry. Each
// (credential, expiry) pair is queued once through its dedupe key.
type RefreshSweeper struct {
	creds  ExpiringLister
	queue  Enqueuer
	window time.Duration
	batch  int
	log    *zap.Logger
}

func NewRefreshSweeper(creds ExpiringLister, queue Enqueuer, window time.Duration, batch int, log *zap.Logger) *RefreshSweeper {
	if batch < 1 {
		batch = 100
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RefreshSweeper{creds: creds, queue: queue, window: window, batch: batch, log: log}
}

// RunOnce returns how many refresh jobs it queued. A failed enqueue for one tenant does not
// stop the sweep.
func (s *RefreshSweeper) RunOnce(ctx context.Context) (int, error) {
	refs, err := s.creds.Expiring(ctx, s.window, s.batch)
	if err != nil {
		return 0, errors.Wrap(err, "delivery: refresh sweep")
	}
	n := 0
	for _, ref := range refs {
		raw, err := domain.EncodePayload(ref.TenantID, domain.TokenRefresh, &domain.TokenRefreshPayload{Platform: ref.Platform})
		if err != nil {
			s.log.Warn("skip refresh", logging.Tenant(ref.TenantID), zap.Error(err))
			continue
		}
		_, err = s.queue.Enqueue(ctx, jobs.EnqueueRequest{
			Type:      domain.TokenRefresh,
			TenantID:  ref.TenantID,
			Payload:   raw,
			Priority:  -1,
			DedupeKey: "refresh:" + ref.Platform + ":" + strconv.FormatInt(ref.ExpiresAt.Unix(), 10),
		})
		if err != nil {
			s.log.Warn("enqueue token refresh", logging.Tenant(ref.TenantID), zap.String("platform", ref.Platform), zap.Error(err))
			continue
		}
		n++
	}
	if n > 0 {
		s.log.Info("token refresh queued", zap.Int("count", n))
	}
	return n, nil
}
