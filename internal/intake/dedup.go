package intake

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
)

// Outcome is what the first delivery of an event produced.
type Outcome struct {
	JobID string `json:"job_id"`
}

// Record is the idempotency entry for one (tenant, fingerprint). Outcome is nil while the
// first delivery is still enqueuing.
type Record struct {
	Fingerprint string    `json:"fingerprint"`
	TenantID    string    `json:"tenant_id"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	Outcome     *Outcome  `json:"outcome,omitempty"`
}

type Reservation struct {
	// Fresh is true for exactly one caller per fingerprint within the TTL.
	Fresh  bool
	Record Record
}

type DedupStore struct {
	rdb r.Cmdable
	ttl time.Duration
	Now func() time.Time
}

func NewDedupStore(rdb r.Cmdable, ttl time.Duration) *DedupStore {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &DedupStore{rdb: rdb, ttl: ttl, Now: time.Now}
}

func dedupKey(tenantID, fingerprint string) string {
	return "idem:" + tenantID + ":" + fingerprint
}

// CheckAndReserve claims the fingerprint with a single SET NX. Losers get the stored record.
func (s *DedupStore) CheckAndReserve(ctx context.Context, tenantID, fingerprint string) (Reservation, error) {
	rec := Record{Fingerprint: fingerprint, TenantID: tenantID, FirstSeenAt: s.Now().UTC()}
	b, err := json.Marshal(rec)
	if err != nil {
		return Reservation{}, errors.Wrap(err, "intake: encode idempotency record")
	}
	key := dedupKey(tenantID, fingerprint)
	ok, err := s.rdb.SetNX(ctx, key, b, s.ttl).Result()
	if err != nil {
		return Reservation{}, errors.Wrap(err, "intake: reserve fingerprint")
	}
	if ok {
		return Reservation{Fresh: true, Record: rec}, nil
	}

	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, r.Nil) {
		// expired between the two calls; still a duplicate of a delivery we already saw
		return Reservation{Record: Record{Fingerprint: fingerprint, TenantID: tenantID}}, nil
	}
	if err != nil {
		return Reservation{}, errors.Wrap(err, "intake: load idempotency record")
	}
	var existing Record
	if err := json.Unmarshal(raw, &existing); err != nil {
		return Reservation{}, errors.Wrap(err, "intake: decode idempotency record")
	}
	return Reservation{Record: existing}, nil
}

// Commit records the outcome on the reservation, keeping its TTL.
func (s *DedupStore) Commit(ctx context.Context, rec Record, out Outcome) error {
	rec.Outcome = &out
	b, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "intake: encode idempotency record")
	}
	err = s.rdb.SetArgs(ctx, dedupKey(rec.TenantID, rec.Fingerprint), b, r.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if errors.Is(err, r.Nil) {
		return nil
	}
	return errors.Wrap(err, "intake: commit idempotency record")
}

// Release drops a reservation whose enqueue failed so a redelivery can try again.
func (s *DedupStore) Release(ctx context.Context, tenantID, fingerprint string) error {
	return errors.Wrap(s.rdb.Del(ctx, dedupKey(tenantID, fingerprint)).Err(), "intake: release fingerprint")
}
