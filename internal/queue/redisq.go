// Package queue holds the Redis side of job dispatch. Postgres stays the source of truth; Redis
// only wakes idle workers and mirrors dead letters for operators.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/SirClappington/dmq/internal/domain"
)

const (
	readyKey      = "jobs:ready"
	deadLetterKey = "dlq:jobs"

	// wake tokens beyond this are redundant; one token wakes one worker
	maxReady = 1024
	// DeadLetterCap bounds the mirror list.
	DeadLetterCap = 1000
)

type RedisQ struct{ rdb r.Cmdable }

func New(rdb r.Cmdable) *RedisQ { return &RedisQ{rdb} }

// Notify pushes a wake token for jobID. A lost token only delays the job until the next poll.
func (q *RedisQ) Notify(ctx context.Context, jobID string) error {
	pipe := q.rdb.TxPipeline()
	pipe.LPush(ctx, readyKey, jobID)
	pipe.LTrim(ctx, readyKey, 0, maxReady-1)
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "queue: notify")
}

// Wait blocks until a wake token arrives or block elapses. It returns the hinted job id, or ""
// on timeout.
func (q *RedisQ) Wait(ctx context.Context, block time.Duration) (string, error) {
	res, err := q.rdb.BRPop(ctx, block, readyKey).Result()
	if errors.Is(err, r.Nil) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "queue: wait")
	}
	if len(res) == 2 {
		return res[1], nil
	}
	return "", nil
}

// DeadLetter mirrors a dead letter to the bounded Redis list, newest first.
func (q *RedisQ) DeadLetter(ctx context.Context, dl domain.DeadLetter) error {
	b, err := json.Marshal(dl)
	if err != nil {
		return errors.Wrap(err, "queue: encode dead letter")
	}
	pipe := q.rdb.TxPipeline()
	pipe.LPush(ctx, deadLetterKey, b)
	pipe.LTrim(ctx, deadLetterKey, 0, DeadLetterCap-1)
	_, err = pipe.Exec(ctx)
	return errors.Wrap(err, "queue: mirror dead letter")
}

// RecentDeadLetters reads up to limit mirrored entries, newest first.
func (q *RedisQ) RecentDeadLetters(ctx context.Context, limit int64) ([]domain.DeadLetter, error) {
	if limit <= 0 {
		return nil, nil
	}
	raw, err := q.rdb.LRange(ctx, deadLetterKey, 0, limit-1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "queue: read dead letters")
	}
	out := make([]domain.DeadLetter, 0, len(raw))
	for _, s := range raw {
		var dl domain.DeadLetter
		if err := json.Unmarshal([]byte(s), &dl); err != nil {
			return nil, errors.Wrap(err, "queue: decode dead letter")
		}
		out = append(out, dl)
	}
	return out, nil
}
