// Package ratelimit implements a sliding-window counter shared by every worker through Redis.
package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/dmq/internal/observability"
)

type FailureMode string

const (
	FailOpen   FailureMode = "open"
	FailClosed FailureMode = "closed"
)

func ParseFailureMode(s string) (FailureMode, error) {
	switch FailureMode(s) {
	case FailOpen, FailClosed:
		return FailureMode(s), nil
	}
	return "", errors.Errorf("ratelimit: failure mode must be %q or %q, got %q", FailOpen, FailClosed, s)
}

// Key renders as {scope}:{tenantId}:{resource}.
type Key struct {
	Scope    string
	TenantID string
	Resource string
}

func (k Key) String() string { return k.Scope + ":" + k.TenantID + ":" + k.Resource }

type Limit struct {
	Max    int
	Window time.Duration
}

type Decision struct {
	Allowed    bool
	Count      int
	Limit      int
	RetryAfter time.Duration
	// Degraded is set when the store was unreachable and the failure mode decided.
	Degraded bool
}

// ErrUnknownResource is returned for a resource without a configured limit.
var ErrUnknownResource = errors.New("ratelimit: no limit configured for resource")

// The whole check runs as one script so concurrent workers cannot both see room.
// KEYS[1] window key; ARGV: now ms, window ms, limit, member.
// Returns {allowed, count, retry_after_ms}.
var slidingWindow = r.NewScript(`
local key    = KEYS[1]
local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit  = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, window)
  return {1, count + 1, 0}
end

local retry = window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then
  retry = tonumber(oldest[2]) + window - now
  if retry < 1 then retry = 1 end
end
redis.call('PEXPIRE', key, window)
return {0, count, retry}
`)

type Limiter struct {
	rdb     r.Scripter
	limits  map[string]Limit
	mode    FailureMode
	log     *zap.Logger
	metrics *observability.Metrics
	Now     func() time.Time
}

func New(rdb r.Scripter, mode FailureMode, limits map[string]Limit, log *zap.Logger, m *observability.Metrics) (*Limiter, error) {
	if _, err := ParseFailureMode(string(mode)); err != nil {
		return nil, err
	}
	for res, l := range limits {
		if l.Max < 1 || l.Window <= 0 {
			return nil, errors.Errorf("ratelimit: invalid limit for %q", res)
		}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Limiter{rdb: rdb, limits: limits, mode: mode, log: log, metrics: m, Now: time.Now}, nil
}

func (l *Limiter) Acquire(ctx context.Context, key Key) (Decision, error) {
	lim, ok := l.limits[key.Resource]
	if !ok {
		return Decision{}, errors.Wrapf(ErrUnknownResource, "resource %q", key.Resource)
	}
	now := l.Now().UnixMilli()
	member := strconv.FormatInt(now, 10) + "-" + uuid.NewString()
	res, err := slidingWindow.Run(ctx, l.rdb, []string{key.String()},
		now, lim.Window.Milliseconds(), lim.Max, member).Int64Slice()
	if err != nil {
		if ctx.Err() != nil {
			return Decision{}, ctx.Err()
		}
		return l.degraded(ctx, key, lim, err), nil
	}
	if len(res) != 3 {
		return l.degraded(ctx, key, lim, errors.Errorf("unexpected script reply %v", res)), nil
	}
	d := Decision{
		Allowed:    res[0] == 1,
		Count:      int(res[1]),
		Limit:      lim.Max,
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}
	if d.Allowed {
		l.metrics.RateLimitDecision(ctx, key.Resource, "allowed")
	} else {
		l.metrics.RateLimitDecision(ctx, key.Resource, "denied")
		l.log.Debug("rate limit exceeded",
			zap.String("key", key.String()),
			zap.String("reason", "limit_exceeded"),
			zap.Duration("retry_after", d.RetryAfter))
	}
	return d, nil
}

func (l *Limiter) degraded(ctx context.Context, key Key, lim Limit, cause error) Decision {
	d := Decision{Allowed: l.mode == FailOpen, Limit: lim.Max, Degraded: true}
	if !d.Allowed {
		d.RetryAfter = lim.Window
	}
	l.metrics.RateLimitDecision(ctx, key.Resource, "store_unavailable_"+string(l.mode))
	l.log.Warn("rate limiter store unavailable",
		zap.String("key", key.String()),
		zap.String("reason", "store_unavailable"),
		zap.String("failure_mode", string(l.mode)),
		zap.Bool("allowed", d.Allowed),
		zap.Error(cause))
	return d
}

// Wait retries Acquire while the retry-after hint fits in maxWait and the context deadline.
// It returns the last denial when waiting would overrun either bound.
func (l *Limiter) Wait(ctx context.Context, key Key, maxWait time.Duration) (Decision, error) {
	start := l.Now()
	for {
		d, err := l.Acquire(ctx, key)
		if err != nil || d.Allowed {
			return d, err
		}
		if l.Now().Sub(start)+d.RetryAfter > maxWait {
			return d, nil
		}
		if dl, ok := ctx.Deadline(); ok && time.Until(dl) < d.RetryAfter {
			return d, nil
		}
		t := time.NewTimer(d.RetryAfter)
		select {
		case <-ctx.Done():
			t.Stop()
			return d, ctx.Err()
		case <-t.C:
		}
	}
}
