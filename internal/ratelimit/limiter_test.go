package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newLimiter(t *testing.T, mode FailureMode, lim Limit) (*Limiter, *miniredis.Miniredis, *clock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	l, err := New(rdb, mode, map[string]Limit{"send_message": lim}, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l.Now = c.Now
	return l, mr, c
}

var key = Key{Scope: "rl", TenantID: "t1", Resource: "send_message"}

func TestAcquire_SixthCallInWindowIsDenied(t *testing.T) {
	l, _, c := newLimiter(t, FailClosed, Limit{Max: 5, Window: time.Second})
	ctx := context.Background()

	denied := 0
	for i := 0; i < 6; i++ {
		d, err := l.Acquire(ctx, key)
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		if !d.Allowed {
			denied++
			if d.RetryAfter <= 0 || d.RetryAfter > time.Second {
				t.Errorf("retry after = %v, want within (0, 1s]", d.RetryAfter)
			}
		}
		c.Advance(10 * time.Millisecond)
	}
	if denied != 1 {
		t.Fatalf("denied = %d, want 1", denied)
	}

	// the oldest call was at +0ms; step past its window
	c.Advance(time.Second - 50*time.Millisecond)
	d, err := l.Acquire(ctx, key)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("expected call after the window to succeed, got %+v", d)
	}
}

func TestAcquire_SameMillisecondEntriesDoNotMerge(t *testing.T) {
	l, mr, _ := newLimiter(t, FailClosed, Limit{Max: 10, Window: time.Second})
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if _, err := l.Acquire(ctx, key); err != nil {
			t.Fatalf("Acquire: %v", err)
		}
	}
	members, err := mr.ZMembers(key.String())
	if err != nil {
		t.Fatalf("ZMembers: %v", err)
	}
	if len(members) != 4 {
		t.Fatalf("window holds %d entries, want 4", len(members))
	}
}

func TestAcquire_ConcurrentCallersRespectLimit(t *testing.T) {
	l, _, _ := newLimiter(t, FailClosed, Limit{Max: 5, Window: time.Minute})
	ctx := context.Background()

	var allowed int64
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Acquire(ctx, key)
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			if d.Allowed {
				atomic.AddInt64(&allowed, 1)
			}
		}()
	}
	wg.Wait()
	if allowed != 5 {
		t.Fatalf("allowed = %d, want 5", allowed)
	}
}

func TestAcquire_DeniedCallsAreNotCounted(t *testing.T) {
	l, mr, _ := newLimiter(t, FailClosed, Limit{Max: 2, Window: time.Minute})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = l.Acquire(ctx, key)
	}
	members, _ := mr.ZMembers(key.String())
	if len(members) != 2 {
		t.Fatalf("window holds %d entries, want 2", len(members))
	}
	if ttl := mr.TTL(key.String()); ttl <= 0 {
		t.Errorf("expected key expiry to be set, got %v", ttl)
	}
}

func TestAcquire_StoreUnavailable(t *testing.T) {
	for _, tc := range []struct {
		mode    FailureMode
		allowed bool
	}{
		{FailOpen, true},
		{FailClosed, false},
	} {
		t.Run(string(tc.mode), func(t *testing.T) {
			l, mr, _ := newLimiter(t, tc.mode, Limit{Max: 5, Window: time.Second})
			mr.Close()
			d, err := l.Acquire(context.Background(), key)
			if err != nil {
				t.Fatalf("Acquire: %v", err)
			}
			if !d.Degraded {
				t.Error("expected degraded decision")
			}
			if d.Allowed != tc.allowed {
				t.Errorf("allowed = %v, want %v", d.Allowed, tc.allowed)
			}
		})
	}
}

func TestAcquire_UnknownResource(t *testing.T) {
	l, _, _ := newLimiter(t, FailClosed, Limit{Max: 5, Window: time.Second})
	_, err := l.Acquire(context.Background(), Key{Scope: "rl", TenantID: "t1", Resource: "nope"})
	if err == nil {
		t.Fatal("expected error for unknown resource")
	}
}

func TestNew_RequiresExplicitFailureMode(t *testing.T) {
	if _, err := New(nil, "", map[string]Limit{}, nil, nil); err == nil {
		t.Fatal("expected error without failure mode")
	}
}

func TestWait_GivesUpWhenHintExceedsBudget(t *testing.T) {
	l, _, _ := newLimiter(t, FailClosed, Limit{Max: 1, Window: time.Minute})
	ctx := context.Background()
	if d, _ := l.Acquire(ctx, key); !d.Allowed {
		t.Fatal("first call should pass")
	}
	d, err := l.Wait(ctx, key, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected denial when retry-after exceeds max wait")
	}
}

func TestKeyShape(t *testing.T) {
	if got := key.String(); got != "rl:t1:send_message" {
		t.Errorf("key = %q", got)
	}
}
