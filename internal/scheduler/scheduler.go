// Package scheduler runs the leader-only maintenance loop: reclaiming expired leases and
// queueing token refreshes.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Leader interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

type Reaper interface {
	RunOnce(ctx context.Context) (requeued, failed int, err error)
}

type Sweeper interface {
	RunOnce(ctx context.Context) (int, error)
}

type Config struct {
	Leader  Leader
	Reaper  Reaper
	Sweeper Sweeper // optional
	// Interval is the reap cadence; RefreshInterval the token sweep cadence.
	Interval        time.Duration
	RefreshInterval time.Duration
	Log             *zap.Logger
}

type Scheduler struct {
	cfg Config
	log *zap.Logger
	Now func() time.Time

	lastSweep time.Time
	leading   bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config) (*Scheduler, error) {
	if cfg.Leader == nil || cfg.Reaper == nil {
		return nil, errors.New("scheduler: leader and reaper are required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = time.Hour
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Scheduler{cfg: cfg, log: cfg.Log, Now: time.Now}, nil
}

// Start runs Tick every interval until Stop or ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel, s.done = cancel, make(chan struct{})
	go s.loop(runCtx, s.done)
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	for {
		if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("scheduler tick", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Stop ends the loop and gives up leadership.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "scheduler: stop")
	}
	return errors.Wrap(s.cfg.Leader.Release(ctx), "scheduler: release leadership")
}

// Tick does one round of leader work. Followers return without doing anything.
func (s *Scheduler) Tick(ctx context.Context) error {
	ok, err := s.cfg.Leader.TryAcquire(ctx)
	if err != nil {
		s.leading = false
		return errors.Wrap(err, "scheduler: leader election")
	}
	if ok != s.leading {
		s.log.Info("leadership changed", zap.Bool("leader", ok))
		s.leading = ok
	}
	if !ok {
		return nil
	}

	requeued, failed, err := s.cfg.Reaper.RunOnce(ctx)
	if err != nil {
		return err
	}
	if requeued+failed > 0 {
		s.log.Info("reaped expired leases", zap.Int("requeued", requeued), zap.Int("failed", failed))
	}

	if s.cfg.Sweeper == nil || s.Now().Sub(s.lastSweep) < s.cfg.RefreshInterval {
		return nil
	}
	if _, err := s.cfg.Sweeper.RunOnce(ctx); err != nil {
		return err
	}
	s.lastSweep = s.Now()
	return nil
}
