package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/dmq/internal/domain"
	"github.com/SirClappington/dmq/internal/logging"
	"github.com/SirClappington/dmq/internal/observability"
)

// bookkeepingTimeout bounds outcome writes, which run detached from the worker's context so a
// shutdown cannot strand a finished job.
const bookkeepingTimeout = 10 * time.Second

type DispatcherConfig struct {
	Store    Store
	Registry *Registry
	Scoper   Scoper
	// Signal and DeadLetters are optional.
	Signal      Signal
	DeadLetters DeadLetterSink
	TenantIDs   domain.TenantIDs
	Backoff     *Backoff
	Log         *zap.Logger
	Metrics     *observability.Metrics

	WorkerID     string
	Concurrency  int
	PollInterval time.Duration
	// LeaseFor is the job deadline; the processor context expires with the lease.
	LeaseFor time.Duration
	// ShutdownGrace is how long Stop lets in-flight jobs run before interrupting them.
	ShutdownGrace time.Duration
}

type Dispatcher struct {
	cfg DispatcherConfig
	log *zap.Logger
	Now func() time.Time

	mu         sync.Mutex
	cancel     context.CancelFunc
	stopClaims context.CancelFunc
	group      *errgroup.Group
}

func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Store == nil || cfg.Registry == nil || cfg.Scoper == nil {
		return nil, errors.New("jobs: dispatcher needs a store, a registry and a scoper")
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.LeaseFor <= 0 {
		cfg.LeaseFor = time.Minute
	}
	if cfg.Backoff == nil {
		cfg.Backoff = NewBackoff(0, 0, nil)
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker"
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Dispatcher{cfg: cfg, log: cfg.Log, Now: time.Now}, nil
}

// Start launches the worker pool. It returns immediately.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.group != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	claimCtx, stopClaims := context.WithCancel(gctx)
	for i := 0; i < d.cfg.Concurrency; i++ {
		workerID := fmt.Sprintf("%s-%d", d.cfg.WorkerID, i)
		g.Go(func() error { return d.loop(gctx, claimCtx, workerID) })
	}
	d.cancel, d.stopClaims, d.group = cancel, stopClaims, g
	d.log.Info("dispatcher started", zap.Int("concurrency", d.cfg.Concurrency), zap.String("worker_id", d.cfg.WorkerID))
}

// Stop ends claiming and gives in-flight jobs ShutdownGrace to finish. Jobs still running after
// that are interrupted and released. Stop returns once every outcome is recorded, or with ctx.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	cancel, stopClaims, g := d.cancel, d.stopClaims, d.group
	d.cancel, d.stopClaims, d.group = nil, nil, nil
	d.mu.Unlock()
	if g == nil {
		return nil
	}
	stopClaims()
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	grace := time.NewTimer(d.cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case err := <-done:
		cancel()
		d.log.Info("dispatcher drained")
		return err
	case <-grace.C:
	case <-ctx.Done():
	}
	cancel()
	select {
	case err := <-done:
		d.log.Info("dispatcher stopped")
		return err
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "jobs: stop dispatcher")
	}
}

// loop claims until claimCtx ends. Jobs run under ctx, which outlives claimCtx during a drain.
func (d *Dispatcher) loop(ctx, claimCtx context.Context, workerID string) error {
	for claimCtx.Err() == nil {
		ran, err := d.RunOnce(ctx, workerID)
		if err != nil && claimCtx.Err() == nil && !errors.Is(err, domain.ErrLeaseLost) {
			d.log.Error("dispatch", zap.String("worker_id", workerID), zap.Error(err))
			d.sleep(claimCtx, d.cfg.PollInterval)
			continue
		}
		if !ran {
			d.idle(claimCtx)
		}
	}
	return nil
}

func (d *Dispatcher) idle(ctx context.Context) {
	if d.cfg.Signal == nil {
		d.sleep(ctx, d.cfg.PollInterval)
		return
	}
	if _, err := d.cfg.Signal.Wait(ctx, d.cfg.PollInterval); err != nil && ctx.Err() == nil {
		d.sleep(ctx, d.cfg.PollInterval)
	}
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// RunOnce claims and runs at most one job. It reports whether a job was claimed.
func (d *Dispatcher) RunOnce(ctx context.Context, workerID string) (bool, error) {
	job, err := d.cfg.Store.Claim(ctx, workerID, d.cfg.LeaseFor, d.Now().UTC())
	if err != nil {
		return false, errors.Wrap(err, "jobs: claim")
	}
	if job == nil {
		return false, nil
	}
	return true, d.execute(ctx, job)
}

func (d *Dispatcher) execute(ctx context.Context, job *domain.Job) error {
	lease := job.Lease()
	log := d.log.With(
		logging.Job(job.ID),
		logging.Tenant(job.TenantID),
		zap.String("job_type", string(job.Type)),
		zap.Int("attempt", job.Attempts))

	jobCtx, cancel := context.WithDeadline(ctx, lease.ExpiresAt)
	defer cancel()

	start := d.Now()
	result, runErr := d.run(jobCtx, job, log)
	elapsed := d.Now().Sub(start).Seconds()

	bctx, bcancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer bcancel()

	var (
		outcome string
		err     error
	)
	switch {
	case runErr == nil && jobCtx.Err() == nil:
		outcome = "completed"
		err = d.cfg.Store.Complete(bctx, lease, result, d.Now().UTC())
		if err == nil {
			log.Info("job completed")
		}

	case ctx.Err() != nil:
		// shutdown interrupted the processor; hand the job back untouched whatever it returned
		outcome = "released"
		err = d.cfg.Store.Release(bctx, lease, d.Now().UTC())
		if err == nil {
			log.Info("job released on shutdown")
		}

	case jobCtx.Err() != nil:
		// the lease is expiring; the reaper owns the job from here
		outcome = "abandoned"
		log.Warn("job deadline exceeded, abandoning", logging.Reason("deadline_exceeded"))

	default:
		outcome, err = d.settle(bctx, job, lease, runErr, log)
	}

	d.cfg.Metrics.JobFinished(bctx, string(job.Type), outcome, elapsed)

	if errors.Is(err, domain.ErrLeaseLost) {
		log.Warn("lease lost, dropping job")
		return domain.ErrLeaseLost
	}
	return err
}

func (d *Dispatcher) settle(ctx context.Context, job *domain.Job, lease domain.Lease, runErr error, log *zap.Logger) (string, error) {
	kind := domain.KindOf(runErr)
	reason := domain.ReasonOf(runErr)
	now := d.Now().UTC()

	switch Decide(kind, job.Attempts, job.MaxAttempts) {
	case Defer:
		wait := domain.RetryAfterOf(runErr)
		if wait <= 0 {
			wait = time.Second
		}
		log.Info("job deferred by rate limit", logging.Reason(reason), zap.Duration("retry_after", wait))
		return "deferred", d.cfg.Store.Retry(ctx, lease, now.Add(wait), reason, true, now)

	case Retry:
		delay := d.cfg.Backoff.Delay(job.Attempts)
		log.Warn("job failed, retrying", logging.Reason(reason), zap.Duration("backoff", delay), zap.Error(runErr))
		return "retried", d.cfg.Store.Retry(ctx, lease, now.Add(delay), reason, false, now)
	}

	dl, err := d.cfg.Store.Fail(ctx, lease, kind.String(), reason, now)
	if err != nil {
		return "failed", err
	}
	log.Error("job dead-lettered", logging.Reason(reason), zap.String("kind", kind.String()), zap.Error(runErr))
	if d.cfg.DeadLetters != nil {
		if err := d.cfg.DeadLetters.DeadLetter(ctx, dl); err != nil {
			log.Warn("mirror dead letter", zap.Error(err))
		}
	}
	return "failed", nil
}

// run validates the envelope and invokes the processor inside the job's tenant scope. An
// envelope that fails validation is permanent and never reaches a processor.
func (d *Dispatcher) run(ctx context.Context, job *domain.Job, log *zap.Logger) (result json.RawMessage, err error) {
	h, payload, err := domain.DecodePayload(job.Payload, d.cfg.TenantIDs)
	if err != nil {
		return nil, domain.Permanent("dispatch", domain.ReasonOf(err), err)
	}
	if h.TenantID != job.TenantID || h.Type != job.Type {
		return nil, domain.Permanent("dispatch", "envelope_mismatch", nil)
	}
	proc, ok := d.cfg.Registry.Lookup(job.Type)
	if !ok {
		return nil, domain.Permanent("dispatch", "no_processor", nil)
	}

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("processor panicked", zap.Any("panic", rec))
			result, err = nil, domain.Permanent("dispatch", "processor_panic", errors.Errorf("%v", rec))
		}
	}()
	err = d.cfg.Scoper.WithTenant(ctx, job.TenantID, func(ctx context.Context) error {
		var perr error
		result, perr = proc.Process(ctx, job, payload)
		return perr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
