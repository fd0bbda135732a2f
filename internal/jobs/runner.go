// Package jobs runs the engine's recurring jobs with at most one run per job
// kind at a time, retrying failed runs with backoff.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/rank-engine/internal/metrics"
)

var (
	// ErrAlreadyRunning is returned when a run of the same kind holds the lock.
	ErrAlreadyRunning = errors.New("jobs: already running")

	// ErrUnknownKind is returned for a kind that was never registered.
	ErrUnknownKind = errors.New("jobs: unknown job kind")
)

// Kind names a job.
type Kind string

const (
	KindCommission    Kind = "daily_commission"
	KindMaintenance   Kind = "maintenance"
	KindGraceRecovery Kind = "grace_recovery"
)

// Func runs one job and returns its summary.
type Func func(ctx context.Context) (any, error)

// Config controls retries and locking.
type Config struct {
	MaxAttempts int
	Backoff     time.Duration // first retry delay, doubled per attempt
	MaxBackoff  time.Duration
	LockTTL     time.Duration
}

// Runner owns the registered jobs.
type Runner struct {
	cfg    Config
	locker Locker
	logger *slog.Logger

	mu    sync.RWMutex
	jobs  map[Kind]Func
	order []Kind
}

// NewRunner creates a Runner. A nil locker uses an in-process LocalLocker.
func NewRunner(locker Locker, cfg Config, logger *slog.Logger) *Runner {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{cfg: cfg, locker: locker, logger: logger, jobs: make(map[Kind]Func)}
}

// Register adds a job. Registering a kind twice replaces it.
func (r *Runner) Register(kind Kind, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[kind]; !ok {
		r.order = append(r.order, kind)
	}
	r.jobs[kind] = fn
}

// Kinds returns the registered kinds in registration order.
func (r *Runner) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Kind(nil), r.order...)
}

// RunOnce runs kind now, retrying failures up to MaxAttempts. It returns
// ErrAlreadyRunning when another run of kind holds the lock.
func (r *Runner) RunOnce(ctx context.Context, kind Kind) (any, error) {
	r.mu.RLock()
	fn, ok := r.jobs[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	release, acquired, err := r.locker.Acquire(ctx, "job:"+string(kind), r.cfg.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire %s lock: %w", kind, err)
	}
	if !acquired {
		metrics.JobRuns.WithLabelValues(string(kind), "skipped").Inc()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, kind)
	}
	defer func() {
		// The run's context may be cancelled; release on a fresh one.
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := release(relCtx); err != nil {
			r.logger.Warn("release job lock", "kind", kind, "err", err)
		}
	}()

	start := time.Now()
	delay := r.cfg.Backoff
	for attempt := 1; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			metrics.JobRuns.WithLabelValues(string(kind), "ok").Inc()
			metrics.JobDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
			return result, nil
		}
		if attempt >= r.cfg.MaxAttempts || ctx.Err() != nil {
			metrics.JobRuns.WithLabelValues(string(kind), "failed").Inc()
			metrics.JobDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
			return result, fmt.Errorf("job %s failed after %d attempts: %w", kind, attempt, err)
		}
		r.logger.Warn("job attempt failed", "kind", kind, "attempt", attempt, "retry_in", delay, "err", err)
		metrics.JobRuns.WithLabelValues(string(kind), "retry").Inc()
		if err := sleepWithContext(ctx, delay); err != nil {
			return nil, err
		}
		delay = min(delay*2, r.cfg.MaxBackoff)
	}
}

// RunAll runs every registered kind once, in registration order. Failures
// are logged and do not stop later kinds.
func (r *Runner) RunAll(ctx context.Context) {
	for _, kind := range r.Kinds() {
		if ctx.Err() != nil {
			return
		}
		result, err := r.RunOnce(ctx, kind)
		if err != nil {
			r.logger.Error("job run failed", "kind", kind, "err", err)
			continue
		}
		r.logger.Info("job run finished", "kind", kind, "result", result)
	}
}

// Start runs every registered job once immediately, then each interval
// until ctx is done. The startup run catches up on work missed while the
// process was down; every job is idempotent for a given day or cycle.
func (r *Runner) Start(ctx context.Context, interval time.Duration) {
	r.logger.Info("job runner started", "interval", interval, "kinds", r.Kinds())
	r.RunAll(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("job runner stopped")
			return
		case <-ticker.C:
			r.RunAll(ctx)
		}
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
