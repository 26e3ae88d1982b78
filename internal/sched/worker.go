package sched

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alecgard/enrolgate/internal/membership"
)

// SweepLockKey is the Redis key guarding the expiry sweep.
const SweepLockKey = "enrolgate:sweep"

// Sweeper runs one expiry sweep.
type Sweeper interface {
	RunExpirySweep(ctx context.Context) (*membership.SweepResult, error)
}

// SweepWorker runs the expiry sweep at a fixed interval. With a Locker set,
// only the instance holding the lock sweeps on a given tick.
type SweepWorker struct {
	sweeper  Sweeper
	locker   Locker
	interval time.Duration
	timeout  time.Duration
	lockTTL  time.Duration
}

// NewSweepWorker creates a worker. locker may be nil for single-instance
// deployments.
func NewSweepWorker(sweeper Sweeper, locker Locker, interval, timeout, lockTTL time.Duration) *SweepWorker {
	if lockTTL < timeout {
		lockTTL = timeout
	}
	return &SweepWorker{
		sweeper:  sweeper,
		locker:   locker,
		interval: interval,
		timeout:  timeout,
		lockTTL:  lockTTL,
	}
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
func (w *SweepWorker) Run(ctx context.Context) error {
	slog.Info("starting sweep worker", "interval", w.interval.String())
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("stopping sweep worker")
			return ctx.Err()
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *SweepWorker) tick(ctx context.Context) {
	res, err := w.RunOnce(ctx)
	switch {
	case errors.Is(err, ErrLockHeld):
		slog.Info("sweep skipped, another instance holds the lock")
	case err != nil:
		slog.Error("expiry sweep failed", "error", err)
	case res != nil:
		slog.Info("expiry sweep finished",
			"notices", res.Notices,
			"expired", res.Expired,
			"skipped", res.Skipped,
			"failed", res.Failed,
		)
	}
}

// RunOnce runs a single sweep bounded by the worker timeout, taking the lock
// first when one is configured. A partial result is returned alongside an
// error when some users could not be processed.
func (w *SweepWorker) RunOnce(ctx context.Context) (*membership.SweepResult, error) {
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	if w.locker != nil {
		token, err := w.locker.TryLock(ctx, SweepLockKey, w.lockTTL)
		if err != nil {
			return nil, err
		}
		defer func() {
			// The sweep context may already be done; release on a fresh one.
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := w.locker.Unlock(unlockCtx, SweepLockKey, token); err != nil {
				slog.Warn("releasing sweep lock", "error", err)
			}
		}()
	}

	return w.sweeper.RunExpirySweep(ctx)
}
