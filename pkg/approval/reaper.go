package approval

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultReaperInterval is how often the reaper scans when none is configured.
const DefaultReaperInterval = time.Minute

// Reaper periodically moves stale PENDING proposals to EXPIRED.
// It is the only timeout-driven actor in the engine.
type Reaper struct {
	ledger   *Ledger
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	sweeps  atomic.Int64
	expired atomic.Int64
}

// NewReaper creates a reaper scanning every interval.
func NewReaper(ledger *Ledger, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = DefaultReaperInterval
	}
	return &Reaper{
		ledger:   ledger,
		interval: interval,
		logger:   slog.Default().With("component", "reaper"),
	}
}

// Start begins the sweep loop. It sweeps once immediately.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errors.New("reaper already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true

	go r.loop(loopCtx, r.done)

	r.logger.InfoContext(ctx, "reaper started", "interval", r.interval)
	return nil
}

// Stop halts the loop and waits for an in-progress sweep to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.cancel()
	done := r.done
	r.running = false
	r.mu.Unlock()

	<-done
	r.logger.Info("reaper stopped",
		"sweeps", r.sweeps.Load(),
		"expired", r.expired.Load(),
	)
}

func (r *Reaper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
		r.logger.ErrorContext(ctx, "reaper sweep failed", "error", err)
	}
}

// RunOnce performs one sweep at the ledger's current time.
func (r *Reaper) RunOnce(ctx context.Context) (int, error) {
	now := r.ledger.Now()
	n, err := r.ledger.ExpireStale(ctx, now)
	r.sweeps.Add(1)
	r.expired.Add(int64(n))
	if n > 0 {
		r.logger.InfoContext(ctx, "expired stale proposals", "count", n, "at", now)
	}
	return n, err
}

// Expired returns the total number of proposals this reaper has expired.
func (r *Reaper) Expired() int64 { return r.expired.Load() }
