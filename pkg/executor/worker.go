package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/approval"
	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/contracts"
)

// DefaultWorkerInterval is how often the worker looks for approved proposals.
const DefaultWorkerInterval = 30 * time.Second

// Worker executes APPROVED proposals as they appear. Proposals with a failed
// attempt are left for an operator; they are not retried automatically.
type Worker struct {
	coordinator *Coordinator
	interval    time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	executed atomic.Int64
	failed   atomic.Int64
}

// NewWorker creates a worker polling every interval.
func NewWorker(c *Coordinator, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = DefaultWorkerInterval
	}
	return &Worker{
		coordinator: c,
		interval:    interval,
		logger:      slog.Default().With("component", "execution_worker"),
	}
}

// Eligible reports whether the worker would pick p up at now.
func (w *Worker) Eligible(p *contracts.Proposal, now time.Time) bool {
	if p.Status != contracts.StatusApproved || len(p.ExecutionAttempts) > 0 {
		return false
	}
	if p.Execution != nil && now.Before(p.Execution.LeaseUntil) {
		return false
	}
	return w.coordinator.Supports(p.Kind)
}

// RunOnce executes every eligible proposal and returns how many succeeded.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	approved, err := w.coordinator.ledger.Query(ctx, approval.Filter{
		Statuses: []contracts.Status{contracts.StatusApproved},
	})
	if err != nil {
		return 0, fmt.Errorf("list approved proposals: %w", err)
	}

	now := w.coordinator.clock()
	count := 0
	var errs []error
	for _, p := range approved {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		if !w.Eligible(p, now) {
			continue
		}
		_, err := w.coordinator.Execute(ctx, p.ID)
		switch {
		case errors.Is(err, contracts.ErrInvalidState):
			// Claimed or executed elsewhere.
			continue
		case err != nil:
			w.failed.Add(1)
			errs = append(errs, fmt.Errorf("execute %s: %w", p.ID, err))
		default:
			w.executed.Add(1)
			count++
		}
	}
	return count, errors.Join(errs...)
}

// Start begins the polling loop.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errors.New("execution worker already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	go w.loop(loopCtx, w.done)

	w.logger.InfoContext(ctx, "execution worker started", "interval", w.interval)
	return nil
}

// Stop halts the loop and waits for the current pass to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.cancel()
	done := w.done
	w.running = false
	w.mu.Unlock()

	<-done
	w.logger.Info("execution worker stopped",
		"executed", w.executed.Load(),
		"failed", w.failed.Load(),
	)
}

func (w *Worker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
				w.logger.ErrorContext(ctx, "execution pass failed", "error", err)
			}
		}
	}
}
