package producer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/contracts"
)

// DefaultScheduleInterval is how often all producers run when none is configured.
const DefaultScheduleInterval = 5 * time.Minute

// Scheduler runs every runner concurrently on an interval.
type Scheduler struct {
	runners  []*Runner
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	cycles    atomic.Int64
	persisted atomic.Int64
}

// NewScheduler creates a scheduler over runners.
func NewScheduler(runners []*Runner, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultScheduleInterval
	}
	return &Scheduler{
		runners:  runners,
		interval: interval,
		logger:   slog.Default().With("component", "producer_scheduler"),
	}
}

// RunOnce runs all producers once, in parallel, and returns everything they
// persisted grouped by producer name. Runners contain their own failures so
// one producer cannot cancel the others.
func (s *Scheduler) RunOnce(ctx context.Context) map[string][]*contracts.Proposal {
	results := make([][]*contracts.Proposal, len(s.runners))

	var g errgroup.Group
	for i, r := range s.runners {
		g.Go(func() error {
			results[i] = r.Run(ctx)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string][]*contracts.Proposal, len(s.runners))
	total := 0
	for i, r := range s.runners {
		out[r.Name()] = append(out[r.Name()], results[i]...)
		total += len(results[i])
	}
	s.cycles.Add(1)
	s.persisted.Add(int64(total))
	return out
}

// Start begins the schedule loop. All producers run once immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.loop(loopCtx, s.done)

	s.logger.InfoContext(ctx, "scheduler started", "interval", s.interval, "producers", len(s.runners))
	return nil
}

// Stop halts the loop and waits for a running cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	done := s.done
	s.running = false
	s.mu.Unlock()

	<-done
	s.logger.Info("scheduler stopped", "cycles", s.cycles.Load(), "persisted", s.persisted.Load())
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// Cycles returns how many full cycles have completed.
func (s *Scheduler) Cycles() int64 { return s.cycles.Load() }
