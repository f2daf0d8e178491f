// Package executor turns APPROVED proposals into effects on the remote
// record-keeping service.
//
// Each kind has at most one handler. A handler that fails part way undoes
// what it created where it can; whatever it cannot undo is logged and kept
// on the proposal as orphaned references. The proposal reaches EXECUTED only
// after its handler succeeds.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/contracts"
	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/observability"
)

// Defaults for NewCoordinator.
const (
	DefaultTimeout             = 30 * time.Second
	DefaultLease               = 2 * time.Minute
	DefaultCompensationTimeout = 10 * time.Second
)

// Coordinator executes approved proposals.
type Coordinator struct {
	ledger              Ledger
	records             RecordKeeper
	timeout             time.Duration
	lease               time.Duration
	compensationTimeout time.Duration
	clock               func() time.Time
	obs                 *observability.Provider
	logger              *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout bounds one execution, all remote calls included.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLease sets how long an execution claim blocks other coordinators.
func WithLease(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.lease = d
		}
	}
}

// WithCompensationTimeout bounds the undo step.
func WithCompensationTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.compensationTimeout = d
		}
	}
}

// WithClock overrides the clock used for attempt timestamps.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// WithObservability attaches a telemetry provider.
func WithObservability(p *observability.Provider) Option {
	return func(c *Coordinator) {
		if p != nil {
			c.obs = p
		}
	}
}

// NewCoordinator creates a coordinator writing through records.
func NewCoordinator(ledger Ledger, records RecordKeeper, opts ...Option) *Coordinator {
	c := &Coordinator{
		ledger:              ledger,
		records:             records,
		timeout:             DefaultTimeout,
		lease:               DefaultLease,
		compensationTimeout: DefaultCompensationTimeout,
		clock:               time.Now,
		obs:                 observability.Disabled(),
		logger:              slog.Default().With("component", "executor"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.lease < c.timeout {
		c.lease = c.timeout
	}
	return c
}

// Result is a successful execution.
type Result struct {
	Proposal *contracts.Proposal
	Refs     []contracts.ExternalRef
}

// Supports reports whether kind has an execution handler.
func (c *Coordinator) Supports(kind contracts.Kind) bool {
	_, err := c.handlerFor(kind)
	return err == nil
}

func (c *Coordinator) handlerFor(kind contracts.Kind) (handler, error) {
	switch kind {
	case contracts.KindMatch, contracts.KindUrgentExchange:
		return c.executeMatch, nil
	case contracts.KindReplenishment, contracts.KindCacheEviction, contracts.KindAlert:
		return nil, fmt.Errorf("%w: no execution handler for %s", contracts.ErrUnsupportedKind, kind)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", contracts.ErrUnsupportedKind, kind)
	}
}

// Execute performs the external effect of an APPROVED proposal.
//
// It fails with ErrInvalidState unless the proposal is APPROVED and not
// already being executed, and with ErrUnsupportedKind when its kind has no
// handler. On handler failure the attempt is recorded, the proposal stays
// APPROVED and the handler's error is returned.
func (c *Coordinator) Execute(ctx context.Context, id string) (*Result, error) {
	p, err := c.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != contracts.StatusApproved {
		return nil, fmt.Errorf("%w: proposal %s is %s", contracts.ErrInvalidState, p.ID, p.Status)
	}
	run, err := c.handlerFor(p.Kind)
	if err != nil {
		return nil, err
	}

	claimed, err := c.ledger.BeginExecution(ctx, id, c.lease)
	if err != nil {
		return nil, err
	}

	kind := string(claimed.Kind)
	ctx, done := c.obs.TrackOperation(ctx, "proposal.execute",
		observability.ProposalOperation(claimed.ID, kind, claimed.ProducerName)...)

	attempt := contracts.ExecutionAttempt{StartedAt: c.clock().UTC()}
	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	out, runErr := run(runCtx, claimed)
	cancel()
	attempt.FinishedAt = c.clock().UTC()
	attempt.CreatedRefs = out.created
	attempt.OrphanedRefs = out.orphaned

	// The outcome is recorded even if the caller has gone away.
	recordCtx := context.WithoutCancel(ctx)

	if runErr != nil {
		done(runErr)
		attempt.Error = runErr.Error()
		c.obs.RecordExecution(ctx, kind, "failure")
		if len(out.orphaned) > 0 {
			c.obs.RecordCompensationFailure(ctx, kind)
		}
		if _, err := c.ledger.RecordExecutionFailure(recordCtx, id, attempt); err != nil {
			c.logger.ErrorContext(ctx, "could not record failed execution",
				"proposal_id", id,
				"execution_error", runErr,
				"error", err,
			)
		}
		c.logger.WarnContext(ctx, "execution failed",
			"proposal_id", id,
			"kind", kind,
			"orphaned", len(out.orphaned),
			"error", runErr,
		)
		return nil, runErr
	}

	executed, err := c.ledger.MarkExecuted(recordCtx, id, attempt)
	if err != nil {
		err = fmt.Errorf("mark %s executed: %w", id, err)
		done(err)
		c.obs.RecordExecution(ctx, kind, "unrecorded")
		c.logger.ErrorContext(ctx, "external effects applied but proposal not marked executed",
			"proposal_id", id,
			"refs", refIDs(out.created),
			"error", err,
		)
		// The remote writes stand, so they are kept as orphaned refs and the
		// attempt keeps the worker from running the handler again.
		attempt.Error = err.Error()
		attempt.OrphanedRefs = out.created
		if _, recErr := c.ledger.RecordExecutionFailure(recordCtx, id, attempt); recErr != nil {
			c.logger.ErrorContext(ctx, "could not record unmarked execution",
				"proposal_id", id,
				"refs", refIDs(out.created),
				"error", recErr,
			)
		}
		return nil, err
	}
	done(nil)
	c.obs.RecordExecution(ctx, kind, "success")

	c.logger.InfoContext(ctx, "proposal executed",
		"proposal_id", id,
		"kind", kind,
		"refs", refIDs(out.created),
		"duration_ms", attempt.FinishedAt.Sub(attempt.StartedAt).Milliseconds(),
	)
	return &Result{Proposal: executed, Refs: out.created}, nil
}

func refIDs(refs []contracts.ExternalRef) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.Kind+":"+r.ID)
	}
	return out
}
