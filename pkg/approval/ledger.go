// Package approval provides the Approval Ledger, the authoritative record of
// every proposal and its decisions.
//
// The ledger applies the proposal state machine through a Store so every
// change to one proposal is a single atomic read-modify-write. It also seals
// the immutable envelope of each proposal on insert and re-verifies the seal
// on every mutation.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/contracts"
	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/observability"
)

// Ledger is the approval service over a Store.
type Ledger struct {
	store  Store
	clock  func() time.Time
	obs    *observability.Provider
	logger *slog.Logger
}

// NewLedger creates a ledger over store.
func NewLedger(store Store) *Ledger {
	return &Ledger{
		store:  store,
		clock:  time.Now,
		obs:    observability.Disabled(),
		logger: slog.Default().With("component", "approval_ledger"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// WithObservability attaches a telemetry provider.
func (l *Ledger) WithObservability(p *observability.Provider) *Ledger {
	if p != nil {
		l.obs = p
	}
	return l
}

// Now returns the ledger clock's current time.
func (l *Ledger) Now() time.Time { return l.clock() }

// Create validates, seals and persists a new PENDING proposal. Proposals
// arriving with decisions or execution state are rejected: only approvers
// decide, through RecordDecision.
func (l *Ledger) Create(ctx context.Context, p *contracts.Proposal) (*contracts.Proposal, error) {
	stored, err := l.prepare(p)
	if err != nil {
		return nil, err
	}
	return l.insert(ctx, stored)
}

// CreateAutoApproved persists a new proposal with an approving decision from
// every required approver, recorded by the ledger with reason. It is the only
// way a proposal is stored without human input and is reserved for producers
// whose policy explicitly enables auto-approval. An empty approver set stays
// PENDING.
func (l *Ledger) CreateAutoApproved(ctx context.Context, p *contracts.Proposal, reason string) (*contracts.Proposal, error) {
	stored, err := l.prepare(p)
	if err != nil {
		return nil, err
	}
	now := l.clock()
	for _, approver := range stored.RequiredApprovers {
		if err := stored.RecordDecision(approver, true, reason, now); err != nil {
			return nil, fmt.Errorf("auto-approve: %w", err)
		}
	}
	return l.insert(ctx, stored)
}

// prepare checks a new proposal is fresh and returns a PENDING copy.
func (l *Ledger) prepare(p *contracts.Proposal) (*contracts.Proposal, error) {
	switch {
	case p.Status != "" && p.Status != contracts.StatusPending:
		return nil, fmt.Errorf("%w: new proposals start PENDING, got %s", contracts.ErrInvalidProposal, p.Status)
	case len(p.Decisions) > 0:
		return nil, fmt.Errorf("%w: new proposals carry no decisions", contracts.ErrInvalidProposal)
	case p.Execution != nil, len(p.ExecutionAttempts) > 0, len(p.ExternalRefs) > 0, p.ExecutedAt != nil:
		return nil, fmt.Errorf("%w: new proposals carry no execution state", contracts.ErrInvalidProposal)
	}

	stored := p.Clone()
	stored.Status = contracts.StatusPending
	if err := stored.Validate(); err != nil {
		return nil, err
	}
	if err := stored.ValidatePayload(); err != nil {
		return nil, err
	}
	return stored, nil
}

func (l *Ledger) insert(ctx context.Context, stored *contracts.Proposal) (*contracts.Proposal, error) {
	if err := stored.Seal(); err != nil {
		return nil, err
	}
	if err := l.store.Insert(ctx, stored); err != nil {
		return nil, err
	}
	l.obs.RecordProposalCreated(ctx, stored.ProducerName, string(stored.Kind))

	l.logger.InfoContext(ctx, "proposal created",
		"proposal_id", stored.ID,
		"producer", stored.ProducerName,
		"kind", stored.Kind,
		"approvers", len(stored.RequiredApprovers),
		"status", stored.Status,
		"expires_at", stored.ExpiresAt,
	)
	return stored.Clone(), nil
}

// Get returns a proposal by id.
func (l *Ledger) Get(ctx context.Context, id string) (*contracts.Proposal, error) {
	return l.store.Get(ctx, id)
}

// mutate runs fn as one atomic update with the seal checked on both sides.
func (l *Ledger) mutate(ctx context.Context, id, op string, fn UpdateFunc) (*contracts.Proposal, error) {
	var from contracts.Status
	updated, err := l.store.Update(ctx, id, func(p *contracts.Proposal) error {
		if err := p.VerifySeal(); err != nil {
			return err
		}
		from = p.Status
		if err := fn(p); err != nil {
			return err
		}
		return p.VerifySeal()
	})
	if err != nil {
		return nil, err
	}

	if from != updated.Status {
		l.obs.RecordTransition(ctx, string(updated.Kind), string(from), string(updated.Status))
		l.logger.InfoContext(ctx, "proposal transitioned",
			"proposal_id", id,
			"op", op,
			"from", from,
			"to", updated.Status,
		)
	}
	return updated, nil
}

// RecordDecision records one approver's decision and returns the updated proposal.
func (l *Ledger) RecordDecision(ctx context.Context, id, approverID string, approved bool, reason string) (*contracts.Proposal, error) {
	now := l.clock()
	p, err := l.mutate(ctx, id, "record_decision", func(p *contracts.Proposal) error {
		return p.RecordDecision(approverID, approved, reason, now)
	})
	if err != nil {
		return nil, err
	}
	l.obs.RecordDecision(ctx, string(p.Kind), approved)
	return p, nil
}

// ExpireIfStale expires one proposal if it is PENDING and past its expiry.
// It reports whether this call performed the transition.
func (l *Ledger) ExpireIfStale(ctx context.Context, id string, now time.Time) (bool, error) {
	var expired bool
	_, err := l.mutate(ctx, id, "expire", func(p *contracts.Proposal) error {
		ok, err := p.ExpireIfStale(now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoChange
		}
		expired = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return expired, nil
}

// ExpireStale expires every stale PENDING proposal and returns how many
// this call moved to EXPIRED. Records that lost a race are skipped.
func (l *Ledger) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	candidates, err := l.store.List(ctx, Filter{
		Statuses:       []contracts.Status{contracts.StatusPending},
		ExpiringBefore: now,
	})
	if err != nil {
		return 0, fmt.Errorf("list stale proposals: %w", err)
	}

	count := 0
	var errs []error
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		expired, err := l.ExpireIfStale(ctx, c.ID, now)
		switch {
		case errors.Is(err, contracts.ErrInvalidState):
			// Decided or expired concurrently.
			continue
		case err != nil:
			errs = append(errs, fmt.Errorf("expire %s: %w", c.ID, err))
			continue
		case expired:
			count++
		}
	}
	return count, errors.Join(errs...)
}

// BeginExecution claims the execution lease of an APPROVED proposal.
func (l *Ledger) BeginExecution(ctx context.Context, id string, lease time.Duration) (*contracts.Proposal, error) {
	now := l.clock()
	return l.mutate(ctx, id, "begin_execution", func(p *contracts.Proposal) error {
		return p.ClaimExecution(now, lease)
	})
}

// MarkExecuted records a successful attempt and moves the proposal to EXECUTED.
func (l *Ledger) MarkExecuted(ctx context.Context, id string, attempt contracts.ExecutionAttempt) (*contracts.Proposal, error) {
	now := l.clock()
	return l.mutate(ctx, id, "mark_executed", func(p *contracts.Proposal) error {
		if err := p.MarkExecuted(now, attempt.CreatedRefs); err != nil {
			return err
		}
		p.ExecutionAttempts = append(p.ExecutionAttempts, attempt)
		return nil
	})
}

// RecordExecutionFailure keeps a failed attempt and releases the lease.
// The proposal stays APPROVED.
func (l *Ledger) RecordExecutionFailure(ctx context.Context, id string, attempt contracts.ExecutionAttempt) (*contracts.Proposal, error) {
	return l.mutate(ctx, id, "execution_failed", func(p *contracts.Proposal) error {
		return p.RecordFailedAttempt(attempt)
	})
}

// SetCorrelationID stores the dissemination id returned by the publish sink.
func (l *Ledger) SetCorrelationID(ctx context.Context, id, correlationID string) (*contracts.Proposal, error) {
	return l.mutate(ctx, id, "set_correlation_id", func(p *contracts.Proposal) error {
		if p.ExternalCorrelationID == correlationID {
			return ErrNoChange
		}
		p.ExternalCorrelationID = correlationID
		return nil
	})
}

// Query lists proposals matching f.
func (l *Ledger) Query(ctx context.Context, f Filter) ([]*contracts.Proposal, error) {
	return l.store.List(ctx, f)
}

// AwaitingDecision lists PENDING proposals that still need approver's answer.
func (l *Ledger) AwaitingDecision(ctx context.Context, approver string) ([]*contracts.Proposal, error) {
	pending, err := l.store.List(ctx, Filter{Statuses: []contracts.Status{contracts.StatusPending}})
	if err != nil {
		return nil, err
	}
	out := make([]*contracts.Proposal, 0, len(pending))
	for _, p := range pending {
		if p.IsAwaiting(approver) {
			out = append(out, p)
		}
	}
	return out, nil
}

// Stats counts proposals per status. Every status is present in the result.
func (l *Ledger) Stats(ctx context.Context) (map[contracts.Status]int, error) {
	all, err := l.store.List(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	stats := make(map[contracts.Status]int, len(contracts.Statuses()))
	for _, s := range contracts.Statuses() {
		stats[s] = 0
	}
	for _, p := range all {
		stats[p.Status]++
	}
	return stats, nil
}
