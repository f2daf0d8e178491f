// Package producer drives proposal producers and applies the policy every
// producer shares: enable flag, expiry, optional auto-approval, persistence
// and announcement.
package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/approval"
	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/config"
	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/contracts"
	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/observability"
	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/publish"
)

// Producer analyzes state and emits new proposals.
type Producer interface {
	Name() string
	Analyze(ctx context.Context) ([]*contracts.Proposal, error)
}

// AutoApproveReason is recorded on decisions synthesized for auto-approval.
func AutoApproveReason(producer string) string {
	return fmt.Sprintf("auto-approved: trusted automation (%s)", producer)
}

// Runner wraps one producer's analysis cycle.
type Runner struct {
	producer Producer
	policy   config.Resolved
	ledger   *approval.Ledger
	sink     publish.Sink
	obs      *observability.Provider
	logger   *slog.Logger
}

// NewRunner binds a producer to its resolved policy.
func NewRunner(p Producer, policy config.Resolved, ledger *approval.Ledger, sink publish.Sink) (*Runner, error) {
	if policy.Enabled && policy.TTL <= 0 {
		return nil, fmt.Errorf("producer %q: ttl must be positive", p.Name())
	}
	return &Runner{
		producer: p,
		policy:   policy,
		ledger:   ledger,
		sink:     sink,
		obs:      observability.Disabled(),
		logger:   slog.Default().With("component", "producer_runner", "producer", p.Name()),
	}, nil
}

// WithObservability attaches a telemetry provider.
func (r *Runner) WithObservability(p *observability.Provider) *Runner {
	if p != nil {
		r.obs = p
	}
	return r
}

// Name returns the wrapped producer's name.
func (r *Runner) Name() string { return r.producer.Name() }

// Run performs one cycle and returns the proposals it persisted.
// It never fails: analysis errors and panics are logged and yield nothing.
func (r *Runner) Run(ctx context.Context) []*contracts.Proposal {
	if !r.policy.Enabled {
		r.logger.DebugContext(ctx, "producer disabled, skipping cycle")
		return nil
	}

	ctx, done := r.obs.TrackOperation(ctx, "producer.run", observability.AttrProducer.String(r.Name()))
	proposals, err := r.analyze(ctx)
	done(err)
	if err != nil {
		r.logger.ErrorContext(ctx, "producer analysis failed", "error", err)
		return nil
	}

	persisted := make([]*contracts.Proposal, 0, len(proposals))
	for _, p := range proposals {
		if p == nil {
			continue
		}
		stored, err := r.admit(ctx, p)
		if err != nil {
			r.logger.WarnContext(ctx, "dropping proposal", "proposal_id", p.ID, "kind", p.Kind, "error", err)
			continue
		}
		persisted = append(persisted, r.announce(ctx, stored))
	}

	r.logger.InfoContext(ctx, "producer cycle finished",
		"emitted", len(proposals),
		"persisted", len(persisted),
	)
	return persisted
}

func (r *Runner) analyze(ctx context.Context) (proposals []*contracts.Proposal, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.ErrorContext(ctx, "producer panicked", "panic", rec, "stack", string(debug.Stack()))
			proposals, err = nil, fmt.Errorf("producer %s panicked: %v", r.Name(), rec)
		}
	}()
	return r.producer.Analyze(ctx)
}

// admit applies expiry and auto-approval, then persists. Whatever status or
// decisions the producer filled in are discarded; only the ledger records
// decisions.
func (r *Runner) admit(ctx context.Context, p *contracts.Proposal) (*contracts.Proposal, error) {
	if p.ProducerName != r.Name() {
		return nil, fmt.Errorf("%w: producer name %q does not match runner %q", contracts.ErrInvalidProposal, p.ProducerName, r.Name())
	}
	if (p.Status != "" && p.Status != contracts.StatusPending) || len(p.Decisions) > 0 {
		r.logger.WarnContext(ctx, "discarding producer-supplied status and decisions",
			"proposal_id", p.ID,
			"status", p.Status,
			"decisions", len(p.Decisions),
		)
	}
	p.Status = contracts.StatusPending
	p.Decisions = nil

	if p.ExpiresAt == nil {
		exp := r.ledger.Now().Add(r.policy.TTL).UTC()
		p.ExpiresAt = &exp
	}

	if r.policy.AutoApprove {
		return r.ledger.CreateAutoApproved(ctx, p, AutoApproveReason(r.Name()))
	}
	return r.ledger.Create(ctx, p)
}

// announce publishes a persisted proposal. A failed publish is logged and the
// proposal is returned without a correlation id.
func (r *Runner) announce(ctx context.Context, p *contracts.Proposal) *contracts.Proposal {
	route := RouteFor(p.Kind)

	body, err := json.Marshal(p)
	if err != nil {
		r.logger.ErrorContext(ctx, "encode proposal for publish", "proposal_id", p.ID, "error", err)
		return p
	}

	tags := []string{"producer:" + r.Name(), "kind:" + string(p.Kind)}
	if r.policy.AutoApprove {
		tags = append(tags, "auto-approved")
	}

	corr, err := r.sink.Publish(ctx, publish.Message{
		ID:       p.ID,
		Payload:  body,
		Topic:    route.Topic,
		Priority: route.Priority,
		Tags:     tags,
	})
	if err != nil {
		r.obs.RecordPublishFailure(ctx, route.Topic)
		r.logger.WarnContext(ctx, "publish failed, proposal kept for approval",
			"proposal_id", p.ID,
			"topic", route.Topic,
			"error", contracts.NewExternalServiceError("publish", "publish", err),
		)
		return p
	}

	updated, err := r.ledger.SetCorrelationID(ctx, p.ID, corr)
	if err != nil {
		r.logger.ErrorContext(ctx, "store correlation id", "proposal_id", p.ID, "correlation_id", corr, "error", err)
		return p
	}
	return updated
}

// RunnerSet builds one runner per producer using the policy for its name.
func RunnerSet(producers []Producer, policy *config.Policy, ledger *approval.Ledger, sink publish.Sink, obs *observability.Provider) ([]*Runner, error) {
	runners := make([]*Runner, 0, len(producers))
	for _, p := range producers {
		resolved := policy.For(p.Name())
		if !resolved.Enabled {
			slog.Default().Info("producer not enabled by policy, it will not run",
				"component", "producer_runner",
				"producer", p.Name(),
			)
		}
		r, err := NewRunner(p, resolved, ledger, sink)
		if err != nil {
			return nil, err
		}
		runners = append(runners, r.WithObservability(obs))
	}
	return runners, nil
}
