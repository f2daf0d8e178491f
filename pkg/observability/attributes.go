package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Semantic convention attributes for the proposal engine.
var (
	AttrProposalID   = attribute.Key("proposal.id")
	AttrProposalKind = attribute.Key("proposal.kind")
	AttrProducer     = attribute.Key("proposal.producer")
	AttrStatusFrom   = attribute.Key("proposal.status.from")
	AttrStatusTo     = attribute.Key("proposal.status.to")
	AttrApproved     = attribute.Key("proposal.decision.approved")
	AttrOutcome      = attribute.Key("proposal.outcome")
	AttrTopic        = attribute.Key("publish.topic")
	AttrExternalRef  = attribute.Key("external.ref")
)

// ProposalOperation creates attributes for an operation on one proposal.
func ProposalOperation(id, kind, producer string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrProposalID.String(id),
		AttrProposalKind.String(kind),
		AttrProducer.String(producer),
	}
}

// TransitionOperation creates attributes for a status change.
func TransitionOperation(kind, from, to string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrProposalKind.String(kind),
		AttrStatusFrom.String(from),
		AttrStatusTo.String(to),
	}
}

// AddSpanEvent adds an event to the span in ctx. It is a no-op without one.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
