package executor

import (
	"context"
	"time"

	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/approval"
	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/contracts"
)

// RecordKeeper is the remote record-keeping service the handlers write to.
type RecordKeeper interface {
	CreateMatch(ctx context.Context, m contracts.NewMatch) (contracts.Match, error)
	GetListing(ctx context.Context, id string) (contracts.Listing, error)
	CreateExchange(ctx context.Context, x contracts.NewExchange) (contracts.Exchange, error)
	DeleteMatch(ctx context.Context, id string) error
}

// Ledger is the part of the approval ledger the coordinator needs.
type Ledger interface {
	Get(ctx context.Context, id string) (*contracts.Proposal, error)
	BeginExecution(ctx context.Context, id string, lease time.Duration) (*contracts.Proposal, error)
	MarkExecuted(ctx context.Context, id string, attempt contracts.ExecutionAttempt) (*contracts.Proposal, error)
	RecordExecutionFailure(ctx context.Context, id string, attempt contracts.ExecutionAttempt) (*contracts.Proposal, error)
	Query(ctx context.Context, f approval.Filter) ([]*contracts.Proposal, error)
}

// Ref kinds recorded on proposals.
const (
	RefMatch    = "match"
	RefExchange = "exchange"
)

// outcome is what a handler reports back.
type outcome struct {
	created  []contracts.ExternalRef
	orphaned []contracts.ExternalRef
}

// handler performs the external effect of one proposal kind.
type handler func(ctx context.Context, p *contracts.Proposal) (outcome, error)
