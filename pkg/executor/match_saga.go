package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/contracts"
	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/observability"
)

// ErrPartyMismatch is returned when a listing's owner is no longer the party
// who approved the match.
var ErrPartyMismatch = errors.New("listing owner does not match approved party")

// executeMatch records a match and schedules its exchange.
//
//  1. create the match record
//  2. fetch both listings for the parties and the hand-over location
//  3. create the exchange record
//
// If step 2 or 3 fails the match is deleted once. A failed delete leaves the
// match as an orphan, logged and returned in the outcome; the step 2/3 error
// is still the one returned.
func (c *Coordinator) executeMatch(ctx context.Context, p *contracts.Proposal) (outcome, error) {
	mp, err := p.DecodeMatchPayload()
	if err != nil {
		return outcome{}, err
	}

	match, err := c.records.CreateMatch(ctx, contracts.NewMatch{
		ProposalID: p.ID,
		OfferID:    mp.OfferID,
		NeedID:     mp.NeedID,
		ProviderID: mp.ProviderID,
		ReceiverID: mp.ReceiverID,
		Quantity:   mp.Quantity,
		Unit:       mp.Unit,
	})
	if err != nil {
		return outcome{}, fmt.Errorf("create match: %w", err)
	}
	matchRef := contracts.ExternalRef{Kind: RefMatch, ID: match.ID}

	exchange, err := c.scheduleExchange(ctx, p.ID, match.ID, mp)
	if err != nil {
		return c.compensateMatch(ctx, p, matchRef, err), err
	}

	return outcome{created: []contracts.ExternalRef{
		matchRef,
		{Kind: RefExchange, ID: exchange.ID},
	}}, nil
}

func (c *Coordinator) scheduleExchange(ctx context.Context, proposalID, matchID string, mp contracts.MatchPayload) (contracts.Exchange, error) {
	offer, err := c.records.GetListing(ctx, mp.OfferID)
	if err != nil {
		return contracts.Exchange{}, fmt.Errorf("fetch offer %s: %w", mp.OfferID, err)
	}
	need, err := c.records.GetListing(ctx, mp.NeedID)
	if err != nil {
		return contracts.Exchange{}, fmt.Errorf("fetch need %s: %w", mp.NeedID, err)
	}
	if offer.OwnerID != mp.ProviderID {
		return contracts.Exchange{}, fmt.Errorf("%w: offer %s is owned by %q, approved provider is %q", ErrPartyMismatch, offer.ID, offer.OwnerID, mp.ProviderID)
	}
	if need.OwnerID != mp.ReceiverID {
		return contracts.Exchange{}, fmt.Errorf("%w: need %s is owned by %q, approved receiver is %q", ErrPartyMismatch, need.ID, need.OwnerID, mp.ReceiverID)
	}

	exchange, err := c.records.CreateExchange(ctx, contracts.NewExchange{
		MatchID:    matchID,
		ProposalID: proposalID,
		ProviderID: offer.OwnerID,
		ReceiverID: need.OwnerID,
		Quantity:   mp.Quantity,
		Unit:       mp.Unit,
		Location:   offer.Location,
		ScheduleBy: need.NeededBy,
	})
	if err != nil {
		return contracts.Exchange{}, fmt.Errorf("create exchange: %w", err)
	}
	return exchange, nil
}

// compensateMatch deletes the match once, on a context detached from the
// failed execution so an expired deadline does not also doom the undo.
func (c *Coordinator) compensateMatch(ctx context.Context, p *contracts.Proposal, ref contracts.ExternalRef, cause error) outcome {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.compensationTimeout)
	defer cancel()

	refAttr := observability.AttrExternalRef.String(ref.Kind + ":" + ref.ID)
	if err := c.records.DeleteMatch(cctx, ref.ID); err != nil {
		observability.AddSpanEvent(ctx, "match.orphaned", refAttr)
		c.logger.ErrorContext(ctx, "ORPHANED MATCH: compensation failed, manual cleanup required",
			"proposal_id", p.ID,
			"match_id", ref.ID,
			"cause", cause,
			"error", err,
		)
		return outcome{orphaned: []contracts.ExternalRef{ref}}
	}

	observability.AddSpanEvent(ctx, "match.rolled_back", refAttr)
	c.logger.InfoContext(ctx, "match rolled back",
		"proposal_id", p.ID,
		"match_id", ref.ID,
		"cause", cause,
	)
	return outcome{}
}
