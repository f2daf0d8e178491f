// Package matcher pairs offers with needs and turns the best pairings into
// MATCH proposals that both parties must approve.
package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/approval"
	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/contracts"
)

// Name is the producer name used in proposals and the policy file.
const Name = "mutual-aid-matcher"

// DefaultMinScore is the cut-off when the policy sets none.
const DefaultMinScore = 0.6

// ListingSource supplies the listings to match.
type ListingSource interface {
	Listings(ctx context.Context, t contracts.ListingType) ([]contracts.Listing, error)
}

// ProposalQuerier looks up earlier proposals so a pair is not proposed twice.
type ProposalQuerier interface {
	Query(ctx context.Context, f approval.Filter) ([]*contracts.Proposal, error)
}

// Candidate is one scored offer/need pairing.
type Candidate struct {
	Offer     contracts.Listing
	Need      contracts.Listing
	Score     float64
	Breakdown contracts.ScoreBreakdown
}

// Rank scores every offer against every need and returns the pairs scoring
// at least minScore, best first. Equal scores keep input order, offers
// outer and needs inner. Inactive listings and pairs where one member
// would trade with themselves are skipped.
func Rank(offers, needs []contracts.Listing, minScore float64, now time.Time) []Candidate {
	var out []Candidate
	for _, o := range offers {
		if !o.Active() {
			continue
		}
		for _, n := range needs {
			if !n.Active() || o.OwnerID == n.OwnerID {
				continue
			}
			score, breakdown := Score(o, n, now)
			if score < minScore {
				continue
			}
			out = append(out, Candidate{Offer: o, Need: n, Score: score, Breakdown: breakdown})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// Matcher is the offer/need producer.
type Matcher struct {
	source   ListingSource
	existing ProposalQuerier
	minScore float64
	clock    func() time.Time
	logger   *slog.Logger
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithMinScore overrides DefaultMinScore. Zero admits every pair.
func WithMinScore(s float64) Option {
	return func(m *Matcher) { m.minScore = s }
}

// WithExisting skips pairs that already have a live or executed proposal.
func WithExisting(q ProposalQuerier) Option {
	return func(m *Matcher) { m.existing = q }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(m *Matcher) { m.clock = clock }
}

// New creates a matcher reading listings from source.
func New(source ListingSource, opts ...Option) *Matcher {
	m := &Matcher{
		source:   source,
		minScore: DefaultMinScore,
		clock:    time.Now,
		logger:   slog.Default().With("component", "matcher"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name implements the producer interface.
func (m *Matcher) Name() string { return Name }

// MinScore returns the effective cut-off.
func (m *Matcher) MinScore() float64 { return m.minScore }

// Analyze fetches listings, ranks the pairs and builds one proposal per pair.
func (m *Matcher) Analyze(ctx context.Context) ([]*contracts.Proposal, error) {
	offers, err := m.source.Listings(ctx, contracts.ListingOffer)
	if err != nil {
		return nil, fmt.Errorf("fetch offers: %w", err)
	}
	needs, err := m.source.Listings(ctx, contracts.ListingNeed)
	if err != nil {
		return nil, fmt.Errorf("fetch needs: %w", err)
	}

	seen, err := m.proposedPairs(ctx)
	if err != nil {
		return nil, err
	}

	now := m.clock()
	candidates := Rank(offers, needs, m.minScore, now)

	out := make([]*contracts.Proposal, 0, len(candidates))
	for _, c := range candidates {
		if seen[pairKey(c.Offer.ID, c.Need.ID)] {
			continue
		}
		p, err := BuildProposal(c, now)
		if err != nil {
			m.logger.WarnContext(ctx, "skipping candidate", "offer_id", c.Offer.ID, "need_id", c.Need.ID, "error", err)
			continue
		}
		out = append(out, p)
	}

	m.logger.DebugContext(ctx, "match cycle finished",
		"offers", len(offers),
		"needs", len(needs),
		"candidates", len(candidates),
		"proposals", len(out),
	)
	return out, nil
}

func (m *Matcher) proposedPairs(ctx context.Context) (map[string]bool, error) {
	seen := make(map[string]bool)
	if m.existing == nil {
		return seen, nil
	}
	prior, err := m.existing.Query(ctx, approval.Filter{
		ProducerName: Name,
		Statuses:     []contracts.Status{contracts.StatusPending, contracts.StatusApproved, contracts.StatusExecuted},
	})
	if err != nil {
		return nil, fmt.Errorf("query prior proposals: %w", err)
	}
	for _, p := range prior {
		mp, err := p.DecodeMatchPayload()
		if err != nil {
			continue
		}
		seen[pairKey(mp.OfferID, mp.NeedID)] = true
	}
	return seen, nil
}

func pairKey(offerID, needID string) string { return offerID + "|" + needID }

// BuildProposal turns a candidate into a PENDING proposal requiring the
// consent of both owners. Urgent needs yield URGENT_EXCHANGE proposals.
func BuildProposal(c Candidate, now time.Time) (*contracts.Proposal, error) {
	kind := contracts.KindMatch
	if c.Need.Urgent {
		kind = contracts.KindUrgentExchange
	}

	qty, unit := agreedQuantity(c.Offer, c.Need)
	breakdown := c.Breakdown

	return contracts.NewProposal(contracts.Draft{
		ProducerName: Name,
		Kind:         kind,
		Title:        fmt.Sprintf("%s from %s for %s", label(c.Offer), c.Offer.OwnerID, c.Need.OwnerID),
		Explanation: fmt.Sprintf(
			"Offer %s scores %.2f against need %s (category %.2f, distance %.2f, timing %.2f, quantity %.2f).",
			c.Offer.ID, c.Score, c.Need.ID,
			breakdown.Category, breakdown.Distance, breakdown.Timing, breakdown.Quantity,
		),
		InputsUsed: []string{"listing:" + c.Offer.ID, "listing:" + c.Need.ID},
		Constraints: []string{
			"both the provider and the receiver must approve",
			fmt.Sprintf("quantity limited to %g %s", qty, unit),
		},
		Payload: contracts.MatchPayload{
			OfferID:    c.Offer.ID,
			NeedID:     c.Need.ID,
			ProviderID: c.Offer.OwnerID,
			ReceiverID: c.Need.OwnerID,
			Quantity:   qty,
			Unit:       unit,
			Score:      c.Score,
			Breakdown:  &breakdown,
		},
		RequiredApprovers: []string{c.Offer.OwnerID, c.Need.OwnerID},
	}, now)
}

// agreedQuantity is what changes hands: the need, capped by the offer.
func agreedQuantity(offer, need contracts.Listing) (float64, string) {
	qty := need.Quantity
	if offer.Quantity > 0 && (qty <= 0 || offer.Quantity < qty) {
		qty = offer.Quantity
	}
	if qty <= 0 {
		qty = 1
	}

	unit := need.Unit
	if unit == "" {
		unit = offer.Unit
	}
	if unit == "" {
		unit = "item"
	}
	return qty, unit
}

func label(l contracts.Listing) string {
	if l.Title != "" {
		return l.Title
	}
	return l.Category
}
