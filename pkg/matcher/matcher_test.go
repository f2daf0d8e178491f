package matcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/approval"
	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/contracts"
)

type fakeSource struct {
	offers, needs []contracts.Listing
	err           error
}

func (f *fakeSource) Listings(_ context.Context, t contracts.ListingType) ([]contracts.Listing, error) {
	if f.err != nil {
		return nil, f.err
	}
	if t == contracts.ListingOffer {
		return f.offers, nil
	}
	return f.needs, nil
}

func tomatoListings() ([]contracts.Listing, []contracts.Listing) {
	offers := []contracts.Listing{{
		ID:             "offer-tomatoes",
		Type:           contracts.ListingOffer,
		OwnerID:        "alice",
		Title:          "Tomatoes",
		Category:       "food/produce/tomatoes",
		Quantity:       5,
		Unit:           "kg",
		Location:       &contracts.Location{Lat: 52.5200, Lon: 13.4050},
		AvailableFrom:  at(0),
		AvailableUntil: at(48 * time.Hour),
	}}
	needs := []contracts.Listing{{
		ID:       "need-tomatoes",
		Type:     contracts.ListingNeed,
		OwnerID:  "bob",
		Title:    "Tomatoes for the kitchen",
		Category: "food/produce/tomatoes",
		Quantity: 3,
		Unit:     "kg",
		Location: &contracts.Location{Lat: 52.5230, Lon: 13.4100},
		NeededBy: at(24 * time.Hour),
	}}
	return offers, needs
}

func TestMatcher_TomatoScenario(t *testing.T) {
	offers, needs := tomatoListings()
	m := New(&fakeSource{offers: offers, needs: needs}, WithClock(func() time.Time { return now }))

	proposals, err := m.Analyze(context.Background())
	require.NoError(t, err)
	require.Len(t, proposals, 1)

	p := proposals[0]
	assert.Equal(t, contracts.KindMatch, p.Kind)
	assert.Equal(t, Name, p.ProducerName)
	assert.Equal(t, contracts.StatusPending, p.Status)
	assert.Equal(t, []string{"alice", "bob"}, p.RequiredApprovers)
	assert.NotEmpty(t, p.Explanation)
	assert.Nil(t, p.ExpiresAt, "expiry is assigned by the runner")

	mp, err := p.DecodeMatchPayload()
	require.NoError(t, err)
	assert.Equal(t, "offer-tomatoes", mp.OfferID)
	assert.Equal(t, "need-tomatoes", mp.NeedID)
	assert.Equal(t, "alice", mp.ProviderID)
	assert.Equal(t, "bob", mp.ReceiverID)
	assert.Equal(t, 3.0, mp.Quantity)
	assert.Equal(t, "kg", mp.Unit)
	assert.GreaterOrEqual(t, mp.Score, 0.6)
	require.NotNil(t, mp.Breakdown)
	assert.Equal(t, 1.0, mp.Breakdown.Category)

	require.NoError(t, p.ValidatePayload())
}

func TestMatcher_UrgentNeedBecomesUrgentExchange(t *testing.T) {
	offers, needs := tomatoListings()
	needs[0].Urgent = true
	m := New(&fakeSource{offers: offers, needs: needs}, WithClock(func() time.Time { return now }))

	proposals, err := m.Analyze(context.Background())
	require.NoError(t, err)
	require.Len(t, proposals, 1)
	assert.Equal(t, contracts.KindUrgentExchange, proposals[0].Kind)
}

func TestMatcher_MinScore(t *testing.T) {
	offers, needs := tomatoListings()
	m := New(&fakeSource{offers: offers, needs: needs}, WithClock(func() time.Time { return now }), WithMinScore(0.99))
	assert.Equal(t, 0.99, m.MinScore())

	proposals, err := m.Analyze(context.Background())
	require.NoError(t, err)
	assert.Empty(t, proposals)

	assert.Equal(t, DefaultMinScore, New(nil).MinScore())
	assert.Zero(t, New(nil, WithMinScore(0)).MinScore())
}

func TestMatcher_SourceErrorPropagates(t *testing.T) {
	boom := errors.New("records offline")
	_, err := New(&fakeSource{err: boom}).Analyze(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestMatcher_SkipsPairsAlreadyProposed(t *testing.T) {
	offers, needs := tomatoListings()
	source := &fakeSource{offers: offers, needs: needs}
	ctx := context.Background()

	ledger := approval.NewLedger(approval.NewMemoryStore()).WithClock(func() time.Time { return now })
	m := New(source, WithClock(func() time.Time { return now }), WithExisting(ledger))

	first, err := m.Analyze(ctx)
	require.NoError(t, err)
	require.Len(t, first, 1)

	first[0].ExpiresAt = at(time.Hour)
	_, err = ledger.Create(ctx, first[0])
	require.NoError(t, err)

	second, err := m.Analyze(ctx)
	require.NoError(t, err)
	assert.Empty(t, second)

	// A rejected pairing may be proposed again.
	_, err = ledger.RecordDecision(ctx, first[0].ID, "bob", false, "already sorted")
	require.NoError(t, err)

	third, err := m.Analyze(ctx)
	require.NoError(t, err)
	assert.Len(t, third, 1)
}
