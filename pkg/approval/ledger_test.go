package approval

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/contracts"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// testClock is a settable clock for ledgers under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestProposal(t *testing.T, ttl time.Duration, approvers ...string) *contracts.Proposal {
	t.Helper()
	exp := t0.Add(ttl)
	p, err := contracts.NewProposal(contracts.Draft{
		ProducerName: "mutual-aid-matcher",
		Kind:         contracts.KindMatch,
		Title:        "Tomatoes for the community kitchen",
		Explanation:  "Offer covers the need within the deadline",
		InputsUsed:   []string{"offer:o1", "need:n1"},
		Payload: contracts.MatchPayload{
			OfferID: "o1", NeedID: "n1", ProviderID: "alice", ReceiverID: "bob", Quantity: 3, Unit: "kg",
		},
		RequiredApprovers: approvers,
		ExpiresAt:         &exp,
	}, t0)
	require.NoError(t, err)
	return p
}

func newTestLedger(store Store) (*Ledger, *testClock) {
	clock := &testClock{now: t0}
	return NewLedger(store).WithClock(clock.Now), clock
}

func TestLedger_CreateSealsAndRejectsDuplicates(t *testing.T) {
	l, _ := newTestLedger(NewMemoryStore())
	ctx := context.Background()

	p := newTestProposal(t, time.Hour, "alice", "bob")
	stored, err := l.Create(ctx, p)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ContentHash)
	assert.Empty(t, p.ContentHash, "caller's copy is not modified")

	_, err = l.Create(ctx, p)
	assert.ErrorIs(t, err, contracts.ErrAlreadyExists)
}

func TestLedger_CreateRequiresExpiry(t *testing.T) {
	l, _ := newTestLedger(NewMemoryStore())
	p := newTestProposal(t, time.Hour, "alice")
	p.ExpiresAt = nil

	_, err := l.Create(context.Background(), p)
	assert.ErrorIs(t, err, contracts.ErrInvalidProposal)
}

func TestLedger_CreateValidatesPayload(t *testing.T) {
	l, _ := newTestLedger(NewMemoryStore())
	p := newTestProposal(t, time.Hour, "alice")
	p.Payload = []byte(`{"offer_id":"o1"}`)

	_, err := l.Create(context.Background(), p)
	assert.ErrorIs(t, err, contracts.ErrInvalidProposal)
}

func TestLedger_GetUnknown(t *testing.T) {
	l, _ := newTestLedger(NewMemoryStore())
	_, err := l.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, contracts.ErrNotFound)

	_, err = l.RecordDecision(context.Background(), "nope", "alice", true, "")
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestLedger_TwoApprovers(t *testing.T) {
	l, clock := newTestLedger(NewMemoryStore())
	ctx := context.Background()
	p, err := l.Create(ctx, newTestProposal(t, time.Hour, "alice", "bob"))
	require.NoError(t, err)

	got, err := l.RecordDecision(ctx, p.ID, "alice", true, "")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusPending, got.Status)

	clock.Advance(time.Minute)
	got, err = l.RecordDecision(ctx, p.ID, "bob", true, "")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusApproved, got.Status)
	assert.Equal(t, t0.Add(time.Minute), got.Decisions["bob"].DecidedAt)
}

func TestLedger_RejectThenApprove(t *testing.T) {
	l, _ := newTestLedger(NewMemoryStore())
	ctx := context.Background()
	p, err := l.Create(ctx, newTestProposal(t, time.Hour, "alice", "bob"))
	require.NoError(t, err)

	got, err := l.RecordDecision(ctx, p.ID, "alice", false, "no longer available")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusRejected, got.Status)

	_, err = l.RecordDecision(ctx, p.ID, "bob", true, "")
	assert.ErrorIs(t, err, contracts.ErrInvalidState)

	stored, err := l.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusRejected, stored.Status)
	assert.NotContains(t, stored.Decisions, "bob")
}

func TestLedger_NotAuthorized(t *testing.T) {
	l, _ := newTestLedger(NewMemoryStore())
	ctx := context.Background()
	p, err := l.Create(ctx, newTestProposal(t, time.Hour, "alice"))
	require.NoError(t, err)

	_, err = l.RecordDecision(ctx, p.ID, "mallory", true, "")
	assert.ErrorIs(t, err, contracts.ErrNotAuthorized)
}

func TestLedger_ExpireIfStaleOnce(t *testing.T) {
	l, _ := newTestLedger(NewMemoryStore())
	ctx := context.Background()
	p, err := l.Create(ctx, newTestProposal(t, time.Hour, "alice"))
	require.NoError(t, err)

	expired, err := l.ExpireIfStale(ctx, p.ID, t0.Add(30*time.Minute))
	require.NoError(t, err)
	assert.False(t, expired)

	expired, err = l.ExpireIfStale(ctx, p.ID, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.True(t, expired)

	expired, err = l.ExpireIfStale(ctx, p.ID, t0.Add(3*time.Hour))
	assert.ErrorIs(t, err, contracts.ErrInvalidState)
	assert.False(t, expired)
}

func TestLedger_ExecutionLifecycle(t *testing.T) {
	l, clock := newTestLedger(NewMemoryStore())
	ctx := context.Background()
	p, err := l.Create(ctx, newTestProposal(t, time.Hour, "alice"))
	require.NoError(t, err)

	_, err = l.BeginExecution(ctx, p.ID, time.Minute)
	assert.ErrorIs(t, err, contracts.ErrInvalidState, "pending proposals cannot execute")

	_, err = l.RecordDecision(ctx, p.ID, "alice", true, "")
	require.NoError(t, err)

	_, err = l.BeginExecution(ctx, p.ID, time.Minute)
	require.NoError(t, err)
	_, err = l.BeginExecution(ctx, p.ID, time.Minute)
	assert.ErrorIs(t, err, contracts.ErrInFlight)

	failed, err := l.RecordExecutionFailure(ctx, p.ID, contracts.ExecutionAttempt{
		StartedAt: t0, FinishedAt: t0, Error: "records service down",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusApproved, failed.Status)
	assert.Nil(t, failed.Execution)

	clock.Advance(time.Minute)
	_, err = l.BeginExecution(ctx, p.ID, time.Minute)
	require.NoError(t, err)
	refs := []contracts.ExternalRef{{Kind: "match", ID: "m1"}, {Kind: "exchange", ID: "x1"}}
	done, err := l.MarkExecuted(ctx, p.ID, contracts.ExecutionAttempt{
		StartedAt: clock.Now(), FinishedAt: clock.Now(), CreatedRefs: refs,
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusExecuted, done.Status)
	assert.Equal(t, refs, done.ExternalRefs)
	assert.Len(t, done.ExecutionAttempts, 2)

	_, err = l.MarkExecuted(ctx, p.ID, contracts.ExecutionAttempt{})
	assert.ErrorIs(t, err, contracts.ErrInvalidState)
}

func TestLedger_SetCorrelationID(t *testing.T) {
	l, _ := newTestLedger(NewMemoryStore())
	ctx := context.Background()
	p, err := l.Create(ctx, newTestProposal(t, time.Hour, "alice"))
	require.NoError(t, err)

	got, err := l.SetCorrelationID(ctx, p.ID, "PROPOSALS:42")
	require.NoError(t, err)
	assert.Equal(t, "PROPOSALS:42", got.ExternalCorrelationID)

	got, err = l.SetCorrelationID(ctx, p.ID, "PROPOSALS:42")
	require.NoError(t, err)
	assert.Equal(t, "PROPOSALS:42", got.ExternalCorrelationID)
}

func TestLedger_DetectsTamperedEnvelope(t *testing.T) {
	store := NewMemoryStore()
	l, _ := newTestLedger(store)
	ctx := context.Background()
	p, err := l.Create(ctx, newTestProposal(t, time.Hour, "alice", "bob"))
	require.NoError(t, err)

	// Rewrite the approver set behind the ledger's back.
	_, err = store.Update(ctx, p.ID, func(sp *contracts.Proposal) error {
		sp.RequiredApprovers = []string{"alice"}
		return nil
	})
	require.NoError(t, err)

	_, err = l.RecordDecision(ctx, p.ID, "alice", true, "")
	assert.ErrorIs(t, err, contracts.ErrInvalidProposal)

	stored, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusPending, stored.Status)
}

func TestLedger_AwaitingDecisionAndStats(t *testing.T) {
	l, _ := newTestLedger(NewMemoryStore())
	ctx := context.Background()

	a, err := l.Create(ctx, newTestProposal(t, time.Hour, "alice", "bob"))
	require.NoError(t, err)
	b, err := l.Create(ctx, newTestProposal(t, time.Hour, "bob"))
	require.NoError(t, err)
	_, err = l.Create(ctx, newTestProposal(t, time.Hour, "carol"))
	require.NoError(t, err)

	_, err = l.RecordDecision(ctx, a.ID, "alice", true, "")
	require.NoError(t, err)

	aliceQueue, err := l.AwaitingDecision(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, aliceQueue, "alice already answered")

	bobQueue, err := l.AwaitingDecision(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, bobQueue, 2)

	_, err = l.RecordDecision(ctx, b.ID, "bob", false, "")
	require.NoError(t, err)

	stats, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats[contracts.StatusPending])
	assert.Equal(t, 1, stats[contracts.StatusRejected])
	assert.Equal(t, 0, stats[contracts.StatusExecuted])
	assert.Len(t, stats, len(contracts.Statuses()))
}

func TestLedger_ConcurrentDecisionsOnOneProposal(t *testing.T) {
	const n = 12
	approvers := make([]string, n)
	for i := range approvers {
		approvers[i] = fmt.Sprintf("member-%02d", i)
	}

	l, _ := newTestLedger(NewMemoryStore())
	ctx := context.Background()
	p, err := l.Create(ctx, newTestProposal(t, time.Hour, approvers...))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for _, a := range approvers {
		wg.Add(1)
		go func(approver string) {
			defer wg.Done()
			_, err := l.RecordDecision(ctx, p.ID, approver, true, "")
			errs <- err
		}(a)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := l.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusApproved, got.Status)
	assert.Len(t, got.Decisions, n, "no decision was lost")
}

func TestLedger_DecisionRacesReaper(t *testing.T) {
	l, _ := newTestLedger(NewMemoryStore())
	ctx := context.Background()
	p, err := l.Create(ctx, newTestProposal(t, time.Hour, "alice"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var decideErr, expireErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, decideErr = l.RecordDecision(ctx, p.ID, "alice", true, "")
	}()
	go func() {
		defer wg.Done()
		_, expireErr = l.ExpireIfStale(ctx, p.ID, t0.Add(2*time.Hour))
	}()
	wg.Wait()

	got, err := l.Get(ctx, p.ID)
	require.NoError(t, err)
	switch got.Status {
	case contracts.StatusApproved:
		assert.NoError(t, decideErr)
		assert.ErrorIs(t, expireErr, contracts.ErrInvalidState)
	case contracts.StatusExpired:
		assert.NoError(t, expireErr)
		assert.ErrorIs(t, decideErr, contracts.ErrInvalidState)
	default:
		t.Fatalf("unexpected status %s", got.Status)
	}
}

func TestFilterMatch(t *testing.T) {
	p := newTestProposal(t, time.Hour, "alice")

	assert.True(t, Filter{}.Match(p))
	assert.True(t, Filter{Kind: contracts.KindMatch, ProducerName: "mutual-aid-matcher"}.Match(p))
	assert.False(t, Filter{Kind: contracts.KindAlert}.Match(p))
	assert.False(t, Filter{Statuses: []contracts.Status{contracts.StatusApproved}}.Match(p))
	assert.True(t, Filter{CreatedAfter: t0.Add(-time.Second), CreatedBefore: t0.Add(time.Second)}.Match(p))
	assert.False(t, Filter{CreatedAfter: t0}.Match(p), "bounds are exclusive")
	assert.False(t, Filter{ExpiringBefore: t0.Add(time.Hour)}.Match(p))
	assert.True(t, Filter{ExpiringBefore: t0.Add(time.Hour + time.Nanosecond)}.Match(p))
}

func TestLedger_CreateRefusesPreDecidedProposals(t *testing.T) {
	l, _ := newTestLedger(NewMemoryStore())
	ctx := context.Background()
	now := t0.Add(time.Minute)

	cases := map[string]func(p *contracts.Proposal){
		"approved status": func(p *contracts.Proposal) { p.Status = contracts.StatusApproved },
		"rejected status": func(p *contracts.Proposal) { p.Status = contracts.StatusRejected },
		"unanimous approvals": func(p *contracts.Proposal) {
			require.NoError(t, p.RecordDecision("alice", true, "", t0))
			require.NoError(t, p.RecordDecision("bob", true, "", t0))
		},
		"pending with one approval": func(p *contracts.Proposal) {
			p.Decisions = map[string]contracts.Decision{"alice": {Approved: true, DecidedAt: t0}}
		},
		"veto": func(p *contracts.Proposal) {
			p.Decisions = map[string]contracts.Decision{"bob": {Approved: false, DecidedAt: t0}}
		},
		"executed at":  func(p *contracts.Proposal) { p.ExecutedAt = &now },
		"claim":        func(p *contracts.Proposal) { p.Execution = &contracts.ExecutionClaim{} },
		"external ref": func(p *contracts.Proposal) { p.ExternalRefs = []contracts.ExternalRef{{Kind: "match", ID: "m-1"}} },
		"attempts":     func(p *contracts.Proposal) { p.ExecutionAttempts = []contracts.ExecutionAttempt{{}} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := newTestProposal(t, time.Hour, "alice", "bob")
			mutate(p)
			_, err := l.Create(ctx, p)
			assert.ErrorIs(t, err, contracts.ErrInvalidProposal)

			_, err = l.CreateAutoApproved(ctx, p, "trusted")
			assert.ErrorIs(t, err, contracts.ErrInvalidProposal)

			_, err = l.Get(ctx, p.ID)
			assert.ErrorIs(t, err, contracts.ErrNotFound, "nothing was stored")
		})
	}
}

func TestLedger_CreateAutoApproved(t *testing.T) {
	l, clock := newTestLedger(NewMemoryStore())
	ctx := context.Background()
	clock.Advance(time.Minute)

	p := newTestProposal(t, time.Hour, "alice", "bob")
	stored, err := l.CreateAutoApproved(ctx, p, "trusted automation")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusApproved, stored.Status)
	assert.Empty(t, p.Decisions, "caller's copy is not modified")
	for _, approver := range []string{"alice", "bob"} {
		d, ok := stored.Decisions[approver]
		require.True(t, ok, approver)
		assert.True(t, d.Approved)
		assert.Equal(t, "trusted automation", d.Reason)
		assert.Equal(t, t0.Add(time.Minute), d.DecidedAt)
	}

	got, err := l.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusApproved, got.Status)

	open, err := l.CreateAutoApproved(ctx, newTestProposal(t, time.Hour), "trusted automation")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusPending, open.Status, "no approvers means nothing to approve")
}
