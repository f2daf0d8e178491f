package producer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/contracts"
)

func TestScheduler_OneBadProducerDoesNotStopOthers(t *testing.T) {
	ledger := newLedger()
	sink := &recordingSink{}

	good := emitting("good", func() []*contracts.Proposal { return []*contracts.Proposal{alert(t, "good", "carol")} })
	bad := &stubProducer{name: "bad", analyze: func(context.Context) ([]*contracts.Proposal, error) {
		panic("boom")
	}}

	var runners []*Runner
	for _, p := range []Producer{bad, good} {
		r, err := NewRunner(p, enabled(p.Name(), time.Hour), ledger, sink)
		require.NoError(t, err)
		runners = append(runners, r)
	}

	s := NewScheduler(runners, time.Hour)
	out := s.RunOnce(context.Background())

	assert.Empty(t, out["bad"])
	assert.Len(t, out["good"], 1)
	assert.Equal(t, int64(1), s.Cycles())
}

func TestScheduler_StartStop(t *testing.T) {
	prod := emitting("tick", func() []*contracts.Proposal { return nil })
	r, err := NewRunner(prod, enabled("tick", time.Hour), newLedger(), &recordingSink{})
	require.NoError(t, err)

	s := NewScheduler([]*Runner{r}, 10*time.Millisecond)
	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "second start is refused")

	assert.Eventually(t, func() bool { return prod.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
	calls := prod.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, prod.calls.Load(), "no cycles after Stop")
}
