package contracts

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// rank orders statuses along the lifecycle; transitions may only increase it.
var rank = map[Status]int{
	StatusPending:  0,
	StatusApproved: 1,
	StatusRejected: 1,
	StatusExpired:  1,
	StatusExecuted: 2,
}

// applyOp drives one random operation against p. Errors are expected and ignored.
func applyOp(p *Proposal, op int, now time.Time) {
	approvers := []string{"alice", "bob", "mallory"}
	switch op % 6 {
	case 0:
		_ = p.RecordDecision(approvers[(op/6)%3], true, "", now)
	case 1:
		_ = p.RecordDecision(approvers[(op/6)%3], false, "", now)
	case 2:
		_, _ = p.ExpireIfStale(now)
	case 3:
		_ = p.MarkExecuted(now, nil)
	case 4:
		_ = p.ClaimExecution(now, time.Minute)
	case 5:
		_ = p.RecordFailedAttempt(ExecutionAttempt{StartedAt: now, FinishedAt: now, Error: "x"})
	}
}

// Property: no sequence of operations moves a proposal backwards or back to PENDING.
func TestStatusTransitionsFormADAG(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("status rank never decreases", prop.ForAll(
		func(ops []int, steps []int) bool {
			exp := t0.Add(time.Hour)
			p, err := NewProposal(Draft{
				ProducerName:      "prop",
				Kind:              KindMatch,
				Explanation:       "generated",
				RequiredApprovers: []string{"alice", "bob"},
				ExpiresAt:         &exp,
			}, t0)
			if err != nil {
				return false
			}

			now := t0
			prev := p.Status
			left := false
			for i, op := range ops {
				if i < len(steps) {
					now = now.Add(time.Duration(steps[i]) * time.Minute)
				}
				applyOp(p, op, now)
				if rank[p.Status] < rank[prev] {
					return false
				}
				if prev != p.Status && prev.IsTerminal() {
					return false
				}
				if p.Status != StatusPending {
					left = true
				}
				if left && p.Status == StatusPending {
					return false
				}
				prev = p.Status
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 1000)),
		gen.SliceOf(gen.IntRange(0, 30)),
	))

	properties.TestingRun(t)
}

// Property: APPROVED is reached only when every required approver approved.
func TestApprovedImpliesUnanimity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("approved means unanimous", prop.ForAll(
		func(ops []int) bool {
			exp := t0.Add(time.Hour)
			p, err := NewProposal(Draft{
				ProducerName:      "prop",
				Kind:              KindMatch,
				Explanation:       "generated",
				RequiredApprovers: []string{"alice", "bob"},
				ExpiresAt:         &exp,
			}, t0)
			if err != nil {
				return false
			}
			for _, op := range ops {
				applyOp(p, op, t0)
				if p.Status == StatusApproved || p.Status == StatusExecuted {
					for _, id := range p.RequiredApprovers {
						if d, ok := p.Decisions[id]; !ok || !d.Approved {
							return false
						}
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 1000)),
	))

	properties.TestingRun(t)
}
