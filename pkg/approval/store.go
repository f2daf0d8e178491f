package approval

import (
	"context"
	"errors"
	"slices"
	"sort"
	"time"

	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/contracts"
)

// ErrConflict is returned when an optimistic update keeps losing the race.
var ErrConflict = errors.New("approval: concurrent update conflict")

// ErrNoChange may be returned by an update function to skip the write.
// Update then returns the current record and a nil error.
var ErrNoChange = errors.New("approval: no change")

// UpdateFunc mutates a private copy of a stored proposal.
type UpdateFunc func(p *contracts.Proposal) error

// Store is the durable home of proposals.
//
// Update is a single per-record read-modify-write: fn sees the latest version
// and either its result is written atomically or nothing is. Errors from fn
// are returned unchanged. Implementations never hold a lock across anything
// but the store round-trip itself.
type Store interface {
	// Insert persists a new proposal. ErrAlreadyExists if the id is taken.
	Insert(ctx context.Context, p *contracts.Proposal) error

	// Get returns a copy of the proposal. ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (*contracts.Proposal, error)

	// Update applies fn atomically and returns the stored result.
	Update(ctx context.Context, id string, fn UpdateFunc) (*contracts.Proposal, error)

	// List returns proposals matching f ordered by creation time.
	List(ctx context.Context, f Filter) ([]*contracts.Proposal, error)
}

// Filter selects proposals for List and Query. Zero fields match everything.
type Filter struct {
	ProducerName   string
	Kind           contracts.Kind
	Statuses       []contracts.Status
	CreatedAfter   time.Time
	CreatedBefore  time.Time
	ExpiringBefore time.Time // only proposals whose expiry is strictly before this instant
	Limit          int
}

// Match reports whether p satisfies every set field of f.
func (f Filter) Match(p *contracts.Proposal) bool {
	if f.ProducerName != "" && p.ProducerName != f.ProducerName {
		return false
	}
	if f.Kind != "" && p.Kind != f.Kind {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, p.Status) {
		return false
	}
	if !f.CreatedAfter.IsZero() && !p.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !p.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	if !f.ExpiringBefore.IsZero() && (p.ExpiresAt == nil || !p.ExpiresAt.Before(f.ExpiringBefore)) {
		return false
	}
	return true
}

// sortAndLimit orders by creation time then id and truncates to f.Limit.
func sortAndLimit(ps []*contracts.Proposal, f Filter) []*contracts.Proposal {
	sort.SliceStable(ps, func(i, j int) bool {
		if !ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].CreatedAt.Before(ps[j].CreatedAt)
		}
		return ps[i].ID < ps[j].ID
	})
	if f.Limit > 0 && len(ps) > f.Limit {
		ps = ps[:f.Limit]
	}
	return ps
}
