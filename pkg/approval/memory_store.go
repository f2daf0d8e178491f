package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/contracts"
)

// MemoryStore keeps proposals in process memory.
// Updates to one id are serialized by a per-id lock; different ids never
// block each other. A lock exists only for a stored proposal.
type MemoryStore struct {
	mu    sync.RWMutex
	data  map[string]*contracts.Proposal
	locks map[string]*sync.Mutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:  make(map[string]*contracts.Proposal),
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *MemoryStore) lockFor(id string) (*sync.Mutex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.locks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", contracts.ErrNotFound, id)
	}
	return l, nil
}

func (s *MemoryStore) Insert(_ context.Context, p *contracts.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[p.ID]; exists {
		return fmt.Errorf("%w: %s", contracts.ErrAlreadyExists, p.ID)
	}
	s.data[p.ID] = p.Clone()
	s.locks[p.ID] = &sync.Mutex{}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*contracts.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.data[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", contracts.ErrNotFound, id)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, fn UpdateFunc) (*contracts.Proposal, error) {
	l, err := s.lockFor(id)
	if err != nil {
		return nil, err
	}
	l.Lock()
	defer l.Unlock()

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(current); err != nil {
		if errors.Is(err, ErrNoChange) {
			return s.Get(ctx, id)
		}
		return nil, err
	}

	s.mu.Lock()
	s.data[id] = current.Clone()
	s.mu.Unlock()
	return current, nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]*contracts.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*contracts.Proposal, 0)
	for _, p := range s.data {
		if f.Match(p) {
			out = append(out, p.Clone())
		}
	}
	return sortAndLimit(out, f), nil
}
