package contracts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/canonicalize"
)

// envelope is the part of a proposal that never changes after it is persisted.
type envelope struct {
	ID                string          `json:"id"`
	ProducerName      string          `json:"producer_name"`
	Kind              Kind            `json:"kind"`
	Title             string          `json:"title"`
	Explanation       string          `json:"explanation"`
	InputsUsed        []string        `json:"inputs_used"`
	Constraints       []string        `json:"constraints"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	RequiredApprovers []string        `json:"required_approvers"`
	CreatedAt         string          `json:"created_at"`
}

// Fingerprint returns the canonical hash of the immutable envelope.
func (p *Proposal) Fingerprint() (string, error) {
	env := envelope{
		ID:                p.ID,
		ProducerName:      p.ProducerName,
		Kind:              p.Kind,
		Title:             p.Title,
		Explanation:       p.Explanation,
		InputsUsed:        nonNil(p.InputsUsed),
		Constraints:       nonNil(p.Constraints),
		Payload:           p.Payload,
		RequiredApprovers: nonNil(p.RequiredApprovers),
		CreatedAt:         p.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	h, err := canonicalize.CanonicalHash(env)
	if err != nil {
		return "", fmt.Errorf("fingerprint proposal %s: %w", p.ID, err)
	}
	return h, nil
}

// Seal stores the fingerprint in ContentHash.
func (p *Proposal) Seal() error {
	h, err := p.Fingerprint()
	if err != nil {
		return err
	}
	p.ContentHash = h
	return nil
}

// VerifySeal fails when the immutable envelope no longer matches ContentHash.
func (p *Proposal) VerifySeal() error {
	if p.ContentHash == "" {
		return fmt.Errorf("%w: proposal %s is not sealed", ErrInvalidProposal, p.ID)
	}
	h, err := p.Fingerprint()
	if err != nil {
		return err
	}
	if h != p.ContentHash {
		return fmt.Errorf("%w: proposal %s envelope changed after persistence", ErrInvalidProposal, p.ID)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
