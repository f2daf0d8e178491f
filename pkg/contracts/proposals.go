package contracts

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind selects which execution handler applies to a proposal.
type Kind string

// Kind constants.
const (
	KindMatch          Kind = "MATCH"
	KindUrgentExchange Kind = "URGENT_EXCHANGE"
	KindReplenishment  Kind = "REPLENISHMENT"
	KindCacheEviction  Kind = "CACHE_EVICTION"
	KindAlert          Kind = "ALERT"
)

// Kinds lists every known kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindMatch, KindUrgentExchange, KindReplenishment, KindCacheEviction, KindAlert}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return slices.Contains(Kinds(), k)
}

// Status defines the lifecycle of a proposal.
//
//	PENDING -> APPROVED -> EXECUTED
//	PENDING -> REJECTED
//	PENDING -> EXPIRED
type Status string

// Status constants.
const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	StatusExpired  Status = "EXPIRED"
	StatusExecuted Status = "EXECUTED"
)

// Statuses lists every status in lifecycle order.
func Statuses() []Status {
	return []Status{StatusPending, StatusApproved, StatusRejected, StatusExpired, StatusExecuted}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return slices.Contains(Statuses(), s)
}

// IsTerminal reports whether no further transition is possible.
// APPROVED is not terminal: it may still be executed.
func (s Status) IsTerminal() bool {
	return s == StatusRejected || s == StatusExpired || s == StatusExecuted
}

// Decision is one approver's recorded answer.
type Decision struct {
	Approved  bool      `json:"approved"`
	Reason    string    `json:"reason,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// ExternalRef identifies an entity created in a remote system.
type ExternalRef struct {
	Kind string `json:"kind"` // e.g. "match", "exchange"
	ID   string `json:"id"`
}

// ExecutionClaim marks an execution in flight. The claim lapses at LeaseUntil
// so a crashed coordinator cannot block the proposal forever.
type ExecutionClaim struct {
	ClaimedAt  time.Time `json:"claimed_at"`
	LeaseUntil time.Time `json:"lease_until"`
}

// ExecutionAttempt is the audit record of one run of the execution handler.
type ExecutionAttempt struct {
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at"`
	Error        string        `json:"error,omitempty"`
	CreatedRefs  []ExternalRef `json:"created_refs,omitempty"`
	OrphanedRefs []ExternalRef `json:"orphaned_refs,omitempty"`
}

// Succeeded reports whether the attempt finished without error.
func (a ExecutionAttempt) Succeeded() bool { return a.Error == "" }

// Proposal is a machine-generated, human-approvable suggestion to act.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Proposal struct {
	ID           string `json:"id"`
	ProducerName string `json:"producer_name"`
	Kind         Kind   `json:"kind"`

	Title       string `json:"title"`
	Explanation string `json:"explanation"`

	InputsUsed  []string        `json:"inputs_used,omitempty"`
	Constraints []string        `json:"constraints,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`

	RequiredApprovers []string            `json:"required_approvers"`
	Decisions         map[string]Decision `json:"decisions,omitempty"`

	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	ExecutedAt *time.Time `json:"executed_at,omitempty"`

	ExternalCorrelationID string `json:"external_correlation_id,omitempty"`

	// ContentHash seals the immutable envelope; set by the ledger on insert.
	ContentHash string `json:"content_hash,omitempty"`

	Execution         *ExecutionClaim    `json:"execution,omitempty"`
	ExecutionAttempts []ExecutionAttempt `json:"execution_attempts,omitempty"`
	ExternalRefs      []ExternalRef      `json:"external_refs,omitempty"`
}

// Draft is what a producer fills in; NewProposal turns it into a Proposal.
type Draft struct {
	ProducerName      string
	Kind              Kind
	Title             string
	Explanation       string
	InputsUsed        []string
	Constraints       []string
	Payload           any
	RequiredApprovers []string
	ExpiresAt         *time.Time
}

// NewProposal builds a PENDING proposal with a fresh id.
func NewProposal(d Draft, now time.Time) (*Proposal, error) {
	if strings.TrimSpace(d.Explanation) == "" {
		return nil, fmt.Errorf("%w: explanation is required", ErrInvalidProposal)
	}
	if d.ProducerName == "" {
		return nil, fmt.Errorf("%w: producer name is required", ErrInvalidProposal)
	}
	if !d.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidProposal, d.Kind)
	}

	var payload json.RawMessage
	if d.Payload != nil {
		raw, err := json.Marshal(d.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: encode payload: %v", ErrInvalidProposal, err)
		}
		payload = raw
	}

	p := &Proposal{
		ID:                uuid.New().String(),
		ProducerName:      d.ProducerName,
		Kind:              d.Kind,
		Title:             d.Title,
		Explanation:       d.Explanation,
		InputsUsed:        slices.Clone(d.InputsUsed),
		Constraints:       slices.Clone(d.Constraints),
		Payload:           payload,
		RequiredApprovers: dedupe(d.RequiredApprovers),
		Decisions:         make(map[string]Decision),
		Status:            StatusPending,
		CreatedAt:         now.UTC(),
	}
	if d.ExpiresAt != nil {
		exp := d.ExpiresAt.UTC()
		p.ExpiresAt = &exp
	}
	return p, nil
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || slices.Contains(out, id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// Validate checks the structural invariants of a proposal about to be persisted.
func (p *Proposal) Validate() error {
	switch {
	case p.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidProposal)
	case p.ProducerName == "":
		return fmt.Errorf("%w: producer name is required", ErrInvalidProposal)
	case !p.Kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidProposal, p.Kind)
	case strings.TrimSpace(p.Explanation) == "":
		return fmt.Errorf("%w: explanation is required", ErrInvalidProposal)
	case !p.Status.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrInvalidProposal, p.Status)
	case p.ExpiresAt == nil:
		return fmt.Errorf("%w: expires_at must be assigned before persisting", ErrInvalidProposal)
	}
	if len(dedupe(p.RequiredApprovers)) != len(p.RequiredApprovers) {
		return fmt.Errorf("%w: required approvers must be unique and non-empty", ErrInvalidProposal)
	}
	for approver := range p.Decisions {
		if !p.IsRequiredApprover(approver) {
			return fmt.Errorf("%w: decision from non-required approver %q", ErrInvalidProposal, approver)
		}
	}
	return nil
}

// IsRequiredApprover reports whether id must consent to this proposal.
func (p *Proposal) IsRequiredApprover(id string) bool {
	return slices.Contains(p.RequiredApprovers, id)
}

// IsAwaiting reports whether the proposal is still waiting on approver.
func (p *Proposal) IsAwaiting(approver string) bool {
	if p.Status != StatusPending || !p.IsRequiredApprover(approver) {
		return false
	}
	_, decided := p.Decisions[approver]
	return !decided
}

// IsStale reports whether the proposal's expiry is strictly before now.
func (p *Proposal) IsStale(now time.Time) bool {
	return p.ExpiresAt != nil && p.ExpiresAt.Before(now)
}

// RecordDecision applies one approver's decision.
//
// A decision is accepted at most once per approver; a second attempt fails with
// ErrAlreadyDecided rather than overwriting the first. Any rejection moves the
// proposal to REJECTED immediately; unanimous approval moves it to APPROVED.
func (p *Proposal) RecordDecision(approverID string, approved bool, reason string, now time.Time) error {
	if !p.IsRequiredApprover(approverID) {
		return fmt.Errorf("%w: %q is not a required approver of %s", ErrNotAuthorized, approverID, p.ID)
	}
	if p.Status != StatusPending {
		return fmt.Errorf("%w: proposal %s is %s", ErrInvalidState, p.ID, p.Status)
	}
	if _, ok := p.Decisions[approverID]; ok {
		return fmt.Errorf("%w: %q on proposal %s", ErrAlreadyDecided, approverID, p.ID)
	}
	if p.IsStale(now) {
		return fmt.Errorf("%w: proposal %s expired at %s", ErrLapsed, p.ID, p.ExpiresAt.Format(time.RFC3339))
	}

	if p.Decisions == nil {
		p.Decisions = make(map[string]Decision)
	}
	p.Decisions[approverID] = Decision{
		Approved:  approved,
		Reason:    reason,
		DecidedAt: now.UTC(),
	}

	if !approved {
		p.Status = StatusRejected
		return nil
	}
	if p.Unanimous() {
		p.Status = StatusApproved
	}
	return nil
}

// Unanimous reports whether every required approver has approved.
func (p *Proposal) Unanimous() bool {
	if len(p.RequiredApprovers) == 0 {
		// Alerts with nobody to ask never advance on their own.
		return false
	}
	for _, id := range p.RequiredApprovers {
		d, ok := p.Decisions[id]
		if !ok || !d.Approved {
			return false
		}
	}
	return true
}

// ExpireIfStale moves a stale PENDING proposal to EXPIRED.
// It returns false without error while the proposal is still fresh and
// ErrInvalidState once the proposal has left PENDING.
func (p *Proposal) ExpireIfStale(now time.Time) (bool, error) {
	if p.Status != StatusPending {
		return false, fmt.Errorf("%w: proposal %s is %s", ErrInvalidState, p.ID, p.Status)
	}
	if !p.IsStale(now) {
		return false, nil
	}
	p.Status = StatusExpired
	return true, nil
}

// ClaimExecution takes the execution lease on an APPROVED proposal.
func (p *Proposal) ClaimExecution(now time.Time, lease time.Duration) error {
	if p.Status != StatusApproved || p.ExecutedAt != nil {
		return fmt.Errorf("%w: proposal %s is %s", ErrInvalidState, p.ID, p.Status)
	}
	if p.Execution != nil && now.Before(p.Execution.LeaseUntil) {
		return fmt.Errorf("%w: proposal %s claimed at %s", ErrInFlight, p.ID, p.Execution.ClaimedAt.Format(time.RFC3339))
	}
	p.Execution = &ExecutionClaim{ClaimedAt: now.UTC(), LeaseUntil: now.Add(lease).UTC()}
	return nil
}

// RecordFailedAttempt releases the execution lease and keeps the attempt for audit.
// The proposal stays APPROVED.
func (p *Proposal) RecordFailedAttempt(attempt ExecutionAttempt) error {
	if p.Status != StatusApproved {
		return fmt.Errorf("%w: proposal %s is %s", ErrInvalidState, p.ID, p.Status)
	}
	p.Execution = nil
	p.ExecutionAttempts = append(p.ExecutionAttempts, attempt)
	return nil
}

// MarkExecuted records the terminal EXECUTED state. It succeeds once.
func (p *Proposal) MarkExecuted(now time.Time, refs []ExternalRef) error {
	if p.Status != StatusApproved || p.ExecutedAt != nil {
		return fmt.Errorf("%w: proposal %s is %s", ErrInvalidState, p.ID, p.Status)
	}
	at := now.UTC()
	p.ExecutedAt = &at
	p.Status = StatusExecuted
	p.ExternalRefs = slices.Clone(refs)
	p.Execution = nil
	return nil
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (p *Proposal) Clone() *Proposal {
	if p == nil {
		return nil
	}
	c := *p
	c.InputsUsed = slices.Clone(p.InputsUsed)
	c.Constraints = slices.Clone(p.Constraints)
	c.Payload = slices.Clone(p.Payload)
	c.RequiredApprovers = slices.Clone(p.RequiredApprovers)
	if p.Decisions != nil {
		c.Decisions = make(map[string]Decision, len(p.Decisions))
		for k, v := range p.Decisions {
			c.Decisions[k] = v
		}
	}
	if p.ExpiresAt != nil {
		t := *p.ExpiresAt
		c.ExpiresAt = &t
	}
	if p.ExecutedAt != nil {
		t := *p.ExecutedAt
		c.ExecutedAt = &t
	}
	if p.Execution != nil {
		e := *p.Execution
		c.Execution = &e
	}
	if p.ExecutionAttempts != nil {
		c.ExecutionAttempts = make([]ExecutionAttempt, len(p.ExecutionAttempts))
		for i, a := range p.ExecutionAttempts {
			a.CreatedRefs = slices.Clone(a.CreatedRefs)
			a.OrphanedRefs = slices.Clone(a.OrphanedRefs)
			c.ExecutionAttempts[i] = a
		}
	}
	c.ExternalRefs = slices.Clone(p.ExternalRefs)
	return &c
}
