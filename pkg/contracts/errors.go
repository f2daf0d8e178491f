package contracts

import (
	"errors"
	"fmt"
)

// Error taxonomy for the proposal workflow. Callers match with errors.Is.
var (
	// ErrInvalidState is returned when an operation is not valid for the
	// proposal's current status. Callers recover by re-reading the proposal.
	ErrInvalidState = errors.New("invalid proposal state")

	// ErrNotAuthorized is returned when a decision comes from an identity that
	// is not one of the proposal's required approvers.
	ErrNotAuthorized = errors.New("approver not authorized for proposal")

	// ErrNotFound is returned for unknown proposal ids.
	ErrNotFound = errors.New("proposal not found")

	// ErrUnsupportedKind is returned when no execution handler exists for a kind.
	ErrUnsupportedKind = errors.New("unsupported proposal kind")

	// ErrExternalService is matched by every failure talking to the remote
	// record-keeping service or the publish sink.
	ErrExternalService = errors.New("external service failure")

	// ErrAlreadyExists is returned when a proposal id is persisted twice.
	ErrAlreadyExists = errors.New("proposal already exists")

	// ErrInvalidProposal is returned when a proposal fails structural validation.
	ErrInvalidProposal = errors.New("invalid proposal")
)

// Refinements of ErrInvalidState. errors.Is(err, ErrInvalidState) holds for each.
var (
	ErrAlreadyDecided = fmt.Errorf("%w: approver already decided", ErrInvalidState)
	ErrLapsed         = fmt.Errorf("%w: proposal is past its expiry", ErrInvalidState)
	ErrInFlight       = fmt.Errorf("%w: execution already in progress", ErrInvalidState)
)

// ExternalServiceError describes a failed call to a remote collaborator.
type ExternalServiceError struct {
	Service string // e.g. "recordkeeper", "publish"
	Op      string // e.g. "create_match"
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Service, e.Op, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// Is reports ErrExternalService so callers never need the concrete type.
func (e *ExternalServiceError) Is(target error) bool {
	return target == ErrExternalService
}

// NewExternalServiceError wraps err; a nil err yields nil.
func NewExternalServiceError(service, op string, err error) error {
	if err == nil {
		return nil
	}
	return &ExternalServiceError{Service: service, Op: op, Err: err}
}
