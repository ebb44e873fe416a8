package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrStoreEntityNotFound is returned by stores when the requested entity does
// not exist.
var ErrStoreEntityNotFound = errors.New("store resource not found")

// ErrPolicyNotFound is returned by the policy service client for unknown
// policies.
var ErrPolicyNotFound = errors.New("policy not found")

// RejectReason classifies synchronous attestation rejections. Rejections are
// reported to the submitter and never retried by the engine itself.
type RejectReason string

const (
	RejectUnknownPolicy        RejectReason = "UNKNOWN_POLICY"
	RejectPolicyInactive       RejectReason = "POLICY_INACTIVE"
	RejectUnauthorizedReporter RejectReason = "UNAUTHORIZED_REPORTER"
	RejectBadSignature         RejectReason = "BAD_SIGNATURE"
	RejectStaleEpoch           RejectReason = "STALE_EPOCH"
	RejectStaleSubmission      RejectReason = "STALE_SUBMISSION"
	RejectDuplicate            RejectReason = "DUPLICATE"
	RejectMalformed            RejectReason = "MALFORMED"
	RejectRateLimited          RejectReason = "RATE_LIMITED"
)

// InvariantViolationError marks a state that indicates a bug, not normal
// operation. It halts the affected (policy, epoch) only, never the engine.
type InvariantViolationError struct {
	PolicyID string
	Epoch    uint64
	Message  string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation for policy [%s] epoch [%d]: %s", e.PolicyID, e.Epoch, e.Message)
}

// Invariantf builds an InvariantViolationError.
func Invariantf(policyID string, epoch uint64, format string, args ...interface{}) error {
	return &InvariantViolationError{
		PolicyID: policyID,
		Epoch:    epoch,
		Message:  fmt.Sprintf(format, args...),
	}
}

// IsInvariantViolation reports whether err wraps an InvariantViolationError.
func IsInvariantViolation(err error) bool {
	var target *InvariantViolationError
	return errors.As(err, &target)
}
