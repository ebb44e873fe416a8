package audit

import (
	"context"
	"time"
)

type EventType string

const (
	AttestationAccepted EventType = "ATTESTATION_ACCEPTED"
	AttestationRejected EventType = "ATTESTATION_REJECTED"
	RoundResolved       EventType = "ROUND_RESOLVED"
	RoundUnresolved     EventType = "ROUND_UNRESOLVED"
	RoundExpired        EventType = "ROUND_EXPIRED"
	DecisionComputed    EventType = "DECISION_COMPUTED"
	PayoutCreated       EventType = "PAYOUT_CREATED"
	PayoutApproved      EventType = "PAYOUT_APPROVED"
	PayoutSubmitted     EventType = "PAYOUT_SUBMITTED"
	PayoutConfirmed     EventType = "PAYOUT_CONFIRMED"
	PayoutFailed        EventType = "PAYOUT_FAILED"
	PayoutVoided        EventType = "PAYOUT_VOIDED"
)

// Event is one immutable entry of the audit trail. Seq increases
// monotonically per (policyId, epoch) with no gaps.
type Event struct {
	PolicyID   string                 `json:"policyId"`
	Epoch      uint64                 `json:"epoch"`
	Seq        uint64                 `json:"seq"`
	Type       EventType              `json:"type"`
	OccurredAt time.Time              `json:"occurredAt"`
	Detail     map[string]interface{} `json:"detail,omitempty"`
}

// Recorder appends events to the audit trail. Implementations must be safe
// for concurrent use across (policyId, epoch) keys.
type Recorder interface {
	Record(ctx context.Context, policyID string, epoch uint64, eventType EventType, detail map[string]interface{}) error
}
