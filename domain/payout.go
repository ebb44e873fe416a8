package domain

import "time"

type PayoutStatus string

const (
	PayoutPending   PayoutStatus = "PENDING"
	PayoutSubmitted PayoutStatus = "SUBMITTED"
	PayoutConfirmed PayoutStatus = "CONFIRMED"
	PayoutFailed    PayoutStatus = "FAILED"
	PayoutVoided    PayoutStatus = "VOIDED"
)

// PayoutRecord tracks one payout execution from decision to settlement. At
// most one non-voided record may exist per (policy, epoch); the ledger is the
// sole writer of Status.
type PayoutRecord struct {
	PayoutID        string       `json:"payoutId"`
	PolicyID        string       `json:"policyId"`
	Epoch           uint64       `json:"epoch"`
	FarmerWalletRef string       `json:"farmerWalletRef"`
	Amount          int64        `json:"amount"` // minor currency units
	Status          PayoutStatus `json:"status"`
	IdempotencyKey  string       `json:"idempotencyKey"`
	Attempts        int          `json:"attempts"`
	LedgerTxRef     string       `json:"ledgerTxRef,omitempty"`
	ApprovedBy      string       `json:"approvedBy,omitempty"` // second approver for high-value payouts
	FailureReason   string       `json:"failureReason,omitempty"`
	VoidReason      string       `json:"voidReason,omitempty"`
	VoidedBy        string       `json:"voidedBy,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
	SubmittedAt     time.Time    `json:"submittedAt,omitzero"`
	NextAttemptAt   time.Time    `json:"nextAttemptAt,omitzero"`
	FinalizedAt     time.Time    `json:"finalizedAt,omitzero"`
}

// Terminal reports whether the record reached a state the ledger will not
// advance on its own. A FAILED record is terminal once the retry budget is
// exhausted; budget accounting lives in the ledger.
func (r PayoutRecord) Terminal(retryBudget int) bool {
	switch r.Status {
	case PayoutConfirmed, PayoutVoided:
		return true
	case PayoutFailed:
		return r.Attempts >= retryBudget
	default:
		return false
	}
}
