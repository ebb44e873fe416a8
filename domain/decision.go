package domain

import "time"

type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
)

func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "NONE"
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	default:
		return "UNKNOWN"
	}
}

// TriggerDecision is the deterministic result of evaluating a policy against
// a canonical attestation. Produced at most once per (policy, epoch);
// replicas reproduce it bit-identically from the same inputs.
type TriggerDecision struct {
	PolicyID        string    `json:"policyId"`
	Epoch           uint64    `json:"epoch"`
	Severity        Severity  `json:"severity"`
	RiskScore       float64   `json:"riskScore"`
	PayoutFraction  float64   `json:"payoutFraction"` // 0 when Severity is NONE
	AttestationHash string    `json:"attestationHash"`
	ComputedAt      time.Time `json:"computedAt"`
}
