package domain

import "time"

type RoundStatus string

const (
	RoundOpen       RoundStatus = "OPEN"
	RoundResolved   RoundStatus = "RESOLVED"
	RoundUnresolved RoundStatus = "UNRESOLVED" // enough attestations, no agreeing quorum
	RoundExpired    RoundStatus = "EXPIRED"    // deadline passed with fewer than quorum attestations
)

// ConsensusRound collects the accepted attestations for one (policy, epoch).
// A round is created on the first accepted attestation and never reopened
// after leaving RoundOpen.
type ConsensusRound struct {
	PolicyID     string                `json:"policyId"`
	Epoch        uint64                `json:"epoch"`
	Attestations []Attestation         `json:"attestations"` // arrival order, for bookkeeping only
	Status       RoundStatus           `json:"status"`
	Canonical    *CanonicalAttestation `json:"canonical,omitempty"` // set iff Status == RoundResolved
	OpenedAt     time.Time             `json:"openedAt"`
	Deadline     time.Time             `json:"deadline"`
	ClosedAt     time.Time             `json:"closedAt,omitzero"`
}

// Closed reports whether the round reached a terminal status.
func (r ConsensusRound) Closed() bool {
	return r.Status != RoundOpen
}
