package domain

import "time"

// SeverityTier maps a risk score lower bound to a payout fraction. Tiers are
// ordered ascending by bound; matching is inclusive on the lower bound.
type SeverityTier struct {
	Bound          float64 `json:"bound"`
	PayoutFraction float64 `json:"payoutFraction"`
}

// RiskWeights are the per-policy weights of the risk score components. They
// are validated to sum to 1 at policy creation, not here.
type RiskWeights struct {
	Disease float64 `json:"disease"`
	Yield   float64 `json:"yield"`
	Weather float64 `json:"weather"`
}

// Reporter is one oracle node authorized to attest for a policy.
type Reporter struct {
	ReporterID string `json:"reporterId"`
	PublicKey  []byte `json:"publicKey"` // ed25519
}

// Policy is a read-only snapshot owned by the external policy service. The
// engine never mutates it and holds it only for the lifetime of one
// evaluation.
type Policy struct {
	PolicyID         string         `json:"policyId"`
	FarmerID         string         `json:"farmerId"`
	FarmerWalletRef  string         `json:"farmerWalletRef"`
	CoverageAmount   int64          `json:"coverageAmount"` // minor currency units
	YieldThreshold   float64        `json:"yieldThreshold"` // kg/hectare
	DiseaseThreshold float64        `json:"diseaseThreshold"`
	Weights          RiskWeights    `json:"weights"`
	SeverityTiers    []SeverityTier `json:"severityTiers"`
	Reporters        []Reporter     `json:"reporters"`
	ActiveFrom       time.Time      `json:"activeFrom"`
	ActiveUntil      time.Time      `json:"activeUntil"`
}

// IsActive reports whether the policy coverage window contains t.
func (p Policy) IsActive(t time.Time) bool {
	return !t.Before(p.ActiveFrom) && t.Before(p.ActiveUntil)
}

// ReporterKey returns the public key of an authorized reporter.
func (p Policy) ReporterKey(reporterID string) ([]byte, bool) {
	for _, r := range p.Reporters {
		if r.ReporterID == reporterID {
			return r.PublicKey, true
		}
	}
	return nil, false
}
