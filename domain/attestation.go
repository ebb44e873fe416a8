package domain

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"time"
)

// Attestation is one signed prediction submitted by a single oracle reporter
// for one (policy, epoch). Immutable once accepted.
type Attestation struct {
	PolicyID       string    `json:"policyId"`
	Epoch          uint64    `json:"epoch"`
	ReporterID     string    `json:"reporterId"`
	PredictedYield float64   `json:"predictedYield"` // kg/hectare
	DiseaseScore   float64   `json:"diseaseScore"`   // worst-case pathogen score in [0,1]
	WeatherAnomaly float64   `json:"weatherAnomaly"` // anomaly score in [0,1]
	Confidence     float64   `json:"confidence"`     // model confidence in [0,1]
	SubmittedAt    time.Time `json:"submittedAt"`
	Signature      []byte    `json:"signature"`
}

// SigningPayload returns the fixed-order binary encoding covered by the
// reporter signature. The encoding must not change between releases, signed
// attestations are verified against it.
func (a Attestation) SigningPayload() []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, []byte(a.PolicyID)...)
	buf = append(buf, 0x00)
	buf = binary.BigEndian.AppendUint64(buf, a.Epoch)
	buf = append(buf, []byte(a.ReporterID)...)
	buf = append(buf, 0x00)
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(a.PredictedYield))
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(a.DiseaseScore))
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(a.WeatherAnomaly))
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(a.Confidence))
	return buf
}

// Hash identifies the attestation content. Signature and submission time are
// excluded so replicas hash identically regardless of transport.
func (a Attestation) Hash() string {
	digest := sha256.Sum256(a.SigningPayload())
	return hex.EncodeToString(digest[:])
}

// CanonicalAttestation is the single agreed value produced by consensus for
// one (policy, epoch). It is the only legitimate input to trigger evaluation.
type CanonicalAttestation struct {
	PolicyID       string    `json:"policyId"`
	Epoch          uint64    `json:"epoch"`
	PredictedYield float64   `json:"predictedYield"`
	DiseaseScore   float64   `json:"diseaseScore"`
	WeatherAnomaly float64   `json:"weatherAnomaly"`
	Confidence     float64   `json:"confidence"` // minimum over the agreeing set
	ResolvedAt     time.Time `json:"resolvedAt"`
}

// Hash identifies the canonical value. ResolvedAt is excluded for the same
// reason submission time is excluded from Attestation.Hash.
func (c CanonicalAttestation) Hash() string {
	buf := make([]byte, 0, 64)
	buf = append(buf, []byte(c.PolicyID)...)
	buf = append(buf, 0x00)
	buf = binary.BigEndian.AppendUint64(buf, c.Epoch)
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(c.PredictedYield))
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(c.DiseaseScore))
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(c.WeatherAnomaly))
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(c.Confidence))
	digest := sha256.Sum256(buf)
	return hex.EncodeToString(digest[:])
}

// IdempotencyKey derives the deterministic key that scopes one logical payout
// execution to one (policy, epoch).
func IdempotencyKey(policyID string, epoch uint64) string {
	buf := make([]byte, 0, 64)
	buf = append(buf, []byte(policyID)...)
	buf = append(buf, 0x00)
	buf = binary.BigEndian.AppendUint64(buf, epoch)
	digest := sha256.Sum256(buf)
	return hex.EncodeToString(digest[:])
}
