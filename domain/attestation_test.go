package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAttestation_Hash_excludesSignatureAndSubmissionTime(t *testing.T) {
	att := Attestation{
		PolicyID:       "pol-1",
		Epoch:          42,
		ReporterID:     "rep-a",
		PredictedYield: 1200,
		DiseaseScore:   0.6,
		WeatherAnomaly: 0.1,
		Confidence:     0.9,
	}
	reference := att.Hash()

	att.Signature = []byte("some signature")
	att.SubmittedAt = time.Now()
	assert.Equal(t, reference, att.Hash())

	att.DiseaseScore = 0.61
	assert.NotEqual(t, reference, att.Hash())
}

func TestAttestation_SigningPayload_separatesVariableLengthFields(t *testing.T) {
	a := Attestation{PolicyID: "ab", ReporterID: "c"}
	b := Attestation{PolicyID: "a", ReporterID: "bc"}
	assert.NotEqual(t, a.SigningPayload(), b.SigningPayload())
}

func TestCanonicalAttestation_Hash_excludesResolvedAt(t *testing.T) {
	canonical := CanonicalAttestation{
		PolicyID:       "pol-1",
		Epoch:          42,
		PredictedYield: 1200,
		DiseaseScore:   0.6,
		Confidence:     0.9,
	}
	reference := canonical.Hash()

	canonical.ResolvedAt = time.Now()
	assert.Equal(t, reference, canonical.Hash())
}

func TestIdempotencyKey_isDeterministicAndScoped(t *testing.T) {
	assert.Equal(t, IdempotencyKey("pol-1", 42), IdempotencyKey("pol-1", 42))
	assert.NotEqual(t, IdempotencyKey("pol-1", 42), IdempotencyKey("pol-1", 43))
	assert.NotEqual(t, IdempotencyKey("pol-1", 42), IdempotencyKey("pol-2", 42))
	assert.Len(t, IdempotencyKey("pol-1", 42), 64)
}

func TestPolicy_IsActive(t *testing.T) {
	policy := Policy{
		ActiveFrom:  time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		ActiveUntil: time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
	}
	assert.False(t, policy.IsActive(time.Date(2026, 2, 28, 23, 59, 59, 0, time.UTC)))
	assert.True(t, policy.IsActive(policy.ActiveFrom))
	assert.True(t, policy.IsActive(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)))
	assert.False(t, policy.IsActive(policy.ActiveUntil))
}

func TestPayoutRecord_Terminal(t *testing.T) {
	assert.True(t, PayoutRecord{Status: PayoutConfirmed}.Terminal(3))
	assert.True(t, PayoutRecord{Status: PayoutVoided}.Terminal(3))
	assert.True(t, PayoutRecord{Status: PayoutFailed, Attempts: 3}.Terminal(3))
	assert.False(t, PayoutRecord{Status: PayoutFailed, Attempts: 2}.Terminal(3))
	assert.False(t, PayoutRecord{Status: PayoutPending}.Terminal(3))
	assert.False(t, PayoutRecord{Status: PayoutSubmitted}.Terminal(3))
}
