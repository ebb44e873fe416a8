package consensus

import (
	"testing"
	"time"

	"github.com/agrishield/payout-engine/domain"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testParams = Params{
	Quorum: 3,
	Tolerance: Tolerance{
		Disease:       0.05,
		YieldFraction: 0.03,
		Weather:       0.05,
	},
}

var resolveTime = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func attestation(reporter string, yield, disease, weather, confidence float64) domain.Attestation {
	return domain.Attestation{
		PolicyID:       "pol-1",
		Epoch:          42,
		ReporterID:     reporter,
		PredictedYield: yield,
		DiseaseScore:   disease,
		WeatherAnomaly: weather,
		Confidence:     confidence,
	}
}

func TestResolve_givenAgreeingQuorum_thenMedianOfAgreeingSubset(t *testing.T) {
	attestations := []domain.Attestation{
		attestation("rep-a", 1200, 0.62, 0.1, 0.9),
		attestation("rep-b", 1200, 0.59, 0.1, 0.85),
		attestation("rep-c", 1200, 0.95, 0.1, 0.99), // outlier
		attestation("rep-d", 1200, 0.60, 0.1, 0.8),
	}

	canonical, resolved := Resolve(attestations, testParams, resolveTime)
	require.True(t, resolved)
	// outlier is excluded, the canonical value is the median of the
	// three agreeing submissions
	assert.Equal(t, 0.60, canonical.DiseaseScore)
	assert.Equal(t, 0.8, canonical.Confidence, "confidence is the minimum over the agreeing set")
	assert.Equal(t, "pol-1", canonical.PolicyID)
	assert.Equal(t, uint64(42), canonical.Epoch)
	assert.Equal(t, resolveTime, canonical.ResolvedAt)
}

func TestResolve_givenFewerThanQuorum_thenNoResolution(t *testing.T) {
	attestations := []domain.Attestation{
		attestation("rep-a", 1200, 0.6, 0.1, 0.9),
		attestation("rep-b", 1200, 0.6, 0.1, 0.9),
	}
	_, resolved := Resolve(attestations, testParams, resolveTime)
	assert.False(t, resolved)
}

func TestResolve_givenDisagreement_thenNoResolution(t *testing.T) {
	attestations := []domain.Attestation{
		attestation("rep-a", 1200, 0.10, 0.1, 0.9),
		attestation("rep-b", 1200, 0.45, 0.1, 0.9),
		attestation("rep-c", 1200, 0.80, 0.1, 0.9),
	}
	_, resolved := Resolve(attestations, testParams, resolveTime)
	assert.False(t, resolved)
}

func TestResolve_givenYieldOutsideRelativeTolerance_thenReporterExcluded(t *testing.T) {
	attestations := []domain.Attestation{
		attestation("rep-a", 1000, 0.5, 0.1, 0.9),
		attestation("rep-b", 1010, 0.5, 0.1, 0.9),
		attestation("rep-c", 990, 0.5, 0.1, 0.9),
		attestation("rep-d", 1200, 0.5, 0.1, 0.9), // 20% off the median yield
	}

	canonical, resolved := Resolve(attestations, testParams, resolveTime)
	require.True(t, resolved)
	assert.Equal(t, 1000.0, canonical.PredictedYield)
}

func TestResolve_isIndependentOfArrivalOrder(t *testing.T) {
	attestations := []domain.Attestation{
		attestation("rep-a", 1180, 0.62, 0.12, 0.9),
		attestation("rep-b", 1210, 0.59, 0.10, 0.85),
		attestation("rep-c", 1500, 0.95, 0.80, 0.99),
		attestation("rep-d", 1195, 0.60, 0.11, 0.8),
	}

	reference, resolved := Resolve(attestations, testParams, resolveTime)
	require.True(t, resolved)

	permutations := [][]int{
		{3, 2, 1, 0},
		{1, 3, 0, 2},
		{2, 0, 3, 1},
	}
	for _, permutation := range permutations {
		permuted := make([]domain.Attestation, 0, len(attestations))
		for _, index := range permutation {
			permuted = append(permuted, attestations[index])
		}
		canonical, resolved := Resolve(permuted, testParams, resolveTime)
		require.True(t, resolved)
		if diff := cmp.Diff(reference, canonical); diff != "" {
			t.Errorf("canonical attestation differs for permutation %v: %s", permutation, diff)
		}
		assert.Equal(t, reference.Hash(), canonical.Hash())
	}
}

func TestResolve_givenEvenAgreeingSet_thenMidpointMedian(t *testing.T) {
	attestations := []domain.Attestation{
		attestation("rep-a", 1000, 0.50, 0.1, 0.9),
		attestation("rep-b", 1000, 0.52, 0.1, 0.9),
		attestation("rep-c", 1000, 0.54, 0.1, 0.9),
		attestation("rep-d", 1000, 0.56, 0.1, 0.9),
	}

	canonical, resolved := Resolve(attestations, testParams, resolveTime)
	require.True(t, resolved)
	assert.InDelta(t, 0.53, canonical.DiseaseScore, 1e-9)
}
