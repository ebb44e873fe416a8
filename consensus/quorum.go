package consensus

import (
	"sort"
	"time"

	"github.com/agrishield/payout-engine/domain"
)

// Tolerance is the agreement band around the running median. Yield is
// relative (fraction of the median), disease and weather are absolute.
type Tolerance struct {
	Disease       float64
	YieldFraction float64
	Weather       float64
}

// Params configure quorum resolution.
type Params struct {
	Quorum    int
	Tolerance Tolerance
}

// Resolve applies the quorum rule to the accepted attestations of one round.
// The result depends only on the set of attestations, never on arrival
// order: attestations are canonicalized by reporter id and agreement is
// measured against the median of all submissions, not against the first one.
//
// When at least Quorum attestations agree with the medians on every numeric
// field, the round resolves to the median of the agreeing subset with the
// minimum confidence among that subset.
func Resolve(attestations []domain.Attestation, params Params, now time.Time) (domain.CanonicalAttestation, bool) {
	if len(attestations) < params.Quorum {
		return domain.CanonicalAttestation{}, false
	}

	ordered := make([]domain.Attestation, len(attestations))
	copy(ordered, attestations)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ReporterID < ordered[j].ReporterID })

	medianYield := median(ordered, func(a domain.Attestation) float64 { return a.PredictedYield })
	medianDisease := median(ordered, func(a domain.Attestation) float64 { return a.DiseaseScore })
	medianWeather := median(ordered, func(a domain.Attestation) float64 { return a.WeatherAnomaly })

	var agreeing []domain.Attestation
	for _, a := range ordered {
		if !withinAbs(a.DiseaseScore, medianDisease, params.Tolerance.Disease) {
			continue
		}
		if !withinAbs(a.WeatherAnomaly, medianWeather, params.Tolerance.Weather) {
			continue
		}
		if !withinRel(a.PredictedYield, medianYield, params.Tolerance.YieldFraction) {
			continue
		}
		agreeing = append(agreeing, a)
	}
	if len(agreeing) < params.Quorum {
		return domain.CanonicalAttestation{}, false
	}

	canonical := domain.CanonicalAttestation{
		PolicyID:       agreeing[0].PolicyID,
		Epoch:          agreeing[0].Epoch,
		PredictedYield: median(agreeing, func(a domain.Attestation) float64 { return a.PredictedYield }),
		DiseaseScore:   median(agreeing, func(a domain.Attestation) float64 { return a.DiseaseScore }),
		WeatherAnomaly: median(agreeing, func(a domain.Attestation) float64 { return a.WeatherAnomaly }),
		Confidence:     minConfidence(agreeing),
		ResolvedAt:     now.UTC(),
	}
	return canonical, true
}

func median(attestations []domain.Attestation, field func(domain.Attestation) float64) float64 {
	values := make([]float64, 0, len(attestations))
	for _, a := range attestations {
		values = append(values, field(a))
	}
	sort.Float64s(values)
	mid := len(values) / 2
	if len(values)%2 == 1 {
		return values[mid]
	}
	return (values[mid-1] + values[mid]) / 2
}

func minConfidence(attestations []domain.Attestation) float64 {
	least := attestations[0].Confidence
	for _, a := range attestations[1:] {
		if a.Confidence < least {
			least = a.Confidence
		}
	}
	return least
}

func withinAbs(value, center, tolerance float64) bool {
	diff := value - center
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}

func withinRel(value, center, fraction float64) bool {
	if center == 0 {
		return value == 0
	}
	diff := (value - center) / center
	if diff < 0 {
		diff = -diff
	}
	return diff <= fraction
}
