package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	acceptedAttestations  prometheus.Counter
	rejectedAttestations  *prometheus.CounterVec
	openRoundsGauge       prometheus.Gauge
	roundsResolvedCount   prometheus.Counter
	roundsUnresolvedCount prometheus.Counter
	roundsExpiredCount    prometheus.Counter
	decisionCount         *prometheus.CounterVec
	payoutTransitionCount *prometheus.CounterVec
	confirmedAmountCount  prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	m := Metrics{
		acceptedAttestations: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_accepted_attestation_count", namespace),
			Help: "The total number of accepted attestations",
		}),
		rejectedAttestations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_rejected_attestation_count", namespace),
			Help: "The total number of rejected attestations by reason",
		}, []string{"reason"}),
		openRoundsGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_open_rounds", namespace),
			Help: "The number of currently open consensus rounds",
		}),
		roundsResolvedCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_rounds_resolved_count", namespace),
			Help: "The total number of resolved consensus rounds",
		}),
		roundsUnresolvedCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_rounds_unresolved_count", namespace),
			Help: "The total number of consensus rounds closed without agreement",
		}),
		roundsExpiredCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_rounds_expired_count", namespace),
			Help: "The total number of consensus rounds expired for lack of data",
		}),
		decisionCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_trigger_decision_count", namespace),
			Help: "The total number of trigger decisions by severity",
		}, []string{"severity"}),
		payoutTransitionCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_payout_transition_count", namespace),
			Help: "The total number of payout record status transitions",
		}, []string{"status"}),
		confirmedAmountCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_confirmed_amount_total", namespace),
			Help: "The total confirmed payout amount in minor currency units",
		}),
	}
	return &m
}

func (m *Metrics) IncAcceptedAttestations() {
	m.acceptedAttestations.Inc()
}

func (m *Metrics) IncRejectedAttestations(reason string) {
	m.rejectedAttestations.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetOpenRounds(count int) {
	m.openRoundsGauge.Set(float64(count))
}

func (m *Metrics) IncRoundsResolved() {
	m.roundsResolvedCount.Inc()
}

func (m *Metrics) IncRoundsUnresolved() {
	m.roundsUnresolvedCount.Inc()
}

func (m *Metrics) IncRoundsExpired() {
	m.roundsExpiredCount.Inc()
}

func (m *Metrics) IncDecisions(severity string) {
	m.decisionCount.WithLabelValues(severity).Inc()
}

func (m *Metrics) IncPayoutTransitions(status string) {
	m.payoutTransitionCount.WithLabelValues(status).Inc()
}

func (m *Metrics) AddConfirmedAmount(amount int64) {
	m.confirmedAmountCount.Add(float64(amount))
}
