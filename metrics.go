package payload

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the sponsorship counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	proxyOutcomes     *prometheus.CounterVec
	validateOutcomes  *prometheus.CounterVec
	payouts           *prometheus.CounterVec
	ledgerRejections  prometheus.Counter
	adoptedRedemption prometheus.Counter
	sponsoredAmount   prometheus.Counter
}

// NewMetrics registers the sponsorship metrics on reg.
// A nil registerer creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		proxyOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "payload_proxy_challenges_total",
			Help: "402 challenges seen by the proxy, by sponsorship outcome",
		}, []string{"outcome"}),
		validateOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "payload_action_validations_total",
			Help: "action validations, by outcome",
		}, []string{"outcome"}),
		payouts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "payload_treasury_payouts_total",
			Help: "treasury payouts, by result",
		}, []string{"result"}),
		ledgerRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "payload_ledger_rejections_total",
			Help: "debits rejected for insufficient balance",
		}),
		adoptedRedemption: factory.NewCounter(prometheus.CounterOpts{
			Name: "payload_redemptions_adopted_total",
			Help: "validate-flow redemptions reconciled with an existing proxy-flow settlement",
		}),
		sponsoredAmount: factory.NewCounter(prometheus.CounterOpts{
			Name: "payload_sponsored_amount_total",
			Help: "total amount debited from sponsors for settlements, in the asset's smallest unit",
		}),
	}
}

func (m *Metrics) proxyOutcome(outcome string) {
	if m == nil {
		return
	}
	m.proxyOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) validateOutcome(outcome string) {
	if m == nil {
		return
	}
	m.validateOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) payout(result string) {
	if m == nil {
		return
	}
	m.payouts.WithLabelValues(result).Inc()
}

func (m *Metrics) ledgerRejected() {
	if m == nil {
		return
	}
	m.ledgerRejections.Inc()
}

func (m *Metrics) adopted() {
	if m == nil {
		return
	}
	m.adoptedRedemption.Inc()
}

func (m *Metrics) sponsored(amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	m.sponsoredAmount.Add(float64(amount))
}
