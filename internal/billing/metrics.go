package billing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the billing gate.
type Metrics struct {
	DebitsTotal        *prometheus.CounterVec
	TokensDebited      *prometheus.CounterVec
	PaywallRejections  *prometheus.CounterVec
	LowBalanceWarnings prometheus.Counter
}

// NewMetrics creates and registers the billing metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		DebitsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_debits_total",
				Help: "Balance debits processed, by outcome",
			},
			[]string{"outcome"}, // ok, insufficient
		),
		TokensDebited: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_tokens_debited_total",
				Help: "Tokens debited from root tenant balances",
			},
			[]string{"direction"}, // input, output
		),
		PaywallRejections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_paywall_rejections_total",
				Help: "Requests rejected by the paywall, by pricing model",
			},
			[]string{"pricing_model"},
		),
		LowBalanceWarnings: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "billing_low_balance_warnings_total",
				Help: "Low-balance warnings emitted",
			},
		),
	}
}
