package auth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for authentication.
type Metrics struct {
	Authentications *prometheus.CounterVec
	MagicLinks      *prometheus.CounterVec
	PATValidations  *prometheus.CounterVec
}

// NewMetrics creates and registers the auth metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		Authentications: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_attempts_total",
				Help: "Bearer authentications, by credential form and outcome",
			},
			[]string{"method", "outcome"}, // method: master_key, pat, jwt
		),
		MagicLinks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_magic_links_total",
				Help: "Magic-link requests and verifications, by outcome",
			},
			[]string{"stage", "outcome"}, // stage: request, verify
		),
		PATValidations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_pat_validations_total",
				Help: "Personal-access-token validations, by outcome",
			},
			[]string{"outcome"}, // ok, revoked, expired, unknown
		),
	}
}
