// Package metrics holds the Prometheus collectors for authentication
// outcomes. They live in a standalone package so the service and HTTP
// layers can share them without an import cycle.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	LoginAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_login_attempts_total",
		Help: "Login attempts by grant and outcome",
	}, []string{"grant", "outcome"})

	TwoFactorAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_two_factor_attempts_total",
		Help: "Second factor verifications by provider and outcome",
	}, []string{"provider", "outcome"})

	OtpIssued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_otp_issued_total",
		Help: "One-time codes issued by purpose",
	}, []string{"purpose"})
)

// Register registers the collectors on reg (or the default registerer when
// nil), tolerating repeated registration.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{LoginAttempts, TwoFactorAttempts, OtpIssued} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

// Success and failure are the outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Handler returns the scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
