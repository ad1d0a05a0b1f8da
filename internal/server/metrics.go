package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Service level counters. Ceremony, token and cache metrics live with the
// packages that produce them.
var (
	identityCreations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "identity_creations_total",
			Help: "Total number of identities created.",
		},
	)

	identityDeletions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "identity_deletions_total",
			Help: "Total number of identities deleted.",
		},
	)

	publicKeyRegistrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "public_key_registrations_total",
			Help: "Total number of passkey registrations, by result.",
		},
		[]string{"result"}, // success, rejected, conflict, error
	)

	logins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logins_total",
			Help: "Total number of passkey logins, by requested token type.",
		},
		[]string{"typ"},
	)
)

// NewMetricsHandler creates a standalone HTTP handler for Prometheus metrics.
// It is served on a separate listener so that scraping stays isolated from
// API traffic.
func NewMetricsHandler() http.Handler {
	return promhttp.Handler()
}
