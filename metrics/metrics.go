// Package metrics declares the broker's Prometheus collectors and serves
// them over /metrics.
//
// Grounded on the teacher's core/handler_metrics.go (promhttp.Handler
// delegation) and core/prerouter/metrics.go (CounterVec-per-status-code
// idiom), generalized from a generic HTTP-status counter to the broker's
// own domain counters/histograms.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// AuthRequestsTotal counts auth requests by dispatch path ("email" or
	// "oidc") and outcome ("ok" or "error").
	AuthRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idbroker_auth_requests_total",
			Help: "Total auth requests by dispatch path and outcome.",
		},
		[]string{"path", "outcome"},
	)

	// MailDispatchDuration measures how long the mailer's Send call took.
	MailDispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "idbroker_mail_dispatch_duration_seconds",
			Help:    "Duration of outgoing mail dispatch.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// UpstreamFetchDuration measures fetchcache's upstream HTTP round
	// trips (discovery documents and JWKS).
	UpstreamFetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "idbroker_upstream_fetch_duration_seconds",
			Help:    "Duration of upstream discovery/JWKS HTTP fetches.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// AbuseTopDomainCount reports the current top-K abusive-domain sketch
	// as a gauge, labeled by domain, refreshed whenever /debug/abuse is
	// read.
	AbuseTopDomainCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "idbroker_abuse_top_domain_count",
			Help: "Approximate rate-limited-attempt count for the current top-K email domains.",
		},
		[]string{"domain"},
	)
)

func init() {
	prometheus.MustRegister(AuthRequestsTotal, MailDispatchDuration, UpstreamFetchDuration, AbuseTopDomainCount)
}

// Handler serves the standard Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
