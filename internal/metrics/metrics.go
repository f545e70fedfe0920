// Package metrics defines the verifier's Prometheus collectors. They live in
// a standalone package to avoid import cycles between the pipeline and HTTP
// packages.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ChallengesIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keyproof_challenges_issued_total",
		Help: "Challenges minted via POST /challenge",
	})

	Verifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keyproof_verifications_total",
		Help: "Verification outcomes by result (valid or rejection code)",
	}, []string{"result"})

	VerifyLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "keyproof_verify_latency_ms",
		Help:    "POST /verify handling latency in milliseconds",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	})
)

// Register registers the collectors on reg (or the default registerer if
// nil). Re-registration is tolerated.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{ChallengesIssued, Verifications, VerifyLatency} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
