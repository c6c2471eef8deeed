package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Card gateway calls by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Card gateway round-trip latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

const (
	outcomeApproved    = "approved"
	outcomeDeclined    = "declined"
	outcomeInvalid     = "invalid"
	outcomeUnreachable = "unreachable"
)

func observe(op string, start time.Time, outcome string) {
	requestsTotal.WithLabelValues(op, outcome).Inc()
	requestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func outcomeOf(res Result, err error) string {
	switch {
	case err != nil:
		return outcomeUnreachable
	case res.Approved:
		return outcomeApproved
	default:
		return outcomeDeclined
	}
}
