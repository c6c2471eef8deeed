package billing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	leadCharges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_lead_charges_total",
		Help: "Lead purchase attempts by funding decision and outcome.",
	}, []string{"decision", "outcome"})

	compensations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_compensations_total",
		Help: "Charges reversed because the lead could not be persisted.",
	}, []string{"funding", "outcome"})
)
