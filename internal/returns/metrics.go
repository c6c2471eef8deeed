package returns

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var decisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lead_return_decisions_total",
	Help: "Lead return state changes by decision.",
}, []string{"decision"})
