package retry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retry_scheduler_runs_total",
		Help: "Retry scheduler runs by result.",
	}, []string{"result"})

	rowsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retry_scheduler_rows_total",
		Help: "Ledger rows handled by the retry scheduler, by action.",
	}, []string{"action"})
)
