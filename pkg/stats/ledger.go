package stats

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ledgerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xcat",
			Name:      "ledger_requests_total",
			Help:      "Requests sent to the ledger nodes, by ledger, method and outcome.",
		},
		[]string{"ledger", "method", "outcome"},
	)
	ledgerLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "xcat",
			Name:      "ledger_request_duration_seconds",
			Help:      "Latency of the requests sent to the ledger nodes.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"ledger", "method"},
	)
)

func init() {
	prometheus.MustRegister(ledgerRequests, ledgerLatency)
}

// ObserveLedgerRequest records the outcome and the latency of a request
// sent to a ledger node. Use as:
//
//	defer stats.ObserveLedgerRequest("stellar", "LoadAccount", time.Now(), &err)
func ObserveLedgerRequest(ledger, method string, start time.Time, err *error) {
	outcome := "ok"
	if err != nil && *err != nil {
		outcome = "error"
	}
	ledgerRequests.WithLabelValues(ledger, method, outcome).Inc()
	ledgerLatency.WithLabelValues(ledger, method).Observe(time.Since(start).Seconds())
}
