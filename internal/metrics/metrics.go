package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels a poll that fetched and evaluated cleanly.
	OutcomeSuccess = "success"
	// OutcomeError labels a poll that failed after retries.
	OutcomeError = "error"
	// OutcomeFatal labels a poll that stopped the loop.
	OutcomeFatal = "fatal"
)

var (
	pollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "azutil",
			Name:      "polls_total",
			Help:      "Total number of differential polls, partitioned by poller and outcome.",
		},
		[]string{"poller", "outcome"},
	)

	rowsFetchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "azutil",
			Name:      "rows_fetched_total",
			Help:      "Rows newer than the cursor returned by differential polls.",
		},
		[]string{"poller"},
	)

	pollDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "azutil",
			Name:      "poll_seconds",
			Help:      "Poll latency in seconds, including retries.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"poller"},
	)

	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "azutil",
			Name:      "alerts_total",
			Help:      "Threshold alerts, partitioned by poller and result (sent, suppressed, failed).",
		},
		[]string{"poller", "result"},
	)
)

// Register attaches azutil collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		pollsTotal,
		rowsFetchedTotal,
		pollDurationSeconds,
		alertsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObservePoll records a poll duration, outcome and the number of fetched rows.
func ObservePoll(poller string, duration time.Duration, outcome string, rows int) {
	switch outcome {
	case OutcomeError, OutcomeFatal:
	default:
		outcome = OutcomeSuccess
	}
	pollsTotal.WithLabelValues(poller, outcome).Inc()
	if rows > 0 {
		rowsFetchedTotal.WithLabelValues(poller).Add(float64(rows))
	}
	if duration < 0 {
		duration = 0
	}
	pollDurationSeconds.WithLabelValues(poller).Observe(duration.Seconds())
}

// ObserveAlert records the result of an alert attempt.
func ObserveAlert(poller string, sent bool, err error) {
	result := "suppressed"
	switch {
	case err != nil:
		result = "failed"
	case sent:
		result = "sent"
	}
	alertsTotal.WithLabelValues(poller, result).Inc()
}
