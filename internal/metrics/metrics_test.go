package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register should be ignored: %v", err)
	}
}

func TestObservePoll(t *testing.T) {
	ObservePoll("metrics-test", 20*time.Millisecond, "weird", 4)
	ObservePoll("metrics-test", -time.Second, OutcomeError, 0)

	if got := testutil.ToFloat64(pollsTotal.WithLabelValues("metrics-test", OutcomeSuccess)); got != 1 {
		t.Fatalf("unknown outcomes count as success, got %v", got)
	}
	if got := testutil.ToFloat64(pollsTotal.WithLabelValues("metrics-test", OutcomeError)); got != 1 {
		t.Fatalf("expected 1 error poll, got %v", got)
	}
	if got := testutil.ToFloat64(rowsFetchedTotal.WithLabelValues("metrics-test")); got != 4 {
		t.Fatalf("expected 4 rows, got %v", got)
	}
}

func TestObserveAlert(t *testing.T) {
	ObserveAlert("alert-test", true, nil)
	ObserveAlert("alert-test", false, nil)
	ObserveAlert("alert-test", false, errors.New("smtp"))

	for _, result := range []string{"sent", "suppressed", "failed"} {
		if got := testutil.ToFloat64(alertsTotal.WithLabelValues("alert-test", result)); got != 1 {
			t.Fatalf("%s: expected 1, got %v", result, got)
		}
	}
}
