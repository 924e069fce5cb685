package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCallsCounter(t *testing.T) {
	before := testutil.ToFloat64(Calls.WithLabelValues("tools/list", "ok"))
	Calls.WithLabelValues("tools/list", "ok").Inc()
	after := testutil.ToFloat64(Calls.WithLabelValues("tools/list", "ok"))
	if after-before != 1 {
		t.Fatalf("calls delta = %v, want 1", after-before)
	}
}

func TestSessionsGauge(t *testing.T) {
	start := testutil.ToFloat64(Sessions)
	Sessions.Inc()
	Sessions.Inc()
	Sessions.Dec()
	if got := testutil.ToFloat64(Sessions) - start; got != 1 {
		t.Fatalf("sessions delta = %v, want 1", got)
	}
	Sessions.Dec()
}

func TestMethodLabelCollapsesUnknownMethods(t *testing.T) {
	tests := map[string]string{
		"tools/call":              "tools/call",
		"completion/complete":     "completion/complete",
		"notifications/cancelled": "notifications/cancelled",
		"x/attacker-1234":         "other",
		"":                        "other",
	}
	for method, want := range tests {
		if got := MethodLabel(method); got != want {
			t.Fatalf("MethodLabel(%q) = %q, want %q", method, got, want)
		}
	}
}
