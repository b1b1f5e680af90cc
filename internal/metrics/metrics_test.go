package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.IncPhase("success")
	m.IncTrigger("fired")
	m.SetDLQDepth(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		`remit_confirmation_phase_transitions_total{phase="success"} 1`,
		`remit_disbursement_triggers_total{status="fired"} 1`,
		`remit_dlq_depth 3`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("expected %q in metrics output:\n%s", want, body)
		}
	}
}

func TestNilRegistryIsNoop(t *testing.T) {
	var m *Registry
	m.IncPhase("waiting")
	m.IncRetry("disburse")
	m.SetDLQDepth(1)
}
