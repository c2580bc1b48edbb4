package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandler_ExposesDomainCounters(t *testing.T) {
	m := NewRegistry()
	m.SplitsCreated.Add(2)
	m.Transitions.WithLabelValues("cancel").Inc()
	m.Notifications.WithLabelValues("sms", "failure").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		"ofs_splits_created_total 2",
		`ofs_split_transitions_total{to="cancel"} 1`,
		`ofs_notifications_total{channel="sms",outcome="failure"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestNewRegistry_Independent(t *testing.T) {
	a, b := NewRegistry(), NewRegistry()
	a.GapUnits.Add(3)
	mfs, err := b.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == "ofs_allocation_gap_units_total" && mf.GetMetric()[0].GetCounter().GetValue() != 0 {
			t.Fatalf("registries must not share collectors")
		}
	}
}
