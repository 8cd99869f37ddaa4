package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordChainOperation(t *testing.T) {
	m := New()
	m.RecordChainOperation("tip", "success", 2*time.Second)
	m.RecordChainOperation("tip", "success", 0)
	m.RecordChainOperation("tip", "timeout", time.Second)

	if got := testutil.ToFloat64(m.chainOps.WithLabelValues("tip", "success")); got != 2 {
		t.Errorf("tip success = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.chainOps.WithLabelValues("tip", "timeout")); got != 1 {
		t.Errorf("tip timeout = %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordChainOperation("tip", "success", time.Second)
	m.RecordApproval("payment")
	m.RecordSpendDecision("allowed")
	m.RecordReconciled("confirmed")
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.RecordApproval("escrow")
	m.RecordHTTPRequest("payments", "POST", "/api/payments/tip", "200", 10*time.Millisecond)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{"vibe_chain_approvals_total", "vibe_http_requests_total"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}
