package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// 收集器是进程级单例，各测试用独立的路由和分桶名避免互相干扰。

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	return rec.Body.String()
}

func TestInstrumentRecordsRequests(t *testing.T) {
	handler := Instrument("/test/instrument", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test/instrument", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want 418", rec.Code)
	}

	body := scrape(t)
	want := `agentvault_http_requests_total{route="/test/instrument",method="GET",code="418"} 1`
	if !strings.Contains(body, want) {
		t.Fatalf("missing %q in:\n%s", want, body)
	}
	if !strings.Contains(body, `agentvault_http_request_duration_seconds_count{route="/test/instrument",method="GET"} 1`) {
		t.Fatalf("missing duration count in:\n%s", body)
	}
}

func TestInstrumentDefaultsToOK(t *testing.T) {
	handler := Instrument("/test/implicit", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok")) // WriteHeader 未显式调用
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/test/implicit", nil))

	body := scrape(t)
	want := `agentvault_http_requests_total{route="/test/implicit",method="GET",code="200"} 1`
	if !strings.Contains(body, want) {
		t.Fatalf("missing %q in:\n%s", want, body)
	}
}

func TestDomainCounters(t *testing.T) {
	IncTaskOutcome("COMPLETED_TESTBUCKET")
	IncTaskOutcome("COMPLETED_TESTBUCKET")
	IncSettlement("WITHDRAWAL_TESTBUCKET")

	body := scrape(t)
	if !strings.Contains(body, `agentvault_task_outcomes_total{status="COMPLETED_TESTBUCKET"} 2`) {
		t.Fatalf("missing task outcome counter in:\n%s", body)
	}
	if !strings.Contains(body, `agentvault_ledger_settlements_total{kind="WITHDRAWAL_TESTBUCKET"} 1`) {
		t.Fatalf("missing settlement counter in:\n%s", body)
	}
}
