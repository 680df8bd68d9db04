package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestNilMetricsIsNoop verifies a nil collector set is safe to call.
func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var metrics *Metrics
	metrics.CacheLookup(OutcomeHit)
	metrics.RemoteCall("fetch_one", OutcomeOK)
	metrics.DecodeFailure()
	metrics.Signal("Message", DispositionForward)
	metrics.LedgerRequest("hello", OutcomeOK)
	if metrics.Registry() != nil {
		t.Fatal("nil metrics must expose nil registry")
	}
}

// TestMetricsCountAndExpose verifies counters and the exposition handler.
func TestMetricsCountAndExpose(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	metrics.CacheLookup(OutcomeHit)
	metrics.CacheLookup(OutcomeHit)
	metrics.RemoteCall("fetch_many", OutcomeError)

	if got := testutil.ToFloat64(metrics.cacheLookups.WithLabelValues(OutcomeHit)); got != 2 {
		t.Fatalf("cache hits = %v, want 2", got)
	}

	recorder := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), `burnerchat_remote_calls_total{operation="fetch_many",outcome="error"} 1`) {
		t.Fatalf("exposition missing remote call counter:\n%s", recorder.Body.String())
	}
}

// TestSetupTracingDisabledByDefault verifies an empty endpoint installs nothing.
func TestSetupTracingDisabledByDefault(t *testing.T) {
	t.Parallel()

	shutdown, err := SetupTracing(context.Background(), "test", " ")
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
}
