package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInstancesAreIsolated(t *testing.T) {
	a := New("")
	b := New("")

	a.CacheHits.Inc()
	a.RefreshTotal.WithLabelValues("ok").Inc()

	if got := testutil.ToFloat64(a.CacheHits); got != 1 {
		t.Fatalf("a 命中数应为 1, 实际 %v", got)
	}
	if got := testutil.ToFloat64(b.CacheHits); got != 0 {
		t.Fatalf("b 不应受 a 影响, 实际 %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New("tp_test")
	m.ArbitrageSignals.Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "tp_test_signals_arbitrage_total 1") {
		t.Fatalf("输出缺少套利计数:\n%s", body)
	}
}
