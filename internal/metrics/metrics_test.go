package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecordAndServe(t *testing.T) {
	m := New()
	m.Webhook("created", 20*time.Millisecond)
	m.Image("deduplicated")
	m.Image("deduplicated")
	m.JobScheduled("localize_image")
	m.JobExecuted("localize_image", "ok")
	m.Finalized("published")
	m.Request("POST", "/ailt/webhook", "201")

	if got := testutil.ToFloat64(m.ImagesTotal.WithLabelValues("deduplicated")); got != 2 {
		t.Fatalf("deduplicated images = %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "article_sync_finalizations_total") {
		t.Fatalf("expected finalization counter in output")
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Webhook("created", time.Second)
	m.Image("stored")
	m.JobScheduled("x")
	m.JobExecuted("x", "ok")
	m.Finalized("published")
	m.Request("GET", "/", "200")
}
