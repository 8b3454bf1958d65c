package metric

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersIncrement(t *testing.T) {
	m := New()

	m.EventIngested("accepted")
	m.EventIngested("accepted")
	m.EventIngested("invalid")
	m.EventShed()
	m.QuotaRejected()
	m.RuleEvaluated(true)
	m.RuleEvaluated(false)
	m.RuleEvaluated(false)
	m.AlertSuppressed()
	m.Dispatched("slack", "delivered")
	m.Dispatched("slack", "failed")
	m.Dispatched("email", "queued")
	m.DigestsSent(3)
	m.RetentionDeleted(500, 2)

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"events accepted", testutil.ToFloat64(m.eventsIngested.WithLabelValues("accepted")), 2},
		{"events invalid", testutil.ToFloat64(m.eventsIngested.WithLabelValues("invalid")), 1},
		{"events shed", testutil.ToFloat64(m.eventsShed), 1},
		{"quota rejections", testutil.ToFloat64(m.quotaRejections), 1},
		{"evaluations triggered", testutil.ToFloat64(m.evaluations.WithLabelValues("triggered")), 1},
		{"evaluations passed", testutil.ToFloat64(m.evaluations.WithLabelValues("passed")), 2},
		{"alerts suppressed", testutil.ToFloat64(m.alertsSuppressed), 1},
		{"slack delivered", testutil.ToFloat64(m.dispatches.WithLabelValues("slack", "delivered")), 1},
		{"slack failed", testutil.ToFloat64(m.dispatches.WithLabelValues("slack", "failed")), 1},
		{"email queued", testutil.ToFloat64(m.dispatches.WithLabelValues("email", "queued")), 1},
		{"digests sent", testutil.ToFloat64(m.digestsSent), 3},
		{"retention occurrences", testutil.ToFloat64(m.retentionDeletes.WithLabelValues("occurrences")), 500},
		{"retention groups", testutil.ToFloat64(m.retentionDeletes.WithLabelValues("groups")), 2},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestNilMetricsIsNoOp(t *testing.T) {
	var m *Metrics

	// None of these may panic.
	m.EventIngested("accepted")
	m.EventShed()
	m.QuotaRejected()
	m.RuleEvaluated(true)
	m.AlertSuppressed()
	m.Dispatched("slack", "delivered")
	m.DigestsSent(1)
	m.RetentionDeleted(1, 1)
	m.RegisterServerInfo("test", time.Now())
	m.RegisterQueueGauges(func() int { return 0 }, 10)
}

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.RegisterServerInfo("1.2.3", time.Now().Add(-time.Minute))
	m.RegisterQueueGauges(func() int { return 7 }, 1000)
	m.EventIngested("accepted")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		`faultline_events_ingested_total{outcome="accepted"} 1`,
		`faultline_info{version="1.2.3"} 1`,
		"faultline_pipeline_queue_depth 7",
		"faultline_pipeline_queue_capacity 1000",
		"faultline_uptime_seconds",
		"go_goroutines",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestRetentionDeletedSkipsZeroes(t *testing.T) {
	m := New()
	m.RetentionDeleted(0, 0)
	m.DigestsSent(0)

	// No series should exist yet for either family.
	if n := testutil.CollectAndCount(m.retentionDeletes); n != 0 {
		t.Errorf("retention series = %d, want 0", n)
	}
	if got := testutil.ToFloat64(m.digestsSent); got != 0 {
		t.Errorf("digests sent = %v, want 0", got)
	}
}
