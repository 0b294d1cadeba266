package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// New registers every metric with the default Prometheus registry, so the
// whole suite shares one instance instead of calling New() per test (which
// would panic on duplicate registration).
var m = New()

func TestSessionsActive_TracksByStatus(t *testing.T) {
	m.SessionsActive.WithLabelValues("ready").Inc()
	m.SessionsActive.WithLabelValues("ready").Inc()
	m.SessionsActive.WithLabelValues("paused").Inc()

	if got := testutil.ToFloat64(m.SessionsActive.WithLabelValues("ready")); got != 2 {
		t.Fatalf("SessionsActive{ready} = %v, want 2", got)
	}
}

func TestSessionsTotal_CountsByBackend(t *testing.T) {
	m.SessionsTotal.WithLabelValues("docker").Inc()
	m.SessionsTotal.WithLabelValues("docker").Inc()
	m.SessionsTotal.WithLabelValues("cluster").Inc()

	if got := testutil.ToFloat64(m.SessionsTotal.WithLabelValues("docker")); got != 2 {
		t.Fatalf("SessionsTotal{docker} = %v, want 2", got)
	}
}

func TestToolCallTotal_CountsByNameAndStatus(t *testing.T) {
	m.ToolCallTotal.WithLabelValues("shell", "success").Inc()
	m.ToolCallTotal.WithLabelValues("shell", "error").Inc()

	if got := testutil.ToFloat64(m.ToolCallTotal.WithLabelValues("shell", "success")); got != 1 {
		t.Fatalf("ToolCallTotal{shell,success} = %v, want 1", got)
	}
}

func TestEventBacklogSize_ObservesSamples(t *testing.T) {
	m.EventBacklogSize.Observe(12)
	if got := testutil.CollectAndCount(m.EventBacklogSize); got != 1 {
		t.Fatalf("CollectAndCount(EventBacklogSize) = %d, want 1", got)
	}
}

func TestEventSubscribersDropped_Increments(t *testing.T) {
	before := testutil.ToFloat64(m.EventSubscribersDropped)
	m.EventSubscribersDropped.Inc()
	after := testutil.ToFloat64(m.EventSubscribersDropped)

	if after != before+1 {
		t.Fatalf("EventSubscribersDropped went from %v to %v, want +1", before, after)
	}
}

func TestReaperTerminations_CountsByReason(t *testing.T) {
	m.ReaperTerminations.WithLabelValues("idle_timeout").Inc()
	if got := testutil.ToFloat64(m.ReaperTerminations.WithLabelValues("idle_timeout")); got != 1 {
		t.Fatalf("ReaperTerminations{idle_timeout} = %v, want 1", got)
	}
}

func TestQuotaRejections_CountsByResource(t *testing.T) {
	m.QuotaRejections.WithLabelValues("cpu_seconds").Inc()
	m.QuotaRejections.WithLabelValues("cpu_seconds").Inc()

	if got := testutil.ToFloat64(m.QuotaRejections.WithLabelValues("cpu_seconds")); got != 2 {
		t.Fatalf("QuotaRejections{cpu_seconds} = %v, want 2", got)
	}
}
