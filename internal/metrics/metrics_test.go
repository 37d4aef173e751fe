package metrics

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"harvester/internal/eventbus"
)

func TestObserveSourceFinished(t *testing.T) {
	t.Parallel()

	m := New()
	m.Observe(eventbus.Event{Data: eventbus.SourceFinished{SourceName: "hh", SourceKind: "api_client", Success: true, Received: 3, Saved: 1, Took: time.Second}})
	m.Observe(eventbus.Event{Data: eventbus.SourceFinished{SourceName: "hh", Success: false}})

	if got := testutil.ToFloat64(m.SourceRuns.WithLabelValues("hh", "api_client", "success")); got != 1 {
		t.Fatalf("success runs=%v", got)
	}
	if got := testutil.ToFloat64(m.SourceRuns.WithLabelValues("hh", "unknown", "failure")); got != 1 {
		t.Fatalf("failure runs=%v", got)
	}
	if got := testutil.ToFloat64(m.ItemsReceived.WithLabelValues("hh")); got != 3 {
		t.Fatalf("received=%v", got)
	}
	if got := testutil.ToFloat64(m.ItemsSaved.WithLabelValues("hh")); got != 1 {
		t.Fatalf("saved=%v", got)
	}
}

func TestObservePassFinished(t *testing.T) {
	t.Parallel()

	m := New()
	now := time.Unix(1700000000, 0)
	m.Observe(eventbus.Event{Time: now, Data: eventbus.PassFinished{Due: 0}})
	m.Observe(eventbus.Event{Time: now, Data: eventbus.PassFinished{Due: 2, Failed: 1}})
	m.Observe(eventbus.Event{Time: now, Data: eventbus.PassFinished{Due: 2}})
	m.Observe(eventbus.Event{Data: eventbus.Retention{Deleted: 4}})

	for result, want := range map[string]float64{"idle": 1, "partial": 1, "ok": 1} {
		if got := testutil.ToFloat64(m.Passes.WithLabelValues(result)); got != want {
			t.Fatalf("%s=%v", result, got)
		}
	}
	if got := testutil.ToFloat64(m.LastPassUnix); got != 1700000000 {
		t.Fatalf("last pass=%v", got)
	}
	if got := testutil.ToFloat64(m.RetentionDeleted); got != 4 {
		t.Fatalf("retention=%v", got)
	}
}

func TestRunConsumesBus(t *testing.T) {
	t.Parallel()

	m := New()
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx, bus)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for testutil.ToFloat64(m.ItemsSaved.WithLabelValues("x")) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("event not consumed")
		}
		// Run subscribes asynchronously, so keep publishing until it listens.
		bus.Publish(eventbus.Event{Type: eventbus.TypeSourceFinished, Data: eventbus.SourceFinished{SourceName: "x", Saved: 2, Success: true}})
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestHandlerServesMetrics(t *testing.T) {
	t.Parallel()

	m := New()
	m.Observe(eventbus.Event{Data: eventbus.SourceFinished{SourceName: "hh", Success: true}})
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "harvester_source_runs_total") {
		t.Fatalf("body missing metric: %s", rec.Body.String())
	}
}
