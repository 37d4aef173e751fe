// Package metrics exposes ingestion activity as Prometheus metrics. It is
// fed from the event bus, so the coordinator has no metrics dependency.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"harvester/internal/eventbus"
)

const namespace = "harvester"

type Metrics struct {
	reg *prometheus.Registry

	SourceRuns       *prometheus.CounterVec
	ItemsReceived    *prometheus.CounterVec
	ItemsSaved       *prometheus.CounterVec
	SourceDuration   *prometheus.HistogramVec
	Passes           *prometheus.CounterVec
	PassDuration     prometheus.Histogram
	LastPassUnix     prometheus.Gauge
	RetentionDeleted prometheus.Counter
}

// New registers every collector on a private registry, plus the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		SourceRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_runs_total",
			Help:      "Source executions by outcome.",
		}, []string{"source", "kind", "result"}),
		ItemsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_received_total",
			Help:      "Raw items emitted by agents.",
		}, []string{"source"}),
		ItemsSaved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_saved_total",
			Help:      "New postings persisted.",
		}, []string{"source"}),
		SourceDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "source_run_duration_seconds",
			Help:      "Wall time of one source's processing, agent included.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"source"}),
		Passes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "passes_total",
			Help:      "Ingestion passes by outcome (ok, partial, idle).",
		}, []string{"result"}),
		PassDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pass_duration_seconds",
			Help:      "Wall time of one ingestion pass.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 3, 10),
		}),
		LastPassUnix: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_pass_timestamp_seconds",
			Help:      "Unix time the last pass finished.",
		}),
		RetentionDeleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_deleted_total",
			Help:      "Postings removed by retention.",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Observe updates collectors from one event. Unknown events are ignored.
func (m *Metrics) Observe(e eventbus.Event) {
	switch d := e.Data.(type) {
	case eventbus.SourceFinished:
		result := "success"
		if !d.Success {
			result = "failure"
		}
		kind := d.SourceKind
		if kind == "" {
			kind = "unknown"
		}
		m.SourceRuns.WithLabelValues(d.SourceName, kind, result).Inc()
		m.ItemsReceived.WithLabelValues(d.SourceName).Add(float64(d.Received))
		m.ItemsSaved.WithLabelValues(d.SourceName).Add(float64(d.Saved))
		m.SourceDuration.WithLabelValues(d.SourceName).Observe(d.Took.Seconds())
	case eventbus.PassFinished:
		result := "ok"
		switch {
		case d.Due == 0:
			result = "idle"
		case d.Failed > 0:
			result = "partial"
		}
		m.Passes.WithLabelValues(result).Inc()
		m.PassDuration.Observe(d.Took.Seconds())
		m.LastPassUnix.Set(float64(e.Time.Unix()))
	case eventbus.Retention:
		m.RetentionDeleted.Add(float64(d.Deleted))
	}
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}
