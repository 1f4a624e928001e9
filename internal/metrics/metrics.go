// Package metrics exposes bake pipeline counters to Prometheus.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultPhaseBuckets covers sub-second placement up to multi-minute bakes.
var DefaultPhaseBuckets = []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 900}

// Collector holds the bake metrics. A nil *Collector records nothing.
type Collector struct {
	registry *prometheus.Registry

	batches       *prometheus.CounterVec
	probesBaked   prometheus.Counter
	uniqueProbes  prometheus.Histogram
	dilatedProbes *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec
	jobs          *prometheus.CounterVec
}

// NewCollector creates a collector with its own registry.
func NewCollector() (*Collector, error) {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "probebake_batches_total",
			Help: "Baking batches by outcome.",
		}, []string{"outcome"}),
		probesBaked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "probebake_probes_baked_total",
			Help: "Probes decoded from baker results.",
		}),
		uniqueProbes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "probebake_batch_unique_probes",
			Help:    "Unique probe positions submitted per batch.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 10),
		}),
		dilatedProbes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "probebake_dilated_probes_total",
			Help: "Invalid probes visited by dilation, by result.",
		}, []string{"result"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "probebake_phase_duration_seconds",
			Help:    "Duration of bake pipeline phases.",
			Buckets: DefaultPhaseBuckets,
		}, []string{"phase"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "probebake_jobs_total",
			Help: "Bake jobs by final status.",
		}, []string{"status"}),
	}

	for _, col := range []prometheus.Collector{
		c.batches, c.probesBaked, c.uniqueProbes, c.dilatedProbes, c.phaseDuration, c.jobs,
		collectors.NewGoCollector(),
	} {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return c, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// ObserveBatch records a finished batch.
func (c *Collector) ObserveBatch(outcome string, uniqueProbes, probesBaked int) {
	if c == nil {
		return
	}
	c.batches.WithLabelValues(outcome).Inc()
	if outcome == "completed" {
		c.uniqueProbes.Observe(float64(uniqueProbes))
		c.probesBaked.Add(float64(probesBaked))
	}
}

// ObserveDilation records dilation results.
func (c *Collector) ObserveDilation(repaired, isolated int) {
	if c == nil {
		return
	}
	c.dilatedProbes.WithLabelValues("repaired").Add(float64(repaired))
	c.dilatedProbes.WithLabelValues("isolated").Add(float64(isolated))
}

// ObservePhase records how long a pipeline phase took.
func (c *Collector) ObservePhase(phase string, d time.Duration) {
	if c == nil {
		return
	}
	c.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// ObserveJob records a bake job reaching a final status.
func (c *Collector) ObserveJob(status string) {
	if c == nil {
		return
	}
	c.jobs.WithLabelValues(status).Inc()
}
