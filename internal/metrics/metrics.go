// Package metrics holds the node's Prometheus collectors. Everything is
// registered on a dedicated registry so tests can create isolated sets.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type Metrics struct {
	Registry *prometheus.Registry

	JobsConsumed       *prometheus.CounterVec
	JobsSkipped        *prometheus.CounterVec
	ProcessingFailures *prometheus.CounterVec
	ResultsPublished   *prometheus.CounterVec

	AggregationsCompleted prometheus.Counter
	UploadFailures        prometheus.Counter
	DeadLettered          prometheus.Counter
	PendingAggregations   prometheus.Gauge

	StreamLength *prometheus.GaugeVec
	GroupPending *prometheus.GaugeVec

	ChildRestarts *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{Registry: prometheus.NewRegistry()}

	m.JobsConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_jobs_consumed_total",
		Help: "Jobs read from the job stream, per worker class.",
	}, []string{"class"})
	m.JobsSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_jobs_skipped_total",
		Help: "Jobs acked without processing because the vehicle type is not relevant.",
	}, []string{"class"})
	m.ProcessingFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_processing_failures_total",
		Help: "Jobs whose processing failed and produced a default payload.",
	}, []string{"class"})
	m.ResultsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_results_published_total",
		Help: "Results published to the result stream, per worker class.",
	}, []string{"class"})

	m.AggregationsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_aggregations_completed_total",
		Help: "Completed vehicle records successfully uploaded.",
	})
	m.UploadFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_upload_failures_total",
		Help: "Failed upload attempts to the central collector.",
	})
	m.DeadLettered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_dead_lettered_total",
		Help: "Pending aggregations evicted to the dead-letter stream.",
	})
	m.PendingAggregations = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_pending_aggregations",
		Help: "Jobs currently awaiting results from at least one worker class.",
	})

	m.StreamLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentinel_stream_length",
		Help: "Entries currently stored in each bus stream.",
	}, []string{"stream"})
	m.GroupPending = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentinel_group_pending",
		Help: "Claimed-but-unacked entries per stream and consumer group.",
	}, []string{"stream", "group"})

	m.ChildRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_child_restarts_total",
		Help: "Supervised child process restarts, per child.",
	}, []string{"child"})

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		m.JobsConsumed, m.JobsSkipped, m.ProcessingFailures, m.ResultsPublished,
		m.AggregationsCompleted, m.UploadFailures, m.DeadLettered, m.PendingAggregations,
		m.StreamLength, m.GroupPending, m.ChildRestarts,
	)
	return m
}
