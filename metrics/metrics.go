// Package metrics holds the prometheus collectors of the pipeline. They are
// registered with the default registry and exported by the status server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels.
const (
	OK      = "ok"
	Skipped = "skipped"
	Failed  = "failed"
)

var (
	// Stages counts stage executions by stage and outcome.
	Stages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bfq_stage_executions_total",
			Help: "Pipeline stage executions by outcome.",
		},
		[]string{"stage", "outcome"},
	)

	// StageDuration observes the wall time of executed stages.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bfq_stage_duration_seconds",
			Help:    "Wall time of executed pipeline stages.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
		[]string{"stage"},
	)

	// Tasks counts fan-out tasks by stage and outcome.
	Tasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bfq_tasks_total",
			Help: "Fan-out tasks by outcome.",
		},
		[]string{"stage", "outcome"},
	)

	// Cycles counts driver cycles by result.
	Cycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bfq_cycles_total",
			Help: "Driver cycles by result.",
		},
		[]string{"result"},
	)

	// FreeSpace is the free space of the output volume, in GiB, as of the
	// last cycle.
	FreeSpace = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bfq_output_free_gib",
		Help: "Free space on the output volume in GiB.",
	})
)
