// Package metrics exposes Prometheus collectors for the simulator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asphare_events_generated_total",
		Help: "Events written to the store, by platform and source.",
	}, []string{"platform", "source"})

	EventsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asphare_events_consumed_total",
		Help: "Events handed out through the pull API, by platform.",
	}, []string{"platform"})

	PullRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asphare_pull_requests_total",
		Help: "Pull API calls, by platform.",
	}, []string{"platform"})

	ReplayProgressRatio = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "asphare_replay_progress_ratio",
		Help: "Replay completion between 0 and 1.",
	})

	SchedulerTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asphare_scheduler_ticks_total",
		Help: "Background scheduler ticks, by kind.",
	}, []string{"kind"})
)
