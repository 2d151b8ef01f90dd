package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RecordsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "propagator_records_recorded_total",
		Help: "Total number of record upserts, labelled by origin and result.",
	}, []string{"origin", "result"})

	Announcements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "propagator_announcements_total",
		Help: "Total number of push announcements, labelled by status.",
	}, []string{"status"})

	PullRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "propagator_pull_requests_total",
		Help: "Total number of pull endpoint requests served, labelled by HTTP status.",
	}, []string{"status"})

	PullCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "propagator_pull_cycles_total",
		Help: "Total number of listener pull cycles, labelled by peer and result.",
	}, []string{"peer", "result"})

	RecordsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "propagator_records_ingested_total",
		Help: "Total number of remote records processed by listeners, labelled by peer.",
	}, []string{"peer"})

	Replays = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "propagator_replays_total",
		Help: "Total number of local replays, labelled by result.",
	}, []string{"result"})

	PushEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "propagator_push_events_total",
		Help: "Total number of push events received, labelled by peer and result.",
	}, []string{"peer", "result"})

	Cursor = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "propagator_listener_cursor_seconds",
		Help: "Listener cursor as a unix timestamp, labelled by peer.",
	}, []string{"peer"})

	PullDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "propagator_pull_duration_ms",
		Help:    "Pull cycle latency in milliseconds, labelled by peer.",
		Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"peer"})

	PushSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "propagator_push_subscribers",
		Help: "Current number of websocket push subscribers.",
	})
)
