package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scribe_sessions_started_total",
		Help: "Total number of transcription sessions created",
	})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scribe_sessions_active",
		Help: "Current number of registered sessions",
	})

	EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scribe_events_emitted_total",
		Help: "Total number of events handed to the fan-out stream, by type",
	}, []string{"type"})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scribe_events_dropped_total",
		Help: "Total number of events dropped because a sink buffer was full",
	})

	FramesForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scribe_frames_forwarded_total",
		Help: "Total number of audio frames forwarded to the recognition backend",
	})

	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scribe_frames_dropped_total",
		Help: "Total number of audio frames dropped while the recognition bridge was not open",
	})

	WorkerExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scribe_worker_exits_total",
		Help: "Total number of worker process exits, by outcome",
	}, []string{"outcome"})
)
