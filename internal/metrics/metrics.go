package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Turns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foxy_turns_total",
			Help: "Completed conversation turns by outcome",
		},
		[]string{"outcome"}, // ok, failed
	)

	QuotaRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "foxy_quota_rejections_total",
			Help: "Guest turns rejected by the daily limit",
		},
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foxy_dispatch_duration_seconds",
			Help:    "Remote reasoning round trip in seconds",
			Buckets: []float64{.25, .5, 1, 2, 4, 8, 16, 32},
		},
		[]string{"backend"},
	)

	DispatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foxy_dispatch_attempts_total",
			Help: "Remote reasoning attempts by result",
		},
		[]string{"result"}, // ok, retry, error
	)

	LocalCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foxy_local_commands_total",
			Help: "Local commands by status",
		},
		[]string{"status"},
	)

	VisionCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foxy_vision_cycles_total",
			Help: "Screen sampling cycles by result",
		},
		[]string{"result"}, // ok, skipped, error, discarded
	)

	SpeechSessions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foxy_speech_sessions_total",
			Help: "Capture sessions by outcome",
		},
		[]string{"outcome"}, // transcript, silence, error
	)

	InteractionMode = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "foxy_interaction_mode",
			Help: "1 for the current interaction mode, 0 otherwise",
		},
		[]string{"mode"},
	)

	BridgeClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "foxy_bridge_clients",
			Help: "Connected websocket clients",
		},
	)
)

// SetMode flips the interaction mode gauge to mode.
func SetMode(mode string) {
	for _, m := range []string{"idle", "listening", "processing", "speaking"} {
		v := 0.0
		if m == mode {
			v = 1
		}
		InteractionMode.WithLabelValues(m).Set(v)
	}
}
