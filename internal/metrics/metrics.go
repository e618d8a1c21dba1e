// Package metrics provides Prometheus metrics for the session and playback
// controllers. Labels are bounded enums; session IDs and URLs never become
// label values.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionConnectTotal counts connect attempts by outcome.
	SessionConnectTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livegen_session_connect_total",
		Help: "Total number of control channel connect attempts, by result (open/failed/timeout/cancelled).",
	}, []string{"result"})

	// SessionReconnectTotal counts scheduled automatic reconnects.
	SessionReconnectTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livegen_session_reconnect_total",
		Help: "Total number of automatic reconnects scheduled after unintentional closes.",
	})

	// SessionRetriesExhaustedTotal counts sessions that gave up reconnecting.
	SessionRetriesExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livegen_session_retries_exhausted_total",
		Help: "Total number of sessions that exhausted their reconnect budget.",
	})

	// SessionFramesTotal counts inbound frames by classification.
	SessionFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livegen_session_frames_total",
		Help: "Total number of inbound control frames, by kind (result/status/error/internal_error/malformed/late).",
	}, []string{"kind"})

	// SessionSubmitTotal counts task submissions by result.
	SessionSubmitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livegen_session_submit_total",
		Help: "Total number of task submissions, by result (sent/rejected/failed).",
	}, []string{"result"})

	// PlaybackLoadsTotal counts source loads by source kind and path.
	PlaybackLoadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livegen_playback_loads_total",
		Help: "Total number of playback source loads, by source kind and path (engine/native).",
	}, []string{"kind", "path"})

	// PlaybackFaultsTotal counts engine faults by type and fatality.
	PlaybackFaultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livegen_playback_faults_total",
		Help: "Total number of streaming engine faults, by type, details and fatality.",
	}, []string{"type", "details", "fatal"})

	// PlaybackRecoveriesTotal counts recovery actions by action.
	PlaybackRecoveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livegen_playback_recoveries_total",
		Help: "Total number of recovery actions, by action (start_load/recover_media/unstick/destroy/reported).",
	}, []string{"action"})
)

// Recovery action label values.
const (
	ActionStartLoad    = "start_load"
	ActionRecoverMedia = "recover_media"
	ActionUnstick      = "unstick"
	ActionDestroy      = "destroy"
	ActionReported     = "reported"
)

// RecordConnect records a connect attempt outcome.
func RecordConnect(result string) {
	SessionConnectTotal.WithLabelValues(result).Inc()
}

// RecordFrame records an inbound frame classification.
func RecordFrame(kind string) {
	SessionFramesTotal.WithLabelValues(kind).Inc()
}

// RecordSubmit records a submission outcome.
func RecordSubmit(result string) {
	SessionSubmitTotal.WithLabelValues(result).Inc()
}

// RecordLoad records a playback source load.
func RecordLoad(kind, path string) {
	PlaybackLoadsTotal.WithLabelValues(kind, path).Inc()
}

// RecordFault records an engine fault.
func RecordFault(faultType, details string, fatal bool) {
	f := "false"
	if fatal {
		f = "true"
	}
	PlaybackFaultsTotal.WithLabelValues(faultType, details, f).Inc()
}

// RecordRecovery records a recovery action.
func RecordRecovery(action string) {
	PlaybackRecoveriesTotal.WithLabelValues(action).Inc()
}
