// Package metrics exposes the process-wide Prometheus instruments. All
// collectors register on the default registry; the HTTP server serves
// them at /metrics via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsActive tracks sessions currently running a PTY.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vibetunnel_sessions_active",
		Help: "Number of sessions with a live PTY",
	})

	// SessionsStartedTotal counts every session spawn since process start.
	SessionsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vibetunnel_sessions_started_total",
		Help: "Total sessions spawned",
	})

	// SessionsExitedTotal counts sessions whose process has terminated.
	SessionsExitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vibetunnel_sessions_exited_total",
		Help: "Total sessions that exited",
	})

	// StreamBytesTotal counts PTY output bytes appended to stream files.
	StreamBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vibetunnel_stream_bytes_written_total",
		Help: "PTY output bytes written to session stream files",
	})

	// SnapshotsEmittedTotal counts terminal snapshots broadcast to
	// subscribers, with SnapshotBytesTotal tracking their encoded size.
	SnapshotsEmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vibetunnel_snapshots_emitted_total",
		Help: "Terminal buffer snapshots broadcast to subscribers",
	})

	SnapshotBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vibetunnel_snapshot_bytes_total",
		Help: "Encoded bytes of broadcast terminal snapshots",
	})

	// SnapshotsDroppedTotal counts snapshots superseded before a slow
	// websocket client could receive them.
	SnapshotsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vibetunnel_snapshots_dropped_total",
		Help: "Snapshots replaced in-queue before delivery to a slow client",
	})

	// FlowPausesTotal counts times a materializer paused its stream
	// watcher because the apply queue crossed the high watermark.
	FlowPausesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vibetunnel_flow_pauses_total",
		Help: "Stream reads paused due to terminal apply backpressure",
	})

	// WatcherStartsTotal counts stream file watchers started, including
	// restarts after an idle teardown.
	WatcherStartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vibetunnel_stream_watcher_starts_total",
		Help: "Stream file watchers started",
	})

	// ControlFramesTotal counts control socket frames by message type.
	ControlFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vibetunnel_control_frames_total",
		Help: "Control socket frames received by message type",
	}, []string{"type"})

	// HQRemotes tracks remotes currently registered with this HQ.
	HQRemotes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vibetunnel_hq_remotes",
		Help: "Remote servers registered with this HQ instance",
	})
)

// SessionStarted records a session spawn.
func SessionStarted() {
	SessionsActive.Inc()
	SessionsStartedTotal.Inc()
}

// SessionExited records a session termination.
func SessionExited() {
	SessionsActive.Dec()
	SessionsExitedTotal.Inc()
}

// AddStreamBytes records n bytes of PTY output persisted to a stream file.
func AddStreamBytes(n int) {
	StreamBytesTotal.Add(float64(n))
}

// SnapshotEmitted records one broadcast snapshot of the given encoded size.
func SnapshotEmitted(bytes int) {
	SnapshotsEmittedTotal.Inc()
	SnapshotBytesTotal.Add(float64(bytes))
}

// SnapshotDropped records a snapshot superseded before delivery.
func SnapshotDropped() {
	SnapshotsDroppedTotal.Inc()
}

// FlowPause records a backpressure pause of a stream watcher.
func FlowPause() {
	FlowPausesTotal.Inc()
}

// WatcherStarted records a stream watcher starting to tail a file.
func WatcherStarted() {
	WatcherStartsTotal.Inc()
}

// ControlFrame records one received control socket frame.
func ControlFrame(msgType string) {
	ControlFramesTotal.WithLabelValues(msgType).Inc()
}

// SetRemotes records the current number of registered HQ remotes.
func SetRemotes(n int) {
	HQRemotes.Set(float64(n))
}
