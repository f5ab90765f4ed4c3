// Package metrics 定义进程级 Prometheus 指标。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 压缩轮次阶段标签
const (
	StageTriggered = "triggered"
	StageContended = "contended"
	StageDelegated = "delegated"
	StageRequeued  = "requeued"
	StageFallback  = "fallback"
	StageSubmitted = "submitted"
	StageStale     = "stale"
)

var (
	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "canvas_websocket_connections",
		Help: "Open websocket connections on this instance",
	})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_events_published_total",
		Help: "Events published to the shared bus",
	}, []string{"type"})

	EventsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_events_delivered_total",
		Help: "Frames queued to local sockets",
	}, []string{"type"})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canvas_events_dropped_total",
		Help: "Frames dropped because a socket send buffer was full",
	})

	StrokesAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canvas_strokes_appended_total",
		Help: "Strokes committed to room history",
	})

	CompactionRounds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_compaction_rounds_total",
		Help: "Snapshot compaction progress by stage",
	}, []string{"stage"})

	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_jobs_processed_total",
		Help: "Background jobs processed by type and result",
	}, []string{"type", "result"})

	JobsDeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_jobs_dead_lettered_total",
		Help: "Background jobs moved to the dead-letter list",
	}, []string{"type"})
)

// Handler 返回 /metrics 的 HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
