package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	framesReceivedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "monitor_frames_received_total",
		Help: "Total IPC frames received from Worker connections, by type",
	}, []string{"type"})

	framesDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "monitor_frames_dropped_total",
		Help: "Frames dropped for failing validation, by type",
	}, []string{"type"})

	telemetryDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_dropped_total",
		Help: "Work items dropped because the writer queue was full",
	})

	writerQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "monitor_writer_queue_depth",
		Help: "Current depth of the single-writer persistence queue",
	})

	staleSweepFlippedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "monitor_stale_sweep_flipped_total",
		Help: "WorkerRegistrations flipped to stale by the periodic sweep",
	})

	retentionPurgedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "monitor_retention_purged_total",
		Help: "Retention sweeps that ran to completion",
	})
)

func init() {
	prometheus.MustRegister(framesReceivedTotal)
	prometheus.MustRegister(framesDroppedTotal)
	prometheus.MustRegister(telemetryDroppedTotal)
	prometheus.MustRegister(writerQueueDepth)
	prometheus.MustRegister(staleSweepFlippedTotal)
	prometheus.MustRegister(retentionPurgedTotal)
}

func handleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

// ServeMetrics starts the /metrics HTTP endpoint. It runs until the listener
// errors (normally because the process is shutting down), so callers should
// invoke it in its own goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", handleMetrics)
	return http.ListenAndServe(addr, mux)
}
