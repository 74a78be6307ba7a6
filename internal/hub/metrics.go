package hub

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	eventsRoutedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hub_events_routed_total",
		Help: "Upstream notifications forwarded to a connected Worker",
	})

	eventsDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_events_dropped_total",
		Help: "Upstream notifications dropped because the owning channel had no connected Worker",
	}, []string{"channel_id"})

	wsReconnectTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hub_ws_reconnect_total",
		Help: "Upstream WebSocket session reconnects",
	})

	eventsubCreateTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_eventsub_create_total",
		Help: "Upstream CREATE calls, by outcome",
	}, []string{"outcome"})

	eventsubDeleteTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_eventsub_delete_total",
		Help: "Upstream DELETE calls, by outcome",
	}, []string{"outcome"})

	wsStateGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hub_ws_state",
		Help: "Current upstream session state (0=down,1=connecting,2=connected,3=reconnecting)",
	})
)

func init() {
	prometheus.MustRegister(eventsRoutedTotal)
	prometheus.MustRegister(eventsDroppedTotal)
	prometheus.MustRegister(wsReconnectTotal)
	prometheus.MustRegister(eventsubCreateTotal)
	prometheus.MustRegister(eventsubDeleteTotal)
	prometheus.MustRegister(wsStateGauge)
}

func handleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", handleMetrics)
	return http.ListenAndServe(addr, mux)
}
