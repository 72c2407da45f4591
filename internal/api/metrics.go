package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterMetrics serves g on /metrics of mux. A nil gatherer serves the
// default registry.
func RegisterMetrics(mux *http.ServeMux, g prometheus.Gatherer) {
	if g == nil {
		mux.Handle("/metrics", promhttp.Handler())
		return
	}
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}
