package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TelemetrySystem is the registry every collector of this process joins.
	TelemetrySystem *prometheus.Registry

	// PrometheusExporter serves TelemetrySystem in the text exposition format.
	PrometheusExporter http.Handler
)

// InitTelemetry creates the registry with process and Go runtime collectors
// and the exporter for it.
func InitTelemetry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	TelemetrySystem = reg
	PrometheusExporter = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
	return reg
}
