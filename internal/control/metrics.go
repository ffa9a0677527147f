package control

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
)

// promHTTPLogger adapts klog into promhttp.Logger, matching the teacher's
// internal/server.go shape for reporting exposition errors.
type promHTTPLogger struct {
	logger klog.Logger
}

func (l promHTTPLogger) Println(v ...interface{}) {
	l.logger.Error(fmt.Errorf("%v", v), "promhttp exposition error")
}

// MetricsHandler serves GET /metrics against the given registry.
func MetricsHandler(registry *prometheus.Registry, logger klog.Logger) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		ErrorLog:      promHTTPLogger{logger: logger},
		ErrorHandling: promhttp.ContinueOnError,
		Registry:      registry,
	})
}
