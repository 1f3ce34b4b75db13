package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"sessiond/cmd/internal/auth/session"
)

// newMetrics creates a private registry holding the session collectors and
// the process collectors.
func newMetrics() (*prometheus.Registry, *session.Metrics, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, nil, err
	}
	m, err := session.NewMetrics(reg)
	if err != nil {
		return nil, nil, err
	}
	return reg, m, nil
}

// writeMetricsTextfile writes reg in Prometheus text format to path.
// An empty path is a no-op.
func writeMetricsTextfile(path string, reg *prometheus.Registry) error {
	if path == "" || reg == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, reg)
}
