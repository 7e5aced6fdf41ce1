// Package metrics exports provisioning counters over a Prometheus endpoint.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vhd_provisioner"

var (
	registry = prometheus.NewRegistry()

	// MountAttempts counts mount attempts by result: bound, reboot, failed.
	MountAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mount_attempts_total",
		Help:      "Mount attempts by result",
	}, []string{"result"})

	// PayloadRestarts counts payload restarts by result: ok, failed, no_script.
	PayloadRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payload_restarts_total",
		Help:      "Payload restart attempts by result",
	}, []string{"result"})

	// ReplacedFiles counts files handled by the replacement orchestrator by
	// deployment outcome.
	ReplacedFiles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "replaced_files_total",
		Help:      "Replaced files by outcome",
	}, []string{"outcome"})

	// ProtectSignals counts protect signals acted upon.
	ProtectSignals = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "protect_signals_total",
		Help:      "Remote protect signals received",
	})

	// AdminRequests counts requests served by the dev admin service.
	AdminRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "admin_requests_total",
		Help:      "Dev admin service requests by route",
	}, []string{"route"})
)

func init() {
	registry.MustRegister(
		MountAttempts,
		PayloadRestarts,
		ReplacedFiles,
		ProtectSignals,
		AdminRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Registry returns the registry all counters live in.
func Registry() *prometheus.Registry {
	return registry
}

// MetricsServer serves the registry on /metrics.
type MetricsServer struct {
	srv *http.Server
}

// New returns a server for addr.
func New(addr string) (*MetricsServer, error) {
	if addr == "" {
		return nil, errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return &MetricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
