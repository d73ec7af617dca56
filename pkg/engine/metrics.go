package engine

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openebs/mayastor/pkg/nexus"
)

var (
	descNexusStatus = prometheus.NewDesc(
		"mayastor_nexus_status",
		"Nexus status: 0 faulted, 1 degraded, 2 online, 3 shutting down, 4 shutdown",
		[]string{"name", "uuid"}, nil)
	descNexusSize = prometheus.NewDesc(
		"mayastor_nexus_size_bytes",
		"Declared nexus size in bytes",
		[]string{"name", "uuid"}, nil)
	descChildState = prometheus.NewDesc(
		"mayastor_nexus_child_state",
		"Child state: 0 init, 1 online, 2 degraded, 3 faulted",
		[]string{"uuid", "child"}, nil)
	descRebuildProgress = prometheus.NewDesc(
		"mayastor_nexus_rebuild_progress",
		"Rebuild progress of a child in percent, absent when no rebuild runs",
		[]string{"uuid", "child"}, nil)
	descIOErrors = prometheus.NewDesc(
		"mayastor_nexus_io_errors_total",
		"Child I/O failures absorbed by the nexus",
		[]string{"name", "uuid"}, nil)
)

// collector exports per-nexus health to prometheus. It scrapes the
// registry on Collect instead of keeping counters of its own.
type collector struct {
	registry *nexus.Registry
}

var _ prometheus.Collector = &collector{}

func NewCollector(registry *nexus.Registry) prometheus.Collector {
	return &collector{registry: registry}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descNexusStatus
	ch <- descNexusSize
	ch <- descChildState
	ch <- descRebuildProgress
	ch <- descIOErrors
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for _, n := range c.registry.List("") {
		ch <- prometheus.MustNewConstMetric(descNexusStatus, prometheus.GaugeValue,
			float64(n.Status()), n.Name(), n.UUID())
		ch <- prometheus.MustNewConstMetric(descNexusSize, prometheus.GaugeValue,
			float64(n.Size()), n.Name(), n.UUID())
		ch <- prometheus.MustNewConstMetric(descIOErrors, prometheus.CounterValue,
			float64(n.IOErrors()), n.Name(), n.UUID())
		for _, child := range n.Children() {
			ch <- prometheus.MustNewConstMetric(descChildState, prometheus.GaugeValue,
				float64(child.State()), n.UUID(), child.URI())
			if p := child.RebuildProgress(); p >= 0 {
				ch <- prometheus.MustNewConstMetric(descRebuildProgress, prometheus.GaugeValue,
					float64(p), n.UUID(), child.URI())
			}
		}
	}
}

// metricsServer serves the prometheus endpoint. Runnable.
type metricsServer struct {
	addr     string
	registry *nexus.Registry
}

func newMetricsServer(addr string, registry *nexus.Registry) *metricsServer {
	return &metricsServer{addr: addr, registry: registry}
}

func (s *metricsServer) Start(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewCollector(s.registry)); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: s.addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
