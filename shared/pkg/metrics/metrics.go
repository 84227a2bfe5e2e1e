// Package metrics exposes launch and container counters in Prometheus format,
// either over HTTP or as a node_exporter textfile.
package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

const namespace = "tfbench"

// Registry holds the tfbench collectors on a private registry so textfile
// output is not polluted by process and Go runtime metrics.
type Registry struct {
	reg *prometheus.Registry

	launches       *prometheus.CounterVec
	launchDuration *prometheus.HistogramVec
	lastExitCode   *prometheus.GaugeVec
	containerOps   *prometheus.CounterVec
}

// New creates a registry with every tfbench collector registered
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "launches_total",
			Help:      "Launches by job kind and final status.",
		}, []string{"kind", "status"}),
		launchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "launch_duration_seconds",
			Help:      "Wall time of completed launches.",
			// Preprocessing and benchmarks run for minutes to hours.
			Buckets: prometheus.ExponentialBuckets(1, 4, 9),
		}, []string{"kind"}),
		lastExitCode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_exit_code",
			Help:      "Exit code of the most recent launch of each kind.",
		}, []string{"kind"}),
		containerOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "container_operations_total",
			Help:      "Per-host container start and stop operations.",
		}, []string{"op", "result"}),
	}
	r.reg.MustRegister(r.launches, r.launchDuration, r.lastExitCode, r.containerOps)
	return r
}

// ObserveLaunch records a finished launch
func (r *Registry) ObserveLaunch(kind, status string, exitCode int, d time.Duration) {
	r.launches.WithLabelValues(kind, status).Inc()
	r.launchDuration.WithLabelValues(kind).Observe(d.Seconds())
	r.lastExitCode.WithLabelValues(kind).Set(float64(exitCode))
}

// ObserveContainerOp records one per-host container operation
func (r *Registry) ObserveContainerOp(op string, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	r.containerOps.WithLabelValues(op, result).Inc()
}

// Gatherer exposes the underlying registry
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler serves the registry over HTTP
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Encode renders the registry in the text exposition format
func (r *Registry) Encode() ([]byte, error) {
	families, err := r.reg.Gather()
	if err != nil {
		return nil, fmt.Errorf("failed to gather metrics: %w", err)
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", mf.GetName(), err)
		}
	}
	return buf.Bytes(), nil
}

// WriteTextfile writes the registry to path for the node_exporter textfile
// collector. The file is replaced atomically so a scrape never sees a
// partial write.
func (r *Registry) WriteTextfile(path string) error {
	data, err := r.Encode()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create textfile directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"."+strconv.Itoa(os.Getpid())+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
