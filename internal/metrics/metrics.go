// Package metrics provides Prometheus metrics for edrcore.
//
// Features:
//   - Counters for runs, alerts, diagnostics and scanned files
//   - Gauges for loaded rules and the last run time
//   - Histograms for stage and per-file scan durations
//   - Optional HTTP endpoint for scraping
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "edrcore"

// DurationBuckets are buckets for stage duration histograms (in seconds).
var DurationBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// ScanBuckets are buckets for per-file scan durations (in seconds).
var ScanBuckets = prometheus.ExponentialBuckets(0.0001, 4, 10)

// Registry wraps a Prometheus registry together with the process and Go
// runtime collectors.
type Registry struct {
	reg *prometheus.Registry
}

// NewRegistry creates a registry with the standard runtime collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{reg: reg}
}

// Prometheus returns the underlying registry.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.reg
}

// HTTPHandler returns an HTTP handler serving the registry in the
// Prometheus exposition format.
func (r *Registry) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Serve exposes /metrics on addr until ctx is done. Each mount function
// may add further handlers to the same mux.
func (r *Registry) Serve(ctx context.Context, addr string, mount ...func(*http.ServeMux)) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.HTTPHandler())
	for _, m := range mount {
		m(mux)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide registry.
func Default() *Registry {
	defaultOnce.Do(func() { defaultRegistry = NewRegistry() })
	return defaultRegistry
}
