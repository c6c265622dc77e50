// Package monitor exposes process and inference metrics to Prometheus.
package monitor

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"DnnBridge/bridge"
	"DnnBridge/logger"
)

const SampleInterval = 500 * time.Millisecond

type Monitor struct {
	Registry *prometheus.Registry

	memUsage       prometheus.Gauge
	cpuUsage       prometheus.Gauge
	liveNetworks   prometheus.Gauge
	liveBuffers    prometheus.Gauge
	busyWorkers    prometheus.Gauge
	rpcTotal       *prometheus.CounterVec
	inferTotal     prometheus.Counter
	inferFailures  prometheus.Counter
	forwardSeconds prometheus.Histogram

	proc *process.Process
	log  *zap.Logger

	mu      sync.Mutex
	stats   func() bridge.Stats
	workers func() int
}

// New builds a Monitor for the current process with its own registry.
func New(log *zap.Logger) *Monitor {
	m := &Monitor{
		Registry: prometheus.NewRegistry(),
		log:      logger.OrDefault(log).Named("monitor"),
		memUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memory_usage_Megabytes",
			Help: "Memory usage in Megabytes",
		}),
		cpuUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cpu_usage_percent",
			Help: "CPU usage in percent",
		}),
		liveNetworks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "live_networks",
			Help: "Networks currently held by the bridge",
		}),
		liveBuffers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "live_buffers",
			Help: "Tensor buffers currently held by the bridge",
		}),
		busyWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "workers_busy",
			Help: "Inference workers running a job",
		}),
		rpcTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rpc_requests_total",
			Help: "Total number of API requests processed",
		}, []string{"transport", "method"}),
		inferTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inference_requests_total",
			Help: "Forward passes attempted",
		}),
		inferFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inference_failures_total",
			Help: "Forward passes that failed",
		}),
		forwardSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "forward_duration_seconds",
			Help:    "Forward pass latency",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
	}
	m.Registry.MustRegister(m.memUsage, m.cpuUsage, m.liveNetworks, m.liveBuffers, m.busyWorkers,
		m.rpcTotal, m.inferTotal, m.inferFailures, m.forwardSeconds)

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		m.log.Warn("process metrics disabled", zap.Error(err))
	}
	m.proc = proc
	return m
}

// WatchBridge feeds the live handle gauges from stats on every sample.
func (m *Monitor) WatchBridge(stats func() bridge.Stats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = stats
}

// WatchWorkers feeds workers_busy from busy on every sample.
func (m *Monitor) WatchWorkers(busy func() int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers = busy
}

// ObserveForward records one forward pass. Its signature matches
// bridge.WithForwardObserver.
func (m *Monitor) ObserveForward(d time.Duration, err error) {
	m.inferTotal.Inc()
	if err != nil {
		m.inferFailures.Inc()
	}
	m.forwardSeconds.Observe(d.Seconds())
}

// CountRequest counts one API call.
func (m *Monitor) CountRequest(transport, method string) {
	m.rpcTotal.WithLabelValues(transport, method).Inc()
}

// Sample refreshes every gauge once.
func (m *Monitor) Sample() {
	if m.proc != nil {
		if mem, err := m.proc.MemoryInfo(); err == nil {
			m.memUsage.Set(float64(mem.RSS / 1024 / 1024))
		}
		if cpu, err := m.proc.CPUPercent(); err == nil {
			m.cpuUsage.Set(math.Round(cpu*100) / 100)
		}
	}
	m.mu.Lock()
	stats, workers := m.stats, m.workers
	m.mu.Unlock()
	if stats != nil {
		s := stats()
		m.liveNetworks.Set(float64(s.Networks))
		m.liveBuffers.Set(float64(s.Buffers))
	}
	if workers != nil {
		m.busyWorkers.Set(float64(workers()))
	}
}

// Run samples every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sample()
		}
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// Serve samples and serves /metrics on port until ctx ends.
func (m *Monitor) Serve(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	go m.Run(ctx, SampleInterval)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			m.log.Warn("metrics server shutdown", zap.Error(err))
		}
	}()
	m.log.Info("metrics listening", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "metrics server")
	}
	return nil
}
