// Package metrics 管道运行的 Prometheus 指标
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/bililive-go/segcast/src/media"
	"github.com/bililive-go/segcast/src/pkg/memstats"
)

const namespace = "segcast"

// Metrics 管道指标
type Metrics struct {
	registry *prometheus.Registry

	uploads        prometheus.Counter
	uploadedBytes  prometheus.Counter
	uploadDuration prometheus.Histogram
	runs           *prometheus.CounterVec
	runDuration    prometheus.Histogram
	renderFailures prometheus.Counter
	activeRuns     prometheus.Gauge
}

// New 创建一组独立注册的指标
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	m := &Metrics{
		registry: reg,
		uploads: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Number of segments uploaded successfully.",
		}),
		uploadedBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Bytes uploaded successfully.",
		}),
		uploadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_duration_seconds",
			Help:      "Time taken by a single segment upload.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished pipeline runs by status and error kind.",
		}, []string{"status", "kind"}),
		runDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of finished pipeline runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		renderFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "render_failures_total",
			Help:      "Preview render failures; they never fail a run.",
		}),
		activeRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Pipeline runs currently in progress.",
		}),
	}
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "children_resident_memory_bytes",
		Help:      "Resident memory of ffmpeg child processes.",
	}, func() float64 {
		snap, err := memstats.Sample()
		if err != nil {
			logrus.WithError(err).Debug("failed to sample memory")
		}
		return float64(snap.ChildrenRSS)
	})
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// SegmentUploaded 记录一次成功上传
func (m *Metrics) SegmentUploaded(rec media.UploadRecord, took time.Duration) {
	m.uploads.Inc()
	m.uploadedBytes.Add(float64(rec.Bytes))
	m.uploadDuration.Observe(took.Seconds())
}

// RunStarted 运行开始
func (m *Metrics) RunStarted() {
	m.activeRuns.Inc()
}

// RunStopped 已开始的运行结束
func (m *Metrics) RunStopped() {
	m.activeRuns.Dec()
}

// RunFinished 记录运行终态，包括排队时被取消的运行
func (m *Metrics) RunFinished(result media.Result) {
	m.runs.WithLabelValues(string(result.Status), string(result.Kind)).Inc()
	m.runDuration.Observe(result.Elapsed.Seconds())
	m.renderFailures.Add(float64(result.RenderFailures))
}

// Handler /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
