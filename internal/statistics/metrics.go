package statistics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are process-wide Prometheus collectors. A nil *Metrics is a valid no-op.
type Metrics struct {
	BatchesTotal    *prometheus.CounterVec
	FilesTotal      *prometheus.CounterVec
	BytesTotal      *prometheus.CounterVec
	Reduction       prometheus.Histogram
	BatchDuration   prometheus.Histogram
	PollAttempts    prometheus.Counter
	BatchInProgress prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		BatchesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "image_compressor_batches_total",
				Help: "Total number of compression batches",
			},
			[]string{"method", "status"}, // status: succeeded/partial/failed
		),
		FilesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "image_compressor_files_total",
				Help: "Total number of files processed",
			},
			[]string{"adapter", "status"}, // status: compressed/failed
		),
		BytesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "image_compressor_bytes_total",
				Help: "Bytes read from originals and written to outputs",
			},
			[]string{"direction"}, // in/out
		),
		Reduction: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "image_compressor_reduction_percent",
			Help:    "Signed size reduction per compressed file",
			Buckets: []float64{-50, -10, 0, 10, 25, 50, 75, 90},
		}),
		BatchDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "image_compressor_batch_duration_seconds",
			Help:    "Wall time of compression batches",
			Buckets: prometheus.DefBuckets,
		}),
		PollAttempts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "image_compressor_poll_attempts_total",
			Help: "Output directory checks made in external mode",
		}),
		BatchInProgress: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "image_compressor_batch_in_progress",
			Help: "1 while a batch is running",
		}),
	}
}

func (m *Metrics) BatchStarted() {
	if m == nil {
		return
	}
	m.BatchInProgress.Set(1)
}

// BatchFinished records the batch outcome and clears the in-progress gauge.
func (m *Metrics) BatchFinished(method, status string, s *Statistics) {
	if m == nil {
		return
	}
	m.BatchInProgress.Set(0)
	m.BatchesTotal.WithLabelValues(method, status).Inc()
	if s != nil {
		m.BatchDuration.Observe(s.Duration.Seconds())
	}
}

func (m *Metrics) FileCompressed(adapter string, originalSize, compressedSize int64, reduction float64) {
	if m == nil {
		return
	}
	m.FilesTotal.WithLabelValues(adapter, "compressed").Inc()
	m.BytesTotal.WithLabelValues("in").Add(float64(originalSize))
	m.BytesTotal.WithLabelValues("out").Add(float64(compressedSize))
	m.Reduction.Observe(reduction)
}

func (m *Metrics) FileFailed(adapter string) {
	if m == nil {
		return
	}
	if adapter == "" {
		adapter = "none"
	}
	m.FilesTotal.WithLabelValues(adapter, "failed").Inc()
}

func (m *Metrics) PollAttempt() {
	if m == nil {
		return
	}
	m.PollAttempts.Inc()
}
