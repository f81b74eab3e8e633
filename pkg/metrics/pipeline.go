package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics records ingest and transcode job outcomes.
type PipelineMetrics struct {
	duration   *prometheus.HistogramVec
	success    *prometheus.CounterVec
	failure    *prometheus.CounterVec
	retries    *prometheus.CounterVec
	queueDepth *prometheus.GaugeVec
	chunkBytes prometheus.Counter
}

// NewPipelineMetrics registers the pipeline metrics on the provided registerer.
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	if reg == nil {
		return &PipelineMetrics{}
	}
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_job_duration_seconds",
		Help:    "Duration of pipeline jobs in seconds.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
	}, []string{"kind", "quality"})
	success := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_job_success",
		Help: "Successful pipeline job executions.",
	}, []string{"kind", "quality"})
	failure := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_job_failure",
		Help: "Failed pipeline job executions.",
	}, []string{"kind", "quality", "reason"})
	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_job_retries",
		Help: "Pipeline jobs requeued for another attempt.",
	}, []string{"kind"})
	queueDepth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pipeline_queue_depth",
		Help: "Jobs currently waiting in the queue.",
	}, []string{"kind"})
	chunkBytes := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_chunk_bytes_received",
		Help: "Total chunk payload bytes accepted by the upload API.",
	})
	reg.MustRegister(duration, success, failure, retries, queueDepth, chunkBytes)
	return &PipelineMetrics{
		duration:   duration,
		success:    success,
		failure:    failure,
		retries:    retries,
		queueDepth: queueDepth,
		chunkBytes: chunkBytes,
	}
}

// ObserveDuration records how long a job ran before reaching a terminal state.
func (m *PipelineMetrics) ObserveDuration(kind, quality string, duration time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.WithLabelValues(normalizeLabel(kind), normalizeLabel(quality)).Observe(duration.Seconds())
}

// IncSuccess increments the success counter for the job kind.
func (m *PipelineMetrics) IncSuccess(kind, quality string) {
	if m == nil || m.success == nil {
		return
	}
	m.success.WithLabelValues(normalizeLabel(kind), normalizeLabel(quality)).Inc()
}

// IncFailure increments the failure counter with the terminal reason.
func (m *PipelineMetrics) IncFailure(kind, quality, reason string) {
	if m == nil || m.failure == nil {
		return
	}
	m.failure.WithLabelValues(normalizeLabel(kind), normalizeLabel(quality), normalizeLabel(reason)).Inc()
}

// IncRetry counts a job pushed back to the queue for another attempt.
func (m *PipelineMetrics) IncRetry(kind string) {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.WithLabelValues(normalizeLabel(kind)).Inc()
}

// SetQueueDepth publishes the current queue depth for the job kind.
func (m *PipelineMetrics) SetQueueDepth(kind string, depth int) {
	if m == nil || m.queueDepth == nil {
		return
	}
	m.queueDepth.WithLabelValues(normalizeLabel(kind)).Set(float64(depth))
}

// AddChunkBytes accumulates accepted chunk payload sizes.
func (m *PipelineMetrics) AddChunkBytes(n int64) {
	if m == nil || m.chunkBytes == nil || n <= 0 {
		return
	}
	m.chunkBytes.Add(float64(n))
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
