package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type ClientMetrics struct {
	RetryCount      *prometheus.GaugeVec
	FailureCount    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

type TranscodePipelineMetrics struct {
	Count    *prometheus.CounterVec
	Duration *prometheus.SummaryVec
}

type VideoTranscoderMetrics struct {
	UploadRequestCount       prometheus.Counter
	JobsInFlight             prometheus.Gauge
	HLSRequestDurationSec    *prometheus.SummaryVec
	QueueDepth               *prometheus.GaugeVec
	QueueStalledCount        *prometheus.CounterVec
	WebhookNotification      ClientMetrics
	ObjectStoreClient        ClientMetrics
	TranscodePipelineMetrics TranscodePipelineMetrics
}

func NewMetrics() *VideoTranscoderMetrics {
	m := &VideoTranscoderMetrics{
		UploadRequestCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: "upload_request_count",
			Help: "The total number of upload admission requests",
		}),
		JobsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "jobs_in_flight",
			Help: "A gauge of the transcode jobs currently being processed",
		}),
		HLSRequestDurationSec: promauto.NewSummaryVec(prometheus.SummaryOpts{
			Name: "hls_request_duration_seconds",
			Help: "The latency of the HLS proxy requests",
		}, []string{"kind", "status_code"}),
		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Number of entries per queue and state",
		}, []string{"queue", "state"}),
		QueueStalledCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_stalled_count",
			Help: "Number of stalled queue entries recovered",
		}, []string{"queue"}),
		WebhookNotification: ClientMetrics{
			RetryCount: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "webhook_retry_count",
				Help: "The number of retries of a webhook notification",
			}, []string{"host"}),
			FailureCount: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "webhook_failure_count",
				Help: "The total number of failed webhook notifications",
			}, []string{"host"}),
			RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name: "webhook_request_duration_seconds",
				Help: "The latency of webhook notifications",
			}, []string{"host"}),
		},
		ObjectStoreClient: ClientMetrics{
			RetryCount: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "object_store_retry_count",
				Help: "The number of retries of an object store request",
			}, []string{"operation", "bucket"}),
			FailureCount: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "object_store_failure_count",
				Help: "The total number of failed object store requests",
			}, []string{"operation", "bucket"}),
			RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name: "object_store_request_duration_seconds",
				Help: "The latency of object store requests",
			}, []string{"operation", "bucket"}),
		},
		TranscodePipelineMetrics: TranscodePipelineMetrics{
			Count: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "transcode_job_count",
				Help: "Number of finished transcode jobs by stage and state",
			}, []string{"stage", "state"}),
			Duration: promauto.NewSummaryVec(prometheus.SummaryOpts{
				Name: "transcode_job_duration_seconds",
				Help: "Time taken by finished transcode jobs",
			}, []string{"stage", "state"}),
		},
	}
	return m
}

var Metrics = NewMetrics()
