package metrics

import (
	"github.com/civiccaption/flexcore/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ClientMetrics is the generic set of counters/gauges recorded around an
// outbound HTTP client call. MonitorRequest and HttpRetryHook populate these
// for any client that passes through them (currently the Cablecast client).
type ClientMetrics struct {
	RetryCount      *prometheus.GaugeVec
	FailureCount    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// ScannerMetrics tracks C1 storage-scan sweeps.
type ScannerMetrics struct {
	ScansStarted     prometheus.Counter
	ScansFailed      *prometheus.CounterVec
	ScanDurationSec  prometheus.Histogram
	CandidatesFound  prometheus.Counter
	VolumeUnreadable *prometheus.CounterVec
}

// SchedulerMetrics tracks C2 schedule-template firing.
type SchedulerMetrics struct {
	FiringsTotal     *prometheus.CounterVec
	SkippedTotal     *prometheus.CounterVec
	NextFireGaugeSec *prometheus.GaugeVec
}

// QueueMetrics tracks C3 job lifecycle across the named work queues.
type QueueMetrics struct {
	JobsEnqueued   *prometheus.CounterVec
	JobsInFlight   *prometheus.GaugeVec
	JobsSucceeded  *prometheus.CounterVec
	JobsFailed     *prometheus.CounterVec
	JobsRetried    *prometheus.CounterVec
	LeaseWaitSec   *prometheus.HistogramVec
	DispatchLagSec *prometheus.HistogramVec
}

// PipelineMetrics tracks C4 stage-by-stage progress of each pipeline run.
type PipelineMetrics struct {
	StageStarted        *prometheus.CounterVec
	StageSucceeded       *prometheus.CounterVec
	StageFailed          *prometheus.CounterVec
	StageDurationSec     *prometheus.HistogramVec
	RunDurationSec       *prometheus.HistogramVec
	PossibleOrphanVOD    prometheus.Counter
	CaptionCheckAuditLog prometheus.Counter
}

type Metrics struct {
	Version *prometheus.CounterVec

	Scanner   ScannerMetrics
	Scheduler SchedulerMetrics
	Queue     QueueMetrics
	Pipeline  PipelineMetrics

	CablecastClient ClientMetrics
	ASRClient       ClientMetrics
}

var stageLabels = []string{"queue", "stage"}

func NewMetrics() *Metrics {
	m := &Metrics{
		Version: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "version",
			Help: "Current git SHA/tag that's running. Incremented once on app startup.",
		}, []string{"app", "version"}),

		Scanner: ScannerMetrics{
			ScansStarted: promauto.NewCounter(prometheus.CounterOpts{
				Name: "scanner_scans_started_total",
				Help: "Number of storage scan sweeps started",
			}),
			ScansFailed: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "scanner_scans_failed_total",
				Help: "Number of storage scan sweeps that ended in error",
			}, []string{"volume_id"}),
			ScanDurationSec: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "scanner_scan_duration_seconds",
				Help:    "Wall time of a full scan sweep across all volumes",
				Buckets: prometheus.DefBuckets,
			}),
			CandidatesFound: promauto.NewCounter(prometheus.CounterOpts{
				Name: "scanner_candidates_found_total",
				Help: "Number of recording candidates discovered across all sweeps",
			}),
			VolumeUnreadable: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "scanner_volume_unreadable_total",
				Help: "Number of times a configured volume mount was unreadable during a sweep",
			}, []string{"volume_id"}),
		},

		Scheduler: SchedulerMetrics{
			FiringsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "scheduler_firings_total",
				Help: "Number of schedule template firings that produced an enqueue",
			}, []string{"template"}),
			SkippedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "scheduler_skipped_total",
				Help: "Number of schedule firings skipped, either suppressed because the template's previous job was still active or missed by more than the catch-up window",
			}, []string{"template"}),
			NextFireGaugeSec: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "scheduler_next_fire_unix_seconds",
				Help: "Unix timestamp of the next scheduled firing for a template",
			}, []string{"template"}),
		},

		Queue: QueueMetrics{
			JobsEnqueued: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "queue_jobs_enqueued_total",
				Help: "Number of jobs enqueued",
			}, []string{"queue"}),
			JobsInFlight: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "queue_jobs_in_flight",
				Help: "Number of jobs currently leased to a worker",
			}, []string{"queue"}),
			JobsSucceeded: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "queue_jobs_succeeded_total",
				Help: "Number of jobs that reached a terminal success state",
			}, []string{"queue"}),
			JobsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "queue_jobs_failed_total",
				Help: "Number of jobs that reached a terminal failure state",
			}, []string{"queue"}),
			JobsRetried: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "queue_jobs_retried_total",
				Help: "Number of times a job was re-leased after a retriable failure",
			}, []string{"queue"}),
			LeaseWaitSec: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "queue_lease_wait_seconds",
				Help:    "Time a job spent queued before being leased to a worker",
				Buckets: prometheus.DefBuckets,
			}, []string{"queue"}),
			DispatchLagSec: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "queue_dispatch_lag_seconds",
				Help:    "Time between a job's backoff deadline and its actual re-dispatch",
				Buckets: prometheus.DefBuckets,
			}, []string{"queue"}),
		},

		Pipeline: PipelineMetrics{
			StageStarted: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "pipeline_stage_started_total",
				Help: "Number of times a pipeline stage handler started",
			}, stageLabels),
			StageSucceeded: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "pipeline_stage_succeeded_total",
				Help: "Number of times a pipeline stage handler completed successfully",
			}, stageLabels),
			StageFailed: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "pipeline_stage_failed_total",
				Help: "Number of times a pipeline stage handler returned an error",
			}, stageLabels),
			StageDurationSec: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "pipeline_stage_duration_seconds",
				Help:    "Wall time of a single stage handler invocation",
				Buckets: []float64{.5, 1, 5, 15, 30, 60, 180, 600, 1800, 3600},
			}, stageLabels),
			RunDurationSec: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "pipeline_run_duration_seconds",
				Help:    "Wall time from Discover to a terminal state for a pipeline run",
				Buckets: []float64{30, 60, 300, 900, 1800, 3600, 7200, 14400},
			}, []string{"queue"}),
			PossibleOrphanVOD: promauto.NewCounter(prometheus.CounterOpts{
				Name: "pipeline_possible_orphan_vod_total",
				Help: "Number of Upload-stage resumes that may have produced a duplicate VOD on Cablecast due to the lack of idempotency keys",
			}),
			CaptionCheckAuditLog: promauto.NewCounter(prometheus.CounterOpts{
				Name: "pipeline_caption_check_audit_total",
				Help: "Number of operator-triggered caption-check audit records written",
			}),
		},

		CablecastClient: ClientMetrics{
			RetryCount: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "cablecast_client_retry_count",
				Help: "The number of retried Cablecast API requests",
			}, []string{"host"}),
			FailureCount: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "cablecast_client_failure_count",
				Help: "The total number of failed Cablecast API requests",
			}, []string{"host", "status_code"}),
			RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "cablecast_client_request_duration",
				Help:    "Time taken to send Cablecast API requests",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			}, []string{"host"}),
		},

		ASRClient: ClientMetrics{
			RetryCount: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "asr_client_retry_count",
				Help: "The number of retried ASR subprocess invocations",
			}, []string{"host"}),
			FailureCount: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "asr_client_failure_count",
				Help: "The total number of failed ASR subprocess invocations",
			}, []string{"host", "status_code"}),
			RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "asr_client_request_duration",
				Help:    "Time taken to run the ASR subprocess",
				Buckets: []float64{1, 5, 15, 30, 60, 180, 600, 1800},
			}, []string{"host"}),
		},
	}

	m.Version.WithLabelValues("flexcore", config.Version).Inc()

	return m
}

var M = NewMetrics()
