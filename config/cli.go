package config

import "time"

// Volume describes one NAS mount the scanner sweeps for recordings.
type Volume struct {
	ID        string
	MountPath string
	Label     string
	Enabled   bool
}

// ScheduleEntry is one cron-driven trigger that enqueues a job on a named
// template when it fires. Template defaults to Name; distinct entries may
// share a template (the morning and evening VOD sweeps both fire
// process-recent-vods).
type ScheduleEntry struct {
	Name     string
	Cron     string
	Timezone string
	Template string
	Payload  string
}

// QueueConfig describes one named work queue's concurrency and backlog
// bound.
type QueueConfig struct {
	Name          string
	Concurrency   int
	MaxQueueDepth int
}

// Cli holds every flag/env-var/config-file option recognized at startup.
// It is parsed once by ff.Parse in main and handed down to every
// constructor; nothing below reads flags directly.
type Cli struct {
	Volumes []Volume

	ScheduleTimezone     string
	ScheduleEntries      []ScheduleEntry
	ScheduleCatchupWindow time.Duration

	Queues []QueueConfig

	RetryMaxAttempts int
	RetryBackoffBase time.Duration
	RetryBackoffCap  time.Duration

	LeaseTTLDiscover     time.Duration
	LeaseTTLTranscribe   time.Duration
	LeaseTTLCaptionFormat time.Duration
	LeaseTTLRemux        time.Duration
	LeaseTTLUpload       time.Duration
	LeaseTTLValidate     time.Duration
	LeaseTTLCleanup      time.Duration

	ScannerRecentN             int
	ScannerMinSizeBytes        int64
	ScannerExtensions          []string
	ScannerSkipIfCaptionExists bool

	CablecastBaseURL       string
	CablecastUsername      string
	CablecastPassword      string
	CablecastLocationID    string
	CablecastRateLimit     float64
	CablecastSigningSecret string

	ASRBinaryPath  string
	ASRModel       string
	ASRLanguage    string
	ASRComputeType string
	ASRBatchSize   int
	ASRNumWorkers  int
	ASRTimeout     time.Duration

	PathsTempRoot   string
	PathsOutputRoot string

	LoggingLevel string
	LoggingFile  string

	OutputSCCSidecarPolicy SCCSidecarPolicy
	FanoutSuccessPolicy    FanoutSuccessPolicy

	StoreBadgerDir string

	MetricsListenAddr string

	ShutdownDrainTimeout time.Duration

	ValidationTimeout time.Duration

	// MetricsDBConnectionString optionally points at a Postgres instance
	// that receives a denormalized copy of completed PipelineRun metrics
	// for reporting. Empty disables the sink.
	MetricsDBConnectionString string
}
