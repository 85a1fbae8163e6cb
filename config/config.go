package config

import (
	"os"
	"time"

	kitlog "github.com/go-kit/log"
)

var Version string

// Used so that we can generate fixed timestamps in tests.
var Clock TimestampGenerator = RealTimestampGenerator{}

// Logger is the package-level fallback logger used by low-level plumbing
// (subprocess output, retryablehttp clients) that doesn't carry a job ID.
var Logger kitlog.Logger = kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))

// MaxJobsInFlight is a global limit on concurrently leased pipeline runs.
// The queue and dispatcher do not read it; concurrency is bounded per named
// queue by QueueConfig.Concurrency.
var MaxJobsInFlight = 8

// MaxInputFileSizeBytes bounds the size of a single source recording the
// Discover stage will accept; larger files are treated as scan candidates
// but fail fast in Discover rather than being attempted.
const MaxInputFileSizeBytes = 200 * 1024 * 1024 * 1024 // 200 GiB

// DefaultScanInterval is a periodic sweep interval for the scanner. Nothing
// in this module reads it: volumes are scanned only when a job that runs the
// scanner executes.
var DefaultScanInterval = 5 * time.Minute

// DefaultLeaseTTL bounds how long a worker may hold a leased job before the
// queue considers it abandoned and makes it eligible for re-lease.
var DefaultLeaseTTL = 30 * time.Minute

// DefaultRetryBackoffBase/Cap bound the exponential backoff applied between
// job retries.
var DefaultRetryBackoffBase = 60 * time.Second
var DefaultRetryBackoffCap = 30 * time.Minute

// DefaultMaxAttempts is how many times a retriable job failure is retried
// before the job is moved to the Failed terminal state.
var DefaultMaxAttempts = 5

// DefaultDrainTimeout bounds how long the process waits for in-flight jobs
// to reach a safe checkpoint during a graceful shutdown before forcing exit.
var DefaultDrainTimeout = 2 * time.Minute

// SCCSidecarPolicy controls whether the Cleanup stage places the run's .scc
// file as a sidecar next to the source recording. "on_match" places it only
// when the run matched a Cablecast show; "always" places it regardless;
// "never" disables sidecar output entirely.
type SCCSidecarPolicy string

const (
	SCCSidecarOnMatch SCCSidecarPolicy = "on_match"
	SCCSidecarAlways  SCCSidecarPolicy = "always"
	SCCSidecarNever   SCCSidecarPolicy = "never"
)

var DefaultSCCSidecarPolicy = SCCSidecarOnMatch

// FanoutSuccessPolicy selects how a fan-out parent job aggregates the
// outcomes of its child jobs ("any" or "all").
type FanoutSuccessPolicy string

const (
	FanoutSuccessAny FanoutSuccessPolicy = "any"
	FanoutSuccessAll FanoutSuccessPolicy = "all"
)

var DefaultFanoutSuccessPolicy = FanoutSuccessAny
