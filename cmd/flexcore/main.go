package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	_ "github.com/lib/pq"
	"github.com/peterbourgon/ff/v3"
	"golang.org/x/sync/errgroup"

	"github.com/civiccaption/flexcore/clients"
	"github.com/civiccaption/flexcore/config"
	"github.com/civiccaption/flexcore/core"
	"github.com/civiccaption/flexcore/metrics"
	"github.com/civiccaption/flexcore/pipeline"
	"github.com/civiccaption/flexcore/queue"
	"github.com/civiccaption/flexcore/scheduler"
	"github.com/civiccaption/flexcore/store"
	"github.com/civiccaption/flexcore/video"
)

func main() {
	err := flag.Set("logtostderr", "true")
	if err != nil {
		glog.Fatal(err)
	}
	vFlag := flag.Lookup("v")
	fs := flag.NewFlagSet("flexcore", flag.ExitOnError)
	cli := config.Cli{}

	version := fs.Bool("version", false, "print application version")

	// storage volumes
	config.VolumesFlag(fs, &cli.Volumes, "volumes", "Flex volumes to scan, as id|mount_path|label[,...]; append |disabled to keep one configured but inactive")

	// schedule
	fs.StringVar(&cli.ScheduleTimezone, "schedule-timezone", "UTC", "Default civic timezone for cron entries that don't specify one")
	config.ScheduleEntriesFlag(fs, &cli.ScheduleEntries, "schedule-entries", config.DefaultScheduleEntries(), "Schedule entries as name|cron|timezone|template|payload with ';' for spaces inside cron")
	fs.DurationVar(&cli.ScheduleCatchupWindow, "schedule-catchup-window", time.Hour, "How far back a missed firing is still fired once on restart")

	// queues and retries
	config.QueuesFlag(fs, &cli.Queues, "queues", config.DefaultQueues(), "Named queues as name|concurrency|max_queue_depth")
	fs.IntVar(&cli.RetryMaxAttempts, "retry-max-attempts", config.DefaultMaxAttempts, "Default attempts before a pipeline job is failed")
	fs.DurationVar(&cli.RetryBackoffBase, "retry-backoff-base", config.DefaultRetryBackoffBase, "Base delay for exponential retry backoff")
	fs.DurationVar(&cli.RetryBackoffCap, "retry-backoff-cap", config.DefaultRetryBackoffCap, "Cap on exponential retry backoff")

	// lease TTLs
	fs.DurationVar(&cli.LeaseTTLTranscribe, "lease-ttl-transcribe", 2*time.Hour, "Lease TTL covering the transcription stage")
	fs.DurationVar(&cli.LeaseTTLRemux, "lease-ttl-remux", 30*time.Minute, "Lease TTL covering the remux stage")
	fs.DurationVar(&cli.LeaseTTLUpload, "lease-ttl-upload", time.Hour, "Lease TTL covering the upload stage")

	// scanner policy
	fs.IntVar(&cli.ScannerRecentN, "scanner-recent-n", 5, "How many most-recent recordings per volume to select")
	fs.Int64Var(&cli.ScannerMinSizeBytes, "scanner-min-size-bytes", 10*1024*1024, "Minimum recording size; smaller files are treated as fragments")
	config.CommaSliceFlag(fs, &cli.ScannerExtensions, "scanner-extensions", []string{".mp4", ".mov", ".mkv", ".m4v"}, "Recording file extensions to consider")
	fs.BoolVar(&cli.ScannerSkipIfCaptionExists, "scanner-skip-if-caption-exists", true, "Skip recordings that already have a non-empty .scc sidecar")

	// cablecast client
	fs.StringVar(&cli.CablecastBaseURL, "cablecast-base-url", "", "Base URL of the Cablecast server")
	fs.StringVar(&cli.CablecastUsername, "cablecast-username", "", "Cablecast API username")
	fs.StringVar(&cli.CablecastPassword, "cablecast-password", "", "Cablecast API password")
	fs.StringVar(&cli.CablecastLocationID, "cablecast-location-id", "", "Cablecast location id scoping show lookups")
	fs.Float64Var(&cli.CablecastRateLimit, "cablecast-rate-limit", 2, "Cablecast requests per second (token bucket)")
	fs.StringVar(&cli.CablecastSigningSecret, "cablecast-signing-secret", "", "Optional HS256 secret for signed upload tokens on gateway-fronted deployments")

	// asr
	fs.StringVar(&cli.ASRBinaryPath, "asr-binary", "whisperx", "Path to the ASR CLI binary")
	fs.StringVar(&cli.ASRModel, "asr-model", "large-v2", "ASR model name")
	fs.StringVar(&cli.ASRLanguage, "asr-language", "en", "ASR language hint")
	fs.StringVar(&cli.ASRComputeType, "asr-compute-type", "int8", "ASR compute type")
	fs.IntVar(&cli.ASRBatchSize, "asr-batch-size", 16, "ASR batch size")
	fs.IntVar(&cli.ASRNumWorkers, "asr-num-workers", 2, "Concurrency hint passed to the ASR binary")
	fs.DurationVar(&cli.ASRTimeout, "asr-timeout", 2*time.Hour, "Bound on a single ASR invocation")

	// paths and store
	fs.StringVar(&cli.PathsTempRoot, "temp-root", "/var/tmp/flexcore", "Working directory root for per-fingerprint pipeline artifacts")
	fs.StringVar(&cli.PathsOutputRoot, "output-root", "", "Optional root for copies of final outputs; empty disables")
	fs.StringVar(&cli.StoreBadgerDir, "store-dir", "/var/lib/flexcore", "Durable store data directory")

	// policies left to operators
	sidecarPolicy := fs.String("scc-sidecar-policy", string(config.DefaultSCCSidecarPolicy), "When to place the final .scc next to the source: always, on_match, never")
	fanoutPolicy := fs.String("fanout-success-policy", string(config.DefaultFanoutSuccessPolicy), "Fan-out parent success policy: any or all")

	// observability and lifecycle
	fs.StringVar(&cli.MetricsListenAddr, "metrics-addr", "127.0.0.1:9090", "Address for the /metrics and /healthz listener")
	fs.StringVar(&cli.MetricsDBConnectionString, "metrics-db-connection-string", "", "Optional Postgres sink for completed pipeline run rows. Takes the form: host=X port=X user=X password=X dbname=X")
	fs.DurationVar(&cli.ShutdownDrainTimeout, "shutdown-drain-timeout", config.DefaultDrainTimeout, "How long to wait for in-flight jobs to reach a checkpoint on SIGTERM")
	fs.DurationVar(&cli.ValidationTimeout, "validation-timeout", 30*time.Minute, "Bound on waiting for Cablecast to report an uploaded VOD complete")

	verbosity := fs.String("v", "", "Log verbosity.  {4|5|6}")
	_ = fs.String("config", "", "config file (optional)")

	err = ff.Parse(fs, os.Args[1:],
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithEnvVarPrefix("FLEXCORE"),
	)
	if err != nil {
		glog.Fatalf("error parsing cli: %s", err)
	}
	if len(fs.Args()) > 0 {
		glog.Fatalf("unexpected extra arguments on command line: %v", fs.Args())
	}
	err = flag.CommandLine.Parse(nil)
	if err != nil {
		glog.Fatal(err)
	}

	if *version {
		fmt.Printf("flexcore version: %s\n", config.Version)
		return
	}

	if *verbosity != "" {
		err = vFlag.Value.Set(*verbosity)
		if err != nil {
			glog.Fatal(err)
		}
	}

	cli.OutputSCCSidecarPolicy = config.SCCSidecarPolicy(*sidecarPolicy)
	cli.FanoutSuccessPolicy = config.FanoutSuccessPolicy(*fanoutPolicy)

	if len(cli.Volumes) == 0 {
		glog.Fatal("no volumes configured; pass -volumes")
	}

	db, err := store.Open(cli.StoreBadgerDir)
	if err != nil {
		glog.Fatalf("error opening durable store: %s", err)
	}
	defer db.Close()

	var metricsDB *sql.DB
	if cli.MetricsDBConnectionString != "" {
		metricsDB, err = sql.Open("postgres", cli.MetricsDBConnectionString)
		if err != nil {
			glog.Fatalf("error creating postgres metrics connection: %s", err)
		}
		metricsDB.SetMaxOpenConns(2)
		metricsDB.SetMaxIdleConns(2)
		metricsDB.SetConnMaxLifetime(time.Hour)
	}

	q := queue.New(db, cli.Queues, cli.RetryBackoffBase, cli.RetryBackoffCap, cli.RetryMaxAttempts)
	fsCap := clients.NewFilesystem()
	asr := clients.NewASRClientFromConfig(cli)
	cablecast := clients.WithShowCache(clients.NewCablecastClientFromConfig(cli))

	deps := pipeline.Deps{
		FS:        fsCap,
		ASR:       asr,
		Cablecast: cablecast,
		Prober:    video.Probe{},
		TempRoot:  cli.PathsTempRoot,
		ASRParams: clients.ASRParams{
			Model:       cli.ASRModel,
			Language:    cli.ASRLanguage,
			ComputeType: cli.ASRComputeType,
			BatchSize:   cli.ASRBatchSize,
			NumWorkers:  cli.ASRNumWorkers,
		},
		SCCSidecarPolicy:  cli.OutputSCCSidecarPolicy,
		ValidationTimeout: cli.ValidationTimeout,
	}

	engine := core.NewCore(cli, db, q, fsCap, asr, cablecast, deps, metricsDB)

	for _, e := range cli.ScheduleEntries {
		if e.Payload == "" {
			continue
		}
		template := e.Template
		if template == "" {
			template = e.Name
		}
		if err := core.ValidatePayload(template, []byte(e.Payload)); err != nil {
			glog.Fatalf("schedule entry %s payload invalid: %s", e.Name, err)
		}
	}

	dispatcher, err := queue.NewDispatcher(q, engine.Handlers(), cli.Queues)
	if err != nil {
		glog.Fatalf("error building dispatcher: %s", err)
	}
	sched, err := scheduler.New(db, q, cli.ScheduleEntries, engine.SchedulerBindings(), cli.ScheduleTimezone, cli.ScheduleCatchupWindow)
	if err != nil {
		glog.Fatalf("error building scheduler: %s", err)
	}

	// Initialize root context; cancelling this prompts all components to
	// shut down cleanly.
	group, ctx := errgroup.WithContext(context.Background())

	group.Go(func() error {
		return dispatcher.Run(ctx)
	})
	group.Go(func() error {
		return sched.Run(ctx)
	})
	group.Go(func() error {
		return metrics.ListenAndServe(ctx, cli.MetricsListenAddr, func() bool { return true })
	})
	group.Go(func() error {
		return handleSignals(ctx, cli.ShutdownDrainTimeout)
	})

	err = group.Wait()
	glog.Infof("Flexcore shut down, reason=%q", err)
}

// handleSignals converts SIGINT/SIGTERM into a group-wide cancellation and
// enforces the drain timeout: workers that haven't reached a checkpoint by
// then are abandoned (their leases will be reclaimed on the next start).
func handleSignals(ctx context.Context, drainTimeout time.Duration) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)
	select {
	case <-ctx.Done():
		return nil
	case s := <-c:
		glog.Infof("caught signal=%v, draining for up to %s", s, drainTimeout)
		time.AfterFunc(drainTimeout, func() {
			glog.Errorf("drain timeout exceeded, exiting")
			os.Exit(1)
		})
		return fmt.Errorf("caught signal=%v", s)
	}
}
