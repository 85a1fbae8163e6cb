package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/civiccaption/flexcore/config"
	xerrors "github.com/civiccaption/flexcore/errors"
	"github.com/civiccaption/flexcore/log"
	"github.com/civiccaption/flexcore/metrics"
	"github.com/civiccaption/flexcore/subprocess"
)

// Segment is one ASR-produced caption span. CaptionFormat consumes a slice
// of these in order to emit SCC cues.
type Segment struct {
	StartSeconds float64 `json:"start_s"`
	EndSeconds   float64 `json:"end_s"`
	Text         string  `json:"text"`
}

// ASRParams carries the configured asr.* knobs through to a single
// Transcribe call.
// What model/language/compute_type/batch_size mean is model-internal and
// out of scope; the core only needs to pass them through unchanged.
type ASRParams struct {
	Model       string
	Language    string
	ComputeType string
	BatchSize   int
	NumWorkers  int
}

// ASRClient is the capability the Transcribe pipeline stage calls. The
// model itself is an external process invoked per job; this wrapper owns
// only the process lifecycle, timeout, and output parsing.
type ASRClient interface {
	Transcribe(ctx context.Context, audioSource string, params ASRParams) ([]Segment, error)
}

// execASRClient shells out to an external ASR binary once per call,
// treating the model like ffmpeg/ffprobe: an external process we
// supervise rather than link against.
type execASRClient struct {
	binaryPath string
	timeout    time.Duration
}

// NewASRClient builds the production ASRClient. binaryPath is the
// configured ASR CLI; timeout bounds a single invocation (the ASR
// suspension point called out as bounded in the pipeline's concurrency
// model).
func NewASRClient(binaryPath string, timeout time.Duration) ASRClient {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &execASRClient{binaryPath: binaryPath, timeout: timeout}
}

// NewASRClientFromConfig is the constructor cmd/flexcore/main.go wires.
func NewASRClientFromConfig(cli config.Cli) ASRClient {
	return NewASRClient(cli.ASRBinaryPath, cli.ASRTimeout)
}

func (c *execASRClient) Transcribe(ctx context.Context, audioSource string, params ASRParams) ([]Segment, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var segments []Segment
	attempt := 0
	op := func() error {
		attempt++
		segs, err := c.runOnce(ctx, audioSource, params)
		if err != nil {
			if xerrors.IsUnretriable(err) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			metrics.M.ASRClient.FailureCount.WithLabelValues("asr", strconv.Itoa(attempt)).Inc()
			return err
		}
		segments = segs
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	start := time.Now()
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("transcribing %s: %w", audioSource, err)
	}
	metrics.M.ASRClient.RequestDuration.WithLabelValues("asr").Observe(time.Since(start).Seconds())

	if len(segments) == 0 {
		return nil, xerrors.NewEmptyTranscriptError(audioSource)
	}
	return segments, nil
}

func (c *execASRClient) runOnce(ctx context.Context, audioSource string, params ASRParams) ([]Segment, error) {
	args := []string{
		"--input", audioSource,
		"--model", params.Model,
		"--language", params.Language,
		"--compute-type", params.ComputeType,
		"--batch-size", strconv.Itoa(params.BatchSize),
		"--num-workers", strconv.Itoa(params.NumWorkers),
	}
	cmd := exec.CommandContext(ctx, c.binaryPath, args...)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := subprocess.LogStderr(cmd); err != nil {
		return nil, fmt.Errorf("wiring asr stderr: %w", err)
	}

	log.LogNoRequestID("invoking asr process", "binary", c.binaryPath, "input", audioSource)
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("asr process failed: %w", err)
	}

	var segments []Segment
	if err := json.Unmarshal(stdout.Bytes(), &segments); err != nil {
		return nil, xerrors.Unretriable(fmt.Errorf("parsing asr output: %w", err))
	}
	for i, s := range segments {
		if s.EndSeconds <= s.StartSeconds {
			return nil, xerrors.Unretriable(fmt.Errorf("asr segment %d has non-positive duration: start=%f end=%f", i, s.StartSeconds, s.EndSeconds))
		}
		if i > 0 && s.StartSeconds < segments[i-1].StartSeconds {
			return nil, xerrors.Unretriable(fmt.Errorf("asr segment %d out of order", i))
		}
	}
	return segments, nil
}
