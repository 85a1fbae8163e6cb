// Package video wraps ffprobe invocations used to validate recordings
// before and after the pipeline processes them.
package video

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gopkg.in/vansante/go-ffprobe.v2"

	"github.com/civiccaption/flexcore/log"
)

// Result is the subset of ffprobe output the pipeline cares about: enough
// to compare a captioned/uploaded asset's duration against its source and
// to sanity-check that a recording actually contains a video stream before
// burning transcription time on it.
type Result struct {
	Format          string
	DurationSeconds float64
	SizeBytes       int64
	VideoCodec      string
	Width           int64
	Height          int64
	HasAudio        bool
}

// Prober probes a local file or URL and reports its container/stream
// properties. Implemented by Probe; a fake is used in pipeline tests.
type Prober interface {
	ProbeFile(jobID, path string) (Result, error)
}

// Probe is the default Prober, backed by gopkg.in/vansante/go-ffprobe.v2.
type Probe struct{}

func (p Probe) ProbeFile(jobID, path string) (Result, error) {
	var data *ffprobe.ProbeData
	operation := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		var err error
		data, err = ffprobe.ProbeURL(ctx, path, "-loglevel", "error")
		return err
	}

	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = 500 * time.Millisecond
	backOff.MaxInterval = 2 * time.Second
	backOff.MaxElapsedTime = 0
	if err := backoff.Retry(operation, backoff.WithMaxRetries(backOff, 3)); err != nil {
		return Result{}, fmt.Errorf("error probing %s: %w", path, err)
	}

	res, err := parseProbeOutput(data)
	if err != nil {
		log.LogError(jobID, "probe output did not parse", err, "path", path)
		return Result{}, err
	}
	return res, nil
}

func parseProbeOutput(probeData *ffprobe.ProbeData) (Result, error) {
	videoStream := probeData.FirstVideoStream()
	if videoStream == nil {
		return Result{}, fmt.Errorf("no video stream found")
	}
	if probeData.Format == nil {
		return Result{}, fmt.Errorf("format information missing")
	}

	size, err := strconv.ParseInt(probeData.Format.Size, 10, 64)
	if err != nil {
		size = 0
	}

	duration, err := strconv.ParseFloat(videoStream.Duration, 64)
	if err != nil || duration == 0 {
		duration = probeData.Format.DurationSeconds
	}

	return Result{
		Format:          probeData.Format.FormatName,
		DurationSeconds: duration,
		SizeBytes:       size,
		VideoCodec:      strings.ToLower(videoStream.CodecName),
		Width:           int64(videoStream.Width),
		Height:          int64(videoStream.Height),
		HasAudio:        probeData.FirstAudioStream() != nil,
	}, nil
}

// WithinTolerance reports whether two durations agree within the given
// fractional tolerance (e.g. 0.10 for 10%), matching the Validate stage's
// quality contract.
func WithinTolerance(a, b, tolerance float64) bool {
	if a <= 0 || b <= 0 {
		return false
	}
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff/a <= tolerance
}
