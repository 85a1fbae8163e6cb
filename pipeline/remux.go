package pipeline

import (
	"bytes"
	"fmt"
	"os"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// remuxCaptions muxes the CEA-608 SCC stream at sccInputPath into
// videoInputPath's container, copying audio/video streams untouched so
// the original encode is never re-transcoded. `-a53cc 1` tells ffmpeg to
// carry the closed-caption side-data through to the output container
// rather than attaching it as a separate subtitle track; exact container
// internals beyond that are out of scope here.
func remuxCaptions(videoInputPath, sccInputPath, outputPath string) error {
	video := ffmpeg.Input(videoInputPath)
	captions := ffmpeg.Input(sccInputPath)

	var ffmpegErr bytes.Buffer
	err := ffmpeg.Output([]*ffmpeg.Stream{video, captions}, outputPath, ffmpeg.KwArgs{
		"map":      "0",
		"c":        "copy",
		"a53cc":    "1",
		"movflags": "faststart",
	}).OverWriteOutput().WithErrorOutput(&ffmpegErr).Run()
	if err != nil {
		return fmt.Errorf("remuxing captions into %s [%s]: %w", videoInputPath, ffmpegErr.String(), err)
	}
	if _, statErr := os.Stat(outputPath); statErr != nil {
		return fmt.Errorf("remux error: failed to stat output %s: %w", outputPath, statErr)
	}
	return nil
}
