package video

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/vansante/go-ffprobe.v2"
)

func TestParseProbeOutputRejectsWhenNoVideoTrackPresent(t *testing.T) {
	_, err := parseProbeOutput(&ffprobe.ProbeData{
		Streams: []*ffprobe.Stream{
			{CodecType: "audio"},
		},
	})
	require.ErrorContains(t, err, "no video stream found")
}

func TestParseProbeOutputReportsDurationAndCodec(t *testing.T) {
	res, err := parseProbeOutput(&ffprobe.ProbeData{
		Streams: []*ffprobe.Stream{
			{CodecType: "video", CodecName: "h264", Width: 1920, Height: 1080, Duration: "1800.5"},
			{CodecType: "audio", CodecName: "aac"},
		},
		Format: &ffprobe.Format{FormatName: "mov,mp4,m4a,3gp,3g2,mj2", Size: "524288000"},
	})
	require.NoError(t, err)
	require.Equal(t, "h264", res.VideoCodec)
	require.Equal(t, int64(1920), res.Width)
	require.Equal(t, int64(1080), res.Height)
	require.InDelta(t, 1800.5, res.DurationSeconds, 0.01)
	require.Equal(t, int64(524288000), res.SizeBytes)
	require.True(t, res.HasAudio)
}

func TestWithinTolerance(t *testing.T) {
	require.True(t, WithinTolerance(1800, 1790, 0.10))
	require.True(t, WithinTolerance(1800, 1620, 0.10))
	require.False(t, WithinTolerance(1800, 1600, 0.10))
	require.False(t, WithinTolerance(0, 100, 0.10))
}
