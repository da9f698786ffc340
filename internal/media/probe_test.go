package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleProbeJSON = `{
	"streams": [
		{
			"codec_type": "video",
			"codec_name": "mjpeg"
		},
		{
			"codec_type": "audio",
			"codec_name": "aac",
			"sample_rate": "44100",
			"channels": 2,
			"bit_rate": "128000"
		}
	],
	"format": {
		"format_name": "mov,mp4,m4a,3gp,3g2,mj2",
		"duration": "3641.25",
		"size": "58320412",
		"bit_rate": "128130",
		"tags": {"major_brand": "M4A "}
	}
}`

func TestParseProbeOutput(t *testing.T) {
	meta, err := parseProbeOutput([]byte(sampleProbeJSON))

	require.NoError(t, err)
	assert.Equal(t, 3641.25, meta.DurationSeconds)
	assert.Equal(t, int64(58320412), meta.SizeBytes)
	assert.Equal(t, "aac", meta.Codec)
	assert.Equal(t, 44100, meta.SampleRate)
	assert.Equal(t, 2, meta.Channels)
	// Stream bitrate wins over the container bitrate.
	assert.Equal(t, 128000, meta.BitrateBps)
	assert.True(t, meta.HighResSource)
}

func TestParseProbeOutputSkipsVideoStream(t *testing.T) {
	meta, err := parseProbeOutput([]byte(sampleProbeJSON))

	require.NoError(t, err)
	// The mjpeg cover-art stream must not be picked as the audio stream.
	assert.Equal(t, "aac", meta.Codec)
}

func TestParseProbeOutputNoAudio(t *testing.T) {
	data := `{"streams":[{"codec_type":"video","codec_name":"h264"}],"format":{"duration":"10.0"}}`

	_, err := parseProbeOutput([]byte(data))

	assert.ErrorContains(t, err, "no audio stream")
}

func TestParseProbeOutputNoDuration(t *testing.T) {
	data := `{"streams":[{"codec_type":"audio","codec_name":"mp3"}],"format":{"format_name":"mp3"}}`

	_, err := parseProbeOutput([]byte(data))

	assert.ErrorContains(t, err, "no duration")
}

func TestParseProbeOutputBitrateFallback(t *testing.T) {
	data := `{
		"streams":[{"codec_type":"audio","codec_name":"mp3"}],
		"format":{"format_name":"mp3","duration":"60.0","bit_rate":"96000"}
	}`

	meta, err := parseProbeOutput([]byte(data))

	require.NoError(t, err)
	assert.Equal(t, 96000, meta.BitrateBps)
}

func TestIsHighResSource(t *testing.T) {
	// Both factors must match: a mobile container with a recorder codec.
	assert.True(t, isHighResSource("mov,mp4,m4a,3gp,3g2,mj2", "aac"))
	assert.True(t, isHighResSource("m4a", "alac"))
	assert.True(t, isHighResSource("mp4", "AAC"))

	// Container alone is not enough.
	assert.False(t, isHighResSource("mov,mp4,m4a,3gp,3g2,mj2", "mp3"))
	// Codec alone is not enough.
	assert.False(t, isHighResSource("matroska,webm", "aac"))
	assert.False(t, isHighResSource("mp3", "mp3"))
	assert.False(t, isHighResSource("", ""))
}
