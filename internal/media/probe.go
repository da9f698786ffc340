package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"callscribe/pkg/logger"
)

// Prober inspects audio assets with ffprobe.
type Prober struct {
	ffprobePath string
	timeout     time.Duration
	logger      *logger.Logger
}

// NewProber creates a new asset prober.
func NewProber(ffprobePath string, timeout time.Duration, log *logger.Logger) *Prober {
	return &Prober{
		ffprobePath: ffprobePath,
		timeout:     timeout,
		logger:      log.Named("probe"),
	}
}

// ffprobe -print_format json output, reduced to the fields we read.
type probeOutput struct {
	Format struct {
		FormatName string            `json:"format_name"`
		Duration   string            `json:"duration"`
		Size       string            `json:"size"`
		BitRate    string            `json:"bit_rate"`
		Tags       map[string]string `json:"tags"`
	} `json:"format"`
	Streams []struct {
		CodecType  string `json:"codec_type"`
		CodecName  string `json:"codec_name"`
		SampleRate string `json:"sample_rate"`
		Channels   int    `json:"channels"`
		BitRate    string `json:"bit_rate"`
	} `json:"streams"`
}

// Probe extracts duration, bitrate, codec and layout metadata from an asset.
// It fails with a ProbeError when the file is unreadable or carries no audio
// stream.
func (p *Prober) Probe(ctx context.Context, path string) (*Metadata, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, &ProbeError{Path: path, Err: err}
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, p.ffprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if probeCtx.Err() == context.DeadlineExceeded {
			return nil, &ProbeError{Path: path, Err: fmt.Errorf("ffprobe timed out after %s", p.timeout)}
		}
		return nil, &ProbeError{Path: path, Err: fmt.Errorf("%v: %s", err, strings.TrimSpace(stderr.String()))}
	}

	meta, err := parseProbeOutput(stdout.Bytes())
	if err != nil {
		return nil, &ProbeError{Path: path, Err: err}
	}

	p.logger.Debug("Probed asset",
		logger.String("path", path),
		logger.Float64("duration_seconds", meta.DurationSeconds),
		logger.String("codec", meta.Codec),
		logger.String("container", meta.Container),
		logger.Bool("high_res_source", meta.HighResSource))

	return meta, nil
}

// parseProbeOutput converts raw ffprobe JSON into Metadata. Split out of Probe
// so the parsing and classification logic is testable without a subprocess.
func parseProbeOutput(data []byte) (*Metadata, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	var audioIdx = -1
	for i, s := range out.Streams {
		if s.CodecType == "audio" {
			audioIdx = i
			break
		}
	}
	if audioIdx < 0 {
		return nil, fmt.Errorf("no audio stream found")
	}
	audio := out.Streams[audioIdx]

	meta := &Metadata{
		Codec:     audio.CodecName,
		Container: out.Format.FormatName,
		Channels:  audio.Channels,
		Tags:      out.Format.Tags,
	}
	meta.DurationSeconds, _ = strconv.ParseFloat(out.Format.Duration, 64)
	meta.SizeBytes, _ = strconv.ParseInt(out.Format.Size, 10, 64)
	if audio.SampleRate != "" {
		meta.SampleRate, _ = strconv.Atoi(audio.SampleRate)
	}
	// Prefer the stream bitrate; fall back to the container bitrate.
	if audio.BitRate != "" {
		meta.BitrateBps, _ = strconv.Atoi(audio.BitRate)
	}
	if meta.BitrateBps == 0 && out.Format.BitRate != "" {
		meta.BitrateBps, _ = strconv.Atoi(out.Format.BitRate)
	}

	if meta.DurationSeconds <= 0 {
		return nil, fmt.Errorf("asset has no duration")
	}

	meta.HighResSource = isHighResSource(meta.Container, meta.Codec)

	return meta, nil
}

// Container families used by the common mobile recorder apps, and the codecs
// those recorders default to. Classification requires both to match; format
// tags are frequently absent and never gate the decision.
var (
	mobileContainers = []string{"mp4", "m4a", "mov", "3gp", "3g2"}
	mobileCodecs     = map[string]bool{"aac": true, "alac": true}
)

func isHighResSource(container, codec string) bool {
	containerMatch := false
	for _, name := range strings.Split(container, ",") {
		name = strings.TrimSpace(name)
		for _, m := range mobileContainers {
			if name == m {
				containerMatch = true
				break
			}
		}
	}
	return containerMatch && mobileCodecs[strings.ToLower(codec)]
}
