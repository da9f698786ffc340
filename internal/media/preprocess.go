package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"callscribe/pkg/logger"
)

// Preprocessor re-encodes a segment into the layout the transcription engines
// work best with: mono, a fixed sample rate, and a speech bandpass that drops
// sub-80Hz rumble and everything above 8kHz.
type Preprocessor struct {
	ffmpegPath       string
	targetSampleRate int
	timeout          time.Duration
	logger           *logger.Logger
}

// NewPreprocessor creates a new segment preprocessor.
func NewPreprocessor(ffmpegPath string, targetSampleRate int, timeout time.Duration, log *logger.Logger) *Preprocessor {
	return &Preprocessor{
		ffmpegPath:       ffmpegPath,
		targetSampleRate: targetSampleRate,
		timeout:          timeout,
		logger:           log.Named("preprocess"),
	}
}

// Normalize writes the normalized copy of segmentPath to outputPath and
// returns outputPath. On encoder failure it returns the original path along
// with a PreprocessError: preprocessing is advisory and the pipeline proceeds
// on the raw segment, but the caller must log the substitution since it
// affects the quality signal downstream.
func (p *Preprocessor) Normalize(ctx context.Context, segmentPath, outputPath string, source *Metadata) (string, error) {
	bitrate := selectBitrate(source.BitrateBps)

	normCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(normCtx, p.ffmpegPath,
		"-hide_banner",
		"-y",
		"-i", segmentPath,
		"-ac", "1",
		"-ar", fmt.Sprintf("%d", p.targetSampleRate),
		"-af", "highpass=f=80,lowpass=f=8000",
		"-b:a", bitrate,
		outputPath,
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		os.Remove(outputPath)
		return segmentPath, &PreprocessError{Path: segmentPath, Err: fmt.Errorf("%v: %s", err, lastLine(stderr.String()))}
	}

	info, err := os.Stat(outputPath)
	if err != nil || info.Size() == 0 {
		os.Remove(outputPath)
		return segmentPath, &PreprocessError{Path: segmentPath, Err: fmt.Errorf("normalized output missing or empty")}
	}

	p.logger.Debug("Normalized segment",
		logger.String("input", segmentPath),
		logger.String("output", outputPath),
		logger.String("bitrate", bitrate))

	return outputPath, nil
}

// selectBitrate adapts the target bitrate to the source: encoding a low
// bitrate source any higher only amplifies noise, while a very high quality
// source deserves more headroom.
func selectBitrate(sourceBitrateBps int) string {
	switch {
	case sourceBitrateBps > 0 && sourceBitrateBps < 64_000:
		return "48k"
	case sourceBitrateBps > 256_000:
		return "128k"
	default:
		return "96k"
	}
}
