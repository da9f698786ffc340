package media

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"callscribe/pkg/logger"
)

// Chunker splits an asset into time-bounded segments, preferring cuts that
// land on silence so speech is never bisected mid-word.
type Chunker struct {
	ffmpegPath         string
	silenceThresholdDB float64
	minSilenceSecs     float64
	extractTimeout     time.Duration
	logger             *logger.Logger
}

// NewChunker creates a new chunker.
func NewChunker(ffmpegPath string, silenceThresholdDB, minSilenceSecs float64, extractTimeout time.Duration, log *logger.Logger) *Chunker {
	return &Chunker{
		ffmpegPath:         ffmpegPath,
		silenceThresholdDB: silenceThresholdDB,
		minSilenceSecs:     minSilenceSecs,
		extractTimeout:     extractTimeout,
		logger:             log.Named("chunker"),
	}
}

// span is a planned segment boundary pair before extraction.
type span struct {
	start float64
	end   float64
}

// silence is one detected silence interval in the source audio.
type silence struct {
	Start float64
	End   float64
}

// Split produces the ordered segment list for one asset. Moderately long
// assets (duration within 1.5x the segment cap) stay whole; longer ones are
// cut on silence boundaries when possible and at fixed multiples of the cap
// otherwise. Extraction is a lossy re-encode so every segment decodes
// independently. A failure extracting any segment fails the whole split.
func (c *Chunker) Split(ctx context.Context, assetPath string, meta *Metadata, maxSegmentSeconds float64, outDir string) ([]Segment, error) {
	duration := meta.DurationSeconds

	if !needsSplit(duration, maxSegmentSeconds) {
		return []Segment{{Index: 0, StartSeconds: 0, EndSeconds: duration, Path: assetPath}}, nil
	}

	silences, err := c.detectSilences(ctx, assetPath)
	if err != nil {
		// Silence detection is best-effort; fixed splitting still works.
		c.logger.Warn("Silence detection failed, falling back to fixed splits", logger.Error(err))
		silences = nil
	}

	spans := planFromSilences(duration, maxSegmentSeconds, silences)
	if len(spans) == 0 {
		spans = planFixed(duration, maxSegmentSeconds)
	}

	c.logger.Info("Planned segments",
		logger.String("asset", assetPath),
		logger.Float64("duration_seconds", duration),
		logger.Int("segments", len(spans)),
		logger.Int("silence_intervals", len(silences)))

	segments := make([]Segment, 0, len(spans))
	for i, sp := range spans {
		segPath := filepath.Join(outDir, fmt.Sprintf("segment_%03d.mp3", i))
		if err := c.extractSegment(ctx, assetPath, segPath, sp.start, sp.end); err != nil {
			// Partial chunk lists are never returned.
			for _, s := range segments {
				os.Remove(s.Path)
			}
			return nil, &ChunkError{Index: i, Err: err}
		}
		segments = append(segments, Segment{
			Index:        i,
			StartSeconds: sp.start,
			EndSeconds:   sp.end,
			Path:         segPath,
		})
	}

	return segments, nil
}

// needsSplit applies the 1.5x rule: moderately long assets are transcribed
// whole rather than paying the split overhead.
func needsSplit(duration, maxSegmentSeconds float64) bool {
	return duration > maxSegmentSeconds*1.5
}

// planFixed cuts at multiples of the segment cap, truncating the final
// segment to the asset's true duration.
func planFixed(duration, maxSegmentSeconds float64) []span {
	n := int(math.Ceil(duration / maxSegmentSeconds))
	spans := make([]span, 0, n)
	for i := 0; i < n; i++ {
		start := float64(i) * maxSegmentSeconds
		end := math.Min(start+maxSegmentSeconds, duration)
		spans = append(spans, span{start: start, end: end})
	}
	return spans
}

// planFromSilences cuts at a silence boundary whenever the accumulated
// speech-only span since the last cut reaches the segment cap. Returns nil
// when no usable cut points exist so the caller can fall back to fixed
// splitting. Spans that still exceed 1.5x the cap (long silence-free
// stretches) are subdivided at fixed multiples.
func planFromSilences(duration, maxSegmentSeconds float64, silences []silence) []span {
	if len(silences) == 0 {
		return nil
	}

	var cuts []float64
	lastCut := 0.0
	pos := 0.0
	speech := 0.0

	for _, sil := range silences {
		if sil.End <= lastCut || sil.Start >= duration {
			continue
		}
		speech += math.Max(0, sil.Start-pos)
		pos = sil.End
		if speech >= maxSegmentSeconds {
			cuts = append(cuts, sil.Start)
			lastCut = sil.Start
			speech = 0
		}
	}

	if len(cuts) == 0 {
		return nil
	}

	var spans []span
	prev := 0.0
	for _, cut := range cuts {
		spans = append(spans, span{start: prev, end: cut})
		prev = cut
	}
	if prev < duration {
		spans = append(spans, span{start: prev, end: duration})
	}

	var out []span
	for _, sp := range spans {
		if needsSplit(sp.end-sp.start, maxSegmentSeconds) {
			for _, sub := range planFixed(sp.end-sp.start, maxSegmentSeconds) {
				out = append(out, span{start: sp.start + sub.start, end: sp.start + sub.end})
			}
		} else {
			out = append(out, sp)
		}
	}
	return out
}

var (
	silenceStartRe = regexp.MustCompile(`silence_start:\s*([0-9.]+)`)
	silenceEndRe   = regexp.MustCompile(`silence_end:\s*([0-9.]+)`)
)

// detectSilences runs the ffmpeg silencedetect filter and parses its stderr.
func (c *Chunker) detectSilences(ctx context.Context, assetPath string) ([]silence, error) {
	filter := fmt.Sprintf("silencedetect=noise=%gdB:d=%g", c.silenceThresholdDB, c.minSilenceSecs)

	detectCtx, cancel := context.WithTimeout(ctx, c.extractTimeout)
	defer cancel()

	cmd := exec.CommandContext(detectCtx, c.ffmpegPath,
		"-hide_banner",
		"-i", assetPath,
		"-af", filter,
		"-f", "null", "-",
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("silencedetect failed: %w", err)
	}

	return parseSilences(stderr.String()), nil
}

// parseSilences pairs silence_start/silence_end markers from silencedetect
// output. An unmatched trailing start means the file ends in silence; that
// interval is dropped since it cannot host a cut.
func parseSilences(output string) []silence {
	starts := silenceStartRe.FindAllStringSubmatch(output, -1)
	ends := silenceEndRe.FindAllStringSubmatch(output, -1)

	n := len(starts)
	if len(ends) < n {
		n = len(ends)
	}

	silences := make([]silence, 0, n)
	for i := 0; i < n; i++ {
		start, err1 := strconv.ParseFloat(starts[i][1], 64)
		end, err2 := strconv.ParseFloat(ends[i][1], 64)
		if err1 != nil || err2 != nil || end <= start {
			continue
		}
		silences = append(silences, silence{Start: start, End: end})
	}
	return silences
}

// extractSegment re-encodes one time slice of the asset into an independently
// decodable file.
func (c *Chunker) extractSegment(ctx context.Context, srcPath, dstPath string, start, end float64) error {
	extractCtx, cancel := context.WithTimeout(ctx, c.extractTimeout)
	defer cancel()

	cmd := exec.CommandContext(extractCtx, c.ffmpegPath,
		"-hide_banner",
		"-y",
		"-i", srcPath,
		"-ss", formatSeconds(start),
		"-to", formatSeconds(end),
		"-vn",
		"-acodec", "libmp3lame",
		"-q:a", "4",
		dstPath,
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if extractCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("extraction timed out after %s", c.extractTimeout)
		}
		return fmt.Errorf("%v: %s", err, lastLine(stderr.String()))
	}

	info, err := os.Stat(dstPath)
	if err != nil || info.Size() == 0 {
		return fmt.Errorf("extracted segment is missing or empty: %s", dstPath)
	}

	return nil
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

func lastLine(s string) string {
	lines := bytes.Split(bytes.TrimSpace([]byte(s)), []byte("\n"))
	if len(lines) == 0 {
		return ""
	}
	return string(bytes.TrimSpace(lines[len(lines)-1]))
}
