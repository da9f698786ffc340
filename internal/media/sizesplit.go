package media

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"callscribe/pkg/logger"
)

// SizeSplitter cuts a file into pieces that each fit under a byte cap. This
// is a second, independent split from the duration-driven Chunker split: the
// hosted provider enforces a maximum upload size, and an already
// duration-bounded segment can still exceed it.
type SizeSplitter struct {
	chunker *Chunker
	prober  *Prober
	logger  *logger.Logger
}

// NewSizeSplitter creates a size-driven splitter reusing the chunker's
// extraction machinery.
func NewSizeSplitter(chunker *Chunker, prober *Prober, log *logger.Logger) *SizeSplitter {
	return &SizeSplitter{
		chunker: chunker,
		prober:  prober,
		logger:  log.Named("sizesplit"),
	}
}

// SplitBySize returns paths to pieces of path that each fit under maxBytes,
// in playback order, written into outDir. When the file already fits, the
// original path is returned untouched.
func (s *SizeSplitter) SplitBySize(ctx context.Context, path string, maxBytes int64, outDir string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.Size() <= maxBytes {
		return []string{path}, nil
	}

	meta, err := s.prober.Probe(ctx, path)
	if err != nil {
		return nil, err
	}

	// One extra part of headroom: re-encoded pieces are not exactly
	// proportional to their duration share.
	parts := int(math.Ceil(float64(info.Size())/float64(maxBytes))) + 1
	partSeconds := meta.DurationSeconds / float64(parts)

	s.logger.Info("Segment exceeds upload cap, sub-splitting by size",
		logger.String("path", path),
		logger.Int64("size_bytes", info.Size()),
		logger.Int64("max_bytes", maxBytes),
		logger.Int("parts", parts))

	paths := make([]string, 0, parts)
	for i := 0; i < parts; i++ {
		start := float64(i) * partSeconds
		end := math.Min(start+partSeconds, meta.DurationSeconds)
		if end-start <= 0 {
			break
		}
		dst := filepath.Join(outDir, fmt.Sprintf("%s_part_%02d.mp3", trimExt(filepath.Base(path)), i))
		if err := s.chunker.extractSegment(ctx, path, dst, start, end); err != nil {
			for _, p := range paths {
				os.Remove(p)
			}
			return nil, fmt.Errorf("size split failed at part %d: %w", i, err)
		}
		paths = append(paths, dst)
	}

	return paths, nil
}

func trimExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}
