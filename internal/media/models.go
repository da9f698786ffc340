package media

import "fmt"

// Metadata describes an audio asset as reported by ffprobe. It is derived
// once per job and never mutated afterwards.
type Metadata struct {
	DurationSeconds float64           `json:"duration_seconds"`
	SizeBytes       int64             `json:"size_bytes"`
	BitrateBps      int               `json:"bitrate_bps"`
	Codec           string            `json:"codec"`
	Container       string            `json:"container"`
	SampleRate      int               `json:"sample_rate"`
	Channels        int               `json:"channels"`
	HighResSource   bool              `json:"high_res_source"`
	Tags            map[string]string `json:"tags,omitempty"`
}

// Segment is one time-bounded slice of an asset. Segments are processed in
// ascending Index order and their transcripts concatenated in that order.
type Segment struct {
	Index        int     `json:"index"`
	StartSeconds float64 `json:"start_seconds"`
	EndSeconds   float64 `json:"end_seconds"`
	Path         string  `json:"path"`
}

// DurationSeconds returns the length of the segment.
func (s Segment) DurationSeconds() float64 {
	return s.EndSeconds - s.StartSeconds
}

// ProbeError indicates an asset could not be inspected. Fatal to the job.
type ProbeError struct {
	Path string
	Err  error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe failed for %s: %v", e.Path, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// ChunkError indicates segment extraction failed. Splitting is all-or-nothing,
// so a ChunkError is fatal to the job.
type ChunkError struct {
	Index int
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk extraction failed for segment %d: %v", e.Index, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// PreprocessError indicates normalization failed. Recoverable: the caller may
// transcribe the raw segment instead.
type PreprocessError struct {
	Path string
	Err  error
}

func (e *PreprocessError) Error() string {
	return fmt.Sprintf("preprocess failed for %s: %v", e.Path, e.Err)
}

func (e *PreprocessError) Unwrap() error { return e.Err }
