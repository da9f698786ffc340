// Package provider defines the transcription capability shared by the local
// subprocess engine and the hosted fallback engine.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ID identifies which engine produced a result.
type ID string

const (
	// Primary is the local, resource-constrained engine.
	Primary ID = "primary"
	// Fallback is the hosted escalation engine.
	Fallback ID = "fallback"
)

// Result is one completed transcription. Never mutated after creation.
type Result struct {
	Text     string        `json:"text"`
	Provider ID            `json:"provider"`
	Elapsed  time.Duration `json:"elapsed"`

	// EngineConfidence is the engine-reported confidence when the engine
	// surfaces one (the local engine does); 0 when unavailable.
	EngineConfidence float64 `json:"engine_confidence,omitempty"`
}

// Provider converts one audio file into text.
type Provider interface {
	ID() ID
	Transcribe(ctx context.Context, segmentPath string) (*Result, error)
}

// TimeoutError indicates the engine exceeded its hard wall-clock budget and
// was forcibly terminated.
type TimeoutError struct {
	Provider ID
	Timeout  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s transcription timed out after %s", e.Provider, e.Timeout)
}

// IsTimeout reports whether err is a transcription timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// ProviderError is a typed engine failure. An empty or safety-filtered
// response is a ProviderError, never a silent empty string.
type ProviderError struct {
	Provider ID
	Code     string
	Message  string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider error (%s): %s", e.Provider, e.Code, e.Message)
}

// Well-known ProviderError codes.
const (
	CodeEngineFailed    = "engine_failed"
	CodeEmptyTranscript = "empty_transcript"
	CodeSafetyFiltered  = "safety_filtered"
	CodeUploadFailed    = "upload_failed"
)
