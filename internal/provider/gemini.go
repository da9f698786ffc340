package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/genai"

	"callscribe/pkg/logger"
)

// SizeSplitter cuts a file into pieces under a byte cap. Implemented by the
// media package; the hosted provider must never upload past the API limit.
type SizeSplitter interface {
	SplitBySize(ctx context.Context, path string, maxBytes int64, outDir string) ([]string, error)
}

// GeminiProvider is the hosted escalation engine. It uploads preprocessed
// audio to the Gemini API with a fixed target language and deterministic
// decoding (zero temperature).
type GeminiProvider struct {
	client   *genai.Client
	model    string
	language string
	timeout  time.Duration
	maxBytes int64
	attempts int
	splitter SizeSplitter
	logger   *logger.Logger
}

// NewGeminiProvider creates the hosted fallback provider.
func NewGeminiProvider(ctx context.Context, apiKey, model, language string, timeout time.Duration, maxUploadBytes int64, retryAttempts int, splitter SizeSplitter, log *logger.Logger) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required for the fallback provider")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &GeminiProvider{
		client:   client,
		model:    model,
		language: language,
		timeout:  timeout,
		maxBytes: maxUploadBytes,
		attempts: retryAttempts,
		splitter: splitter,
		logger:   log.Named("gemini"),
	}, nil
}

func (g *GeminiProvider) ID() ID { return Fallback }

// Transcribe uploads the segment and returns its transcript. Segments above
// the provider's upload cap are sub-split by size first and their transcripts
// concatenated in order.
func (g *GeminiProvider) Transcribe(ctx context.Context, segmentPath string) (*Result, error) {
	start := time.Now()

	parts := []string{segmentPath}
	if g.splitter != nil {
		splitDir, err := os.MkdirTemp("", "callscribe-upload-*")
		if err != nil {
			return nil, &ProviderError{Provider: Fallback, Code: CodeUploadFailed, Message: err.Error()}
		}
		defer os.RemoveAll(splitDir)

		parts, err = g.splitter.SplitBySize(ctx, segmentPath, g.maxBytes, splitDir)
		if err != nil {
			return nil, &ProviderError{Provider: Fallback, Code: CodeUploadFailed, Message: err.Error()}
		}
	}

	texts := make([]string, 0, len(parts))
	for _, part := range parts {
		text, err := g.transcribeOne(ctx, part)
		if err != nil {
			return nil, err
		}
		texts = append(texts, text)
	}

	text := strings.TrimSpace(strings.Join(texts, " "))
	if text == "" {
		return nil, &ProviderError{Provider: Fallback, Code: CodeEmptyTranscript, Message: "hosted engine returned no text"}
	}

	return &Result{
		Text:     text,
		Provider: Fallback,
		Elapsed:  time.Since(start),
	}, nil
}

func (g *GeminiProvider) transcribeOne(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", &ProviderError{Provider: Fallback, Code: CodeUploadFailed, Message: err.Error()}
	}

	instruction := fmt.Sprintf(
		"Transcribe this audio exactly, in language %q. Output only the transcript text, nothing else.",
		g.language)

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(instruction),
			genai.NewPartFromBytes(data, mimeTypeFor(path)),
		}, genai.RoleUser),
	}

	genCfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](0),
	}

	g.logger.Info("Uploading segment to hosted engine",
		logger.String("segment", path),
		logger.Int("size_bytes", len(data)),
		logger.String("model", g.model))

	var text string
	operation := func() error {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		resp, err := g.client.Models.GenerateContent(callCtx, g.model, contents, genCfg)
		if err != nil {
			if callCtx.Err() == context.DeadlineExceeded {
				return backoff.Permanent(&TimeoutError{Provider: Fallback, Timeout: g.timeout})
			}
			return fmt.Errorf("generate content failed: %w", err)
		}

		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return backoff.Permanent(&ProviderError{
				Provider: Fallback,
				Code:     CodeSafetyFiltered,
				Message:  fmt.Sprintf("prompt blocked: %s", resp.PromptFeedback.BlockReason),
			})
		}
		for _, cand := range resp.Candidates {
			if cand.FinishReason == genai.FinishReasonSafety {
				return backoff.Permanent(&ProviderError{
					Provider: Fallback,
					Code:     CodeSafetyFiltered,
					Message:  "response finished for safety reasons",
				})
			}
		}

		text = strings.TrimSpace(resp.Text())
		if text == "" {
			return backoff.Permanent(&ProviderError{
				Provider: Fallback,
				Code:     CodeEmptyTranscript,
				Message:  "hosted engine returned no text for part " + filepath.Base(path),
			})
		}
		return nil
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(g.attempts)),
		ctx,
	)
	if err := backoff.Retry(operation, bo); err != nil {
		var pe *ProviderError
		if errors.As(err, &pe) {
			return "", pe
		}
		var te *TimeoutError
		if errors.As(err, &te) {
			return "", te
		}
		return "", &ProviderError{Provider: Fallback, Code: CodeUploadFailed, Message: err.Error()}
	}

	return text, nil
}

func mimeTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return "audio/wav"
	case ".m4a", ".mp4":
		return "audio/mp4"
	case ".ogg":
		return "audio/ogg"
	case ".flac":
		return "audio/flac"
	default:
		return "audio/mpeg"
	}
}
