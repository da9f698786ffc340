package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"callscribe/pkg/logger"
)

// engineMu serializes access to the local engine. The underlying model is
// memory-heavy: at most one subprocess may be alive in the whole process,
// across segments, jobs and retries.
var engineMu sync.Mutex

// WhisperProvider drives the local transcription engine as a subprocess and
// reads its transcript as a single JSON document on stdout.
type WhisperProvider struct {
	command    string
	scriptPath string
	model      string
	language   string
	timeout    time.Duration
	logger     *logger.Logger
}

// NewWhisperProvider creates the local subprocess provider.
func NewWhisperProvider(command, scriptPath, model, language string, timeout time.Duration, log *logger.Logger) *WhisperProvider {
	return &WhisperProvider{
		command:    command,
		scriptPath: scriptPath,
		model:      model,
		language:   language,
		timeout:    timeout,
		logger:     log.Named("whisper"),
	}
}

func (w *WhisperProvider) ID() ID { return Primary }

// engineOutput is the JSON document the engine prints on stdout.
type engineOutput struct {
	Success bool   `json:"success"`
	Text    string `json:"text"`
	Error   string `json:"error"`
	Quality struct {
		Score        float64 `json:"score"`
		Confidence   float64 `json:"confidence"`
		ChineseRatio float64 `json:"chinese_ratio"`
	} `json:"quality"`
}

// Transcribe runs the engine on one segment under a hard wall-clock timeout.
// On expiry the subprocess is killed and the call fails with a TimeoutError.
func (w *WhisperProvider) Transcribe(ctx context.Context, segmentPath string) (*Result, error) {
	engineMu.Lock()
	defer engineMu.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	args := []string{}
	if w.scriptPath != "" {
		args = append(args, w.scriptPath)
	}
	args = append(args,
		segmentPath,
		"--model", w.model,
		"--language", w.language,
		"--output-json",
	)

	cmd := exec.CommandContext(runCtx, w.command, args...)
	// The engine forks workers; on timeout the whole process group must die
	// or a grandchild keeps the model loaded and holds the stdout pipe open.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	w.logger.Info("Invoking local transcription engine",
		logger.String("segment", segmentPath),
		logger.String("model", w.model),
		logger.Duration("timeout", w.timeout))

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		w.logger.Warn("Local engine timed out, subprocess killed",
			logger.String("segment", segmentPath),
			logger.Duration("elapsed", elapsed))
		return nil, &TimeoutError{Provider: Primary, Timeout: w.timeout}
	}
	if err != nil {
		return nil, &ProviderError{
			Provider: Primary,
			Code:     CodeEngineFailed,
			Message:  fmt.Sprintf("%v: %s", err, lastStderrLine(stderr.String())),
		}
	}

	out, err := parseEngineOutput(stdout.Bytes())
	if err != nil {
		return nil, &ProviderError{Provider: Primary, Code: CodeEngineFailed, Message: err.Error()}
	}
	if !out.Success {
		return nil, &ProviderError{Provider: Primary, Code: CodeEngineFailed, Message: out.Error}
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return nil, &ProviderError{Provider: Primary, Code: CodeEmptyTranscript, Message: "engine returned no text"}
	}

	w.logger.Info("Local engine finished",
		logger.String("segment", segmentPath),
		logger.Duration("elapsed", elapsed),
		logger.Int("text_length", len(text)))

	return &Result{
		Text:             text,
		Provider:         Primary,
		Elapsed:          elapsed,
		EngineConfidence: out.Quality.Confidence,
	}, nil
}

// parseEngineOutput decodes the engine's stdout JSON document.
func parseEngineOutput(data []byte) (*engineOutput, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("engine produced no output")
	}
	var out engineOutput
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return nil, fmt.Errorf("failed to parse engine output: %w", err)
	}
	return &out, nil
}

func lastStderrLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}
