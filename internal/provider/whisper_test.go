package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"callscribe/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEngineOutput(t *testing.T) {
	data := `{"success": true, "text": "你好，这是测试。", "quality": {"score": 88.5, "confidence": 0.91, "chinese_ratio": 0.97}}`

	out, err := parseEngineOutput([]byte(data))

	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "你好，这是测试。", out.Text)
	assert.Equal(t, 88.5, out.Quality.Score)
	assert.Equal(t, 0.91, out.Quality.Confidence)
}

func TestParseEngineOutputFailure(t *testing.T) {
	data := `{"success": false, "text": "", "error": "model load failed"}`

	out, err := parseEngineOutput([]byte(data))

	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, "model load failed", out.Error)
}

func TestParseEngineOutputEmpty(t *testing.T) {
	_, err := parseEngineOutput([]byte("  \n"))
	assert.ErrorContains(t, err, "no output")
}

func TestParseEngineOutputGarbage(t *testing.T) {
	_, err := parseEngineOutput([]byte("Traceback (most recent call last):"))
	assert.Error(t, err)
}

func TestWhisperTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a subprocess")
	}

	// A shell that forks a background child stands in for a hung engine with
	// live workers. The grandchild inherits the stdout pipe; the timeout must
	// kill the whole process group or Wait stalls on the open pipe.
	w := NewWhisperProvider("/bin/sh", "-c", "base", "zh", 100*time.Millisecond, logger.NewNop())

	start := time.Now()
	_, err := w.Transcribe(context.Background(), "sleep 5 & sleep 5")

	require.Error(t, err)
	assert.True(t, IsTimeout(err), "expected timeout error, got %v", err)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestWhisperEngineMissing(t *testing.T) {
	w := NewWhisperProvider("/nonexistent/python3", "/tmp/script.py", "base", "zh", time.Second, logger.NewNop())

	_, err := w.Transcribe(context.Background(), "/audio/segment.mp3")

	require.Error(t, err)
	assert.False(t, IsTimeout(err))
}

func TestIsTimeout(t *testing.T) {
	terr := &TimeoutError{Provider: Primary, Timeout: time.Second}
	assert.True(t, IsTimeout(terr))
	assert.True(t, IsTimeout(fmt.Errorf("segment 3: %w", terr)))
	assert.False(t, IsTimeout(errors.New("plain")))
	assert.False(t, IsTimeout(nil))
}
