package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config represents the main application configuration structure
// containing all configuration sections. It is constructed once at startup
// and passed by reference into each component.
type Config struct {
	Server   ServerConfig   `toml:"server"`   // HTTP server settings
	Logging  LoggingConfig  `toml:"logging"`  // Application logging settings
	Storage  StorageConfig  `toml:"storage"`  // Job state persistence settings
	Pipeline PipelineConfig `toml:"pipeline"` // Orchestration settings
	Media    MediaConfig    `toml:"media"`    // Probing, chunking and preprocessing settings
	Whisper  WhisperConfig  `toml:"whisper"`  // Local transcription engine settings
	Gemini   GeminiConfig   `toml:"gemini"`   // Hosted fallback provider settings
	Quality  QualityConfig  `toml:"quality"`  // Transcript quality scoring settings
	Fallback FallbackConfig `toml:"fallback"` // Escalation decision thresholds
	Sheets   SheetsConfig   `toml:"sheets"`   // Spreadsheet state-store collaborator
	Notify   NotifyConfig   `toml:"notify"`   // Chat notification collaborator
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Port               int      `toml:"port"`                  // HTTP port for the server
	Host               string   `toml:"host"`                  // Host address to bind to
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`  // Origins allowed for CORS requests
	ReadTimeoutSecs    int      `toml:"read_timeout_seconds"`  // Maximum duration for reading the entire request
	WriteTimeoutSecs   int      `toml:"write_timeout_seconds"` // Maximum duration for writing the response
	IdleTimeoutSecs    int      `toml:"idle_timeout_seconds"`  // Keep-alive idle timeout
}

// LoggingConfig contains application logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", or "error"
	Format string `toml:"format"` // Log format: "json" (structured) or "console" (human-readable)
}

// StorageConfig contains job state persistence configuration
type StorageConfig struct {
	SQLitePath string `toml:"sqlite_path"` // Path to the SQLite database file
}

// PipelineConfig contains settings for the sequential orchestration engine
type PipelineConfig struct {
	// Mode selects how POST /transcribe behaves:
	// - "async": enqueue the job and return 202 with a job ID
	// - "sync": run the job inline and return 200 with the transcript
	Mode string `toml:"mode"`

	MaxSegmentSeconds     float64 `toml:"max_segment_seconds"`      // Maximum duration of one transcription segment
	InterSegmentDelaySecs float64 `toml:"inter_segment_delay_secs"` // Pause between segments so the local engine fully releases
	MaxRetries            int     `toml:"max_retries"`              // Retry budget per job; exhausted jobs are skipped until reset
	PollIntervalSecs      int     `toml:"poll_interval_seconds"`    // How often the async runner looks for pending jobs
	WorkspaceDir          string  `toml:"workspace_dir"`            // Base directory for per-job temporary files
	DownloadTimeoutSecs   int     `toml:"download_timeout_seconds"` // Timeout for fetching remote asset references
	LockWaitMs            int     `toml:"lock_wait_ms"`             // Bounded wait for the single-flight lock before reporting busy
	LockTTLSecs           int     `toml:"lock_ttl_seconds"`         // Lease expiry; protects against orphaned locks after a crash
}

// MediaConfig contains settings for probing, chunking and preprocessing
type MediaConfig struct {
	FFmpegPath         string  `toml:"ffmpeg_path"`          // Path to the ffmpeg executable
	FFprobePath        string  `toml:"ffprobe_path"`         // Path to the ffprobe executable
	ProbeTimeoutSecs   int     `toml:"probe_timeout_secs"`   // Timeout for asset probing
	ChunkTimeoutSecs   int     `toml:"chunk_timeout_secs"`   // Timeout for a single segment extraction
	SilenceThresholdDB float64 `toml:"silence_threshold_db"` // Amplitude threshold for silence detection (dB, negative)
	MinSilenceSecs     float64 `toml:"min_silence_secs"`     // Minimum silence duration to be considered a cut point
	TargetSampleRate   int     `toml:"target_sample_rate"`   // Sample rate segments are normalized to before transcription
}

// WhisperConfig contains settings for the local subprocess transcription engine
type WhisperConfig struct {
	Command     string `toml:"command"`         // Interpreter or binary to invoke (e.g. "python3")
	ScriptPath  string `toml:"script_path"`     // Path to the transcription script
	Model       string `toml:"model"`           // Model size: tiny, base, small, medium, large
	Language    string `toml:"language"`        // Language code passed to the engine (e.g. "zh")
	TimeoutSecs int    `toml:"timeout_seconds"` // Hard wall-clock timeout per invocation
}

// GeminiConfig contains settings for the hosted fallback transcription provider
type GeminiConfig struct {
	APIKey           string  `toml:"api_key"`            // Gemini API key; overridable via GEMINI_API_KEY
	Model            string  `toml:"model"`              // Model name (e.g. "gemini-2.0-flash")
	Language         string  `toml:"language"`           // Fixed target language for transcription
	TimeoutSecs      int     `toml:"timeout_seconds"`    // HTTP timeout per upload
	MaxUploadMB      float64 `toml:"max_upload_mb"`      // Provider upload size cap; larger segments are sub-split
	RetryMaxAttempts int     `toml:"retry_max_attempts"` // Retries for transient upload failures
}

// QualityConfig contains settings for transcript quality scoring
type QualityConfig struct {
	TargetLanguage string `toml:"target_language"` // Language whose script ratio is scored (e.g. "zh")
}

// FallbackConfig contains thresholds for the escalation decision
type FallbackConfig struct {
	MinScore               float64 `toml:"min_score"`                // Escalate when the quality score falls below this
	MinConfidence          float64 `toml:"min_confidence"`           // Escalate when score confidence falls below this
	MaxRepetitionRatio     float64 `toml:"max_repetition_ratio"`     // Escalate when token repetition exceeds this
	MinTargetRatio         float64 `toml:"min_target_ratio"`         // Escalate when the target-script ratio falls below this
	MaxConsecutiveFailures int     `toml:"max_consecutive_failures"` // Escalate after this many system-wide failures in a row
	RollingWindow          int     `toml:"rolling_window"`           // Number of recent successful jobs in the rolling average
	RollingMinSamples      int     `toml:"rolling_min_samples"`      // Rolling average only evaluated with at least this many samples
	RollingMinAverage      float64 `toml:"rolling_min_average"`      // Escalate when the rolling average falls below this
}

// SheetsConfig contains settings for the spreadsheet row-store collaborator
type SheetsConfig struct {
	Enabled      bool              `toml:"enabled"`       // Enable spreadsheet writes on job completion
	WorkbookPath string            `toml:"workbook_path"` // Path to the xlsx workbook
	SheetName    string            `toml:"sheet_name"`    // Worksheet holding the case rows
	CaseColumn   string            `toml:"case_column"`   // Column letter containing case IDs
	Columns      map[string]string `toml:"columns"`       // Field name -> column letter mapping
}

// NotifyConfig contains settings for the chat notification collaborator
type NotifyConfig struct {
	Enabled     bool   `toml:"enabled"`         // Enable notifications on terminal job states
	WebhookURL  string `toml:"webhook_url"`     // Incoming webhook URL; overridable via NOTIFY_WEBHOOK_URL
	Recipient   string `toml:"recipient"`       // Channel or user the message is addressed to
	TimeoutSecs int    `toml:"timeout_seconds"` // HTTP timeout for webhook delivery
}

// Load loads the configuration from the specified file path
func Load(path string) (*Config, error) {
	var config Config

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	if _, err := toml.DecodeFile(path, &config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	config.applyEnvOverrides()

	return &config, nil
}

// LoadWithFallback loads the configuration by checking multiple locations in order of preference
func LoadWithFallback(preferredPath string) (*Config, error) {
	searchPaths := []string{
		preferredPath,
		"configs/config.toml",
		"config.toml",
	}

	uniquePaths := make([]string, 0, len(searchPaths))
	seen := make(map[string]bool)
	for _, path := range searchPaths {
		if path != "" && !seen[path] {
			uniquePaths = append(uniquePaths, path)
			seen[path] = true
		}
	}

	var lastErr error
	for _, path := range uniquePaths {
		if _, err := os.Stat(path); err == nil {
			config, err := Load(path)
			if err != nil {
				lastErr = fmt.Errorf("failed to load config from %s: %w", path, err)
				continue
			}
			return config, nil
		}
		lastErr = fmt.Errorf("config file not found: %s", path)
	}

	return nil, fmt.Errorf("config file not found in any of the expected locations: %v. Last error: %w", uniquePaths, lastErr)
}

// applyEnvOverrides lets secrets live outside the config file. A .env file is
// honored when present; real environment variables win either way.
func (c *Config) applyEnvOverrides() {
	_ = godotenv.Load()

	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Gemini.APIKey = key
	}
	if url := os.Getenv("NOTIFY_WEBHOOK_URL"); url != "" {
		c.Notify.WebhookURL = url
	}
}

// Validate validates the configuration and fills in defaults
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Pipeline.Mode == "" {
		c.Pipeline.Mode = "async"
	}
	if c.Pipeline.Mode != "async" && c.Pipeline.Mode != "sync" {
		return fmt.Errorf("invalid pipeline mode: %s (must be 'async' or 'sync')", c.Pipeline.Mode)
	}
	if c.Pipeline.MaxSegmentSeconds <= 0 {
		c.Pipeline.MaxSegmentSeconds = 1800
	}
	if c.Pipeline.InterSegmentDelaySecs <= 0 {
		c.Pipeline.InterSegmentDelaySecs = 3
	}
	if c.Pipeline.MaxRetries <= 0 {
		c.Pipeline.MaxRetries = 3
	}
	if c.Pipeline.PollIntervalSecs <= 0 {
		c.Pipeline.PollIntervalSecs = 30
	}
	if c.Pipeline.WorkspaceDir == "" {
		c.Pipeline.WorkspaceDir = os.TempDir()
	}
	if c.Pipeline.DownloadTimeoutSecs <= 0 {
		c.Pipeline.DownloadTimeoutSecs = 120
	}
	if c.Pipeline.LockWaitMs <= 0 {
		c.Pipeline.LockWaitMs = 500
	}
	if c.Pipeline.LockTTLSecs <= 0 {
		c.Pipeline.LockTTLSecs = 3600
	}

	if c.Storage.SQLitePath == "" {
		return fmt.Errorf("storage sqlite_path is required")
	}

	if c.Media.FFmpegPath == "" {
		c.Media.FFmpegPath = "ffmpeg"
	}
	if c.Media.FFprobePath == "" {
		c.Media.FFprobePath = "ffprobe"
	}
	if c.Media.ProbeTimeoutSecs <= 0 {
		c.Media.ProbeTimeoutSecs = 30
	}
	if c.Media.ChunkTimeoutSecs <= 0 {
		c.Media.ChunkTimeoutSecs = 300
	}
	if c.Media.SilenceThresholdDB == 0 {
		c.Media.SilenceThresholdDB = -35
	}
	if c.Media.MinSilenceSecs <= 0 {
		c.Media.MinSilenceSecs = 1.0
	}
	if c.Media.TargetSampleRate <= 0 {
		c.Media.TargetSampleRate = 16000
	}

	if c.Whisper.Command == "" {
		c.Whisper.Command = "python3"
	}
	if c.Whisper.ScriptPath == "" {
		return fmt.Errorf("whisper script_path is required")
	}
	if c.Whisper.Model == "" {
		c.Whisper.Model = "base"
	}
	if c.Whisper.Language == "" {
		c.Whisper.Language = "zh"
	}
	if c.Whisper.TimeoutSecs <= 0 {
		c.Whisper.TimeoutSecs = 1800
	}

	if c.Gemini.Model == "" {
		c.Gemini.Model = "gemini-2.0-flash"
	}
	if c.Gemini.Language == "" {
		c.Gemini.Language = c.Whisper.Language
	}
	if c.Gemini.TimeoutSecs <= 0 {
		c.Gemini.TimeoutSecs = 300
	}
	if c.Gemini.MaxUploadMB <= 0 {
		c.Gemini.MaxUploadMB = 19
	}
	if c.Gemini.RetryMaxAttempts <= 0 {
		c.Gemini.RetryMaxAttempts = 3
	}

	if c.Quality.TargetLanguage == "" {
		c.Quality.TargetLanguage = c.Whisper.Language
	}

	if c.Fallback.MinScore <= 0 {
		c.Fallback.MinScore = 60
	}
	if c.Fallback.MinConfidence <= 0 {
		c.Fallback.MinConfidence = 0.6
	}
	if c.Fallback.MaxRepetitionRatio <= 0 {
		c.Fallback.MaxRepetitionRatio = 0.4
	}
	if c.Fallback.MinTargetRatio <= 0 {
		c.Fallback.MinTargetRatio = 0.5
	}
	if c.Fallback.MaxConsecutiveFailures <= 0 {
		c.Fallback.MaxConsecutiveFailures = 3
	}
	if c.Fallback.RollingWindow <= 0 {
		c.Fallback.RollingWindow = 20
	}
	if c.Fallback.RollingMinSamples <= 0 {
		c.Fallback.RollingMinSamples = 10
	}
	if c.Fallback.RollingMinAverage <= 0 {
		c.Fallback.RollingMinAverage = 60
	}

	if c.Sheets.Enabled {
		if c.Sheets.WorkbookPath == "" {
			return fmt.Errorf("sheets workbook_path is required when sheets is enabled")
		}
		if c.Sheets.SheetName == "" {
			c.Sheets.SheetName = "Sheet1"
		}
		if c.Sheets.CaseColumn == "" {
			c.Sheets.CaseColumn = "A"
		}
	}

	if c.Notify.Enabled && c.Notify.WebhookURL == "" {
		return fmt.Errorf("notify webhook_url is required when notify is enabled")
	}
	if c.Notify.TimeoutSecs <= 0 {
		c.Notify.TimeoutSecs = 10
	}

	return nil
}
