package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"callscribe/internal/api"
	"callscribe/internal/config"
	"callscribe/internal/fetch"
	"callscribe/internal/media"
	"callscribe/internal/notify"
	"callscribe/internal/orchestrator"
	"callscribe/internal/provider"
	"callscribe/internal/quality"
	"callscribe/internal/sheets"
	"callscribe/internal/storage/sqlite"
	"callscribe/internal/websocket"
	"callscribe/pkg/logger"
)

var (
	// Version is injected at build time
	Version = "dev"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (optional - will search in configs/ and root directory)")
	flag.Parse()

	// Load configuration with fallback logic
	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Create logger
	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting callscribe server",
		logger.String("version", Version),
		logger.String("config_path", *configPath),
	)

	// Ensure the database directory exists
	dbDir := filepath.Dir(cfg.Storage.SQLitePath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		log.Error("Failed to create database directory", logger.Error(err), logger.String("path", dbDir))
		os.Exit(1)
	}

	// Create the state store
	store, err := sqlite.NewStore(cfg.Storage.SQLitePath, log)
	if err != nil {
		log.Error("Failed to create state store", logger.Error(err))
		os.Exit(1)
	}
	defer store.Close()

	// Create WebSocket server
	wsServer := websocket.NewServer(log)
	go wsServer.Run()

	// Media pipeline components
	prober := media.NewProber(cfg.Media.FFprobePath, time.Duration(cfg.Media.ProbeTimeoutSecs)*time.Second, log)
	chunker := media.NewChunker(cfg.Media.FFmpegPath, cfg.Media.SilenceThresholdDB, cfg.Media.MinSilenceSecs,
		time.Duration(cfg.Media.ChunkTimeoutSecs)*time.Second, log)
	preproc := media.NewPreprocessor(cfg.Media.FFmpegPath, cfg.Media.TargetSampleRate,
		time.Duration(cfg.Media.ChunkTimeoutSecs)*time.Second, log)

	// Local transcription engine
	whisper := provider.NewWhisperProvider(
		cfg.Whisper.Command,
		cfg.Whisper.ScriptPath,
		cfg.Whisper.Model,
		cfg.Whisper.Language,
		time.Duration(cfg.Whisper.TimeoutSecs)*time.Second,
		log,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Hosted fallback provider (optional: requires an API key)
	var fallback provider.Provider
	if cfg.Gemini.APIKey != "" {
		splitter := media.NewSizeSplitter(chunker, prober, log)
		gemini, err := provider.NewGeminiProvider(
			ctx,
			cfg.Gemini.APIKey,
			cfg.Gemini.Model,
			cfg.Gemini.Language,
			time.Duration(cfg.Gemini.TimeoutSecs)*time.Second,
			int64(cfg.Gemini.MaxUploadMB*1024*1024),
			cfg.Gemini.RetryMaxAttempts,
			splitter,
			log,
		)
		if err != nil {
			log.Error("Failed to create fallback provider", logger.Error(err))
			os.Exit(1)
		}
		fallback = gemini
	} else {
		log.Warn("No Gemini API key configured; fallback escalation disabled")
	}

	// Quality scoring and escalation policy
	assessor := quality.NewAssessor(cfg.Quality.TargetLanguage)
	decider := quality.NewEngine(quality.FallbackConfig{
		MinScore:            cfg.Fallback.MinScore,
		MinConfidence:       cfg.Fallback.MinConfidence,
		MaxRepetitionRatio:  cfg.Fallback.MaxRepetitionRatio,
		MinTargetRatio:      cfg.Fallback.MinTargetRatio,
		MaxConsecutiveFails: cfg.Fallback.MaxConsecutiveFailures,
		RollingWindow:       cfg.Fallback.RollingWindow,
		RollingMinSamples:   cfg.Fallback.RollingMinSamples,
		RollingMinAverage:   cfg.Fallback.RollingMinAverage,
	})

	// Optional collaborators
	var rowStore sheets.RowStore
	if cfg.Sheets.Enabled {
		rowStore = sheets.NewExcelStore(sheets.Config{
			Path:             cfg.Sheets.WorkbookPath,
			Sheet:            cfg.Sheets.SheetName,
			CaseColumn:       cfg.Sheets.CaseColumn,
			TranscriptColumn: cfg.Sheets.Columns["transcript"],
			ProviderColumn:   cfg.Sheets.Columns["provider"],
			ScoreColumn:      cfg.Sheets.Columns["score"],
		}, log)
	}

	var notifier notify.Notifier
	if cfg.Notify.Enabled {
		notifier = notify.NewWebhookNotifier(cfg.Notify.WebhookURL,
			time.Duration(cfg.Notify.TimeoutSecs)*time.Second, log)
	}

	downloader := fetch.NewHTTPDownloader(time.Duration(cfg.Pipeline.DownloadTimeoutSecs)*time.Second, log)

	orch := orchestrator.New(orchestrator.Config{
		MaxSegmentSeconds: cfg.Pipeline.MaxSegmentSeconds,
		InterSegmentDelay: time.Duration(cfg.Pipeline.InterSegmentDelaySecs * float64(time.Second)),
		MaxRetries:        cfg.Pipeline.MaxRetries,
		WorkspaceDir:      cfg.Pipeline.WorkspaceDir,
		LockWait:          time.Duration(cfg.Pipeline.LockWaitMs) * time.Millisecond,
		LockTTL:           time.Duration(cfg.Pipeline.LockTTLSecs) * time.Second,
		RollingWindow:     cfg.Fallback.RollingWindow,
	}, orchestrator.Options{
		Store:      store,
		Downloader: downloader,
		Prober:     prober,
		Chunker:    chunker,
		Preproc:    preproc,
		Primary:    whisper,
		Fallback:   fallback,
		Assessor:   assessor,
		Decider:    decider,
		Events:     wsServer,
		Rows:       rowStore,
		Notifier:   notifier,
		Logger:     log,
	})

	// Async runner picks up queued jobs
	var runner *orchestrator.Runner
	if cfg.Pipeline.Mode == "async" {
		runner = orchestrator.NewRunner(orch, store,
			time.Duration(cfg.Pipeline.PollIntervalSecs)*time.Second, log)
		go runner.Start(ctx)
	}

	// Create API router
	handler := api.NewHandler(store, orch, runner, cfg, wsServer, log)
	router := api.NewRouter(handler, cfg.Server.CORSAllowedOrigins, log)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSecs) * time.Second,
	}

	go func() {
		log.Info("Starting HTTP server", logger.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error on startup", logger.String("addr", server.Addr), logger.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down server...")

	// Stop the runner and any in-flight pipeline work
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", logger.Error(err))
	}

	log.Info("Server fully stopped")
}
