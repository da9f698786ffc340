// Package orchestrator runs transcription jobs end to end: fetch, probe,
// chunk, strictly sequential per-segment transcription, quality scoring and
// fallback escalation. At most one job executes at a time, enforced by the
// state store's single-flight lease.
package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"callscribe/internal/media"
	"callscribe/internal/notify"
	"callscribe/internal/provider"
	"callscribe/internal/quality"
	"callscribe/internal/sheets"
	"callscribe/internal/storage/sqlite"
	"callscribe/internal/websocket"
	"callscribe/pkg/logger"

	"github.com/google/uuid"
)

// Prober extracts metadata from a media asset.
type Prober interface {
	Probe(ctx context.Context, path string) (*media.Metadata, error)
}

// Chunker splits an asset into transcription segments.
type Chunker interface {
	Split(ctx context.Context, assetPath string, meta *media.Metadata, maxSegmentSeconds float64, outDir string) ([]media.Segment, error)
}

// Preprocessor normalizes a segment for transcription. A failure is
// advisory: the returned path falls back to the raw segment.
type Preprocessor interface {
	Normalize(ctx context.Context, segmentPath, outputPath string, source *media.Metadata) (string, error)
}

// Downloader resolves a job source into a local file.
type Downloader interface {
	Fetch(ctx context.Context, source, destDir string) (path string, temporary bool, err error)
}

// EventSink receives job lifecycle events for streaming to clients.
type EventSink interface {
	Broadcast(message *websocket.Message)
}

// Config carries the orchestration settings.
type Config struct {
	MaxSegmentSeconds float64
	InterSegmentDelay time.Duration
	MaxRetries        int
	WorkspaceDir      string
	LockWait          time.Duration
	LockTTL           time.Duration
	RollingWindow     int
}

// Orchestrator drives the transcription pipeline.
type Orchestrator struct {
	cfg        Config
	store      *sqlite.Store
	downloader Downloader
	prober     Prober
	chunker    Chunker
	preproc    Preprocessor
	primary    provider.Provider
	fallback   provider.Provider
	assessor   *quality.Assessor
	decider    *quality.Engine
	events     EventSink
	rows       sheets.RowStore
	notifier   notify.Notifier
	logger     *logger.Logger
}

// Options bundles the orchestrator's collaborators. Events, rows and
// notifier are optional.
type Options struct {
	Store      *sqlite.Store
	Downloader Downloader
	Prober     Prober
	Chunker    Chunker
	Preproc    Preprocessor
	Primary    provider.Provider
	Fallback   provider.Provider
	Assessor   *quality.Assessor
	Decider    *quality.Engine
	Events     EventSink
	Rows       sheets.RowStore
	Notifier   notify.Notifier
	Logger     *logger.Logger
}

// New creates an orchestrator.
func New(cfg Config, opts Options) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		store:      opts.Store,
		downloader: opts.Downloader,
		prober:     opts.Prober,
		chunker:    opts.Chunker,
		preproc:    opts.Preproc,
		primary:    opts.Primary,
		fallback:   opts.Fallback,
		assessor:   opts.Assessor,
		decider:    opts.Decider,
		events:     opts.Events,
		rows:       opts.Rows,
		notifier:   opts.Notifier,
		logger:     opts.Logger.Named("orchestrator"),
	}
}

// passResult is the outcome of transcribing the full asset with one provider.
type passResult struct {
	transcript string
	score      quality.Score
	provider   provider.ID
	segments   int
	failures   int
}

// Run executes one job under the single-flight lease. It transitions the job
// through its lifecycle and returns the final job record. ErrLockBusy is
// returned unwrapped when another run holds the lease.
func (o *Orchestrator) Run(ctx context.Context, jobID string) (*sqlite.Job, error) {
	release, err := o.store.TryAcquireSingleFlight(ctx, uuid.New().String(), o.cfg.LockWait, o.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	defer release()

	job, err := o.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}

	if err := o.store.Transition(jobID, sqlite.StatusInProgress); err != nil {
		return nil, err
	}
	o.broadcast(websocket.MessageTypeJobStarted, map[string]any{"job_id": jobID})

	runErr := o.runJob(ctx, job)
	if runErr != nil {
		return o.failJob(ctx, jobID, runErr)
	}

	if err := o.store.Transition(jobID, sqlite.StatusCompleted); err != nil {
		return nil, err
	}

	final, err := o.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}

	// The rolling quality average counts one sample per finished job, written
	// only after the job reaches completed so an in-flight score never feeds
	// its own escalation decision.
	if err := o.store.RecordQualitySample(final.ID, final.Provider, final.QualityScore, final.QualityConfidence); err != nil {
		o.logger.Warn("Failed to record quality sample", logger.Error(err))
	}

	o.broadcast(websocket.MessageTypeJobCompleted, map[string]any{
		"job_id":   jobID,
		"provider": final.Provider,
		"score":    final.QualityScore,
	})
	o.notifyTerminal(ctx, final)
	o.writeRow(final)

	return final, nil
}

// failJob records the failure, consumes a retry, and either requeues the job
// or marks it failed once the retry budget is spent.
func (o *Orchestrator) failJob(ctx context.Context, jobID string, cause error) (*sqlite.Job, error) {
	o.logger.Error("Job run failed",
		logger.String("job_id", jobID),
		logger.Error(cause))

	if err := o.store.SetLastError(jobID, cause.Error()); err != nil {
		o.logger.Warn("Failed to record job error", logger.Error(err))
	}

	retries, err := o.store.IncrementRetry(jobID)
	if err != nil {
		return nil, err
	}

	next := sqlite.StatusFailed
	if retries < o.cfg.MaxRetries {
		next = sqlite.StatusPending
	}
	if err := o.store.Transition(jobID, next); err != nil {
		return nil, err
	}

	final, err := o.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}

	if next == sqlite.StatusFailed {
		o.broadcast(websocket.MessageTypeJobFailed, map[string]any{
			"job_id": jobID,
			"error":  cause.Error(),
		})
		o.notifyTerminal(ctx, final)
	}

	return final, cause
}

// runJob performs the actual pipeline work for a job already in progress.
func (o *Orchestrator) runJob(ctx context.Context, job *sqlite.Job) error {
	ws, err := media.NewWorkspace(o.cfg.WorkspaceDir, job.ID)
	if err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	defer ws.Close()

	assetPath, _, err := o.downloader.Fetch(ctx, job.Source, ws.Root())
	if err != nil {
		return err
	}

	meta, err := o.prober.Probe(ctx, assetPath)
	if err != nil {
		return err
	}

	o.logger.Info("Probed asset",
		logger.String("job_id", job.ID),
		logger.Float64("duration_secs", meta.DurationSeconds),
		logger.String("codec", meta.Codec),
		logger.Bool("high_res", meta.HighResSource))

	primary, err := o.transcribePass(ctx, o.primary, assetPath, meta, ws, job, "primary")
	if err != nil {
		return err
	}

	final := primary
	escalated := false
	var reasons []string

	decision := o.evaluateFallback(primary.score)
	if decision.Escalate && o.fallback != nil {
		escalated = true
		reasons = decision.Reasons

		o.logger.Warn("Escalating to fallback provider",
			logger.String("job_id", job.ID),
			logger.Float64("primary_score", primary.score.Score),
			logger.Float64("decision_confidence", decision.Confidence),
			logger.Any("reasons", decision.Reasons))
		o.broadcast(websocket.MessageTypeEscalation, map[string]any{
			"job_id":     job.ID,
			"reasons":    decision.Reasons,
			"confidence": decision.Confidence,
		})

		// The fallback re-runs the whole asset: segment boundaries from the
		// primary pass carry no meaning for a different provider.
		alternate, err := o.transcribePass(ctx, o.fallback, assetPath, meta, ws, job, "fallback")
		if err != nil {
			// Keep the primary result; a failed escalation must not lose
			// the transcript we already have.
			o.logger.Error("Fallback pass failed, keeping primary result",
				logger.String("job_id", job.ID),
				logger.Error(err))
		} else if alternate.score.Score > primary.score.Score {
			final = alternate
		} else {
			o.logger.Info("Fallback did not improve quality, keeping primary result",
				logger.String("job_id", job.ID),
				logger.Float64("primary_score", primary.score.Score),
				logger.Float64("fallback_score", alternate.score.Score))
		}
	}

	return o.store.SetResult(job.ID, final.transcript, string(final.provider),
		final.score.Score, final.score.Confidence, escalated, reasons)
}

// evaluateFallback combines the transcript score with system-wide history.
func (o *Orchestrator) evaluateFallback(score quality.Score) quality.Decision {
	hist := quality.History{}

	failures, err := o.store.ConsecutiveFailures()
	if err != nil {
		o.logger.Warn("Failed to load failure counter", logger.Error(err))
	} else {
		hist.ConsecutiveFailures = failures
	}

	recent, err := o.store.RecentScores(o.cfg.RollingWindow)
	if err != nil {
		o.logger.Warn("Failed to load recent scores", logger.Error(err))
	} else {
		hist.RecentScores = recent
	}

	return o.decider.Evaluate(score, hist)
}

// transcribePass runs the full asset through one provider, segment by
// segment, strictly in order. It fails only when every segment fails;
// individual segment failures leave a placeholder in the transcript.
func (o *Orchestrator) transcribePass(ctx context.Context, p provider.Provider, assetPath string, meta *media.Metadata, ws *media.Workspace, job *sqlite.Job, passName string) (*passResult, error) {
	outDir, err := ws.Subdir(passName)
	if err != nil {
		return nil, err
	}

	segments, err := o.chunker.Split(ctx, assetPath, meta, o.cfg.MaxSegmentSeconds, outDir)
	if err != nil {
		return nil, err
	}

	o.logger.Info("Starting transcription pass",
		logger.String("job_id", job.ID),
		logger.String("provider", string(p.ID())),
		logger.Int("segments", len(segments)))

	if err := o.store.UpdateProgress(job.ID, 0, len(segments)); err != nil {
		o.logger.Warn("Failed to update progress", logger.Error(err))
	}

	parts := make([]string, 0, len(segments))
	failures := 0
	var lastErr error

	for i, seg := range segments {
		text, err := o.transcribeSegment(ctx, p, seg, assetPath, meta, ws, job, outDir)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			failures++
			lastErr = err
			parts = append(parts, fmt.Sprintf("[segment %d failed]", seg.Index))
		} else {
			parts = append(parts, text)
		}

		if err := o.store.UpdateProgress(job.ID, i+1, len(segments)); err != nil {
			o.logger.Warn("Failed to update progress", logger.Error(err))
		}
		o.broadcast(websocket.MessageTypeSegmentDone, map[string]any{
			"job_id":   job.ID,
			"provider": string(p.ID()),
			"segment":  seg.Index,
			"total":    len(segments),
			"failed":   err != nil,
		})

		// The local engine needs a beat to fully release the model between
		// invocations.
		if i < len(segments)-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(o.cfg.InterSegmentDelay):
			}
		}
	}

	if failures == len(segments) {
		return nil, fmt.Errorf("all %d segments failed: %w", len(segments), lastErr)
	}

	transcript := CleanTranscript(strings.Join(parts, "\n"))
	result := &passResult{
		transcript: transcript,
		score:      o.assessor.Assess(transcript),
		provider:   p.ID(),
		segments:   len(segments),
		failures:   failures,
	}

	o.logger.Info("Transcription pass finished",
		logger.String("job_id", job.ID),
		logger.String("provider", string(p.ID())),
		logger.Int("failures", failures),
		logger.Float64("score", result.score.Score),
		logger.Float64("confidence", result.score.Confidence))

	return result, nil
}

// transcribeSegment normalizes and transcribes one segment, then cleans up
// the segment's temp files. An unchunked asset hands the source file itself
// through as segment 0; that file must outlive the pass so a fallback
// escalation can re-read it, so only extracted segments are removed here.
func (o *Orchestrator) transcribeSegment(ctx context.Context, p provider.Provider, seg media.Segment, assetPath string, meta *media.Metadata, ws *media.Workspace, job *sqlite.Job, outDir string) (string, error) {
	normPath := filepath.Join(outDir, fmt.Sprintf("norm-%03d.mp3", seg.Index))
	inputPath, err := o.preproc.Normalize(ctx, seg.Path, normPath, meta)
	if err != nil {
		// Preprocessing is advisory: fall back to the raw segment.
		o.logger.Warn("Preprocessing failed, using raw segment",
			logger.String("job_id", job.ID),
			logger.Int("segment", seg.Index),
			logger.Error(err))
	}

	defer func() {
		if inputPath != seg.Path {
			if err := ws.Remove(inputPath); err != nil {
				o.logger.Debug("Failed to remove normalized segment", logger.Error(err))
			}
		}
		if seg.Path != assetPath {
			if err := ws.Remove(seg.Path); err != nil {
				o.logger.Debug("Failed to remove segment", logger.Error(err))
			}
		}
	}()

	result, err := p.Transcribe(ctx, inputPath)
	if err != nil {
		o.logger.Error("Segment transcription failed",
			logger.String("job_id", job.ID),
			logger.String("provider", string(p.ID())),
			logger.Int("segment", seg.Index),
			logger.Error(err))
		if serr := o.store.IncrementConsecutiveFailures(); serr != nil {
			o.logger.Warn("Failed to bump failure counter", logger.Error(serr))
		}
		return "", err
	}

	text := CleanTranscript(result.Text)

	if serr := o.store.ResetConsecutiveFailures(); serr != nil {
		o.logger.Warn("Failed to reset failure counter", logger.Error(serr))
	}

	o.logger.Debug("Segment transcribed",
		logger.String("job_id", job.ID),
		logger.Int("segment", seg.Index),
		logger.Duration("elapsed", result.Elapsed))

	return text, nil
}

func (o *Orchestrator) broadcast(msgType string, data map[string]any) {
	if o.events == nil {
		return
	}
	o.events.Broadcast(&websocket.Message{Type: msgType, Data: data})
}

// notifyTerminal delivers a best-effort webhook for a terminal job state.
func (o *Orchestrator) notifyTerminal(ctx context.Context, job *sqlite.Job) {
	if o.notifier == nil {
		return
	}
	event := notify.Event{
		JobID:     job.ID,
		Status:    job.Status,
		Provider:  job.Provider,
		Score:     job.QualityScore,
		Escalated: job.Escalated,
		Error:     job.LastError,
		Timestamp: time.Now().UTC(),
	}
	if err := o.notifier.Notify(ctx, event); err != nil {
		o.logger.Warn("Webhook delivery failed",
			logger.String("job_id", job.ID),
			logger.Error(err))
	}
}

// writeRow records a completed job in the case workbook, best-effort. Jobs
// submitted without a case ID have no row to update.
func (o *Orchestrator) writeRow(job *sqlite.Job) {
	if o.rows == nil || job.CaseID == "" {
		return
	}
	err := o.rows.WriteResult(sheets.Result{
		CaseID:     job.CaseID,
		Transcript: job.Transcript,
		Provider:   job.Provider,
		Score:      job.QualityScore,
	})
	if err != nil {
		o.logger.Warn("Workbook write failed",
			logger.String("job_id", job.ID),
			logger.Error(err))
	}
}
