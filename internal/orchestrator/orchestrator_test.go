package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"callscribe/internal/media"
	"callscribe/internal/provider"
	"callscribe/internal/quality"
	"callscribe/internal/storage/sqlite"
	"callscribe/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	goodText = "今天下午我们开会讨论了项目进度。大家都同意下周完成第一阶段的工作任务。"
	badText  = "the the the the the the the the the the the the the the the the"
)

type stubDownloader struct{}

func (stubDownloader) Fetch(_ context.Context, source, _ string) (string, bool, error) {
	return source, false, nil
}

type stubProber struct {
	meta *media.Metadata
}

func (s stubProber) Probe(context.Context, string) (*media.Metadata, error) {
	return s.meta, nil
}

type stubChunker struct {
	segments int
}

func (s stubChunker) Split(_ context.Context, _ string, meta *media.Metadata, _ float64, outDir string) ([]media.Segment, error) {
	segs := make([]media.Segment, s.segments)
	per := meta.DurationSeconds / float64(s.segments)
	for i := range segs {
		segs[i] = media.Segment{
			Index:        i,
			StartSeconds: float64(i) * per,
			EndSeconds:   float64(i+1) * per,
			Path:         filepath.Join(outDir, fmt.Sprintf("segment_%03d.mp3", i)),
		}
	}
	return segs, nil
}

type stubPreproc struct{}

func (stubPreproc) Normalize(_ context.Context, segmentPath, _ string, _ *media.Metadata) (string, error) {
	return segmentPath, nil
}

// stubProvider returns a fixed text, or err on every call when set.
type stubProvider struct {
	id    provider.ID
	text  string
	err   error
	calls int
}

func (s *stubProvider) ID() provider.ID { return s.id }

func (s *stubProvider) Transcribe(context.Context, string) (*provider.Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &provider.Result{Text: s.text, Provider: s.id, Elapsed: time.Millisecond}, nil
}

func testOrchestrator(t *testing.T, primary, fallback provider.Provider) (*Orchestrator, *sqlite.Store) {
	t.Helper()

	store, err := sqlite.NewStore(filepath.Join(t.TempDir(), "state.db"), logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	orch := New(Config{
		MaxSegmentSeconds: 1800,
		InterSegmentDelay: time.Millisecond,
		MaxRetries:        2,
		WorkspaceDir:      t.TempDir(),
		LockWait:          50 * time.Millisecond,
		LockTTL:           time.Minute,
		RollingWindow:     20,
	}, Options{
		Store:      store,
		Downloader: stubDownloader{},
		Prober:     stubProber{meta: &media.Metadata{DurationSeconds: 4000, Codec: "mp3", Container: "mp3"}},
		Chunker:    stubChunker{segments: 2},
		Preproc:    stubPreproc{},
		Primary:    primary,
		Fallback:   fallback,
		Assessor:   quality.NewAssessor("zh"),
		Decider: quality.NewEngine(quality.FallbackConfig{
			MinScore:            60,
			MinConfidence:       0.6,
			MaxRepetitionRatio:  0.4,
			MinTargetRatio:      0.5,
			MaxConsecutiveFails: 3,
			RollingWindow:       20,
			RollingMinSamples:   10,
			RollingMinAverage:   60,
		}),
		Logger: logger.NewNop(),
	})
	return orch, store
}

func TestRunHappyPath(t *testing.T) {
	primary := &stubProvider{id: provider.Primary, text: goodText}
	fallback := &stubProvider{id: provider.Fallback, text: goodText}
	orch, store := testOrchestrator(t, primary, fallback)

	job, err := store.CreateJob("job-1", "/audio/call.mp3", "", "")
	require.NoError(t, err)

	final, err := orch.Run(context.Background(), job.ID)

	require.NoError(t, err)
	assert.Equal(t, sqlite.StatusCompleted, final.Status)
	assert.Equal(t, string(provider.Primary), final.Provider)
	assert.False(t, final.Escalated)
	assert.Contains(t, final.Transcript, "项目进度")
	assert.Greater(t, final.QualityScore, 60.0)
	assert.Equal(t, 2, final.SegmentsDone)
	assert.Equal(t, 2, final.SegmentsTotal)
	// Good quality means the fallback provider is never touched.
	assert.Zero(t, fallback.calls)
	assert.Equal(t, 2, primary.calls)
}

func TestRunEscalatesAndKeepsBetterResult(t *testing.T) {
	primary := &stubProvider{id: provider.Primary, text: badText}
	fallback := &stubProvider{id: provider.Fallback, text: goodText}
	orch, store := testOrchestrator(t, primary, fallback)

	job, err := store.CreateJob("job-2", "/audio/call.mp3", "", "")
	require.NoError(t, err)

	final, err := orch.Run(context.Background(), job.ID)

	require.NoError(t, err)
	assert.Equal(t, sqlite.StatusCompleted, final.Status)
	assert.True(t, final.Escalated)
	assert.NotEmpty(t, final.EscalationReasons)
	// The fallback transcript scored higher and wins.
	assert.Equal(t, string(provider.Fallback), final.Provider)
	assert.Contains(t, final.Transcript, "项目进度")
	assert.Equal(t, 2, fallback.calls)
}

func TestRunEscalationKeepsPrimaryWhenFallbackWorse(t *testing.T) {
	primary := &stubProvider{id: provider.Primary, text: badText}
	fallback := &stubProvider{id: provider.Fallback, text: ""}
	orch, store := testOrchestrator(t, primary, fallback)

	job, err := store.CreateJob("job-3", "/audio/call.mp3", "", "")
	require.NoError(t, err)

	final, err := orch.Run(context.Background(), job.ID)

	require.NoError(t, err)
	assert.Equal(t, sqlite.StatusCompleted, final.Status)
	assert.True(t, final.Escalated)
	// Alternate scored no better; the original result is kept.
	assert.Equal(t, string(provider.Primary), final.Provider)
}

func TestRunEscalationSurvivesFallbackFailure(t *testing.T) {
	primary := &stubProvider{id: provider.Primary, text: badText}
	fallback := &stubProvider{id: provider.Fallback, err: errors.New("upload rejected")}
	orch, store := testOrchestrator(t, primary, fallback)

	job, err := store.CreateJob("job-4", "/audio/call.mp3", "", "")
	require.NoError(t, err)

	final, err := orch.Run(context.Background(), job.ID)

	// A failed escalation never loses the primary transcript.
	require.NoError(t, err)
	assert.Equal(t, sqlite.StatusCompleted, final.Status)
	assert.True(t, final.Escalated)
	assert.Equal(t, string(provider.Primary), final.Provider)
	assert.NotEmpty(t, final.Transcript)
}

func TestRunAllSegmentsFailedConsumesRetries(t *testing.T) {
	primary := &stubProvider{id: provider.Primary, err: errors.New("engine crashed")}
	orch, store := testOrchestrator(t, primary, nil)

	job, err := store.CreateJob("job-5", "/audio/call.mp3", "", "")
	require.NoError(t, err)

	// First failure leaves retry budget: back to pending.
	final, err := orch.Run(context.Background(), job.ID)
	require.Error(t, err)
	assert.Equal(t, sqlite.StatusPending, final.Status)
	assert.Equal(t, 1, final.Retries)
	assert.Contains(t, final.LastError, "engine crashed")

	// Budget exhausted: terminal failure.
	final, err = orch.Run(context.Background(), job.ID)
	require.Error(t, err)
	assert.Equal(t, sqlite.StatusFailed, final.Status)
	assert.Equal(t, 2, final.Retries)
}

func TestRunPartialSegmentFailureLeavesPlaceholder(t *testing.T) {
	primary := &flakyProvider{texts: []string{goodText, ""}, failIndex: 1}
	orch, store := testOrchestrator(t, primary, nil)

	job, err := store.CreateJob("job-6", "/audio/call.mp3", "", "")
	require.NoError(t, err)

	final, err := orch.Run(context.Background(), job.ID)

	require.NoError(t, err)
	assert.Equal(t, sqlite.StatusCompleted, final.Status)
	assert.Contains(t, final.Transcript, "[segment 1 failed]")
	assert.Contains(t, final.Transcript, "项目进度")
}

func TestRunRecordsOneQualitySamplePerCompletedJob(t *testing.T) {
	primary := &stubProvider{id: provider.Primary, text: goodText}
	orch, store := testOrchestrator(t, primary, nil)

	job, err := store.CreateJob("job-9", "/audio/call.mp3", "", "")
	require.NoError(t, err)

	final, err := orch.Run(context.Background(), job.ID)
	require.NoError(t, err)

	// One history row per finished job, not one per segment.
	scores, err := store.RecentScores(20)
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.Equal(t, final.QualityScore, scores[0])
}

func TestRunFailedJobRecordsNoQualitySample(t *testing.T) {
	primary := &stubProvider{id: provider.Primary, err: errors.New("engine crashed")}
	orch, store := testOrchestrator(t, primary, nil)

	job, err := store.CreateJob("job-10", "/audio/call.mp3", "", "")
	require.NoError(t, err)

	_, err = orch.Run(context.Background(), job.ID)
	require.Error(t, err)

	scores, err := store.RecentScores(20)
	require.NoError(t, err)
	assert.Empty(t, scores)
}

// copyDownloader materializes the asset inside the workspace, the way a
// remote fetch does.
type copyDownloader struct{}

func (copyDownloader) Fetch(_ context.Context, _ string, destDir string) (string, bool, error) {
	path := filepath.Join(destDir, "asset.mp3")
	if err := os.WriteFile(path, []byte("audio"), 0o644); err != nil {
		return "", false, err
	}
	return path, true, nil
}

// statProvider refuses inputs that no longer exist on disk.
type statProvider struct {
	id   provider.ID
	text string
}

func (s *statProvider) ID() provider.ID { return s.id }

func (s *statProvider) Transcribe(_ context.Context, path string) (*provider.Result, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("input missing: %w", err)
	}
	return &provider.Result{Text: s.text, Provider: s.id, Elapsed: time.Millisecond}, nil
}

func TestRunEscalationRereadsUnchunkedDownloadedAsset(t *testing.T) {
	primary := &statProvider{id: provider.Primary, text: badText}
	fallback := &statProvider{id: provider.Fallback, text: goodText}
	orch, store := testOrchestrator(t, primary, fallback)

	// A 300s asset stays unchunked: the split hands the downloaded file
	// itself through as segment 0, and both passes must be able to read it.
	orch.downloader = copyDownloader{}
	orch.prober = stubProber{meta: &media.Metadata{DurationSeconds: 300, Codec: "mp3", Container: "mp3"}}
	orch.chunker = media.NewChunker("ffmpeg", -35, 1.0, time.Second, logger.NewNop())

	job, err := store.CreateJob("job-8", "https://blobs/call.mp3", "", "")
	require.NoError(t, err)

	final, err := orch.Run(context.Background(), job.ID)

	require.NoError(t, err)
	assert.Equal(t, sqlite.StatusCompleted, final.Status)
	assert.True(t, final.Escalated)
	assert.Equal(t, string(provider.Fallback), final.Provider)
	assert.Contains(t, final.Transcript, "项目进度")
}

func TestRunLockBusy(t *testing.T) {
	primary := &stubProvider{id: provider.Primary, text: goodText}
	orch, store := testOrchestrator(t, primary, nil)

	job, err := store.CreateJob("job-7", "/audio/call.mp3", "", "")
	require.NoError(t, err)

	// Hold the lease from the outside; Run must give up within its wait
	// budget instead of starting the pipeline.
	release, err := store.TryAcquireSingleFlight(context.Background(), "other-holder", time.Second, time.Minute)
	require.NoError(t, err)
	defer release()

	_, err = orch.Run(context.Background(), job.ID)

	assert.ErrorIs(t, err, sqlite.ErrLockBusy)

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, sqlite.StatusPending, got.Status)
}

// flakyProvider fails on a single segment index and succeeds elsewhere.
type flakyProvider struct {
	texts     []string
	failIndex int
	calls     int
}

func (f *flakyProvider) ID() provider.ID { return provider.Primary }

func (f *flakyProvider) Transcribe(context.Context, string) (*provider.Result, error) {
	idx := f.calls
	f.calls++
	if idx == f.failIndex {
		return nil, errors.New("engine crashed")
	}
	text := ""
	if idx < len(f.texts) {
		text = f.texts[idx]
	}
	return &provider.Result{Text: text, Provider: provider.Primary, Elapsed: time.Millisecond}, nil
}
