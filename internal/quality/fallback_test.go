package quality

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFallbackConfig() FallbackConfig {
	return FallbackConfig{
		MinScore:            60,
		MinConfidence:       0.6,
		MaxRepetitionRatio:  0.4,
		MinTargetRatio:      0.5,
		MaxConsecutiveFails: 3,
		RollingWindow:       20,
		RollingMinSamples:   10,
		RollingMinAverage:   60,
	}
}

func goodScore() Score {
	return Score{
		Score:            85,
		Confidence:       0.9,
		RepetitionRatio:  0.1,
		TargetRatio:      0.95,
		PunctuationRatio: 0.02,
	}
}

func TestEvaluateNoTriggers(t *testing.T) {
	e := NewEngine(testFallbackConfig())

	d := e.Evaluate(goodScore(), History{})

	assert.False(t, d.Escalate)
	assert.Empty(t, d.Reasons)
	assert.Zero(t, d.Confidence)
}

func TestEvaluateLowScoreAlwaysEscalates(t *testing.T) {
	e := NewEngine(testFallbackConfig())

	s := goodScore()
	s.Score = 59.9

	d := e.Evaluate(s, History{})

	require.True(t, d.Escalate)
	require.Len(t, d.Reasons, 1)
	assert.Contains(t, d.Reasons[0], ReasonLowScore)
	assert.InDelta(t, 0.45, d.Confidence, 1e-9)
}

func TestEvaluateConfidenceGrowsWithTriggers(t *testing.T) {
	e := NewEngine(testFallbackConfig())

	s := Score{
		Score:           30,
		Confidence:      0.2,
		RepetitionRatio: 0.6,
		TargetRatio:     0.1,
	}

	d := e.Evaluate(s, History{})

	require.True(t, d.Escalate)
	assert.Len(t, d.Reasons, 4)
	assert.InDelta(t, 0.3+0.15*4, d.Confidence, 1e-9)
}

func TestEvaluateConfidenceCapped(t *testing.T) {
	e := NewEngine(testFallbackConfig())

	s := Score{Score: 0, Confidence: 0, RepetitionRatio: 1, TargetRatio: 0}
	hist := History{
		ConsecutiveFailures: 10,
		RecentScores:        []float64{10, 10, 10, 10, 10, 10, 10, 10, 10, 10},
	}

	d := e.Evaluate(s, hist)

	require.True(t, d.Escalate)
	assert.Len(t, d.Reasons, 6)
	assert.InDelta(t, 0.9, d.Confidence, 1e-9)
}

func TestEvaluateConsecutiveFailures(t *testing.T) {
	e := NewEngine(testFallbackConfig())

	d := e.Evaluate(goodScore(), History{ConsecutiveFailures: 3})
	require.True(t, d.Escalate)
	assert.Contains(t, d.Reasons[0], ReasonConsecutiveFailures)

	d = e.Evaluate(goodScore(), History{ConsecutiveFailures: 2})
	assert.False(t, d.Escalate)
}

func TestEvaluateRollingAverageNeedsMinSamples(t *testing.T) {
	e := NewEngine(testFallbackConfig())

	// Nine terrible scores: below the sample floor, no trigger.
	low := []float64{20, 20, 20, 20, 20, 20, 20, 20, 20}
	d := e.Evaluate(goodScore(), History{RecentScores: low})
	assert.False(t, d.Escalate)

	// The tenth sample arms the rule.
	low = append(low, 20)
	d = e.Evaluate(goodScore(), History{RecentScores: low})
	require.True(t, d.Escalate)
	assert.Contains(t, d.Reasons[0], ReasonDegradedAverage)
}

func TestRollingAverageWindow(t *testing.T) {
	cfg := testFallbackConfig()
	cfg.RollingWindow = 3
	cfg.RollingMinSamples = 3
	e := NewEngine(cfg)

	// Old high scores must age out of the window: only the last 3 count.
	scores := []float64{100, 100, 100, 10, 10, 10}
	avg, ok := e.rollingAverage(scores)
	require.True(t, ok)
	assert.InDelta(t, 10, avg, 1e-9)
}
