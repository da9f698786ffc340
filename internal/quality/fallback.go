package quality

import (
	"fmt"
)

// Escalation reasons reported in Decision.Reasons and job logs.
const (
	ReasonLowScore            = "low_score"
	ReasonLowConfidence       = "low_confidence"
	ReasonHighRepetition      = "high_repetition"
	ReasonLowTargetRatio      = "low_target_ratio"
	ReasonConsecutiveFailures = "consecutive_failures"
	ReasonDegradedAverage     = "degraded_average"
)

// FallbackConfig holds the escalation thresholds.
type FallbackConfig struct {
	MinScore            float64 // escalate below this score
	MinConfidence       float64 // escalate below this confidence
	MaxRepetitionRatio  float64 // escalate above this repetition ratio
	MinTargetRatio      float64 // escalate below this target-script ratio
	MaxConsecutiveFails int     // escalate at or above this many system-wide consecutive failures
	RollingWindow       int     // number of recent scores in the rolling average
	RollingMinSamples   int     // rolling average only considered once this many samples exist
	RollingMinAverage   float64 // escalate when the rolling average drops below this
}

// History is the system-wide quality state consulted alongside the
// per-transcript score. Callers load it from the state store.
type History struct {
	ConsecutiveFailures int
	RecentScores        []float64 // most recent successful scores, newest last
}

// Decision is the outcome of evaluating one transcript against the
// escalation policy.
type Decision struct {
	Escalate   bool
	Reasons    []string
	Confidence float64 // 0.0..0.9, how sure we are the escalation is warranted
}

// Engine decides when a transcript should be retried on the fallback provider.
type Engine struct {
	cfg FallbackConfig
}

// NewEngine creates a decision engine with the given thresholds.
func NewEngine(cfg FallbackConfig) *Engine {
	return &Engine{cfg: cfg}
}

// Evaluate applies every trigger independently and collects all that fire.
// Decision confidence grows with the number of independent triggers, capped
// at 0.9: a single weak signal never reads as certainty.
func (e *Engine) Evaluate(score Score, hist History) Decision {
	var reasons []string

	if score.Score < e.cfg.MinScore {
		reasons = append(reasons, fmt.Sprintf("%s: %.1f < %.1f", ReasonLowScore, score.Score, e.cfg.MinScore))
	}
	if score.Confidence < e.cfg.MinConfidence {
		reasons = append(reasons, fmt.Sprintf("%s: %.2f < %.2f", ReasonLowConfidence, score.Confidence, e.cfg.MinConfidence))
	}
	if score.RepetitionRatio > e.cfg.MaxRepetitionRatio {
		reasons = append(reasons, fmt.Sprintf("%s: %.2f > %.2f", ReasonHighRepetition, score.RepetitionRatio, e.cfg.MaxRepetitionRatio))
	}
	if score.TargetRatio < e.cfg.MinTargetRatio {
		reasons = append(reasons, fmt.Sprintf("%s: %.2f < %.2f", ReasonLowTargetRatio, score.TargetRatio, e.cfg.MinTargetRatio))
	}
	if hist.ConsecutiveFailures >= e.cfg.MaxConsecutiveFails {
		reasons = append(reasons, fmt.Sprintf("%s: %d >= %d", ReasonConsecutiveFailures, hist.ConsecutiveFailures, e.cfg.MaxConsecutiveFails))
	}
	if avg, ok := e.rollingAverage(hist.RecentScores); ok && avg < e.cfg.RollingMinAverage {
		reasons = append(reasons, fmt.Sprintf("%s: %.1f < %.1f", ReasonDegradedAverage, avg, e.cfg.RollingMinAverage))
	}

	d := Decision{
		Escalate: len(reasons) > 0,
		Reasons:  reasons,
	}
	if d.Escalate {
		d.Confidence = min(0.9, 0.3+0.15*float64(len(reasons)))
	}
	return d
}

// rollingAverage averages the last RollingWindow scores. It reports ok=false
// until RollingMinSamples scores have accumulated, so a cold start never
// triggers the degraded-average rule.
func (e *Engine) rollingAverage(scores []float64) (float64, bool) {
	if len(scores) < e.cfg.RollingMinSamples {
		return 0, false
	}
	window := scores
	if len(window) > e.cfg.RollingWindow {
		window = window[len(window)-e.cfg.RollingWindow:]
	}
	sum := 0.0
	for _, s := range window {
		sum += s
	}
	return sum / float64(len(window)), true
}
