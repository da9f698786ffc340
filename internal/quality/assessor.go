// Package quality scores transcripts from text-level heuristics and decides
// when a result is bad enough to escalate to the fallback provider.
package quality

import (
	"strings"
	"unicode"
)

// Score is the heuristic quality estimate for one transcript. Derived purely
// from the text: identical input always yields an identical Score.
type Score struct {
	Score      float64 `json:"score"`      // 0..100
	Confidence float64 `json:"confidence"` // 0.0..1.0

	// Signals feeding the score.
	RepetitionRatio  float64 `json:"repetition_ratio"`  // fraction of tokens occurring more than 3 times
	TargetRatio      float64 `json:"target_ratio"`      // target-script chars / non-whitespace chars
	PunctuationRatio float64 `json:"punctuation_ratio"` // punctuation marks / non-whitespace chars
}

// Scoring constants. Expected punctuation density is one mark per ~50 chars
// of natural speech transcript.
const (
	minTranscriptLen     = 10
	repetitionTokenCount = 3
	repetitionRatioLimit = 0.3
	expectedPunctDensity = 1.0 / 50.0
	targetRatioThreshold = 0.7
)

// Assessor scores transcripts for a fixed target language.
type Assessor struct {
	targetLanguage string
}

// NewAssessor creates an assessor for the given target language code.
func NewAssessor(targetLanguage string) *Assessor {
	return &Assessor{targetLanguage: targetLanguage}
}

// Assess scores a transcript. Pure function of the text.
func (a *Assessor) Assess(text string) Score {
	score := 100.0
	confidence := 1.0

	s := Score{}
	s.RepetitionRatio = repetitionRatio(text)
	s.TargetRatio = a.targetScriptRatio(text)
	s.PunctuationRatio = punctuationRatio(text)

	// Near-silent or failed segments produce tiny transcripts.
	if len([]rune(strings.TrimSpace(text))) < minTranscriptLen {
		score -= 50
		confidence -= 0.5
	}

	// A stuck model loops on the same tokens.
	if s.RepetitionRatio > repetitionRatioLimit {
		score -= 30
		confidence -= 0.3
	}

	// Natural speech carries punctuation at a fairly stable density.
	switch ratio := s.PunctuationRatio / expectedPunctDensity; {
	case ratio >= 0.8 && ratio <= 1.5:
		score += 10
	case ratio >= 0.5 && ratio <= 2.0:
		score += 5
	default:
		score -= 10
	}

	// Output drifting out of the target script signals mistranscription.
	if s.TargetRatio < targetRatioThreshold {
		score -= 20
		confidence -= 0.2
	}

	s.Score = clamp(score, 0, 100)
	s.Confidence = clamp(confidence, 0, 1)
	return s
}

// repetitionRatio is the fraction of whitespace-delimited tokens that
// individually occur more than 3 times.
func repetitionRatio(text string) float64 {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return 0
	}

	counts := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		counts[tok]++
	}

	repeated := 0
	for _, tok := range tokens {
		if counts[tok] > repetitionTokenCount {
			repeated++
		}
	}
	return float64(repeated) / float64(len(tokens))
}

// punctuationRatio is punctuation marks per non-whitespace character.
// Counts both ASCII and CJK punctuation.
func punctuationRatio(text string) float64 {
	punct := 0
	total := 0
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if unicode.IsPunct(r) {
			punct++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(punct) / float64(total)
}

// targetScriptRatio is the fraction of non-whitespace characters written in
// the target language's script. Punctuation stays in the denominator so a
// transcript that is mostly marks reads as off-script.
func (a *Assessor) targetScriptRatio(text string) float64 {
	inScript := scriptRangeFor(a.targetLanguage)

	matched := 0
	total := 0
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if inScript(r) {
			matched++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(matched) / float64(total)
}

func scriptRangeFor(language string) func(rune) bool {
	switch strings.ToLower(language) {
	case "zh", "zh-tw", "zh-cn":
		return func(r rune) bool { return unicode.Is(unicode.Han, r) }
	case "ja":
		return func(r rune) bool {
			return unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Han, r)
		}
	case "ko":
		return func(r rune) bool { return unicode.Is(unicode.Hangul, r) }
	default:
		return func(r rune) bool { return unicode.Is(unicode.Latin, r) || unicode.IsDigit(r) }
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
