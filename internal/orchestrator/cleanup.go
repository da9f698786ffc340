package orchestrator

import (
	"regexp"
	"strings"
)

var (
	multiSpaceRe     = regexp.MustCompile(`[ \t]+`)
	multiNewlineRe   = regexp.MustCompile(`\n{2,}`)
	emptyBracketRe   = regexp.MustCompile(`[\[(（【]\s*[\])）】]`)
	duplicatePunctRe = regexp.MustCompile(`([。．.!！?？，,])\s*([。．.!！?？，,])+`)
)

// CleanTranscript normalizes raw engine output: collapses runs of whitespace,
// strips empty bracket markers engines emit for non-speech, and merges
// stuttered terminal punctuation.
func CleanTranscript(text string) string {
	text = emptyBracketRe.ReplaceAllString(text, "")
	text = multiSpaceRe.ReplaceAllString(text, " ")
	text = duplicatePunctRe.ReplaceAllString(text, "$1")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")
	text = multiNewlineRe.ReplaceAllString(text, "\n")

	return strings.TrimSpace(text)
}
