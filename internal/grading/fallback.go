package grading

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/pavelanni/smartgrader/internal/model"
)

// FallbackReason says why the heuristic was used instead of the grading API.
type FallbackReason int

const (
	// ReasonUnparseable means the API replied but the reply was unusable.
	ReasonUnparseable FallbackReason = iota
	// ReasonUnavailable means every attempt to reach the API failed.
	ReasonUnavailable
)

const (
	confidenceUnparseable = 0.3
	confidenceUnavailable = 0.2
	maxFallbackShare      = 0.70
	keywordBonus          = 0.05
)

var (
	wordRe    = regexp.MustCompile(`[\p{L}\p{N}]+`)
	stopwords = map[string]bool{
		"the": true, "and": true, "or": true, "is": true, "are": true, "a": true, "an": true,
		"of": true, "to": true, "in": true, "on": true, "for": true, "with": true, "by": true,
		"at": true, "from": true, "what": true, "how": true, "when": true, "who": true,
		"why": true, "which": true, "does": true, "do": true, "explain": true, "describe": true,
		"points": true, "pts": true, "marks": true,
	}
)

// Fallback scores an answer without the grading API. The result depends only
// on the question and the answer text.
func Fallback(q model.Question, answer string, reason FallbackReason) Outcome {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return emptyOutcome()
	}

	words := len(strings.Fields(answer))
	var share float64
	switch {
	case words < 5:
		share = 0.50
	case words < 30:
		share = 0.60
	default:
		share = 0.70
	}

	keywords := questionKeywords(q.Text)
	missing := missingKeywords(keywords, answer)
	if len(keywords) > 0 {
		coverage := float64(len(keywords)-len(missing)) / float64(len(keywords))
		share = math.Min(maxFallbackShare, share+coverage*keywordBonus)
	}

	score := math.Floor(q.Points*share*2+1e-9) / 2
	score = math.Max(0, math.Min(score, q.Points))

	confidence := confidenceUnparseable
	if reason == ReasonUnavailable {
		confidence = confidenceUnavailable
	}

	return Outcome{
		Score:      score,
		Feedback:   fallbackFeedback(words, missing),
		Confidence: confidence,
		Method:     model.MethodFallback,
	}
}

func fallbackFeedback(words int, missing []string) string {
	var sb strings.Builder
	sb.WriteString("Provisional score assigned automatically; an instructor should review it. ")
	switch {
	case words < 5:
		sb.WriteString("The answer is very brief.")
	case words < 30:
		sb.WriteString("The answer could use more detail.")
	default:
		sb.WriteString("The answer is detailed.")
	}
	if len(missing) > 0 {
		if len(missing) > 3 {
			missing = missing[:3]
		}
		sb.WriteString(fmt.Sprintf(" Concepts not mentioned: %s.", strings.Join(missing, ", ")))
	}
	return sb.String()
}

func questionKeywords(text string) []string {
	seen := make(map[string]bool)
	var keywords []string
	for _, w := range wordRe.FindAllString(strings.ToLower(text), -1) {
		if len([]rune(w)) < 3 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		keywords = append(keywords, w)
	}
	sort.Strings(keywords)
	return keywords
}

func missingKeywords(keywords []string, answer string) []string {
	present := make(map[string]bool)
	for _, w := range wordRe.FindAllString(strings.ToLower(answer), -1) {
		present[w] = true
	}
	var missing []string
	for _, k := range keywords {
		if !present[k] {
			missing = append(missing, k)
		}
	}
	return missing
}

func emptyOutcome() Outcome {
	return Outcome{
		Score:      0,
		Feedback:   "No answer provided.",
		Confidence: 1,
		Method:     model.MethodEmpty,
	}
}
