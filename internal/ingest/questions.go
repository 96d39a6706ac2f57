// Package ingest splits exam and submission text into numbered questions
// and answers.
package ingest

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/pavelanni/smartgrader/internal/extract"
	"github.com/pavelanni/smartgrader/internal/model"
)

// questionMarkers are tried in order; the first with any match splits the text.
var questionMarkers = []*regexp.Regexp{
	regexp.MustCompile(`(?im)^[ \t]*question[ \t]+(\d+)[ \t]*[:.)\-]?`),
	regexp.MustCompile(`(?im)^[ \t]*q\.?[ \t]*(\d+)[ \t]*[:.)\-]`),
	regexp.MustCompile(`(?m)^[ \t]*(\d+)\.[ \t]+`),
	regexp.MustCompile(`(?m)^[ \t]*(\d+)\)[ \t]+`),
}

var (
	pointsRe = regexp.MustCompile(`(?i)[(\[][ \t]*(\d+(?:\.\d+)?)[ \t]*(?:points?|pts?\.?|marks?)[ \t]*[)\]]`)
	optionRe = regexp.MustCompile(`(?m)^[ \t]*[a-hA-H][).][ \t]+\S`)
)

const shortAnswerWords = 12

// ExtractQuestions splits normalised exam text into questions. Text before
// the first marker is discarded. When no marker matches, the whole text is a
// single question.
func ExtractQuestions(text string, defaultPoints float64) ([]model.Question, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, &extract.ExtractionError{Reason: "no text to split into questions"}
	}

	var bodies []string
	for _, re := range questionMarkers {
		if bodies = splitOnMarkers(text, re); len(bodies) > 0 {
			break
		}
	}
	if len(bodies) == 0 {
		bodies = []string{text}
	}

	questions := make([]model.Question, 0, len(bodies))
	for _, body := range bodies {
		q := parseQuestion(body, defaultPoints)
		if q.Text == "" {
			continue
		}
		q.Index = len(questions) + 1
		questions = append(questions, q)
	}
	if len(questions) == 0 {
		q := parseQuestion(text, defaultPoints)
		q.Index = 1
		questions = append(questions, q)
	}
	return questions, nil
}

// splitOnMarkers returns the text between consecutive marker matches.
// It returns nil when re does not match.
func splitOnMarkers(text string, re *regexp.Regexp) []string {
	locs := re.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return nil
	}
	parts := make([]string, len(locs))
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		parts[i] = strings.TrimSpace(text[loc[1]:end])
	}
	return parts
}

func parseQuestion(body string, defaultPoints float64) model.Question {
	q := model.Question{Points: defaultPoints}
	if m := pointsRe.FindStringSubmatchIndex(body); m != nil {
		if p, err := strconv.ParseFloat(body[m[2]:m[3]], 64); err == nil && p > 0 {
			q.Points = p
		}
		body = body[:m[0]] + body[m[1]:]
	}
	q.Text = strings.TrimSpace(strings.ReplaceAll(body, "  ", " "))
	q.Type = questionType(q.Text)
	return q
}

func questionType(text string) model.QuestionType {
	if len(optionRe.FindAllStringIndex(text, -1)) >= 2 {
		return model.QuestionMultipleChoice
	}
	if len(strings.Fields(text)) < shortAnswerWords {
		return model.QuestionShortAnswer
	}
	return model.QuestionEssay
}
