package ingest

import (
	"errors"
	"regexp"
	"strings"
)

// ErrAnswerMatch is returned when a combined answer document cannot be
// mapped to the exam's questions.
var ErrAnswerMatch = errors.New("answers could not be matched to questions")

var answerMarkers = []*regexp.Regexp{
	regexp.MustCompile(`(?im)^[ \t]*(?:answer|ans|response|reply|réponse|reponse|respuesta|antwort|risposta|cevap|yanıt|soru|question|q)\.?[ \t]*(\d+)[ \t]*[:.)\-]`),
	regexp.MustCompile(`(?m)^[ \t]*(\d+)\.[ \t]+`),
	regexp.MustCompile(`(?m)^[ \t]*(\d+)\)[ \t]+`),
}

// MatchAnswers maps the segments of a combined answer document to n
// questions by position. Extra segments are dropped and missing trailing
// answers are empty. Without any marker the whole text answers a
// single-question exam; for larger exams that is an ErrAnswerMatch.
func MatchAnswers(text string, n int) ([]string, error) {
	if n <= 0 {
		return nil, ErrAnswerMatch
	}
	text = strings.TrimSpace(text)

	var segments []string
	for _, re := range answerMarkers {
		if segments = splitOnMarkers(text, re); len(segments) > 0 {
			break
		}
	}

	answers := make([]string, n)
	if len(segments) == 0 {
		if n != 1 {
			return nil, ErrAnswerMatch
		}
		answers[0] = text
		return answers, nil
	}
	copy(answers, segments)
	return answers, nil
}
