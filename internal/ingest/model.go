package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/pavelanni/smartgrader/internal/llm"
	"github.com/pavelanni/smartgrader/internal/llm/prompts"
	"github.com/pavelanni/smartgrader/internal/model"
)

// Completer sends a prompt to the language model.
type Completer interface {
	Complete(ctx context.Context, system, user string) (llm.Reply, error)
}

// ErrModelQuestions is returned when the model reply holds no usable
// questions.
var ErrModelQuestions = errors.New("model returned no usable questions")

var replyObjectRe = regexp.MustCompile(`(?s)\{.*\}`)

type extractedQuestion struct {
	Text   string  `json:"text"`
	Points float64 `json:"points"`
	// MaxPoints is accepted as an alias some models prefer.
	MaxPoints float64 `json:"max_points"`
}

// ModelQuestions asks the model to list the questions in text. Questions
// keep the order of the reply and are renumbered from 1. Missing or
// invalid points become defaultPoints.
func ModelQuestions(ctx context.Context, c Completer, text string, defaultPoints float64) ([]model.Question, error) {
	system, err := prompts.BuildExtractPrompt(defaultPoints)
	if err != nil {
		return nil, fmt.Errorf("build extraction prompt: %w", err)
	}
	reply, err := c.Complete(ctx, system, prompts.BuildExamMessage(text))
	if err != nil {
		return nil, err
	}
	raw := reply.Content
	if strings.TrimSpace(raw) == "" {
		raw = reply.ReasoningContent
	}
	return parseModelQuestions(raw, defaultPoints)
}

func parseModelQuestions(raw string, defaultPoints float64) ([]model.Question, error) {
	obj := replyObjectRe.FindString(raw)
	if obj == "" {
		return nil, fmt.Errorf("%w: no JSON object in reply", ErrModelQuestions)
	}
	var reply struct {
		Questions []extractedQuestion `json:"questions"`
	}
	if err := json.Unmarshal([]byte(obj), &reply); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelQuestions, err)
	}

	var questions []model.Question
	for _, eq := range reply.Questions {
		text := strings.TrimSpace(eq.Text)
		if text == "" {
			continue
		}
		points := eq.Points
		if points == 0 {
			points = eq.MaxPoints
		}
		if points <= 0 {
			points = defaultPoints
		}
		questions = append(questions, model.Question{
			Index:  len(questions) + 1,
			Text:   text,
			Points: points,
			Type:   questionType(text),
		})
	}
	if len(questions) == 0 {
		return nil, ErrModelQuestions
	}
	return questions, nil
}
