// Package grading scores submissions with the LLM grading API and drives the
// submission lifecycle.
package grading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pavelanni/smartgrader/internal/llm"
	"github.com/pavelanni/smartgrader/internal/llm/prompts"
	"github.com/pavelanni/smartgrader/internal/metrics"
	"github.com/pavelanni/smartgrader/internal/model"
)

// Completer sends a grading prompt to the model.
type Completer interface {
	Complete(ctx context.Context, system, user string) (llm.Reply, error)
}

// Outcome is the grading result for one answer.
type Outcome struct {
	Score      float64
	Feedback   string
	Confidence float64
	Method     model.GradingMethod
	// Attempts is the number of API calls made.
	Attempts int
	// APIUnavailable is set when every API attempt failed.
	APIUnavailable bool
}

// Grader grades single answers, retrying transient API failures and falling
// back to a heuristic score.
type Grader struct {
	llm      Completer
	attempts int
	backoff  time.Duration
	metrics  *metrics.Metrics
}

// NewGrader creates a Grader. attempts below 1 mean a single attempt.
func NewGrader(c Completer, attempts int, backoff time.Duration, m *metrics.Metrics) *Grader {
	if attempts < 1 {
		attempts = 1
	}
	return &Grader{llm: c, attempts: attempts, backoff: backoff, metrics: m}
}

// Grade scores answer against q. It returns an error only when the prompt
// cannot be built; API problems always produce a fallback Outcome.
func (g *Grader) Grade(ctx context.Context, variant prompts.PromptVariant, subject string, q model.Question, answer string) (Outcome, error) {
	if strings.TrimSpace(answer) == "" {
		return emptyOutcome(), nil
	}

	system, err := prompts.BuildGradePrompt(variant, subject, q)
	if err != nil {
		return Outcome{}, fmt.Errorf("build grading prompt: %w", err)
	}
	user := prompts.BuildAnswerMessage(answer)

	var lastErr error
	attempt := 0
	for attempt < g.attempts {
		attempt++
		reply, err := g.llm.Complete(ctx, system, user)
		if err == nil {
			return g.parse(q, answer, reply, attempt), nil
		}

		lastErr = err
		if errors.Is(err, llm.ErrTimeout) {
			g.metrics.ObserveAttempt("timeout")
		} else {
			g.metrics.ObserveAttempt("api_error")
		}
		slog.Warn("grading API call failed", "question", q.Index, "attempt", attempt, "error", err)

		if !errors.Is(err, llm.ErrAPI) && !errors.Is(err, llm.ErrTimeout) {
			break
		}
		if attempt < g.attempts && !sleepCtx(ctx, g.backoff<<(attempt-1)) {
			break
		}
	}

	slog.Warn("grading API unavailable, using fallback score", "question", q.Index, "attempts", attempt, "error", lastErr)
	out := Fallback(q, answer, ReasonUnavailable)
	out.Attempts = attempt
	out.APIUnavailable = true
	return out, nil
}

func (g *Grader) parse(q model.Question, answer string, reply llm.Reply, attempt int) Outcome {
	switch r := llm.ParseGrade(reply.Content, reply.ReasoningContent, q.Points).(type) {
	case llm.Parsed:
		g.metrics.ObserveAttempt("ok")
		return Outcome{
			Score:      r.Score,
			Feedback:   r.Feedback,
			Confidence: r.Confidence,
			Method:     model.MethodAPI,
			Attempts:   attempt,
		}
	case llm.Unparseable:
		g.metrics.ObserveAttempt("unparseable")
		slog.Warn("unparseable grading reply, using fallback score", "question", q.Index, "reason", r.Reason)
		slog.Debug("unparseable grading reply", "raw", r.Raw)
	}
	out := Fallback(q, answer, ReasonUnparseable)
	out.Attempts = attempt
	return out
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
