package grading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/pavelanni/smartgrader/internal/events"
	"github.com/pavelanni/smartgrader/internal/lock"
	"github.com/pavelanni/smartgrader/internal/model"
	"github.com/pavelanni/smartgrader/internal/store"
)

// RegradeResult is the outcome of regrading selected answers.
type RegradeResult struct {
	Answers    []model.QuestionAnswer `json:"answers"`
	TotalScore float64                `json:"total_score"`
}

// RegradeAnswers grades the answers to the given question indexes of a
// completed or failed submission again, without starting a new pass. Each
// previous result is archived and any override on it is cleared. Every
// index is checked before the first API call.
func (m *Manager) RegradeAnswers(ctx context.Context, submissionID int64, indexes []int) (RegradeResult, error) {
	unlock, err := m.locker.TryLock(ctx, lockKey(submissionID), m.cfg.LockTTL)
	if errors.Is(err, lock.ErrLocked) {
		return RegradeResult{}, ErrGradingInProgress
	}
	if err != nil {
		return RegradeResult{}, fmt.Errorf("acquire grading lock: %w", err)
	}
	defer unlock()

	sub, err := m.store.GetSubmission(submissionID)
	if err != nil {
		return RegradeResult{}, err
	}
	if !sub.Status.Terminal() {
		return RegradeResult{}, ErrNotGraded
	}
	exam, err := m.store.GetExam(sub.ExamID)
	if err != nil {
		return RegradeResult{}, fmt.Errorf("load exam: %w", err)
	}
	answers, err := m.store.ListAnswers(submissionID)
	if err != nil {
		return RegradeResult{}, err
	}

	indexes = slices.Compact(slices.Sorted(slices.Values(indexes)))
	type target struct {
		q model.Question
		a model.QuestionAnswer
	}
	targets := make([]target, 0, len(indexes))
	for _, idx := range indexes {
		qi := slices.IndexFunc(exam.Questions, func(q model.Question) bool { return q.Index == idx })
		ai := slices.IndexFunc(answers, func(a model.QuestionAnswer) bool { return a.Index == idx })
		if qi < 0 || ai < 0 {
			return RegradeResult{}, fmt.Errorf("question %d: %w", idx, store.ErrNotFound)
		}
		targets = append(targets, target{q: exam.Questions[qi], a: answers[ai]})
	}

	variant := m.PromptVariant()
	total := sub.Total()
	for _, t := range targets {
		out, err := m.grader.Grade(ctx, variant, exam.Subject, t.q, t.a.Answer)
		if err != nil {
			return RegradeResult{}, err
		}
		total, err = m.store.RegradeAnswer(submissionID, t.q.Index, store.GradeRecord{
			Score:      out.Score,
			Feedback:   out.Feedback,
			Confidence: out.Confidence,
			Method:     out.Method,
		})
		if err != nil {
			return RegradeResult{}, fmt.Errorf("save grade for question %d: %w", t.q.Index, err)
		}
		m.metrics.ObserveAnswer(string(out.Method))
		slog.Info("answer regraded", "submission_id", submissionID, "question", t.q.Index,
			"score", out.Score, "method", out.Method, "attempts", out.Attempts)
	}

	res := RegradeResult{TotalScore: total}
	if answers, err = m.store.ListAnswers(submissionID); err != nil {
		return RegradeResult{}, err
	}
	for _, a := range answers {
		if slices.Contains(indexes, a.Index) {
			res.Answers = append(res.Answers, a)
		}
	}
	m.publish(ctx, events.Event{
		Type: events.AnswersRegraded, SubmissionID: submissionID, ExamID: sub.ExamID,
		Status: string(sub.Status), Pass: sub.GradingPass, TotalScore: total, MaxScore: sub.MaxScore,
	})
	return res, nil
}
