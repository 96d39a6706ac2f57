package grading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/smartgrader/internal/events"
	"github.com/pavelanni/smartgrader/internal/ingest"
	"github.com/pavelanni/smartgrader/internal/llm/prompts"
	"github.com/pavelanni/smartgrader/internal/lock"
	"github.com/pavelanni/smartgrader/internal/metrics"
	"github.com/pavelanni/smartgrader/internal/model"
	"github.com/pavelanni/smartgrader/internal/store"
)

var (
	// ErrGradingInProgress is returned when a submission already has an
	// active grading pass.
	ErrGradingInProgress = errors.New("grading already in progress")
	// ErrInvalidTransition is returned when the submission's status does not
	// allow the requested operation.
	ErrInvalidTransition = errors.New("invalid submission status for this operation")
	// ErrNotGraded is returned when overriding a score before grading ended.
	ErrNotGraded = errors.New("submission has not been graded")
	// ErrScoreOutOfRange is returned for an override outside [0, points].
	ErrScoreOutOfRange = errors.New("score out of range")
)

// UnmatchedPolicy decides what happens when a combined answer document
// cannot be split into per-question answers.
type UnmatchedPolicy string

const (
	// UnmatchedReview fails the submission so an instructor can review it.
	UnmatchedReview UnmatchedPolicy = "review"
	// UnmatchedEmpty grades every question as unanswered.
	UnmatchedEmpty UnmatchedPolicy = "empty"
)

// AllFailedPolicy decides the final status when the grading API failed for
// every answered question.
type AllFailedPolicy string

const (
	// AllFailedComplete keeps the fallback scores and completes.
	AllFailedComplete AllFailedPolicy = "complete"
	// AllFailedFail keeps the fallback scores but marks the submission failed.
	AllFailedFail AllFailedPolicy = "fail"
)

// Config tunes the lifecycle manager.
type Config struct {
	PromptVariant   prompts.PromptVariant
	UnmatchedPolicy UnmatchedPolicy
	AllFailedPolicy AllFailedPolicy
	// Concurrency caps parallel submissions during bulk re-evaluation.
	Concurrency int
	// PassTimeout bounds a background grading pass.
	PassTimeout time.Duration
	LockTTL     time.Duration
}

const (
	reasonUnmatched   = "answers could not be matched to questions; manual review required"
	reasonAllFailed   = "grading service unavailable for every question; provisional scores recorded"
	reasonNoQuestions = "exam has no questions"
)

// Manager runs grading passes and enforces the submission lifecycle:
// pending -> grading -> completed|failed, with at most one active pass per
// submission.
type Manager struct {
	store   *store.Store
	grader  *Grader
	locker  lock.Locker
	events  events.Publisher
	metrics *metrics.Metrics
	cfg     Config
	wg      sync.WaitGroup
}

// NewManager creates a Manager. A nil locker or publisher gets an in-process
// lock and a no-op publisher.
func NewManager(st *store.Store, g *Grader, l lock.Locker, pub events.Publisher, m *metrics.Metrics, cfg Config) *Manager {
	if l == nil {
		l = lock.NewMemory()
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if cfg.UnmatchedPolicy == "" {
		cfg.UnmatchedPolicy = UnmatchedReview
	}
	if cfg.AllFailedPolicy == "" {
		cfg.AllFailedPolicy = AllFailedComplete
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 4
	}
	if cfg.PassTimeout <= 0 {
		cfg.PassTimeout = 15 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = cfg.PassTimeout + time.Minute
	}
	return &Manager{store: st, grader: g, locker: l, events: pub, metrics: m, cfg: cfg}
}

func lockKey(id int64) string {
	return "submission:" + strconv.FormatInt(id, 10)
}

// GradeSubmission grades a pending submission and returns it in its final
// state.
func (m *Manager) GradeSubmission(ctx context.Context, id int64) (model.Submission, error) {
	unlock, err := m.begin(ctx, id, false)
	if err != nil {
		return model.Submission{}, err
	}
	defer unlock()
	m.runPass(ctx, id)
	return m.store.GetSubmission(id)
}

// Reevaluate archives the current results of a graded submission and grades
// it again. A pending submission is simply graded.
func (m *Manager) Reevaluate(ctx context.Context, id int64) (model.Submission, error) {
	unlock, err := m.begin(ctx, id, true)
	if err != nil {
		return model.Submission{}, err
	}
	defer unlock()
	m.runPass(ctx, id)
	return m.store.GetSubmission(id)
}

// StartGrading moves a pending submission into grading and runs the pass in
// the background. Errors are reported before anything runs.
func (m *Manager) StartGrading(ctx context.Context, id int64) error {
	return m.start(ctx, id, false)
}

// StartReevaluation is the background form of Reevaluate.
func (m *Manager) StartReevaluation(ctx context.Context, id int64) error {
	return m.start(ctx, id, true)
}

func (m *Manager) start(ctx context.Context, id int64, reevaluate bool) error {
	unlock, err := m.begin(ctx, id, reevaluate)
	if err != nil {
		return err
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer unlock()
		passCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.PassTimeout)
		defer cancel()
		m.runPass(passCtx, id)
	}()
	return nil
}

// Wait blocks until every background pass has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// begin takes the submission lock and moves the submission into grading.
// The returned Unlock must be called when the pass ends.
func (m *Manager) begin(ctx context.Context, id int64, reevaluate bool) (lock.Unlock, error) {
	unlock, err := m.locker.TryLock(ctx, lockKey(id), m.cfg.LockTTL)
	if errors.Is(err, lock.ErrLocked) {
		return nil, ErrGradingInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("acquire grading lock: %w", err)
	}

	sub, err := m.store.GetSubmission(id)
	if err != nil {
		unlock()
		return nil, err
	}

	switch {
	case sub.Status == model.StatusGrading:
		unlock()
		return nil, ErrGradingInProgress
	case sub.Status.Terminal() && !reevaluate:
		unlock()
		return nil, ErrInvalidTransition
	case sub.Status.Terminal():
		pass, err := m.store.StartNewPass(id)
		if err != nil {
			unlock()
			return nil, fmt.Errorf("start new grading pass: %w", err)
		}
		slog.Info("re-evaluating submission", "submission_id", id, "pass", pass)
		m.publish(ctx, events.Event{
			Type: events.SubmissionReevaluated, SubmissionID: id, ExamID: sub.ExamID, Pass: pass,
			Status: string(model.StatusPending),
		})
	}

	ok, err := m.store.TransitionSubmission(id, model.StatusPending, model.StatusGrading)
	if err != nil {
		unlock()
		return nil, err
	}
	if !ok {
		unlock()
		return nil, ErrGradingInProgress
	}
	m.publish(ctx, events.Event{
		Type: events.SubmissionGradingStarted, SubmissionID: id, ExamID: sub.ExamID,
		Status: string(model.StatusGrading),
	})
	return unlock, nil
}

// runPass grades every answer of a submission in the grading state and
// always leaves it completed or failed.
func (m *Manager) runPass(ctx context.Context, id int64) {
	done := m.metrics.PassStarted()
	start := time.Now()

	status, reason, err := m.gradeAnswers(ctx, id)
	if err != nil {
		slog.Error("grading pass failed", "submission_id", id, "error", err)
		status, reason = model.StatusFailed, "grading error: "+err.Error()
	}
	if err := m.store.FinishSubmission(id, status, reason); err != nil {
		slog.Error("failed to finish grading pass", "submission_id", id, "error", err)
		done("error")
		return
	}
	done(string(status))

	sub, err := m.store.GetSubmission(id)
	if err != nil {
		slog.Error("failed to reload submission", "submission_id", id, "error", err)
		return
	}
	slog.Info("grading pass finished",
		"submission_id", id, "status", sub.Status, "total", sub.Total(), "max", sub.MaxScore,
		"pass", sub.GradingPass, "duration", time.Since(start))

	typ := events.SubmissionCompleted
	if sub.Status == model.StatusFailed {
		typ = events.SubmissionFailed
	}
	m.publish(ctx, events.Event{
		Type: typ, SubmissionID: id, ExamID: sub.ExamID, Status: string(sub.Status),
		Pass: sub.GradingPass, TotalScore: sub.Total(), MaxScore: sub.MaxScore, Reason: sub.FailureReason,
	})
}

func (m *Manager) gradeAnswers(ctx context.Context, id int64) (model.SubmissionStatus, string, error) {
	sub, err := m.store.GetSubmission(id)
	if err != nil {
		return "", "", err
	}
	exam, err := m.store.GetExam(sub.ExamID)
	if err != nil {
		return "", "", fmt.Errorf("load exam: %w", err)
	}
	if len(exam.Questions) == 0 {
		return model.StatusFailed, reasonNoQuestions, nil
	}

	answers, err := m.store.ListAnswers(id)
	if err != nil {
		return "", "", err
	}
	if len(answers) == 0 {
		matched, err := ingest.MatchAnswers(sub.RawText, len(exam.Questions))
		if errors.Is(err, ingest.ErrAnswerMatch) {
			slog.Warn("could not match answers to questions", "submission_id", id, "policy", m.cfg.UnmatchedPolicy)
			if m.cfg.UnmatchedPolicy == UnmatchedReview {
				return model.StatusFailed, reasonUnmatched, nil
			}
			matched = nil
		} else if err != nil {
			return "", "", err
		}
		if err := m.store.SetAnswers(id, exam.Questions, matched); err != nil {
			return "", "", fmt.Errorf("store matched answers: %w", err)
		}
		if answers, err = m.store.ListAnswers(id); err != nil {
			return "", "", err
		}
	}

	questions := make(map[int]model.Question, len(exam.Questions))
	for _, q := range exam.Questions {
		questions[q.Index] = q
	}
	variant := m.PromptVariant()

	var called, unavailable int
	for _, a := range answers {
		q, ok := questions[a.Index]
		if !ok {
			continue
		}
		out, err := m.grader.Grade(ctx, variant, exam.Subject, q, a.Answer)
		if err != nil {
			return "", "", err
		}
		if out.Method != model.MethodEmpty {
			called++
			if out.APIUnavailable {
				unavailable++
			}
		}
		err = m.store.SaveGrade(id, a.Index, store.GradeRecord{
			Score:      out.Score,
			Feedback:   out.Feedback,
			Confidence: out.Confidence,
			Method:     out.Method,
		})
		if err != nil {
			return "", "", fmt.Errorf("save grade for question %d: %w", a.Index, err)
		}
		m.metrics.ObserveAnswer(string(out.Method))
		slog.Debug("graded answer", "submission_id", id, "question", a.Index,
			"score", out.Score, "method", out.Method, "attempts", out.Attempts)
	}

	if called > 0 && unavailable == called && m.cfg.AllFailedPolicy == AllFailedFail {
		return model.StatusFailed, reasonAllFailed, nil
	}
	return model.StatusCompleted, "", nil
}

// PromptVariant returns the variant stored in settings, or the configured one.
func (m *Manager) PromptVariant() prompts.PromptVariant {
	if v, err := m.store.GetSetting(store.SettingPromptVariant); err == nil && prompts.IsValidVariant(v) {
		return prompts.PromptVariant(v)
	}
	if prompts.IsValidVariant(string(m.cfg.PromptVariant)) {
		return m.cfg.PromptVariant
	}
	return prompts.PromptStandard
}

// BatchFailure records why one submission of a batch was not re-evaluated.
type BatchFailure struct {
	SubmissionID int64  `json:"submission_id"`
	Error        string `json:"error"`
}

// BatchResult summarises a bulk re-evaluation.
type BatchResult struct {
	Total       int            `json:"total"`
	Reevaluated int            `json:"reevaluated"`
	Failed      int            `json:"failed"`
	Skipped     int            `json:"skipped"`
	Failures    []BatchFailure `json:"failures,omitempty"`
}

// ReevaluateExam re-evaluates every submission of an exam. Submissions are
// processed in parallel up to the configured concurrency and independently:
// one failure never stops the others. Submissions already being graded are
// skipped.
func (m *Manager) ReevaluateExam(ctx context.Context, examID int64) (BatchResult, error) {
	subs, err := m.store.ListSubmissions(examID)
	if err != nil {
		return BatchResult{}, err
	}

	res := BatchResult{Total: len(subs)}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(m.cfg.Concurrency)

	for _, sub := range subs {
		g.Go(func() error {
			updated, err := m.Reevaluate(ctx, sub.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrGradingInProgress):
				res.Skipped++
			case err != nil:
				res.Failed++
				res.Failures = append(res.Failures, BatchFailure{SubmissionID: sub.ID, Error: err.Error()})
			case updated.Status == model.StatusFailed:
				res.Failed++
				res.Failures = append(res.Failures, BatchFailure{SubmissionID: sub.ID, Error: updated.FailureReason})
			default:
				res.Reevaluated++
			}
			return nil
		})
	}
	_ = g.Wait()

	slog.Info("bulk re-evaluation finished", "exam_id", examID,
		"total", res.Total, "reevaluated", res.Reevaluated, "failed", res.Failed, "skipped", res.Skipped)
	return res, nil
}

// OverrideScore records an instructor score for one question of a graded
// submission and returns the new total.
func (m *Manager) OverrideScore(ctx context.Context, submissionID int64, index int, score float64, comment string) (float64, error) {
	unlock, err := m.locker.TryLock(ctx, lockKey(submissionID), m.cfg.LockTTL)
	if errors.Is(err, lock.ErrLocked) {
		return 0, ErrGradingInProgress
	}
	if err != nil {
		return 0, fmt.Errorf("acquire grading lock: %w", err)
	}
	defer unlock()

	sub, err := m.store.GetSubmission(submissionID)
	if err != nil {
		return 0, err
	}
	if !sub.Status.Terminal() {
		return 0, ErrNotGraded
	}
	questions, err := m.store.ListQuestions(sub.ExamID)
	if err != nil {
		return 0, err
	}
	var q *model.Question
	for i := range questions {
		if questions[i].Index == index {
			q = &questions[i]
			break
		}
	}
	if q == nil {
		return 0, store.ErrNotFound
	}
	if score < 0 || score > q.Points {
		return 0, fmt.Errorf("%w: %g not in [0, %g]", ErrScoreOutOfRange, score, q.Points)
	}

	total, err := m.store.OverrideScore(submissionID, index, score, comment)
	if err != nil {
		return 0, err
	}
	slog.Info("score overridden", "submission_id", submissionID, "question", index, "score", score, "total", total)
	m.publish(ctx, events.Event{
		Type: events.ScoreOverridden, SubmissionID: submissionID, ExamID: sub.ExamID,
		Status: string(sub.Status), TotalScore: total, MaxScore: sub.MaxScore,
	})
	return total, nil
}

// ReplaceAnswers stores manually entered answers for a submission that is
// not being graded. A completed or failed submission first has its results
// archived and returns to pending, so it must be graded again.
func (m *Manager) ReplaceAnswers(ctx context.Context, submissionID int64, answers []string) error {
	unlock, err := m.locker.TryLock(ctx, lockKey(submissionID), m.cfg.LockTTL)
	if errors.Is(err, lock.ErrLocked) {
		return ErrGradingInProgress
	}
	if err != nil {
		return fmt.Errorf("acquire grading lock: %w", err)
	}
	defer unlock()

	sub, err := m.store.GetSubmission(submissionID)
	if err != nil {
		return err
	}
	if sub.Status == model.StatusGrading {
		return ErrGradingInProgress
	}
	questions, err := m.store.ListQuestions(sub.ExamID)
	if err != nil {
		return err
	}
	if sub.Status.Terminal() {
		pass, err := m.store.StartNewPass(submissionID)
		if err != nil {
			return fmt.Errorf("start new grading pass: %w", err)
		}
		m.publish(ctx, events.Event{
			Type: events.SubmissionReevaluated, SubmissionID: submissionID, ExamID: sub.ExamID, Pass: pass,
			Status: string(model.StatusPending),
		})
	}
	if err := m.store.SetAnswers(submissionID, questions, answers); err != nil {
		return err
	}
	slog.Info("answers replaced", "submission_id", submissionID, "answers", len(answers))
	return nil
}

func (m *Manager) publish(ctx context.Context, e events.Event) {
	if err := m.events.Publish(context.WithoutCancel(ctx), e); err != nil {
		slog.Warn("event not published", "type", e.Type, "error", err)
	}
}
