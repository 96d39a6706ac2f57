package grading

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/smartgrader/internal/events"
	"github.com/pavelanni/smartgrader/internal/llm"
	"github.com/pavelanni/smartgrader/internal/lock"
	"github.com/pavelanni/smartgrader/internal/model"
	"github.com/pavelanni/smartgrader/internal/store"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Type
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	store  *store.Store
	llm    *stubLLM
	locker *lock.Memory
	pub    *recordingPublisher
	mgr    *Manager
	exam   model.Exam
	seq    int
}

const goodReply = `{"score": 4, "feedback": "Mostly correct.", "confidence": 0.8}`

func newFixture(t *testing.T, reply func(int) (llm.Reply, error), cfg Config) *fixture {
	t.Helper()
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	owner, err := st.CreateUser(model.User{Username: "ines", PasswordHash: "x", Role: model.UserRoleInstructor, Active: true})
	require.NoError(t, err)
	examID, err := st.CreateExam(model.Exam{OwnerID: owner, Title: "Quiz", Subject: "Geography"})
	require.NoError(t, err)
	require.NoError(t, st.ReplaceQuestions(examID, []model.Question{
		{Text: "What is the capital of France?", Points: 10},
		{Text: "Name the longest river in Europe.", Points: 5},
	}))
	exam, err := st.GetExam(examID)
	require.NoError(t, err)

	f := &fixture{
		store:  st,
		llm:    &stubLLM{reply: reply},
		locker: lock.NewMemory(),
		pub:    &recordingPublisher{},
		exam:   exam,
	}
	f.mgr = NewManager(st, NewGrader(f.llm, 3, 0, nil), f.locker, f.pub, nil, cfg)
	return f
}

// submit creates a submission from a new student.
func (f *fixture) submit(t *testing.T, raw string, answers ...string) int64 {
	t.Helper()
	f.seq++
	student, err := f.store.CreateUser(model.User{
		Username: fmt.Sprintf("student%d", f.seq), PasswordHash: "x", Role: model.UserRoleStudent, Active: true,
	})
	require.NoError(t, err)
	id, err := f.store.CreateSubmission(model.Submission{ExamID: f.exam.ID, StudentID: student, RawText: raw}, answers)
	require.NoError(t, err)
	return id
}

func (f *fixture) answers(t *testing.T, id int64) []model.QuestionAnswer {
	t.Helper()
	answers, err := f.store.ListAnswers(id)
	require.NoError(t, err)
	return answers
}

func assertTotalIsSum(t *testing.T, sub model.Submission, answers []model.QuestionAnswer) {
	t.Helper()
	var sum float64
	for _, a := range answers {
		sum += a.EffectiveScore()
	}
	assert.InDelta(t, sum, sub.Total(), 1e-9)
}

func TestGradeSubmissionScenario(t *testing.T) {
	f := newFixture(t, replyWith(goodReply), Config{})
	id := f.submit(t, "", "Paris", "")

	pending, err := f.store.GetSubmission(id)
	require.NoError(t, err)
	assert.Nil(t, pending.TotalScore)

	sub, err := f.mgr.GradeSubmission(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, sub.Status)
	assert.NotNil(t, sub.GradedAt)
	assert.NotNil(t, sub.TotalScore)
	assert.Equal(t, 15.0, sub.MaxScore)

	answers := f.answers(t, id)
	require.Len(t, answers, 2)
	require.NotNil(t, answers[0].Score)
	assert.Greater(t, *answers[0].Score, 0.0)
	assert.LessOrEqual(t, *answers[0].Score, 10.0)
	assert.Equal(t, model.MethodAPI, answers[0].Method)
	require.NotNil(t, answers[1].Score)
	assert.Equal(t, 0.0, *answers[1].Score)
	assert.Equal(t, model.MethodEmpty, answers[1].Method)

	assert.LessOrEqual(t, sub.Total(), 10.0)
	assertTotalIsSum(t, sub, answers)
	assert.Equal(t, 1, f.llm.Calls(), "empty answers must not reach the API")
	assert.Equal(t, []events.Type{events.SubmissionGradingStarted, events.SubmissionCompleted}, f.pub.types())
}

func TestGradeSubmissionMatchesRawText(t *testing.T) {
	f := newFixture(t, replyWith(goodReply), Config{})
	id := f.submit(t, "1. Paris\n2. The Volga\n3. extra segment")

	sub, err := f.mgr.GradeSubmission(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, sub.Status)

	answers := f.answers(t, id)
	require.Len(t, answers, 2)
	assert.Equal(t, "Paris", answers[0].Answer)
	assert.Equal(t, "The Volga", answers[1].Answer)
	assert.Equal(t, 8.0, sub.Total())
	assertTotalIsSum(t, sub, answers)
}

func TestUnmatchedPolicies(t *testing.T) {
	t.Run("review", func(t *testing.T) {
		f := newFixture(t, replyWith(goodReply), Config{UnmatchedPolicy: UnmatchedReview})
		id := f.submit(t, "Paris, and the Volga is the longest one.")

		sub, err := f.mgr.GradeSubmission(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusFailed, sub.Status)
		assert.Equal(t, reasonUnmatched, sub.FailureReason)
		assert.Nil(t, sub.GradedAt)
		assert.Equal(t, 0, f.llm.Calls())
	})

	t.Run("empty", func(t *testing.T) {
		f := newFixture(t, replyWith(goodReply), Config{UnmatchedPolicy: UnmatchedEmpty})
		id := f.submit(t, "Paris, and the Volga is the longest one.")

		sub, err := f.mgr.GradeSubmission(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCompleted, sub.Status)
		assert.Equal(t, 0.0, sub.Total())
		for _, a := range f.answers(t, id) {
			assert.Equal(t, model.MethodEmpty, a.Method)
		}
		assert.Equal(t, 0, f.llm.Calls())
	})
}

func TestAllFailedPolicies(t *testing.T) {
	apiDown := failWith(fmt.Errorf("%w: connection refused", llm.ErrAPI))

	tests := []struct {
		policy     AllFailedPolicy
		wantStatus model.SubmissionStatus
	}{
		{AllFailedComplete, model.StatusCompleted},
		{AllFailedFail, model.StatusFailed},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			f := newFixture(t, apiDown, Config{AllFailedPolicy: tt.policy})
			id := f.submit(t, "", "Paris", "The Danube")

			sub, err := f.mgr.GradeSubmission(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, sub.Status)
			assert.Equal(t, 6, f.llm.Calls(), "three attempts per answered question")

			answers := f.answers(t, id)
			for _, a := range answers {
				require.NotNil(t, a.Score, "question %d left ungraded", a.Index)
				assert.Equal(t, model.MethodFallback, a.Method)
				assert.Equal(t, 0.2, *a.Confidence)
			}
			assert.Greater(t, sub.Total(), 0.0)
			assertTotalIsSum(t, sub, answers)
		})
	}
}

func TestNaNScoreUsesFallback(t *testing.T) {
	f := newFixture(t, replyWith(`{"score": "NaN", "feedback": "x", "confidence": 0.9}`), Config{})
	id := f.submit(t, "", "Paris", "Volga")

	sub, err := f.mgr.GradeSubmission(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, sub.Status)
	answers := f.answers(t, id)
	for _, a := range answers {
		assert.Equal(t, model.MethodFallback, a.Method)
		require.NotNil(t, a.Score)
		assert.GreaterOrEqual(t, *a.Score, 0.0)
	}
	assert.Greater(t, sub.Total(), 0.0)
	assertTotalIsSum(t, sub, answers)
}

func TestPartialAPIFailureStillCompletes(t *testing.T) {
	reply := func(call int) (llm.Reply, error) {
		if call == 1 {
			return llm.Reply{Content: goodReply}, nil
		}
		return llm.Reply{}, fmt.Errorf("%w: 502", llm.ErrAPI)
	}
	f := newFixture(t, reply, Config{AllFailedPolicy: AllFailedFail})
	id := f.submit(t, "", "Paris", "The Danube")

	sub, err := f.mgr.GradeSubmission(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, sub.Status)

	answers := f.answers(t, id)
	assert.Equal(t, model.MethodAPI, answers[0].Method)
	assert.Equal(t, model.MethodFallback, answers[1].Method)
}

func TestGradeSubmissionTransitions(t *testing.T) {
	f := newFixture(t, replyWith(goodReply), Config{})
	id := f.submit(t, "", "Paris", "Volga")
	ctx := context.Background()

	_, err := f.mgr.GradeSubmission(ctx, 9999)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.mgr.GradeSubmission(ctx, id)
	require.NoError(t, err)

	_, err = f.mgr.GradeSubmission(ctx, id)
	assert.ErrorIs(t, err, ErrInvalidTransition, "completed submissions need re-evaluation")
}

func TestConcurrentTriggerIsRejected(t *testing.T) {
	f := newFixture(t, replyWith(goodReply), Config{})
	id := f.submit(t, "", "Paris", "Volga")
	ctx := context.Background()

	unlock, err := f.locker.TryLock(ctx, lockKey(id), time.Minute)
	require.NoError(t, err)

	_, err = f.mgr.GradeSubmission(ctx, id)
	assert.ErrorIs(t, err, ErrGradingInProgress)
	assert.ErrorIs(t, f.mgr.StartGrading(ctx, id), ErrGradingInProgress)
	assert.Equal(t, 0, f.llm.Calls())

	sub, err := f.store.GetSubmission(id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, sub.Status)

	unlock()
	_, err = f.mgr.GradeSubmission(ctx, id)
	assert.NoError(t, err)
}

func TestGradingStatusBlocksSecondPass(t *testing.T) {
	f := newFixture(t, replyWith(goodReply), Config{})
	id := f.submit(t, "", "Paris", "Volga")

	// Another process already moved the submission into grading.
	ok, err := f.store.TransitionSubmission(id, model.StatusPending, model.StatusGrading)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.mgr.Reevaluate(context.Background(), id)
	assert.ErrorIs(t, err, ErrGradingInProgress)
	assert.Equal(t, 0, f.llm.Calls())
}

func TestStartGradingRunsInBackground(t *testing.T) {
	release := make(chan struct{})
	reply := func(int) (llm.Reply, error) {
		<-release
		return llm.Reply{Content: goodReply}, nil
	}
	f := newFixture(t, reply, Config{})
	id := f.submit(t, "", "Paris", "Volga")

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.mgr.StartGrading(ctx, id))
	cancel() // the pass must outlive the request context

	sub, err := f.store.GetSubmission(id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusGrading, sub.Status)
	assert.False(t, model.NewStatusView(sub).IsGraded)

	close(release)
	f.mgr.Wait()

	sub, err = f.store.GetSubmission(id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, sub.Status)
	assert.Equal(t, 8.0, sub.Total())

	view := model.NewStatusView(sub)
	assert.True(t, view.IsGraded)
	require.NotNil(t, view.TotalScore)
	assert.Equal(t, 8.0, *view.TotalScore)
}

func TestReevaluateIsIdempotent(t *testing.T) {
	f := newFixture(t, replyWith(goodReply), Config{})
	id := f.submit(t, "", "Paris", "Volga")
	ctx := context.Background()

	first, err := f.mgr.GradeSubmission(ctx, id)
	require.NoError(t, err)

	second, err := f.mgr.Reevaluate(ctx, id)
	require.NoError(t, err)
	third, err := f.mgr.Reevaluate(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, first.Total(), second.Total())
	assert.Equal(t, second.Total(), third.Total())
	assert.Equal(t, 3, third.GradingPass)
	assert.Equal(t, model.StatusCompleted, third.Status)

	history, err := f.store.ListHistory(id)
	require.NoError(t, err)
	assert.Len(t, history, 4, "two archived passes of two answers")
	assert.Contains(t, f.pub.types(), events.SubmissionReevaluated)
}

func TestReevaluateRetriesUnmatchedSubmission(t *testing.T) {
	f := newFixture(t, replyWith(goodReply), Config{})
	id := f.submit(t, "no numbering here at all")
	ctx := context.Background()

	sub, err := f.mgr.GradeSubmission(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, sub.Status)

	// The instructor enters the answers by hand and re-evaluates.
	require.NoError(t, f.mgr.ReplaceAnswers(ctx, id, []string{"Paris", "Volga"}))
	sub, err = f.mgr.Reevaluate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, sub.Status)
	assert.Empty(t, sub.FailureReason)
	assert.Equal(t, 8.0, sub.Total())
}

func TestReevaluateExam(t *testing.T) {
	f := newFixture(t, replyWith(goodReply), Config{Concurrency: 2})
	ctx := context.Background()

	var ids []int64
	for range 4 {
		id := f.submit(t, "", "Paris", "Volga")
		_, err := f.mgr.GradeSubmission(ctx, id)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	unmatched := f.submit(t, "prose without markers")
	_, err := f.mgr.GradeSubmission(ctx, unmatched)
	require.NoError(t, err)

	unlock, err := f.locker.TryLock(ctx, lockKey(ids[0]), time.Minute)
	require.NoError(t, err)
	defer unlock()

	res, err := f.mgr.ReevaluateExam(ctx, f.exam.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Total)
	assert.Equal(t, 3, res.Reevaluated)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, unmatched, res.Failures[0].SubmissionID)

	for _, id := range ids[1:] {
		sub, err := f.store.GetSubmission(id)
		require.NoError(t, err)
		assert.Equal(t, 2, sub.GradingPass)
		assert.Equal(t, model.StatusCompleted, sub.Status)
	}
	sub, err := f.store.GetSubmission(ids[0])
	require.NoError(t, err)
	assert.Equal(t, 1, sub.GradingPass, "locked submission must be untouched")
}

func TestReplaceAnswersWhileLocked(t *testing.T) {
	f := newFixture(t, replyWith(goodReply), Config{})
	id := f.submit(t, "", "Paris", "Volga")
	ctx := context.Background()

	unlock, err := f.locker.TryLock(ctx, lockKey(id), time.Minute)
	require.NoError(t, err)
	err = f.mgr.ReplaceAnswers(ctx, id, []string{"Lyon"})
	assert.ErrorIs(t, err, ErrGradingInProgress)
	unlock()

	require.NoError(t, f.mgr.ReplaceAnswers(ctx, id, []string{"Lyon"}))
	answers := f.answers(t, id)
	require.Len(t, answers, 2)
	assert.Equal(t, "Lyon", answers[0].Answer)
	assert.Empty(t, answers[1].Answer)
}

func TestReplaceAnswersOnCompletedSubmission(t *testing.T) {
	f := newFixture(t, replyWith(goodReply), Config{})
	id := f.submit(t, "", "Paris", "Volga")
	ctx := context.Background()

	sub, err := f.mgr.GradeSubmission(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, sub.Status)
	require.Equal(t, 8.0, sub.Total())

	require.NoError(t, f.mgr.ReplaceAnswers(ctx, id, []string{"Lyon", "Rhine"}))
	sub, err = f.store.GetSubmission(id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, sub.Status)
	assert.Nil(t, sub.TotalScore)
	assert.Nil(t, sub.GradedAt)
	assert.Equal(t, 2, sub.GradingPass)
	assert.Nil(t, model.NewStatusView(sub).TotalScore)

	detail, err := f.store.GetSubmissionDetail(id)
	require.NoError(t, err)
	assert.Len(t, detail.History, 2)
	assert.Contains(t, f.pub.types(), events.SubmissionReevaluated)

	sub, err = f.mgr.GradeSubmission(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, sub.Status)
	answers := f.answers(t, id)
	assert.Equal(t, "Lyon", answers[0].Answer)
	assertTotalIsSum(t, sub, answers)
}

func TestRegradeAnswers(t *testing.T) {
	reply := func(call int) (llm.Reply, error) {
		if call > 2 {
			return llm.Reply{Content: `{"score": 9, "feedback": "Complete.", "confidence": 0.95}`}, nil
		}
		return llm.Reply{Content: goodReply}, nil
	}
	f := newFixture(t, reply, Config{})
	id := f.submit(t, "", "Paris", "Volga")
	ctx := context.Background()

	_, err := f.mgr.RegradeAnswers(ctx, id, []int{1})
	assert.ErrorIs(t, err, ErrNotGraded)

	_, err = f.mgr.GradeSubmission(ctx, id)
	require.NoError(t, err)
	_, err = f.mgr.OverrideScore(ctx, id, 1, 10, "Full marks")
	require.NoError(t, err)

	_, err = f.mgr.RegradeAnswers(ctx, id, []int{1, 3})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 2, f.llm.Calls(), "indexes are checked before grading")

	res, err := f.mgr.RegradeAnswers(ctx, id, []int{1, 1})
	require.NoError(t, err)
	assert.Equal(t, 3, f.llm.Calls())
	require.Len(t, res.Answers, 1)
	require.NotNil(t, res.Answers[0].Score)
	assert.Equal(t, 9.0, *res.Answers[0].Score)
	assert.Nil(t, res.Answers[0].OverrideScore)
	assert.Equal(t, 13.0, res.TotalScore)

	sub, err := f.store.GetSubmission(id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, sub.Status)
	assert.Equal(t, 1, sub.GradingPass)
	assertTotalIsSum(t, sub, f.answers(t, id))

	detail, err := f.store.GetSubmissionDetail(id)
	require.NoError(t, err)
	require.Len(t, detail.History, 1)
	require.NotNil(t, detail.History[0].OverrideScore)
	assert.Equal(t, 10.0, *detail.History[0].OverrideScore)
	assert.Contains(t, f.pub.types(), events.AnswersRegraded)
}

func TestOverrideScore(t *testing.T) {
	f := newFixture(t, replyWith(goodReply), Config{})
	id := f.submit(t, "", "Paris", "Volga")
	ctx := context.Background()

	_, err := f.mgr.OverrideScore(ctx, id, 1, 9, "")
	assert.ErrorIs(t, err, ErrNotGraded)

	_, err = f.mgr.GradeSubmission(ctx, id)
	require.NoError(t, err)

	_, err = f.mgr.OverrideScore(ctx, id, 1, 11, "")
	assert.ErrorIs(t, err, ErrScoreOutOfRange)
	_, err = f.mgr.OverrideScore(ctx, id, 1, -1, "")
	assert.ErrorIs(t, err, ErrScoreOutOfRange)
	_, err = f.mgr.OverrideScore(ctx, id, 3, 1, "")
	assert.ErrorIs(t, err, store.ErrNotFound)

	total, err := f.mgr.OverrideScore(ctx, id, 1, 10, "Full marks")
	require.NoError(t, err)
	assert.Equal(t, 14.0, total)

	sub, err := f.store.GetSubmission(id)
	require.NoError(t, err)
	assert.Equal(t, 14.0, sub.Total())
	assertTotalIsSum(t, sub, f.answers(t, id))
	assert.Contains(t, f.pub.types(), events.ScoreOverridden)
}
