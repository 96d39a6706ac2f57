package store

import (
	"database/sql"
	"time"

	"github.com/pavelanni/smartgrader/internal/model"
)

// GradeRecord is a per-question grading result to persist.
type GradeRecord struct {
	Score      float64
	Feedback   string
	Confidence float64
	Method     model.GradingMethod
}

// ListAnswers returns the answers of a submission in question order.
func (s *Store) ListAnswers(submissionID int64) ([]model.QuestionAnswer, error) {
	rows, err := s.db.Query(
		`SELECT id, submission_id, question_id, idx, answer, score, feedback, confidence, method,
			graded_at, override_score, override_comment
		 FROM question_answers WHERE submission_id = ? ORDER BY idx`, submissionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var answers []model.QuestionAnswer
	for rows.Next() {
		var a model.QuestionAnswer
		if err := rows.Scan(&a.ID, &a.SubmissionID, &a.QuestionID, &a.Index, &a.Answer, &a.Score,
			&a.Feedback, &a.Confidence, &a.Method, &a.GradedAt, &a.OverrideScore, &a.OverrideComment); err != nil {
			return nil, err
		}
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

// SetAnswers stores one answer per question for a submission, replacing any
// existing rows. Missing trailing answers are stored empty and extra answers
// are dropped.
func (s *Store) SetAnswers(submissionID int64, questions []model.Question, answers []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM question_answers WHERE submission_id = ?`, submissionID); err != nil {
		return err
	}
	if err := insertAnswersTx(tx, submissionID, questions, answers); err != nil {
		return err
	}
	return tx.Commit()
}

func insertAnswersTx(tx *sql.Tx, submissionID int64, questions []model.Question, answers []string) error {
	for i, q := range questions {
		var text string
		if i < len(answers) {
			text = answers[i]
		}
		_, err := tx.Exec(
			`INSERT INTO question_answers (submission_id, question_id, idx, answer) VALUES (?, ?, ?, ?)`,
			submissionID, q.ID, q.Index, text,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// SaveGrade records the grading result for one question of a submission.
func (s *Store) SaveGrade(submissionID int64, index int, g GradeRecord) error {
	res, err := s.db.Exec(
		`UPDATE question_answers SET score = ?, feedback = ?, confidence = ?, method = ?, graded_at = ?
		 WHERE submission_id = ? AND idx = ?`,
		g.Score, g.Feedback, g.Confidence, g.Method, time.Now(), submissionID, index,
	)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// OverrideScore sets an instructor score for one question and recomputes the
// submission total, which it returns.
func (s *Store) OverrideScore(submissionID int64, index int, score float64, comment string) (float64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE question_answers SET override_score = ?, override_comment = ? WHERE submission_id = ? AND idx = ?`,
		score, comment, submissionID, index,
	)
	if err != nil {
		return 0, err
	}
	if err := expectOneRow(res); err != nil {
		return 0, err
	}
	total, err := recomputeTotal(tx, submissionID)
	if err != nil {
		return 0, err
	}
	return total, tx.Commit()
}

// RegradeAnswer replaces the result of one question of a graded submission.
// The previous result is archived under the current pass, any override is
// cleared, and the recomputed total is returned.
func (s *Store) RegradeAnswer(submissionID int64, index int, g GradeRecord) (float64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := time.Now()
	_, err = tx.Exec(
		`INSERT INTO grading_history (submission_id, pass, idx, score, feedback, confidence, method, override_score, archived_at)
		 SELECT a.submission_id, s.grading_pass, a.idx, a.score, a.feedback, a.confidence, a.method, a.override_score, ?
		 FROM question_answers a JOIN submissions s ON s.id = a.submission_id
		 WHERE a.submission_id = ? AND a.idx = ? AND (a.score IS NOT NULL OR a.override_score IS NOT NULL)`,
		now, submissionID, index,
	)
	if err != nil {
		return 0, err
	}
	res, err := tx.Exec(
		`UPDATE question_answers SET score = ?, feedback = ?, confidence = ?, method = ?, graded_at = ?,
			override_score = NULL, override_comment = ''
		 WHERE submission_id = ? AND idx = ?`,
		g.Score, g.Feedback, g.Confidence, g.Method, now, submissionID, index,
	)
	if err != nil {
		return 0, err
	}
	if err := expectOneRow(res); err != nil {
		return 0, err
	}
	total, err := recomputeTotal(tx, submissionID)
	if err != nil {
		return 0, err
	}
	return total, tx.Commit()
}

// RecomputeTotal sets the submission total to the sum of its effective
// per-question scores and returns it.
func (s *Store) RecomputeTotal(submissionID int64) (float64, error) {
	return recomputeTotal(s.db, submissionID)
}

type queryRower interface {
	QueryRow(query string, args ...any) *sql.Row
}

func recomputeTotal(q queryRower, submissionID int64) (float64, error) {
	var total float64
	err := q.QueryRow(
		`UPDATE submissions SET total_score = (
			SELECT COALESCE(SUM(COALESCE(override_score, score, 0)), 0)
			FROM question_answers WHERE submission_id = ?)
		 WHERE id = ? RETURNING total_score`,
		submissionID, submissionID,
	).Scan(&total)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return total, err
}

// ListHistory returns archived results of earlier grading passes.
func (s *Store) ListHistory(submissionID int64) ([]model.GradingRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, submission_id, pass, idx, score, feedback, confidence, method, override_score, archived_at
		 FROM grading_history WHERE submission_id = ? ORDER BY pass, idx`, submissionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []model.GradingRecord
	for rows.Next() {
		var r model.GradingRecord
		if err := rows.Scan(&r.ID, &r.SubmissionID, &r.Pass, &r.Index, &r.Score, &r.Feedback,
			&r.Confidence, &r.Method, &r.OverrideScore, &r.ArchivedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// GetSubmissionDetail builds a full view of a submission with its exam,
// answers, and grading history.
func (s *Store) GetSubmissionDetail(id int64) (*model.SubmissionDetail, error) {
	sub, err := s.GetSubmission(id)
	if err != nil {
		return nil, err
	}
	exam, err := s.GetExam(sub.ExamID)
	if err != nil {
		return nil, err
	}
	answers, err := s.ListAnswers(id)
	if err != nil {
		return nil, err
	}
	history, err := s.ListHistory(id)
	if err != nil {
		return nil, err
	}
	return &model.SubmissionDetail{
		Submission: sub,
		Exam:       exam,
		Answers:    answers,
		History:    history,
	}, nil
}
