package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/pavelanni/smartgrader/internal/model"
)

const submissionColumns = `id, exam_id, student_id, status, raw_text, filename, blob_key, total_score, max_score, grading_pass, failure_reason, submitted_at, graded_at`

func scanSubmission(row rowScanner) (model.Submission, error) {
	var sub model.Submission
	err := row.Scan(&sub.ID, &sub.ExamID, &sub.StudentID, &sub.Status, &sub.RawText, &sub.Filename,
		&sub.BlobKey, &sub.TotalScore, &sub.MaxScore, &sub.GradingPass, &sub.FailureReason,
		&sub.SubmittedAt, &sub.GradedAt)
	if err == sql.ErrNoRows {
		return sub, ErrNotFound
	}
	return sub, err
}

// CreateSubmission stores a student's submission in the pending state.
// When answers is non-empty it holds one answer per question in index
// order; otherwise the raw text is matched to questions when grading runs.
// A pending submission by the same student for the same exam is replaced.
func (s *Store) CreateSubmission(sub model.Submission, answers []string) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var existingID int64
	var existingStatus model.SubmissionStatus
	err = tx.QueryRow(
		`SELECT id, status FROM submissions WHERE exam_id = ? AND student_id = ?`, sub.ExamID, sub.StudentID,
	).Scan(&existingID, &existingStatus)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return 0, err
	case existingStatus != model.StatusPending:
		return 0, ErrAlreadySubmitted
	default:
		if err := deleteSubmissionTx(tx, existingID); err != nil {
			return 0, err
		}
	}

	questions, err := questionsTx(tx, sub.ExamID)
	if err != nil {
		return 0, err
	}
	if len(questions) == 0 {
		return 0, ErrNotFound
	}
	var maxScore float64
	for _, q := range questions {
		maxScore += q.Points
	}

	res, err := tx.Exec(
		`INSERT INTO submissions (exam_id, student_id, status, raw_text, filename, blob_key, max_score, grading_pass, submitted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		sub.ExamID, sub.StudentID, model.StatusPending, sub.RawText, sub.Filename, sub.BlobKey, maxScore, time.Now(),
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if len(answers) > 0 {
		if err := insertAnswersTx(tx, id, questions, answers); err != nil {
			return 0, err
		}
	}
	return id, tx.Commit()
}

// GetSubmission returns a submission by ID.
func (s *Store) GetSubmission(id int64) (model.Submission, error) {
	return scanSubmission(s.db.QueryRow(`SELECT `+submissionColumns+` FROM submissions WHERE id = ?`, id))
}

// ListSubmissions returns the submissions of an exam in submission order.
func (s *Store) ListSubmissions(examID int64) ([]model.Submission, error) {
	return s.querySubmissions(`SELECT `+submissionColumns+` FROM submissions WHERE exam_id = ? ORDER BY id`, examID)
}

// ListStudentSubmissions returns a student's submissions, newest first.
func (s *Store) ListStudentSubmissions(studentID int64) ([]model.Submission, error) {
	return s.querySubmissions(`SELECT `+submissionColumns+` FROM submissions WHERE student_id = ? ORDER BY id DESC`, studentID)
}

func (s *Store) querySubmissions(query string, args ...any) ([]model.Submission, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var subs []model.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// TransitionSubmission moves a submission from one status to another only if
// it currently holds from. It reports whether the update happened.
func (s *Store) TransitionSubmission(id int64, from, to model.SubmissionStatus) (bool, error) {
	if !model.CanTransition(from, to) {
		return false, fmt.Errorf("transition %s -> %s not allowed", from, to)
	}
	res, err := s.db.Exec(
		`UPDATE submissions SET status = ?, failure_reason = '' WHERE id = ? AND status = ?`,
		to, id, from,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// FinishSubmission ends the active grading pass. The total is recomputed
// from the per-question scores; graded_at is set only on completion.
func (s *Store) FinishSubmission(id int64, to model.SubmissionStatus, reason string) error {
	if !model.CanTransition(model.StatusGrading, to) {
		return fmt.Errorf("cannot finish grading with status %s", to)
	}
	var gradedAt any
	if to == model.StatusCompleted {
		gradedAt = time.Now()
	}
	res, err := s.db.Exec(
		`UPDATE submissions SET
			status = ?,
			failure_reason = ?,
			graded_at = ?,
			total_score = (SELECT COALESCE(SUM(COALESCE(override_score, score, 0)), 0)
			               FROM question_answers WHERE submission_id = submissions.id)
		 WHERE id = ? AND status = ?`,
		to, reason, gradedAt, id, model.StatusGrading,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStatusConflict
	}
	return nil
}

// StartNewPass archives the current per-question results into the grading
// history, clears them, and returns a terminal submission to pending with an
// incremented pass number.
func (s *Store) StartNewPass(id int64) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var status model.SubmissionStatus
	var pass int
	err = tx.QueryRow(`SELECT status, grading_pass FROM submissions WHERE id = ?`, id).Scan(&status, &pass)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if !status.Terminal() {
		return 0, ErrStatusConflict
	}

	_, err = tx.Exec(
		`INSERT INTO grading_history (submission_id, pass, idx, score, feedback, confidence, method, override_score, archived_at)
		 SELECT submission_id, ?, idx, score, feedback, confidence, method, override_score, ?
		 FROM question_answers
		 WHERE submission_id = ? AND (score IS NOT NULL OR override_score IS NOT NULL)`,
		pass, time.Now(), id,
	)
	if err != nil {
		return 0, fmt.Errorf("archive results: %w", err)
	}
	_, err = tx.Exec(
		`UPDATE question_answers SET score = NULL, feedback = '', confidence = NULL, method = '',
			graded_at = NULL, override_score = NULL, override_comment = ''
		 WHERE submission_id = ?`, id,
	)
	if err != nil {
		return 0, fmt.Errorf("reset results: %w", err)
	}
	_, err = tx.Exec(
		`UPDATE submissions SET status = ?, grading_pass = ?, total_score = NULL, failure_reason = '', graded_at = NULL
		 WHERE id = ?`,
		model.StatusPending, pass+1, id,
	)
	if err != nil {
		return 0, err
	}
	return pass + 1, tx.Commit()
}

// DeleteSubmission removes a submission with its answers and history.
// Submissions under active grading cannot be deleted.
func (s *Store) DeleteSubmission(id int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status model.SubmissionStatus
	err = tx.QueryRow(`SELECT status FROM submissions WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if status == model.StatusGrading {
		return ErrStatusConflict
	}
	if err := deleteSubmissionTx(tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

func deleteSubmissionTx(tx *sql.Tx, id int64) error {
	for _, q := range []string{
		`DELETE FROM grading_history WHERE submission_id = ?`,
		`DELETE FROM question_answers WHERE submission_id = ?`,
		`DELETE FROM submissions WHERE id = ?`,
	} {
		if _, err := tx.Exec(q, id); err != nil {
			return err
		}
	}
	return nil
}

func questionsTx(tx *sql.Tx, examID int64) ([]model.Question, error) {
	rows, err := tx.Query(`SELECT id, exam_id, idx, text, points, type FROM questions WHERE exam_id = ? ORDER BY idx`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var questions []model.Question
	for rows.Next() {
		var q model.Question
		if err := rows.Scan(&q.ID, &q.ExamID, &q.Index, &q.Text, &q.Points, &q.Type); err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}
