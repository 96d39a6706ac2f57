package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/pavelanni/smartgrader/internal/model"
)

const examColumns = `id, owner_id, title, subject, description, filename, blob_key, kind, status, failure_reason, created_at, processed_at`

func scanExam(row rowScanner) (model.Exam, error) {
	var e model.Exam
	err := row.Scan(&e.ID, &e.OwnerID, &e.Title, &e.Subject, &e.Description, &e.Filename,
		&e.BlobKey, &e.Kind, &e.Status, &e.FailureReason, &e.CreatedAt, &e.ProcessedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

// CreateExam stores a new exam without questions.
func (s *Store) CreateExam(e model.Exam) (int64, error) {
	if e.Status == "" {
		e.Status = model.ExamPending
	}
	res, err := s.db.Exec(
		`INSERT INTO exams (owner_id, title, subject, description, filename, blob_key, kind, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.OwnerID, e.Title, e.Subject, e.Description, e.Filename, e.BlobKey, e.Kind, e.Status, time.Now(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetExam returns an exam with its questions in index order.
func (s *Store) GetExam(id int64) (model.Exam, error) {
	e, err := scanExam(s.db.QueryRow(`SELECT `+examColumns+` FROM exams WHERE id = ?`, id))
	if err != nil {
		return e, err
	}
	e.Questions, err = s.ListQuestions(id)
	return e, err
}

// ListExams returns exams newest first. A zero ownerID lists every exam.
// Questions are not loaded.
func (s *Store) ListExams(ownerID int64) ([]model.Exam, error) {
	query := `SELECT ` + examColumns + ` FROM exams`
	var args []any
	if ownerID != 0 {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	rows, err := s.db.Query(query+` ORDER BY id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var exams []model.Exam
	for rows.Next() {
		e, err := scanExam(rows)
		if err != nil {
			return nil, err
		}
		exams = append(exams, e)
	}
	return exams, rows.Err()
}

// ListOpenExams returns exams whose questions are ready for submissions.
func (s *Store) ListOpenExams() ([]model.Exam, error) {
	rows, err := s.db.Query(
		`SELECT `+examColumns+` FROM exams
		 WHERE status = ? AND EXISTS (SELECT 1 FROM questions q WHERE q.exam_id = exams.id)
		 ORDER BY id DESC`, model.ExamCompleted,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var exams []model.Exam
	for rows.Next() {
		e, err := scanExam(rows)
		if err != nil {
			return nil, err
		}
		exams = append(exams, e)
	}
	return exams, rows.Err()
}

// UpdateExamStatus records the outcome of question extraction.
func (s *Store) UpdateExamStatus(id int64, status model.ExamStatus, reason string) error {
	var processedAt any
	if status == model.ExamCompleted || status == model.ExamFailed {
		processedAt = time.Now()
	}
	res, err := s.db.Exec(
		`UPDATE exams SET status = ?, failure_reason = ?, processed_at = ? WHERE id = ?`,
		status, reason, processedAt, id,
	)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// ListQuestions returns the questions of an exam in index order.
func (s *Store) ListQuestions(examID int64) ([]model.Question, error) {
	rows, err := s.db.Query(
		`SELECT id, exam_id, idx, text, points, type FROM questions WHERE exam_id = ? ORDER BY idx`, examID,
	)
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

// ReplaceQuestions swaps an exam's question set and marks the exam
// completed. Indexes are reassigned 1..n in slice order. Exams that already
// have submissions are immutable.
func (s *Store) ReplaceQuestions(examID int64, questions []model.Question) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM submissions WHERE exam_id = ?`, examID).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return ErrExamInUse
	}
	if _, err := tx.Exec(`DELETE FROM questions WHERE exam_id = ?`, examID); err != nil {
		return err
	}
	for i, q := range questions {
		_, err := tx.Exec(
			`INSERT INTO questions (exam_id, idx, text, points, type) VALUES (?, ?, ?, ?, ?)`,
			examID, i+1, q.Text, q.Points, q.Type,
		)
		if err != nil {
			return fmt.Errorf("insert question %d: %w", i+1, err)
		}
	}
	res, err := tx.Exec(
		`UPDATE exams SET status = ?, failure_reason = '', processed_at = ? WHERE id = ?`,
		model.ExamCompleted, time.Now(), examID,
	)
	if err != nil {
		return err
	}
	if err := expectOneRow(res); err != nil {
		return err
	}
	return tx.Commit()
}

// CountSubmissions returns the number of submissions for an exam.
func (s *Store) CountSubmissions(examID int64) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM submissions WHERE exam_id = ?`, examID).Scan(&n)
	return n, err
}

// DeleteExam removes an exam and its questions. Exams with submissions
// cannot be deleted.
func (s *Store) DeleteExam(id int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM submissions WHERE exam_id = ?`, id).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return ErrExamInUse
	}
	if _, err := tx.Exec(`DELETE FROM questions WHERE exam_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.Exec(`DELETE FROM exams WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := expectOneRow(res); err != nil {
		return err
	}
	return tx.Commit()
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
