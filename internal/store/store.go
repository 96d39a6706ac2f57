package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when an exam, question, or submission does not exist.
	ErrNotFound = errors.New("not found")
	// ErrExamInUse is returned when an exam with submissions is modified or deleted.
	ErrExamInUse = errors.New("exam has submissions")
	// ErrAlreadySubmitted is returned when a student resubmits after grading started.
	ErrAlreadySubmitted = errors.New("submission already being graded")
	// ErrStatusConflict is returned when a conditional status update finds another status.
	ErrStatusConflict = errors.New("submission status changed")
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if strings.HasPrefix(dbPath, ":memory:") {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping() error {
	return s.db.Ping()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL,
		language TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS auth_sessions (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS exams (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id INTEGER NOT NULL,
		title TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		filename TEXT NOT NULL DEFAULT '',
		blob_key TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		failure_reason TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		processed_at DATETIME,
		FOREIGN KEY (owner_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS questions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		exam_id INTEGER NOT NULL,
		idx INTEGER NOT NULL,
		text TEXT NOT NULL,
		points REAL NOT NULL DEFAULT 10,
		type TEXT NOT NULL DEFAULT '',
		UNIQUE (exam_id, idx),
		FOREIGN KEY (exam_id) REFERENCES exams(id)
	);

	CREATE TABLE IF NOT EXISTS submissions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		exam_id INTEGER NOT NULL,
		student_id INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		raw_text TEXT NOT NULL DEFAULT '',
		filename TEXT NOT NULL DEFAULT '',
		blob_key TEXT NOT NULL DEFAULT '',
		total_score REAL,
		max_score REAL NOT NULL DEFAULT 0,
		grading_pass INTEGER NOT NULL DEFAULT 1,
		failure_reason TEXT NOT NULL DEFAULT '',
		submitted_at DATETIME NOT NULL,
		graded_at DATETIME,
		UNIQUE (exam_id, student_id),
		FOREIGN KEY (exam_id) REFERENCES exams(id),
		FOREIGN KEY (student_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS question_answers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		submission_id INTEGER NOT NULL,
		question_id INTEGER NOT NULL,
		idx INTEGER NOT NULL,
		answer TEXT NOT NULL DEFAULT '',
		score REAL,
		feedback TEXT NOT NULL DEFAULT '',
		confidence REAL,
		method TEXT NOT NULL DEFAULT '',
		graded_at DATETIME,
		override_score REAL,
		override_comment TEXT NOT NULL DEFAULT '',
		UNIQUE (submission_id, idx),
		FOREIGN KEY (submission_id) REFERENCES submissions(id),
		FOREIGN KEY (question_id) REFERENCES questions(id)
	);

	CREATE TABLE IF NOT EXISTS grading_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		submission_id INTEGER NOT NULL,
		pass INTEGER NOT NULL,
		idx INTEGER NOT NULL,
		score REAL,
		feedback TEXT NOT NULL DEFAULT '',
		confidence REAL,
		method TEXT NOT NULL DEFAULT '',
		override_score REAL,
		archived_at DATETIME NOT NULL,
		FOREIGN KEY (submission_id) REFERENCES submissions(id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}
