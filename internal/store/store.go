package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pavelanni/langexam/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

// New opens the SQLite database at dbPath and applies the schema.
// A single connection is used so that write transactions are serialized.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
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

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS questions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		part TEXT NOT NULL,
		body TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_questions_part ON questions(part);

	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		student_quota INTEGER NOT NULL DEFAULT 0 CHECK (student_quota >= 0),
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS auth_sessions (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS students (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		phone TEXT NOT NULL UNIQUE,
		tin TEXT NOT NULL UNIQUE,
		test_status TEXT NOT NULL DEFAULT 'not started',
		score_total REAL NOT NULL DEFAULT 0,
		score_a REAL NOT NULL DEFAULT 0,
		score_b REAL NOT NULL DEFAULT 0,
		score_c REAL NOT NULL DEFAULT 0,
		score_d REAL NOT NULL DEFAULT 0,
		score_e REAL NOT NULL DEFAULT 0,
		score_f REAL NOT NULL DEFAULT 0,
		created_by INTEGER,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (created_by) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS test_attempts (
		id TEXT PRIMARY KEY,
		student_id INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'started',
		start_time DATETIME NOT NULL,
		end_time DATETIME,
		questions TEXT NOT NULL,
		answers TEXT NOT NULL,
		activity_log TEXT NOT NULL DEFAULT '[]',
		identity_verified INTEGER NOT NULL DEFAULT 0,
		score_total REAL NOT NULL DEFAULT 0,
		score_a REAL NOT NULL DEFAULT 0,
		score_b REAL NOT NULL DEFAULT 0,
		score_c REAL NOT NULL DEFAULT 0,
		score_d REAL NOT NULL DEFAULT 0,
		score_e REAL NOT NULL DEFAULT 0,
		score_f REAL NOT NULL DEFAULT 0,
		FOREIGN KEY (student_id) REFERENCES students(id)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_one_active_attempt
		ON test_attempts(student_id) WHERE status = 'started';

	CREATE TABLE IF NOT EXISTS imported_files (
		path TEXT PRIMARY KEY,
		hash TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func isUniqueViolation(err error, column string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, column)
}

// ImportQuestions stores the questions of a bank file and records the file's
// content hash in the same transaction, so a file is never half imported.
func (s *Store) ImportQuestions(ctx context.Context, path, hash string, qs model.QuestionSet) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	n, err := insertQuestions(ctx, tx, qs)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO imported_files (path, hash) VALUES (?, ?)
		 ON CONFLICT(path) DO UPDATE SET hash = excluded.hash`,
		path, hash,
	); err != nil {
		return 0, fmt.Errorf("record import of %s: %w", path, err)
	}
	return n, tx.Commit()
}

func insertQuestions(ctx context.Context, tx *sql.Tx, qs model.QuestionSet) (int, error) {
	n := 0
	insert := func(part model.Part, body any) error {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode part %s question: %w", part, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO questions (part, body) VALUES (?, ?)`, part, string(data)); err != nil {
			return err
		}
		n++
		return nil
	}
	for _, q := range qs.A {
		if err := insert(model.PartA, q); err != nil {
			return 0, err
		}
	}
	for _, q := range qs.B {
		if err := insert(model.PartB, q); err != nil {
			return 0, err
		}
	}
	for _, q := range qs.C {
		if err := insert(model.PartC, q); err != nil {
			return 0, err
		}
	}
	for _, q := range qs.D {
		if err := insert(model.PartD, q); err != nil {
			return 0, err
		}
	}
	for _, q := range qs.E {
		if err := insert(model.PartE, q); err != nil {
			return 0, err
		}
	}
	for _, q := range qs.F {
		if err := insert(model.PartF, q); err != nil {
			return 0, err
		}
	}
	return n, nil
}

// ListQuestions returns the whole question bank.
func (s *Store) ListQuestions(ctx context.Context) (model.QuestionSet, error) {
	return s.listQuestions(ctx, `SELECT part, body FROM questions ORDER BY id`)
}

// ListQuestionsForPart returns the bank with only the given part filled in.
func (s *Store) ListQuestionsForPart(ctx context.Context, part model.Part) (model.QuestionSet, error) {
	return s.listQuestions(ctx, `SELECT part, body FROM questions WHERE part = ? ORDER BY id`, part)
}

func (s *Store) listQuestions(ctx context.Context, query string, args ...any) (model.QuestionSet, error) {
	var qs model.QuestionSet
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return qs, err
	}
	defer rows.Close()
	for rows.Next() {
		var part model.Part
		var body string
		if err := rows.Scan(&part, &body); err != nil {
			return qs, err
		}
		if err := appendQuestion(&qs, part, []byte(body)); err != nil {
			return qs, err
		}
	}
	return qs, rows.Err()
}

func appendQuestion(qs *model.QuestionSet, part model.Part, body []byte) error {
	var err error
	switch part {
	case model.PartA, model.PartE, model.PartF:
		var q model.SentenceQuestion
		if err = json.Unmarshal(body, &q); err == nil {
			switch part {
			case model.PartA:
				qs.A = append(qs.A, q)
			case model.PartE:
				qs.E = append(qs.E, q)
			default:
				qs.F = append(qs.F, q)
			}
		}
	case model.PartB:
		var q model.RearrangeQuestion
		if err = json.Unmarshal(body, &q); err == nil {
			qs.B = append(qs.B, q)
		}
	case model.PartC:
		var q model.ComprehensionQuestion
		if err = json.Unmarshal(body, &q); err == nil {
			qs.C = append(qs.C, q)
		}
	case model.PartD:
		var q model.BlankQuestion
		if err = json.Unmarshal(body, &q); err == nil {
			qs.D = append(qs.D, q)
		}
	default:
		return fmt.Errorf("unknown part %q in question bank", part)
	}
	if err != nil {
		return fmt.Errorf("decode part %s question: %w", part, err)
	}
	return nil
}

// QuestionCount returns the number of questions in the database.
func (s *Store) QuestionCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions`).Scan(&count)
	return count, err
}
