package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/langexam/internal/model"
)

const attemptColumns = `id, student_id, status, start_time, end_time, questions, answers, activity_log, identity_verified,
	score_total, score_a, score_b, score_c, score_d, score_e, score_f`

// statusError maps a student's current status to the error returned when
// a new attempt cannot be opened.
func statusError(status model.TestStatus) error {
	switch status {
	case model.StatusCompleted:
		return model.ErrAlreadyCompleted
	case model.StatusStarted:
		return model.ErrInProgress
	}
	return fmt.Errorf("unexpected student status %q", status)
}

// BeginAttempt atomically moves the student from "not started" to "started"
// and inserts the attempt. If the student is not eligible the attempt is not
// written and ErrAlreadyCompleted, ErrInProgress or ErrNotFound is returned.
func (s *Store) BeginAttempt(ctx context.Context, a *model.TestAttempt) error {
	questions, err := json.Marshal(a.Questions)
	if err != nil {
		return fmt.Errorf("encode questions: %w", err)
	}
	answers, err := json.Marshal(a.Answers)
	if err != nil {
		return fmt.Errorf("encode answers: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE students SET test_status = ? WHERE id = ? AND test_status = ?`,
		model.StatusStarted, a.StudentID, model.StatusNotStarted,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var status model.TestStatus
		err := tx.QueryRowContext(ctx, `SELECT test_status FROM students WHERE id = ?`, a.StudentID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("student %d: %w", a.StudentID, model.ErrNotFound)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("student %d: %w", a.StudentID, statusError(status))
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO test_attempts (id, student_id, status, start_time, questions, answers, activity_log, identity_verified)
		 VALUES (?, ?, ?, ?, ?, ?, '[]', ?)`,
		a.ID, a.StudentID, model.StatusStarted, a.StartTime, string(questions), string(answers), a.IdentityVerified,
	)
	if isUniqueViolation(err, "test_attempts.student_id") {
		return fmt.Errorf("student %d: %w", a.StudentID, model.ErrInProgress)
	}
	if err != nil {
		return err
	}
	a.Status = model.StatusStarted
	return tx.Commit()
}

// CompleteAttempt records answers and scores on a started attempt, copies
// the scores to the student aggregate and marks both completed, all in one
// transaction.
func (s *Store) CompleteAttempt(ctx context.Context, a *model.TestAttempt) error {
	answers, err := json.Marshal(a.Answers)
	if err != nil {
		return fmt.Errorf("encode answers: %w", err)
	}
	log, err := json.Marshal(a.ActivityLog)
	if err != nil {
		return fmt.Errorf("encode activity log: %w", err)
	}
	if a.EndTime == nil {
		now := time.Now()
		a.EndTime = &now
	}
	sc := a.Scores

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE test_attempts SET status = ?, end_time = ?, answers = ?, activity_log = ?, `+scoreAssignment+`
		 WHERE id = ? AND status = ?`,
		model.StatusCompleted, *a.EndTime, string(answers), string(log),
		sc.Total, sc.A, sc.B, sc.C, sc.D, sc.E, sc.F,
		a.ID, model.StatusStarted,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var status model.TestStatus
		err := tx.QueryRowContext(ctx, `SELECT status FROM test_attempts WHERE id = ?`, a.ID).Scan(&status)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("attempt %s: %w", a.ID, model.ErrNotFound)
		case err != nil:
			return err
		case status == model.StatusAbandoned:
			return fmt.Errorf("attempt %s: %w", a.ID, model.ErrAttemptAbandoned)
		default:
			return fmt.Errorf("attempt %s: %w", a.ID, model.ErrAlreadyCompleted)
		}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE students SET test_status = ?, `+scoreAssignment+`
		 WHERE id = (SELECT student_id FROM test_attempts WHERE id = ?)`,
		model.StatusCompleted, sc.Total, sc.A, sc.B, sc.C, sc.D, sc.E, sc.F, a.ID,
	)
	if err != nil {
		return err
	}
	a.Status = model.StatusCompleted
	return tx.Commit()
}

// AbandonAttempt closes a started attempt and reopens the student's
// eligibility. It reports false if the attempt was no longer started.
func (s *Store) AbandonAttempt(ctx context.Context, attemptID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE test_attempts SET status = ?, end_time = ? WHERE id = ? AND status = ?`,
		model.StatusAbandoned, time.Now(), attemptID, model.StatusStarted,
	)
	if err != nil {
		return false, err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return false, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE students SET test_status = ?
		 WHERE id = (SELECT student_id FROM test_attempts WHERE id = ?) AND test_status = ?`,
		model.StatusNotStarted, attemptID, model.StatusStarted,
	)
	if err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func scanAttempt(row rowScanner) (*model.TestAttempt, error) {
	var a model.TestAttempt
	var questions, answers, log string
	sc := &a.Scores
	err := row.Scan(&a.ID, &a.StudentID, &a.Status, &a.StartTime, &a.EndTime, &questions, &answers, &log, &a.IdentityVerified,
		&sc.Total, &sc.A, &sc.B, &sc.C, &sc.D, &sc.E, &sc.F)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(questions), &a.Questions); err != nil {
		return nil, fmt.Errorf("decode questions: %w", err)
	}
	if err := json.Unmarshal([]byte(answers), &a.Answers); err != nil {
		return nil, fmt.Errorf("decode answers: %w", err)
	}
	if err := json.Unmarshal([]byte(log), &a.ActivityLog); err != nil {
		return nil, fmt.Errorf("decode activity log: %w", err)
	}
	return &a, nil
}

// GetAttempt returns an attempt by ID.
func (s *Store) GetAttempt(ctx context.Context, id string) (*model.TestAttempt, error) {
	a, err := scanAttempt(s.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM test_attempts WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("attempt %s: %w", id, err)
	}
	return a, nil
}

// ActiveAttempt returns the student's started attempt, or ErrNotFound.
func (s *Store) ActiveAttempt(ctx context.Context, studentID int64) (*model.TestAttempt, error) {
	a, err := scanAttempt(s.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM test_attempts WHERE student_id = ? AND status = ?`,
		studentID, model.StatusStarted))
	if err != nil {
		return nil, fmt.Errorf("active attempt for student %d: %w", studentID, err)
	}
	return a, nil
}

// ListAttempts returns a student's attempts, oldest first.
func (s *Store) ListAttempts(ctx context.Context, studentID int64) ([]model.TestAttempt, error) {
	return s.listAttempts(ctx,
		`SELECT `+attemptColumns+` FROM test_attempts WHERE student_id = ? ORDER BY start_time, rowid`, studentID)
}

// ListAllAttempts returns every attempt, oldest first.
func (s *Store) ListAllAttempts(ctx context.Context) ([]model.TestAttempt, error) {
	return s.listAttempts(ctx, `SELECT `+attemptColumns+` FROM test_attempts ORDER BY start_time, rowid`)
}

func (s *Store) listAttempts(ctx context.Context, query string, args ...any) ([]model.TestAttempt, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var attempts []model.TestAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *a)
	}
	return attempts, rows.Err()
}
