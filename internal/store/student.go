package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/pavelanni/langexam/internal/model"
)

const (
	tinDigits       = 10
	tinMaxAttempts  = 5
	studentColumns  = `id, name, email, phone, tin, test_status, score_total, score_a, score_b, score_c, score_d, score_e, score_f, created_by, created_at`
	scoreAssignment = `score_total = ?, score_a = ?, score_b = ?, score_c = ?, score_d = ?, score_e = ?, score_f = ?`
)

// GenerateTIN returns a random 10-digit Test Identification Number
// without a leading zero.
func GenerateTIN() (string, error) {
	lo := big.NewInt(1_000_000_000)
	n, err := rand.Int(rand.Reader, big.NewInt(9_000_000_000))
	if err != nil {
		return "", err
	}
	return n.Add(n, lo).String(), nil
}

// validTIN reports whether tin is exactly ten ASCII digits.
func validTIN(tin string) bool {
	if len(tin) != tinDigits {
		return false
	}
	for i := 0; i < len(tin); i++ {
		if tin[i] < '0' || tin[i] > '9' {
			return false
		}
	}
	return true
}

// CreateStudent inserts a new student with status "not started". When
// st.TIN is empty a unique TIN is generated. A trainer named in st.CreatedBy
// spends one unit of quota in the same transaction; ErrQuotaExhausted is
// returned when none is left. The stored student is returned.
func (s *Store) CreateStudent(ctx context.Context, st model.Student) (*model.Student, error) {
	generate := st.TIN == ""
	if !generate && !validTIN(st.TIN) {
		return nil, fmt.Errorf("TIN %q: %w", st.TIN, model.ErrInvalidTIN)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if st.CreatedBy != nil {
		if err := consumeQuota(ctx, tx, *st.CreatedBy); err != nil {
			return nil, err
		}
	}

	id, err := insertStudent(ctx, tx, &st, generate)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	slog.Info("created student", "id", id, "email", st.Email)
	return s.GetStudent(ctx, id)
}

// consumeQuota takes one unit from a trainer's student quota. Other roles
// pass through unchanged.
func consumeQuota(ctx context.Context, tx *sql.Tx, userID int64) error {
	var role model.UserRole
	err := tx.QueryRowContext(ctx, `SELECT role FROM users WHERE id = ?`, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("user %d: %w", userID, model.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if role != model.UserRoleTrainer {
		return nil
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE users SET student_quota = student_quota - 1
		 WHERE id = ? AND role = ? AND student_quota > 0`,
		userID, model.UserRoleTrainer,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("user %d: %w", userID, model.ErrQuotaExhausted)
	}
	return nil
}

// insertStudent writes the row, drawing a fresh TIN on collision when the
// caller did not supply one.
func insertStudent(ctx context.Context, tx *sql.Tx, st *model.Student, generate bool) (int64, error) {
	for range tinMaxAttempts {
		if generate {
			tin, err := GenerateTIN()
			if err != nil {
				return 0, fmt.Errorf("generate TIN: %w", err)
			}
			st.TIN = tin
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO students (name, email, phone, tin, test_status, created_by, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			st.Name, st.Email, st.Phone, st.TIN, model.StatusNotStarted, st.CreatedBy, time.Now(),
		)
		switch {
		case err == nil:
			return res.LastInsertId()
		case isUniqueViolation(err, "students.tin") && generate:
			continue
		case isUniqueViolation(err, "students."):
			return 0, fmt.Errorf("student %s: %w", st.Email, model.ErrConflict)
		default:
			return 0, err
		}
	}
	return 0, fmt.Errorf("could not allocate a unique TIN after %d attempts", tinMaxAttempts)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStudent(row rowScanner) (*model.Student, error) {
	var st model.Student
	sc := &st.TestScore
	err := row.Scan(&st.ID, &st.Name, &st.Email, &st.Phone, &st.TIN, &st.TestStatus,
		&sc.Total, &sc.A, &sc.B, &sc.C, &sc.D, &sc.E, &sc.F, &st.CreatedBy, &st.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// GetStudent returns a student by ID.
func (s *Store) GetStudent(ctx context.Context, id int64) (*model.Student, error) {
	st, err := scanStudent(s.db.QueryRowContext(ctx,
		`SELECT `+studentColumns+` FROM students WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("student %d: %w", id, err)
	}
	return st, nil
}

// GetStudentByTIN returns the student holding the given TIN.
func (s *Store) GetStudentByTIN(ctx context.Context, tin string) (*model.Student, error) {
	st, err := scanStudent(s.db.QueryRowContext(ctx,
		`SELECT `+studentColumns+` FROM students WHERE tin = ?`, tin))
	if err != nil {
		return nil, fmt.Errorf("TIN %s: %w", tin, err)
	}
	return st, nil
}

// ListStudents returns all students.
func (s *Store) ListStudents(ctx context.Context) ([]model.Student, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+studentColumns+` FROM students ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var students []model.Student
	for rows.Next() {
		st, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		students = append(students, *st)
	}
	return students, rows.Err()
}

// ResetStudent reopens a student's eligibility: status goes back to
// "not started", the score aggregate is zeroed and any attempt still in
// progress is marked abandoned. Attempt records are kept.
func (s *Store) ResetStudent(ctx context.Context, studentID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE students SET test_status = ?, `+scoreAssignment+` WHERE id = ?`,
		model.StatusNotStarted, 0, 0, 0, 0, 0, 0, 0, studentID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("student %d: %w", studentID, model.ErrNotFound)
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE test_attempts SET status = ?, end_time = ? WHERE student_id = ? AND status = ?`,
		model.StatusAbandoned, time.Now(), studentID, model.StatusStarted,
	)
	if err != nil {
		return err
	}
	abandoned, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return err
	}
	slog.Info("reset student", "id", studentID, "abandoned_attempts", abandoned)
	return nil
}
