package model

import "errors"

// Error kinds reported by the exam lifecycle. Callers match them with errors.Is;
// producers wrap them with detail.
var (
	ErrNotFound             = errors.New("not found")
	ErrAlreadyCompleted     = errors.New("test already completed")
	ErrInProgress           = errors.New("test already in progress")
	ErrSecurityNotCleared   = errors.New("security checks not cleared")
	ErrNoQuestionsAvailable = errors.New("no questions available")
	ErrAnswerCountMismatch  = errors.New("answer count does not match assigned questions")
	ErrAttemptAbandoned     = errors.New("attempt was abandoned")
	ErrConflict             = errors.New("already exists")
	ErrInvalidTIN           = errors.New("TIN must be 10 digits")
	ErrQuotaExhausted       = errors.New("student quota exhausted")
)

// ErrorCode returns a stable machine-readable code for a lifecycle error,
// or "internal" for anything else.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyCompleted):
		return "already_completed"
	case errors.Is(err, ErrInProgress):
		return "in_progress"
	case errors.Is(err, ErrSecurityNotCleared):
		return "security_not_cleared"
	case errors.Is(err, ErrNoQuestionsAvailable):
		return "no_questions_available"
	case errors.Is(err, ErrAnswerCountMismatch):
		return "answer_count_mismatch"
	case errors.Is(err, ErrAttemptAbandoned):
		return "attempt_abandoned"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidTIN):
		return "invalid_tin"
	case errors.Is(err, ErrQuotaExhausted):
		return "quota_exhausted"
	}
	return "internal"
}
