// Package session runs a candidate's exam attempt from TIN lookup to scoring.
//
// A candidate moves through Unauthenticated → Eligible → SecurityPending →
// InProgress and ends either Submitted or, after an administrative reset or
// an expired timeout, Abandoned. The transition into InProgress is guarded
// by the store so that at most one attempt per student is ever open.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/langexam/internal/model"
	"github.com/pavelanni/langexam/internal/scoring"
	"github.com/pavelanni/langexam/internal/selector"
)

// Store is the persistence the lifecycle reads and writes through.
type Store interface {
	GetStudent(ctx context.Context, id int64) (*model.Student, error)
	GetStudentByTIN(ctx context.Context, tin string) (*model.Student, error)
	ListQuestions(ctx context.Context) (model.QuestionSet, error)
	ListQuestionsForPart(ctx context.Context, part model.Part) (model.QuestionSet, error)
	BeginAttempt(ctx context.Context, a *model.TestAttempt) error
	CompleteAttempt(ctx context.Context, a *model.TestAttempt) error
	AbandonAttempt(ctx context.Context, attemptID string) (bool, error)
	GetAttempt(ctx context.Context, id string) (*model.TestAttempt, error)
	ActiveAttempt(ctx context.Context, studentID int64) (*model.TestAttempt, error)
	ListAttempts(ctx context.Context, studentID int64) ([]model.TestAttempt, error)
	ResetStudent(ctx context.Context, studentID int64) error
}

// Gate is the outcome of the client-side device and identity checks.
type Gate struct {
	SecurityCleared         bool
	IdentityArtifactPresent bool
}

// StartResult is returned when an attempt opens.
type StartResult struct {
	AttemptID string            `json:"attempt_id"`
	Questions model.QuestionSet `json:"questions"`
	StartTime time.Time         `json:"start_time"`
}

// Service implements the exam lifecycle.
type Service struct {
	store    Store
	selector *selector.Selector
	timeout  time.Duration
	now      func() time.Time
	newID    func() string
}

// Option configures a Service.
type Option func(*Service)

// WithSelector sets the question selector.
func WithSelector(sel *selector.Selector) Option {
	return func(s *Service) { s.selector = sel }
}

// WithAttemptTimeout lets a new start reclaim an attempt that has been open
// longer than d. Zero disables reclamation.
func WithAttemptTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service backed by st.
func New(st Store, opts ...Option) *Service {
	s := &Service{
		store:    st,
		selector: selector.New(nil, selector.DefaultPerPart),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LookupByTIN returns the student holding tin, or ErrNotFound.
func (s *Service) LookupByTIN(ctx context.Context, tin string) (*model.Student, error) {
	return s.store.GetStudentByTIN(ctx, tin)
}

// CheckEligible looks up tin and reports whether its holder may start the
// exam. An attempt left open past the attempt timeout is abandoned first.
// It fails with ErrNotFound, ErrAlreadyCompleted or ErrInProgress.
func (s *Service) CheckEligible(ctx context.Context, tin string) (*model.Student, error) {
	st, err := s.store.GetStudentByTIN(ctx, tin)
	if err != nil {
		return nil, err
	}
	switch st.TestStatus {
	case model.StatusCompleted:
		return nil, fmt.Errorf("TIN %s: %w", tin, model.ErrAlreadyCompleted)
	case model.StatusStarted:
		reclaimed, err := s.reclaimStale(ctx, st.ID)
		if err != nil {
			return nil, err
		}
		if !reclaimed {
			return nil, fmt.Errorf("TIN %s: %w", tin, model.ErrInProgress)
		}
		return s.store.GetStudent(ctx, st.ID)
	}
	return st, nil
}

// StartAttempt opens a new attempt for an eligible student whose security
// gate has cleared, draws its questions and marks the student started.
func (s *Service) StartAttempt(ctx context.Context, studentID int64, gate Gate) (*StartResult, error) {
	st, err := s.store.GetStudent(ctx, studentID)
	if err != nil {
		return nil, err
	}
	switch st.TestStatus {
	case model.StatusCompleted:
		return nil, fmt.Errorf("student %d: %w", studentID, model.ErrAlreadyCompleted)
	case model.StatusStarted:
		reclaimed, err := s.reclaimStale(ctx, studentID)
		if err != nil {
			return nil, err
		}
		if !reclaimed {
			return nil, fmt.Errorf("student %d: %w", studentID, model.ErrInProgress)
		}
	}

	if !gate.SecurityCleared {
		return nil, fmt.Errorf("device checks failed: %w", model.ErrSecurityNotCleared)
	}
	if !gate.IdentityArtifactPresent {
		return nil, fmt.Errorf("identity photo missing: %w", model.ErrSecurityNotCleared)
	}

	bank, err := s.store.ListQuestions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load question bank: %w", err)
	}
	questions, err := s.selector.Select(bank)
	if err != nil {
		return nil, err
	}

	a := &model.TestAttempt{
		ID:               s.newID(),
		StudentID:        studentID,
		StartTime:        s.now(),
		Questions:        questions,
		Answers:          model.BlankAnswers(questions),
		IdentityVerified: true,
	}
	if err := s.store.BeginAttempt(ctx, a); err != nil {
		return nil, err
	}
	slog.Info("attempt started", "attempt_id", a.ID, "student_id", studentID, "questions", questions.Total())
	return &StartResult{AttemptID: a.ID, Questions: questions, StartTime: a.StartTime}, nil
}

// expiredAttempt returns the student's open attempt if it has outlived the
// attempt timeout, or nil.
func (s *Service) expiredAttempt(ctx context.Context, studentID int64) (*model.TestAttempt, error) {
	if s.timeout <= 0 {
		return nil, nil
	}
	a, err := s.store.ActiveAttempt(ctx, studentID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if s.now().Sub(a.StartTime) < s.timeout {
		return nil, nil
	}
	return a, nil
}

// reclaimStale abandons the student's open attempt when it has expired.
// Losing the abandon race to a concurrent request still counts as reclaimed;
// BeginAttempt decides which start wins.
func (s *Service) reclaimStale(ctx context.Context, studentID int64) (bool, error) {
	a, err := s.expiredAttempt(ctx, studentID)
	if err != nil || a == nil {
		return false, err
	}
	ok, err := s.store.AbandonAttempt(ctx, a.ID)
	if err != nil {
		return false, err
	}
	if ok {
		slog.Warn("reclaimed expired attempt", "attempt_id", a.ID, "student_id", studentID, "started", a.StartTime)
	}
	return true, nil
}

// SubmitAttempt scores the full answer payload of an open attempt and
// completes both the attempt and the student.
func (s *Service) SubmitAttempt(ctx context.Context, attemptID string, answers model.Answers, activity []model.ActivityEvent) (model.Scores, error) {
	a, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return model.Scores{}, err
	}
	switch a.Status {
	case model.StatusCompleted:
		return model.Scores{}, fmt.Errorf("attempt %s: %w", attemptID, model.ErrAlreadyCompleted)
	case model.StatusAbandoned:
		return model.Scores{}, fmt.Errorf("attempt %s: %w", attemptID, model.ErrAttemptAbandoned)
	}
	if err := checkAnswerCounts(a.Questions, answers); err != nil {
		return model.Scores{}, fmt.Errorf("attempt %s: %w", attemptID, err)
	}

	end := s.now()
	a.Answers = answers
	a.ActivityLog = activity
	a.Scores = scoring.ScoreAll(a.Questions, answers)
	a.EndTime = &end
	if err := s.store.CompleteAttempt(ctx, a); err != nil {
		return model.Scores{}, err
	}
	slog.Info("attempt submitted",
		"attempt_id", a.ID,
		"student_id", a.StudentID,
		"total", a.Scores.Total,
		"duration", end.Sub(a.StartTime).Round(time.Second),
		"activity_events", len(activity),
	)
	return a.Scores, nil
}

func checkAnswerCounts(qs model.QuestionSet, answers model.Answers) error {
	for _, p := range model.Parts {
		if got, want := len(answers[p]), qs.Count(p); got != want {
			return fmt.Errorf("part %s: %d answers for %d questions: %w", p, got, want, model.ErrAnswerCountMismatch)
		}
	}
	return nil
}

// ResetAttempt reopens a student's eligibility. Previous attempts are kept.
func (s *Service) ResetAttempt(ctx context.Context, studentID int64) error {
	return s.store.ResetStudent(ctx, studentID)
}

// GetAttempt returns an attempt by ID.
func (s *Service) GetAttempt(ctx context.Context, attemptID string) (*model.TestAttempt, error) {
	return s.store.GetAttempt(ctx, attemptID)
}

// ListAttempts returns a student's attempt history.
func (s *Service) ListAttempts(ctx context.Context, studentID int64) ([]model.TestAttempt, error) {
	if _, err := s.store.GetStudent(ctx, studentID); err != nil {
		return nil, err
	}
	return s.store.ListAttempts(ctx, studentID)
}

// GetQuestionsForPart returns the bank's questions for one part.
func (s *Service) GetQuestionsForPart(ctx context.Context, part model.Part) (model.QuestionSet, error) {
	return s.store.ListQuestionsForPart(ctx, part)
}
