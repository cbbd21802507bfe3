package store

import (
	"context"
	"fmt"

	"github.com/pavelanni/langexam/internal/model"
)

// ExportAllAttempts builds export-ready results from every attempt.
func (s *Store) ExportAllAttempts(ctx context.Context) ([]model.StudentResult, error) {
	attempts, err := s.ListAllAttempts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}

	students := make(map[int64]*model.Student)
	// Track attempt count per student for attempt_number.
	attemptCount := make(map[int64]int)

	var results []model.StudentResult
	for _, a := range attempts {
		attemptCount[a.StudentID]++

		st, ok := students[a.StudentID]
		if !ok {
			st, err = s.GetStudent(ctx, a.StudentID)
			if err != nil {
				return nil, fmt.Errorf("get student: %w", err)
			}
			students[a.StudentID] = st
		}

		results = append(results, model.StudentResult{
			AttemptID:     a.ID,
			StudentName:   st.Name,
			Email:         st.Email,
			TIN:           st.TIN,
			AttemptNumber: attemptCount[a.StudentID],
			Status:        a.Status,
			StartTime:     a.StartTime,
			EndTime:       a.EndTime,
			Questions:     a.Questions,
			Answers:       a.Answers,
			Scores:        a.Scores,
			ActivityLog:   a.ActivityLog,
		})
	}

	return results, nil
}
