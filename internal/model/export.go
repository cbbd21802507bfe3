package model

import "time"

// ExamExport is the top-level JSON structure for exam result export.
type ExamExport struct {
	ExamID      string          `json:"exam_id"`
	Date        string          `json:"date"`
	NumAttempts int             `json:"num_attempts"`
	Results     []StudentResult `json:"results"`
}

// StudentResult holds one attempt for export.
type StudentResult struct {
	AttemptID     string          `json:"attempt_id"`
	StudentName   string          `json:"student_name"`
	Email         string          `json:"email"`
	TIN           string          `json:"tin"`
	AttemptNumber int             `json:"attempt_number"`
	Status        TestStatus      `json:"status"`
	StartTime     time.Time       `json:"start_time"`
	EndTime       *time.Time      `json:"end_time,omitempty"`
	Questions     QuestionSet     `json:"questions"`
	Answers       Answers         `json:"answers"`
	Scores        Scores          `json:"scores"`
	ActivityLog   []ActivityEvent `json:"activity_log,omitempty"`
}

// NewExamExport wraps results in an export dated at.
func NewExamExport(examID string, at time.Time, results []StudentResult) ExamExport {
	if results == nil {
		results = []StudentResult{}
	}
	return ExamExport{
		ExamID:      examID,
		Date:        at.Format("2006-01-02"),
		NumAttempts: len(results),
		Results:     results,
	}
}
