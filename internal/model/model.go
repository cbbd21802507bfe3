package model

import (
	"context"
	"fmt"
	"time"
)

// UserRole represents a staff user's access level.
type UserRole string

const (
	// UserRoleTrainer can register candidates and reset their attempts.
	UserRoleTrainer UserRole = "trainer"
	// UserRoleAdmin has full access, including question-bank uploads.
	UserRoleAdmin UserRole = "admin"
)

// DefaultStudentQuota is the number of candidates a new trainer may register
// when no quota is given.
const DefaultStudentQuota = 50

// User represents an administrator or trainer account.
type User struct {
	ID           int64
	Username     string
	DisplayName  string
	PasswordHash string
	Role         UserRole
	Active       bool
	// StudentQuota is how many more candidates a trainer may register.
	// Admins are not limited by it.
	StudentQuota int
	CreatedAt    time.Time
}

// AuthSession represents an authentication session for a staff user.
type AuthSession struct {
	ID        string
	UserID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

// Part identifies one of the six exam sections.
type Part string

const (
	PartA Part = "A" // repeat sentence
	PartB Part = "B" // rearrange phrases
	PartC Part = "C" // conversation comprehension
	PartD Part = "D" // fill in the blank
	PartE Part = "E" // dictation
	PartF Part = "F" // passage reconstruction
)

// Parts lists every exam part in exam order.
var Parts = []Part{PartA, PartB, PartC, PartD, PartE, PartF}

// ParsePart validates a part identifier.
func ParsePart(s string) (Part, error) {
	for _, p := range Parts {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown exam part %q", s)
}

// TestStatus is the lifecycle status shared by students and attempts.
type TestStatus string

const (
	StatusNotStarted TestStatus = "not started"
	StatusStarted    TestStatus = "started"
	StatusCompleted  TestStatus = "completed"
	// StatusAbandoned only applies to attempts closed by a reset or a timeout.
	StatusAbandoned TestStatus = "abandoned"
)

// SentenceQuestion is a single prompt sentence or passage (parts A, E and F).
type SentenceQuestion struct {
	Question string `json:"question" yaml:"question"`
}

// RearrangeQuestion holds shuffled phrases and the canonical sentence (part B).
type RearrangeQuestion struct {
	Question   string `json:"question" yaml:"question"`
	Rearranged string `json:"rearranged" yaml:"rearranged"`
}

// DialogLine is one turn of a part C conversation.
type DialogLine struct {
	Speaker string `json:"speaker" yaml:"speaker"`
	Text    string `json:"text" yaml:"text"`
}

// ComprehensionQuestion is a conversation followed by a question (part C).
type ComprehensionQuestion struct {
	Dialog   []DialogLine `json:"dialog" yaml:"dialog"`
	Question string       `json:"question" yaml:"question"`
	Keywords []string     `json:"keywords" yaml:"keywords"`
}

// BlankQuestion is a sentence with a blank marker and its expected filler (part D).
type BlankQuestion struct {
	Question string `json:"question" yaml:"question"`
	Answer   string `json:"answer" yaml:"answer"`
}

// QuestionSet holds one typed question list per part. It is used both for
// the whole bank and for the frozen subset handed to one attempt.
type QuestionSet struct {
	A []SentenceQuestion      `json:"A" yaml:"A"`
	B []RearrangeQuestion     `json:"B" yaml:"B"`
	C []ComprehensionQuestion `json:"C" yaml:"C"`
	D []BlankQuestion         `json:"D" yaml:"D"`
	E []SentenceQuestion      `json:"E" yaml:"E"`
	F []SentenceQuestion      `json:"F" yaml:"F"`
}

// Count returns the number of questions for a part.
func (qs QuestionSet) Count(p Part) int {
	switch p {
	case PartA:
		return len(qs.A)
	case PartB:
		return len(qs.B)
	case PartC:
		return len(qs.C)
	case PartD:
		return len(qs.D)
	case PartE:
		return len(qs.E)
	case PartF:
		return len(qs.F)
	}
	return 0
}

// Total returns the number of questions across all parts.
func (qs QuestionSet) Total() int {
	n := 0
	for _, p := range Parts {
		n += qs.Count(p)
	}
	return n
}

// Answers maps each part to the candidate's answers, one per assigned question.
type Answers map[Part][]string

// BlankAnswers returns placeholder answers aligned with the given questions.
func BlankAnswers(qs QuestionSet) Answers {
	a := make(Answers, len(Parts))
	for _, p := range Parts {
		a[p] = make([]string, qs.Count(p))
	}
	return a
}

// Scores holds the per-part scores and their equally weighted total.
type Scores struct {
	Total float64 `json:"total"`
	A     float64 `json:"A"`
	B     float64 `json:"B"`
	C     float64 `json:"C"`
	D     float64 `json:"D"`
	E     float64 `json:"E"`
	F     float64 `json:"F"`
}

// Part returns the score for one part.
func (s Scores) Part(p Part) float64 {
	switch p {
	case PartA:
		return s.A
	case PartB:
		return s.B
	case PartC:
		return s.C
	case PartD:
		return s.D
	case PartE:
		return s.E
	case PartF:
		return s.F
	}
	return 0
}

// Student is an exam candidate. The TIN is the only credential needed to sit the exam.
type Student struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	Email      string     `json:"email"`
	Phone      string     `json:"phone"`
	TIN        string     `json:"tin"`
	TestStatus TestStatus `json:"test_status"`
	TestScore  Scores     `json:"test_score"`
	CreatedBy  *int64     `json:"created_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ActivityEvent is one client-reported entry of the attempt activity log.
type ActivityEvent struct {
	At     time.Time `json:"at"`
	Kind   string    `json:"kind"`
	Detail string    `json:"detail,omitempty"`
}

// TestAttempt is one sitting of the exam by a student.
type TestAttempt struct {
	ID               string          `json:"id"`
	StudentID        int64           `json:"student_id"`
	Status           TestStatus      `json:"status"`
	StartTime        time.Time       `json:"start_time"`
	EndTime          *time.Time      `json:"end_time,omitempty"`
	Questions        QuestionSet     `json:"questions"`
	Answers          Answers         `json:"answers"`
	Scores           Scores          `json:"scores"`
	ActivityLog      []ActivityEvent `json:"activity_log,omitempty"`
	IdentityVerified bool            `json:"identity_verified"`
}

// ExamConfig holds runtime exam parameters set via CLI flags.
type ExamConfig struct {
	QuestionsPerPart int           // target draw size per part
	AttemptTimeout   time.Duration // 0 disables reclamation of stale attempts
	SecureCookies    bool          // Set Secure flag on cookies (disable for local dev)
	Lang             string        // default language for error messages
}
