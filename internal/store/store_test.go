package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pavelanni/langexam/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertTestStudent(t *testing.T, s *Store, name string) *model.Student {
	t.Helper()
	st, err := s.CreateStudent(context.Background(), model.Student{
		Name:  name,
		Email: name + "@example.com",
		Phone: fmt.Sprintf("+1555%07d", len(name)*7919),
	})
	if err != nil {
		t.Fatalf("insertTestStudent: %v", err)
	}
	return st
}

func testQuestionSet() model.QuestionSet {
	return model.QuestionSet{
		A: []model.SentenceQuestion{{Question: "Please close the door."}},
		B: []model.RearrangeQuestion{{Question: "green tea ... I like", Rearranged: "I like green tea"}},
		C: []model.ComprehensionQuestion{{
			Dialog:   []model.DialogLine{{Speaker: "M", Text: "Where is the train?"}, {Speaker: "W", Text: "At platform two."}},
			Question: "Where is the train?",
			Keywords: []string{"platform", "two"},
		}},
		D: []model.BlankQuestion{{Question: "It's ___ tonight.", Answer: "cold"}},
		E: []model.SentenceQuestion{{Question: "We walked home."}},
		F: []model.SentenceQuestion{{Question: "Students always complete their homework."}},
	}
}

func newAttempt(studentID int64, qs model.QuestionSet) *model.TestAttempt {
	return &model.TestAttempt{
		ID:               fmt.Sprintf("attempt-%d-%d", studentID, time.Now().UnixNano()),
		StudentID:        studentID,
		StartTime:        time.Now(),
		Questions:        qs,
		Answers:          model.BlankAnswers(qs),
		IdentityVerified: true,
	}
}

func TestQuestionBank(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	count, err := s.QuestionCount(ctx)
	if err != nil {
		t.Fatalf("QuestionCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 questions, got %d", count)
	}

	n, err := s.ImportQuestions(ctx, "bank.yaml", "abc", testQuestionSet())
	if err != nil {
		t.Fatalf("ImportQuestions: %v", err)
	}
	if n != 6 {
		t.Fatalf("expected 6 inserted, got %d", n)
	}

	bank, err := s.ListQuestions(ctx)
	if err != nil {
		t.Fatalf("ListQuestions: %v", err)
	}
	for _, p := range model.Parts {
		if bank.Count(p) != 1 {
			t.Errorf("part %s: expected 1 question, got %d", p, bank.Count(p))
		}
	}
	if got := bank.C[0]; len(got.Dialog) != 2 || got.Keywords[0] != "platform" {
		t.Errorf("part C round trip lost fields: %+v", got)
	}
	if bank.B[0].Rearranged != "I like green tea" {
		t.Errorf("part B rearranged = %q", bank.B[0].Rearranged)
	}

	partD, err := s.ListQuestionsForPart(ctx, model.PartD)
	if err != nil {
		t.Fatalf("ListQuestionsForPart: %v", err)
	}
	if partD.Total() != 1 || partD.D[0].Answer != "cold" {
		t.Errorf("ListQuestionsForPart(D) = %+v", partD)
	}
}

func TestCreateStudent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st := insertTestStudent(t, s, "alice")
	if len(st.TIN) != 10 {
		t.Errorf("expected 10-digit TIN, got %q", st.TIN)
	}
	if st.TestStatus != model.StatusNotStarted {
		t.Errorf("expected status %q, got %q", model.StatusNotStarted, st.TestStatus)
	}

	got, err := s.GetStudentByTIN(ctx, st.TIN)
	if err != nil {
		t.Fatalf("GetStudentByTIN: %v", err)
	}
	if got.ID != st.ID || got.Email != "alice@example.com" {
		t.Errorf("GetStudentByTIN returned %+v", got)
	}

	_, err = s.GetStudentByTIN(ctx, "0000000000")
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	_, err = s.CreateStudent(ctx, model.Student{Name: "dup", Email: "alice@example.com", Phone: "+10000000000"})
	if !errors.Is(err, model.ErrConflict) {
		t.Errorf("expected ErrConflict for duplicate email, got %v", err)
	}

	fixed, err := s.CreateStudent(ctx, model.Student{Name: "bob", Email: "bob@example.com", Phone: "+19999999999", TIN: "2078192584"})
	if err != nil {
		t.Fatalf("CreateStudent with TIN: %v", err)
	}
	if fixed.TIN != "2078192584" {
		t.Errorf("expected provided TIN to be kept, got %q", fixed.TIN)
	}

	list, err := s.ListStudents(ctx)
	if err != nil {
		t.Fatalf("ListStudents: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("expected 2 students, got %d", len(list))
	}
}

func TestCreateStudentRejectsMalformedTIN(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		tin  string
	}{
		{"letters", "abc"},
		{"too short", "207819258"},
		{"too long", "20781925840"},
		{"non-ascii digits", "２０７８１９２５８４"},
		{"spaces", " 207819258"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.CreateStudent(ctx, model.Student{Name: "x", Email: "x@example.com", Phone: "+15550009999", TIN: tt.tin})
			if !errors.Is(err, model.ErrInvalidTIN) {
				t.Errorf("CreateStudent(TIN %q): expected ErrInvalidTIN, got %v", tt.tin, err)
			}
		})
	}
	if list, _ := s.ListStudents(ctx); len(list) != 0 {
		t.Errorf("expected no students stored, got %d", len(list))
	}
}

func TestTrainerQuota(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	trainer, err := s.CreateUser(ctx, model.User{Username: "trainer", PasswordHash: "x", Role: model.UserRoleTrainer, Active: true, StudentQuota: 2})
	if err != nil {
		t.Fatalf("CreateUser trainer: %v", err)
	}
	admin, err := s.CreateUser(ctx, model.User{Username: "admin", PasswordHash: "x", Role: model.UserRoleAdmin, Active: true})
	if err != nil {
		t.Fatalf("CreateUser admin: %v", err)
	}
	create := func(by int64, name string) error {
		_, err := s.CreateStudent(ctx, model.Student{
			Name: name, Email: name + "@example.com", Phone: fmt.Sprintf("+1555%07d", len(name)), CreatedBy: &by,
		})
		return err
	}
	remaining := func() int {
		t.Helper()
		u, err := s.GetUserByUsername(ctx, "trainer")
		if err != nil || u == nil {
			t.Fatalf("GetUserByUsername: %v, %v", u, err)
		}
		return u.StudentQuota
	}

	if err := create(trainer, "a"); err != nil {
		t.Fatalf("first student: %v", err)
	}
	if got := remaining(); got != 1 {
		t.Errorf("quota after one student = %d, want 1", got)
	}

	// A rejected insert gives the unit back.
	if err := create(trainer, "a"); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("duplicate student: expected ErrConflict, got %v", err)
	}
	if got := remaining(); got != 1 {
		t.Errorf("quota after conflict = %d, want 1", got)
	}

	if err := create(trainer, "bb"); err != nil {
		t.Fatalf("second student: %v", err)
	}
	if err := create(trainer, "ccc"); !errors.Is(err, model.ErrQuotaExhausted) {
		t.Fatalf("third student: expected ErrQuotaExhausted, got %v", err)
	}
	if got := remaining(); got != 0 {
		t.Errorf("quota after exhaustion = %d, want 0", got)
	}

	if err := create(admin, "ccc"); err != nil {
		t.Errorf("admin is not limited by quota: %v", err)
	}
	if list, _ := s.ListStudents(ctx); len(list) != 3 {
		t.Errorf("expected 3 students, got %d", len(list))
	}
}

func TestGenerateTIN(t *testing.T) {
	for i := 0; i < 100; i++ {
		tin, err := GenerateTIN()
		if err != nil {
			t.Fatalf("GenerateTIN: %v", err)
		}
		if len(tin) != 10 || tin[0] == '0' {
			t.Fatalf("bad TIN %q", tin)
		}
	}
}

func TestAttemptLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	st := insertTestStudent(t, s, "carol")

	a := newAttempt(st.ID, testQuestionSet())
	if err := s.BeginAttempt(ctx, a); err != nil {
		t.Fatalf("BeginAttempt: %v", err)
	}

	// A second start is refused while the first is open.
	err := s.BeginAttempt(ctx, newAttempt(st.ID, testQuestionSet()))
	if !errors.Is(err, model.ErrInProgress) {
		t.Fatalf("expected ErrInProgress, got %v", err)
	}

	got, err := s.GetAttempt(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAttempt: %v", err)
	}
	if got.Status != model.StatusStarted || got.EndTime != nil {
		t.Errorf("unexpected attempt state: status=%q end=%v", got.Status, got.EndTime)
	}
	if len(got.Answers[model.PartA]) != 1 {
		t.Errorf("expected placeholder answers, got %v", got.Answers)
	}

	active, err := s.ActiveAttempt(ctx, st.ID)
	if err != nil {
		t.Fatalf("ActiveAttempt: %v", err)
	}
	if active.ID != a.ID {
		t.Errorf("ActiveAttempt = %s, want %s", active.ID, a.ID)
	}

	a.Answers[model.PartA] = []string{"Please close the door."}
	a.ActivityLog = []model.ActivityEvent{{At: time.Now(), Kind: "tab_hidden"}}
	a.Scores = model.Scores{Total: 50, A: 100, B: 50, C: 0, D: 100, E: 50, F: 0}
	if err := s.CompleteAttempt(ctx, a); err != nil {
		t.Fatalf("CompleteAttempt: %v", err)
	}

	got, err = s.GetAttempt(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAttempt: %v", err)
	}
	if got.Status != model.StatusCompleted || got.EndTime == nil {
		t.Errorf("expected completed attempt with end time, got %q %v", got.Status, got.EndTime)
	}
	if got.Scores.A != 100 || got.Answers[model.PartA][0] != "Please close the door." {
		t.Errorf("attempt not updated: %+v", got)
	}
	if len(got.ActivityLog) != 1 || got.ActivityLog[0].Kind != "tab_hidden" {
		t.Errorf("activity log = %+v", got.ActivityLog)
	}

	student, err := s.GetStudent(ctx, st.ID)
	if err != nil {
		t.Fatalf("GetStudent: %v", err)
	}
	if student.TestStatus != model.StatusCompleted || student.TestScore.Total != 50 {
		t.Errorf("student aggregate not updated: %+v", student)
	}

	if err := s.CompleteAttempt(ctx, a); !errors.Is(err, model.ErrAlreadyCompleted) {
		t.Errorf("expected ErrAlreadyCompleted on resubmit, got %v", err)
	}
	if err := s.BeginAttempt(ctx, newAttempt(st.ID, testQuestionSet())); !errors.Is(err, model.ErrAlreadyCompleted) {
		t.Errorf("expected ErrAlreadyCompleted on restart, got %v", err)
	}

	missing := &model.TestAttempt{ID: "missing"}
	if err := s.CompleteAttempt(ctx, missing); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestResetStudent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	st := insertTestStudent(t, s, "dave")

	first := newAttempt(st.ID, testQuestionSet())
	if err := s.BeginAttempt(ctx, first); err != nil {
		t.Fatalf("BeginAttempt: %v", err)
	}
	if err := s.ResetStudent(ctx, st.ID); err != nil {
		t.Fatalf("ResetStudent: %v", err)
	}

	got, err := s.GetAttempt(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetAttempt: %v", err)
	}
	if got.Status != model.StatusAbandoned {
		t.Errorf("expected abandoned attempt, got %q", got.Status)
	}
	if err := s.CompleteAttempt(ctx, first); !errors.Is(err, model.ErrAttemptAbandoned) {
		t.Errorf("expected ErrAttemptAbandoned, got %v", err)
	}

	second := newAttempt(st.ID, testQuestionSet())
	if err := s.BeginAttempt(ctx, second); err != nil {
		t.Fatalf("BeginAttempt after reset: %v", err)
	}
	attempts, err := s.ListAttempts(ctx, st.ID)
	if err != nil {
		t.Fatalf("ListAttempts: %v", err)
	}
	if len(attempts) != 2 {
		t.Errorf("expected history of 2 attempts, got %d", len(attempts))
	}

	if err := s.ResetStudent(ctx, 9999); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAbandonAttempt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	st := insertTestStudent(t, s, "erin")

	a := newAttempt(st.ID, testQuestionSet())
	if err := s.BeginAttempt(ctx, a); err != nil {
		t.Fatalf("BeginAttempt: %v", err)
	}
	ok, err := s.AbandonAttempt(ctx, a.ID)
	if err != nil || !ok {
		t.Fatalf("AbandonAttempt = %v, %v", ok, err)
	}
	ok, err = s.AbandonAttempt(ctx, a.ID)
	if err != nil || ok {
		t.Fatalf("second AbandonAttempt = %v, %v; want false, nil", ok, err)
	}
	student, err := s.GetStudent(ctx, st.ID)
	if err != nil {
		t.Fatalf("GetStudent: %v", err)
	}
	if student.TestStatus != model.StatusNotStarted {
		t.Errorf("expected student reopened, got %q", student.TestStatus)
	}
}

func TestBeginAttemptConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	st := insertTestStudent(t, s, "frank")

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a := newAttempt(st.ID, testQuestionSet())
			a.ID = fmt.Sprintf("race-%d", i)
			errs[i] = s.BeginAttempt(ctx, a)
		}()
	}
	wg.Wait()

	success := 0
	for _, err := range errs {
		switch {
		case err == nil:
			success++
		case errors.Is(err, model.ErrInProgress):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly one successful start, got %d", success)
	}
}

func TestImportQuestions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hash, err := s.GetImportedFileHash(ctx, "bank.yaml")
	if err != nil {
		t.Fatalf("GetImportedFileHash: %v", err)
	}
	if hash != "" {
		t.Errorf("expected empty hash, got %q", hash)
	}

	if _, err := s.ImportQuestions(ctx, "bank.yaml", "abc", testQuestionSet()); err != nil {
		t.Fatalf("ImportQuestions: %v", err)
	}
	if _, err := s.ImportQuestions(ctx, "bank.yaml", "def", testQuestionSet()); err != nil {
		t.Fatalf("ImportQuestions update: %v", err)
	}
	hash, _ = s.GetImportedFileHash(ctx, "bank.yaml")
	if hash != "def" {
		t.Errorf("expected updated hash 'def', got %q", hash)
	}

	// A failed hash write must not leave the questions behind.
	if _, err := s.db.ExecContext(ctx,
		`CREATE TRIGGER reject_import BEFORE INSERT ON imported_files
		 BEGIN SELECT RAISE(ABORT, 'rejected'); END`); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ImportQuestions(ctx, "other.yaml", "ghi", testQuestionSet()); err == nil {
		t.Fatal("expected error when the import cannot be recorded")
	}
	count, err := s.QuestionCount(ctx)
	if err != nil {
		t.Fatalf("QuestionCount: %v", err)
	}
	if count != 12 {
		t.Errorf("expected 12 questions after rolled back import, got %d", count)
	}
	if hash, _ := s.GetImportedFileHash(ctx, "other.yaml"); hash != "" {
		t.Errorf("expected no hash for other.yaml, got %q", hash)
	}
}

func TestExportAllAttempts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	st := insertTestStudent(t, s, "grace")

	first := newAttempt(st.ID, testQuestionSet())
	if err := s.BeginAttempt(ctx, first); err != nil {
		t.Fatalf("BeginAttempt: %v", err)
	}
	if err := s.ResetStudent(ctx, st.ID); err != nil {
		t.Fatalf("ResetStudent: %v", err)
	}
	second := newAttempt(st.ID, testQuestionSet())
	second.ID = first.ID + "-2"
	if err := s.BeginAttempt(ctx, second); err != nil {
		t.Fatalf("BeginAttempt: %v", err)
	}

	results, err := s.ExportAllAttempts(ctx)
	if err != nil {
		t.Fatalf("ExportAllAttempts: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].AttemptNumber != 1 || results[1].AttemptNumber != 2 {
		t.Errorf("attempt numbers = %d, %d", results[0].AttemptNumber, results[1].AttemptNumber)
	}
	if results[0].TIN != st.TIN || results[0].Status != model.StatusAbandoned {
		t.Errorf("first result = %+v", results[0])
	}
}

func TestUsersAndAuthSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateUser(ctx, model.User{
		Username: "trainer1", DisplayName: "Trainer", PasswordHash: "x", Role: model.UserRoleTrainer, Active: true,
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	u, err := s.GetUserByUsername(ctx, "trainer1")
	if err != nil || u == nil {
		t.Fatalf("GetUserByUsername: %v, %v", u, err)
	}
	if u.ID != id || u.Role != model.UserRoleTrainer || !u.Active {
		t.Errorf("unexpected user %+v", u)
	}
	if missing, err := s.GetUserByUsername(ctx, "nobody"); err != nil || missing != nil {
		t.Errorf("GetUserByUsername(nobody) = %v, %v", missing, err)
	}

	if _, err := s.CreateUser(ctx, model.User{Username: "trainer1", PasswordHash: "y", Role: model.UserRoleTrainer}); !errors.Is(err, model.ErrConflict) {
		t.Errorf("duplicate username: expected ErrConflict, got %v", err)
	}

	token, sess, err := s.CreateAuthSession(ctx, id)
	if err != nil {
		t.Fatalf("CreateAuthSession: %v", err)
	}
	if sess.ID == token {
		t.Error("raw token stored as session key")
	}
	if got := sess.ExpiresAt.Sub(sess.CreatedAt); got != AuthSessionTTL {
		t.Errorf("session lifetime = %v, want %v", got, AuthSessionTTL)
	}
	authed, err := s.AuthenticatedUser(ctx, token)
	if err != nil || authed == nil || authed.ID != id {
		t.Fatalf("AuthenticatedUser = %+v, %v", authed, err)
	}
	if other, err := s.AuthenticatedUser(ctx, token+"x"); err != nil || other != nil {
		t.Errorf("AuthenticatedUser(wrong token) = %+v, %v", other, err)
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE auth_sessions SET expires_at = ?`, time.Now().UTC().Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}
	if expired, _ := s.AuthenticatedUser(ctx, token); expired != nil {
		t.Error("expired session still authenticates")
	}
	n, err := s.CleanupExpiredSessions(ctx)
	if err != nil || n != 1 {
		t.Errorf("CleanupExpiredSessions = %d, %v", n, err)
	}

	token, _, err = s.CreateAuthSession(ctx, id)
	if err != nil {
		t.Fatalf("CreateAuthSession: %v", err)
	}
	if err := s.DeleteAuthSession(ctx, token); err != nil {
		t.Fatalf("DeleteAuthSession: %v", err)
	}
	if u, _ := s.AuthenticatedUser(ctx, token); u != nil {
		t.Error("expected session to be gone")
	}
}
