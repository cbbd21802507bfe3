// Package handler exposes the exam lifecycle and staff administration as a
// JSON API.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/pavelanni/langexam/internal/bank"
	appI18n "github.com/pavelanni/langexam/internal/i18n"
	"github.com/pavelanni/langexam/internal/model"
	"github.com/pavelanni/langexam/internal/session"
	"github.com/pavelanni/langexam/internal/store"
)

// maxBodyBytes bounds JSON bodies; identity photos arrive inline.
const maxBodyBytes = 8 << 20

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store    *store.Store
	exam     *session.Service
	config   model.ExamConfig
	validate *validator.Validate
}

// New creates a new Handler.
func New(s *store.Store, exam *session.Service, cfg model.ExamConfig) *Handler {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{store: s, exam: exam, config: cfg, validate: validate}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/tin", h.handleLookupTIN)
		r.Post("/attempts", h.handleStartAttempt)
		r.Get("/attempts/{attemptID}", h.handleGetAttempt)
		r.Post("/attempts/{attemptID}/submit", h.handleSubmitAttempt)

		r.Post("/login", h.handleLogin)
		r.Post("/logout", h.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(h.requireAuth)
			r.Get("/me", h.handleMe)
			r.Get("/questions/{part}", h.handleQuestionsForPart)

			r.Route("/admin", func(r chi.Router) {
				r.Get("/students", h.handleListStudents)
				r.Post("/students", h.handleCreateStudent)
				r.Get("/students/{studentID}/attempts", h.handleListAttempts)
				r.Post("/students/{studentID}/reset", h.handleResetStudent)

				r.Group(func(r chi.Router) {
					r.Use(requireRole(model.UserRoleAdmin))
					r.Post("/questions", h.handleUploadQuestions)
					r.Post("/users", h.handleCreateUser)
					r.Get("/export", h.handleExport)
				})
			})
		})
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type tinRequest struct {
	TIN string `json:"tin" validate:"required,len=10,numeric"`
}

type studentView struct {
	ID         int64            `json:"id"`
	Name       string           `json:"name"`
	TestStatus model.TestStatus `json:"test_status"`
	Message    string           `json:"message"`
}

func (h *Handler) handleLookupTIN(w http.ResponseWriter, r *http.Request) {
	var req tinRequest
	if !h.decode(w, r, &req) {
		return
	}
	st, err := h.exam.CheckEligible(r.Context(), req.TIN)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, studentView{
		ID:         st.ID,
		Name:       st.Name,
		TestStatus: st.TestStatus,
		Message:    appI18n.Td(r.Context(), "Welcome", map[string]any{"Name": st.Name}),
	})
}

type startRequest struct {
	TIN             string `json:"tin" validate:"required,len=10,numeric"`
	SecurityCleared bool   `json:"security_cleared"`
	IdentityPhoto   string `json:"identity_photo" validate:"omitempty,base64|datauri"`
}

type startResponse struct {
	AttemptID string    `json:"attempt_id"`
	StartTime time.Time `json:"start_time"`
	Paper     paper     `json:"questions"`
}

func (h *Handler) handleStartAttempt(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !h.decode(w, r, &req) {
		return
	}
	st, err := h.exam.CheckEligible(r.Context(), req.TIN)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.exam.StartAttempt(r.Context(), st.ID, session.Gate{
		SecurityCleared:         req.SecurityCleared,
		IdentityArtifactPresent: req.IdentityPhoto != "",
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, startResponse{
		AttemptID: res.AttemptID,
		StartTime: res.StartTime,
		Paper:     newPaper(res.Questions),
	})
}

type attemptView struct {
	AttemptID string           `json:"attempt_id"`
	Status    model.TestStatus `json:"status"`
	StartTime time.Time        `json:"start_time"`
	EndTime   *time.Time       `json:"end_time,omitempty"`
	Paper     paper            `json:"questions"`
	Scores    *model.Scores    `json:"scores,omitempty"`
}

func (h *Handler) handleGetAttempt(w http.ResponseWriter, r *http.Request) {
	a, err := h.exam.GetAttempt(r.Context(), chi.URLParam(r, "attemptID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	view := attemptView{
		AttemptID: a.ID,
		Status:    a.Status,
		StartTime: a.StartTime,
		EndTime:   a.EndTime,
		Paper:     newPaper(a.Questions),
	}
	if a.Status == model.StatusCompleted {
		view.Scores = &a.Scores
	}
	writeJSON(w, http.StatusOK, view)
}

type submitRequest struct {
	Answers     model.Answers         `json:"answers" validate:"required"`
	ActivityLog []model.ActivityEvent `json:"activity_log"`
}

type submitResponse struct {
	AttemptID string       `json:"attempt_id"`
	Scores    model.Scores `json:"scores"`
	Message   string       `json:"message"`
}

func (h *Handler) handleSubmitAttempt(w http.ResponseWriter, r *http.Request) {
	attemptID := chi.URLParam(r, "attemptID")
	var req submitRequest
	if !h.decode(w, r, &req) {
		return
	}
	scores, err := h.exam.SubmitAttempt(r.Context(), attemptID, req.Answers, req.ActivityLog)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{
		AttemptID: attemptID,
		Scores:    scores,
		Message:   appI18n.T(r.Context(), "ExamSubmitted"),
	})
}

// paper is the candidate's view of an attempt's questions, without the
// expected answers or keywords.
type paper struct {
	A []string            `json:"A"`
	B []string            `json:"B"`
	C []comprehensionItem `json:"C"`
	D []string            `json:"D"`
	E []string            `json:"E"`
	F []string            `json:"F"`
}

type comprehensionItem struct {
	Dialog   []model.DialogLine `json:"dialog"`
	Question string             `json:"question"`
}

func newPaper(qs model.QuestionSet) paper {
	p := paper{
		A: sentences(qs.A),
		E: sentences(qs.E),
		F: sentences(qs.F),
	}
	for _, q := range qs.B {
		p.B = append(p.B, q.Question)
	}
	for _, q := range qs.C {
		p.C = append(p.C, comprehensionItem{Dialog: q.Dialog, Question: q.Question})
	}
	for _, q := range qs.D {
		p.D = append(p.D, q.Question)
	}
	return p
}

func sentences(qs []model.SentenceQuestion) []string {
	out := make([]string, 0, len(qs))
	for _, q := range qs {
		out = append(out, q.Question)
	}
	return out
}

// decode reads a JSON body into dst and validates it. On failure it writes
// the error response and returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeError(w, r, badRequest(fmt.Errorf("decode request: %w", err)))
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, r, badRequest(err))
		return false
	}
	return true
}

type errorResponse struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Fields  []string `json:"fields,omitempty"`
}

type requestError struct {
	err error
}

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

func badRequest(err error) error { return &requestError{err: err} }

var (
	errUnauthorized       = errors.New("unauthorized")
	errForbidden          = errors.New("forbidden")
	errInvalidCredentials = errors.New("invalid credentials")
)

// errorKinds maps error kinds to their status, code and message ID.
var errorKinds = []struct {
	err    error
	status int
	msgID  string
}{
	{model.ErrNotFound, http.StatusNotFound, "ErrNotFound"},
	{model.ErrAlreadyCompleted, http.StatusConflict, "ErrAlreadyCompleted"},
	{model.ErrInProgress, http.StatusConflict, "ErrInProgress"},
	{model.ErrSecurityNotCleared, http.StatusForbidden, "ErrSecurityNotCleared"},
	{model.ErrNoQuestionsAvailable, http.StatusServiceUnavailable, "ErrNoQuestionsAvailable"},
	{model.ErrAnswerCountMismatch, http.StatusUnprocessableEntity, "ErrAnswerCountMismatch"},
	{model.ErrAttemptAbandoned, http.StatusGone, "ErrAttemptAbandoned"},
	{model.ErrConflict, http.StatusConflict, "ErrConflict"},
	{model.ErrInvalidTIN, http.StatusBadRequest, "ErrInvalidTIN"},
	{model.ErrQuotaExhausted, http.StatusForbidden, "ErrQuotaExhausted"},
	{bank.ErrAlreadyImported, http.StatusConflict, "ErrAlreadyImported"},
	{errUnauthorized, http.StatusUnauthorized, "ErrUnauthorized"},
	{errForbidden, http.StatusForbidden, "ErrForbidden"},
	{errInvalidCredentials, http.StatusUnauthorized, "ErrInvalidCredentials"},
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	resp := errorResponse{Code: "internal"}
	status := http.StatusInternalServerError
	msgID := "ErrInternal"

	var reqErr *requestError
	if errors.As(err, &reqErr) {
		status, msgID, resp.Code = http.StatusBadRequest, "ErrBadRequest", "bad_request"
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				resp.Fields = append(resp.Fields, fe.Field())
			}
		}
	} else {
		for _, k := range errorKinds {
			if errors.Is(err, k.err) {
				status, msgID = k.status, k.msgID
				resp.Code = model.ErrorCode(err)
				break
			}
		}
	}
	switch {
	case errors.Is(err, bank.ErrAlreadyImported):
		resp.Code = "already_imported"
	case errors.Is(err, errUnauthorized), errors.Is(err, errInvalidCredentials):
		resp.Code = "unauthorized"
	case errors.Is(err, errForbidden):
		resp.Code = "forbidden"
	}

	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		slog.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	resp.Message = appI18n.T(r.Context(), msgID)
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}
