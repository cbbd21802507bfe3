package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/langexam/internal/bank"
	appI18n "github.com/pavelanni/langexam/internal/i18n"
	"github.com/pavelanni/langexam/internal/model"
)

const maxUploadBytes = 10 << 20

func studentIDParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "studentID"), 10, 64)
	if err != nil {
		return 0, badRequest(fmt.Errorf("invalid student ID: %w", err))
	}
	return id, nil
}

func (h *Handler) handleQuestionsForPart(w http.ResponseWriter, r *http.Request) {
	part, err := model.ParsePart(chi.URLParam(r, "part"))
	if err != nil {
		writeError(w, r, badRequest(err))
		return
	}
	qs, err := h.exam.GetQuestionsForPart(r.Context(), part)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, qs)
}

func (h *Handler) handleListStudents(w http.ResponseWriter, r *http.Request) {
	students, err := h.store.ListStudents(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if students == nil {
		students = []model.Student{}
	}
	writeJSON(w, http.StatusOK, students)
}

type createStudentRequest struct {
	Name  string `json:"name" validate:"required"`
	Email string `json:"email" validate:"required,email"`
	Phone string `json:"phone" validate:"required,e164"`
	TIN   string `json:"tin" validate:"omitempty,len=10,numeric"`
}

func (h *Handler) handleCreateStudent(w http.ResponseWriter, r *http.Request) {
	var req createStudentRequest
	if !h.decode(w, r, &req) {
		return
	}
	user := model.UserFromContext(r.Context())
	st, err := h.store.CreateStudent(r.Context(), model.Student{
		Name:      req.Name,
		Email:     req.Email,
		Phone:     req.Phone,
		TIN:       req.TIN,
		CreatedBy: &user.ID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (h *Handler) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	id, err := studentIDParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	attempts, err := h.exam.ListAttempts(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if attempts == nil {
		attempts = []model.TestAttempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (h *Handler) handleResetStudent(w http.ResponseWriter, r *http.Request) {
	id, err := studentIDParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.exam.ResetAttempt(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("student reset", "student_id", id, "by", model.UserFromContext(r.Context()).Username)
	writeJSON(w, http.StatusOK, map[string]string{"message": appI18n.T(r.Context(), "StudentReset")})
}

type uploadResponse struct {
	File     string `json:"file"`
	Imported int    `json:"imported"`
	Message  string `json:"message"`
}

func (h *Handler) handleUploadQuestions(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, r, badRequest(fmt.Errorf("parse upload: %w", err)))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, badRequest(fmt.Errorf("no file uploaded: %w", err)))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, fmt.Errorf("read upload: %w", err))
		return
	}

	name := filepath.Base(header.Filename)
	n, err := bank.ImportData(r.Context(), h.store, name, data)
	if errors.Is(err, bank.ErrInvalid) {
		err = badRequest(err)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, uploadResponse{
		File:     name,
		Imported: n,
		Message:  appI18n.Tp(r.Context(), "QuestionsImported", n),
	})
}

type createUserRequest struct {
	Username     string         `json:"username" validate:"required,alphanum"`
	DisplayName  string         `json:"display_name"`
	Password     string         `json:"password" validate:"required,min=8"`
	Role         model.UserRole `json:"role" validate:"required,oneof=trainer admin"`
	StudentQuota *int           `json:"student_quota" validate:"omitempty,min=0"`
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !h.decode(w, r, &req) {
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, r, fmt.Errorf("hash password: %w", err))
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = req.Username
	}

	u := model.User{
		Username:     req.Username,
		DisplayName:  req.DisplayName,
		PasswordHash: string(hash),
		Role:         req.Role,
		Active:       true,
	}
	if u.Role == model.UserRoleTrainer {
		u.StudentQuota = model.DefaultStudentQuota
		if req.StudentQuota != nil {
			u.StudentQuota = *req.StudentQuota
		}
	}
	u.ID, err = h.store.CreateUser(r.Context(), u)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newUserView(&u))
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	results, err := h.store.ExportAllAttempts(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	examID := r.URL.Query().Get("exam_id")
	if examID == "" {
		examID = "langexam"
	}
	writeJSON(w, http.StatusOK, model.NewExamExport(examID, time.Now(), results))
}
