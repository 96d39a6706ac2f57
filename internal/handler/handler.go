package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/pavelanni/smartgrader/internal/extract"
	"github.com/pavelanni/smartgrader/internal/grading"
	appI18n "github.com/pavelanni/smartgrader/internal/i18n"
	"github.com/pavelanni/smartgrader/internal/ingest"
	"github.com/pavelanni/smartgrader/internal/model"
	"github.com/pavelanni/smartgrader/internal/storage"
	"github.com/pavelanni/smartgrader/internal/store"
)

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store     *store.Store
	grading   *grading.Manager
	processor *ingest.Processor
	blobs     storage.BlobStore
	validate  *validator.Validate
	config    model.ServerConfig
}

// New creates a new Handler.
func New(s *store.Store, mgr *grading.Manager, proc *ingest.Processor, blobs storage.BlobStore, cfg model.ServerConfig) *Handler {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 20 << 20
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	return &Handler{
		store:     s,
		grading:   mgr,
		processor: proc,
		blobs:     blobs,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		config:    cfg,
	}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	if len(h.config.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   h.config.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", csrfHeaderName},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	r.Use(h.loadUser)
	r.Use(appI18n.Middleware(h.config.Language))
	r.Use(h.csrfMiddleware)

	r.Get("/healthz", h.handleHealth)
	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)
		r.Get("/api/me", h.handleMe)
		r.Put("/api/me/language", h.handleSetLanguage)

		r.Group(func(r chi.Router) {
			r.Use(requireRole(model.UserRoleInstructor, model.UserRoleModerator))
			r.Post("/api/exams", h.handleUploadExam)
			r.Get("/api/exams", h.handleListExams)
			r.Get("/api/exams/{examID}", h.handleGetExam)
			r.Post("/api/exams/{examID}/process", h.handleProcessExam)
			r.Put("/api/exams/{examID}/questions", h.handleSetQuestions)
			r.Post("/api/exams/{examID}/delete", h.handleDeleteExam)
			r.Get("/api/exams/{examID}/download", h.handleDownloadExam)
			r.Get("/api/exams/{examID}/submissions", h.handleListSubmissions)
			r.Post("/api/exams/{examID}/reevaluate", h.handleReevaluateExam)
			r.Get("/api/exams/{examID}/export", h.handleExportExam)

			r.Get("/api/submissions/{id}", h.handleGetSubmission)
			r.Get("/api/submissions/{id}/status", h.handleSubmissionStatus)
			r.Get("/api/submissions/{id}/download", h.handleDownloadSubmission)
			r.Post("/api/submissions/{id}/grade", h.handleGradeSubmission)
			r.Post("/api/submissions/{id}/reevaluate", h.handleReevaluateSubmission)
			r.Post("/api/submissions/{id}/delete", h.handleDeleteSubmission)
			r.Put("/api/submissions/{id}/answers", h.handleSetAnswers)
			r.Put("/api/submissions/{id}/answers/{index}/score", h.handleOverrideScore)
			r.Post("/api/submissions/{id}/answers/{index}/regrade", h.handleRegradeAnswers)
			r.Post("/api/submissions/{id}/regrade", h.handleRegradeAnswers)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireRole(model.UserRoleStudent))
			r.Get("/api/student/exams", h.handleStudentExams)
			r.Get("/api/student/exams/{examID}", h.handleStudentExam)
			r.Post("/api/student/exams/{examID}/submit", h.handleSubmit)
			r.Get("/api/student/submissions", h.handleStudentSubmissions)
			r.Get("/api/student/submissions/{id}", h.handleStudentSubmission)
			r.Get("/api/student/submissions/{id}/status", h.handleStudentSubmissionStatus)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireRole(model.UserRoleModerator))
			r.Get("/api/moderator/users", h.handleListUsers)
			r.Post("/api/moderator/users", h.handleCreateUser)
			r.Post("/api/moderator/users/{userID}/toggle", h.handleToggleUserActive)
			r.Get("/api/moderator/settings", h.handleGetSettings)
			r.Put("/api/moderator/settings", h.handleUpdateSettings)
		})
	})
}

func (h *Handler) path(p string) string {
	return h.config.BasePath + p
}

func (h *Handler) cookiePath() string {
	if h.config.BasePath != "" {
		return h.config.BasePath + "/"
	}
	return "/"
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(); err != nil {
		slog.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"success": false, "error": "database unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeOK(w http.ResponseWriter, status int, fields map[string]any) {
	body := map[string]any{"success": true}
	for k, v := range fields {
		body[k] = v
	}
	writeJSON(w, status, body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

func (h *Handler) badRequest(w http.ResponseWriter, r *http.Request, detail string) {
	writeError(w, http.StatusBadRequest, appI18n.Td(r.Context(), "ErrBadRequest", map[string]any{"Detail": detail}))
}

// handleError maps domain errors to HTTP responses.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	var xerr *extract.ExtractionError
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, appI18n.T(ctx, "ErrNotFound"))
	case errors.Is(err, store.ErrExamInUse):
		writeError(w, http.StatusConflict, appI18n.T(ctx, "ErrExamInUse"))
	case errors.Is(err, store.ErrAlreadySubmitted):
		writeError(w, http.StatusConflict, appI18n.T(ctx, "ErrAlreadySubmitted"))
	case errors.Is(err, grading.ErrGradingInProgress), errors.Is(err, store.ErrStatusConflict):
		writeError(w, http.StatusConflict, appI18n.T(ctx, "ErrGradingInProgress"))
	case errors.Is(err, grading.ErrInvalidTransition):
		writeError(w, http.StatusConflict, appI18n.T(ctx, "ErrInvalidTransition"))
	case errors.Is(err, grading.ErrNotGraded):
		writeError(w, http.StatusConflict, appI18n.T(ctx, "ErrNotGraded"))
	case errors.Is(err, grading.ErrScoreOutOfRange):
		writeError(w, http.StatusBadRequest, appI18n.T(ctx, "ErrScoreOutOfRange"))
	case errors.As(err, &maxBytes):
		writeError(w, http.StatusRequestEntityTooLarge, appI18n.T(ctx, "ErrUploadTooLarge"))
	case errors.As(err, &xerr):
		writeError(w, http.StatusUnprocessableEntity, appI18n.Td(ctx, "ErrExtraction", map[string]any{"Reason": xerr.Reason}))
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, appI18n.T(ctx, "ErrInternal"))
	}
}

func int64Param(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return id, nil
}

// decodeJSON decodes a JSON body into v and validates it.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return h.validateStruct(v)
}

func (h *Handler) validateStruct(v any) error {
	err := h.validate.Struct(v)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		var parts []string
		for _, fe := range verrs {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
		return errors.New(strings.Join(parts, "; "))
	}
	return err
}
