package handler

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/pavelanni/smartgrader/internal/extract"
	appI18n "github.com/pavelanni/smartgrader/internal/i18n"
	"github.com/pavelanni/smartgrader/internal/model"
	"github.com/pavelanni/smartgrader/internal/report"
	"github.com/pavelanni/smartgrader/internal/storage"
	"github.com/pavelanni/smartgrader/internal/store"
)

// ownedExam loads an exam the current user may manage. Instructors only see
// their own exams; moderators see all of them.
func (h *Handler) ownedExam(r *http.Request) (model.Exam, error) {
	id, err := int64Param(r, "examID")
	if err != nil {
		return model.Exam{}, store.ErrNotFound
	}
	exam, err := h.store.GetExam(id)
	if err != nil {
		return model.Exam{}, err
	}
	user := model.UserFromContext(r.Context())
	if user.Role != model.UserRoleModerator && exam.OwnerID != user.ID {
		return model.Exam{}, store.ErrNotFound
	}
	return exam, nil
}

// readUpload reads a multipart file field fully. It returns a nil slice
// when the field is absent.
func readUpload(r *http.Request, field string) ([]byte, *multipart.FileHeader, error) {
	file, header, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, nil, err
	}
	return data, header, nil
}

func (h *Handler) parseMultipart(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUploadBytes)
	return r.ParseMultipartForm(h.config.MaxUploadBytes)
}

// storeDocument saves an uploaded document under prefix and returns its key.
func (h *Handler) storeDocument(r *http.Request, prefix, filename string, kind model.DocumentKind, data []byte) (string, error) {
	key := storage.NewKey(prefix, filename)
	err := h.blobs.Put(r.Context(), key, bytes.NewReader(data), int64(len(data)), extract.ContentType(kind, filename))
	if err != nil {
		return "", fmt.Errorf("store document: %w", err)
	}
	return key, nil
}

type examUploadForm struct {
	Title       string `validate:"required,max=200"`
	Subject     string `validate:"max=100"`
	Description string `validate:"max=2000"`
}

func (h *Handler) handleUploadExam(w http.ResponseWriter, r *http.Request) {
	if err := h.parseMultipart(w, r); err != nil {
		h.handleError(w, r, err)
		return
	}
	form := examUploadForm{
		Title:       strings.TrimSpace(r.FormValue("title")),
		Subject:     strings.TrimSpace(r.FormValue("subject")),
		Description: strings.TrimSpace(r.FormValue("description")),
	}
	if err := h.validateStruct(&form); err != nil {
		h.badRequest(w, r, err.Error())
		return
	}

	data, header, err := readUpload(r, "file")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if data == nil {
		h.badRequest(w, r, "file is required")
		return
	}
	kind, err := extract.KindFromFilename(header.Filename)
	if err != nil {
		writeError(w, http.StatusUnsupportedMediaType, appI18n.T(r.Context(), "ErrUnsupportedFile"))
		return
	}
	key, err := h.storeDocument(r, "exams", header.Filename, kind, data)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	user := model.UserFromContext(r.Context())
	id, err := h.store.CreateExam(model.Exam{
		OwnerID:     user.ID,
		Title:       form.Title,
		Subject:     form.Subject,
		Description: form.Description,
		Filename:    header.Filename,
		BlobKey:     key,
		Kind:        kind,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	slog.Info("exam uploaded", "exam_id", id, "owner_id", user.ID, "filename", header.Filename, "kind", kind)

	exam, err := h.processor.Process(r.Context(), id)
	if err != nil {
		h.processFailed(w, r, id, err)
		return
	}
	writeOK(w, http.StatusCreated, map[string]any{
		"exam":    exam,
		"message": appI18n.Tp(r.Context(), "QuestionsExtracted", len(exam.Questions)),
	})
}

// processFailed reports an extraction failure along with the failed exam so
// the client can switch to manual question entry.
func (h *Handler) processFailed(w http.ResponseWriter, r *http.Request, examID int64, err error) {
	var xerr *extract.ExtractionError
	if !errors.As(err, &xerr) {
		h.handleError(w, r, err)
		return
	}
	exam, gerr := h.store.GetExam(examID)
	if gerr != nil {
		h.handleError(w, r, gerr)
		return
	}
	writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
		"success": false,
		"error":   appI18n.Td(r.Context(), "ErrExtraction", map[string]any{"Reason": xerr.Reason}),
		"exam":    exam,
	})
}

func (h *Handler) handleListExams(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	var owner int64
	if user.Role != model.UserRoleModerator {
		owner = user.ID
	}
	exams, err := h.store.ListExams(owner)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if exams == nil {
		exams = []model.Exam{}
	}
	writeOK(w, http.StatusOK, map[string]any{"exams": exams})
}

func (h *Handler) handleGetExam(w http.ResponseWriter, r *http.Request) {
	exam, err := h.ownedExam(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	n, err := h.store.CountSubmissions(exam.ID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{
		"exam":        exam,
		"max_score":   exam.MaxScore(),
		"submissions": n,
		"editable":    n == 0,
	})
}

func (h *Handler) handleProcessExam(w http.ResponseWriter, r *http.Request) {
	exam, err := h.ownedExam(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	processed, err := h.processor.Process(r.Context(), exam.ID)
	if err != nil {
		h.processFailed(w, r, exam.ID, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{
		"exam":    processed,
		"message": appI18n.Tp(r.Context(), "QuestionsExtracted", len(processed.Questions)),
	})
}

type questionInput struct {
	Text   string             `json:"text" validate:"required,max=5000"`
	Points float64            `json:"points" validate:"gt=0,lte=1000"`
	Type   model.QuestionType `json:"type" validate:"omitempty,oneof=essay short-answer multiple-choice"`
}

type questionsRequest struct {
	Questions []questionInput `json:"questions" validate:"required,min=1,max=500,dive"`
}

// handleSetQuestions replaces the exam's questions with a manually edited
// list, which is also the recovery path for failed extraction.
func (h *Handler) handleSetQuestions(w http.ResponseWriter, r *http.Request) {
	exam, err := h.ownedExam(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	var req questionsRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.badRequest(w, r, err.Error())
		return
	}
	questions := make([]model.Question, len(req.Questions))
	for i, q := range req.Questions {
		questions[i] = model.Question{Text: strings.TrimSpace(q.Text), Points: q.Points, Type: q.Type}
	}
	if err := h.store.ReplaceQuestions(exam.ID, questions); err != nil {
		h.handleError(w, r, err)
		return
	}
	updated, err := h.store.GetExam(exam.ID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	slog.Info("exam questions edited", "exam_id", exam.ID, "questions", len(questions))
	writeOK(w, http.StatusOK, map[string]any{"exam": updated})
}

func (h *Handler) handleDeleteExam(w http.ResponseWriter, r *http.Request) {
	exam, err := h.ownedExam(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if err := h.store.DeleteExam(exam.ID); err != nil {
		h.handleError(w, r, err)
		return
	}
	if exam.BlobKey != "" {
		if err := h.blobs.Delete(r.Context(), exam.BlobKey); err != nil {
			slog.Warn("failed to delete exam document", "exam_id", exam.ID, "key", exam.BlobKey, "error", err)
		}
	}
	slog.Info("exam deleted", "exam_id", exam.ID)
	writeOK(w, http.StatusOK, map[string]any{"message": appI18n.T(r.Context(), "MsgExamDeleted")})
}

func (h *Handler) handleDownloadExam(w http.ResponseWriter, r *http.Request) {
	exam, err := h.ownedExam(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.serveDocument(w, r, exam.BlobKey, exam.Filename, exam.Kind)
}

func (h *Handler) serveDocument(w http.ResponseWriter, r *http.Request, key, filename string, kind model.DocumentKind) {
	if key == "" {
		h.handleError(w, r, storage.ErrNotFound)
		return
	}
	data, err := h.blobs.Get(r.Context(), key)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", extract.ContentType(kind, filename))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	if _, err := w.Write(data); err != nil {
		slog.Warn("failed to write document", "key", key, "error", err)
	}
}

func (h *Handler) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	exam, err := h.ownedExam(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	subs, err := h.store.ListSubmissions(exam.ID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if subs == nil {
		subs = []model.Submission{}
	}
	writeOK(w, http.StatusOK, map[string]any{"exam_id": exam.ID, "submissions": subs})
}

func (h *Handler) handleReevaluateExam(w http.ResponseWriter, r *http.Request) {
	exam, err := h.ownedExam(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	res, err := h.grading.ReevaluateExam(r.Context(), exam.ID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{
		"result":  res,
		"message": appI18n.Tp(r.Context(), "SubmissionsReevaluated", res.Reevaluated),
	})
}

func (h *Handler) handleExportExam(w http.ResponseWriter, r *http.Request) {
	exam, err := h.ownedExam(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "xlsx" {
		h.badRequest(w, r, "format must be json or xlsx")
		return
	}

	exam, results, err := h.store.ExportExam(exam.ID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	exp := report.Build(exam, results, string(h.grading.PromptVariant()), time.Now())

	var buf bytes.Buffer
	filename := fmt.Sprintf("exam-%d-results.%s", exam.ID, format)
	contentType := "application/json"
	if format == "xlsx" {
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
		err = report.WriteXLSX(&buf, exp)
	} else {
		err = report.WriteJSON(&buf, exp)
	}
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	if _, err := buf.WriteTo(w); err != nil {
		slog.Warn("failed to write export", "exam_id", exam.ID, "error", err)
	}
}
