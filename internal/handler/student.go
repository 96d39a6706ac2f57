package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/pavelanni/smartgrader/internal/extract"
	appI18n "github.com/pavelanni/smartgrader/internal/i18n"
	"github.com/pavelanni/smartgrader/internal/model"
	"github.com/pavelanni/smartgrader/internal/storage"
	"github.com/pavelanni/smartgrader/internal/store"
)

var errExamNotOpen = errors.New("exam is not open for submissions")

func submissionKind(filename string) (model.DocumentKind, error) {
	if filename == "" {
		return "", storage.ErrNotFound
	}
	return extract.KindFromFilename(filename)
}

// openExam loads an exam that accepts submissions.
func (h *Handler) openExam(r *http.Request) (model.Exam, error) {
	id, err := int64Param(r, "examID")
	if err != nil {
		return model.Exam{}, store.ErrNotFound
	}
	exam, err := h.store.GetExam(id)
	if err != nil {
		return model.Exam{}, err
	}
	if exam.Status != model.ExamCompleted || len(exam.Questions) == 0 {
		return exam, errExamNotOpen
	}
	return exam, nil
}

func (h *Handler) handleStudentExams(w http.ResponseWriter, r *http.Request) {
	exams, err := h.store.ListOpenExams()
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if exams == nil {
		exams = []model.Exam{}
	}
	writeOK(w, http.StatusOK, map[string]any{"exams": exams})
}

func (h *Handler) handleStudentExam(w http.ResponseWriter, r *http.Request) {
	exam, err := h.openExam(r)
	if errors.Is(err, errExamNotOpen) {
		writeError(w, http.StatusNotFound, appI18n.T(r.Context(), "ErrExamNotOpen"))
		return
	}
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"exam": exam, "max_score": exam.MaxScore()})
}

type submitRequest struct {
	Answers []string `json:"answers" validate:"omitempty,max=500,dive,max=20000"`
	Text    string   `json:"text" validate:"max=200000"`
}

// handleSubmit accepts per-question answers, a combined answer text, or an
// answer document. Combined text is split into answers when grading starts.
func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	exam, err := h.openExam(r)
	if errors.Is(err, errExamNotOpen) {
		writeError(w, http.StatusConflict, appI18n.T(r.Context(), "ErrExamNotOpen"))
		return
	}
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	user := model.UserFromContext(r.Context())
	sub := model.Submission{ExamID: exam.ID, StudentID: user.ID}

	var req submitRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := h.decodeJSON(w, r, &req); err != nil {
			h.badRequest(w, r, err.Error())
			return
		}
	} else {
		if err := h.parseMultipart(w, r); err != nil {
			h.handleError(w, r, err)
			return
		}
		req.Text = r.FormValue("text")
		for _, q := range exam.Questions {
			req.Answers = append(req.Answers, r.FormValue(fmt.Sprintf("answer_%d", q.Index)))
		}
		if err := h.validateStruct(&req); err != nil {
			h.badRequest(w, r, err.Error())
			return
		}

		data, header, err := readUpload(r, "file")
		if err != nil {
			h.handleError(w, r, err)
			return
		}
		if data != nil {
			text, kind, err := h.processor.SubmissionText(r.Context(), header.Filename, data)
			if err != nil {
				h.handleError(w, r, err)
				return
			}
			key, err := h.storeDocument(r, "submissions", header.Filename, kind, data)
			if err != nil {
				h.handleError(w, r, err)
				return
			}
			sub.Filename, sub.BlobKey = header.Filename, key
			req.Text = strings.TrimSpace(req.Text + "\n" + text)
		}
	}

	answers := req.Answers
	if allBlank(answers) {
		answers = nil
	}
	sub.RawText = strings.TrimSpace(req.Text)
	if answers == nil && sub.RawText == "" {
		h.badRequest(w, r, "answers, text, or file required")
		return
	}

	id, err := h.store.CreateSubmission(sub, answers)
	if err != nil {
		if sub.BlobKey != "" {
			if derr := h.blobs.Delete(r.Context(), sub.BlobKey); derr != nil {
				slog.Warn("failed to delete rejected upload", "key", sub.BlobKey, "error", derr)
			}
		}
		h.handleError(w, r, err)
		return
	}
	slog.Info("submission received", "submission_id", id, "exam_id", exam.ID, "student_id", user.ID,
		"answers", len(answers), "raw_text", len(sub.RawText))

	status := model.StatusPending
	if h.config.AutoGrade {
		if err := h.grading.StartGrading(r.Context(), id); err != nil {
			slog.Warn("automatic grading not started", "submission_id", id, "error", err)
		} else {
			status = model.StatusGrading
		}
	}
	writeOK(w, http.StatusCreated, map[string]any{
		"submission_id": id,
		"status":        status,
		"status_url":    h.path(fmt.Sprintf("/api/student/submissions/%d/status", id)),
		"message":       appI18n.T(r.Context(), "MsgSubmitted"),
	})
}

func allBlank(answers []string) bool {
	for _, a := range answers {
		if strings.TrimSpace(a) != "" {
			return false
		}
	}
	return true
}

// ownSubmission loads a submission that belongs to the current student.
func (h *Handler) ownSubmission(r *http.Request) (model.Submission, error) {
	id, err := int64Param(r, "id")
	if err != nil {
		return model.Submission{}, store.ErrNotFound
	}
	sub, err := h.store.GetSubmission(id)
	if err != nil {
		return model.Submission{}, err
	}
	if sub.StudentID != model.UserFromContext(r.Context()).ID {
		return model.Submission{}, store.ErrNotFound
	}
	return sub, nil
}

func (h *Handler) handleStudentSubmissions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.store.ListStudentSubmissions(model.UserFromContext(r.Context()).ID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	views := make([]model.StatusView, 0, len(subs))
	for _, s := range subs {
		views = append(views, model.NewStatusView(s))
	}
	writeOK(w, http.StatusOK, map[string]any{"submissions": views})
}

// handleStudentSubmission shows a student their answers. Grades and
// feedback are only included once grading completed.
func (h *Handler) handleStudentSubmission(w http.ResponseWriter, r *http.Request) {
	sub, err := h.ownSubmission(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	detail, err := h.store.GetSubmissionDetail(sub.ID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	detail.History = nil
	if sub.Status != model.StatusCompleted {
		detail.Submission.TotalScore = nil
		for i := range detail.Answers {
			a := &detail.Answers[i]
			a.Score, a.Confidence, a.OverrideScore, a.GradedAt = nil, nil, nil, nil
			a.Feedback, a.OverrideComment, a.Method = "", "", ""
		}
	}
	writeOK(w, http.StatusOK, map[string]any{"detail": detail, "status": model.NewStatusView(sub)})
}

func (h *Handler) handleStudentSubmissionStatus(w http.ResponseWriter, r *http.Request) {
	sub, err := h.ownSubmission(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, model.NewStatusView(sub))
}
