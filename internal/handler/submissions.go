package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	appI18n "github.com/pavelanni/smartgrader/internal/i18n"
	"github.com/pavelanni/smartgrader/internal/model"
	"github.com/pavelanni/smartgrader/internal/store"
)

// managedSubmission loads a submission whose exam the current user manages.
func (h *Handler) managedSubmission(r *http.Request) (model.Submission, error) {
	id, err := int64Param(r, "id")
	if err != nil {
		return model.Submission{}, store.ErrNotFound
	}
	sub, err := h.store.GetSubmission(id)
	if err != nil {
		return model.Submission{}, err
	}
	user := model.UserFromContext(r.Context())
	if user.Role == model.UserRoleModerator {
		return sub, nil
	}
	exam, err := h.store.GetExam(sub.ExamID)
	if err != nil {
		return model.Submission{}, err
	}
	if exam.OwnerID != user.ID {
		return model.Submission{}, store.ErrNotFound
	}
	return sub, nil
}

func (h *Handler) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	sub, err := h.managedSubmission(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	detail, err := h.store.GetSubmissionDetail(sub.ID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	student, err := h.store.GetUserByID(sub.StudentID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"detail": detail, "student": student})
}

func (h *Handler) handleSubmissionStatus(w http.ResponseWriter, r *http.Request) {
	sub, err := h.managedSubmission(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, model.NewStatusView(sub))
}

func (h *Handler) handleDownloadSubmission(w http.ResponseWriter, r *http.Request) {
	sub, err := h.managedSubmission(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	kind, err := submissionKind(sub.Filename)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.serveDocument(w, r, sub.BlobKey, sub.Filename, kind)
}

func (h *Handler) handleGradeSubmission(w http.ResponseWriter, r *http.Request) {
	sub, err := h.managedSubmission(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if err := h.grading.StartGrading(r.Context(), sub.ID); err != nil {
		h.handleError(w, r, err)
		return
	}
	writeOK(w, http.StatusAccepted, map[string]any{
		"submission_id": sub.ID,
		"status":        model.StatusGrading,
		"message":       appI18n.T(r.Context(), "MsgGradingStarted"),
	})
}

func (h *Handler) handleReevaluateSubmission(w http.ResponseWriter, r *http.Request) {
	sub, err := h.managedSubmission(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if err := h.grading.StartReevaluation(r.Context(), sub.ID); err != nil {
		h.handleError(w, r, err)
		return
	}
	writeOK(w, http.StatusAccepted, map[string]any{
		"submission_id": sub.ID,
		"status":        model.StatusGrading,
		"message":       appI18n.T(r.Context(), "MsgReevaluationStarted"),
	})
}

func (h *Handler) handleDeleteSubmission(w http.ResponseWriter, r *http.Request) {
	sub, err := h.managedSubmission(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if err := h.store.DeleteSubmission(sub.ID); err != nil {
		h.handleError(w, r, err)
		return
	}
	if sub.BlobKey != "" {
		if err := h.blobs.Delete(r.Context(), sub.BlobKey); err != nil {
			slog.Warn("failed to delete submission document", "submission_id", sub.ID, "error", err)
		}
	}
	slog.Info("submission deleted", "submission_id", sub.ID, "exam_id", sub.ExamID)
	writeOK(w, http.StatusOK, map[string]any{"message": appI18n.T(r.Context(), "MsgSubmissionDeleted")})
}

type answersRequest struct {
	Answers []string `json:"answers" validate:"required,min=1,dive,max=20000"`
}

// handleSetAnswers stores manually split answers, typically for a
// submission whose document could not be matched to questions.
func (h *Handler) handleSetAnswers(w http.ResponseWriter, r *http.Request) {
	sub, err := h.managedSubmission(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	var req answersRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.badRequest(w, r, err.Error())
		return
	}
	if err := h.grading.ReplaceAnswers(r.Context(), sub.ID, req.Answers); err != nil {
		h.handleError(w, r, err)
		return
	}
	detail, err := h.store.GetSubmissionDetail(sub.ID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"detail": detail})
}

type overrideRequest struct {
	Score   *float64 `json:"score" validate:"required"`
	Comment string   `json:"comment" validate:"max=2000"`
}

func (h *Handler) handleOverrideScore(w http.ResponseWriter, r *http.Request) {
	sub, err := h.managedSubmission(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 1 {
		h.badRequest(w, r, "invalid question index")
		return
	}
	var req overrideRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.badRequest(w, r, err.Error())
		return
	}
	total, err := h.grading.OverrideScore(r.Context(), sub.ID, index, *req.Score, req.Comment)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{
		"submission_id": sub.ID,
		"index":         index,
		"score":         *req.Score,
		"total_score":   total,
		"message":       appI18n.T(r.Context(), "MsgScoreOverridden"),
	})
}

type regradeRequest struct {
	Indexes []int `json:"indexes" validate:"required,min=1,max=500,dive,min=1"`
}

// handleRegradeAnswers grades chosen answers again, either the one named in
// the URL or the indexes listed in the body.
func (h *Handler) handleRegradeAnswers(w http.ResponseWriter, r *http.Request) {
	sub, err := h.managedSubmission(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	var req regradeRequest
	if param := chi.URLParam(r, "index"); param != "" {
		index, err := strconv.Atoi(param)
		if err != nil || index < 1 {
			h.badRequest(w, r, "invalid question index")
			return
		}
		req.Indexes = []int{index}
	} else if err := h.decodeJSON(w, r, &req); err != nil {
		h.badRequest(w, r, err.Error())
		return
	}

	res, err := h.grading.RegradeAnswers(r.Context(), sub.ID, req.Indexes)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{
		"submission_id": sub.ID,
		"answers":       res.Answers,
		"total_score":   res.TotalScore,
		"message":       appI18n.T(r.Context(), "MsgAnswersRegraded"),
	})
}
