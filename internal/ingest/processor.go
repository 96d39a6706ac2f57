package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pavelanni/smartgrader/internal/events"
	"github.com/pavelanni/smartgrader/internal/extract"
	"github.com/pavelanni/smartgrader/internal/model"
	"github.com/pavelanni/smartgrader/internal/storage"
	"github.com/pavelanni/smartgrader/internal/store"
)

// Processor turns stored exam documents into questions.
type Processor struct {
	store         *store.Store
	blobs         storage.BlobStore
	extractor     *extract.Extractor
	questionModel Completer
	events        events.Publisher
	defaultPoints float64
}

// NewProcessor creates a Processor. defaultPoints applies to questions
// without inline points unless the default_points setting overrides it.
func NewProcessor(st *store.Store, blobs storage.BlobStore, x *extract.Extractor, pub events.Publisher, defaultPoints float64) *Processor {
	if pub == nil {
		pub = events.Nop{}
	}
	if defaultPoints <= 0 {
		defaultPoints = 10
	}
	return &Processor{store: st, blobs: blobs, extractor: x, events: pub, defaultPoints: defaultPoints}
}

// WithModel makes the processor ask c for the questions first. The regular
// expression splitter is used when the model fails or finds nothing.
func (p *Processor) WithModel(c Completer) *Processor {
	p.questionModel = c
	return p
}

// DefaultPoints returns the points given to questions without inline points.
func (p *Processor) DefaultPoints() float64 {
	return p.store.FloatSetting(store.SettingDefaultPoints, p.defaultPoints)
}

// Process extracts the exam's document and replaces its questions. On an
// extraction failure the exam is marked failed with the reason and the
// error wraps extract.ErrExtraction so callers can offer manual entry.
func (p *Processor) Process(ctx context.Context, examID int64) (model.Exam, error) {
	exam, err := p.store.GetExam(examID)
	if err != nil {
		return model.Exam{}, err
	}
	n, err := p.store.CountSubmissions(examID)
	if err != nil {
		return model.Exam{}, err
	}
	if n > 0 {
		return model.Exam{}, store.ErrExamInUse
	}
	if exam.BlobKey == "" {
		return model.Exam{}, &extract.ExtractionError{Kind: exam.Kind, Reason: "exam has no document"}
	}

	if err := p.store.UpdateExamStatus(examID, model.ExamProcessing, ""); err != nil {
		return model.Exam{}, err
	}

	questions, err := p.questions(ctx, exam)
	if err != nil {
		reason := err.Error()
		var xerr *extract.ExtractionError
		if errors.As(err, &xerr) {
			reason = xerr.Reason
		}
		if uerr := p.store.UpdateExamStatus(examID, model.ExamFailed, reason); uerr != nil {
			slog.Error("failed to record exam failure", "exam_id", examID, "error", uerr)
		}
		slog.Warn("question extraction failed", "exam_id", examID, "error", err)
		return model.Exam{}, err
	}

	if err := p.store.ReplaceQuestions(examID, questions); err != nil {
		return model.Exam{}, fmt.Errorf("store questions: %w", err)
	}
	exam, err = p.store.GetExam(examID)
	if err != nil {
		return model.Exam{}, err
	}
	slog.Info("exam processed", "exam_id", examID, "questions", len(exam.Questions), "max_score", exam.MaxScore())

	if err := p.events.Publish(ctx, events.Event{
		Type: events.ExamProcessed, ExamID: examID, Status: string(exam.Status), MaxScore: exam.MaxScore(),
	}); err != nil {
		slog.Warn("event not published", "type", events.ExamProcessed, "error", err)
	}
	return exam, nil
}

func (p *Processor) questions(ctx context.Context, exam model.Exam) ([]model.Question, error) {
	data, err := p.blobs.Get(ctx, exam.BlobKey)
	if err != nil {
		return nil, fmt.Errorf("load exam document: %w", err)
	}
	text, err := p.extractor.Text(ctx, exam.Kind, data)
	if err != nil {
		return nil, err
	}
	points := p.DefaultPoints()
	if p.questionModel != nil {
		questions, err := ModelQuestions(ctx, p.questionModel, text, points)
		if err == nil {
			slog.Info("questions extracted by model", "exam_id", exam.ID, "questions", len(questions))
			return questions, nil
		}
		slog.Warn("model question extraction failed, splitting text instead", "exam_id", exam.ID, "error", err)
	}
	return ExtractQuestions(text, points)
}

// SubmissionText extracts the text of an uploaded answer document.
func (p *Processor) SubmissionText(ctx context.Context, filename string, data []byte) (string, model.DocumentKind, error) {
	kind, err := extract.KindFromFilename(filename)
	if err != nil {
		return "", "", err
	}
	text, err := p.extractor.Text(ctx, kind, data)
	if err != nil {
		return "", kind, err
	}
	return text, kind, nil
}
