// Package report renders exam results as JSON or XLSX.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/pavelanni/smartgrader/internal/model"
)

// Build assembles the export document for an exam.
func Build(exam model.Exam, results []model.StudentResult, promptVariant string, now time.Time) model.ExamExport {
	if results == nil {
		results = []model.StudentResult{}
	}
	return model.ExamExport{
		ExamID:        exam.ID,
		Title:         exam.Title,
		Subject:       exam.Subject,
		ExportedAt:    now.UTC(),
		PromptVariant: promptVariant,
		NumQuestions:  len(exam.Questions),
		MaxScore:      exam.MaxScore(),
		Results:       results,
	}
}

// WriteJSON writes the export as indented JSON.
func WriteJSON(w io.Writer, exp model.ExamExport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(exp)
}

const (
	summarySheet = "Summary"
	answersSheet = "Answers"
	timeLayout   = "2006-01-02 15:04:05"
)

// WriteXLSX writes a workbook with a per-student summary sheet and a
// per-answer detail sheet.
func WriteXLSX(w io.Writer, exp model.ExamExport) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if _, err := f.NewSheet(answersSheet); err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}

	if err := writeSummary(f, exp); err != nil {
		return err
	}
	if err := writeAnswers(f, exp); err != nil {
		return err
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeSummary(f *excelize.File, exp model.ExamExport) error {
	header := []any{"Submission", "Username", "Name", "Status", "Pass", "Submitted", "Graded", "Total", "Max"}
	for i := 1; i <= exp.NumQuestions; i++ {
		header = append(header, fmt.Sprintf("Q%d", i))
	}
	if err := f.SetSheetRow(summarySheet, "A1", &header); err != nil {
		return err
	}

	for i, r := range exp.Results {
		row := []any{
			r.SubmissionID, r.Username, r.DisplayName, string(r.Status), r.GradingPass,
			r.SubmittedAt.Format(timeLayout), formatTime(r.GradedAt), optional(r.TotalScore), r.MaxScore,
		}
		for _, q := range r.Questions {
			row = append(row, effectiveScore(q))
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(summarySheet, cell, &row); err != nil {
			return err
		}
	}
	return nil
}

func writeAnswers(f *excelize.File, exp model.ExamExport) error {
	header := []any{"Submission", "Username", "Question", "Points", "Answer", "Score", "Method",
		"Confidence", "Feedback", "Override", "Override comment"}
	if err := f.SetSheetRow(answersSheet, "A1", &header); err != nil {
		return err
	}

	row := 2
	for _, r := range exp.Results {
		for _, q := range r.Questions {
			values := []any{
				r.SubmissionID, r.Username, q.Index, q.Points, q.Answer, optional(q.Score),
				string(q.Method), optional(q.Confidence), q.Feedback, optional(q.OverrideScore), q.OverrideComment,
			}
			cell, err := excelize.CoordinatesToCellName(1, row)
			if err != nil {
				return err
			}
			if err := f.SetSheetRow(answersSheet, cell, &values); err != nil {
				return err
			}
			row++
		}
	}
	return nil
}

func effectiveScore(q model.QuestionResult) any {
	if q.OverrideScore != nil {
		return *q.OverrideScore
	}
	return optional(q.Score)
}

func optional(v *float64) any {
	if v == nil {
		return ""
	}
	return *v
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(timeLayout)
}
