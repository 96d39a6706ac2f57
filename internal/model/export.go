package model

import "time"

// ExamExport is the top-level structure for exam result export.
type ExamExport struct {
	ExamID        int64           `json:"exam_id"`
	Title         string          `json:"title"`
	Subject       string          `json:"subject"`
	ExportedAt    time.Time       `json:"exported_at"`
	PromptVariant string          `json:"prompt_variant"`
	NumQuestions  int             `json:"num_questions"`
	MaxScore      float64         `json:"max_score"`
	Results       []StudentResult `json:"results"`
}

// StudentResult holds one student's submission for export.
type StudentResult struct {
	SubmissionID int64            `json:"submission_id"`
	Username     string           `json:"username"`
	DisplayName  string           `json:"display_name"`
	Status       SubmissionStatus `json:"status"`
	GradingPass  int              `json:"grading_pass"`
	SubmittedAt  time.Time        `json:"submitted_at"`
	GradedAt     *time.Time       `json:"graded_at,omitempty"`
	TotalScore   *float64         `json:"total_score"`
	MaxScore     float64          `json:"max_score"`
	Questions    []QuestionResult `json:"questions"`
}

// QuestionResult holds per-question data for export.
type QuestionResult struct {
	Index           int           `json:"index"`
	Text            string        `json:"text"`
	Points          float64       `json:"points"`
	Answer          string        `json:"answer"`
	Score           *float64      `json:"score"`
	Feedback        string        `json:"feedback"`
	Confidence      *float64      `json:"confidence"`
	Method          GradingMethod `json:"method"`
	OverrideScore   *float64      `json:"override_score,omitempty"`
	OverrideComment string        `json:"override_comment,omitempty"`
}
