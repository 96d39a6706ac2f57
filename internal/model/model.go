package model

import (
	"context"
	"time"
)

// UserRole represents a user's access level.
type UserRole string

const (
	// UserRoleStudent submits answers.
	UserRoleStudent UserRole = "student"
	// UserRoleInstructor uploads exams and reviews grading.
	UserRoleInstructor UserRole = "instructor"
	// UserRoleModerator manages users and settings.
	UserRoleModerator UserRole = "moderator"
)

// IsValid reports whether r is a known role.
func (r UserRole) IsValid() bool {
	switch r {
	case UserRoleStudent, UserRoleInstructor, UserRoleModerator:
		return true
	}
	return false
}

// User represents a system user.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	Language     string    `json:"language,omitempty"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

type csrfCtxKey struct{}

// ContextWithCSRFToken stores the CSRF token in context.
func ContextWithCSRFToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, csrfCtxKey{}, token)
}

// CSRFTokenFromContext retrieves the CSRF token from context.
func CSRFTokenFromContext(ctx context.Context) string {
	t, _ := ctx.Value(csrfCtxKey{}).(string)
	return t
}

// DocumentKind is the format of an uploaded document.
type DocumentKind string

const (
	KindText  DocumentKind = "text"
	KindPDF   DocumentKind = "pdf"
	KindImage DocumentKind = "image"
)

// ExamStatus tracks question extraction for an uploaded exam.
type ExamStatus string

const (
	ExamPending    ExamStatus = "pending"
	ExamProcessing ExamStatus = "processing"
	ExamCompleted  ExamStatus = "completed"
	ExamFailed     ExamStatus = "failed"
)

// QuestionType is an optional hint about the expected answer form.
type QuestionType string

const (
	QuestionEssay          QuestionType = "essay"
	QuestionShortAnswer    QuestionType = "short-answer"
	QuestionMultipleChoice QuestionType = "multiple-choice"
)

// Exam is an uploaded exam document and its extracted questions.
type Exam struct {
	ID            int64        `json:"id"`
	OwnerID       int64        `json:"owner_id"`
	Title         string       `json:"title"`
	Subject       string       `json:"subject"`
	Description   string       `json:"description,omitempty"`
	Filename      string       `json:"filename,omitempty"`
	BlobKey       string       `json:"-"`
	Kind          DocumentKind `json:"kind,omitempty"`
	Status        ExamStatus   `json:"status"`
	FailureReason string       `json:"failure_reason,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	ProcessedAt   *time.Time   `json:"processed_at,omitempty"`
	Questions     []Question   `json:"questions,omitempty"`
}

// MaxScore returns the sum of question points.
func (e Exam) MaxScore() float64 {
	var total float64
	for _, q := range e.Questions {
		total += q.Points
	}
	return total
}

// Question is one numbered item of an exam. Index is 1-based and defines
// the positional mapping used when matching combined answer documents.
type Question struct {
	ID     int64        `json:"id"`
	ExamID int64        `json:"exam_id"`
	Index  int          `json:"index"`
	Text   string       `json:"text"`
	Points float64      `json:"points"`
	Type   QuestionType `json:"type,omitempty"`
}

// SubmissionStatus is the grading lifecycle state of a submission.
type SubmissionStatus string

const (
	StatusPending   SubmissionStatus = "pending"
	StatusGrading   SubmissionStatus = "grading"
	StatusCompleted SubmissionStatus = "completed"
	StatusFailed    SubmissionStatus = "failed"
)

// Terminal reports whether no grading pass is active or queued.
func (s SubmissionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether the lifecycle allows moving from one status
// to another. Terminal states are left only when a new grading pass starts.
func CanTransition(from, to SubmissionStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusGrading
	case StatusGrading:
		return to == StatusCompleted || to == StatusFailed
	case StatusCompleted, StatusFailed:
		return to == StatusPending
	}
	return false
}

// GradingMethod records how a score was produced.
type GradingMethod string

const (
	MethodAPI      GradingMethod = "api"
	MethodFallback GradingMethod = "fallback"
	MethodEmpty    GradingMethod = "empty"
)

// Submission is one student's answers to one exam. TotalScore is nil until
// a grading pass has finished.
type Submission struct {
	ID            int64            `json:"id"`
	ExamID        int64            `json:"exam_id"`
	StudentID     int64            `json:"student_id"`
	Status        SubmissionStatus `json:"status"`
	RawText       string           `json:"raw_text,omitempty"`
	Filename      string           `json:"filename,omitempty"`
	BlobKey       string           `json:"-"`
	TotalScore    *float64         `json:"total_score"`
	MaxScore      float64          `json:"max_score"`
	GradingPass   int              `json:"grading_pass"`
	FailureReason string           `json:"failure_reason,omitempty"`
	SubmittedAt   time.Time        `json:"submitted_at"`
	GradedAt      *time.Time       `json:"graded_at,omitempty"`
}

// QuestionAnswer is the answer to one question within a submission along
// with its grading result. Score and Confidence are nil until graded.
type QuestionAnswer struct {
	ID              int64         `json:"id"`
	SubmissionID    int64         `json:"submission_id"`
	QuestionID      int64         `json:"question_id"`
	Index           int           `json:"index"`
	Answer          string        `json:"answer"`
	Score           *float64      `json:"score"`
	Feedback        string        `json:"feedback,omitempty"`
	Confidence      *float64      `json:"confidence"`
	Method          GradingMethod `json:"method,omitempty"`
	GradedAt        *time.Time    `json:"graded_at,omitempty"`
	OverrideScore   *float64      `json:"override_score,omitempty"`
	OverrideComment string        `json:"override_comment,omitempty"`
}

// EffectiveScore returns the instructor override when set, otherwise the
// graded score, otherwise zero.
func (a QuestionAnswer) EffectiveScore() float64 {
	if a.OverrideScore != nil {
		return *a.OverrideScore
	}
	if a.Score != nil {
		return *a.Score
	}
	return 0
}

// GradingRecord is an archived per-question result from an earlier pass.
type GradingRecord struct {
	ID            int64         `json:"id"`
	SubmissionID  int64         `json:"submission_id"`
	Pass          int           `json:"pass"`
	Index         int           `json:"index"`
	Score         *float64      `json:"score"`
	Feedback      string        `json:"feedback,omitempty"`
	Confidence    *float64      `json:"confidence"`
	Method        GradingMethod `json:"method,omitempty"`
	OverrideScore *float64      `json:"override_score,omitempty"`
	ArchivedAt    time.Time     `json:"archived_at"`
}

// SubmissionDetail combines a submission with its exam questions and answers.
type SubmissionDetail struct {
	Submission Submission       `json:"submission"`
	Exam       Exam             `json:"exam"`
	Answers    []QuestionAnswer `json:"answers"`
	History    []GradingRecord  `json:"history,omitempty"`
}

// StatusView is the polling response for a submission's grading state.
// Scores are only reported once grading completed.
type StatusView struct {
	Success       bool             `json:"success"`
	SubmissionID  int64            `json:"submission_id"`
	Status        SubmissionStatus `json:"status"`
	IsGraded      bool             `json:"is_graded"`
	TotalScore    *float64         `json:"total_score"`
	MaxScore      *float64         `json:"max_score"`
	GradedAt      *time.Time       `json:"graded_at"`
	GradingPass   int              `json:"grading_pass"`
	FailureReason string           `json:"failure_reason,omitempty"`
}

// Total returns the total score, or zero before the first pass finished.
func (s Submission) Total() float64 {
	if s.TotalScore == nil {
		return 0
	}
	return *s.TotalScore
}

// NewStatusView builds the polling response for s.
func NewStatusView(s Submission) StatusView {
	v := StatusView{
		Success:       true,
		SubmissionID:  s.ID,
		Status:        s.Status,
		IsGraded:      s.Status == StatusCompleted,
		GradingPass:   s.GradingPass,
		FailureReason: s.FailureReason,
	}
	if v.IsGraded {
		total, maxScore := s.Total(), s.MaxScore
		v.TotalScore = &total
		v.MaxScore = &maxScore
		v.GradedAt = s.GradedAt
	}
	return v
}

// ServerConfig holds runtime HTTP parameters set via CLI flags.
type ServerConfig struct {
	BasePath       string // URL prefix for sub-path deployments
	SecureCookies  bool   // Set Secure flag on cookies (disable for local dev)
	MaxUploadBytes int64
	DefaultPoints  float64
	AutoGrade      bool // Start grading as soon as a student submits
	AllowedOrigins []string
	Language       string // Default UI language
}
