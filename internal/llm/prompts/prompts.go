package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/smartgrader/internal/model"
)

//go:embed templates/*.txt
var templateFS embed.FS

var (
	studentAnswerRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
	examTextRegex           = regexp.MustCompile(`(?i)</?\s*exam-text\b[^>]*>`)
)

const (
	maxAnswerRunes = 10000
	maxExamRunes   = 60000
)

// PromptVariant represents a grading prompt variant.
type PromptVariant string

const (
	// PromptStrict is a strict grading variant for majors.
	PromptStrict PromptVariant = "strict"
	// PromptStandard is the default grading variant.
	PromptStandard PromptVariant = "standard"
	// PromptLenient is a lenient grading variant for electives.
	PromptLenient PromptVariant = "lenient"
)

var validVariants = map[PromptVariant]bool{
	PromptStrict:   true,
	PromptStandard: true,
	PromptLenient:  true,
}

var (
	loadOnce       sync.Once
	loadErr        error
	gradeTemplates map[PromptVariant]*template.Template
	extractTmpl    *template.Template
)

// IsValidVariant checks if a prompt variant name is valid.
func IsValidVariant(v string) bool {
	return validVariants[PromptVariant(v)]
}

// GradeData holds template data for grading prompts.
type GradeData struct {
	Subject      string
	Index        int
	QuestionText string
	Points       float64
	Type         model.QuestionType
}

// Load parses the embedded prompt templates once.
func Load() error {
	return LoadFS(templateFS)
}

// LoadFS parses templates/grade_<variant>.txt and
// templates/extract_questions.txt from fsys. Only the first call has any
// effect.
func LoadFS(fsys fs.FS) error {
	loadOnce.Do(func() {
		gradeTemplates = make(map[PromptVariant]*template.Template)
		for v := range validVariants {
			file := "templates/grade_" + string(v) + ".txt"
			content, err := fs.ReadFile(fsys, file)
			if err != nil {
				loadErr = fmt.Errorf("read prompt file %s: %w", file, err)
				return
			}
			tmpl, err := template.New("grade_" + string(v)).Option("missingkey=error").Parse(string(content))
			if err != nil {
				loadErr = fmt.Errorf("parse prompt template %s: %w", file, err)
				return
			}
			gradeTemplates[v] = tmpl
		}

		const file = "templates/extract_questions.txt"
		content, err := fs.ReadFile(fsys, file)
		if err != nil {
			loadErr = fmt.Errorf("read prompt file %s: %w", file, err)
			return
		}
		extractTmpl, loadErr = template.New("extract_questions").Option("missingkey=error").Parse(string(content))
		if loadErr != nil {
			loadErr = fmt.Errorf("parse prompt template %s: %w", file, loadErr)
		}
	})
	return loadErr
}

// BuildGradePrompt renders the system prompt for grading one question.
func BuildGradePrompt(variant PromptVariant, subject string, q model.Question) (string, error) {
	if err := Load(); err != nil {
		return "", fmt.Errorf("templates load failed: %w", err)
	}
	tmpl, ok := gradeTemplates[variant]
	if !ok {
		return "", errors.New("invalid prompt variant: " + string(variant))
	}

	data := GradeData{
		Subject:      subject,
		Index:        q.Index,
		QuestionText: q.Text,
		Points:       q.Points,
		Type:         q.Type,
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// BuildAnswerMessage wraps a sanitised answer for the user message.
func BuildAnswerMessage(answer string) string {
	return "<student-answer>\n" + SanitizeAnswer(answer) + "\n</student-answer>"
}

// SanitizeAnswer strips prompt delimiter tags and caps the answer length.
func SanitizeAnswer(answer string) string {
	answer = studentAnswerRegex.ReplaceAllString(answer, "")
	answer = systemInstructionsRegex.ReplaceAllString(answer, "")
	answer = strings.TrimSpace(answer)

	if answer == "" {
		return "[No answer provided]"
	}

	if utf8.RuneCountInString(answer) > maxAnswerRunes {
		runes := []rune(answer)
		runes = runes[:maxAnswerRunes]
		answer = string(runes) + "\n\n[Answer truncated due to length]"
	}

	return answer
}

// BuildExtractPrompt renders the system prompt for question extraction.
func BuildExtractPrompt(defaultPoints float64) (string, error) {
	if err := Load(); err != nil {
		return "", fmt.Errorf("templates load failed: %w", err)
	}
	var buf bytes.Buffer
	if err := extractTmpl.Execute(&buf, struct{ DefaultPoints float64 }{defaultPoints}); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// BuildExamMessage wraps exam text for the extraction user message. Long
// documents are cut to keep the request bounded.
func BuildExamMessage(text string) string {
	text = strings.TrimSpace(examTextRegex.ReplaceAllString(text, ""))
	if utf8.RuneCountInString(text) > maxExamRunes {
		text = string([]rune(text)[:maxExamRunes])
	}
	return "<exam-text>\n" + text + "\n</exam-text>"
}
