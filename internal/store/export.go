package store

import (
	"fmt"

	"github.com/pavelanni/smartgrader/internal/model"
)

// ExportExam builds export-ready student results for every submission of an exam.
func (s *Store) ExportExam(examID int64) (model.Exam, []model.StudentResult, error) {
	exam, err := s.GetExam(examID)
	if err != nil {
		return exam, nil, fmt.Errorf("get exam %d: %w", examID, err)
	}
	subs, err := s.ListSubmissions(examID)
	if err != nil {
		return exam, nil, fmt.Errorf("list submissions: %w", err)
	}

	questionsByIndex := make(map[int]model.Question, len(exam.Questions))
	for _, q := range exam.Questions {
		questionsByIndex[q.Index] = q
	}

	var results []model.StudentResult
	for _, sub := range subs {
		user, err := s.GetUserByID(sub.StudentID)
		if err != nil {
			return exam, nil, fmt.Errorf("get user %d: %w", sub.StudentID, err)
		}
		answers, err := s.ListAnswers(sub.ID)
		if err != nil {
			return exam, nil, fmt.Errorf("list answers of submission %d: %w", sub.ID, err)
		}

		var username, displayName string
		if user != nil {
			username = user.Username
			displayName = user.DisplayName
		}

		var questions []model.QuestionResult
		for _, a := range answers {
			q := questionsByIndex[a.Index]
			questions = append(questions, model.QuestionResult{
				Index:           a.Index,
				Text:            q.Text,
				Points:          q.Points,
				Answer:          a.Answer,
				Score:           a.Score,
				Feedback:        a.Feedback,
				Confidence:      a.Confidence,
				Method:          a.Method,
				OverrideScore:   a.OverrideScore,
				OverrideComment: a.OverrideComment,
			})
		}

		results = append(results, model.StudentResult{
			SubmissionID: sub.ID,
			Username:     username,
			DisplayName:  displayName,
			Status:       sub.Status,
			GradingPass:  sub.GradingPass,
			SubmittedAt:  sub.SubmittedAt,
			GradedAt:     sub.GradedAt,
			TotalScore:   sub.TotalScore,
			MaxScore:     sub.MaxScore,
			Questions:    questions,
		})
	}

	return exam, results, nil
}
