package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/smartgrader/internal/extract"
	"github.com/pavelanni/smartgrader/internal/llm"
	"github.com/pavelanni/smartgrader/internal/model"
	"github.com/pavelanni/smartgrader/internal/storage"
	"github.com/pavelanni/smartgrader/internal/store"
)

func newTestProcessor(t *testing.T) (*Processor, *store.Store, storage.BlobStore, int64) {
	t.Helper()
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	blobs, err := storage.NewFS(t.TempDir())
	require.NoError(t, err)
	owner, err := st.CreateUser(model.User{Username: "ines", PasswordHash: "x", Role: model.UserRoleInstructor, Active: true})
	require.NoError(t, err)
	return NewProcessor(st, blobs, extract.New(extract.Config{}), nil, 10), st, blobs, owner
}

func uploadExam(t *testing.T, st *store.Store, blobs storage.BlobStore, owner int64, content string) int64 {
	t.Helper()
	key := storage.NewKey("exams", "quiz.txt")
	require.NoError(t, blobs.Put(context.Background(), key, bytes.NewReader([]byte(content)), int64(len(content)), "text/plain"))
	id, err := st.CreateExam(model.Exam{
		OwnerID: owner, Title: "Quiz", Subject: "Physics", Filename: "quiz.txt", BlobKey: key, Kind: model.KindText,
	})
	require.NoError(t, err)
	return id
}

func TestProcess(t *testing.T) {
	p, st, blobs, owner := newTestProcessor(t)
	id := uploadExam(t, st, blobs, owner, "Physics quiz\n\n1. What is inertia? (4 points)\n2. Define momentum.\n3. State Ohm's law.\n")

	exam, err := p.Process(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.ExamCompleted, exam.Status)
	require.Len(t, exam.Questions, 3)
	assert.Equal(t, "What is inertia?", exam.Questions[0].Text)
	assert.Equal(t, 4.0, exam.Questions[0].Points)
	assert.Equal(t, 10.0, exam.Questions[1].Points)
	assert.Equal(t, 24.0, exam.MaxScore())
}

func TestProcessUsesDefaultPointsSetting(t *testing.T) {
	p, st, blobs, owner := newTestProcessor(t)
	require.NoError(t, st.SetSetting(store.SettingDefaultPoints, "2.5"))
	id := uploadExam(t, st, blobs, owner, "1. One?\n2. Two?")

	exam, err := p.Process(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 5.0, exam.MaxScore())
}

func TestProcessEmptyDocument(t *testing.T) {
	p, st, blobs, owner := newTestProcessor(t)
	id := uploadExam(t, st, blobs, owner, "  \n\n  ")

	_, err := p.Process(context.Background(), id)
	require.Error(t, err)
	assert.True(t, errors.Is(err, extract.ErrExtraction))

	exam, err := st.GetExam(id)
	require.NoError(t, err)
	assert.Equal(t, model.ExamFailed, exam.Status)
	assert.Equal(t, "no text found", exam.FailureReason)
	assert.Empty(t, exam.Questions)
}

func TestProcessRejectsExamWithSubmissions(t *testing.T) {
	p, st, blobs, owner := newTestProcessor(t)
	id := uploadExam(t, st, blobs, owner, "1. One?\n2. Two?")
	_, err := p.Process(context.Background(), id)
	require.NoError(t, err)

	student, err := st.CreateUser(model.User{Username: "s", PasswordHash: "x", Role: model.UserRoleStudent, Active: true})
	require.NoError(t, err)
	_, err = st.CreateSubmission(model.Submission{ExamID: id, StudentID: student}, []string{"a", "b"})
	require.NoError(t, err)

	_, err = p.Process(context.Background(), id)
	assert.ErrorIs(t, err, store.ErrExamInUse)
}

func TestSubmissionText(t *testing.T) {
	p, _, _, _ := newTestProcessor(t)

	text, kind, err := p.SubmissionText(context.Background(), "answers.txt", []byte("Answer 1: yes\n\nAnswer 2: no\n"))
	require.NoError(t, err)
	assert.Equal(t, model.KindText, kind)
	assert.Equal(t, "Answer 1: yes\nAnswer 2: no", text)

	_, _, err = p.SubmissionText(context.Background(), "answers.docx", []byte("x"))
	assert.ErrorIs(t, err, extract.ErrExtraction)
}

type replyFunc func(ctx context.Context, system, user string) (llm.Reply, error)

func (f replyFunc) Complete(ctx context.Context, system, user string) (llm.Reply, error) {
	return f(ctx, system, user)
}

func TestProcessWithModel(t *testing.T) {
	const doc = "Physics quiz\n\n1. What is inertia? (4 points)\n2. Define momentum.\n"

	tests := []struct {
		name      string
		reply     replyFunc
		wantTexts []string
		wantMax   float64
	}{
		{
			name: "model questions",
			reply: func(_ context.Context, system, user string) (llm.Reply, error) {
				if !strings.Contains(user, "What is inertia?") || !strings.Contains(system, "use 10.") {
					return llm.Reply{}, errors.New("unexpected prompt")
				}
				return llm.Reply{Content: `{"questions": [
					{"number": 1, "text": "What is inertia?", "points": 4},
					{"number": 2, "text": "Define momentum.", "max_points": 6},
					{"number": 3, "text": "  "}
				]}`}, nil
			},
			wantTexts: []string{"What is inertia?", "Define momentum."},
			wantMax:   10,
		},
		{
			name: "api error falls back to splitting",
			reply: func(context.Context, string, string) (llm.Reply, error) {
				return llm.Reply{}, fmt.Errorf("%w: 503", llm.ErrAPI)
			},
			wantTexts: []string{"What is inertia?", "Define momentum."},
			wantMax:   14,
		},
		{
			name: "empty list falls back to splitting",
			reply: func(context.Context, string, string) (llm.Reply, error) {
				return llm.Reply{Content: `{"questions": []}`}, nil
			},
			wantTexts: []string{"What is inertia?", "Define momentum."},
			wantMax:   14,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, st, blobs, owner := newTestProcessor(t)
			p.WithModel(tt.reply)
			id := uploadExam(t, st, blobs, owner, doc)

			exam, err := p.Process(context.Background(), id)
			require.NoError(t, err)
			var texts []string
			for i, q := range exam.Questions {
				assert.Equal(t, i+1, q.Index)
				texts = append(texts, q.Text)
			}
			assert.Equal(t, tt.wantTexts, texts)
			assert.Equal(t, tt.wantMax, exam.MaxScore())
		})
	}
}
