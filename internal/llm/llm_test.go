package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestParseGrade(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		reasoning string
		points    float64
		want      Result
	}{
		{
			name:    "plain json",
			content: `{"score": 7.5, "feedback": "Good work", "confidence": 0.8}`,
			points:  10,
			want:    Parsed{Score: 7.5, Feedback: "Good work", Confidence: 0.8},
		},
		{
			name:    "json in prose",
			content: "Here is my assessment:\n{\"score\": 4, \"feedback\": \"ok\", \"confidence\": 0.9}\nThanks.",
			points:  5,
			want:    Parsed{Score: 4, Feedback: "ok", Confidence: 0.9},
		},
		{
			name:    "code fence",
			content: "```json\n{\"score\": \"3\", \"feedback\": \"fine\", \"confidence\": \"0.5\"}\n```",
			points:  5,
			want:    Parsed{Score: 3, Feedback: "fine", Confidence: 0.5},
		},
		{
			name:    "fractional score scaled",
			content: `{"score": "4/5", "feedback": "", "confidence": 1}`,
			points:  10,
			want:    Parsed{Score: 8, Confidence: 1},
		},
		{
			name:      "reasoning fallback",
			content:   "   ",
			reasoning: `thinking... {"score": 2, "feedback": "partial", "confidence": 0.6}`,
			points:    5,
			want:      Parsed{Score: 2, Feedback: "partial", Confidence: 0.6},
		},
		{
			name:    "not json",
			content: "The student did well, 8 out of 10.",
			points:  10,
			want:    Unparseable{Reason: "no JSON object in reply"},
		},
		{
			name:    "missing confidence",
			content: `{"score": 5, "feedback": "x"}`,
			points:  10,
			want:    Unparseable{Reason: "missing confidence"},
		},
		{
			name:    "null confidence",
			content: `{"score": 5, "feedback": "x", "confidence": null}`,
			points:  10,
			want:    Unparseable{Reason: "missing confidence"},
		},
		{
			name:    "missing score",
			content: `{"feedback": "x", "confidence": 0.5}`,
			points:  10,
			want:    Unparseable{Reason: "missing score"},
		},
		{
			name:    "score above points",
			content: `{"score": 12, "feedback": "x", "confidence": 0.5}`,
			points:  10,
			want:    Unparseable{Reason: "score 12 outside [0, 10]"},
		},
		{
			name:    "negative score",
			content: `{"score": -1, "feedback": "x", "confidence": 0.5}`,
			points:  10,
			want:    Unparseable{Reason: "score -1 outside [0, 10]"},
		},
		{
			name:    "confidence above one",
			content: `{"score": 1, "feedback": "x", "confidence": 85}`,
			points:  10,
			want:    Unparseable{Reason: "confidence 85 outside [0, 1]"},
		},
		{
			name:    "NaN score",
			content: `{"score": "NaN", "feedback": "x", "confidence": 0.9}`,
			points:  10,
			want:    Unparseable{Reason: `score: not a number: "NaN"`},
		},
		{
			name:    "infinite score",
			content: `{"score": "+Inf", "feedback": "x", "confidence": 0.9}`,
			points:  10,
			want:    Unparseable{Reason: `score: not a number: "+Inf"`},
		},
		{
			name:    "NaN fraction",
			content: `{"score": "NaN/5", "feedback": "x", "confidence": 0.9}`,
			points:  10,
			want:    Unparseable{Reason: `invalid fractional score "NaN/5"`},
		},
		{
			name:    "NaN confidence",
			content: `{"score": 3, "feedback": "x", "confidence": "NaN"}`,
			points:  10,
			want:    Unparseable{Reason: `confidence: not a number: "NaN"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseGrade(tt.content, tt.reasoning, tt.points)
			switch want := tt.want.(type) {
			case Parsed:
				p, ok := got.(Parsed)
				if !ok {
					t.Fatalf("expected Parsed, got %#v", got)
				}
				if p != want {
					t.Errorf("ParseGrade() = %+v, want %+v", p, want)
				}
			case Unparseable:
				u, ok := got.(Unparseable)
				if !ok {
					t.Fatalf("expected Unparseable, got %#v", got)
				}
				if u.Reason != want.Reason {
					t.Errorf("reason = %q, want %q", u.Reason, want.Reason)
				}
			}
		})
	}
}

func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func chatResponse(content, reasoning string) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "deepseek-chat",
		"choices": []map[string]any{{
			"index": 0,
			"message": map[string]any{
				"role":              "assistant",
				"content":           content,
				"reasoning_content": reasoning,
			},
			"finish_reason": "stop",
		}},
	}
}

func TestCompleteReturnsReply(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req["model"] != "deepseek-chat" {
			t.Errorf("unexpected model %v", req["model"])
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatResponse(`{"score":1}`, "thoughts"))
	})

	c := New(Config{BaseURL: srv.URL, APIKey: "k", Model: "deepseek-chat", Timeout: time.Second})
	reply, err := c.Complete(context.Background(), "system", "user")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if reply.Content != `{"score":1}` || reply.ReasoningContent != "thoughts" {
		t.Errorf("unexpected reply %+v", reply)
	}
}

func TestCompleteServerError(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	})

	c := New(Config{BaseURL: srv.URL, APIKey: "k", Model: "m", Timeout: time.Second})
	_, err := c.Complete(context.Background(), "s", "u")
	if !errors.Is(err, ErrAPI) {
		t.Fatalf("expected ErrAPI, got %v", err)
	}
}

func TestCompleteClientErrors(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusBadRequest, ErrRejected},
		{http.StatusUnauthorized, ErrRejected},
		{http.StatusNotFound, ErrRejected},
		{http.StatusTooManyRequests, ErrAPI},
		{http.StatusBadGateway, ErrAPI},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"invalid_request_error"}}`))
			})

			c := New(Config{BaseURL: srv.URL, APIKey: "k", Model: "m", Timeout: time.Second})
			_, err := c.Complete(context.Background(), "s", "u")
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if tt.want == ErrRejected && errors.Is(err, ErrAPI) {
				t.Errorf("rejected request must not be retryable: %v", err)
			}
		})
	}
}

func TestCompleteTimeout(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	c := New(Config{BaseURL: srv.URL, APIKey: "k", Model: "m", Timeout: 50 * time.Millisecond})
	_, err := c.Complete(context.Background(), "s", "u")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestCompleteNoChoices(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","choices":[]}`))
	})

	c := New(Config{BaseURL: srv.URL, APIKey: "k", Model: "m", Timeout: time.Second})
	_, err := c.Complete(context.Background(), "s", "u")
	if !errors.Is(err, ErrAPI) {
		t.Fatalf("expected ErrAPI, got %v", err)
	}
}
