package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Result is the outcome of parsing a grading reply: Parsed or Unparseable.
type Result interface {
	isResult()
}

// Parsed is a well-formed grading reply with a score inside [0, points].
type Parsed struct {
	Score      float64
	Feedback   string
	Confidence float64
}

// Unparseable is a reply that cannot be used as a grade.
type Unparseable struct {
	Raw    string
	Reason string
}

func (Parsed) isResult()      {}
func (Unparseable) isResult() {}

var (
	jsonObjectRe = regexp.MustCompile(`(?s)\{.*\}`)
	codeFenceRe  = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
)

type gradeReply struct {
	Score      json.RawMessage `json:"score"`
	Feedback   string          `json:"feedback"`
	Confidence json.RawMessage `json:"confidence"`
}

// ParseGrade interprets a grading reply for a question worth points.
// Content is used unless it is blank, in which case reasoning is parsed.
// The JSON object may be wrapped in prose or a code fence. Scores may be
// numbers, numeric strings, or fractions such as "4/5", which are scaled to
// points. A missing confidence or an out-of-range value is Unparseable.
func ParseGrade(content, reasoning string, points float64) Result {
	raw := content
	if strings.TrimSpace(raw) == "" {
		raw = reasoning
	}
	obj, ok := findJSONObject(raw)
	if !ok {
		return Unparseable{Raw: raw, Reason: "no JSON object in reply"}
	}

	var reply gradeReply
	dec := json.NewDecoder(bytes.NewReader(obj))
	if err := dec.Decode(&reply); err != nil {
		return Unparseable{Raw: raw, Reason: "invalid JSON: " + err.Error()}
	}
	if len(reply.Score) == 0 {
		return Unparseable{Raw: raw, Reason: "missing score"}
	}
	if len(reply.Confidence) == 0 || string(reply.Confidence) == "null" {
		return Unparseable{Raw: raw, Reason: "missing confidence"}
	}

	score, err := parseScore(reply.Score, points)
	if err != nil {
		return Unparseable{Raw: raw, Reason: err.Error()}
	}
	if score < 0 || score > points {
		return Unparseable{Raw: raw, Reason: fmt.Sprintf("score %g outside [0, %g]", score, points)}
	}
	confidence, err := parseNumber(reply.Confidence)
	if err != nil {
		return Unparseable{Raw: raw, Reason: "confidence: " + err.Error()}
	}
	if confidence < 0 || confidence > 1 {
		return Unparseable{Raw: raw, Reason: fmt.Sprintf("confidence %g outside [0, 1]", confidence)}
	}

	return Parsed{
		Score:      score,
		Feedback:   strings.TrimSpace(reply.Feedback),
		Confidence: confidence,
	}
}

func findJSONObject(s string) ([]byte, bool) {
	s = strings.TrimSpace(s)
	if m := codeFenceRe.FindStringSubmatch(s); m != nil {
		s = strings.TrimSpace(m[1])
	}
	if json.Valid([]byte(s)) && strings.HasPrefix(s, "{") {
		return []byte(s), true
	}
	if m := jsonObjectRe.FindString(s); m != "" && json.Valid([]byte(m)) {
		return []byte(m), true
	}
	return nil, false
}

func parseScore(raw json.RawMessage, points float64) (float64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		if num, den, ok := strings.Cut(s, "/"); ok {
			n, err1 := strconv.ParseFloat(strings.TrimSpace(num), 64)
			d, err2 := strconv.ParseFloat(strings.TrimSpace(den), 64)
			if err1 != nil || err2 != nil || !finite(n) || !finite(d) || d <= 0 {
				return 0, fmt.Errorf("invalid fractional score %q", s)
			}
			return n * points / d, nil
		}
	}
	v, err := parseNumber(raw)
	if err != nil {
		return 0, fmt.Errorf("score: %w", err)
	}
	return v, nil
}

func parseNumber(raw json.RawMessage) (float64, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("not a number: %s", raw)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || !finite(f) {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	return f, nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
