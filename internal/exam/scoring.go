package exam

import (
	"encoding/json"
	"errors"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	QuestionTypeMultipleChoice = "multiple_choice"
	QuestionTypeFillIn         = "fill_in"
)

const (
	ScoringMethodAverage    = "average"
	ScoringMethodHighest    = "highest"
	ScoringMethodMostRecent = "most_recent"
)

var ErrMalformedAnswer = errors.New("malformed answer payload")

// AnswerValue is the single canonical shape for a student answer. Exactly one
// of the two branches is populated, decided by the question type.
type AnswerValue struct {
	SelectedKeys []string `json:"selected,omitempty"`
	FreeText     string   `json:"text,omitempty"`
}

func (v AnswerValue) IsEmpty() bool {
	return len(v.SelectedKeys) == 0 && strings.TrimSpace(v.FreeText) == ""
}

// ParseAnswerValue converts whatever the client sent into an AnswerValue.
// Legacy clients deliver answers as a bare string, a bare array, a number
// (an option key rendered as a number), or an object with "selected"/"text"
// fields; all conversion happens here so scoring never touches raw JSON.
func ParseAnswerValue(questionType string, raw json.RawMessage) (AnswerValue, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return AnswerValue{}, nil
	}

	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return AnswerValue{}, ErrMalformedAnswer
	}

	switch questionType {
	case QuestionTypeFillIn:
		return parseFillInValue(decoded)
	default:
		return parseChoiceValue(decoded)
	}
}

func parseChoiceValue(decoded interface{}) (AnswerValue, error) {
	switch t := decoded.(type) {
	case string:
		return AnswerValue{SelectedKeys: normalizeKeySet([]string{t})}, nil
	case float64:
		return AnswerValue{SelectedKeys: normalizeKeySet([]string{formatNumericKey(t)})}, nil
	case []interface{}:
		keys, ok := stringifyList(t)
		if !ok {
			return AnswerValue{}, ErrMalformedAnswer
		}
		return AnswerValue{SelectedKeys: normalizeKeySet(keys)}, nil
	case map[string]interface{}:
		v, ok := t["selected"]
		if !ok {
			return AnswerValue{}, nil
		}
		return parseChoiceValue(v)
	default:
		return AnswerValue{}, ErrMalformedAnswer
	}
}

func parseFillInValue(decoded interface{}) (AnswerValue, error) {
	switch t := decoded.(type) {
	case string:
		return AnswerValue{FreeText: t}, nil
	case float64:
		return AnswerValue{FreeText: formatNumericKey(t)}, nil
	case map[string]interface{}:
		v, ok := t["text"]
		if !ok {
			return AnswerValue{}, nil
		}
		s, ok := v.(string)
		if !ok {
			return AnswerValue{}, ErrMalformedAnswer
		}
		return AnswerValue{FreeText: s}, nil
	default:
		return AnswerValue{}, ErrMalformedAnswer
	}
}

type ScoreInput struct {
	QuestionType string
	CorrectKeys  []string
	CorrectText  string
	Answer       AnswerValue
	Points       float64
}

type ScoreResult struct {
	Answered  bool     `json:"answered"`
	IsCorrect *bool    `json:"is_correct,omitempty"`
	Earned    float64  `json:"earned"`
	Selected  []string `json:"selected,omitempty"`
	Correct   []string `json:"correct,omitempty"`
}

// ScoreQuestion grades a single question. Scoring is binary: an exact match
// earns the full point value, anything else earns zero.
func ScoreQuestion(in ScoreInput) ScoreResult {
	points := in.Points
	if points < 0 {
		points = 0
	}

	switch in.QuestionType {
	case QuestionTypeFillIn:
		return scoreFillIn(in.CorrectText, in.Answer, points)
	default:
		return scoreMultipleChoice(in.CorrectKeys, in.Answer, points)
	}
}

func scoreMultipleChoice(correctKeys []string, answer AnswerValue, points float64) ScoreResult {
	correct := normalizeKeySet(correctKeys)
	selected := normalizeKeySet(answer.SelectedKeys)

	if len(selected) == 0 {
		return ScoreResult{Answered: false, Correct: correct}
	}

	isCorrect := len(correct) > 0 && equalKeySet(selected, correct)
	res := ScoreResult{Answered: true, IsCorrect: boolPtr(isCorrect), Selected: selected, Correct: correct}
	if isCorrect {
		res.Earned = points
	}
	return res
}

func scoreFillIn(correctText string, answer AnswerValue, points float64) ScoreResult {
	want := normalizeText(correctText)
	got := normalizeText(answer.FreeText)

	if got == "" {
		return ScoreResult{Answered: false}
	}

	isCorrect := want != "" && got == want
	res := ScoreResult{Answered: true, IsCorrect: boolPtr(isCorrect)}
	if isCorrect {
		res.Earned = points
	}
	return res
}

// Percentage guards against zero-point attempts: an attempt with no scorable
// points is reported as 0, not NaN.
func Percentage(total, max float64) float64 {
	if max <= 0 {
		return 0
	}
	return total / max * 100
}

// AttemptScore is the finalized per-attempt result consumed by aggregation.
type AttemptScore struct {
	Percentage  float64
	SubmittedAt time.Time
}

// AggregateScore collapses a student's finalized attempts into one reported
// percentage per the exam's scoring method. The boolean is false when there is
// nothing to aggregate. Unknown methods fall back to average.
func AggregateScore(method string, attempts []AttemptScore) (float64, bool) {
	if len(attempts) == 0 {
		return 0, false
	}

	switch method {
	case ScoringMethodHighest:
		best := attempts[0].Percentage
		for _, a := range attempts[1:] {
			if a.Percentage > best {
				best = a.Percentage
			}
		}
		return best, true
	case ScoringMethodMostRecent:
		latest := attempts[0]
		for _, a := range attempts[1:] {
			if a.SubmittedAt.After(latest.SubmittedAt) {
				latest = a
			}
		}
		return latest.Percentage, true
	default:
		sum := 0.0
		for _, a := range attempts {
			sum += a.Percentage
		}
		return round2(sum / float64(len(attempts))), true
	}
}

// Passed applies the exam pass threshold to an already-computed percentage.
func Passed(percentage, passThreshold float64) bool {
	return percentage >= passThreshold
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func normalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func normalizeKeySet(in []string) []string {
	set := map[string]struct{}{}
	for _, v := range in {
		s := strings.TrimSpace(v)
		if s == "" {
			continue
		}
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func equalKeySet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	aa := append([]string(nil), a...)
	bb := append([]string(nil), b...)
	sort.Strings(aa)
	sort.Strings(bb)
	for i := range aa {
		if aa[i] != bb[i] {
			return false
		}
	}
	return true
}

func stringifyList(in []interface{}) ([]string, bool) {
	out := make([]string, 0, len(in))
	for _, it := range in {
		switch v := it.(type) {
		case string:
			out = append(out, v)
		case float64:
			out = append(out, formatNumericKey(v))
		default:
			return nil, false
		}
	}
	return out, true
}

func formatNumericKey(v float64) string {
	if v == math.Trunc(v) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func boolPtr(v bool) *bool {
	return &v
}
