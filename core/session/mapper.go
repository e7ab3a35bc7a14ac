package session

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/trezcool/mwalimu/core"
)

// MaxTranscriptLength caps the transcript stored on a session.
const MaxTranscriptLength = 10000

// analyzerScores holds the four analyzer scores once coerced to numbers.
// nil means missing or non numeric.
type analyzerScores struct {
	Pedagogy   *float64 `json:"pedagogy_score" validate:"required,score"`
	Engagement *float64 `json:"engagement_score" validate:"required,score"`
	Delivery   *float64 `json:"delivery_score" validate:"required,score"`
	Curriculum *float64 `json:"curriculum_score" validate:"required,score"`
}

type (
	payloadScores struct {
		Pedagogy   float64 `json:"pedagogy"`
		Engagement float64 `json:"engagement"`
		Delivery   float64 `json:"delivery"`
		Curriculum float64 `json:"curriculum"`
	}

	payloadMetrics struct {
		Audio   json.RawMessage `json:"audio"`
		Content json.RawMessage `json:"content"`
	}

	// analysisPayload is the stored analysis_result document.
	analysisPayload struct {
		SessionID         string          `json:"session_id"`
		TranscriptSummary string          `json:"transcript_summary"`
		Scores            payloadScores   `json:"scores"`
		Strengths         []string        `json:"strengths"`
		Improvements      []string        `json:"improvements"`
		Recommendations   []string        `json:"recommendations"`
		Metrics           payloadMetrics  `json:"metrics"`
		SemanticFeedback  json.RawMessage `json:"semantic_feedback,omitempty"`
	}
)

var emptyObject = json.RawMessage(`{}`)

// MapAnalyzerResponse validates the analyzer scores and maps the response to a Result for sessionID.
// Renaming: delivery -> clarity, engagement -> engagement, pedagogy -> interaction, curriculum -> overall.
func MapAnalyzerResponse(validate *validator.Validate, sessionID string, resp *AnalyzerResponse) (Result, error) {
	if resp == nil {
		return Result{}, &InvalidScoresError{}
	}

	scores := analyzerScores{
		Pedagogy:   toFloat(resp.PedagogyScore),
		Engagement: toFloat(resp.EngagementScore),
		Delivery:   toFloat(resp.DeliveryScore),
		Curriculum: toFloat(resp.CurriculumScore),
	}
	if err := validate.Struct(scores); err != nil {
		if flds := core.FieldErrors(err, nil); flds != nil {
			return Result{}, errors.WithStack(&InvalidScoresError{Fields: flds})
		}
		return Result{}, errors.Wrap(err, "session.MapAnalyzerResponse")
	}

	var audio, content json.RawMessage
	if resp.Metrics != nil {
		audio = rawOrNil(resp.Metrics.Audio)
		content = rawOrNil(resp.Metrics.Content)
	}
	semantic := rawOrNil(resp.SemanticFeedback)

	res := Result{
		Scores: Scores{
			SessionID:   sessionID,
			Clarity:     *scores.Delivery,
			Engagement:  *scores.Engagement,
			Interaction: *scores.Pedagogy,
			Overall:     *scores.Curriculum,
		},
		Feedback: Feedback{
			SessionID:        sessionID,
			Strengths:        stringList(resp.Strengths),
			Improvements:     stringList(resp.Improvements),
			Recommendations:  stringList(resp.Recommendations),
			SemanticFeedback: semantic,
		},
		Transcript:     core.Truncate(resp.TranscriptSummary, MaxTranscriptLength),
		AudioMetrics:   audio,
		ContentMetrics: content,
	}

	payload, err := json.Marshal(analysisPayload{
		SessionID:         sessionID,
		TranscriptSummary: resp.TranscriptSummary,
		Scores: payloadScores{
			Pedagogy:   *scores.Pedagogy,
			Engagement: *scores.Engagement,
			Delivery:   *scores.Delivery,
			Curriculum: *scores.Curriculum,
		},
		Strengths:       res.Feedback.Strengths,
		Improvements:    res.Feedback.Improvements,
		Recommendations: res.Feedback.Recommendations,
		Metrics: payloadMetrics{
			Audio:   orEmptyObject(audio),
			Content: orEmptyObject(content),
		},
		SemanticFeedback: semantic,
	})
	if err != nil {
		return Result{}, &AnalyzerBadResponse{Err: err}
	}
	res.Payload = payload
	return res, nil
}

// payloadFromResult rebuilds an analysis_result document from a stored result bundle.
func payloadFromResult(sessionID string, res Result) (json.RawMessage, error) {
	b, err := json.Marshal(analysisPayload{
		SessionID:         sessionID,
		TranscriptSummary: res.Transcript,
		Scores: payloadScores{
			Pedagogy:   res.Scores.Interaction,
			Engagement: res.Scores.Engagement,
			Delivery:   res.Scores.Clarity,
			Curriculum: res.Scores.Overall,
		},
		Strengths:       nonNil(res.Feedback.Strengths),
		Improvements:    nonNil(res.Feedback.Improvements),
		Recommendations: nonNil(res.Feedback.Recommendations),
		Metrics: payloadMetrics{
			Audio:   orEmptyObject(res.AudioMetrics),
			Content: orEmptyObject(res.ContentMetrics),
		},
		SemanticFeedback: rawOrNil(res.Feedback.SemanticFeedback),
	})
	return b, errors.Wrap(err, "session.payloadFromResult")
}

// restampPayload returns payload with its session_id replaced, every other member untouched.
func restampPayload(payload json.RawMessage, sessionID string) (json.RawMessage, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, errors.Wrap(err, "session.restampPayload")
	}
	if doc == nil {
		return nil, errors.New("session.restampPayload: payload is null")
	}
	id, _ := json.Marshal(sessionID)
	doc["session_id"] = id
	b, err := json.Marshal(doc)
	return b, errors.Wrap(err, "session.restampPayload")
}

// toFloat coerces JSON numbers and numeric strings. It returns nil for anything else.
func toFloat(v interface{}) *float64 {
	var (
		f   float64
		err error
	)
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		f, err = n.Float64()
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return nil
		}
		f, err = strconv.ParseFloat(s, 64)
	default:
		return nil
	}
	if err != nil {
		return nil
	}
	return &f
}

// stringList coerces a JSON array to an ordered list of strings; nulls are dropped.
// Anything but an array yields an empty list.
func stringList(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		switch x := item.(type) {
		case nil:
			continue
		case string:
			out = append(out, x)
		case json.Number:
			out = append(out, x.String())
		case float64:
			out = append(out, strconv.FormatFloat(x, 'f', -1, 64))
		case bool:
			out = append(out, strconv.FormatBool(x))
		default:
			if b, err := json.Marshal(x); err == nil {
				out = append(out, string(b))
			}
		}
	}
	return out
}

func rawOrNil(r json.RawMessage) json.RawMessage {
	t := bytes.TrimSpace(r)
	if len(t) == 0 || bytes.Equal(t, []byte("null")) {
		return nil
	}
	return r
}

func orEmptyObject(r json.RawMessage) json.RawMessage {
	if r = rawOrNil(r); r == nil {
		return emptyObject
	}
	return r
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
