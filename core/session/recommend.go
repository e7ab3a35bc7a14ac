package session

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Improvement areas, in the order they are reported.
const (
	AreaInteractiveTeaching = "interactive_teaching"
	AreaLessonStructuring   = "lesson_structuring"
	AreaRealLifeExamples    = "real_life_examples"
	AreaEffectiveQuestions  = "effective_questions"
)

const (
	interactionScoreMin = 3
	structureScoreMin   = 3
	exampleCountMin     = 1
	questionCountMin    = 2
)

var (
	areaReasons = map[string]string{
		AreaInteractiveTeaching: "Your session had limited student interaction. This module will help you engage students more.",
		AreaLessonStructuring:   "Your lesson structure could be clearer. This module will help you organize content and flow.",
		AreaRealLifeExamples:    "Using more real-life examples can help students connect ideas. This module shows you how.",
		AreaEffectiveQuestions:  "Asking more questions helps check understanding. This module improves your questioning technique.",
	}

	areaLabels = map[string]string{
		AreaInteractiveTeaching: "Student interaction",
		AreaLessonStructuring:   "Lesson structure and flow",
		AreaRealLifeExamples:    "Using real-life examples",
		AreaEffectiveQuestions:  "Asking effective questions",
	}
)

// AreaLabel returns the human readable label of an improvement area.
func AreaLabel(area string) string {
	if l, ok := areaLabels[area]; ok {
		return l
	}
	return area
}

// Recommend maps content metrics to improvement areas.
//
// A missing or non numeric interaction_score / structure_score skips its rule,
// whereas a missing example_count / question_count counts as 0 and triggers its rule.
func Recommend(content map[string]interface{}) Recommendation {
	rec := Recommendation{Areas: []string{}, Reasons: map[string]string{}}
	add := func(area string) {
		rec.Areas = append(rec.Areas, area)
		rec.Reasons[area] = areaReasons[area]
	}

	if score, ok := metricScore(content["interaction_score"]); ok && score < interactionScoreMin {
		add(AreaInteractiveTeaching)
	}
	if score, ok := metricScore(content["structure_score"]); ok && score < structureScoreMin {
		add(AreaLessonStructuring)
	}
	if metricCount(content["example_count"]) < exampleCountMin {
		add(AreaRealLifeExamples)
	}
	if metricCount(content["question_count"]) < questionCountMin {
		add(AreaEffectiveQuestions)
	}
	return rec
}

// DecodeContentMetrics decodes stored content metrics.
// It returns nil when raw is empty or not a JSON object.
func DecodeContentMetrics(raw json.RawMessage) map[string]interface{} {
	if rawOrNil(raw) == nil {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// payloadContentMetrics extracts metrics.content from an analysis_result document.
func payloadContentMetrics(payload json.RawMessage) map[string]interface{} {
	if rawOrNil(payload) == nil {
		return nil
	}
	var doc struct {
		Metrics *struct {
			Content json.RawMessage `json:"content"`
		} `json:"metrics"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil || doc.Metrics == nil {
		return nil
	}
	return DecodeContentMetrics(doc.Metrics.Content)
}

// metricScore parses a score metric: numbers or strings starting with a number.
func metricScore(v interface{}) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case json.Number:
		var err error
		if f, err = n.Float64(); err != nil {
			return 0, false
		}
	case string:
		var ok bool
		if f, ok = leadingFloat(n); !ok {
			return 0, false
		}
	default:
		return 0, false
	}
	if math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// metricCount parses a count metric; anything unparsable is 0. Strings keep their leading integer ("1e3" -> 1).
func metricCount(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f
		}
	case string:
		if f, ok := leadingNumber(leadingIntRe, n); ok {
			return f
		}
	}
	return 0
}

var (
	leadingFloatRe = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?`)
	leadingIntRe   = regexp.MustCompile(`^[+-]?\d+`)
)

// leadingFloat parses the longest numeric prefix of s ("3.5 points" -> 3.5).
func leadingFloat(s string) (float64, bool) {
	return leadingNumber(leadingFloatRe, s)
}

// leadingNumber parses the prefix of s matched by re. Out of range values are ±Inf.
func leadingNumber(re *regexp.Regexp, s string) (float64, bool) {
	m := re.FindString(strings.TrimSpace(s))
	if m == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(m, 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return 0, false
	}
	return f, true
}
