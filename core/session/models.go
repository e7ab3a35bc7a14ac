package session

import (
	"encoding/json"
	"io"
	"time"

	"github.com/trezcool/mwalimu/core"
)

type Status string

// Statuses
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var AllStatuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}

// IsFinished reports whether the analysis of a session in this status is over (successfully or not).
func (s Status) IsFinished() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Outcome of one pipeline run.
type Outcome string

const (
	OutcomeSkipped  Outcome = "skipped"
	OutcomeReused   Outcome = "reused"
	OutcomeAnalyzed Outcome = "analyzed"
	OutcomeFailed   Outcome = "failed"
)

// Metadata is the upload metadata of a session.
// Only the numeric fields take part in the content fingerprint.
type Metadata struct {
	DurationSeconds *float64 `json:"duration_seconds,omitempty" validate:"omitempty,gte=0"`
	SpeechRatio     *float64 `json:"speech_ratio,omitempty" validate:"omitempty,gte=0,lte=1"`
	AudioEnergy     *float64 `json:"audio_energy,omitempty" validate:"omitempty,gte=0"`
	VideoTitle      string   `json:"video_title,omitempty" validate:"max=255"`
	Subject         string   `json:"subject,omitempty" validate:"max=100"`
	GradeClass      string   `json:"grade_class,omitempty" validate:"max=50"`
	DateOfRecording string   `json:"date_of_recording,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

func (md *Metadata) Clean() {
	md.VideoTitle = core.CleanString(md.VideoTitle)
	md.Subject = core.CleanString(md.Subject)
	md.GradeClass = core.CleanString(md.GradeClass)
	md.DateOfRecording = core.CleanString(md.DateOfRecording)
}

type Session struct {
	ID             string          `json:"id"`
	TeacherID      string          `json:"teacher_id"`
	SchoolID       string          `json:"school_id,omitempty"`
	VideoURL       string          `json:"video_url"`
	Metadata       Metadata        `json:"upload_metadata"`
	Fingerprint    string          `json:"content_hash,omitempty"`
	Status         Status          `json:"status"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	IsLocked       bool            `json:"is_locked"`
	AnalysisResult json.RawMessage `json:"analysis_result,omitempty"`
	Transcript     string          `json:"transcript,omitempty"`
	AudioMetrics   json.RawMessage `json:"audio_metrics,omitempty"`
	ContentMetrics json.RawMessage `json:"content_metrics,omitempty"`
	ClaimedAt      time.Time       `json:"-"`          // UTC; zero when unclaimed
	CreatedAt      time.Time       `json:"created_at"` // UTC
	AnalyzedAt     *time.Time      `json:"analyzed_at,omitempty"` // UTC
}

// Scores are the four ratings of a completed session, each within [0, 5].
type Scores struct {
	SessionID   string    `json:"session_id"`
	Clarity     float64   `json:"clarity_score" validate:"score"`
	Engagement  float64   `json:"engagement_score" validate:"score"`
	Interaction float64   `json:"interaction_score" validate:"score"`
	Overall     float64   `json:"overall_score" validate:"score"`
	CreatedAt   time.Time `json:"created_at"` // UTC
}

type Feedback struct {
	SessionID        string          `json:"session_id"`
	Strengths        []string        `json:"strengths"`
	Improvements     []string        `json:"improvements"`
	Recommendations  []string        `json:"recommendations"`
	SemanticFeedback json.RawMessage `json:"semantic_feedback,omitempty"`
	CreatedAt        time.Time       `json:"created_at"` // UTC
}

// Result is the full result bundle of an analysis.
type Result struct {
	Scores         Scores
	Feedback       Feedback
	Transcript     string
	AudioMetrics   json.RawMessage
	ContentMetrics json.RawMessage
	Payload        json.RawMessage // the analysis_result document
}

// Reusable is the result bundle of an earlier completed session sharing a fingerprint.
type Reusable struct {
	SessionID string
	Result    Result
}

// Completion holds everything written when a session is completed.
type Completion struct {
	TeacherID       string
	Fingerprint     string
	Result          Result
	AnalyzedAt      time.Time
	SourceSessionID string // set when the result was reused
}

// AnalyzerResponse is the analyzer's response body.
// Scores and lists are decoded loosely: the mapper owns their validation.
type AnalyzerResponse struct {
	PedagogyScore     interface{}      `json:"pedagogy_score"`
	EngagementScore   interface{}      `json:"engagement_score"`
	DeliveryScore     interface{}      `json:"delivery_score"`
	CurriculumScore   interface{}      `json:"curriculum_score"`
	TranscriptSummary string           `json:"transcript_summary"`
	Strengths         interface{}      `json:"strengths"`
	Improvements      interface{}      `json:"improvements"`
	Recommendations   interface{}      `json:"recommendations"`
	Metrics           *AnalyzerMetrics `json:"metrics,omitempty"`
	SemanticFeedback  json.RawMessage  `json:"semantic_feedback,omitempty"`
	Warning           string           `json:"warning,omitempty"`
}

type AnalyzerMetrics struct {
	Audio   json.RawMessage `json:"audio,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// NewSession contains information needed to create a new Session.
// Content, when set, is the uploaded file and switches fingerprinting to the bytes mode;
// the file is stored elsewhere, so VideoURL must then locate it.
type NewSession struct {
	TeacherID string    `json:"-" validate:"required"`
	SchoolID  string    `json:"-"`
	VideoURL  string    `json:"video_url" validate:"required_with=Content,max=2048"`
	Metadata  Metadata  `json:"-"`
	Content   io.Reader `json:"-" validate:"-"`
}

func (ns *NewSession) Clean() {
	ns.TeacherID = core.CleanString(ns.TeacherID)
	ns.SchoolID = core.CleanString(ns.SchoolID)
	ns.VideoURL = core.CleanString(ns.VideoURL)
	ns.Metadata.Clean()
}

type QueryFilter struct {
	TeacherID string `query:"teacher_id"`
	SchoolID  string `query:"school_id"`
	Status    Status `query:"status" validate:"omitempty,sessionstatus"`
}

func (qf *QueryFilter) IsEmpty() bool {
	return qf.TeacherID == "" && qf.SchoolID == "" && qf.Status == ""
}

func (qf *QueryFilter) Clean() {
	qf.TeacherID = core.CleanString(qf.TeacherID)
	qf.SchoolID = core.CleanString(qf.SchoolID)
	qf.Status = Status(core.CleanString(string(qf.Status), true /* lower */))
}

// Recommendation is the rule engine output: improvement areas in a fixed order and a reason per area.
type Recommendation struct {
	Areas   []string          `json:"areas"`
	Reasons map[string]string `json:"reasons"`
}

type WeakArea struct {
	Area   string `json:"area"`
	Label  string `json:"label"`
	Reason string `json:"reason"`
}

// TeacherRecommendation is a Recommendation computed from a teacher's latest completed session.
type TeacherRecommendation struct {
	WeakAreas   []WeakArea        `json:"weak_areas"`
	Reasons     map[string]string `json:"reasons"`
	SessionUsed bool              `json:"session_used"`
	SessionID   string            `json:"session_id,omitempty"`
	Message     string            `json:"message"`
}
