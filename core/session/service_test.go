package session_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/mwalimu/core/session"
	inmemdb "github.com/trezcool/mwalimu/storage/database/inmem"
	testutil "github.com/trezcool/mwalimu/tests"
)

const videoURL = "https://x/video.mp4"

var ctx = context.Background()

type fixture struct {
	svc      *session.Service
	db       *inmemdb.DB
	repo     session.Repository
	analyzer *testutil.AnalyzerStub
	sched    *testutil.SchedulerStub
}

func newFixture(t *testing.T, analyzer *testutil.AnalyzerStub, wrap ...func(session.Repository) session.Repository) *fixture {
	t.Helper()
	db := inmemdb.Open()
	var repo session.Repository = inmemdb.NewSessionRepository(db)
	for _, w := range wrap {
		repo = w(repo)
	}
	validate, _ := testutil.NewValidator()
	sched := &testutil.SchedulerStub{}
	return &fixture{
		svc:      session.NewService(repo, analyzer, sched, testutil.NewLogger(), validate),
		db:       db,
		repo:     repo,
		analyzer: analyzer,
		sched:    sched,
	}
}

func scenarioAResponse() *session.AnalyzerResponse {
	return &session.AnalyzerResponse{
		PedagogyScore:     json.Number("4"),
		EngagementScore:   json.Number("3.5"),
		DeliveryScore:     json.Number("4.2"),
		CurriculumScore:   json.Number("3.8"),
		TranscriptSummary: "Fractions, halves and quarters.",
		Strengths:         []interface{}{"clear voice"},
		Improvements:      []interface{}{},
		Recommendations:   []interface{}{},
		Metrics: &session.AnalyzerMetrics{
			Audio:   json.RawMessage(`{"speech_ratio":0.7}`),
			Content: json.RawMessage(`{"interaction_score":2,"structure_score":4,"example_count":0,"question_count":3}`),
		},
		SemanticFeedback: json.RawMessage(`{"summary":"Well paced lesson"}`),
	}
}

func (f *fixture) mustGet(t *testing.T, id string) session.Session {
	t.Helper()
	sess, err := f.repo.GetSession(ctx, id)
	require.NoError(t, err)
	return sess
}

func TestProcess_Analyzed(t *testing.T) {
	f := newFixture(t, &testutil.AnalyzerStub{Response: scenarioAResponse()})
	sess := testutil.CreateSession(t, f.repo, "teacher-1", "", "  "+videoURL+" ", session.Metadata{})

	assert.Equal(t, session.OutcomeAnalyzed, f.svc.Process(ctx, sess.ID))
	assert.Equal(t, []string{sess.ID}, f.analyzer.Calls())

	got := f.mustGet(t, sess.ID)
	assert.Equal(t, session.StatusCompleted, got.Status)
	assert.True(t, got.IsLocked)
	assert.NotNil(t, got.AnalyzedAt)
	assert.Empty(t, got.ErrorMessage)
	assert.Equal(t, "Fractions, halves and quarters.", got.Transcript)
	assert.JSONEq(t, `{"speech_ratio":0.7}`, string(got.AudioMetrics))

	scores, err := f.repo.GetScores(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 4.0, scores.Interaction)
	assert.Equal(t, 3.5, scores.Engagement)
	assert.Equal(t, 4.2, scores.Clarity)
	assert.Equal(t, 3.8, scores.Overall)

	fb, err := f.repo.GetFeedback(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"clear voice"}, fb.Strengths)
	assert.Equal(t, []string{}, fb.Improvements)
	assert.JSONEq(t, `{"summary":"Well paced lesson"}`, string(fb.SemanticFeedback))

	activity := f.db.Activity()
	require.Len(t, activity, 1)
	assert.Equal(t, "teacher-1", activity[0].UserID)
	assert.Equal(t, "session_processed", activity[0].Action)
	assert.Equal(t, false, activity[0].Details["reused"])
}

func TestProcess_Failures(t *testing.T) {
	tests := []struct {
		name       string
		videoURL   string
		analyzer   *testutil.AnalyzerStub
		wantReason string
		wantCalls  int
	}{
		{
			name:       "soft warning",
			videoURL:   videoURL,
			analyzer:   &testutil.AnalyzerStub{Response: &session.AnalyzerResponse{Warning: "no speech detected"}},
			wantReason: "no speech detected",
			wantCalls:  1,
		},
		{
			name:       "no locator",
			videoURL:   "",
			analyzer:   &testutil.AnalyzerStub{Response: scenarioAResponse()},
			wantReason: "No video URL provided",
		},
		{
			name:     "missing score",
			videoURL: videoURL,
			analyzer: &testutil.AnalyzerStub{Response: func() *session.AnalyzerResponse {
				resp := scenarioAResponse()
				resp.CurriculumScore = nil
				return resp
			}()},
			wantReason: "Analysis did not return valid scores. No feedback generated.",
			wantCalls:  1,
		},
		{
			name:     "score out of range",
			videoURL: videoURL,
			analyzer: &testutil.AnalyzerStub{Response: func() *session.AnalyzerResponse {
				resp := scenarioAResponse()
				resp.DeliveryScore = json.Number("7")
				return resp
			}()},
			wantReason: "Analysis did not return valid scores. No feedback generated.",
			wantCalls:  1,
		},
		{
			name:       "timeout",
			videoURL:   videoURL,
			analyzer:   &testutil.AnalyzerStub{Err: &session.AnalyzerTimeout{After: 5 * time.Minute}},
			wantReason: "analyzer timeout after 5m0s",
			wantCalls:  1,
		},
		{
			name:       "analyzer error",
			videoURL:   videoURL,
			analyzer:   &testutil.AnalyzerStub{Err: &session.AnalyzerError{StatusCode: 502, Body: "bad gateway"}},
			wantReason: "analyzer error 502: bad gateway",
			wantCalls:  1,
		},
		{
			name:     "panicking analyzer",
			videoURL: videoURL,
			analyzer: &testutil.AnalyzerStub{Func: func(context.Context, string, string) (*session.AnalyzerResponse, error) {
				panic("boom")
			}},
			wantReason: "panic while processing session: boom",
			wantCalls:  1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.analyzer)
			sess := testutil.CreateSession(t, f.repo, "teacher-1", "", tt.videoURL, session.Metadata{})

			assert.Equal(t, session.OutcomeFailed, f.svc.Process(ctx, sess.ID))
			assert.Len(t, f.analyzer.Calls(), tt.wantCalls)

			got := f.mustGet(t, sess.ID)
			assert.Equal(t, session.StatusFailed, got.Status)
			assert.Equal(t, tt.wantReason, got.ErrorMessage)
			assert.False(t, got.IsLocked)

			_, err := f.repo.GetScores(ctx, sess.ID)
			assert.Equal(t, session.ErrNotFound, err, "no scores must be written")
			_, err = f.repo.GetFeedback(ctx, sess.ID)
			assert.Equal(t, session.ErrNotFound, err, "no feedback must be written")
			assert.Empty(t, f.db.Activity())
		})
	}
}

func TestProcess_TimeoutReason(t *testing.T) {
	f := newFixture(t, &testutil.AnalyzerStub{Err: &session.AnalyzerTimeout{After: time.Second}})
	sess := testutil.CreateSession(t, f.repo, "teacher-1", "", videoURL, session.Metadata{})

	f.svc.Process(ctx, sess.ID)
	assert.Contains(t, f.mustGet(t, sess.ID).ErrorMessage, "timeout")
}

func TestProcess_LongReasonIsTruncated(t *testing.T) {
	long := strings.Repeat("x", 2*session.MaxReasonLength)
	f := newFixture(t, &testutil.AnalyzerStub{Err: &session.AnalyzerError{StatusCode: 500, Body: long}})
	sess := testutil.CreateSession(t, f.repo, "teacher-1", "", videoURL, session.Metadata{})

	f.svc.Process(ctx, sess.ID)
	assert.Len(t, f.mustGet(t, sess.ID).ErrorMessage, session.MaxReasonLength)
}

func TestProcess_Reuse(t *testing.T) {
	f := newFixture(t, &testutil.AnalyzerStub{Response: scenarioAResponse()})
	md := session.Metadata{DurationSeconds: testutil.Float(600), SpeechRatio: testutil.Float(0.6)}
	first := testutil.CreateSession(t, f.repo, "teacher-1", "school-1", videoURL, md, time.Now().Add(-time.Hour))
	second := testutil.CreateSession(t, f.repo, "teacher-2", "school-1", videoURL, md)
	require.Equal(t, first.Fingerprint, second.Fingerprint)

	require.Equal(t, session.OutcomeAnalyzed, f.svc.Process(ctx, first.ID))
	assert.Equal(t, session.OutcomeReused, f.svc.Process(ctx, second.ID))
	assert.Equal(t, []string{first.ID}, f.analyzer.Calls(), "reuse must not call the analyzer")

	src, dst := f.mustGet(t, first.ID), f.mustGet(t, second.ID)
	assert.Equal(t, session.StatusCompleted, dst.Status)
	assert.True(t, dst.IsLocked)
	assert.Equal(t, src.Transcript, dst.Transcript)
	assert.Equal(t, string(src.AudioMetrics), string(dst.AudioMetrics))
	assert.Equal(t, string(src.ContentMetrics), string(dst.ContentMetrics))

	srcScores, err := f.repo.GetScores(ctx, first.ID)
	require.NoError(t, err)
	dstScores, err := f.repo.GetScores(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, dstScores.SessionID)
	assert.Equal(t, srcScores.Clarity, dstScores.Clarity)
	assert.Equal(t, srcScores.Engagement, dstScores.Engagement)
	assert.Equal(t, srcScores.Interaction, dstScores.Interaction)
	assert.Equal(t, srcScores.Overall, dstScores.Overall)

	srcFb, err := f.repo.GetFeedback(ctx, first.ID)
	require.NoError(t, err)
	dstFb, err := f.repo.GetFeedback(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, srcFb.Strengths, dstFb.Strengths)
	assert.Equal(t, srcFb.Improvements, dstFb.Improvements)
	assert.Equal(t, srcFb.Recommendations, dstFb.Recommendations)
	assert.Equal(t, string(srcFb.SemanticFeedback), string(dstFb.SemanticFeedback))

	// the copied payload belongs to the new session
	var srcPayload, dstPayload map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(src.AnalysisResult, &srcPayload))
	require.NoError(t, json.Unmarshal(dst.AnalysisResult, &dstPayload))
	assert.JSONEq(t, `"`+second.ID+`"`, string(dstPayload["session_id"]))
	for _, key := range []string{"scores", "strengths", "metrics", "semantic_feedback", "transcript_summary"} {
		assert.JSONEq(t, string(srcPayload[key]), string(dstPayload[key]), key)
	}

	activity := f.db.Activity()
	require.Len(t, activity, 2)
	assert.Equal(t, "teacher-2", activity[1].UserID)
	assert.Equal(t, true, activity[1].Details["reused"])
	assert.Equal(t, first.ID, activity[1].Details["source_session_id"])
}

func TestProcess_ReuseSkipsInvalidSource(t *testing.T) {
	f := newFixture(t, &testutil.AnalyzerStub{Response: scenarioAResponse()})
	first := testutil.CreateSession(t, f.repo, "teacher-1", "", videoURL, session.Metadata{}, time.Now().Add(-time.Hour))
	second := testutil.CreateSession(t, f.repo, "teacher-1", "", videoURL, session.Metadata{})

	// a legacy row with an out of range score
	err := f.repo.CompleteSession(ctx, first.ID, session.Completion{
		TeacherID:   "teacher-1",
		Fingerprint: first.Fingerprint,
		AnalyzedAt:  time.Now(),
		Result: session.Result{
			Scores:   session.Scores{Clarity: 9, Engagement: 3, Interaction: 3, Overall: 3},
			Feedback: session.Feedback{Strengths: []string{"legacy"}},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, session.OutcomeAnalyzed, f.svc.Process(ctx, second.ID))
	assert.Equal(t, []string{second.ID}, f.analyzer.Calls())
}

func TestProcess_ReuseComputesMissingFingerprint(t *testing.T) {
	f := newFixture(t, &testutil.AnalyzerStub{Response: scenarioAResponse()})
	first := testutil.CreateSession(t, f.repo, "teacher-1", "", videoURL, session.Metadata{}, time.Now().Add(-time.Hour))
	require.Equal(t, session.OutcomeAnalyzed, f.svc.Process(ctx, first.ID))

	// created by an older writer that did not fingerprint
	second, err := f.repo.CreateSession(ctx, session.Session{
		ID:        "00000000-0000-4000-8000-000000000002",
		TeacherID: "teacher-1",
		VideoURL:  videoURL,
		Status:    session.StatusPending,
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	assert.Equal(t, session.OutcomeReused, f.svc.Process(ctx, second.ID))
	assert.Equal(t, first.Fingerprint, f.mustGet(t, second.ID).Fingerprint)
}

func TestProcess_Immutable(t *testing.T) {
	f := newFixture(t, &testutil.AnalyzerStub{Response: scenarioAResponse()})
	sess := testutil.CreateSession(t, f.repo, "teacher-1", "", videoURL, session.Metadata{})
	require.Equal(t, session.OutcomeAnalyzed, f.svc.Process(ctx, sess.ID))

	before := f.mustGet(t, sess.ID)
	_, scoresBefore, feedbackBefore := f.db.Counts()

	f.analyzer.Response = &session.AnalyzerResponse{Warning: "should never be seen"}
	assert.Equal(t, session.OutcomeSkipped, f.svc.Process(ctx, sess.ID))

	assert.Equal(t, before, f.mustGet(t, sess.ID))
	_, scoresAfter, feedbackAfter := f.db.Counts()
	assert.Equal(t, scoresBefore, scoresAfter)
	assert.Equal(t, feedbackBefore, feedbackAfter)
	assert.Len(t, f.analyzer.Calls(), 1)
	assert.Len(t, f.db.Activity(), 1)

	assert.Equal(t, session.ErrLocked, f.repo.FailSession(ctx, sess.ID, "late failure"))
	assert.Equal(t, session.StatusCompleted, f.mustGet(t, sess.ID).Status)
}

func TestProcess_MissingSession(t *testing.T) {
	f := newFixture(t, &testutil.AnalyzerStub{Response: scenarioAResponse()})
	assert.Equal(t, session.OutcomeSkipped, f.svc.Process(ctx, "00000000-0000-4000-8000-000000000000"))
	assert.Empty(t, f.analyzer.Calls())
}

func TestProcess_FailedIsReprocessable(t *testing.T) {
	f := newFixture(t, &testutil.AnalyzerStub{Err: &session.AnalyzerError{StatusCode: 503, Body: "busy"}})
	sess := testutil.CreateSession(t, f.repo, "teacher-1", "", videoURL, session.Metadata{})
	require.Equal(t, session.OutcomeFailed, f.svc.Process(ctx, sess.ID))

	f.analyzer.Err = nil
	f.analyzer.Response = scenarioAResponse()
	assert.Equal(t, session.OutcomeAnalyzed, f.svc.Process(ctx, sess.ID))

	got := f.mustGet(t, sess.ID)
	assert.Equal(t, session.StatusCompleted, got.Status)
	assert.Empty(t, got.ErrorMessage)
}

func TestProcess_ConcurrentRunsAnalyzeOnce(t *testing.T) {
	release := make(chan struct{})
	analyzer := &testutil.AnalyzerStub{Func: func(context.Context, string, string) (*session.AnalyzerResponse, error) {
		<-release
		return scenarioAResponse(), nil
	}}
	f := newFixture(t, analyzer)
	sess := testutil.CreateSession(t, f.repo, "teacher-1", "", videoURL, session.Metadata{})

	const runs = 8
	outcomes := make(chan session.Outcome, runs)
	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes <- f.svc.Process(ctx, sess.ID)
		}()
	}

	// every run but the claimer returns without blocking
	for i := 0; i < runs-1; i++ {
		assert.Equal(t, session.OutcomeSkipped, <-outcomes)
	}
	close(release)
	wg.Wait()
	close(outcomes)

	assert.Equal(t, session.OutcomeAnalyzed, <-outcomes)
	assert.Len(t, analyzer.Calls(), 1)
	_, scores, feedback := f.db.Counts()
	assert.Equal(t, 1, scores)
	assert.Equal(t, 1, feedback)
}

type failingCompletionRepo struct {
	session.Repository
}

func (failingCompletionRepo) CompleteSession(context.Context, string, session.Completion) error {
	return errors.New("connection reset by peer")
}

func TestProcess_PersistenceFailure(t *testing.T) {
	f := newFixture(t, &testutil.AnalyzerStub{Response: scenarioAResponse()}, func(r session.Repository) session.Repository {
		return failingCompletionRepo{Repository: r}
	})
	sess := testutil.CreateSession(t, f.repo, "teacher-1", "", videoURL, session.Metadata{})

	assert.Equal(t, session.OutcomeFailed, f.svc.Process(ctx, sess.ID))
	got := f.mustGet(t, sess.ID)
	assert.Equal(t, session.StatusFailed, got.Status)
	assert.Equal(t, "persistence: complete session: connection reset by peer", got.ErrorMessage)
	_, scores, feedback := f.db.Counts()
	assert.Zero(t, scores)
	assert.Zero(t, feedback)
}

func TestCreate(t *testing.T) {
	f := newFixture(t, &testutil.AnalyzerStub{})
	md := session.Metadata{DurationSeconds: testutil.Float(300), VideoTitle: "  Fractions  "}

	sess, err := f.svc.Create(ctx, session.NewSession{TeacherID: "teacher-1", VideoURL: " " + videoURL + " ", Metadata: md})
	require.NoError(t, err)
	assert.Equal(t, session.StatusPending, sess.Status)
	assert.Equal(t, videoURL, sess.VideoURL)
	assert.Equal(t, "Fractions", sess.Metadata.VideoTitle)
	assert.Equal(t, session.Fingerprint(videoURL, md), sess.Fingerprint)
	assert.Equal(t, []string{sess.ID}, f.sched.Scheduled())

	stored := f.mustGet(t, sess.ID)
	assert.Equal(t, sess.Fingerprint, stored.Fingerprint)
}

func TestCreate_ContentFingerprint(t *testing.T) {
	f := newFixture(t, &testutil.AnalyzerStub{})
	sess, err := f.svc.Create(ctx, session.NewSession{
		TeacherID: "teacher-1",
		VideoURL:  "/uploads/lesson.mp4",
		Content:   strings.NewReader("hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, session.FingerprintBytes([]byte("hello")), sess.Fingerprint)
}

func TestCreate_Invalid(t *testing.T) {
	f := newFixture(t, &testutil.AnalyzerStub{})
	tests := []struct {
		name string
		ns   session.NewSession
	}{
		{name: "no teacher", ns: session.NewSession{TeacherID: "  ", VideoURL: videoURL}},
		{name: "negative duration", ns: session.NewSession{TeacherID: "t", Metadata: session.Metadata{DurationSeconds: testutil.Float(-1)}}},
		{name: "speech ratio above 1", ns: session.NewSession{TeacherID: "t", Metadata: session.Metadata{SpeechRatio: testutil.Float(1.5)}}},
		{name: "bad recording date", ns: session.NewSession{TeacherID: "t", Metadata: session.Metadata{DateOfRecording: "yesterday"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.Create(ctx, tt.ns); err == nil {
				t.Errorf("Create() error = %v, wantErr %v", err, true)
			}
		})
	}
	assert.Empty(t, f.sched.Scheduled())
}

func TestCreate_ContentWithoutLocator(t *testing.T) {
	f := newFixture(t, &testutil.AnalyzerStub{Response: scenarioAResponse()})
	_, err := f.svc.Create(ctx, session.NewSession{TeacherID: "teacher-1", Content: strings.NewReader("video bytes")})
	require.Error(t, err)

	var verrs validator.ValidationErrors
	require.True(t, errors.As(err, &verrs))
	require.Len(t, verrs, 1)
	assert.Equal(t, "video_url", verrs[0].Field())
	assert.Equal(t, "required_with", verrs[0].Tag())

	sessions, err := f.repo.QuerySessions(ctx, session.QueryFilter{TeacherID: "teacher-1"}, nil)
	require.NoError(t, err)
	assert.Empty(t, sessions)
	assert.Empty(t, f.sched.Scheduled())
}

func TestCreate_ScheduleFailureKeepsSession(t *testing.T) {
	f := newFixture(t, &testutil.AnalyzerStub{})
	f.sched.Err = errors.New("queue full")

	sess, err := f.svc.Create(ctx, session.NewSession{TeacherID: "teacher-1", VideoURL: videoURL})
	require.NoError(t, err)
	assert.Equal(t, session.StatusPending, f.mustGet(t, sess.ID).Status)
}

func TestCreate_EmptyLocatorFailsLater(t *testing.T) {
	f := newFixture(t, &testutil.AnalyzerStub{Response: scenarioAResponse()})
	sess, err := f.svc.Create(ctx, session.NewSession{TeacherID: "teacher-1"})
	require.NoError(t, err)
	assert.Empty(t, sess.Fingerprint)

	assert.Equal(t, session.OutcomeFailed, f.svc.Process(ctx, sess.ID))
	assert.Equal(t, "No video URL provided", f.mustGet(t, sess.ID).ErrorMessage)
	assert.Empty(t, f.analyzer.Calls())
}

func TestRecover(t *testing.T) {
	f := newFixture(t, &testutil.AnalyzerStub{})
	pending := testutil.CreateSession(t, f.repo, "teacher-1", "", videoURL, session.Metadata{}, time.Now().Add(-3*time.Hour))
	stale := testutil.CreateSession(t, f.repo, "teacher-1", "", videoURL, session.Metadata{}, time.Now().Add(-2*time.Hour))
	fresh := testutil.CreateSession(t, f.repo, "teacher-1", "", videoURL, session.Metadata{}, time.Now().Add(-time.Hour))

	claimed, err := f.repo.ClaimSession(ctx, stale.ID, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, claimed)
	claimed, err = f.repo.ClaimSession(ctx, fresh.ID, time.Now())
	require.NoError(t, err)
	require.True(t, claimed)

	n, err := f.svc.Recover(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{pending.ID, stale.ID}, f.sched.Scheduled())
	assert.Equal(t, session.StatusProcessing, f.mustGet(t, fresh.ID).Status)
}

func TestRecommendForTeacher(t *testing.T) {
	f := newFixture(t, &testutil.AnalyzerStub{Response: scenarioAResponse()})

	rec, err := f.svc.RecommendForTeacher(ctx, "teacher-1")
	require.NoError(t, err)
	assert.False(t, rec.SessionUsed)
	assert.Empty(t, rec.WeakAreas)
	assert.NotEmpty(t, rec.Message)

	sess := testutil.CreateSession(t, f.repo, "teacher-1", "", videoURL, session.Metadata{})
	require.Equal(t, session.OutcomeAnalyzed, f.svc.Process(ctx, sess.ID))

	rec, err = f.svc.RecommendForTeacher(ctx, "teacher-1")
	require.NoError(t, err)
	assert.True(t, rec.SessionUsed)
	assert.Equal(t, sess.ID, rec.SessionID)
	require.Len(t, rec.WeakAreas, 2)
	assert.Equal(t, session.AreaInteractiveTeaching, rec.WeakAreas[0].Area)
	assert.Equal(t, "Student interaction", rec.WeakAreas[0].Label)
	assert.Equal(t, session.AreaRealLifeExamples, rec.WeakAreas[1].Area)
	assert.Len(t, rec.Reasons, 2)
}

func TestRecommendForTeacher_PayloadFallback(t *testing.T) {
	f := newFixture(t, &testutil.AnalyzerStub{})
	sess := testutil.CreateSession(t, f.repo, "teacher-1", "", videoURL, session.Metadata{})
	err := f.repo.CompleteSession(ctx, sess.ID, session.Completion{
		TeacherID:  "teacher-1",
		AnalyzedAt: time.Now(),
		Result: session.Result{
			Scores:  session.Scores{Clarity: 4, Engagement: 4, Interaction: 4, Overall: 4},
			Payload: json.RawMessage(`{"metrics":{"content":{"interaction_score":4,"structure_score":4,"example_count":2,"question_count":4}}}`),
		},
	})
	require.NoError(t, err)

	rec, err := f.svc.RecommendForTeacher(ctx, "teacher-1")
	require.NoError(t, err)
	assert.True(t, rec.SessionUsed)
	assert.Empty(t, rec.WeakAreas)
	assert.Equal(t, "Based on your recent teaching session, your scores look good. Keep up the practice; you can still browse all training modules from the Training page.", rec.Message)
}

func TestQuery(t *testing.T) {
	f := newFixture(t, &testutil.AnalyzerStub{})
	a := testutil.CreateSession(t, f.repo, "teacher-1", "school-1", videoURL, session.Metadata{}, time.Now().Add(-time.Hour))
	b := testutil.CreateSession(t, f.repo, "teacher-2", "school-1", videoURL, session.Metadata{})
	testutil.CreateSession(t, f.repo, "teacher-3", "school-2", videoURL, session.Metadata{})

	got, err := f.svc.Query(ctx, session.QueryFilter{SchoolID: "school-1"}, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, b.ID, got[0].ID, "newest first by default")
	assert.Equal(t, a.ID, got[1].ID)

	_, err = f.svc.Query(ctx, session.QueryFilter{Status: "done"}, nil)
	assert.Error(t, err)
}
