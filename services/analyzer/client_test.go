package analyzer

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/mwalimu/core/session"
)

func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_Analyze(t *testing.T) {
	var got analyzeRequest
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/analyze", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"pedagogy_score": 4, "engagement_score": 3.5, "delivery_score": 4.2, "curriculum_score": 3.8,
			"transcript_summary": "fractions",
			"strengths": ["clear voice"],
			"metrics": {"audio": {"speech_ratio": 0.7}, "content": {"question_count": 3}}
		}`)
	})

	client := NewClient(srv.URL+"/", time.Second)
	resp, err := client.Analyze(context.Background(), "  https://x/video.mp4 ", "s-1")
	require.NoError(t, err)

	assert.Equal(t, analyzeRequest{VideoURL: "https://x/video.mp4", SessionID: "s-1"}, got)
	assert.Equal(t, json.Number("4"), resp.PedagogyScore)
	assert.Equal(t, json.Number("4.2"), resp.DeliveryScore)
	assert.Equal(t, "fractions", resp.TranscriptSummary)
	require.NotNil(t, resp.Metrics)
	assert.JSONEq(t, `{"question_count": 3}`, string(resp.Metrics.Content))
	assert.Empty(t, resp.Warning)
}

func TestClient_AnalyzeOmitsEmptySessionID(t *testing.T) {
	var body map[string]interface{}
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = io.WriteString(w, `{"warning":"no speech detected"}`)
	})

	resp, err := NewClient(srv.URL, time.Second).Analyze(context.Background(), "https://x/video.mp4", "")
	require.NoError(t, err)
	assert.Equal(t, "no speech detected", resp.Warning)
	assert.Equal(t, map[string]interface{}{"video_url": "https://x/video.mp4"}, body)
}

func TestClient_AnalyzeErrors(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		handler http.HandlerFunc
		check   func(t *testing.T, err error)
	}{
		{
			name:    "non success status",
			timeout: time.Second,
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
				_, _ = io.WriteString(w, "upstream down")
			},
			check: func(t *testing.T, err error) {
				var aerr *session.AnalyzerError
				require.True(t, errors.As(err, &aerr), "got %T", err)
				assert.Equal(t, http.StatusBadGateway, aerr.StatusCode)
				assert.Equal(t, "upstream down", aerr.Body)
			},
		},
		{
			name:    "malformed body",
			timeout: time.Second,
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, `{"pedagogy_score": 4,`)
			},
			check: func(t *testing.T, err error) {
				assert.IsType(t, &session.AnalyzerBadResponse{}, err)
			},
		},
		{
			name:    "slow headers",
			timeout: 50 * time.Millisecond,
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
			},
			check: func(t *testing.T, err error) {
				assert.IsType(t, &session.AnalyzerTimeout{}, err)
				assert.Contains(t, err.Error(), "timeout")
			},
		},
		{
			name:    "slow body",
			timeout: 100 * time.Millisecond,
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = io.WriteString(w, `{"pedagogy_score": 4,`)
				w.(http.Flusher).Flush()
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
			},
			check: func(t *testing.T, err error) {
				assert.IsType(t, &session.AnalyzerTimeout{}, err)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(t, tt.handler)
			resp, err := NewClient(srv.URL, tt.timeout).Analyze(context.Background(), "https://x/video.mp4", "s-1")
			require.Error(t, err)
			assert.Nil(t, resp)
			tt.check(t, err)
		})
	}
}

func TestClient_AnalyzeMissingLocator(t *testing.T) {
	var called bool
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) { called = true })

	_, err := NewClient(srv.URL, time.Second).Analyze(context.Background(), "   ", "s-1")
	assert.Equal(t, session.ErrMissingLocator, err)
	assert.False(t, called)
}

func TestClient_AnalyzeUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, time.Second).Analyze(context.Background(), "https://x/video.mp4", "s-1")
	require.Error(t, err)
	assert.Equal(t, "error", resultLabel(err))
	assert.Contains(t, err.Error(), "calling analyzer")
}

func TestResultLabel(t *testing.T) {
	assert.Equal(t, "ok", resultLabel(nil))
	assert.Equal(t, "timeout", resultLabel(&session.AnalyzerTimeout{}))
	assert.Equal(t, "bad_response", resultLabel(&session.AnalyzerBadResponse{Err: io.ErrUnexpectedEOF}))
	assert.Equal(t, "error", resultLabel(&session.AnalyzerError{StatusCode: 500}))
}
