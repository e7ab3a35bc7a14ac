// Package analyzer is the HTTP client of the external analyzer service.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/mwalimu/core/session"
	"github.com/trezcool/mwalimu/services/metrics"
)

const (
	analyzePath     = "/analyze"
	maxResponseSize = 32 << 20
)

type (
	Option func(*Client)

	// Client sends recordings to the analyzer. It never retries nor caches.
	Client struct {
		baseURL string
		timeout time.Duration
		http    *http.Client
	}

	analyzeRequest struct {
		VideoURL  string `json:"video_url"`
		SessionID string `json:"session_id,omitempty"`
	}
)

var _ session.Analyzer = (*Client)(nil)

// WithHTTPClient sets the underlying HTTP client. Its Timeout is overridden.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		timeout: timeout,
		http:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.http.Timeout = timeout
	return c
}

// Analyze posts the locator to the analyzer and decodes its response.
// One timeout covers connecting, sending the request and reading the whole response body.
func (c *Client) Analyze(ctx context.Context, locator, sessionID string) (*session.AnalyzerResponse, error) {
	locator = strings.TrimSpace(locator)
	if locator == "" {
		return nil, session.ErrMissingLocator
	}

	start := time.Now()
	resp, err := c.analyze(ctx, analyzeRequest{VideoURL: locator, SessionID: sessionID})
	metrics.AnalyzerRequestDuration.WithLabelValues(resultLabel(err)).Observe(time.Since(start).Seconds())
	return resp, err
}

func (c *Client) analyze(ctx context.Context, body analyzeRequest) (*session.AnalyzerResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "encoding analyzer request")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+analyzePath, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "building analyzer request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.trapTimeout(ctx, err, "calling analyzer")
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, c.trapTimeout(ctx, err, "reading analyzer response")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &session.AnalyzerError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var out session.AnalyzerResponse
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, &session.AnalyzerBadResponse{Err: err}
	}
	return &out, nil
}

// trapTimeout maps deadline and network timeout errors to *session.AnalyzerTimeout.
func (c *Client) trapTimeout(ctx context.Context, err error, msg string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &session.AnalyzerTimeout{After: c.timeout}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &session.AnalyzerTimeout{After: c.timeout}
	}
	return errors.Wrap(err, msg)
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	switch errors.Cause(err).(type) {
	case *session.AnalyzerTimeout:
		return "timeout"
	case *session.AnalyzerBadResponse:
		return "bad_response"
	}
	return "error"
}
