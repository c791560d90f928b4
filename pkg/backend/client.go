// Package backend is the HTTP transport to the retrieval/generation service.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const DefaultBaseURL = "http://localhost:8000"

// Client talks to the backend. The base URL can change at runtime when settings are updated.
type Client struct {
	mu       sync.RWMutex
	baseURL  string
	http     *http.Client
	timeouts Timeouts
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithTimeouts(t Timeouts) Option {
	return func(c *Client) { c.timeouts = t.withDefaults() }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:  normalizeBaseURL(baseURL),
		http:     &http.Client{},
		timeouts: DefaultTimeouts(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func normalizeBaseURL(u string) string {
	u = strings.TrimRight(strings.TrimSpace(u), "/")
	if u == "" {
		return DefaultBaseURL
	}
	return u
}

func (c *Client) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL
}

func (c *Client) SetBaseURL(u string) {
	u = normalizeBaseURL(u)
	c.mu.Lock()
	changed := c.baseURL != u
	c.baseURL = u
	c.mu.Unlock()
	if changed {
		log.Info().Str("component", "backend").Str("base_url", u).Msg("backend url changed")
	}
}

func (c *Client) Timeouts() Timeouts { return c.timeouts }

// Health reports whether the backend answers GET /health within the health budget.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	var out HealthStatus
	if err := c.do(ctx, c.timeouts.Health, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ProcessVideo(ctx context.Context, req ProcessRequest) (*ProcessResult, error) {
	if req.Language == "" {
		req.Language = "en"
	}
	var out ProcessResult
	if err := c.do(ctx, c.timeouts.Process, http.MethodPost, "/process_video", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) AskQuestion(ctx context.Context, req QuestionRequest) (*Answer, error) {
	var out Answer
	if err := c.do(ctx, c.timeouts.Question, http.MethodPost, "/ask_question", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Summary(ctx context.Context, videoID string) (*Summary, error) {
	var out Summary
	path := "/video/" + url.PathEscape(videoID) + "/summary"
	if err := c.do(ctx, c.timeouts.Question, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Search(ctx context.Context, videoID, query string, limit int) (*SearchResult, error) {
	q := url.Values{}
	q.Set("query", query)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out SearchResult
	path := "/video/" + url.PathEscape(videoID) + "/search?" + q.Encode()
	if err := c.do(ctx, c.timeouts.Question, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteVideo(ctx context.Context, videoID string) error {
	var out deleteResult
	return c.do(ctx, c.timeouts.Question, http.MethodDelete, "/video/"+url.PathEscape(videoID), nil, &out)
}

// StreamResponse is an open answer stream. Close must be called once the body is consumed.
type StreamResponse struct {
	Body        io.Reader
	ContentType string

	body   io.ReadCloser
	cancel context.CancelFunc
}

func (s *StreamResponse) Close() error {
	if s == nil {
		return nil
	}
	if s.cancel != nil {
		defer s.cancel()
	}
	if s.body != nil {
		return s.body.Close()
	}
	return nil
}

// IsEventStream reports whether the backend answered with text/event-stream.
func (s *StreamResponse) IsEventStream() bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(s.ContentType)), "text/event-stream")
}

// AskQuestionStream opens POST /ask_question_stream. The stream budget spans the whole read.
func (c *Client) AskQuestionStream(ctx context.Context, req QuestionRequest) (*StreamResponse, error) {
	ctx, cancel := context.WithTimeoutCause(ctx, c.timeouts.Stream, ErrTimeout)
	resp, err := c.send(ctx, http.MethodPost, "/ask_question_stream", req, "text/event-stream")
	if err != nil {
		cancel()
		return nil, classify(ctx, err, "ask question stream")
	}
	return &StreamResponse{
		Body:        &timeoutReader{ctx: ctx, r: resp.Body},
		ContentType: resp.Header.Get("Content-Type"),
		body:        resp.Body,
		cancel:      cancel,
	}, nil
}

// timeoutReader reports ErrTimeout when the stream budget cuts a read short.
type timeoutReader struct {
	ctx context.Context
	r   io.Reader
}

func (t *timeoutReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF && errors.Is(context.Cause(t.ctx), ErrTimeout) {
		return n, errors.Wrap(ErrTimeout, "read answer stream")
	}
	return n, err
}

func (c *Client) do(ctx context.Context, budget time.Duration, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeoutCause(ctx, budget, ErrTimeout)
	defer cancel()

	op := method + " " + strings.SplitN(path, "?", 2)[0]
	resp, err := c.send(ctx, method, path, in, "application/json")
	if err != nil {
		return classify(ctx, err, op)
	}
	defer func() { _ = resp.Body.Close() }()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return classify(ctx, errors.Wrap(err, "decode response"), op)
	}
	return nil
}

// send issues the request and turns non-2xx answers into a StatusError.
func (c *Client) send(ctx context.Context, method, path string, in any, accept string) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return nil, errors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL()+path, body)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", accept)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("component", "backend").Str("method", method).Str("path", req.URL.Path).
		Int("status", resp.StatusCode).Dur("elapsed", time.Since(start)).Msg("backend call")
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
		return nil, newStatusError(method, req.URL.Path, resp.StatusCode, raw)
	}
	return resp, nil
}
