package jobsapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/workgraph/internal/insights"
	"github.com/aristath/workgraph/internal/jobs"
)

const maxResponseBytes = 8 << 20

// Client is an insights.JobsBackend talking to a remote jobs API.
// Transport failures and 5xx responses are retried with exponential backoff
// behind a circuit breaker and finally reported as
// *insights.RemoteUnavailableError. A 404 yields a nil result.
type Client struct {
	baseURL     string
	apiKey      string
	http        *http.Client
	attempts    int
	initial     time.Duration
	maxInterval time.Duration
	maxFailures uint32
	openTimeout time.Duration
	logger      *slog.Logger
	breaker     *gobreaker.CircuitBreaker
}

var _ insights.JobsBackend = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBearerToken sends the API key as a bearer token.
func WithBearerToken(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout bounds each HTTP attempt.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithRetry sets attempts per call (including the first) and the backoff
// bounds.
func WithRetry(attempts int, initial, maxInterval time.Duration) ClientOption {
	return func(c *Client) {
		if attempts > 0 {
			c.attempts = attempts
		}
		if initial > 0 {
			c.initial = initial
		}
		if maxInterval > 0 {
			c.maxInterval = maxInterval
		}
	}
}

// WithBreaker sets how many consecutive failed calls open the breaker and
// how long it stays open.
func WithBreaker(maxFailures uint32, openTimeout time.Duration) ClientOption {
	return func(c *Client) {
		if maxFailures > 0 {
			c.maxFailures = maxFailures
		}
		if openTimeout > 0 {
			c.openTimeout = openTimeout
		}
	}
}

// WithClientLogger sets the client's logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("jobs api base URL must be an absolute http(s) URL, got %q", baseURL)
	}

	c := &Client{
		baseURL:     strings.TrimRight(u.String(), "/"),
		http:        &http.Client{Timeout: 10 * time.Second},
		attempts:    3,
		initial:     200 * time.Millisecond,
		maxInterval: 5 * time.Second,
		maxFailures: 5,
		openTimeout: 30 * time.Second,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "jobs-api",
		MaxRequests: 1,
		Timeout:     c.openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= c.maxFailures
		},
		IsSuccessful: func(err error) bool {
			var te *transientError
			return !errors.As(err, &te)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("jobs api circuit breaker state changed",
				"base_url", c.baseURL, "from", from.String(), "to", to.String())
		},
	})
	return c, nil
}

// transientError marks failures worth retrying: the server was unreachable
// or answered 5xx.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// do performs one logical call. found is false when the server answered 404.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) (found bool, err error) {
	var payload []byte
	if in != nil {
		if payload, err = json.Marshal(in); err != nil {
			return false, fmt.Errorf("failed to encode request: %w", err)
		}
	}
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	attempt := 0
	op := func() error {
		attempt++
		_, err := c.breaker.Execute(func() (interface{}, error) {
			f, err := c.send(ctx, method, target, payload, out)
			found = f
			return nil, err
		})
		if err == nil {
			return nil
		}
		var te *transientError
		if errors.As(err, &te) && ctx.Err() == nil {
			c.logger.Debug("jobs api call failed, retrying", "method", method, "path", path, "attempt", attempt, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initial
	b.MaxInterval = c.maxInterval
	err = backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.attempts-1)), ctx))
	if err == nil {
		return found, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	var te *transientError
	if errors.As(err, &te) || errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false, &insights.RemoteUnavailableError{BaseURL: c.baseURL, Err: err}
	}
	return false, err
}

func (c *Client) send(ctx context.Context, method, target string, payload []byte, out any) (bool, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return false, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, &transientError{err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return false, &transientError{err: fmt.Errorf("failed to read response: %w", err)}
	}

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return false, &transientError{err: fmt.Errorf("%s %s: %s", method, req.URL.Path, resp.Status)}
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= http.StatusBadRequest:
		var eb errorBody
		if err := json.Unmarshal(data, &eb); err != nil || eb.Code == "" {
			return false, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		}
		return false, eb.asError(resp.StatusCode)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return false, fmt.Errorf("failed to decode %s response: %w", req.URL.Path, err)
		}
	}
	return true, nil
}

func jobPath(id string, parts ...string) string {
	return "/jobs/" + url.PathEscape(id) + strings.Join(parts, "")
}

func (c *Client) ListJobs(ctx context.Context, filter jobs.JobFilter) ([]jobs.Job, error) {
	var out []jobs.Job
	if _, err := c.do(ctx, http.MethodGet, "/jobs", encodeJobFilter(filter), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	var out jobs.Job
	found, err := c.do(ctx, http.MethodGet, jobPath(id), nil, nil, &out)
	if err != nil || !found {
		return nil, err
	}
	return &out, nil
}

func (c *Client) LatestCheckpoint(ctx context.Context, id string) (*jobs.Checkpoint, error) {
	var out jobs.Checkpoint
	found, err := c.do(ctx, http.MethodGet, jobPath(id, "/checkpoint"), nil, nil, &out)
	if err != nil || !found {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetJobLogs(ctx context.Context, id string, q jobs.LogQuery) (*jobs.LogPage, error) {
	var out jobs.LogPage
	found, err := c.do(ctx, http.MethodGet, jobPath(id, "/logs"), encodeLogQuery(q), nil, &out)
	if err != nil {
		return nil, err
	}
	if !found {
		return &jobs.LogPage{Entries: []jobs.LogEntry{}, Cursor: q.After}, nil
	}
	return &out, nil
}

func (c *Client) SummarizeTasks(ctx context.Context, id string) (*jobs.TaskSummary, error) {
	var out jobs.TaskSummary
	found, err := c.do(ctx, http.MethodGet, jobPath(id, "/tasks/summary"), nil, nil, &out)
	if err != nil || !found {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SummarizeTokenUsage(ctx context.Context, id string) (*jobs.TokenUsageSummary, error) {
	var out jobs.TokenUsageSummary
	found, err := c.do(ctx, http.MethodGet, jobPath(id, "/tokens/summary"), nil, nil, &out)
	if err != nil || !found {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CancelJob(ctx context.Context, id string, opts jobs.CancelOptions) (*jobs.Job, error) {
	var out jobs.Job
	found, err := c.do(ctx, http.MethodPost, jobPath(id, "/cancel"), nil, cancelBody{Force: opts.Force, Reason: opts.Reason}, &out)
	if err != nil || !found {
		return nil, err
	}
	return &out, nil
}
