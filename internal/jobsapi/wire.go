// Package jobsapi serves an insights.JobsBackend over HTTP and provides the
// matching remote client.
package jobsapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/aristath/workgraph/internal/insights"
	"github.com/aristath/workgraph/internal/jobs"
)

// Error codes carried in error bodies.
const (
	CodeNotFound          = "not_found"
	CodeNoCheckpoint      = "no_checkpoint"
	CodeInvalidTransition = "invalid_transition"
	CodeAlreadyRunning    = "already_running"
	CodeManifestMismatch  = "manifest_mismatch"
	CodeNotConfigured     = "not_configured"
	CodeBadRequest        = "bad_request"
	CodeUnauthorized      = "unauthorized"
	CodeInternal          = "internal"
)

// errorBody is the JSON shape of every non-2xx response.
type errorBody struct {
	Error string     `json:"error"`
	Code  string     `json:"code"`
	JobID string     `json:"job_id,omitempty"`
	From  jobs.State `json:"from,omitempty"`
	To    jobs.State `json:"to,omitempty"`
	Hint  string     `json:"hint,omitempty"`
}

// cancelBody is the request body of POST /jobs/{id}/cancel.
type cancelBody struct {
	Force  bool   `json:"force"`
	Reason string `json:"reason,omitempty"`
}

// errorFor maps err onto a status code and body.
func errorFor(err error) (int, errorBody) {
	body := errorBody{Error: err.Error(), Code: CodeInternal}

	var (
		notFound   *jobs.NotFoundError
		transition *jobs.InvalidTransitionError
		running    *jobs.AlreadyRunningError
		noCP       *jobs.NoCheckpointError
		mismatch   *jobs.ManifestMismatchError
	)
	switch {
	case errors.As(err, &notFound):
		body.Code, body.JobID = CodeNotFound, notFound.JobID
		return http.StatusNotFound, body
	case errors.As(err, &transition):
		body.Code, body.JobID = CodeInvalidTransition, transition.JobID
		body.From, body.To, body.Hint = transition.From, transition.To, transition.Hint
		return http.StatusConflict, body
	case errors.As(err, &running):
		body.Code, body.JobID = CodeAlreadyRunning, running.JobID
		return http.StatusConflict, body
	case errors.As(err, &noCP):
		body.Code, body.JobID = CodeNoCheckpoint, noCP.JobID
		return http.StatusNotFound, body
	case errors.As(err, &mismatch):
		body.Code, body.JobID = CodeManifestMismatch, mismatch.JobID
		return http.StatusConflict, body
	case errors.Is(err, insights.ErrNotConfigured):
		body.Code = CodeNotConfigured
		return http.StatusServiceUnavailable, body
	}
	return http.StatusInternalServerError, body
}

// asError turns a decoded error body back into the typed error the server
// started from.
func (b errorBody) asError(status int) error {
	switch b.Code {
	case CodeNotFound:
		return &jobs.NotFoundError{JobID: b.JobID}
	case CodeInvalidTransition:
		return &jobs.InvalidTransitionError{JobID: b.JobID, From: b.From, To: b.To, Hint: b.Hint}
	case CodeAlreadyRunning:
		return &jobs.AlreadyRunningError{JobID: b.JobID}
	case CodeNoCheckpoint:
		return &jobs.NoCheckpointError{JobID: b.JobID}
	case CodeManifestMismatch:
		return &jobs.ManifestMismatchError{JobID: b.JobID}
	}
	return &APIError{StatusCode: status, Code: b.Code, Message: b.Error}
}

// APIError is a server error with no typed counterpart.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return "jobs api: " + http.StatusText(e.StatusCode)
	}
	return "jobs api: " + e.Message
}

// encodeLogQuery writes q as since/after/sequence parameters.
func encodeLogQuery(q jobs.LogQuery) url.Values {
	v := url.Values{}
	if !q.Since.IsZero() {
		v.Set("since", q.Since.UTC().Format(time.RFC3339Nano))
	}
	if q.After != nil {
		v.Set("after", q.After.Timestamp.UTC().Format(time.RFC3339Nano))
		v.Set("sequence", strconv.FormatInt(q.After.Sequence, 10))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

func decodeLogQuery(v url.Values) (jobs.LogQuery, error) {
	var q jobs.LogQuery
	if s := v.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return q, errors.New("since must be an RFC 3339 timestamp")
		}
		q.Since = t
	}
	if s := v.Get("after"); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return q, errors.New("after must be an RFC 3339 timestamp")
		}
		seq, err := strconv.ParseInt(v.Get("sequence"), 10, 64)
		if err != nil {
			return q, errors.New("after requires an integer sequence")
		}
		q.After = &jobs.LogCursor{Timestamp: t, Sequence: seq}
	}
	if s := v.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return q, errors.New("limit must be a non-negative integer")
		}
		q.Limit = n
	}
	return q, nil
}

func encodeJobFilter(f jobs.JobFilter) url.Values {
	v := url.Values{}
	if f.WorkspaceID != "" {
		v.Set("workspace", f.WorkspaceID)
	}
	for _, s := range f.States {
		v.Add("state", string(s))
	}
	if f.Limit > 0 {
		v.Set("limit", strconv.Itoa(f.Limit))
	}
	return v
}

func decodeJobFilter(v url.Values) (jobs.JobFilter, error) {
	f := jobs.JobFilter{WorkspaceID: v.Get("workspace")}
	for _, s := range v["state"] {
		state := jobs.State(s)
		if !state.IsValid() {
			return f, errors.New("unknown job state " + strconv.Quote(s))
		}
		f.States = append(f.States, state)
	}
	if s := v.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return f, errors.New("limit must be a non-negative integer")
		}
		f.Limit = n
	}
	return f, nil
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}
