package jobsapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sony/gobreaker"

	"github.com/aristath/workgraph/internal/insights"
	"github.com/aristath/workgraph/internal/jobs"
	"github.com/aristath/workgraph/internal/persistence"
)

func testEngine(t *testing.T) *jobs.Engine {
	t.Helper()
	store, err := persistence.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return jobs.NewEngine(store)
}

// testAPI serves a local backend and returns a client pointed at it.
func testAPI(t *testing.T, key string, opts ...ClientOption) (*jobs.Engine, *Client) {
	t.Helper()
	engine := testEngine(t)
	srv := httptest.NewServer(NewServer(insights.NewLocalBackend(engine), WithAPIKey(key)).Handler())
	t.Cleanup(srv.Close)

	opts = append([]ClientOption{WithBearerToken(key), WithRetry(2, time.Millisecond, 5*time.Millisecond)}, opts...)
	client, err := NewClient(srv.URL, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return engine, client
}

func startedJob(t *testing.T, engine *jobs.Engine) *jobs.Job {
	t.Helper()
	ctx := context.Background()
	job, err := engine.CreateJob(ctx, jobs.CreateJobRequest{WorkspaceID: "ws", Type: "work", TotalUnits: 2})
	if err != nil {
		t.Fatal(err)
	}
	if job, err = engine.Start(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	return job
}

func TestClientRoundTrip(t *testing.T) {
	engine, client := testAPI(t, "secret")
	ctx := context.Background()
	job := startedJob(t, engine)
	engine.UpdateProgress(ctx, job.ID, 1, 2)
	engine.WriteCheckpoint(ctx, job.ID, "task", map[string]string{"task_key": "T1"})
	engine.RecordTokenUsage(ctx, jobs.TokenUsage{JobID: job.ID, Model: "m", PromptTokens: 10, CompletionTokens: 5})
	run, _ := engine.StartTaskRun(ctx, jobs.TaskRunRequest{JobID: job.ID, TaskID: "id-T1", TaskKey: "T1"})
	engine.FinishTaskRun(ctx, run, jobs.RunFailed, errors.New("boom"))

	got, err := client.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	want, _ := engine.GetJob(ctx, job.ID)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("job mismatch (-local +remote):\n%s", diff)
	}

	list, err := client.ListJobs(ctx, jobs.JobFilter{WorkspaceID: "ws", States: []jobs.State{jobs.StateRunning}})
	if err != nil || len(list) != 1 {
		t.Fatalf("ListJobs = %d jobs, %v", len(list), err)
	}

	cp, err := client.LatestCheckpoint(ctx, job.ID)
	if err != nil || cp == nil || cp.Stage != "task" {
		t.Fatalf("LatestCheckpoint = %+v, %v", cp, err)
	}

	tasks, err := client.SummarizeTasks(ctx, job.ID)
	if err != nil || tasks.Total != 1 || len(tasks.Failed) != 1 {
		t.Fatalf("SummarizeTasks = %+v, %v", tasks, err)
	}
	tokens, err := client.SummarizeTokenUsage(ctx, job.ID)
	if err != nil || tokens.TotalTokens != 15 {
		t.Fatalf("SummarizeTokenUsage = %+v, %v", tokens, err)
	}

	cancelled, err := client.CancelJob(ctx, job.ID, jobs.CancelOptions{Reason: "operator"})
	if err != nil || cancelled.State != jobs.StateCancelled || cancelled.CancelReason != "operator" {
		t.Fatalf("CancelJob = %+v, %v", cancelled, err)
	}
}

func TestClientLogCursorPaging(t *testing.T) {
	engine, client := testAPI(t, "")
	ctx := context.Background()
	job := startedJob(t, engine)
	for _, msg := range []string{"a", "b", "c"} {
		engine.AppendLog(ctx, jobs.LogEntry{JobID: job.ID, Message: msg})
	}

	var seen []string
	var cursor *jobs.LogCursor
	for i := 0; i < 5; i++ {
		page, err := client.GetJobLogs(ctx, job.ID, jobs.LogQuery{After: cursor, Limit: 2})
		if err != nil {
			t.Fatalf("GetJobLogs failed: %v", err)
		}
		if len(page.Entries) == 0 {
			if diff := cmp.Diff(cursor, page.Cursor); diff != "" {
				t.Errorf("empty page must echo the cursor:\n%s", diff)
			}
			break
		}
		for _, e := range page.Entries {
			seen = append(seen, e.Message)
		}
		cursor = page.Cursor
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, seen); diff != "" {
		t.Errorf("paged entries mismatch:\n%s", diff)
	}
}

func TestClientNotFoundIsNil(t *testing.T) {
	_, client := testAPI(t, "")
	ctx := context.Background()

	job, err := client.GetJob(ctx, "ghost")
	if err != nil || job != nil {
		t.Errorf("GetJob = %v, %v; want nil, nil", job, err)
	}
	cp, err := client.LatestCheckpoint(ctx, "ghost")
	if err != nil || cp != nil {
		t.Errorf("LatestCheckpoint = %v, %v; want nil, nil", cp, err)
	}
	cancelled, err := client.CancelJob(ctx, "ghost", jobs.CancelOptions{})
	if err != nil || cancelled != nil {
		t.Errorf("CancelJob = %v, %v; want nil, nil", cancelled, err)
	}

	svc := insights.New(client)
	if _, err := svc.CancelJob(ctx, "ghost", jobs.CancelOptions{}); !errors.Is(err, jobs.ErrJobNotFound) {
		t.Errorf("expected the service to report ErrJobNotFound, got %v", err)
	}
}

func TestClientTypedErrors(t *testing.T) {
	engine, client := testAPI(t, "")
	ctx := context.Background()
	job := startedJob(t, engine)
	engine.Complete(ctx, job.ID)

	_, err := client.CancelJob(ctx, job.ID, jobs.CancelOptions{})
	var ite *jobs.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %T %v", err, err)
	}
	if ite.From != jobs.StateCompleted || !strings.Contains(ite.Hint, "--force") {
		t.Errorf("unexpected transition error %+v", ite)
	}

	forced, err := client.CancelJob(ctx, job.ID, jobs.CancelOptions{Force: true, Reason: "stale"})
	if err != nil || forced.CancelReason != "forced from completed: stale" {
		t.Errorf("forced cancel = %+v, %v", forced, err)
	}
}

func TestServerAuth(t *testing.T) {
	engine := testEngine(t)
	srv := httptest.NewServer(NewServer(insights.NewLocalBackend(engine), WithAPIKey("secret")).Handler())
	defer srv.Close()

	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"missing key", "", true},
		{"wrong key", "nope", true},
		{"right key", "secret", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient(srv.URL, WithBearerToken(tt.key))
			if err != nil {
				t.Fatal(err)
			}
			_, err = client.ListJobs(context.Background(), jobs.JobFilter{})
			if !tt.wantErr {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			var apiErr *APIError
			if !errors.As(err, &apiErr) || apiErr.Code != CodeUnauthorized {
				t.Errorf("expected unauthorized APIError, got %v", err)
			}
		})
	}
}

func TestServerRejectsBadQueries(t *testing.T) {
	engine := testEngine(t)
	srv := httptest.NewServer(NewServer(insights.NewLocalBackend(engine)).Handler())
	defer srv.Close()

	for _, path := range []string{
		"/jobs?state=bogus",
		"/jobs?limit=-1",
		"/jobs/x/logs?since=yesterday",
		"/jobs/x/logs?after=2024-01-01T00:00:00Z",
	} {
		t.Run(path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + path)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", resp.StatusCode)
			}
		})
	}
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, []jobs.Job{{ID: "j1"}})
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, WithRetry(3, time.Millisecond, 5*time.Millisecond))
	list, err := client.ListJobs(context.Background(), jobs.JobFilter{})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if len(list) != 1 || calls.Load() != 3 {
		t.Errorf("expected 1 job after 3 calls, got %d jobs after %d calls", len(list), calls.Load())
	}
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusConflict, errorBody{Error: "busy", Code: CodeAlreadyRunning, JobID: "j1"})
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, WithRetry(5, time.Millisecond, 5*time.Millisecond))
	_, err := client.CancelJob(context.Background(), "j1", jobs.CancelOptions{})
	if !errors.Is(err, jobs.ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected a single call, got %d", calls.Load())
	}
}

func TestClientRemoteUnavailable(t *testing.T) {
	t.Run("persistent 5xx", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		client, _ := NewClient(srv.URL, WithRetry(2, time.Millisecond, 5*time.Millisecond))
		_, err := client.GetJob(context.Background(), "j1")
		var rue *insights.RemoteUnavailableError
		if !errors.As(err, &rue) || rue.BaseURL != srv.URL {
			t.Errorf("expected RemoteUnavailableError for %s, got %v", srv.URL, err)
		}
	})

	t.Run("connection refused", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		client, _ := NewClient(url, WithRetry(2, time.Millisecond, 5*time.Millisecond))
		_, err := client.ListJobs(context.Background(), jobs.JobFilter{})
		if !errors.Is(err, insights.ErrRemoteUnavailable) {
			t.Errorf("expected ErrRemoteUnavailable, got %v", err)
		}
	})
}

func TestClientBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL,
		WithRetry(1, time.Millisecond, time.Millisecond),
		WithBreaker(2, time.Minute))
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		client.GetJob(ctx, "j1")
	}
	before := calls.Load()

	_, err := client.GetJob(ctx, "j1")
	if !errors.Is(err, gobreaker.ErrOpenState) || !errors.Is(err, insights.ErrRemoteUnavailable) {
		t.Errorf("expected open breaker reported as remote unavailable, got %v", err)
	}
	if calls.Load() != before {
		t.Errorf("open breaker must not reach the server")
	}
}

func TestClientContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, WithRetry(10, 50*time.Millisecond, time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := client.ListJobs(ctx, jobs.JobFilter{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestNewClientValidatesURL(t *testing.T) {
	for _, raw := range []string{"", "localhost:7420", "ftp://host", "http://"} {
		if _, err := NewClient(raw); err == nil {
			t.Errorf("expected %q to be rejected", raw)
		}
	}
}
