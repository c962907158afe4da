package jobsapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aristath/workgraph/internal/insights"
	"github.com/aristath/workgraph/internal/jobs"
)

const shutdownTimeout = 5 * time.Second

// Server exposes a JobsBackend over HTTP.
type Server struct {
	backend insights.JobsBackend
	apiKey  string
	logger  *slog.Logger
	handler http.Handler
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAPIKey requires "Authorization: Bearer <key>" on every request.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) { s.apiKey = key }
}

// WithServerLogger sets the server's logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer creates a server over backend.
func NewServer(backend insights.JobsBackend, opts ...ServerOption) *Server {
	s := &Server{
		backend: backend,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /jobs", s.handleListJobs)
	mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	mux.HandleFunc("GET /jobs/{id}/checkpoint", s.handleCheckpoint)
	mux.HandleFunc("GET /jobs/{id}/logs", s.handleLogs)
	mux.HandleFunc("GET /jobs/{id}/tasks/summary", s.handleTaskSummary)
	mux.HandleFunc("GET /jobs/{id}/tokens/summary", s.handleTokenSummary)
	mux.HandleFunc("POST /jobs/{id}/cancel", s.handleCancel)
	s.handler = s.requireAuth(mux)
	return s
}

// Handler returns the authenticated route tree.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(listener) }()
	s.logger.Info("jobs api listening", "addr", listener.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down jobs api: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	if s.apiKey == "" {
		return next
	}
	expected := []byte("Bearer " + s.apiKey)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(strings.TrimSpace(r.Header.Get("Authorization")))
		if subtle.ConstantTimeCompare(got, expected) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Code: CodeUnauthorized})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("jobs api request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, body)
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Code: CodeBadRequest})
}

func (s *Server) notFound(w http.ResponseWriter, id string) {
	s.notFoundCode(w, id, CodeNotFound, fmt.Sprintf("job %s not found", id))
}

func (s *Server) notFoundCode(w http.ResponseWriter, id, code, msg string) {
	writeJSON(w, http.StatusNotFound, errorBody{Error: msg, Code: code, JobID: id})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter, err := decodeJobFilter(r.URL.Query())
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	list, err := s.backend.ListJobs(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []jobs.Job{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.backend.GetJob(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if job == nil {
		s.notFound(w, id)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cp, err := s.backend.LatestCheckpoint(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if cp == nil {
		s.notFoundCode(w, id, CodeNoCheckpoint, fmt.Sprintf("no checkpoints found for job %s", id))
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	q, err := decodeLogQuery(r.URL.Query())
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	page, err := s.backend.GetJobLogs(r.Context(), r.PathValue("id"), q)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleTaskSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.backend.SummarizeTasks(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleTokenSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.backend.SummarizeTokenUsage(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body cancelBody
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			s.badRequest(w, "invalid cancel body: "+err.Error())
			return
		}
	}
	job, err := s.backend.CancelJob(r.Context(), id, jobs.CancelOptions{Force: body.Force, Reason: body.Reason})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if job == nil {
		s.notFound(w, id)
		return
	}
	s.logger.Info("job cancelled over api", "job_id", id, "force", body.Force)
	writeJSON(w, http.StatusOK, job)
}
