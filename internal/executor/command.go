package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variables set for every task process.
const (
	EnvJobID   = "WORKGRAPH_JOB_ID"
	EnvTaskID  = "WORKGRAPH_TASK_ID"
	EnvTaskKey = "WORKGRAPH_TASK_KEY"
	EnvAttempt = "WORKGRAPH_ATTEMPT"
)

// CommandExecutor runs a fixed argv once per task. The task identity is
// passed through the environment. If the last non-empty stdout line is a JSON
// object it is read as a report:
//
//	{"status": "failed", "model": "m", "prompt_tokens": 10, "completion_tokens": 2}
type CommandExecutor struct {
	argv    []string
	workDir string
	timeout time.Duration
	pm      *ProcessManager
	logger  *slog.Logger
}

// CommandOption configures a CommandExecutor.
type CommandOption func(*CommandExecutor)

// WithWorkDir sets the directory tasks run in.
func WithWorkDir(dir string) CommandOption {
	return func(e *CommandExecutor) { e.workDir = dir }
}

// WithTimeout bounds each attempt. Zero disables the bound.
func WithTimeout(d time.Duration) CommandOption {
	return func(e *CommandExecutor) { e.timeout = d }
}

// WithProcessManager tracks task processes in pm.
func WithProcessManager(pm *ProcessManager) CommandOption {
	return func(e *CommandExecutor) { e.pm = pm }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) CommandOption {
	return func(e *CommandExecutor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewCommandExecutor creates an executor running argv.
func NewCommandExecutor(argv []string, opts ...CommandOption) (*CommandExecutor, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, fmt.Errorf("executor command is empty")
	}
	e := &CommandExecutor{
		argv:   append([]string(nil), argv...),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

type report struct {
	Status           Status `json:"status"`
	Model            string `json:"model"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

// Execute runs the command for req.Task.
func (e *CommandExecutor) Execute(ctx context.Context, req Request) (Result, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	cmd := newCommand(ctx, e.argv[0], e.argv[1:]...)
	cmd.Dir = e.workDir
	cmd.Env = append(os.Environ(),
		EnvJobID+"="+req.JobID,
		EnvTaskID+"="+req.Task.ID,
		EnvTaskKey+"="+req.Task.Key,
		EnvAttempt+"="+strconv.Itoa(req.Attempt),
	)

	start := time.Now()
	stdout, _, err := executeCommand(cmd, e.pm)
	e.logger.Debug("task command finished",
		"job_id", req.JobID, "task_key", req.Task.Key, "attempt", req.Attempt,
		"duration", time.Since(start), "error", err)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, fmt.Errorf("task %s: %w", req.Task.Key, ctxErr)
		}
		return Result{}, fmt.Errorf("task %s: %w", req.Task.Key, err)
	}

	result := Result{Status: StatusSucceeded, Output: string(stdout)}
	if rep, ok := parseReport(stdout); ok {
		if rep.Status == StatusFailed {
			result.Status = StatusFailed
		}
		if rep.Model != "" || rep.PromptTokens > 0 || rep.CompletionTokens > 0 {
			result.Usage = &Usage{
				Model:            rep.Model,
				PromptTokens:     rep.PromptTokens,
				CompletionTokens: rep.CompletionTokens,
			}
		}
	}
	return result, nil
}

// parseReport decodes the last non-empty stdout line when it is a JSON object.
func parseReport(stdout []byte) (report, bool) {
	lines := bytes.Split(bytes.TrimSpace(stdout), []byte("\n"))
	last := strings.TrimSpace(string(lines[len(lines)-1]))
	if !strings.HasPrefix(last, "{") {
		return report{}, false
	}
	var rep report
	if err := json.Unmarshal([]byte(last), &rep); err != nil {
		return report{}, false
	}
	return rep, true
}
