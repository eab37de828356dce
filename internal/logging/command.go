package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const maxLoggedStream = 64 * 1024

// WorkerRun describes one finished worker invocation.
type WorkerRun struct {
	TaskID      string
	ExecutionID string
	Command     []string
	Dir         string
	StartedAt   time.Time
	ExitCode    int
	Stdout      string
	Stderr      string
	Err         error
}

// CommandLogger appends one JSON line per worker run to a daily file.
type CommandLogger struct {
	logDir string
	now    func() time.Time
	mu     sync.Mutex
}

// CommandLogEntry is one line of the worker run log. Lines for runs that never
// got an execution row carry the task id only.
type CommandLogEntry struct {
	Timestamp   string `json:"timestamp"`
	Level       string `json:"level"`
	TaskID      string `json:"task_id"`
	ExecutionID string `json:"execution_id,omitempty"`
	Command     string `json:"command"`
	Dir         string `json:"dir,omitempty"`
	StartTime   string `json:"start_time"`
	Elapsed     string `json:"elapsed"`
	ExitCode    int    `json:"exit_code"`
	Status      string `json:"status"`
	Stdout      string `json:"stdout"`
	Stderr      string `json:"stderr"`
	Error       string `json:"error,omitempty"`
}

func NewCommandLogger(logDir string) *CommandLogger {
	return &CommandLogger{logDir: logDir, now: time.Now}
}

func (cl *CommandLogger) LogRun(run WorkerRun) error {
	if cl == nil || strings.TrimSpace(cl.logDir) == "" {
		return nil
	}
	command := run.Command
	if len(command) == 0 {
		command = []string{"unknown"}
	}
	now := cl.now()
	level := "info"
	status := "ok"
	if run.Err != nil || run.ExitCode != 0 {
		level = "error"
		status = "failed"
	}
	taskID := strings.TrimSpace(run.TaskID)
	if taskID == "" {
		taskID = "unknown"
	}
	entry := CommandLogEntry{
		Timestamp:   now.UTC().Format(time.RFC3339),
		Level:       level,
		TaskID:      taskID,
		ExecutionID: run.ExecutionID,
		Command:     strings.Join(command, " "),
		Dir:         run.Dir,
		StartTime:   run.StartedAt.UTC().Format(time.RFC3339),
		Elapsed:     now.Sub(run.StartedAt).Round(time.Millisecond).String(),
		ExitCode:    run.ExitCode,
		Status:      status,
		Stdout:      truncate(run.Stdout),
		Stderr:      truncate(run.Stderr),
	}
	if run.Err != nil {
		entry.Error = run.Err.Error()
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()
	if err := os.MkdirAll(cl.logDir, 0o755); err != nil {
		return err
	}
	logPath := filepath.Join(cl.logDir, "worker-"+now.UTC().Format("20060102")+".jsonl")
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer logFile.Close()
	_, err = logFile.Write(append(payload, '\n'))
	return err
}

func truncate(stream string) string {
	if len(stream) <= maxLoggedStream {
		return stream
	}
	return stream[len(stream)-maxLoggedStream:]
}
