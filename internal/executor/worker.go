package executor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/contracts"
)

type PromptMode string

const (
	// PromptModeStdin writes the prompt to the worker's standard input.
	PromptModeStdin PromptMode = "stdin"
	// PromptModeFile passes the prompt file path as the last argument.
	PromptModeFile PromptMode = "file"
)

const (
	DefaultTimeout   = 5 * time.Minute
	DefaultKillGrace = 5 * time.Second
	DefaultSlowAfter = 30 * time.Second
	DefaultTaskIDEnv = "CLAUDE_CODE_TASK_ID"

	maxStderr = 256 * 1024
)

var defaultClaudeArgs = []string{"--print", "--permission-mode", "bypassPermissions"}

// WorkerConfig describes how to launch the coding-agent worker.
type WorkerConfig struct {
	Command         string
	Args            []string
	PromptMode      PromptMode
	SuccessSentinel string
	TaskIDEnv       string
	Env             []string
	Timeout         time.Duration
	KillGrace       time.Duration
	SlowAfter       time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	c.Command = strings.TrimSpace(c.Command)
	if c.PromptMode == "" {
		if strings.HasSuffix(c.Command, ".sh") {
			c.PromptMode = PromptModeFile
		} else {
			c.PromptMode = PromptModeStdin
		}
	}
	if c.Args == nil && filepath.Base(c.Command) == "claude" {
		c.Args = append([]string(nil), defaultClaudeArgs...)
	}
	if c.TaskIDEnv == "" {
		c.TaskIDEnv = DefaultTaskIDEnv
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.KillGrace <= 0 {
		c.KillGrace = DefaultKillGrace
	}
	if c.SlowAfter <= 0 {
		c.SlowAfter = DefaultSlowAfter
	}
	return c
}

type runRequest struct {
	TaskID      string
	ExecutionID string
	Dir         string
	Prompt      string
	PromptPath  string
	Handle      *Handle
	OnChunk     func(chunk string)
	OnSlow      func()
}

type runResult struct {
	Command   []string
	StartedAt time.Time
	Stdout    string
	Stderr    string
	ExitCode  int
	// Err is nil on success, otherwise one of the contracts worker errors.
	Err     error
	Stopped stopReason
}

func (c WorkerConfig) commandLine(req runRequest) []string {
	replacer := strings.NewReplacer(
		"{{task_id}}", req.TaskID,
		"{{execution_id}}", req.ExecutionID,
		"{{work_dir}}", req.Dir,
		"{{prompt_file}}", req.PromptPath,
	)
	args := make([]string, 0, len(c.Args)+1)
	templated := false
	for _, raw := range c.Args {
		if strings.Contains(raw, "{{prompt_file}}") {
			templated = true
		}
		value := replacer.Replace(raw)
		if strings.TrimSpace(value) == "" {
			continue
		}
		args = append(args, value)
	}
	if c.PromptMode == PromptModeFile && !templated {
		args = append(args, req.PromptPath)
	}
	return append([]string{c.Command}, args...)
}

// run launches the worker and supervises it until exit. It never returns
// before the process has been reaped.
func (c WorkerConfig) run(ctx context.Context, req runRequest) runResult {
	commandLine := c.commandLine(req)
	result := runResult{Command: commandLine, StartedAt: time.Now(), ExitCode: -1}
	if c.Command == "" {
		result.Err = &contracts.SpawnError{Err: contracts.ErrWorkerNotConfigured}
		return result
	}

	cmd := exec.Command(commandLine[0], commandLine[1:]...)
	cmd.Dir = req.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Env = append(cmd.Env, c.TaskIDEnv+"="+req.TaskID, "KANBAN_EXECUTION_ID="+req.ExecutionID)
	if c.PromptMode == PromptModeStdin {
		cmd.Stdin = strings.NewReader(req.Prompt)
	}
	stdout := &chunkWriter{onChunk: req.OnChunk}
	stderr := &cappedBuffer{limit: maxStderr}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Bounds how long Wait blocks on output held open by grandchildren.
	cmd.WaitDelay = c.KillGrace

	if err := cmd.Start(); err != nil {
		result.Err = &contracts.SpawnError{Command: c.Command, Err: err}
		return result
	}

	exited := make(chan struct{})
	waitCh := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		close(exited)
		waitCh <- err
	}()
	if !req.Handle.attach(cmd.Process, exited) {
		req.Handle.stop(req.Handle.stopReason(), c.KillGrace)
	}

	hardTimeout := time.NewTimer(c.Timeout)
	defer hardTimeout.Stop()
	slowNotice := time.NewTimer(c.SlowAfter)
	defer slowNotice.Stop()
	done := ctx.Done()

	var waitErr error
	timedOut := false
wait:
	for {
		select {
		case waitErr = <-waitCh:
			break wait
		case <-hardTimeout.C:
			timedOut = true
			req.Handle.stop(stopTimeout, c.KillGrace)
		case <-slowNotice.C:
			if req.OnSlow != nil {
				req.OnSlow()
			}
		case <-done:
			done = nil
			req.Handle.stop(stopShutdown, c.KillGrace)
		}
	}

	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}
	result.Stopped = req.Handle.stopReason()

	switch {
	case timedOut:
		result.Err = &contracts.TimeoutError{After: c.Timeout}
	case waitErr != nil && !(errors.Is(waitErr, exec.ErrWaitDelay) && result.ExitCode == 0):
		result.Err = &contracts.NonZeroExitError{Code: result.ExitCode, Stderr: result.Stderr}
	case result.ExitCode != 0:
		result.Err = &contracts.NonZeroExitError{Code: result.ExitCode, Stderr: result.Stderr}
	case !c.succeeded(result.Stdout):
		result.Err = &contracts.EmptyOutputError{Sentinel: c.SuccessSentinel}
	}
	return result
}

// succeeded applies the output check for a clean exit: the sentinel when one
// is configured, otherwise any non-blank output.
func (c WorkerConfig) succeeded(stdout string) bool {
	if c.SuccessSentinel != "" {
		return strings.Contains(stdout, c.SuccessSentinel)
	}
	return strings.TrimSpace(stdout) != ""
}

// chunkWriter buffers stdout and reports every chunk as it arrives.
type chunkWriter struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	onChunk func(string)
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.buf.Write(p)
	w.mu.Unlock()
	if w.onChunk != nil && len(p) > 0 {
		w.onChunk(string(p))
	}
	return len(p), nil
}

func (w *chunkWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

// cappedBuffer keeps the tail of a stream.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; b.limit > 0 && over > 0 {
		b.buf = append([]byte(nil), b.buf[over:]...)
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
