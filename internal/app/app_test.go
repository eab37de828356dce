package app

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/config"
	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/contracts"
	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/store"
)

func testConfig(t *testing.T, script string) config.Config {
	t.Helper()
	dir := t.TempDir()
	worker := filepath.Join(dir, "worker.sh")
	require.NoError(t, os.WriteFile(worker, []byte("#!/bin/sh\n"+script), 0o755))

	cfg := config.Default()
	cfg.Database.Path = filepath.Join(dir, "data", "kanban.db")
	cfg.Workspace.Root = filepath.Join(dir, "workspace")
	cfg.Worker.Command = worker
	cfg.Events.Journal = filepath.Join(dir, "events.jsonl")
	return cfg
}

func TestBuildWiresSchedulerExecutorAndNotifications(t *testing.T) {
	ctx := context.Background()
	a, err := Build(testConfig(t, "echo report > report.md\necho finished\n"), nil)
	require.NoError(t, err)
	defer a.Close()

	task, err := a.Store().CreateTask(ctx, store.NewTask{Title: "Summarise logs"})
	require.NoError(t, err)
	_, err = a.Store().RequestTask(ctx, task.ID)
	require.NoError(t, err)

	started, err := a.scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, started)
	a.executor.Wait()

	current, err := a.Store().GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.TaskStatusReview, current.Status)

	outputs, err := a.Store().ListOutputFiles(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, "report.md", outputs[0].Name)

	notifications, err := a.Store().Notifications().List(ctx, 10, false)
	require.NoError(t, err)
	types := map[contracts.EventType]bool{}
	for _, n := range notifications {
		types[n.Type] = true
	}
	assert.True(t, types[contracts.EventTypeTaskStart])
	assert.True(t, types[contracts.EventTypeReviewRequest])

	journal, err := os.ReadFile(a.cfg.Events.Journal)
	require.NoError(t, err)
	assert.Contains(t, string(journal), "review_request")

	runLogs, err := filepath.Glob(filepath.Join(a.cfg.Workspace.Root, ".logs", "worker-*.jsonl"))
	require.NoError(t, err)
	assert.Len(t, runLogs, 1)
}

func freePort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())
	return port
}

func TestRunResetsAbandonedWorkAndServesHTTP(t *testing.T) {
	cfg := testConfig(t, "echo done\n")
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = freePort(t)
	cfg.Scheduler.Interval = config.Duration(time.Hour)

	a, err := Build(cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	task, err := a.Store().CreateTask(ctx, store.NewTask{Title: "Interrupted"})
	require.NoError(t, err)
	_, err = a.Store().RequestTask(ctx, task.ID)
	require.NoError(t, err)
	_, err = a.Store().TransitionTask(ctx, task.ID, contracts.TaskStatusRequested, contracts.TaskStatusWorking)
	require.NoError(t, err)
	_, err = a.Store().CreateExecution(ctx, contracts.Execution{TaskID: task.ID, Version: 1})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.Run(runCtx) }()

	url := "http://127.0.0.1:" + strconv.Itoa(cfg.Server.Port) + "/health"
	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get(url)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	current, err := a.Store().GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.TaskStatusPending, current.Status)
	_, found, err := a.Store().RunningExecution(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, found)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
