package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testLoader(files map[string]string, env map[string]string) Loader {
	return Loader{
		readFile: func(path string) ([]byte, error) {
			content, ok := files[path]
			if !ok {
				return nil, os.ErrNotExist
			}
			return []byte(content), nil
		},
		getenv: func(key string) string { return env[key] },
	}
}

func TestLoadMissingDefaultFileUsesDefaults(t *testing.T) {
	cfg, err := testLoader(nil, nil).Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Scheduler.MaxConcurrentTasks != 3 || cfg.Scheduler.RetryLimit != 3 {
		t.Fatalf("unexpected scheduler defaults %#v", cfg.Scheduler)
	}
	if cfg.Worker.Timeout.Duration() != 5*time.Minute || cfg.Worker.KillGrace.Duration() != 5*time.Second {
		t.Fatalf("unexpected worker defaults %#v", cfg.Worker)
	}
	settings := cfg.Settings()
	if !settings.WatchdogEnabled || settings.StaleAfter != 10*time.Minute {
		t.Fatalf("unexpected settings %#v", settings)
	}
	if cfg.Server.Addr() != ":5001" {
		t.Fatalf("unexpected addr %q", cfg.Server.Addr())
	}
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	if _, err := testLoader(nil, nil).Load("custom.yaml"); err == nil {
		t.Fatalf("expected missing explicit config to fail")
	}
}

func TestLoadParsesYAMLAndRejectsUnknownFields(t *testing.T) {
	files := map[string]string{
		"kanban.yaml": `
worker:
  command: ./scripts/worker.sh
  prompt_mode: file
  timeout: 90s
  success_sentinel: TASK_DONE
scheduler:
  interval: 15s
  max_concurrent_tasks: 5
watchdog:
  enabled: false
  stale_after: 20m
events:
  backend: nats
  address: nats://127.0.0.1:4222
`,
		"typo.yaml": "scheduler:\n  max_concurrency: 2\n",
	}
	cfg, err := testLoader(files, nil).Load("kanban.yaml")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Worker.Command != "./scripts/worker.sh" || cfg.Worker.PromptMode != "file" || cfg.Worker.Timeout.Duration() != 90*time.Second {
		t.Fatalf("unexpected worker %#v", cfg.Worker)
	}
	if cfg.Worker.KillGrace.Duration() != 5*time.Second {
		t.Fatalf("expected unset fields to keep defaults, got %v", cfg.Worker.KillGrace.Duration())
	}
	if cfg.Scheduler.Interval.Duration() != 15*time.Second || cfg.Scheduler.MaxConcurrentTasks != 5 {
		t.Fatalf("unexpected scheduler %#v", cfg.Scheduler)
	}
	if cfg.WatchdogEnabled() || cfg.Watchdog.StaleAfter.Duration() != 20*time.Minute {
		t.Fatalf("unexpected watchdog %#v", cfg.Watchdog)
	}

	_, err = testLoader(files, nil).Load("typo.yaml")
	if err == nil || !strings.Contains(err.Error(), "max_concurrency") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	files := map[string]string{DefaultPath: "server:\n  port: 7000\nscheduler:\n  max_concurrent_tasks: 2\n"}
	env := map[string]string{
		"CLAUDE_CODE_COMMAND":  "/usr/local/bin/claude",
		"CLAUDE_CODE_WORK_DIR": "/srv/work",
		"MAX_CONCURRENT_TASKS": "4",
		"TASK_CHECK_INTERVAL":  "30000",
		"PORT":                 "8080",
		"DATABASE_PATH":        "/srv/kanban.db",
	}
	cfg, err := testLoader(files, env).Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Worker.Command != "/usr/local/bin/claude" || cfg.Workspace.Root != "/srv/work" || cfg.Database.Path != "/srv/kanban.db" {
		t.Fatalf("unexpected paths %#v", cfg)
	}
	if cfg.Scheduler.MaxConcurrentTasks != 4 || cfg.Server.Port != 8080 || cfg.Scheduler.Interval.Duration() != 30*time.Second {
		t.Fatalf("unexpected overrides %#v %#v", cfg.Scheduler, cfg.Server)
	}

	env["PORT"] = "eighty"
	if _, err := testLoader(files, env).Load(""); err == nil || !strings.Contains(err.Error(), "PORT") {
		t.Fatalf("expected bad integer to fail, got %v", err)
	}
}

func TestDotenvFillsGapsInEnvironment(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("LOG_LEVEL=debug\nPORT=9000\n"), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	loader := testLoader(nil, map[string]string{"PORT": "9100"})
	loader.envFiles = []string{envFile, filepath.Join(dir, "missing.env")}

	cfg, err := loader.Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Log.Level != "debug" || cfg.Server.Port != 9100 {
		t.Fatalf("expected .env level and process port, got %q %d", cfg.Log.Level, cfg.Server.Port)
	}
}

func TestValidateReportsQualifiedField(t *testing.T) {
	cases := map[string]func(*Config){
		"scheduler.max_concurrent_tasks": func(c *Config) { c.Scheduler.MaxConcurrentTasks = 0 },
		"worker.prompt_mode":             func(c *Config) { c.Worker.PromptMode = "pipe" },
		"events.address":                 func(c *Config) { c.Events.Backend = "redis" },
		"events.backend":                 func(c *Config) { c.Events.Backend = "kafka" },
		"watchdog.stale_after":           func(c *Config) { c.Watchdog.StaleAfter = 0 },
	}
	for field, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		err := cfg.Validate("kanban.yaml")
		if err == nil || !strings.HasPrefix(err.Error(), field+" in kanban.yaml") {
			t.Fatalf("%s: unexpected error %v", field, err)
		}
	}
}
