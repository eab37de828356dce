package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/contracts"
)

const DefaultPath = ".kanban/config.yaml"

// Duration accepts Go duration strings ("90s", "5m") in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("line %d: %q is not a valid duration", value.Line, raw)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Worker    WorkerConfig    `yaml:"worker"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Watchdog  WatchdogConfig  `yaml:"watchdog"`
	Events    EventsConfig    `yaml:"events"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type WorkspaceConfig struct {
	Root string `yaml:"root"`
}

type WorkerConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	// PromptMode is "stdin" or "file"; empty picks by command.
	PromptMode         string   `yaml:"prompt_mode"`
	SuccessSentinel    string   `yaml:"success_sentinel"`
	TaskIDEnv          string   `yaml:"task_id_env"`
	Env                []string `yaml:"env"`
	Timeout            Duration `yaml:"timeout"`
	KillGrace          Duration `yaml:"kill_grace"`
	SlowAfter          Duration `yaml:"slow_after"`
	CustomInstructions string   `yaml:"custom_instructions"`
}

type SchedulerConfig struct {
	Interval           Duration `yaml:"interval"`
	MaxConcurrentTasks int      `yaml:"max_concurrent_tasks"`
	RetryLimit         int      `yaml:"retry_limit"`
}

type WatchdogConfig struct {
	Enabled    *bool    `yaml:"enabled"`
	Interval   Duration `yaml:"interval"`
	StaleAfter Duration `yaml:"stale_after"`
	// Reap also stops the local worker of a recovered execution.
	Reap *bool `yaml:"reap"`
}

type EventsConfig struct {
	// Backend is memory, redis or nats.
	Backend string `yaml:"backend"`
	Address string `yaml:"address"`
	Prefix  string `yaml:"prefix"`
	// Journal, when set, appends persistent notifications as JSON lines.
	Journal string `yaml:"journal"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

func Default() Config {
	enabled := true
	return Config{
		Server:    ServerConfig{Port: 5001},
		Database:  DatabaseConfig{Path: "data/kanban.db"},
		Workspace: WorkspaceConfig{Root: "workspace"},
		Worker: WorkerConfig{
			Command:   "claude",
			Timeout:   Duration(5 * time.Minute),
			KillGrace: Duration(5 * time.Second),
			SlowAfter: Duration(30 * time.Second),
		},
		Scheduler: SchedulerConfig{
			Interval:           Duration(60 * time.Second),
			MaxConcurrentTasks: 3,
			RetryLimit:         3,
		},
		Watchdog: WatchdogConfig{
			Enabled:    &enabled,
			Interval:   Duration(2 * time.Minute),
			StaleAfter: Duration(10 * time.Minute),
			Reap:       &enabled,
		},
		Events: EventsConfig{Backend: "memory", Prefix: "kanban"},
		Log:    LogConfig{Level: "info"},
	}
}

func (c Config) WatchdogEnabled() bool {
	return c.Watchdog.Enabled == nil || *c.Watchdog.Enabled
}

func (c Config) ReapStaleWorkers() bool {
	return c.Watchdog.Reap == nil || *c.Watchdog.Reap
}

// Settings are the runtime defaults the persisted user settings overlay.
func (c Config) Settings() contracts.Settings {
	return contracts.Settings{
		MaxConcurrentTasks: c.Scheduler.MaxConcurrentTasks,
		RetryLimit:         c.Scheduler.RetryLimit,
		WatchdogEnabled:    c.WatchdogEnabled(),
		StaleAfter:         c.Watchdog.StaleAfter.Duration(),
		CustomPrompt:       c.Worker.CustomInstructions,
	}
}

// Loader reads the YAML file, then applies .env and environment overrides.
type Loader struct {
	readFile func(string) ([]byte, error)
	getenv   func(string) string
	envFiles []string
}

func NewLoader() Loader {
	return Loader{
		readFile: os.ReadFile,
		getenv:   os.Getenv,
		envFiles: []string{".env"},
	}
}

// Load uses the process environment and ./.env.
func Load(path string) (Config, error) {
	return NewLoader().Load(path)
}

// Load returns defaults when the file is missing and the path is the default
// one; an explicitly named file must exist.
func (l Loader) Load(path string) (Config, error) {
	cfg := Default()
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = DefaultPath
	}

	content, err := l.readFile(path)
	switch {
	case err == nil:
		decoder := yaml.NewDecoder(bytes.NewReader(content))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("cannot parse config file at %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
	default:
		return Config{}, fmt.Errorf("cannot read config file at %s: %w", path, err)
	}

	lookup, err := l.lookup()
	if err != nil {
		return Config{}, err
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(path); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// lookup prefers the real environment over .env entries.
func (l Loader) lookup() (func(string) string, error) {
	dotenv := map[string]string{}
	for _, file := range l.envFiles {
		values, err := godotenv.Read(file)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("cannot read env file %s: %w", file, err)
		}
		for key, value := range values {
			if _, seen := dotenv[key]; !seen {
				dotenv[key] = value
			}
		}
	}
	getenv := l.getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	return func(key string) string {
		if value := getenv(key); value != "" {
			return value
		}
		return dotenv[key]
	}, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	if v := strings.TrimSpace(getenv("CLAUDE_CODE_COMMAND")); v != "" {
		cfg.Worker.Command = v
	}
	if v := strings.TrimSpace(getenv("CLAUDE_CODE_WORK_DIR")); v != "" {
		cfg.Workspace.Root = v
	}
	if v := strings.TrimSpace(getenv("DATABASE_PATH")); v != "" {
		cfg.Database.Path = v
	}
	if v := strings.TrimSpace(getenv("LOG_LEVEL")); v != "" {
		cfg.Log.Level = v
	}
	if v := strings.TrimSpace(getenv("LOG_PATH")); v != "" {
		cfg.Log.File = v
	}
	if v := strings.TrimSpace(getenv("EVENTS_BACKEND")); v != "" {
		cfg.Events.Backend = v
	}
	if v := strings.TrimSpace(getenv("EVENTS_ADDRESS")); v != "" {
		cfg.Events.Address = v
	}
	if err := envInt(getenv, "PORT", &cfg.Server.Port); err != nil {
		return err
	}
	if err := envInt(getenv, "MAX_CONCURRENT_TASKS", &cfg.Scheduler.MaxConcurrentTasks); err != nil {
		return err
	}
	var intervalMS int
	if err := envInt(getenv, "TASK_CHECK_INTERVAL", &intervalMS); err != nil {
		return err
	}
	if intervalMS > 0 {
		cfg.Scheduler.Interval = Duration(time.Duration(intervalMS) * time.Millisecond)
	}
	return nil
}

func envInt(getenv func(string) string, key string, target *int) error {
	raw := strings.TrimSpace(getenv(key))
	if raw == "" {
		return nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("environment variable %s must be an integer: %w", key, err)
	}
	*target = value
	return nil
}

// Validate reports the first invalid field, qualified by its YAML path.
func (c Config) Validate(source string) error {
	if source == "" {
		source = DefaultPath
	}
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("server.port in %s must be between 1 and 65535", source)
	case strings.TrimSpace(c.Database.Path) == "":
		return fmt.Errorf("database.path in %s must not be empty", source)
	case strings.TrimSpace(c.Workspace.Root) == "":
		return fmt.Errorf("workspace.root in %s must not be empty", source)
	case strings.TrimSpace(c.Worker.Command) == "":
		return fmt.Errorf("worker.command in %s must not be empty", source)
	case c.Worker.PromptMode != "" && c.Worker.PromptMode != "stdin" && c.Worker.PromptMode != "file":
		return fmt.Errorf("worker.prompt_mode in %s must be one of: stdin, file", source)
	case c.Worker.Timeout < 0 || c.Worker.KillGrace < 0 || c.Worker.SlowAfter < 0:
		return fmt.Errorf("worker durations in %s must be greater than or equal to 0", source)
	case c.Scheduler.MaxConcurrentTasks <= 0:
		return fmt.Errorf("scheduler.max_concurrent_tasks in %s must be greater than 0", source)
	case c.Scheduler.RetryLimit < 0:
		return fmt.Errorf("scheduler.retry_limit in %s must be greater than or equal to 0", source)
	case c.Scheduler.Interval <= 0:
		return fmt.Errorf("scheduler.interval in %s must be greater than 0", source)
	case c.Watchdog.Interval <= 0:
		return fmt.Errorf("watchdog.interval in %s must be greater than 0", source)
	case c.Watchdog.StaleAfter <= 0:
		return fmt.Errorf("watchdog.stale_after in %s must be greater than 0", source)
	}
	switch c.Events.Backend {
	case "", "memory":
	case "redis", "nats":
		if strings.TrimSpace(c.Events.Address) == "" {
			return fmt.Errorf("events.address in %s is required for the %s backend", source, c.Events.Backend)
		}
	default:
		return fmt.Errorf("events.backend in %s must be one of: memory, redis, nats", source)
	}
	return nil
}
