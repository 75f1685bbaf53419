package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// QueueConfig controls the background worker pool and queue depth.
type QueueConfig struct {
	// Workers is the number of concurrent task workers. Default 4.
	Workers int `yaml:"workers"`

	// MaxDepth caps pending executions; Submit fails fast beyond it. Default 200.
	MaxDepth int `yaml:"max_depth"`

	// TaskTimeoutSeconds bounds a single execution end to end. Default 600.
	TaskTimeoutSeconds int `yaml:"task_timeout_seconds"`

	// DrainTimeoutSeconds bounds graceful shutdown. Default 10.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// LeaseSeconds is how long a claimed execution stays owned without a
	// heartbeat before it is requeued. Default 120.
	LeaseSeconds int `yaml:"lease_seconds"`
}

// RetryConfig shapes the backoff applied to retryable execution failures.
type RetryConfig struct {
	// MaxAttempts is the total attempt budget including the first run. Default 3.
	MaxAttempts int `yaml:"max_attempts"`

	// BaseDelayMillis is the first retry delay. Default 2000.
	BaseDelayMillis int `yaml:"base_delay_ms"`

	// MaxDelayMillis caps the exponential growth. Default 60000.
	MaxDelayMillis int `yaml:"max_delay_ms"`
}

// SandboxConfig selects Docker isolation for the runtime's shell tool.
type SandboxConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Image    string `yaml:"image"`
	MemoryMB int64  `yaml:"memory_mb"`
	Network  string `yaml:"network"`
}

// RuntimeConfig holds model-runtime connection settings.
type RuntimeConfig struct {
	// Provider names the backing runtime: "genkit" or "sim".
	// "sim" runs a deterministic offline runtime for tests and demos.
	Provider string `yaml:"provider"`

	// Model is the provider-specific model name.
	Model string `yaml:"model"`

	// APIKey authenticates against the provider. Env vars override it.
	APIKey string `yaml:"api_key"`

	// MaxConnections caps concurrently provisioned runtime connections
	// across all sessions. Acquire blocks when the cap is reached. Default 8.
	MaxConnections int `yaml:"max_connections"`

	// ConnectTimeoutSeconds bounds one provisioning attempt. Default 30.
	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds"`

	// MaxTurns bounds tool-use loops inside a single turn. Default 12.
	MaxTurns int `yaml:"max_turns"`

	Sandbox SandboxConfig `yaml:"sandbox"`
}

// SchedulerConfig controls cron-driven session tasks.
type SchedulerConfig struct {
	Enabled             bool `yaml:"enabled"`
	PollIntervalSeconds int  `yaml:"poll_interval_seconds"`
}

// PermissionsConfig is the declarative tool-permission policy.
//
// Rules use three forms: "Name" (any use), "Name(*)" (any argument),
// "Name(prefix:*)" (argument prefix match). Deny always wins.
type PermissionsConfig struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`

	// Groups optionally restricts sessions to a named subset of tools.
	Groups map[string][]string `yaml:"groups"`

	// DefaultGroup applies when a submission names none. Empty means unrestricted.
	DefaultGroup string `yaml:"default_group"`
}

// HookConfig declares one external hook command.
type HookConfig struct {
	// Point is one of: session_start, pre_tool_use, post_tool_use, session_stop.
	Point string `yaml:"point"`

	Name    string `yaml:"name"`
	Command string `yaml:"command"`

	// TimeoutSeconds bounds one hook invocation. Default 10.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// WorkdirConfig controls per-session working directories.
type WorkdirConfig struct {
	// Root is where live session directories are allocated.
	// Default <home>/workdirs.
	Root string `yaml:"root"`

	// ArchiveDir receives exported tarballs on archive. Default <home>/archive.
	ArchiveDir string `yaml:"archive_dir"`
}

// TelemetryConfig controls the OTLP trace exporter.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`

	// Stdout dumps spans to stdout instead of OTLP, for local debugging.
	Stdout bool `yaml:"stdout"`
}

// TelegramConfig configures outbound task notifications.
type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  int64  `yaml:"chat_id"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	// FirstRun is set when no config.yaml existed; defaults were applied.
	FirstRun bool `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AllowOrigins controls which Origin headers are accepted for browser
	// WebSocket connections. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	Queue       QueueConfig       `yaml:"queue"`
	Retry       RetryConfig       `yaml:"retry"`
	Runtime     RuntimeConfig     `yaml:"runtime"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Permissions PermissionsConfig `yaml:"permissions"`
	Hooks       []HookConfig      `yaml:"hooks"`
	Workdir     WorkdirConfig     `yaml:"workdir"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Notify      NotifyConfig      `yaml:"notify"`
}

// DBPath is the SQLite database location under the sessiond home.
func (c Config) DBPath() string {
	return filepath.Join(c.HomeDir, "sessiond.db")
}

// WorkdirRoot resolves the session workdir root. Empty uses <home>/workdirs.
func (c Config) WorkdirRoot() string {
	if c.Workdir.Root != "" {
		return c.Workdir.Root
	}
	return filepath.Join(c.HomeDir, "workdirs")
}

// WorkdirArchiveDir resolves where archived workdirs are exported.
// Empty uses <home>/archive.
func (c Config) WorkdirArchiveDir() string {
	if c.Workdir.ArchiveDir != "" {
		return c.Workdir.ArchiveDir
	}
	return filepath.Join(c.HomeDir, "archive")
}

// TaskTimeout returns the per-execution deadline as a duration.
func (c Config) TaskTimeout() time.Duration {
	return time.Duration(c.Queue.TaskTimeoutSeconds) * time.Second
}

// RetryBaseDelay returns the first retry delay as a duration.
func (c Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Retry.BaseDelayMillis) * time.Millisecond
}

// RetryMaxDelay returns the backoff cap as a duration.
func (c Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.Retry.MaxDelayMillis) * time.Millisecond
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18790",
		LogLevel: "info",
		Queue: QueueConfig{
			Workers:             4,
			MaxDepth:            200,
			TaskTimeoutSeconds:  int((10 * time.Minute).Seconds()),
			DrainTimeoutSeconds: 10,
			LeaseSeconds:        120,
		},
		Retry: RetryConfig{
			MaxAttempts:     3,
			BaseDelayMillis: 2000,
			MaxDelayMillis:  60000,
		},
		Runtime: RuntimeConfig{
			Provider:              "genkit",
			Model:                 "gemini-2.5-flash",
			MaxConnections:        8,
			ConnectTimeoutSeconds: 30,
			MaxTurns:              12,
			Sandbox: SandboxConfig{
				Image:    "alpine:3.20",
				MemoryMB: 512,
				Network:  "none",
			},
		},
		Scheduler: SchedulerConfig{
			Enabled:             true,
			PollIntervalSeconds: 15,
		},
	}
}

// HomeDir resolves the sessiond home directory. SESSIOND_HOME overrides;
// otherwise ~/.sessiond.
func HomeDir() string {
	if override := os.Getenv("SESSIOND_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".sessiond")
}

// Load reads <home>/config.yaml, applies env overrides, fills defaults,
// and validates the result. A missing file is not an error; defaults apply
// and FirstRun is set.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create sessiond home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.FirstRun = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("SESSIOND_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("SESSIOND_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("SESSIOND_WORKER_COUNT"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			cfg.Queue.Workers = n
		}
	}
	if raw := os.Getenv("SESSIOND_MAX_CONNECTIONS"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			cfg.Runtime.MaxConnections = n
		}
	}
	if raw := os.Getenv("SESSIOND_RUNTIME_PROVIDER"); raw != "" {
		cfg.Runtime.Provider = raw
	}
	if raw := os.Getenv("GEMINI_API_KEY"); raw != "" {
		cfg.Runtime.APIKey = raw
	}
	if raw := os.Getenv("ANTHROPIC_API_KEY"); raw != "" {
		cfg.Runtime.APIKey = raw
	}
	if raw := os.Getenv("GEMINI_MODEL"); raw != "" {
		cfg.Runtime.Model = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Notify.Telegram.Token = raw
		cfg.Notify.Telegram.Enabled = true
	}
}

// normalize fills derived defaults that depend on the resolved home dir and
// backfills zero values a partial YAML file may have left behind.
func normalize(cfg *Config) {
	if cfg.Workdir.Root == "" {
		cfg.Workdir.Root = filepath.Join(cfg.HomeDir, "workdirs")
	}
	if cfg.Workdir.ArchiveDir == "" {
		cfg.Workdir.ArchiveDir = filepath.Join(cfg.HomeDir, "archive")
	}
	if cfg.Queue.Workers == 0 {
		cfg.Queue.Workers = 4
	}
	if cfg.Queue.MaxDepth == 0 {
		cfg.Queue.MaxDepth = 200
	}
	if cfg.Queue.TaskTimeoutSeconds == 0 {
		cfg.Queue.TaskTimeoutSeconds = int((10 * time.Minute).Seconds())
	}
	if cfg.Queue.DrainTimeoutSeconds == 0 {
		cfg.Queue.DrainTimeoutSeconds = 10
	}
	if cfg.Queue.LeaseSeconds == 0 {
		cfg.Queue.LeaseSeconds = 120
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.BaseDelayMillis == 0 {
		cfg.Retry.BaseDelayMillis = 2000
	}
	if cfg.Retry.MaxDelayMillis == 0 {
		cfg.Retry.MaxDelayMillis = 60000
	}
	if cfg.Runtime.Provider == "" {
		cfg.Runtime.Provider = "genkit"
	}
	if cfg.Runtime.MaxConnections == 0 {
		cfg.Runtime.MaxConnections = 8
	}
	if cfg.Runtime.ConnectTimeoutSeconds == 0 {
		cfg.Runtime.ConnectTimeoutSeconds = 30
	}
	if cfg.Runtime.MaxTurns == 0 {
		cfg.Runtime.MaxTurns = 12
	}
	if cfg.Scheduler.PollIntervalSeconds == 0 {
		cfg.Scheduler.PollIntervalSeconds = 15
	}
	for i := range cfg.Hooks {
		if cfg.Hooks[i].TimeoutSeconds == 0 {
			cfg.Hooks[i].TimeoutSeconds = 10
		}
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
}

var validHookPoints = map[string]bool{
	"session_start": true,
	"pre_tool_use":  true,
	"post_tool_use": true,
	"session_stop":  true,
}

// Validate rejects configurations that cannot produce a working engine.
// It runs at load time so a bad file fails startup instead of a worker.
func (c Config) Validate() error {
	if c.Queue.Workers < 1 {
		return fmt.Errorf("config: queue.workers must be >= 1, got %d", c.Queue.Workers)
	}
	if c.Queue.MaxDepth < 1 {
		return fmt.Errorf("config: queue.max_depth must be >= 1, got %d", c.Queue.MaxDepth)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config: retry.max_attempts must be >= 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BaseDelayMillis < 1 {
		return fmt.Errorf("config: retry.base_delay_ms must be >= 1, got %d", c.Retry.BaseDelayMillis)
	}
	if c.Retry.MaxDelayMillis < c.Retry.BaseDelayMillis {
		return fmt.Errorf("config: retry.max_delay_ms (%d) must be >= retry.base_delay_ms (%d)",
			c.Retry.MaxDelayMillis, c.Retry.BaseDelayMillis)
	}
	if c.Runtime.MaxConnections < 1 {
		return fmt.Errorf("config: runtime.max_connections must be >= 1, got %d", c.Runtime.MaxConnections)
	}
	switch c.Runtime.Provider {
	case "genkit", "sim":
	default:
		return fmt.Errorf("config: unknown runtime.provider %q", c.Runtime.Provider)
	}
	if c.Scheduler.PollIntervalSeconds < 1 {
		return fmt.Errorf("config: scheduler.poll_interval_seconds must be >= 1, got %d",
			c.Scheduler.PollIntervalSeconds)
	}
	for _, h := range c.Hooks {
		if !validHookPoints[h.Point] {
			return fmt.Errorf("config: hook %q has unknown point %q", h.Name, h.Point)
		}
		if h.Command == "" {
			return fmt.Errorf("config: hook %q has no command", h.Name)
		}
	}
	if c.Permissions.DefaultGroup != "" {
		if _, ok := c.Permissions.Groups[c.Permissions.DefaultGroup]; !ok {
			return fmt.Errorf("config: permissions.default_group %q is not a defined group",
				c.Permissions.DefaultGroup)
		}
	}
	return nil
}
