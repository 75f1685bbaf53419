package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/docker/docker/client"

	"github.com/basket/sessiond/internal/config"
	"github.com/basket/sessiond/internal/cron"
	"github.com/basket/sessiond/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed outright.
func (d Diagnosis) Failed() bool {
	for _, res := range d.Results {
		if res.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkHome,
		checkDatabase,
		checkRuntime,
		checkSandbox,
		checkSchedules,
		checkTelegram,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.FirstRun {
		return CheckResult{Name: "Config", Status: "WARN", Message: "No config.yaml yet, defaults in effect", Detail: fmt.Sprintf("Home: %s", cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkHome(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Home", Status: "SKIP", Message: "Config missing"}
	}
	dirs := []string{cfg.HomeDir, cfg.WorkdirRoot(), cfg.WorkdirArchiveDir()}
	for _, dir := range dirs {
		if err := writable(dir); err != nil {
			return CheckResult{Name: "Home", Status: "FAIL", Message: fmt.Sprintf("%s unwritable: %v", dir, err)}
		}
	}
	return CheckResult{Name: "Home", Status: "PASS", Message: "Home, workdir root and archive dir writable"}
}

func writable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe := filepath.Join(dir, ".write_test")
	if err := os.WriteFile(probe, []byte("probe"), 0o600); err != nil {
		return err
	}
	return os.Remove(probe)
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath(), nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	// Open migrates; a query proves the schema answers.
	if _, _, err := store.ExecutionCounts(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: "Connection and schema valid"}
}

func checkRuntime(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Runtime", Status: "SKIP", Message: "Config missing"}
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Runtime.Provider))
	switch provider {
	case "sim":
		return CheckResult{Name: "Runtime", Status: "PASS", Message: "Simulated runtime needs no credentials"}
	case "", "genkit":
	default:
		return CheckResult{Name: "Runtime", Status: "FAIL", Message: fmt.Sprintf("Unknown runtime provider %q", cfg.Runtime.Provider)}
	}
	if cfg.Runtime.APIKey != "" {
		return CheckResult{Name: "Runtime", Status: "PASS", Message: "API key set in config"}
	}
	envVar := envVarForModel(cfg.Runtime.Model)
	if os.Getenv(envVar) != "" {
		return CheckResult{Name: "Runtime", Status: "PASS", Message: fmt.Sprintf("%s is set", envVar)}
	}
	if envVar == "GEMINI_API_KEY" && os.Getenv("GOOGLE_API_KEY") != "" {
		return CheckResult{Name: "Runtime", Status: "PASS", Message: "GOOGLE_API_KEY is set"}
	}
	return CheckResult{
		Name:    "Runtime",
		Status:  "WARN",
		Message: fmt.Sprintf("%s not set (required for model %s)", envVar, cfg.Runtime.Model),
		Detail:  fmt.Sprintf("Set %s or runtime.api_key, or switch runtime.provider to sim", envVar),
	}
}

// envVarForModel mirrors how the genkit runtime picks a provider family
// from the model name.
func envVarForModel(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "claude"):
		return "ANTHROPIC_API_KEY"
	case strings.HasPrefix(m, "gpt"), strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"):
		return "OPENAI_API_KEY"
	default:
		return "GEMINI_API_KEY"
	}
}

func checkSandbox(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Sandbox", Status: "SKIP", Message: "Config missing"}
	}
	if !cfg.Runtime.Sandbox.Enabled {
		return CheckResult{Name: "Sandbox", Status: "SKIP", Message: "Sandbox disabled"}
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return CheckResult{Name: "Sandbox", Status: "FAIL", Message: fmt.Sprintf("Docker client: %v", err)}
	}
	defer cli.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		return CheckResult{
			Name:    "Sandbox",
			Status:  "FAIL",
			Message: fmt.Sprintf("Docker daemon unreachable: %v", err),
			Detail:  fmt.Sprintf("image=%s", cfg.Runtime.Sandbox.Image),
		}
	}
	return CheckResult{Name: "Sandbox", Status: "PASS", Message: fmt.Sprintf("Docker reachable, image %s", cfg.Runtime.Sandbox.Image)}
}

func checkSchedules(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Schedules", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath(), nil)
	if err != nil {
		return CheckResult{Name: "Schedules", Status: "SKIP", Message: "Database unavailable"}
	}
	defer store.Close()

	schedules, err := store.ListSchedules(ctx)
	if err != nil {
		return CheckResult{Name: "Schedules", Status: "FAIL", Message: fmt.Sprintf("List failed: %v", err)}
	}
	var bad []string
	for _, sc := range schedules {
		if err := cron.ValidateExpr(sc.CronExpr); err != nil {
			bad = append(bad, fmt.Sprintf("%s (%q): %v", sc.Name, sc.CronExpr, err))
		}
	}
	if len(bad) > 0 {
		return CheckResult{
			Name:    "Schedules",
			Status:  "FAIL",
			Message: fmt.Sprintf("%d of %d cron expressions invalid", len(bad), len(schedules)),
			Detail:  strings.Join(bad, "; "),
		}
	}
	return CheckResult{Name: "Schedules", Status: "PASS", Message: fmt.Sprintf("%d schedule(s), all expressions valid", len(schedules))}
}

func checkTelegram(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Telegram", Status: "SKIP", Message: "Config missing"}
	}
	tg := cfg.Notify.Telegram
	if !tg.Enabled {
		return CheckResult{Name: "Telegram", Status: "SKIP", Message: "Notifier disabled"}
	}
	if tg.Token == "" {
		return CheckResult{Name: "Telegram", Status: "FAIL", Message: "Notifier enabled but token missing"}
	}
	if !strings.Contains(tg.Token, ":") {
		return CheckResult{Name: "Telegram", Status: "WARN", Message: "Token does not look like a bot token"}
	}
	if tg.ChatID == 0 {
		return CheckResult{Name: "Telegram", Status: "WARN", Message: "Chat ID not set, notifications have no destination"}
	}
	return CheckResult{Name: "Telegram", Status: "PASS", Message: "Token and chat configured"}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}
	if strings.ToLower(strings.TrimSpace(cfg.Runtime.Provider)) == "sim" {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Simulated runtime is offline"}
	}

	hosts := map[string]string{
		"ANTHROPIC_API_KEY": "api.anthropic.com",
		"OPENAI_API_KEY":    "api.openai.com",
		"GEMINI_API_KEY":    "generativelanguage.googleapis.com",
	}
	host := hosts[envVarForModel(cfg.Runtime.Model)]

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("model=%s, latency=%dms", cfg.Runtime.Model, latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("model=%s", cfg.Runtime.Model),
	}
}
