package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/google/uuid"

	"github.com/basket/sessiond/internal/config"
	"github.com/basket/sessiond/internal/persistence"
	"github.com/basket/sessiond/internal/shared"
	"github.com/basket/sessiond/internal/tokenutil"
	"github.com/basket/sessiond/internal/turn"
)

const (
	defaultBashTimeout = 30 * time.Second
	maxBashTimeout     = 120 * time.Second
	maxToolOutput      = 8 * 1024  // 8KB
	maxReadBytes       = 100 * 1024 // 100KB
	maxListEntries     = 200
)

// blockedError aborts generation when the gate denies a tool use.
type blockedError struct {
	toolUseID string
	reason    string
	code      string
}

func (e *blockedError) Error() string {
	return fmt.Sprintf("tool use %s blocked: %s", e.toolUseID, e.reason)
}

// GenkitClient drives turns through a genkit-backed model with the
// built-in tool set (bash, read_file, write_file, list_files). One
// client serves one session; its tools execute inside that session's
// working directory only.
type GenkitClient struct {
	g        *genkit.Genkit
	cfg      config.RuntimeConfig
	executor Executor
	logger   *slog.Logger
	tools    []ai.ToolRef

	mu          sync.Mutex
	current     *activeTurn
	verdicts    map[string]chan Verdict
	lastBlocked *turn.Failure
	closed      bool
}

type activeTurn struct {
	req    TurnRequest
	events chan turn.Event
}

// NewGenkitClient initializes genkit for the configured model. The model
// family picks the plugin: claude models load the anthropic plugin, gpt
// models the OpenAI-compatible one, everything else Google.
func NewGenkitClient(ctx context.Context, cfg config.RuntimeConfig, logger *slog.Logger) (*GenkitClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gemini-2.5-flash"
		cfg.Model = model
	}
	provider := providerForModel(model)
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("no API key for provider %s: set %s or switch runtime.provider to sim", provider, envVarForProvider(provider))
	}

	var g *genkit.Genkit
	switch provider {
	case "anthropic":
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  apiKey,
			BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
		}))
	case "openai":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  os.Getenv("OPENAI_BASE_URL"),
		}))
	default:
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	}
	logger.Info("genkit runtime initialized", "provider", provider, "model", model)

	var executor Executor = HostExecutor{}
	if cfg.Sandbox.Enabled {
		de, err := NewDockerExecutor(cfg.Sandbox.Image, cfg.Sandbox.MemoryMB, cfg.Sandbox.Network)
		if err != nil {
			return nil, fmt.Errorf("docker sandbox: %w", err)
		}
		executor = de
	}

	c := &GenkitClient{
		g:        g,
		cfg:      cfg,
		executor: executor,
		logger:   logger,
		verdicts: make(map[string]chan Verdict),
	}
	c.tools = c.defineTools(g)
	return c, nil
}

// GenkitFactory builds one GenkitClient per session. A session-specific
// model overrides the configured default.
func GenkitFactory(cfg config.RuntimeConfig, logger *slog.Logger) Factory {
	return func(ctx context.Context, session *persistence.Session) (Client, error) {
		rc := cfg
		if session.Model != "" {
			rc.Model = session.Model
		}
		return NewGenkitClient(ctx, rc, logger)
	}
}

func (c *GenkitClient) RunTurn(ctx context.Context, req TurnRequest) (<-chan turn.Event, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("runtime closed")
	}
	if c.current != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("turn already in progress for session %s", req.SessionID)
	}
	events := make(chan turn.Event, turn.PipeCapacity)
	c.current = &activeTurn{req: req, events: events}
	c.lastBlocked = nil
	c.mu.Unlock()

	go c.generate(ctx, req, events)
	return events, nil
}

func (c *GenkitClient) generate(ctx context.Context, req TurnRequest, events chan turn.Event) {
	defer func() {
		c.mu.Lock()
		c.current = nil
		c.mu.Unlock()
		close(events)
	}()

	system := strings.TrimSpace(req.SystemPrompt)
	if system == "" {
		system = defaultSystemPrompt()
	}
	// Escape % so user-authored prompts survive fmt expansion in WithSystem.
	escaped := strings.ReplaceAll(system, "%", "%%")

	opts := []ai.GenerateOption{
		ai.WithModelName(modelNameForProvider(c.cfg.Model)),
		ai.WithSystem(escaped),
		ai.WithPrompt(req.Input),
	}
	if msgs := transcriptToMessages(req.Transcript); len(msgs) > 0 {
		opts = append(opts, ai.WithMessages(msgs...))
	}
	if len(c.tools) > 0 {
		opts = append(opts, ai.WithTools(c.tools...))
		maxTurns := c.cfg.MaxTurns
		if maxTurns <= 0 {
			maxTurns = 12
		}
		opts = append(opts, ai.WithMaxTurns(maxTurns))
	}

	resp, err := genkit.Generate(ctx, c.g, opts...)
	if err != nil {
		c.send(ctx, events, turn.TurnFailed(req.SessionID, req.TurnID, c.classifyFailure(err)))
		return
	}

	text := resp.Text()
	if text != "" {
		if !c.send(ctx, events, turn.AssistantText(req.SessionID, req.TurnID, text)) {
			return
		}
	}

	inputParts := make([]string, 0, len(req.Transcript)+2)
	for _, m := range req.Transcript {
		inputParts = append(inputParts, m.Content)
	}
	inputParts = append(inputParts, system, req.Input)
	c.send(ctx, events, turn.TurnComplete(req.SessionID, req.TurnID, turn.Usage{
		InputTokens:  tokenutil.EstimateAll(inputParts...),
		OutputTokens: tokenutil.EstimateTokens(text),
	}))
}

// classifyFailure separates gate blocks from transport faults so the
// strategy can tell BlockedError apart from RuntimeFault.
func (c *GenkitClient) classifyFailure(err error) turn.Failure {
	c.mu.Lock()
	lb := c.lastBlocked
	c.mu.Unlock()
	if lb != nil {
		return *lb
	}
	var blocked *blockedError
	if errors.As(err, &blocked) {
		return turn.Failure{
			Reason:           "tool use blocked",
			BlockedToolUseID: blocked.toolUseID,
			BlockReason:      blocked.reason,
			BlockCode:        blocked.code,
		}
	}
	c.logger.Error("genkit generate failed", "error", err)
	return turn.Failure{Reason: fmt.Sprintf("runtime: %v", err)}
}

func (c *GenkitClient) send(ctx context.Context, events chan<- turn.Event, ev turn.Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *GenkitClient) Resolve(toolUseID string, v Verdict) {
	c.mu.Lock()
	ch, ok := c.verdicts[toolUseID]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- v:
	default: // verdict already delivered
	}
}

func (c *GenkitClient) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if d, ok := c.executor.(*DockerExecutor); ok {
		return d.Close()
	}
	return nil
}

// gate announces a tool use on the turn stream and blocks until the
// verdict arrives. A deny aborts the tool with a blockedError.
func (c *GenkitClient) gate(ctx context.Context, name string, input any) (*activeTurn, string, error) {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()
	if cur == nil {
		return nil, "", fmt.Errorf("no active turn")
	}

	args, err := json.Marshal(input)
	if err != nil {
		return nil, "", fmt.Errorf("marshal tool arguments: %w", err)
	}
	useID := uuid.NewString()
	ch := make(chan Verdict, 1)
	c.mu.Lock()
	c.verdicts[useID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.verdicts, useID)
		c.mu.Unlock()
	}()

	ev := turn.ToolUseRequested(cur.req.SessionID, cur.req.TurnID, turn.ToolUse{ID: useID, Name: name, Input: string(args)})
	select {
	case cur.events <- ev:
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}

	select {
	case v := <-ch:
		if !v.Allow {
			failure := turn.Failure{Reason: "tool use blocked", BlockedToolUseID: useID, BlockReason: v.Reason, BlockCode: v.Code}
			c.mu.Lock()
			c.lastBlocked = &failure
			c.mu.Unlock()
			return nil, "", &blockedError{toolUseID: useID, reason: v.Reason, code: v.Code}
		}
		return cur, useID, nil
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
}

// reportResult publishes a tool_result on the turn stream. The payload is
// the redacted, truncated JSON the transcript will record.
func (c *GenkitClient) reportResult(ctx context.Context, cur *activeTurn, useID string, output any, errMsg string) {
	raw, err := json.Marshal(output)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", output))
	}
	ev := turn.ToolResultFor(cur.req.SessionID, cur.req.TurnID, turn.ToolResult{
		ToolUseID: useID,
		Output:    shared.Redact(truncateOutput(string(raw), maxToolOutput)),
		Err:       errMsg,
	})
	select {
	case cur.events <- ev:
	case <-ctx.Done():
	}
}

// BashInput is the input for the bash tool.
type BashInput struct {
	Command    string `json:"command"`
	TimeoutSec int    `json:"timeout_sec,omitempty"`
}

// BashOutput is the output for the bash tool.
type BashOutput struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// ReadFileInput is the input for the read_file tool.
type ReadFileInput struct {
	Path string `json:"path"`
}

// ReadFileOutput is the output for the read_file tool.
type ReadFileOutput struct {
	Content string `json:"content"`
	Size    int64  `json:"size"`
}

// WriteFileInput is the input for the write_file tool.
type WriteFileInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// WriteFileOutput is the output for the write_file tool.
type WriteFileOutput struct {
	Written bool   `json:"written"`
	Path    string `json:"path"`
	Size    int    `json:"size"`
}

// ListFilesInput is the input for the list_files tool.
type ListFilesInput struct {
	Path string `json:"path,omitempty"`
}

// FileEntry is a single directory entry.
type FileEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// ListFilesOutput is the output for the list_files tool.
type ListFilesOutput struct {
	Entries []FileEntry `json:"entries"`
	Path    string      `json:"path"`
}

func (c *GenkitClient) defineTools(g *genkit.Genkit) []ai.ToolRef {
	bash := genkit.DefineTool(g, "bash",
		"Run a shell command inside the session working directory and return stdout, stderr, and the exit code. Output is truncated to 8KB.",
		func(tc *ai.ToolContext, input BashInput) (BashOutput, error) {
			cur, useID, err := c.gate(tc, "bash", input)
			if err != nil {
				return BashOutput{}, err
			}
			if strings.TrimSpace(input.Command) == "" {
				c.reportResult(tc, cur, useID, BashOutput{}, "empty command")
				return BashOutput{}, fmt.Errorf("empty command")
			}

			timeout := defaultBashTimeout
			if input.TimeoutSec > 0 {
				timeout = time.Duration(input.TimeoutSec) * time.Second
				if timeout > maxBashTimeout {
					timeout = maxBashTimeout
				}
			}
			execCtx, cancel := context.WithTimeout(tc, timeout)
			defer cancel()

			stdout, stderr, exitCode, err := c.executor.Exec(execCtx, input.Command, cur.req.Workdir)
			if err != nil && exitCode == 0 {
				if execCtx.Err() == context.DeadlineExceeded {
					out := BashOutput{Stderr: "command timed out", ExitCode: -1}
					c.reportResult(tc, cur, useID, out, "")
					return out, nil
				}
				c.reportResult(tc, cur, useID, BashOutput{}, err.Error())
				return BashOutput{}, fmt.Errorf("exec: %w", err)
			}

			out := BashOutput{
				Stdout:   shared.Redact(truncateOutput(stdout, maxToolOutput)),
				Stderr:   shared.Redact(truncateOutput(stderr, maxToolOutput)),
				ExitCode: exitCode,
			}
			c.reportResult(tc, cur, useID, out, "")
			return out, nil
		},
	)

	readFile := genkit.DefineTool(g, "read_file",
		"Read a file inside the session working directory. Returns the content as text. Maximum 100KB.",
		func(tc *ai.ToolContext, input ReadFileInput) (ReadFileOutput, error) {
			cur, useID, err := c.gate(tc, "read_file", input)
			if err != nil {
				return ReadFileOutput{}, err
			}
			resolved, err := resolveInWorkdir(cur.req.Workdir, input.Path)
			if err != nil {
				c.reportResult(tc, cur, useID, ReadFileOutput{}, err.Error())
				return ReadFileOutput{}, err
			}
			info, err := os.Stat(resolved)
			if err != nil {
				c.reportResult(tc, cur, useID, ReadFileOutput{}, err.Error())
				return ReadFileOutput{}, fmt.Errorf("stat: %w", err)
			}
			if info.IsDir() {
				err := fmt.Errorf("path is a directory, use list_files instead")
				c.reportResult(tc, cur, useID, ReadFileOutput{}, err.Error())
				return ReadFileOutput{}, err
			}
			if info.Size() > maxReadBytes {
				err := fmt.Errorf("file too large: %d bytes (max %d)", info.Size(), maxReadBytes)
				c.reportResult(tc, cur, useID, ReadFileOutput{}, err.Error())
				return ReadFileOutput{}, err
			}
			data, err := os.ReadFile(resolved)
			if err != nil {
				c.reportResult(tc, cur, useID, ReadFileOutput{}, err.Error())
				return ReadFileOutput{}, fmt.Errorf("read: %w", err)
			}
			out := ReadFileOutput{Content: string(data), Size: info.Size()}
			c.reportResult(tc, cur, useID, out, "")
			return out, nil
		},
	)

	writeFile := genkit.DefineTool(g, "write_file",
		"Write content to a file inside the session working directory. Creates parent directories. The write is atomic.",
		func(tc *ai.ToolContext, input WriteFileInput) (WriteFileOutput, error) {
			cur, useID, err := c.gate(tc, "write_file", input)
			if err != nil {
				return WriteFileOutput{}, err
			}
			resolved, err := resolveInWorkdir(cur.req.Workdir, input.Path)
			if err != nil {
				c.reportResult(tc, cur, useID, WriteFileOutput{}, err.Error())
				return WriteFileOutput{}, err
			}
			if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
				c.reportResult(tc, cur, useID, WriteFileOutput{}, err.Error())
				return WriteFileOutput{}, fmt.Errorf("mkdir: %w", err)
			}
			// Atomic write: temp file then rename.
			tmpFile := resolved + ".tmp"
			if err := os.WriteFile(tmpFile, []byte(input.Content), 0o644); err != nil {
				c.reportResult(tc, cur, useID, WriteFileOutput{}, err.Error())
				return WriteFileOutput{}, fmt.Errorf("write temp: %w", err)
			}
			if err := os.Rename(tmpFile, resolved); err != nil {
				_ = os.Remove(tmpFile)
				c.reportResult(tc, cur, useID, WriteFileOutput{}, err.Error())
				return WriteFileOutput{}, fmt.Errorf("rename: %w", err)
			}
			out := WriteFileOutput{Written: true, Path: resolved, Size: len(input.Content)}
			c.reportResult(tc, cur, useID, out, "")
			return out, nil
		},
	)

	listFiles := genkit.DefineTool(g, "list_files",
		"List a directory inside the session working directory. Returns names, types, and sizes. Maximum 200 entries.",
		func(tc *ai.ToolContext, input ListFilesInput) (ListFilesOutput, error) {
			cur, useID, err := c.gate(tc, "list_files", input)
			if err != nil {
				return ListFilesOutput{}, err
			}
			resolved, err := resolveInWorkdir(cur.req.Workdir, input.Path)
			if err != nil {
				c.reportResult(tc, cur, useID, ListFilesOutput{}, err.Error())
				return ListFilesOutput{}, err
			}
			entries, err := os.ReadDir(resolved)
			if err != nil {
				c.reportResult(tc, cur, useID, ListFilesOutput{}, err.Error())
				return ListFilesOutput{}, fmt.Errorf("read dir: %w", err)
			}
			var result []FileEntry
			for i, entry := range entries {
				if i >= maxListEntries {
					break
				}
				var size int64
				if info, err := entry.Info(); err == nil {
					size = info.Size()
				}
				result = append(result, FileEntry{Name: entry.Name(), IsDir: entry.IsDir(), Size: size})
			}
			out := ListFilesOutput{Entries: result, Path: resolved}
			c.reportResult(tc, cur, useID, out, "")
			return out, nil
		},
	)

	return []ai.ToolRef{bash, readFile, writeFile, listFiles}
}

// resolveInWorkdir joins raw onto the session workdir and refuses paths
// that escape it. The session boundary is the workdir, not host policy.
func resolveInWorkdir(workdir, raw string) (string, error) {
	if strings.TrimSpace(workdir) == "" {
		return "", fmt.Errorf("session has no working directory")
	}
	p := strings.TrimSpace(raw)
	if p == "" {
		p = "."
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(workdir, p)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	rel, err := filepath.Rel(workdir, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the session working directory: %s", raw)
	}
	return abs, nil
}

func truncateOutput(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "\n... (truncated)"
}

// transcriptToMessages converts stored transcript rows to genkit messages.
func transcriptToMessages(items []persistence.Message) []*ai.Message {
	var msgs []*ai.Message
	for _, item := range items {
		var role ai.Role
		switch item.Role {
		case "user":
			role = ai.RoleUser
		case "assistant":
			role = ai.RoleModel
		case "system":
			role = ai.RoleSystem
		case "tool":
			role = ai.RoleTool
		default:
			continue
		}
		msgs = append(msgs, &ai.Message{
			Role:    role,
			Content: []*ai.Part{ai.NewTextPart(item.Content)},
		})
	}
	return msgs
}

func providerForModel(model string) string {
	switch {
	case strings.HasPrefix(model, "claude"):
		return "anthropic"
	case strings.HasPrefix(model, "gpt"):
		return "openai"
	default:
		return "google"
	}
}

func modelNameForProvider(model string) string {
	switch providerForModel(model) {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	default:
		return "googleai/" + model
	}
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	default:
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	}
}

func envVarForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	default:
		return "GEMINI_API_KEY"
	}
}

func defaultSystemPrompt() string {
	return "You are an autonomous session agent. Work inside the session working directory using your tools. Act decisively: run commands, read and write files as needed, and report what you did. Never invent file contents you have not read."
}
