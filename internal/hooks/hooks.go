// Package hooks runs ordered lifecycle callbacks around session and tool
// events. Hooks observe and may halt continuation; they are not error
// gates, so a hook that crashes or misbehaves never blocks the session.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Point is a lifecycle position hooks can attach to.
type Point string

const (
	SessionStart Point = "session_start"
	PreToolUse   Point = "pre_tool_use"
	PostToolUse  Point = "post_tool_use"
	SessionStop  Point = "session_stop"
)

// Points lists every valid hook point in firing order of a session's life.
func Points() []Point {
	return []Point{SessionStart, PreToolUse, PostToolUse, SessionStop}
}

// ValidPoint reports whether p names a known lifecycle point.
func ValidPoint(p Point) bool {
	switch p {
	case SessionStart, PreToolUse, PostToolUse, SessionStop:
		return true
	}
	return false
}

// Event is the payload delivered to each hook. Tool fields are set only
// for pre_tool_use and post_tool_use firings.
type Event struct {
	Point     Point  `json:"point"`
	SessionID string `json:"session_id"`
	TurnID    string `json:"turn_id,omitempty"`
	Tool      string `json:"tool,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Result is a hook's answer. Continue=false halts the pipeline at this
// hook; SystemMessage, when set, is surfaced to the conversation.
type Result struct {
	Continue      bool   `json:"continue"`
	Reason        string `json:"reason,omitempty"`
	SystemMessage string `json:"system_message,omitempty"`
}

// Hook is one registered callback.
type Hook interface {
	Name() string
	Run(ctx context.Context, ev Event) (Result, error)
}

// Func adapts a plain function into a Hook.
type Func struct {
	HookName string
	Fn       func(ctx context.Context, ev Event) (Result, error)
}

func (f Func) Name() string { return f.HookName }

func (f Func) Run(ctx context.Context, ev Event) (Result, error) {
	return f.Fn(ctx, ev)
}

const defaultShellHookTimeout = 10 * time.Second

// ShellHook runs a configured shell command with the event as JSON on
// stdin. Exit 0 continues (stdout may carry a Result JSON), exit 2
// blocks, any other exit is a hook failure and therefore continues.
type ShellHook struct {
	name    string
	command string
	timeout time.Duration
	logger  *slog.Logger
}

func NewShellHook(name, command string, timeout time.Duration, logger *slog.Logger) *ShellHook {
	if timeout <= 0 {
		timeout = defaultShellHookTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ShellHook{name: name, command: command, timeout: timeout, logger: logger}
}

func (h *ShellHook) Name() string { return h.name }

func (h *ShellHook) Run(ctx context.Context, ev Event) (Result, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return Result{Continue: true}, fmt.Errorf("marshal hook payload: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", h.command)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if runErr == nil {
		return parseShellResult(stdout.Bytes()), nil
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) && exitErr.ExitCode() == 2 {
		reason := strings.TrimSpace(stderr.String())
		if reason == "" {
			reason = strings.TrimSpace(stdout.String())
		}
		if reason == "" {
			reason = fmt.Sprintf("hook %s exited 2", h.name)
		}
		return Result{Continue: false, Reason: reason}, nil
	}
	if runCtx.Err() != nil {
		return Result{Continue: true}, fmt.Errorf("hook %s timed out after %s", h.name, h.timeout)
	}
	return Result{Continue: true}, fmt.Errorf("hook %s failed: %w (stderr: %s)",
		h.name, runErr, strings.TrimSpace(stderr.String()))
}

// parseShellResult reads an optional Result JSON from hook stdout. Output
// that is not a Result document means plain continue.
func parseShellResult(out []byte) Result {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Result{Continue: true}
	}
	res := Result{Continue: true}
	if err := json.Unmarshal(trimmed, &res); err != nil {
		return Result{Continue: true}
	}
	return res
}
