package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/basket/sessiond/internal/config"
	"github.com/basket/sessiond/internal/persistence"
)

func setSubmitHome(t *testing.T, extraYAML string) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("SESSIOND_HOME", home)
	cfg := "runtime:\n  provider: sim\n" + extraYAML
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return home
}

// captureStdout redirects os.Stdout around fn so tests can read what a
// subcommand printed.
func captureStdout(t *testing.T, fn func() int) (string, int) {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	os.Stdout = w
	code := fn()
	w.Close()
	os.Stdout = old
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	return string(out), code
}

func TestRunSubmitCommand_MissingInput(t *testing.T) {
	setSubmitHome(t, "")
	code := runSubmitCommand(context.Background(), nil)
	if code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunSubmitCommand_InteractiveRejected(t *testing.T) {
	setSubmitHome(t, "")
	code := runSubmitCommand(context.Background(), []string{"-input", "hello", "-mode", "interactive"})
	if code != 2 {
		t.Fatalf("got exit code %d, want 2 for interactive mode", code)
	}
}

func TestRunSubmitCommand_UnexpectedArg(t *testing.T) {
	setSubmitHome(t, "")
	code := runSubmitCommand(context.Background(), []string{"-input", "hello", "stray"})
	if code != 2 {
		t.Fatalf("got exit code %d, want 2 for stray argument", code)
	}
}

func TestRunSubmitCommand_EnqueuesAndPrintsID(t *testing.T) {
	setSubmitHome(t, "")

	out, code := captureStdout(t, func() int {
		return runSubmitCommand(context.Background(), []string{"-input", "list files in the workdir"})
	})
	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	id := strings.TrimSpace(out)
	if err := uuid.Validate(id); err != nil {
		t.Fatalf("printed id %q is not a uuid: %v", id, err)
	}

	// The row must be visible to a separately opened store, pending and
	// carrying the input.
	cfg, err := config.Load()
	if err != nil {
		t.Fatal(err)
	}
	store, err := persistence.Open(cfg.DBPath(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	exec, err := store.GetExecution(context.Background(), id)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.Status != persistence.ExecPending {
		t.Fatalf("status = %s, want PENDING", exec.Status)
	}
	if exec.Mode != persistence.ModeBackground {
		t.Fatalf("mode = %s, want BACKGROUND", exec.Mode)
	}
	if !strings.Contains(exec.Spec, "list files in the workdir") {
		t.Fatalf("spec lost the input: %s", exec.Spec)
	}
}

func TestRunSubmitCommand_ExpandsVariables(t *testing.T) {
	setSubmitHome(t, "")

	out, code := captureStdout(t, func() int {
		return runSubmitCommand(context.Background(), []string{
			"-input", "deploy {{service}}",
			"-vars", `{"service":"billing"}`,
		})
	})
	if code != 0 {
		t.Fatalf("got exit code %d, want 0: %s", code, out)
	}
}

func TestRunSubmitCommand_UnresolvedPlaceholder(t *testing.T) {
	setSubmitHome(t, "")

	code := runSubmitCommand(context.Background(), []string{"-input", "deploy {{service}}"})
	if code != 1 {
		t.Fatalf("got exit code %d, want 1 for unresolved placeholder", code)
	}
}

func TestRunSubmitCommand_QueueSaturated(t *testing.T) {
	setSubmitHome(t, "queue:\n  max_depth: 1\n")

	if _, code := captureStdout(t, func() int {
		return runSubmitCommand(context.Background(), []string{"-input", "first"})
	}); code != 0 {
		t.Fatalf("first submit failed with %d", code)
	}
	code := runSubmitCommand(context.Background(), []string{"-input", "second"})
	if code != 1 {
		t.Fatalf("got exit code %d, want 1 when the queue is full", code)
	}
}
