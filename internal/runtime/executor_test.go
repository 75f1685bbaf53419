package runtime

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestHostExecutor_CapturesStdout(t *testing.T) {
	requireShell(t)

	var ex HostExecutor
	stdout, stderr, exitCode, err := ex.Exec(context.Background(), "echo hello", t.TempDir())
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if strings.TrimSpace(stdout) != "hello" {
		t.Fatalf("stdout = %q, want hello", stdout)
	}
	if stderr != "" {
		t.Fatalf("stderr = %q, want empty", stderr)
	}
	if exitCode != 0 {
		t.Fatalf("exit code = %d, want 0", exitCode)
	}
}

func TestHostExecutor_SeparatesStderr(t *testing.T) {
	requireShell(t)

	var ex HostExecutor
	stdout, stderr, _, err := ex.Exec(context.Background(), "echo out; echo err >&2", t.TempDir())
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if strings.TrimSpace(stdout) != "out" {
		t.Fatalf("stdout = %q, want out", stdout)
	}
	if strings.TrimSpace(stderr) != "err" {
		t.Fatalf("stderr = %q, want err", stderr)
	}
}

func TestHostExecutor_NonZeroExitIsNotAnError(t *testing.T) {
	requireShell(t)

	var ex HostExecutor
	_, _, exitCode, err := ex.Exec(context.Background(), "exit 3", t.TempDir())
	if err != nil {
		t.Fatalf("a command failure should surface as an exit code, got err: %v", err)
	}
	if exitCode != 3 {
		t.Fatalf("exit code = %d, want 3", exitCode)
	}
}

func TestHostExecutor_RunsInWorkdir(t *testing.T) {
	requireShell(t)

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("present"), 0o644); err != nil {
		t.Fatal(err)
	}

	var ex HostExecutor
	stdout, _, exitCode, err := ex.Exec(context.Background(), "cat marker.txt", dir)
	if err != nil || exitCode != 0 {
		t.Fatalf("Exec: exit=%d err=%v", exitCode, err)
	}
	if stdout != "present" {
		t.Fatalf("stdout = %q, want present", stdout)
	}
}

func TestHostExecutor_ContextCancelKillsCommand(t *testing.T) {
	requireShell(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var ex HostExecutor
	start := time.Now()
	_, _, exitCode, _ := ex.Exec(ctx, "sleep 5", t.TempDir())
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("command was not killed on context cancel, took %v", elapsed)
	}
	if exitCode == 0 {
		t.Fatal("killed command should not report exit code 0")
	}
}

func TestNewDockerExecutor_Defaults(t *testing.T) {
	d, err := NewDockerExecutor("", 0, "")
	if err != nil {
		t.Skipf("docker client unavailable: %v", err)
	}
	defer d.Close()

	if d.image != "alpine:3.20" {
		t.Fatalf("image = %q, want alpine:3.20", d.image)
	}
	if d.memoryBytes != 512*1024*1024 {
		t.Fatalf("memoryBytes = %d, want 512MB", d.memoryBytes)
	}
	if d.networkMode != "none" {
		t.Fatalf("networkMode = %q, want none", d.networkMode)
	}
}
