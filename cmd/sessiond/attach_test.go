package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestRunAttachCommand_NoArgs(t *testing.T) {
	code := runAttachCommand(context.Background(), nil)
	if code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunAttachCommand_FlagInsteadOfID(t *testing.T) {
	code := runAttachCommand(context.Background(), []string{"-help"})
	if code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunAttachCommand_ServerDown(t *testing.T) {
	home := t.TempDir()
	t.Setenv("SESSIOND_HOME", home)
	t.Setenv("SESSIOND_AUTH_TOKEN", "")
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(`bind_addr: "127.0.0.1:1"`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(home, "auth.token"), []byte("tok\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	code := runAttachCommand(context.Background(), []string{"some-session"})
	if code != 1 {
		t.Fatalf("got exit code %d, want 1 when no daemon is listening", code)
	}
}
