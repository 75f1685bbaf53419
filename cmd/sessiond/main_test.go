package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadAuthToken_EnvOverride(t *testing.T) {
	home := t.TempDir()
	t.Setenv("SESSIOND_AUTH_TOKEN", "from-env")

	tok, err := loadAuthToken(home, nil)
	if err != nil {
		t.Fatalf("load auth token: %v", err)
	}
	if tok != "from-env" {
		t.Fatalf("token = %q, want env override", tok)
	}
	if _, err := os.Stat(filepath.Join(home, "auth.token")); !os.IsNotExist(err) {
		t.Fatal("env override must not write a token file")
	}
}

func TestLoadAuthToken_ReadsExistingFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("SESSIOND_AUTH_TOKEN", "")
	if err := os.WriteFile(filepath.Join(home, "auth.token"), []byte("existing-token\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	tok, err := loadAuthToken(home, nil)
	if err != nil {
		t.Fatalf("load auth token: %v", err)
	}
	if tok != "existing-token" {
		t.Fatalf("token = %q, want existing-token", tok)
	}
}

func TestLoadAuthToken_GeneratesAndPersists(t *testing.T) {
	home := t.TempDir()
	t.Setenv("SESSIOND_AUTH_TOKEN", "")

	first, err := loadAuthToken(home, nil)
	if err != nil {
		t.Fatalf("load auth token: %v", err)
	}
	if first == "" {
		t.Fatal("generated token is empty")
	}

	path := filepath.Join(home, "auth.token")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat token file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("token file mode = %o, want 600", perm)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(string(raw), "\n") {
		t.Fatal("token file should end with a newline")
	}

	// A second call returns the persisted token, not a fresh one.
	second, err := loadAuthToken(home, nil)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if second != first {
		t.Fatalf("token changed across loads: %q vs %q", first, second)
	}
}

func TestServerBaseURL(t *testing.T) {
	cases := map[string]string{
		"127.0.0.1:18790":          "http://127.0.0.1:18790",
		"":                         "http://127.0.0.1:18790",
		"http://example.com:8080/": "http://example.com:8080",
		"https://example.com":      "https://example.com",
		"[::1]:18790":              "http://[::1]:18790",
	}
	for in, want := range cases {
		if got := serverBaseURL(in); got != want {
			t.Fatalf("serverBaseURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsAddrInUse(t *testing.T) {
	if isAddrInUse(os.ErrNotExist) {
		t.Fatal("unrelated error misclassified as address in use")
	}
}

func TestPortOccupantHint_BadAddr(t *testing.T) {
	hint := portOccupantHint("not-an-addr")
	if !strings.Contains(hint, "not-an-addr") {
		t.Fatalf("hint should name the address: %q", hint)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\nSESSIOND_TEST_DOTENV=from-file\nSESSIOND_TEST_PRESET=overridden\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SESSIOND_TEST_DOTENV", "")
	os.Unsetenv("SESSIOND_TEST_DOTENV")
	t.Setenv("SESSIOND_TEST_PRESET", "kept")

	loadDotEnv(path)

	if got := os.Getenv("SESSIOND_TEST_DOTENV"); got != "from-file" {
		t.Fatalf("SESSIOND_TEST_DOTENV = %q, want from-file", got)
	}
	if got := os.Getenv("SESSIOND_TEST_PRESET"); got != "kept" {
		t.Fatalf("dotenv must not override existing env, got %q", got)
	}
}
