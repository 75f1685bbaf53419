package shared

import (
	"context"
	"strings"
	"testing"
)

func TestRedact_BearerToken(t *testing.T) {
	input := "Bearer abc123def456ghi789jkl0"
	result := Redact(input)
	if result != "Bearer [REDACTED]" {
		t.Fatalf("expected 'Bearer [REDACTED]', got %q", result)
	}
}

func TestRedact_APIKey(t *testing.T) {
	input := `api_key=abcdef1234567890abcdef`
	result := Redact(input)
	if result == input {
		t.Fatalf("expected redaction, got %q", result)
	}
}

func TestRedact_AnthropicKey(t *testing.T) {
	input := "using sk-ant-REDACTED for the run"
	result := Redact(input)
	if strings.Contains(result, "sk-ant-") {
		t.Fatalf("expected anthropic key redacted, got %q", result)
	}
}

func TestRedact_TelegramToken(t *testing.T) {
	input := "bot token 123456789:AAbbCCddEEffGGhhIIjjKKllMMnnOOppQQ configured"
	result := Redact(input)
	if result == input {
		t.Fatalf("expected telegram token redacted, got %q", result)
	}
}

func TestRedact_NoSecret(t *testing.T) {
	input := "session s-123 transitioned to ACTIVE"
	result := Redact(input)
	if result != input {
		t.Fatalf("expected no redaction, got %q", result)
	}
}

func TestRedact_Empty(t *testing.T) {
	if result := Redact(""); result != "" {
		t.Fatalf("expected empty, got %q", result)
	}
}

func TestRedactEnvValue(t *testing.T) {
	cases := []struct {
		key, value, want string
	}{
		{"RUNTIME_API_KEY", "abc", "[REDACTED]"},
		{"AUTH_TOKEN", "abc", "[REDACTED]"},
		{"DB_PASSWORD", "abc", "[REDACTED]"},
		{"LOG_LEVEL", "debug", "debug"},
		{"BIND_ADDR", "127.0.0.1:8743", "127.0.0.1:8743"},
	}
	for _, tc := range cases {
		if got := RedactEnvValue(tc.key, tc.value); got != tc.want {
			t.Fatalf("RedactEnvValue(%q): got %q, want %q", tc.key, got, tc.want)
		}
	}
}

func TestContextKeys(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("TraceID on empty context: got %q, want -", got)
	}
	ctx = WithTraceID(ctx, "t-1")
	ctx = WithSessionID(ctx, "s-1")
	ctx = WithExecutionID(ctx, "e-1")
	ctx = WithUserID(ctx, "u-1")
	if got := TraceID(ctx); got != "t-1" {
		t.Fatalf("TraceID: got %q", got)
	}
	if got := SessionID(ctx); got != "s-1" {
		t.Fatalf("SessionID: got %q", got)
	}
	if got := ExecutionID(ctx); got != "e-1" {
		t.Fatalf("ExecutionID: got %q", got)
	}
	if got := UserID(ctx); got != "u-1" {
		t.Fatalf("UserID: got %q", got)
	}
}
