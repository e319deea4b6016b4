package shared

import (
	"strings"
	"testing"
)

func TestRedact_BearerToken(t *testing.T) {
	got := Redact("Bearer abc123def456ghi789jkl0")
	if got != "Bearer [REDACTED]" {
		t.Fatalf("expected 'Bearer [REDACTED]', got %q", got)
	}
}

func TestRedact_ProviderKeys(t *testing.T) {
	cases := []string{
		"api_key=abcdef1234567890abcdef",
		"key is AIzaSyA1234567890abcdefghijklmnopqrstuvwx",
		"using sk-ant-REDACTED",
		"bot 123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsawq failed",
	}
	for _, in := range cases {
		if got := Redact(in); got == in || !strings.Contains(got, redactedPlaceholder) {
			t.Errorf("Redact(%q) = %q, expected redaction", in, got)
		}
	}
}

func TestRedact_PostgresDSN(t *testing.T) {
	got := Redact("dial postgres://todo:hunter2@db:5432/todo failed")
	if strings.Contains(got, "hunter2") {
		t.Fatalf("password leaked: %q", got)
	}
	if !strings.Contains(got, "postgres://todo:[REDACTED]@db:5432/todo") {
		t.Fatalf("unexpected redaction shape: %q", got)
	}

	got = Redact("host=db user=todo password=hunter2 dbname=todo")
	if strings.Contains(got, "hunter2") {
		t.Fatalf("password leaked: %q", got)
	}
}

func TestRedact_NoSecret(t *testing.T) {
	input := "Created a task."
	if got := Redact(input); got != input {
		t.Fatalf("expected no redaction, got %q", got)
	}
}

func TestSensitiveKey(t *testing.T) {
	tests := map[string]bool{
		"TODOAGENT_DB_DSN":    true,
		"TELEGRAM_TOKEN":      true,
		"api_key":             true,
		"Authorization":       true,
		"TODOAGENT_BIND_ADDR": false,
		"task":                false,
		"":                    false,
	}
	for key, want := range tests {
		if got := SensitiveKey(key); got != want {
			t.Errorf("SensitiveKey(%q) = %v, want %v", key, got, want)
		}
	}
}
