package app

import (
	"os"
	"path/filepath"
	"testing"
)

func writeDotenv(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	return path
}

func TestLoadDotenv_SetsVars(t *testing.T) {
	path := writeDotenv(t, `
# comment
COURIER_API_KEY=acct-dev
export COURIER_BASE_URL="https://api.example.com"
SINGLE='a b'
`)

	t.Setenv("COURIER_API_KEY", "")
	t.Setenv("COURIER_BASE_URL", "")
	t.Setenv("SINGLE", "")
	if err := loadDotenv(path); err != nil {
		t.Fatalf("loadDotenv: %v", err)
	}

	if got := os.Getenv("COURIER_API_KEY"); got != "acct-dev" {
		t.Fatalf("COURIER_API_KEY=%q, want acct-dev", got)
	}
	if got := os.Getenv("COURIER_BASE_URL"); got != "https://api.example.com" {
		t.Fatalf("COURIER_BASE_URL=%q", got)
	}
	if got := os.Getenv("SINGLE"); got != "a b" {
		t.Fatalf("SINGLE=%q, want 'a b'", got)
	}
}

func TestLoadDotenv_DoesNotOverrideNonEmpty(t *testing.T) {
	path := writeDotenv(t, "COURIER_API_KEY=acct-dev\n")

	t.Setenv("COURIER_API_KEY", "acct-prod")
	if err := loadDotenv(path); err != nil {
		t.Fatalf("loadDotenv: %v", err)
	}
	if got := os.Getenv("COURIER_API_KEY"); got != "acct-prod" {
		t.Fatalf("COURIER_API_KEY=%q, want acct-prod", got)
	}
}

func TestLoadDotenv_InvalidLine(t *testing.T) {
	for _, content := range []string{"NOEQUALS\n", "=value\n", "KEY=" + `"a\qb"` + "\n"} {
		if err := loadDotenv(writeDotenv(t, content)); err == nil {
			t.Fatalf("expected error for %q", content)
		}
	}
}
