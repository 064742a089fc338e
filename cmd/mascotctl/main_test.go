package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out) != version {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "animations.json")
	body := `{"animations":[{"name":"idle","file":"idle.vrma","loop":true,"fadeTime":0.5}]}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, err := execute(t, "validate", "--file", path)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "manifest valid: 1 animations") {
		t.Fatalf("unexpected output %q", out)
	}

	if _, err := execute(t, "validate", "--file", path, "--deep"); err == nil {
		t.Fatal("deep validation must fail when clip files are missing")
	}
}

func TestValidateRejectsBadManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "animations.json")
	if err := os.WriteFile(path, []byte(`{"animations":[]}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := execute(t, "validate", "-f", path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestHistoryWithoutStore(t *testing.T) {
	t.Setenv("MASCOT_EVENT_STORE_PATH", filepath.Join(t.TempDir(), "missing.db"))
	out, err := execute(t, "history")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, "no history recorded yet") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("こんにちは世界", 4); got != "こんに…" {
		t.Fatalf("unexpected %q", got)
	}
	if got := truncate("short", 10); got != "short" {
		t.Fatalf("unexpected %q", got)
	}
}
