package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "validate", "version"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestRunValidatePrintsSummary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "maestro.yaml")
	contents := strings.TrimSpace(`
llm:
  default: anthropic
  providers:
    anthropic:
      api_key: sk-test
      model: claude-sonnet-4-5
servers:
  - key: fs
    transport: stdio
    command: fs-server
    args: ["--root", "/workspace"]
    auto_start: true
  - key: search
    transport: sse
    url: https://search.internal:8443/mcp
roots:
  strict: true
  global:
    - path: /workspace
      name: workspace
  servers:
    fs:
      - path: /srv/files
sampling:
  enabled: true
  rate_limit_per_minute: 10
`)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	var out strings.Builder
	if err := runValidate(&out, path); err != nil {
		t.Fatalf("runValidate() error = %v", err)
	}

	got := out.String()
	for _, want := range []string{
		"Configuration OK",
		"default: anthropic",
		"anthropic (model: claude-sonnet-4-5)",
		"fs (stdio, auto-start): fs-server --root /workspace",
		"search (sse): https://search.internal:8443/mcp",
		"Roots (strict):",
		"/workspace \"workspace\" (global)",
		"/srv/files (fs)",
		"confirm [high critical]",
		"Sampling: enabled (10/min global,",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("summary missing %q in:\n%s", want, got)
		}
	}
}

func TestRunValidateRejectsBrokenConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "maestro.yaml")
	if err := os.WriteFile(path, []byte("llm:\n  default: ghost\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	var out strings.Builder
	err := runValidate(&out, path)
	if err == nil {
		t.Fatal("runValidate() expected an error for a broken config")
	}
	if !strings.Contains(err.Error(), "config validation failed") {
		t.Errorf("error = %v, want config validation failure", err)
	}
}
