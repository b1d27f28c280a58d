package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "atelier.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "atelier.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "atelier.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "atelier.yaml")
	os.WriteFile(path, []byte("anthropic:\n  api_key: ${ATELIER_TEST_KEY}\n"), 0600)
	os.Setenv("ATELIER_TEST_KEY", "sk-ant-secret123")
	defer os.Unsetenv("ATELIER_TEST_KEY")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Anthropic.APIKey != "sk-ant-secret123" {
		t.Errorf("api_key = %q, want %q", cfg.Anthropic.APIKey, "sk-ant-secret123")
	}
}

func TestLoad_DefaultsPreserved(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "atelier.yaml")
	os.WriteFile(path, []byte("turn:\n  model: claude-opus-4-20250514\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Turn.Model != "claude-opus-4-20250514" {
		t.Errorf("model = %q, want override", cfg.Turn.Model)
	}
	// Untouched keys keep their defaults.
	if cfg.Turn.MaxIterations != 10 {
		t.Errorf("max_iterations = %d, want default 10", cfg.Turn.MaxIterations)
	}
	if cfg.Enrichment.MinTurnsForTitle != 2 {
		t.Errorf("min_turns_for_title = %d, want default 2", cfg.Enrichment.MinTurnsForTitle)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"", false},
		{"info", false},
		{"DEBUG", false},
		{"trace", false},
		{" warn ", false},
		{"warning", false},
		{"error", false},
		{"verbose", true},
	}

	for _, tt := range tests {
		_, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
	}
}
