package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDotenv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := `
# comment line
FOO=bar
QUOTED="hello world"
SINGLE='single'
NOVALUE
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	t.Setenv("FOO", "")
	os.Unsetenv("FOO")
	t.Setenv("QUOTED", "")
	os.Unsetenv("QUOTED")
	t.Setenv("SINGLE", "")
	os.Unsetenv("SINGLE")

	if err := LoadDotenv(path); err != nil {
		t.Fatalf("LoadDotenv: %v", err)
	}

	if got := os.Getenv("FOO"); got != "bar" {
		t.Errorf("FOO: got %q", got)
	}
	if got := os.Getenv("QUOTED"); got != "hello world" {
		t.Errorf("QUOTED: got %q", got)
	}
	if got := os.Getenv("SINGLE"); got != "single" {
		t.Errorf("SINGLE: got %q", got)
	}
}

func TestLoadDotenvDoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("PRESET=from_file\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	t.Setenv("PRESET", "from_env")

	if err := LoadDotenv(path); err != nil {
		t.Fatalf("LoadDotenv: %v", err)
	}

	if got := os.Getenv("PRESET"); got != "from_env" {
		t.Errorf("PRESET overridden: got %q", got)
	}
}

func TestLoadDotenvMissingFile(t *testing.T) {
	if err := LoadDotenv(filepath.Join(t.TempDir(), "nope.env")); err != nil {
		t.Errorf("missing file should be ignored: %v", err)
	}
}

func TestDrudgePathEnvOverride(t *testing.T) {
	t.Setenv("DRUDGE_PATH", "/tmp/custom-drudge")
	if got := DrudgePath(); got != "/tmp/custom-drudge" {
		t.Errorf("DrudgePath: got %q", got)
	}
	if got := ConfigPath(); got != "/tmp/custom-drudge/config.jsonc" {
		t.Errorf("ConfigPath: got %q", got)
	}
}
