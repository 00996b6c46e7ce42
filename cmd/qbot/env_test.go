package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/qbot-dev/qbot/pkg/config"
)

func TestLoadEnvFile(t *testing.T) {
	tmpDir := t.TempDir()
	envPath := filepath.Join(tmpDir, ".env")

	content := `
# comment
QBOT_TEST_ENV_A=alpha
export QBOT_TEST_ENV_B = bravo
QBOT_TEST_ENV_C="hello world"
QBOT_TEST_ENV_D='single # keep'
QBOT_TEST_ENV_E=value # inline comment
QBOT_TEST_ENV_F="line1\nline2"
QBOT_TEST_ENV_G="quoted with comment" # comment
`
	if err := os.WriteFile(envPath, []byte(content), 0644); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	for _, k := range []string{"A", "B", "C", "D", "E", "F", "G"} {
		key := "QBOT_TEST_ENV_" + k
		t.Cleanup(func() { os.Unsetenv(key) })
	}

	if err := loadEnvFile(envPath); err != nil {
		t.Fatalf("loadEnvFile() error = %v", err)
	}

	tests := map[string]string{
		"QBOT_TEST_ENV_A": "alpha",
		"QBOT_TEST_ENV_B": "bravo",
		"QBOT_TEST_ENV_C": "hello world",
		"QBOT_TEST_ENV_D": "single # keep",
		"QBOT_TEST_ENV_E": "value",
		"QBOT_TEST_ENV_F": "line1\nline2",
		"QBOT_TEST_ENV_G": "quoted with comment",
	}

	for k, want := range tests {
		got := os.Getenv(k)
		if got != want {
			t.Fatalf("%s = %q, want %q", k, got, want)
		}
	}
}

func TestLoadEnvFile_DoesNotOverrideExisting(t *testing.T) {
	tmpDir := t.TempDir()
	envPath := filepath.Join(tmpDir, ".env")

	if err := os.WriteFile(envPath, []byte("QBOT_TEST_ENV_OVERRIDE=from_file\n"), 0644); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	t.Setenv("QBOT_TEST_ENV_OVERRIDE", "from_process")

	if err := loadEnvFile(envPath); err != nil {
		t.Fatalf("loadEnvFile() error = %v", err)
	}

	if got := os.Getenv("QBOT_TEST_ENV_OVERRIDE"); got != "from_process" {
		t.Fatalf("QBOT_TEST_ENV_OVERRIDE = %q, want %q", got, "from_process")
	}
}

func TestLoadEnvFile_InvalidLine(t *testing.T) {
	tmpDir := t.TempDir()
	envPath := filepath.Join(tmpDir, ".env")

	if err := os.WriteFile(envPath, []byte("bad_line_without_equal\n"), 0644); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	if err := loadEnvFile(envPath); err == nil {
		t.Fatal("expected error for invalid .env line, got nil")
	}
}

func TestLoadEnvFile_UnterminatedQuote(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envPath, []byte("QBOT_TEST_ENV_Q=\"open\n"), 0644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	if err := loadEnvFile(envPath); err == nil {
		t.Fatal("expected error for unterminated quote, got nil")
	}
}

func TestLoadEnvNextTo_OverlaysYAMLConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "qbot.yaml")
	yaml := `
onebot:
  mode: ws_reverse
  port: 9000
core:
  workers: 4
`
	if err := os.WriteFile(configPath, []byte(yaml), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	env := "QBOT_CORE_WORKERS=7\nQBOT_BOT_ADMIN_IDS=1001\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0644); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	t.Setenv("QBOT_CONFIG", configPath)
	for _, key := range []string{"QBOT_CORE_WORKERS", "QBOT_BOT_ADMIN_IDS"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	if err := loadEnvNextTo(getConfigPath()); err != nil {
		t.Fatalf("loadEnvNextTo() error = %v", err)
	}
	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}

	if cfg.OneBot.Mode != config.ModeWSReverse || cfg.OneBot.Port != 9000 {
		t.Fatalf("onebot = %+v, want the YAML values", cfg.OneBot)
	}
	if cfg.Core.Workers != 7 {
		t.Fatalf("workers = %d, want 7 from .env", cfg.Core.Workers)
	}
	if got := cfg.AdminIDs(); len(got) != 1 || got[0] != 1001 {
		t.Fatalf("AdminIDs() = %v", got)
	}
}

func TestLoadEnvNextTo_MissingFileIsFine(t *testing.T) {
	if err := loadEnvNextTo(filepath.Join(t.TempDir(), "config.json")); err != nil {
		t.Fatalf("loadEnvNextTo() error = %v", err)
	}
}
