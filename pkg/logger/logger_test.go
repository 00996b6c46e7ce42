package logger

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		" INFO ":  INFO,
		"warning": WARN,
		"error":   ERROR,
		"bogus":   INFO,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFileLoggingWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "qbot.log")
	if err := EnableFileLogging(path); err != nil {
		t.Fatalf("EnableFileLogging() error = %v", err)
	}
	defer DisableFileLogging()

	prev := GetLevel()
	SetLevel(DEBUG)
	defer SetLevel(prev)

	InfoCF("test", "hello", map[string]interface{}{"k": 1})
	DebugC("test", "dbg")

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var entries []LogEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("invalid json line %q: %v", scanner.Text(), err)
		}
		entries = append(entries, e)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Component != "test" || entries[0].Message != "hello" || entries[0].Level != "INFO" {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}
}

func TestLevelFiltersLowerEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qbot.log")
	if err := EnableFileLogging(path); err != nil {
		t.Fatalf("EnableFileLogging() error = %v", err)
	}
	defer DisableFileLogging()

	prev := GetLevel()
	SetLevel(WARN)
	defer SetLevel(prev)

	InfoC("test", "dropped")
	WarnC("test", "kept")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.Contains(string(data), "dropped") {
		t.Fatalf("info entry should be filtered at WARN level: %s", data)
	}
	if !strings.Contains(string(data), "kept") {
		t.Fatalf("warn entry missing: %s", data)
	}
}

func TestRotateFileRemovesExpired(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qbot.log")
	if err := EnableFileLogging(path); err != nil {
		t.Fatalf("EnableFileLogging() error = %v", err)
	}
	defer DisableFileLogging()

	stale := path + ".20000101-000000"
	if err := os.WriteFile(stale, []byte("old\n"), 0644); err != nil {
		t.Fatalf("write stale: %v", err)
	}
	old := time.Now().Add(-30 * 24 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	removed, err := RotateFile(14 * 24 * time.Hour)
	if err != nil {
		t.Fatalf("RotateFile() error = %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale rotated file still present")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("active log file missing after rotation: %v", err)
	}
}
