package telemetry

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func readEntries(t *testing.T, stateDir string) []map[string]any {
	t.Helper()
	raw, err := os.ReadFile(LogPath(stateDir))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("unmarshal log line %q: %v", line, err)
		}
		out = append(out, entry)
	}
	return out
}

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	dir := t.TempDir()
	logger, closer, err := NewLogger(Options{StateDir: dir, Level: "debug", Quiet: true, Identity: "lead"})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	Component(logger, "supervisor").Info("worker started", "agent", "w1", "pid", 4242)

	entries := readEntries(t, dir)
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	entry := entries[0]
	for _, key := range []string{"timestamp", "level", "msg", "component", "identity"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "supervisor" || entry["identity"] != "lead" || entry["agent"] != "w1" {
		t.Fatalf("unexpected entry: %#v", entry)
	}
}

func TestNewLogger_RedactsSensitiveFields(t *testing.T) {
	dir := t.TempDir()
	logger, closer, err := NewLogger(Options{StateDir: dir, Quiet: true})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("embedding request",
		"api_key", "abc123",
		"auth_header", "Authorization: Bearer super-secret-token",
		"error", "provider said: invalid key sk-abcdefghijklmnopqrstuvwx",
	)

	entry := readEntries(t, dir)[0]
	if entry["api_key"] != "[REDACTED]" {
		t.Fatalf("expected api_key redaction, got %#v", entry["api_key"])
	}
	if entry["auth_header"] != "[REDACTED]" {
		t.Fatalf("expected auth_header redaction, got %#v", entry["auth_header"])
	}
	if entry["error"] != "provider said: invalid key [REDACTED]" {
		t.Fatalf("expected embedded key redaction, got %#v", entry["error"])
	}
}

func TestNewLogger_LevelFiltersFileAndStderr(t *testing.T) {
	dir := t.TempDir()
	var stderr bytes.Buffer
	logger, closer, err := NewLogger(Options{StateDir: dir, Level: "warn", Stderr: &stderr})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("agent transition")
	logger.Warn("agent idle", "agent", "w2")

	if n := len(readEntries(t, dir)); n != 1 {
		t.Fatalf("expected one entry in file, got %d", n)
	}
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(stderr.Bytes()), &entry); err != nil {
		t.Fatalf("stderr is not a single JSON record: %v\n%s", err, stderr.String())
	}
	if entry["msg"] != "agent idle" {
		t.Fatalf("unexpected stderr record: %#v", entry)
	}
}

func TestNewLogger_RotatesOversizedFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(dir+"/logs", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(LogPath(dir), bytes.Repeat([]byte("x"), 64), 0o644); err != nil {
		t.Fatal(err)
	}
	logger, closer, err := NewLogger(Options{StateDir: dir, Quiet: true, MaxFileBytes: 32})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("fresh")
	closer.Close()

	if _, err := os.Stat(LogPath(dir) + ".1"); err != nil {
		t.Fatalf("expected rotated file: %v", err)
	}
	if entries := readEntries(t, dir); len(entries) != 1 || entries[0]["msg"] != "fresh" {
		t.Fatalf("expected a fresh log file, got %#v", entries)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"chatty":  slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
