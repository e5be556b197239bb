package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLogger_ScopedFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "scavenger-miner", "1.0.0", "info", "json")

	ctx := context.WithValue(context.Background(), RunIDKey, "tick-9")
	logger.WithContext(ctx).
		WithComponent("miner").
		WithJob(42, "m/1852'/1815'/0'/0/3").
		WithWallet("addr1xyz").
		WithError(errors.New("challenge fetch failed")).
		Warn("chunk aborted")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("Expected 1 log line, got %d", len(lines))
	}
	line := lines[0]

	expected := map[string]any{
		"service":         "scavenger-miner",
		"version":         "1.0.0",
		"run_id":          "tick-9",
		"component":       "miner",
		"job_id":          float64(42),
		"derivation_path": "m/1852'/1815'/0'/0/3",
		"address":         "addr1xyz",
		"error":           "challenge fetch failed",
		"msg":             "chunk aborted",
	}
	for k, v := range expected {
		if line[k] != v {
			t.Errorf("Expected %s = %v, got %v", k, v, line[k])
		}
	}
}

func TestLogger_WithErrorNil(t *testing.T) {
	logger := Nop()
	if logger.WithError(nil) != logger {
		t.Error("Expected WithError(nil) to return the same logger")
	}
}

func TestLogger_DomainHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "scavenger-merger", "dev", "info", "json")

	logger.LogSolutionFound("addr1abc", "**D07C10", "ce10c84ef2d07520", 1234)
	logger.LogMergeOutcome("addr1abc", "addr1pay", "already_done", 1, "already assigned")
	logger.LogProgress("batch progress", 5, 10, 2.5, 50)
	logger.LogThroughput("hash", 1000, 2*time.Second)
	logger.WithSession("batch_ab").Debug("hidden at info level")

	lines := decodeLines(t, &buf)
	if len(lines) != 4 {
		t.Fatalf("Expected 4 log lines, got %d", len(lines))
	}
	if lines[0]["nonce"] != "ce10c84ef2d07520" {
		t.Errorf("Expected nonce field, got %v", lines[0]["nonce"])
	}
	if lines[1]["outcome"] != "already_done" {
		t.Errorf("Expected outcome field, got %v", lines[1]["outcome"])
	}
	if lines[2]["progress_percent"] != float64(50) {
		t.Errorf("Expected progress_percent 50, got %v", lines[2]["progress_percent"])
	}
	if lines[3]["throughput_ops_sec"] != float64(500) {
		t.Errorf("Expected 500 ops/sec, got %v", lines[3]["throughput_ops_sec"])
	}
}
