package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/athenaq/athenaq/internal/config"
)

func TestNewLoggerAddsServiceAttributes(t *testing.T) {
	cfg := config.Config{
		Profile:       config.ProfileTest,
		Service:       config.ServiceConfig{Name: "athenaq-api"},
		Athena:        config.AthenaConfig{Backend: config.BackendDuckDB},
		Observability: config.ObservabilityConfig{LogLevel: slog.LevelInfo, LogJSON: true},
	}
	var buf bytes.Buffer
	NewLogger(cfg, &buf).Info("query_submitted")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if entry["service"] != "athenaq-api" || entry["profile"] != "test" || entry["backend"] != "duckdb" {
		t.Fatalf("entry = %#v", entry)
	}
}

func TestNewLoggerRespectsLevel(t *testing.T) {
	cfg := config.Config{Observability: config.ObservabilityConfig{LogLevel: slog.LevelWarn}}
	var buf bytes.Buffer
	NewLogger(cfg, &buf).Info("query_poll")
	if buf.Len() != 0 {
		t.Fatalf("info entry written at warn level: %s", buf.String())
	}
}

func TestNewLoggerAddsRegionForAthenaBackend(t *testing.T) {
	cfg := config.Config{
		Athena:        config.AthenaConfig{Backend: config.BackendAthena, Region: "eu-west-1"},
		Observability: config.ObservabilityConfig{LogLevel: slog.LevelInfo, LogJSON: true},
	}
	var buf bytes.Buffer
	NewLogger(cfg, &buf).Info("query_submitted", slog.Duration("duration", 1500*time.Millisecond))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if entry["region"] != "eu-west-1" {
		t.Fatalf("region = %#v", entry["region"])
	}
	if entry["duration_ms"] != float64(1500) {
		t.Fatalf("duration_ms = %#v, entry = %#v", entry["duration_ms"], entry)
	}
	if _, ok := entry["duration"]; ok {
		t.Fatalf("raw duration still present: %#v", entry)
	}
}

func TestExecutionLoggerBindsExecutionAndTrace(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))
	ctx := ContextWithTraceID(context.Background(), "trace-42")

	ExecutionLogger(ctx, base, "exec-9").Info("query_poll")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if entry["execution_id"] != "exec-9" || entry["trace_id"] != "trace-42" {
		t.Fatalf("entry = %#v", entry)
	}

	buf.Reset()
	ExecutionLogger(context.Background(), base, "exec-10").Info("query_poll")
	if strings.Contains(buf.String(), "trace_id") {
		t.Fatalf("trace_id written without a trace: %s", buf.String())
	}
}

func TestExecutionLoggerWithoutBaseDiscards(t *testing.T) {
	ExecutionLogger(context.Background(), nil, "exec-1").Info("query_poll")
}
