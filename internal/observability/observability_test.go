package observability

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func counterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metrics:
		for _, metric := range family.GetMetric() {
			for _, pair := range metric.GetLabel() {
				if labels[pair.GetName()] != pair.GetValue() {
					continue metrics
				}
			}
			return metric.GetCounter().GetValue()
		}
	}
	return 0
}

func TestMetricsCountAndShareRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	first := NewMetrics(registry)
	second := NewMetrics(registry)

	first.IncUpload("export", "ok")
	second.IncUpload("export", "ok")
	first.IncTokenRejection("expired")

	if got := counterValue(t, registry, "redirectory_uploads_total", map[string]string{"level": "export", "outcome": "ok"}); got != 2 {
		t.Fatalf("expected both instances to share the counter, got %v", got)
	}
	if got := counterValue(t, registry, "redirectory_token_rejections_total", map[string]string{"reason": "expired"}); got != 1 {
		t.Fatalf("unexpected rejection count: %v", got)
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.IncUpload("export", "ok")
	m.IncRelease("created")
	m.IncAssetDeletion("deleted")
	m.IncRemoteError("upload_asset")
	m.IncTokenRejection("invalid")
	m.IncSave("ok")
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, slog.LevelInfo, "adapter")
	logger = WithRequest(logger, "req-1")
	logger = WithReference(logger, "zlib/1.2.13@github/alice")
	logger = WithUser(logger, "alice")
	logger.Debug("hidden")
	logger.Info("file uploaded", "event", "file_uploaded")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line above debug, got %d", len(lines))
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["component"] != "adapter" || entry["request_id"] != "req-1" || entry["event"] != "file_uploaded" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["user_hash"] != HashValue("alice") || strings.Contains(lines[0], `"alice"`) {
		t.Fatalf("user name should only appear hashed: %s", lines[0])
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for input, want := range tests {
		if got := ParseLevel(input); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}
