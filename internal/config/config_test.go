package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("AGORA_TEST_KEY", "sk-from-env")

	path := writeConfig(t, `
listen:
  port: 9090
model:
  api_key: ${AGORA_TEST_KEY}
  name: gpt-4o
  max_rounds: 3
  timeout_sec: 30
backend:
  base_url: https://cms.example.test
  service_token: svc-token
conversation:
  max_messages: 20
  idle_ttl: 2h
log_level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen.Port != 9090 {
		t.Errorf("port = %d", cfg.Listen.Port)
	}
	if cfg.Model.APIKey != "sk-from-env" {
		t.Errorf("api_key = %q, env expansion failed", cfg.Model.APIKey)
	}
	if cfg.Model.Name != "gpt-4o" || cfg.Model.MaxRounds != 3 {
		t.Errorf("model = %+v", cfg.Model)
	}
	if cfg.Model.Timeout() != 30*time.Second {
		t.Errorf("timeout = %v", cfg.Model.Timeout())
	}
	if cfg.Backend.BaseURL != "https://cms.example.test" {
		t.Errorf("backend base_url = %q", cfg.Backend.BaseURL)
	}
	if cfg.Conversation.MaxMessages != 20 || cfg.Conversation.IdleTTL != 2*time.Hour {
		t.Errorf("conversation = %+v", cfg.Conversation)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log_level = %q", cfg.LogLevel)
	}
}

func TestLoadKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
model:
  api_key: sk-x
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen.Port != 8080 {
		t.Errorf("port = %d, want default 8080", cfg.Listen.Port)
	}
	if cfg.Model.MaxRounds != 5 {
		t.Errorf("max_rounds = %d, want default 5", cfg.Model.MaxRounds)
	}
	if cfg.Conversation.IdleTTL != 24*time.Hour {
		t.Errorf("idle_ttl = %v, want default 24h", cfg.Conversation.IdleTTL)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("want error for missing file")
	}
}

func TestTimeoutDefault(t *testing.T) {
	var m ModelConfig
	if m.Timeout() != 60*time.Second {
		t.Errorf("zero timeout_sec = %v, want 60s", m.Timeout())
	}
}

func TestFindConfigExplicitMustExist(t *testing.T) {
	if _, err := FindConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("want error for missing explicit path")
	}

	path := writeConfig(t, "log_level: info\n")
	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig failed: %v", err)
	}
	if got != path {
		t.Errorf("got %q, want %q", got, path)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"trace", LevelTrace, false},
		{"debug", slog.LevelDebug, false},
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"INFO", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) err = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	attr := slog.Attr{Key: slog.LevelKey, Value: slog.AnyValue(LevelTrace)}
	got := ReplaceLogLevelNames(nil, attr)
	if got.Value.String() != "TRACE" {
		t.Errorf("trace renders as %q", got.Value.String())
	}

	info := slog.Attr{Key: slog.LevelKey, Value: slog.AnyValue(slog.LevelInfo)}
	got = ReplaceLogLevelNames(nil, info)
	if got.Value.Any() != slog.LevelInfo {
		t.Errorf("info level was rewritten: %v", got.Value)
	}
}
