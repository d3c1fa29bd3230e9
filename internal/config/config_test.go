package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "remindd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: /var/lib/remindd/remindd.db
scanner:
  enabled: true
  interval: 10s
  lookahead: 30s
  batch_limit: 100
  stuck_timeout: 5m
  timezone: Europe/Berlin
dispatch:
  workers: 4
  retry_max: 3
  delivery_timeout: 45s
delivery:
  channel: telegram
  telegram:
    token: "123:abc"
    chat_id: -100200300
`)

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage driver = %q", cfg.Storage.Driver)
	}
	if !cfg.Scanner.Enabled || cfg.Scanner.Interval != "10s" || cfg.Scanner.BatchLimit != 100 {
		t.Fatalf("scanner = %+v", cfg.Scanner)
	}
	if cfg.Dispatch.Workers != 4 || cfg.Dispatch.RetryMax != 3 {
		t.Fatalf("dispatch = %+v", cfg.Dispatch)
	}
	if cfg.Delivery.Channel != "telegram" || cfg.Delivery.Telegram.ChatID != -100200300 {
		t.Fatalf("delivery = %+v", cfg.Delivery)
	}
}

func TestParseRejectsUnknownField(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
scanner:
  enabled: true
  intervall: 10s
`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{name: "empty means zero", raw: "", want: 0},
		{name: "seconds", raw: "10s", want: 10 * time.Second},
		{name: "compound", raw: "1m30s", want: 90 * time.Second},
		{name: "padded", raw: "  5m  ", want: 5 * time.Minute},
		{name: "negative rejected", raw: "-1s", wantErr: true},
		{name: "bare number rejected", raw: "10", wantErr: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseDurationField("scanner.interval", tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseDurationField(%q): expected error", tc.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDurationField(%q): %v", tc.raw, err)
			}
			if got != tc.want {
				t.Fatalf("ParseDurationField(%q) = %v, want %v", tc.raw, got, tc.want)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	got, err := ParseDurationOrDefault("scanner.interval", "", 60*time.Second)
	if err != nil || got != 60*time.Second {
		t.Fatalf("empty = (%v, %v), want default 60s", got, err)
	}
	got, err = ParseDurationOrDefault("scanner.interval", "15s", 60*time.Second)
	if err != nil || got != 15*time.Second {
		t.Fatalf("explicit = (%v, %v), want 15s", got, err)
	}
}
