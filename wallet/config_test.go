package wallet

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
wallet_path: /tmp/nutpay
backend: sqlite
mints:
  - https://mint.example.com/
  - https://other.example.com
poll_interval: 10s
max_history: 50
`)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("NUTPAY_BACKEND", "memory")
	t.Setenv("NUTPAY_POLL_INTERVAL", "not a duration")
	t.Setenv("NUTPAY_RANDOM_SECRETS", "true")

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if config.WalletPath != "/tmp/nutpay" {
		t.Fatalf("expected wallet path '%v' but got '%v'", "/tmp/nutpay", config.WalletPath)
	}
	if config.Backend != MemoryBackend {
		t.Fatalf("expected backend '%v' but got '%v'", MemoryBackend, config.Backend)
	}
	// invalid overrides keep the file value
	if config.PollInterval != 10*time.Second {
		t.Fatalf("expected poll interval '%v' but got '%v'", 10*time.Second, config.PollInterval)
	}
	if !config.RandomSecrets {
		t.Fatal("expected random secrets from env")
	}
	if config.MaxHistory != 50 {
		t.Fatalf("expected max history '%v' but got '%v'", 50, config.MaxHistory)
	}

	config.Logger = discardLogger
	if err := config.setDefaults(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(config.Mints) != 2 || config.Mints[0] != "https://mint.example.com" {
		t.Fatalf("unexpected mints: %v", config.Mints)
	}
	if config.DefaultMint != config.Mints[0] {
		t.Fatalf("expected default mint '%v' but got '%v'", config.Mints[0], config.DefaultMint)
	}
	if config.Unit != "sat" {
		t.Fatalf("expected unit '%v' but got '%v'", "sat", config.Unit)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Setenv("MINT_URL", "https://mint.example.com")
	t.Setenv("NUTPAY_MINTS", "https://a.example.com, https://b.example.com,")

	config, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if config.DefaultMint != "https://mint.example.com" {
		t.Fatalf("expected default mint '%v' but got '%v'", "https://mint.example.com", config.DefaultMint)
	}
	if len(config.Mints) != 2 || config.Mints[1] != "https://b.example.com" {
		t.Fatalf("unexpected mints: %v", config.Mints)
	}
}

func TestConfigDefaultsErrors(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{"unknown backend", Config{Backend: "postgres"}},
		{"unknown unit", Config{Backend: MemoryBackend, Unit: "doge"}},
		{"invalid mint", Config{Backend: MemoryBackend, Mints: []string{"not a url"}}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			config := test.config
			config.Logger = discardLogger
			if err := config.setDefaults(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, test := range tests {
		if level := ParseLogLevel(test.level); level != test.expected {
			t.Fatalf("expected level '%v' but got '%v'", test.expected, level)
		}
	}
}
