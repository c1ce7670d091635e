package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sippy-relay/rtprelayd/internal/config"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rtprelayd.yml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.Ports.Min != 35000 || cfg.Ports.Max != 65000 {
		t.Errorf("Ports = %d..%d, want 35000..65000", cfg.Ports.Min, cfg.Ports.Max)
	}
	if cfg.TTL.MaxTTL != 1*time.Hour {
		t.Errorf("TTL.MaxTTL = %v, want %v", cfg.TTL.MaxTTL, time.Hour)
	}
	if cfg.TTL.SetupTTL != 1*time.Minute {
		t.Errorf("TTL.SetupTTL = %v, want %v", cfg.TTL.SetupTTL, time.Minute)
	}
	if len(cfg.Control.Listen) != 1 || cfg.Control.Listen[0] != "unix:/var/run/rtprelay.sock" {
		t.Errorf("Control.Listen = %v, want [unix:/var/run/rtprelay.sock]", cfg.Control.Listen)
	}
	if err := config.Validate(cfg); err != nil {
		t.Errorf("DefaultConfig() failed validation: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	yamlContent := `
ports:
  min: 40000
  max: 41000
ttl:
  max_ttl: "30m"
  setup_ttl: "10s"
control:
  listen: ["udp:127.0.0.1:7890"]
log:
  level: "debug"
`
	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Ports.Min != 40000 || cfg.Ports.Max != 41000 {
		t.Errorf("Ports = %d..%d, want 40000..41000", cfg.Ports.Min, cfg.Ports.Max)
	}
	if cfg.TTL.MaxTTL != 30*time.Minute {
		t.Errorf("TTL.MaxTTL = %v, want %v", cfg.TTL.MaxTTL, 30*time.Minute)
	}
	if cfg.TTL.SetupTTL != 10*time.Second {
		t.Errorf("TTL.SetupTTL = %v, want %v", cfg.TTL.SetupTTL, 10*time.Second)
	}
	if len(cfg.Control.Listen) != 1 || cfg.Control.Listen[0] != "udp:127.0.0.1:7890" {
		t.Errorf("Control.Listen = %v", cfg.Control.Listen)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	t.Parallel()

	yamlContent := `
log:
  level: "warn"
`
	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "warn")
	}
	if cfg.Ports.Min != 35000 || cfg.Ports.Max != 65000 {
		t.Errorf("Ports = %d..%d, want defaults preserved", cfg.Ports.Min, cfg.Ports.Max)
	}
	if cfg.TTL.MaxTTL != 1*time.Hour {
		t.Errorf("TTL.MaxTTL = %v, want default preserved", cfg.TTL.MaxTTL)
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name:    "odd port min",
			modify:  func(cfg *config.Config) { cfg.Ports.Min = 35001 },
			wantErr: config.ErrPortRange,
		},
		{
			name:    "min above max",
			modify:  func(cfg *config.Config) { cfg.Ports.Min, cfg.Ports.Max = 60000, 50000 },
			wantErr: config.ErrPortRange,
		},
		{
			name:    "max too high",
			modify:  func(cfg *config.Config) { cfg.Ports.Max = 65535 },
			wantErr: config.ErrPortRange,
		},
		{
			name:    "zero max ttl",
			modify:  func(cfg *config.Config) { cfg.TTL.MaxTTL = 0 },
			wantErr: config.ErrInvalidMaxTTL,
		},
		{
			name:    "zero setup ttl",
			modify:  func(cfg *config.Config) { cfg.TTL.SetupTTL = 0 },
			wantErr: config.ErrInvalidSetupTTL,
		},
		{
			name:    "no control listeners",
			modify:  func(cfg *config.Config) { cfg.Control.Listen = nil },
			wantErr: config.ErrNoControlListen,
		},
		{
			name:    "bad sched policy",
			modify:  func(cfg *config.Config) { cfg.Process.SchedPolicy = "round-robin" },
			wantErr: config.ErrInvalidSched,
		},
		{
			name:    "bad record mode",
			modify:  func(cfg *config.Config) { cfg.Record.Mode = "wiretap" },
			wantErr: config.ErrInvalidRecord,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("Validate() returned nil, want error")
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  slog.Level
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: "DEBUG", want: slog.LevelDebug},
		{input: "info", want: slog.LevelInfo},
		{input: "warn", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "unknown", want: slog.LevelInfo},
		{input: "", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			got := config.ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseLevelFacility(t *testing.T) {
	t.Parallel()

	level, facility := config.ParseLevelFacility("debug:local0")
	if level != "debug" || facility != "local0" {
		t.Errorf("ParseLevelFacility = (%q, %q), want (debug, local0)", level, facility)
	}

	level, facility = config.ParseLevelFacility("info")
	if level != "info" || facility != "" {
		t.Errorf("ParseLevelFacility = (%q, %q), want (info, \"\")", level, facility)
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load("/nonexistent/path/rtprelayd.yml")
	if err == nil {
		t.Fatal("Load() returned nil error for nonexistent file")
	}
}
